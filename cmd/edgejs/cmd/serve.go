// Package cmd 提供 edgejs 命令行工具的所有子命令实现。
// 本文件实现 serve 命令：以长期运行的 HTTP 服务提供函数调用接口。
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oriys/edgejs/internal/api"
	"github.com/oriys/edgejs/internal/auth"
	"github.com/oriys/edgejs/internal/events"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the invocation HTTP service",
	Long: `Start a long-running HTTP service that executes function packages on demand.

Endpoints:
  POST /v1/functions/{id}/invoke                      JSON envelope invocation
  ANY  /v1/functions/{id}/versions/{version}/http/*   HTTP passthrough invocation
  GET  /v1/logs/stream                                live console logs (WebSocket)
  GET  /healthz, /readyz, /metrics`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Int("port", 0, "HTTP 端口（覆盖 server.http_port）")
	viper.BindPFlag("port", serveCmd.Flags().Lookup("port"))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadEngineConfig()
	if err != nil {
		return err
	}
	if port := viper.GetInt("port"); port > 0 {
		cfg.Server.HTTPPort = port
	}
	logger := newLogger(cfg)
	logger.WithFields(logrus.Fields{
		"version":   Version,
		"pool_size": cfg.Engine.PoolSize,
		"kv":        cfg.KV.Backend,
	}).Info("Starting edgejs")

	hub := api.NewLogHub(logger)
	st, err := buildStack(context.Background(), cfg, logger, stackOptions{
		Publishers: []events.Publisher{hub},
		Background: true,
	})
	if err != nil {
		return err
	}
	defer st.Close()

	var verifier *auth.ClientIPVerifier
	if cfg.Trust.TokenSecret != "" {
		verifier = auth.NewClientIPVerifier(cfg.Trust.TokenSecret)
	}
	identify := auth.NewMiddleware(verifier, cfg.Trust.TokenHeader, cfg.Trust.TenantHeader, cfg.Trust.APIKeyHeader)

	handler := api.NewHandler(st.Engine, api.HandlerConfig{
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		TenantEnv:    tenantEnv(cfg),
		StripHeaders: []string{cfg.Trust.TokenHeader, cfg.Trust.TenantHeader, cfg.Trust.APIKeyHeader, "Authorization"},
	}, logger)

	routerCfg := &api.RouterConfig{
		Handler:     handler,
		Logs:        hub,
		Identify:    identify.Identify,
		ServiceName: cfg.Telemetry.ServiceName,
		Logger:      logger,
	}
	if st.Metrics != nil {
		routerCfg.Metrics = st.Metrics.Handler()
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           api.NewRouter(routerCfg),
		ReadHeaderTimeout: 10 * time.Second,
		// 写超时需覆盖单次调用的墙钟预算
		WriteTimeout: cfg.Engine.Timeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("port", cfg.Server.HTTPPort).Info("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 监听 SIGINT (Ctrl+C) 和 SIGTERM (容器停止) 信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-quit:
	}

	logger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// 先关闭日志流，WebSocket 连接不会被 Shutdown 等待
	hub.Close()
	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server shutdown error")
	}
	logger.Info("Server stopped")
	return nil
}
