// Package cmd 包含 edgejs CLI 工具的所有命令实现
// 使用 cobra 框架构建命令行接口，viper 负责标志、环境变量与 CLI 配置文件的合并
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/oriys/edgejs/internal/config"
	"github.com/oriys/edgejs/internal/telemetry"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// 全局命令行标志变量
var (
	cliConfigFile string // CLI 配置文件路径
)

// ExitError 携带进程退出码，由 main 负责退出。
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// rootCmd 是 CLI 的根命令
var rootCmd = &cobra.Command{
	Use:   "edgejs",
	Short: "edgejs - sandboxed JavaScript function engine",
	Long: `edgejs 在隔离的 JavaScript 执行上下文中运行函数包。

使用示例:
  # 单次执行本地目录中的函数
  edgejs run ./hello --path /greet --query name=World

  # 文件变化时自动重新执行
  edgejs run ./hello --watch

  # 启动调用服务
  edgejs serve --engine-config /etc/edgejs/config.yaml

  # 生成租户 API Key
  edgejs key generate`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute 执行根命令
// 返回:
//   - error: 命令执行错误，*ExitError 表示需要以指定退出码结束进程
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cliConfigFile, "config", "", "CLI 配置文件路径（默认为 $HOME/.edgejs.yaml）")
	rootCmd.PersistentFlags().String("engine-config", "", "引擎 YAML 配置文件（默认仅使用默认值与 EDGEJS_* 环境变量）")
	rootCmd.PersistentFlags().String("log-level", "", "日志级别（debug、info、warn、error）")
	rootCmd.PersistentFlags().String("log-format", "", "日志格式（text、json）")

	viper.BindPFlag("engine_config", rootCmd.PersistentFlags().Lookup("engine-config"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// initConfig 初始化配置
// 按优先级加载配置：命令行标志 > 环境变量 > 配置文件
func initConfig() {
	if cliConfigFile != "" {
		viper.SetConfigFile(cliConfigFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".edgejs")
	}

	// 环境变量格式：EDGEJS_<KEY>，如 EDGEJS_LOG_LEVEL
	viper.SetEnvPrefix("EDGEJS")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && cliConfigFile != "" {
			fmt.Fprintf(os.Stderr, "Warning: failed to read %s: %v\n", cliConfigFile, err)
		}
	}
}

// loadEngineConfig 加载引擎配置，未指定文件时使用默认值与环境变量。
// CLI 的日志标志覆盖配置文件中的日志设置。
func loadEngineConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := viper.GetString("engine_config"); path != "" {
		cfg, err = config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load engine config %s: %w", path, err)
		}
	} else {
		cfg = config.Default()
	}
	if v := viper.GetString("log_level"); v != "" {
		cfg.Logging.Level = v
	}
	if v := viper.GetString("log_format"); v != "" {
		cfg.Logging.Format = v
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *logrus.Logger {
	return telemetry.NewLogger(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
}
