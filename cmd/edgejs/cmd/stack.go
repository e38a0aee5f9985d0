package cmd

import (
	"context"
	"fmt"

	"github.com/oriys/edgejs/internal/auth"
	"github.com/oriys/edgejs/internal/config"
	"github.com/oriys/edgejs/internal/engine"
	"github.com/oriys/edgejs/internal/events"
	"github.com/oriys/edgejs/internal/kv"
	"github.com/oriys/edgejs/internal/metrics"
	"github.com/oriys/edgejs/internal/netpolicy"
	"github.com/oriys/edgejs/internal/pkgcache"
	"github.com/oriys/edgejs/internal/sandbox"
	"github.com/oriys/edgejs/internal/shim"
	"github.com/oriys/edgejs/internal/storage"
	"github.com/oriys/edgejs/internal/telemetry"
	"github.com/sirupsen/logrus"
)

// stackOptions 控制组装方式。
type stackOptions struct {
	// Source 覆盖配置中的函数包来源
	Source pkgcache.Source
	// Publishers 额外的调用完成事件订阅者
	Publishers []events.Publisher
	// Background 是否启动后台任务（缓存淘汰、KV 过期清理、上下文回收）
	Background bool
}

// stack 是组装完成的执行引擎及其依赖。
type stack struct {
	Engine  *engine.Engine
	Cache   *pkgcache.Cache
	Metrics *metrics.Metrics

	closers []func()
}

// Close 按创建的逆序释放资源。
func (s *stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

func (s *stack) onClose(fn func()) {
	s.closers = append(s.closers, fn)
}

// buildStack 根据配置组装执行引擎。
// 组装顺序：遥测 → 指标 → 存储 → KV → 网络策略 → 上下文管理器 → 函数包缓存 → 事件 → 引擎
func buildStack(ctx context.Context, cfg *config.Config, logger *logrus.Logger, opts stackOptions) (_ *stack, err error) {
	st := &stack{}
	defer func() {
		if err != nil {
			st.Close()
		}
	}()

	if cfg.Telemetry.Enabled {
		tel, terr := telemetry.New(ctx, telemetry.Config{
			Enabled:        true,
			Endpoint:       cfg.Telemetry.Endpoint,
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: Version,
			SampleRate:     cfg.Telemetry.SampleRate,
			Environment:    cfg.Telemetry.Environment,
		})
		if terr != nil {
			// 遥测初始化失败不影响主服务运行
			logger.WithError(terr).Warn("Failed to initialize telemetry, continuing without tracing")
		} else {
			st.onClose(func() { tel.Shutdown(context.Background()) })
			logger.WithField("endpoint", cfg.Telemetry.Endpoint).Info("Telemetry initialized")
		}
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics(cfg.Metrics.Namespace)
		st.Metrics = m
	}

	var pg *storage.PostgresStore
	if cfg.Storage.Postgres.Host != "" {
		pg, err = storage.NewPostgresStore(cfg.Storage.Postgres)
		if err != nil {
			return nil, err
		}
		st.onClose(func() { pg.Close() })
		if err = pg.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("failed to migrate postgres schema: %w", err)
		}
		logger.WithField("host", cfg.Storage.Postgres.Host).Info("PostgreSQL connected")
	}

	var rdb *storage.RedisStore
	if cfg.Storage.Redis.Address != "" {
		rdb, err = storage.NewRedisStore(cfg.Storage.Redis)
		if err != nil {
			return nil, err
		}
		st.onClose(func() { rdb.Close() })
		logger.WithField("address", cfg.Storage.Redis.Address).Info("Redis connected")
	}

	store, err := kvStore(cfg.KV, pg, rdb)
	if err != nil {
		return nil, err
	}
	bridge := kv.NewBridge(store, kvQuota(cfg), cfg.KV.OpTimeout, logger, m)
	st.onClose(func() { bridge.Close() })
	if opts.Background {
		if err = bridge.StartSweeper(cfg.KV.SweepSchedule); err != nil {
			return nil, err
		}
	}

	var rules netpolicy.RuleSource
	if pg != nil {
		rules = netpolicy.NewPostgresSource(pg.DB(), cfg.Network.RuleCacheTTL, logger)
	} else {
		rules, err = netpolicy.NewStaticSource(cfg.Network.Rules)
		if err != nil {
			return nil, err
		}
	}
	filter := netpolicy.NewFilter(rules, nil, cfg.Network.DefaultAllow(), logger, m)

	catalog, err := shim.NewCatalog(logger)
	if err != nil {
		return nil, err
	}
	pool, err := sandbox.NewManager(sandbox.ConfigFromEngine(cfg.Engine),
		sandbox.Deps{Catalog: catalog, Policy: filter, KV: bridge}, logger, m)
	if err != nil {
		return nil, err
	}
	st.onClose(pool.Close)
	if opts.Background {
		pool.Start()
	}

	source := opts.Source
	if source == nil {
		source, err = packageSource(cfg.ObjectStore)
		if err != nil {
			return nil, err
		}
	}
	cache, err := pkgcache.New(cfg.Cache, source, logger, m)
	if err != nil {
		return nil, err
	}
	st.Cache = cache
	st.onClose(cache.Close)
	if opts.Background {
		if err = cache.Start(); err != nil {
			return nil, err
		}
	}

	publishers := append([]events.Publisher(nil), opts.Publishers...)
	if cfg.Events.NatsURL != "" {
		bus, berr := events.NewEventBus(cfg.Events.NatsURL, logger)
		if berr != nil {
			logger.WithError(berr).Warn("Failed to connect to NATS, invocation events disabled")
		} else {
			publishers = append(publishers, bus)
		}
	}
	var publisher events.Publisher
	if fan := events.NewFanout(publishers...); len(fan) > 0 {
		publisher = fan
		st.onClose(func() { fan.Close() })
	}

	var keys auth.KeyVerifier
	if cfg.Engine.RequireAPIKey {
		keys = auth.NewStaticKeyStore(tenantKeyHashes(cfg))
	}

	eng, err := engine.New(engine.ConfigFromEngine(cfg.Engine), engine.Deps{
		Cache:   cache,
		Pool:    pool,
		Keys:    keys,
		Events:  publisher,
		Logger:  logger,
		Metrics: m,
	})
	if err != nil {
		return nil, err
	}
	st.Engine = eng
	st.onClose(eng.Close)
	return st, nil
}

// kvStore 按配置选择 KV 后端。
func kvStore(cfg config.KVConfig, pg *storage.PostgresStore, rdb *storage.RedisStore) (kv.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return kv.NewMemoryStore(), nil
	case "file":
		return kv.NewFileStore(cfg.FilePath)
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("kv backend redis requires storage.redis.address")
		}
		return kv.NewRedisStore(rdb.Client()), nil
	case "postgres":
		if pg == nil {
			return nil, fmt.Errorf("kv backend postgres requires storage.postgres.host")
		}
		return kv.NewPostgresStore(pg.DB()), nil
	}
	return nil, fmt.Errorf("unknown kv backend %q", cfg.Backend)
}

// kvQuota 返回租户配额：租户配置优先，其次全局配额。
func kvQuota(cfg *config.Config) kv.QuotaFunc {
	global := cfg.KV.QuotaBytes
	tenants := cfg.Tenants
	return func(tenantID string) int64 {
		if t, ok := tenants[tenantID]; ok && t.KVQuotaBytes > 0 {
			return t.KVQuotaBytes
		}
		return global
	}
}

// packageSource 有对象存储地址时使用 MinIO，否则使用本地目录。
func packageSource(cfg config.ObjectStoreConfig) (pkgcache.Source, error) {
	if cfg.Endpoint != "" {
		return pkgcache.NewMinioSource(cfg)
	}
	if cfg.LocalDir == "" {
		return nil, fmt.Errorf("no package source configured: set object_store.endpoint or object_store.local_dir")
	}
	return pkgcache.NewDirSource(cfg.LocalDir), nil
}

func tenantKeyHashes(cfg *config.Config) map[string][]string {
	hashes := make(map[string][]string, len(cfg.Tenants))
	for id, t := range cfg.Tenants {
		hashes[id] = t.APIKeyHashes
	}
	return hashes
}

func tenantEnv(cfg *config.Config) map[string]map[string]string {
	env := make(map[string]map[string]string, len(cfg.Tenants))
	for id, t := range cfg.Tenants {
		if len(t.Env) > 0 {
			env[id] = t.Env
		}
	}
	return env
}
