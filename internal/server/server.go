package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"namingd/internal/api"
	"namingd/internal/config"
	applog "namingd/internal/logger"
	"namingd/internal/push"
	"namingd/internal/raft"
	"namingd/internal/registry"
)

// 单节点引导后等待成为 Leader 的上限
const leaderWait = 10 * time.Second

// Server 负责在启动时装配注册表、推送引擎与 HTTP API，并在退出时按序拆除。
type Server struct {
	Config *config.Config
	Logger *zap.Logger

	// OnReady 在 HTTP 监听就绪后调用，测试用
	OnReady func(addr net.Addr)
}

func (s *Server) Run(ctx context.Context) error {
	cfg := s.Config
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// 1) 内存注册表：临时实例的租约过期器始终在本地运行。
	mem := registry.NewMemoryRegistryWithOptions(registry.Options{
		HealthyTimeout: cfg.Lease.HealthyTimeout,
		DeleteTimeout:  cfg.Lease.DeleteTimeout,
		CheckInterval:  cfg.Lease.CheckInterval,
		Logger:         logger.Named("registry"),
		Metrics:        registry.NewMetrics(promReg),
	})
	mem.StartExpirer()
	defer mem.Stop()

	// 2) 可选 Raft：持久实例的写入经 Raft 复制，读直读内存。
	var reg registry.Registry = mem
	if cfg.Raft.Enabled {
		node, err := raft.Start(raft.Config{
			ID:        cfg.Raft.ID,
			Bind:      cfg.Raft.Bind,
			DataDir:   cfg.Raft.Dir,
			Bootstrap: cfg.Raft.Bootstrap,
			Logger:    applog.NewRaftLogger(cfg.Log, nil),
		}, registry.NewRaftFSM(mem))
		if err != nil {
			return fmt.Errorf("start raft: %w", err)
		}
		defer func() {
			if err := node.Close(); err != nil {
				logger.Warn("关闭 Raft 失败", zap.Error(err))
			}
		}()
		if cfg.Raft.Bootstrap {
			if err := node.WaitLeader(leaderWait); err != nil {
				logger.Warn("尚未成为 Leader，持久实例写入将被拒绝", zap.Error(err))
			}
		}
		reg = registry.NewRaftRegistry(node.Raft, mem)
	}

	// 3) 推送引擎订阅注册表变更。
	engine := push.NewEngine(reg, push.Config{
		DeliveryTimeout: cfg.Push.DeliveryTimeout,
		RefreshInterval: cfg.Push.RefreshInterval,
		StaleTimeout:    cfg.Push.StaleTimeout,
		SweepInterval:   cfg.Push.SweepInterval,
		Workers:         cfg.Push.Workers,
		QueueSize:       cfg.Push.QueueSize,
		SweepRate:       cfg.Push.SweepRate,
		SweepBurst:      cfg.Push.SweepBurst,
	}, push.WithLogger(logger.Named("push")), push.WithMetrics(push.NewMetrics(promReg)))
	reg.OnChange(engine.ServiceChanged)
	engine.Start(ctx)
	defer engine.Stop()

	// 4) HTTP API；关闭前先拒绝写入。
	opts := api.Options{
		CORS:      cfg.HTTP.CORS,
		CacheSize: cfg.Push.CacheSize,
		Logger:    logger.Named("api"),
	}
	if cfg.Metrics.Enabled {
		opts.MetricsPath = cfg.Metrics.Path
		opts.Gatherer = promReg
	}
	router, err := api.NewRouter(api.NewDispatcher(reg, engine, logger.Named("api")), opts)
	if err != nil {
		return err
	}
	httpSrv := &api.HTTPServer{
		Addr:   cfg.HTTP.Addr,
		Router: router,
		Logger: logger,
		BeforeShutdown: func() {
			logger.Info("停止接收写入")
			reg.SetWritable(false)
		},
	}
	addr, err := httpSrv.Listen()
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.HTTP.Addr, err)
	}
	if s.OnReady != nil {
		s.OnReady(addr)
	}
	if err := httpSrv.Start(ctx); err != nil {
		logger.Error("HTTP 服务退出", zap.Error(err))
		return err
	}
	return nil
}
