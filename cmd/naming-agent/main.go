package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"namingd/internal/agent"
	"namingd/internal/config"
	"namingd/internal/logger"
)

func main() {
	var (
		cfg       agent.Config
		meta      string
		logLevel  string
		logFormat string
	)
	flag.StringVar(&cfg.Server, "server", "http://127.0.0.1:8848", "namingd 的 HTTP 地址")
	flag.StringVar(&cfg.Namespace, "ns", "", "命名空间，默认 public")
	flag.StringVar(&cfg.Group, "group", "", "分组，默认 DEFAULT_GROUP")
	flag.StringVar(&cfg.Service, "service", "", "服务名")
	flag.StringVar(&cfg.IP, "ip", "127.0.0.1", "对外发布的地址")
	flag.IntVar(&cfg.Port, "port", 0, "服务端口")
	flag.StringVar(&cfg.Cluster, "cluster", "", "集群名，默认 DEFAULT")
	flag.Float64Var(&cfg.Weight, "weight", 1, "权重")
	flag.StringVar(&meta, "meta", "", "元数据，如 k1=v1,k2=v2")
	flag.DurationVar(&cfg.TTL, "ttl", 15*time.Second, "租约时长，每 ttl/3 心跳一次")
	flag.StringVar(&cfg.Probe.Type, "check", "", "本地探测类型 http|tcp，为空不探测")
	flag.StringVar(&cfg.Probe.Target, "check-target", "", "探测目标，默认实例地址")
	flag.DurationVar(&cfg.Probe.Interval, "check-interval", 5*time.Second, "探测间隔")
	flag.DurationVar(&cfg.Probe.Timeout, "check-timeout", 2*time.Second, "探测超时")
	flag.BoolVar(&cfg.Deregister, "deregister", true, "退出时注销实例")
	flag.StringVar(&logLevel, "log-level", "info", "日志级别")
	flag.StringVar(&logFormat, "log-format", "console", "日志格式 console|json")
	flag.Parse()

	cfg.Metadata = parseMeta(meta)

	log, err := logger.New(config.LogConfig{Level: logLevel, Format: logFormat})
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := agent.New(cfg, log.Named("agent")).Run(ctx); err != nil {
		log.Error("agent error", zap.Error(err))
		os.Exit(1)
	}
}

func parseMeta(s string) map[string]string {
	if s == "" {
		return nil
	}
	out := make(map[string]string)
	for _, kv := range strings.Split(s, ",") {
		k, v, _ := strings.Cut(kv, "=")
		if k = strings.TrimSpace(k); k != "" {
			out[k] = strings.TrimSpace(v)
		}
	}
	return out
}
