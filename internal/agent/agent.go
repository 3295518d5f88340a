package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultTTL          = 15 * time.Second
	defaultProbeEvery   = 5 * time.Second
	defaultProbeTimeout = 2 * time.Second
	deregisterTimeout   = 3 * time.Second
)

// errNotFound 表示服务端已不存在该实例（租约过期被删除）
var errNotFound = errors.New("instance not found")

// Probe 描述本地健康探测；Type 为空表示不探测。
type Probe struct {
	Type     string // http | tcp
	Target   string // http 为完整 URL，tcp 为 host:port；为空时取实例地址
	Interval time.Duration
	Timeout  time.Duration
}

// Config 为单个实例的 Agent 配置。
type Config struct {
	Server      string // 例如 http://127.0.0.1:8848
	Namespace   string
	Group       string
	Service     string
	IP          string
	Port        int
	Cluster     string
	Weight      float64
	Metadata    map[string]string
	TTL         time.Duration // 心跳间隔为 TTL/3
	Probe       Probe
	Deregister  bool // 退出时注销
	HTTPTimeout time.Duration
}

// Agent 维持一个临时实例的租约：注册、心跳、上报健康、退出注销。
type Agent struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger

	mu      sync.Mutex
	healthy bool
}

func New(cfg Config, logger *zap.Logger) *Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.Weight == 0 {
		cfg.Weight = 1
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 5 * time.Second
	}
	if cfg.Probe.Interval <= 0 {
		cfg.Probe.Interval = defaultProbeEvery
	}
	if cfg.Probe.Timeout <= 0 {
		cfg.Probe.Timeout = defaultProbeTimeout
	}
	cfg.Server = strings.TrimRight(cfg.Server, "/")
	return &Agent{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.HTTPTimeout},
		logger:  logger.With(zap.String("service", cfg.Service), zap.String("ip", cfg.IP), zap.Int("port", cfg.Port)),
		healthy: true,
	}
}

// Run 注册实例并维持心跳，直到 ctx 取消。
func (a *Agent) Run(ctx context.Context) error {
	if a.cfg.Server == "" {
		return errors.New("agent: missing server address")
	}
	if a.cfg.Service == "" || a.cfg.IP == "" || a.cfg.Port <= 0 {
		return errors.New("agent: service, ip and port are required")
	}
	if err := a.register(ctx); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	a.logger.Info("实例已注册")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.beatLoop(ctx)
	}()
	if a.cfg.Probe.Type != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.probeLoop(ctx)
		}()
	}
	<-ctx.Done()
	wg.Wait()

	if a.cfg.Deregister {
		dctx, cancel := context.WithTimeout(context.Background(), deregisterTimeout)
		defer cancel()
		if err := a.deregister(dctx); err != nil {
			a.logger.Warn("注销失败", zap.Error(err))
		} else {
			a.logger.Info("实例已注销")
		}
	}
	return nil
}

func (a *Agent) beatLoop(ctx context.Context) {
	interval := a.cfg.TTL / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.beatOnce(ctx)
		}
	}
}

// beatOnce 续约一次；本地探测失败期间停止续约，交由租约过期处理。
func (a *Agent) beatOnce(ctx context.Context) {
	if !a.isHealthy() {
		return
	}
	err := a.call(ctx, http.MethodPut, "/v1/ns/instance/beat", a.query(), nil)
	if errors.Is(err, errNotFound) {
		a.logger.Info("实例已过期，重新注册")
		err = a.register(ctx)
	}
	if err != nil && ctx.Err() == nil {
		a.logger.Warn("心跳失败", zap.Error(err))
	}
}

func (a *Agent) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Probe.Interval)
	defer ticker.Stop()
	for {
		a.probeOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// probeOnce 执行一次探测，健康状态变化时上报服务端。
func (a *Agent) probeOnce(ctx context.Context) {
	healthy := a.check(ctx) == nil
	if ctx.Err() != nil || healthy == a.isHealthy() {
		return
	}
	q := a.query()
	q.Set("healthy", strconv.FormatBool(healthy))
	err := a.call(ctx, http.MethodPut, "/v1/ns/instance/health", q, nil)
	if errors.Is(err, errNotFound) && healthy {
		err = a.register(ctx)
	}
	if err != nil && !errors.Is(err, errNotFound) {
		a.logger.Warn("上报健康状态失败", zap.Bool("healthy", healthy), zap.Error(err))
		return
	}
	a.mu.Lock()
	a.healthy = healthy
	a.mu.Unlock()
	a.logger.Info("健康状态变化", zap.Bool("healthy", healthy))
}

func (a *Agent) check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Probe.Timeout)
	defer cancel()
	switch strings.ToLower(a.cfg.Probe.Type) {
	case "http":
		target := a.cfg.Probe.Target
		if target == "" {
			target = "http://" + a.hostPort() + "/health"
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return err
		}
		resp, err := a.client.Do(req)
		if err != nil {
			return err
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 400 {
			return fmt.Errorf("status %d", resp.StatusCode)
		}
		return nil
	case "tcp":
		target := a.cfg.Probe.Target
		if target == "" {
			target = a.hostPort()
		}
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", target)
		if err != nil {
			return err
		}
		return conn.Close()
	default:
		return fmt.Errorf("unknown probe type %q", a.cfg.Probe.Type)
	}
}

func (a *Agent) register(ctx context.Context) error {
	body, err := json.Marshal(map[string]any{
		"ip":          a.cfg.IP,
		"port":        a.cfg.Port,
		"clusterName": a.cfg.Cluster,
		"weight":      a.cfg.Weight,
		"healthy":     a.isHealthy(),
		"ephemeral":   true,
		"metadata":    a.cfg.Metadata,
	})
	if err != nil {
		return err
	}
	return a.call(ctx, http.MethodPost, "/v1/ns/instance", a.serviceQuery(), body)
}

func (a *Agent) deregister(ctx context.Context) error {
	err := a.call(ctx, http.MethodDelete, "/v1/ns/instance", a.query(), nil)
	if errors.Is(err, errNotFound) {
		return nil
	}
	return err
}

func (a *Agent) call(ctx context.Context, method, path string, q url.Values, body []byte) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.cfg.Server+path+"?"+q.Encode(), rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errNotFound
	case resp.StatusCode/100 != 2:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return nil
}

func (a *Agent) serviceQuery() url.Values {
	q := url.Values{}
	q.Set("serviceName", a.cfg.Service)
	if a.cfg.Namespace != "" {
		q.Set("namespaceId", a.cfg.Namespace)
	}
	if a.cfg.Group != "" {
		q.Set("groupName", a.cfg.Group)
	}
	return q
}

// query 定位实例：服务参数加 ip/port/clusterName。
func (a *Agent) query() url.Values {
	q := a.serviceQuery()
	q.Set("ip", a.cfg.IP)
	q.Set("port", strconv.Itoa(a.cfg.Port))
	if a.cfg.Cluster != "" {
		q.Set("clusterName", a.cfg.Cluster)
	}
	return q
}

func (a *Agent) hostPort() string {
	return net.JoinHostPort(a.cfg.IP, strconv.Itoa(a.cfg.Port))
}

func (a *Agent) isHealthy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.healthy
}
