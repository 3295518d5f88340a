package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"namingd/internal/naming"
	"namingd/internal/registry"
)

const requestIDHeader = "X-Request-Id"

// Options 控制路由的可选部分。
type Options struct {
	CORS bool
	// MetricsPath 为空时不暴露指标
	MetricsPath string
	Gatherer    prometheus.Gatherer

	CacheSize    int
	StreamBuffer int
	Logger       *zap.Logger
}

// Router 是装配好的 gin 引擎，另持有 SSE 连接的关闭开关。
type Router struct {
	*gin.Engine
	h *handler
}

type handler struct {
	d            *Dispatcher
	cache        *payloadCache
	streamBuffer int
	logger       *zap.Logger

	closeOnce sync.Once
	closing   chan struct{}
}

// NewRouter 注册全部命名接口。
func NewRouter(d *Dispatcher, opts Options) (*Router, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	cache, err := newPayloadCache(opts.CacheSize)
	if err != nil {
		return nil, err
	}
	h := &handler{
		d:            d,
		cache:        cache,
		streamBuffer: opts.StreamBuffer,
		logger:       opts.Logger,
		closing:      make(chan struct{}),
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestID(), accessLog(opts.Logger))
	if opts.CORS {
		r.Use(cors.New(cors.Config{
			AllowAllOrigins: true,
			AllowMethods:    []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowHeaders:    []string{"Origin", "Content-Type", requestIDHeader},
			ExposeHeaders:   []string{requestIDHeader},
			MaxAge:          12 * time.Hour,
		}))
	}

	v1 := r.Group("/v1/ns")
	v1.POST("/instance", h.action(ActionRegister))
	v1.DELETE("/instance", h.action(ActionDeregister))
	v1.PUT("/instance/beat", h.action(ActionBeat))
	v1.PUT("/instance/health", h.action(ActionUpdateHealth))
	v1.GET("/instance/list", h.action(ActionQueryList))
	v1.GET("/service/list", h.listServices)
	v1.GET("/subscribe", h.subscribe)
	v1.DELETE("/subscribe", h.action(ActionUnsubscribe))
	v1.POST("/request/:action", h.generic)

	if opts.MetricsPath != "" {
		g := opts.Gatherer
		if g == nil {
			g = prometheus.DefaultGatherer
		}
		r.GET(opts.MetricsPath, gin.WrapH(promhttp.HandlerFor(g, promhttp.HandlerOpts{})))
	}
	return &Router{Engine: r, h: h}, nil
}

// CloseStreams 结束所有 SSE 连接的写循环。
func (r *Router) CloseStreams() {
	r.h.closeOnce.Do(func() { close(r.h.closing) })
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDHeader, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func accessLog(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("requestId", c.GetString(requestIDHeader)),
		)
	}
}

// bindRequest 先绑定查询串，再用请求体（JSON 或表单）覆盖。
func bindRequest(c *gin.Context) (*Request, error) {
	req := &Request{}
	if err := c.ShouldBindQuery(req); err != nil {
		return nil, fmt.Errorf("%w: %v", naming.ErrInvalidParam, err)
	}
	if c.Request.ContentLength != 0 {
		var err error
		switch c.ContentType() {
		case binding.MIMEJSON:
			err = c.ShouldBindJSON(req)
		case binding.MIMEPOSTForm:
			err = c.ShouldBindWith(req, binding.FormPost)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", naming.ErrInvalidParam, err)
		}
	}
	req.ClientIP = c.ClientIP()
	return req, nil
}

func (h *handler) action(a Action) gin.HandlerFunc {
	return func(c *gin.Context) { h.serve(c, a) }
}

func (h *handler) generic(c *gin.Context) {
	h.serve(c, Action(c.Param("action")))
}

func (h *handler) serve(c *gin.Context, a Action) {
	req, err := bindRequest(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	data, err := h.d.Dispatch(c.Request.Context(), a, req)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, data)
}

func (h *handler) listServices(c *gin.Context) {
	names, err := h.d.ListServices(c.Request.Context(), c.Query("namespaceId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, gin.H{"count": len(names), "services": names})
}

// subscribe 以 SSE 保持连接：先发送 subscribed 事件（携带 clientId），
// 之后每次推送写一个 snapshot 事件。连接断开时释放订阅。
func (h *handler) subscribe(c *gin.Context) {
	req, err := bindRequest(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	if req.ClientID == "" {
		req.ClientID = uuid.NewString()
	}
	stream := newSSEStream(h.cache, h.streamBuffer)
	req.Deliverer = stream

	ctx := c.Request.Context()
	if _, err := h.d.Dispatch(ctx, ActionSubscribe, req); err != nil {
		h.fail(c, err)
		return
	}
	key := req.ServiceKey()
	defer func() {
		stream.close()
		h.d.subs.Release(key, req.ClientID, stream)
	}()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("subscribed", req.ClientID)
	c.Writer.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.closing:
			return
		case b := <-stream.ch:
			c.SSEvent("snapshot", string(b))
			c.Writer.Flush()
		}
	}
}

func (h *handler) ok(c *gin.Context, data any) {
	if snap, isSnap := data.(naming.Snapshot); isSnap {
		b, err := h.cache.encode(snap)
		if err != nil {
			h.fail(c, err)
			return
		}
		data = json.RawMessage(b)
	}
	c.JSON(http.StatusOK, Response{Code: naming.ErrorCode(nil), Data: data})
}

func (h *handler) fail(c *gin.Context, err error) {
	status, code := statusOf(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		h.logger.Error("请求处理失败", zap.String("path", c.Request.URL.Path), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, Response{Code: code, Message: err.Error()})
}

// statusOf 把错误映射为 HTTP 状态码与响应码。
func statusOf(err error) (int, string) {
	if errors.Is(err, registry.ErrInstanceNotFound) {
		return http.StatusNotFound, "INSTANCE_NOT_FOUND"
	}
	code := naming.ErrorCode(err)
	switch {
	case errors.Is(err, naming.ErrInvalidParam):
		return http.StatusBadRequest, code
	case errors.Is(err, naming.ErrServiceNotWritable):
		return http.StatusServiceUnavailable, code
	default:
		return http.StatusInternalServerError, code
	}
}

// HTTPServer 运行 Router，ctx 取消时优雅关闭。
type HTTPServer struct {
	Addr   string
	Router *Router
	Logger *zap.Logger
	// BeforeShutdown 在停止接收请求之前调用
	BeforeShutdown func()

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

// Listen 绑定监听地址；Start 之前调用可提前得知实际端口。
func (h *HTTPServer) Listen() (net.Addr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ln == nil {
		ln, err := net.Listen("tcp", h.Addr)
		if err != nil {
			return nil, err
		}
		h.ln = ln
	}
	return h.ln.Addr(), nil
}

func (h *HTTPServer) Start(ctx context.Context) error {
	if h.Logger == nil {
		h.Logger = zap.NewNop()
	}
	addr, err := h.Listen()
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.srv = &http.Server{Addr: h.Addr, Handler: h.Router, ReadHeaderTimeout: 10 * time.Second}
	srv, ln := h.srv, h.ln
	h.mu.Unlock()

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		if h.BeforeShutdown != nil {
			h.BeforeShutdown()
		}
		h.Router.CloseStreams()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	h.Logger.Info("HTTP 服务启动", zap.String("addr", addr.String()))
	err = srv.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-stopped
	return nil
}
