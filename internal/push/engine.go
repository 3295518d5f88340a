package push

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"namingd/internal/naming"
)

// 默认推送参数。
const (
	DefaultDeliveryTimeout = 3 * time.Second
	DefaultRefreshInterval = 10 * time.Second
	DefaultStaleTimeout    = 30 * time.Second
	DefaultSweepInterval   = 5 * time.Second
	DefaultWorkers         = 8
	DefaultQueueSize       = 1024
	DefaultSweepRate       = 200
	DefaultSweepBurst      = 50
)

// 移除原因，用于日志和指标。
const (
	reasonPermanent = "permanent_failure"
	reasonStale     = "stale"
)

// ErrStopped 表示引擎已停止，不再接受订阅。
var ErrStopped = errors.New("push engine stopped")

// Querier 是推送引擎读取快照的唯一入口。
type Querier interface {
	QueryInstances(ctx context.Context, namespace, groupedName string, clusters []string, healthyOnly bool) (naming.Snapshot, error)
}

// Config 推送引擎参数，零值字段取默认值。
type Config struct {
	// DeliveryTimeout 单次投递的上限，超时按暂时失败处理
	DeliveryTimeout time.Duration
	// RefreshInterval 订阅方超过该时长未成功投递时，清扫会补发一次
	RefreshInterval time.Duration
	// StaleTimeout 订阅方超过该时长未成功投递时被移除
	StaleTimeout time.Duration
	// SweepInterval 为 0 时 Start 不启动清扫循环，由外部调用 Sweep
	SweepInterval time.Duration

	Workers   int
	QueueSize int

	// 清扫补发的限速
	SweepRate  float64
	SweepBurst int
}

func (c *Config) withDefaults() {
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = DefaultDeliveryTimeout
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = DefaultRefreshInterval
	}
	if c.StaleTimeout <= 0 {
		c.StaleTimeout = DefaultStaleTimeout
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.SweepRate <= 0 {
		c.SweepRate = DefaultSweepRate
	}
	if c.SweepBurst <= 0 {
		c.SweepBurst = DefaultSweepBurst
	}
}

// Option 配置 Engine 的可选依赖。
type Option func(*Engine)

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithValidator(v naming.Validator) Option {
	return func(e *Engine) {
		if v != nil {
			e.validator = v
		}
	}
}

// WithClock 替换时钟，测试用。
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Engine 维护订阅索引，并在服务变更时把最新快照推送给订阅方。
//
// 同一订阅方的投递串行执行，且修订版本单调不减；不同订阅方之间并行投递，
// 一个慢订阅方不会拖住其他订阅方。
type Engine struct {
	querier   Querier
	validator naming.Validator
	logger    *zap.Logger
	metrics   *Metrics
	now       func() time.Time
	cfg       Config

	mu    sync.RWMutex
	index map[naming.ServiceKey]*subscriberSet

	// 变更工作队列：同一服务在队列中最多出现一次
	queue     chan naming.ServiceKey
	pendingMu sync.Mutex
	pending   map[naming.ServiceKey]struct{}

	limiter *rate.Limiter

	runMu   sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
}

type subscriberSet struct {
	mu      sync.RWMutex
	clients map[string]*entry
}

// entry 是一个订阅槽位。
// deliverMu 串行化该订阅方的所有投递，可能被持有到投递超时；
// mu 只做短暂的字段读写，订阅、释放和清扫只取 mu。
// 锁顺序为 deliverMu -> mu -> set.mu。
type entry struct {
	set *subscriberSet

	deliverMu sync.Mutex
	delivered bool
	// 超时后仍未返回的投递；它结束前不再发起新的投递
	inflight chan struct{}

	mu     sync.Mutex
	client Client
	// gen 在槽位被替换时递增
	gen          uint64
	lastNotified uint64 // 写入需同时持有 deliverMu 与 mu
	lastRefresh  time.Time

	removed atomic.Bool
}

// Subscription 是某个订阅方的只读视图。
type Subscription struct {
	Client       Client
	LastRevision uint64
	LastRefresh  time.Time
}

// NewEngine 创建推送引擎。需要调用 Start 才会消费变更队列。
func NewEngine(q Querier, cfg Config, opts ...Option) *Engine {
	cfg.withDefaults()
	e := &Engine{
		querier:   q,
		validator: naming.FormatValidator{},
		logger:    zap.NewNop(),
		now:       time.Now,
		cfg:       cfg,
		index:     make(map[naming.ServiceKey]*subscriberSet),
		queue:     make(chan naming.ServiceKey, cfg.QueueSize),
		pending:   make(map[naming.ServiceKey]struct{}),
		limiter:   rate.NewLimiter(rate.Limit(cfg.SweepRate), cfg.SweepBurst),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Subscribe 注册或替换 (服务, clientId) 槽位，并立即异步投递一次当前快照。
// 重复订阅总是重新投递。
func (e *Engine) Subscribe(ctx context.Context, c Client) error {
	if err := e.validator.Validate(c.Key.Namespace, c.Key.GroupedName, c.Clusters); err != nil {
		return err
	}
	if c.ClientID == "" {
		return fmt.Errorf("%w: clientId is empty", naming.ErrInvalidParam)
	}
	if c.Deliverer == nil {
		return fmt.Errorf("%w: deliverer is nil", naming.ErrInvalidParam)
	}

	e.runMu.Lock()
	stopped := e.stopped
	e.runMu.Unlock()
	if stopped {
		return ErrStopped
	}

	set := e.getOrCreate(c.Key)
	var ent *entry
	for {
		set.mu.Lock()
		ent = set.clients[c.ClientID]
		if ent == nil {
			ent = &entry{set: set, client: c, lastRefresh: e.now()}
			set.clients[c.ClientID] = ent
			set.mu.Unlock()
			e.metrics.subscribed()
			break
		}
		set.mu.Unlock()

		// 替换已有槽位：client 只在同时持有 ent.mu 与 set.mu 时修改，不等待投递
		ent.mu.Lock()
		set.mu.Lock()
		replaced := set.clients[c.ClientID] == ent
		if replaced {
			ent.client = c
			ent.gen++
			ent.lastRefresh = e.now()
		}
		set.mu.Unlock()
		ent.mu.Unlock()
		if replaced {
			break
		}
	}

	e.logger.Debug("订阅服务",
		zap.String("service", c.Key.String()),
		zap.String("clientId", c.ClientID),
		zap.String("agent", c.Agent),
		zap.String("clientIp", c.ClientIP),
	)

	// wg.Add 与 Stop 的 wg.Wait 由 runMu 隔开
	e.runMu.Lock()
	if e.stopped {
		e.runMu.Unlock()
		return ErrStopped
	}
	e.wg.Add(1)
	e.runMu.Unlock()
	go func() {
		defer e.wg.Done()
		e.deliverTo(context.WithoutCancel(ctx), ent, true)
	}()
	return nil
}

// Unsubscribe 移除槽位；不存在时为空操作。返回是否真正移除。
func (e *Engine) Unsubscribe(key naming.ServiceKey, clientID string) bool {
	set := e.lookup(key)
	if set == nil {
		return false
	}
	set.mu.Lock()
	ent, ok := set.clients[clientID]
	if ok {
		delete(set.clients, clientID)
		ent.removed.Store(true)
	}
	set.mu.Unlock()
	if ok {
		e.metrics.unsubscribed()
		e.logger.Debug("取消订阅", zap.String("service", key.String()), zap.String("clientId", clientID))
	}
	return ok
}

// Release 仅当槽位仍由 d 持有时移除它，用于连接断开后的清理，
// 不会误删同一 clientId 从新连接发起的订阅。d 的动态类型必须可比较。
func (e *Engine) Release(key naming.ServiceKey, clientID string, d Deliverer) bool {
	set := e.lookup(key)
	if set == nil {
		return false
	}
	set.mu.RLock()
	ent := set.clients[clientID]
	set.mu.RUnlock()
	if ent == nil {
		return false
	}

	ent.mu.Lock()
	set.mu.Lock()
	ok := set.clients[clientID] == ent && ent.client.Deliverer == d
	if ok {
		delete(set.clients, clientID)
		ent.removed.Store(true)
	}
	set.mu.Unlock()
	ent.mu.Unlock()
	if ok {
		e.metrics.unsubscribed()
	}
	return ok
}

// OnServiceChanged 向该服务的所有订阅方并行推送最新快照，等待全部投递结束后返回。
func (e *Engine) OnServiceChanged(ctx context.Context, key naming.ServiceKey) {
	set := e.lookup(key)
	if set == nil {
		return
	}
	entries := set.entries()
	if len(entries) == 0 {
		return
	}
	var wg sync.WaitGroup
	for _, ent := range entries {
		wg.Add(1)
		go func(ent *entry) {
			defer wg.Done()
			e.deliverTo(ctx, ent, false)
		}(ent)
	}
	wg.Wait()
}

// ServiceChanged 满足 registry.ChangeListener：把服务放入工作队列后立即返回。
// 队列中已有该服务时合并；队列满时丢弃，由清扫补发兜底。
func (e *Engine) ServiceChanged(key naming.ServiceKey, revision uint64) {
	if set := e.lookup(key); set == nil || set.size() == 0 {
		return
	}
	e.pendingMu.Lock()
	if _, ok := e.pending[key]; ok {
		e.pendingMu.Unlock()
		return
	}
	e.pending[key] = struct{}{}
	e.pendingMu.Unlock()

	select {
	case e.queue <- key:
	default:
		e.pendingMu.Lock()
		delete(e.pending, key)
		e.pendingMu.Unlock()
		e.metrics.drop()
		e.logger.Warn("推送队列已满，丢弃变更通知",
			zap.String("service", key.String()), zap.Uint64("revision", revision))
	}
}

// Start 启动工作协程；SweepInterval > 0 时同时启动清扫循环。重复调用为空操作。
func (e *Engine) Start(ctx context.Context) {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.started || e.stopped {
		return
	}
	e.started = true
	ctx, e.cancel = context.WithCancel(ctx)

	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx)
	}
	if e.cfg.SweepInterval > 0 {
		e.wg.Add(1)
		go e.sweepLoop(ctx)
	}
}

// Stop 停止后台协程并等待进行中的投递结束。之后的 Subscribe 返回 ErrStopped。
func (e *Engine) Stop() {
	e.runMu.Lock()
	e.stopped = true
	if e.cancel != nil {
		e.cancel()
	}
	e.runMu.Unlock()
	e.wg.Wait()
}

func (e *Engine) worker(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case key := <-e.queue:
			// 先清除标记，处理期间的新变更会再次入队
			e.pendingMu.Lock()
			delete(e.pending, key)
			e.pendingMu.Unlock()
			e.OnServiceChanged(ctx, key)
		}
	}
}

func (e *Engine) sweepLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Sweep(ctx)
		}
	}
}

// Sweep 清扫一遍所有订阅方：超过 StaleTimeout 未成功投递的移除，
// 超过 RefreshInterval 的补发一次当前快照（受限速约束）。
func (e *Engine) Sweep(ctx context.Context) {
	e.mu.RLock()
	sets := make([]*subscriberSet, 0, len(e.index))
	for _, s := range e.index {
		sets = append(sets, s)
	}
	e.mu.RUnlock()

	var wg sync.WaitGroup
	for _, set := range sets {
		for _, ent := range set.entries() {
			if !e.sweepEntry(ent) {
				continue
			}
			if err := e.limiter.Wait(ctx); err != nil {
				wg.Wait()
				return
			}
			wg.Add(1)
			go func(ent *entry) {
				defer wg.Done()
				e.deliverTo(ctx, ent, true)
			}(ent)
		}
	}
	wg.Wait()
}

// sweepEntry 处理过期移除，返回是否需要补发。不等待进行中的投递。
func (e *Engine) sweepEntry(ent *entry) bool {
	if ent.removed.Load() {
		return false
	}
	ent.mu.Lock()
	idle := e.now().Sub(ent.lastRefresh)
	gen := ent.gen
	ent.mu.Unlock()
	if idle > e.cfg.StaleTimeout {
		e.evict(ent, gen, reasonStale)
		return false
	}
	return idle > e.cfg.RefreshInterval
}

// Subscriptions 返回该服务当前的订阅方。
func (e *Engine) Subscriptions(key naming.ServiceKey) []Subscription {
	set := e.lookup(key)
	if set == nil {
		return nil
	}
	entries := set.entries()
	out := make([]Subscription, 0, len(entries))
	for _, ent := range entries {
		ent.mu.Lock()
		out = append(out, Subscription{
			Client:       ent.client,
			LastRevision: ent.lastNotified,
			LastRefresh:  ent.lastRefresh,
		})
		ent.mu.Unlock()
	}
	return out
}

// deliverTo 在投递锁内读取快照并投递。force 为 false 时，
// 已投递过且快照修订版本未前进则跳过。
func (e *Engine) deliverTo(ctx context.Context, ent *entry, force bool) {
	ent.deliverMu.Lock()
	defer ent.deliverMu.Unlock()
	if ent.removed.Load() {
		return
	}
	if ent.inflight != nil {
		select {
		case <-ent.inflight:
			ent.inflight = nil
		default:
			// 上一次超时的投递仍未结束
			e.metrics.delivery(TransientFailure)
			return
		}
	}

	ent.mu.Lock()
	c, gen := ent.client, ent.gen
	ent.mu.Unlock()

	snap, err := e.querier.QueryInstances(ctx, c.Key.Namespace, c.Key.GroupedName, c.Clusters, c.HealthyOnly)
	if err != nil {
		e.logger.Warn("读取推送快照失败", zap.String("service", c.Key.String()), zap.Error(err))
		return
	}
	if ent.delivered && snap.Revision < ent.lastNotified {
		return
	}
	if !force && ent.delivered && snap.Revision == ent.lastNotified {
		return
	}

	outcome := e.deliver(ctx, ent, c.Deliverer, snap)
	e.metrics.delivery(outcome)
	switch outcome {
	case Delivered:
		ent.delivered = true
		ent.mu.Lock()
		ent.lastNotified = snap.Revision
		ent.lastRefresh = e.now()
		ent.mu.Unlock()
	case PermanentFailure:
		// 投递期间槽位已被新订阅替换时不移除
		e.evict(ent, gen, reasonPermanent)
	default:
		e.logger.Debug("推送暂时失败",
			zap.String("service", c.Key.String()),
			zap.String("clientId", c.ClientID),
			zap.Uint64("revision", snap.Revision),
		)
	}
}

// deliver 在超时约束下调用 Deliverer。超时未返回的调用记入 ent.inflight。
// 调用方需持有 ent.deliverMu。
func (e *Engine) deliver(ctx context.Context, ent *entry, d Deliverer, snap naming.Snapshot) Outcome {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.DeliveryTimeout)
	defer cancel()

	result := make(chan Outcome, 1)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("投递发生 panic", zap.Any("panic", r))
				result <- TransientFailure
			}
		}()
		result <- d.Deliver(ctx, snap)
	}()

	select {
	case o := <-result:
		return o
	case <-ctx.Done():
		// 结果可能与超时同时到达
		select {
		case o := <-result:
			return o
		default:
		}
		ent.inflight = finished
		return TransientFailure
	}
}

// evict 移除槽位；槽位自 gen 之后被替换过则不动。调用方不能持有 ent.mu。
func (e *Engine) evict(ent *entry, gen uint64, reason string) {
	ent.mu.Lock()
	if ent.gen != gen {
		ent.mu.Unlock()
		return
	}
	c := ent.client
	set := ent.set
	set.mu.Lock()
	if cur, ok := set.clients[c.ClientID]; ok && cur == ent {
		delete(set.clients, c.ClientID)
	}
	already := ent.removed.Swap(true)
	set.mu.Unlock()
	ent.mu.Unlock()
	if already {
		return
	}
	e.metrics.eviction(reason)
	e.logger.Info("移除订阅方",
		zap.String("service", c.Key.String()),
		zap.String("clientId", c.ClientID),
		zap.String("agent", c.Agent),
		zap.String("reason", reason),
	)
}

func (e *Engine) lookup(key naming.ServiceKey) *subscriberSet {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.index[key]
}

func (e *Engine) getOrCreate(key naming.ServiceKey) *subscriberSet {
	if s := e.lookup(key); s != nil {
		return s
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.index[key]; ok {
		return s
	}
	s := &subscriberSet{clients: make(map[string]*entry)}
	e.index[key] = s
	return s
}

func (s *subscriberSet) entries() []*entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*entry, 0, len(s.clients))
	for _, ent := range s.clients {
		out = append(out, ent)
	}
	return out
}

func (s *subscriberSet) size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
