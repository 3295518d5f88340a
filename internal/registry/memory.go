package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"namingd/internal/naming"
)

// 默认租约参数。
const (
	DefaultHealthyTimeout = 15 * time.Second
	DefaultDeleteTimeout  = 30 * time.Second
	DefaultCheckInterval  = 5 * time.Second
)

// MemoryRegistry 是内存版 Registry 的实现。
// 写入按服务串行（每个服务一把锁）；读取只加载已发布的不可变视图，不阻塞写入。
// 不同服务之间的操作互不阻塞，服务表本身只在首次创建服务时加写锁。
type MemoryRegistry struct {
	mu       sync.RWMutex
	services map[naming.ServiceKey]*service

	validator naming.Validator
	logger    *zap.Logger
	metrics   *Metrics
	now       func() time.Time

	healthyTimeout time.Duration
	deleteTimeout  time.Duration
	checkInterval  time.Duration

	listenerMu sync.RWMutex
	listeners  []ChangeListener

	writable atomic.Bool

	// 过期清理的后台通道与状态
	stopMu         sync.Mutex
	stopCh         chan struct{}
	expirerStarted bool
}

// service 持有某个服务的可写状态与最近发布的只读视图。
type service struct {
	key naming.ServiceKey

	mu       sync.Mutex
	revision uint64
	clusters map[string]map[naming.InstanceKey]naming.Instance

	view atomic.Pointer[serviceView]
}

// serviceView 发布后不再修改；每个集群内的实例已排序。
type serviceView struct {
	revision    uint64
	publishedAt time.Time
	clusters    map[string][]naming.Instance
	names       []string
}

// Options 控制内存注册表的行为。零值字段取默认值。
type Options struct {
	// AutoExpirer: 是否在创建时自动启动租约过期清理器。
	AutoExpirer bool

	HealthyTimeout time.Duration
	DeleteTimeout  time.Duration
	CheckInterval  time.Duration

	Validator naming.Validator
	Logger    *zap.Logger
	Metrics   *Metrics
	Now       func() time.Time
}

func NewMemoryRegistry() *MemoryRegistry { // 默认自动启用过期器
	return NewMemoryRegistryWithOptions(Options{AutoExpirer: true})
}

// NewMemoryRegistryWithOptions 允许控制过期器、校验器、时钟等。
func NewMemoryRegistryWithOptions(opts Options) *MemoryRegistry {
	mr := &MemoryRegistry{
		services:       make(map[naming.ServiceKey]*service),
		validator:      opts.Validator,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		now:            opts.Now,
		healthyTimeout: opts.HealthyTimeout,
		deleteTimeout:  opts.DeleteTimeout,
		checkInterval:  opts.CheckInterval,
	}
	if mr.validator == nil {
		mr.validator = naming.FormatValidator{}
	}
	if mr.logger == nil {
		mr.logger = zap.NewNop()
	}
	if mr.now == nil {
		mr.now = time.Now
	}
	if mr.healthyTimeout <= 0 {
		mr.healthyTimeout = DefaultHealthyTimeout
	}
	if mr.deleteTimeout <= 0 {
		mr.deleteTimeout = DefaultDeleteTimeout
	}
	if mr.checkInterval <= 0 {
		mr.checkInterval = DefaultCheckInterval
	}
	mr.writable.Store(true)
	if opts.AutoExpirer {
		mr.StartExpirer()
	}
	return mr
}

// ============================================================================
// 写操作
// ============================================================================

func (m *MemoryRegistry) RegisterInstance(ctx context.Context, namespace, groupedName string, inst naming.Instance) error {
	key, inst, err := m.checkRegister(namespace, groupedName, inst)
	if err != nil {
		return err
	}
	_, err = m.applyRegister(key, inst)
	return err
}

func (m *MemoryRegistry) RemoveInstance(ctx context.Context, namespace, groupedName string, ephemeral bool, inst naming.Instance) error {
	key, inst, err := m.checkRemove(namespace, groupedName, inst)
	if err != nil {
		return err
	}
	m.applyRemove(key, ephemeral, inst.Key())
	return nil
}

func (m *MemoryRegistry) SetHealthy(ctx context.Context, namespace, groupedName string, ik naming.InstanceKey, healthy bool) error {
	key, ik, err := m.checkHealth(namespace, groupedName, ik)
	if err != nil {
		return err
	}
	_, err = m.applySetHealthy(key, ik, healthy)
	return err
}

// Beat 续约临时实例；若实例曾因超时被标记为不健康则恢复为健康。
func (m *MemoryRegistry) Beat(ctx context.Context, namespace, groupedName string, ik naming.InstanceKey) error {
	key := naming.NewServiceKey(namespace, groupedName)
	if ik.ClusterName == "" {
		ik.ClusterName = naming.DefaultCluster
	}
	if err := m.validator.Validate(key.Namespace, key.GroupedName, []string{ik.ClusterName}); err != nil {
		return err
	}
	svc := m.lookup(key)
	if svc == nil {
		return ErrInstanceNotFound
	}

	svc.mu.Lock()
	inst, ok := svc.clusters[ik.ClusterName][ik]
	if !ok || !inst.Ephemeral {
		svc.mu.Unlock()
		return ErrInstanceNotFound
	}
	inst.LastBeat = m.now()
	changed := !inst.Healthy
	inst.Healthy = true
	svc.clusters[ik.ClusterName][ik] = inst
	var rev uint64
	if changed {
		rev = svc.publishLocked(m.now())
	}
	svc.mu.Unlock()

	if changed {
		m.metrics.mutation("beat")
		m.logger.Info("实例心跳恢复", zap.Stringer("service", key), zap.Stringer("instance", ik))
		m.notify(key, rev)
	}
	return nil
}

// SetWritable 打开/关闭写入门（排空时关闭）。
func (m *MemoryRegistry) SetWritable(writable bool) {
	m.writable.Store(writable)
}

// OnChange 追加一个变更监听器。
func (m *MemoryRegistry) OnChange(l ChangeListener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listeners = append(m.listeners, l)
}

// ============================================================================
// 读操作
// ============================================================================

func (m *MemoryRegistry) QueryInstances(ctx context.Context, namespace, groupedName string, clusters []string, healthyOnly bool) (naming.Snapshot, error) {
	key := naming.NewServiceKey(namespace, groupedName)
	if err := m.validator.Validate(key.Namespace, key.GroupedName, clusters); err != nil {
		return naming.Snapshot{}, err
	}
	snap := naming.Snapshot{
		Namespace:   key.Namespace,
		GroupedName: key.GroupedName,
		Clusters:    naming.JoinClusters(clusters),
		HealthyOnly: healthyOnly,
		Instances:   []naming.Instance{},
	}
	svc := m.lookup(key)
	if svc == nil {
		return snap, nil
	}
	view := svc.view.Load()
	snap.Revision = view.revision
	snap.CreatedAt = view.publishedAt

	names := clusters
	if len(names) == 0 {
		names = view.names
	}
	seen := make(map[string]struct{}, len(names))
	for _, c := range names {
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		for _, inst := range view.clusters[c] {
			if healthyOnly && !inst.Healthy {
				continue
			}
			snap.Instances = append(snap.Instances, inst.Clone())
		}
	}
	return snap, nil
}

func (m *MemoryRegistry) ListServices(ctx context.Context, namespace string) ([]string, error) {
	if namespace == "" {
		namespace = naming.DefaultNamespace
	}
	if err := naming.CheckNamespace(namespace); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var names []string
	for k := range m.services {
		if k.Namespace == namespace {
			names = append(names, k.GroupedName)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryRegistry) Revision(namespace, groupedName string) uint64 {
	svc := m.lookup(naming.NewServiceKey(namespace, groupedName))
	if svc == nil {
		return 0
	}
	return svc.view.Load().revision
}

// ============================================================================
// 内部方法：校验（对外写接口与 RaftRegistry 共用）
// ============================================================================

func (m *MemoryRegistry) checkRegister(namespace, groupedName string, inst naming.Instance) (naming.ServiceKey, naming.Instance, error) {
	key := naming.NewServiceKey(namespace, groupedName)
	if inst.ClusterName == "" {
		inst.ClusterName = naming.DefaultCluster
	}
	if err := m.validator.Validate(key.Namespace, key.GroupedName, []string{inst.ClusterName}); err != nil {
		return key, inst, err
	}
	if err := naming.CheckInstance(inst); err != nil {
		return key, inst, err
	}
	if !m.writable.Load() {
		return key, inst, naming.ErrServiceNotWritable
	}
	if eph, ok := m.ephemeralOf(key, inst.Key()); ok && eph != inst.Ephemeral {
		return key, inst, errTypeChange(inst.Key(), eph)
	}
	return key, inst, nil
}

// errTypeChange 实例注册后不允许在临时与持久之间切换。
func errTypeChange(ik naming.InstanceKey, storedEphemeral bool) error {
	kind := "persistent"
	if storedEphemeral {
		kind = "ephemeral"
	}
	return fmt.Errorf("%w: instance %s is already registered as %s", naming.ErrInvalidParam, ik, kind)
}

func (m *MemoryRegistry) checkRemove(namespace, groupedName string, inst naming.Instance) (naming.ServiceKey, naming.Instance, error) {
	key := naming.NewServiceKey(namespace, groupedName)
	if inst.ClusterName == "" {
		inst.ClusterName = naming.DefaultCluster
	}
	if err := m.validator.Validate(key.Namespace, key.GroupedName, []string{inst.ClusterName}); err != nil {
		return key, inst, err
	}
	return key, inst, nil
}

func (m *MemoryRegistry) checkHealth(namespace, groupedName string, ik naming.InstanceKey) (naming.ServiceKey, naming.InstanceKey, error) {
	key := naming.NewServiceKey(namespace, groupedName)
	if ik.ClusterName == "" {
		ik.ClusterName = naming.DefaultCluster
	}
	if err := m.validator.Validate(key.Namespace, key.GroupedName, []string{ik.ClusterName}); err != nil {
		return key, ik, err
	}
	if !m.writable.Load() {
		return key, ik, naming.ErrServiceNotWritable
	}
	return key, ik, nil
}

// ephemeralOf 返回已存储实例的 ephemeral 标志，用于写路由。
func (m *MemoryRegistry) ephemeralOf(key naming.ServiceKey, ik naming.InstanceKey) (ephemeral, ok bool) {
	svc := m.lookup(key)
	if svc == nil {
		return false, false
	}
	for _, inst := range svc.view.Load().clusters[ik.ClusterName] {
		if inst.Key() == ik {
			return inst.Ephemeral, true
		}
	}
	return false, false
}

// ============================================================================
// 内部方法：应用写入（已校验；Raft FSM 直接调用）
// ============================================================================

// applyRegister 写入实例。临时实例不覆盖已存在的持久实例；
// 持久实例来自 Raft 日志，总是覆盖。
func (m *MemoryRegistry) applyRegister(key naming.ServiceKey, inst naming.Instance) (uint64, error) {
	svc := m.getOrCreate(key)
	inst = inst.Clone()
	if inst.Ephemeral {
		inst.LastBeat = m.now()
	}
	ik := inst.Key()

	svc.mu.Lock()
	set, ok := svc.clusters[inst.ClusterName]
	if !ok {
		set = make(map[naming.InstanceKey]naming.Instance)
		svc.clusters[inst.ClusterName] = set
	}
	prev, existed := set[ik]
	if existed && inst.Ephemeral && !prev.Ephemeral {
		svc.mu.Unlock()
		return 0, errTypeChange(ik, false)
	}
	set[ik] = inst
	rev := svc.publishLocked(m.now())
	svc.mu.Unlock()

	m.metrics.mutation("register")
	m.logger.Debug("实例注册",
		zap.Stringer("service", key),
		zap.Stringer("instance", ik),
		zap.Bool("update", existed),
		zap.Uint64("revision", rev))
	m.notify(key, rev)
	return rev, nil
}

// applyRemove 删除实例；实例不存在或 ephemeral 不匹配时为空操作，不推进修订版本。
func (m *MemoryRegistry) applyRemove(key naming.ServiceKey, ephemeral bool, ik naming.InstanceKey) (uint64, bool) {
	svc := m.lookup(key)
	if svc == nil {
		return 0, false
	}
	svc.mu.Lock()
	inst, ok := svc.clusters[ik.ClusterName][ik]
	if !ok || inst.Ephemeral != ephemeral {
		rev := svc.revision
		svc.mu.Unlock()
		return rev, false
	}
	delete(svc.clusters[ik.ClusterName], ik)
	if len(svc.clusters[ik.ClusterName]) == 0 {
		delete(svc.clusters, ik.ClusterName)
	}
	rev := svc.publishLocked(m.now())
	svc.mu.Unlock()

	m.metrics.mutation("remove")
	m.logger.Debug("实例注销", zap.Stringer("service", key), zap.Stringer("instance", ik), zap.Uint64("revision", rev))
	m.notify(key, rev)
	return rev, true
}

func (m *MemoryRegistry) applySetHealthy(key naming.ServiceKey, ik naming.InstanceKey, healthy bool) (uint64, error) {
	svc := m.lookup(key)
	if svc == nil {
		return 0, ErrInstanceNotFound
	}
	svc.mu.Lock()
	inst, ok := svc.clusters[ik.ClusterName][ik]
	if !ok {
		svc.mu.Unlock()
		return 0, ErrInstanceNotFound
	}
	if inst.Healthy == healthy {
		rev := svc.revision
		svc.mu.Unlock()
		return rev, nil
	}
	inst.Healthy = healthy
	if healthy && inst.Ephemeral {
		inst.LastBeat = m.now()
	}
	svc.clusters[ik.ClusterName][ik] = inst
	rev := svc.publishLocked(m.now())
	svc.mu.Unlock()

	m.metrics.mutation("health")
	m.logger.Debug("实例健康状态变更", zap.Stringer("service", key), zap.Stringer("instance", ik), zap.Bool("healthy", healthy))
	m.notify(key, rev)
	return rev, nil
}

// persistentEntries 导出全部持久实例，供 Raft 快照使用。
func (m *MemoryRegistry) persistentEntries() []snapshotEntry {
	m.mu.RLock()
	svcs := make([]*service, 0, len(m.services))
	for _, s := range m.services {
		svcs = append(svcs, s)
	}
	m.mu.RUnlock()

	var out []snapshotEntry
	for _, s := range svcs {
		view := s.view.Load()
		e := snapshotEntry{Namespace: s.key.Namespace, GroupedName: s.key.GroupedName, Revision: view.revision}
		for _, name := range view.names {
			for _, inst := range view.clusters[name] {
				if !inst.Ephemeral {
					e.Instances = append(e.Instances, inst.Clone())
				}
			}
		}
		if len(e.Instances) > 0 {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Namespace != out[j].Namespace {
			return out[i].Namespace < out[j].Namespace
		}
		return out[i].GroupedName < out[j].GroupedName
	})
	return out
}

// restorePersistent 用快照替换全部持久实例，保留临时实例。
// 受影响服务的修订版本跳到 max(当前, 快照) + 1，保证单调。
func (m *MemoryRegistry) restorePersistent(entries []snapshotEntry) {
	byKey := make(map[naming.ServiceKey]snapshotEntry, len(entries))
	for _, e := range entries {
		k := naming.NewServiceKey(e.Namespace, e.GroupedName)
		byKey[k] = e
		m.getOrCreate(k)
	}

	m.mu.RLock()
	svcs := make([]*service, 0, len(m.services))
	for _, s := range m.services {
		svcs = append(svcs, s)
	}
	m.mu.RUnlock()

	for _, s := range svcs {
		e, inSnap := byKey[s.key]
		s.mu.Lock()
		changed := false
		for cname, set := range s.clusters {
			for ik, inst := range set {
				if !inst.Ephemeral {
					delete(set, ik)
					changed = true
				}
			}
			if len(set) == 0 {
				delete(s.clusters, cname)
			}
		}
		if inSnap {
			for _, inst := range e.Instances {
				inst.Ephemeral = false
				set, ok := s.clusters[inst.ClusterName]
				if !ok {
					set = make(map[naming.InstanceKey]naming.Instance)
					s.clusters[inst.ClusterName] = set
				}
				set[inst.Key()] = inst.Clone()
			}
			if e.Revision > s.revision {
				s.revision = e.Revision
			}
			changed = true
		}
		var rev uint64
		if changed {
			rev = s.publishLocked(m.now())
		}
		s.mu.Unlock()
		if changed {
			m.notify(s.key, rev)
		}
	}
}

// ============================================================================
// 租约过期
// ============================================================================

func (m *MemoryRegistry) expirer(stopCh <-chan struct{}) {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.ExpireOnce()
		case <-stopCh:
			return
		}
	}
}

// ExpireOnce 扫描一次临时实例：超过 healthyTimeout 标记不健康，超过 deleteTimeout 删除。
func (m *MemoryRegistry) ExpireOnce() {
	now := m.now()
	m.mu.RLock()
	svcs := make([]*service, 0, len(m.services))
	for _, s := range m.services {
		svcs = append(svcs, s)
	}
	m.mu.RUnlock()

	for _, s := range svcs {
		var expired, unhealthy []naming.InstanceKey
		s.mu.Lock()
		for cname, set := range s.clusters {
			for ik, inst := range set {
				if !inst.Ephemeral {
					continue
				}
				idle := now.Sub(inst.LastBeat)
				switch {
				case idle > m.deleteTimeout:
					delete(set, ik)
					expired = append(expired, ik)
				case idle > m.healthyTimeout && inst.Healthy:
					inst.Healthy = false
					set[ik] = inst
					unhealthy = append(unhealthy, ik)
				}
			}
			if len(set) == 0 {
				delete(s.clusters, cname)
			}
		}
		changed := len(expired) > 0 || len(unhealthy) > 0
		var rev uint64
		if changed {
			rev = s.publishLocked(m.now())
		}
		s.mu.Unlock()

		if !changed {
			continue
		}
		for _, ik := range expired {
			m.metrics.mutation("expire")
			m.logger.Info("临时实例租约过期，已删除", zap.Stringer("service", s.key), zap.Stringer("instance", ik))
		}
		for _, ik := range unhealthy {
			m.metrics.mutation("unhealthy")
			m.logger.Info("临时实例心跳超时，标记为不健康", zap.Stringer("service", s.key), zap.Stringer("instance", ik))
		}
		m.notify(s.key, rev)
	}
}

// StartExpirer 启动租约过期清理器（若尚未启动）。
func (m *MemoryRegistry) StartExpirer() {
	m.stopMu.Lock()
	defer m.stopMu.Unlock()
	if m.expirerStarted {
		return
	}
	m.stopCh = make(chan struct{})
	m.expirerStarted = true
	go m.expirer(m.stopCh)
}

// Stop 停止租约过期清理器（若正在运行）。
func (m *MemoryRegistry) Stop() {
	m.stopMu.Lock()
	defer m.stopMu.Unlock()
	if m.expirerStarted {
		close(m.stopCh)
		m.expirerStarted = false
	}
}

// ============================================================================
// 服务表与视图
// ============================================================================

func (m *MemoryRegistry) lookup(key naming.ServiceKey) *service {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.services[key]
}

// getOrCreate 懒创建服务；空服务不会被主动回收。
func (m *MemoryRegistry) getOrCreate(key naming.ServiceKey) *service {
	if s := m.lookup(key); s != nil {
		return s
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.services[key]; ok {
		return s
	}
	s := &service{key: key, clusters: make(map[string]map[naming.InstanceKey]naming.Instance)}
	s.view.Store(&serviceView{clusters: map[string][]naming.Instance{}})
	m.services[key] = s
	return s
}

func (m *MemoryRegistry) notify(key naming.ServiceKey, rev uint64) {
	m.listenerMu.RLock()
	ls := m.listeners
	m.listenerMu.RUnlock()
	for _, l := range ls {
		l(key, rev)
	}
}

// publishLocked 推进修订版本并发布新的只读视图。调用方须持有 s.mu。
func (s *service) publishLocked(now time.Time) uint64 {
	s.revision++
	v := &serviceView{
		revision:    s.revision,
		publishedAt: now,
		clusters:    make(map[string][]naming.Instance, len(s.clusters)),
		names:       make([]string, 0, len(s.clusters)),
	}
	for name, set := range s.clusters {
		list := make([]naming.Instance, 0, len(set))
		for _, inst := range set {
			list = append(list, inst)
		}
		naming.SortInstances(list)
		v.clusters[name] = list
		v.names = append(v.names, name)
	}
	sort.Strings(v.names)
	s.view.Store(v)
	return s.revision
}
