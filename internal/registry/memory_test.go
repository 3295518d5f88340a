package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"namingd/internal/naming"
)

// fakeClock 可手动推进的时钟
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(t *testing.T, clock *fakeClock) *MemoryRegistry {
	t.Helper()
	opts := Options{HealthyTimeout: 15 * time.Second, DeleteTimeout: 30 * time.Second}
	if clock != nil {
		opts.Now = clock.Now
	}
	reg := NewMemoryRegistryWithOptions(opts)
	t.Cleanup(reg.Stop)
	return reg
}

func inst(ip string, port int, cluster string) naming.Instance {
	return naming.Instance{IP: ip, Port: port, ClusterName: cluster, Weight: 1, Healthy: true, Ephemeral: true}
}

func TestMemoryRegistry_RegisterQueryDeregister(t *testing.T) {
	reg := newTestRegistry(t, nil)
	ctx := context.Background()

	i := inst("10.0.0.1", 8080, "DEFAULT")
	require.NoError(t, reg.RegisterInstance(ctx, "public", "grp@@svc", i))

	snap, err := reg.QueryInstances(ctx, "public", "grp@@svc", nil, false)
	require.NoError(t, err)
	require.Len(t, snap.Instances, 1)
	got := snap.Instances[0]
	assert.Equal(t, "10.0.0.1", got.IP)
	assert.Equal(t, 8080, got.Port)
	assert.Equal(t, "DEFAULT", got.ClusterName)
	assert.Equal(t, "public", snap.Namespace)
	assert.Equal(t, "grp@@svc", snap.GroupedName)
	assert.Equal(t, uint64(1), snap.Revision)

	require.NoError(t, reg.RemoveInstance(ctx, "public", "grp@@svc", true, i))
	snap, err = reg.QueryInstances(ctx, "public", "grp@@svc", nil, false)
	require.NoError(t, err)
	assert.Empty(t, snap.Instances)

	// 重复注销不是错误，也不推进修订版本
	rev := reg.Revision("public", "grp@@svc")
	require.NoError(t, reg.RemoveInstance(ctx, "public", "grp@@svc", true, i))
	assert.Equal(t, rev, reg.Revision("public", "grp@@svc"))
}

func TestMemoryRegistry_ReRegisterUpdatesInPlace(t *testing.T) {
	reg := newTestRegistry(t, nil)
	ctx := context.Background()

	i := inst("10.0.0.1", 8080, "DEFAULT")
	i.Weight = 1
	require.NoError(t, reg.RegisterInstance(ctx, "public", "grp@@svc", i))
	i.Weight = 5
	i.Metadata = map[string]string{"v": "2"}
	require.NoError(t, reg.RegisterInstance(ctx, "public", "grp@@svc", i))

	snap, err := reg.QueryInstances(ctx, "public", "grp@@svc", nil, false)
	require.NoError(t, err)
	require.Len(t, snap.Instances, 1)
	assert.Equal(t, 5.0, snap.Instances[0].Weight)
	assert.Equal(t, "2", snap.Instances[0].Metadata["v"])
	assert.Equal(t, uint64(2), snap.Revision)
}

func TestMemoryRegistry_ClusterFilter(t *testing.T) {
	reg := newTestRegistry(t, nil)
	ctx := context.Background()

	// 先注册 B 再注册 A，过滤结果与注册顺序无关
	require.NoError(t, reg.RegisterInstance(ctx, "public", "grp@@svc", inst("10.0.0.2", 80, "B")))
	require.NoError(t, reg.RegisterInstance(ctx, "public", "grp@@svc", inst("10.0.0.1", 80, "A")))
	require.NoError(t, reg.RegisterInstance(ctx, "public", "grp@@svc", inst("10.0.0.3", 80, "A")))

	snap, err := reg.QueryInstances(ctx, "public", "grp@@svc", []string{"A"}, false)
	require.NoError(t, err)
	require.Len(t, snap.Instances, 2)
	for _, i := range snap.Instances {
		assert.Equal(t, "A", i.ClusterName)
	}
	assert.Equal(t, "A", snap.Clusters)

	all, err := reg.QueryInstances(ctx, "public", "grp@@svc", nil, false)
	require.NoError(t, err)
	assert.Len(t, all.Instances, 3)

	none, err := reg.QueryInstances(ctx, "public", "grp@@svc", []string{"C"}, false)
	require.NoError(t, err)
	assert.Empty(t, none.Instances)
}

func TestMemoryRegistry_HealthyOnly(t *testing.T) {
	reg := newTestRegistry(t, nil)
	ctx := context.Background()

	i1 := inst("10.0.0.1", 80, "DEFAULT")
	i2 := inst("10.0.0.2", 80, "DEFAULT")
	i2.Healthy = false
	require.NoError(t, reg.RegisterInstance(ctx, "public", "grp@@svc", i1))
	require.NoError(t, reg.RegisterInstance(ctx, "public", "grp@@svc", i2))

	snap, err := reg.QueryInstances(ctx, "public", "grp@@svc", nil, true)
	require.NoError(t, err)
	require.Len(t, snap.Instances, 1)
	assert.Equal(t, "10.0.0.1", snap.Instances[0].IP)

	snap, err = reg.QueryInstances(ctx, "public", "grp@@svc", nil, false)
	require.NoError(t, err)
	assert.Len(t, snap.Instances, 2)
}

func TestMemoryRegistry_QueryUnknownService(t *testing.T) {
	reg := newTestRegistry(t, nil)
	snap, err := reg.QueryInstances(context.Background(), "public", "grp@@nothing", nil, false)
	require.NoError(t, err)
	assert.NotNil(t, snap.Instances)
	assert.Empty(t, snap.Instances)
	assert.Zero(t, snap.Revision)
}

func TestMemoryRegistry_SnapshotTimeIsPublishTime(t *testing.T) {
	clock := newFakeClock()
	reg := newTestRegistry(t, clock)
	ctx := context.Background()

	require.NoError(t, reg.RegisterInstance(ctx, "public", "grp@@svc", inst("10.0.0.1", 80, "DEFAULT")))
	published := clock.Now()

	// 同一修订版本的快照时间不随查询时间变化
	clock.Advance(time.Minute)
	snap, err := reg.QueryInstances(ctx, "public", "grp@@svc", nil, false)
	require.NoError(t, err)
	assert.Equal(t, published, snap.CreatedAt)

	require.NoError(t, reg.RegisterInstance(ctx, "public", "grp@@svc", inst("10.0.0.2", 80, "DEFAULT")))
	snap, _ = reg.QueryInstances(ctx, "public", "grp@@svc", nil, false)
	assert.Equal(t, clock.Now(), snap.CreatedAt)

	unknown, _ := reg.QueryInstances(ctx, "public", "grp@@nothing", nil, false)
	assert.True(t, unknown.CreatedAt.IsZero())
}

func TestMemoryRegistry_InvalidParam(t *testing.T) {
	reg := newTestRegistry(t, nil)
	ctx := context.Background()

	err := reg.RegisterInstance(ctx, "public", "grp@@svc", inst("10.0.0.1", 80, "bad cluster"))
	assert.ErrorIs(t, err, naming.ErrInvalidParam)

	err = reg.RegisterInstance(ctx, "pub lic", "grp@@svc", inst("10.0.0.1", 80, "DEFAULT"))
	assert.ErrorIs(t, err, naming.ErrInvalidParam)

	err = reg.RegisterInstance(ctx, "public", "grp@@svc", inst("10.0.0.1", 0, "DEFAULT"))
	assert.ErrorIs(t, err, naming.ErrInvalidParam)

	_, err = reg.QueryInstances(ctx, "public", "grp@@svc", []string{"A", "b,c"}, false)
	assert.ErrorIs(t, err, naming.ErrInvalidParam)

	// 校验失败不会创建服务
	names, err := reg.ListServices(ctx, "public")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestMemoryRegistry_DefaultsApplied(t *testing.T) {
	reg := newTestRegistry(t, nil)
	ctx := context.Background()

	i := inst("10.0.0.1", 80, "")
	require.NoError(t, reg.RegisterInstance(ctx, "", "grp@@svc", i))

	snap, err := reg.QueryInstances(ctx, naming.DefaultNamespace, "grp@@svc", []string{naming.DefaultCluster}, false)
	require.NoError(t, err)
	require.Len(t, snap.Instances, 1)
	assert.Equal(t, naming.DefaultCluster, snap.Instances[0].ClusterName)
}

func TestMemoryRegistry_NotWritable(t *testing.T) {
	reg := newTestRegistry(t, nil)
	ctx := context.Background()
	i := inst("10.0.0.1", 80, "DEFAULT")
	require.NoError(t, reg.RegisterInstance(ctx, "public", "grp@@svc", i))

	reg.SetWritable(false)
	err := reg.RegisterInstance(ctx, "public", "grp@@svc", inst("10.0.0.2", 80, "DEFAULT"))
	assert.ErrorIs(t, err, naming.ErrServiceNotWritable)
	err = reg.SetHealthy(ctx, "public", "grp@@svc", i.Key(), false)
	assert.ErrorIs(t, err, naming.ErrServiceNotWritable)

	// 排空期间仍允许注销
	require.NoError(t, reg.RemoveInstance(ctx, "public", "grp@@svc", true, i))

	reg.SetWritable(true)
	require.NoError(t, reg.RegisterInstance(ctx, "public", "grp@@svc", i))
}

func TestMemoryRegistry_RemoveRespectsEphemeralFlag(t *testing.T) {
	reg := newTestRegistry(t, nil)
	ctx := context.Background()
	i := inst("10.0.0.1", 80, "DEFAULT")
	i.Ephemeral = false
	require.NoError(t, reg.RegisterInstance(ctx, "public", "grp@@svc", i))

	require.NoError(t, reg.RemoveInstance(ctx, "public", "grp@@svc", true, i))
	snap, _ := reg.QueryInstances(ctx, "public", "grp@@svc", nil, false)
	assert.Len(t, snap.Instances, 1)

	require.NoError(t, reg.RemoveInstance(ctx, "public", "grp@@svc", false, i))
	snap, _ = reg.QueryInstances(ctx, "public", "grp@@svc", nil, false)
	assert.Empty(t, snap.Instances)
}

func TestMemoryRegistry_RejectsTypeChange(t *testing.T) {
	reg := newTestRegistry(t, nil)
	ctx := context.Background()
	eph := inst("10.0.0.1", 80, "DEFAULT")
	require.NoError(t, reg.RegisterInstance(ctx, "public", "grp@@svc", eph))
	rev := reg.Revision("public", "grp@@svc")

	per := eph
	per.Ephemeral = false
	err := reg.RegisterInstance(ctx, "public", "grp@@svc", per)
	assert.ErrorIs(t, err, naming.ErrInvalidParam)
	assert.Equal(t, rev, reg.Revision("public", "grp@@svc"))

	snap, _ := reg.QueryInstances(ctx, "public", "grp@@svc", nil, false)
	require.Len(t, snap.Instances, 1)
	assert.True(t, snap.Instances[0].Ephemeral)

	// 注销后可以以另一种类型重新注册
	require.NoError(t, reg.RemoveInstance(ctx, "public", "grp@@svc", true, eph))
	require.NoError(t, reg.RegisterInstance(ctx, "public", "grp@@svc", per))
}

func TestMemoryRegistry_SnapshotIsImmutable(t *testing.T) {
	reg := newTestRegistry(t, nil)
	ctx := context.Background()
	i := inst("10.0.0.1", 80, "DEFAULT")
	i.Metadata = map[string]string{"zone": "a"}
	require.NoError(t, reg.RegisterInstance(ctx, "public", "grp@@svc", i))

	snap, err := reg.QueryInstances(ctx, "public", "grp@@svc", nil, false)
	require.NoError(t, err)
	snap.Instances[0].Metadata["zone"] = "mutated"
	snap.Instances[0].Weight = 99

	// 调用方修改不影响注册表，后续写入也不影响已取得的快照
	require.NoError(t, reg.RegisterInstance(ctx, "public", "grp@@svc", inst("10.0.0.2", 80, "DEFAULT")))
	again, err := reg.QueryInstances(ctx, "public", "grp@@svc", nil, false)
	require.NoError(t, err)
	assert.Len(t, snap.Instances, 1)
	require.Len(t, again.Instances, 2)
	assert.Equal(t, "a", again.Instances[0].Metadata["zone"])
	assert.Equal(t, 1.0, again.Instances[0].Weight)
}

func TestMemoryRegistry_SetHealthy(t *testing.T) {
	reg := newTestRegistry(t, nil)
	ctx := context.Background()
	i := inst("10.0.0.1", 80, "DEFAULT")
	require.NoError(t, reg.RegisterInstance(ctx, "public", "grp@@svc", i))
	rev := reg.Revision("public", "grp@@svc")

	// 无变化不推进修订版本
	require.NoError(t, reg.SetHealthy(ctx, "public", "grp@@svc", i.Key(), true))
	assert.Equal(t, rev, reg.Revision("public", "grp@@svc"))

	require.NoError(t, reg.SetHealthy(ctx, "public", "grp@@svc", i.Key(), false))
	assert.Equal(t, rev+1, reg.Revision("public", "grp@@svc"))

	snap, _ := reg.QueryInstances(ctx, "public", "grp@@svc", nil, true)
	assert.Empty(t, snap.Instances)

	err := reg.SetHealthy(ctx, "public", "grp@@svc", naming.InstanceKey{IP: "10.9.9.9", Port: 1, ClusterName: "DEFAULT"}, true)
	assert.ErrorIs(t, err, ErrInstanceNotFound)
}

func TestMemoryRegistry_LeaseExpiry(t *testing.T) {
	clock := newFakeClock()
	reg := newTestRegistry(t, clock)
	ctx := context.Background()

	eph := inst("10.0.0.1", 80, "DEFAULT")
	per := inst("10.0.0.2", 80, "DEFAULT")
	per.Ephemeral = false
	require.NoError(t, reg.RegisterInstance(ctx, "public", "grp@@svc", eph))
	require.NoError(t, reg.RegisterInstance(ctx, "public", "grp@@svc", per))

	t.Run("超过 healthyTimeout 标记为不健康", func(t *testing.T) {
		clock.Advance(16 * time.Second)
		reg.ExpireOnce()
		snap, _ := reg.QueryInstances(ctx, "public", "grp@@svc", nil, true)
		require.Len(t, snap.Instances, 1)
		assert.Equal(t, "10.0.0.2", snap.Instances[0].IP)
	})

	t.Run("心跳恢复健康", func(t *testing.T) {
		require.NoError(t, reg.Beat(ctx, "public", "grp@@svc", eph.Key()))
		snap, _ := reg.QueryInstances(ctx, "public", "grp@@svc", nil, true)
		assert.Len(t, snap.Instances, 2)
	})

	t.Run("超过 deleteTimeout 删除，持久实例保留", func(t *testing.T) {
		clock.Advance(31 * time.Second)
		reg.ExpireOnce()
		snap, _ := reg.QueryInstances(ctx, "public", "grp@@svc", nil, false)
		require.Len(t, snap.Instances, 1)
		assert.Equal(t, "10.0.0.2", snap.Instances[0].IP)
	})

	t.Run("已删除实例的心跳返回 not found", func(t *testing.T) {
		err := reg.Beat(ctx, "public", "grp@@svc", eph.Key())
		assert.ErrorIs(t, err, ErrInstanceNotFound)
		// 持久实例没有租约
		err = reg.Beat(ctx, "public", "grp@@svc", per.Key())
		assert.ErrorIs(t, err, ErrInstanceNotFound)
	})
}

func TestMemoryRegistry_ChangeListener(t *testing.T) {
	reg := newTestRegistry(t, nil)
	ctx := context.Background()

	var mu sync.Mutex
	var revs []uint64
	reg.OnChange(func(key naming.ServiceKey, rev uint64) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, naming.NewServiceKey("public", "grp@@svc"), key)
		revs = append(revs, rev)
	})

	i := inst("10.0.0.1", 80, "DEFAULT")
	require.NoError(t, reg.RegisterInstance(ctx, "public", "grp@@svc", i))
	require.NoError(t, reg.RemoveInstance(ctx, "public", "grp@@svc", true, i))
	require.NoError(t, reg.RemoveInstance(ctx, "public", "grp@@svc", true, i))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []uint64{1, 2}, revs)
}

func TestMemoryRegistry_ListServices(t *testing.T) {
	reg := newTestRegistry(t, nil)
	ctx := context.Background()
	require.NoError(t, reg.RegisterInstance(ctx, "public", "grp@@b", inst("10.0.0.1", 80, "DEFAULT")))
	require.NoError(t, reg.RegisterInstance(ctx, "public", "grp@@a", inst("10.0.0.1", 80, "DEFAULT")))
	require.NoError(t, reg.RegisterInstance(ctx, "dev", "grp@@c", inst("10.0.0.1", 80, "DEFAULT")))

	names, err := reg.ListServices(ctx, "public")
	require.NoError(t, err)
	assert.Equal(t, []string{"grp@@a", "grp@@b"}, names)
}

func TestMemoryRegistry_ConcurrentRegistrations(t *testing.T) {
	reg := newTestRegistry(t, nil)
	ctx := context.Background()

	const workers, per = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for n := 0; n < per; n++ {
				svc := fmt.Sprintf("grp@@svc%d", n%3)
				assert.NoError(t, reg.RegisterInstance(ctx, "public", svc, inst(fmt.Sprintf("10.%d.0.%d", w, n), 80, "DEFAULT")))
				_, err := reg.QueryInstances(ctx, "public", svc, nil, false)
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	total := 0
	for n := 0; n < 3; n++ {
		svc := fmt.Sprintf("grp@@svc%d", n)
		snap, err := reg.QueryInstances(ctx, "public", svc, nil, false)
		require.NoError(t, err)
		total += len(snap.Instances)
		// 每次注册都推进一次修订版本
		assert.Equal(t, uint64(len(snap.Instances)), snap.Revision)
	}
	assert.Equal(t, workers*per, total)
}

func TestMemoryRegistry_Metrics(t *testing.T) {
	promReg := prometheus.NewRegistry()
	reg := NewMemoryRegistryWithOptions(Options{Metrics: NewMetrics(promReg)})
	ctx := context.Background()
	i := inst("10.0.0.1", 80, "DEFAULT")
	require.NoError(t, reg.RegisterInstance(ctx, "public", "grp@@svc", i))
	require.NoError(t, reg.RemoveInstance(ctx, "public", "grp@@svc", true, i))
	require.NoError(t, reg.RemoveInstance(ctx, "public", "grp@@svc", true, i))

	m := reg.metrics
	assert.Equal(t, 1.0, testutil.ToFloat64(m.mutations.WithLabelValues("register")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.mutations.WithLabelValues("remove")))
}
