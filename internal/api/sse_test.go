package api

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"namingd/internal/naming"
	"namingd/internal/push"
)

func testSnapshot(rev uint64) naming.Snapshot {
	return naming.Snapshot{
		Namespace:   "public",
		GroupedName: "grp@@orders",
		Revision:    rev,
		Instances:   []naming.Instance{{IP: "10.0.0.1", Port: 80, ClusterName: "DEFAULT", Weight: 1, Healthy: true}},
	}
}

func TestSSEStream_Outcomes(t *testing.T) {
	cache, err := newPayloadCache(16)
	require.NoError(t, err)
	s := newSSEStream(cache, 1)

	assert.Equal(t, push.Delivered, s.Deliver(context.Background(), testSnapshot(1)))

	// 通道已满：超时后暂时失败
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Equal(t, push.TransientFailure, s.Deliver(ctx, testSnapshot(2)))

	b := <-s.ch
	assert.Contains(t, string(b), `"revision":1`)

	s.close()
	s.close()
	assert.Equal(t, push.PermanentFailure, s.Deliver(context.Background(), testSnapshot(3)))
}

func TestPayloadCache_ReusesEncoding(t *testing.T) {
	cache, err := newPayloadCache(0)
	require.NoError(t, err)

	first, err := cache.encode(testSnapshot(7))
	require.NoError(t, err)
	second, err := cache.encode(testSnapshot(7))
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, uint64(1), cache.hits())

	other, err := cache.encode(testSnapshot(8))
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}

func TestPayloadCache_LastRefTime(t *testing.T) {
	cache, err := newPayloadCache(0)
	require.NoError(t, err)
	published := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	snap := testSnapshot(3)
	snap.CreatedAt = published
	first, err := cache.encode(snap)
	require.NoError(t, err)
	assert.Contains(t, string(first), `"lastRefTime":"2024-01-01T00:00:00Z"`)

	// 未发布过的服务不输出时间
	empty, err := cache.encode(naming.Snapshot{Namespace: "public", GroupedName: "grp@@none", Instances: []naming.Instance{}})
	require.NoError(t, err)
	assert.NotContains(t, string(empty), "lastRefTime")
}
