package api

import (
	"context"
	"sync"

	"namingd/internal/naming"
	"namingd/internal/push"
)

const defaultStreamBuffer = 16

// sseStream 是一条 SSE 连接上的 Deliverer。投递只把编码好的快照放入有界通道，
// 由连接所在的请求协程按顺序写出。
type sseStream struct {
	cache *payloadCache
	ch    chan []byte

	once sync.Once
	done chan struct{}
}

func newSSEStream(cache *payloadCache, buffer int) *sseStream {
	if buffer <= 0 {
		buffer = defaultStreamBuffer
	}
	return &sseStream{cache: cache, ch: make(chan []byte, buffer), done: make(chan struct{})}
}

// Deliver 连接已断开返回永久失败；通道在超时前一直满则返回暂时失败。
func (s *sseStream) Deliver(ctx context.Context, snap naming.Snapshot) push.Outcome {
	select {
	case <-s.done:
		return push.PermanentFailure
	default:
	}
	b, err := s.cache.encode(snap)
	if err != nil {
		return push.TransientFailure
	}
	select {
	case s.ch <- b:
		return push.Delivered
	case <-s.done:
		return push.PermanentFailure
	case <-ctx.Done():
		return push.TransientFailure
	}
}

func (s *sseStream) close() {
	s.once.Do(func() { close(s.done) })
}
