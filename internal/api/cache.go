package api

import (
	"encoding/json"
	"fmt"

	"github.com/maypok86/otter/v2"
	"github.com/maypok86/otter/v2/stats"

	"namingd/internal/naming"
)

const defaultCacheSize = 4096

// payloadCache 缓存快照的 JSON 编码。同一服务、同一过滤条件、同一修订版本的快照
// 内容相同，推送给大量订阅方时只编码一次。
type payloadCache struct {
	cache   *otter.Cache[string, []byte]
	counter *stats.Counter
}

func newPayloadCache(size int) (*payloadCache, error) {
	if size <= 0 {
		size = defaultCacheSize
	}
	counter := stats.NewCounter()
	c, err := otter.New(&otter.Options[string, []byte]{
		MaximumSize:   size,
		StatsRecorder: counter,
	})
	if err != nil {
		return nil, fmt.Errorf("build payload cache: %w", err)
	}
	return &payloadCache{cache: c, counter: counter}, nil
}

func payloadKey(s naming.Snapshot) string {
	return fmt.Sprintf("%s|%s|%t|%d", s.Key(), s.Clusters, s.HealthyOnly, s.Revision)
}

// encode 返回快照的 JSON 编码，命中缓存时不再序列化。
func (p *payloadCache) encode(s naming.Snapshot) ([]byte, error) {
	key := payloadKey(s)
	if b, ok := p.cache.GetIfPresent(key); ok {
		return b, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	p.cache.Set(key, b)
	return b, nil
}

func (p *payloadCache) hits() uint64 {
	return p.counter.Snapshot().Hits
}
