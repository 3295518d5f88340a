package push

import (
	"context"

	"namingd/internal/naming"
)

// Outcome 是一次投递的结果。
type Outcome int

const (
	// Delivered 投递成功。
	Delivered Outcome = iota
	// TransientFailure 暂时失败：保留订阅，下个通知周期重试。
	TransientFailure
	// PermanentFailure 永久失败（如连接已关闭）：立即移除订阅。
	PermanentFailure
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case TransientFailure:
		return "transient"
	case PermanentFailure:
		return "permanent"
	default:
		return "unknown"
	}
}

// Deliverer 由传输层提供，负责把快照序列化并发送给订阅方。
// ctx 到期后不得再发送，否则无法保证单个订阅方的投递顺序。
type Deliverer interface {
	Deliver(ctx context.Context, snap naming.Snapshot) Outcome
}

// DelivererFunc 让普通函数满足 Deliverer。
type DelivererFunc func(ctx context.Context, snap naming.Snapshot) Outcome

func (f DelivererFunc) Deliver(ctx context.Context, snap naming.Snapshot) Outcome {
	return f(ctx, snap)
}

// Client 是一个订阅方：查询条件 + 调用方身份 + 投递能力。
// 两个 Client 在 (Key, ClientID) 相同时视为同一订阅。
type Client struct {
	Key         naming.ServiceKey
	ClientID    string
	Clusters    []string
	HealthyOnly bool

	// Agent 与 ClientIP 仅作为调用方身份记录在日志中。
	Agent    string
	ClientIP string

	Deliverer Deliverer
}

// ClientParams 是构造 Client 所需的原始请求参数。
type ClientParams struct {
	Namespace   string
	ServiceName string
	GroupName   string
	Clusters    string
	ClientID    string
	Agent       string
	ClientIP    string
	HealthyOnly bool
}

// BuildClient 从原始参数构造 Client，补全默认命名空间与分组。
// 纯函数，不做校验，校验在 Engine.Subscribe 中进行。
func BuildClient(p ClientParams, d Deliverer) Client {
	return Client{
		Key:         naming.NewServiceKey(p.Namespace, naming.GroupedName(p.ServiceName, p.GroupName)),
		ClientID:    p.ClientID,
		Clusters:    naming.ParseClusters(p.Clusters),
		HealthyOnly: p.HealthyOnly,
		Agent:       p.Agent,
		ClientIP:    p.ClientIP,
		Deliverer:   d,
	}
}

// Same 判断是否为同一订阅。
func (c Client) Same(o Client) bool {
	return c.Key == o.Key && c.ClientID == o.ClientID
}
