package api

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"namingd/internal/naming"
	"namingd/internal/push"
	"namingd/internal/registry"
)

// Subscriber 是分发器依赖的推送引擎能力。
type Subscriber interface {
	Subscribe(ctx context.Context, c push.Client) error
	Unsubscribe(key naming.ServiceKey, clientID string) bool
	Release(key naming.ServiceKey, clientID string, d push.Deliverer) bool
}

type handlerFunc func(ctx context.Context, req *Request) (any, error)

// Dispatcher 按 Action 把请求路由到注册表或推送引擎。
// 处理表在构造时建立，之后只读。
type Dispatcher struct {
	reg      registry.Registry
	subs     Subscriber
	logger   *zap.Logger
	handlers map[Action]handlerFunc
}

func NewDispatcher(reg registry.Registry, subs Subscriber, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{reg: reg, subs: subs, logger: logger}
	d.handlers = map[Action]handlerFunc{
		ActionRegister:     d.register,
		ActionDeregister:   d.deregister,
		ActionQueryList:    d.queryList,
		ActionSubscribe:    d.subscribe,
		ActionUnsubscribe:  d.unsubscribe,
		ActionBeat:         d.beat,
		ActionUpdateHealth: d.updateHealth,
	}
	return d
}

// Dispatch 执行一个动作。未知动作直接确认，不产生任何效果。
func (d *Dispatcher) Dispatch(ctx context.Context, action Action, req *Request) (any, error) {
	h, ok := d.handlers[action]
	if !ok {
		d.logger.Debug("忽略未知动作", zap.String("action", string(action)))
		return nil, nil
	}
	return h(ctx, req)
}

// ListServices 列出命名空间下的服务，空命名空间取默认值。
func (d *Dispatcher) ListServices(ctx context.Context, namespace string) ([]string, error) {
	if namespace == "" {
		namespace = naming.DefaultNamespace
	}
	if err := naming.CheckNamespace(namespace); err != nil {
		return nil, err
	}
	return d.reg.ListServices(ctx, namespace)
}

func (d *Dispatcher) register(ctx context.Context, req *Request) (any, error) {
	key := req.ServiceKey()
	return nil, d.reg.RegisterInstance(ctx, key.Namespace, key.GroupedName, req.Instance())
}

func (d *Dispatcher) deregister(ctx context.Context, req *Request) (any, error) {
	key := req.ServiceKey()
	return nil, d.reg.RemoveInstance(ctx, key.Namespace, key.GroupedName, req.ephemeral(), req.Instance())
}

func (d *Dispatcher) queryList(ctx context.Context, req *Request) (any, error) {
	key := req.ServiceKey()
	return d.reg.QueryInstances(ctx, key.Namespace, key.GroupedName, naming.ParseClusters(req.Clusters), req.healthyOnly(false))
}

// subscribe 注册推送客户端并返回当前快照；推送默认只含健康实例。
func (d *Dispatcher) subscribe(ctx context.Context, req *Request) (any, error) {
	c := push.BuildClient(req.ClientParams(req.healthyOnly(true)), req.Deliverer)
	if err := d.subs.Subscribe(ctx, c); err != nil {
		return nil, err
	}
	return d.reg.QueryInstances(ctx, c.Key.Namespace, c.Key.GroupedName, c.Clusters, c.HealthyOnly)
}

func (d *Dispatcher) unsubscribe(ctx context.Context, req *Request) (any, error) {
	d.subs.Unsubscribe(req.ServiceKey(), req.ClientID)
	return nil, nil
}

func (d *Dispatcher) beat(ctx context.Context, req *Request) (any, error) {
	key := req.ServiceKey()
	return nil, d.reg.Beat(ctx, key.Namespace, key.GroupedName, req.InstanceKey())
}

func (d *Dispatcher) updateHealth(ctx context.Context, req *Request) (any, error) {
	if req.Healthy == nil {
		return nil, fmt.Errorf("%w: healthy is required", naming.ErrInvalidParam)
	}
	key := req.ServiceKey()
	return nil, d.reg.SetHealthy(ctx, key.Namespace, key.GroupedName, req.InstanceKey(), *req.Healthy)
}
