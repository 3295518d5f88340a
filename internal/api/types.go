package api

import (
	"namingd/internal/naming"
	"namingd/internal/push"
)

// Action 是命名请求的动作类型。
type Action string

const (
	ActionRegister     Action = "registerInstance"
	ActionDeregister   Action = "deregisterInstance"
	ActionQueryList    Action = "queryList"
	ActionSubscribe    Action = "subscribeService"
	ActionUnsubscribe  Action = "unsubscribeService"
	ActionBeat         Action = "beat"
	ActionUpdateHealth Action = "updateHealth"
)

// Request 汇总所有动作的参数，来自查询串、表单或 JSON 请求体。
type Request struct {
	Namespace   string `form:"namespaceId" json:"namespaceId"`
	ServiceName string `form:"serviceName" json:"serviceName"`
	GroupName   string `form:"groupName" json:"groupName"`

	// 查询与订阅
	Clusters    string `form:"clusters" json:"clusters"`
	HealthyOnly *bool  `form:"healthyOnly" json:"healthyOnly"`
	ClientID    string `form:"clientId" json:"clientId"`
	Agent       string `form:"agent" json:"agent"`

	// 实例
	IP          string            `form:"ip" json:"ip"`
	Port        int               `form:"port" json:"port"`
	ClusterName string            `form:"clusterName" json:"clusterName"`
	Weight      *float64          `form:"weight" json:"weight"`
	Healthy     *bool             `form:"healthy" json:"healthy"`
	Ephemeral   *bool             `form:"ephemeral" json:"ephemeral"`
	Metadata    map[string]string `form:"-" json:"metadata"`

	ClientIP  string         `form:"-" json:"-"`
	Deliverer push.Deliverer `form:"-" json:"-"`
}

// ServiceKey 补全默认命名空间与分组。
func (r *Request) ServiceKey() naming.ServiceKey {
	return naming.NewServiceKey(r.Namespace, naming.GroupedName(r.ServiceName, r.GroupName))
}

// Instance 构造实例；权重默认 1，健康与临时默认 true。
func (r *Request) Instance() naming.Instance {
	inst := naming.Instance{
		IP:          r.IP,
		Port:        r.Port,
		ClusterName: r.ClusterName,
		Weight:      1,
		Healthy:     true,
		Ephemeral:   r.ephemeral(),
		Metadata:    r.Metadata,
	}
	if r.Weight != nil {
		inst.Weight = *r.Weight
	}
	if r.Healthy != nil {
		inst.Healthy = *r.Healthy
	}
	return inst
}

func (r *Request) InstanceKey() naming.InstanceKey {
	return r.Instance().Key()
}

func (r *Request) ephemeral() bool {
	return r.Ephemeral == nil || *r.Ephemeral
}

func (r *Request) healthyOnly(def bool) bool {
	if r.HealthyOnly == nil {
		return def
	}
	return *r.HealthyOnly
}

// ClientParams 转换为推送客户端参数。
func (r *Request) ClientParams(healthyOnly bool) push.ClientParams {
	return push.ClientParams{
		Namespace:   r.Namespace,
		ServiceName: r.ServiceName,
		GroupName:   r.GroupName,
		Clusters:    r.Clusters,
		ClientID:    r.ClientID,
		Agent:       r.Agent,
		ClientIP:    r.ClientIP,
		HealthyOnly: healthyOnly,
	}
}

// Response 是统一响应体。
type Response struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}
