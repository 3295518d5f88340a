package naming

import (
	"sort"
	"strconv"
	"time"
)

// InstanceKey 是实例在服务内的身份：ip + port + cluster。
// 权重、元数据、健康状态都不参与比较，重复注册即原地更新。
type InstanceKey struct {
	IP          string
	Port        int
	ClusterName string
}

func (k InstanceKey) String() string {
	return k.IP + "#" + strconv.Itoa(k.Port) + "#" + k.ClusterName
}

// Instance 描述一个运行中的服务端点。
type Instance struct {
	IP          string            `json:"ip"`
	Port        int               `json:"port"`
	ClusterName string            `json:"clusterName"`
	Weight      float64           `json:"weight"`
	Healthy     bool              `json:"healthy"`
	Ephemeral   bool              `json:"ephemeral"`
	Metadata    map[string]string `json:"metadata,omitempty"`

	// 租约：最近一次心跳时间，仅对临时实例有意义。
	LastBeat time.Time `json:"-"`
}

// Key 返回实例身份。
func (i Instance) Key() InstanceKey {
	return InstanceKey{IP: i.IP, Port: i.Port, ClusterName: i.ClusterName}
}

// Clone 深拷贝元数据，保证快照与存储互不影响。
func (i Instance) Clone() Instance {
	i.Metadata = cloneMap(i.Metadata)
	return i
}

// Snapshot 是某个服务在某一修订版本下匹配实例的不可变拷贝。
type Snapshot struct {
	Namespace   string     `json:"namespaceId"`
	GroupedName string     `json:"name"`
	Clusters    string     `json:"clusters"`
	HealthyOnly bool       `json:"healthyOnly"`
	Revision    uint64     `json:"revision"`
	Instances   []Instance `json:"hosts"`
	CreatedAt   time.Time  `json:"lastRefTime,omitzero"`
}

// Key 返回快照所属服务。
func (s Snapshot) Key() ServiceKey {
	return ServiceKey{Namespace: s.Namespace, GroupedName: s.GroupedName}
}

// SortInstances 按 cluster/ip/port 稳定排序，确保输出一致。
func SortInstances(in []Instance) {
	sort.Slice(in, func(a, b int) bool {
		x, y := in[a], in[b]
		if x.ClusterName != y.ClusterName {
			return x.ClusterName < y.ClusterName
		}
		if x.IP != y.IP {
			return x.IP < y.IP
		}
		return x.Port < y.Port
	})
}

func cloneMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
