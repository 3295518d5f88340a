package naming

import "strings"

// 命名空间、分组、集群的默认值，以及分组服务名的分隔符。
const (
	DefaultNamespace = "public"
	DefaultGroup     = "DEFAULT_GROUP"
	DefaultCluster   = "DEFAULT"

	GroupSeparator = "@@"
)

// ServiceKey 唯一标识一个服务：命名空间 + 分组服务名（group@@service）。
// 构造后不可变，可直接作为 map 键。
type ServiceKey struct {
	Namespace   string
	GroupedName string
}

// NewServiceKey 以命名空间与分组服务名构造 ServiceKey，空命名空间取默认值。
func NewServiceKey(namespace, groupedName string) ServiceKey {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return ServiceKey{Namespace: namespace, GroupedName: groupedName}
}

// Group 返回分组名。
func (k ServiceKey) Group() string {
	g, _ := SplitGroupedName(k.GroupedName)
	return g
}

// Service 返回不带分组的原始服务名。
func (k ServiceKey) Service() string {
	_, s := SplitGroupedName(k.GroupedName)
	return s
}

func (k ServiceKey) String() string {
	return k.Namespace + "/" + k.GroupedName
}

// GroupedName 拼接分组与服务名。服务名已带分组时原样返回。
func GroupedName(service, group string) string {
	if strings.Contains(service, GroupSeparator) {
		return service
	}
	if group == "" {
		group = DefaultGroup
	}
	return group + GroupSeparator + service
}

// SplitGroupedName 拆分分组服务名；没有分隔符时分组取默认值。
func SplitGroupedName(grouped string) (group, service string) {
	i := strings.Index(grouped, GroupSeparator)
	if i < 0 {
		return DefaultGroup, grouped
	}
	return grouped[:i], grouped[i+len(GroupSeparator):]
}

// ParseClusters 将逗号分隔的集群串拆成列表，忽略空白项。
// 空串表示不过滤（全部集群），返回 nil。
func ParseClusters(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// JoinClusters 是 ParseClusters 的逆操作。
func JoinClusters(clusters []string) string {
	return strings.Join(clusters, ",")
}
