package naming

import (
	"strings"
	"unicode/utf8"
)

// 格式规则上限。
const (
	MaxNamespaceLength = 64
	MaxGroupLength     = 128
	MaxServiceLength   = 512
	MaxClusterLength   = 64
	MaxWeight          = 10000
)

// Validator 是注册表在任何写入或订阅之前调用的参数校验契约。
type Validator interface {
	Validate(namespace, groupedName string, clusters []string) error
}

// ValidatorFunc 让普通函数满足 Validator。
type ValidatorFunc func(namespace, groupedName string, clusters []string) error

func (f ValidatorFunc) Validate(namespace, groupedName string, clusters []string) error {
	return f(namespace, groupedName, clusters)
}

// FormatValidator 实现默认的格式规则。
type FormatValidator struct{}

// Validate 依次检查命名空间、分组、服务名与每个集群名。
func (FormatValidator) Validate(namespace, groupedName string, clusters []string) error {
	if err := CheckNamespace(namespace); err != nil {
		return err
	}
	if err := CheckGroupedName(groupedName); err != nil {
		return err
	}
	for _, c := range clusters {
		if err := CheckCluster(c); err != nil {
			return err
		}
	}
	return nil
}

// CheckNamespace 命名空间：非空，最多 64 个 [A-Za-z0-9_-] 字符。
func CheckNamespace(ns string) error {
	if ns == "" {
		return invalidf("namespace is empty")
	}
	if len(ns) > MaxNamespaceLength {
		return invalidf("namespace %q longer than %d", ns, MaxNamespaceLength)
	}
	if !isToken(ns) {
		return invalidf("namespace %q contains illegal characters", ns)
	}
	return nil
}

// CheckGroupedName 拆分 group@@service 并分别检查。
func CheckGroupedName(grouped string) error {
	if grouped == "" {
		return invalidf("service name is empty")
	}
	group, service := SplitGroupedName(grouped)
	if err := checkName("group", group, MaxGroupLength); err != nil {
		return err
	}
	return checkName("service", service, MaxServiceLength)
}

// CheckCluster 集群名：非空，最多 64 个 [A-Za-z0-9_-] 字符。
func CheckCluster(cluster string) error {
	if cluster == "" {
		return invalidf("cluster name is empty")
	}
	if len(cluster) > MaxClusterLength {
		return invalidf("cluster %q longer than %d", cluster, MaxClusterLength)
	}
	if !isToken(cluster) {
		return invalidf("cluster %q contains illegal characters", cluster)
	}
	return nil
}

// CheckInstance 检查实例自身的属性。
func CheckInstance(inst Instance) error {
	if strings.TrimSpace(inst.IP) == "" {
		return invalidf("instance ip is empty")
	}
	if inst.Port <= 0 || inst.Port > 65535 {
		return invalidf("instance port %d out of range", inst.Port)
	}
	if inst.Weight < 0 || inst.Weight > MaxWeight {
		return invalidf("instance weight %v out of range", inst.Weight)
	}
	return CheckCluster(inst.ClusterName)
}

// checkName：不得为空、不得以 @ 开头、不得包含 @@ 或控制字符。
func checkName(kind, name string, max int) error {
	if name == "" {
		return invalidf("%s name is empty", kind)
	}
	if utf8.RuneCountInString(name) > max {
		return invalidf("%s name longer than %d", kind, max)
	}
	if strings.HasPrefix(name, "@") || strings.Contains(name, GroupSeparator) {
		return invalidf("%s name %q has misplaced '@'", kind, name)
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return invalidf("%s name contains control characters", kind)
		}
	}
	return nil
}

func isToken(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}
