package registry

import (
	"context"
	"errors"

	"namingd/internal/naming"
)

// ErrInstanceNotFound 心跳或健康上报的目标实例不存在；客户端应重新注册。
var ErrInstanceNotFound = errors.New("instance not found")

// ChangeListener 在服务修订版本前进后被调用（已释放服务锁）。
// 实现必须快速返回，耗时工作应异步处理。
type ChangeListener func(key naming.ServiceKey, revision uint64)

// Registry 抽象了服务实例的权威存储。
// 内存版为单节点实现；RaftRegistry 将持久实例的写入交给 Raft 复制。
type Registry interface {
	// 写接口：参数需先通过 naming.Validator
	RegisterInstance(ctx context.Context, namespace, groupedName string, inst naming.Instance) error
	RemoveInstance(ctx context.Context, namespace, groupedName string, ephemeral bool, inst naming.Instance) error
	SetHealthy(ctx context.Context, namespace, groupedName string, key naming.InstanceKey, healthy bool) error

	// 临时实例租约续约
	Beat(ctx context.Context, namespace, groupedName string, key naming.InstanceKey) error

	// 读接口：返回不可变拷贝，服务不存在时返回空快照
	QueryInstances(ctx context.Context, namespace, groupedName string, clusters []string, healthyOnly bool) (naming.Snapshot, error)
	ListServices(ctx context.Context, namespace string) ([]string, error)
	Revision(namespace, groupedName string) uint64

	// 变更通知与管理开关
	OnChange(l ChangeListener)
	SetWritable(writable bool)
}

var (
	_ Registry = (*MemoryRegistry)(nil)
	_ Registry = (*RaftRegistry)(nil)
)
