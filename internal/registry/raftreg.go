package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	hraft "github.com/hashicorp/raft"

	"namingd/internal/naming"
)

// raftreg.go - RaftRegistry 实现
// 持久实例的写入经 hashicorp/raft 提交；临时实例与所有读取直接走内存。

// DefaultApplyTimeout 单次 raft.Apply 的等待上限。
const DefaultApplyTimeout = 5 * time.Second

// RaftRegistry 使用 Raft 复制持久实例的注册表。
type RaftRegistry struct {
	raft    *hraft.Raft
	mem     *MemoryRegistry
	timeout time.Duration
}

// NewRaftRegistry 创建一个新的 RaftRegistry 实例
func NewRaftRegistry(r *hraft.Raft, mem *MemoryRegistry) *RaftRegistry {
	return &RaftRegistry{raft: r, mem: mem, timeout: DefaultApplyTimeout}
}

// Stop 停止底层注册表（包括租约过期器）
func (r *RaftRegistry) Stop() {
	r.mem.Stop()
}

// ============================================================================
// 写操作
// ============================================================================

// RegisterInstance 注册实例；持久实例通过 Raft 复制
func (r *RaftRegistry) RegisterInstance(ctx context.Context, namespace, groupedName string, inst naming.Instance) error {
	key, inst, err := r.mem.checkRegister(namespace, groupedName, inst)
	if err != nil {
		return err
	}
	if inst.Ephemeral {
		_, err = r.mem.applyRegister(key, inst)
		return err
	}
	cmd, err := BuildRegisterCommand(key, inst)
	if err != nil {
		return err
	}
	_, err = r.applyCommand(ctx, cmd)
	return err
}

// RemoveInstance 注销实例；持久实例通过 Raft 复制
func (r *RaftRegistry) RemoveInstance(ctx context.Context, namespace, groupedName string, ephemeral bool, inst naming.Instance) error {
	key, inst, err := r.mem.checkRemove(namespace, groupedName, inst)
	if err != nil {
		return err
	}
	if ephemeral {
		r.mem.applyRemove(key, true, inst.Key())
		return nil
	}
	// 本地不存在的持久实例无需进入日志
	if eph, ok := r.mem.ephemeralOf(key, inst.Key()); !ok || eph {
		return nil
	}
	cmd, err := BuildRemoveCommand(key, inst)
	if err != nil {
		return err
	}
	_, err = r.applyCommand(ctx, cmd)
	return err
}

// SetHealthy 按已存储实例的类型路由
func (r *RaftRegistry) SetHealthy(ctx context.Context, namespace, groupedName string, ik naming.InstanceKey, healthy bool) error {
	key, ik, err := r.mem.checkHealth(namespace, groupedName, ik)
	if err != nil {
		return err
	}
	eph, ok := r.mem.ephemeralOf(key, ik)
	if !ok {
		return ErrInstanceNotFound
	}
	if eph {
		_, err = r.mem.applySetHealthy(key, ik, healthy)
		return err
	}
	cmd, err := BuildSetHealthyCommand(key, ik, healthy)
	if err != nil {
		return err
	}
	_, err = r.applyCommand(ctx, cmd)
	return err
}

// Beat 只作用于临时实例，不经过 Raft
func (r *RaftRegistry) Beat(ctx context.Context, namespace, groupedName string, ik naming.InstanceKey) error {
	return r.mem.Beat(ctx, namespace, groupedName, ik)
}

// ============================================================================
// 读操作 - 直接从内存读取
// ============================================================================

func (r *RaftRegistry) QueryInstances(ctx context.Context, namespace, groupedName string, clusters []string, healthyOnly bool) (naming.Snapshot, error) {
	return r.mem.QueryInstances(ctx, namespace, groupedName, clusters, healthyOnly)
}

func (r *RaftRegistry) ListServices(ctx context.Context, namespace string) ([]string, error) {
	return r.mem.ListServices(ctx, namespace)
}

func (r *RaftRegistry) Revision(namespace, groupedName string) uint64 {
	return r.mem.Revision(namespace, groupedName)
}

func (r *RaftRegistry) OnChange(l ChangeListener) {
	r.mem.OnChange(l)
}

func (r *RaftRegistry) SetWritable(writable bool) {
	r.mem.SetWritable(writable)
}

// ============================================================================
// 内部辅助方法
// ============================================================================

// applyCommand 提交命令到 Raft 并等待 FSM 的响应
func (r *RaftRegistry) applyCommand(ctx context.Context, cmd []byte) (uint64, error) {
	if r.raft.State() != hraft.Leader {
		return 0, fmt.Errorf("%w: not raft leader", naming.ErrServiceNotWritable)
	}
	timeout := r.timeout
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d < timeout {
			timeout = d
		}
	}
	future := r.raft.Apply(cmd, timeout)
	if err := future.Error(); err != nil {
		if errors.Is(err, hraft.ErrNotLeader) || errors.Is(err, hraft.ErrLeadershipLost) || errors.Is(err, hraft.ErrRaftShutdown) {
			return 0, fmt.Errorf("%w: %v", naming.ErrServiceNotWritable, err)
		}
		return 0, err
	}

	respData, ok := future.Response().([]byte)
	if !ok {
		return 0, errors.New("invalid response type from raft")
	}
	return ParseRevisionResponse(respData)
}
