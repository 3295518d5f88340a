package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	hraft "github.com/hashicorp/raft"

	"namingd/internal/naming"
)

// raftfsm.go - Raft FSM 实现
// 将日志命令映射到 MemoryRegistry 的内部应用方法。
// 快照只包含持久实例（全量 JSON），临时实例不进入 Raft。

// ============================================================================
// raftFSM 结构定义
// ============================================================================

// raftFSM 实现 hashicorp/raft 的 FSM 接口
type raftFSM struct {
	mem *MemoryRegistry
}

// NewRaftFSM 供 server 组装 Raft 使用
func NewRaftFSM(mem *MemoryRegistry) hraft.FSM {
	return &raftFSM{mem: mem}
}

// ============================================================================
// FSM 接口实现
// ============================================================================

// Apply 应用日志命令到状态机
func (f *raftFSM) Apply(l *hraft.Log) interface{} {
	var env commandEnvelope
	if err := json.Unmarshal(l.Data, &env); err != nil {
		return errorResponse(err)
	}

	switch env.Op {
	case opRegister:
		return f.applyRegister(env.Data)
	case opRemove:
		return f.applyRemove(env.Data)
	case opSetHealthy:
		return f.applySetHealthy(env.Data)
	default:
		return errorResponse(fmt.Errorf("unknown op: %s", env.Op))
	}
}

// Snapshot 导出持久实例
func (f *raftFSM) Snapshot() (hraft.FSMSnapshot, error) {
	snap := snapshotData{Services: f.mem.persistentEntries()}
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	return &memSnapshot{data: data}, nil
}

// Restore 从快照恢复持久实例
func (f *raftFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap snapshotData
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return err
	}
	f.mem.restorePersistent(snap.Services)
	return nil
}

// ============================================================================
// 命令处理器（Command Handlers）
// ============================================================================

func (f *raftFSM) applyRegister(data json.RawMessage) interface{} {
	var cmd instanceCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return errorResponse(err)
	}
	cmd.Inst.Ephemeral = false
	rev, err := f.mem.applyRegister(naming.NewServiceKey(cmd.Namespace, cmd.GroupedName), cmd.Inst)
	if err != nil {
		return errorResponse(err)
	}
	return encodeResponse(revisionResponse{Revision: rev})
}

func (f *raftFSM) applyRemove(data json.RawMessage) interface{} {
	var cmd instanceCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return errorResponse(err)
	}
	rev, _ := f.mem.applyRemove(naming.NewServiceKey(cmd.Namespace, cmd.GroupedName), false, cmd.Inst.Key())
	return encodeResponse(revisionResponse{Revision: rev})
}

func (f *raftFSM) applySetHealthy(data json.RawMessage) interface{} {
	var cmd healthCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return errorResponse(err)
	}
	ik := naming.InstanceKey{IP: cmd.IP, Port: cmd.Port, ClusterName: cmd.Cluster}
	rev, err := f.mem.applySetHealthy(naming.NewServiceKey(cmd.Namespace, cmd.GroupedName), ik, cmd.Healthy)
	if err != nil {
		return errorResponse(err)
	}
	return encodeResponse(revisionResponse{Revision: rev})
}

// ============================================================================
// 快照相关类型
// ============================================================================

// snapshotData 快照数据结构
type snapshotData struct {
	Services []snapshotEntry `json:"services"`
}

// snapshotEntry 单个服务的持久实例
type snapshotEntry struct {
	Namespace   string            `json:"ns"`
	GroupedName string            `json:"svc"`
	Revision    uint64            `json:"revision"`
	Instances   []naming.Instance `json:"instances"`
}

// memSnapshot 实现 hraft.FSMSnapshot 接口
type memSnapshot struct {
	data []byte
}

func (m *memSnapshot) Persist(sink hraft.SnapshotSink) error {
	_, err := io.Copy(sink, bytes.NewReader(m.data))
	if err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (m *memSnapshot) Release() {}
