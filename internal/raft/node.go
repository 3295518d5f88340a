package raft

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	hraft "github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// Config 单个 Raft 节点的装配参数。
type Config struct {
	ID        string // 节点 ID（唯一）
	Bind      string // 监听地址（host:port）
	DataDir   string
	Bootstrap bool // 无历史状态时以单节点引导
	Logger    hclog.Logger
}

// Node 持有 raft 实例及其底层存储，Close 时一并释放。
type Node struct {
	Raft      *hraft.Raft
	Transport *hraft.NetworkTransport

	logStore    *raftboltdb.BoltStore
	stableStore *raftboltdb.BoltStore
}

// Start 创建数据目录、BoltDB 日志/元数据存储、文件快照与 TCP 传输，并启动 raft。
func Start(cfg Config, fsm hraft.FSM) (*Node, error) {
	if cfg.ID == "" || cfg.Bind == "" || cfg.DataDir == "" {
		return nil, errors.New("raft: id, bind and data dir are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}

	rcfg := hraft.DefaultConfig()
	rcfg.LocalID = hraft.ServerID(cfg.ID)
	rcfg.SnapshotInterval = 20 * time.Second
	rcfg.SnapshotThreshold = 8192
	rcfg.Logger = cfg.Logger

	addr, err := net.ResolveTCPAddr("tcp", cfg.Bind)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", cfg.Bind, err)
	}
	// 端口为 0 时由监听器决定实际地址
	var advertise net.Addr = addr
	if addr.Port == 0 {
		advertise = nil
	}
	logOut := cfg.Logger.StandardWriter(&hclog.StandardLoggerOptions{InferLevels: true})
	transport, err := hraft.NewTCPTransport(cfg.Bind, advertise, 3, 10*time.Second, logOut)
	if err != nil {
		return nil, err
	}

	n := &Node{Transport: transport}
	if n.stableStore, err = raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db")); err != nil {
		n.closeStores()
		return nil, err
	}
	if n.logStore, err = raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db")); err != nil {
		n.closeStores()
		return nil, err
	}
	snaps, err := hraft.NewFileSnapshotStore(cfg.DataDir, 2, logOut)
	if err != nil {
		n.closeStores()
		return nil, err
	}

	r, err := hraft.NewRaft(rcfg, fsm, n.logStore, n.stableStore, snaps, transport)
	if err != nil {
		n.closeStores()
		return nil, err
	}
	n.Raft = r

	if cfg.Bootstrap {
		has, err := hraft.HasExistingState(n.logStore, n.stableStore, snaps)
		if err != nil {
			_ = n.Close()
			return nil, err
		}
		if !has {
			c := hraft.Configuration{Servers: []hraft.Server{{ID: rcfg.LocalID, Address: transport.LocalAddr()}}}
			if err := r.BootstrapCluster(c).Error(); err != nil {
				_ = n.Close()
				return nil, fmt.Errorf("bootstrap: %w", err)
			}
		}
	}
	return n, nil
}

// IsLeader 当前节点是否为 Leader。
func (n *Node) IsLeader() bool {
	return n.Raft != nil && n.Raft.State() == hraft.Leader
}

// WaitLeader 阻塞直到本节点成为 Leader 或超时。
func (n *Node) WaitLeader(timeout time.Duration) error {
	deadline := time.After(timeout)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for !n.IsLeader() {
		select {
		case <-deadline:
			return errors.New("raft: timed out waiting for leadership")
		case <-tick.C:
		}
	}
	return nil
}

// Close 关闭 raft 并释放存储。
func (n *Node) Close() error {
	var err error
	if n.Raft != nil {
		err = n.Raft.Shutdown().Error()
	}
	n.closeStores()
	return err
}

func (n *Node) closeStores() {
	if n.logStore != nil {
		_ = n.logStore.Close()
	}
	if n.stableStore != nil {
		_ = n.stableStore.Close()
	}
	// raft 关闭时会连同传输一起关闭
	if n.Raft == nil && n.Transport != nil {
		_ = n.Transport.Close()
	}
}
