package registry

import (
	"encoding/json"
	"errors"

	"namingd/internal/naming"
)

// raftcmd.go - Raft 命令和响应类型定义
// 只有持久实例的写入会进入 Raft 日志；临时实例始终在本地应用。

// ============================================================================
// 命令操作类型
// ============================================================================

const (
	opRegister   = "register"
	opRemove     = "remove"
	opSetHealthy = "set_healthy"
)

// ============================================================================
// 命令封装（Envelope）
// ============================================================================

// commandEnvelope 是所有 Raft 命令的外层包装，包含操作类型和数据负载。
type commandEnvelope struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// ============================================================================
// 命令负载类型（Command Payloads）
// ============================================================================

// instanceCommand 注册/注销持久实例
type instanceCommand struct {
	Namespace   string          `json:"ns"`
	GroupedName string          `json:"svc"`
	Inst        naming.Instance `json:"inst"`
}

// healthCommand 更新持久实例健康状态
type healthCommand struct {
	Namespace   string `json:"ns"`
	GroupedName string `json:"svc"`
	IP          string `json:"ip"`
	Port        int    `json:"port"`
	Cluster     string `json:"cluster"`
	Healthy     bool   `json:"healthy"`
}

// ============================================================================
// 响应类型（Response Types）
// ============================================================================

// 响应中的错误码，用于在调用方还原哨兵错误。
const (
	codeNotFound = "not_found"
	codeInternal = "internal"
)

// revisionResponse 通用响应：应用后的服务修订版本。
type revisionResponse struct {
	Revision uint64 `json:"revision"`
	Code     string `json:"code,omitempty"`
	Err      string `json:"err,omitempty"`
}

// ============================================================================
// 命令构建辅助函数
// ============================================================================

// buildCommand 构建命令封装并序列化为 JSON
func buildCommand(op string, data interface{}) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	env := commandEnvelope{Op: op, Data: payload}
	return json.Marshal(env)
}

// BuildRegisterCommand 构建注册命令
func BuildRegisterCommand(key naming.ServiceKey, inst naming.Instance) ([]byte, error) {
	return buildCommand(opRegister, instanceCommand{Namespace: key.Namespace, GroupedName: key.GroupedName, Inst: inst})
}

// BuildRemoveCommand 构建注销命令
func BuildRemoveCommand(key naming.ServiceKey, inst naming.Instance) ([]byte, error) {
	return buildCommand(opRemove, instanceCommand{Namespace: key.Namespace, GroupedName: key.GroupedName, Inst: inst})
}

// BuildSetHealthyCommand 构建健康状态命令
func BuildSetHealthyCommand(key naming.ServiceKey, ik naming.InstanceKey, healthy bool) ([]byte, error) {
	return buildCommand(opSetHealthy, healthCommand{
		Namespace:   key.Namespace,
		GroupedName: key.GroupedName,
		IP:          ik.IP,
		Port:        ik.Port,
		Cluster:     ik.ClusterName,
		Healthy:     healthy,
	})
}

// ============================================================================
// 响应解析辅助函数
// ============================================================================

// ParseRevisionResponse 解析通用响应
func ParseRevisionResponse(data []byte) (uint64, error) {
	var resp revisionResponse
	if e := json.Unmarshal(data, &resp); e != nil {
		return 0, e
	}
	switch {
	case resp.Code == codeNotFound:
		return resp.Revision, ErrInstanceNotFound
	case resp.Err != "":
		return resp.Revision, errors.New(resp.Err)
	}
	return resp.Revision, nil
}

// encodeResponse 将响应编码为 JSON 字节数组
func encodeResponse(v interface{}) []byte {
	b, _ := json.Marshal(v)
	return b
}

func errorResponse(err error) []byte {
	code := codeInternal
	if errors.Is(err, ErrInstanceNotFound) {
		code = codeNotFound
	}
	return encodeResponse(revisionResponse{Code: code, Err: err.Error()})
}
