package registry

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryRegistry 以内存方式保存 agent 记录，主要用于测试与单机部署。
type MemoryRegistry struct {
	mu      sync.RWMutex
	records map[common.Hash]AgentRecord
}

// NewMemoryRegistry 创建 MemoryRegistry。
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{records: make(map[common.Hash]AgentRecord)}
}

// Put 写入或覆盖一条 agent 记录。
func (r *MemoryRegistry) Put(record AgentRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[record.AgentID] = record
}

// Lookup 实现 Registry 接口。
func (r *MemoryRegistry) Lookup(_ context.Context, agentID common.Hash) (*AgentRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.records[agentID]
	if !ok {
		return nil, ErrAgentNotRegistered
	}
	clone := record
	return &clone, nil
}
