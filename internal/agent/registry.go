package agent

import (
	"fmt"
	"strings"
	"sync"

	xerrors "cronos-sentinel/internal/errors"
)

// Descriptor 是对外展示的智能体元数据。
type Descriptor struct {
	ID        Kind   `json:"id"`
	Name      string `json:"name"`
	Summary   string `json:"summary"`
	AICapable bool   `json:"aiCapable"`
}

type registryEntry struct {
	desc     Descriptor
	strategy Strategy
}

// Registry 维护智能体标识到策略的映射，Seal 之后只读。
type Registry struct {
	mu      sync.RWMutex
	order   []Kind
	entries map[Kind]registryEntry
	sealed  bool
}

// NewRegistry 创建一个空的注册表。
func NewRegistry() *Registry {
	return &Registry{entries: make(map[Kind]registryEntry)}
}

// Register 在启动阶段登记一个智能体。
func (r *Registry) Register(desc Descriptor, strategy Strategy) error {
	if strings.TrimSpace(string(desc.ID)) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "智能体标识不能为空")
	}
	if strategy == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("智能体 %s 未提供策略实现", desc.ID))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return xerrors.New(xerrors.CodeConflict, "注册表已封存，无法继续注册",
			xerrors.WithMetadata("agent_id", string(desc.ID)))
	}
	if _, exists := r.entries[desc.ID]; exists {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("智能体 %s 重复注册", desc.ID),
			xerrors.WithMetadata("agent_id", string(desc.ID)))
	}
	r.entries[desc.ID] = registryEntry{desc: desc, strategy: strategy}
	r.order = append(r.order, desc.ID)
	return nil
}

// Seal 封存注册表，此后 Register 一律失败。
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Get 按标识查找策略，未知标识返回 UNKNOWN_AGENT 并附带可用列表。
func (r *Registry) Get(id string) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[Kind(id)]
	if !ok {
		return nil, xerrors.New(xerrors.CodeUnknownAgent, fmt.Sprintf("unknown agentId: %s", id),
			xerrors.WithMetadata("agent_id", id),
			xerrors.WithMetadata("available_agents", r.idsLocked()))
	}
	return entry.strategy, nil
}

// Describe 返回单个智能体的元数据。
func (r *Registry) Describe(id string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[Kind(id)]
	return entry.desc, ok
}

// List 按注册顺序返回全部智能体。
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id].desc)
	}
	return out
}

// IDs 按注册顺序返回全部标识。
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.idsLocked()
}

func (r *Registry) idsLocked() []string {
	ids := make([]string, 0, len(r.order))
	for _, id := range r.order {
		ids = append(ids, string(id))
	}
	return ids
}
