package agent

import "sync/atomic"

// Toggle 管理推理能力开关：配置值加可选的运行时覆盖，覆盖值优先。
type Toggle struct {
	persisted bool
	// 0 表示未覆盖，1 表示关闭，2 表示开启。
	override atomic.Int32
}

// NewToggle 以配置值创建开关。
func NewToggle(persisted bool) *Toggle {
	return &Toggle{persisted: persisted}
}

// Resolve 返回当前生效的开关值，每次决策只调用一次。
func (t *Toggle) Resolve() bool {
	if t == nil {
		return false
	}
	switch t.override.Load() {
	case 1:
		return false
	case 2:
		return true
	default:
		return t.persisted
	}
}

// Set 设置运行时覆盖，nil 表示清除覆盖并回到配置值。
func (t *Toggle) Set(enabled *bool) {
	switch {
	case enabled == nil:
		t.override.Store(0)
	case *enabled:
		t.override.Store(2)
	default:
		t.override.Store(1)
	}
}

// Override 返回当前运行时覆盖值，未覆盖时返回 nil。
func (t *Toggle) Override() *bool {
	var v bool
	switch t.override.Load() {
	case 1:
		v = false
	case 2:
		v = true
	default:
		return nil
	}
	return &v
}

// Persisted 返回配置文件中的值。
func (t *Toggle) Persisted() bool {
	return t.persisted
}
