// Package freedom tracks the process-wide risk level that scales strategy aggressiveness.
package freedom

import "sync"

const (
	MinLevel = 1
	MaxLevel = 5

	levelStep         = 0.25
	experimentalBoost = 1.15
)

// Manager holds a risk level clamped to [MinLevel, MaxLevel].
type Manager struct {
	mu    sync.RWMutex
	level int
}

// NewManager returns a manager at the clamped level.
func NewManager(level int) *Manager {
	return &Manager{level: clamp(level)}
}

func clamp(level int) int {
	if level < MinLevel {
		return MinLevel
	}
	if level > MaxLevel {
		return MaxLevel
	}
	return level
}

// SetLevel stores the clamped level.
func (m *Manager) SetLevel(level int) {
	m.mu.Lock()
	m.level = clamp(level)
	m.mu.Unlock()
}

// Level returns the current level.
func (m *Manager) Level() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.level
}

// Increment raises the level by one, capped at MaxLevel, and returns the new level.
func (m *Manager) Increment() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.level = clamp(m.level + 1)
	return m.level
}

// Multiplier is 1 + (level-1)*0.25.
func (m *Manager) Multiplier() float64 {
	return 1 + float64(m.Level()-1)*levelStep
}

// ExperimentalBoost is the multiplier of the experimental strategy.
func (m *Manager) ExperimentalBoost() float64 {
	return m.Multiplier() * experimentalBoost
}
