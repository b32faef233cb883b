package persistence

import (
	"errors"
	"fmt"

	"mt5-risk-engine-go/internal/models"
)

// ErrStaleState is returned when a save carries an older version than the
// stored state, e.g. a second process writing behind reset-breaker.
var ErrStaleState = errors.New("stale state version")

// StateRepository 定义了代理状态的持久化接口, 屏蔽底层存储 (BadgerDB, 内存).
type StateRepository interface {
	// SaveState atomically replaces the stored agent state. Writes older than
	// the stored version fail with ErrStaleState.
	SaveState(state *models.AgentState) error

	// LoadState returns the stored state, or (nil, nil) when none exists.
	LoadState() (*models.AgentState, error)

	// Close releases the underlying store.
	Close() error
}

// StateKey is the key an agent's state lives under. Agents sharing a store are
// told apart by symbol and magic number.
func StateKey(symbol string, magic int64) string {
	return fmt.Sprintf("agent_state/%s/%d", symbol, magic)
}
