package persistence

import (
	"encoding/json"
	"errors"
	"fmt"

	"mt5-risk-engine-go/internal/models"

	"github.com/dgraph-io/badger/v3"
)

// badgerRepository 把一个代理的状态以 JSON 形式存放在 BadgerDB 的单个 key 下.
// 同一个库可以被多个代理共享, key 由 StateKey 生成.
type badgerRepository struct {
	db  *badger.DB
	key []byte
}

// NewBadgerRepository opens (or creates) the store at dbPath and binds it to key.
func NewBadgerRepository(dbPath, key string) (StateRepository, error) {
	opts := badger.DefaultOptions(dbPath).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("打开状态库失败 %s: %w", dbPath, err)
	}
	return &badgerRepository{db: db, key: []byte(key)}, nil
}

// SaveState 在同一个事务里读出已存版本, 拒绝比它旧的写入.
func (r *badgerRepository) SaveState(state *models.AgentState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	return r.db.Update(func(txn *badger.Txn) error {
		stored, err := decodeItem(txn, r.key)
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if stored != nil && stored.Version > state.Version {
			return fmt.Errorf("%w: stored v%d, writing v%d", ErrStaleState, stored.Version, state.Version)
		}
		return txn.Set(r.key, data)
	})
}

func (r *badgerRepository) LoadState() (*models.AgentState, error) {
	var state *models.AgentState
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		state, err = decodeItem(txn, r.key)
		return err
	})
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		return nil, nil
	case err != nil:
		return nil, err
	}
	return state, nil
}

func (r *badgerRepository) Close() error {
	return r.db.Close()
}

func decodeItem(txn *badger.Txn, key []byte) (*models.AgentState, error) {
	item, err := txn.Get(key)
	if err != nil {
		return nil, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("state %q is empty", key)
	}
	var s models.AgentState
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode state %q: %w", key, err)
	}
	return &s, nil
}
