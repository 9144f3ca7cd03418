package privatestate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// StoreName is the identifier under which the voting contract keeps its
// private state.
const StoreName = "votingPrivateState"

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("privatestate: store closed")

// --- In-memory store (tests, ephemeral sessions) ---

// Mem keeps private state in process memory.
type Mem struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

// NewMem returns an empty in-memory store.
func NewMem() *Mem {
	return &Mem{data: make(map[string][]byte)}
}

// Get returns the value stored under key.
func (m *Mem) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	value, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

// Set stores a copy of value under key.
func (m *Mem) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.data[key] = append([]byte(nil), value...)
	return nil
}

// Remove deletes key. Missing keys are not an error.
func (m *Mem) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.data, key)
	return nil
}

// Close marks the store closed.
func (m *Mem) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// --- Persistent store ---

// LevelDB persists private state in a LevelDB database. Keys are namespaced
// by store name so several contracts can share one database directory.
type LevelDB struct {
	db     *leveldb.DB
	prefix []byte
}

// OpenLevelDB creates or opens the database at path.
func OpenLevelDB(path, storeName string) (*LevelDB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("privatestate: path required")
	}
	if storeName == "" {
		storeName = StoreName
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("privatestate: open %s: %w", path, err)
	}
	return &LevelDB{db: db, prefix: []byte(storeName + "/")}, nil
}

func (l *LevelDB) key(k string) []byte {
	out := make([]byte, 0, len(l.prefix)+len(k))
	out = append(out, l.prefix...)
	return append(out, k...)
}

// Get returns the value stored under key.
func (l *LevelDB) Get(_ context.Context, key string) ([]byte, bool, error) {
	value, err := l.db.Get(l.key(key), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return nil, false, nil
	case errors.Is(err, leveldb.ErrClosed):
		return nil, false, ErrClosed
	case err != nil:
		return nil, false, fmt.Errorf("privatestate: get %s: %w", key, err)
	}
	return value, true, nil
}

// Set stores value under key.
func (l *LevelDB) Set(_ context.Context, key string, value []byte) error {
	if err := l.db.Put(l.key(key), value, nil); err != nil {
		if errors.Is(err, leveldb.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("privatestate: set %s: %w", key, err)
	}
	return nil
}

// Remove deletes key. Missing keys are not an error.
func (l *LevelDB) Remove(_ context.Context, key string) error {
	if err := l.db.Delete(l.key(key), nil); err != nil {
		if errors.Is(err, leveldb.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("privatestate: remove %s: %w", key, err)
	}
	return nil
}

// Keys lists the keys held under the store prefix.
func (l *LevelDB) Keys() ([]string, error) {
	iter := l.db.NewIterator(util.BytesPrefix(l.prefix), nil)
	defer iter.Release()
	var keys []string
	for iter.Next() {
		keys = append(keys, string(iter.Key()[len(l.prefix):]))
	}
	return keys, iter.Error()
}

// Close releases the database lock.
func (l *LevelDB) Close() error {
	return l.db.Close()
}
