package zkconfig

import (
	"encoding/json"
	"errors"
	"time"

	bolt "go.etcd.io/bbolt"

	"pollsession/core/types"
)

var bucketCircuits = []byte("circuits")

// BoltCache stores circuit artifacts in a BoltDB file.
type BoltCache struct {
	db *bolt.DB
}

// OpenBoltCache opens (creating if needed) the cache file at path.
func OpenBoltCache(path string) (*BoltCache, error) {
	if path == "" {
		return nil, errors.New("zkconfig: cache path required")
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCircuits)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltCache{db: db}, nil
}

// Get returns the cached configuration for circuit.
func (c *BoltCache) Get(circuit string) (types.CircuitConfig, bool, error) {
	var (
		cfg   types.CircuitConfig
		found bool
	)
	err := c.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketCircuits).Get([]byte(circuit))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &cfg)
	})
	if err != nil {
		return types.CircuitConfig{}, false, err
	}
	return cfg, found, nil
}

// Put stores cfg keyed by its circuit name.
func (c *BoltCache) Put(cfg types.CircuitConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCircuits).Put([]byte(cfg.Circuit), raw)
	})
}

// Close releases the database file.
func (c *BoltCache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}
