package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/allegro/bigcache/v3"
	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-bundler/model"
)

const DefaultStatusTTL = time.Hour

// Monitor remembers the last known status of a user operation for a limited
// time so clients can poll it after the op left the mempool.
type Monitor struct {
	cache  *bigcache.BigCache
	logger sdklogging.Logger
}

func New(ctx context.Context, ttl time.Duration, logger sdklogging.Logger) (*Monitor, error) {
	if ttl <= 0 {
		ttl = DefaultStatusTTL
	}

	cache, err := bigcache.New(ctx, bigcache.Config{
		// number of shards (must be a power of 2)
		Shards: 256,

		// time after which entry can be evicted
		LifeWindow: ttl,

		// Interval between removing expired entries (clean up).
		CleanWindow: time.Minute,

		// rps * lifeWindow, used only in initial memory allocation
		MaxEntriesInWindow: 100 * 60 * 10,

		// max entry size in bytes, used only in initial memory allocation
		MaxEntrySize: 256,

		// value in MB, the oldest entries are overridden past this limit
		HardMaxCacheSize: 512,
	})
	if err != nil {
		return nil, err
	}

	return &Monitor{cache: cache, logger: logger}, nil
}

func (m *Monitor) SetStatus(hash common.Hash, status model.UserOpStatus) {
	b, err := json.Marshal(status)
	if err != nil {
		m.logger.Error("cannot encode user operation status", "userop_hash", hash.Hex(), "error", err)
		return
	}

	if err := m.cache.Set(hash.Hex(), b); err != nil {
		m.logger.Error("cannot store user operation status", "userop_hash", hash.Hex(), "error", err)
	}
}

// GetStatus returns false when the op is unknown or its status expired
func (m *Monitor) GetStatus(hash common.Hash) (*model.UserOpStatus, bool) {
	b, err := m.cache.Get(hash.Hex())
	if err != nil {
		if !errors.Is(err, bigcache.ErrEntryNotFound) {
			m.logger.Error("cannot read user operation status", "userop_hash", hash.Hex(), "error", err)
		}
		return nil, false
	}

	var status model.UserOpStatus
	if err := json.Unmarshal(b, &status); err != nil {
		return nil, false
	}
	return &status, true
}

func (m *Monitor) Close() error {
	return m.cache.Close()
}
