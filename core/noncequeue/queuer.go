package noncequeue

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-co-op/gocron/v2"

	"github.com/AvaProtocol/ap-bundler/core/chainio/aa"
	"github.com/AvaProtocol/ap-bundler/core/reputation"
	"github.com/AvaProtocol/ap-bundler/model"
	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
)

var ErrAlreadyQueued = errors.New("user operation already queued")

const (
	DefaultInterval = 2 * time.Second
	DefaultMaxAge   = 15 * time.Minute
)

// Mempool is where released operations go
type Mempool interface {
	Add(info *model.UserOpInfo) error
	ContainsNonce(sender common.Address, nonce *big.Int) bool
}

type StatusReporter interface {
	SetStatus(hash common.Hash, status model.UserOpStatus)
}

type Config struct {
	EntryPoint common.Address
	Interval   time.Duration
	MaxAge     time.Duration
	Timeout    time.Duration
}

type entry struct {
	info    *model.UserOpInfo
	key     *big.Int
	seq     uint64
	addedAt time.Time
}

type streamID struct {
	sender common.Address
	key    string
}

// Queuer parks operations whose nonce is ahead of what the sender can execute
// next, and hands them to the mempool once their predecessors are known.
type Queuer struct {
	mu      sync.Mutex
	entries []*entry

	mempool    Mempool
	caller     ethereum.ContractCaller
	monitor    StatusReporter
	reputation reputation.Tracker
	config     Config

	scheduler gocron.Scheduler
	now       func() time.Time
	logger    sdklogging.Logger
}

func New(mempool Mempool, caller ethereum.ContractCaller, monitor StatusReporter, tracker reputation.Tracker, config Config, logger sdklogging.Logger) *Queuer {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.MaxAge <= 0 {
		config.MaxAge = DefaultMaxAge
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}

	return &Queuer{
		mempool:    mempool,
		caller:     caller,
		monitor:    monitor,
		reputation: tracker,
		config:     config,
		now:        time.Now,
		logger:     logger,
	}
}

// Start flushes the queue every interval until Stop
func (q *Queuer) Start() error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to initialize nonce queue scheduler: %w", err)
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(q.config.Interval),
		gocron.NewTask(func() {
			q.Flush(context.Background())
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule nonce queue flush: %w", err)
	}

	scheduler.Start()
	q.scheduler = scheduler
	return nil
}

func (q *Queuer) Stop() error {
	if q.scheduler == nil {
		return nil
	}
	return q.scheduler.Shutdown()
}

// Add queues info until the chain and mempool catch up with its nonce
func (q *Queuer) Add(info *model.UserOpInfo) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.entries {
		if e.info.UserOpHash == info.UserOpHash {
			return ErrAlreadyQueued
		}
	}

	key, seq := info.UserOperation.NonceKeyAndSequence()
	q.entries = append(q.entries, &entry{info: info, key: key, seq: seq, addedAt: q.now()})
	q.monitor.SetStatus(info.UserOpHash, model.UserOpStatus{Status: model.StatusQueued})

	q.logger.Info("queued user operation with future nonce",
		"userop_hash", info.UserOpHash.Hex(),
		"sender", info.UserOperation.Sender.Hex(),
		"nonce_key", key.String(),
		"nonce_seq", seq)
	return nil
}

func (q *Queuer) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Dump returns the queued operations in arrival order
func (q *Queuer) Dump() []*model.UserOpInfo {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*model.UserOpInfo, len(q.entries))
	for i, e := range q.entries {
		out[i] = e.info
	}
	return out
}

// Sequences returns the sequence the chain expects next for sender and key,
// and the next one after every sequence already held by the mempool
func (q *Queuer) Sequences(ctx context.Context, sender common.Address, key *big.Int) (onchain uint64, next uint64, err error) {
	ctx, cancel := context.WithTimeout(ctx, q.config.Timeout)
	defer cancel()

	nonce, err := aa.GetNonce(ctx, q.caller, q.config.EntryPoint, sender, key)
	if err != nil {
		return 0, 0, err
	}

	onchain = (&userop.UserOperation{Nonce: nonce}).NonceSequence()
	next = onchain
	for q.mempool.ContainsNonce(sender, userop.ComposeNonce(key, next)) {
		next++
	}
	return onchain, next, nil
}

// Flush drops expired entries and releases, per sender and key, every entry
// whose sequence is now next in line, in ascending order
func (q *Queuer) Flush(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.expire()
	if len(q.entries) == 0 {
		return
	}

	streams := map[streamID][]*entry{}
	var order []streamID
	for _, e := range q.entries {
		id := streamID{sender: e.info.UserOperation.Sender, key: e.key.String()}
		if _, ok := streams[id]; !ok {
			order = append(order, id)
		}
		streams[id] = append(streams[id], e)
	}

	released := map[common.Hash]bool{}
	for _, id := range order {
		entries := streams[id]
		sort.SliceStable(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

		sender := entries[0].info.UserOperation.Sender
		_, next, err := q.Sequences(ctx, sender, entries[0].key)
		if err != nil {
			q.logger.Error("error fetching nonce", "sender", sender.Hex(), "nonce_key", id.key, "error", err)
			continue
		}

		for _, e := range entries {
			if e.seq > next {
				break
			}

			released[e.info.UserOpHash] = true
			if err := q.mempool.Add(e.info); err != nil {
				q.logger.Error("error adding user operation from nonce queue", "userop_hash", e.info.UserOpHash.Hex(), "error", err)
				q.reputation.DecreaseOccupancy(e.info.UserOperation)
				q.monitor.SetStatus(e.info.UserOpHash, model.UserOpStatus{Status: model.StatusRejected})
				continue
			}
			if e.seq == next {
				next++
			}
			q.logger.Info("submitted user operation from nonce queue", "userop_hash", e.info.UserOpHash.Hex())
		}
	}

	if len(released) == 0 {
		return
	}
	kept := q.entries[:0]
	for _, e := range q.entries {
		if !released[e.info.UserOpHash] {
			kept = append(kept, e)
		}
	}
	q.entries = kept
}

func (q *Queuer) expire() {
	cutoff := q.now().Add(-q.config.MaxAge)

	kept := q.entries[:0]
	for _, e := range q.entries {
		if e.addedAt.After(cutoff) {
			kept = append(kept, e)
			continue
		}
		q.reputation.DecreaseOccupancy(e.info.UserOperation)
		q.monitor.SetStatus(e.info.UserOpHash, model.UserOpStatus{Status: model.StatusNotFound})
		q.logger.Warn("dropped queued user operation after waiting too long", "userop_hash", e.info.UserOpHash.Hex())
	}
	q.entries = kept
}
