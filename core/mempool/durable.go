package mempool

import (
	"encoding/json"
	"errors"
	"fmt"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-bundler/core/apqueue"
	"github.com/AvaProtocol/ap-bundler/model"
)

// DurableQueuePrefix is the apqueue prefix the outstanding stage is persisted under
const DurableQueuePrefix = "mempool"

// durableCollection writes every change of a stage through to the queue.
// Outstanding ops are pending jobs and processing ops are in progress jobs, so
// a stage transition is a single Move of the job and a crash can never leave an
// op in both stages. The in-memory copy serves reads.
type durableCollection struct {
	*memoryCollection[*model.UserOpInfo]

	queue  *apqueue.Queue
	status apqueue.JobStatus
}

func (c *durableCollection) Add(hash common.Hash, info *model.UserOpInfo) error {
	if _, present := c.memoryCollection.Get(hash); present {
		return fmt.Errorf("%s already stored", hash.Hex())
	}

	err := c.queue.Move(hash.Hex(), c.status)
	if errors.Is(err, apqueue.ErrJobNotFound) {
		var data []byte
		data, err = json.Marshal(info)
		if err != nil {
			return err
		}
		_, err = c.queue.Enqueue(c.status, hash.Hex(), data)
	}
	if err != nil {
		return fmt.Errorf("persist %s: %w", hash.Hex(), err)
	}

	return c.memoryCollection.Add(hash, info)
}

func (c *durableCollection) Replace(old, hash common.Hash, info *model.UserOpInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	if err := c.queue.Replace(old.Hex(), hash.Hex(), data); err != nil {
		return fmt.Errorf("persist replacement of %s: %w", old.Hex(), err)
	}

	return c.memoryCollection.Replace(old, hash, info)
}

func (c *durableCollection) Remove(hash common.Hash) (*model.UserOpInfo, error) {
	info, err := c.memoryCollection.Remove(hash)
	if err != nil {
		return nil, err
	}

	// the job is gone already when it moved on to the next stage
	if err := c.queue.Remove(hash.Hex(), c.status); err != nil && !errors.Is(err, apqueue.ErrJobNotFound) {
		return info, fmt.Errorf("unpersist %s: %w", hash.Hex(), err)
	}
	return info, nil
}

func (c *durableCollection) Clear() error {
	if err := c.queue.Clear(c.status); err != nil {
		return err
	}
	return c.memoryCollection.Clear()
}

// NewDurableStore persists outstanding and processing in queue. Submitted ops
// are tracked in memory only: after a restart the wallets are flushed and
// those ops are reported through their receipts, or not at all.
//
// Ops left in processing by an earlier run are moved back to outstanding,
// in their original order.
func NewDurableStore(queue *apqueue.Queue, logger sdklogging.Logger) (*Store, error) {
	if _, err := queue.Recover(); err != nil {
		return nil, fmt.Errorf("recover durable mempool: %w", err)
	}

	outstanding := &durableCollection{
		memoryCollection: newMemoryCollection[*model.UserOpInfo](),
		queue:            queue,
		status:           apqueue.JobPending,
	}

	jobs, err := queue.List(apqueue.JobPending)
	if err != nil {
		return nil, fmt.Errorf("load durable mempool: %w", err)
	}
	for _, job := range jobs {
		info := &model.UserOpInfo{}
		if err := json.Unmarshal(job.Data, info); err != nil || info.UserOperation == nil {
			logger.Error("drop undecodable mempool entry", "userop_hash", job.ExternalID, "error", err)
			_ = queue.Remove(job.ExternalID, apqueue.JobPending)
			continue
		}
		outstanding.entries.Set(info.UserOpHash, info)
	}

	if len(jobs) > 0 {
		logger.Info("loaded durable mempool", "outstanding", outstanding.Len())
	}

	return &Store{
		outstanding: outstanding,
		processing: &durableCollection{
			memoryCollection: newMemoryCollection[*model.UserOpInfo](),
			queue:            queue,
			status:           apqueue.JobInProgress,
		},
		submitted: newMemoryCollection[*model.SubmittedUserOp](),
	}, nil
}
