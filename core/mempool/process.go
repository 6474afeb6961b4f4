package mempool

import (
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-bundler/core/reputation"
	"github.com/AvaProtocol/ap-bundler/model"
)

// stream identifies the nonce sequence of one sender and nonce key
type stream struct {
	sender common.Address
	key    string
}

func streamOf(info *model.UserOpInfo) stream {
	return stream{sender: info.UserOperation.Sender, key: info.UserOperation.NonceKey().String()}
}

// Process selects the next batch from outstanding and moves it to processing.
//
// Ops are taken in arrival order, except that each sender and nonce key hands
// out its ops in ascending sequence. Selection stops at the first op that would
// push the summed estimated gas over maxGasLimit, or once maxBatchCount ops are
// selected. A stream with ops in processing or submitted is left alone until
// those settle, and a stream that had an op skipped stays blocked for the rest
// of the pass, so a later sequence never travels ahead of an earlier one.
func (m *Mempool) Process(maxGasLimit *big.Int, maxBatchCount int) []*model.UserOpInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	outstanding := m.store.outstanding.Values()
	if len(outstanding) == 0 {
		return nil
	}

	blocked := map[stream]bool{}
	for _, info := range m.store.processing.Values() {
		blocked[streamOf(info)] = true
	}
	for _, sub := range m.store.submitted.Values() {
		blocked[streamOf(sub.UserOpInfo)] = true
	}

	// ops of every stream in ascending sequence; each position in arrival
	// order takes the lowest remaining op of its stream
	streams := map[stream][]*model.UserOpInfo{}
	for _, info := range outstanding {
		s := streamOf(info)
		streams[s] = append(streams[s], info)
	}
	for _, ops := range streams {
		sort.SliceStable(ops, func(i, j int) bool {
			return ops[i].UserOperation.NonceSequence() < ops[j].UserOperation.NonceSequence()
		})
	}

	var (
		selected      []*model.UserOpInfo
		dropped       []*model.UserOpInfo
		gasUsed       = new(big.Int)
		throttledUsed = map[common.Address]int{}
	)

	for _, arrival := range outstanding {
		s := streamOf(arrival)
		if blocked[s] {
			continue
		}

		info := streams[s][0]
		streams[s] = streams[s][1:]

		if m.config.SafeMode {
			skip, drop := m.checkBundleReputation(info, throttledUsed)
			if drop {
				dropped = append(dropped, info)
			}
			if skip || drop {
				blocked[s] = true
				continue
			}
		}

		gas := info.UserOperation.EstimatedGas()
		if new(big.Int).Add(gasUsed, gas).Cmp(maxGasLimit) > 0 {
			break
		}
		gasUsed.Add(gasUsed, gas)
		selected = append(selected, info)

		if m.config.SafeMode {
			for _, addr := range bundleEntities(info) {
				if m.reputation.GetStatus(addr) == reputation.StatusThrottled {
					throttledUsed[addr]++
				}
			}
		}

		if maxBatchCount > 0 && len(selected) >= maxBatchCount {
			break
		}
	}

	for _, info := range dropped {
		if _, err := m.store.outstanding.Remove(info.UserOpHash); err != nil {
			m.logger.Error("cannot drop user operation of banned entity", "userop_hash", info.UserOpHash.Hex(), "error", err)
			continue
		}
		m.reputation.DecreaseOccupancy(info.UserOperation)
		m.monitor.SetStatus(info.UserOpHash, model.UserOpStatus{Status: model.StatusRejected})
		m.logger.Warn("dropped user operation of banned entity", "userop_hash", info.UserOpHash.Hex())
	}

	moved := make([]*model.UserOpInfo, 0, len(selected))
	for _, info := range selected {
		if err := m.store.processing.Add(info.UserOpHash, info); err != nil {
			m.logger.Error("cannot move user operation to processing", "userop_hash", info.UserOpHash.Hex(), "error", err)
			break
		}
		if _, err := m.store.outstanding.Remove(info.UserOpHash); err != nil {
			m.logger.Error("cannot remove user operation from outstanding", "userop_hash", info.UserOpHash.Hex(), "error", err)
		}
		m.reputation.DecreaseOccupancy(info.UserOperation)
		moved = append(moved, info)
	}

	m.reportSizes()
	return moved
}

// checkBundleReputation tells whether a paymaster or factory of info keeps it
// out of this batch. Banned entities get the op dropped.
func (m *Mempool) checkBundleReputation(info *model.UserOpInfo, throttledUsed map[common.Address]int) (skip bool, drop bool) {
	for _, addr := range bundleEntities(info) {
		switch m.reputation.GetStatus(addr) {
		case reputation.StatusBanned:
			return false, true
		case reputation.StatusThrottled:
			if throttledUsed[addr] >= m.config.ThrottledEntityBundleCount {
				skip = true
			}
		}
	}
	return skip, false
}

func bundleEntities(info *model.UserOpInfo) []common.Address {
	var addrs []common.Address
	if p := info.UserOperation.Paymaster(); p != (common.Address{}) {
		addrs = append(addrs, p)
	}
	if f := info.UserOperation.Factory(); f != (common.Address{}) {
		addrs = append(addrs, f)
	}
	return addrs
}
