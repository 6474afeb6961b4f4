package mempool

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"

	"github.com/AvaProtocol/ap-bundler/core/reputation"
	"github.com/AvaProtocol/ap-bundler/metrics"
	"github.com/AvaProtocol/ap-bundler/model"
	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
)

var (
	ErrAlreadyKnown           = errors.New("user operation already known")
	ErrNotFound               = errors.New("user operation not found")
	ErrAlreadyInFlight        = errors.New("a user operation with the same sender and nonce is already being bundled")
	ErrReplacementUnderpriced = errors.New("replacement user operation must raise maxFeePerGas and maxPriorityFeePerGas by at least 10%")
	ErrEntityRoleConflict     = errors.New("entity is used in another role by an outstanding user operation")
)

const replacementFeeBumpPercent = 10

// StatusReporter receives the lifecycle status of every op the mempool touches
type StatusReporter interface {
	SetStatus(hash common.Hash, status model.UserOpStatus)
}

type Config struct {
	// SafeMode enables the reputation checks during batch selection
	SafeMode bool
	// ThrottledEntityBundleCount caps the ops of one throttled entity per batch
	ThrottledEntityBundleCount int
}

// Mempool moves user operations through outstanding, processing and submitted.
// A userOpHash is in at most one stage at any time and every transition happens
// under one lock.
type Mempool struct {
	mu sync.Mutex

	store      *Store
	config     Config
	reputation reputation.Tracker
	monitor    StatusReporter
	metrics    metrics.MetricsSink

	logger sdklogging.Logger
}

func New(store *Store, config Config, tracker reputation.Tracker, monitor StatusReporter, sink metrics.MetricsSink, logger sdklogging.Logger) *Mempool {
	if config.ThrottledEntityBundleCount <= 0 {
		config.ThrottledEntityBundleCount = reputation.DefaultConfig().ThrottledEntityBundleCount
	}

	m := &Mempool{
		store:      store,
		config:     config,
		reputation: tracker,
		monitor:    monitor,
		metrics:    sink,
		logger:     logger,
	}
	m.reportSizes()
	return m
}

// Add admits a new op into outstanding. An outstanding op of the same sender
// and nonce is replaced in place when the new one pays enough more.
func (m *Mempool) Add(info *model.UserOpInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, found := m.find(info.UserOpHash); found {
		return ErrAlreadyKnown
	}

	op := info.UserOperation
	sameNonce := func(other *model.UserOpInfo) bool {
		return other.UserOperation.Sender == op.Sender && other.UserOperation.Nonce.Cmp(op.Nonce) == 0
	}

	if lo.ContainsBy(m.store.processing.Values(), sameNonce) ||
		lo.ContainsBy(m.store.submitted.Values(), func(s *model.SubmittedUserOp) bool { return sameNonce(s.UserOpInfo) }) {
		return ErrAlreadyInFlight
	}

	if old, found := lo.Find(m.store.outstanding.Values(), sameNonce); found {
		if !paysReplacementFee(old.UserOperation, op) {
			return ErrReplacementUnderpriced
		}

		info.FirstSubmitted = old.FirstSubmitted
		if err := m.store.outstanding.Replace(old.UserOpHash, info.UserOpHash, info); err != nil {
			return err
		}
		m.reputation.DecreaseOccupancy(old.UserOperation)
		m.logger.Info("replaced outstanding user operation",
			"sender", op.Sender.Hex(), "nonce", op.Nonce.String(),
			"old_hash", old.UserOpHash.Hex(), "new_hash", info.UserOpHash.Hex())
	} else if err := m.store.outstanding.Add(info.UserOpHash, info); err != nil {
		return err
	}

	m.monitor.SetStatus(info.UserOpHash, model.UserOpStatus{Status: model.StatusNotSubmitted})
	m.metrics.IncUserOpsReceived()
	m.reportSizes()
	return nil
}

func paysReplacementFee(old, replacement *userop.UserOperation) bool {
	minFee := func(v *big.Int) *big.Int {
		bump := new(big.Int).Mul(v, big.NewInt(replacementFeeBumpPercent))
		return bump.Div(bump, big.NewInt(100)).Add(bump, v)
	}

	return replacement.MaxFeePerGas.Cmp(minFee(old.MaxFeePerGas)) >= 0 &&
		replacement.MaxPriorityFeePerGas.Cmp(minFee(old.MaxPriorityFeePerGas)) >= 0
}

// AddOutstanding puts an op back into outstanding, e.g. after a resubmit.
// It counts towards its entities' occupancy again.
func (m *Mempool) AddOutstanding(info *model.UserOpInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.addExclusive(StageOutstanding, info, nil); err != nil {
		return err
	}
	m.reputation.IncreaseOccupancy(info.UserOperation)
	m.monitor.SetStatus(info.UserOpHash, model.UserOpStatus{Status: model.StatusNotSubmitted})
	m.reportSizes()
	return nil
}

func (m *Mempool) AddProcessing(info *model.UserOpInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.addExclusive(StageProcessing, info, nil); err != nil {
		return err
	}
	m.reportSizes()
	return nil
}

func (m *Mempool) AddSubmitted(op *model.SubmittedUserOp) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.addExclusive(StageSubmitted, op.UserOpInfo, op.TransactionInfo); err != nil {
		return err
	}
	m.monitor.SetStatus(op.UserOpHash, submittedStatus(op.TransactionInfo))
	m.reportSizes()
	return nil
}

func (m *Mempool) addExclusive(stage Stage, info *model.UserOpInfo, tx *model.TransactionInfo) error {
	if current, found := m.find(info.UserOpHash); found {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyKnown, info.UserOpHash.Hex(), current)
	}

	switch stage {
	case StageOutstanding:
		return m.store.outstanding.Add(info.UserOpHash, info)
	case StageProcessing:
		return m.store.processing.Add(info.UserOpHash, info)
	default:
		return m.store.submitted.Add(info.UserOpHash, &model.SubmittedUserOp{UserOpInfo: info, TransactionInfo: tx})
	}
}

// RemoveOutstanding drops an op that will not be bundled
func (m *Mempool) RemoveOutstanding(hash common.Hash) (*model.UserOpInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, err := m.store.outstanding.Remove(hash)
	if err != nil {
		return nil, notFound(err, hash)
	}
	m.reputation.DecreaseOccupancy(info.UserOperation)
	m.reportSizes()
	return info, nil
}

func (m *Mempool) RemoveProcessing(hash common.Hash) (*model.UserOpInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, err := m.store.processing.Remove(hash)
	if err != nil {
		return nil, notFound(err, hash)
	}
	m.reportSizes()
	return info, nil
}

func (m *Mempool) RemoveSubmitted(hash common.Hash) (*model.SubmittedUserOp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, err := m.store.submitted.Remove(hash)
	if err != nil {
		return nil, notFound(err, hash)
	}
	m.reportSizes()
	return op, nil
}

func notFound(err error, hash common.Hash) error {
	if errors.Is(err, errEntryNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, hash.Hex())
	}
	return err
}

// MarkSubmitted moves a processing op to submitted as part of tx
func (m *Mempool) MarkSubmitted(hash common.Hash, tx *model.TransactionInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, found := m.store.processing.Get(hash)
	if !found {
		return fmt.Errorf("%w: %s is not processing", ErrNotFound, hash.Hex())
	}

	if err := m.store.submitted.Add(hash, &model.SubmittedUserOp{UserOpInfo: info, TransactionInfo: tx}); err != nil {
		return err
	}
	if _, err := m.store.processing.Remove(hash); err != nil {
		return err
	}

	m.monitor.SetStatus(hash, submittedStatus(tx))
	m.reportSizes()
	return nil
}

// ReplaceSubmitted points a submitted op at the transaction that replaced its
// previous one
func (m *Mempool) ReplaceSubmitted(info *model.UserOpInfo, tx *model.TransactionInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, found := m.store.submitted.Get(info.UserOpHash); !found {
		return fmt.Errorf("%w: %s is not submitted", ErrNotFound, info.UserOpHash.Hex())
	}
	err := m.store.submitted.Replace(info.UserOpHash, info.UserOpHash, &model.SubmittedUserOp{UserOpInfo: info, TransactionInfo: tx})
	if err != nil {
		return err
	}

	m.monitor.SetStatus(info.UserOpHash, submittedStatus(tx))
	return nil
}

// Resubmit returns a processing or submitted op to outstanding so a later
// batch picks it up again
func (m *Mempool) Resubmit(hash common.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stage, found := m.find(hash)
	if !found {
		return fmt.Errorf("%w: %s", ErrNotFound, hash.Hex())
	}

	var info *model.UserOpInfo
	switch stage {
	case StageOutstanding:
		return nil
	case StageProcessing:
		info, _ = m.store.processing.Get(hash)
	case StageSubmitted:
		sub, _ := m.store.submitted.Get(hash)
		info = sub.UserOpInfo
	}

	if err := m.store.outstanding.Add(hash, info); err != nil {
		return err
	}
	var err error
	if stage == StageProcessing {
		_, err = m.store.processing.Remove(hash)
	} else {
		_, err = m.store.submitted.Remove(hash)
	}
	if err != nil {
		return err
	}

	m.reputation.IncreaseOccupancy(info.UserOperation)
	m.monitor.SetStatus(hash, model.UserOpStatus{Status: model.StatusNotSubmitted})
	m.reportSizes()
	return nil
}

func submittedStatus(tx *model.TransactionInfo) model.UserOpStatus {
	status := model.UserOpStatus{Status: model.StatusSubmitted}
	if tx != nil {
		h := tx.TransactionHash
		status.TransactionHash = &h
	}
	return status
}

func (m *Mempool) DumpOutstanding() []*model.UserOpInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.outstanding.Values()
}

func (m *Mempool) DumpProcessing() []*model.UserOpInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.processing.Values()
}

func (m *Mempool) DumpSubmitted() []*model.SubmittedUserOp {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.submitted.Values()
}

// Dump returns the entries of one stage for the debug API
func (m *Mempool) Dump(stage Stage) any {
	switch stage {
	case StageProcessing:
		return m.DumpProcessing()
	case StageSubmitted:
		return m.DumpSubmitted()
	default:
		return m.DumpOutstanding()
	}
}

func (m *Mempool) Clear(stage Stage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	switch stage {
	case StageOutstanding:
		err = m.store.outstanding.Clear()
		m.reputation.ClearOccupancy()
	case StageProcessing:
		err = m.store.processing.Clear()
	case StageSubmitted:
		err = m.store.submitted.Clear()
	default:
		return fmt.Errorf("unknown mempool store %q", stage)
	}

	m.reportSizes()
	return err
}

// Get returns the op stored under hash and the stage it is in
func (m *Mempool) Get(hash common.Hash) (*model.UserOpInfo, Stage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if info, ok := m.store.outstanding.Get(hash); ok {
		return info, StageOutstanding, true
	}
	if info, ok := m.store.processing.Get(hash); ok {
		return info, StageProcessing, true
	}
	if sub, ok := m.store.submitted.Get(hash); ok {
		return sub.UserOpInfo, StageSubmitted, true
	}
	return nil, "", false
}

func (m *Mempool) find(hash common.Hash) (Stage, bool) {
	if _, ok := m.store.outstanding.Get(hash); ok {
		return StageOutstanding, true
	}
	if _, ok := m.store.processing.Get(hash); ok {
		return StageProcessing, true
	}
	if _, ok := m.store.submitted.Get(hash); ok {
		return StageSubmitted, true
	}
	return "", false
}

// ContainsNonce reports whether any stage holds an op of sender with exactly
// this nonce
func (m *Mempool) ContainsNonce(sender common.Address, nonce *big.Int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	match := func(info *model.UserOpInfo) bool {
		return info.UserOperation.Sender == sender && info.UserOperation.Nonce.Cmp(nonce) == 0
	}
	return lo.ContainsBy(m.store.outstanding.Values(), match) ||
		lo.ContainsBy(m.store.processing.Values(), match) ||
		lo.ContainsBy(m.store.submitted.Values(), func(s *model.SubmittedUserOp) bool { return match(s.UserOpInfo) })
}

type Entities struct {
	Senders    map[common.Address]bool
	Paymasters map[common.Address]bool
	Factories  map[common.Address]bool
}

func (m *Mempool) knownEntities() Entities {
	e := Entities{
		Senders:    map[common.Address]bool{},
		Paymasters: map[common.Address]bool{},
		Factories:  map[common.Address]bool{},
	}
	for _, info := range m.store.outstanding.Values() {
		op := info.UserOperation
		e.Senders[op.Sender] = true
		if p := op.Paymaster(); p != (common.Address{}) {
			e.Paymasters[p] = true
		}
		if f := op.Factory(); f != (common.Address{}) {
			e.Factories[f] = true
		}
	}
	return e
}

// CheckEntityRoles rejects an op whose sender is used as a paymaster or factory
// by an outstanding op, or whose paymaster or factory is an outstanding sender
func (m *Mempool) CheckEntityRoles(op *userop.UserOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	known := m.knownEntities()

	if known.Paymasters[op.Sender] || known.Factories[op.Sender] {
		return fmt.Errorf("%w: sender %s", ErrEntityRoleConflict, op.Sender.Hex())
	}
	if p := op.Paymaster(); p != (common.Address{}) && known.Senders[p] {
		return fmt.Errorf("%w: paymaster %s", ErrEntityRoleConflict, p.Hex())
	}
	if f := op.Factory(); f != (common.Address{}) && known.Senders[f] {
		return fmt.Errorf("%w: factory %s", ErrEntityRoleConflict, f.Hex())
	}
	return nil
}

func (m *Mempool) reportSizes() {
	m.metrics.SetMempoolSize(string(StageOutstanding), m.store.outstanding.Len())
	m.metrics.SetMempoolSize(string(StageProcessing), m.store.processing.Len())
	m.metrics.SetMempoolSize(string(StageSubmitted), m.store.submitted.Len())
}
