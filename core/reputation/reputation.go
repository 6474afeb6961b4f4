package reputation

import (
	"bytes"
	"sort"
	"strings"
	"sync"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"

	"github.com/AvaProtocol/ap-bundler/model"
	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
)

type Status string

const (
	StatusOK        Status = "ok"
	StatusThrottled Status = "throttled"
	StatusBanned    Status = "banned"
)

type EntityType string

const (
	EntityAccount    EntityType = "account"
	EntityPaymaster  EntityType = "paymaster"
	EntityFactory    EntityType = "factory"
	EntityAggregator EntityType = "aggregator"
)

const (
	crashedOpsSeen    = 1000
	maxIncludedCredit = 10_000
)

type Entry struct {
	Address     common.Address `json:"address"`
	OpsSeen     uint64         `json:"opsSeen"`
	OpsIncluded uint64         `json:"opsIncluded"`
	Status      Status         `json:"status,omitempty"`
}

// Tracker is what the mempool and executors report entity behaviour to
type Tracker interface {
	CheckReputation(op *userop.UserOperation, sim *model.SimulationResult) error
	UpdateIncludedStatus(op *userop.UserOperation, accountDeployed bool)
	IncreaseOccupancy(op *userop.UserOperation)
	DecreaseOccupancy(op *userop.UserOperation)
	CrashedHandleOps(op *userop.UserOperation, reason string)
	GetStatus(addr common.Address) Status

	SetReputation(entries []Entry)
	DumpReputations() []Entry
	Clear()
	ClearOccupancy()
}

var _ Tracker = (*Manager)(nil)

// Manager tracks opsSeen and opsIncluded per entity and how many ops each
// entity currently has in the outstanding mempool.
type Manager struct {
	mu sync.Mutex

	config    Config
	entries   map[common.Address]*Entry
	occupancy map[common.Address]uint64

	whitelist map[common.Address]bool
	blacklist map[common.Address]bool

	logger sdklogging.Logger
}

func NewManager(config Config, logger sdklogging.Logger) *Manager {
	toSet := func(addrs []common.Address) map[common.Address]bool {
		return lo.SliceToMap(addrs, func(a common.Address) (common.Address, bool) { return a, true })
	}

	return &Manager{
		config:    config,
		entries:   make(map[common.Address]*Entry),
		occupancy: make(map[common.Address]uint64),
		whitelist: toSet(config.Whitelist),
		blacklist: toSet(config.Blacklist),
		logger:    logger,
	}
}

// CheckReputation counts op as seen and occupying the mempool, then rejects it
// when one of its entities is banned, or has more ops outstanding than it
// earned and is throttled or not staked. A rejected op does not keep its
// mempool occupancy.
func (m *Manager) CheckReputation(op *userop.UserOperation, sim *model.SimulationResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.updateSeen(op)
	m.increaseOccupancy(op)

	err := m.checkEntities(op, sim)
	if err != nil {
		m.decreaseOccupancy(op)
	}
	return err
}

func (m *Manager) checkEntities(op *userop.UserOperation, sim *model.SimulationResult) error {
	if sim == nil {
		sim = &model.SimulationResult{}
	}

	senderInfo := sim.SenderInfo
	if senderInfo == nil {
		senderInfo = &model.StakeInfo{Addr: op.Sender}
	}
	if err := m.checkStatus(EntityAccount, senderInfo, m.config.MaxMempoolOpsPerSender); err != nil {
		return err
	}

	for _, e := range []struct {
		kind EntityType
		info *model.StakeInfo
	}{
		{EntityPaymaster, sim.PaymasterInfo},
		{EntityFactory, sim.FactoryInfo},
		{EntityAggregator, sim.AggregatorInfo},
	} {
		if e.info == nil || e.info.Addr == (common.Address{}) {
			continue
		}
		if err := m.checkStatus(e.kind, e.info, m.maxAllowedOps(e.info.Addr)); err != nil {
			return err
		}
	}

	return nil
}

func (m *Manager) checkStatus(kind EntityType, info *model.StakeInfo, maxMempoolCount uint64) error {
	status := m.status(info.Addr)
	if status == StatusBanned {
		return &Error{Code: CodeReputation, Entity: kind, Address: info.Addr, Status: status}
	}

	count := m.occupancy[info.Addr]
	if count > m.config.ThrottledEntityMinMempoolCount && status == StatusThrottled {
		return &Error{Code: CodeReputation, Entity: kind, Address: info.Addr, Status: status}
	}

	if count > maxMempoolCount && !m.isStaked(info) {
		return &Error{Code: CodeInsufficientStake, Entity: kind, Address: info.Addr, Status: status}
	}

	return nil
}

func (m *Manager) isStaked(info *model.StakeInfo) bool {
	if m.whitelist[info.Addr] {
		return true
	}
	if info.Stake == nil || info.UnstakeDelaySec == nil {
		return false
	}
	return info.Stake.Cmp(m.config.MinStake) >= 0 && info.UnstakeDelaySec.Cmp(m.config.MinUnstakeDelay) >= 0
}

// maxAllowedOps is the mempool cap an unstaked entity has earned:
// base + floor(inclusionRate * factor) + min(opsIncluded, 10000)
func (m *Manager) maxAllowedOps(addr common.Address) uint64 {
	entry, ok := m.entries[addr]
	if !ok {
		return m.config.MaxMempoolOpsPerNewUnstakedEntity
	}

	var rateCredit uint64
	if entry.OpsSeen > 0 {
		rateCredit = entry.OpsIncluded * m.config.InclusionRateFactor / entry.OpsSeen
	}

	return m.config.MaxMempoolOpsPerNewUnstakedEntity + rateCredit + min(entry.OpsIncluded, maxIncludedCredit)
}

func (m *Manager) GetStatus(addr common.Address) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.status(addr)
}

// status derives the reputation of addr. The whitelist wins over the blacklist.
func (m *Manager) status(addr common.Address) Status {
	if m.whitelist[addr] {
		return StatusOK
	}
	if m.blacklist[addr] {
		return StatusBanned
	}

	entry, ok := m.entries[addr]
	if !ok {
		return StatusOK
	}

	return deriveStatus(entry.OpsSeen, entry.OpsIncluded, m.config)
}

func deriveStatus(opsSeen, opsIncluded uint64, c Config) Status {
	minExpectedIncluded := opsSeen / c.MinInclusionDenominator
	switch {
	case minExpectedIncluded <= opsIncluded+c.ThrottlingSlack:
		return StatusOK
	case minExpectedIncluded <= opsIncluded+c.BanSlack:
		return StatusThrottled
	default:
		return StatusBanned
	}
}

func (m *Manager) updateSeen(op *userop.UserOperation) {
	for _, addr := range entities(op) {
		m.entry(addr).OpsSeen++
	}
}

// UpdateIncludedStatus credits the entities of an op that landed on chain.
// The factory is only credited when it actually deployed the account.
func (m *Manager) UpdateIncludedStatus(op *userop.UserOperation, accountDeployed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entry(op.Sender).OpsIncluded++
	if paymaster := op.Paymaster(); paymaster != (common.Address{}) {
		m.entry(paymaster).OpsIncluded++
	}
	if factory := op.Factory(); accountDeployed && factory != (common.Address{}) {
		m.entry(factory).OpsIncluded++
	}
}

func (m *Manager) IncreaseOccupancy(op *userop.UserOperation) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.increaseOccupancy(op)
}

func (m *Manager) increaseOccupancy(op *userop.UserOperation) {
	for _, addr := range entities(op) {
		m.occupancy[addr]++
	}
}

func (m *Manager) DecreaseOccupancy(op *userop.UserOperation) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.decreaseOccupancy(op)
}

func (m *Manager) decreaseOccupancy(op *userop.UserOperation) {
	for _, addr := range entities(op) {
		if m.occupancy[addr] <= 1 {
			delete(m.occupancy, addr)
			continue
		}
		m.occupancy[addr]--
	}
}

// CrashedHandleOps blames the entity a revert reason points at, so an op that
// passed simulation but broke a bundle on chain gets its entity throttled or banned.
func (m *Manager) CrashedHandleOps(op *userop.UserOperation, reason string) {
	var addr common.Address
	switch {
	case strings.HasPrefix(reason, "AA1"):
		addr = op.Factory()
	case strings.HasPrefix(reason, "AA2"):
		addr = op.Sender
	case strings.HasPrefix(reason, "AA3"):
		addr = op.Paymaster()
	default:
		return
	}
	if addr == (common.Address{}) {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.entry(addr)
	entry.OpsSeen = crashedOpsSeen
	entry.OpsIncluded = 0
	m.logger.Warn("entity crashed handleOps", "address", addr.Hex(), "reason", reason)
}

func (m *Manager) SetReputation(entries []Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range entries {
		m.entries[e.Address] = &Entry{
			Address:     e.Address,
			OpsSeen:     e.OpsSeen,
			OpsIncluded: e.OpsIncluded,
		}
	}
}

// DumpReputations returns every entry with its derived status, ordered by address
func (m *Manager) DumpReputations() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := lo.MapToSlice(m.entries, func(addr common.Address, e *Entry) Entry {
		return Entry{
			Address:     addr,
			OpsSeen:     e.OpsSeen,
			OpsIncluded: e.OpsIncluded,
			Status:      m.status(addr),
		}
	})
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Address.Bytes(), out[j].Address.Bytes()) < 0
	})
	return out
}

func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = make(map[common.Address]*Entry)
}

func (m *Manager) ClearOccupancy() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.occupancy = make(map[common.Address]uint64)
}

// Occupancy returns how many outstanding ops reference addr
func (m *Manager) Occupancy(addr common.Address) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.occupancy[addr]
}

func (m *Manager) entry(addr common.Address) *Entry {
	e, ok := m.entries[addr]
	if !ok {
		e = &Entry{Address: addr}
		m.entries[addr] = e
	}
	return e
}

func entities(op *userop.UserOperation) []common.Address {
	addrs := []common.Address{op.Sender}
	if paymaster := op.Paymaster(); paymaster != (common.Address{}) {
		addrs = append(addrs, paymaster)
	}
	if factory := op.Factory(); factory != (common.Address{}) {
		addrs = append(addrs, factory)
	}
	return addrs
}

// NullTracker is used when safe mode is off: every entity is always ok
type NullTracker struct{}

var _ Tracker = NullTracker{}

func (NullTracker) CheckReputation(*userop.UserOperation, *model.SimulationResult) error {
	return nil
}

func (NullTracker) UpdateIncludedStatus(*userop.UserOperation, bool) {}
func (NullTracker) IncreaseOccupancy(*userop.UserOperation) {}
func (NullTracker) DecreaseOccupancy(*userop.UserOperation) {}
func (NullTracker) CrashedHandleOps(*userop.UserOperation, string) {}

func (NullTracker) GetStatus(common.Address) Status {
	return StatusOK
}

func (NullTracker) SetReputation([]Entry) {}

func (NullTracker) DumpReputations() []Entry {
	return nil
}

func (NullTracker) Clear() {}
func (NullTracker) ClearOccupancy() {}
