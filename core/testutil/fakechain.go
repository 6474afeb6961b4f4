package testutil

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/AvaProtocol/ap-bundler/core/chainio"
)

var ErrFakeUnavailable = errors.New("fake chain: method unavailable")

var _ chainio.ChainClient = (*FakeChain)(nil)

// FakeChain is a scriptable in-memory chainio.ChainClient. Sent transactions
// are recorded and, unless auto mining is on, stay pending until Mine is called.
type FakeChain struct {
	mu sync.Mutex

	chainID    *big.Int
	head       *types.Header
	gasPrice   *big.Int
	tipCap     *big.Int
	feeHistory *ethereum.FeeHistory

	balances map[common.Address]*big.Int
	nonces   map[common.Address]uint64
	pending  map[common.Address]uint64
	receipts map[common.Hash]*types.Receipt
	sent     []*types.Transaction

	autoMine bool
	errs     map[string]error

	estimateGas  func(msg ethereum.CallMsg) (uint64, error)
	callContract func(msg ethereum.CallMsg, block *big.Int) ([]byte, error)
	sendHook     func(tx *types.Transaction) error
}

func NewFakeChain() *FakeChain {
	return &FakeChain{
		chainID: new(big.Int).Set(ChainID),
		head: &types.Header{
			Number:   big.NewInt(1),
			GasLimit: 30_000_000,
			GasUsed:  15_000_000,
			BaseFee:  big.NewInt(1_000_000_000),
		},
		gasPrice: big.NewInt(2_000_000_000),
		tipCap:   big.NewInt(1_000_000_000),
		balances: map[common.Address]*big.Int{},
		nonces:   map[common.Address]uint64{},
		pending:  map[common.Address]uint64{},
		receipts: map[common.Hash]*types.Receipt{},
		errs:     map[string]error{},
	}
}

// SetError makes the named method fail with err until cleared with a nil err
func (c *FakeChain) SetError(method string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.errs, method)
		return
	}
	c.errs[method] = err
}

func (c *FakeChain) SetBaseFee(fee *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head.BaseFee = fee
}

func (c *FakeChain) SetHead(h *types.Header) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head = types.CopyHeader(h)
}

// AdvanceBlock moves the head one block forward and returns its number
func (c *FakeChain) AdvanceBlock() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head.Number = new(big.Int).Add(c.head.Number, common.Big1)
	return c.head.Number.Uint64()
}

func (c *FakeChain) SetGasPrice(p *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gasPrice = p
}

func (c *FakeChain) SetTipCap(p *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tipCap = p
}

func (c *FakeChain) SetFeeHistory(h *ethereum.FeeHistory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.feeHistory = h
}

func (c *FakeChain) SetBalance(addr common.Address, v *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[addr] = new(big.Int).Set(v)
}

func (c *FakeChain) Balance(addr common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balance(addr)
}

func (c *FakeChain) balance(addr common.Address) *big.Int {
	if b, ok := c.balances[addr]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// SetNonce sets the mined and pending nonce of addr
func (c *FakeChain) SetNonce(addr common.Address, latest, pending uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nonces[addr] = latest
	c.pending[addr] = pending
}

func (c *FakeChain) SetAutoMine(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoMine = on
}

func (c *FakeChain) SetEstimateGas(fn func(msg ethereum.CallMsg) (uint64, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.estimateGas = fn
}

func (c *FakeChain) SetCallContract(fn func(msg ethereum.CallMsg, block *big.Int) ([]byte, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callContract = fn
}

// SetSendHook runs fn before a transaction is accepted; an error rejects it
func (c *FakeChain) SetSendHook(fn func(tx *types.Transaction) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendHook = fn
}

// Sent returns every accepted transaction in send order
func (c *FakeChain) Sent() []*types.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*types.Transaction(nil), c.sent...)
}

func (c *FakeChain) SetReceipt(hash common.Hash, r *types.Receipt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receipts[hash] = r
}

// Mine writes a receipt for a sent transaction and consumes its nonce
func (c *FakeChain) Mine(hash common.Hash, status uint64, logs ...*types.Log) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, tx := range c.sent {
		if tx.Hash() == hash {
			return c.mine(tx, status, logs)
		}
	}
	return fmt.Errorf("fake chain: unknown transaction %s", hash.Hex())
}

func (c *FakeChain) mine(tx *types.Transaction, status uint64, logs []*types.Log) error {
	from, err := types.Sender(types.LatestSignerForChainID(c.chainID), tx)
	if err != nil {
		return err
	}

	c.receipts[tx.Hash()] = &types.Receipt{
		Status:      status,
		TxHash:      tx.Hash(),
		BlockNumber: new(big.Int).Set(c.head.Number),
		Logs:        logs,
	}
	if tx.Nonce()+1 > c.nonces[from] {
		c.nonces[from] = tx.Nonce() + 1
	}

	if status == types.ReceiptStatusSuccessful && tx.Value().Sign() > 0 && tx.To() != nil {
		c.balances[from] = new(big.Int).Sub(c.balance(from), tx.Value())
		c.balances[*tx.To()] = new(big.Int).Add(c.balance(*tx.To()), tx.Value())
	}
	return nil
}

func (c *FakeChain) err(method string) error {
	return c.errs[method]
}

func (c *FakeChain) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.err("ChainID"); err != nil {
		return nil, err
	}
	return new(big.Int).Set(c.chainID), nil
}

func (c *FakeChain) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.err("HeaderByNumber"); err != nil {
		return nil, err
	}
	return types.CopyHeader(c.head), nil
}

func (c *FakeChain) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.err("BalanceAt"); err != nil {
		return nil, err
	}
	return c.balance(account), nil
}

func (c *FakeChain) NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.err("NonceAt"); err != nil {
		return 0, err
	}
	return c.nonces[account], nil
}

func (c *FakeChain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.err("PendingNonceAt"); err != nil {
		return 0, err
	}
	return max(c.nonces[account], c.pending[account]), nil
}

func (c *FakeChain) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.err("SuggestGasPrice"); err != nil {
		return nil, err
	}
	return new(big.Int).Set(c.gasPrice), nil
}

func (c *FakeChain) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.err("SuggestGasTipCap"); err != nil {
		return nil, err
	}
	return new(big.Int).Set(c.tipCap), nil
}

func (c *FakeChain) FeeHistory(ctx context.Context, blockCount uint64, lastBlock *big.Int, rewardPercentiles []float64) (*ethereum.FeeHistory, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.err("FeeHistory"); err != nil {
		return nil, err
	}
	if c.feeHistory == nil {
		return nil, ErrFakeUnavailable
	}
	return c.feeHistory, nil
}

func (c *FakeChain) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	c.mu.Lock()
	fn := c.estimateGas
	err := c.err("EstimateGas")
	c.mu.Unlock()

	if err != nil {
		return 0, err
	}
	if fn == nil {
		return 1_000_000, nil
	}
	return fn(msg)
}

func (c *FakeChain) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	c.mu.Lock()
	fn := c.callContract
	err := c.err("CallContract")
	c.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, ErrFakeUnavailable
	}
	return fn(msg, blockNumber)
}

func (c *FakeChain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	hook := c.sendHook
	c.mu.Unlock()

	if hook != nil {
		if err := hook(tx); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.err("SendTransaction"); err != nil {
		return err
	}

	from, err := types.Sender(types.LatestSignerForChainID(c.chainID), tx)
	if err != nil {
		return err
	}
	if tx.Nonce() < c.nonces[from] {
		return errors.New("nonce too low")
	}

	c.sent = append(c.sent, tx)
	if tx.Nonce()+1 > c.pending[from] {
		c.pending[from] = tx.Nonce() + 1
	}

	if c.autoMine {
		return c.mine(tx, types.ReceiptStatusSuccessful, nil)
	}
	return nil
}

func (c *FakeChain) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.err("TransactionReceipt"); err != nil {
		return nil, err
	}
	if r, ok := c.receipts[txHash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}
