// Package clienttest provides in-memory chain and bundler doubles that record
// every call made against them.
package clienttest

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/vitwit/payflow/clients"
	"github.com/vitwit/payflow/types"
)

var _ clients.ChainClient = (*Chain)(nil)

// ErrReverted is returned by CallContract when no handler matches.
var ErrReverted = errors.New("execution reverted")

// CallHandler answers eth_call for one contract method.
type CallHandler func(msg ethereum.CallMsg) ([]byte, error)

// Tx is a transaction recorded by Transact.
type Tx struct {
	Hash  common.Hash
	To    common.Address
	Value *big.Int
	Data  []byte
}

// Chain is an in-memory ChainClient.
type Chain struct {
	mu       sync.Mutex
	network  types.Network
	chainID  int64
	signer   bool
	code     map[common.Address][]byte
	balances map[common.Address]*big.Int
	handlers map[handlerKey]CallHandler
	receipts map[common.Hash]*ethtypes.Receipt
	txs      []Tx
	calls    map[string]int

	// OnTransact runs before a transaction is recorded. A non-nil error
	// fails Transact; returning ErrReverted records a failed receipt instead.
	OnTransact func(c *Chain, tx Tx) error
}

type handlerKey struct {
	to       common.Address
	selector [4]byte
}

// NewChain returns an empty chain with a signing key configured.
func NewChain(network types.Network, chainID int64) *Chain {
	return &Chain{
		network:  network,
		chainID:  chainID,
		signer:   true,
		code:     make(map[common.Address][]byte),
		balances: make(map[common.Address]*big.Int),
		handlers: make(map[handlerKey]CallHandler),
		receipts: make(map[common.Hash]*ethtypes.Receipt),
		calls:    make(map[string]int),
	}
}

// WithoutSigner makes CanTransact report false.
func (c *Chain) WithoutSigner() *Chain {
	c.signer = false
	return c
}

func (c *Chain) SetCode(addr common.Address, code []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setCodeLocked(addr, code)
}

func (c *Chain) setCodeLocked(addr common.Address, code []byte) {
	c.code[addr] = common.CopyBytes(code)
}

func (c *Chain) HasCode(addr common.Address) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.code[addr]) > 0
}

func (c *Chain) SetBalance(addr common.Address, bal *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[addr] = new(big.Int).Set(bal)
}

// Balance returns a copy of the native balance of addr.
func (c *Chain) Balance(addr common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balanceLocked(addr)
}

func (c *Chain) balanceLocked(addr common.Address) *big.Int {
	if b, ok := c.balances[addr]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// Handle answers calls to (to, selector). A zero to matches any contract.
func (c *Chain) Handle(to common.Address, selector []byte, h CallHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var key handlerKey
	key.to = to
	copy(key.selector[:], selector)
	c.handlers[key] = h
}

// Calls returns how many times method was invoked.
func (c *Chain) Calls(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[method]
}

// TotalCalls counts every RPC-equivalent invocation.
func (c *Chain) TotalCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, n := range c.calls {
		total += n
	}
	return total
}

// Transactions returns recorded transactions in send order.
func (c *Chain) Transactions() []Tx {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Tx(nil), c.txs...)
}

func (c *Chain) record(method string) {
	c.mu.Lock()
	c.calls[method]++
	c.mu.Unlock()
}

func (c *Chain) Network() types.Network {
	return c.network
}

func (c *Chain) ChainID() int64 {
	return c.chainID
}

func (c *Chain) CodeAt(_ context.Context, account common.Address) ([]byte, error) {
	c.record("CodeAt")
	c.mu.Lock()
	defer c.mu.Unlock()
	return common.CopyBytes(c.code[account]), nil
}

func (c *Chain) BalanceAt(_ context.Context, account common.Address) (*big.Int, error) {
	c.record("BalanceAt")
	return c.Balance(account), nil
}

func (c *Chain) CallContract(_ context.Context, msg ethereum.CallMsg) ([]byte, error) {
	c.record("CallContract")
	if msg.To == nil || len(msg.Data) < 4 {
		return nil, ErrReverted
	}
	var sel [4]byte
	copy(sel[:], msg.Data[:4])

	c.mu.Lock()
	h, ok := c.handlers[handlerKey{to: *msg.To, selector: sel}]
	if !ok {
		h, ok = c.handlers[handlerKey{selector: sel}]
	}
	c.mu.Unlock()
	if !ok {
		return nil, ErrReverted
	}
	return h(msg)
}

func (c *Chain) Transact(_ context.Context, to common.Address, value *big.Int, data []byte) (common.Hash, error) {
	c.record("Transact")
	if !c.signer {
		return common.Hash{}, types.NewError(types.CodeConfigError, "no signing key configured").OnChain(c.chainID)
	}
	if value == nil {
		value = new(big.Int)
	}

	c.mu.Lock()
	n := len(c.txs)
	c.mu.Unlock()

	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(c.chainID))
	binary.BigEndian.PutUint64(buf[8:], uint64(n))
	tx := Tx{Hash: crypto.Keccak256Hash(buf[:], data), To: to, Value: new(big.Int).Set(value), Data: common.CopyBytes(data)}

	status := ethtypes.ReceiptStatusSuccessful
	if c.OnTransact != nil {
		if err := c.OnTransact(c, tx); err != nil {
			if !errors.Is(err, ErrReverted) {
				return common.Hash{}, err
			}
			status = ethtypes.ReceiptStatusFailed
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.txs = append(c.txs, tx)
	c.receipts[tx.Hash] = &ethtypes.Receipt{Status: status, TxHash: tx.Hash, BlockNumber: big.NewInt(int64(n + 1))}
	return tx.Hash, nil
}

func (c *Chain) TransactionReceipt(_ context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	c.record("TransactionReceipt")
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (c *Chain) CanTransact() bool {
	return c.signer
}

func (c *Chain) Close() {}

// Transfer moves native value between accounts, failing with ErrReverted
// when from cannot cover it.
func (c *Chain) Transfer(from, to common.Address, value *big.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transferLocked(c.balances, from, to, value)
}

func (c *Chain) transferLocked(balances map[common.Address]*big.Int, from, to common.Address, value *big.Int) error {
	if value == nil || value.Sign() == 0 {
		return nil
	}
	have := balances[from]
	if have == nil || have.Cmp(value) < 0 {
		return fmt.Errorf("%w: insufficient balance", ErrReverted)
	}
	balances[from] = new(big.Int).Sub(have, value)
	if balances[to] == nil {
		balances[to] = new(big.Int)
	}
	balances[to] = new(big.Int).Add(balances[to], value)
	return nil
}
