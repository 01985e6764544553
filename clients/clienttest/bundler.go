package clienttest

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/vitwit/payflow/clients"
	"github.com/vitwit/payflow/types"
)

var _ clients.Bundler = (*Bundler)(nil)

// Bundler is an in-memory ERC-4337 bundler. Accepted operations execute
// immediately against the backing Chain: every call applies or none does.
type Bundler struct {
	mu    sync.Mutex
	chain *Chain

	Price       types.GasPrice
	Estimate    types.GasEstimate
	EstimateErr error
	SendErr     error

	// Decode turns user operation call data into calls. Without it accepted
	// operations succeed without touching balances.
	Decode func(callData []byte) ([]types.Call, error)
	// Apply runs once the native value of every decoded call moved. It must
	// apply the calls' other effects all-or-nothing, keep them only when
	// commit is set and must not call back into the Chain.
	Apply func(sender common.Address, calls []types.Call, commit bool) error
	// CheckSignature runs on submission; an error rejects the operation.
	CheckSignature func(op *types.UserOperation, entryPoint common.Address) error
	// PendingPolls is how many receipt polls answer "pending" first.
	PendingPolls int

	ops      []*types.UserOperation
	receipts map[common.Hash]*types.UserOperationReceipt
	polls    map[common.Hash]int
	calls    map[string]int
}

// NewBundler returns a bundler executing against chain with generous gas
// limits and a 1 gwei fee.
func NewBundler(chain *Chain) *Bundler {
	return &Bundler{
		chain: chain,
		Price: types.GasPrice{
			MaxFeePerGas:         big.NewInt(1_000_000_000),
			MaxPriorityFeePerGas: big.NewInt(100_000_000),
		},
		Estimate: types.GasEstimate{
			PreVerificationGas:   big.NewInt(60_000),
			VerificationGasLimit: big.NewInt(500_000),
			CallGasLimit:         big.NewInt(200_000),
		},
		receipts: make(map[common.Hash]*types.UserOperationReceipt),
		polls:    make(map[common.Hash]int),
		calls:    make(map[string]int),
	}
}

func (b *Bundler) record(method string) {
	b.mu.Lock()
	b.calls[method]++
	b.mu.Unlock()
}

func (b *Bundler) Calls(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[method]
}

func (b *Bundler) TotalCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, n := range b.calls {
		total += n
	}
	return total
}

// Operations returns accepted operations in submission order.
func (b *Bundler) Operations() []*types.UserOperation {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*types.UserOperation(nil), b.ops...)
}

func (b *Bundler) GasPrice(context.Context) (*types.GasPrice, error) {
	b.record("GasPrice")
	p := b.Price
	return &p, nil
}

// EstimateUserOperationGas simulates op's calls without committing them
// when Decode is set; a failing call fails the estimate.
func (b *Bundler) EstimateUserOperationGas(_ context.Context, op *types.UserOperation, _ common.Address) (*types.GasEstimate, error) {
	b.record("EstimateUserOperationGas")
	if b.EstimateErr != nil {
		return nil, b.EstimateErr
	}
	if b.Decode != nil {
		if err := b.execute(op, false); err != nil {
			return nil, fmt.Errorf("UserOperation reverted during simulation with reason: %w", err)
		}
	}
	e := b.Estimate
	return &e, nil
}

func (b *Bundler) SendUserOperation(_ context.Context, op *types.UserOperation, entryPoint common.Address) (common.Hash, error) {
	b.record("SendUserOperation")
	if b.SendErr != nil {
		return common.Hash{}, b.SendErr
	}
	if b.CheckSignature != nil {
		if err := b.CheckSignature(op, entryPoint); err != nil {
			return common.Hash{}, fmt.Errorf("AA24 signature error: %w", err)
		}
	}
	hash, err := op.Hash(entryPoint, big.NewInt(b.chain.ChainID()))
	if err != nil {
		return common.Hash{}, err
	}

	receipt := &types.UserOperationReceipt{
		UserOpHash:      hash,
		Success:         true,
		TransactionHash: crypto.Keccak256Hash(hash.Bytes()),
		ActualGasCost:   new(big.Int),
	}
	if err := b.execute(op, true); err != nil {
		receipt.Success = false
		receipt.Reason = err.Error()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.ops = append(b.ops, op.Copy())
	b.receipts[hash] = receipt
	return hash, nil
}

// execute applies every call of op against a copy of the chain balances and
// commits when all of them succeed and commit is set. Committed operations
// carrying init code leave code at the sender.
func (b *Bundler) execute(op *types.UserOperation, commit bool) error {
	var decoded []types.Call
	if b.Decode != nil {
		var err error
		if decoded, err = b.Decode(op.CallData); err != nil {
			return err
		}
	}

	c := b.chain
	c.mu.Lock()
	defer c.mu.Unlock()

	balances := make(map[common.Address]*big.Int, len(c.balances))
	for k, v := range c.balances {
		balances[k] = new(big.Int).Set(v)
	}
	for _, call := range decoded {
		if err := c.transferLocked(balances, op.Sender, call.To, call.Value); err != nil {
			return err
		}
	}
	if b.Apply != nil {
		if err := b.Apply(op.Sender, decoded, commit); err != nil {
			return err
		}
	}
	if !commit {
		return nil
	}

	c.balances = balances
	if op.Factory != nil && len(c.code[op.Sender]) == 0 {
		c.setCodeLocked(op.Sender, []byte{0x60, 0x80, 0x60, 0x40})
	}
	return nil
}

func (b *Bundler) GetUserOperationReceipt(_ context.Context, userOpHash common.Hash) (*types.UserOperationReceipt, error) {
	b.record("GetUserOperationReceipt")
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.receipts[userOpHash]
	if !ok {
		return nil, nil
	}
	if b.polls[userOpHash] < b.PendingPolls {
		b.polls[userOpHash]++
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (b *Bundler) Close() {}
