package clients

import (
	"context"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/vitwit/payflow/types"
)

// ChainClient is the read/write capability for one chain. Implementations
// are safe for concurrent use.
type ChainClient interface {
	Network() types.Network
	ChainID() int64
	CodeAt(ctx context.Context, account common.Address) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
	// Transact signs and sends a transaction with the configured key and
	// returns its hash without waiting for inclusion.
	Transact(ctx context.Context, to common.Address, value *big.Int, data []byte) (common.Hash, error)
	// TransactionReceipt returns ethereum.NotFound while pending.
	TransactionReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error)
	// CanTransact reports whether a signing key is configured.
	CanTransact() bool
	Close()
}

// Bundler submits and tracks ERC-4337 user operations for one chain.
type Bundler interface {
	GasPrice(ctx context.Context) (*types.GasPrice, error)
	EstimateUserOperationGas(ctx context.Context, op *types.UserOperation, entryPoint common.Address) (*types.GasEstimate, error)
	SendUserOperation(ctx context.Context, op *types.UserOperation, entryPoint common.Address) (common.Hash, error)
	// GetUserOperationReceipt returns nil without error while the operation is pending.
	GetUserOperationReceipt(ctx context.Context, userOpHash common.Hash) (*types.UserOperationReceipt, error)
	Close()
}
