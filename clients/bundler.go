package clients

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/vitwit/payflow/logger"
	"github.com/vitwit/payflow/types"
)

var _ Bundler = (*RPCBundler)(nil)

// RPCBundler speaks the ERC-4337 bundler JSON-RPC API.
type RPCBundler struct {
	chainID int64
	url     string
	rpc     *rpc.Client
	timeout time.Duration
	logger  logger.Logger
}

// NewRPCBundler dials a bundler endpoint for chainID.
func NewRPCBundler(ctx context.Context, chainID int64, url string, timeout time.Duration, l logger.Logger) (*RPCBundler, error) {
	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, types.WrapError(types.CodeNetworkError, err, "failed to dial bundler").OnChain(chainID)
	}
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &RPCBundler{
		chainID: chainID,
		url:     url,
		rpc:     client,
		timeout: timeout,
		logger:  logger.OrNoop(l),
	}, nil
}

func (b *RPCBundler) call(ctx context.Context, result any, method string, args ...any) error {
	cctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	err := b.rpc.CallContext(cctx, result, method, args...)
	if err != nil {
		b.logger.Debug("bundler call failed", map[string]any{"chain": b.chainID, "method": method, "error": err})
	}
	return err
}

type gasPriceTier struct {
	MaxFeePerGas         *hexutil.Big `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big `json:"maxPriorityFeePerGas"`
}

// GasPrice asks for the bundler's "fast" tier, falling back to the node's
// fee suggestion when the bundler has no gas price extension.
func (b *RPCBundler) GasPrice(ctx context.Context) (*types.GasPrice, error) {
	var tiers struct {
		Fast gasPriceTier `json:"fast"`
	}
	err := b.call(ctx, &tiers, "pimlico_getUserOperationGasPrice")
	if err == nil && tiers.Fast.MaxFeePerGas != nil && tiers.Fast.MaxPriorityFeePerGas != nil {
		return &types.GasPrice{
			MaxFeePerGas:         tiers.Fast.MaxFeePerGas.ToInt(),
			MaxPriorityFeePerGas: tiers.Fast.MaxPriorityFeePerGas.ToInt(),
		}, nil
	}

	var gasPrice, tip hexutil.Big
	if err := b.call(ctx, &gasPrice, "eth_gasPrice"); err != nil {
		return nil, types.WrapError(types.CodeNetworkError, err, "failed to fetch gas price").OnChain(b.chainID)
	}
	if err := b.call(ctx, &tip, "eth_maxPriorityFeePerGas"); err != nil {
		return nil, types.WrapError(types.CodeNetworkError, err, "failed to fetch priority fee").OnChain(b.chainID)
	}
	return &types.GasPrice{
		MaxFeePerGas:         new(big.Int).Set(gasPrice.ToInt()),
		MaxPriorityFeePerGas: new(big.Int).Set(tip.ToInt()),
	}, nil
}

type gasEstimateJSON struct {
	PreVerificationGas            *hexutil.Big `json:"preVerificationGas"`
	VerificationGasLimit          *hexutil.Big `json:"verificationGasLimit"`
	CallGasLimit                  *hexutil.Big `json:"callGasLimit"`
	PaymasterVerificationGasLimit *hexutil.Big `json:"paymasterVerificationGasLimit"`
	PaymasterPostOpGasLimit       *hexutil.Big `json:"paymasterPostOpGasLimit"`
}

func (b *RPCBundler) EstimateUserOperationGas(ctx context.Context, op *types.UserOperation, entryPoint common.Address) (*types.GasEstimate, error) {
	var res gasEstimateJSON
	if err := b.call(ctx, &res, "eth_estimateUserOperationGas", op, entryPoint); err != nil {
		return nil, err
	}
	return &types.GasEstimate{
		PreVerificationGas:            bigOrNil(res.PreVerificationGas),
		VerificationGasLimit:          bigOrNil(res.VerificationGasLimit),
		CallGasLimit:                  bigOrNil(res.CallGasLimit),
		PaymasterVerificationGasLimit: bigOrNil(res.PaymasterVerificationGasLimit),
		PaymasterPostOpGasLimit:       bigOrNil(res.PaymasterPostOpGasLimit),
	}, nil
}

func (b *RPCBundler) SendUserOperation(ctx context.Context, op *types.UserOperation, entryPoint common.Address) (common.Hash, error) {
	var hash common.Hash
	if err := b.call(ctx, &hash, "eth_sendUserOperation", op, entryPoint); err != nil {
		return common.Hash{}, err
	}
	return hash, nil
}

type userOpReceiptJSON struct {
	UserOpHash    common.Hash  `json:"userOpHash"`
	Success       bool         `json:"success"`
	Reason        string       `json:"reason"`
	ActualGasCost *hexutil.Big `json:"actualGasCost"`
	Receipt       struct {
		TransactionHash common.Hash `json:"transactionHash"`
	} `json:"receipt"`
}

func (b *RPCBundler) GetUserOperationReceipt(ctx context.Context, userOpHash common.Hash) (*types.UserOperationReceipt, error) {
	var res *userOpReceiptJSON
	if err := b.call(ctx, &res, "eth_getUserOperationReceipt", userOpHash); err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	return &types.UserOperationReceipt{
		UserOpHash:      res.UserOpHash,
		Success:         res.Success,
		Reason:          res.Reason,
		TransactionHash: res.Receipt.TransactionHash,
		ActualGasCost:   bigOrNil(res.ActualGasCost),
	}, nil
}

// RPC exposes the underlying client for gateway calls that share the endpoint.
func (b *RPCBundler) RPC() *rpc.Client {
	return b.rpc
}

func (b *RPCBundler) Close() {
	b.rpc.Close()
}

func bigOrNil(n *hexutil.Big) *big.Int {
	if n == nil {
		return nil
	}
	return n.ToInt()
}
