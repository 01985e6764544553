package clients

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/multierr"

	"github.com/vitwit/payflow/logger"
	"github.com/vitwit/payflow/types"
	"github.com/vitwit/payflow/utils"
)

var _ ChainClient = (*EVMClient)(nil)

const defaultCallTimeout = 30 * time.Second

// EVMClient talks to one chain through an ordered list of RPC endpoints.
// Every call starts at the primary endpoint and falls back to the next one
// on transport failure; JSON-RPC errors returned by a live endpoint are final.
type EVMClient struct {
	network types.Network
	chainID int64
	urls    []string
	clients []*ethclient.Client
	key     *ecdsa.PrivateKey
	timeout time.Duration
	logger  logger.Logger

	// serializes nonce assignment for the signing key
	txMu sync.Mutex
}

type EVMOption func(*EVMClient)

func WithEVMLogger(l logger.Logger) EVMOption {
	return func(c *EVMClient) {
		c.logger = logger.OrNoop(l)
	}
}

// WithSigningKey sets the key used by Transact, overriding ChainConfig.PrivateKey.
func WithSigningKey(key *ecdsa.PrivateKey) EVMOption {
	return func(c *EVMClient) {
		c.key = key
	}
}

// NewEVMClient dials every configured endpoint and checks that the chain
// answers with the configured chain id.
func NewEVMClient(ctx context.Context, cfg types.ChainConfig, opts ...EVMOption) (*EVMClient, error) {
	if len(cfg.RPCUrls) == 0 {
		return nil, types.NewError(types.CodeConfigError, "no rpc urls for %s", cfg.Network)
	}

	c := &EVMClient{
		network: cfg.Network,
		chainID: cfg.ChainID,
		timeout: cfg.Timeout,
		logger:  logger.NoopLogger{},
	}
	if c.timeout <= 0 {
		c.timeout = defaultCallTimeout
	}
	if cfg.PrivateKey != "" {
		key, err := utils.PrivateKeyFromHex(cfg.PrivateKey)
		if err != nil {
			return nil, types.WrapError(types.CodeConfigError, err, "invalid private key for %s", cfg.Network)
		}
		c.key = key
	}
	for _, opt := range opts {
		opt(c)
	}

	for _, url := range cfg.RPCUrls {
		ec, err := ethclient.DialContext(ctx, url)
		if err != nil {
			c.logger.Warn("failed to dial rpc endpoint", map[string]any{"chain": c.chainID, "url": url, "error": err})
			continue
		}
		c.urls = append(c.urls, url)
		c.clients = append(c.clients, ec)
	}
	if len(c.clients) == 0 {
		return nil, types.NewError(types.CodeNetworkError, "failed to connect to any rpc endpoint for %s", cfg.Network).OnChain(cfg.ChainID)
	}

	remote, err := try(ctx, c, "eth_chainId", func(ctx context.Context, ec *ethclient.Client) (*big.Int, error) {
		return ec.ChainID(ctx)
	})
	if err != nil {
		c.Close()
		return nil, err
	}
	if remote.Int64() != cfg.ChainID {
		c.Close()
		return nil, types.NewError(types.CodeConfigError, "rpc for %s reports chain id %s, expected %d",
			cfg.Network, remote, cfg.ChainID)
	}

	return c, nil
}

// try runs fn against each endpoint in order until one succeeds.
func try[T any](ctx context.Context, c *EVMClient, method string, fn func(context.Context, *ethclient.Client) (T, error)) (T, error) {
	var (
		zero T
		errs error
	)
	for i, ec := range c.clients {
		cctx, cancel := context.WithTimeout(ctx, c.timeout)
		out, err := fn(cctx, ec)
		cancel()
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if errors.Is(err, ethereum.NotFound) || isServerError(err) {
			return zero, fmt.Errorf("%s: %w", method, err)
		}
		c.logger.Warn("rpc endpoint failed, falling back", map[string]any{
			"chain":  c.chainID,
			"method": method,
			"url":    c.urls[i],
			"error":  err,
		})
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", c.urls[i], err))
	}
	return zero, types.WrapError(types.CodeNetworkError, errs, "%s failed on every endpoint", method).OnChain(c.chainID)
}

func (c *EVMClient) Network() types.Network {
	return c.network
}

func (c *EVMClient) ChainID() int64 {
	return c.chainID
}

func (c *EVMClient) CodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	return try(ctx, c, "eth_getCode", func(ctx context.Context, ec *ethclient.Client) ([]byte, error) {
		return ec.CodeAt(ctx, account, nil)
	})
}

func (c *EVMClient) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	return try(ctx, c, "eth_getBalance", func(ctx context.Context, ec *ethclient.Client) (*big.Int, error) {
		return ec.BalanceAt(ctx, account, nil)
	})
}

func (c *EVMClient) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	return try(ctx, c, "eth_call", func(ctx context.Context, ec *ethclient.Client) ([]byte, error) {
		return ec.CallContract(ctx, msg, nil)
	})
}

func (c *EVMClient) TransactionReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	return try(ctx, c, "eth_getTransactionReceipt", func(ctx context.Context, ec *ethclient.Client) (*ethtypes.Receipt, error) {
		return ec.TransactionReceipt(ctx, hash)
	})
}

func (c *EVMClient) CanTransact() bool {
	return c.key != nil
}

// Sender returns the address of the signing key, zero when none is set.
func (c *EVMClient) Sender() common.Address {
	if c.key == nil {
		return common.Address{}
	}
	return crypto.PubkeyToAddress(c.key.PublicKey)
}

// Transact builds an EIP-1559 transaction from the signing key, signs it and
// broadcasts it.
func (c *EVMClient) Transact(ctx context.Context, to common.Address, value *big.Int, data []byte) (common.Hash, error) {
	if c.key == nil {
		return common.Hash{}, types.NewError(types.CodeConfigError, "no signing key configured").OnChain(c.chainID)
	}
	if value == nil {
		value = new(big.Int)
	}

	c.txMu.Lock()
	defer c.txMu.Unlock()

	from := c.Sender()
	nonce, err := try(ctx, c, "eth_getTransactionCount", func(ctx context.Context, ec *ethclient.Client) (uint64, error) {
		return ec.PendingNonceAt(ctx, from)
	})
	if err != nil {
		return common.Hash{}, err
	}
	tip, err := try(ctx, c, "eth_maxPriorityFeePerGas", func(ctx context.Context, ec *ethclient.Client) (*big.Int, error) {
		return ec.SuggestGasTipCap(ctx)
	})
	if err != nil {
		return common.Hash{}, err
	}
	head, err := try(ctx, c, "eth_getBlockByNumber", func(ctx context.Context, ec *ethclient.Client) (*ethtypes.Header, error) {
		return ec.HeaderByNumber(ctx, nil)
	})
	if err != nil {
		return common.Hash{}, err
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	gas, err := try(ctx, c, "eth_estimateGas", func(ctx context.Context, ec *ethclient.Client) (uint64, error) {
		return ec.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Value: value, Data: data})
	})
	if err != nil {
		return common.Hash{}, err
	}

	chainID := big.NewInt(c.chainID)
	tx := ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas + gas/5,
		To:        &to,
		Value:     value,
		Data:      data,
	})
	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(chainID), c.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if _, err := try(ctx, c, "eth_sendRawTransaction", func(ctx context.Context, ec *ethclient.Client) (struct{}, error) {
		return struct{}{}, ec.SendTransaction(ctx, signed)
	}); err != nil {
		return common.Hash{}, err
	}

	c.logger.Info("transaction sent", map[string]any{
		"chain":   c.chainID,
		"tx_hash": signed.Hash().Hex(),
		"to":      to.Hex(),
		"nonce":   nonce,
	})
	return signed.Hash(), nil
}

func (c *EVMClient) Close() {
	for _, ec := range c.clients {
		ec.Close()
	}
}
