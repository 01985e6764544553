// Package account derives and deploys the Safe smart accounts backing a flow.
package account

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/vitwit/payflow/clients"
	"github.com/vitwit/payflow/logger"
	"github.com/vitwit/payflow/metrics"
	"github.com/vitwit/payflow/types"
	"github.com/vitwit/payflow/utils"
)

// ClientProvider resolves chain clients by chain id.
type ClientProvider interface {
	Client(chainID int64) (clients.ChainClient, error)
}

type codeHashKey struct {
	chainID int64
	factory common.Address
}

// Deployer computes and deploys smart accounts.
type Deployer struct {
	clients   ClientProvider
	contracts Contracts
	version   types.AccountVersion
	threshold uint64
	poll      types.PollConfig
	logger    logger.Logger
	metrics   metrics.Recorder

	// proxy init code hash per (chain, factory); the factory bytecode never changes
	codeHashes *lru.Cache[codeHashKey, common.Hash]
}

type Option func(*Deployer)

func WithContracts(c Contracts) Option {
	return func(d *Deployer) { d.contracts = c }
}

func WithVersion(v types.AccountVersion) Option {
	return func(d *Deployer) { d.version = v }
}

// WithThreshold sets the owner signature threshold. Defaults to 1.
func WithThreshold(n uint64) Option {
	return func(d *Deployer) { d.threshold = n }
}

func WithPollConfig(p types.PollConfig) Option {
	return func(d *Deployer) { d.poll = p }
}

func WithLogger(l logger.Logger) Option {
	return func(d *Deployer) { d.logger = logger.OrNoop(l) }
}

func WithMetrics(m metrics.Recorder) Option {
	return func(d *Deployer) { d.metrics = metrics.OrNoop(m) }
}

func NewDeployer(provider ClientProvider, opts ...Option) *Deployer {
	cache, _ := lru.New[codeHashKey, common.Hash](128)
	d := &Deployer{
		clients:    provider,
		contracts:  DefaultContracts(),
		version:    DefaultVersion,
		threshold:  1,
		poll:       types.DefaultPollConfig(),
		logger:     logger.NoopLogger{},
		metrics:    metrics.NoopRecorder{},
		codeHashes: cache,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Deployer) Contracts() Contracts {
	return d.contracts
}

func (d *Deployer) Version() types.AccountVersion {
	return d.version
}

func (d *Deployer) validateOwners(owners []common.Address) error {
	if err := utils.ValidateOwners(owners); err != nil {
		return err
	}
	if d.threshold == 0 || d.threshold > uint64(len(owners)) {
		return types.NewError(types.CodeInvalidOwnerSet, "threshold %d out of range for %d owners", d.threshold, len(owners))
	}
	return nil
}

// ComputeAddress is the CREATE2 address of a proxy deployed by factory with
// the given initializer and salt nonce. initCodeHash is
// keccak256(proxyCreationCode ++ uint256(singleton)).
func ComputeAddress(factory common.Address, initCodeHash common.Hash, initializer []byte, saltNonce *big.Int) common.Address {
	salt := crypto.Keccak256Hash(
		crypto.Keccak256(initializer),
		common.LeftPadBytes(saltNonce.Bytes(), 32),
	)
	return crypto.CreateAddress2(factory, salt, initCodeHash.Bytes())
}

// ProxyInitCodeHash hashes the proxy creation code with its constructor argument.
func ProxyInitCodeHash(creationCode []byte, singleton common.Address) common.Hash {
	return crypto.Keccak256Hash(creationCode, common.LeftPadBytes(singleton.Bytes(), 32))
}

func (d *Deployer) initCodeHash(ctx context.Context, client clients.ChainClient) (common.Hash, error) {
	key := codeHashKey{chainID: client.ChainID(), factory: d.contracts.ProxyFactory}
	if h, ok := d.codeHashes.Get(key); ok {
		return h, nil
	}

	data, err := ProxyFactoryABI.Pack("proxyCreationCode")
	if err != nil {
		return common.Hash{}, err
	}
	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &d.contracts.ProxyFactory, Data: data})
	if err != nil {
		return common.Hash{}, fmt.Errorf("read proxy creation code: %w", err)
	}
	res, err := ProxyFactoryABI.Unpack("proxyCreationCode", out)
	if err != nil {
		return common.Hash{}, fmt.Errorf("decode proxy creation code: %w", err)
	}
	code, _ := res[0].([]byte)
	if len(code) == 0 {
		return common.Hash{}, fmt.Errorf("factory %s returned empty creation code", d.contracts.ProxyFactory.Hex())
	}

	h := ProxyInitCodeHash(code, d.contracts.Singleton)
	d.codeHashes.Add(key, h)
	return h, nil
}

// DeriveAddress computes the account address for owners and salt on
// chainID. The only I/O is the first read of the factory's creation code
// per chain.
func (d *Deployer) DeriveAddress(ctx context.Context, owners []common.Address, salt string, chainID int64) (common.Address, error) {
	if err := d.validateOwners(owners); err != nil {
		return common.Address{}, err
	}
	client, err := d.clients.Client(chainID)
	if err != nil {
		return common.Address{}, err
	}
	return d.derive(ctx, client, owners, salt)
}

func (d *Deployer) derive(ctx context.Context, client clients.ChainClient, owners []common.Address, salt string) (common.Address, error) {
	codeHash, err := d.initCodeHash(ctx, client)
	if err != nil {
		return common.Address{}, err
	}
	initializer, err := d.contracts.Initializer(owners, d.threshold)
	if err != nil {
		return common.Address{}, err
	}
	addr := ComputeAddress(d.contracts.ProxyFactory, codeHash, initializer, SaltNonce(salt))
	d.metrics.IncCounter(metrics.EventWalletDerived, chainLabel(client.ChainID()))
	return addr, nil
}

// InitCode returns the factory and factory data that deploy the account
// for owners and salt as part of its first user operation.
func (d *Deployer) InitCode(owners []common.Address, salt string) (common.Address, []byte, error) {
	if err := d.validateOwners(owners); err != nil {
		return common.Address{}, nil, err
	}
	initializer, err := d.contracts.Initializer(owners, d.threshold)
	if err != nil {
		return common.Address{}, nil, err
	}
	data, err := d.contracts.CreateProxyCalldata(initializer, SaltNonce(salt))
	if err != nil {
		return common.Address{}, nil, err
	}
	return d.contracts.ProxyFactory, data, nil
}

// IsDeployed reports whether account has code on client's chain.
func IsDeployed(ctx context.Context, client clients.ChainClient, account common.Address) (bool, error) {
	code, err := client.CodeAt(ctx, account)
	if err != nil {
		return false, err
	}
	return len(code) > 0, nil
}

type deployOptions struct {
	counterfactual bool
}

type DeployOption func(*deployOptions)

// WithCounterfactual skips the creation transaction. Wallets come back with
// deployed=false unless they already exist, and the first user operation
// deploys them.
func WithCounterfactual() DeployOption {
	return func(o *deployOptions) { o.counterfactual = true }
}

// DeployWallet derives and, where missing, deploys the account on every
// chain in chainIDs. Input is validated and every chain's client resolved
// before any chain starts. Chains run concurrently and all of them settle
// before the outcome is decided: any failure fails the whole call with the
// per-chain errors combined. Wallets are returned in input order.
func (d *Deployer) DeployWallet(ctx context.Context, owners []common.Address, salt string, chainIDs []int64, opts ...DeployOption) ([]types.Wallet, error) {
	var o deployOptions
	for _, opt := range opts {
		opt(&o)
	}

	if err := d.validateOwners(owners); err != nil {
		return nil, err
	}
	if len(chainIDs) == 0 {
		return nil, types.NewError(types.CodeInvalidRequest, "no chains requested")
	}

	chainClients := make([]clients.ChainClient, len(chainIDs))
	seen := make(map[int64]struct{}, len(chainIDs))
	for i, id := range chainIDs {
		if _, dup := seen[id]; dup {
			return nil, types.NewError(types.CodeInvalidRequest, "chain %d requested twice", id)
		}
		seen[id] = struct{}{}

		client, err := d.clients.Client(id)
		if err != nil {
			return nil, err
		}
		if !o.counterfactual && !client.CanTransact() {
			return nil, types.NewError(types.CodeConfigError, "no signing key to deploy with").OnChain(id)
		}
		chainClients[i] = client
	}

	start := time.Now()
	wallets := make([]types.Wallet, len(chainIDs))
	errs := make([]error, len(chainIDs))

	var g errgroup.Group
	for i, client := range chainClients {
		g.Go(func() error {
			w, err := d.deployOne(ctx, client, owners, salt, o.counterfactual)
			d.metrics.ObserveLatency(metrics.OpDeployWallet, time.Since(start), chainLabel(client.ChainID()))
			if err != nil {
				errs[i] = err
				d.metrics.IncCounter(metrics.EventDeployFailed, chainLabel(client.ChainID()))
				return nil
			}
			wallets[i] = w
			return nil
		})
	}
	_ = g.Wait()

	if err := multierr.Combine(errs...); err != nil {
		d.logger.Error("wallet deployment failed", map[string]any{"chains": chainIDs, "error": err})
		return nil, err
	}
	return wallets, nil
}

func (d *Deployer) deployOne(ctx context.Context, client clients.ChainClient, owners []common.Address, salt string, counterfactual bool) (types.Wallet, error) {
	chainID := client.ChainID()
	log := d.logger.With(map[string]any{"chain": chainID})

	addr, err := d.derive(ctx, client, owners, salt)
	if err != nil {
		return types.Wallet{}, deploymentError(chainID, err, "derive address")
	}
	wallet := types.Wallet{Address: addr, ChainID: chainID, Version: d.version.String()}

	deployed, err := IsDeployed(ctx, client, addr)
	if err != nil {
		return types.Wallet{}, deploymentError(chainID, err, "check deployment of %s", addr.Hex())
	}
	if deployed {
		wallet.Deployed = true
		d.metrics.IncCounter(metrics.EventWalletExisting, chainLabel(chainID))
		log.Debug("account already deployed", map[string]any{"account": addr.Hex()})
		return wallet, nil
	}
	if counterfactual {
		return wallet, nil
	}

	_, factoryData, err := d.InitCode(owners, salt)
	if err != nil {
		return types.Wallet{}, deploymentError(chainID, err, "encode deployment")
	}
	txHash, err := client.Transact(ctx, d.contracts.ProxyFactory, nil, factoryData)
	if err != nil {
		return types.Wallet{}, deploymentError(chainID, err, "send deployment")
	}
	log.Info("deployment sent", map[string]any{"account": addr.Hex(), "tx_hash": txHash.Hex()})

	receipt, err := clients.WaitMined(ctx, client, txHash, d.poll)
	if err != nil {
		return types.Wallet{}, deploymentError(chainID, err, "wait for %s", txHash.Hex())
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return types.Wallet{}, deploymentError(chainID, nil, "deployment %s reverted", txHash.Hex())
	}
	if ok, err := IsDeployed(ctx, client, addr); err != nil || !ok {
		return types.Wallet{}, deploymentError(chainID, err, "no code at %s after deployment", addr.Hex())
	}

	wallet.Deployed = true
	d.metrics.IncCounter(metrics.EventWalletDeployed, chainLabel(chainID))
	log.Info("account deployed", map[string]any{"account": addr.Hex(), "tx_hash": txHash.Hex()})
	return wallet, nil
}

func deploymentError(chainID int64, cause error, format string, args ...any) error {
	var perr *types.Error
	if errors.As(cause, &perr) && perr.Code == types.CodeDeploymentFailed {
		return cause
	}
	return types.WrapError(types.CodeDeploymentFailed, cause, format, args...).OnChain(chainID)
}

func chainLabel(chainID int64) map[string]string {
	return map[string]string{"chain": strconv.FormatInt(chainID, 10)}
}
