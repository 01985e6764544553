// Package payflow deploys Safe smart accounts across EVM chains, installs
// scoped session keys on them and executes ERC-4337 user operations signed
// by owners or session keys, optionally sponsored by a paymaster.
package payflow

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vitwit/payflow/account"
	"github.com/vitwit/payflow/clients"
	"github.com/vitwit/payflow/execution"
	"github.com/vitwit/payflow/logger"
	"github.com/vitwit/payflow/metrics"
	"github.com/vitwit/payflow/paymaster"
	"github.com/vitwit/payflow/policy"
	"github.com/vitwit/payflow/session"
	"github.com/vitwit/payflow/types"
	"github.com/vitwit/payflow/utils"
)

// Payflow wires the chain clients, deployer, session manager, executor and
// paymaster gateway together.
type Payflow struct {
	config    *types.Config
	provider  *clients.Provider
	contracts account.Contracts
	policies  policy.Addresses
	store     session.Store
	gateway   *paymaster.Gateway
	deployer  *account.Deployer
	executor  *execution.Service
	sessions  *session.Manager

	logger   logger.Logger
	metrics  metrics.Recorder
	registry *prometheus.Registry
	timeout  time.Duration

	paymasterOpts []paymaster.Option
}

// New builds a Payflow from cfg. A nil cfg uses defaults. Chains listed in
// cfg are not dialed until Connect.
func New(cfg *types.Config, opts ...Option) (*Payflow, error) {
	if cfg == nil {
		cfg = &types.Config{}
	}
	if cfg.Poll == (types.PollConfig{}) {
		cfg.Poll = types.DefaultPollConfig()
	}
	if err := utils.ValidateStruct(cfg); err != nil {
		return nil, err
	}

	p := &Payflow{
		config:    cfg,
		provider:  clients.NewProvider(),
		contracts: account.DefaultContracts(),
		policies:  policy.DefaultAddresses(),
		timeout:   cfg.DefaultTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.timeout <= 0 {
		p.timeout = 30 * time.Second
	}

	if p.logger == nil {
		if cfg.LogLevel != "" {
			p.logger = logger.NewZapLogger(cfg.LogLevel)
		} else {
			p.logger = logger.NoopLogger{}
		}
	}
	if p.metrics == nil {
		if cfg.EnableMetrics {
			p.registry = prometheus.NewRegistry()
			rec, err := metrics.NewPrometheusRecorder(p.registry)
			if err != nil {
				return nil, fmt.Errorf("register metrics: %w", err)
			}
			p.metrics = rec
		} else {
			p.metrics = metrics.NoopRecorder{}
		}
	}
	if p.store == nil {
		p.store = session.NewMemoryStore()
	}

	gwOpts := append([]paymaster.Option{
		paymaster.WithTimeout(p.timeout),
		paymaster.WithLogger(p.logger),
		paymaster.WithMetrics(p.metrics),
	}, p.paymasterOpts...)
	gateway, err := paymaster.New(cfg.Paymaster, gwOpts...)
	if err != nil {
		return nil, err
	}
	p.gateway = gateway

	p.deployer = account.NewDeployer(p.provider,
		account.WithContracts(p.contracts),
		account.WithPollConfig(cfg.Poll),
		account.WithLogger(p.logger),
		account.WithMetrics(p.metrics),
	)
	p.executor = execution.NewService(p.provider, p.deployer,
		execution.WithSponsor(gateway),
		execution.WithSessionStore(p.store),
		execution.WithPollConfig(cfg.Poll),
		execution.WithLogger(p.logger),
		execution.WithMetrics(p.metrics),
	)
	p.sessions = session.NewManager(p.provider, p.executor, p.store,
		session.WithContracts(p.contracts),
		session.WithPolicyAddresses(p.policies),
		session.WithLogger(p.logger),
		session.WithMetrics(p.metrics),
	)
	return p, nil
}

// NewWithDefaults builds a Payflow with default configuration.
func NewWithDefaults() (*Payflow, error) {
	return New(&types.Config{
		DefaultTimeout: 30 * time.Second,
		LogLevel:       "info",
		Poll:           types.DefaultPollConfig(),
	})
}

// Connect dials every chain listed in the configuration.
func (p *Payflow) Connect(ctx context.Context) error {
	for network, cfg := range p.config.Chains {
		if err := p.AddNetwork(ctx, network, cfg); err != nil {
			return err
		}
	}
	return nil
}

// AddNetwork dials the RPC endpoints and bundler of one chain and registers
// them.
func (p *Payflow) AddNetwork(ctx context.Context, network types.Network, cfg types.ChainConfig) error {
	if cfg.Network == "" {
		cfg.Network = network
	}
	if cfg.Network != network {
		return types.NewError(types.CodeConfigError, "config for %s names network %s", network, cfg.Network)
	}
	if err := utils.ValidateStruct(&cfg); err != nil {
		return fmt.Errorf("chain %s: %w", network, err)
	}
	if id, ok := network.ChainID(); ok && id != cfg.ChainID {
		return types.NewError(types.CodeConfigError, "network %s has chain id %d, config says %d", network, id, cfg.ChainID)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = p.timeout
	}

	client, err := clients.NewEVMClient(ctx, cfg, clients.WithEVMLogger(p.logger))
	if err != nil {
		return fmt.Errorf("failed to create EVM client for %s: %w", network, err)
	}
	bundler, err := clients.NewRPCBundler(ctx, cfg.ChainID, cfg.BundlerURL, cfg.Timeout, p.logger)
	if err != nil {
		client.Close()
		return fmt.Errorf("failed to create bundler for %s: %w", network, err)
	}
	if err := p.provider.Add(client, bundler); err != nil {
		client.Close()
		bundler.Close()
		return err
	}

	p.logger.Info("network added", map[string]any{"network": network.String(), "chain": cfg.ChainID, "rpc_urls": len(cfg.RPCUrls)})
	return nil
}

// AddClient registers an already built chain client and bundler.
func (p *Payflow) AddClient(client clients.ChainClient, bundler clients.Bundler) error {
	return p.provider.Add(client, bundler)
}

// IsNetworkSupported reports whether network has a registered client.
func (p *Payflow) IsNetworkSupported(network types.Network) bool {
	id, ok := network.ChainID()
	return ok && p.provider.Has(id)
}

// DeriveAddress computes the counterfactual account address of owners and
// salt on chainID.
func (p *Payflow) DeriveAddress(ctx context.Context, owners []common.Address, salt string, chainID int64) (common.Address, error) {
	return p.deployer.DeriveAddress(ctx, owners, salt, chainID)
}

// DeployWallet deploys, or with account.WithCounterfactual only derives, the
// account of owners and salt on every chain. Wallets come back in chainIDs
// order; any failing chain fails the call.
func (p *Payflow) DeployWallet(ctx context.Context, owners []common.Address, salt string, chainIDs []int64, opts ...account.DeployOption) ([]types.Wallet, error) {
	return p.deployer.DeployWallet(ctx, owners, salt, chainIDs, opts...)
}

// InstallSessions installs the session module and adds or removes sessions
// in one owner-signed operation.
func (p *Payflow) InstallSessions(ctx context.Context, signer types.Signer, req *session.InstallRequest) (*session.InstallResult, error) {
	return p.sessions.InstallSessions(ctx, signer, req)
}

// SessionID computes the id a session is installed under.
func (p *Payflow) SessionID(s session.Session) (session.ID, error) {
	return p.sessions.SessionID(s)
}

// Execute runs calls as one owner-signed user operation.
func (p *Payflow) Execute(ctx context.Context, signer types.Signer, req *types.ExecutionRequest) (common.Hash, error) {
	return p.executor.Execute(ctx, signer, req)
}

// ExecuteWithSession runs calls as one user operation signed by a session key.
func (p *Payflow) ExecuteWithSession(ctx context.Context, handle session.Handle, req *types.SessionRequest) (common.Hash, error) {
	return p.executor.ExecuteWithSession(ctx, handle, req)
}

// Usage returns what a session has spent so far.
func (p *Payflow) Usage(ctx context.Context, id session.ID) (policy.Ledger, error) {
	return p.executor.Usage(ctx, id)
}

// ResolveSponsorshipPolicies returns the paymaster policy ids tried for chainID.
func (p *Payflow) ResolveSponsorshipPolicies(chainID int64) []string {
	return p.gateway.ResolveSponsorshipPolicies(chainID, types.IsTestnetChain(chainID))
}

func (p *Payflow) Contracts() account.Contracts {
	return p.contracts
}

// Gatherer exposes the metrics registry built for EnableMetrics. It is nil
// when metrics are off or a recorder was supplied.
func (p *Payflow) Gatherer() prometheus.Gatherer {
	if p.registry == nil {
		return nil
	}
	return p.registry
}

// Close closes all client connections
func (p *Payflow) Close() {
	p.provider.Close()
	p.gateway.Close()
}

// Version information
const (
	Version      = "1.0.0"
	EntryPointV7 = "0.7"
)

// GetVersion returns version information
func GetVersion() map[string]interface{} {
	networks := make([]string, 0)
	for _, n := range types.SupportedNetworks() {
		networks = append(networks, n.String())
	}
	return map[string]interface{}{
		"library_version":    Version,
		"account_version":    account.DefaultVersion.String(),
		"entrypoint_version": EntryPointV7,
		"supported_networks": networks,
		"supported_policies": []string{
			"time_frame", "value_limit", "spending_limits", "sudo",
		},
	}
}
