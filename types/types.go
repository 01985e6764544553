package types

import (
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const VersionSeparator = "_"

// AccountVersion identifies the smart-account implementation and the
// variant (entry point generation) it was set up for.
type AccountVersion struct {
	Implementation string
	Variant        string
}

func (v AccountVersion) String() string {
	return v.Implementation + VersionSeparator + v.Variant
}

// ParseAccountVersion splits a version string produced by AccountVersion.String.
func ParseAccountVersion(s string) (AccountVersion, bool) {
	impl, variant, ok := strings.Cut(s, VersionSeparator)
	if !ok || impl == "" || variant == "" {
		return AccountVersion{}, false
	}
	return AccountVersion{Implementation: impl, Variant: variant}, true
}

// Wallet is one chain's smart account of a flow.
type Wallet struct {
	Address  common.Address `json:"address"`
	ChainID  int64          `json:"chainId"`
	Deployed bool           `json:"deployed"`
	Version  string         `json:"version"`
}

// WalletRecord is the shape the backend persists for a flow wallet.
type WalletRecord struct {
	Address      string  `json:"address"`
	Network      int64   `json:"network"`
	Smart        bool    `json:"smart"`
	Safe         bool    `json:"safe"`
	SafeDeployed bool    `json:"safeDeployed"`
	Master       *string `json:"master"`
	Version      string  `json:"version"`
}

// Record converts the wallet into its persisted form. master may be nil.
func (w Wallet) Record(master *common.Address) WalletRecord {
	rec := WalletRecord{
		Address:      w.Address.Hex(),
		Network:      w.ChainID,
		Smart:        true,
		Safe:         true,
		SafeDeployed: w.Deployed,
		Version:      w.Version,
	}
	if master != nil {
		m := master.Hex()
		rec.Master = &m
	}
	return rec
}

// Call is one atomic call inside a user operation.
type Call struct {
	To    common.Address `json:"to"`
	Value *big.Int       `json:"value"`
	Data  []byte         `json:"data"`
}

// Selector returns the first four bytes of the call data, zero for plain
// value transfers.
func (c Call) Selector() [4]byte {
	var sel [4]byte
	if len(c.Data) >= 4 {
		copy(sel[:], c.Data[:4])
	}
	return sel
}

// ValueOrZero never returns nil.
func (c Call) ValueOrZero() *big.Int {
	if c.Value == nil {
		return new(big.Int)
	}
	return c.Value
}

// TotalValue sums the native value of calls.
func TotalValue(calls []Call) *big.Int {
	total := new(big.Int)
	for _, c := range calls {
		total.Add(total, c.ValueOrZero())
	}
	return total
}

// Signer produces secp256k1 signatures over 32-byte digests. Signatures are
// 65 bytes with v in {27, 28}.
type Signer interface {
	Address() common.Address
	SignHash(hash []byte) ([]byte, error)
}

// ExecutionRequest describes an owner-signed user operation.
type ExecutionRequest struct {
	ChainID   int64
	Account   common.Address
	Owners    []common.Address
	Salt      string
	Calls     []Call
	Sponsored bool
	OnStatus  StatusFunc
}

// SessionRequest describes a session-signed user operation.
type SessionRequest struct {
	ChainID   int64
	Account   common.Address
	Calls     []Call
	Sponsored bool
	OnStatus  StatusFunc
}

// ChainConfig configures one chain. RPCUrls are tried in order.
type ChainConfig struct {
	Network    Network       `json:"network" validate:"required"`
	ChainID    int64         `json:"chainId" validate:"required,gt=0"`
	RPCUrls    []string      `json:"rpcUrls" validate:"required,min=1,dive,url"`
	BundlerURL string        `json:"bundlerUrl" validate:"required,url"`
	PrivateKey string        `json:"privateKey,omitempty" validate:"omitempty,hexadecimal"`
	Timeout    time.Duration `json:"timeout,omitempty"`
}

// PaymasterConfig is the sponsorship gateway configuration, set once at
// process start.
type PaymasterConfig struct {
	APIKey           string   `json:"apiKey" envconfig:"API_KEY" validate:"required_if=SponsoredEnabled true"`
	SponsoredEnabled bool     `json:"sponsoredEnabled" envconfig:"SPONSORED_ENABLED"`
	MainnetPolicies  []string `json:"mainnetPolicies" envconfig:"MAINNET_POLICIES"`
	TestnetPolicies  []string `json:"testnetPolicies" envconfig:"TESTNET_POLICIES"`
	URL              string   `json:"url,omitempty" envconfig:"URL" validate:"omitempty,url"`
}

// PollConfig bounds confirmation polling.
type PollConfig struct {
	Interval    time.Duration `json:"interval,omitempty"`
	MaxInterval time.Duration `json:"maxInterval,omitempty"`
	Factor      float64       `json:"factor,omitempty"`
	MaxPolls    int           `json:"maxPolls,omitempty" validate:"gte=0"`
}

// DefaultPollConfig polls every two seconds, up to sixty times.
func DefaultPollConfig() PollConfig {
	return PollConfig{
		Interval:    2 * time.Second,
		MaxInterval: 2 * time.Second,
		Factor:      1,
		MaxPolls:    60,
	}
}

// Config contains global configuration for the payflow library.
type Config struct {
	DefaultTimeout time.Duration           `json:"defaultTimeout,omitempty"`
	LogLevel       string                  `json:"logLevel,omitempty" validate:"omitempty,oneof=debug info warn error"`
	EnableMetrics  bool                    `json:"enableMetrics,omitempty"`
	Chains         map[Network]ChainConfig `json:"chains,omitempty" validate:"dive"`
	Paymaster      PaymasterConfig         `json:"paymaster"`
	Poll           PollConfig              `json:"poll"`
}

// GasPrice holds EIP-1559 fee fields for user operations.
type GasPrice struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// GasEstimate holds bundler gas limits for a user operation.
type GasEstimate struct {
	PreVerificationGas            *big.Int
	VerificationGasLimit          *big.Int
	CallGasLimit                  *big.Int
	PaymasterVerificationGasLimit *big.Int
	PaymasterPostOpGasLimit       *big.Int
}

// UserOperationReceipt is the bundler's view of an included user operation.
type UserOperationReceipt struct {
	UserOpHash      common.Hash
	Success         bool
	Reason          string
	TransactionHash common.Hash
	ActualGasCost   *big.Int
}
