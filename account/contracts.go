package account

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/vitwit/payflow/types"
)

// Contracts is the contract set a smart account is built from. The same
// addresses are deployed on every supported chain.
type Contracts struct {
	ProxyFactory  common.Address `json:"proxyFactory"`
	Singleton     common.Address `json:"singleton"`
	Adapter       common.Address `json:"adapter"`
	Launchpad     common.Address `json:"launchpad"`
	EntryPoint    common.Address `json:"entryPoint"`
	SessionModule common.Address `json:"sessionModule"`
}

// DefaultContracts are Safe v1.4.1 running the Safe7579 adapter against
// EntryPoint v0.7, with smart sessions as the session validator.
func DefaultContracts() Contracts {
	return Contracts{
		ProxyFactory:  common.HexToAddress("0x4e1DCf7AD4e460CfD30791CCC4F9c8a4f820ec67"),
		Singleton:     common.HexToAddress("0x29fcB43b46531BcA003ddC8FCB67FFE91900C762"),
		Adapter:       common.HexToAddress("0x7579EE8307284F293B1927136486880611F20002"),
		Launchpad:     common.HexToAddress("0x7579011aB74c46090561ea277Ba79D510c6C00ff"),
		EntryPoint:    common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032"),
		SessionModule: common.HexToAddress("0x00000000002B0eCfbD0496EE71e01257dA0E37DE"),
	}
}

// DefaultVersion is the account version reported for wallets built from
// DefaultContracts.
var DefaultVersion = types.AccountVersion{Implementation: "1.4.1", Variant: "7579"}

// ERC-7579 module types
const (
	ModuleTypeValidator uint64 = 1
	ModuleTypeExecutor  uint64 = 2
	ModuleTypeFallback  uint64 = 3
	ModuleTypeHook      uint64 = 4
)

const (
	proxyFactoryABI = `[
		{"type":"function","name":"createProxyWithNonce","inputs":[{"name":"_singleton","type":"address"},{"name":"initializer","type":"bytes"},{"name":"saltNonce","type":"uint256"}],"outputs":[{"name":"proxy","type":"address"}]},
		{"type":"function","name":"proxyCreationCode","stateMutability":"pure","inputs":[],"outputs":[{"name":"","type":"bytes"}]}
	]`
	safeABI = `[
		{"type":"function","name":"setup","inputs":[{"name":"_owners","type":"address[]"},{"name":"_threshold","type":"uint256"},{"name":"to","type":"address"},{"name":"data","type":"bytes"},{"name":"fallbackHandler","type":"address"},{"name":"paymentToken","type":"address"},{"name":"payment","type":"uint256"},{"name":"paymentReceiver","type":"address"}],"outputs":[]}
	]`
	launchpadABI = `[
		{"type":"function","name":"addSafe7579","inputs":[
			{"name":"safe7579","type":"address"},
			{"name":"validators","type":"tuple[]","components":[{"name":"module","type":"address"},{"name":"initData","type":"bytes"}]},
			{"name":"executors","type":"tuple[]","components":[{"name":"module","type":"address"},{"name":"initData","type":"bytes"}]},
			{"name":"fallbacks","type":"tuple[]","components":[{"name":"module","type":"address"},{"name":"initData","type":"bytes"}]},
			{"name":"hooks","type":"tuple[]","components":[{"name":"module","type":"address"},{"name":"initData","type":"bytes"}]},
			{"name":"attesters","type":"address[]"},
			{"name":"threshold","type":"uint8"}
		],"outputs":[]}
	]`
	erc7579ABI = `[
		{"type":"function","name":"execute","inputs":[{"name":"mode","type":"bytes32"},{"name":"executionCalldata","type":"bytes"}],"outputs":[]},
		{"type":"function","name":"installModule","inputs":[{"name":"moduleTypeId","type":"uint256"},{"name":"module","type":"address"},{"name":"initData","type":"bytes"}],"outputs":[]},
		{"type":"function","name":"uninstallModule","inputs":[{"name":"moduleTypeId","type":"uint256"},{"name":"module","type":"address"},{"name":"deInitData","type":"bytes"}],"outputs":[]},
		{"type":"function","name":"isModuleInstalled","stateMutability":"view","inputs":[{"name":"moduleTypeId","type":"uint256"},{"name":"module","type":"address"},{"name":"additionalContext","type":"bytes"}],"outputs":[{"name":"","type":"bool"}]}
	]`
	executionsABI = `[
		{"type":"function","name":"executions","inputs":[{"name":"executions","type":"tuple[]","components":[{"name":"target","type":"address"},{"name":"value","type":"uint256"},{"name":"callData","type":"bytes"}]}],"outputs":[]}
	]`
	entryPointABI = `[
		{"type":"function","name":"getNonce","stateMutability":"view","inputs":[{"name":"sender","type":"address"},{"name":"key","type":"uint192"}],"outputs":[{"name":"nonce","type":"uint256"}]}
	]`
)

var (
	ProxyFactoryABI = mustABI(proxyFactoryABI)
	SafeABI         = mustABI(safeABI)
	LaunchpadABI    = mustABI(launchpadABI)
	ERC7579ABI      = mustABI(erc7579ABI)
	EntryPointABI   = mustABI(entryPointABI)

	// batch execution calldata is abi.encode(Execution[])
	executionArgs = mustABI(executionsABI).Methods["executions"].Inputs
)

func mustABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}
