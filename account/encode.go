package account

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/vitwit/payflow/types"
)

// ERC-7579 execution modes: call type in the first byte, exec type in the
// second. Default exec type reverts the whole execution on any failure.
var (
	ModeSingle = [32]byte{0x00}
	ModeBatch  = [32]byte{0x01}
)

// ModuleInit is a module and its install data.
type ModuleInit struct {
	Module   common.Address `abi:"module"`
	InitData []byte         `abi:"initData"`
}

type execution struct {
	Target   common.Address `abi:"target"`
	Value    *big.Int       `abi:"value"`
	CallData []byte         `abi:"callData"`
}

// SaltNonce turns a flow salt into the factory's uint256 salt nonce.
func SaltNonce(salt string) *big.Int {
	return new(big.Int).SetBytes(crypto.Keccak256([]byte(salt)))
}

// Initializer encodes the Safe setup call. Setup delegatecalls the
// launchpad, which enables the adapter as module and initializes it; the
// adapter is also the fallback handler so ERC-7579 calls reach it.
func (c Contracts) Initializer(owners []common.Address, threshold uint64) ([]byte, error) {
	none := []ModuleInit{}
	add7579, err := LaunchpadABI.Pack("addSafe7579", c.Adapter, none, none, none, none, []common.Address{}, uint8(0))
	if err != nil {
		return nil, err
	}
	return SafeABI.Pack("setup",
		owners,
		new(big.Int).SetUint64(threshold),
		c.Launchpad,
		add7579,
		c.Adapter,
		common.Address{},
		new(big.Int),
		common.Address{},
	)
}

// CreateProxyCalldata encodes createProxyWithNonce for the factory.
func (c Contracts) CreateProxyCalldata(initializer []byte, saltNonce *big.Int) ([]byte, error) {
	return ProxyFactoryABI.Pack("createProxyWithNonce", c.Singleton, initializer, saltNonce)
}

// InstallModuleCall is a call from the account to itself installing module.
func InstallModuleCall(account common.Address, moduleType uint64, module common.Address, initData []byte) (types.Call, error) {
	data, err := ERC7579ABI.Pack("installModule", new(big.Int).SetUint64(moduleType), module, nonNil(initData))
	if err != nil {
		return types.Call{}, err
	}
	return types.Call{To: account, Value: new(big.Int), Data: data}, nil
}

// EncodeCalls builds user operation call data as an ERC-7579 execute. A
// single call uses single mode with target ++ value ++ data packed; batches
// use batch mode and run atomically.
func (c Contracts) EncodeCalls(calls []types.Call) ([]byte, error) {
	switch len(calls) {
	case 0:
		return nil, types.NewError(types.CodeInvalidRequest, "at least one call is required")
	case 1:
		call := calls[0]
		packed := make([]byte, 0, 52+len(call.Data))
		packed = append(packed, call.To.Bytes()...)
		packed = append(packed, common.LeftPadBytes(call.ValueOrZero().Bytes(), 32)...)
		packed = append(packed, call.Data...)
		return ERC7579ABI.Pack("execute", ModeSingle, packed)
	default:
		execs := make([]execution, 0, len(calls))
		for _, call := range calls {
			execs = append(execs, execution{Target: call.To, Value: call.ValueOrZero(), CallData: nonNil(call.Data)})
		}
		batch, err := executionArgs.Pack(execs)
		if err != nil {
			return nil, err
		}
		return ERC7579ABI.Pack("execute", ModeBatch, batch)
	}
}

// DecodeCalls recovers the calls encoded by EncodeCalls.
func (c Contracts) DecodeCalls(callData []byte) ([]types.Call, error) {
	method, err := ERC7579ABI.MethodById(callData)
	if err != nil {
		return nil, err
	}
	if method.Name != "execute" {
		return nil, fmt.Errorf("call data is %s, not execute", method.Name)
	}
	args, err := method.Inputs.Unpack(callData[4:])
	if err != nil {
		return nil, err
	}
	mode := args[0].([32]byte)
	data := args[1].([]byte)
	if mode[1] != 0x00 {
		return nil, fmt.Errorf("unsupported exec type %#x", mode[1])
	}

	switch mode[0] {
	case ModeSingle[0]:
		if len(data) < 52 {
			return nil, fmt.Errorf("single execution truncated")
		}
		return []types.Call{{
			To:    common.BytesToAddress(data[:20]),
			Value: new(big.Int).SetBytes(data[20:52]),
			Data:  common.CopyBytes(data[52:]),
		}}, nil
	case ModeBatch[0]:
		out, err := executionArgs.Unpack(data)
		if err != nil {
			return nil, err
		}
		execs := *abi.ConvertType(out[0], new([]execution)).(*[]execution)
		calls := make([]types.Call, 0, len(execs))
		for _, e := range execs {
			calls = append(calls, types.Call{To: e.Target, Value: e.Value, Data: e.CallData})
		}
		return calls, nil
	default:
		return nil, fmt.Errorf("unsupported call type %#x", mode[0])
	}
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
