package types

import (
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// UserOperation is an ERC-4337 v0.7 user operation in its unpacked RPC form.
type UserOperation struct {
	Sender                        common.Address
	Nonce                         *big.Int
	Factory                       *common.Address
	FactoryData                   []byte
	CallData                      []byte
	CallGasLimit                  *big.Int
	VerificationGasLimit          *big.Int
	PreVerificationGas            *big.Int
	MaxFeePerGas                  *big.Int
	MaxPriorityFeePerGas          *big.Int
	Paymaster                     *common.Address
	PaymasterVerificationGasLimit *big.Int
	PaymasterPostOpGasLimit       *big.Int
	PaymasterData                 []byte
	Signature                     []byte
}

type userOperationJSON struct {
	Sender                        common.Address  `json:"sender"`
	Nonce                         *hexutil.Big    `json:"nonce"`
	Factory                       *common.Address `json:"factory,omitempty"`
	FactoryData                   hexutil.Bytes   `json:"factoryData,omitempty"`
	CallData                      hexutil.Bytes   `json:"callData"`
	CallGasLimit                  *hexutil.Big    `json:"callGasLimit"`
	VerificationGasLimit          *hexutil.Big    `json:"verificationGasLimit"`
	PreVerificationGas            *hexutil.Big    `json:"preVerificationGas"`
	MaxFeePerGas                  *hexutil.Big    `json:"maxFeePerGas"`
	MaxPriorityFeePerGas          *hexutil.Big    `json:"maxPriorityFeePerGas"`
	Paymaster                     *common.Address `json:"paymaster,omitempty"`
	PaymasterVerificationGasLimit *hexutil.Big    `json:"paymasterVerificationGasLimit,omitempty"`
	PaymasterPostOpGasLimit       *hexutil.Big    `json:"paymasterPostOpGasLimit,omitempty"`
	PaymasterData                 hexutil.Bytes   `json:"paymasterData,omitempty"`
	Signature                     hexutil.Bytes   `json:"signature"`
}

func toHexBig(n *big.Int) *hexutil.Big {
	if n == nil {
		return (*hexutil.Big)(new(big.Int))
	}
	return (*hexutil.Big)(n)
}

func fromHexBig(n *hexutil.Big) *big.Int {
	if n == nil {
		return nil
	}
	return n.ToInt()
}

func (op *UserOperation) MarshalJSON() ([]byte, error) {
	enc := userOperationJSON{
		Sender:               op.Sender,
		Nonce:                toHexBig(op.Nonce),
		Factory:              op.Factory,
		FactoryData:          op.FactoryData,
		CallData:             op.CallData,
		CallGasLimit:         toHexBig(op.CallGasLimit),
		VerificationGasLimit: toHexBig(op.VerificationGasLimit),
		PreVerificationGas:   toHexBig(op.PreVerificationGas),
		MaxFeePerGas:         toHexBig(op.MaxFeePerGas),
		MaxPriorityFeePerGas: toHexBig(op.MaxPriorityFeePerGas),
		Signature:            op.Signature,
	}
	if enc.CallData == nil {
		enc.CallData = hexutil.Bytes{}
	}
	if enc.Signature == nil {
		enc.Signature = hexutil.Bytes{}
	}
	if op.Paymaster != nil {
		enc.Paymaster = op.Paymaster
		enc.PaymasterVerificationGasLimit = toHexBig(op.PaymasterVerificationGasLimit)
		enc.PaymasterPostOpGasLimit = toHexBig(op.PaymasterPostOpGasLimit)
		enc.PaymasterData = op.PaymasterData
		if enc.PaymasterData == nil {
			enc.PaymasterData = hexutil.Bytes{}
		}
	}
	return json.Marshal(enc)
}

func (op *UserOperation) UnmarshalJSON(data []byte) error {
	var dec userOperationJSON
	if err := json.Unmarshal(data, &dec); err != nil {
		return err
	}
	*op = UserOperation{
		Sender:                        dec.Sender,
		Nonce:                         fromHexBig(dec.Nonce),
		Factory:                       dec.Factory,
		FactoryData:                   dec.FactoryData,
		CallData:                      dec.CallData,
		CallGasLimit:                  fromHexBig(dec.CallGasLimit),
		VerificationGasLimit:          fromHexBig(dec.VerificationGasLimit),
		PreVerificationGas:            fromHexBig(dec.PreVerificationGas),
		MaxFeePerGas:                  fromHexBig(dec.MaxFeePerGas),
		MaxPriorityFeePerGas:          fromHexBig(dec.MaxPriorityFeePerGas),
		Paymaster:                     dec.Paymaster,
		PaymasterVerificationGasLimit: fromHexBig(dec.PaymasterVerificationGasLimit),
		PaymasterPostOpGasLimit:       fromHexBig(dec.PaymasterPostOpGasLimit),
		PaymasterData:                 dec.PaymasterData,
		Signature:                     dec.Signature,
	}
	return nil
}

// InitCode is factory ++ factoryData, empty when the account exists.
func (op *UserOperation) InitCode() []byte {
	if op.Factory == nil {
		return nil
	}
	out := make([]byte, 0, common.AddressLength+len(op.FactoryData))
	out = append(out, op.Factory.Bytes()...)
	return append(out, op.FactoryData...)
}

// PaymasterAndData is paymaster ++ uint128 verification gas ++ uint128
// postOp gas ++ paymasterData, empty without a paymaster.
func (op *UserOperation) PaymasterAndData() []byte {
	if op.Paymaster == nil {
		return nil
	}
	out := make([]byte, 0, common.AddressLength+32+len(op.PaymasterData))
	out = append(out, op.Paymaster.Bytes()...)
	out = append(out, uint128Bytes(op.PaymasterVerificationGasLimit)...)
	out = append(out, uint128Bytes(op.PaymasterPostOpGasLimit)...)
	return append(out, op.PaymasterData...)
}

// AccountGasLimits packs verificationGasLimit and callGasLimit into one word.
func (op *UserOperation) AccountGasLimits() [32]byte {
	return packUints(op.VerificationGasLimit, op.CallGasLimit)
}

// GasFees packs maxPriorityFeePerGas and maxFeePerGas into one word.
func (op *UserOperation) GasFees() [32]byte {
	return packUints(op.MaxPriorityFeePerGas, op.MaxFeePerGas)
}

// RequiredPrefund is the most gas the operation can be charged.
func (op *UserOperation) RequiredPrefund() *big.Int {
	gas := new(big.Int)
	for _, g := range []*big.Int{
		op.VerificationGasLimit,
		op.CallGasLimit,
		op.PreVerificationGas,
		op.PaymasterVerificationGasLimit,
		op.PaymasterPostOpGasLimit,
	} {
		if g != nil {
			gas.Add(gas, g)
		}
	}
	if op.MaxFeePerGas == nil {
		return new(big.Int)
	}
	return gas.Mul(gas, op.MaxFeePerGas)
}

var (
	bytes32Ty, _ = abi.NewType("bytes32", "", nil)
	uint256Ty, _ = abi.NewType("uint256", "", nil)
	addressTy, _ = abi.NewType("address", "", nil)

	packedOpArgs = abi.Arguments{
		{Type: addressTy}, // sender
		{Type: uint256Ty}, // nonce
		{Type: bytes32Ty}, // keccak(initCode)
		{Type: bytes32Ty}, // keccak(callData)
		{Type: bytes32Ty}, // accountGasLimits
		{Type: uint256Ty}, // preVerificationGas
		{Type: bytes32Ty}, // gasFees
		{Type: bytes32Ty}, // keccak(paymasterAndData)
	}
	opHashArgs = abi.Arguments{
		{Type: bytes32Ty},
		{Type: addressTy},
		{Type: uint256Ty},
	}
)

// Hash computes the EntryPoint v0.7 user operation hash.
func (op *UserOperation) Hash(entryPoint common.Address, chainID *big.Int) (common.Hash, error) {
	packed, err := packedOpArgs.Pack(
		op.Sender,
		bigOrZero(op.Nonce),
		crypto.Keccak256Hash(op.InitCode()),
		crypto.Keccak256Hash(op.CallData),
		op.AccountGasLimits(),
		bigOrZero(op.PreVerificationGas),
		op.GasFees(),
		crypto.Keccak256Hash(op.PaymasterAndData()),
	)
	if err != nil {
		return common.Hash{}, err
	}
	outer, err := opHashArgs.Pack(crypto.Keccak256Hash(packed), entryPoint, chainID)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(outer), nil
}

// Copy returns a deep copy suitable for mutation.
func (op *UserOperation) Copy() *UserOperation {
	cp := *op
	cp.FactoryData = common.CopyBytes(op.FactoryData)
	cp.CallData = common.CopyBytes(op.CallData)
	cp.PaymasterData = common.CopyBytes(op.PaymasterData)
	cp.Signature = common.CopyBytes(op.Signature)
	return &cp
}

func bigOrZero(n *big.Int) *big.Int {
	if n == nil {
		return new(big.Int)
	}
	return n
}

func uint128Bytes(n *big.Int) []byte {
	out := make([]byte, 16)
	if n != nil {
		n.FillBytes(out)
	}
	return out
}

func packUints(hi, lo *big.Int) [32]byte {
	var out [32]byte
	copy(out[:16], uint128Bytes(hi))
	copy(out[16:], uint128Bytes(lo))
	return out
}
