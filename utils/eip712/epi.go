// Package eip712 hashes the typed data owners sign for Safe user operations.
package eip712

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/vitwit/payflow/types"
)

// --- Type hashes (keccak256 of the type signature strings) ---
var (
	// SAFE_OP_TYPEHASH of Safe4337Module v0.3.0
	safeOpTypeHash = crypto.Keccak256Hash([]byte("SafeOp(address safe,uint256 nonce,bytes initCode,bytes callData,uint128 verificationGasLimit,uint128 callGasLimit,uint256 preVerificationGas,uint128 maxPriorityFeePerGas,uint128 maxFeePerGas,bytes paymasterAndData,uint48 validAfter,uint48 validUntil,address entryPoint)"))

	// the module's domain has no name or version
	domainTypeHash = crypto.Keccak256Hash([]byte("EIP712Domain(uint256 chainId,address verifyingContract)"))
)

// keccak256ABI hashes the concatenation of 32-byte words, which is
// abi.encode for static values.
func keccak256ABI(parts ...[]byte) common.Hash {
	joined := []byte{}
	for _, p := range parts {
		joined = append(joined, p...)
	}
	return crypto.Keccak256Hash(joined)
}

// padLeft32 returns a 32-byte right-aligned representation of i
func padLeft32(i *big.Int) []byte {
	if i == nil {
		return make([]byte, 32)
	}
	return common.LeftPadBytes(i.Bytes(), 32)
}

func addressTo32(a common.Address) []byte {
	out := make([]byte, 32)
	copy(out[12:], a.Bytes())
	return out
}

func uint48To32(v uint64) []byte {
	return padLeft32(new(big.Int).SetUint64(v & (1<<48 - 1)))
}

// DomainSeparator is keccak256(abi.encode(domainTypeHash, chainId, module)).
func DomainSeparator(chainID *big.Int, module common.Address) common.Hash {
	return keccak256ABI(domainTypeHash.Bytes(), padLeft32(chainID), addressTo32(module))
}

// Window is the validity window packed in front of owner signatures. Zero
// ValidUntil means no expiry.
type Window struct {
	ValidAfter uint64
	ValidUntil uint64
}

// HashSafeOpStruct computes the SafeOp struct hash of op.
func HashSafeOpStruct(op *types.UserOperation, w Window, entryPoint common.Address) common.Hash {
	return keccak256ABI(
		safeOpTypeHash.Bytes(),
		addressTo32(op.Sender),
		padLeft32(op.Nonce),
		crypto.Keccak256(op.InitCode()),
		crypto.Keccak256(op.CallData),
		padLeft32(op.VerificationGasLimit),
		padLeft32(op.CallGasLimit),
		padLeft32(op.PreVerificationGas),
		padLeft32(op.MaxPriorityFeePerGas),
		padLeft32(op.MaxFeePerGas),
		crypto.Keccak256(op.PaymasterAndData()),
		uint48To32(w.ValidAfter),
		uint48To32(w.ValidUntil),
		addressTo32(entryPoint),
	)
}

// TypedDataHash returns the final EIP-712 digest:
//
//	keccak256("\x19\x01", domainSeparator, structHash)
func TypedDataHash(domainSeparator, structHash common.Hash) common.Hash {
	prefix := []byte{0x19, 0x01}
	return crypto.Keccak256Hash(append(append(prefix, domainSeparator.Bytes()...), structHash.Bytes()...))
}

// SafeOpHash is the digest account owners sign for op.
func SafeOpHash(op *types.UserOperation, w Window, chainID *big.Int, module, entryPoint common.Address) common.Hash {
	return TypedDataHash(DomainSeparator(chainID, module), HashSafeOpStruct(op, w, entryPoint))
}

// PackSignature prefixes owner signatures with the validity window as
// validAfter uint48 ++ validUntil uint48.
func PackSignature(w Window, signatures []byte) []byte {
	out := make([]byte, 12, 12+len(signatures))
	putUint48(out[0:6], w.ValidAfter)
	putUint48(out[6:12], w.ValidUntil)
	return append(out, signatures...)
}

// UnpackSignature splits a packed signature into window and signatures.
func UnpackSignature(sig []byte) (Window, []byte, error) {
	if len(sig) < 12 {
		return Window{}, nil, errors.New("signature shorter than validity window")
	}
	return Window{ValidAfter: readUint48(sig[0:6]), ValidUntil: readUint48(sig[6:12])}, sig[12:], nil
}

func putUint48(dst []byte, v uint64) {
	for i := 5; i >= 0; i-- {
		dst[i] = byte(v)
		v >>= 8
	}
}

func readUint48(b []byte) uint64 {
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v
}

// RecoverSigner recovers the Ethereum address that signed the given digest.
// sig must be 65 bytes (R||S||V). V may be 0/1 or 27/28.
func RecoverSigner(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, errors.New("signature must be 65 bytes")
	}

	s := make([]byte, 65)
	copy(s, sig)
	if s[64] >= 27 {
		s[64] -= 27
	}

	pubKey, err := crypto.SigToPub(digest.Bytes(), s)
	if err != nil {
		return common.Address{}, fmt.Errorf("sig to pub failed: %w", err)
	}
	return crypto.PubkeyToAddress(*pubKey), nil
}
