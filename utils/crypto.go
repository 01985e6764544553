package utils

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/vitwit/payflow/types"
)

var _ types.Signer = (*PrivateKeySigner)(nil)

// PrivateKeyFromHex creates a private key from hex string
func PrivateKeyFromHex(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	return crypto.HexToECDSA(hexKey)
}

// AddressFromPrivateKey derives the Ethereum address from a private key
func AddressFromPrivateKey(privateKey *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(privateKey.PublicKey)
}

// SignHash signs a 32-byte digest and returns a 65-byte signature with v in {27, 28}.
func SignHash(hash []byte, privateKey *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(hash, privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign hash: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

// RecoverAddress recovers the signer of a 65-byte signature. Both {0,1} and
// {27,28} recovery ids are accepted.
func RecoverAddress(hash, signature []byte) (common.Address, error) {
	if len(signature) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(signature))
	}
	sig := common.CopyBytes(signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pubKey, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pubKey), nil
}

// ValidateAddress checks if a string is a valid Ethereum address
func ValidateAddress(address string) bool {
	return common.IsHexAddress(address)
}

// NormalizeAddress ensures an address is properly checksummed
func NormalizeAddress(address string) string {
	if !common.IsHexAddress(address) {
		return ""
	}
	return common.HexToAddress(address).Hex()
}

// PrivateKeySigner signs with a local secp256k1 key. Used for owners and
// session keys alike.
type PrivateKeySigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func NewPrivateKeySigner(key *ecdsa.PrivateKey) *PrivateKeySigner {
	return &PrivateKeySigner{key: key, addr: AddressFromPrivateKey(key)}
}

// NewPrivateKeySignerFromHex parses a hex key, with or without 0x.
func NewPrivateKeySignerFromHex(hexKey string) (*PrivateKeySigner, error) {
	key, err := PrivateKeyFromHex(hexKey)
	if err != nil {
		return nil, types.WrapError(types.CodeConfigError, err, "invalid private key")
	}
	return NewPrivateKeySigner(key), nil
}

// GeneratePrivateKeySigner creates a signer over a fresh random key.
func GeneratePrivateKeySigner() (*PrivateKeySigner, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return NewPrivateKeySigner(key), nil
}

func (s *PrivateKeySigner) Address() common.Address {
	return s.addr
}

func (s *PrivateKeySigner) SignHash(hash []byte) ([]byte, error) {
	return SignHash(hash, s.key)
}

// PrivateKey exposes the key for transaction signing.
func (s *PrivateKeySigner) PrivateKey() *ecdsa.PrivateKey {
	return s.key
}
