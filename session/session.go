// Package session manages delegated signing sessions on smart accounts.
package session

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/vitwit/payflow/policy"
	"github.com/vitwit/payflow/types"
	"github.com/vitwit/payflow/utils"
)

var (
	// WildcardTarget in an ActionPolicy matches any call target.
	WildcardTarget = common.HexToAddress("0x0000000000000000000000000000000000000001")
	// WildcardSelector in an ActionPolicy matches any selector.
	WildcardSelector = [4]byte{0x00, 0x00, 0x00, 0x01}
)

// DefaultSimpleValidator is the canonical simple session validator: init
// data is the 20-byte session key address, signatures must recover to it.
var DefaultSimpleValidator = common.HexToAddress("0x61246aaA9057c4Df78416Ac1ff047C97b6eF392D")

// ID identifies a session by content.
type ID common.Hash

func (id ID) Hex() string    { return common.Hash(id).Hex() }
func (id ID) String() string { return id.Hex() }

// HexToID parses a 0x-prefixed session id.
func HexToID(s string) ID {
	return ID(common.HexToHash(s))
}

// ActionPolicy allows calls to (Target, Selector) under Policies.
type ActionPolicy struct {
	Target   common.Address
	Selector [4]byte
	Policies []policy.Policy
}

// Session is delegated authority for a session key on one chain.
type Session struct {
	Validator         common.Address
	ValidatorInitData []byte
	Salt              [32]byte
	UserOpPolicies    []policy.Policy
	Actions           []ActionPolicy
	ChainID           int64
	PermitPaymaster   bool
}

// Handle addresses an installed session together with its key.
type Handle struct {
	ID     ID
	Signer types.Signer
}

// NewSimpleSession builds a session validated by the simple session
// validator for key.
func NewSimpleSession(key common.Address, chainID int64, salt [32]byte, userOpPolicies []policy.Policy, actions []ActionPolicy) Session {
	return Session{
		Validator:         DefaultSimpleValidator,
		ValidatorInitData: SimpleValidatorInitData(key),
		Salt:              salt,
		UserOpPolicies:    userOpPolicies,
		Actions:           actions,
		ChainID:           chainID,
		PermitPaymaster:   true,
	}
}

// SimpleValidatorInitData is the init data of the simple session validator.
func SimpleValidatorInitData(key common.Address) []byte {
	return common.CopyBytes(key.Bytes())
}

// SessionKey returns the key a simple-validator session is bound to.
func (s Session) SessionKey() (common.Address, bool) {
	if len(s.ValidatorInitData) != common.AddressLength {
		return common.Address{}, false
	}
	return common.BytesToAddress(s.ValidatorInitData), true
}

// IsSudo reports whether a sudo policy sits among the user operation policies.
func (s Session) IsSudo() bool {
	return policy.ContainsSudo(s.UserOpPolicies)
}

const sessionModuleABI = `[
	{"type":"function","name":"enableSessions","inputs":[{"name":"sessions","type":"tuple[]","components":[
		{"name":"sessionValidator","type":"address"},
		{"name":"sessionValidatorInitData","type":"bytes"},
		{"name":"salt","type":"bytes32"},
		{"name":"userOpPolicies","type":"tuple[]","components":[{"name":"policy","type":"address"},{"name":"initData","type":"bytes"}]},
		{"name":"actions","type":"tuple[]","components":[
			{"name":"actionTargetSelector","type":"bytes4"},
			{"name":"actionTarget","type":"address"},
			{"name":"actionPolicies","type":"tuple[]","components":[{"name":"policy","type":"address"},{"name":"initData","type":"bytes"}]}
		]},
		{"name":"permitERC4337Paymaster","type":"bool"}
	]}],"outputs":[{"name":"permissionIds","type":"bytes32[]"}]},
	{"type":"function","name":"removeSession","inputs":[{"name":"permissionId","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"isSessionEnabled","stateMutability":"view","inputs":[{"name":"permissionId","type":"bytes32"},{"name":"account","type":"address"}],"outputs":[{"name":"","type":"bool"}]}
]`

// ModuleABI is the session module interface.
var ModuleABI abi.ABI

var sessionIDArgs abi.Arguments

func init() {
	var err error
	if ModuleABI, err = abi.JSON(strings.NewReader(sessionModuleABI)); err != nil {
		panic(err)
	}
	uint256Ty, _ := abi.NewType("uint256", "", nil)
	sessionIDArgs = abi.Arguments{
		{Type: *ModuleABI.Methods["enableSessions"].Inputs[0].Type.Elem},
		{Type: uint256Ty},
	}
}

// field order mirrors the ABI tuple; decoding relies on it
type actionData struct {
	ActionTargetSelector [4]byte        `abi:"actionTargetSelector"`
	ActionTarget         common.Address `abi:"actionTarget"`
	ActionPolicies       []policy.Data  `abi:"actionPolicies"`
}

type onchainSession struct {
	SessionValidator         common.Address `abi:"sessionValidator"`
	SessionValidatorInitData []byte         `abi:"sessionValidatorInitData"`
	Salt                     [32]byte       `abi:"salt"`
	UserOpPolicies           []policy.Data  `abi:"userOpPolicies"`
	Actions                  []actionData   `abi:"actions"`
	PermitERC4337Paymaster   bool           `abi:"permitERC4337Paymaster"`
}

func (s Session) encode(addrs policy.Addresses) (onchainSession, error) {
	userOp, err := policy.EncodeAll(s.UserOpPolicies, addrs)
	if err != nil {
		return onchainSession{}, err
	}
	actions := make([]actionData, 0, len(s.Actions))
	for _, a := range s.Actions {
		ps, err := policy.EncodeAll(a.Policies, addrs)
		if err != nil {
			return onchainSession{}, err
		}
		actions = append(actions, actionData{
			ActionTargetSelector: a.Selector,
			ActionTarget:         a.Target,
			ActionPolicies:       nonNilData(ps),
		})
	}
	initData := s.ValidatorInitData
	if initData == nil {
		initData = []byte{}
	}
	return onchainSession{
		SessionValidator:         s.Validator,
		SessionValidatorInitData: initData,
		Salt:                     s.Salt,
		UserOpPolicies:           nonNilData(userOp),
		Actions:                  actions,
		PermitERC4337Paymaster:   s.PermitPaymaster,
	}, nil
}

func nonNilData(d []policy.Data) []policy.Data {
	if d == nil {
		return []policy.Data{}
	}
	return d
}

func idOf(s onchainSession, chainID int64) (ID, error) {
	packed, err := sessionIDArgs.Pack(s, big.NewInt(chainID))
	if err != nil {
		return ID{}, fmt.Errorf("encode session: %w", err)
	}
	return ID(crypto.Keccak256Hash(packed)), nil
}

// ComputeSessionID hashes the session's on-chain encoding, with policies
// at the default policy addresses, together with its chain id.
func ComputeSessionID(s Session) (ID, error) {
	return ComputeSessionIDWith(s, policy.DefaultAddresses())
}

// ComputeSessionIDWith is ComputeSessionID for a custom policy deployment.
func ComputeSessionIDWith(s Session, addrs policy.Addresses) (ID, error) {
	enc, err := s.encode(addrs)
	if err != nil {
		return ID{}, err
	}
	return idOf(enc, s.ChainID)
}

// EnableSessionsCall encodes enableSessions for sessions.
func EnableSessionsCall(module common.Address, sessions []Session, addrs policy.Addresses) (types.Call, error) {
	encoded := make([]onchainSession, 0, len(sessions))
	for _, s := range sessions {
		enc, err := s.encode(addrs)
		if err != nil {
			return types.Call{}, err
		}
		encoded = append(encoded, enc)
	}
	data, err := ModuleABI.Pack("enableSessions", encoded)
	if err != nil {
		return types.Call{}, fmt.Errorf("encode enableSessions: %w", err)
	}
	return types.Call{To: module, Value: new(big.Int), Data: data}, nil
}

// RemoveSessionCall encodes removeSession for id.
func RemoveSessionCall(module common.Address, id ID) (types.Call, error) {
	data, err := ModuleABI.Pack("removeSession", [32]byte(id))
	if err != nil {
		return types.Call{}, err
	}
	return types.Call{To: module, Value: new(big.Int), Data: data}, nil
}

// Enabled is a session as an enableSessions call registers it.
type Enabled struct {
	ID                ID
	Validator         common.Address
	ValidatorInitData []byte
}

// DecodeEnableSessions recovers the sessions an enableSessions call
// registers on chainID, in call order.
func DecodeEnableSessions(data []byte, chainID int64) ([]Enabled, error) {
	method, err := ModuleABI.MethodById(data)
	if err != nil || method.Name != "enableSessions" {
		return nil, fmt.Errorf("not an enableSessions call")
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, err
	}
	sessions := *abi.ConvertType(args[0], new([]onchainSession)).(*[]onchainSession)
	out := make([]Enabled, 0, len(sessions))
	for _, s := range sessions {
		id, err := idOf(s, chainID)
		if err != nil {
			return nil, err
		}
		out = append(out, Enabled{ID: id, Validator: s.SessionValidator, ValidatorInitData: s.SessionValidatorInitData})
	}
	return out, nil
}

// DecodeRemoveSession recovers the id a removeSession call revokes.
func DecodeRemoveSession(data []byte) (ID, error) {
	method, err := ModuleABI.MethodById(data)
	if err != nil || method.Name != "removeSession" {
		return ID{}, fmt.Errorf("not a removeSession call")
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return ID{}, err
	}
	return ID(args[0].([32]byte)), nil
}

// NonceKey is the EntryPoint nonce key routing validation to module.
func NonceKey(module common.Address) *big.Int {
	return new(big.Int).Lsh(new(big.Int).SetBytes(module.Bytes()), 32)
}

// Signature mode prefixes
const (
	ModeUse    byte = 0x00
	ModeEnable byte = 0x01
)

// EncodeSignature wraps a session key signature for the session module.
func EncodeSignature(id ID, sig []byte) []byte {
	out := make([]byte, 0, 1+common.HashLength+len(sig))
	out = append(out, ModeUse)
	out = append(out, id[:]...)
	return append(out, sig...)
}

// SigningHash is the digest a session key signs for a user operation: the
// EIP-191 personal message hash of the user operation hash.
func SigningHash(userOpHash common.Hash) common.Hash {
	return common.BytesToHash(accounts.TextHash(userOpHash.Bytes()))
}

// RecoverSessionKey returns the key that signed userOpHash with sig.
func RecoverSessionKey(userOpHash common.Hash, sig []byte) (common.Address, error) {
	return utils.RecoverAddress(SigningHash(userOpHash).Bytes(), sig)
}

// DecodeSignature splits a session signature into id and key signature.
func DecodeSignature(sig []byte) (ID, []byte, error) {
	if len(sig) < 1+common.HashLength || sig[0] != ModeUse {
		return ID{}, nil, fmt.Errorf("not a session signature")
	}
	var id ID
	copy(id[:], sig[1:1+common.HashLength])
	return id, sig[1+common.HashLength:], nil
}
