// Package flowtest simulates the Safe contracts, session module and tokens
// on top of the clienttest doubles so packages can test complete flows.
package flowtest

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/vitwit/payflow/account"
	"github.com/vitwit/payflow/clients"
	"github.com/vitwit/payflow/clients/clienttest"
	"github.com/vitwit/payflow/policy"
	"github.com/vitwit/payflow/session"
	"github.com/vitwit/payflow/types"
	"github.com/vitwit/payflow/utils"
	"github.com/vitwit/payflow/utils/eip712"
)

// ProxyCreationCode is the bytecode the simulated factory reports.
var ProxyCreationCode = common.FromHex("0x608060405234801561001057600080fd5b5060405161017338038061017383398101604081905261002f916100b9565b")

// FastPoll polls without waiting.
var FastPoll = types.PollConfig{Interval: time.Millisecond, MaxInterval: time.Millisecond, Factor: 1, MaxPolls: 5}

var contractCode = []byte{0x60, 0x80, 0x60, 0x40, 0x52}

// World is one simulated chain with the contracts payflow talks to.
type World struct {
	Chain     *clienttest.Chain
	Bundler   *clienttest.Bundler
	Provider  *clients.Provider
	Contracts account.Contracts

	mu       sync.Mutex
	chainID  int64
	owners   map[common.Address][]common.Address
	modules  map[common.Address]map[common.Address]bool
	sessions map[common.Address]map[session.ID]session.Enabled
	tokens   map[common.Address]map[common.Address]*big.Int
}

// New builds a world for network with the default contract set.
func New(network types.Network, chainID int64) *World {
	chain := clienttest.NewChain(network, chainID)
	w := &World{
		Chain:     chain,
		Bundler:   clienttest.NewBundler(chain),
		Provider:  clients.NewProvider(),
		Contracts: account.DefaultContracts(),
		chainID:   chainID,
		owners:    make(map[common.Address][]common.Address),
		modules:   make(map[common.Address]map[common.Address]bool),
		sessions:  make(map[common.Address]map[session.ID]session.Enabled),
		tokens:    make(map[common.Address]map[common.Address]*big.Int),
	}
	if err := w.Provider.Add(w.Chain, w.Bundler); err != nil {
		panic(err)
	}

	c := w.Contracts
	chain.SetCode(c.ProxyFactory, contractCode)
	chain.SetCode(c.EntryPoint, contractCode)
	chain.SetCode(c.SessionModule, contractCode)

	chain.Handle(c.ProxyFactory, selector(account.ProxyFactoryABI, "proxyCreationCode"), w.proxyCreationCode)
	chain.Handle(c.EntryPoint, selector(account.EntryPointABI, "getNonce"), w.getNonce)
	chain.Handle(common.Address{}, selector(account.ERC7579ABI, "isModuleInstalled"), w.isModuleInstalled)
	chain.Handle(c.SessionModule, selector(session.ModuleABI, "isSessionEnabled"), w.isSessionEnabled)
	chain.OnTransact = w.onTransact

	w.Bundler.Decode = c.DecodeCalls
	w.Bundler.Apply = w.apply
	w.Bundler.CheckSignature = w.checkSignature
	return w
}

func selector(a abi.ABI, name string) []byte {
	return a.Methods[name].ID
}

// Deployer returns a deployer bound to the world with fast polling.
func (w *World) Deployer(opts ...account.Option) *account.Deployer {
	base := []account.Option{account.WithContracts(w.Contracts), account.WithPollConfig(FastPoll)}
	return account.NewDeployer(w.Provider, append(base, opts...)...)
}

// Fund sets the native balance of addr.
func (w *World) Fund(addr common.Address, wei *big.Int) {
	w.Chain.SetBalance(addr, wei)
}

// MintToken credits amount of token to holder.
func (w *World) MintToken(token, holder common.Address, amount *big.Int) {
	w.Chain.SetCode(token, contractCode)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.tokens[token] == nil {
		w.tokens[token] = make(map[common.Address]*big.Int)
	}
	bal := w.tokens[token][holder]
	if bal == nil {
		bal = new(big.Int)
	}
	w.tokens[token][holder] = new(big.Int).Add(bal, amount)
}

// TokenBalance returns holder's balance of token.
func (w *World) TokenBalance(token, holder common.Address) *big.Int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if bal := w.tokens[token][holder]; bal != nil {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

func (w *World) ModuleInstalled(acct, module common.Address) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.modules[acct][module]
}

func (w *World) SessionEnabled(acct common.Address, id session.ID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.sessions[acct][id]
	return ok
}

func (w *World) proxyCreationCode(ethereum.CallMsg) ([]byte, error) {
	return account.ProxyFactoryABI.Methods["proxyCreationCode"].Outputs.Pack(ProxyCreationCode)
}

// getNonce counts the operations already accepted for (sender, key).
func (w *World) getNonce(msg ethereum.CallMsg) ([]byte, error) {
	args, err := account.EntryPointABI.Methods["getNonce"].Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}
	sender, key := args[0].(common.Address), args[1].(*big.Int)
	var seq int64
	for _, op := range w.Bundler.Operations() {
		if op.Sender == sender && new(big.Int).Rsh(op.Nonce, 64).Cmp(key) == 0 {
			seq++
		}
	}
	nonce := new(big.Int).Lsh(key, 64)
	nonce.Or(nonce, big.NewInt(seq))
	return account.EntryPointABI.Methods["getNonce"].Outputs.Pack(nonce)
}

func (w *World) isModuleInstalled(msg ethereum.CallMsg) ([]byte, error) {
	method := account.ERC7579ABI.Methods["isModuleInstalled"]
	args, err := method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}
	return method.Outputs.Pack(w.ModuleInstalled(*msg.To, args[1].(common.Address)))
}

func (w *World) isSessionEnabled(msg ethereum.CallMsg) ([]byte, error) {
	args, err := session.ModuleABI.Methods["isSessionEnabled"].Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}
	id := session.ID(args[0].([32]byte))
	acct := args[1].(common.Address)
	return session.ModuleABI.Methods["isSessionEnabled"].Outputs.Pack(w.SessionEnabled(acct, id))
}

// onTransact executes factory deployments sent by the deployer.
func (w *World) onTransact(c *clienttest.Chain, tx clienttest.Tx) error {
	if tx.To != w.Contracts.ProxyFactory {
		return nil
	}
	addr, owners, err := w.decodeCreateProxy(tx.Data)
	if err != nil {
		return fmt.Errorf("%w: %v", clienttest.ErrReverted, err)
	}
	if c.HasCode(addr) {
		return fmt.Errorf("%w: proxy already exists", clienttest.ErrReverted)
	}
	c.SetCode(addr, contractCode)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.owners[addr] = owners
	w.enableLocked(w.modules, addr, w.Contracts.Adapter)
	return nil
}

func (w *World) decodeCreateProxy(data []byte) (common.Address, []common.Address, error) {
	method := account.ProxyFactoryABI.Methods["createProxyWithNonce"]
	if len(data) < 4 || string(data[:4]) != string(method.ID) {
		return common.Address{}, nil, errors.New("not createProxyWithNonce")
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return common.Address{}, nil, err
	}
	singleton, initializer, saltNonce := args[0].(common.Address), args[1].([]byte), args[2].(*big.Int)
	setup, err := account.SafeABI.Methods["setup"].Inputs.Unpack(initializer[4:])
	if err != nil {
		return common.Address{}, nil, err
	}
	addr := account.ComputeAddress(w.Contracts.ProxyFactory, account.ProxyInitCodeHash(ProxyCreationCode, singleton), initializer, saltNonce)
	return addr, setup[0].([]common.Address), nil
}

func (w *World) enableLocked(m map[common.Address]map[common.Address]bool, acct, module common.Address) {
	if m[acct] == nil {
		m[acct] = make(map[common.Address]bool)
	}
	m[acct][module] = true
}

// checkSignature plays the validation phase: owner operations must carry a
// SafeOp signature by an owner, session operations a signature by the key
// of an enabled session.
func (w *World) checkSignature(op *types.UserOperation, entryPoint common.Address) error {
	w.mu.Lock()
	owners, known := w.owners[op.Sender]
	w.mu.Unlock()
	if !known && op.Factory != nil {
		addr, o, err := w.decodeCreateProxy(op.FactoryData)
		if err != nil {
			return err
		}
		if addr != op.Sender {
			return fmt.Errorf("init code deploys %s, not sender %s", addr.Hex(), op.Sender.Hex())
		}
		owners = o
		// the address is fixed by its init code, so the owners are too
		w.mu.Lock()
		w.owners[addr] = o
		w.enableLocked(w.modules, addr, w.Contracts.Adapter)
		w.mu.Unlock()
	}

	key := new(big.Int).Rsh(op.Nonce, 64)
	if key.Sign() == 0 {
		window, sig, err := eip712.UnpackSignature(op.Signature)
		if err != nil {
			return err
		}
		digest := eip712.SafeOpHash(op, window, big.NewInt(w.chainID), w.Contracts.Adapter, entryPoint)
		signer, err := eip712.RecoverSigner(digest, sig)
		if err != nil {
			return err
		}
		for _, o := range owners {
			if o == signer {
				return nil
			}
		}
		return fmt.Errorf("%s is not an owner", signer.Hex())
	}

	if key.Cmp(session.NonceKey(w.Contracts.SessionModule)) != 0 {
		return fmt.Errorf("unknown validator key %s", key)
	}
	id, sig, err := session.DecodeSignature(op.Signature)
	if err != nil {
		return err
	}
	w.mu.Lock()
	enabled, ok := w.sessions[op.Sender][id]
	w.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %s not enabled", id)
	}
	if enabled.Validator != session.DefaultSimpleValidator || len(enabled.ValidatorInitData) != common.AddressLength {
		return fmt.Errorf("session %s: unsupported validator %s", id, enabled.Validator.Hex())
	}
	opHash, err := op.Hash(entryPoint, big.NewInt(w.chainID))
	if err != nil {
		return err
	}
	signer, err := session.RecoverSessionKey(opHash, sig)
	if err != nil {
		return err
	}
	if want := common.BytesToAddress(enabled.ValidatorInitData); signer != want {
		return fmt.Errorf("session %s: %s is not the session key", id, signer.Hex())
	}
	return nil
}

// apply executes the non-native effects of a batch against copies of the
// world state and, when commit is set, keeps them only if every call
// succeeds.
func (w *World) apply(sender common.Address, calls []types.Call, commit bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	modules := copyNested(w.modules)
	sessions := copyNested(w.sessions)
	tokens := make(map[common.Address]map[common.Address]*big.Int, len(w.tokens))
	for t, holders := range w.tokens {
		tokens[t] = make(map[common.Address]*big.Int, len(holders))
		for h, v := range holders {
			tokens[t][h] = new(big.Int).Set(v)
		}
	}

	for i, call := range calls {
		if err := w.applyCall(sender, call, modules, sessions, tokens); err != nil {
			return fmt.Errorf("call %d: %w", i, err)
		}
	}

	if commit {
		w.modules, w.sessions, w.tokens = modules, sessions, tokens
	}
	return nil
}

func (w *World) applyCall(
	sender common.Address,
	call types.Call,
	modules map[common.Address]map[common.Address]bool,
	sessions map[common.Address]map[session.ID]session.Enabled,
	tokens map[common.Address]map[common.Address]*big.Int,
) error {
	sel := call.Selector()
	switch {
	case call.To == sender && sel == [4]byte(selector(account.ERC7579ABI, "installModule")):
		args, err := account.ERC7579ABI.Methods["installModule"].Inputs.Unpack(call.Data[4:])
		if err != nil {
			return err
		}
		module := args[1].(common.Address)
		if modules[sender][module] {
			return errors.New("LinkedList_EntryAlreadyInList: module already installed")
		}
		w.enableLocked(modules, sender, module)
		return nil

	case call.To == w.Contracts.SessionModule:
		if !modules[sender][w.Contracts.SessionModule] {
			return errors.New("session module not installed")
		}
		if sessions[sender] == nil {
			sessions[sender] = make(map[session.ID]session.Enabled)
		}
		if enabled, err := session.DecodeEnableSessions(call.Data, w.chainID); err == nil {
			for _, e := range enabled {
				sessions[sender][e.ID] = e
			}
			return nil
		}
		id, err := session.DecodeRemoveSession(call.Data)
		if err != nil {
			return err
		}
		delete(sessions[sender], id)
		return nil
	}

	holders, isToken := tokens[call.To]
	if !isToken {
		return nil
	}
	tt, ok, err := policy.DecodeTokenTransfer(call)
	if err != nil {
		return err
	}
	if !ok || tt.Method != "transfer" {
		return nil
	}
	args, _ := policy.ERC20.Methods["transfer"].Inputs.Unpack(call.Data[4:])
	to := args[0].(common.Address)
	have := holders[sender]
	if have == nil || have.Cmp(tt.Amount) < 0 {
		return errors.New("ERC20: transfer amount exceeds balance")
	}
	holders[sender] = new(big.Int).Sub(have, tt.Amount)
	if holders[to] == nil {
		holders[to] = new(big.Int)
	}
	holders[to] = new(big.Int).Add(holders[to], tt.Amount)
	return nil
}

func copyNested[K comparable, V any](m map[common.Address]map[K]V) map[common.Address]map[K]V {
	out := make(map[common.Address]map[K]V, len(m))
	for k, inner := range m {
		cp := make(map[K]V, len(inner))
		for ik, iv := range inner {
			cp[ik] = iv
		}
		out[k] = cp
	}
	return out
}

// Join registers the chains and bundlers of worlds in one provider.
func Join(worlds ...*World) *clients.Provider {
	p := clients.NewProvider()
	for _, w := range worlds {
		if err := p.Add(w.Chain, w.Bundler); err != nil {
			panic(err)
		}
	}
	return p
}

// Signer returns a deterministic key derived from seed.
func Signer(seed byte) *utils.PrivateKeySigner {
	key, err := crypto.ToECDSA(common.LeftPadBytes([]byte{seed}, 32))
	if err != nil {
		panic(err)
	}
	return utils.NewPrivateKeySigner(key)
}
