package account_test

import (
	"context"
	"testing"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/payflow/account"
	"github.com/vitwit/payflow/internal/flowtest"
	"github.com/vitwit/payflow/types"
)

const (
	baseID     = 84532
	arbitrumID = 421614
)

func owners() []common.Address {
	return []common.Address{flowtest.Signer(1).Address(), flowtest.Signer(2).Address()}
}

func TestDeriveAddressIsDeterministic(t *testing.T) {
	w := flowtest.New(types.NetworkBaseSepolia, baseID)
	d := w.Deployer()
	ctx := context.Background()

	a1, err := d.DeriveAddress(ctx, owners(), "flow-1", baseID)
	require.NoError(t, err)
	a2, err := w.Deployer().DeriveAddress(ctx, owners(), "flow-1", baseID)
	require.NoError(t, err)
	assert.Equal(t, a1, a2)

	other, err := d.DeriveAddress(ctx, owners(), "flow-2", baseID)
	require.NoError(t, err)
	assert.NotEqual(t, a1, other)

	single, err := d.DeriveAddress(ctx, owners()[:1], "flow-1", baseID)
	require.NoError(t, err)
	assert.NotEqual(t, a1, single)

	// the creation code is read once per deployer and chain
	assert.Equal(t, 0, w.Chain.Calls("Transact"))
	assert.Equal(t, 2, w.Chain.Calls("CallContract"))
}

func TestDeriveAddressMatchesAcrossChains(t *testing.T) {
	base := flowtest.New(types.NetworkBaseSepolia, baseID)
	arb := flowtest.New(types.NetworkArbitrumSepolia, arbitrumID)
	d := account.NewDeployer(flowtest.Join(base, arb), account.WithPollConfig(flowtest.FastPoll))

	a1, err := d.DeriveAddress(context.Background(), owners(), "flow-1", baseID)
	require.NoError(t, err)
	a2, err := d.DeriveAddress(context.Background(), owners(), "flow-1", arbitrumID)
	require.NoError(t, err)
	assert.Equal(t, a1, a2)
}

func TestDeriveAddressRejectsBadOwners(t *testing.T) {
	w := flowtest.New(types.NetworkBaseSepolia, baseID)
	d := w.Deployer()
	o := flowtest.Signer(1).Address()

	cases := map[string][]common.Address{
		"empty":     nil,
		"zero":      {{}},
		"duplicate": {o, o},
	}
	for name, set := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := d.DeriveAddress(context.Background(), set, "flow-1", baseID)
			assert.ErrorIs(t, err, types.ErrInvalidOwnerSet)
		})
	}
	assert.Equal(t, 0, w.Chain.TotalCalls())

	_, err := w.Deployer(account.WithThreshold(3)).DeriveAddress(context.Background(), owners(), "flow-1", baseID)
	assert.ErrorIs(t, err, types.ErrInvalidOwnerSet)
}

func TestDeployWalletDeploysEveryChain(t *testing.T) {
	base := flowtest.New(types.NetworkBaseSepolia, baseID)
	arb := flowtest.New(types.NetworkArbitrumSepolia, arbitrumID)
	d := account.NewDeployer(flowtest.Join(base, arb), account.WithPollConfig(flowtest.FastPoll))
	ctx := context.Background()

	wallets, err := d.DeployWallet(ctx, owners(), "flow-1", []int64{arbitrumID, baseID})
	require.NoError(t, err)
	require.Len(t, wallets, 2)

	assert.Equal(t, int64(arbitrumID), wallets[0].ChainID)
	assert.Equal(t, int64(baseID), wallets[1].ChainID)
	for _, wallet := range wallets {
		assert.True(t, wallet.Deployed)
		assert.Equal(t, "1.4.1_7579", wallet.Version)
	}
	assert.Equal(t, wallets[0].Address, wallets[1].Address)
	assert.True(t, base.Chain.HasCode(wallets[1].Address))
	assert.True(t, arb.Chain.HasCode(wallets[0].Address))

	derived, err := d.DeriveAddress(ctx, owners(), "flow-1", baseID)
	require.NoError(t, err)
	assert.Equal(t, derived, wallets[1].Address)
	assert.True(t, base.ModuleInstalled(derived, base.Contracts.Adapter))
}

func TestDeployWalletIsIdempotent(t *testing.T) {
	w := flowtest.New(types.NetworkBaseSepolia, baseID)
	d := w.Deployer()
	ctx := context.Background()

	first, err := d.DeployWallet(ctx, owners(), "flow-1", []int64{baseID})
	require.NoError(t, err)
	require.Equal(t, 1, w.Chain.Calls("Transact"))

	second, err := d.DeployWallet(ctx, owners(), "flow-1", []int64{baseID})
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, w.Chain.Calls("Transact"))
}

func TestDeployWalletUnknownChainTouchesNothing(t *testing.T) {
	w := flowtest.New(types.NetworkBaseSepolia, baseID)
	d := w.Deployer()

	_, err := d.DeployWallet(context.Background(), owners(), "flow-1", []int64{baseID, 999999})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrEmptyClient)

	perr, ok := types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, int64(999999), perr.ChainID)
	assert.Equal(t, 0, w.Chain.TotalCalls())
}

func TestDeployWalletRejectsDuplicateChains(t *testing.T) {
	w := flowtest.New(types.NetworkBaseSepolia, baseID)

	_, err := w.Deployer().DeployWallet(context.Background(), owners(), "flow-1", []int64{baseID, baseID})
	assert.ErrorIs(t, err, types.ErrInvalidRequest)
	assert.Equal(t, 0, w.Chain.TotalCalls())
}

func TestDeployWalletCounterfactual(t *testing.T) {
	w := flowtest.New(types.NetworkBaseSepolia, baseID)
	w.Chain.WithoutSigner()

	wallets, err := w.Deployer().DeployWallet(context.Background(), owners(), "flow-1", []int64{baseID}, account.WithCounterfactual())
	require.NoError(t, err)
	require.Len(t, wallets, 1)
	assert.False(t, wallets[0].Deployed)
	assert.Equal(t, "1.4.1_7579", wallets[0].Version)
	assert.False(t, w.Chain.HasCode(wallets[0].Address))
	assert.Equal(t, 0, w.Chain.Calls("Transact"))
}

func TestDeployWalletNeedsSigner(t *testing.T) {
	w := flowtest.New(types.NetworkBaseSepolia, baseID)
	w.Chain.WithoutSigner()

	_, err := w.Deployer().DeployWallet(context.Background(), owners(), "flow-1", []int64{baseID})
	assert.ErrorIs(t, err, types.ErrConfig)
}

func TestDeployWalletFailsWholeCallOnOneChain(t *testing.T) {
	base := flowtest.New(types.NetworkBaseSepolia, baseID)
	arb := flowtest.New(types.NetworkArbitrumSepolia, arbitrumID)
	// a factory without creation code makes derivation fail on arbitrum
	arb.Chain.Handle(arb.Contracts.ProxyFactory, account.ProxyFactoryABI.Methods["proxyCreationCode"].ID,
		func(ethereum.CallMsg) ([]byte, error) {
			return account.ProxyFactoryABI.Methods["proxyCreationCode"].Outputs.Pack([]byte{})
		})
	d := account.NewDeployer(flowtest.Join(base, arb), account.WithPollConfig(flowtest.FastPoll))

	wallets, err := d.DeployWallet(context.Background(), owners(), "flow-1", []int64{baseID, arbitrumID})
	require.Error(t, err)
	assert.Nil(t, wallets)
	assert.ErrorIs(t, err, types.ErrDeployment)

	perr, ok := types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, int64(arbitrumID), perr.ChainID)
}

func TestInitCodeDeploysDerivedAddress(t *testing.T) {
	w := flowtest.New(types.NetworkBaseSepolia, baseID)
	d := w.Deployer()

	addr, err := d.DeriveAddress(context.Background(), owners(), "flow-1", baseID)
	require.NoError(t, err)

	factory, data, err := d.InitCode(owners(), "flow-1")
	require.NoError(t, err)
	assert.Equal(t, w.Contracts.ProxyFactory, factory)

	args, err := account.ProxyFactoryABI.Methods["createProxyWithNonce"].Inputs.Unpack(data[4:])
	require.NoError(t, err)
	initCodeHash := account.ProxyInitCodeHash(flowtest.ProxyCreationCode, w.Contracts.Singleton)
	assert.Equal(t, addr, account.ComputeAddress(factory, initCodeHash, args[1].([]byte), account.SaltNonce("flow-1")))
}
