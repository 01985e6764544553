package payflow_test

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/payflow"
	"github.com/vitwit/payflow/account"
	"github.com/vitwit/payflow/internal/flowtest"
	"github.com/vitwit/payflow/paymaster"
	"github.com/vitwit/payflow/policy"
	"github.com/vitwit/payflow/session"
	"github.com/vitwit/payflow/types"
)

const chainID = 84532

var (
	usdc     = common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e")
	merchant = common.HexToAddress("0x15d34AAf54267DB7D7c367839AAf71A00a2C6A65")
)

type declineAll struct{}

func (declineAll) CallContext(context.Context, any, string, ...any) error {
	return errors.New("policy not found")
}

func newPayflow(t *testing.T, cfg *types.Config, opts ...payflow.Option) (*payflow.Payflow, *flowtest.World) {
	t.Helper()
	w := flowtest.New(types.NetworkBaseSepolia, chainID)
	if cfg == nil {
		cfg = &types.Config{}
	}
	cfg.Poll = flowtest.FastPoll
	base := []payflow.Option{payflow.WithProvider(w.Provider), payflow.WithContracts(w.Contracts)}
	p, err := payflow.New(cfg, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p, w
}

func transfer(t *testing.T, amount int64) types.Call {
	t.Helper()
	data, err := policy.ERC20.Pack("transfer", merchant, big.NewInt(amount))
	require.NoError(t, err)
	return types.Call{To: usdc, Data: data}
}

func TestPayflowEndToEnd(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	p, w := newPayflow(t, nil, payflow.WithRedis(rdb, "payflow"))
	ctx := context.Background()
	owner := flowtest.Signer(1)
	owners := []common.Address{owner.Address()}

	addr, err := p.DeriveAddress(ctx, owners, "test_salt_6", chainID)
	require.NoError(t, err)

	wallets, err := p.DeployWallet(ctx, owners, "test_salt_6", []int64{chainID}, account.WithCounterfactual())
	require.NoError(t, err)
	require.Len(t, wallets, 1)
	assert.Equal(t, types.Wallet{Address: addr, ChainID: chainID, Deployed: false, Version: "1.4.1_7579"}, wallets[0])

	w.Fund(addr, big.NewInt(1e18))
	w.MintToken(usdc, addr, big.NewInt(20_000_000))

	var statuses []types.ExecutionStatus
	hash, err := p.Execute(ctx, owner, &types.ExecutionRequest{
		ChainID:  chainID,
		Account:  addr,
		Owners:   owners,
		Salt:     "test_salt_6",
		Calls:    []types.Call{{To: merchant, Value: big.NewInt(0)}},
		OnStatus: func(s types.ExecutionStatus) { statuses = append(statuses, s) },
	})
	require.NoError(t, err)
	assert.Regexp(t, `^0x[a-fA-F0-9]{64}$`, hash.Hex())
	assert.Equal(t, []types.ExecutionStatus{
		types.StatusPreparing, types.StatusSigning, types.StatusSubmitted, types.StatusConfirmed,
	}, statuses)

	key := flowtest.Signer(7)
	limits, err := policy.NewSpendingLimits([]policy.SpendingLimit{{Token: usdc, Limit: big.NewInt(10_000_000)}})
	require.NoError(t, err)
	tf, err := policy.NewTimeFrame(0, 0)
	require.NoError(t, err)
	s := session.NewSimpleSession(key.Address(), chainID, [32]byte{1}, []policy.Policy{tf}, []session.ActionPolicy{{
		Target:   usdc,
		Selector: [4]byte(policy.ERC20.Methods["transfer"].ID),
		Policies: []policy.Policy{limits},
	}})
	id, err := p.SessionID(s)
	require.NoError(t, err)

	res, err := p.InstallSessions(ctx, owner, &session.InstallRequest{ChainID: chainID, Account: addr, Add: []session.Session{s}})
	require.NoError(t, err)
	assert.Equal(t, []session.ID{id}, res.Added)
	assert.True(t, mr.Exists("payflow:session:"+id.Hex()))

	handle := session.Handle{ID: id, Signer: key}
	_, err = p.ExecuteWithSession(ctx, handle, &types.SessionRequest{ChainID: chainID, Account: addr, Calls: []types.Call{transfer(t, 500_000)}})
	require.NoError(t, err)
	assert.Equal(t, int64(500_000), w.TokenBalance(usdc, merchant).Int64())

	sent := w.Bundler.Calls("SendUserOperation")
	_, err = p.ExecuteWithSession(ctx, handle, &types.SessionRequest{ChainID: chainID, Account: addr, Calls: []types.Call{transfer(t, 15_000_000)}})
	assert.ErrorIs(t, err, types.ErrSessionScopeViolation)
	assert.Equal(t, sent, w.Bundler.Calls("SendUserOperation"))

	usage, err := p.Usage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(500_000), usage.Get(policy.ScopeUserOp).Token(usdc).Int64())
}

func TestPayflowSponsorshipDeclined(t *testing.T) {
	cfg := &types.Config{Paymaster: types.PaymasterConfig{
		APIKey:           "pim_test",
		SponsoredEnabled: true,
		TestnetPolicies:  []string{"sp_gone"},
	}}
	p, w := newPayflow(t, cfg, payflow.WithPaymasterOptions(paymaster.WithCaller(chainID, declineAll{})))
	ctx := context.Background()
	owner := flowtest.Signer(1)
	owners := []common.Address{owner.Address()}
	assert.Equal(t, []string{"sp_gone"}, p.ResolveSponsorshipPolicies(chainID))

	addr, err := p.DeriveAddress(ctx, owners, "sponsored", chainID)
	require.NoError(t, err)
	req := &types.ExecutionRequest{
		ChainID:   chainID,
		Account:   addr,
		Owners:    owners,
		Salt:      "sponsored",
		Calls:     []types.Call{{To: merchant, Value: big.NewInt(0)}},
		Sponsored: true,
	}
	_, err = p.Execute(ctx, owner, req)
	assert.ErrorIs(t, err, types.ErrSponsorship)
	perr, ok := types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, types.StatusSponsorshipFailed, perr.Status)

	w.Fund(addr, big.NewInt(1e18))
	req.Sponsored = false
	_, err = p.Execute(ctx, owner, req)
	require.NoError(t, err)
}

func TestPayflowConfigValidation(t *testing.T) {
	_, err := payflow.New(&types.Config{LogLevel: "loud"})
	assert.ErrorIs(t, err, types.ErrConfig)

	_, err = payflow.New(&types.Config{Paymaster: types.PaymasterConfig{SponsoredEnabled: true}})
	assert.ErrorIs(t, err, types.ErrConfig)

	p, err := payflow.New(nil)
	require.NoError(t, err)
	defer p.Close()
	assert.False(t, p.IsNetworkSupported(types.NetworkBaseSepolia))
	assert.Nil(t, p.Gatherer())
	assert.Empty(t, p.ResolveSponsorshipPolicies(chainID))
}

func TestAddNetworkRejectsBadConfig(t *testing.T) {
	p, err := payflow.New(nil)
	require.NoError(t, err)
	defer p.Close()
	ctx := context.Background()

	err = p.AddNetwork(ctx, types.NetworkBase, types.ChainConfig{
		ChainID:    chainID,
		RPCUrls:    []string{"https://sepolia.base.org"},
		BundlerURL: "https://bundler.example",
	})
	assert.ErrorIs(t, err, types.ErrConfig)

	err = p.AddNetwork(ctx, types.NetworkBaseSepolia, types.ChainConfig{ChainID: chainID, BundlerURL: "https://bundler.example"})
	assert.ErrorIs(t, err, types.ErrConfig)

	err = p.AddNetwork(ctx, types.NetworkBaseSepolia, types.ChainConfig{
		Network:    types.NetworkBase,
		ChainID:    chainID,
		RPCUrls:    []string{"https://sepolia.base.org"},
		BundlerURL: "https://bundler.example",
	})
	assert.ErrorIs(t, err, types.ErrConfig)
	assert.False(t, p.IsNetworkSupported(types.NetworkBaseSepolia))
}

func TestPayflowMetrics(t *testing.T) {
	p, w := newPayflow(t, &types.Config{EnableMetrics: true})
	require.NotNil(t, p.Gatherer())
	assert.True(t, p.IsNetworkSupported(types.NetworkBaseSepolia))
	assert.False(t, p.IsNetworkSupported(types.NetworkBase))

	owner := flowtest.Signer(1)
	ctx := context.Background()
	addr, err := p.DeriveAddress(ctx, []common.Address{owner.Address()}, "metrics", chainID)
	require.NoError(t, err)
	w.Fund(addr, big.NewInt(1e18))
	_, err = p.Execute(ctx, owner, &types.ExecutionRequest{
		ChainID: chainID,
		Account: addr,
		Owners:  []common.Address{owner.Address()},
		Salt:    "metrics",
		Calls:   []types.Call{{To: merchant, Value: big.NewInt(0)}},
	})
	require.NoError(t, err)

	families, err := p.Gatherer().Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "payflow_events_total")
	assert.Contains(t, names, "payflow_latency_seconds")
}

func TestGetVersion(t *testing.T) {
	v := payflow.GetVersion()
	assert.Equal(t, payflow.Version, v["library_version"])
	assert.Equal(t, "1.4.1_7579", v["account_version"])
	assert.Contains(t, v["supported_networks"], "base-sepolia")
}
