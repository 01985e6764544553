package paymaster_test

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/payflow/paymaster"
	"github.com/vitwit/payflow/types"
)

var (
	entryPoint = common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032")
	pmAddr     = common.HexToAddress("0x777777777777AeC03fd955926DbF81597e66834C")
)

// fakePaymaster accepts the policies in accept and declines the rest.
type fakePaymaster struct {
	mu     sync.Mutex
	accept map[string]bool
	tried  []string
}

func (f *fakePaymaster) CallContext(_ context.Context, result any, method string, args ...any) error {
	if method != "pm_sponsorUserOperation" || len(args) != 3 {
		return errors.New("unexpected call")
	}
	id := args[2].(map[string]string)["sponsorshipPolicyId"]

	f.mu.Lock()
	f.tried = append(f.tried, id)
	f.mu.Unlock()

	if !f.accept[id] {
		return errors.New("policy rejected")
	}
	raw, _ := json.Marshal(map[string]string{
		"paymaster":                     pmAddr.Hex(),
		"paymasterData":                 "0x1234",
		"paymasterVerificationGasLimit": "0x186a0",
		"paymasterPostOpGasLimit":       "0x1",
		"preVerificationGas":            "0xea60",
		"verificationGasLimit":          "0x7a120",
		"callGasLimit":                  "0x30d40",
	})
	return json.Unmarshal(raw, result)
}

func config(policies ...string) types.PaymasterConfig {
	return types.PaymasterConfig{
		APIKey:           "pim_test",
		SponsoredEnabled: true,
		MainnetPolicies:  []string{"sp_main"},
		TestnetPolicies:  policies,
	}
}

func userOp() *types.UserOperation {
	return &types.UserOperation{
		Sender:   common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"),
		Nonce:    big.NewInt(0),
		CallData: []byte{0x01},
	}
}

func TestSponsorFirstAcceptingPolicyWins(t *testing.T) {
	fake := &fakePaymaster{accept: map[string]bool{"sp_b": true, "sp_c": true}}
	g, err := paymaster.New(config("sp_a", " sp_b ", "", "sp_c"), paymaster.WithCaller(84532, fake))
	require.NoError(t, err)

	sp, err := g.Sponsor(context.Background(), 84532, true, userOp(), entryPoint)
	require.NoError(t, err)
	assert.Equal(t, "sp_b", sp.PolicyID)
	assert.Equal(t, pmAddr, sp.Paymaster)
	assert.Equal(t, []byte{0x12, 0x34}, sp.PaymasterData)
	assert.Equal(t, []string{"sp_a", "sp_b"}, fake.tried)

	op := userOp()
	sp.Apply(op)
	require.NotNil(t, op.Paymaster)
	assert.Equal(t, pmAddr, *op.Paymaster)
	assert.Equal(t, int64(100_000), op.PaymasterVerificationGasLimit.Int64())
	assert.Equal(t, int64(200_000), op.CallGasLimit.Int64())
}

func TestSponsorAllPoliciesDeclined(t *testing.T) {
	fake := &fakePaymaster{}
	g, err := paymaster.New(config("sp_a", "sp_b"), paymaster.WithCaller(84532, fake))
	require.NoError(t, err)

	_, err = g.Sponsor(context.Background(), 84532, true, userOp(), entryPoint)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrSponsorship)
	assert.Contains(t, err.Error(), "sp_a")
	assert.Contains(t, err.Error(), "sp_b")
	assert.Len(t, fake.tried, 2)
}

func TestSponsorWithoutPolicies(t *testing.T) {
	fake := &fakePaymaster{accept: map[string]bool{"sp_main": true}}

	g, err := paymaster.New(config(), paymaster.WithCaller(84532, fake))
	require.NoError(t, err)
	_, err = g.Sponsor(context.Background(), 84532, true, userOp(), entryPoint)
	assert.ErrorIs(t, err, types.ErrSponsorship)
	assert.Empty(t, fake.tried)

	cfg := config("sp_a")
	cfg.SponsoredEnabled = false
	disabled, err := paymaster.New(cfg, paymaster.WithCaller(8453, fake))
	require.NoError(t, err)
	assert.False(t, disabled.Enabled())
	assert.Empty(t, disabled.ResolveSponsorshipPolicies(8453, false))
	_, err = disabled.Sponsor(context.Background(), 8453, false, userOp(), entryPoint)
	assert.ErrorIs(t, err, types.ErrSponsorship)
}

func TestResolveSponsorshipPolicies(t *testing.T) {
	g, err := paymaster.New(config("sp_t1", "sp_t2"))
	require.NoError(t, err)
	assert.Equal(t, []string{"sp_t1", "sp_t2"}, g.ResolveSponsorshipPolicies(84532, true))
	assert.Equal(t, []string{"sp_main"}, g.ResolveSponsorshipPolicies(8453, false))
}

func TestDialerUsesChainEndpoint(t *testing.T) {
	var dialed []string
	fake := &fakePaymaster{accept: map[string]bool{"sp_main": true}}
	cfg := config()
	cfg.URL = "https://paymaster.example/{chainId}?key={apiKey}"

	g, err := paymaster.New(cfg, paymaster.WithDialer(func(_ context.Context, url string) (paymaster.Caller, error) {
		dialed = append(dialed, url)
		return fake, nil
	}))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = g.Sponsor(context.Background(), 8453, false, userOp(), entryPoint)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"https://paymaster.example/8453?key=pim_test"}, dialed)
}

func TestNewRequiresAPIKeyWhenEnabled(t *testing.T) {
	cfg := config("sp_a")
	cfg.APIKey = ""
	_, err := paymaster.New(cfg)
	assert.ErrorIs(t, err, types.ErrConfig)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("PAYFLOW_PAYMASTER_API_KEY", "pim_env")
	t.Setenv("PAYFLOW_PAYMASTER_SPONSORED_ENABLED", "true")
	t.Setenv("PAYFLOW_PAYMASTER_TESTNET_POLICIES", "sp_1,sp_2")

	cfg, err := paymaster.LoadConfigFromEnv("")
	require.NoError(t, err)
	assert.Equal(t, "pim_env", cfg.APIKey)
	assert.True(t, cfg.SponsoredEnabled)
	assert.Equal(t, []string{"sp_1", "sp_2"}, cfg.TestnetPolicies)
	assert.Empty(t, cfg.MainnetPolicies)

	t.Setenv("PAYFLOW_PAYMASTER_SPONSORED_ENABLED", "maybe")
	_, err = paymaster.LoadConfigFromEnv("")
	assert.ErrorIs(t, err, types.ErrConfig)
}
