package session_test

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/payflow/internal/flowtest"
	"github.com/vitwit/payflow/policy"
	"github.com/vitwit/payflow/session"
)

const chainID = 84532

var usdc = common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e")

func transferSelector() [4]byte {
	return [4]byte(policy.ERC20.Methods["transfer"].ID)
}

func paymentSession(t *testing.T, validUntil uint64) session.Session {
	t.Helper()
	tf, err := policy.NewTimeFrame(0, validUntil)
	require.NoError(t, err)
	limits, err := policy.NewSpendingLimits([]policy.SpendingLimit{{Token: usdc, Limit: big.NewInt(1_000_000)}})
	require.NoError(t, err)

	return session.NewSimpleSession(flowtest.Signer(9).Address(), chainID, [32]byte{1},
		[]policy.Policy{tf},
		[]session.ActionPolicy{{Target: usdc, Selector: transferSelector(), Policies: []policy.Policy{limits}}},
	)
}

func TestComputeSessionIDIsStable(t *testing.T) {
	s := paymentSession(t, 2_000_000_000)

	id1, err := session.ComputeSessionID(s)
	require.NoError(t, err)
	id2, err := session.ComputeSessionID(paymentSession(t, 2_000_000_000))
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.NotEqual(t, session.ID{}, id1)

	later, err := session.ComputeSessionID(paymentSession(t, 2_000_000_001))
	require.NoError(t, err)
	assert.NotEqual(t, id1, later)

	other := s
	other.ChainID = 8453
	onBase, err := session.ComputeSessionID(other)
	require.NoError(t, err)
	assert.NotEqual(t, id1, onBase)

	addrs := policy.DefaultAddresses()
	addrs.TimeFrame = common.HexToAddress("0x01")
	custom, err := session.ComputeSessionIDWith(s, addrs)
	require.NoError(t, err)
	assert.NotEqual(t, id1, custom)
}

func TestEnableSessionsCallCarriesSessionIDs(t *testing.T) {
	module := common.HexToAddress("0x00000000002B0eCfbD0496EE71e01257dA0E37DE")
	a, b := paymentSession(t, 100), paymentSession(t, 200)

	call, err := session.EnableSessionsCall(module, []session.Session{a, b}, policy.DefaultAddresses())
	require.NoError(t, err)
	assert.Equal(t, module, call.To)

	enabled, err := session.DecodeEnableSessions(call.Data, chainID)
	require.NoError(t, err)
	require.Len(t, enabled, 2)
	idA, _ := session.ComputeSessionID(a)
	idB, _ := session.ComputeSessionID(b)
	assert.Equal(t, idA, enabled[0].ID)
	assert.Equal(t, idB, enabled[1].ID)
	assert.Equal(t, session.DefaultSimpleValidator, enabled[0].Validator)
	assert.Equal(t, a.ValidatorInitData, enabled[0].ValidatorInitData)

	_, err = session.DecodeRemoveSession(call.Data)
	assert.Error(t, err)
}

func TestRemoveSessionCallRoundTrip(t *testing.T) {
	module := common.HexToAddress("0x00000000002B0eCfbD0496EE71e01257dA0E37DE")
	id := session.HexToID("0x1111111111111111111111111111111111111111111111111111111111111111")

	call, err := session.RemoveSessionCall(module, id)
	require.NoError(t, err)
	got, err := session.DecodeRemoveSession(call.Data)
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = session.DecodeEnableSessions(call.Data, chainID)
	assert.Error(t, err)
}

func TestSignatureEncoding(t *testing.T) {
	id := session.HexToID("0xabcdef")
	sig := make([]byte, 65)
	sig[64] = 27

	packed := session.EncodeSignature(id, sig)
	require.Len(t, packed, 1+32+65)
	assert.Equal(t, session.ModeUse, packed[0])

	gotID, gotSig, err := session.DecodeSignature(packed)
	require.NoError(t, err)
	assert.Equal(t, id, gotID)
	assert.Equal(t, sig, gotSig)

	_, _, err = session.DecodeSignature(packed[:20])
	assert.Error(t, err)

	packed[0] = session.ModeEnable
	_, _, err = session.DecodeSignature(packed)
	assert.Error(t, err)
}

func TestRecoverSessionKey(t *testing.T) {
	key := flowtest.Signer(9)
	opHash := common.HexToHash("0x5a5a")

	sig, err := key.SignHash(session.SigningHash(opHash).Bytes())
	require.NoError(t, err)
	got, err := session.RecoverSessionKey(opHash, sig)
	require.NoError(t, err)
	assert.Equal(t, key.Address(), got)

	// a raw signature over the op hash is not a session signature
	raw, err := key.SignHash(opHash.Bytes())
	require.NoError(t, err)
	got, err = session.RecoverSessionKey(opHash, raw)
	require.NoError(t, err)
	assert.NotEqual(t, key.Address(), got)
}

func TestNonceKeyShiftsModuleAddress(t *testing.T) {
	module := common.HexToAddress("0x00000000002B0eCfbD0496EE71e01257dA0E37DE")
	key := session.NonceKey(module)

	assert.Equal(t, 0, new(big.Int).Rsh(key, 32).Cmp(new(big.Int).SetBytes(module.Bytes())))
	assert.Equal(t, uint64(0), new(big.Int).And(key, big.NewInt(0xffffffff)).Uint64())
	assert.LessOrEqual(t, key.BitLen(), 192)
}

func TestSimpleSession(t *testing.T) {
	s := paymentSession(t, 100)

	key, ok := s.SessionKey()
	require.True(t, ok)
	assert.Equal(t, flowtest.Signer(9).Address(), key)
	assert.Equal(t, session.DefaultSimpleValidator, s.Validator)
	assert.True(t, s.PermitPaymaster)
	assert.False(t, s.IsSudo())

	s.UserOpPolicies = append(s.UserOpPolicies, policy.NewSudo())
	assert.True(t, s.IsSudo())

	s.ValidatorInitData = []byte{1, 2, 3}
	_, ok = s.SessionKey()
	assert.False(t, ok)
}
