package utils

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/payflow/types"
)

func TestParseUnits(t *testing.T) {
	n, err := ParseUnits("1.5", 6)
	require.NoError(t, err)
	assert.Equal(t, "1500000", n.String())

	n, err = ParseEther("0.001")
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000", n.String())

	_, err = ParseUnits("0.0000001", 6)
	assert.ErrorIs(t, err, types.ErrInvalidAmount)

	_, err = ParseUnits("-1", 6)
	assert.ErrorIs(t, err, types.ErrInvalidAmount)

	_, err = ParseUnits("abc", 6)
	assert.ErrorIs(t, err, types.ErrInvalidAmount)

	assert.Equal(t, "1.5", FormatUnits(big.NewInt(1_500_000), 6))
	assert.Equal(t, "0", FormatUnits(nil, 6))
}

func TestValidateOwners(t *testing.T) {
	a := common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	b := common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")

	assert.NoError(t, ValidateOwners([]common.Address{a, b}))
	assert.ErrorIs(t, ValidateOwners(nil), types.ErrInvalidOwnerSet)
	assert.ErrorIs(t, ValidateOwners([]common.Address{a, {}}), types.ErrInvalidOwnerSet)
	assert.ErrorIs(t, ValidateOwners([]common.Address{a, b, a}), types.ErrInvalidOwnerSet)
}

func TestValidateTransactionHash(t *testing.T) {
	assert.NoError(t, ValidateTransactionHash(common.HexToHash("0x01").Hex()))
	assert.Error(t, ValidateTransactionHash(""))
	assert.Error(t, ValidateTransactionHash("01"))
	assert.Error(t, ValidateTransactionHash("0x1234"))
}

func TestSignerRoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := NewPrivateKeySigner(key)
	hash := crypto.Keccak256([]byte("payflow"))

	sig, err := signer.SignHash(hash)
	require.NoError(t, err)
	assert.Contains(t, []byte{27, 28}, sig[64])

	got, err := RecoverAddress(hash, sig)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), got)

	_, err = NewPrivateKeySignerFromHex("not-a-key")
	assert.ErrorIs(t, err, types.ErrConfig)

	fromHex, err := NewPrivateKeySignerFromHex(common.Bytes2Hex(crypto.FromECDSA(key)))
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), fromHex.Address())
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`{
		"logLevel": "debug",
		"chains": {
			"base-sepolia": {
				"network": "base-sepolia",
				"chainId": 84532,
				"rpcUrls": ["https://sepolia.base.org"],
				"bundlerUrl": "https://api.pimlico.io/v2/84532/rpc"
			}
		}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, types.DefaultPollConfig(), cfg.Poll)
	assert.Equal(t, int64(84532), cfg.Chains[types.NetworkBaseSepolia].ChainID)

	_, err = ParseConfig([]byte(`{"chains": {"base-sepolia": {"network": "base-sepolia", "chainId": 8453,
		"rpcUrls": ["https://sepolia.base.org"], "bundlerUrl": "https://bundler.example"}}}`))
	assert.ErrorIs(t, err, types.ErrConfig)

	_, err = ParseConfig([]byte(`{"logLevel": "loud"}`))
	assert.ErrorIs(t, err, types.ErrConfig)

	_, err = ParseConfig([]byte(`{`))
	assert.ErrorIs(t, err, types.ErrConfig)
}

func TestParseChainConfigRequiresEndpoints(t *testing.T) {
	_, err := ParseChainConfig([]byte(`{"network": "base", "chainId": 8453}`))
	assert.ErrorIs(t, err, types.ErrConfig)

	cfg, err := ParseChainConfig([]byte(`{"network": "base", "chainId": 8453,
		"rpcUrls": ["https://mainnet.base.org"], "bundlerUrl": "https://bundler.example"}`))
	require.NoError(t, err)
	assert.Equal(t, types.NetworkBase, cfg.Network)
}
