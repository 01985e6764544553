package clients

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/payflow/types"
)

// deadURL refuses connections, forcing a transport error.
const deadURL = "http://127.0.0.1:1"

func chainConfig(urls ...string) types.ChainConfig {
	return types.ChainConfig{
		Network:    types.NetworkBaseSepolia,
		ChainID:    84532,
		RPCUrls:    urls,
		BundlerURL: "http://bundler.invalid",
		Timeout:    2 * time.Second,
	}
}

func TestEVMClientFallsBackToSecondaryEndpoint(t *testing.T) {
	secondary := newFakeRPC(t, map[string]rpcHandler{
		"eth_chainId":    result("0x14a34"),
		"eth_getBalance": result("0xde0b6b3a7640000"),
		"eth_getCode":    result("0x6001"),
	})

	c, err := NewEVMClient(context.Background(), chainConfig(deadURL, secondary.URL))
	require.NoError(t, err)
	defer c.Close()

	bal, err := c.BalanceAt(context.Background(), common.HexToAddress("0x01"))
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1e18), bal)

	code, err := c.CodeAt(context.Background(), common.HexToAddress("0x01"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x60, 0x01}, code)
	assert.Equal(t, 1, secondary.count("eth_getBalance"))
}

func TestEVMClientServerErrorIsFinal(t *testing.T) {
	failing := func([]json.RawMessage) (any, *rpcErr) {
		return nil, &rpcErr{Code: 3, Message: "execution reverted"}
	}
	primary := newFakeRPC(t, map[string]rpcHandler{
		"eth_chainId": result("0x14a34"),
		"eth_call":    failing,
	})
	secondary := newFakeRPC(t, map[string]rpcHandler{
		"eth_chainId": result("0x14a34"),
		"eth_call":    result("0x"),
	})

	c, err := NewEVMClient(context.Background(), chainConfig(primary.URL, secondary.URL))
	require.NoError(t, err)
	defer c.Close()

	_, err = c.CallContract(context.Background(), callMsg())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "execution reverted")
	assert.Equal(t, 0, secondary.count("eth_call"))
}

func TestEVMClientAllEndpointsDown(t *testing.T) {
	_, err := NewEVMClient(context.Background(), chainConfig(deadURL, deadURL))
	require.Error(t, err)
	assert.True(t, types.HasCode(err, types.CodeNetworkError))
}

func TestEVMClientChainIDMismatch(t *testing.T) {
	srv := newFakeRPC(t, map[string]rpcHandler{"eth_chainId": result("0x1")})

	_, err := NewEVMClient(context.Background(), chainConfig(srv.URL))
	require.Error(t, err)
	assert.True(t, types.HasCode(err, types.CodeConfigError))
}

func TestEVMClientTransactRequiresKey(t *testing.T) {
	srv := newFakeRPC(t, map[string]rpcHandler{"eth_chainId": result("0x14a34")})

	c, err := NewEVMClient(context.Background(), chainConfig(srv.URL))
	require.NoError(t, err)
	defer c.Close()

	assert.False(t, c.CanTransact())
	_, err = c.Transact(context.Background(), common.HexToAddress("0x02"), nil, nil)
	assert.ErrorIs(t, err, types.ErrConfig)
}

func callMsg() ethereum.CallMsg {
	to := common.HexToAddress("0x03")
	return ethereum.CallMsg{To: &to, Data: []byte{0x01, 0x02, 0x03, 0x04}}
}
