package clients

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/payflow/types"
)

func fastPoll(max int) types.PollConfig {
	return types.PollConfig{Interval: time.Millisecond, MaxInterval: time.Millisecond, Factor: 1, MaxPolls: max}
}

func TestPollSucceedsWithinBudget(t *testing.T) {
	attempts := 0
	out, err := Poll(context.Background(), fastPoll(5), func(context.Context) (int, bool, error) {
		attempts++
		return attempts, attempts == 3, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, out)
	assert.Equal(t, 3, attempts)
}

func TestPollIsBounded(t *testing.T) {
	attempts := 0
	_, err := Poll(context.Background(), fastPoll(4), func(context.Context) (int, bool, error) {
		attempts++
		return 0, false, errors.New("still syncing")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrConfirmationTimeout)
	assert.Contains(t, err.Error(), "still syncing")
	assert.Equal(t, 4, attempts)
}

func TestPollCancellationIsNotFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	_, err := Poll(ctx, fastPoll(100), func(context.Context) (int, bool, error) {
		cancel()
		return 0, false, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, types.HasCode(err, types.CodeConfirmationTimeout))
}

func TestClassifyBundlerError(t *testing.T) {
	cases := []struct {
		msg  string
		want string
	}{
		{"AA21 didn't pay prefund", types.CodeInsufficientFunds},
		{"UserOperation reverted: AA33 reverted", types.CodeSponsorshipFailed},
		{"AA31 paymaster deposit too low", types.CodeSponsorshipFailed},
		{"AA23 reverted (or OOG)", types.CodeExecutionReverted},
		{"sender balance and deposit too low: prefund", types.CodeInsufficientFunds},
		{"paymaster rejected policy", types.CodeSponsorshipFailed},
		{"dial tcp: connection refused", types.CodeNetworkError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ClassifyBundlerError(errors.New(tc.msg)), tc.msg)
	}
	assert.Equal(t, "", ClassifyBundlerError(nil))
}

func TestIsCallRevert(t *testing.T) {
	assert.True(t, IsCallRevert(errors.New("UserOperation reverted during simulation with reason: 0xacfdb444")))
	assert.True(t, IsCallRevert(errors.New("execution reverted: ERC20: transfer amount exceeds balance")))
	assert.False(t, IsCallRevert(errors.New("UserOperation reverted during simulation with reason: AA23 reverted")))
	assert.False(t, IsCallRevert(errors.New("dial tcp: connection refused")))
	assert.False(t, IsCallRevert(nil))
}
