package clients

import (
	"context"
	"errors"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/jpillora/backoff"

	"github.com/vitwit/payflow/types"
)

// Poll calls check until it reports done. Errors from check are treated as
// transient. After cfg.MaxPolls attempts it fails with CONFIRMATION_TIMEOUT;
// when ctx ends it returns ctx.Err(). Neither outcome says anything about
// whether the awaited operation will still land.
func Poll[T any](ctx context.Context, cfg types.PollConfig, check func(context.Context) (T, bool, error)) (T, error) {
	var zero T
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = types.DefaultPollConfig().MaxPolls
	}
	if cfg.Interval <= 0 {
		cfg.Interval = types.DefaultPollConfig().Interval
	}
	if cfg.MaxInterval < cfg.Interval {
		cfg.MaxInterval = cfg.Interval
	}
	if cfg.Factor <= 0 {
		cfg.Factor = 1
	}

	b := &backoff.Backoff{
		Min:    cfg.Interval,
		Max:    cfg.MaxInterval,
		Factor: cfg.Factor,
	}

	var lastErr error
	for {
		out, done, err := check(ctx)
		if err == nil && done {
			return out, nil
		}
		if err != nil {
			lastErr = err
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		// b.Attempt() starts from zero
		if int(b.Attempt())+1 >= cfg.MaxPolls {
			return zero, types.WrapError(types.CodeConfirmationTimeout, lastErr, "gave up after %d polls", cfg.MaxPolls)
		}

		t := time.NewTimer(b.Duration())
		select {
		case <-ctx.Done():
			t.Stop()
			return zero, ctx.Err()
		case <-t.C:
		}
	}
}

// WaitMined polls for a transaction receipt.
func WaitMined(ctx context.Context, client ChainClient, hash common.Hash, cfg types.PollConfig) (*ethtypes.Receipt, error) {
	return Poll(ctx, cfg, func(ctx context.Context) (*ethtypes.Receipt, bool, error) {
		r, err := client.TransactionReceipt(ctx, hash)
		if errors.Is(err, ethereum.NotFound) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		return r, true, nil
	})
}

// WaitUserOperation polls the bundler for a user operation receipt.
func WaitUserOperation(ctx context.Context, bundler Bundler, userOpHash common.Hash, cfg types.PollConfig) (*types.UserOperationReceipt, error) {
	return Poll(ctx, cfg, func(ctx context.Context) (*types.UserOperationReceipt, bool, error) {
		r, err := bundler.GetUserOperationReceipt(ctx, userOpHash)
		if err != nil {
			return nil, false, err
		}
		return r, r != nil, nil
	})
}
