package payflow

import (
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vitwit/payflow/account"
	"github.com/vitwit/payflow/clients"
	"github.com/vitwit/payflow/logger"
	"github.com/vitwit/payflow/metrics"
	"github.com/vitwit/payflow/paymaster"
	"github.com/vitwit/payflow/policy"
	"github.com/vitwit/payflow/session"
)

type Option func(*Payflow)

func WithLogger(l logger.Logger) Option {
	return func(p *Payflow) {
		p.logger = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(p *Payflow) {
		p.metrics = r
	}
}

// WithTimeout bounds single RPC and paymaster calls.
func WithTimeout(t time.Duration) Option {
	return func(p *Payflow) {
		p.timeout = t
	}
}

// WithProvider replaces the chain client registry.
func WithProvider(provider *clients.Provider) Option {
	return func(p *Payflow) {
		p.provider = provider
	}
}

// WithContracts overrides the Safe, EntryPoint and session module addresses.
func WithContracts(c account.Contracts) Option {
	return func(p *Payflow) {
		p.contracts = c
	}
}

func WithPolicyAddresses(a policy.Addresses) Option {
	return func(p *Payflow) {
		p.policies = a
	}
}

func WithSessionStore(s session.Store) Option {
	return func(p *Payflow) {
		p.store = s
	}
}

// WithRedis keeps sessions and their spend in redis under prefix, shared by
// every process pointed at the same server.
func WithRedis(client *redis.Client, prefix string) Option {
	return func(p *Payflow) {
		p.store = session.NewRedisStore(client, prefix)
	}
}

// WithPaymasterOptions passes options through to the paymaster gateway.
func WithPaymasterOptions(opts ...paymaster.Option) Option {
	return func(p *Payflow) {
		p.paymasterOpts = append(p.paymasterOpts, opts...)
	}
}
