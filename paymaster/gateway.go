// Package paymaster talks to the gas sponsorship service.
package paymaster

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/multierr"

	"github.com/vitwit/payflow/logger"
	"github.com/vitwit/payflow/metrics"
	"github.com/vitwit/payflow/types"
	"github.com/vitwit/payflow/utils"
)

// DefaultURL is the sponsorship endpoint template; {chainId} and {apiKey}
// are substituted per chain.
const DefaultURL = "https://api.pimlico.io/v2/{chainId}/rpc?apikey={apiKey}"

const defaultTimeout = 15 * time.Second

// Caller is the JSON-RPC surface the gateway needs. *rpc.Client satisfies it.
type Caller interface {
	CallContext(ctx context.Context, result any, method string, args ...any) error
}

// Dialer opens a Caller for an endpoint.
type Dialer func(ctx context.Context, url string) (Caller, error)

func dialRPC(ctx context.Context, url string) (Caller, error) {
	return rpc.DialContext(ctx, url)
}

// Sponsorship is the paymaster data granted to a user operation.
type Sponsorship struct {
	PolicyID                      string
	Paymaster                     common.Address
	PaymasterData                 []byte
	PaymasterVerificationGasLimit *big.Int
	PaymasterPostOpGasLimit       *big.Int
	PreVerificationGas            *big.Int
	VerificationGasLimit          *big.Int
	CallGasLimit                  *big.Int
}

// Apply copies the sponsorship into op. Gas limits the paymaster left
// empty keep their current value.
func (s *Sponsorship) Apply(op *types.UserOperation) {
	paymaster := s.Paymaster
	op.Paymaster = &paymaster
	op.PaymasterData = common.CopyBytes(s.PaymasterData)
	op.PaymasterVerificationGasLimit = s.PaymasterVerificationGasLimit
	op.PaymasterPostOpGasLimit = s.PaymasterPostOpGasLimit
	if s.PreVerificationGas != nil {
		op.PreVerificationGas = s.PreVerificationGas
	}
	if s.VerificationGasLimit != nil {
		op.VerificationGasLimit = s.VerificationGasLimit
	}
	if s.CallGasLimit != nil {
		op.CallGasLimit = s.CallGasLimit
	}
}

// Gateway decides whether and how user operations are sponsored. It is
// configured once and safe for concurrent use.
type Gateway struct {
	cfg     types.PaymasterConfig
	dial    Dialer
	timeout time.Duration
	logger  logger.Logger
	metrics metrics.Recorder

	mu      sync.Mutex
	callers map[int64]Caller
}

type Option func(*Gateway)

// WithCaller pins the Caller used for chainID.
func WithCaller(chainID int64, c Caller) Option {
	return func(g *Gateway) { g.callers[chainID] = c }
}

func WithDialer(d Dialer) Option {
	return func(g *Gateway) { g.dial = d }
}

func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.timeout = d }
}

func WithLogger(l logger.Logger) Option {
	return func(g *Gateway) { g.logger = logger.OrNoop(l) }
}

func WithMetrics(m metrics.Recorder) Option {
	return func(g *Gateway) { g.metrics = metrics.OrNoop(m) }
}

// New validates cfg and builds the gateway.
func New(cfg types.PaymasterConfig, opts ...Option) (*Gateway, error) {
	if err := utils.ValidateStruct(&cfg); err != nil {
		return nil, err
	}
	g := &Gateway{
		cfg:     cfg,
		dial:    dialRPC,
		timeout: defaultTimeout,
		logger:  logger.NoopLogger{},
		metrics: metrics.NoopRecorder{},
		callers: make(map[int64]Caller),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

func (g *Gateway) Enabled() bool {
	return g.cfg.SponsoredEnabled
}

// ResolveSponsorshipPolicies returns the policy ids to try for chainID, in
// order. It is empty when sponsorship is disabled.
func (g *Gateway) ResolveSponsorshipPolicies(chainID int64, isTestnet bool) []string {
	if !g.cfg.SponsoredEnabled {
		return nil
	}
	src := g.cfg.MainnetPolicies
	if isTestnet {
		src = g.cfg.TestnetPolicies
	}
	out := make([]string, 0, len(src))
	for _, p := range src {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (g *Gateway) endpoint(chainID int64) string {
	url := g.cfg.URL
	if url == "" {
		url = DefaultURL
	}
	return strings.NewReplacer("{chainId}", fmt.Sprint(chainID), "{apiKey}", g.cfg.APIKey).Replace(url)
}

func (g *Gateway) caller(ctx context.Context, chainID int64) (Caller, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.callers[chainID]; ok {
		return c, nil
	}
	c, err := g.dial(ctx, g.endpoint(chainID))
	if err != nil {
		return nil, err
	}
	g.callers[chainID] = c
	return c, nil
}

type sponsorResult struct {
	Paymaster                     common.Address `json:"paymaster"`
	PaymasterData                 hexutil.Bytes  `json:"paymasterData"`
	PaymasterVerificationGasLimit *hexutil.Big   `json:"paymasterVerificationGasLimit"`
	PaymasterPostOpGasLimit       *hexutil.Big   `json:"paymasterPostOpGasLimit"`
	PreVerificationGas            *hexutil.Big   `json:"preVerificationGas"`
	VerificationGasLimit          *hexutil.Big   `json:"verificationGasLimit"`
	CallGasLimit                  *hexutil.Big   `json:"callGasLimit"`
}

// Sponsor asks the paymaster to cover op under each resolved policy in turn;
// the first acceptance wins. An empty policy list or a rejection by every
// policy fails with SPONSORSHIP_FAILED. Nothing is retried.
func (g *Gateway) Sponsor(ctx context.Context, chainID int64, isTestnet bool, op *types.UserOperation, entryPoint common.Address) (*Sponsorship, error) {
	policies := g.ResolveSponsorshipPolicies(chainID, isTestnet)
	if len(policies) == 0 {
		return nil, types.NewError(types.CodeSponsorshipFailed, "no sponsorship policy configured").OnChain(chainID)
	}

	c, err := g.caller(ctx, chainID)
	if err != nil {
		return nil, types.WrapError(types.CodeSponsorshipFailed, err, "failed to reach paymaster").OnChain(chainID)
	}

	var rejections error
	for _, id := range policies {
		var res sponsorResult
		cctx, cancel := context.WithTimeout(ctx, g.timeout)
		err := c.CallContext(cctx, &res, "pm_sponsorUserOperation", op, entryPoint,
			map[string]string{"sponsorshipPolicyId": id})
		cancel()
		if err != nil {
			g.logger.Debug("sponsorship policy declined", map[string]any{"chain": chainID, "policy": id, "error": err})
			rejections = multierr.Append(rejections, fmt.Errorf("policy %s: %w", id, err))
			if ctx.Err() != nil {
				break
			}
			continue
		}

		g.logger.Info("user operation sponsored", map[string]any{"chain": chainID, "policy": id})
		g.metrics.IncCounter(metrics.EventSponsorshipGranted, map[string]string{"chain": fmt.Sprint(chainID)})
		return &Sponsorship{
			PolicyID:                      id,
			Paymaster:                     res.Paymaster,
			PaymasterData:                 res.PaymasterData,
			PaymasterVerificationGasLimit: hexBig(res.PaymasterVerificationGasLimit),
			PaymasterPostOpGasLimit:       hexBig(res.PaymasterPostOpGasLimit),
			PreVerificationGas:            hexBig(res.PreVerificationGas),
			VerificationGasLimit:          hexBig(res.VerificationGasLimit),
			CallGasLimit:                  hexBig(res.CallGasLimit),
		}, nil
	}
	return nil, types.WrapError(types.CodeSponsorshipFailed, rejections,
		"all %d sponsorship policies declined", len(policies)).OnChain(chainID)
}

func hexBig(n *hexutil.Big) *big.Int {
	if n == nil {
		return nil
	}
	return n.ToInt()
}

// Close closes the paymaster connections the gateway dialed.
func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, c := range g.callers {
		if closer, ok := c.(interface{ Close() }); ok {
			closer.Close()
		}
		delete(g.callers, id)
	}
}
