// Package execution builds, signs and submits user operations and follows
// them to inclusion.
package execution

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/vitwit/payflow/account"
	"github.com/vitwit/payflow/clients"
	"github.com/vitwit/payflow/logger"
	"github.com/vitwit/payflow/metrics"
	"github.com/vitwit/payflow/paymaster"
	"github.com/vitwit/payflow/policy"
	"github.com/vitwit/payflow/session"
	"github.com/vitwit/payflow/types"
	"github.com/vitwit/payflow/utils/eip712"
	"github.com/vitwit/payflow/verification"
)

// ClientProvider resolves chain clients and bundlers by chain id.
type ClientProvider interface {
	Client(chainID int64) (clients.ChainClient, error)
	Bundler(chainID int64) (clients.Bundler, error)
}

// Sponsor grants paymaster sponsorship for user operations.
type Sponsor interface {
	Sponsor(ctx context.Context, chainID int64, isTestnet bool, op *types.UserOperation, entryPoint common.Address) (*paymaster.Sponsorship, error)
}

var _ Sponsor = (*paymaster.Gateway)(nil)

// placeholder ECDSA signature used while estimating gas
var dummySignature = append(bytes.Repeat([]byte{0xff}, 64), 0x1c)

// Service executes user operations for owners and session keys.
type Service struct {
	clients  ClientProvider
	deployer *account.Deployer
	sponsor  Sponsor
	store    session.Store
	verifier verification.Verifier
	poll     types.PollConfig
	validity time.Duration
	now      func() time.Time
	logger   logger.Logger
	metrics  metrics.Recorder

	// gas limits used when estimation fails because the calls revert
	fallbackGas types.GasEstimate
}

type Option func(*Service)

// WithSponsor sets the paymaster gateway. Without one every sponsored
// request fails with SPONSORSHIP_FAILED.
func WithSponsor(s Sponsor) Option {
	return func(svc *Service) { svc.sponsor = s }
}

// WithSessionStore sets where installed sessions and their usage live.
func WithSessionStore(s session.Store) Option {
	return func(svc *Service) { svc.store = s }
}

func WithVerifier(v verification.Verifier) Option {
	return func(svc *Service) { svc.verifier = v }
}

func WithPollConfig(p types.PollConfig) Option {
	return func(svc *Service) { svc.poll = p }
}

// WithFallbackGas sets the gas limits an operation is submitted with when
// the bundler's simulation reports that its calls revert.
func WithFallbackGas(g types.GasEstimate) Option {
	return func(svc *Service) { svc.fallbackGas = g }
}

// WithValidity bounds how long owner signatures stay valid. Zero, the
// default, means no expiry.
func WithValidity(d time.Duration) Option {
	return func(svc *Service) { svc.validity = d }
}

func WithClock(now func() time.Time) Option {
	return func(svc *Service) { svc.now = now }
}

func WithLogger(l logger.Logger) Option {
	return func(svc *Service) { svc.logger = logger.OrNoop(l) }
}

func WithMetrics(m metrics.Recorder) Option {
	return func(svc *Service) { svc.metrics = metrics.OrNoop(m) }
}

// NewService builds a Service. The deployer supplies the contract set and
// the init code of accounts that are not deployed yet.
func NewService(provider ClientProvider, deployer *account.Deployer, opts ...Option) *Service {
	s := &Service{
		clients:  provider,
		deployer: deployer,
		store:    session.NewMemoryStore(),
		verifier: verification.NewVerificationService(),
		poll:     types.DefaultPollConfig(),
		now:      time.Now,
		logger:   logger.NoopLogger{},
		metrics:  metrics.NoopRecorder{},
		fallbackGas: types.GasEstimate{
			PreVerificationGas:   big.NewInt(60_000),
			VerificationGasLimit: big.NewInt(500_000),
			CallGasLimit:         big.NewInt(200_000),
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// plan is one user operation to run through the pipeline.
type plan struct {
	chainID   int64
	account   common.Address
	owners    []common.Address
	salt      string
	calls     []types.Call
	sponsored bool
	nonceKey  *big.Int
	dummySig  []byte
	sign      func(op *types.UserOperation, entryPoint common.Address, chainID *big.Int) ([]byte, error)
}

// Execute runs calls as one owner-signed user operation on req.Account.
// Accounts not deployed yet are deployed by the same operation, provided
// req.Owners and req.Salt derive req.Account. It returns the hash of the
// transaction that included the operation.
func (s *Service) Execute(ctx context.Context, signer types.Signer, req *types.ExecutionRequest) (common.Hash, error) {
	if err := validateRequest(signer, req.ChainID, req.Account, req.Calls); err != nil {
		return common.Hash{}, err
	}

	contracts := s.deployer.Contracts()
	p := &plan{
		chainID:   req.ChainID,
		account:   req.Account,
		owners:    req.Owners,
		salt:      req.Salt,
		calls:     req.Calls,
		sponsored: req.Sponsored,
		nonceKey:  new(big.Int),
	}
	var window eip712.Window
	if s.validity > 0 {
		window.ValidUntil = uint64(s.now().Add(s.validity).Unix())
	}
	p.dummySig = eip712.PackSignature(window, dummySignature)
	p.sign = func(op *types.UserOperation, entryPoint common.Address, chainID *big.Int) ([]byte, error) {
		digest := eip712.SafeOpHash(op, window, chainID, contracts.Adapter, entryPoint)
		sig, err := signer.SignHash(digest.Bytes())
		if err != nil {
			return nil, err
		}
		return eip712.PackSignature(window, sig), nil
	}

	hash, _, err := s.run(ctx, p, newTracker(req.OnStatus))
	return hash, err
}

// ExecuteWithSession runs calls as one user operation signed by a session
// key. The session's scope and cumulative limits are checked before any
// network access; violations fail with SESSION_SCOPE_VIOLATION or
// SESSION_EXPIRED. The spend is reserved before submission and released
// again when the operation fails.
func (s *Service) ExecuteWithSession(ctx context.Context, handle session.Handle, req *types.SessionRequest) (common.Hash, error) {
	if err := validateRequest(handle.Signer, req.ChainID, req.Account, req.Calls); err != nil {
		return common.Hash{}, err
	}
	labels := chainLabel(req.ChainID)

	entry, err := s.store.Get(ctx, handle.ID)
	if errors.Is(err, session.ErrNotFound) {
		s.metrics.IncCounter(metrics.EventScopeViolation, labels)
		return common.Hash{}, types.NewError(types.CodeSessionScopeViolation, "unknown session %s", handle.ID).OnChain(req.ChainID)
	}
	if err != nil {
		return common.Hash{}, fmt.Errorf("load session %s: %w", handle.ID, err)
	}
	if entry.Account != req.Account || entry.Session.ChainID != req.ChainID {
		s.metrics.IncCounter(metrics.EventScopeViolation, labels)
		return common.Hash{}, types.NewError(types.CodeSessionScopeViolation,
			"session %s is not installed on %s", handle.ID, req.Account.Hex()).OnChain(req.ChainID)
	}
	if req.Sponsored && !entry.Session.PermitPaymaster {
		s.metrics.IncCounter(metrics.EventScopeViolation, labels)
		return common.Hash{}, types.NewError(types.CodeSessionScopeViolation,
			"session %s may not use a paymaster", handle.ID).OnChain(req.ChainID)
	}

	// reserved atomically against the limits, before any network access
	now := s.now()
	delta, err := s.store.Reserve(ctx, handle.ID, func(usage policy.Ledger) (policy.Ledger, error) {
		return s.verifier.Verify(entry.Session, handle.Signer.Address(), req.Calls, usage, now)
	})
	if err != nil {
		perr, ok := types.AsError(err)
		if !ok {
			return common.Hash{}, fmt.Errorf("reserve usage of session %s: %w", handle.ID, err)
		}
		s.metrics.IncCounter(metrics.EventScopeViolation, labels)
		if perr.ChainID == 0 {
			perr.OnChain(req.ChainID)
		}
		return common.Hash{}, err
	}

	contracts := s.deployer.Contracts()
	p := &plan{
		chainID:   req.ChainID,
		account:   req.Account,
		calls:     req.Calls,
		sponsored: req.Sponsored,
		nonceKey:  session.NonceKey(contracts.SessionModule),
		dummySig:  session.EncodeSignature(handle.ID, dummySignature),
		sign: func(op *types.UserOperation, entryPoint common.Address, chainID *big.Int) ([]byte, error) {
			digest, err := op.Hash(entryPoint, chainID)
			if err != nil {
				return nil, err
			}
			sig, err := handle.Signer.SignHash(session.SigningHash(digest).Bytes())
			if err != nil {
				return nil, err
			}
			return session.EncodeSignature(handle.ID, sig), nil
		},
	}

	t := newTracker(req.OnStatus)
	hash, confirmed, err := s.run(ctx, p, t)
	// pending operations keep their reservation
	if !confirmed && t.current != types.StatusSubmitted {
		if rerr := s.store.Release(context.WithoutCancel(ctx), handle.ID, delta); rerr != nil {
			s.logger.Error("failed to release session usage", map[string]any{
				"session": handle.ID.Hex(), "chain": req.ChainID, "error": rerr,
			})
		}
	}
	return hash, err
}

func validateRequest(signer types.Signer, chainID int64, acct common.Address, calls []types.Call) error {
	if signer == nil {
		return types.NewError(types.CodeInvalidRequest, "signer is required")
	}
	if acct == (common.Address{}) {
		return types.NewError(types.CodeInvalidRequest, "account address is required")
	}
	if len(calls) == 0 {
		return types.NewError(types.CodeInvalidRequest, "no calls to execute").OnChain(chainID)
	}
	return nil
}

// run drives p through preparing, signing and submission, then waits for
// the receipt. confirmed reports whether the operation was included and
// succeeded.
func (s *Service) run(ctx context.Context, p *plan, t *tracker) (hash common.Hash, confirmed bool, err error) {
	opID := uuid.NewString()
	log := s.logger.With(map[string]any{"op_id": opID, "chain": p.chainID, "account": p.account.Hex()})
	labels := chainLabel(p.chainID)
	start := time.Now()
	defer func() {
		s.metrics.ObserveLatency(metrics.OpExecute, time.Since(start), labels)
		if err != nil {
			log.Warn("user operation failed", map[string]any{"status": t.current.String(), "error": err})
		}
	}()

	t.advance(types.StatusPreparing)
	contracts := s.deployer.Contracts()
	entryPoint := contracts.EntryPoint
	chainID := big.NewInt(p.chainID)

	client, err := s.clients.Client(p.chainID)
	if err != nil {
		return common.Hash{}, false, t.attach(err)
	}
	bundler, err := s.clients.Bundler(p.chainID)
	if err != nil {
		return common.Hash{}, false, t.attach(err)
	}

	op, err := s.buildOperation(ctx, client, bundler, p, contracts)
	if err != nil {
		return common.Hash{}, false, t.attach(err)
	}

	// sponsorship is settled before any fee check
	if p.sponsored {
		if s.sponsor == nil {
			s.metrics.IncCounter(metrics.EventSponsorshipFailed, labels)
			return common.Hash{}, false, t.fail(types.StatusSponsorshipFailed,
				types.NewError(types.CodeSponsorshipFailed, "no paymaster configured").OnChain(p.chainID))
		}
		sp, err := s.sponsor.Sponsor(ctx, p.chainID, types.IsTestnetChain(p.chainID), op, entryPoint)
		if err != nil {
			s.metrics.IncCounter(metrics.EventSponsorshipFailed, labels)
			return common.Hash{}, false, t.fail(types.StatusSponsorshipFailed, asCode(types.CodeSponsorshipFailed, err, p.chainID))
		}
		sp.Apply(op)
		log.Debug("sponsorship granted", map[string]any{"policy": sp.PolicyID})
	} else {
		est, err := bundler.EstimateUserOperationGas(ctx, op, entryPoint)
		if clients.IsCallRevert(err) {
			// the revert is reported once the operation lands
			log.Warn("calls revert in simulation, using fallback gas", map[string]any{"error": err.Error()})
			fallback := s.fallbackGas
			est, err = &fallback, nil
		}
		if err != nil {
			return common.Hash{}, false, s.bundlerFailure(t, err, p.chainID, "gas estimation failed")
		}
		applyEstimate(op, est)

		balance, err := client.BalanceAt(ctx, p.account)
		if err != nil {
			return common.Hash{}, false, t.attach(err)
		}
		if need := op.RequiredPrefund(); balance.Cmp(need) < 0 {
			s.metrics.IncCounter(metrics.EventInsufficientFee, labels)
			return common.Hash{}, false, t.fail(types.StatusInsufficientFee, types.NewError(types.CodeInsufficientFunds,
				"account balance %s cannot cover fee %s", balance, need).OnChain(p.chainID))
		}
	}

	t.advance(types.StatusSigning)
	sig, err := p.sign(op, entryPoint, chainID)
	if err != nil {
		return common.Hash{}, false, t.attach(types.WrapError(types.CodeInvalidRequest, err, "signer failed").OnChain(p.chainID))
	}
	op.Signature = sig

	userOpHash, err := bundler.SendUserOperation(ctx, op, entryPoint)
	if err != nil {
		return common.Hash{}, false, s.bundlerFailure(t, err, p.chainID, "bundler rejected user operation")
	}
	t.advance(types.StatusSubmitted)
	log.Info("user operation submitted", map[string]any{"user_op_hash": userOpHash.Hex()})

	receipt, err := clients.WaitUserOperation(ctx, bundler, userOpHash, s.poll)
	if err != nil {
		if perr, ok := types.AsError(err); ok {
			perr.OnChain(p.chainID)
		}
		return common.Hash{}, false, t.attach(err)
	}

	if !receipt.Success {
		s.metrics.IncCounter(metrics.EventUserOpReverted, labels)
		reason := receipt.Reason
		if reason == "" {
			reason = "execution reverted"
		}
		perr := types.NewError(types.CodeExecutionReverted, "user operation %s reverted: %s", userOpHash.Hex(), reason).OnChain(p.chainID)
		return receipt.TransactionHash, false, t.fail(types.StatusReverted, perr)
	}

	t.advance(types.StatusConfirmed)
	s.metrics.IncCounter(metrics.EventUserOpConfirmed, labels)
	log.Info("user operation confirmed", map[string]any{
		"user_op_hash": userOpHash.Hex(),
		"tx_hash":      receipt.TransactionHash.Hex(),
		"status":       t.current.String(),
	})
	return receipt.TransactionHash, true, nil
}

// buildOperation resolves deployment state, nonce, call data and fees.
func (s *Service) buildOperation(ctx context.Context, client clients.ChainClient, bundler clients.Bundler, p *plan, contracts account.Contracts) (*types.UserOperation, error) {
	deployed, err := account.IsDeployed(ctx, client, p.account)
	if err != nil {
		return nil, err
	}

	op := &types.UserOperation{Sender: p.account, Signature: p.dummySig}
	if !deployed {
		if len(p.owners) == 0 {
			return nil, types.NewError(types.CodeInvalidRequest,
				"account %s is not deployed and no owners were given", p.account.Hex()).OnChain(p.chainID)
		}
		derived, err := s.deployer.DeriveAddress(ctx, p.owners, p.salt, p.chainID)
		if err != nil {
			return nil, err
		}
		if derived != p.account {
			return nil, types.NewError(types.CodeInvalidRequest,
				"owners and salt derive %s, not %s", derived.Hex(), p.account.Hex()).OnChain(p.chainID)
		}
		factory, data, err := s.deployer.InitCode(p.owners, p.salt)
		if err != nil {
			return nil, err
		}
		op.Factory = &factory
		op.FactoryData = data
	}

	if op.Nonce, err = s.nonce(ctx, client, contracts.EntryPoint, p.account, p.nonceKey); err != nil {
		return nil, err
	}
	if op.CallData, err = contracts.EncodeCalls(p.calls); err != nil {
		return nil, err
	}

	price, err := bundler.GasPrice(ctx)
	if err != nil {
		return nil, err
	}
	op.MaxFeePerGas = price.MaxFeePerGas
	op.MaxPriorityFeePerGas = price.MaxPriorityFeePerGas
	return op, nil
}

func (s *Service) nonce(ctx context.Context, client clients.ChainClient, entryPoint, acct common.Address, key *big.Int) (*big.Int, error) {
	data, err := account.EntryPointABI.Pack("getNonce", acct, key)
	if err != nil {
		return nil, err
	}
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &entryPoint, Data: data})
	if err != nil {
		return nil, err
	}
	out, err := account.EntryPointABI.Unpack("getNonce", res)
	if err != nil || len(out) != 1 {
		return nil, types.WrapError(types.CodeNetworkError, err, "unexpected getNonce response").OnChain(client.ChainID())
	}
	n, ok := out[0].(*big.Int)
	if !ok {
		return nil, types.NewError(types.CodeNetworkError, "unexpected getNonce response").OnChain(client.ChainID())
	}
	return n, nil
}

func applyEstimate(op *types.UserOperation, est *types.GasEstimate) {
	if est.PreVerificationGas != nil {
		op.PreVerificationGas = est.PreVerificationGas
	}
	if est.VerificationGasLimit != nil {
		op.VerificationGasLimit = est.VerificationGasLimit
	}
	if est.CallGasLimit != nil {
		op.CallGasLimit = est.CallGasLimit
	}
}

// bundlerFailure maps a bundler error onto the terminal status it implies.
// Transport failures leave the status where it is.
func (s *Service) bundlerFailure(t *tracker, err error, chainID int64, msg string) error {
	labels := chainLabel(chainID)
	code := clients.ClassifyBundlerError(err)
	perr := types.WrapError(code, err, "%s", msg).OnChain(chainID)
	switch code {
	case types.CodeInsufficientFunds:
		s.metrics.IncCounter(metrics.EventInsufficientFee, labels)
		return t.fail(types.StatusInsufficientFee, perr)
	case types.CodeSponsorshipFailed:
		s.metrics.IncCounter(metrics.EventSponsorshipFailed, labels)
		return t.fail(types.StatusSponsorshipFailed, perr)
	case types.CodeExecutionReverted:
		s.metrics.IncCounter(metrics.EventUserOpReverted, labels)
		return t.fail(types.StatusReverted, perr)
	default:
		return t.attach(perr)
	}
}

// asCode returns err as a payflow error with code, keeping err's own
// details when it already is one.
func asCode(code string, err error, chainID int64) *types.Error {
	if perr, ok := err.(*types.Error); ok && perr.Code == code {
		if perr.ChainID == 0 {
			perr.OnChain(chainID)
		}
		return perr
	}
	return types.WrapError(code, err, "sponsorship declined").OnChain(chainID)
}

// Usage of a session as recorded so far.
func (s *Service) Usage(ctx context.Context, id session.ID) (policy.Ledger, error) {
	return s.store.Usage(ctx, id)
}

func chainLabel(chainID int64) map[string]string {
	return map[string]string{"chain": fmt.Sprint(chainID)}
}
