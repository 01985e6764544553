package metrics

import "time"

// Recorder receives counters and latencies. Labels are free-form; the
// prometheus recorder reads "chain".
type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}

// Event names
const (
	EventWalletDerived      = "wallet_derived"
	EventWalletDeployed     = "wallet_deployed"
	EventWalletExisting     = "wallet_existing"
	EventDeployFailed       = "deploy_failed"
	EventSessionsInstalled  = "sessions_installed"
	EventSessionsNoop       = "sessions_noop"
	EventScopeViolation     = "session_scope_violation"
	EventUserOpConfirmed    = "userop_confirmed"
	EventUserOpReverted     = "userop_reverted"
	EventSponsorshipFailed  = "sponsorship_failed"
	EventInsufficientFee    = "insufficient_fee"
	EventSponsorshipGranted = "sponsorship_granted"

	OpDeployWallet = "deploy_wallet"
	OpExecute      = "execute"
	OpInstall      = "install_sessions"
)

var _ Recorder = NoopRecorder{}

// NoopRecorder drops everything. Components default to it until a recorder
// is configured.
type NoopRecorder struct{}

func (NoopRecorder) IncCounter(string, map[string]string)                    {}
func (NoopRecorder) ObserveLatency(string, time.Duration, map[string]string) {}

// OrNoop returns r, or a NoopRecorder when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return NoopRecorder{}
	}
	return r
}
