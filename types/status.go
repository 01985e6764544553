package types

// ExecutionStatus is the lifecycle state of a user operation.
type ExecutionStatus uint8

const (
	StatusUnknown ExecutionStatus = iota
	StatusPreparing
	StatusSigning
	StatusSubmitted
	// terminal
	StatusSponsorshipFailed
	StatusInsufficientFee
	StatusReverted
	StatusConfirmed
)

func (s ExecutionStatus) String() string {
	switch s {
	case StatusPreparing:
		return "preparing"
	case StatusSigning:
		return "signing"
	case StatusSubmitted:
		return "submitted"
	case StatusSponsorshipFailed:
		return "sponsorship_failed"
	case StatusInsufficientFee:
		return "insufficient_fee"
	case StatusReverted:
		return "reverted"
	case StatusConfirmed:
		return "confirmed"
	default:
		return "unknown"
	}
}

func (s ExecutionStatus) IsTerminal() bool {
	return s >= StatusSponsorshipFailed
}

// MarshalText lets statuses appear by name in JSON and logs.
func (s ExecutionStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StatusFunc observes status transitions. It is called synchronously, in
// order, at most once per status.
type StatusFunc func(ExecutionStatus)
