package execution

import (
	"github.com/vitwit/payflow/types"
)

// tracker enforces the status order of one operation: each status at most
// once, forward only, nothing after a terminal status.
type tracker struct {
	onStatus types.StatusFunc
	current  types.ExecutionStatus
	history  []types.ExecutionStatus
}

func newTracker(onStatus types.StatusFunc) *tracker {
	return &tracker{onStatus: onStatus}
}

// advance moves to s and notifies the observer. Non-terminal statuses must
// follow their predecessor; a terminal status may follow any non-terminal
// one. Anything else is ignored.
func (t *tracker) advance(s types.ExecutionStatus) bool {
	if t.current.IsTerminal() || s <= t.current {
		return false
	}
	if !s.IsTerminal() && s != t.current+1 {
		return false
	}
	t.current = s
	t.history = append(t.history, s)
	if t.onStatus != nil {
		t.onStatus(s)
	}
	return true
}

func (t *tracker) History() []types.ExecutionStatus {
	return append([]types.ExecutionStatus(nil), t.history...)
}

// fail moves to terminal and returns err annotated with the status reached.
func (t *tracker) fail(terminal types.ExecutionStatus, err *types.Error) error {
	t.advance(terminal)
	return t.annotate(err)
}

// attach annotates err with the status reached without moving. Causes that
// are not payflow errors become network errors.
func (t *tracker) attach(err error) error {
	perr, ok := err.(*types.Error)
	if !ok {
		perr = types.WrapError(types.CodeNetworkError, err, "user operation interrupted")
	}
	return t.annotate(perr)
}

func (t *tracker) annotate(err *types.Error) error {
	err.Status = t.current
	err.History = t.History()
	return err
}
