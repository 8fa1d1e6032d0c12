package confessor

import "fmt"

// State is the controller's position in
// IDLE → SENDING → WAITING → {ACCEPTED, REJECTED, TIMED_OUT, CANCELED, ERROR} → IDLE.
type State string

const (
	StateIdle     State = "IDLE"
	StateSending  State = "SENDING"
	StateWaiting  State = "WAITING"
	StateAccepted State = "ACCEPTED"
	StateRejected State = "REJECTED"
	StateTimedOut State = "TIMED_OUT"
	StateCanceled State = "CANCELED"
	StateError    State = "ERROR"
)

// Message is the short status line shown for s.
func (s State) Message() string {
	switch s {
	case StateSending:
		return "Sending invitation..."
	case StateWaiting:
		return "Invitation sent. Waiting for the priest to respond..."
	case StateAccepted:
		return "The priest accepted. Connecting..."
	case StateRejected:
		return "The priest is not available right now."
	case StateTimedOut:
		return "No response from the priest. Please try again."
	case StateCanceled:
		return "Invitation canceled."
	case StateError:
		return "Something went wrong while waiting for the priest."
	}
	return ""
}

// Result is the terminal kind of an awaited invitation.
type Result int

const (
	Accepted Result = iota + 1
	Rejected
	TimedOut
	Canceled
	// Failed means the status subscription was lost.
	Failed
)

func (r Result) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case TimedOut:
		return "timed out"
	case Canceled:
		return "canceled"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("Result(%d)", int(r))
}

func (r Result) state() State {
	switch r {
	case Accepted:
		return StateAccepted
	case Rejected:
		return StateRejected
	case TimedOut:
		return StateTimedOut
	case Canceled:
		return StateCanceled
	}
	return StateError
}

// Outcome is the single resolution of an invitation. RoomID is set for
// Accepted; Err for Failed.
type Outcome struct {
	Result       Result
	InvitationID string
	RoomID       string
	Err          error
}

// Message is the user-facing line for the outcome.
func (o Outcome) Message() string {
	msg := o.Result.state().Message()
	if o.Result == Failed && o.Err != nil {
		return msg + " (" + o.Err.Error() + ")"
	}
	return msg
}
