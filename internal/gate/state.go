package gate

// State is the position of the gate in the login flow.
type State int

const (
	Idle State = iota
	AwaitingRedirect
	ExchangingCode
	VerifyingMembership
	Allowed
	Denied
	Failed
)

var stateNames = map[State]string{
	Idle:                "Idle",
	AwaitingRedirect:    "AwaitingRedirect",
	ExchangingCode:      "ExchangingCode",
	VerifyingMembership: "VerifyingMembership",
	Allowed:             "Allowed",
	Denied:              "Denied",
	Failed:              "Failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "Unknown"
}

// Terminal reports whether s ends a login attempt.
func (s State) Terminal() bool {
	return s == Allowed || s == Denied || s == Failed
}

// Denied reasons.
const (
	ReasonUserDeclined = "user_declined"
	ReasonNotAMember   = "not_a_member"
)

// Status is a snapshot of the gate.
type Status struct {
	State State

	// Reason is set for Denied.
	Reason string

	// Err is set for Failed and Denied.
	Err error

	// AttemptID identifies the login attempt the status belongs to.
	// Empty when the state was restored from the session marker.
	AttemptID string
}
