package ipc

// MessageType represents the type of IPC message
type MessageType string

const (
	// MessageTypeLoginRequest asks the daemon to start a login attempt.
	// Fire-and-forget: the daemon writes no response.
	MessageTypeLoginRequest MessageType = "login_request"
	// MessageTypeCheckMembership asks the daemon to exchange a code and
	// check guild membership. Exactly one response is written.
	MessageTypeCheckMembership MessageType = "check_membership"
	// MessageTypeRedirect forwards an intercepted callback URL to the daemon.
	MessageTypeRedirect MessageType = "redirect"
	// MessageTypeSubscribe turns the connection into an event stream.
	MessageTypeSubscribe MessageType = "subscribe"
	// MessageTypeStatus asks for the current gate state.
	MessageTypeStatus MessageType = "status"
	// MessageTypeLogout clears the session marker.
	MessageTypeLogout MessageType = "logout"

	// MessageTypeResponse is sent from daemon to UI in reply to a request
	MessageTypeResponse MessageType = "response"
	// MessageTypeEvent is pushed from daemon to subscribed UIs
	MessageTypeEvent MessageType = "event"
)

// Request is sent from a UI process or the deep-link handler to the daemon.
type Request struct {
	Type MessageType `json:"type"`
	// ID is echoed in the response so websocket clients can match replies.
	ID   string `json:"id,omitempty"`
	Code string `json:"code,omitempty"`
	URL  string `json:"url,omitempty"`
}

// Response is sent from the daemon back to the requester.
// Every failure is reported as Success=false with Error set.
type Response struct {
	Type          MessageType `json:"type"`
	ID            string      `json:"id,omitempty"`
	Success       bool        `json:"success"`
	HasMembership bool        `json:"has_membership"`
	Token         string      `json:"token,omitempty"`
	Reason        string      `json:"reason,omitempty"`
	InviteURL     string      `json:"invite_url,omitempty"`
	State         string      `json:"state,omitempty"`
	AuthURL       string      `json:"auth_url,omitempty"`
	Error         string      `json:"error,omitempty"`
}

// EventKind names a pushed event.
type EventKind string

const (
	// EventOAuthCode carries an authorization code from an intercepted redirect.
	EventOAuthCode EventKind = "oauth_code"
	// EventOAuthError carries the provider's error parameter.
	EventOAuthError EventKind = "oauth_error"
	// EventLoginFailed reports that a login attempt could not start.
	EventLoginFailed EventKind = "login_failed"
)

// Event is pushed from the daemon to subscribers.
type Event struct {
	Type  MessageType `json:"type"`
	Event EventKind   `json:"event"`
	Code  string      `json:"code,omitempty"`
	Error string      `json:"error,omitempty"`
}

// ErrorResponse builds a failed response for req.
func ErrorResponse(req *Request, msg string) *Response {
	resp := &Response{Type: MessageTypeResponse, Success: false, Error: msg}
	if req != nil {
		resp.ID = req.ID
	}
	return resp
}
