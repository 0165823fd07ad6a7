package remote

// HTTP routes served by the API and used by the client.
const (
	PathSignIn    = "/auth/v1/signin"
	PathUser      = "/auth/v1/user"
	PathRest      = "/rest/v1/"
	PathRealtime  = "/realtime/v1"
	PathFunctions = "/functions/v1/"

	// AccessTokenParam carries the bearer token on websocket upgrades.
	AccessTokenParam = "access_token"
)

// FrameType enumerates realtime websocket frames.
type FrameType string

const (
	FrameSubscribe  FrameType = "subscribe"
	FrameSubscribed FrameType = "subscribed"
	FrameEvent      FrameType = "event"
	FrameHeartbeat  FrameType = "heartbeat"
	FrameError      FrameType = "error"
)

// Frame is one JSON message on the realtime websocket.
type Frame struct {
	Type   FrameType `json:"type"`
	Tables []string  `json:"tables,omitempty"`
	// Owner restricts a subscription to one user; it must match the token subject.
	Owner string `json:"owner,omitempty"`
	Event *Event `json:"event,omitempty"`
	Error *Error `json:"error,omitempty"`
}

// SignInRequest is the body of a sign-in call.
type SignInRequest struct {
	Email       string `json:"email"`
	DisplayName string `json:"display_name,omitempty"`
}

// SignInResponse carries the issued bearer token.
type SignInResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	UserID      string `json:"user_id"`
}

// UserResponse describes the authenticated caller.
type UserResponse struct {
	UserID      string `json:"user_id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name,omitempty"`
}

// ErrorResponse is the body of every failed API call.
type ErrorResponse struct {
	Error *Error `json:"error"`
}
