package hubclient

import (
	"fmt"

	"github.com/smartmob/pantarei/internal/apperr"
)

// clientError is a sentinel error with a fixed classification.
type clientError struct {
	msg  string
	kind apperr.Kind
}

func (e *clientError) Error() string { return e.msg }
func (e *clientError) Kind() apperr.Kind { return e.kind }

var (
	ErrNotConnected     = &clientError{"hubclient: not connected", apperr.KindNetwork}
	ErrConnectionLost   = &clientError{"hubclient: connection lost", apperr.KindNetwork}
	ErrAlreadyStarted   = &clientError{"hubclient: connection already started", apperr.KindUnknown}
	ErrNoTransport      = &clientError{"hubclient: no transport supported by both client and server", apperr.KindUnknown}
	ErrHandshakeTimeout = &clientError{"hubclient: handshake timed out", apperr.KindNetwork}
	ErrServerTimeout    = &clientError{"hubclient: server timeout elapsed without receiving a message", apperr.KindNetwork}
	ErrTransportClosed  = &clientError{"hubclient: transport closed", apperr.KindNetwork}
)

// HubError is an invocation failure reported by the server in a completion.
type HubError struct {
	Method  string
	Message string
}

func (e *HubError) Error() string {
	return fmt.Sprintf("invoke %s: %s", e.Method, e.Message)
}

// Kind reports KindHubMethodMissing when the server does not know the method
// or rejects its signature.
func (e *HubError) Kind() apperr.Kind {
	if apperr.IsMethodMissingText(e.Message) {
		return apperr.KindHubMethodMissing
	}
	return apperr.KindServer
}

// CloseError is sent by the server when it closes the connection with an error.
type CloseError struct {
	Message string
}

func (e *CloseError) Error() string {
	return "server closed the connection: " + e.Message
}

func (e *CloseError) Kind() apperr.Kind { return apperr.KindServer }
