// Package apperr classifies failures from the REST backend and the push
// channel into a small taxonomy and renders end-user messages for them.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Kind is the class of an error.
type Kind string

const (
	KindNetwork          Kind = "network"
	KindValidation       Kind = "validation"
	KindAuth             Kind = "auth"
	KindNotFound         Kind = "not-found"
	KindServer           Kind = "server"
	KindUnknown          Kind = "unknown"
	KindHubMethodMissing Kind = "hub-method-missing"
)

// Kinded is implemented by errors that know their own class.
type Kinded interface {
	error
	Kind() Kind
}

// Error is a classified error, usually built from an HTTP response.
type Error struct {
	Kind    Kind
	Status  int    // HTTP status, 0 when not applicable
	Message string // server-provided detail, may be empty
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Status != 0:
		return fmt.Sprintf("%s (HTTP %d): %s", e.Kind, e.Status, e.Message)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("%s (HTTP %d)", e.Kind, e.Status)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// FromStatus builds an Error for a non-2xx HTTP status.
func FromStatus(status int, message string) *Error {
	return &Error{Kind: kindForStatus(status), Status: status, Message: message}
}

// Network wraps a transport failure.
func Network(err error) *Error {
	return &Error{Kind: KindNetwork, Err: err}
}

func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusBadRequest:
		return KindValidation
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusNotFound:
		return KindNotFound
	case status >= 500:
		return KindServer
	default:
		return KindUnknown
	}
}

// methodMissingMarkers are the phrasings hub servers use when an invoked
// method does not exist or does not accept the given arguments. Text
// matching is a compatibility fallback; hubclient.HubError reports its Kind
// directly.
var methodMissingMarkers = []string{
	"Method does not exist",
	"Unknown hub method",
	"HubException",
	"Invocation provides",
}

// IsMethodMissingText reports whether a hub error text signals a missing method.
func IsMethodMissingText(msg string) bool {
	for _, m := range methodMissingMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// Classify returns the Kind of err. nil yields "".
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var kinded Kinded
	if errors.As(err, &kinded) {
		return kinded.Kind()
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}
	if IsMethodMissingText(err.Error()) {
		return KindHubMethodMissing
	}
	return KindUnknown
}

// IsHubMethodMissing reports whether err means the hub lacks the invoked method.
func IsHubMethodMissing(err error) bool {
	return Classify(err) == KindHubMethodMissing
}

// Status returns the HTTP status carried by err, or 0.
func Status(err error) int {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Status
	}
	return 0
}

// UserMessage renders the end-user text for err.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var appErr *Error
	detail := ""
	if errors.As(err, &appErr) {
		detail = appErr.Message
	}
	switch Classify(err) {
	case KindNetwork:
		return "Errore di connessione. Verifica la tua connessione internet."
	case KindValidation:
		if detail != "" {
			return detail
		}
		return "Richiesta non valida. Verifica i dati inseriti."
	case KindAuth:
		if Status(err) == http.StatusForbidden {
			return "Accesso negato. Non hai i permessi necessari."
		}
		return "Non autorizzato. Effettua nuovamente il login."
	case KindNotFound:
		return "Risorsa non trovata."
	case KindServer:
		return "Errore del server. Riprova più tardi."
	default:
		if detail != "" {
			return detail
		}
		if msg := err.Error(); msg != "" {
			return msg
		}
		return "Si è verificato un errore imprevisto."
	}
}
