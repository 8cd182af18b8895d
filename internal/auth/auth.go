// Package auth resolves the acting user of a request.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// HeaderUserID carries the owner id set by the fronting identity provider.
const HeaderUserID = "X-User-ID"

// ErrUnresolved is returned when storage is requested without a known user.
var ErrUnresolved = errors.New("identity not resolved")

type State int

const (
	// StateUnknown means resolution has not finished; storage must wait.
	StateUnknown State = iota
	StateKnown
	StateAbsent
)

func (s State) String() string {
	switch s {
	case StateKnown:
		return "known"
	case StateAbsent:
		return "absent"
	default:
		return "unknown"
	}
}

type Identity struct {
	UserID uuid.UUID
	State  State
}

func Known(id uuid.UUID) Identity {
	return Identity{UserID: id, State: StateKnown}
}

// Require returns ErrUnresolved unless the identity is known.
func (i Identity) Require() error {
	if i.State != StateKnown || i.UserID == uuid.Nil {
		return ErrUnresolved
	}
	return nil
}

type Resolver interface {
	Resolve(r *http.Request) Identity
}

// HeaderResolver trusts the user header once the shared bearer token matches.
// An empty token disables the bearer check.
type HeaderResolver struct {
	Token string
}

func (h HeaderResolver) Resolve(r *http.Request) Identity {
	if h.Token != "" {
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.Token)) != 1 {
			return Identity{State: StateAbsent}
		}
	}
	raw := r.Header.Get(HeaderUserID)
	if raw == "" {
		return Identity{State: StateAbsent}
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return Identity{State: StateAbsent}
	}
	return Known(id)
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity stored by WithIdentity, or an unknown one.
func FromContext(ctx context.Context) Identity {
	if id, ok := ctx.Value(ctxKey{}).(Identity); ok {
		return id
	}
	return Identity{State: StateUnknown}
}

// Middleware resolves the identity of every request. Absent users get 401;
// undetermined ones get 503 so the client retries instead of re-authenticating.
func Middleware(res Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := res.Resolve(r)
			switch id.State {
			case StateKnown:
				next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
			case StateAbsent:
				writeJSONError(w, http.StatusUnauthorized, "unauthorized")
			default:
				w.Header().Set("Retry-After", "1")
				writeJSONError(w, http.StatusServiceUnavailable, "identity not yet determined")
			}
		})
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
