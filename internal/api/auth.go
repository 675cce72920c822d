package api

import (
	"context"
	"errors"
	"net/http"
)

const userHeader = "X-Cinder-User"

// Actions checked by an Authorizer.
const (
	ActionRead   = "read"
	ActionWrite  = "write"
	ActionCreate = "create"
	ActionWorker = "worker"
	ActionAdmin  = "admin"
)

// Authorizer decides whether caller may perform action on resource, which
// is a bundle UUID, a worker ID or empty for collection-level actions.
type Authorizer interface {
	Authorize(ctx context.Context, caller, resource, action string) error
}

// AllowAll permits every action.
type AllowAll struct{}

func (AllowAll) Authorize(context.Context, string, string, string) error { return nil }

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, caller, resource, action string) error

func (f AuthorizerFunc) Authorize(ctx context.Context, caller, resource, action string) error {
	return f(ctx, caller, resource, action)
}

// ErrForbidden is a convenience denial for authorizers. Any error returned
// by an Authorizer is reported as 403.
var ErrForbidden = errors.New("forbidden")

// authorize runs the configured check and writes a 403 on denial.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, resource, action string) bool {
	caller := r.Header.Get(userHeader)
	err := s.auth.Authorize(r.Context(), caller, resource, action)
	if err == nil {
		return true
	}
	s.logger.Info("request denied", "caller", caller, "resource", resource, "action", action, "error", err)
	s.writeError(w, http.StatusForbidden, err.Error())
	return false
}
