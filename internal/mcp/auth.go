package mcp

import (
	"crypto/subtle"
	"strings"

	"github.com/mnemon/mnemon/internal/errs"
)

// Authenticator checks bearer tokens in constant time.
type Authenticator struct {
	enabled          bool
	adminRequireAuth bool
	apiKey           string
}

// NewAuthenticator creates an authenticator. When enabled is false, only
// admin operations are checked, and only if adminRequireAuth is set and
// apiKey is non-empty.
func NewAuthenticator(enabled, adminRequireAuth bool, apiKey string) *Authenticator {
	return &Authenticator{enabled: enabled, adminRequireAuth: adminRequireAuth, apiKey: apiKey}
}

// Check validates the caller's token for a request. admin marks
// administrative tools (clear_graph, deletes), which require auth whenever
// admin_operations_require_auth is on and an API key is configured,
// regardless of the global setting.
func (a *Authenticator) Check(token string, admin bool) error {
	required := a.enabled || (admin && a.adminRequireAuth && a.apiKey != "")
	if !required {
		return nil
	}
	token = strings.TrimPrefix(token, "Bearer ")
	if subtle.ConstantTimeCompare([]byte(token), []byte(a.apiKey)) != 1 {
		return errs.New(errs.KindAuth, "authentication failed")
	}
	return nil
}
