package errors

import (
	"errors"
	"fmt"
)

// ErrAuthorization covers bad, expired, or replayed authorization grants.
// Fatal for the attempt; the principal may re-sign and the orchestrator may
// retry with the fresh grant.
var ErrAuthorization = errors.New("authorization grant rejected")

// AuthorizationError reports why a specific grant was rejected.
type AuthorizationError struct {
	SettlementID string
	Owner        string
	Token        string
	Reason       string
	Cause        error
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("settlement %s: grant from %s for %s rejected: %s",
		e.SettlementID, e.Owner, e.Token, e.Reason)
}

func (e *AuthorizationError) Unwrap() error { return ErrAuthorization }
