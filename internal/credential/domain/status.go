package domain

import "errors"

// AppStatus is the lifecycle state of a ThirdPartyApp.
type AppStatus string

const (
	AppStatusSandbox   AppStatus = "SANDBOX"
	AppStatusPending   AppStatus = "PENDING"
	AppStatusApproved  AppStatus = "APPROVED"
	AppStatusSuspended AppStatus = "SUSPENDED"
	AppStatusRevoked   AppStatus = "REVOKED"
)

var ErrInvalidTransition = errors.New("invalid_status_transition")

func ParseAppStatus(raw string) (AppStatus, bool) {
	switch s := AppStatus(raw); s {
	case AppStatusSandbox, AppStatusPending, AppStatusApproved, AppStatusSuspended, AppStatusRevoked:
		return s, true
	default:
		return "", false
	}
}

// CanAuthenticate reports whether client credentials of an app in this
// state are accepted. Anything else fails closed.
func (s AppStatus) CanAuthenticate() bool {
	return s == AppStatusApproved || s == AppStatusSandbox
}

// Transition is the only place app status edges are defined.
func (s AppStatus) Transition(to AppStatus) error {
	allowed := false
	switch s {
	case AppStatusSandbox:
		allowed = to == AppStatusPending || to == AppStatusSuspended || to == AppStatusRevoked
	case AppStatusPending:
		// back to SANDBOX is a rejection
		allowed = to == AppStatusApproved || to == AppStatusSandbox || to == AppStatusRevoked
	case AppStatusApproved:
		allowed = to == AppStatusSuspended || to == AppStatusRevoked
	case AppStatusSuspended:
		allowed = to == AppStatusApproved || to == AppStatusRevoked
	}
	if !allowed {
		return ErrInvalidTransition
	}
	return nil
}
