package domain

// Status is the lifecycle state of a Consent.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusAuthorized Status = "AUTHORIZED"
	StatusRejected   Status = "REJECTED"
	StatusRevoked    Status = "REVOKED"
	StatusExpired    Status = "EXPIRED"
	StatusConsumed   Status = "CONSUMED"
)

func ParseStatus(raw string) (Status, bool) {
	switch s := Status(raw); s {
	case StatusPending, StatusAuthorized, StatusRejected, StatusRevoked, StatusExpired, StatusConsumed:
		return s, true
	default:
		return "", false
	}
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusRevoked, StatusExpired, StatusConsumed:
		return true
	default:
		return false
	}
}

// Transition validates a status change. Every consent mutation goes
// through here before it is written.
func (s Status) Transition(to Status) error {
	switch s {
	case StatusPending:
		if to == StatusAuthorized || to == StatusRejected {
			return nil
		}
	case StatusAuthorized:
		if to == StatusRevoked || to == StatusExpired || to == StatusConsumed {
			return nil
		}
	}
	return ErrConflict
}
