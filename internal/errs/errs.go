// Package errs defines the failure kinds every draw operation reports.
//
// Each failure carries a short fixed label that clients can match on. Errors
// are compared with errors.Is against the sentinels below; wrapping keeps the
// label reachable.
package errs

import (
	"errors"
	"net/http"
)

// Kind classifies a failure by how a caller should react to it.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindStateConflict
	KindTemporal
	KindOracleNotReady
	KindOracleInvalid
	KindIntegrity
	KindAuthorization
	KindKillSwitch
	KindAuthentication
	KindUnavailable
)

var kindNames = map[Kind]string{
	KindUnknown:        "internal",
	KindValidation:     "validation",
	KindStateConflict:  "state_conflict",
	KindTemporal:       "temporal",
	KindOracleNotReady: "oracle_not_ready",
	KindOracleInvalid:  "oracle_invalid",
	KindIntegrity:      "integrity",
	KindAuthorization:  "authorization",
	KindKillSwitch:     "kill_switch",
	KindAuthentication: "authentication",
	KindUnavailable:    "unavailable",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return kindNames[KindUnknown]
}

// Retryable reports whether the same operation may succeed when submitted again later.
func (k Kind) Retryable() bool {
	return k == KindOracleNotReady || k == KindTemporal || k == KindUnavailable
}

// Error is a labelled draw failure.
type Error struct {
	Kind  Kind
	Label string
}

func (e *Error) Error() string { return e.Label }

// Is matches on label so that copies of a sentinel compare equal.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Label == e.Label
}

func newError(kind Kind, label string) *Error {
	return &Error{Kind: kind, Label: label}
}

var (
	ErrContractKilled    = newError(KindKillSwitch, "CONTRACT KILLED")
	ErrUnauthorized      = newError(KindAuthorization, "UNAUTH")
	ErrUnauthenticated   = newError(KindAuthentication, "UNAUTHENTICATED")
	ErrLedgerUnavailable = newError(KindUnavailable, "LEDGER UNAVAILABLE")

	ErrPaymentIncorrect     = newError(KindValidation, "PAYMENT FAIL")
	ErrPaymentAmountInvalid = newError(KindValidation, "PAYMENT AMT FAIL")
	ErrInvalidSlot          = newError(KindValidation, "ERR INVALID SLOT")
	ErrInvalidMaxOdds       = newError(KindValidation, "INVALID MAX ODDS")
	ErrInvalidCount         = newError(KindValidation, "INVALID COUNT")
	ErrInvalidOdds          = newError(KindValidation, "INVALID ODDS")
	ErrBadRequest           = newError(KindValidation, "BAD REQUEST")
	ErrPaymentUnconfirmed   = newError(KindValidation, "PAYMENT UNCONFIRMED")
	ErrInvalidWindow        = newError(KindValidation, "INVALID WINDOW")

	ErrDrawingDisabled   = newError(KindStateConflict, "DRAWING DISABLED")
	ErrDrawQueued        = newError(KindStateConflict, "ERR DRAW QUEUED ALREADY")
	ErrNoDrawQueued      = newError(KindStateConflict, "ERR NO DRAW QUEUED")
	ErrSlotNotEmpty      = newError(KindStateConflict, "MUST COLLECT")
	ErrNoFreeSlot        = newError(KindStateConflict, "NO FREE SLOT")
	ErrNoSlotsFull       = newError(KindStateConflict, "NO NFTs IN SLOTS")
	ErrNoBurnAvailable   = newError(KindStateConflict, "ERR BURN NOT AVAILABLE")
	ErrDuplicateBurnSlot = newError(KindStateConflict, "ERR NO BURN HACKING")
	ErrNotOptedIn        = newError(KindStateConflict, "NOT OPTED IN")
	ErrAlreadyOptedIn    = newError(KindStateConflict, "ALREADY OPTED IN")
	ErrOddsReadOnly      = newError(KindStateConflict, "ODDS READ ONLY")
	ErrPaymentReused     = newError(KindStateConflict, "PAYMENT ALREADY USED")

	ErrWaitForRandomness    = newError(KindTemporal, "WAIT FOR RANDOMNESS")
	ErrRandomnessExpired    = newError(KindTemporal, "ERR RANDOMNESS EXPIRED")
	ErrRandomnessNotExpired = newError(KindTemporal, "ERR RANDOMNESS NOT EXPIRED")
	ErrRandomnessNotReady   = newError(KindOracleNotReady, "RANDOMNESS FAIL")
	ErrOracleUnavailable    = newError(KindOracleNotReady, "ORACLE UNAVAILABLE")
	ErrOracleInvalid        = newError(KindOracleInvalid, "ORACLE INVALID")
	ErrDrawingFailed        = newError(KindIntegrity, "DRAWING FAILED")
)

// As extracts the labelled failure from err, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, KindUnknown for unlabelled errors.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindUnknown
}

// Label returns the fixed label of err, "INTERNAL" for unlabelled errors.
func Label(err error) string {
	if e, ok := As(err); ok {
		return e.Label
	}
	return "INTERNAL"
}

// HTTPStatus maps a kind to the status code the HTTP surface reports.
func HTTPStatus(k Kind) int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindStateConflict:
		return http.StatusConflict
	case KindTemporal:
		return http.StatusPreconditionFailed
	case KindOracleNotReady:
		return http.StatusServiceUnavailable
	case KindOracleInvalid:
		return http.StatusBadGateway
	case KindAuthorization:
		return http.StatusForbidden
	case KindKillSwitch:
		return http.StatusLocked
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
