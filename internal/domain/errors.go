package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrSigningFailed = errors.New("signing failed")
	ErrLockHeld      = errors.New("lock already held")

	ErrInvalidInput          = errors.New("invalid input")
	ErrInvalidAmount         = errors.New("amount must be positive")
	ErrMarketNotFound        = errors.New("market not found")
	ErrMarketNotOpen         = errors.New("market not open")
	ErrMarketNotResolved     = errors.New("market not resolved")
	ErrDeadlinePassed        = errors.New("market deadline passed")
	ErrDeadlineNotPassed     = errors.New("market deadline not reached")
	ErrProposalExists        = errors.New("proposal already exists")
	ErrNoProposal            = errors.New("no active proposal")
	ErrAlreadyChallenged     = errors.New("proposal already challenged")
	ErrNotChallenged         = errors.New("proposal not challenged")
	ErrChallengeWindowOpen   = errors.New("challenge window still open")
	ErrChallengeWindowClosed = errors.New("challenge window closed")
	ErrChallengeAgrees       = errors.New("challenge agrees with proposal")
	ErrAwaitingAdjudication  = errors.New("dispute awaiting adjudication")

	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInsufficientShares  = errors.New("insufficient shares")
	ErrPoolLiquidity       = errors.New("pool liquidity floor breached")
	ErrZeroOutput          = errors.New("trade rounds to zero output")
	ErrNothingToClaim      = errors.New("nothing to claim")

	ErrConflict           = errors.New("concurrent modification")
	ErrOracleUnavailable  = errors.New("price feed unavailable")
	ErrStorageUnavailable = errors.New("journal unavailable")
	ErrInvariantViolation = errors.New("invariant violation")
)

// ErrorKind classifies engine failures for callers and transports.
type ErrorKind string

const (
	KindValidation   ErrorKind = "validation"
	KindResource     ErrorKind = "resource"
	KindConflict     ErrorKind = "conflict"
	KindUnavailable  ErrorKind = "unavailable"
	KindInvariant    ErrorKind = "invariant"
	KindUnauthorized ErrorKind = "unauthorized"
	KindNotFound     ErrorKind = "not_found"
)

var kindOf = map[error]ErrorKind{
	ErrNotFound:              KindNotFound,
	ErrMarketNotFound:        KindNotFound,
	ErrUnauthorized:          KindUnauthorized,
	ErrInvalidInput:          KindValidation,
	ErrInvalidAmount:         KindValidation,
	ErrMarketNotOpen:         KindValidation,
	ErrMarketNotResolved:     KindValidation,
	ErrDeadlinePassed:        KindValidation,
	ErrDeadlineNotPassed:     KindValidation,
	ErrProposalExists:        KindValidation,
	ErrNoProposal:            KindValidation,
	ErrAlreadyChallenged:     KindValidation,
	ErrNotChallenged:         KindValidation,
	ErrChallengeWindowOpen:   KindValidation,
	ErrChallengeWindowClosed: KindValidation,
	ErrChallengeAgrees:       KindValidation,
	ErrAwaitingAdjudication:  KindValidation,
	ErrNothingToClaim:        KindValidation,
	ErrZeroOutput:            KindValidation,
	ErrInsufficientBalance:   KindResource,
	ErrInsufficientShares:    KindResource,
	ErrPoolLiquidity:         KindResource,
	ErrConflict:              KindConflict,
	ErrRateLimited:           KindConflict,
	ErrOracleUnavailable:     KindUnavailable,
	ErrStorageUnavailable:    KindUnavailable,
	ErrInvariantViolation:    KindInvariant,
}

// Error is the structured failure returned by every engine operation. Err is
// one of the sentinel errors above so callers can match with errors.Is.
type Error struct {
	Kind   ErrorKind         `json:"kind"`
	Op     string            `json:"op"`
	Err    error             `json:"-"`
	Detail map[string]string `json:"detail,omitempty"`
}

// NewError builds an *Error for op wrapping sentinel. kv is a flat list of
// detail key/value pairs.
func NewError(op string, sentinel error, kv ...string) *Error {
	kind, ok := kindOf[sentinel]
	if !ok {
		kind = KindValidation
	}
	e := &Error{Kind: kind, Op: op, Err: sentinel}
	if len(kv) > 0 {
		e.Detail = make(map[string]string, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			e.Detail[kv[i]] = kv[i+1]
		}
	}
	return e
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	if len(e.Detail) > 0 {
		keys := sortedKeys(e.Detail)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%s", k, e.Detail[k]))
		}
		b.WriteString(" (")
		b.WriteString(strings.Join(parts, ", "))
		b.WriteString(")")
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Code is the stable machine-readable name of the failed precondition.
func (e *Error) Code() string {
	return codeOf(e.Err)
}

// KindOf reports the kind of err, or "" when err is not an engine error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for sentinel, kind := range kindOf {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return ""
}

// IsRetryable reports whether the same call may succeed later without the
// caller changing its input.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindUnavailable, KindConflict:
		return true
	}
	return false
}

func codeOf(err error) string {
	if err == nil {
		return ""
	}
	return strings.ReplaceAll(err.Error(), " ", "_")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
