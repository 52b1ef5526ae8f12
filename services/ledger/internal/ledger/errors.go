package ledger

import (
	"errors"

	"github.com/example/consumption-ledger/services/ledger/internal/domain"
)

var (
	ErrUnauthorized        = errors.New("caller is not authorized")
	ErrUnknownContent      = errors.New("content is not registered")
	ErrRecordFlagged       = errors.New("record is flagged for review")
	ErrStaleTimestamp      = errors.New("report timestamp precedes last accepted report")
	ErrFutureTimestamp     = errors.New("report timestamp is too far ahead of ledger time")
	ErrReportQuotaExceeded = errors.New("report quota for content exhausted")
	ErrNoElapsedTime       = errors.New("no time elapsed since last accepted report")
	ErrInvalidArgument     = errors.New("invalid argument")

	ErrContentExists      = errors.New("content already registered")
	ErrAlreadyInitialized = errors.New("ledger already initialized")
	ErrNotInitialized     = errors.New("ledger has no owner")
	ErrInvalidSignature   = errors.New("invalid report signature")
	ErrSignatureExpired   = errors.New("signed report deadline passed")
)

// ReasonError maps a reject reason to its sentinel error.
func ReasonError(r domain.RejectReason) error {
	switch r {
	case domain.ReasonStaleTimestamp:
		return ErrStaleTimestamp
	case domain.ReasonFutureTimestamp:
		return ErrFutureTimestamp
	case domain.ReasonNoElapsedTime:
		return ErrNoElapsedTime
	case domain.ReasonReportQuotaExceeded:
		return ErrReportQuotaExceeded
	case domain.ReasonRecordFlagged:
		return ErrRecordFlagged
	}
	return nil
}
