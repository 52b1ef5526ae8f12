package domain

import "time"

// ProgressRecord is the per (user, content) consumption state.
type ProgressRecord struct {
	UserID    string
	ContentID string

	CumulativeConsumed time.Duration
	// LastReportedAt is the report time of the most recent accepted report.
	LastReportedAt time.Time
	// PacingWindowStart opens the current continuous pacing window;
	// WindowConsumed is the credit granted inside it. Credit in a window
	// never exceeds its real elapsed time scaled by the playback rate.
	PacingWindowStart time.Time
	WindowConsumed    time.Duration
	TotalReports      int64
	Flagged           bool

	// Strikes counts suspicious rejections since StrikeWindowStart.
	Strikes           int
	StrikeWindowStart time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewProgressRecord returns the zero-progress record for a pair whose
// content was registered at registeredAt.
func NewProgressRecord(userID, contentID string, registeredAt time.Time) ProgressRecord {
	return ProgressRecord{
		UserID:            userID,
		ContentID:         contentID,
		LastReportedAt:    registeredAt,
		PacingWindowStart: registeredAt,
	}
}

// Exists reports whether the record has been persisted.
func (r ProgressRecord) Exists() bool { return !r.CreatedAt.IsZero() }

// ContentMeta is immutable once registered.
type ContentMeta struct {
	ContentID       string
	Duration        time.Duration
	MaxPlaybackRate float64
	MaxReports      int64
	RegisteredAt    time.Time
	RegisteredBy    string
}

type VerdictKind string

const (
	VerdictAccept VerdictKind = "accept"
	VerdictClamp  VerdictKind = "clamp"
	VerdictReject VerdictKind = "reject"
)

type RejectReason string

const (
	ReasonNone                RejectReason = ""
	ReasonStaleTimestamp      RejectReason = "STALE_TIMESTAMP"
	ReasonFutureTimestamp     RejectReason = "FUTURE_TIMESTAMP"
	ReasonNoElapsedTime       RejectReason = "NO_ELAPSED_TIME"
	ReasonReportQuotaExceeded RejectReason = "REPORT_QUOTA_EXCEEDED"
	ReasonRecordFlagged       RejectReason = "RECORD_FLAGGED"
)

// Suspicious reasons count towards flagging the record.
func (r RejectReason) Suspicious() bool {
	switch r {
	case ReasonStaleTimestamp, ReasonFutureTimestamp, ReasonNoElapsedTime:
		return true
	}
	return false
}

// Verdict is the outcome of evaluating one report. Delta is the credit
// actually granted: the proposal for Accept, less for Clamp, zero for Reject.
type Verdict struct {
	Kind     VerdictKind
	Reason   RejectReason
	Proposed time.Duration
	Delta    time.Duration
}

func Accept(proposed time.Duration) Verdict {
	return Verdict{Kind: VerdictAccept, Proposed: proposed, Delta: proposed}
}

func Clamp(proposed, capped time.Duration) Verdict {
	return Verdict{Kind: VerdictClamp, Proposed: proposed, Delta: capped}
}

func Reject(proposed time.Duration, reason RejectReason) Verdict {
	return Verdict{Kind: VerdictReject, Reason: reason, Proposed: proposed}
}

// Credits reports whether the verdict advances the record.
func (v Verdict) Credits() bool { return v.Kind == VerdictAccept || v.Kind == VerdictClamp }

// Receipt is the stored outcome of a report, returned verbatim on replay.
type Receipt struct {
	Key           string
	UserID        string
	ContentID     string
	Verdict       Verdict
	NewCumulative time.Duration
	Flagged       bool
	RecordedAt    time.Time
}

type EventKind string

const (
	EventAccepted  EventKind = "ledger.consumption.accepted"
	EventClamped   EventKind = "ledger.consumption.clamped"
	EventRejected  EventKind = "ledger.consumption.rejected"
	EventFlagged   EventKind = "ledger.consumption.flagged"
	EventUnflagged EventKind = "ledger.consumption.unflagged"
)

// EventForVerdict maps a verdict to its notification kind.
func EventForVerdict(k VerdictKind) EventKind {
	switch k {
	case VerdictAccept:
		return EventAccepted
	case VerdictClamp:
		return EventClamped
	}
	return EventRejected
}

// Event is a committed state transition surfaced to off-ledger observers.
type Event struct {
	ID            string
	Kind          EventKind
	UserID        string
	ContentID     string
	Caller        string
	Delta         time.Duration
	NewCumulative time.Duration
	Verdict       VerdictKind
	Reason        RejectReason
	Timestamp     time.Time
}
