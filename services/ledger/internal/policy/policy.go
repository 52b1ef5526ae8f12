// Package policy classifies consumption reports as Accept, Clamp or
// Reject. Everything here is pure: callers pass the prior record, the
// ledger time and the content metadata, and persist the result themselves.
package policy

import (
	"math"
	"time"

	"github.com/example/consumption-ledger/services/ledger/internal/clock"
	"github.com/example/consumption-ledger/services/ledger/internal/domain"
)

type Config struct {
	// MaxClockSkew bounds how far a client supplied reportedAt may run
	// ahead of ledger time.
	MaxClockSkew time.Duration
	// Suspicious rejects inside StrikeWindow accumulate; exceeding
	// MaxStrikes flags the record.
	StrikeWindow time.Duration
	MaxStrikes   int
	// PacingWindowGap is the idle gap that closes a pacing window.
	PacingWindowGap time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxClockSkew:    30 * time.Second,
		StrikeWindow:    10 * time.Minute,
		MaxStrikes:      3,
		PacingWindowGap: 5 * time.Minute,
	}
}

// ReportTime is the instant a report is credited at.
func ReportTime(reportedAt *time.Time, now time.Time) time.Time {
	if reportedAt != nil {
		return *reportedAt
	}
	return now
}

// MaxCredit is elapsed scaled by rate, at ledger resolution.
func MaxCredit(elapsed time.Duration, rate float64) time.Duration {
	if elapsed <= 0 || rate <= 0 {
		return 0
	}
	if rate == 1 {
		return elapsed.Truncate(clock.Resolution)
	}
	f := float64(elapsed) * rate
	if f >= math.MaxInt64 {
		return time.Duration(math.MaxInt64).Truncate(clock.Resolution)
	}
	return time.Duration(f).Truncate(clock.Resolution)
}

// windowAllowance is the credit still available in the pacing window a
// report at reportTime falls into. A report after an idle gap opens a
// fresh window, which the per-report bound already covers.
func windowAllowance(rec domain.ProgressRecord, reportTime time.Time, rate float64, cfg Config) (time.Duration, bool) {
	if reportTime.Sub(rec.LastReportedAt) > cfg.PacingWindowGap {
		return 0, false
	}
	left := MaxCredit(reportTime.Sub(rec.PacingWindowStart), rate) - rec.WindowConsumed
	if left < 0 {
		left = 0
	}
	return left, true
}

// Evaluate runs the checks in a fixed order: timestamp sanity, pacing,
// duration cap, report quota. Pacing bounds credit both by the time since
// the last report and by the time since the pacing window opened.
func Evaluate(rec domain.ProgressRecord, proposed time.Duration, reportedAt *time.Time, now time.Time, meta domain.ContentMeta, cfg Config) domain.Verdict {
	if reportedAt != nil {
		if reportedAt.Before(rec.LastReportedAt) {
			return domain.Reject(proposed, domain.ReasonStaleTimestamp)
		}
		if reportedAt.After(now.Add(cfg.MaxClockSkew)) {
			return domain.Reject(proposed, domain.ReasonFutureTimestamp)
		}
	}

	reportTime := ReportTime(reportedAt, now)
	elapsed := reportTime.Sub(rec.LastReportedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	maxAllowed := MaxCredit(elapsed, meta.MaxPlaybackRate)
	if left, ok := windowAllowance(rec, reportTime, meta.MaxPlaybackRate, cfg); ok && left < maxAllowed {
		maxAllowed = left
	}

	delta, clamped := proposed, false
	if proposed > maxAllowed {
		if maxAllowed <= 0 {
			return domain.Reject(proposed, domain.ReasonNoElapsedTime)
		}
		delta, clamped = maxAllowed, true
	}

	remaining := meta.Duration - rec.CumulativeConsumed
	if remaining < 0 {
		remaining = 0
	}
	if delta > remaining {
		delta, clamped = remaining, true
	}

	if rec.TotalReports+1 > meta.MaxReports {
		return domain.Reject(proposed, domain.ReasonReportQuotaExceeded)
	}

	if clamped {
		return domain.Clamp(proposed, delta)
	}
	return domain.Accept(proposed)
}

// Apply returns rec advanced by a crediting verdict. Non crediting
// verdicts return rec unchanged.
func Apply(rec domain.ProgressRecord, v domain.Verdict, reportTime, now time.Time, cfg Config) domain.ProgressRecord {
	if !v.Credits() {
		return rec
	}
	if reportTime.Sub(rec.LastReportedAt) > cfg.PacingWindowGap {
		rec.PacingWindowStart = rec.LastReportedAt
		rec.WindowConsumed = 0
	}
	rec.CumulativeConsumed += v.Delta
	rec.WindowConsumed += v.Delta
	if reportTime.After(rec.LastReportedAt) {
		rec.LastReportedAt = reportTime
	}
	rec.TotalReports++
	touch(&rec, now)
	return rec
}

// Escalate records a strike for a suspicious rejection and flags the
// record once the strikes inside the window exceed the limit. The bool
// result is true only when this call set the flag.
func Escalate(rec domain.ProgressRecord, reason domain.RejectReason, now time.Time, cfg Config) (domain.ProgressRecord, bool) {
	if !reason.Suspicious() {
		return rec, false
	}
	if rec.StrikeWindowStart.IsZero() || now.Sub(rec.StrikeWindowStart) > cfg.StrikeWindow {
		rec.Strikes = 0
		rec.StrikeWindowStart = now
	}
	rec.Strikes++
	touch(&rec, now)
	if rec.Flagged || rec.Strikes <= cfg.MaxStrikes {
		return rec, false
	}
	rec.Flagged = true
	return rec, true
}

// ClearStrikes resets the escalation state, used when a flag is lifted.
func ClearStrikes(rec domain.ProgressRecord) domain.ProgressRecord {
	rec.Strikes = 0
	rec.StrikeWindowStart = time.Time{}
	return rec
}

func touch(rec *domain.ProgressRecord, now time.Time) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
}
