package handlers

import (
	"time"

	"github.com/example/consumption-ledger/services/ledger/internal/domain"
	"github.com/example/consumption-ledger/services/ledger/internal/ledger"
)

type verdictDTO struct {
	Kind       string `json:"kind"`
	Reason     string `json:"reason,omitempty"`
	ProposedMs int64  `json:"proposed_ms"`
	AppliedMs  int64  `json:"applied_ms"`
}

type resultResponse struct {
	UserID          string     `json:"user_id"`
	ContentID       string     `json:"content_id"`
	Verdict         verdictDTO `json:"verdict"`
	NewCumulativeMs int64      `json:"new_cumulative_ms"`
	Flagged         bool       `json:"flagged"`
	Replayed        bool       `json:"replayed,omitempty"`
}

func toResult(r ledger.Result) resultResponse {
	return resultResponse{
		UserID:    r.UserID,
		ContentID: r.ContentID,
		Verdict: verdictDTO{
			Kind:       string(r.Verdict.Kind),
			Reason:     string(r.Verdict.Reason),
			ProposedMs: r.Verdict.Proposed.Milliseconds(),
			AppliedMs:  r.Applied().Milliseconds(),
		},
		NewCumulativeMs: r.NewCumulative.Milliseconds(),
		Flagged:         r.Flagged,
		Replayed:        r.Replayed,
	}
}

type progressResponse struct {
	UserID              string `json:"user_id"`
	ContentID           string `json:"content_id"`
	CumulativeMs        int64  `json:"cumulative_consumed_ms"`
	LastReportedAtMs    int64  `json:"last_reported_at_ms"`
	PacingWindowStartMs int64  `json:"pacing_window_start_ms"`
	WindowConsumedMs    int64  `json:"window_consumed_ms"`
	TotalReports        int64  `json:"total_reports"`
	Flagged             bool   `json:"flagged"`
	Strikes             int    `json:"strikes"`
	UpdatedAtMs         int64  `json:"updated_at_ms,omitempty"`
}

func toProgress(p domain.ProgressRecord) progressResponse {
	return progressResponse{
		UserID:              p.UserID,
		ContentID:           p.ContentID,
		CumulativeMs:        p.CumulativeConsumed.Milliseconds(),
		LastReportedAtMs:    unixMs(p.LastReportedAt),
		PacingWindowStartMs: unixMs(p.PacingWindowStart),
		WindowConsumedMs:    p.WindowConsumed.Milliseconds(),
		TotalReports:        p.TotalReports,
		Flagged:             p.Flagged,
		Strikes:             p.Strikes,
		UpdatedAtMs:         unixMs(p.UpdatedAt),
	}
}

type contentResponse struct {
	ContentID       string  `json:"content_id"`
	DurationMs      int64   `json:"duration_ms"`
	MaxPlaybackRate float64 `json:"max_playback_rate"`
	MaxReports      int64   `json:"max_reports"`
	RegisteredAtMs  int64   `json:"registered_at_ms"`
	RegisteredBy    string  `json:"registered_by"`
}

func toContent(c domain.ContentMeta) contentResponse {
	return contentResponse{
		ContentID:       c.ContentID,
		DurationMs:      c.Duration.Milliseconds(),
		MaxPlaybackRate: c.MaxPlaybackRate,
		MaxReports:      c.MaxReports,
		RegisteredAtMs:  unixMs(c.RegisteredAt),
		RegisteredBy:    c.RegisteredBy,
	}
}

func unixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
