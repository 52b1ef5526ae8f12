// Package ledger is the sole writer of consumption progress. Every
// operation resolves the caller's roles from persisted state, runs inside
// one store transaction and decides which events to emit.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/example/consumption-ledger/internal/platform/signing"
	"github.com/example/consumption-ledger/services/ledger/internal/clock"
	"github.com/example/consumption-ledger/services/ledger/internal/domain"
	"github.com/example/consumption-ledger/services/ledger/internal/policy"
	"github.com/example/consumption-ledger/services/ledger/internal/store"
)

// Options configures a Ledger. Ledger time comes from the store so that
// every process sharing it sees one clock.
type Options struct {
	Store  store.Store
	Policy policy.Config
	// Domain scopes signed reports to this deployment.
	Domain signing.Domain
	// Applied when RegisterContent leaves the field zero.
	DefaultMaxReports   int64
	DefaultPlaybackRate float64

	Log   *zap.Logger
	Meter metric.Meter
	// NewID generates event ids; defaults to random UUIDs.
	NewID func() string
}

type Ledger struct {
	store   store.Store
	policy  policy.Config
	domain  signing.Domain
	defMax  int64
	defRate float64
	log     *zap.Logger
	metrics *metrics
	newID   func() string
}

func New(opts Options) (*Ledger, error) {
	if opts.Store == nil {
		return nil, errors.New("ledger: store is required")
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.DefaultMaxReports <= 0 {
		opts.DefaultMaxReports = 10_000
	}
	if opts.DefaultPlaybackRate <= 0 {
		opts.DefaultPlaybackRate = 1.0
	}
	m, err := newMetrics(opts.Meter)
	if err != nil {
		return nil, fmt.Errorf("ledger metrics: %w", err)
	}
	return &Ledger{
		store:   opts.Store,
		policy:  opts.Policy,
		domain:  opts.Domain,
		defMax:  opts.DefaultMaxReports,
		defRate: opts.DefaultPlaybackRate,
		log:     opts.Log,
		metrics: m,
		newID:   opts.NewID,
	}, nil
}

// Report is one proposed consumption update. ReportedAt nil means the
// report is credited at ledger time.
type Report struct {
	UserID     string
	ContentID  string
	Delta      time.Duration
	ReportedAt *time.Time
	// ReportID optionally names the report for replay protection.
	ReportID string
}

// Result is the outcome of a report. Rejections are results too: the
// strike bookkeeping they cause is committed.
type Result struct {
	UserID        string
	ContentID     string
	Verdict       domain.Verdict
	NewCumulative time.Duration
	Flagged       bool
	// Replayed is set when the report was seen before and the stored
	// outcome is returned without re-evaluation.
	Replayed bool
}

// Applied is the credit granted by this report.
func (r Result) Applied() time.Duration { return r.Verdict.Delta }

// Err returns the sentinel error of a Reject verdict and nil otherwise.
func (r Result) Err() error {
	if r.Verdict.Kind != domain.VerdictReject {
		return nil
	}
	return ReasonError(r.Verdict.Reason)
}

// submission carries a normalised report plus the identity whose roles
// authorise it.
type submission struct {
	caller    string
	authority string
	allowSelf bool
	report    Report
	key       string
	// deadline in unix ms; zero means none.
	deadline int64
}

// RecordConsumption evaluates a report from caller, who must be the user,
// an approved reporter for the content, or the owner.
func (l *Ledger) RecordConsumption(ctx context.Context, caller string, r Report) (Result, error) {
	r, err := normalizeReport(r)
	if err != nil {
		return Result{}, err
	}
	caller = signing.NormalizeIdentity(caller)
	return l.record(ctx, submission{
		caller:    caller,
		authority: caller,
		allowSelf: true,
		report:    r,
		key:       replayKey(r),
	})
}

// SignedReport is a report attested by a reporter key.
type SignedReport struct {
	Report    signing.Report
	Signature []byte
}

// SubmitSigned lets a user relay a report signed by an approved reporter.
// The recovered signer supplies the authority; the caller must be the
// user named in the report.
func (l *Ledger) SubmitSigned(ctx context.Context, caller string, sr SignedReport) (Result, error) {
	sr.Report.UserID = signing.NormalizeIdentity(sr.Report.UserID)
	sr.Report.ContentID = strings.TrimSpace(sr.Report.ContentID)
	if sr.Report.ReportedAtMs < 0 || sr.Report.DeadlineMs < 0 {
		return Result{}, fmt.Errorf("%w: negative report field", ErrInvalidArgument)
	}
	delta, err := Millis("delta_ms", sr.Report.DeltaMs)
	if err != nil {
		return Result{}, err
	}

	signer, err := signing.Recover(l.domain, sr.Report, sr.Signature)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	caller = signing.NormalizeIdentity(caller)
	if caller == "" || caller != sr.Report.UserID {
		return Result{}, fmt.Errorf("%w: signed report belongs to another user", ErrUnauthorized)
	}
	r := Report{
		UserID:    sr.Report.UserID,
		ContentID: sr.Report.ContentID,
		Delta:     delta,
		ReportID:  sr.Report.ReportID,
	}
	if sr.Report.ReportedAtMs > 0 {
		at := time.UnixMilli(sr.Report.ReportedAtMs).UTC()
		r.ReportedAt = &at
	}
	if r, err = normalizeReport(r); err != nil {
		return Result{}, err
	}
	return l.record(ctx, submission{
		caller:    caller,
		authority: signer.Hex(),
		report:    r,
		key:       signedReplayKey(l.domain, sr.Report),
		deadline:  sr.Report.DeadlineMs,
	})
}

func normalizeReport(r Report) (Report, error) {
	r.UserID = signing.NormalizeIdentity(r.UserID)
	r.ContentID = strings.TrimSpace(r.ContentID)
	r.ReportID = strings.TrimSpace(r.ReportID)
	if r.UserID == "" || r.ContentID == "" {
		return r, fmt.Errorf("%w: user and content are required", ErrInvalidArgument)
	}
	if r.Delta < 0 {
		return r, fmt.Errorf("%w: negative delta", ErrInvalidArgument)
	}
	r.Delta = r.Delta.Truncate(clock.Resolution)
	if r.ReportedAt != nil {
		if r.ReportedAt.IsZero() {
			r.ReportedAt = nil
		} else {
			at := clock.Truncate(*r.ReportedAt)
			r.ReportedAt = &at
		}
	}
	return r, nil
}

func (l *Ledger) record(ctx context.Context, s submission) (Result, error) {
	r := s.report
	var (
		res     Result
		flagged bool
	)
	err := l.store.Update(ctx, func(tx store.Tx) error {
		res, flagged = Result{}, false

		now, err := tx.Now(ctx)
		if err != nil {
			return err
		}
		if s.deadline > 0 && now.UnixMilli() > s.deadline {
			return ErrSignatureExpired
		}

		rl, err := resolveRoles(ctx, tx, s.authority, r.UserID, r.ContentID)
		if err != nil {
			return err
		}
		if !rl.owner && !rl.reporter && !(s.allowSelf && rl.self) {
			return ErrUnauthorized
		}

		meta, ok, err := tx.Content(ctx, r.ContentID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrUnknownContent
		}

		if s.key != "" {
			rc, ok, err := tx.Receipt(ctx, s.key)
			if err != nil {
				return err
			}
			if ok {
				res = Result{
					UserID:        rc.UserID,
					ContentID:     rc.ContentID,
					Verdict:       rc.Verdict,
					NewCumulative: rc.NewCumulative,
					Flagged:       rc.Flagged,
					Replayed:      true,
				}
				return nil
			}
		}

		rec, _, err := tx.Progress(ctx, r.UserID, r.ContentID)
		if err != nil {
			return err
		}
		if !rec.Exists() {
			rec = domain.NewProgressRecord(r.UserID, r.ContentID, meta.RegisteredAt)
		}

		if rec.Flagged {
			if !rl.owner {
				return ErrRecordFlagged
			}
			res = Result{
				UserID:        r.UserID,
				ContentID:     r.ContentID,
				Verdict:       domain.Reject(r.Delta, domain.ReasonRecordFlagged),
				NewCumulative: rec.CumulativeConsumed,
				Flagged:       true,
			}
			return l.emit(ctx, tx, domain.EventRejected, s.caller, rec, res.Verdict, now)
		}

		v := policy.Evaluate(rec, r.Delta, r.ReportedAt, now, meta, l.policy)
		next := rec
		if v.Credits() {
			next = policy.Apply(rec, v, policy.ReportTime(r.ReportedAt, now), now, l.policy)
			if v.Delta > 0 {
				if err := tx.AddConsumption(ctx, r.UserID, v.Delta); err != nil {
					return err
				}
			}
		} else {
			next, flagged = policy.Escalate(rec, v.Reason, now, l.policy)
		}
		if next != rec {
			if err := tx.PutProgress(ctx, next); err != nil {
				return err
			}
		}

		res = Result{
			UserID:        r.UserID,
			ContentID:     r.ContentID,
			Verdict:       v,
			NewCumulative: next.CumulativeConsumed,
			Flagged:       next.Flagged,
		}
		if s.key != "" {
			if err := tx.PutReceipt(ctx, domain.Receipt{
				Key:           s.key,
				UserID:        r.UserID,
				ContentID:     r.ContentID,
				Verdict:       v,
				NewCumulative: next.CumulativeConsumed,
				Flagged:       next.Flagged,
				RecordedAt:    now,
			}); err != nil {
				return err
			}
		}

		if err := l.emit(ctx, tx, domain.EventForVerdict(v.Kind), s.caller, next, v, now); err != nil {
			return err
		}
		if flagged {
			return l.emit(ctx, tx, domain.EventFlagged, s.caller, next, v, now)
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	if !res.Replayed {
		l.metrics.verdict(ctx, res.Verdict)
		l.log.Debug("consumption evaluated",
			zap.String("user_id", res.UserID),
			zap.String("content_id", res.ContentID),
			zap.String("verdict", string(res.Verdict.Kind)),
			zap.String("reason", string(res.Verdict.Reason)),
			zap.Duration("applied", res.Applied()),
			zap.Duration("cumulative", res.NewCumulative))
	}
	if flagged {
		l.metrics.flag(ctx, domain.EventFlagged)
		l.log.Warn("record flagged after repeated suspicious reports",
			zap.String("user_id", res.UserID),
			zap.String("content_id", res.ContentID),
			zap.String("reason", string(res.Verdict.Reason)))
	}
	return res, nil
}

func (l *Ledger) emit(ctx context.Context, tx store.Tx, kind domain.EventKind, caller string, rec domain.ProgressRecord, v domain.Verdict, now time.Time) error {
	return tx.Emit(ctx, domain.Event{
		ID:            l.newID(),
		Kind:          kind,
		UserID:        rec.UserID,
		ContentID:     rec.ContentID,
		Caller:        caller,
		Delta:         v.Delta,
		NewCumulative: rec.CumulativeConsumed,
		Verdict:       v.Kind,
		Reason:        v.Reason,
		Timestamp:     now,
	})
}

// GetProgress returns the record for a pair, or its zero-progress form
// when nothing has been reported yet.
func (l *Ledger) GetProgress(ctx context.Context, userID, contentID string) (domain.ProgressRecord, error) {
	userID = signing.NormalizeIdentity(userID)
	contentID = strings.TrimSpace(contentID)
	var rec domain.ProgressRecord
	err := l.store.View(ctx, func(tx store.Tx) error {
		meta, ok, err := tx.Content(ctx, contentID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrUnknownContent
		}
		r, ok, err := tx.Progress(ctx, userID, contentID)
		if err != nil {
			return err
		}
		if !ok {
			r = domain.NewProgressRecord(userID, contentID, meta.RegisteredAt)
		}
		rec = r
		return nil
	})
	return rec, err
}

// FlagRecord suspends crediting for a pair. Flagging a flagged record is
// a no-op.
func (l *Ledger) FlagRecord(ctx context.Context, caller, userID, contentID string) (domain.ProgressRecord, error) {
	return l.setFlag(ctx, caller, userID, contentID, true)
}

// ClearFlag lifts a flag and resets the strike count.
func (l *Ledger) ClearFlag(ctx context.Context, caller, userID, contentID string) (domain.ProgressRecord, error) {
	return l.setFlag(ctx, caller, userID, contentID, false)
}

func (l *Ledger) setFlag(ctx context.Context, caller, userID, contentID string, flag bool) (domain.ProgressRecord, error) {
	caller = signing.NormalizeIdentity(caller)
	userID = signing.NormalizeIdentity(userID)
	contentID = strings.TrimSpace(contentID)
	if userID == "" || contentID == "" {
		return domain.ProgressRecord{}, fmt.Errorf("%w: user and content are required", ErrInvalidArgument)
	}

	var (
		out     domain.ProgressRecord
		changed bool
	)
	kind := domain.EventUnflagged
	if flag {
		kind = domain.EventFlagged
	}
	err := l.store.Update(ctx, func(tx store.Tx) error {
		changed = false
		if err := requireOwner(ctx, tx, caller); err != nil {
			return err
		}
		meta, ok, err := tx.Content(ctx, contentID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrUnknownContent
		}
		rec, ok, err := tx.Progress(ctx, userID, contentID)
		if err != nil {
			return err
		}
		if !ok {
			rec = domain.NewProgressRecord(userID, contentID, meta.RegisteredAt)
		}
		out = rec
		if rec.Flagged == flag {
			return nil
		}

		now, err := tx.Now(ctx)
		if err != nil {
			return err
		}
		rec.Flagged = flag
		if !flag {
			rec = policy.ClearStrikes(rec)
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		rec.UpdatedAt = now
		if err := tx.PutProgress(ctx, rec); err != nil {
			return err
		}
		out, changed = rec, true
		return l.emit(ctx, tx, kind, caller, rec, domain.Verdict{}, now)
	})
	if err != nil {
		return domain.ProgressRecord{}, err
	}
	if changed {
		l.metrics.flag(ctx, kind)
		l.log.Info("record flag changed",
			zap.String("user_id", userID),
			zap.String("content_id", contentID),
			zap.Bool("flagged", flag),
			zap.String("caller", caller))
	}
	return out, nil
}

// RegisterContent stores immutable content metadata. Zero MaxReports and
// MaxPlaybackRate take the configured defaults.
func (l *Ledger) RegisterContent(ctx context.Context, caller string, meta domain.ContentMeta) (domain.ContentMeta, error) {
	caller = signing.NormalizeIdentity(caller)
	meta.ContentID = strings.TrimSpace(meta.ContentID)
	meta.Duration = meta.Duration.Truncate(clock.Resolution)
	switch {
	case meta.ContentID == "":
		return domain.ContentMeta{}, fmt.Errorf("%w: content id is required", ErrInvalidArgument)
	case meta.Duration <= 0:
		return domain.ContentMeta{}, fmt.Errorf("%w: duration must be positive", ErrInvalidArgument)
	case meta.MaxPlaybackRate < 0 || math.IsNaN(meta.MaxPlaybackRate) || math.IsInf(meta.MaxPlaybackRate, 0):
		return domain.ContentMeta{}, fmt.Errorf("%w: max playback rate must be positive", ErrInvalidArgument)
	case meta.MaxReports < 0:
		return domain.ContentMeta{}, fmt.Errorf("%w: max reports must be positive", ErrInvalidArgument)
	}
	if meta.MaxPlaybackRate == 0 {
		meta.MaxPlaybackRate = l.defRate
	}
	if meta.MaxReports == 0 {
		meta.MaxReports = l.defMax
	}

	err := l.store.Update(ctx, func(tx store.Tx) error {
		if err := requireOwner(ctx, tx, caller); err != nil {
			return err
		}
		_, exists, err := tx.Content(ctx, meta.ContentID)
		if err != nil {
			return err
		}
		if exists {
			return ErrContentExists
		}
		now, err := tx.Now(ctx)
		if err != nil {
			return err
		}
		meta.RegisteredAt = now
		meta.RegisteredBy = caller
		return tx.PutContent(ctx, meta)
	})
	if err != nil {
		return domain.ContentMeta{}, err
	}
	l.log.Info("content registered",
		zap.String("content_id", meta.ContentID),
		zap.Duration("duration", meta.Duration),
		zap.Float64("max_playback_rate", meta.MaxPlaybackRate),
		zap.Int64("max_reports", meta.MaxReports))
	return meta, nil
}

func (l *Ledger) GetContent(ctx context.Context, contentID string) (domain.ContentMeta, error) {
	var meta domain.ContentMeta
	err := l.store.View(ctx, func(tx store.Tx) error {
		m, ok, err := tx.Content(ctx, strings.TrimSpace(contentID))
		if err != nil {
			return err
		}
		if !ok {
			return ErrUnknownContent
		}
		meta = m
		return nil
	})
	return meta, err
}

// Initialize sets the first owner. It succeeds once per ledger.
func (l *Ledger) Initialize(ctx context.Context, owner string) error {
	owner = signing.NormalizeIdentity(owner)
	if owner == "" {
		return fmt.Errorf("%w: owner is required", ErrInvalidArgument)
	}
	err := l.store.Update(ctx, func(tx store.Tx) error {
		cur, err := tx.Owner(ctx)
		if err != nil {
			return err
		}
		if cur != "" {
			return ErrAlreadyInitialized
		}
		return tx.SetOwner(ctx, owner)
	})
	if err != nil {
		return err
	}
	l.log.Info("ledger initialized", zap.String("owner", owner))
	return nil
}

func (l *Ledger) Owner(ctx context.Context) (string, error) {
	var owner string
	err := l.store.View(ctx, func(tx store.Tx) error {
		var err error
		owner, err = tx.Owner(ctx)
		return err
	})
	return owner, err
}

func (l *Ledger) TransferOwnership(ctx context.Context, caller, newOwner string) error {
	caller = signing.NormalizeIdentity(caller)
	newOwner = signing.NormalizeIdentity(newOwner)
	if newOwner == "" {
		return fmt.Errorf("%w: new owner is required", ErrInvalidArgument)
	}
	err := l.store.Update(ctx, func(tx store.Tx) error {
		if err := requireOwner(ctx, tx, caller); err != nil {
			return err
		}
		return tx.SetOwner(ctx, newOwner)
	})
	if err != nil {
		return err
	}
	l.log.Info("ownership transferred", zap.String("from", caller), zap.String("to", newOwner))
	return nil
}

// ApproveReporter authorises reporter for contentID, or for every
// content when contentID is empty.
func (l *Ledger) ApproveReporter(ctx context.Context, caller, reporter, contentID string) error {
	caller = signing.NormalizeIdentity(caller)
	reporter = signing.NormalizeIdentity(reporter)
	contentID = strings.TrimSpace(contentID)
	if reporter == "" {
		return fmt.Errorf("%w: reporter is required", ErrInvalidArgument)
	}
	return l.store.Update(ctx, func(tx store.Tx) error {
		if err := requireOwner(ctx, tx, caller); err != nil {
			return err
		}
		if contentID != "" {
			_, ok, err := tx.Content(ctx, contentID)
			if err != nil {
				return err
			}
			if !ok {
				return ErrUnknownContent
			}
		}
		now, err := tx.Now(ctx)
		if err != nil {
			return err
		}
		return tx.PutReporter(ctx, reporter, contentID, now)
	})
}

// RevokeReporter removes one approval. It reports whether the approval
// existed.
func (l *Ledger) RevokeReporter(ctx context.Context, caller, reporter, contentID string) (bool, error) {
	caller = signing.NormalizeIdentity(caller)
	reporter = signing.NormalizeIdentity(reporter)
	contentID = strings.TrimSpace(contentID)
	if reporter == "" {
		return false, fmt.Errorf("%w: reporter is required", ErrInvalidArgument)
	}
	var removed bool
	err := l.store.Update(ctx, func(tx store.Tx) error {
		if err := requireOwner(ctx, tx, caller); err != nil {
			return err
		}
		var err error
		removed, err = tx.DeleteReporter(ctx, reporter, contentID)
		return err
	})
	return removed, err
}

func (l *Ledger) IsReporter(ctx context.Context, reporter, contentID string) (bool, error) {
	reporter = signing.NormalizeIdentity(reporter)
	var ok bool
	err := l.store.View(ctx, func(tx store.Tx) error {
		var err error
		ok, err = tx.ReporterApproved(ctx, reporter, strings.TrimSpace(contentID))
		return err
	})
	return ok, err
}

// UserConsumption is the credit a user has accumulated across all content.
func (l *Ledger) UserConsumption(ctx context.Context, userID string) (time.Duration, error) {
	userID = signing.NormalizeIdentity(userID)
	var d time.Duration
	err := l.store.View(ctx, func(tx store.Tx) error {
		var err error
		d, err = tx.UserConsumption(ctx, userID)
		return err
	})
	return d, err
}

func (l *Ledger) TotalConsumption(ctx context.Context) (time.Duration, error) {
	var d time.Duration
	err := l.store.View(ctx, func(tx store.Tx) error {
		var err error
		d, err = tx.TotalConsumption(ctx)
		return err
	})
	return d, err
}
