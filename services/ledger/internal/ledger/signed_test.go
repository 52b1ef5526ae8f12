package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/example/consumption-ledger/internal/platform/signing"
	"github.com/example/consumption-ledger/services/ledger/internal/domain"
)

func TestSubmitSigned(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.l.domain = signing.NewDomain(1, "")

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := crypto.PubkeyToAddress(key.PublicKey).Hex()
	require.NoError(t, f.l.ApproveReporter(ctx, owner, signer, content))

	f.at(40)
	report := signing.Report{
		UserID:     user,
		ContentID:  content,
		DeltaMs:    40_000,
		DeadlineMs: t0.Add(time.Minute).UnixMilli(),
		ReportID:   "sig-1",
	}
	sig, err := signing.Sign(key, f.l.domain, report)
	require.NoError(t, err)

	t.Run("accepted for the named user", func(t *testing.T) {
		res, err := f.l.SubmitSigned(ctx, user, SignedReport{Report: report, Signature: sig})
		require.NoError(t, err)
		require.Equal(t, domain.VerdictAccept, res.Verdict.Kind)
		require.Equal(t, 40*time.Second, res.NewCumulative)
		evs := f.store.Events()
		require.Equal(t, user, evs[len(evs)-1].Caller)
	})

	t.Run("replay returns stored outcome", func(t *testing.T) {
		res, err := f.l.SubmitSigned(ctx, user, SignedReport{Report: report, Signature: sig})
		require.NoError(t, err)
		require.True(t, res.Replayed)
		rec, err := f.l.GetProgress(ctx, user, content)
		require.NoError(t, err)
		require.Equal(t, int64(1), rec.TotalReports)
	})

	t.Run("other caller cannot relay", func(t *testing.T) {
		_, err := f.l.SubmitSigned(ctx, "bob", SignedReport{Report: report, Signature: sig})
		require.True(t, errors.Is(err, ErrUnauthorized))
	})

	t.Run("tampered payload fails authorization", func(t *testing.T) {
		tampered := report
		tampered.DeltaMs = 400_000
		_, err := f.l.SubmitSigned(ctx, user, SignedReport{Report: tampered, Signature: sig})
		require.True(t, errors.Is(err, ErrUnauthorized), "got %v", err)
	})

	t.Run("malformed signature", func(t *testing.T) {
		_, err := f.l.SubmitSigned(ctx, user, SignedReport{Report: report, Signature: sig[:10]})
		require.True(t, errors.Is(err, ErrInvalidSignature), "got %v", err)
	})

	t.Run("unapproved signer", func(t *testing.T) {
		other, err := crypto.GenerateKey()
		require.NoError(t, err)
		r := report
		r.ReportID = "sig-2"
		s, err := signing.Sign(other, f.l.domain, r)
		require.NoError(t, err)
		_, err = f.l.SubmitSigned(ctx, user, SignedReport{Report: r, Signature: s})
		require.True(t, errors.Is(err, ErrUnauthorized), "got %v", err)
	})

	t.Run("delta overflowing a duration", func(t *testing.T) {
		r := report
		r.ReportID = "sig-4"
		r.DeltaMs = MaxMillis + 1
		s, err := signing.Sign(key, f.l.domain, r)
		require.NoError(t, err)
		_, err = f.l.SubmitSigned(ctx, user, SignedReport{Report: r, Signature: s})
		require.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("expired deadline", func(t *testing.T) {
		f.at(120)
		r := report
		r.ReportID = "sig-3"
		s, err := signing.Sign(key, f.l.domain, r)
		require.NoError(t, err)
		_, err = f.l.SubmitSigned(ctx, user, SignedReport{Report: r, Signature: s})
		require.ErrorIs(t, err, ErrSignatureExpired)
	})
}
