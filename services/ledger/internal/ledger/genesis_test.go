package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/example/consumption-ledger/services/ledger/internal/clock"
	"github.com/example/consumption-ledger/services/ledger/internal/policy"
	"github.com/example/consumption-ledger/services/ledger/internal/store"
)

const genesisYAML = `
owner: admin
contents:
  - content_id: movie-1
    duration: 90m
    max_playback_rate: 1.5
  - content_id: clip-1
    duration: 30000
    max_reports: 10
reporters:
  - id: platform
  - id: clip-bot
    content_id: clip-1
`

func TestApplyGenesis(t *testing.T) {
	ctx := context.Background()
	g, err := ParseGenesis([]byte(genesisYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if time.Duration(g.Contents[0].Duration) != 90*time.Minute || time.Duration(g.Contents[1].Duration) != 30*time.Second {
		t.Fatalf("unexpected durations: %+v", g.Contents)
	}

	l, err := New(Options{Store: store.NewMemory(clock.NewManual(t0), nil, nil), Policy: policy.DefaultConfig()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := l.ApplyGenesis(ctx, g); err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
	}

	if owner, _ := l.Owner(ctx); owner != "admin" {
		t.Fatalf("expected owner admin, got %q", owner)
	}
	movie, err := l.GetContent(ctx, "movie-1")
	if err != nil || movie.MaxPlaybackRate != 1.5 {
		t.Fatalf("movie-1: %+v err=%v", movie, err)
	}
	if ok, _ := l.IsReporter(ctx, "platform", "movie-1"); !ok {
		t.Fatalf("expected global reporter")
	}
	if ok, _ := l.IsReporter(ctx, "clip-bot", "movie-1"); ok {
		t.Fatalf("expected clip-bot to be scoped to clip-1")
	}
}

func TestParseGenesis_RequiresOwner(t *testing.T) {
	if _, err := ParseGenesis([]byte("contents: []")); err == nil {
		t.Fatalf("expected missing owner to fail")
	}
}
