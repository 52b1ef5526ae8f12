package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/example/consumption-ledger/services/ledger/internal/domain"
)

// Genesis is deployment-time state: the owner, the initial catalogue and
// the reporters trusted from day one.
type Genesis struct {
	Owner     string            `yaml:"owner"`
	Contents  []GenesisContent  `yaml:"contents"`
	Reporters []GenesisReporter `yaml:"reporters"`
}

type GenesisContent struct {
	ContentID       string   `yaml:"content_id"`
	Duration        Duration `yaml:"duration"`
	MaxPlaybackRate float64  `yaml:"max_playback_rate"`
	MaxReports      int64    `yaml:"max_reports"`
}

type GenesisReporter struct {
	ID        string `yaml:"id"`
	ContentID string `yaml:"content_id"`
}

// Duration accepts Go duration strings ("90m") or integer milliseconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var ms int64
	if err := n.Decode(&ms); err == nil {
		v, err := Millis("duration", ms)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var s string
	if err := n.Decode(&s); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func LoadGenesis(path string) (Genesis, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Genesis{}, fmt.Errorf("read genesis: %w", err)
	}
	return ParseGenesis(b)
}

func ParseGenesis(b []byte) (Genesis, error) {
	var g Genesis
	if err := yaml.Unmarshal(b, &g); err != nil {
		return Genesis{}, fmt.Errorf("parse genesis: %w", err)
	}
	if g.Owner == "" {
		return Genesis{}, errors.New("genesis: owner is required")
	}
	return g, nil
}

// ApplyGenesis brings the ledger up to g. It is safe to run on every
// start: existing owner, contents and reporters are left as they are.
func (l *Ledger) ApplyGenesis(ctx context.Context, g Genesis) error {
	if err := l.Initialize(ctx, g.Owner); err != nil && !errors.Is(err, ErrAlreadyInitialized) {
		return fmt.Errorf("genesis owner: %w", err)
	}
	owner, err := l.Owner(ctx)
	if err != nil {
		return err
	}

	for _, c := range g.Contents {
		_, err := l.RegisterContent(ctx, owner, domain.ContentMeta{
			ContentID:       c.ContentID,
			Duration:        time.Duration(c.Duration),
			MaxPlaybackRate: c.MaxPlaybackRate,
			MaxReports:      c.MaxReports,
		})
		if errors.Is(err, ErrContentExists) {
			continue
		}
		if err != nil {
			return fmt.Errorf("genesis content %q: %w", c.ContentID, err)
		}
	}
	for _, r := range g.Reporters {
		if err := l.ApproveReporter(ctx, owner, r.ID, r.ContentID); err != nil {
			return fmt.Errorf("genesis reporter %q: %w", r.ID, err)
		}
	}
	l.log.Info("genesis applied",
		zap.Int("contents", len(g.Contents)),
		zap.Int("reporters", len(g.Reporters)))
	return nil
}
