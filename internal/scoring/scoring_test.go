package scoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
)

func hits(weights ...float64) domain.RuleResult {
	r := domain.RuleResult{}
	for i, w := range weights {
		id := string(rune('a' + i))
		r.Evaluated = append(r.Evaluated, id)
		r.Triggered = append(r.Triggered, domain.RuleHit{RuleID: id, Kind: domain.RuleThreshold, Weight: w})
	}
	return r
}

func features() domain.FeatureVector {
	return domain.FeatureVector{
		domain.FeatureTotalValue:          500_000_000,
		domain.FeatureCounterpartyRiskMax: 0.2,
		domain.FeatureRoundValueRatio:     0.5,
	}
}

func TestRegistry(t *testing.T) {
	reg := DefaultRegistry()

	if got := reg.Versions(); len(got) != 2 || got[0] != "v1" || got[1] != "v2" {
		t.Errorf("expected [v1 v2], got %v", got)
	}

	if _, err := reg.Lookup("v9"); !errors.Is(err, domain.ErrUnknownModelVersion) {
		t.Errorf("expected ErrUnknownModelVersion, got %v", err)
	}

	if err := reg.Register(NewWeightedSum()); err == nil {
		t.Error("expected duplicate registration to fail")
	}
}

func TestScorer(t *testing.T) {
	scorer := NewScorer(DefaultRegistry(), time.Second)
	ctx := context.Background()

	t.Run("ZeroWeightsScoreZero", func(t *testing.T) {
		score, err := scorer.Score(ctx, features(), hits(0, 0), "v1")
		if err != nil {
			t.Fatalf("score failed: %v", err)
		}
		if score.Value != 0 {
			t.Errorf("expected 0, got %v", score.Value)
		}
	})

	t.Run("NoHitsScoreZero", func(t *testing.T) {
		score, err := scorer.Score(ctx, features(), domain.RuleResult{}, "v1")
		if err != nil {
			t.Fatalf("score failed: %v", err)
		}
		if score.Value != 0 {
			t.Errorf("expected 0, got %v", score.Value)
		}
	})

	t.Run("ClampedToOne", func(t *testing.T) {
		score, err := scorer.Score(ctx, features(), hits(1.0, 0.8), "v1")
		if err != nil {
			t.Fatalf("score failed: %v", err)
		}
		if score.Value != 1 {
			t.Errorf("expected clamp to 1, got %v", score.Value)
		}
	})

	t.Run("CarriesInputs", func(t *testing.T) {
		rules := hits(0.2)
		score, err := scorer.Score(ctx, features(), rules, "v1")
		if err != nil {
			t.Fatalf("score failed: %v", err)
		}
		if score.ModelVersion != "v1" {
			t.Errorf("expected model version v1, got %s", score.ModelVersion)
		}
		if !score.Rules.Has("a") {
			t.Error("expected rule result on the score")
		}
		if len(score.Contributions) != 1 || score.Contributions[0].Multiplier < 1 {
			t.Errorf("expected one contribution with multiplier >= 1, got %+v", score.Contributions)
		}
	})

	t.Run("UnknownVersion", func(t *testing.T) {
		_, err := scorer.Score(ctx, features(), hits(0.1), "v9")
		if !errors.Is(err, domain.ErrUnknownModelVersion) {
			t.Errorf("expected ErrUnknownModelVersion, got %v", err)
		}
	})
}

func TestWeightMonotonicity(t *testing.T) {
	scorer := NewScorer(DefaultRegistry(), time.Second)
	ctx := context.Background()

	for _, version := range []string{"v1", "v2"} {
		t.Run(version, func(t *testing.T) {
			prev := -1.0
			for w := 0.0; w <= 1.0; w += 0.05 {
				score, err := scorer.Score(ctx, features(), hits(0.1, w), version)
				if err != nil {
					t.Fatalf("score failed: %v", err)
				}
				if score.Value < prev {
					t.Fatalf("score decreased from %v to %v at weight %v", prev, score.Value, w)
				}
				prev = score.Value
			}
		})
	}
}

func TestReplay(t *testing.T) {
	scorer := NewScorer(DefaultRegistry(), time.Second)
	ctx := context.Background()

	for _, version := range []string{"v1", "v2"} {
		t.Run(version, func(t *testing.T) {
			rules := hits(0.3, 0.15)
			score, err := scorer.Score(ctx, features(), rules, version)
			if err != nil {
				t.Fatalf("score failed: %v", err)
			}

			entry := &domain.AuditEntry{Features: features(), Rules: rules, Score: score}
			replayed, ok, err := scorer.Replay(ctx, entry)
			if err != nil {
				t.Fatalf("replay failed: %v", err)
			}
			if !ok || replayed.Value != score.Value {
				t.Errorf("replay mismatch: %v vs %v", replayed.Value, score.Value)
			}
		})
	}

	t.Run("Tampered", func(t *testing.T) {
		rules := hits(0.3)
		score, _ := scorer.Score(ctx, features(), rules, "v1")
		score.Value += 0.1

		entry := &domain.AuditEntry{Features: features(), Rules: rules, Score: score}
		_, ok, err := scorer.Replay(ctx, entry)
		if err != nil {
			t.Fatalf("replay failed: %v", err)
		}
		if ok {
			t.Error("expected replay to detect a changed score")
		}
	})
}

func TestRemoteModel(t *testing.T) {
	b := bus.NewChannelBus(16)
	defer b.Close()
	ctx := context.Background()

	sub, err := ServeRemote(ctx, b, "remote-v1", NewWeightedSum())
	if err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	defer sub.Unsubscribe()

	reg := DefaultRegistry()
	if err := reg.Register(NewRemoteModel("remote-v1", b)); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	scorer := NewScorer(reg, time.Second)

	t.Run("MatchesLocal", func(t *testing.T) {
		rules := hits(0.3)
		remote, err := scorer.Score(ctx, features(), rules, "remote-v1")
		if err != nil {
			t.Fatalf("remote score failed: %v", err)
		}
		local, err := scorer.Score(ctx, features(), rules, "v1")
		if err != nil {
			t.Fatalf("local score failed: %v", err)
		}
		if remote.Value != local.Value {
			t.Errorf("expected remote %v to equal local %v", remote.Value, local.Value)
		}
		if remote.ModelVersion != "remote-v1" {
			t.Errorf("expected model version remote-v1, got %s", remote.ModelVersion)
		}
	})

	t.Run("TimeoutFailsClosed", func(t *testing.T) {
		if err := reg.Register(NewRemoteModel("remote-silent", b)); err != nil {
			t.Fatalf("register failed: %v", err)
		}
		short := NewScorer(reg, 20*time.Millisecond)

		_, err := short.Score(ctx, features(), hits(0.3), "remote-silent")
		if !errors.Is(err, domain.ErrScoringTimeout) {
			t.Errorf("expected ErrScoringTimeout, got %v", err)
		}
	})
}
