package imap

import (
	"context"
	"testing"
	"time"
)

func TestIdleConfigNormalizeFillsDefaults(t *testing.T) {
	cfg := IdleConfig{}.Normalize()
	d := DefaultIdleConfig()
	if cfg.RenewalInterval != d.RenewalInterval {
		t.Fatalf("RenewalInterval = %v, want default %v", cfg.RenewalInterval, d.RenewalInterval)
	}
	if cfg.NoopInterval != d.NoopInterval {
		t.Fatalf("NoopInterval = %v, want default %v", cfg.NoopInterval, d.NoopInterval)
	}
	if cfg.ReconnectMaxDelay != d.ReconnectMaxDelay {
		t.Fatalf("ReconnectMaxDelay = %v, want default %v", cfg.ReconnectMaxDelay, d.ReconnectMaxDelay)
	}
}

func TestIdleConfigNormalizeLegacyCycleAlias(t *testing.T) {
	cfg := IdleConfig{LegacyCycleInterval: 9 * time.Minute}.Normalize()
	if cfg.RenewalInterval != 9*time.Minute {
		t.Fatalf("expected LegacyCycleInterval to seed RenewalInterval, got %v", cfg.RenewalInterval)
	}
	if !cfg.PostIdleNoopEnabled {
		t.Fatal("expected LegacyCycleInterval to force PostIdleNoopEnabled")
	}
}

func TestIdleConfigNormalizeClampsPostIdleDelay(t *testing.T) {
	cfg := IdleConfig{
		NoopInterval:        10 * time.Second,
		PostIdleNoopEnabled: true,
		PostIdleNoopDelay:   30 * time.Second,
	}.Normalize()
	if cfg.PostIdleNoopDelay != 10*time.Second {
		t.Fatalf("expected PostIdleNoopDelay clamped to NoopInterval, got %v", cfg.PostIdleNoopDelay)
	}
}

func TestIdleConfigNormalizeRejectsOutOfRangeJitter(t *testing.T) {
	cfg := IdleConfig{ReconnectJitterFactor: 1.5}.Normalize()
	if cfg.ReconnectJitterFactor != DefaultIdleConfig().ReconnectJitterFactor {
		t.Fatalf("expected out-of-range jitter to fall back to default, got %v", cfg.ReconnectJitterFactor)
	}
}

func TestBackoffDelayCapsAtMax(t *testing.T) {
	cfg := DefaultIdleConfig()
	d := backoffDelay(cfg, 100)
	// at a very high attempt the uncapped exponential would dwarf max;
	// jitter is at most +/-20% of the (already capped) delay.
	upper := time.Duration(float64(cfg.ReconnectMaxDelay) * (1 + cfg.ReconnectJitterFactor))
	if d > upper {
		t.Fatalf("backoffDelay(100) = %v, expected capped near max (<= %v)", d, upper)
	}
}

func TestBackoffDelayGrowsWithAttempt(t *testing.T) {
	cfg := DefaultIdleConfig()
	cfg.ReconnectJitterFactor = 0 // deterministic
	first := backoffDelay(cfg, 1)
	second := backoffDelay(cfg, 2)
	if first != cfg.ReconnectBaseDelay {
		t.Fatalf("backoffDelay(1) = %v, want base delay %v", first, cfg.ReconnectBaseDelay)
	}
	if second <= first {
		t.Fatalf("expected backoff to grow: attempt 1 = %v, attempt 2 = %v", first, second)
	}
}

func TestEventQueuePushAndNext(t *testing.T) {
	q := newEventQueue(nil)
	q.push(ServerEvent{Kind: EventExists, Num: 1})
	q.push(ServerEvent{Kind: EventExists, Num: 2})

	ctx := context.Background()
	ev, ok, err := q.Next(ctx)
	if err != nil || !ok || ev.Num != 1 {
		t.Fatalf("unexpected first Next result: %+v ok=%v err=%v", ev, ok, err)
	}
	ev, ok, err = q.Next(ctx)
	if err != nil || !ok || ev.Num != 2 {
		t.Fatalf("unexpected second Next result: %+v ok=%v err=%v", ev, ok, err)
	}
}

func TestEventQueueCloseDrainsThenEnds(t *testing.T) {
	q := newEventQueue(nil)
	q.push(ServerEvent{Kind: EventExists, Num: 1})
	q.close()

	ctx := context.Background()
	_, ok, err := q.Next(ctx)
	if err != nil || !ok {
		t.Fatalf("expected the buffered event to drain before close takes effect, ok=%v err=%v", ok, err)
	}
	_, ok, err = q.Next(ctx)
	if err != nil || ok {
		t.Fatalf("expected Next to report closed-with-no-events, ok=%v err=%v", ok, err)
	}
}

func TestEventQueueNextRespectsContextCancellation(t *testing.T) {
	q := newEventQueue(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := q.Next(ctx)
	if err == nil {
		t.Fatal("expected Next to return an error once the context is canceled")
	}
}
