package llm

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"
)

// ErrInjected is returned by a FaultInjector when it rolls an error.
var ErrInjected = errors.New("injected fault: simulated provider error")

// FaultConfig defines the fault injection parameters for a FaultInjector.
type FaultConfig struct {
	ErrorRate     float64       // probability in [0,1] of returning ErrInjected
	LatencyJitter time.Duration // random extra latency in [0, LatencyJitter)
	Truncate      bool          // cut the response text short so it no longer parses
	TimeoutAfter  time.Duration // if > 0, block this long then report a deadline
}

// FaultInjector wraps a Provider and injects configurable faults. It is used
// to exercise the judge path's per-trace fallback handling.
type FaultInjector struct {
	inner  Provider
	config FaultConfig
	mu     sync.Mutex
	rng    *rand.Rand
}

// NewFaultInjector creates a FaultInjector with a time-based seed.
func NewFaultInjector(inner Provider, config FaultConfig) *FaultInjector {
	return NewFaultInjectorWithSeed(inner, config, time.Now().UnixNano())
}

// NewFaultInjectorWithSeed creates a FaultInjector with a deterministic seed.
func NewFaultInjectorWithSeed(inner Provider, config FaultConfig, seed int64) *FaultInjector {
	return &FaultInjector{
		inner:  inner,
		config: config,
		rng:    rand.New(rand.NewSource(seed)), //nolint:gosec
	}
}

func (f *FaultInjector) Name() string         { return "fault:" + f.inner.Name() }
func (f *FaultInjector) DefaultModel() string { return f.inner.DefaultModel() }

func (f *FaultInjector) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	f.mu.Lock()
	errorRoll := f.rng.Float64()
	var jitter time.Duration
	if f.config.LatencyJitter > 0 {
		jitter = time.Duration(f.rng.Int63n(int64(f.config.LatencyJitter)))
	}
	f.mu.Unlock()

	if f.config.ErrorRate > 0 && errorRoll < f.config.ErrorRate {
		return nil, ErrInjected
	}
	if f.config.TimeoutAfter > 0 {
		if err := sleepCtx(ctx, f.config.TimeoutAfter); err != nil {
			return nil, err
		}
		return nil, context.DeadlineExceeded
	}
	if err := sleepCtx(ctx, jitter); err != nil {
		return nil, err
	}

	resp, err := f.inner.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if f.config.Truncate && resp != nil && len(resp.Content) > 1 {
		cp := *resp
		cp.Content = f.truncate(resp.Content)
		return &cp, nil
	}
	return resp, nil
}

// truncate keeps a random strict prefix of content, at least one rune long.
func (f *FaultInjector) truncate(content string) string {
	runes := []rune(content)
	if len(runes) < 2 {
		return content
	}
	f.mu.Lock()
	n := 1 + f.rng.Intn(len(runes)-1)
	f.mu.Unlock()
	return string(runes[:n])
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
