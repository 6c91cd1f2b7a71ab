package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestFaultInjector_Passthrough(t *testing.T) {
	fi := NewFaultInjectorWithSeed(NewMockProvider([]*CompletionResponse{Text("hello")}, nil), FaultConfig{}, 42)

	resp, err := fi.Complete(context.Background(), &CompletionRequest{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "hello" {
		t.Errorf("Content = %q, want hello", resp.Content)
	}
	if fi.Name() != "fault:mock" || fi.DefaultModel() != "mock-model" {
		t.Errorf("delegation = %s/%s", fi.Name(), fi.DefaultModel())
	}
}

func TestFaultInjector_ErrorRate(t *testing.T) {
	always := NewFaultInjectorWithSeed(NewMockProvider(nil, nil), FaultConfig{ErrorRate: 1}, 7)
	never := NewFaultInjectorWithSeed(NewMockProvider(nil, nil), FaultConfig{ErrorRate: 0}, 7)

	for i := range 10 {
		if _, err := always.Complete(context.Background(), &CompletionRequest{}); !errors.Is(err, ErrInjected) {
			t.Fatalf("call %d: err = %v, want ErrInjected", i, err)
		}
		if _, err := never.Complete(context.Background(), &CompletionRequest{}); err != nil {
			t.Fatalf("call %d: unexpected error %v", i, err)
		}
	}
}

func TestFaultInjector_TruncateBreaksJSON(t *testing.T) {
	inner := NewMockProvider(nil, nil)
	fi := NewFaultInjectorWithSeed(inner, FaultConfig{Truncate: true}, 99)

	for i := range 20 {
		resp, err := fi.Complete(context.Background(), &CompletionRequest{})
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if resp.Content == DefaultMockVerdict {
			t.Fatalf("call %d: content not truncated", i)
		}
		if !strings.HasPrefix(DefaultMockVerdict, resp.Content) || resp.Content == "" {
			t.Fatalf("call %d: %q is not a non-empty prefix", i, resp.Content)
		}
	}
}

func TestFaultInjector_TruncateDoesNotMutateInner(t *testing.T) {
	shared := Text(`{"pass": true}`)
	fi := NewFaultInjectorWithSeed(NewMockProvider([]*CompletionResponse{shared}, nil), FaultConfig{Truncate: true}, 1)
	if _, err := fi.Complete(context.Background(), &CompletionRequest{}); err != nil {
		t.Fatal(err)
	}
	if shared.Content != `{"pass": true}` {
		t.Errorf("inner response mutated to %q", shared.Content)
	}
}

func TestFaultInjector_Timeout(t *testing.T) {
	fi := NewFaultInjectorWithSeed(NewMockProvider(nil, nil), FaultConfig{TimeoutAfter: 10 * time.Millisecond}, 42)

	start := time.Now()
	_, err := fi.Complete(context.Background(), &CompletionRequest{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Error("returned before TimeoutAfter elapsed")
	}
}

func TestFaultInjector_TimeoutHonoursCancel(t *testing.T) {
	fi := NewFaultInjectorWithSeed(NewMockProvider(nil, nil), FaultConfig{TimeoutAfter: 5 * time.Second}, 42)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := fi.Complete(ctx, &CompletionRequest{}); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want canceled", err)
	}
}

func TestFaultInjector_InnerErrorPropagates(t *testing.T) {
	inner := NewMockProvider(nil, []error{errors.New("inner failure")})
	fi := NewFaultInjectorWithSeed(inner, FaultConfig{}, 42)

	if _, err := fi.Complete(context.Background(), &CompletionRequest{}); err == nil || err.Error() != "inner failure" {
		t.Errorf("err = %v, want inner failure", err)
	}
}
