package trace

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/evalgate/engine/pkg/types"
)

const validSet = `{"traces": [
  {"id": "t1", "messages": [
    {"role": "User", "content": "Refund please"},
    {"role": "tool", "content": "{}", "metadata": {"tool_name": "lookup_refund"}}
  ]},
  {"id": "t2", "messages": []}
]}`

func writeSet(t *testing.T, root, challenge string, set types.TraceSet, body string) {
	t.Helper()
	dir := filepath.Join(root, challenge)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, string(set)+".json"), []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestDecodeSet_Valid(t *testing.T) {
	traces, err := DecodeSet([]byte(validSet))
	if err != nil {
		t.Fatalf("DecodeSet: %v", err)
	}
	if len(traces) != 2 {
		t.Fatalf("len = %d, want 2", len(traces))
	}
	if traces[0].Messages[0].Role != types.RoleUser {
		t.Errorf("role not normalized: %q", traces[0].Messages[0].Role)
	}
	if ToolName(&traces[0].Messages[1]) != "lookup_refund" {
		t.Errorf("metadata lost: %+v", traces[0].Messages[1].Metadata)
	}
}

func TestDecodeSet_SchemaViolations(t *testing.T) {
	cases := map[string]string{
		"not json":        `not json`,
		"missing traces":  `{"items": []}`,
		"missing id":      `{"traces": [{"messages": []}]}`,
		"content not str": `{"traces": [{"id": "x", "messages": [{"role": "user", "content": 3}]}]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := DecodeSet([]byte(body)); err == nil {
				t.Errorf("expected error for %s", body)
			}
		})
	}
}

func TestDecodeSet_UnknownRoleRejectedAfterNormalize(t *testing.T) {
	_, err := DecodeSet([]byte(`{"traces": [{"id": "x", "messages": [{"role": "system", "content": ""}]}]}`))
	if err == nil || !strings.Contains(err.Error(), "invalid role") {
		t.Fatalf("err = %v, want invalid role", err)
	}
}

func TestFileSource_Load(t *testing.T) {
	root := t.TempDir()
	writeSet(t, root, "refunds", types.SetDev, validSet)

	src := NewFileSource(root)
	traces, err := src.Load(context.Background(), "refunds", types.SetDev)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(traces) != 2 {
		t.Errorf("len = %d, want 2", len(traces))
	}

	if _, err := src.Load(context.Background(), "refunds", types.SetTest); err == nil {
		t.Error("expected error for missing test set")
	}
	if _, err := src.Load(context.Background(), "../etc", types.SetDev); err == nil {
		t.Error("expected error for path traversal")
	}
	if _, err := src.Load(context.Background(), "refunds", types.TraceSet("prod")); err == nil {
		t.Error("expected error for unknown set")
	}
}

func TestFileSource_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewFileSource(t.TempDir()).Load(ctx, "x", types.SetDev); err == nil {
		t.Error("expected context error")
	}
}
