package trace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/segmentio/encoding/json"

	"github.com/evalgate/engine/pkg/types"
)

// Source loads the traces of a challenge. Storage of challenges and fixtures
// lives outside the engine; this is the seam it is reached through.
type Source interface {
	Load(ctx context.Context, challengeID string, set types.TraceSet) ([]types.Trace, error)
}

// FileSource reads trace sets from <Root>/<challenge>/<set>.json.
type FileSource struct {
	Root string
}

// NewFileSource creates a FileSource rooted at dir.
func NewFileSource(dir string) *FileSource {
	return &FileSource{Root: dir}
}

// Load implements Source.
func (s *FileSource) Load(ctx context.Context, challengeID string, set types.TraceSet) ([]types.Trace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if challengeID == "" || strings.ContainsAny(challengeID, `/\`) || strings.Contains(challengeID, "..") {
		return nil, fmt.Errorf("invalid challenge id %q", challengeID)
	}
	if set != types.SetDev && set != types.SetTest {
		return nil, fmt.Errorf("unknown trace set %q", set)
	}
	return ReadSetFile(filepath.Join(s.Root, challengeID, string(set)+".json"))
}

// ReadSetFile reads and decodes a trace-set document from disk.
func ReadSetFile(path string) ([]types.Trace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read trace set: %w", err)
	}
	traces, err := DecodeSet(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return traces, nil
}

// DecodeSet validates raw trace-set JSON, decodes it, then normalizes and
// validates every trace.
func DecodeSet(data []byte) ([]types.Trace, error) {
	if err := ValidateSchema(data); err != nil {
		return nil, err
	}
	var doc struct {
		Traces []types.Trace `json:"traces"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode trace set: %w", err)
	}
	for i := range doc.Traces {
		Normalize(&doc.Traces[i])
	}
	if rpcErr := ValidateSet(doc.Traces); rpcErr != nil {
		return nil, rpcErr
	}
	return doc.Traces, nil
}
