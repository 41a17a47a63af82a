package ocrservice

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/docuflow/internal/capability"
	cerrors "github.com/adverant/docuflow/internal/errors"
)

type fakeEngine struct {
	result capability.EngineResult
	err    error
}

func (f *fakeEngine) Extract(ctx context.Context, data []byte, opts capability.EngineOptions, deadline time.Time) (capability.EngineResult, error) {
	return f.result, f.err
}

func TestProcessRejectsUnsupportedFileType(t *testing.T) {
	s := New(&fakeEngine{}, []string{"pdf", "png"})
	_, err := s.Process(context.Background(), "docx", nil, nil, time.Now().Add(time.Minute))
	require.Error(t, err)
	assert.Equal(t, cerrors.Permanent, cerrors.CodeOf(err))
}

func TestProcessNormalizesWhitespace(t *testing.T) {
	engine := &fakeEngine{result: capability.EngineResult{
		Text: "  hello   \n\n world  ", Confidence: 0.9, PageCount: 1,
	}}
	s := New(engine, []string{"pdf"})

	result, err := s.Process(context.Background(), "pdf", []byte("x"), nil, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "hello world", result.Text)
}

func TestProcessRejectsEmptyTextWithoutNoTextFlag(t *testing.T) {
	engine := &fakeEngine{result: capability.EngineResult{Text: "", Confidence: 0.9, PageCount: 1}}
	s := New(engine, []string{"pdf"})

	_, err := s.Process(context.Background(), "pdf", []byte("x"), nil, time.Now().Add(time.Minute))
	require.Error(t, err)
	assert.Equal(t, cerrors.Permanent, cerrors.CodeOf(err))
}

func TestProcessAcceptsEmptyTextWithNoTextFlag(t *testing.T) {
	engine := &fakeEngine{result: capability.EngineResult{
		Text: "", Confidence: 0.9, PageCount: 1, Raw: map[string]any{"no_text": true},
	}}
	s := New(engine, []string{"pdf"})

	result, err := s.Process(context.Background(), "pdf", []byte("x"), nil, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "", result.Text)
}

func TestProcessRejectsConfidenceOutOfRange(t *testing.T) {
	engine := &fakeEngine{result: capability.EngineResult{Text: "ok", Confidence: 1.5, PageCount: 1}}
	s := New(engine, []string{"pdf"})

	_, err := s.Process(context.Background(), "pdf", []byte("x"), nil, time.Now().Add(time.Minute))
	require.Error(t, err)
}

func TestProcessRejectsZeroPageCount(t *testing.T) {
	engine := &fakeEngine{result: capability.EngineResult{Text: "ok", Confidence: 0.5, PageCount: 0}}
	s := New(engine, []string{"pdf"})

	_, err := s.Process(context.Background(), "pdf", []byte("x"), nil, time.Now().Add(time.Minute))
	require.Error(t, err)
}

func TestProcessMapsTransientEngineErrorToRetryableUpstream(t *testing.T) {
	engine := &fakeEngine{err: &capability.EngineError{Kind: capability.EngineTransient, Message: "timeout"}}
	s := New(engine, []string{"pdf"})

	_, err := s.Process(context.Background(), "pdf", []byte("x"), nil, time.Now().Add(time.Minute))
	require.Error(t, err)
	assert.Equal(t, cerrors.Upstream, cerrors.CodeOf(err))
	assert.True(t, cerrors.IsRetryable(err))
}

func TestProcessMapsPermanentEngineErrorToNonRetryable(t *testing.T) {
	engine := &fakeEngine{err: &capability.EngineError{Kind: capability.EnginePermanent, Message: "corrupt file"}}
	s := New(engine, []string{"pdf"})

	_, err := s.Process(context.Background(), "pdf", []byte("x"), nil, time.Now().Add(time.Minute))
	require.Error(t, err)
	assert.Equal(t, cerrors.Permanent, cerrors.CodeOf(err))
	assert.False(t, cerrors.IsRetryable(err))
}
