package ocrservice

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/adverant/docuflow/internal/capability"
	cerrors "github.com/adverant/docuflow/internal/errors"
)

// Result is what Process returns on success — the shape OcrQueue feeds
// into MetaStore.CompleteJob (spec §4.4: "Returns a struct applied by
// MetaStore in completeJob").
type Result struct {
	Text       string
	Confidence float64
	Language   string
	PageCount  int
	WordCount  int
	Raw        map[string]any
}

// Service adapts an external capability.OCREngine, validating results
// and normalizing text before handing them back to OcrQueue.
type Service struct {
	engine           capability.OCREngine
	supportedFormats map[string]bool
}

func New(engine capability.OCREngine, supportedFormats []string) *Service {
	set := make(map[string]bool, len(supportedFormats))
	for _, f := range supportedFormats {
		set[strings.ToLower(f)] = true
	}
	return &Service{engine: engine, supportedFormats: set}
}

// Process implements spec §4.4: validate format, call the engine with
// a deadline, validate and normalize the result.
func (s *Service) Process(ctx context.Context, fileType string, data []byte, opts map[string]any, deadline time.Time) (Result, error) {
	if len(s.supportedFormats) > 0 && !s.supportedFormats[strings.ToLower(fileType)] {
		return Result{}, cerrors.NewPermanent("unsupported file type for OCR: "+fileType, nil)
	}

	engineOpts := capability.EngineOptions(opts)
	raw, err := s.engine.Extract(ctx, data, engineOpts, deadline)
	if err != nil {
		if ee, ok := err.(*capability.EngineError); ok {
			retryable := ee.Kind == capability.EngineTransient
			if retryable {
				return Result{}, cerrors.NewUpstream(ee.Message, true, ee)
			}
			return Result{}, cerrors.NewPermanent(ee.Message, ee)
		}
		return Result{}, cerrors.NewUpstream("ocr engine call failed", true, err)
	}

	if err := validateResult(raw); err != nil {
		return Result{}, err
	}

	return Result{
		Text:       normalizeText(raw.Text),
		Confidence: raw.Confidence,
		Language:   raw.Language,
		PageCount:  raw.PageCount,
		WordCount:  raw.WordCount,
		Raw:        raw.Raw,
	}, nil
}

// validateResult implements spec §4.4's acceptance checks: non-empty
// text (or an explicit no-text flag), confidence in [0,1], page_count ≥ 1.
func validateResult(r capability.EngineResult) error {
	noText, _ := r.Raw["no_text"].(bool)
	if strings.TrimSpace(r.Text) == "" && !noText {
		return cerrors.NewPermanent("ocr engine returned empty text without a no_text flag", nil)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return cerrors.NewPermanent("ocr engine returned confidence outside [0,1]", nil)
	}
	if r.PageCount < 1 {
		return cerrors.NewPermanent("ocr engine returned page_count < 1", nil)
	}
	return nil
}

// normalizeText collapses runs of whitespace and strips invalid UTF-8,
// the minimal cleanup spec §4.4's "normalize whitespace, fix encodings"
// calls for.
func normalizeText(text string) string {
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "")
	}
	fields := strings.Fields(text)
	return strings.Join(fields, " ")
}
