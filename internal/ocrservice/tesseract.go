// Package ocrservice implements the OCREngine capability behind
// capability.OCREngine and the OcrService orchestration layer (spec
// §4.4): adapting the engine, rate limiting calls, and validating
// results before they are handed back for MetaStore.CompleteJob.
// The Tesseract engine itself is adapted directly from the teacher's
// internal/processor/tesseract_ocr.go (gosseract client usage and its
// text-quality confidence heuristic), generalized behind the
// capability.OCREngine interface instead of the teacher's
// AI-orchestration-specific OCRResult type.
package ocrservice

import (
	"context"
	"strings"
	"time"

	"github.com/otiai10/gosseract/v2"
	"golang.org/x/time/rate"

	"github.com/adverant/docuflow/internal/capability"
)

// TesseractEngine is the default, offline capability.OCREngine
// implementation.
type TesseractEngine struct {
	tesseractPath string
	limiter       *rate.Limiter
}

// NewTesseractEngine builds an engine whose calls are bounded to
// rps requests/second (spec §6.5 ocr_rate_limit_rps), protecting a
// single-process Tesseract install from unbounded worker concurrency.
func NewTesseractEngine(tesseractPath string, rps float64) *TesseractEngine {
	if tesseractPath == "" {
		tesseractPath = "/usr/bin/tesseract"
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return &TesseractEngine{
		tesseractPath: tesseractPath,
		limiter:       rate.NewLimiter(rate.Limit(rps), burst),
	}
}

var _ capability.OCREngine = (*TesseractEngine)(nil)

// Extract implements capability.OCREngine.
func (t *TesseractEngine) Extract(ctx context.Context, data []byte, opts capability.EngineOptions, deadline time.Time) (capability.EngineResult, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return capability.EngineResult{}, &capability.EngineError{Kind: capability.EngineTransient, Message: "rate limiter wait cancelled: " + err.Error()}
	}

	callCtx := ctx
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	client := gosseract.NewClient()
	defer client.Close()

	if lang, ok := opts["language"].(string); ok && lang != "" && lang != "auto" {
		if err := client.SetLanguage(lang); err != nil {
			return capability.EngineResult{}, &capability.EngineError{Kind: capability.EnginePermanent, Message: "unsupported language: " + err.Error()}
		}
	}

	if err := client.SetImageFromBytes(data); err != nil {
		return capability.EngineResult{}, &capability.EngineError{Kind: capability.EnginePermanent, Message: "failed to decode image: " + err.Error()}
	}

	type extractOutcome struct {
		text string
		err  error
	}
	done := make(chan extractOutcome, 1)
	go func() {
		text, err := client.Text()
		done <- extractOutcome{text: text, err: err}
	}()

	select {
	case <-callCtx.Done():
		return capability.EngineResult{}, &capability.EngineError{Kind: capability.EngineTransient, Message: "ocr call exceeded deadline"}
	case out := <-done:
		if out.err != nil {
			return capability.EngineResult{}, &capability.EngineError{Kind: capability.EngineTransient, Message: "tesseract ocr failed: " + out.err.Error()}
		}
		confidence := calculateTesseractConfidence(out.text)
		return capability.EngineResult{
			Text:       out.text,
			Confidence: confidence,
			PageCount:  1,
			WordCount:  len(strings.Fields(out.text)),
			Language:   "auto",
			Raw:        map[string]any{"engine": "tesseract"},
		}, nil
	}
}

// calculateTesseractConfidence estimates confidence from text-quality
// indicators, carried verbatim from the teacher's heuristic.
func calculateTesseractConfidence(text string) float64 {
	confidence := 0.5

	if len(text) > 1000 {
		confidence += 0.1
	}
	if len(text) > 5000 {
		confidence += 0.1
	}

	words := strings.Fields(text)
	if len(words) > 100 {
		confidence += 0.1
	}

	alphaCount := 0
	for _, r := range text {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			alphaCount++
		}
	}
	if len(text) > 0 {
		alphaRatio := float64(alphaCount) / float64(len(text))
		if alphaRatio > 0.5 && alphaRatio < 0.9 {
			confidence += 0.1
		}
	}

	if confidence > 0.85 {
		confidence = 0.85
	}
	return confidence
}
