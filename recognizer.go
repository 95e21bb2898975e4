package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"

	"github.com/otiai10/gosseract/v2"
	"gocv.io/x/gocv"
)

// ErrRecognizerClosed is returned by Recognize after Close.
var ErrRecognizerClosed = errors.New("recognizer is closed")

// Recognizer maps a plate crop to text. An empty string with a nil error
// means "no text yet" and is not a failure.
type Recognizer interface {
	Recognize(ctx context.Context, crop gocv.Mat) (string, error)
	Close() error
}

// RecognizerConfig configures the Tesseract engine.
type RecognizerConfig struct {
	// Language holds Tesseract language codes, comma or plus separated.
	Language string
	// Whitelist restricts recognized characters. Empty allows all.
	Whitelist string
	// MinConfidence drops words below this confidence (0.0-1.0). 0 keeps all text.
	MinConfidence float64
	// Workers is the number of Tesseract clients. 0 picks a CPU-based default.
	Workers int
	// Preprocess selects the crop pipeline: "gocv" or "imaging".
	Preprocess string
	// PlateHeight is the height small crops are upscaled to.
	PlateHeight int
}

// ocrWorker owns one Tesseract client. A client is not safe for concurrent
// use, so each worker serves one crop at a time.
type ocrWorker struct {
	id     int
	client *gosseract.Client
}

func newOCRWorker(id int, cfg RecognizerConfig) (*ocrWorker, error) {
	client := gosseract.NewClient()

	if err := client.SetLanguage(splitLanguages(cfg.Language)...); err != nil {
		client.Close()
		return nil, fmt.Errorf("worker %d: failed to set OCR language: %w", id, err)
	}

	// Plates are a single line of text.
	if err := client.SetPageSegMode(gosseract.PSM_SINGLE_LINE); err != nil {
		client.Close()
		return nil, fmt.Errorf("worker %d: failed to set page segmentation mode: %w", id, err)
	}

	if cfg.Whitelist != "" {
		if err := client.SetWhitelist(cfg.Whitelist); err != nil {
			client.Close()
			return nil, fmt.Errorf("worker %d: failed to set whitelist: %w", id, err)
		}
	}

	return &ocrWorker{id: id, client: client}, nil
}

func (w *ocrWorker) close() error {
	if w.client != nil {
		return w.client.Close()
	}
	return nil
}

// recognize runs OCR on an encoded crop.
func (w *ocrWorker) recognize(img []byte, minConfidence float64) (string, error) {
	if err := w.client.SetImageFromBytes(img); err != nil {
		return "", fmt.Errorf("worker %d: failed to set OCR image: %w", w.id, err)
	}

	if minConfidence <= 0 {
		text, err := w.client.Text()
		if err != nil {
			return "", fmt.Errorf("worker %d: failed to extract text: %w", w.id, err)
		}
		return normalizePlateText(text), nil
	}

	boxes, err := w.client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return "", fmt.Errorf("worker %d: failed to get bounding boxes: %w", w.id, err)
	}

	words := make([]string, 0, len(boxes))
	for _, box := range boxes {
		// Tesseract reports confidence in percent.
		if box.Word == "" || box.Confidence < minConfidence*100 {
			continue
		}
		words = append(words, box.Word)
	}
	return normalizePlateText(strings.Join(words, " ")), nil
}

// TesseractRecognizer is a pool of Tesseract workers.
type TesseractRecognizer struct {
	cfg     RecognizerConfig
	pre     Preprocessor
	workers []*ocrWorker
	idle    chan *ocrWorker
	done    chan struct{}
	logger  *slog.Logger
}

// defaultWorkerCount keeps a core free for capture and rendering.
func defaultWorkerCount() int {
	n := runtime.NumCPU() - 1
	if n < 1 {
		n = 1
	}
	if n > 8 {
		n = 8
	}
	return n
}

// NewTesseractRecognizer creates cfg.Workers Tesseract clients.
func NewTesseractRecognizer(cfg RecognizerConfig, logger *slog.Logger) (*TesseractRecognizer, error) {
	if cfg.Language == "" {
		cfg.Language = "eng"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkerCount()
	}

	pre, err := NewPreprocessor(cfg.Preprocess, cfg.PlateHeight)
	if err != nil {
		return nil, err
	}

	r := &TesseractRecognizer{
		cfg:     cfg,
		pre:     pre,
		workers: make([]*ocrWorker, 0, cfg.Workers),
		idle:    make(chan *ocrWorker, cfg.Workers),
		done:    make(chan struct{}),
		logger:  logger,
	}

	for i := 0; i < cfg.Workers; i++ {
		w, err := newOCRWorker(i, cfg)
		if err != nil {
			r.closeWorkers()
			return nil, fmt.Errorf("failed to create recognizer pool: %w", err)
		}
		r.workers = append(r.workers, w)
		r.idle <- w
	}

	logger.Debug("Created Tesseract recognizer pool",
		"worker_count", cfg.Workers,
		"language", cfg.Language,
		"whitelist", cfg.Whitelist,
		"preprocess", cfg.Preprocess,
		"min_confidence", cfg.MinConfidence)

	return r, nil
}

// Workers returns the pool size.
func (r *TesseractRecognizer) Workers() int {
	return len(r.workers)
}

// Recognize preprocesses crop on the calling goroutine, then runs OCR on an
// idle worker. If ctx ends first the call returns ctx.Err(); the worker
// finishes in the background and rejoins the pool.
func (r *TesseractRecognizer) Recognize(ctx context.Context, crop gocv.Mat) (string, error) {
	img, err := r.pre.Preprocess(crop)
	if err != nil {
		return "", fmt.Errorf("failed to preprocess crop: %w", err)
	}

	var w *ocrWorker
	select {
	case <-r.done:
		return "", ErrRecognizerClosed
	case <-ctx.Done():
		return "", fmt.Errorf("waiting for OCR worker: %w", ctx.Err())
	case w = <-r.idle:
	}

	type result struct {
		text string
		err  error
	}
	resultCh := make(chan result, 1)

	go func() {
		defer func() { r.idle <- w }()
		text, err := w.recognize(img, r.cfg.MinConfidence)
		resultCh <- result{text: text, err: err}
	}()

	select {
	case res := <-resultCh:
		return res.text, res.err
	case <-ctx.Done():
		r.logger.Warn("OCR call abandoned", "worker_id", w.id, "error", ctx.Err())
		return "", fmt.Errorf("OCR: %w", ctx.Err())
	}
}

// Close waits for busy workers and releases all Tesseract clients.
func (r *TesseractRecognizer) Close() error {
	select {
	case <-r.done:
		return nil
	default:
	}
	close(r.done)

	// Collect every worker so no client is closed mid-call.
	for range r.workers {
		<-r.idle
	}
	return r.closeWorkers()
}

func (r *TesseractRecognizer) closeWorkers() error {
	var errs []error
	for _, w := range r.workers {
		if err := w.close(); err != nil {
			errs = append(errs, fmt.Errorf("worker %d: %w", w.id, err))
		}
	}
	return errors.Join(errs...)
}

// splitLanguages accepts "eng,deu" as well as Tesseract's "eng+deu".
func splitLanguages(lang string) []string {
	langs := strings.FieldsFunc(lang, func(r rune) bool {
		return r == ',' || r == '+' || r == ' '
	})
	if len(langs) == 0 {
		return []string{"eng"}
	}
	return langs
}

// normalizePlateText collapses all whitespace, including the line breaks
// Tesseract emits between fragments, into single spaces.
func normalizePlateText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
