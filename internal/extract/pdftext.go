package extract

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/joseph-ayodele/paper-extract/internal/entity"
)

// Runner lets us stub external commands in tests.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

type execRunner struct {
	log *slog.Logger
}

func (r execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	start := time.Now()

	cmd := exec.CommandContext(ctx, name, args...)
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb

	err := cmd.Run()
	dur := time.Since(start)
	if err != nil {
		r.log.Warn("exec.failed",
			"cmd", name,
			"args", strings.Join(args, " "),
			"elapsed_ms", dur.Milliseconds(),
			"error", err,
			"stderr", truncate(errb.String(), 8<<10),
		)
	} else {
		r.log.Debug("exec.ok", "cmd", name, "elapsed_ms", dur.Milliseconds(), "stdout_bytes", out.Len())
	}
	return out.Bytes(), errb.Bytes(), err
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}

// PDFText pulls the embedded text layer out of a PDF with poppler's pdftotext.
type PDFText struct {
	binary string
	runner Runner
	log    *slog.Logger
}

// NewPDFText returns nil when binary is empty or "off".
func NewPDFText(binary string, runner Runner, logger *slog.Logger) *PDFText {
	if binary == "" || binary == "off" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if runner == nil {
		runner = execRunner{log: logger}
	}
	return &PDFText{binary: binary, runner: runner, log: logger}
}

// Text returns the document text and its page count. Pages are separated by
// form feeds in pdftotext output.
func (p *PDFText) Text(ctx context.Context, doc Document) (string, int, error) {
	tmp, err := os.CreateTemp("", "pe-doc-*.pdf")
	if err != nil {
		return "", 0, err
	}
	defer func() {
		if err := os.Remove(tmp.Name()); err != nil {
			p.log.Warn("pdftext.cleanup_failed", "path", tmp.Name(), "error", err)
		}
	}()
	if _, err := tmp.Write(doc.Bytes); err != nil {
		_ = tmp.Close()
		return "", 0, err
	}
	if err := tmp.Close(); err != nil {
		return "", 0, err
	}

	// pdftotext -layout -enc UTF-8 -eol unix <path> -
	out, errb, err := p.runner.Run(ctx, p.binary, "-layout", "-enc", "UTF-8", "-eol", "unix", tmp.Name(), "-")
	if err != nil {
		return "", 0, fmt.Errorf("pdftotext: %w: %s", err, truncate(string(errb), 512))
	}
	text := string(out)
	pages := 1 + strings.Count(strings.TrimRight(text, "\f"), "\f")
	return strings.TrimSpace(text), pages, nil
}

// WithLocalText serves extract_full_text from the PDF's text layer and only
// asks next for the remaining outputs. Scanned PDFs with no text layer fall
// back to next.
func WithLocalText(next Extractor, text *PDFText) Extractor {
	if text == nil {
		return next
	}
	return ExtractorFunc(func(ctx context.Context, doc Document, opts entity.ProcessingOptions) (entity.ExtractionResult, error) {
		if !opts.ExtractFullText {
			return next.Extract(ctx, doc, opts)
		}
		body, pages, err := text.Text(ctx, doc)
		if err != nil || body == "" {
			text.log.Info("pdftext.fallback", "file_name", doc.Name, "error", err)
			return next.Extract(ctx, doc, opts)
		}
		text.log.Info("pdftext.ok", "file_name", doc.Name, "pages", pages, "chars", len(body))

		rest := opts
		rest.ExtractFullText = false
		var res entity.ExtractionResult
		if rest.Any() {
			if res, err = next.Extract(ctx, doc, rest); err != nil {
				return res, err
			}
		}
		res.ExtractedText = body
		return res, nil
	})
}
