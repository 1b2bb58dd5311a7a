package extract

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/joseph-ayodele/paper-extract/constants"
)

// Fetcher loads documents from http(s) URLs, file:// URLs or absolute local paths.
type Fetcher struct {
	http     *http.Client
	maxBytes int64
	log      *slog.Logger
}

func NewFetcher(timeout time.Duration, maxMB int, logger *slog.Logger) *Fetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxMB <= 0 {
		maxMB = constants.DefaultMaxDownloadMB
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		http:     &http.Client{Timeout: timeout},
		maxBytes: int64(maxMB) * 1024 * 1024,
		log:      logger,
	}
}

// Fetch reads the referenced document and checks that it is a PDF.
func (f *Fetcher) Fetch(ctx context.Context, ref string) (Document, error) {
	start := time.Now()
	var (
		data []byte
		name string
		err  error
	)

	u, perr := url.Parse(ref)
	switch {
	case perr == nil && (u.Scheme == "http" || u.Scheme == "https"):
		name = path.Base(u.Path)
		data, err = f.download(ctx, u.String())
	case perr == nil && u.Scheme == "file":
		name = filepath.Base(u.Path)
		data, err = f.readFile(u.Path)
	case filepath.IsAbs(ref):
		name = filepath.Base(ref)
		data, err = f.readFile(ref)
	default:
		return Document{}, fmt.Errorf("unsupported document reference %q", ref)
	}
	if err != nil {
		f.log.Warn("fetch.failed", "url", ref, "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return Document{}, err
	}
	if !bytes.HasPrefix(data, []byte(constants.PDFMagic)) {
		return Document{}, fmt.Errorf("document %s is not a PDF", ref)
	}

	f.log.Debug("fetch.ok", "url", ref, "bytes", len(data), "elapsed_ms", time.Since(start).Milliseconds())
	return Document{URL: ref, Name: name, Bytes: data}, nil
}

func (f *Fetcher) download(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", rawURL, err)
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			f.log.Warn("fetch.body_close_error", "error", err)
		}
	}(resp.Body)

	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("download %s: status %d", rawURL, resp.StatusCode)
	}
	if resp.ContentLength > f.maxBytes {
		return nil, fmt.Errorf("download %s: %d bytes exceeds limit of %d", rawURL, resp.ContentLength, f.maxBytes)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", rawURL, err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("download %s: exceeds limit of %d bytes", rawURL, f.maxBytes)
	}
	return data, nil
}

func (f *Fetcher) readFile(p string) ([]byte, error) {
	st, err := os.Stat(p)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", p, err)
	}
	if st.IsDir() {
		return nil, fmt.Errorf("%s is a directory", p)
	}
	if st.Size() > f.maxBytes {
		return nil, fmt.Errorf("%s: %d bytes exceeds limit of %d", p, st.Size(), f.maxBytes)
	}
	return os.ReadFile(p)
}

// NameFromRef derives a display name from a document reference.
func NameFromRef(ref string) string {
	if u, err := url.Parse(ref); err == nil && u.Path != "" {
		if base := path.Base(u.Path); base != "/" && base != "." {
			return base
		}
	}
	return strings.TrimSpace(filepath.Base(ref))
}
