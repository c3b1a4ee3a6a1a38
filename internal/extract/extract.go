// Package extract turns links and uploaded files into plain text and a
// light markdown rendering for enrichment and search.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"
)

const (
	// DefaultFetchTimeout bounds a single link fetch.
	DefaultFetchTimeout = 15 * time.Second
	// MaxFetchBytes caps the body read from a link.
	MaxFetchBytes = 5 << 20
	// MaxFileBytes caps the bytes read from an uploaded file.
	MaxFileBytes = 20 << 20
	// maxTextBytes caps extracted text stored on a note.
	maxTextBytes = 1 << 20
)

// ErrUnsupportedScheme is returned for links that are not http or https.
var ErrUnsupportedScheme = errors.New("unsupported url scheme")

// Result is the outcome of an extraction. Text is empty for content that
// has no text layer, such as images.
type Result struct {
	Title    string
	Text     string
	Markdown string
}

// Kind classifies content by MIME type, falling back to the file extension.
type Kind string

const (
	KindText     Kind = "text"
	KindMarkdown Kind = "markdown"
	KindHTML     Kind = "html"
	KindPDF      Kind = "pdf"
	KindImage    Kind = "image"
	KindUnknown  Kind = "unknown"
)

// DetectKind picks the extraction path for a MIME type and file name.
func DetectKind(mimeType, name string) Kind {
	if mt, _, err := mime.ParseMediaType(mimeType); err == nil {
		switch {
		case mt == "application/pdf":
			return KindPDF
		case mt == "text/html" || mt == "application/xhtml+xml":
			return KindHTML
		case mt == "text/markdown" || mt == "text/x-markdown":
			return KindMarkdown
		case strings.HasPrefix(mt, "image/"):
			return KindImage
		case strings.HasPrefix(mt, "text/") || mt == "application/json":
			return KindText
		}
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return KindPDF
	case ".html", ".htm":
		return KindHTML
	case ".md", ".markdown":
		return KindMarkdown
	case ".txt", ".text", ".csv", ".json", ".log":
		return KindText
	case ".png", ".jpg", ".jpeg", ".gif", ".webp", ".heic":
		return KindImage
	}
	return KindUnknown
}

// Fetcher retrieves links over HTTP.
type Fetcher struct {
	client   *http.Client
	timeout  time.Duration
	maxBytes int64
}

// NewFetcher returns a Fetcher using client, or a default client when nil.
func NewFetcher(client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{}
	}
	return &Fetcher{client: client, timeout: DefaultFetchTimeout, maxBytes: MaxFetchBytes}
}

// FromURL fetches rawURL and extracts its readable content. Bodies larger
// than MaxFetchBytes are truncated.
func (f *Fetcher) FromURL(ctx context.Context, rawURL string) (Result, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return Result{}, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Result{}, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Result{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", "notebase/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("fetching %s: %w", u.Redacted(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, fmt.Errorf("fetching %s: status %d", u.Redacted(), resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return Result{}, fmt.Errorf("reading %s: %w", u.Redacted(), err)
	}

	kind := DetectKind(resp.Header.Get("Content-Type"), u.Path)
	if kind == KindUnknown {
		kind = KindHTML
	}
	res, err := fromBytes(body, kind)
	if err != nil {
		return Result{}, err
	}
	if res.Title == "" {
		res.Title = u.String()
	}
	return res, nil
}

// FromFile extracts content from a file on disk.
func FromFile(path, mimeType string) (Result, error) {
	kind := DetectKind(mimeType, path)
	if kind == KindImage {
		return Result{}, nil
	}
	if kind == KindPDF {
		return fromPDFFile(path)
	}

	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxFileBytes))
	if err != nil {
		return Result{}, fmt.Errorf("reading %s: %w", path, err)
	}
	return fromBytes(data, kind)
}

func fromBytes(data []byte, kind Kind) (Result, error) {
	switch kind {
	case KindHTML:
		return fromHTML(bytes.NewReader(data))
	case KindPDF:
		r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			return Result{}, fmt.Errorf("opening pdf: %w", err)
		}
		return fromPDF(r)
	case KindImage:
		return Result{}, nil
	case KindMarkdown:
		text := clip(strings.TrimSpace(string(data)))
		return Result{Text: text, Markdown: text}, nil
	default:
		return Result{Text: clip(strings.TrimSpace(string(data)))}, nil
	}
}

func fromPDFFile(path string) (Result, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("opening pdf %s: %w", path, err)
	}
	defer f.Close()
	return fromPDF(r)
}

func fromPDF(r *pdf.Reader) (res Result, err error) {
	// The pdf reader panics on some malformed streams.
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("reading pdf: %v", p)
		}
	}()

	plain, err := r.GetPlainText()
	if err != nil {
		return Result{}, fmt.Errorf("reading pdf text: %w", err)
	}
	data, err := io.ReadAll(io.LimitReader(plain, maxTextBytes))
	if err != nil {
		return Result{}, fmt.Errorf("reading pdf text: %w", err)
	}
	return Result{Text: strings.TrimSpace(string(data))}, nil
}

// clip truncates s to maxTextBytes, dropping a rune cut in half.
func clip(s string) string {
	if len(s) <= maxTextBytes {
		return s
	}
	return strings.ToValidUTF8(s[:maxTextBytes], "")
}
