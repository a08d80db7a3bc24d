package sources

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"

	"github.com/kalambet/jobharvest/internal/operations"
	"github.com/kalambet/jobharvest/internal/posting"
)

const (
	DocsName        = "docs"
	maxDocTitleLen  = 120
	maxDocTextBytes = 1 << 20
)

// Docs turns locally saved postings (PDF, plain text or Markdown) into a
// single page. Each file is keyed by its absolute file:// URL.
type Docs struct {
	dir    string
	now    func() time.Time
	logger *slog.Logger
}

// NewDocs creates a source reading from dir.
func NewDocs(dir string) *Docs {
	return &Docs{dir: dir, now: time.Now, logger: slog.Default().With("source", DocsName)}
}

func (d *Docs) Name() string { return DocsName }

// FetchPage reads every supported file in the directory. Unreadable files
// are logged and skipped.
func (d *Docs) FetchPage(ctx context.Context, cursor int) (Page, error) {
	if d.dir == "" {
		return Page{Done: true}, nil
	}
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return Page{Done: true}, nil
		}
		return Page{}, fmt.Errorf("reading docs dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	now := d.now()
	var items []posting.Posting
	for _, e := range entries {
		if err := operations.Check(ctx); err != nil {
			return Page{}, err
		}
		if e.IsDir() {
			continue
		}
		path := filepath.Join(d.dir, e.Name())
		text, err := readDocument(path)
		if err != nil {
			d.logger.Warn("skipping document", "path", path, "err", err)
			continue
		}
		if text == "" {
			continue
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}
		items = append(items, posting.Posting{
			URL:         "file://" + filepath.ToSlash(abs),
			Source:      DocsName,
			Title:       docTitle(text, e.Name()),
			Description: collapseSpace(text),
			ScrapedAt:   now,
		})
	}
	return Page{Items: items, Next: cursor + 1, Done: true}, nil
}

var errUnsupportedDoc = fmt.Errorf("unsupported document type")

func readDocument(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".md", ".markdown":
		f, err := os.Open(path)
		if err != nil {
			return "", err
		}
		defer f.Close()
		b, err := io.ReadAll(io.LimitReader(f, maxDocTextBytes))
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	case ".pdf":
		return readPDF(path)
	default:
		return "", errUnsupportedDoc
	}
}

func readPDF(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	defer f.Close()

	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(plain, maxDocTextBytes)); err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// docTitle is the first non-empty line, stripped of Markdown heading marks,
// or the file name when the document has no usable line.
func docTitle(text, filename string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "#"))
		if line == "" {
			continue
		}
		if r := []rune(line); len(r) > maxDocTitleLen {
			line = string(r[:maxDocTitleLen])
		}
		return line
	}
	return strings.TrimSuffix(filename, filepath.Ext(filename))
}
