// Package artifacts stores files that live next to the database: uploaded
// attachments and a markdown mirror of every enriched note.
package artifacts

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/kalambet/notebase/internal/storage"
)

// Store manages artifacts under a root directory, normally the data dir.
type Store struct {
	root string
}

// New returns a Store rooted at root. Directories are created on demand.
func New(root string) *Store {
	return &Store{root: root}
}

func (s *Store) uploadDir(noteID string) string {
	return filepath.Join(s.root, "uploads", noteID)
}

// MirrorPath returns the path of the markdown mirror for a note.
func (s *Store) MirrorPath(noteID string) string {
	return filepath.Join(s.root, "mirror", noteID+".md")
}

// SaveUpload writes r to uploads/<note>/<name> and returns the stored path
// and byte count. At most limit bytes are accepted when limit > 0.
func (s *Store) SaveUpload(noteID, name string, r io.Reader, limit int64) (string, int64, error) {
	name = filepath.Base(filepath.Clean("/" + name))
	if name == "/" || name == "." {
		name = "upload"
	}
	dir := s.uploadDir(noteID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", 0, fmt.Errorf("creating upload dir: %w", err)
	}

	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", 0, fmt.Errorf("creating upload file: %w", err)
	}

	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && limit > 0 && n > limit {
		err = fmt.Errorf("upload exceeds %d bytes", limit)
	}
	if err != nil {
		os.RemoveAll(dir)
		return "", 0, fmt.Errorf("writing upload: %w", err)
	}
	return path, n, nil
}

// WriteMirror renders n as markdown with a small front matter block.
func (s *Store) WriteMirror(n storage.Note) error {
	path := s.MirrorPath(n.ID)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating mirror dir: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("---\n")
	fmt.Fprintf(&sb, "id: %s\n", n.ID)
	fmt.Fprintf(&sb, "revision: %d\n", n.Revision)
	if n.Project != "" {
		fmt.Fprintf(&sb, "project: %q\n", n.Project)
	}
	if len(n.Tags) > 0 {
		fmt.Fprintf(&sb, "tags: [%s]\n", strings.Join(n.Tags, ", "))
	}
	if n.SourceURL != "" {
		fmt.Fprintf(&sb, "source: %s\n", n.SourceURL)
	}
	fmt.Fprintf(&sb, "created: %s\n", n.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"))
	sb.WriteString("---\n\n")
	if n.Summary != "" {
		fmt.Fprintf(&sb, "> %s\n\n", n.Summary)
	}
	body := n.MarkdownContent
	if body == "" {
		body = n.Content
	}
	sb.WriteString(strings.TrimSpace(body))
	sb.WriteString("\n")

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(sb.String()), 0o600); err != nil {
		return fmt.Errorf("writing mirror: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing mirror: %w", err)
	}
	return nil
}

// Remove deletes every artifact of a note. Missing files are not an error.
func (s *Store) Remove(noteID string) error {
	var errs []string
	if err := os.RemoveAll(s.uploadDir(noteID)); err != nil {
		errs = append(errs, err.Error())
	}
	if err := os.Remove(s.MirrorPath(noteID)); err != nil && !os.IsNotExist(err) {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return fmt.Errorf("removing artifacts for %s: %s", noteID, strings.Join(errs, "; "))
	}
	return nil
}
