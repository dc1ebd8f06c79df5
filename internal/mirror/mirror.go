// Package mirror writes the reconciled forum snapshot to a directory of
// markdown files, one per post, for reading with ordinary tools.
package mirror

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/alexjbarnes/forum-sync/forum"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

const (
	dirPerm  = fs.FileMode(0o755)
	filePerm = fs.FileMode(0o644)

	// maxSlugRunes caps the title part of a file name.
	maxSlugRunes = 60
)

// Frontmatter is the YAML header of a mirrored post.
type Frontmatter struct {
	ID        string `yaml:"id"`
	Title     string `yaml:"title"`
	Status    string `yaml:"status"`
	Author    string `yaml:"author,omitempty"`
	Created   string `yaml:"created"`
	Updated   string `yaml:"updated"`
	Responses int    `yaml:"responses"`
}

// Result counts what one Sync did.
type Result struct {
	Written   int
	Unchanged int
	Removed   int
}

// Mirror owns the markdown files in one directory.
type Mirror struct {
	dir    string
	logger *slog.Logger
}

// New creates dir if needed and returns a mirror writing into it.
func New(dir string, logger *slog.Logger) (*Mirror, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("creating mirror directory: %w", err)
	}

	return &Mirror{
		dir:    dir,
		logger: logger.With(slog.String("component", "mirror")),
	}, nil
}

// Sync makes the directory match posts: new and changed posts are
// written, unchanged files are left alone, and files this mirror wrote
// for posts no longer present are removed. Markdown files without a
// mirror frontmatter are never touched.
func (m *Mirror) Sync(posts []forum.Post) (Result, error) {
	var res Result

	wanted := make(map[string]struct{}, len(posts))

	var errs []error

	for _, p := range posts {
		name := FileName(p)
		wanted[name] = struct{}{}

		wrote, err := m.writeIfChanged(name, Render(p))
		if err != nil {
			errs = append(errs, fmt.Errorf("post %s: %w", p.ID, err))
			continue
		}

		if wrote {
			res.Written++
		} else {
			res.Unchanged++
		}
	}

	removed, err := m.removeStale(wanted)
	res.Removed = removed

	if err != nil {
		errs = append(errs, err)
	}

	if res.Written > 0 || res.Removed > 0 {
		m.logger.Debug("mirror synced",
			slog.Int("written", res.Written),
			slog.Int("unchanged", res.Unchanged),
			slog.Int("removed", res.Removed),
		)
	}

	return res, errors.Join(errs...)
}

func (m *Mirror) writeIfChanged(name string, content []byte) (bool, error) {
	abs := filepath.Join(m.dir, name)

	existing, err := os.ReadFile(abs)
	if err == nil && bytes.Equal(existing, content) {
		return false, nil
	}

	// Atomic write: write to temp file, then rename.
	tmp, err := os.CreateTemp(m.dir, ".mirror-write-*")
	if err != nil {
		return false, fmt.Errorf("creating temp file: %w", err)
	}

	tmpName := tmp.Name()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return false, fmt.Errorf("writing temp file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return false, fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Chmod(tmpName, filePerm); err != nil {
		os.Remove(tmpName)
		return false, fmt.Errorf("setting file permissions: %w", err)
	}

	if err := os.Rename(tmpName, abs); err != nil {
		os.Remove(tmpName)
		return false, fmt.Errorf("renaming temp file: %w", err)
	}

	return true, nil
}

func (m *Mirror) removeStale(wanted map[string]struct{}) (int, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return 0, fmt.Errorf("listing mirror directory: %w", err)
	}

	removed := 0

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".md" {
			continue
		}

		if _, ok := wanted[name]; ok {
			continue
		}

		abs := filepath.Join(m.dir, name)

		content, err := os.ReadFile(abs)
		if err != nil {
			continue
		}

		if fm := parseFrontmatter(content); fm == nil || fm.ID == "" {
			continue
		}

		if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("removing %s: %w", name, err)
		}

		removed++
	}

	return removed, nil
}

// FileName returns "<slug>-<id>.md" for p.
func FileName(p forum.Post) string {
	return Slug(p.Title) + "-" + safeID(p.ID) + ".md"
}

// Slug lower-cases the NFC form of title and joins its letter and digit
// runs with single dashes. An empty result becomes "post".
func Slug(title string) string {
	title = strings.ToLower(norm.NFC.String(title))

	var b strings.Builder

	runes := 0
	dash := false

	for _, r := range title {
		if runes >= maxSlugRunes {
			break
		}

		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if dash && b.Len() > 0 {
				b.WriteByte('-')
				runes++
			}

			b.WriteRune(r)
			runes++
			dash = false

			continue
		}

		dash = true
	}

	if b.Len() == 0 {
		return "post"
	}

	return b.String()
}

// safeID keeps IDs from escaping the mirror directory.
func safeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, id)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}

	return t.UTC().Format(time.RFC3339)
}

func formatAuthor(a *forum.Author) string {
	switch {
	case a == nil:
		return ""
	case a.Email == "":
		return a.Name
	case a.Name == "":
		return a.Email
	default:
		return a.Name + " <" + a.Email + ">"
	}
}

// Render returns the markdown file for p.
func Render(p forum.Post) []byte {
	fm := Frontmatter{
		ID:        p.ID,
		Title:     p.Title,
		Status:    string(p.Status),
		Author:    formatAuthor(p.Author),
		Created:   formatTime(p.CreatedAt),
		Updated:   formatTime(p.UpdatedAt),
		Responses: len(p.Responses),
	}

	header, err := yaml.Marshal(fm)
	if err != nil {
		// Only strings and an int; cannot fail.
		panic(fmt.Sprintf("mirror: marshal frontmatter: %v", err))
	}

	var b bytes.Buffer

	b.WriteString("---\n")
	b.Write(header)
	b.WriteString("---\n\n")
	b.WriteString("# " + p.Title + "\n")

	if p.Content != "" {
		b.WriteString("\n" + strings.TrimRight(p.Content, "\n") + "\n")
	}

	if len(p.Responses) == 0 {
		return b.Bytes()
	}

	responses := slices.Clone(p.Responses)
	slices.SortStableFunc(responses, func(x, y forum.Response) int {
		return cmp.Compare(y.CreatedAt.UnixNano(), x.CreatedAt.UnixNano())
	})

	b.WriteString("\n## Responses\n")

	for _, r := range responses {
		heading := formatAuthor(r.Author)
		if heading == "" {
			heading = "Anonymous"
		}

		if ts := formatTime(r.CreatedAt); ts != "" {
			heading += ", " + ts
		}

		b.WriteString("\n### " + heading + "\n\n")
		b.WriteString(strings.TrimRight(r.Content, "\n") + "\n")
	}

	return b.Bytes()
}

// parseFrontmatter extracts the YAML header from a mirrored file.
// Returns nil if no frontmatter is found.
func parseFrontmatter(content []byte) *Frontmatter {
	if !bytes.HasPrefix(content, []byte("---")) {
		return nil
	}

	// Skip the rest of the opening line (could be "---\n" or "---\r\n").
	rest := content[3:]

	idx := bytes.IndexByte(rest, '\n')
	if idx < 0 {
		return nil
	}

	rest = rest[idx+1:]

	end := bytes.Index(rest, []byte("\n---"))
	if end < 0 {
		return nil
	}

	var fm Frontmatter
	if err := yaml.Unmarshal(rest[:end], &fm); err != nil {
		return nil
	}

	return &fm
}
