package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	mirrorKindPerson = "person"
	mirrorKindGroup  = "group"

	// Everything below this marker is regenerated; human edits above it
	// survive a reimport, edits below it do not.
	mirrorStyleMarker = "<!-- generated: public style -->"

	mirrorDebounce = 2 * time.Second
)

// Mirror keeps human-editable markdown copies of capsules under
// dir/people and dir/groups. Files are named by the first 10 hex chars of
// the SHA-256 of the id, so renaming a person never orphans their file.
// Watch feeds human edits back into the store.
type Mirror struct {
	dir string

	mu          sync.Mutex
	lastWritten map[string]string // path -> content hash, suppresses echo of our own writes
}

// NewMirror returns a mirror rooted at dir. Directories are created on
// first write, not here, so a read-only data dir fails late and loudly.
func NewMirror(dir string) *Mirror {
	return &Mirror{dir: dir, lastWritten: make(map[string]string)}
}

// Dir returns the mirror root.
func (m *Mirror) Dir() string { return m.dir }

func mirrorHash(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])[:10]
}

func (m *Mirror) subdir(kind string) string {
	if kind == mirrorKindGroup {
		return filepath.Join(m.dir, "groups")
	}
	return filepath.Join(m.dir, "people")
}

func (m *Mirror) pathFor(kind, id string) string {
	return filepath.Join(m.subdir(kind), mirrorHash(id)+".md")
}

// WritePerson regenerates the person's mirror file. The capsule is the
// editable body; the public style section sits below a marker and is
// overwritten on every write.
func (m *Mirror) WritePerson(p *Person) error {
	var body strings.Builder
	body.WriteString(p.Capsule)
	if p.PublicStyleCapsule != "" {
		if p.Capsule != "" {
			body.WriteString("\n\n")
		}
		body.WriteString(mirrorStyleMarker)
		body.WriteString("\n\n")
		body.WriteString(p.PublicStyleCapsule)
	}
	front := map[string]string{"name": p.DisplayName}
	return m.write(mirrorKindPerson, p.ID, p.DisplayName, front, body.String())
}

// WriteGroup regenerates the group's mirror file.
func (m *Mirror) WriteGroup(chatID, capsule string) error {
	return m.write(mirrorKindGroup, chatID, chatID, nil, capsule)
}

// Remove deletes the mirror file for id. Missing files are not an error.
func (m *Mirror) Remove(kind, id string) error {
	path := m.pathFor(kind, id)
	m.mu.Lock()
	delete(m.lastWritten, path)
	m.mu.Unlock()
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove mirror file: %w", err)
	}
	return nil
}

func (m *Mirror) write(kind, id, legacyName string, extra map[string]string, body string) error {
	dir := m.subdir(kind)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create mirror dir: %w", err)
	}
	path := m.pathFor(kind, id)
	m.migrateLegacy(dir, legacyName, path)

	var b strings.Builder
	b.WriteString("---\n")
	b.WriteString("id: " + id + "\n")
	b.WriteString("kind: " + kind + "\n")
	if name := extra["name"]; name != "" {
		b.WriteString("name: " + name + "\n")
	}
	b.WriteString("updated: " + time.Now().UTC().Format(time.RFC3339) + "\n")
	b.WriteString("---\n\n")
	b.WriteString(strings.TrimRight(body, "\n"))
	b.WriteString("\n")
	content := []byte(b.String())

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := atomicWrite(dir, path, content); err != nil {
		return err
	}
	m.lastWritten[path] = contentHash(content)
	return nil
}

// migrateLegacy moves an old flat-name file (people/dana.md) to the hashed
// path. Best-effort: an edit made through the old name is carried over once,
// failures are logged and forgotten.
func (m *Mirror) migrateLegacy(dir, legacyName, path string) {
	if legacyName == "" {
		return
	}
	legacy := filepath.Join(dir, flatName(legacyName)+".md")
	if legacy == path {
		return
	}
	if _, err := os.Stat(legacy); err != nil {
		return
	}
	if _, err := os.Stat(path); err == nil {
		return
	}
	if err := os.Rename(legacy, path); err != nil {
		slog.Debug("memory.mirror_migrate_failed", "from", legacy, "to", path, "error", err)
	}
}

var flatNameRe = regexp.MustCompile(`[^a-z0-9-]+`)

func flatName(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.ReplaceAll(s, " ", "-")
	return flatNameRe.ReplaceAllString(s, "")
}

// atomicWrite goes through a temp file and rename so the watcher never
// sees a half-written mirror.
func atomicWrite(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, "mirror-*.tmp")
	if err != nil {
		return fmt.Errorf("create mirror temp: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write mirror temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync mirror temp: %w", err)
	}
	tmp.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename mirror file: %w", err)
	}
	cleanup = false
	return nil
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// MirrorEdit is a human edit picked up by the watcher. Capsule holds the
// file body above the generated-style marker.
type MirrorEdit struct {
	Kind    string
	ID      string
	Capsule string
}

// Watch tails the mirror directories and calls apply for each human edit.
// Our own writes are recognized by content hash and skipped. Blocks until
// ctx is done.
func (m *Mirror) Watch(ctx context.Context, apply func(MirrorEdit)) error {
	for _, kind := range []string{mirrorKindPerson, mirrorKindGroup} {
		if err := os.MkdirAll(m.subdir(kind), 0755); err != nil {
			return fmt.Errorf("create mirror dir: %w", err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create mirror watcher: %w", err)
	}
	defer watcher.Close()

	for _, kind := range []string{mirrorKindPerson, mirrorKindGroup} {
		if err := watcher.Add(m.subdir(kind)); err != nil {
			return fmt.Errorf("watch mirror dir: %w", err)
		}
	}

	// Editors fire several events per save; collapse them per path.
	var pendingMu sync.Mutex
	pending := make(map[string]*time.Timer)
	defer func() {
		pendingMu.Lock()
		for _, t := range pending {
			t.Stop()
		}
		pendingMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if filepath.Ext(ev.Name) != ".md" {
				continue
			}
			path := ev.Name
			pendingMu.Lock()
			if t, exists := pending[path]; exists {
				t.Reset(mirrorDebounce)
			} else {
				pending[path] = time.AfterFunc(mirrorDebounce, func() {
					pendingMu.Lock()
					delete(pending, path)
					pendingMu.Unlock()
					m.handleEdit(path, apply)
				})
			}
			pendingMu.Unlock()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("memory.mirror_watch_error", "error", err)
		}
	}
}

func (m *Mirror) handleEdit(path string, apply func(MirrorEdit)) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("memory.mirror_read_failed", "path", path, "error", err)
		}
		return
	}

	hash := contentHash(data)
	m.mu.Lock()
	echo := m.lastWritten[path] == hash
	if !echo {
		// Remember the edit so a re-save without changes stays quiet.
		m.lastWritten[path] = hash
	}
	m.mu.Unlock()
	if echo {
		return
	}

	edit, err := parseMirrorFile(data)
	if err != nil {
		slog.Warn("memory.mirror_parse_failed", "path", path, "error", err)
		return
	}
	slog.Info("memory.mirror_edit", "kind", edit.Kind, "id", edit.ID)
	apply(edit)
}

func parseMirrorFile(data []byte) (MirrorEdit, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	rest, ok := strings.CutPrefix(text, "---\n")
	if !ok {
		return MirrorEdit{}, errors.New("missing frontmatter")
	}
	front, body, ok := strings.Cut(rest, "\n---")
	if !ok {
		return MirrorEdit{}, errors.New("unterminated frontmatter")
	}

	var edit MirrorEdit
	for _, line := range strings.Split(front, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "id":
			edit.ID = strings.TrimSpace(value)
		case "kind":
			edit.Kind = strings.TrimSpace(value)
		}
	}
	if edit.ID == "" {
		return MirrorEdit{}, errors.New("frontmatter missing id")
	}
	if edit.Kind != mirrorKindPerson && edit.Kind != mirrorKindGroup {
		return MirrorEdit{}, fmt.Errorf("unknown mirror kind %q", edit.Kind)
	}

	if marked, _, found := strings.Cut(body, mirrorStyleMarker); found {
		body = marked
	}
	edit.Capsule = strings.TrimSpace(body)
	return edit, nil
}

// WatchMirror feeds human edits to mirror files back into the store. The
// resulting capsule write regenerates the file in canonical form, which the
// watcher recognizes as its own and ignores. No-op when the mirror is off.
func (s *Store) WatchMirror(ctx context.Context) error {
	if s.mirror == nil {
		return nil
	}
	return s.mirror.Watch(ctx, func(edit MirrorEdit) {
		var err error
		switch edit.Kind {
		case mirrorKindPerson:
			err = s.SetPersonCapsule(ctx, edit.ID, edit.Capsule)
		case mirrorKindGroup:
			err = s.SetGroupCapsule(ctx, edit.ID, edit.Capsule)
		}
		if err != nil {
			slog.Warn("memory.mirror_apply_failed", "kind", edit.Kind, "id", edit.ID, "error", err)
		}
	})
}
