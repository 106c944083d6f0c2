package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func hashedName(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])[:10] + ".md"
}

func TestMirrorWritePersonHashedPath(t *testing.T) {
	dir := t.TempDir()
	m := NewMirror(dir)

	p := &Person{ID: "p1", DisplayName: "Dana", Capsule: "likes espresso"}
	if err := m.WritePerson(p); err != nil {
		t.Fatalf("write: %v", err)
	}

	path := filepath.Join(dir, "people", hashedName("p1"))
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read mirror file: %v", err)
	}
	text := string(data)
	for _, want := range []string{"id: p1", "kind: person", "name: Dana", "likes espresso"} {
		if !strings.Contains(text, want) {
			t.Errorf("mirror file missing %q:\n%s", want, text)
		}
	}
}

func TestMirrorParseRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := NewMirror(dir)

	p := &Person{
		ID:                 "p1",
		DisplayName:        "Dana",
		Capsule:            "likes espresso\n\nplans a Lisbon trip",
		PublicStyleCapsule: "dry humor, short messages",
	}
	if err := m.WritePerson(p); err != nil {
		t.Fatalf("write: %v", err)
	}

	data, err := os.ReadFile(m.pathFor(mirrorKindPerson, "p1"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	edit, err := parseMirrorFile(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if edit.Kind != mirrorKindPerson || edit.ID != "p1" {
		t.Errorf("identity = %s/%s", edit.Kind, edit.ID)
	}
	// Only the editable part comes back; the generated style section is
	// not part of the capsule.
	if edit.Capsule != p.Capsule {
		t.Errorf("capsule = %q, want %q", edit.Capsule, p.Capsule)
	}
}

func TestMirrorGroupRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := NewMirror(dir)

	if err := m.WriteGroup("telegram:group:g1", "a coffee-obsessed group"); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "groups", hashedName("telegram:group:g1")))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	edit, err := parseMirrorFile(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if edit.Kind != mirrorKindGroup || edit.ID != "telegram:group:g1" {
		t.Errorf("identity = %s/%s", edit.Kind, edit.ID)
	}
	if edit.Capsule != "a coffee-obsessed group" {
		t.Errorf("capsule = %q", edit.Capsule)
	}
}

func TestMirrorLegacyFlatNameMigration(t *testing.T) {
	dir := t.TempDir()
	m := NewMirror(dir)

	legacy := filepath.Join(dir, "people", "dana.md")
	if err := os.MkdirAll(filepath.Dir(legacy), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(legacy, []byte("old flat-name file"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := m.WritePerson(&Person{ID: "p1", DisplayName: "Dana", Capsule: "likes espresso"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := os.Stat(legacy); !os.IsNotExist(err) {
		t.Error("legacy flat-name file survived migration")
	}
	if _, err := os.Stat(filepath.Join(dir, "people", hashedName("p1"))); err != nil {
		t.Errorf("hashed file missing: %v", err)
	}
}

func TestMirrorRemove(t *testing.T) {
	dir := t.TempDir()
	m := NewMirror(dir)

	if err := m.WritePerson(&Person{ID: "p1", DisplayName: "Dana"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := m.Remove(mirrorKindPerson, "p1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := os.Stat(m.pathFor(mirrorKindPerson, "p1")); !os.IsNotExist(err) {
		t.Error("file survived remove")
	}
	// Removing what is not there is fine.
	if err := m.Remove(mirrorKindPerson, "ghost"); err != nil {
		t.Errorf("remove missing: %v", err)
	}
}

func TestMirrorEchoSuppression(t *testing.T) {
	dir := t.TempDir()
	m := NewMirror(dir)

	if err := m.WritePerson(&Person{ID: "p1", DisplayName: "Dana", Capsule: "likes espresso"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	path := m.pathFor(mirrorKindPerson, "p1")

	var edits []MirrorEdit
	apply := func(e MirrorEdit) { edits = append(edits, e) }

	// The watcher seeing our own write must stay quiet.
	m.handleEdit(path, apply)
	if len(edits) != 0 {
		t.Fatalf("own write reported as edit: %+v", edits)
	}

	// A human edit goes through once.
	data, _ := os.ReadFile(path)
	edited := strings.Replace(string(data), "likes espresso", "switched to decaf", 1)
	if err := os.WriteFile(path, []byte(edited), 0644); err != nil {
		t.Fatal(err)
	}
	m.handleEdit(path, apply)
	if len(edits) != 1 {
		t.Fatalf("edit not reported: %+v", edits)
	}
	if edits[0].Capsule != "switched to decaf" {
		t.Errorf("capsule = %q", edits[0].Capsule)
	}
	// Re-delivery of the same content stays quiet.
	m.handleEdit(path, apply)
	if len(edits) != 1 {
		t.Errorf("unchanged file reported again: %+v", edits)
	}
}

func TestMirrorWiredThroughStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := openTestStore(t, WithMirrorDir(dir))

	p, _ := s.TrackPerson(ctx, "telegram", "u1", "Dana")
	if err := s.SetPersonCapsule(ctx, p.ID, "likes espresso"); err != nil {
		t.Fatalf("set capsule: %v", err)
	}
	path := filepath.Join(dir, "people", hashedName(p.ID))
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("mirror not written on capsule update: %v", err)
	}

	if err := s.SetGroupCapsule(ctx, "g1", "rowdy"); err != nil {
		t.Fatalf("set group capsule: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "groups", hashedName("g1"))); err != nil {
		t.Fatalf("group mirror not written: %v", err)
	}

	if err := s.DeletePerson(ctx, p.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("mirror file survived person delete")
	}
}

func TestParseMirrorFileRejectsGarbage(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"no frontmatter", "just some markdown"},
		{"unterminated", "---\nid: p1\nkind: person\n"},
		{"missing id", "---\nkind: person\n---\nbody"},
		{"bad kind", "---\nid: p1\nkind: island\n---\nbody"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := parseMirrorFile([]byte(tc.data)); err == nil {
				t.Error("accepted")
			}
		})
	}
}

func TestFlatName(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Dana", "dana"},
		{"Dana Smith", "dana-smith"},
		{"  padded  ", "padded"},
		{"Ünicode!", "nicode"},
		{"42nd Street", "42nd-street"},
	}
	for _, tt := range tests {
		if got := flatName(tt.in); got != tt.want {
			t.Errorf("flatName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
