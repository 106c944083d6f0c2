package memory

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func seedExportStore(t *testing.T, s *Store) *Person {
	t.Helper()
	ctx := context.Background()
	p, err := s.TrackPerson(ctx, "telegram", "u1", "Dana")
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	if err := s.BumpRelationshipScore(ctx, p.ID, 0.4); err != nil {
		t.Fatalf("bump: %v", err)
	}
	if err := s.StoreFact(ctx, &Fact{PersonID: p.ID, Subject: "coffee", Content: "prefers espresso", Category: CategoryPreference}); err != nil {
		t.Fatalf("fact: %v", err)
	}
	if err := s.LogEpisode(ctx, &Episode{ChatID: "telegram:group:g1", PersonID: p.ID, IsGroup: true, Content: "joked about espresso"}); err != nil {
		t.Fatalf("episode: %v", err)
	}
	if err := s.AddLesson(ctx, &Lesson{Type: LessonObservation, Category: "humor", Content: "espresso jokes land"}); err != nil {
		t.Fatalf("lesson: %v", err)
	}
	if err := s.SetGroupCapsule(ctx, "telegram:group:g1", "a coffee-obsessed group"); err != nil {
		t.Fatalf("capsule: %v", err)
	}
	return p
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := openTestStore(t, WithEmbedder(newFakeEmbedder(4)))
	p := seedExportStore(t, src)

	var dump bytes.Buffer
	if err := src.ExportJSON(ctx, &dump); err != nil {
		t.Fatalf("export: %v", err)
	}
	// Derived data stays out of the dump.
	if strings.Contains(dump.String(), "embedding") {
		t.Error("dump leaks embeddings")
	}

	dst := openTestStore(t)
	stats, err := dst.ImportJSON(ctx, bytes.NewReader(dump.Bytes()))
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if stats.People != 1 || stats.Facts != 1 || stats.Episodes != 1 || stats.Lessons != 1 || stats.GroupCapsules != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.Skipped != 0 {
		t.Errorf("skipped = %d", stats.Skipped)
	}

	got, err := dst.GetPerson(ctx, p.ID)
	if err != nil {
		t.Fatalf("get imported person: %v", err)
	}
	if got.DisplayName != "Dana" || got.RelationshipScore != 0.4 || got.Channel != "telegram" {
		t.Errorf("person mismatch: %+v", got)
	}

	// Imported rows are searchable: the FTS rows were rebuilt in the
	// import transaction.
	res, err := dst.HybridSearch(ctx, "espresso", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(res) != 2 {
		t.Errorf("imported rows not searchable: %+v", res)
	}

	gc, err := dst.GetGroupCapsule(ctx, "telegram:group:g1")
	if err != nil || gc == nil {
		t.Fatalf("group capsule: %v %v", gc, err)
	}
	if gc.Capsule != "a coffee-obsessed group" {
		t.Errorf("capsule = %q", gc.Capsule)
	}
}

func TestImportIsAdditive(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	seedExportStore(t, s)

	var dump bytes.Buffer
	if err := s.ExportJSON(ctx, &dump); err != nil {
		t.Fatalf("export: %v", err)
	}

	// Importing a store's own dump changes nothing.
	stats, err := s.ImportJSON(ctx, bytes.NewReader(dump.Bytes()))
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if stats.People != 0 || stats.Facts != 0 || stats.Episodes != 0 {
		t.Errorf("self-import applied rows: %+v", stats)
	}
	if stats.Skipped != 5 {
		t.Errorf("skipped = %d, want 5", stats.Skipped)
	}
	if n, _ := s.CountFacts(ctx); n != 1 {
		t.Errorf("facts duplicated: %d", n)
	}
}

func TestImportRejectsBadInputBeforeWriting(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	cases := []struct {
		name string
		dump string
	}{
		{"unknown kind", `{"kind":"person","person":{"id":"p1","channel":"telegram","channelUserId":"u1","displayName":"D","relationshipScore":0,"createdAtMs":1,"updatedAtMs":1}}
{"kind":"gremlin"}`},
		{"unknown field", `{"kind":"person","person":{"id":"p1","channel":"telegram","channelUserId":"u1","displayName":"D","relationshipScore":0,"createdAtMs":1,"updatedAtMs":1,"password":"hunter2"}}`},
		{"score out of range", `{"kind":"person","person":{"id":"p1","channel":"telegram","channelUserId":"u1","displayName":"D","relationshipScore":3,"createdAtMs":1,"updatedAtMs":1}}`},
		{"fact without id", `{"kind":"fact","fact":{"subject":"x","content":"y","createdAtMs":1}}`},
		{"bad category", `{"kind":"fact","fact":{"id":"f1","subject":"x","content":"y","category":"gossip","createdAtMs":1}}`},
		{"not json", `this is not json`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stats, err := s.ImportJSON(ctx, strings.NewReader(tc.dump))
			if err == nil {
				t.Fatalf("accepted: %+v", stats)
			}
			// Validation runs before the transaction: even the valid
			// first line must not have been applied.
			if n, _ := s.CountPeople(ctx); n != 0 {
				t.Errorf("partial import applied %d people", n)
			}
		})
	}
}

func TestImportEmptyInput(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	stats, err := s.ImportJSON(ctx, strings.NewReader(""))
	if err != nil {
		t.Fatalf("import empty: %v", err)
	}
	if stats != (ImportStats{}) {
		t.Errorf("stats = %+v", stats)
	}
}
