package journal

import (
	"errors"
	"reflect"
	"testing"

	"peersync/go-core/pkg/models"
)

const (
	devA = "ps1AAAA"
	devB = "ps1BBBB"
)

func TestUpdateFileSameContentIsNoop(t *testing.T) {
	j := New()
	if !j.UpdateFile("docs/a.txt", []byte("hello"), 10, devA) {
		t.Fatal("first update should report a change")
	}
	if j.UpdateFile("docs/a.txt", []byte("hello"), 20, devA) {
		t.Fatal("identical content should be a no-op")
	}
	m, ok := j.Get("docs/a.txt")
	if !ok {
		t.Fatal("entry missing")
	}
	if m.Version != 1 || m.MTime != 10 || m.Size != 5 || m.LastModifiedBy != devA {
		t.Fatalf("unexpected entry: %+v", m)
	}
	if m.Hash != ContentHash([]byte("hello")) {
		t.Fatalf("unexpected hash %q", m.Hash)
	}
}

func TestVersionsIncreasePerEdit(t *testing.T) {
	j := New()
	j.UpdateFile("a", []byte("1"), 1, devA)
	j.UpdateFile("b", []byte("1"), 1, devA)
	j.UpdateFile("a", []byte("2"), 2, devA)
	a, _ := j.Get("a")
	b, _ := j.Get("b")
	if a.Version != 3 || b.Version != 2 {
		t.Fatalf("unexpected versions a=%d b=%d", a.Version, b.Version)
	}
	if j.Clock() != 3 {
		t.Fatalf("unexpected clock %d", j.Clock())
	}
}

func TestMarkDeleted(t *testing.T) {
	j := New()
	j.UpdateFile("a", []byte("x"), 1, devA)
	if !j.MarkDeleted("a", 2, devA) {
		t.Fatal("delete of live file should report a change")
	}
	if j.MarkDeleted("a", 3, devA) {
		t.Fatal("delete of tombstone should be a no-op")
	}
	m, _ := j.Get("a")
	if !m.IsDeleted || m.Hash != "" || m.Size != 0 || m.Version != 2 {
		t.Fatalf("unexpected tombstone: %+v", m)
	}
	if !j.UpdateFile("a", []byte("x"), 4, devA) {
		t.Fatal("recreating a deleted file with old content should report a change")
	}
	if m, _ := j.Get("a"); m.IsDeleted || m.Version != 3 {
		t.Fatalf("unexpected resurrected entry: %+v", m)
	}
}

func TestMarkDeletedUnknownPathRecordsTombstone(t *testing.T) {
	j := New()
	if !j.MarkDeleted("ghost", 1, devA) {
		t.Fatal("expected tombstone for unknown path")
	}
	if m, ok := j.Get("ghost"); !ok || !m.IsDeleted {
		t.Fatalf("unexpected entry: %+v ok=%v", m, ok)
	}
}

func TestFilesIncludesTombstonesSorted(t *testing.T) {
	j := New()
	j.UpdateFile("c", []byte("c"), 1, devA)
	j.UpdateFile("a", []byte("a"), 1, devA)
	j.MarkDeleted("b", 1, devA)
	files := j.Files()
	if len(files) != 3 {
		t.Fatalf("expected 3 files, got %d", len(files))
	}
	for i, want := range []string{"a", "b", "c"} {
		if files[i].Path != want {
			t.Fatalf("files[%d]=%q, want %q", i, files[i].Path, want)
		}
	}
}

func TestJSONRoundtrip(t *testing.T) {
	j := New()
	j.UpdateFile("a", []byte("1"), 1, devA)
	j.UpdateFile("b", []byte("2"), 2, devA)
	j.MarkDeleted("a", 3, devA)

	raw, err := j.ToJSON()
	if err != nil {
		t.Fatalf("to json failed: %v", err)
	}
	restored := New()
	if err := restored.FromJSON(raw); err != nil {
		t.Fatalf("from json failed: %v", err)
	}
	if !reflect.DeepEqual(restored.Files(), j.Files()) {
		t.Fatalf("roundtrip mismatch:\n got %+v\nwant %+v", restored.Files(), j.Files())
	}
	if restored.Clock() != j.Clock() {
		t.Fatalf("clock mismatch: %d vs %d", restored.Clock(), j.Clock())
	}
}

func TestFromJSONRejectsInvalidEntries(t *testing.T) {
	cases := []string{
		`{"files":{"a":{"path":"a","hash":"","version":1,"is_deleted":true,"size":3,"last_modified_by":"d"}}}`,
		`{"files":{"a":{"path":"b","hash":"h","version":1,"last_modified_by":"d"}}}`,
		`{"files":{"a":{"path":"a","hash":"h","version":0,"last_modified_by":"d"}}}`,
		`{"files":`,
	}
	for _, raw := range cases {
		j := New()
		j.UpdateFile("keep", []byte("k"), 1, devA)
		if err := j.FromJSON([]byte(raw)); err == nil {
			t.Fatalf("%s: expected error", raw)
		}
		if _, ok := j.Get("keep"); !ok {
			t.Fatalf("%s: failed load must leave the journal unchanged", raw)
		}
	}
}

func TestFromJSONClockCoversEntries(t *testing.T) {
	j := New()
	raw := `{"files":{"a":{"path":"a","hash":"h","version":9,"last_modified_by":"d"}},"global_sequence":2}`
	if err := j.FromJSON([]byte(raw)); err != nil {
		t.Fatalf("from json failed: %v", err)
	}
	if j.Clock() != 9 {
		t.Fatalf("clock should cover stored versions, got %d", j.Clock())
	}
	j.UpdateFile("b", []byte("b"), 1, devA)
	if m, _ := j.Get("b"); m.Version != 10 {
		t.Fatalf("unexpected version %d", m.Version)
	}
}

func TestMergeNewerRemoteWins(t *testing.T) {
	a, b := New(), New()
	a.UpdateFile("f", []byte("v1"), 1, devA)
	b.MergeJournal(a)
	b.UpdateFile("f", []byte("v2"), 2, devB)

	res := a.MergeJournal(b)
	if err := res.Err(); err != nil {
		t.Fatalf("unexpected conflict: %v", err)
	}
	if !reflect.DeepEqual(res.Applied, []string{"f"}) {
		t.Fatalf("unexpected applied list %v", res.Applied)
	}
	m, _ := a.Get("f")
	if m.LastModifiedBy != devB || m.Version != 2 {
		t.Fatalf("unexpected winner %+v", m)
	}
}

func TestLocalEditAfterMergeOrdersAfterRemote(t *testing.T) {
	a, b := New(), New()
	for i := 0; i < 5; i++ {
		b.UpdateFile("busy", []byte{byte(i)}, int64(i), devB)
	}
	a.MergeJournal(b)
	a.UpdateFile("other", []byte("x"), 1, devA)
	m, _ := a.Get("other")
	if m.Version <= 5 {
		t.Fatalf("local edit after merge must exceed merged clock, got %d", m.Version)
	}
}

func TestMergeConflictSurfacedAndDeterministic(t *testing.T) {
	a, b := New(), New()
	a.UpdateFile("f", []byte("from a"), 1, devA)
	b.UpdateFile("f", []byte("from b"), 1, devB)

	resA := a.MergeJournal(b)
	if !errors.Is(resA.Err(), ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", resA.Err())
	}
	if len(resA.Conflicts) != 1 || resA.Conflicts[0].Winner.LastModifiedBy != devB {
		t.Fatalf("unexpected conflicts %+v", resA.Conflicts)
	}

	resB := b.MergeJournal(a)
	if !errors.Is(resB.Err(), ErrConflict) {
		t.Fatalf("expected ErrConflict on the other side, got %v", resB.Err())
	}
	if !reflect.DeepEqual(a.Files(), b.Files()) {
		t.Fatalf("replicas diverged:\n a=%+v\n b=%+v", a.Files(), b.Files())
	}
}

func TestMergeIdempotentAndConvergent(t *testing.T) {
	j1, j2 := New(), New()
	j1.UpdateFile("shared", []byte("one"), 1, devA)
	j1.UpdateFile("only-a", []byte("a"), 1, devA)
	j1.MarkDeleted("gone", 1, devA)
	j2.UpdateFile("shared", []byte("two"), 1, devB)
	j2.UpdateFile("shared", []byte("three"), 2, devB)
	j2.UpdateFile("only-b", []byte("b"), 1, devB)

	before := j1.Files()
	self := j1.Merge(j1.Files())
	if self.Changed() || len(self.Conflicts) != 0 || !reflect.DeepEqual(before, j1.Files()) {
		t.Fatalf("merging a journal into itself must change nothing: %+v", self)
	}

	j2.MergeJournal(j1)
	j1.MergeJournal(j2)
	if !reflect.DeepEqual(j1.Files(), j2.Files()) {
		t.Fatalf("journals did not converge:\n j1=%+v\n j2=%+v", j1.Files(), j2.Files())
	}

	again := j1.MergeJournal(j2)
	if again.Changed() {
		t.Fatalf("replayed merge applied %v", again.Applied)
	}
	if m, _ := j1.Get("gone"); !m.IsDeleted {
		t.Fatal("tombstone must propagate")
	}
}

func TestTombstoneBeatsOlderLiveEntry(t *testing.T) {
	a, b := New(), New()
	a.UpdateFile("f", []byte("x"), 1, devA)
	b.MergeJournal(a)
	b.MarkDeleted("f", 2, devB)
	a.MergeJournal(b)
	if m, _ := a.Get("f"); !m.IsDeleted {
		t.Fatalf("deletion should win over older live entry: %+v", m)
	}
}

func TestMergeSameDeviceSameVersionDifferentContent(t *testing.T) {
	a, b := New(), New()
	a.Merge([]models.FileMetadata{{Path: "f", Hash: "aaa", Size: 1, Version: 4, LastModifiedBy: devA}})
	b.Merge([]models.FileMetadata{{Path: "f", Hash: "bbb", Size: 1, Version: 4, LastModifiedBy: devA}})
	resA := a.MergeJournal(b)
	b.MergeJournal(a)
	if len(resA.Conflicts) != 1 {
		t.Fatalf("expected one conflict, got %+v", resA.Conflicts)
	}
	ma, _ := a.Get("f")
	mb, _ := b.Get("f")
	if ma != mb || ma.Hash != "bbb" {
		t.Fatalf("replicas should agree on larger hash: a=%+v b=%+v", ma, mb)
	}
}

func TestMergeSameEditDifferentMTimeConverges(t *testing.T) {
	cases := []struct {
		name      string
		local     models.FileMetadata
		remote    models.FileMetadata
		conflicts int
	}{
		{
			name:   "mtime only",
			local:  models.FileMetadata{Path: "f", Hash: "h", Size: 1, MTime: 10, Version: 3, LastModifiedBy: devA},
			remote: models.FileMetadata{Path: "f", Hash: "h", Size: 1, MTime: 20, Version: 3, LastModifiedBy: devA},
		},
		{
			name:      "same hash different size",
			local:     models.FileMetadata{Path: "f", Hash: "h", Size: 1, MTime: 30, Version: 3, LastModifiedBy: devA},
			remote:    models.FileMetadata{Path: "f", Hash: "h", Size: 2, MTime: 20, Version: 3, LastModifiedBy: devA},
			conflicts: 1,
		},
	}
	for _, tc := range cases {
		a, b := New(), New()
		a.Merge([]models.FileMetadata{tc.local})
		b.Merge([]models.FileMetadata{tc.remote})
		resA := a.MergeJournal(b)
		resB := b.MergeJournal(a)
		if len(resA.Conflicts) != tc.conflicts || len(resB.Conflicts) != tc.conflicts {
			t.Fatalf("%s: conflicts a=%d b=%d, want %d", tc.name, len(resA.Conflicts), len(resB.Conflicts), tc.conflicts)
		}
		ma, _ := a.Get("f")
		mb, _ := b.Get("f")
		if ma != mb {
			t.Fatalf("%s: replicas diverged: a=%+v b=%+v", tc.name, ma, mb)
		}
		if again := a.MergeJournal(b); again.Changed() || len(again.Conflicts) != 0 {
			t.Fatalf("%s: converged replicas should merge as a no-op, got %+v", tc.name, again)
		}
	}
	a := New()
	a.Merge([]models.FileMetadata{{Path: "f", Hash: "h", Size: 1, MTime: 10, Version: 3, LastModifiedBy: devA}})
	a.Merge([]models.FileMetadata{{Path: "f", Hash: "h", Size: 1, MTime: 20, Version: 3, LastModifiedBy: devA}})
	if m, _ := a.Get("f"); m.MTime != 20 {
		t.Fatalf("later mtime should win, got %d", m.MTime)
	}
}

func TestMergeRejectsInvalidEntries(t *testing.T) {
	j := New()
	res := j.Merge([]models.FileMetadata{
		{Path: "", Hash: "h", Version: 1, LastModifiedBy: devA},
		{Path: "a", Hash: "h", Version: 0, LastModifiedBy: devA},
		{Path: "b", Hash: "h", Version: 1},
		{Path: "c", Hash: "h", Size: 2, Version: 1, IsDeleted: true, LastModifiedBy: devA},
		{Path: "d", Hash: "", Version: 1, LastModifiedBy: devA},
		{Path: "ok", Hash: "h", Version: 7, LastModifiedBy: devA},
	})
	if res.Rejected != 5 {
		t.Fatalf("expected 5 rejected, got %d", res.Rejected)
	}
	if j.Len() != 1 || j.Clock() != 7 {
		t.Fatalf("unexpected journal state len=%d clock=%d", j.Len(), j.Clock())
	}
}
