package journal

import (
	"os"
	"path/filepath"
	"testing"
)

func openTest(t *testing.T) (*Journal, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, `journal`)
	j, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	return j, path
}

func TestFreshOnCreate(t *testing.T) {
	j, _ := openTest(t)
	defer j.Close()
	if !j.IsFresh() {
		t.Fatal("expected newly created journal to be fresh")
	}
}

func TestPutClearsFresh(t *testing.T) {
	j, _ := openTest(t)
	defer j.Close()
	if err := j.Put(`uid-a`, Added); err != nil {
		t.Fatal(err)
	}
	if j.IsFresh() {
		t.Fatal("expected fresh to clear after Put")
	}
	recs, err := j.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].UID != `uid-a` || recs[0].Op != Added {
		t.Fatalf("unexpected records: %+v", recs)
	}
}

func TestPutDiffAtomicRewrite(t *testing.T) {
	j, path := openTest(t)
	defer j.Close()

	if err := j.Put(`A`, Added); err != nil {
		t.Fatal(err)
	}
	if err := j.Put(`B`, Added); err != nil {
		t.Fatal(err)
	}
	if err := j.PutDiff(map[string]Op{`A`: Removed, `C`: Added}); err != nil {
		t.Fatal(err)
	}

	recs, err := j.List()
	if err != nil {
		t.Fatal(err)
	}
	want := []Record{
		{UID: `A`, Op: Added},
		{UID: `B`, Op: Added},
		{UID: `A`, Op: Removed},
		{UID: `C`, Op: Added},
	}
	if len(recs) != len(want) {
		t.Fatalf("expected %d records, got %d: %+v", len(want), len(recs), recs)
	}
	for i := range want {
		if recs[i].UID != want[i].UID || recs[i].Op != want[i].Op {
			t.Fatalf("record %d mismatch: got %+v want %+v", i, recs[i], want[i])
		}
	}

	if _, err := os.Stat(path + `.lock`); !os.IsNotExist(err) {
		t.Fatal("expected lock file to be gone after rename")
	}

	// reopen from a fresh handle and confirm durability
	j2, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer j2.Close()
	recs2, err := j2.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs2) != len(want) {
		t.Fatalf("reopened journal has %d records, want %d", len(recs2), len(want))
	}
}

func TestPutDiffInvalidOpcode(t *testing.T) {
	j, _ := openTest(t)
	defer j.Close()
	if err := j.Put(`A`, Added); err != nil {
		t.Fatal(err)
	}
	if err := j.PutDiff(map[string]Op{`A`: Unchanged}); err == nil {
		t.Fatal("expected error for invalid diff opcode")
	}
	recs, err := j.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected journal untouched, got %+v", recs)
	}
}

func TestReset(t *testing.T) {
	j, _ := openTest(t)
	defer j.Close()
	if err := j.Put(`A`, Added); err != nil {
		t.Fatal(err)
	}
	if err := j.Reset(); err != nil {
		t.Fatal(err)
	}
	if !j.IsFresh() {
		t.Fatal("expected fresh after reset")
	}
	recs, err := j.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Fatalf("expected empty journal after reset, got %+v", recs)
	}
}

func TestSkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, `journal`)
	if err := os.WriteFile(path, []byte("uid-a + 0000000000000001\nnotvalid\nuid-b + 0000000000000002\n"), 0600); err != nil {
		t.Fatal(err)
	}
	j, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()
	recs, err := j.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected malformed line skipped, got %+v", recs)
	}
}
