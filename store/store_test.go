package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/boltauth/tbauthd/journal"
)

func openTest(t *testing.T) (*Store, *journal.Journal) {
	t.Helper()
	dir := t.TempDir()
	j, err := journal.Open(filepath.Join(dir, `journal`), nil)
	if err != nil {
		t.Fatal(err)
	}
	s, err := Open(filepath.Join(dir, `store`), j, nil)
	if err != nil {
		t.Fatal(err)
	}
	return s, j
}

func TestPutGetDevice(t *testing.T) {
	s, j := openTest(t)
	defer j.Close()

	rec := DeviceRecord{UID: `uid-1`, Policy: `auto`, CreatedAt: time.Now()}
	if err := s.PutDevice(rec); err != nil {
		t.Fatal(err)
	}
	got, ok := s.GetDevice(`uid-1`)
	if !ok {
		t.Fatal("expected device to be present")
	}
	if got.Policy != `auto` {
		t.Fatalf("bad policy: %q", got.Policy)
	}

	recs, err := j.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].UID != `uid-1` || recs[0].Op != journal.Added {
		t.Fatalf("expected journal to record addition, got %+v", recs)
	}
}

func TestRemoveDevice(t *testing.T) {
	s, j := openTest(t)
	defer j.Close()

	rec := DeviceRecord{UID: `uid-1`, Policy: `manual`}
	if err := s.PutDevice(rec); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveDevice(`uid-1`); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.GetDevice(`uid-1`); ok {
		t.Fatal("expected device removed")
	}
	recs, err := j.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[1].Op != journal.Removed {
		t.Fatalf("expected removal journaled, got %+v", recs)
	}
}

func TestDeviceSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	j, err := journal.Open(filepath.Join(dir, `journal`), nil)
	if err != nil {
		t.Fatal(err)
	}
	s, err := Open(filepath.Join(dir, `store`), j, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.PutDevice(DeviceRecord{UID: `uid-9`, Policy: `auto`}); err != nil {
		t.Fatal(err)
	}
	j.Close()

	j2, err := journal.Open(filepath.Join(dir, `journal`), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer j2.Close()
	s2, err := Open(filepath.Join(dir, `store`), j2, nil)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := s2.GetDevice(`uid-9`)
	if !ok || got.Policy != `auto` {
		t.Fatalf("expected reloaded device to survive, got %+v ok=%v", got, ok)
	}
}

func TestPutGetDomain(t *testing.T) {
	s, j := openTest(t)
	defer j.Close()

	rec := DomainRecord{UID: `dom-1`, Sort: 3, BootACL: []string{`a`, ``, `b`}}
	if err := s.PutDomain(rec); err != nil {
		t.Fatal(err)
	}
	got, ok := s.GetDomain(`dom-1`)
	if !ok {
		t.Fatal("expected domain present")
	}
	if got.Sort != 3 || len(got.BootACL) != 3 {
		t.Fatalf("bad domain record: %+v", got)
	}
}
