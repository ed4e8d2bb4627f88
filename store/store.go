// Package store persists per-device and per-domain settings under a
// directory tree, mediating every mutation through the journal so a
// restart can reconcile disk state against the mutation log.
package store

import (
	"encoding/gob"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dchest/safefile"
	"github.com/google/renameio"

	"github.com/boltauth/tbauthd/journal"
	"github.com/boltauth/tbauthd/log"
	"github.com/boltauth/tbauthd/tberr"
)

const (
	devicesDir = `devices`
	domainsDir = `domains`
	filePerm   = 0600
)

// DeviceRecord is the persisted settings file for one device.
type DeviceRecord struct {
	UID           string
	Policy        string // "auto", "manual", or "default"
	KeyGeneration int
	CreatedAt     time.Time
}

// DomainRecord is the persisted settings file for one domain.
type DomainRecord struct {
	UID       string
	Sort      int
	BootACL   []string
	CreatedAt time.Time
}

// Store is a directory of per-device and per-domain settings files plus
// the journal every mutation is reflected through.
type Store struct {
	mu      sync.Mutex
	root    string
	j       *journal.Journal
	lg      *log.Logger
	devices map[string]DeviceRecord
	domains map[string]DomainRecord
}

// Open creates (0700) the store root and its devices/domains
// subdirectories if absent, loads existing records from disk, and
// replays the journal as an integrity check against that set.
func Open(root string, j *journal.Journal, lg *log.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(root, devicesDir), 0700); err != nil {
		return nil, tberr.Wrap(tberr.IO, "store.Open", err)
	}
	if err := os.MkdirAll(filepath.Join(root, domainsDir), 0700); err != nil {
		return nil, tberr.Wrap(tberr.IO, "store.Open", err)
	}
	s := &Store{
		root:    root,
		j:       j,
		lg:      lg,
		devices: make(map[string]DeviceRecord),
		domains: make(map[string]DomainRecord),
	}
	if err := s.loadDevices(); err != nil {
		return nil, err
	}
	if err := s.loadDomains(); err != nil {
		return nil, err
	}
	s.replayIntegrityCheck()
	return s, nil
}

func (s *Store) loadDevices() error {
	dir := filepath.Join(s.root, devicesDir)
	ents, err := os.ReadDir(dir)
	if err != nil {
		return tberr.Wrap(tberr.IO, "store.loadDevices", err)
	}
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		var rec DeviceRecord
		if err := readGob(filepath.Join(dir, e.Name()), &rec); err != nil {
			if s.lg != nil {
				s.lg.Warn("skipping unreadable device record", log.KV("uid", e.Name()), log.KVErr(err))
			}
			continue
		}
		s.devices[rec.UID] = rec
	}
	return nil
}

func (s *Store) loadDomains() error {
	dir := filepath.Join(s.root, domainsDir)
	ents, err := os.ReadDir(dir)
	if err != nil {
		return tberr.Wrap(tberr.IO, "store.loadDomains", err)
	}
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		var rec DomainRecord
		if err := readGob(filepath.Join(dir, e.Name()), &rec); err != nil {
			if s.lg != nil {
				s.lg.Warn("skipping unreadable domain record", log.KV("uid", e.Name()), log.KVErr(err))
			}
			continue
		}
		s.domains[rec.UID] = rec
	}
	return nil
}

// replayIntegrityCheck compares the journal's view of device additions
// and removals against what actually landed on disk, warning on drift.
// It never mutates either side; it is a diagnostic pass only.
func (s *Store) replayIntegrityCheck() {
	if s.j == nil {
		return
	}
	recs, err := s.j.List()
	if err != nil {
		if s.lg != nil {
			s.lg.Warn("store integrity check: journal list failed", log.KVErr(err))
		}
		return
	}
	last := make(map[string]journal.Op)
	for _, r := range recs {
		if r.Op == journal.Added || r.Op == journal.Removed {
			last[r.UID] = r.Op
		}
	}
	for uid, op := range last {
		_, onDisk := s.devices[uid]
		switch {
		case op == journal.Added && !onDisk:
			if s.lg != nil {
				s.lg.Warn("journal shows device added but no record on disk", log.KV("uid", uid))
			}
		case op == journal.Removed && onDisk:
			if s.lg != nil {
				s.lg.Warn("journal shows device removed but record still on disk", log.KV("uid", uid))
			}
		}
	}
}

func readGob(path string, v interface{}) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return gob.NewDecoder(f).Decode(v)
}

func (s *Store) devicePath(uid string) string {
	return filepath.Join(s.root, devicesDir, uid)
}

func (s *Store) domainPath(uid string) string {
	return filepath.Join(s.root, domainsDir, uid)
}

// PutDevice journals the addition, then durably writes the device's
// settings file via an atomic create-then-rename.
func (s *Store) PutDevice(rec DeviceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.j != nil {
		if err := s.j.Put(rec.UID, journal.Added); err != nil {
			return err
		}
	}
	fout, err := safefile.Create(s.devicePath(rec.UID), filePerm)
	if err != nil {
		return tberr.Wrap(tberr.IO, "store.PutDevice", err)
	}
	if err := gob.NewEncoder(fout).Encode(rec); err != nil {
		fout.File.Close()
		os.Remove(fout.Name())
		return tberr.Wrap(tberr.IO, "store.PutDevice", err)
	}
	if err := fout.Commit(); err != nil {
		fout.File.Close()
		os.Remove(fout.Name())
		return tberr.Wrap(tberr.IO, "store.PutDevice", err)
	}
	s.devices[rec.UID] = rec
	return nil
}

// RemoveDevice journals the removal and deletes the settings file; the
// journal entry for uid survives even though the on-disk record does not.
func (s *Store) RemoveDevice(uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.j != nil {
		if err := s.j.Put(uid, journal.Removed); err != nil {
			return err
		}
	}
	if err := os.Remove(s.devicePath(uid)); err != nil && !os.IsNotExist(err) {
		return tberr.Wrap(tberr.IO, "store.RemoveDevice", err)
	}
	delete(s.devices, uid)
	return nil
}

// GetDevice returns the persisted record for uid, or ok=false if none is
// stored (a distinguished non-error outcome, not tberr.NotFound, since
// "never persisted" is the common case for a fresh hot-plug).
func (s *Store) GetDevice(uid string) (rec DeviceRecord, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok = s.devices[uid]
	return
}

// PutDomain durably writes a domain's settings file via renameio's
// atomic-rename idiom; domain persistence is not journaled, since the
// journal's invariants concern only the device identity set.
func (s *Store) PutDomain(rec DomainRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := renameio.TempFile(``, s.domainPath(rec.UID))
	if err != nil {
		return tberr.Wrap(tberr.IO, "store.PutDomain", err)
	}
	defer t.Cleanup()
	if err := gob.NewEncoder(t).Encode(rec); err != nil {
		return tberr.Wrap(tberr.IO, "store.PutDomain", err)
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return tberr.Wrap(tberr.IO, "store.PutDomain", err)
	}
	s.domains[rec.UID] = rec
	return nil
}

// RemoveDomain deletes a domain's settings file.
func (s *Store) RemoveDomain(uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.domainPath(uid)); err != nil && !os.IsNotExist(err) {
		return tberr.Wrap(tberr.IO, "store.RemoveDomain", err)
	}
	delete(s.domains, uid)
	return nil
}

// GetDomain returns the persisted record for uid, or ok=false if none is
// stored.
func (s *Store) GetDomain(uid string) (rec DomainRecord, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok = s.domains[uid]
	return
}
