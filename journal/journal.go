// Package journal implements the append-only mutation log that backs the
// identity store: one line per add/remove/unchanged/failed event, with a
// crash-safe atomic "replace with diff" operation.
package journal

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"

	"github.com/boltauth/tbauthd/log"
	"github.com/boltauth/tbauthd/tberr"
)

// Op is one of the single-character opcodes a journal line records.
type Op byte

const (
	Added     Op = '+'
	Removed   Op = '-'
	Unchanged Op = '='
	Failed    Op = '!'
)

// Record is one parsed journal line.
type Record struct {
	UID string
	Op  Op
	TS  uint64
}

// Journal holds the single long-lived descriptor backing one on-disk
// journal file.
type Journal struct {
	mu    sync.Mutex
	path  string
	f     *os.File
	fresh bool
	lg    *log.Logger
}

// Open opens or creates the journal file at path. A freshly created or
// empty file starts in the "fresh" state.
func Open(path string, lg *log.Logger) (*Journal, error) {
	fi, statErr := os.Stat(path)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, tberr.Wrap(tberr.IO, "journal.Open", err)
	}
	fresh := statErr != nil || fi.Size() == 0
	return &Journal{path: path, f: f, fresh: fresh, lg: lg}, nil
}

// Close releases the journal's descriptor.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}

func nowHex16() string {
	return fmt.Sprintf("%016x", uint64(time.Now().UnixMicro()))
}

// Put appends one record and fdatasyncs the file. A sync failure is
// logged but never propagated to the caller: durability is
// best-effort on this path, correctness rests on put_diff for replace.
func (j *Journal) Put(uid string, op Op) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	line := fmt.Sprintf("%s %c %s\n", uid, byte(op), nowHex16())
	if _, err := j.f.Seek(0, io.SeekEnd); err != nil {
		return tberr.Wrap(tberr.IO, "journal.Put", err)
	}
	if _, err := j.f.WriteString(line); err != nil {
		return tberr.Wrap(tberr.IO, "journal.Put", err)
	}
	if err := unix.Fdatasync(int(j.f.Fd())); err != nil && j.lg != nil {
		j.lg.Warn("journal fdatasync failed", log.KV("path", j.path), log.KVErr(err))
	}
	j.fresh = false
	return nil
}

// PutDiff atomically replaces the journal with its prior contents plus
// one record per entry of diff, applied in sorted uid order for
// deterministic output. Only Added and Removed opcodes are valid in a
// diff; anything else aborts without touching the live file.
func (j *Journal) PutDiff(diff map[string]Op) error {
	uids := make([]string, 0, len(diff))
	for uid, op := range diff {
		if op != Added && op != Removed {
			return tberr.New(tberr.Failed, "journal.PutDiff", "invalid diff opcode").WithContext("uid", uid)
		}
		uids = append(uids, uid)
	}
	sort.Strings(uids)

	j.mu.Lock()
	defer j.mu.Unlock()

	lockPath := j.path + `.lock`
	fl := flock.New(lockPath)
	if err := fl.Lock(); err != nil {
		return tberr.Wrap(tberr.IO, "journal.PutDiff", err)
	}
	defer fl.Unlock()

	lf, err := os.OpenFile(lockPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return tberr.Wrap(tberr.IO, "journal.PutDiff", err)
	}
	abort := func(cause error) error {
		lf.Close()
		os.Remove(lockPath)
		return tberr.Wrap(tberr.IO, "journal.PutDiff", cause)
	}

	if _, err := j.f.Seek(0, io.SeekStart); err != nil {
		return abort(err)
	}
	if _, err := io.Copy(lf, j.f); err != nil {
		return abort(err)
	}
	for _, uid := range uids {
		if _, err := lf.WriteString(fmt.Sprintf("%s %c %s\n", uid, byte(diff[uid]), nowHex16())); err != nil {
			return abort(err)
		}
	}
	if err := unix.Fdatasync(int(lf.Fd())); err != nil && j.lg != nil {
		j.lg.Warn("journal diff fdatasync failed", log.KV("path", lockPath), log.KVErr(err))
	}

	flags, err := unix.FcntlInt(lf.Fd(), unix.F_GETFL, 0)
	if err != nil {
		return abort(err)
	}
	if _, err := unix.FcntlInt(lf.Fd(), unix.F_SETFL, flags|unix.O_APPEND); err != nil {
		return abort(err)
	}
	if err := os.Rename(lockPath, j.path); err != nil {
		return abort(err)
	}

	j.f.Close()
	j.f = lf
	j.fresh = false
	return nil
}

// List rewinds the descriptor and returns every well-formed record in
// file order, skipping malformed lines with a warning.
func (j *Journal) List() ([]Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.f.Seek(0, io.SeekStart); err != nil {
		return nil, tberr.Wrap(tberr.IO, "journal.List", err)
	}
	var recs []Record
	sc := bufio.NewScanner(j.f)
	for sc.Scan() {
		ln := sc.Text()
		if ln == `` {
			continue
		}
		rec, ok := parseLine(ln)
		if !ok {
			if j.lg != nil {
				j.lg.Warn("skipping malformed journal line", log.KV("line", ln))
			}
			continue
		}
		recs = append(recs, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, tberr.Wrap(tberr.IO, "journal.List", err)
	}
	return recs, nil
}

func parseLine(ln string) (Record, bool) {
	fields := strings.Fields(ln)
	if len(fields) != 3 {
		return Record{}, false
	}
	if len(fields[1]) != 1 {
		return Record{}, false
	}
	op := Op(fields[1][0])
	switch op {
	case Added, Removed, Unchanged, Failed:
	default:
		return Record{}, false
	}
	if len(fields[2]) != 16 {
		return Record{}, false
	}
	ts, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return Record{}, false
	}
	return Record{UID: fields[0], Op: op, TS: ts}, true
}

// Reset truncates the journal to zero length and marks it fresh.
func (j *Journal) Reset() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.f.Truncate(0); err != nil {
		return tberr.Wrap(tberr.IO, "journal.Reset", err)
	}
	if _, err := j.f.Seek(0, io.SeekStart); err != nil {
		return tberr.Wrap(tberr.IO, "journal.Reset", err)
	}
	j.fresh = true
	return nil
}

// IsFresh reports whether the journal has had no successful Put/PutDiff
// since it was opened empty.
func (j *Journal) IsFresh() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.fresh
}
