// Package sysfs provides fd-scoped access to the kernel's sysfs tree for
// one device or domain directory, closing the TOCTOU window that a
// path-based re-open would leave between identity verification and the
// authorization write.
package sysfs

import (
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/boltauth/tbauthd/log"
	"github.com/boltauth/tbauthd/tberr"
)

// maxAttrSize bounds a single sysfs attribute read; sysfs attributes are a
// page or less in practice.
const maxAttrSize = 4096

// Dir is a directory handle opened relative to no other descriptor,
// yielding a stable fd that attribute reads/writes are scoped to even if
// the original path is later reused by the kernel for a different device.
type Dir struct {
	fd   int
	path string
}

// Open opens path as a directory handle for subsequent attribute I/O.
func Open(path string) (*Dir, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, tberr.Wrap(tberr.IO, "sysfs.Open", err).(*tberr.E).WithContext("path", path)
	}
	return &Dir{fd: fd, path: path}, nil
}

// Close releases the directory file descriptor.
func (d *Dir) Close() error {
	if d == nil || d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}

// Path returns the path the handle was opened with, for logging only; all
// actual I/O uses the fd, never this string.
func (d *Dir) Path() string {
	return d.path
}

func (d *Dir) readRaw(name string) ([]byte, error) {
	fd, err := unix.Openat(d.fd, name, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	defer unix.Close(fd)
	buf := make([]byte, maxAttrSize)
	n, err := unix.Read(fd, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// ReadString reads attribute name and trims surrounding whitespace. A
// missing attribute is reported as tberr.NotFound.
func (d *Dir) ReadString(name string) (string, error) {
	b, err := d.readRaw(name)
	if err != nil {
		if isNotExist(err) {
			return ``, tberr.Wrap(tberr.NotFound, "sysfs.ReadString", err).(*tberr.E).WithContext("attr", name)
		}
		return ``, tberr.Wrap(tberr.IO, "sysfs.ReadString", err).(*tberr.E).WithContext("attr", name)
	}
	return strings.TrimSpace(string(b)), nil
}

// ReadStringFallback reads "<name>_name" first, then "<name>"; this is the
// kernel's own convention for human-readable variants of raw attributes
// (device/device_name, vendor/vendor_name).
func (d *Dir) ReadStringFallback(name string) (string, error) {
	if v, err := d.ReadString(name + `_name`); err == nil {
		return v, nil
	}
	v, err := d.ReadString(name)
	if err != nil {
		return ``, err
	}
	return v, nil
}

// ReadInt reads attribute name as a signed 32-bit integer. Absence or a
// value outside int32 range both return 0 with a logged warning, per
// spec: integer reads never fail the caller, they degrade to zero.
func (d *Dir) ReadInt(name string, lg *log.Logger) int32 {
	s, err := d.ReadString(name)
	if err != nil {
		if lg != nil {
			lg.Debug("sysfs attribute unreadable, defaulting to 0", log.KV("attr", name), log.KVErr(err))
		}
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < -(1<<31) || v > (1<<31-1) {
		if lg != nil {
			lg.Debug("sysfs attribute not a valid int32, defaulting to 0", log.KV("attr", name), log.KV("value", s))
		}
		return 0
	}
	return int32(v)
}

// ReadStringList reads a comma-separated attribute (e.g. boot_acl) into
// its component strings, in order, empty slots preserved as "".
func (d *Dir) ReadStringList(name string) ([]string, error) {
	s, err := d.ReadString(name)
	if err != nil {
		return nil, err
	}
	if s == `` {
		return nil, nil
	}
	return strings.Split(s, `,`), nil
}

// VerifyUniqueID confirms the directory's unique_id attribute still
// matches uid, guarding against the kernel reusing a sysfs path across a
// fast unplug/replug between an earlier open and this write.
func (d *Dir) VerifyUniqueID(uid string) error {
	got, err := d.ReadString(`unique_id`)
	if err != nil {
		return err
	}
	if got != uid {
		return tberr.New(tberr.IdentityMismatch, "sysfs.VerifyUniqueID", "unique_id does not match expected uid").
			WithContext("expected", uid).WithContext("got", got)
	}
	return nil
}

// WriteAttr writes a single ASCII byte to attribute name on this
// directory handle. The write always targets the already-open fd, never a
// freshly constructed path, so the target cannot change out from under
// it.
func (d *Dir) WriteAttr(name string, b byte) error {
	fd, err := unix.Openat(d.fd, name, unix.O_WRONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return tberr.Wrap(tberr.IO, "sysfs.WriteAttr", err).(*tberr.E).WithContext("attr", name)
	}
	defer unix.Close(fd)
	if _, err := unix.Write(fd, []byte{b}); err != nil {
		return tberr.Wrap(tberr.IO, "sysfs.WriteAttr", err).(*tberr.E).WithContext("attr", name)
	}
	return nil
}

func isNotExist(err error) bool {
	return err == unix.ENOENT
}
