// Package device defines the in-memory record of one hot-pluggable
// peripheral and the status-derivation rules that keep it in sync with
// sysfs.
package device

import "sync"

// Status is the state variable of the authorization state machine.
type Status int

const (
	// Disconnected is implicit: a device in this state is not present in
	// the manager's table at all.
	Disconnected Status = iota
	Connected
	Authorizing
	Authorized
	AuthorizedNewkey
	AuthorizedSecure
	AuthError
)

func (s Status) String() string {
	switch s {
	case Connected:
		return "connected"
	case Authorizing:
		return "authorizing"
	case Authorized:
		return "authorized"
	case AuthorizedNewkey:
		return "authorized-newkey"
	case AuthorizedSecure:
		return "authorized-secure"
	case AuthError:
		return "auth-error"
	}
	return "disconnected"
}

// Observer is notified of field changes on a Device. Implementations
// must not block; the manager calls these synchronously on its single
// executor goroutine.
type Observer interface {
	StatusChanged(d *Device, old, new Status)
}

// Device is the exclusive-owned-by-the-manager record of one peripheral.
type Device struct {
	mu sync.Mutex

	UID    string // stable, firmware-provided identity; immutable post-creation
	Name   string
	Vendor string

	status Status

	Syspath string // valid only while attached; cleared on unplug

	// PendingRemoval is set when a udev remove arrives while status is
	// Authorizing; the manager defers table removal until the
	// authorization completion callback runs.
	PendingRemoval bool

	observers []Observer
}

// New constructs a device in the Connected state.
func New(uid string) *Device {
	return &Device{UID: uid, status: Connected}
}

// Status returns the device's current state.
func (d *Device) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// AddObserver registers o to be notified of future status changes.
func (d *Device) AddObserver(o Observer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, o)
}

// setStatus transitions status and notifies observers; it does not
// enforce legality of the transition — that is the authorization
// engine's responsibility, since this type has no notion
// of "in-flight worker task".
func (d *Device) setStatus(s Status) {
	d.mu.Lock()
	old := d.status
	d.status = s
	obs := append([]Observer(nil), d.observers...)
	d.mu.Unlock()

	if old == s {
		return
	}
	for _, o := range obs {
		o.StatusChanged(d, old, s)
	}
}

// SetStatus is exported for the authorization engine, the sole caller
// permitted to drive status transitions directly.
func (d *Device) SetStatus(s Status) {
	d.setStatus(s)
}

// SysfsSnapshot is the subset of sysfs-derived fields update_from_sysfs
// reads, passed in so this package never imports sysfs directly.
type SysfsSnapshot struct {
	Syspath     string
	Name        string
	Vendor      string
	Authorized  int32
	KeyNonEmpty bool
}

// UpdateFromSysfs refreshes transient fields from a freshly read sysfs
// snapshot and recomputes status per the authorization status table. It
// returns the device's new status.
func (d *Device) UpdateFromSysfs(snap SysfsSnapshot) Status {
	d.mu.Lock()
	d.Syspath = snap.Syspath
	if snap.Name != `` {
		d.Name = snap.Name
	}
	if snap.Vendor != `` {
		d.Vendor = snap.Vendor
	}
	next := statusFromAttrs(snap.Authorized, snap.KeyNonEmpty)
	d.mu.Unlock()

	d.setStatus(next)
	return next
}

// StatusFromAttrs applies the status-derivation table;
// exported so the authorization engine can compute a device's post-write
// status from the same rule the sysfs-driven update path uses.
func StatusFromAttrs(authorized int32, keyNonEmpty bool) Status {
	return statusFromAttrs(authorized, keyNonEmpty)
}

func statusFromAttrs(authorized int32, keyNonEmpty bool) Status {
	switch {
	case authorized >= 2:
		return AuthorizedSecure
	case authorized == 1 && keyNonEmpty:
		return AuthorizedNewkey
	case authorized == 1:
		return Authorized
	case keyNonEmpty:
		return AuthError
	default:
		return Connected
	}
}
