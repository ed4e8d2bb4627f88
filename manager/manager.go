// Package manager owns the domain list and device table, subscribes to
// udev events, routes publisher authorize requests into the
// authorization engine, and persists results via the identity store.
// It is the sole "main executor": every method on Manager
// that touches the domain list, device table, or store runs on the
// single goroutine started by Run.
package manager

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/boltauth/tbauthd/authengine"
	"github.com/boltauth/tbauthd/bus"
	"github.com/boltauth/tbauthd/device"
	"github.com/boltauth/tbauthd/domain"
	"github.com/boltauth/tbauthd/log"
	"github.com/boltauth/tbauthd/store"
	"github.com/boltauth/tbauthd/tberr"
	"github.com/boltauth/tbauthd/udev"
)

type authorizeRequest struct {
	uid      string
	level    byte
	resultCh chan error
}

type statusQuery struct {
	uid      string
	resultCh chan statusResult
}

type statusResult struct {
	status device.Status
	ok     bool
}

// Manager integrates the domain list, device table, store, and
// authorization engine. Construct with New, then run its event loop
// with Run from its own goroutine for the lifetime of the daemon.
type Manager struct {
	domains domain.List
	devices map[string]*device.Device

	store         *store.Store
	engine        *authengine.Engine
	src           udev.Source
	pub           *bus.Publisher
	defaultPolicy string

	authorizeReq chan authorizeRequest
	statusReq    chan statusQuery
	pendingAuth  map[string]chan error

	lg *log.Logger
}

// New builds a Manager. pub may be nil if the daemon is not exporting
// bus objects (e.g. under test).
func New(defaultPolicy string, st *store.Store, eng *authengine.Engine, src udev.Source, pub *bus.Publisher, lg *log.Logger) *Manager {
	return &Manager{
		devices:       make(map[string]*device.Device),
		store:         st,
		engine:        eng,
		src:           src,
		pub:           pub,
		defaultPolicy: defaultPolicy,
		authorizeReq:  make(chan authorizeRequest),
		statusReq:     make(chan statusQuery),
		pendingAuth:   make(map[string]chan error),
		lg:            lg,
	}
}

// DeviceStatus reports a tracked device's current status; it is safe to
// call from any goroutine, including a bus StatusFunc. ok is false if
// the device is not currently in the table.
func (m *Manager) DeviceStatus(uid string) (device.Status, bool) {
	req := statusQuery{uid: uid, resultCh: make(chan statusResult, 1)}
	m.statusReq <- req
	r := <-req.resultCh
	return r.status, r.ok
}

// Authorize is the entry point bus.Publisher's exported device objects
// call; it blocks until the authorization engine's worker has run to
// completion and returns the final outcome.
func (m *Manager) Authorize(uid string, level byte) error {
	req := authorizeRequest{uid: uid, level: level, resultCh: make(chan error, 1)}
	m.authorizeReq <- req
	return <-req.resultCh
}

// Run drains udev events, authorize requests, and authorization
// completions until ctx is cancelled. It is the single goroutine that
// may mutate the domain list, device table, or store.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-m.src.Events():
			if !ok {
				return
			}
			m.handleUdevEvent(ev)
		case c, ok := <-m.engine.Completions():
			if !ok {
				return
			}
			m.handleCompletion(c)
		case req := <-m.authorizeReq:
			m.handleAuthorizeRequest(req)
		case q := <-m.statusReq:
			dev, ok := m.devices[q.uid]
			if !ok {
				q.resultCh <- statusResult{}
				continue
			}
			q.resultCh <- statusResult{status: dev.Status(), ok: true}
		}
	}
}

func (m *Manager) handleAuthorizeRequest(req authorizeRequest) {
	dev, ok := m.devices[req.uid]
	if !ok {
		req.resultCh <- tberr.New(tberr.NotFound, "manager.Authorize", "device not found").WithContext("uid", req.uid)
		return
	}
	if err := m.engine.Authorize(dev, dev.Syspath, req.level); err != nil {
		req.resultCh <- err
		return
	}
	m.pendingAuth[req.uid] = req.resultCh
}

func (m *Manager) handleCompletion(c authengine.Completion) {
	dev, ok := m.devices[c.Task.UID]
	if !ok {
		return
	}
	authengine.Apply(dev, c)

	if ch, ok := m.pendingAuth[c.Task.UID]; ok {
		delete(m.pendingAuth, c.Task.UID)
		ch <- c.Err
	}

	if dev.PendingRemoval {
		delete(m.devices, c.Task.UID)
		if m.pub != nil {
			if err := m.pub.UnexportDevice(c.Task.UID); err != nil && m.lg != nil {
				m.lg.Warn("failed to unexport pending-removal device", log.KV("uid", c.Task.UID), log.KVErr(err))
			}
		}
		return
	}

	if c.Err == nil {
		m.maybePersist(c.Task.UID)
	} else if m.lg != nil {
		m.lg.Error("authorization failed", log.KV("uid", c.Task.UID), log.KVErr(c.Err))
	}
}

// maybePersist writes a device record if its resolved policy is manual
// and it has never been stored: the manual-policy first-success
// persistence rule.
func (m *Manager) maybePersist(uid string) {
	if m.store == nil {
		return
	}
	policy := m.policyFor(uid)
	if policy != `manual` {
		return
	}
	if _, stored := m.store.GetDevice(uid); stored {
		return
	}
	if err := m.store.PutDevice(store.DeviceRecord{UID: uid, Policy: `manual`, CreatedAt: time.Now()}); err != nil && m.lg != nil {
		m.lg.Error("failed to persist device after authorization", log.KV("uid", uid), log.KVErr(err))
	}
}

// policyFor resolves the effective policy for uid: its stored policy, or
// the daemon default if never persisted or stored as "default".
func (m *Manager) policyFor(uid string) string {
	if m.store == nil {
		return m.defaultPolicy
	}
	rec, ok := m.store.GetDevice(uid)
	if !ok || rec.Policy == `default` || rec.Policy == `` {
		return m.defaultPolicy
	}
	return rec.Policy
}

func (m *Manager) handleUdevEvent(ev udev.Event) {
	uid, _ := ev.Device.Attr(`unique_id`)
	switch {
	case ev.Device.Kind() == udev.KindDomain:
		m.handleDomainEvent(ev, uid)
	default:
		m.handleDeviceEvent(ev, uid)
	}
}

func (m *Manager) handleDomainEvent(ev udev.Event, uid string) {
	id := filepath.Base(ev.Device.Syspath())
	switch ev.Action {
	case udev.Add:
		d := domain.New(uid, id)
		if sec, ok := ev.Device.Attr(`security`); ok {
			d.Security = parseSecurity(sec)
		}
		if acl, ok := ev.Device.Attr(`boot_acl`); ok && acl != `` {
			slots := strings.Split(acl, `,`)
			m.warnOnMalformedSlots(uid, slots)
			d.InitBootACL(slots)
		}
		m.domains.Insert(d)
		if m.pub != nil {
			if err := m.pub.ExportDomain(uid); err != nil && m.lg != nil {
				m.lg.Warn("failed to export domain object", log.KV("uid", uid), log.KVErr(err))
			}
		}
		if m.lg != nil {
			m.lg.Info("domain added", log.KV("uid", uid), log.KV("id", id))
		}
	case udev.Change:
		d := m.domains.FindID(id)
		if d == nil {
			return
		}
		acl, ok := ev.Device.Attr(`boot_acl`)
		if !ok {
			return
		}
		slots := strings.Split(acl, `,`)
		m.warnOnMalformedSlots(uid, slots)
		changed, err := d.UpdateFromSysfs(slots)
		if err != nil {
			if m.lg != nil {
				m.lg.Warn("boot-ACL update rejected", log.KV("uid", uid), log.KVErr(err))
			}
			return
		}
		if changed && m.lg != nil {
			m.lg.Info("boot-ACL changed", log.KV("uid", uid))
		}
	case udev.Remove:
		d := m.domains.FindID(id)
		if d == nil {
			return
		}
		m.domains.Remove(d)
		if m.pub != nil {
			if err := m.pub.UnexportDomain(uid); err != nil && m.lg != nil {
				m.lg.Warn("failed to unexport domain object", log.KV("uid", uid), log.KVErr(err))
			}
		}
	}
}

func (m *Manager) handleDeviceEvent(ev udev.Event, uid string) {
	if uid == `` {
		if m.lg != nil {
			m.lg.Warn("udev device event missing unique_id, ignoring", log.KV("syspath", ev.Device.Syspath()))
		}
		return
	}
	switch ev.Action {
	case udev.Add:
		dev, exists := m.devices[uid]
		if !exists {
			dev = device.New(uid)
			m.devices[uid] = dev
			if m.pub != nil {
				statusFn := func(uid string) (string, bool) {
					s, ok := m.DeviceStatus(uid)
					if !ok {
						return "", false
					}
					return s.String(), true
				}
				if err := m.pub.ExportDevice(uid, m.Authorize, statusFn); err != nil && m.lg != nil {
					m.lg.Warn("failed to export device object", log.KV("uid", uid), log.KVErr(err))
				}
			}
		}
		dev.UpdateFromSysfs(snapshotFromUdev(ev.Device))

		if m.policyFor(uid) == `auto` && dev.Status() != device.Authorizing {
			if err := m.engine.Authorize(dev, dev.Syspath, '1'); err != nil && m.lg != nil {
				m.lg.Warn("auto-policy authorize rejected", log.KV("uid", uid), log.KVErr(err))
			}
		}
	case udev.Change:
		dev, exists := m.devices[uid]
		if !exists {
			return
		}
		dev.UpdateFromSysfs(snapshotFromUdev(ev.Device))
	case udev.Remove:
		dev, exists := m.devices[uid]
		if !exists {
			return
		}
		if dev.Status() == device.Authorizing {
			dev.PendingRemoval = true
			return
		}
		delete(m.devices, uid)
		if m.pub != nil {
			if err := m.pub.UnexportDevice(uid); err != nil && m.lg != nil {
				m.lg.Warn("failed to unexport device object", log.KV("uid", uid), log.KVErr(err))
			}
		}
	}
}

func snapshotFromUdev(d udev.Device) device.SysfsSnapshot {
	name, _ := d.Attr(`device_name`)
	if name == `` {
		name, _ = d.Attr(`device`)
	}
	vendor, _ := d.Attr(`vendor_name`)
	if vendor == `` {
		vendor, _ = d.Attr(`vendor`)
	}
	var authorized int32
	if a, ok := d.Attr(`authorized`); ok {
		authorized = parseInt32(a)
	}
	key, _ := d.Attr(`key`)
	return device.SysfsSnapshot{
		Syspath:     d.Syspath(),
		Name:        name,
		Vendor:      vendor,
		Authorized:  authorized,
		KeyNonEmpty: key != ``,
	}
}

func parseInt32(s string) int32 {
	var v int32
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		v = v*10 + int32(r-'0')
	}
	return v
}

func (m *Manager) warnOnMalformedSlots(domainUID string, slots []string) {
	if m.lg == nil {
		return
	}
	for i, s := range slots {
		if !domain.ValidSlot(s) {
			m.lg.Warn("boot-ACL slot is not a well-formed UUID", log.KV("domain", domainUID), log.KV("slot", i))
		}
	}
}

func parseSecurity(s string) domain.Security {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case `none`:
		return domain.SecurityNone
	case `user`:
		return domain.SecurityUser
	case `secure`:
		return domain.SecuritySecure
	case `dponly`:
		return domain.SecurityDPOnly
	case `usbonly`:
		return domain.SecurityUSBOnly
	}
	return domain.SecurityUnknown
}
