// Package bus exposes domain and device objects on the system message
// bus, the external publisher interface the manager's authorize
// requests flow in through.
package bus

import (
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/boltauth/tbauthd/log"
	"github.com/boltauth/tbauthd/tberr"
)

// AuthorizeFunc is invoked when a bus caller calls a device object's
// Authorize method; it is the manager's entry point for handling an
// authorize request originating from the publisher.
type AuthorizeFunc func(uid string, level byte) error

// StatusFunc reports a device's current status string for the bus
// Status method; ok is false if the device is no longer tracked.
type StatusFunc func(uid string) (status string, ok bool)

// Publisher owns the system bus connection and the set of exported
// domain/device objects.
type Publisher struct {
	conn *dbus.Conn
	root dbus.ObjectPath
	lg   *log.Logger
}

// Connect opens a connection to the system bus and requests busName.
func Connect(busName, root string, lg *log.Logger) (*Publisher, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, tberr.Wrap(tberr.Failed, "bus.Connect", err)
	}
	reply, err := conn.RequestName(busName, dbus.NameFlagDoNotQueue)
	if err != nil {
		conn.Close()
		return nil, tberr.Wrap(tberr.Failed, "bus.Connect", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		conn.Close()
		return nil, tberr.New(tberr.Failed, "bus.Connect", "bus name already owned")
	}
	return &Publisher{conn: conn, root: dbus.ObjectPath("/" + strings.Trim(root, "/")), lg: lg}, nil
}

// Close releases the bus connection.
func (p *Publisher) Close() error {
	return p.conn.Close()
}

// objectPath mangles uid into a valid D-Bus object path segment: hyphens
// become underscores.
func objectPath(base dbus.ObjectPath, uid string) dbus.ObjectPath {
	return base + dbus.ObjectPath("/"+strings.ReplaceAll(uid, "-", "_"))
}

// DeviceObjectPath returns the object path a device with the given uid is
// exported at under root, for clients constructing calls without going
// through a Publisher (e.g. tbauthctl).
func DeviceObjectPath(root, uid string) dbus.ObjectPath {
	return objectPath(dbus.ObjectPath("/"+strings.Trim(root, "/")+"/devices"), uid)
}

// DomainObjectPath returns the object path a domain with the given uid is
// exported at under root.
func DomainObjectPath(root, uid string) dbus.ObjectPath {
	return objectPath(dbus.ObjectPath("/"+strings.Trim(root, "/")+"/domains"), uid)
}

// deviceObject is the exported D-Bus object for one device; its
// Authorize method is the only bus-facing entry point into the
// authorization engine.
type deviceObject struct {
	uid      string
	fn       AuthorizeFunc
	statusFn StatusFunc
}

// Authorize is exported over the bus with the default (no explicit
// level) authorization character '1'.
func (d *deviceObject) Authorize() *dbus.Error {
	if err := d.fn(d.uid, '1'); err != nil {
		return dbus.NewError("org.tbauthd.Error.AuthorizeFailed", []interface{}{err.Error()})
	}
	return nil
}

// Status reports the device's current status string, for tbauthctl.
func (d *deviceObject) Status() (string, *dbus.Error) {
	if d.statusFn == nil {
		return "", dbus.NewError("org.tbauthd.Error.Unsupported", nil)
	}
	s, ok := d.statusFn(d.uid)
	if !ok {
		return "", dbus.NewError("org.tbauthd.Error.NotFound", []interface{}{d.uid})
	}
	return s, nil
}

// ExportDevice publishes a device object at
// /<root>/devices/<uid-with-hyphens-replaced-by-underscores>.
func (p *Publisher) ExportDevice(uid string, fn AuthorizeFunc, statusFn StatusFunc) error {
	path := objectPath(p.root+"/devices", uid)
	obj := &deviceObject{uid: uid, fn: fn, statusFn: statusFn}
	if err := p.conn.Export(obj, path, "org.tbauthd.Device"); err != nil {
		return tberr.Wrap(tberr.Failed, "bus.ExportDevice", err)
	}
	return nil
}

// UnexportDevice removes a previously exported device object.
func (p *Publisher) UnexportDevice(uid string) error {
	path := objectPath(p.root+"/devices", uid)
	if err := p.conn.Export(nil, path, "org.tbauthd.Device"); err != nil {
		return tberr.Wrap(tberr.Failed, "bus.UnexportDevice", err)
	}
	return nil
}

// domainObject is the exported (read-mostly) object for one domain.
type domainObject struct {
	uid string
}

// ExportDomain publishes a domain object at
// /<root>/domains/<uid-with-hyphens-replaced-by-underscores>.
func (p *Publisher) ExportDomain(uid string) error {
	path := objectPath(p.root+"/domains", uid)
	if err := p.conn.Export(&domainObject{uid: uid}, path, "org.tbauthd.Domain"); err != nil {
		return tberr.Wrap(tberr.Failed, "bus.ExportDomain", err)
	}
	return nil
}

// UnexportDomain removes a previously exported domain object.
func (p *Publisher) UnexportDomain(uid string) error {
	path := objectPath(p.root+"/domains", uid)
	if err := p.conn.Export(nil, path, "org.tbauthd.Domain"); err != nil {
		return tberr.Wrap(tberr.Failed, "bus.UnexportDomain", err)
	}
	return nil
}
