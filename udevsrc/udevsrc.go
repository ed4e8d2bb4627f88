//go:build linux && cgo

// Package udevsrc is the libudev-backed udev.Source, monitoring the
// thunderbolt subsystem over a netlink socket via cgo bindings to
// libudev. It is built only on linux with cgo enabled; the tests use
// udev.FakeSource instead.
package udevsrc

import (
	"context"

	goudev "github.com/jochenvg/go-udev"

	"github.com/boltauth/tbauthd/log"
	"github.com/boltauth/tbauthd/tberr"
	"github.com/boltauth/tbauthd/udev"
)

const subsystem = `thunderbolt`

// device adapts a *goudev.Device to the udev.Device interface.
type device struct {
	d *goudev.Device
}

func (w device) Syspath() string { return w.d.Syspath() }

func (w device) Kind() udev.Kind {
	if w.d.Devtype() == `thunderbolt_domain` {
		return udev.KindDomain
	}
	return udev.KindDevice
}

func (w device) Attr(name string) (string, bool) {
	if v := w.d.SysattrValue(name); v != `` {
		return v, true
	}
	return ``, false
}

// Source is the real udev.Source.
type Source struct {
	cancel context.CancelFunc
	ch     chan udev.Event
	lg     *log.Logger
}

// Open starts monitoring the thunderbolt subsystem and enumerates
// currently attached domains/devices as synthetic "add" events before
// delivering live events.
func Open(lg *log.Logger) (*Source, error) {
	u := goudev.Udev{}
	mon := u.NewMonitorFromNetlink(`udev`)
	if err := mon.FilterAddMatchSubsystem(subsystem); err != nil {
		return nil, tberr.Wrap(tberr.Udev, "udevsrc.Open", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	devCh, errCh, err := mon.DeviceChan(ctx)
	if err != nil {
		cancel()
		return nil, tberr.Wrap(tberr.Udev, "udevsrc.Open", err)
	}

	s := &Source{cancel: cancel, ch: make(chan udev.Event, 32), lg: lg}

	e := u.NewEnumerate()
	if err := e.AddMatchSubsystem(subsystem); err == nil {
		if devs, err := e.Devices(); err == nil {
			for _, d := range devs {
				s.ch <- udev.Event{Action: udev.Add, Device: device{d: d}}
			}
		}
	}

	go s.pump(devCh, errCh)
	return s, nil
}

func (s *Source) pump(devCh <-chan *goudev.Device, errCh <-chan error) {
	for {
		select {
		case d, ok := <-devCh:
			if !ok {
				close(s.ch)
				return
			}
			s.ch <- udev.Event{Action: udev.Action(d.Action()), Device: device{d: d}}
		case err, ok := <-errCh:
			if !ok {
				continue
			}
			if s.lg != nil {
				s.lg.Warn("udev monitor error", log.KVErr(err))
			}
		}
	}
}

func (s *Source) Events() <-chan udev.Event {
	return s.ch
}

func (s *Source) Close() error {
	s.cancel()
	return nil
}
