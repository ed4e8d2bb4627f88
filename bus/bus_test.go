package bus

import (
	"errors"
	"testing"

	"github.com/godbus/dbus/v5"
)

func TestObjectPathManglesHyphens(t *testing.T) {
	p := objectPath("/tbauthd/devices", "ab12-cd34-ef56")
	if p != "/tbauthd/devices/ab12_cd34_ef56" {
		t.Fatalf("bad object path: %v", p)
	}
}

func TestDeviceObjectAuthorizeSuccess(t *testing.T) {
	var gotUID string
	var gotLevel byte
	d := &deviceObject{uid: `uid-1`, fn: func(uid string, level byte) error {
		gotUID, gotLevel = uid, level
		return nil
	}, statusFn: func(uid string) (string, bool) { return "connected", true }}
	if err := d.Authorize(); err != nil {
		t.Fatalf("expected nil *dbus.Error, got %v", err)
	}
	if gotUID != `uid-1` || gotLevel != '1' {
		t.Fatalf("unexpected call: uid=%q level=%q", gotUID, gotLevel)
	}
}

func TestDeviceObjectAuthorizeFailure(t *testing.T) {
	d := &deviceObject{uid: `uid-1`, fn: func(uid string, level byte) error {
		return errors.New("boom")
	}}
	err := d.Authorize()
	if err == nil {
		t.Fatal("expected error")
	}
	var dbusErr *dbus.Error = err
	if dbusErr.Name != "org.tbauthd.Error.AuthorizeFailed" {
		t.Fatalf("bad error name: %q", dbusErr.Name)
	}
}

func TestDeviceObjectPathMatchesExportedPath(t *testing.T) {
	got := DeviceObjectPath("/tbauthd", "ab12-cd34")
	want := objectPath("/tbauthd/devices", "ab12-cd34")
	if got != want {
		t.Fatalf("DeviceObjectPath() = %v, want %v", got, want)
	}
}

func TestDomainObjectPathMatchesExportedPath(t *testing.T) {
	got := DomainObjectPath("/tbauthd", "ab12-cd34")
	want := objectPath("/tbauthd/domains", "ab12-cd34")
	if got != want {
		t.Fatalf("DomainObjectPath() = %v, want %v", got, want)
	}
}

func TestDeviceObjectStatusNotFound(t *testing.T) {
	d := &deviceObject{uid: `uid-1`, statusFn: func(uid string) (string, bool) { return "", false }}
	s, err := d.Status()
	if err == nil || s != "" {
		t.Fatalf("expected not-found error, got s=%q err=%v", s, err)
	}
}
