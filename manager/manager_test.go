package manager

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/boltauth/tbauthd/authengine"
	"github.com/boltauth/tbauthd/device"
	"github.com/boltauth/tbauthd/domain"
	"github.com/boltauth/tbauthd/journal"
	"github.com/boltauth/tbauthd/store"
	"github.com/boltauth/tbauthd/udev"
)

func writeAttr(t *testing.T, dir, name, val string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(val), 0644); err != nil {
		t.Fatal(err)
	}
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	root := t.TempDir()
	j, err := journal.Open(filepath.Join(root, "journal"), nil)
	if err != nil {
		t.Fatal(err)
	}
	st, err := store.Open(root, j, nil)
	if err != nil {
		t.Fatal(err)
	}
	return st
}

func waitStatus(t *testing.T, m *Manager, uid string, want device.Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s, ok := m.DeviceStatus(uid); ok && s == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	s, _ := m.DeviceStatus(uid)
	t.Fatalf("timed out waiting for status %v, last seen %v", want, s)
}

func TestColdPlugAutoPolicySuccess(t *testing.T) {
	dir := t.TempDir()
	writeAttr(t, dir, `unique_id`, "uid-1\n")
	writeAttr(t, dir, `authorized`, "0\n")

	eng := authengine.New(2, nil)
	defer eng.Close()
	src := udev.NewFakeSource(4)
	st := openStore(t)

	m := New(`auto`, st, eng, src, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	src.Emit(udev.Event{Action: udev.Add, Device: &udev.FakeDevice{
		SyspathVal: dir,
		KindVal:    udev.KindDevice,
		Attrs:      map[string]string{"unique_id": "uid-1", "authorized": "0"},
	}})

	waitStatus(t, m, "uid-1", device.Authorized)

	if _, stored := st.GetDevice("uid-1"); stored {
		t.Fatal("auto-policy device should not be persisted")
	}
}

func TestHotPlugManualPolicyPersists(t *testing.T) {
	dir := t.TempDir()
	writeAttr(t, dir, `unique_id`, "uid-2\n")
	writeAttr(t, dir, `authorized`, "0\n")

	eng := authengine.New(2, nil)
	defer eng.Close()
	src := udev.NewFakeSource(4)
	st := openStore(t)

	m := New(`manual`, st, eng, src, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	src.Emit(udev.Event{Action: udev.Add, Device: &udev.FakeDevice{
		SyspathVal: dir,
		KindVal:    udev.KindDevice,
		Attrs:      map[string]string{"unique_id": "uid-2", "authorized": "0"},
	}})

	// manual policy: no auto-authorize, device stays Connected.
	waitStatus(t, m, "uid-2", device.Connected)

	if err := m.Authorize("uid-2", '1'); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, m, "uid-2", device.Authorized)

	rec, stored := st.GetDevice("uid-2")
	if !stored || rec.Policy != `manual` {
		t.Fatalf("expected persisted manual record, got %+v stored=%v", rec, stored)
	}
}

func TestIdentityMismatchGoesToAuthError(t *testing.T) {
	dir := t.TempDir()
	writeAttr(t, dir, `unique_id`, "other-uid\n")
	writeAttr(t, dir, `authorized`, "0\n")

	eng := authengine.New(1, nil)
	defer eng.Close()
	src := udev.NewFakeSource(4)
	st := openStore(t)

	m := New(`auto`, st, eng, src, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	src.Emit(udev.Event{Action: udev.Add, Device: &udev.FakeDevice{
		SyspathVal: dir,
		KindVal:    udev.KindDevice,
		Attrs:      map[string]string{"unique_id": "uid-3", "authorized": "0"},
	}})

	waitStatus(t, m, "uid-3", device.AuthError)
}

func TestPendingRemovalDuringAuthorization(t *testing.T) {
	dir := t.TempDir()
	writeAttr(t, dir, `unique_id`, "uid-4\n")
	writeAttr(t, dir, `authorized`, "0\n")

	eng := authengine.New(1, nil)
	defer eng.Close()
	src := udev.NewFakeSource(4)
	st := openStore(t)

	m := New(`auto`, st, eng, src, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	src.Emit(udev.Event{Action: udev.Add, Device: &udev.FakeDevice{
		SyspathVal: dir,
		KindVal:    udev.KindDevice,
		Attrs:      map[string]string{"unique_id": "uid-4", "authorized": "0"},
	}})
	// Immediately remove while the worker is (likely still) writing.
	src.Emit(udev.Event{Action: udev.Remove, Device: &udev.FakeDevice{
		SyspathVal: dir,
		KindVal:    udev.KindDevice,
		Attrs:      map[string]string{"unique_id": "uid-4"},
	}})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := m.DeviceStatus("uid-4"); !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("device was never removed from the table after completion")
}

func TestDomainAddOrdersBySortDescending(t *testing.T) {
	eng := authengine.New(1, nil)
	defer eng.Close()
	src := udev.NewFakeSource(4)
	st := openStore(t)

	m := New(`auto`, st, eng, src, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	for _, id := range []string{"domain2", "domain0", "domain10"} {
		src.Emit(udev.Event{Action: udev.Add, Device: &udev.FakeDevice{
			SyspathVal: "/sys/bus/thunderbolt/devices/" + id,
			KindVal:    udev.KindDomain,
			Attrs:      map[string]string{"unique_id": "dom-" + id},
		}})
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.domains.Count() == 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	var order []string
	m.domains.ForEach(func(d *domain.Domain) { order = append(order, d.ID) })
	want := []string{"domain10", "domain2", "domain0"}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, order)
		}
	}
}
