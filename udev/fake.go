package udev

import "sync"

// FakeDevice is a test-authored udev.Device.
type FakeDevice struct {
	SyspathVal string
	KindVal    Kind
	Attrs      map[string]string
}

func (f *FakeDevice) Syspath() string { return f.SyspathVal }
func (f *FakeDevice) Kind() Kind      { return f.KindVal }
func (f *FakeDevice) Attr(name string) (string, bool) {
	v, ok := f.Attrs[name]
	return v, ok
}

// FakeSource is an in-process, test-driven udev.Source: the test pushes
// events with Emit and the manager under test drains Events().
type FakeSource struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// NewFakeSource builds a FakeSource with the given channel buffer depth.
func NewFakeSource(buffer int) *FakeSource {
	return &FakeSource{ch: make(chan Event, buffer)}
}

func (f *FakeSource) Events() <-chan Event {
	return f.ch
}

// Emit pushes ev onto the event channel; it is a no-op after Close.
func (f *FakeSource) Emit(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.ch <- ev
}

func (f *FakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		close(f.ch)
		f.closed = true
	}
	return nil
}
