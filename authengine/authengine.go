// Package authengine drives one device at a time through the
// authorization state machine, dispatching the blocking sysfs write to a
// bounded worker pool and reporting completion on a channel the owning
// manager drains from its own single-threaded executor.
package authengine

import (
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/boltauth/tbauthd/device"
	"github.com/boltauth/tbauthd/log"
	"github.com/boltauth/tbauthd/sysfs"
	"github.com/boltauth/tbauthd/tberr"
)

// Task is the immutable snapshot a worker receives: a copied syspath
// string, uid, and level character. The worker never dereferences the
// device entity itself.
type Task struct {
	UID     string
	Syspath string
	Level   byte
}

// Completion is the result the main executor applies to device state.
// Status is meaningful only when Err is nil.
type Completion struct {
	Task   Task
	Status device.Status
	Err    error
}

// Engine is the bounded worker pool driving authorization writes. Construct one
// per manager; Close waits for in-flight workers to finish and return
// their (discarded) completions before releasing resources.
type Engine struct {
	grp         *errgroup.Group
	completions chan Completion
	wg          sync.WaitGroup
	die         chan struct{}
	closeOnce   sync.Once
	lg          *log.Logger
}

// New builds an Engine bounded to workers concurrent sysfs writes.
func New(workers int, lg *log.Logger) *Engine {
	g := new(errgroup.Group)
	g.SetLimit(workers)
	return &Engine{
		grp:         g,
		completions: make(chan Completion, workers*2),
		die:         make(chan struct{}),
		lg:          lg,
	}
}

// Completions is the channel the manager selects on to apply state
// transitions on its own executor goroutine.
func (e *Engine) Completions() <-chan Completion {
	return e.completions
}

// Authorize enqueues the blocking sysfs write for dev. The caller must
// already hold whatever lock serializes device-table access; Authorize
// itself only reads dev.Status() and calls dev.SetStatus once,
// synchronously, before returning.
func (e *Engine) Authorize(dev *device.Device, syspath string, level byte) error {
	status := dev.Status()
	if status != device.Connected && status != device.AuthError {
		return tberr.New(tberr.WrongState, "authengine.Authorize", "device not in an authorizable state").
			WithContext("uid", dev.UID).WithContext("status", status.String())
	}
	dev.SetStatus(device.Authorizing)

	t := Task{UID: dev.UID, Syspath: syspath, Level: level}
	e.wg.Add(1)
	e.grp.Go(func() error {
		defer e.wg.Done()
		c := e.run(t)
		select {
		case e.completions <- c:
		case <-e.die:
		}
		return nil
	})
	return nil
}

// run performs the blocking, TOCTOU-safe sysfs write on a worker
// goroutine and is the only place that touches the filesystem for
// authorization. It never touches the Device entity.
func (e *Engine) run(t Task) Completion {
	dir, err := sysfs.Open(t.Syspath)
	if err != nil {
		return Completion{Task: t, Err: err}
	}
	defer dir.Close()

	if err := dir.VerifyUniqueID(t.UID); err != nil {
		return Completion{Task: t, Err: err}
	}
	if err := dir.WriteAttr(`authorized`, t.Level); err != nil {
		return Completion{Task: t, Err: err}
	}

	authorized := dir.ReadInt(`authorized`, e.lg)
	key, _ := dir.ReadString(`key`)
	return Completion{Task: t, Status: device.StatusFromAttrs(authorized, key != ``)}
}

// Close signals in-flight workers to stop delivering completions, waits
// for them to finish, and closes the completions channel. It mirrors
// a die-channel-plus-WaitGroup shutdown idiom.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		close(e.die)
		e.wg.Wait()
		close(e.completions)
	})
	return nil
}

// Apply applies a completion to dev: success
// transitions to the status the worker observed, failure transitions to
// auth-error.
func Apply(dev *device.Device, c Completion) {
	if c.Err != nil {
		dev.SetStatus(device.AuthError)
		return
	}
	dev.SetStatus(c.Status)
}
