// Package domain defines the in-memory host-controller record, its
// intrusive ordered list, and the bounded boot-ACL slot array.
package domain

import (
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/boltauth/tbauthd/tberr"
)

// Security is the controller-advertised authorization level vocabulary.
type Security int

const (
	SecurityUnknown Security = iota
	SecurityNone
	SecurityUser
	SecuritySecure
	SecurityDPOnly
	SecurityUSBOnly
)

// Domain is one host controller: the root of a tree of attached devices.
// The next/prev fields thread it through its owning List; they must only
// be touched while holding that List's mutex.
type Domain struct {
	UID      string
	ID       string // sysfs sysname, e.g. "domain0"
	Syspath  string
	Security Security
	Sort     int // parsed from ID's trailing digits; unknown -> -1
	Stored   bool

	bootACL []string // nil if unsupported

	next, prev *Domain
}

// New builds a domain with its sort key derived from id's trailing
// digits; unknown suffixes sort last (-1).
func New(uid, id string) *Domain {
	return &Domain{UID: uid, ID: id, Sort: sortFromID(id), Security: SecurityUnknown}
}

func sortFromID(id string) int {
	i := len(id)
	for i > 0 && id[i-1] >= '0' && id[i-1] <= '9' {
		i--
	}
	if i == len(id) {
		return -1
	}
	n, err := strconv.Atoi(id[i:])
	if err != nil {
		return -1
	}
	return n
}

// SupportsBootACL reports whether this domain's firmware exposes a
// boot-ACL array at all.
func (d *Domain) SupportsBootACL() bool {
	return d.bootACL != nil
}

// InitBootACL fixes the boot-ACL slot count for this domain's lifetime;
// subsequent updates must supply the same number of slots.
func (d *Domain) InitBootACL(slots []string) {
	d.bootACL = append([]string(nil), slots...)
}

// Slots returns the total slot count and, via nFree, how many are empty.
func (d *Domain) Slots() (total, nFree int) {
	total = len(d.bootACL)
	for _, s := range d.bootACL {
		if s == `` {
			nFree++
		}
	}
	return
}

// Contains reports whether id occupies any boot-ACL slot.
func (d *Domain) Contains(id string) bool {
	for _, s := range d.bootACL {
		if s == id {
			return true
		}
	}
	return false
}

// ValidSlot reports whether s is either an empty slot or a well-formed
// UUID, the only two legal forms of a boot-ACL entry.
func ValidSlot(s string) bool {
	if s == `` {
		return true
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// GetUsed returns a densely-packed view of the non-empty slots, in slot
// order.
func (d *Domain) GetUsed() []string {
	var used []string
	for _, s := range d.bootACL {
		if s != `` {
			used = append(used, s)
		}
	}
	return used
}

// UpdateFromSysfs replaces the cached boot-ACL with acl if it differs,
// reporting whether a change occurred. The slot count is a fixed
// invariant: a length mismatch is rejected as tberr.Failed rather than
// silently resizing (resolved against the
// source's unconditional-replace behavior).
func (d *Domain) UpdateFromSysfs(acl []string) (changed bool, err error) {
	if d.bootACL == nil {
		d.InitBootACL(acl)
		return len(acl) > 0, nil
	}
	if len(acl) != len(d.bootACL) {
		return false, tberr.New(tberr.Failed, "domain.UpdateFromSysfs", "boot-ACL slot count changed")
	}
	for i := range acl {
		if acl[i] != d.bootACL[i] {
			changed = true
			break
		}
	}
	if changed {
		copy(d.bootACL, acl)
	}
	return changed, nil
}

// List is an intrusive doubly-linked list of domains ordered by
// descending Sort. The list holds one reference per member; callers
// must not share a Domain between two Lists.
type List struct {
	mu   sync.Mutex
	head *Domain
}

// Insert places d before the first node whose Sort is strictly less than
// d.Sort, or at the tail if none exists, and returns the (possibly new)
// head.
func (l *List) Insert(d *Domain) *Domain {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.head == nil {
		l.head = d
		d.next, d.prev = nil, nil
		return l.head
	}

	cur := l.head
	for cur != nil && cur.Sort >= d.Sort {
		if cur.next == nil {
			// append at tail
			cur.next = d
			d.prev = cur
			d.next = nil
			return l.head
		}
		cur = cur.next
	}
	// insert d before cur
	d.next = cur
	d.prev = cur.prev
	if cur.prev != nil {
		cur.prev.next = d
	} else {
		l.head = d
	}
	cur.prev = d
	return l.head
}

// Remove unlinks d and returns the new head.
func (l *List) Remove(d *Domain) *Domain {
	l.mu.Lock()
	defer l.mu.Unlock()

	if d.prev != nil {
		d.prev.next = d.next
	} else if l.head == d {
		l.head = d.next
	}
	if d.next != nil {
		d.next.prev = d.prev
	}
	d.next, d.prev = nil, nil
	return l.head
}

// FindID linearly scans for the domain with the given sysfs sysname.
func (l *List) FindID(id string) *Domain {
	l.mu.Lock()
	defer l.mu.Unlock()
	for cur := l.head; cur != nil; cur = cur.next {
		if cur.ID == id {
			return cur
		}
	}
	return nil
}

// ForEach calls fn for every domain in list order.
func (l *List) ForEach(fn func(*Domain)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for cur := l.head; cur != nil; cur = cur.next {
		fn(cur)
	}
}

// Count returns the number of domains currently in the list.
func (l *List) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for cur := l.head; cur != nil; cur = cur.next {
		n++
	}
	return n
}

// Clear empties the list.
func (l *List) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.head = nil
}

// Head returns the first domain in sort order, or nil if empty.
func (l *List) Head() *Domain {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head
}

// Next returns d's successor in its owning list.
func Next(d *Domain) *Domain { return d.next }

// Prev returns d's predecessor in its owning list.
func Prev(d *Domain) *Domain { return d.prev }
