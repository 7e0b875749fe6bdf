// Package namespace implements C7: the POSIX-style named-channel namespace
// (spec.md §4.7) — an ordered map from path to channel metadata, with
// owner/group/other permission checks modeled directly on POSIX file mode
// bits.
package namespace

import (
	"sort"
	"strings"
	"sync"

	"github.com/exo-os/kernel/pkg/kerrors"
)

// Type is the channel type a namespace entry names.
type Type int

const (
	TypeChannel Type = iota
	TypeSharedMemory
)

// CreateFlags mirror POSIX open(2) flags relevant to namespace creation.
type CreateFlags uint8

const (
	FlagExclusive CreateFlags = 1 << iota // refuse open() while a client is attached
)

// Entry is one namespace record (spec.md §4.7).
type Entry struct {
	Name        string
	Type        Type
	Perms       uint32 // POSIX-octal mode bits, e.g. 0640
	Flags       CreateFlags
	OwnerPID    uint32
	OwnerGID    uint32
	ClientCount uint32
	active      bool
}

// Namespace is the global path -> entry map; List returns paths sorted.
type Namespace struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// New creates an empty namespace.
func New() *Namespace {
	return &Namespace{entries: make(map[string]*Entry)}
}

func validName(name string) error {
	if name == "" || len(name) > 256 {
		return kerrors.Wrapf(kerrors.InvalidParameter, "namespace", "name length %d invalid (must be 1..256)", len(name))
	}
	if !strings.HasPrefix(name, "/") {
		return kerrors.Wrapf(kerrors.InvalidParameter, "namespace", "name %q must start with /", name)
	}
	return nil
}

// Create enforces spec.md §4.7 create(): non-empty name <=256 chars starting
// with "/", absent from the map.
func (n *Namespace) Create(name string, typ Type, perms uint32, flags CreateFlags, pid, gid uint32) (*Entry, error) {
	if err := validName(name); err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.entries[name]; exists {
		return nil, kerrors.Wrapf(kerrors.AlreadyExists, "namespace.Create", "name %q already exists", name)
	}
	e := &Entry{Name: name, Type: typ, Perms: perms, Flags: flags, OwnerPID: pid, OwnerGID: gid, active: true}
	n.entries[name] = e
	return e, nil
}

// permits checks the POSIX-octal bits the way spec.md §4.7 describes: "pid
// matches owner -> owner bits; gid matches owner gid -> group bits; else
// other bits".
func permits(e *Entry, pid, gid uint32, wantRead, wantWrite bool) bool {
	var bits uint32
	switch {
	case pid == e.OwnerPID:
		bits = (e.Perms >> 6) & 0o7
	case gid == e.OwnerGID:
		bits = (e.Perms >> 3) & 0o7
	default:
		bits = e.Perms & 0o7
	}
	if wantRead && bits&0o4 == 0 {
		return false
	}
	if wantWrite && bits&0o2 == 0 {
		return false
	}
	return true
}

// Open implements spec.md §4.7 open(): permission check, exclusive-flag
// enforcement, ref-count increment.
func (n *Namespace) Open(name string, wantRead, wantWrite bool, pid, gid uint32) (*Entry, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	e, ok := n.entries[name]
	if !ok || !e.active {
		return nil, kerrors.Wrapf(kerrors.NotFound, "namespace.Open", "name %q not found", name)
	}
	if !permits(e, pid, gid, wantRead, wantWrite) {
		return nil, kerrors.Wrapf(kerrors.PermissionDenied, "namespace.Open", "name %q denies requested access", name)
	}
	if e.Flags&FlagExclusive != 0 && e.ClientCount > 0 {
		return nil, kerrors.Wrapf(kerrors.Busy, "namespace.Open", "name %q is exclusive and already attached", name)
	}
	e.ClientCount++
	return e, nil
}

// Close releases a handle obtained from Open, decrementing the ref-count.
func (n *Namespace) Close(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if e, ok := n.entries[name]; ok && e.ClientCount > 0 {
		e.ClientCount--
	}
}

// Unlink implements spec.md §4.7 unlink(): caller must be the owner; marks
// inactive and removes from the map, but existing handles continue to work
// (the Entry pointer they hold stays valid).
func (n *Namespace) Unlink(name string, pid uint32) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	e, ok := n.entries[name]
	if !ok {
		return kerrors.Wrapf(kerrors.NotFound, "namespace.Unlink", "name %q not found", name)
	}
	if e.OwnerPID != pid {
		return kerrors.Wrapf(kerrors.PermissionDenied, "namespace.Unlink", "pid %d is not the owner of %q", pid, name)
	}
	e.active = false
	delete(n.entries, name)
	return nil
}

// List returns every path with the given prefix, sorted (spec.md §4.7
// list(prefix)).
func (n *Namespace) List(prefix string) []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]string, 0, len(n.entries))
	for name := range n.entries {
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Stat returns a copy of name's metadata (spec.md §4.7 stat()).
func (n *Namespace) Stat(name string) (Entry, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	e, ok := n.entries[name]
	if !ok {
		return Entry{}, kerrors.Wrapf(kerrors.NotFound, "namespace.Stat", "name %q not found", name)
	}
	return *e, nil
}
