package broker

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/danmuck/portbroker/internal/port"
	"github.com/danmuck/portbroker/internal/protocol/bootmsg"
)

var (
	ErrInvalidName = errors.New("broker: invalid service name")
	ErrNameBound   = errors.New("broker: name already bound")
	ErrNameActive  = errors.New("broker: name already checked in")
)

// Entry is one live binding. The registry retains a send right for every
// name so look-ups can be answered without the service's cooperation.
// Pre-provisioned names also retain their receive side, which is what
// lets repeated check-ins hand out the identical capability.
type Entry struct {
	Name           string
	PreProvisioned bool
	CheckedIn      bool
	RegisteredAt   time.Time

	send *port.Port
	recv *port.Port
}

// ServiceInfo is the admin-facing view of one binding.
type ServiceInfo struct {
	Name           string    `json:"name"`
	Handle         uint32    `json:"handle"`
	PreProvisioned bool      `json:"pre_provisioned"`
	CheckedIn      bool      `json:"checked_in"`
	RegisteredAt   time.Time `json:"registered_at"`
}

// Registry maps service names to bindings. It is confined to the loop
// goroutine and deliberately carries no lock.
type Registry struct {
	entries map[string]*Entry
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
	}
}

func (r *Registry) Get(name string) (*Entry, bool) {
	e, ok := r.entries[name]
	return e, ok
}

func (r *Registry) Len() int {
	return len(r.entries)
}

// PreProvision mints a capability for name before any client exists.
// Both ends stay with the broker until a service checks in.
func (r *Registry) PreProvision(name string) error {
	if !isValidName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if _, ok := r.entries[name]; ok {
		return fmt.Errorf("%w: %q", ErrNameBound, name)
	}
	recv, send, err := port.AllocatePair()
	if err != nil {
		return err
	}
	r.entries[name] = &Entry{
		Name:           name,
		PreProvisioned: true,
		RegisteredAt:   time.Now(),
		send:           send,
		recv:           recv,
	}
	return nil
}

// Register binds name to send, displacing any existing binding. The
// displaced binding's rights are released.
func (r *Registry) Register(name string, send *port.Port) {
	if old, ok := r.entries[name]; ok {
		old.release()
	}
	r.entries[name] = &Entry{
		Name:         name,
		RegisteredAt: time.Now(),
		send:         send,
	}
}

// CheckInFresh allocates a capability for an unbound name, retains the
// send side, and returns the receive side for the caller to move out.
func (r *Registry) CheckInFresh(name string) (*port.Port, error) {
	recv, send, err := port.AllocatePair()
	if err != nil {
		return nil, err
	}
	r.entries[name] = &Entry{
		Name:         name,
		CheckedIn:    true,
		RegisteredAt: time.Now(),
		send:         send,
	}
	return recv, nil
}

// Resolve returns the retained send right for name.
func (r *Registry) Resolve(name string) (*port.Port, bool) {
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.send, true
}

// Snapshot returns deterministic admin views ordered by name.
func (r *Registry) Snapshot() []ServiceInfo {
	out := make([]ServiceInfo, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, ServiceInfo{
			Name:           e.Name,
			Handle:         e.send.Handle(),
			PreProvisioned: e.PreProvisioned,
			CheckedIn:      e.CheckedIn,
			RegisteredAt:   e.RegisteredAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out
}

// Close releases every retained right. Services holding receive rights
// observe end-of-file as their send rights vanish.
func (r *Registry) Close() {
	for name, e := range r.entries {
		e.release()
		delete(r.entries, name)
	}
}

func (e *Entry) release() {
	if e.send != nil {
		e.send.Close()
	}
	if e.recv != nil {
		e.recv.Close()
	}
}

// isValidName bounds a service name to the wire field and the usual
// reverse-DNS convention. Segment separators cannot lead, trail, or
// double up.
func isValidName(name string) bool {
	if name == "" || len(name) >= bootmsg.NameLen {
		return false
	}
	lastSep := false
	for i := 0; i < len(name); i++ {
		c := name[i]
		isAlpha := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
		isDigit := c >= '0' && c <= '9'
		isSep := c == '.' || c == '-' || c == '_'
		if !(isAlpha || isDigit || isSep) {
			return false
		}
		if i == 0 || i == len(name)-1 {
			if isSep {
				return false
			}
		}
		if isSep && lastSep {
			return false
		}
		lastSep = isSep
	}
	return true
}
