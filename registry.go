package libxr

import (
	"fmt"
	"math"

	"github.com/bits-and-blooms/bitset"
	xsync "github.com/puzpuzpuz/xsync/v2"
)

// Handle identifies a transport inside one Registry.
type Handle uint16

// Transport is the pair of ports a peripheral driver exposes. Either side
// may be nil for a one-directional peripheral.
type Transport struct {
	Name  string
	Read  *ReadPort
	Write *WritePort
}

func (t *Transport) String() string {
	return fmt.Sprintf("Transport[%s]", t.Name)
}

// Registry maps peripheral handles to their transports. The application's
// init code owns it and passes it to whoever needs to look drivers up.
type Registry struct {
	byHandle *xsync.MapOf[Handle, *Transport]
	byName   map[string]Handle
	handles  *bitset.BitSet
	mu       *xsync.RBMutex
}

func NewRegistry() *Registry {
	return &Registry{
		byHandle: xsync.NewIntegerMapOf[Handle, *Transport](),
		byName:   make(map[string]Handle),
		handles:  bitset.New(0),
		mu:       xsync.NewRBMutex(),
	}
}

// Register adds t under its name and returns the lowest free handle. Port
// names default to "<name>.rx" and "<name>.tx".
func (m *Registry) Register(t *Transport) (Handle, error) {
	if t == nil || t.Name == "" {
		return 0, ErrArg
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byName[t.Name]; exists {
		return 0, fmt.Errorf("transport %q already registered: %w", t.Name, ErrBusy)
	}
	h, ok := fillFirstClear(m.handles)
	if !ok {
		return 0, fmt.Errorf("too many transports: %w", ErrFull)
	}
	if t.Read != nil && t.Read.name == "" {
		t.Read.name = t.Name + ".rx"
	}
	if t.Write != nil && t.Write.name == "" {
		t.Write.name = t.Name + ".tx"
	}
	m.byName[t.Name] = h
	m.byHandle.Store(h, t)
	return h, nil
}

func fillFirstClear(s *bitset.BitSet) (Handle, bool) {
	av, ok := s.NextClear(0)
	if !ok {
		av = s.Len()
	}
	if av >= math.MaxUint16 {
		return 0, false
	}
	s.Set(av)
	return Handle(av), true
}

func (m *Registry) Lookup(h Handle) (*Transport, bool) {
	return m.byHandle.Load(h)
}

func (m *Registry) LookupName(name string) (*Transport, Handle, bool) {
	rtok := m.mu.RLock()
	h, ok := m.byName[name]
	m.mu.RUnlock(rtok)
	if !ok {
		return nil, 0, false
	}
	t, ok := m.byHandle.Load(h)
	return t, h, ok
}

// Remove forgets h. Its handle becomes available to the next Register.
func (m *Registry) Remove(h Handle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, loaded := m.byHandle.LoadAndDelete(h)
	if !loaded {
		return false
	}
	delete(m.byName, t.Name)
	m.handles.Clear(uint(h))
	return true
}

func (m *Registry) Len() int { return m.byHandle.Size() }

func (m *Registry) Range(fn func(Handle, *Transport) bool) {
	m.byHandle.Range(fn)
}

// ResetAll resets every registered port, e.g. after a link-down event.
func (m *Registry) ResetAll() {
	m.byHandle.Range(func(_ Handle, t *Transport) bool {
		if t.Read != nil {
			t.Read.Reset()
		}
		if t.Write != nil {
			t.Write.Reset()
		}
		return true
	})
}
