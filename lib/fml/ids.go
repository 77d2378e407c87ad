package fml

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
)

// TraitID identifies a trait on the wire. It has the same value in every
// module of a process group.
type TraitID uint16

// MethodID identifies a method within its trait.
type MethodID uint32

const (
	// UndecidedTrait marks a trait Setup has not assigned an id to.
	UndecidedTrait TraitID = math.MaxUint16
	// UndecidedMethod marks a method Setup has not assigned an id to.
	UndecidedMethod MethodID = math.MaxUint32

	// reserved for releasing an exported object
	methodDelete MethodID = math.MaxUint32 - 1
)

// MaxInstanceKey bounds the instance keys accepted by Setup.
const MaxInstanceKey = 1024

// IdMap is the coordinator's assignment of ids to trait and method names.
type IdMap struct {
	Traits  map[string]TraitID
	Methods map[string]map[string]MethodID // trait name -> method name -> id
}

// NewIdMap assigns sequential trait ids to the sorted, deduplicated names.
// Method ids are left to their declaration order.
func NewIdMap(traits ...string) IdMap {
	names := append([]string(nil), traits...)
	sort.Strings(names)

	m := IdMap{Traits: make(map[string]TraitID, len(names))}
	next := TraitID(0)
	for _, name := range names {
		if _, ok := m.Traits[name]; ok {
			continue
		}
		m.Traits[name] = next
		next++
	}
	return m
}

// Trait describes one service interface compiled into the binary.
type Trait struct {
	name    string
	id      atomic.Uint32
	accepts func(any) bool
	owner   *Identifiers
	methods []*method
}

type method struct {
	trait    *Trait
	name     string
	order    int
	id       atomic.Uint32
	dispatch dispatchFunc
}

// Name returns the name the trait was defined with.
func (t *Trait) Name() string {
	return t.name
}

// ID returns the trait id, or UndecidedTrait before Setup.
func (t *Trait) ID() TraitID {
	return TraitID(t.id.Load())
}

// Methods lists the method names in declaration order.
func (t *Trait) Methods() []string {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()

	names := make([]string, len(t.methods))
	for i, m := range t.methods {
		names[i] = m.name
	}
	return names
}

func (t *Trait) lookup(id MethodID) *method {
	for _, m := range t.methods {
		if MethodID(m.id.Load()) == id {
			return m
		}
	}
	return nil
}

func (m *method) ID() MethodID {
	return MethodID(m.id.Load())
}

// Identifiers is the registry of traits compiled into a binary together
// with the one-time setup state of every module instance using them.
type Identifiers struct {
	mu     sync.Mutex
	traits []*Trait

	setup   [MaxInstanceKey]bool
	applied bool
}

// NewIdentifiers returns an empty set with no ids assigned.
func NewIdentifiers() *Identifiers {
	return &Identifiers{}
}

// DefaultIdentifiers holds the traits defined at package init time.
var DefaultIdentifiers = NewIdentifiers()

// DefineTrait declares a trait whose implementations satisfy S.
// Duplicate names are only detected by Setup.
func DefineTrait[S any](ids *Identifiers, name string) *Trait {
	t := &Trait{
		name: name,
		accepts: func(object any) bool {
			_, ok := object.(S)
			return ok
		},
		owner: ids,
	}
	t.id.Store(uint32(UndecidedTrait))

	ids.mu.Lock()
	ids.traits = append(ids.traits, t)
	ids.mu.Unlock()

	return t
}

func (t *Trait) addMethod(m *method) {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()

	m.order = len(t.methods)
	m.id.Store(uint32(m.order))
	t.methods = append(t.methods, m)
}

// Traits lists the names of the declared traits in declaration order.
func (ids *Identifiers) Traits() []string {
	ids.mu.Lock()
	defer ids.mu.Unlock()

	names := make([]string, len(ids.traits))
	for i, t := range ids.traits {
		names[i] = t.name
	}
	return names
}

// Setup applies the coordinator's id map. It must run exactly once per
// instance key; a second run for the same key panics. Once any instance
// has applied the map, later instances only record that they ran, and
// their map must agree with the applied trait ids. A map that fails
// validation leaves the key free and no id applied.
func (ids *Identifiers) Setup(key InstanceKey, m IdMap) {
	if key >= MaxInstanceKey {
		misuse("instance key %d out of range", key)
	}

	ids.mu.Lock()
	defer ids.mu.Unlock()

	if ids.setup[key] {
		misuse("identifiers already set up for instance %d", key)
	}

	if ids.applied {
		for _, t := range ids.traits {
			if id, ok := m.Traits[t.name]; !ok || id != t.ID() {
				violation("instance %d disagrees on the id of trait %s", key, t.name)
			}
		}
		ids.setup[key] = true
		return
	}

	ids.checkDuplicates()

	traitIDs := make([]TraitID, len(ids.traits))
	methodIDs := make([][]MethodID, len(ids.traits))
	traitOwners := make(map[TraitID]*Trait, len(ids.traits))

	for i, t := range ids.traits {
		id, ok := m.Traits[t.name]
		if !ok {
			violation("trait %s missing from id map", t.name)
		}
		if id == UndecidedTrait {
			violation("trait %s mapped to the undecided id", t.name)
		}
		if other, dup := traitOwners[id]; dup {
			violation("traits %s and %s share id %d", other.name, t.name, id)
		}
		traitOwners[id] = t
		traitIDs[i] = id

		methodIDs[i] = make([]MethodID, len(t.methods))
		methodOwners := make(map[MethodID]*method, len(t.methods))
		for j, md := range t.methods {
			mid := MethodID(md.order)
			if len(m.Methods) > 0 {
				var ok bool
				if mid, ok = m.Methods[t.name][md.name]; !ok {
					violation("method %s.%s missing from id map", t.name, md.name)
				}
				if mid == UndecidedMethod || mid == methodDelete {
					violation("method %s.%s mapped to a reserved id", t.name, md.name)
				}
			}
			if other, dup := methodOwners[mid]; dup {
				violation("methods %s.%s and %s.%s share id %d", t.name, other.name, t.name, md.name, mid)
			}
			methodOwners[mid] = md
			methodIDs[i][j] = mid
		}
	}

	for i, t := range ids.traits {
		t.id.Store(uint32(traitIDs[i]))
		for j, md := range t.methods {
			md.id.Store(uint32(methodIDs[i][j]))
		}
	}

	ids.applied = true
	ids.setup[key] = true
}

func (ids *Identifiers) checkDuplicates() {
	traits := make(map[string]struct{}, len(ids.traits))
	for _, t := range ids.traits {
		if _, dup := traits[t.name]; dup {
			violation("trait %s defined twice", t.name)
		}
		traits[t.name] = struct{}{}

		methods := make(map[string]struct{}, len(t.methods))
		for _, md := range t.methods {
			if _, dup := methods[md.name]; dup {
				violation("method %s.%s defined twice", t.name, md.name)
			}
			methods[md.name] = struct{}{}
		}
	}
}
