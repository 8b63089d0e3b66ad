// Package broker maintains the federation-wide state: the name directory of
// publications, inputs, endpoints, and filters; the handle space; explicit
// data links; and per-federate dependency lists.
//
// The directory is the only structure shared across federates, guarded by a
// single reader-writer lock. A Registry is an explicit handle: multiple
// federations in one process each get their own.
package broker

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/marmos91/fedcore/pkg/fedtime"
	"github.com/marmos91/fedcore/pkg/protocol"
)

// InterfaceKind classifies directory entries.
type InterfaceKind uint8

const (
	KindPublication InterfaceKind = iota
	KindInput
	KindEndpoint
	KindFilter
)

func (k InterfaceKind) String() string {
	switch k {
	case KindPublication:
		return "publication"
	case KindInput:
		return "input"
	case KindEndpoint:
		return "endpoint"
	case KindFilter:
		return "filter"
	}
	return "unknown"
}

// InterfaceInfo is one directory entry.
type InterfaceInfo struct {
	Name   string
	Kind   InterfaceKind
	Global protocol.GlobalHandle
	Owner  protocol.FederateID

	// Type is the declared semantic type tag of the carried payload; the
	// fabric never interprets it.
	Type  string
	Units string
}

// FederateInfo is the directory record for one registered federate.
type FederateInfo struct {
	ID   protocol.FederateID
	Name string

	// MinDelta is the federate's minimum time between grants, used to reject
	// zero-delta dependency cycles at registration.
	MinDelta fedtime.Time

	// Dependencies are the federates this one waits on.
	Dependencies []protocol.FederateID

	// Dependents are the federates waiting on this one.
	Dependents []protocol.FederateID
}

// Registry is the authoritative name directory held by the root broker.
type Registry struct {
	mu sync.RWMutex

	federationID string
	coreID       protocol.FederateID

	nextFederate protocol.FederateID
	nextCore     protocol.FederateID
	nextHandle   map[protocol.FederateID]protocol.InterfaceHandle

	federates     map[protocol.FederateID]*FederateInfo
	federateNames map[string]protocol.FederateID

	byName   map[string]*InterfaceInfo
	byHandle map[protocol.GlobalHandle]*InterfaceInfo

	// links maps a publication handle to the inputs wired to it.
	links map[protocol.GlobalHandle][]protocol.GlobalHandle

	// pendingByPub holds subscriptions and data links whose publication has
	// not appeared yet, keyed by publication name.
	pendingByPub map[string][]pendingLink

	// onLink is invoked (outside the lock) for every link that fires, so the
	// core can wire time-dependency edges between the owners.
	onLink LinkFunc
	fired  []LinkEvent
}

// LinkEvent identifies one publication-to-input wire that just fired.
type LinkEvent struct {
	Publication protocol.GlobalHandle
	Input       protocol.GlobalHandle
}

// LinkFunc observes fired links.
type LinkFunc func(LinkEvent)

// pendingLink is a subscription or data link waiting for one or both names to
// be published.
type pendingLink struct {
	// inputName is set for a name-to-name data link; inputHandle for a
	// resolved subscriber.
	inputName   string
	inputHandle protocol.GlobalHandle
	byHandle    bool
}

// NewRegistry creates an empty federation directory with a fresh federation
// id.
func NewRegistry() *Registry {
	return &Registry{
		federationID:  uuid.NewString(),
		coreID:        -1,
		nextFederate:  1,
		nextCore:      -2,
		nextHandle:    make(map[protocol.FederateID]protocol.InterfaceHandle),
		federates:     make(map[protocol.FederateID]*FederateInfo),
		federateNames: make(map[string]protocol.FederateID),
		byName:        make(map[string]*InterfaceInfo),
		byHandle:      make(map[protocol.GlobalHandle]*InterfaceInfo),
		links:         make(map[protocol.GlobalHandle][]protocol.GlobalHandle),
		pendingByPub:  make(map[string][]pendingLink),
	}
}

// FederationID returns the federation's unique id.
func (r *Registry) FederationID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.federationID
}

// AllocateCoreID assigns the next broker/core id (negative space). Used during
// the REGISTER handshake with child cores.
func (r *Registry) AllocateCoreID() protocol.FederateID {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextCore
	r.nextCore--
	return id
}

// RegisterFederate adds a federate to the directory and assigns its id.
// Duplicate names are a registration failure.
func (r *Registry) RegisterFederate(name string, minDelta fedtime.Time) (protocol.FederateID, error) {
	if name == "" {
		return protocol.InvalidFederateID, fmt.Errorf("%w: empty federate name", ErrDuplicateName)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.federateNames[name]; exists {
		return protocol.InvalidFederateID, fmt.Errorf("%w: federate %q", ErrDuplicateName, name)
	}
	id := r.nextFederate
	r.nextFederate++
	r.federates[id] = &FederateInfo{ID: id, Name: name, MinDelta: minDelta}
	r.federateNames[name] = id
	return id, nil
}

// RemoveFederate drops a federate and its dependency edges. Interface entries
// survive so their (core, handle) pairs are never reused.
func (r *Registry) RemoveFederate(id protocol.FederateID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fed, ok := r.federates[id]
	if !ok {
		return
	}
	delete(r.federateNames, fed.Name)
	delete(r.federates, id)
	for _, other := range r.federates {
		other.Dependencies = removeID(other.Dependencies, id)
		other.Dependents = removeID(other.Dependents, id)
	}
}

func removeID(ids []protocol.FederateID, id protocol.FederateID) []protocol.FederateID {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// FederateByName resolves a federate id from its name.
func (r *Registry) FederateByName(name string) (protocol.FederateID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.federateNames[name]
	return id, ok
}

// Federate returns a copy of the directory record for id.
func (r *Registry) Federate(id protocol.FederateID) (FederateInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fed, ok := r.federates[id]
	if !ok {
		return FederateInfo{}, fmt.Errorf("%w: %d", ErrUnknownFederate, id)
	}
	out := *fed
	out.Dependencies = append([]protocol.FederateID(nil), fed.Dependencies...)
	out.Dependents = append([]protocol.FederateID(nil), fed.Dependents...)
	return out, nil
}

// RegisterDependency records that dependent waits on dependency and rejects
// edges that would close a cycle in which no federate imposes a positive
// minimum time delta.
func (r *Registry) RegisterDependency(dependent, dependency protocol.FederateID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	from, ok := r.federates[dependent]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownFederate, dependent)
	}
	to, ok := r.federates[dependency]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownFederate, dependency)
	}
	for _, d := range from.Dependencies {
		if d == dependency {
			return nil
		}
	}
	if from.MinDelta <= 0 && to.MinDelta <= 0 && r.closesZeroDeltaCycle(dependency, dependent) {
		return fmt.Errorf("%w: %d -> %d", ErrZeroDeltaCycle, dependent, dependency)
	}
	from.Dependencies = append(from.Dependencies, dependency)
	to.Dependents = append(to.Dependents, dependent)
	return nil
}

// closesZeroDeltaCycle walks dependency edges from start looking for target
// along paths where every federate has a zero minimum delta. Caller holds the
// lock.
func (r *Registry) closesZeroDeltaCycle(start, target protocol.FederateID) bool {
	seen := map[protocol.FederateID]bool{}
	stack := []protocol.FederateID{start}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == target {
			return true
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		fed, ok := r.federates[id]
		if !ok || fed.MinDelta > 0 {
			continue
		}
		stack = append(stack, fed.Dependencies...)
	}
	return false
}

// QualifyName returns the directory key for an interface: global names are
// used verbatim, local names are prefixed with the owning federate's name.
func (r *Registry) QualifyName(owner protocol.FederateID, name string, global bool) (string, error) {
	if global {
		return name, nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	fed, ok := r.federates[owner]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrUnknownFederate, owner)
	}
	return fed.Name + "/" + name, nil
}

// RegisterInterface adds a named interface to the directory, allocating the
// next handle in the owning core's space. Handles are never reused within a
// federation lifetime. When the entry is a publication, any subscriptions or
// data links pending on its name fire and are reported to the link observer.
func (r *Registry) RegisterInterface(owner protocol.FederateID, kind InterfaceKind, name, typ, units string) (*InterfaceInfo, error) {
	info, err := r.registerInterface(owner, kind, name, typ, units)
	if err != nil {
		return nil, err
	}
	r.notifyFired()
	return info, nil
}

func (r *Registry) registerInterface(owner protocol.FederateID, kind InterfaceKind, name, typ, units string) (*InterfaceInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name != "" {
		if _, exists := r.byName[name]; exists {
			return nil, fmt.Errorf("%w: %s %q", ErrDuplicateName, kind, name)
		}
	}
	handle := r.nextHandle[r.coreID] + 1
	r.nextHandle[r.coreID] = handle

	info := &InterfaceInfo{
		Name:   name,
		Kind:   kind,
		Global: protocol.GlobalHandle{CoreID: r.coreID, Handle: handle},
		Owner:  owner,
		Type:   typ,
		Units:  units,
	}
	if name != "" {
		r.byName[name] = info
	}
	r.byHandle[info.Global] = info

	if kind == KindPublication {
		r.resolvePending(info)
	}
	return info, nil
}

// resolvePending fires pending subscriptions and data links for a newly
// registered publication. Caller holds the lock.
func (r *Registry) resolvePending(pub *InterfaceInfo) {
	pending := r.pendingByPub[pub.Name]
	remaining := pending[:0]
	for _, p := range pending {
		if p.byHandle {
			r.addLinkLocked(pub.Global, p.inputHandle)
			continue
		}
		if input, ok := r.byName[p.inputName]; ok && input.Kind == KindInput {
			r.addLinkLocked(pub.Global, input.Global)
			continue
		}
		remaining = append(remaining, p)
	}
	if len(remaining) == 0 {
		delete(r.pendingByPub, pub.Name)
	} else {
		r.pendingByPub[pub.Name] = remaining
	}
}

func (r *Registry) addLinkLocked(pub, input protocol.GlobalHandle) {
	for _, existing := range r.links[pub] {
		if existing == input {
			return
		}
	}
	r.links[pub] = append(r.links[pub], input)
	r.fired = append(r.fired, LinkEvent{Publication: pub, Input: input})
}

// OnLink installs the link observer. Set once by the core before federates
// register.
func (r *Registry) OnLink(fn LinkFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onLink = fn
}

// notifyFired drains fired link events and delivers them to the observer
// outside the lock.
func (r *Registry) notifyFired() {
	r.mu.Lock()
	events := r.fired
	r.fired = nil
	fn := r.onLink
	r.mu.Unlock()
	if fn == nil {
		return
	}
	for _, e := range events {
		fn(e)
	}
}

// Subscribe wires input to the named publication. If the publication has not
// been registered yet the subscription stays pending and fires on
// registration.
func (r *Registry) Subscribe(input protocol.GlobalHandle, pubName string) error {
	r.mu.Lock()
	in, ok := r.byHandle[input]
	if !ok || in.Kind != KindInput {
		r.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrInvalidHandle, input)
	}
	if pub, ok := r.byName[pubName]; ok && pub.Kind == KindPublication {
		r.addLinkLocked(pub.Global, input)
	} else {
		r.pendingByPub[pubName] = append(r.pendingByPub[pubName], pendingLink{inputHandle: input, byHandle: true})
	}
	r.mu.Unlock()
	r.notifyFired()
	return nil
}

// DataLink installs an explicit publication-to-input wire by name. Either or
// both names may be unregistered; the link fires as the names appear. Links
// are additive.
func (r *Registry) DataLink(pubName, inputName string) {
	r.mu.Lock()
	pub, pubOK := r.byName[pubName]
	input, inputOK := r.byName[inputName]
	if pubOK && inputOK && pub.Kind == KindPublication && input.Kind == KindInput {
		r.addLinkLocked(pub.Global, input.Global)
	} else {
		r.pendingByPub[pubName] = append(r.pendingByPub[pubName], pendingLink{inputName: inputName})
	}
	r.mu.Unlock()
	r.notifyFired()
}

// checkNameLinks fires data links waiting on a newly registered input name.
func (r *Registry) checkNameLinks(input *InterfaceInfo) {
	for pubName, pending := range r.pendingByPub {
		pub, ok := r.byName[pubName]
		if !ok || pub.Kind != KindPublication {
			continue
		}
		remaining := pending[:0]
		for _, p := range pending {
			if !p.byHandle && p.inputName == input.Name {
				r.addLinkLocked(pub.Global, input.Global)
				continue
			}
			remaining = append(remaining, p)
		}
		if len(remaining) == 0 {
			delete(r.pendingByPub, pubName)
		} else {
			r.pendingByPub[pubName] = remaining
		}
	}
}

// NotifyInputRegistered fires pending name-to-name data links that waited for
// this input. Called by the federate layer after RegisterInterface on named
// inputs.
func (r *Registry) NotifyInputRegistered(input protocol.GlobalHandle) {
	r.mu.Lock()
	if info, ok := r.byHandle[input]; ok && info.Kind == KindInput {
		r.checkNameLinks(info)
	}
	r.mu.Unlock()
	r.notifyFired()
}

// Targets returns the inputs linked to a publication handle.
func (r *Registry) Targets(pub protocol.GlobalHandle) []protocol.GlobalHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]protocol.GlobalHandle, len(r.links[pub]))
	copy(out, r.links[pub])
	return out
}

// Lookup resolves a directory entry by qualified name.
func (r *Registry) Lookup(name string) (*InterfaceInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	out := *info
	return &out, true
}

// LookupHandle resolves a directory entry by global handle.
func (r *Registry) LookupHandle(h protocol.GlobalHandle) (*InterfaceInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.byHandle[h]
	if !ok {
		return nil, false
	}
	out := *info
	return &out, true
}

// Interfaces returns all directory entries of the given kind.
func (r *Registry) Interfaces(kind InterfaceKind) []InterfaceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []InterfaceInfo
	for _, info := range r.byHandle {
		if info.Kind == kind {
			out = append(out, *info)
		}
	}
	return out
}
