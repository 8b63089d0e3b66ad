package broker

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/marmos91/fedcore/pkg/protocol"
)

// Snapshot is the JSON membership dump a broker writes on request. It is the
// only persisted artifact the fabric produces.
type Snapshot struct {
	FederationID string              `json:"federation_id"`
	Federates    []FederateSnapshot  `json:"federates"`
	Interfaces   []InterfaceSnapshot `json:"interfaces"`
	Links        []LinkSnapshot      `json:"links"`
}

// FederateSnapshot is one federate's membership record.
type FederateSnapshot struct {
	ID           protocol.FederateID   `json:"id"`
	Name         string                `json:"name"`
	Dependencies []protocol.FederateID `json:"dependencies,omitempty"`
	Dependents   []protocol.FederateID `json:"dependents,omitempty"`
}

// InterfaceSnapshot is one directory entry.
type InterfaceSnapshot struct {
	Name   string              `json:"name,omitempty"`
	Kind   string              `json:"kind"`
	Core   protocol.FederateID `json:"core"`
	Handle int32               `json:"handle"`
	Owner  protocol.FederateID `json:"owner"`
	Type   string              `json:"type,omitempty"`
	Units  string              `json:"units,omitempty"`
}

// LinkSnapshot is one publication-to-input wire.
type LinkSnapshot struct {
	Publication string `json:"publication"`
	Input       string `json:"input"`
}

// Snapshot captures the current membership. Output ordering is deterministic.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := Snapshot{FederationID: r.federationID}

	for _, fed := range r.federates {
		snap.Federates = append(snap.Federates, FederateSnapshot{
			ID:           fed.ID,
			Name:         fed.Name,
			Dependencies: append([]protocol.FederateID(nil), fed.Dependencies...),
			Dependents:   append([]protocol.FederateID(nil), fed.Dependents...),
		})
	}
	sort.Slice(snap.Federates, func(i, j int) bool { return snap.Federates[i].ID < snap.Federates[j].ID })

	for _, info := range r.byHandle {
		snap.Interfaces = append(snap.Interfaces, InterfaceSnapshot{
			Name:   info.Name,
			Kind:   info.Kind.String(),
			Core:   info.Global.CoreID,
			Handle: int32(info.Global.Handle),
			Owner:  info.Owner,
			Type:   info.Type,
			Units:  info.Units,
		})
	}
	sort.Slice(snap.Interfaces, func(i, j int) bool {
		a, b := snap.Interfaces[i], snap.Interfaces[j]
		if a.Core != b.Core {
			return a.Core > b.Core
		}
		return a.Handle < b.Handle
	})

	for pub, inputs := range r.links {
		pubName := r.byHandle[pub].Name
		for _, in := range inputs {
			snap.Links = append(snap.Links, LinkSnapshot{
				Publication: pubName,
				Input:       r.byHandle[in].Name,
			})
		}
	}
	sort.Slice(snap.Links, func(i, j int) bool {
		a, b := snap.Links[i], snap.Links[j]
		if a.Publication != b.Publication {
			return a.Publication < b.Publication
		}
		return a.Input < b.Input
	})
	return snap
}

// WriteSnapshot marshals the membership snapshot as indented JSON.
func (r *Registry) WriteSnapshot(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r.Snapshot()); err != nil {
		return fmt.Errorf("encode federation snapshot: %w", err)
	}
	return nil
}

// Query answers the broker query surface. Supported queries:
//
//	federation_state - federation id and federate count
//	publications     - registered publication names
//	endpoints        - registered endpoint names
//	inputs           - registered input names
//	federates        - registered federate names
func (r *Registry) Query(q string) (any, error) {
	switch q {
	case "federation_state":
		r.mu.RLock()
		defer r.mu.RUnlock()
		return map[string]any{
			"federation_id": r.federationID,
			"federates":     len(r.federates),
			"interfaces":    len(r.byHandle),
		}, nil
	case "publications":
		return r.interfaceNames(KindPublication), nil
	case "endpoints":
		return r.interfaceNames(KindEndpoint), nil
	case "inputs":
		return r.interfaceNames(KindInput), nil
	case "federates":
		r.mu.RLock()
		defer r.mu.RUnlock()
		names := make([]string, 0, len(r.federateNames))
		for name := range r.federateNames {
			names = append(names, name)
		}
		sort.Strings(names)
		return names, nil
	default:
		return nil, fmt.Errorf("%w: query %q", ErrUnknownTarget, q)
	}
}

func (r *Registry) interfaceNames(kind InterfaceKind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for _, info := range r.byHandle {
		if info.Kind == kind && info.Name != "" {
			names = append(names, info.Name)
		}
	}
	sort.Strings(names)
	return names
}
