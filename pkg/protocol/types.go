// Package protocol defines the action message carried on every hop of the
// federation fabric and its wire encoding.
//
// An action message is a plain record; ownership passes on enqueue. The wire
// format is length-prefixed with tagged fields so that unknown tags can be
// skipped for forward compatibility (see encode.go / decode.go).
package protocol

import (
	"bytes"
	"fmt"
	"hash/fnv"

	"github.com/marmos91/fedcore/pkg/fedtime"
)

// FederateID identifies a federate within a federation. Negative values are
// reserved for brokers and cores.
type FederateID int32

// InvalidFederateID is the sentinel for an unassigned federate id. It is not
// the zero value of FederateID.
const InvalidFederateID FederateID = -2_000_000_000

// IsBroker reports whether the id belongs to a broker or core rather than a
// federate.
func (id FederateID) IsBroker() bool {
	return id < 0 && id != InvalidFederateID
}

// InterfaceHandle identifies a publication, input, endpoint, or filter within
// its owning core.
type InterfaceHandle int32

// InvalidHandle is the sentinel for an unassigned interface handle.
const InvalidHandle InterfaceHandle = -1

// GlobalHandle is the federation-wide identity of an interface: the owning
// core plus the core-local handle. The pair is never reused within a
// federation lifetime.
type GlobalHandle struct {
	CoreID FederateID
	Handle InterfaceHandle
}

// String renders the handle as "core:handle" for logs.
func (g GlobalHandle) String() string {
	return fmt.Sprintf("%d:%d", g.CoreID, g.Handle)
}

// Action enumerates the message kinds carried by the fabric.
type Action uint16

const (
	ActionInvalid Action = iota
	ActionRegister
	ActionRegisterAck
	ActionDisconnect
	ActionDisconnectAck
	ActionTimeRequest
	ActionTimeGrant
	ActionExecRequest
	ActionExecGrant
	ActionData
	ActionMessagePayload
	ActionError

	// Dependency-graph maintenance between cores and federates.
	ActionAddDependency
	ActionAddDependent
)

var actionNames = map[Action]string{
	ActionInvalid:        "INVALID",
	ActionRegister:       "REGISTER",
	ActionRegisterAck:    "REGISTER_ACK",
	ActionDisconnect:     "DISCONNECT",
	ActionDisconnectAck:  "DISCONNECT_ACK",
	ActionTimeRequest:    "TIME_REQUEST",
	ActionTimeGrant:      "TIME_GRANT",
	ActionExecRequest:    "EXEC_REQUEST",
	ActionExecGrant:      "EXEC_GRANT",
	ActionData:           "DATA",
	ActionMessagePayload: "MESSAGE",
	ActionError:          "ERROR",
	ActionAddDependency:  "ADD_DEPENDENCY",
	ActionAddDependent:   "ADD_DEPENDENT",
}

func (a Action) String() string {
	if s, ok := actionNames[a]; ok {
		return s
	}
	return fmt.Sprintf("ACTION(%d)", uint16(a))
}

// Flags is the action message flag bitset.
type Flags uint16

const (
	// FlagIterationRequested marks a request that wants to iterate at the
	// current time point instead of advancing.
	FlagIterationRequested Flags = 1 << iota

	// FlagRequired marks an update the receiver must observe before granting.
	FlagRequired

	// FlagInterruptible allows a grant earlier than the requested time when an
	// external event arrives first.
	FlagInterruptible

	// FlagError marks a grant or disconnect produced by an error path.
	FlagError
)

// Has reports whether all bits in mask are set.
func (f Flags) Has(mask Flags) bool { return f&mask == mask }

// ActionMessage is the tagged, timestamped record exchanged between federates,
// cores, and brokers. It carries both control traffic (time/exec negotiation,
// registration) and data traffic (values and endpoint messages).
type ActionMessage struct {
	Action Action

	SourceID FederateID
	DestID   FederateID

	SourceHandle InterfaceHandle
	DestHandle   InterfaceHandle

	// ActionTime is the primary timestamp: the requested or granted time for
	// control messages, the event time for data.
	ActionTime fedtime.Time

	// Te is the sender's own next event time (time protocol).
	Te fedtime.Time

	// Tdemin is the minimum Te across the sender's dependencies (time protocol).
	Tdemin fedtime.Time

	// Counter is the iteration index within a single logical time point.
	Counter int32

	// Sequence is the per-(SourceID, DestID) replay counter. Receivers discard
	// a control message whose sequence is not greater than the last seen for
	// the pair; DATA is exempt and ordered by ActionTime instead.
	Sequence uint32

	Flags Flags

	// Payload is an opaque octet block; the fabric never interprets it.
	Payload []byte

	// Name carries an interface or federate name during registration.
	Name string
}

// Equal reports field-by-field equality. Equal messages have equal Hash
// values.
func (m *ActionMessage) Equal(o *ActionMessage) bool {
	if m == nil || o == nil {
		return m == o
	}
	return m.Action == o.Action &&
		m.SourceID == o.SourceID &&
		m.DestID == o.DestID &&
		m.SourceHandle == o.SourceHandle &&
		m.DestHandle == o.DestHandle &&
		m.ActionTime == o.ActionTime &&
		m.Te == o.Te &&
		m.Tdemin == o.Tdemin &&
		m.Counter == o.Counter &&
		m.Sequence == o.Sequence &&
		m.Flags == o.Flags &&
		m.Name == o.Name &&
		bytes.Equal(m.Payload, o.Payload)
}

// Hash returns a 64-bit FNV-1a hash over the encoded message.
func (m *ActionMessage) Hash() uint64 {
	h := fnv.New64a()
	h.Write(m.Encode())
	return h.Sum64()
}
