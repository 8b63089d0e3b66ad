package routing

import (
	"errors"
	"sync"

	"github.com/marmos91/fedcore/internal/logger"
	"github.com/marmos91/fedcore/pkg/metrics"
	"github.com/marmos91/fedcore/pkg/protocol"
)

// violationLimit tears a route down after this many protocol violations.
const violationLimit = 3

// Receiver validates and deduplicates inbound frames from one route before
// handing decoded messages to the core dispatcher.
//
// Control messages carry a per-(source, dest) sequence: a duplicate (sequence
// equal to the last seen) is silently dropped for idempotent replay; a
// regression (sequence below the last seen) is a protocol violation. Data
// messages are exempt and always accepted, ordered downstream by their action
// time.
type Receiver struct {
	routeName string
	onMessage func(*protocol.ActionMessage)
	onDrop    func()
	metrics   metrics.FabricMetrics

	mu         sync.Mutex
	lastSeen   map[pairKey]uint32
	violations int
}

// NewReceiver creates a receiver for one route. onMessage receives every
// accepted message; onDrop fires once when the violation limit is reached and
// the route should be torn down. Metrics may be nil.
func NewReceiver(routeName string, m metrics.FabricMetrics, onMessage func(*protocol.ActionMessage), onDrop func()) *Receiver {
	return &Receiver{
		routeName: routeName,
		onMessage: onMessage,
		onDrop:    onDrop,
		metrics:   m,
		lastSeen:  make(map[pairKey]uint32),
	}
}

// HandleFrame decodes and filters one inbound frame. Safe for concurrent use
// by transport workers.
func (rc *Receiver) HandleFrame(frame []byte) {
	msg, err := protocol.Decode(frame)
	if err != nil {
		reason := "short_frame"
		switch {
		case errors.Is(err, protocol.ErrBadVersion):
			reason = "bad_version"
		case errors.Is(err, protocol.ErrFrameSize):
			reason = "oversize"
		}
		logger.Warn("Dropping undecodable frame", "route", rc.routeName, "reason", reason, "error", err)
		rc.recordViolation(reason)
		return
	}

	if exemptFromDedup(msg.Action) {
		rc.onMessage(msg)
		return
	}

	if msg.Sequence != 0 {
		rc.mu.Lock()
		key := pairKey{msg.SourceID, msg.DestID}
		last := rc.lastSeen[key]
		switch {
		case msg.Sequence == last:
			rc.mu.Unlock()
			return
		case msg.Sequence < last:
			rc.mu.Unlock()
			logger.Warn("Control sequence regression",
				"route", rc.routeName,
				"source", msg.SourceID,
				"dest", msg.DestID,
				"sequence", msg.Sequence,
				"last", last)
			rc.recordViolation("counter_regression")
			return
		}
		rc.lastSeen[key] = msg.Sequence
		rc.mu.Unlock()
	}
	rc.onMessage(msg)
}

// exemptFromDedup lists actions outside the sequence protocol: data is always
// accepted and ordered downstream by action time, and REGISTER arrives before
// the sender has an identity to sequence under.
func exemptFromDedup(a protocol.Action) bool {
	return a == protocol.ActionData || a == protocol.ActionMessagePayload || a == protocol.ActionRegister
}

func (rc *Receiver) recordViolation(reason string) {
	if rc.metrics != nil {
		rc.metrics.RecordFrameRejected(rc.routeName, reason)
	}
	rc.mu.Lock()
	rc.violations++
	hit := rc.violations == violationLimit
	rc.mu.Unlock()
	if hit && rc.onDrop != nil {
		logger.Error("Violation limit reached, tearing down route", "route", rc.routeName)
		rc.onDrop()
	}
}
