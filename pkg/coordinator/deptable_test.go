package coordinator

import (
	"testing"

	"github.com/marmos91/fedcore/pkg/fedtime"
	"github.com/marmos91/fedcore/pkg/protocol"
)

func TestAddIsIdempotent(t *testing.T) {
	var dt DependencyTable
	if !dt.Add(3) {
		t.Fatal("first add should return true")
	}
	if dt.Add(3) {
		t.Error("second add of same peer should return false")
	}
	if dt.Len() != 1 {
		t.Errorf("Len = %d, want 1", dt.Len())
	}
}

func TestTableStaysSorted(t *testing.T) {
	var dt DependencyTable
	for _, id := range []protocol.FederateID{9, 2, 5, 1} {
		dt.Add(id)
	}
	ids := dt.IDs()
	want := []protocol.FederateID{1, 2, 5, 9}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("IDs() = %v, want %v", ids, want)
		}
	}
}

func TestRemove(t *testing.T) {
	var dt DependencyTable
	dt.Add(1)
	dt.Add(2)
	if !dt.Remove(1) {
		t.Error("removing tracked peer should return true")
	}
	if dt.Remove(1) {
		t.Error("removing untracked peer should return false")
	}
	if dt.Get(2) == nil {
		t.Error("peer 2 should survive removal of peer 1")
	}
}

func TestUpdateFromTimeRequest(t *testing.T) {
	var dt DependencyTable
	dt.Add(4)
	msg := &protocol.ActionMessage{
		Action:     protocol.ActionTimeRequest,
		SourceID:   4,
		ActionTime: fedtime.FromSeconds(1),
		Te:         fedtime.FromSeconds(2),
		Tdemin:     fedtime.FromSeconds(3),
		Counter:    1,
	}
	if !dt.Update(msg) {
		t.Fatal("update from tracked peer should apply")
	}
	d := dt.Get(4)
	if d.Tnext != fedtime.FromSeconds(1) || d.Te != fedtime.FromSeconds(2) || d.Tdemin != fedtime.FromSeconds(3) {
		t.Errorf("record = %+v", d)
	}
	if d.Converged != Complete || d.LastIteration != 1 || d.Grant {
		t.Errorf("state = %v iter=%d grant=%v", d.Converged, d.LastIteration, d.Grant)
	}

	msg.SourceID = 99
	if dt.Update(msg) {
		t.Error("update from untracked peer should be rejected")
	}
}

func TestUpdateFromGrant(t *testing.T) {
	var dt DependencyTable
	dt.Add(4)
	dt.Update(&protocol.ActionMessage{
		Action:     protocol.ActionTimeGrant,
		SourceID:   4,
		ActionTime: fedtime.FromSeconds(2),
	})
	d := dt.Get(4)
	if !d.Grant || d.Tnext != fedtime.FromSeconds(2) || d.Converged != Complete {
		t.Errorf("record after grant = %+v", d)
	}
}

func TestMinimumsTieBreakToSmallerID(t *testing.T) {
	var dt DependencyTable
	dt.Add(7)
	dt.Add(3)
	for _, id := range []protocol.FederateID{3, 7} {
		dt.Update(&protocol.ActionMessage{
			Action:     protocol.ActionTimeRequest,
			SourceID:   id,
			ActionTime: fedtime.FromSeconds(5),
			Te:         fedtime.FromSeconds(5),
			Tdemin:     fedtime.FromSeconds(5),
		})
	}
	if _, fed := dt.MinTe(); fed != 3 {
		t.Errorf("tie should go to smaller id, got %d", fed)
	}
	if _, fed := dt.MinTdemin(); fed != 3 {
		t.Errorf("Tdemin tie should go to smaller id, got %d", fed)
	}
}

func TestMinimumsEmptyTable(t *testing.T) {
	var dt DependencyTable
	if v, fed := dt.MinNext(); v != fedtime.MaxTime || fed != protocol.InvalidFederateID {
		t.Errorf("empty table min = %v from %d", v, fed)
	}
}

func TestAllConverged(t *testing.T) {
	var dt DependencyTable
	dt.Add(1)
	dt.Add(2)

	if all, _, _ := dt.AllConverged(0); all {
		t.Error("fresh records are nonconverged until the peer reports")
	}

	dt.Update(&protocol.ActionMessage{Action: protocol.ActionExecRequest, SourceID: 2})
	dt.Update(&protocol.ActionMessage{
		Action:   protocol.ActionExecRequest,
		SourceID: 1,
		Flags:    protocol.FlagIterationRequested,
	})
	_, iterating, _ := dt.AllConverged(0)
	if !iterating {
		t.Error("iteration request should be reported")
	}

	// Peer 2 has not reached iteration 1 yet.
	if all, _, _ := dt.AllConverged(1); all {
		t.Error("lagging iteration counter should block convergence")
	}

	dt.Update(&protocol.ActionMessage{
		Action:   protocol.ActionExecRequest,
		SourceID: 2,
		Flags:    protocol.FlagError,
	})
	_, _, failed := dt.AllConverged(0)
	if !failed {
		t.Error("error state should be reported")
	}
}

func TestGrantedPeerBypassesIterationLag(t *testing.T) {
	var dt DependencyTable
	dt.Add(1)

	// The peer granted exec at iteration 0; it cannot iterate anymore, so a
	// higher local iteration counter must not block convergence.
	dt.Update(&protocol.ActionMessage{Action: protocol.ActionExecGrant, SourceID: 1})
	if !dt.Get(1).Grant {
		t.Fatal("exec grant should mark the peer as granted")
	}
	if all, _, _ := dt.AllConverged(3); !all {
		t.Error("granted peer should not block on iteration lag")
	}
}
