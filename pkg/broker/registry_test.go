package broker

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/marmos91/fedcore/pkg/fedtime"
	"github.com/marmos91/fedcore/pkg/protocol"
)

func TestRegisterFederate(t *testing.T) {
	reg := NewRegistry()
	id, err := reg.RegisterFederate("fed1", fedtime.Epsilon)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if id <= 0 {
		t.Errorf("federate id = %d, want positive", id)
	}
	if _, err := reg.RegisterFederate("fed1", fedtime.Epsilon); !errors.Is(err, ErrDuplicateName) {
		t.Errorf("duplicate name: want ErrDuplicateName, got %v", err)
	}
	got, ok := reg.FederateByName("fed1")
	if !ok || got != id {
		t.Errorf("FederateByName = %d, %v", got, ok)
	}
}

func TestHandlesNeverReused(t *testing.T) {
	reg := NewRegistry()
	fed, _ := reg.RegisterFederate("fed1", fedtime.Epsilon)

	a, err := reg.RegisterInterface(fed, KindPublication, "pub1", "string", "")
	if err != nil {
		t.Fatal(err)
	}
	reg.RemoveFederate(fed)

	fed2, _ := reg.RegisterFederate("fed2", fedtime.Epsilon)
	b, err := reg.RegisterInterface(fed2, KindPublication, "pub2", "string", "")
	if err != nil {
		t.Fatal(err)
	}
	if a.Global == b.Global {
		t.Errorf("handle %v reused after federate removal", a.Global)
	}
	if b.Global.Handle <= a.Global.Handle {
		t.Errorf("handles not monotonic: %v then %v", a.Global, b.Global)
	}
}

func TestDuplicateInterfaceName(t *testing.T) {
	reg := NewRegistry()
	fed, _ := reg.RegisterFederate("fed1", fedtime.Epsilon)
	if _, err := reg.RegisterInterface(fed, KindPublication, "pub1", "string", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.RegisterInterface(fed, KindPublication, "pub1", "double", ""); !errors.Is(err, ErrDuplicateName) {
		t.Errorf("want ErrDuplicateName, got %v", err)
	}
}

func TestQualifyName(t *testing.T) {
	reg := NewRegistry()
	fed, _ := reg.RegisterFederate("fed1", fedtime.Epsilon)

	global, err := reg.QualifyName(fed, "pub1", true)
	if err != nil || global != "pub1" {
		t.Errorf("global name = %q, %v", global, err)
	}
	local, err := reg.QualifyName(fed, "pub1", false)
	if err != nil || local != "fed1/pub1" {
		t.Errorf("local name = %q, %v", local, err)
	}
}

func TestSubscriptionResolvesLazily(t *testing.T) {
	reg := NewRegistry()
	fed, _ := reg.RegisterFederate("fed1", fedtime.Epsilon)

	input, err := reg.RegisterInterface(fed, KindInput, "inp1", "string", "")
	if err != nil {
		t.Fatal(err)
	}
	// Subscribe before the publication exists: stays pending.
	if err := reg.Subscribe(input.Global, "pub1"); err != nil {
		t.Fatal(err)
	}

	pub, err := reg.RegisterInterface(fed, KindPublication, "pub1", "string", "")
	if err != nil {
		t.Fatal(err)
	}
	targets := reg.Targets(pub.Global)
	if len(targets) != 1 || targets[0] != input.Global {
		t.Errorf("targets after publication appears = %v", targets)
	}
}

func TestDataLinkBeforeEitherEndpointExists(t *testing.T) {
	reg := NewRegistry()
	reg.DataLink("pub1", "inp1")

	fed, _ := reg.RegisterFederate("fed1", fedtime.Epsilon)
	pub, err := reg.RegisterInterface(fed, KindPublication, "pub1", "string", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(reg.Targets(pub.Global)) != 0 {
		t.Fatal("link fired before the input existed")
	}

	input, err := reg.RegisterInterface(fed, KindInput, "inp1", "string", "")
	if err != nil {
		t.Fatal(err)
	}
	reg.NotifyInputRegistered(input.Global)

	targets := reg.Targets(pub.Global)
	if len(targets) != 1 || targets[0] != input.Global {
		t.Errorf("targets = %v, want the linked input", targets)
	}
}

func TestLinksAreAdditiveAndDeduplicated(t *testing.T) {
	reg := NewRegistry()
	fed, _ := reg.RegisterFederate("fed1", fedtime.Epsilon)
	pub, _ := reg.RegisterInterface(fed, KindPublication, "pub1", "string", "")
	in1, _ := reg.RegisterInterface(fed, KindInput, "inp1", "string", "")
	in2, _ := reg.RegisterInterface(fed, KindInput, "inp2", "string", "")

	if err := reg.Subscribe(in1.Global, "pub1"); err != nil {
		t.Fatal(err)
	}
	if err := reg.Subscribe(in1.Global, "pub1"); err != nil {
		t.Fatal(err)
	}
	if err := reg.Subscribe(in2.Global, "pub1"); err != nil {
		t.Fatal(err)
	}
	if got := len(reg.Targets(pub.Global)); got != 2 {
		t.Errorf("targets = %d, want 2 distinct", got)
	}
}

func TestSubscribeInvalidHandle(t *testing.T) {
	reg := NewRegistry()
	bad := protocol.GlobalHandle{CoreID: -1, Handle: 99}
	if err := reg.Subscribe(bad, "pub1"); !errors.Is(err, ErrInvalidHandle) {
		t.Errorf("want ErrInvalidHandle, got %v", err)
	}
}

func TestZeroDeltaCycleRejected(t *testing.T) {
	reg := NewRegistry()
	a, _ := reg.RegisterFederate("a", 0)
	b, _ := reg.RegisterFederate("b", 0)

	if err := reg.RegisterDependency(a, b); err != nil {
		t.Fatalf("first edge: %v", err)
	}
	if err := reg.RegisterDependency(b, a); !errors.Is(err, ErrZeroDeltaCycle) {
		t.Errorf("closing zero-delta cycle: want ErrZeroDeltaCycle, got %v", err)
	}
}

func TestPositiveDeltaCycleAllowed(t *testing.T) {
	reg := NewRegistry()
	a, _ := reg.RegisterFederate("a", fedtime.FromSeconds(0.1))
	b, _ := reg.RegisterFederate("b", 0)

	if err := reg.RegisterDependency(a, b); err != nil {
		t.Fatal(err)
	}
	if err := reg.RegisterDependency(b, a); err != nil {
		t.Errorf("cycle with one positive delta should be accepted: %v", err)
	}

	fed, err := reg.Federate(a)
	if err != nil {
		t.Fatal(err)
	}
	if len(fed.Dependencies) != 1 || len(fed.Dependents) != 1 {
		t.Errorf("edges = %+v", fed)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	reg := NewRegistry()
	fed, _ := reg.RegisterFederate("fed1", fedtime.Epsilon)
	reg.RegisterInterface(fed, KindPublication, "pub1", "string", "V")
	in, _ := reg.RegisterInterface(fed, KindInput, "inp1", "string", "")
	reg.Subscribe(in.Global, "pub1")

	var buf bytes.Buffer
	if err := reg.WriteSnapshot(&buf); err != nil {
		t.Fatal(err)
	}
	var snap Snapshot
	if err := json.Unmarshal(buf.Bytes(), &snap); err != nil {
		t.Fatalf("snapshot is not valid JSON: %v", err)
	}
	if snap.FederationID != reg.FederationID() {
		t.Errorf("federation id = %q", snap.FederationID)
	}
	if len(snap.Federates) != 1 || snap.Federates[0].Name != "fed1" {
		t.Errorf("federates = %+v", snap.Federates)
	}
	if len(snap.Interfaces) != 2 {
		t.Errorf("interfaces = %+v", snap.Interfaces)
	}
	if len(snap.Links) != 1 || snap.Links[0].Publication != "pub1" || snap.Links[0].Input != "inp1" {
		t.Errorf("links = %+v", snap.Links)
	}
}

func TestQuery(t *testing.T) {
	reg := NewRegistry()
	fed, _ := reg.RegisterFederate("fed1", fedtime.Epsilon)
	reg.RegisterInterface(fed, KindPublication, "pub1", "string", "")
	reg.RegisterInterface(fed, KindEndpoint, "ep1", "", "")

	pubs, err := reg.Query("publications")
	if err != nil {
		t.Fatal(err)
	}
	if names := pubs.([]string); len(names) != 1 || names[0] != "pub1" {
		t.Errorf("publications = %v", names)
	}

	state, err := reg.Query("federation_state")
	if err != nil {
		t.Fatal(err)
	}
	if m := state.(map[string]any); m["federates"].(int) != 1 {
		t.Errorf("federation_state = %v", m)
	}

	if _, err := reg.Query("bogus"); !errors.Is(err, ErrUnknownTarget) {
		t.Errorf("unknown query: %v", err)
	}
}

func TestAllocateCoreID(t *testing.T) {
	reg := NewRegistry()
	a := reg.AllocateCoreID()
	b := reg.AllocateCoreID()
	if a >= 0 || b >= 0 {
		t.Errorf("core ids must be negative: %d, %d", a, b)
	}
	if a == b {
		t.Error("core ids must be unique")
	}
}
