package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/marmos91/fedcore/pkg/broker"
	"github.com/marmos91/fedcore/pkg/fedtime"
)

func newTestServer(t *testing.T) (*Server, *broker.Registry) {
	t.Helper()
	reg := broker.NewRegistry()
	fed, err := reg.RegisterFederate("fed1", fedtime.Epsilon)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reg.RegisterInterface(fed, broker.KindPublication, "pub1", "string", ""); err != nil {
		t.Fatal(err)
	}
	return NewServer(reg, 0), reg
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s, reg := newTestServer(t)
	rec := get(t, s, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" || body["federation"] != reg.FederationID() {
		t.Errorf("body = %v", body)
	}
}

func TestFederationSnapshot(t *testing.T) {
	s, _ := newTestServer(t)
	rec := get(t, s, "/v1/federation")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var snap broker.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if len(snap.Federates) != 1 || snap.Federates[0].Name != "fed1" {
		t.Errorf("federates = %+v", snap.Federates)
	}
	if len(snap.Interfaces) != 1 || snap.Interfaces[0].Name != "pub1" {
		t.Errorf("interfaces = %+v", snap.Interfaces)
	}
}

func TestQueryEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	rec := get(t, s, "/v1/query/publications")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Query  string   `json:"query"`
		Result []string `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Query != "publications" || len(body.Result) != 1 || body.Result[0] != "pub1" {
		t.Errorf("body = %+v", body)
	}

	if rec := get(t, s, "/v1/query/bogus"); rec.Code != http.StatusNotFound {
		t.Errorf("unknown query status = %d", rec.Code)
	}
}
