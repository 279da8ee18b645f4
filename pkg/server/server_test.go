package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mchurichi/buildtail/pkg/store"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st, err := store.NewStore(100)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	srv := NewServer(st)
	if err := srv.Start(0); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(srv.Stop)

	return srv, st
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST %s error = %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestServer_HandleLog(t *testing.T) {
	srv, st := newTestServer(t)
	url := fmt.Sprintf("http://127.0.0.1:%d/log", srv.Port())

	resp := postJSON(t, url, `{"type":"error","message":"boom","tag":"Auth"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /log status = %v, want 200", resp.StatusCode)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["success"] != true {
		t.Errorf("response success = %v, want true", body["success"])
	}

	recs, err := st.Get(store.Filter{})
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("store holds %d records, want 1", len(recs))
	}
	if recs[0].Kind != store.KindError {
		t.Errorf("Kind = %v, want error", recs[0].Kind)
	}
	if recs[0].Issuer != "Auth" {
		t.Errorf("Issuer = %v, want Auth", recs[0].Issuer)
	}
	if recs[0].Message != "boom" {
		t.Errorf("Message = %v, want boom", recs[0].Message)
	}
}

func TestServer_HandleLogDefaults(t *testing.T) {
	srv, st := newTestServer(t)
	url := fmt.Sprintf("http://127.0.0.1:%d/log", srv.Port())

	resp := postJSON(t, url, `{"message":"untagged"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /log status = %v, want 200", resp.StatusCode)
	}

	recs, _ := st.Get(store.Filter{})
	if len(recs) != 1 {
		t.Fatalf("store holds %d records, want 1", len(recs))
	}
	if recs[0].Issuer != "app" {
		t.Errorf("Issuer = %v, want default app", recs[0].Issuer)
	}
	if recs[0].Kind != store.KindInfo {
		t.Errorf("Kind = %v, want default info", recs[0].Kind)
	}
	if recs[0].Timestamp == "" {
		t.Error("Timestamp is empty, want store-assigned instant")
	}
}

func TestServer_HandleLogInvalid(t *testing.T) {
	srv, st := newTestServer(t)
	url := fmt.Sprintf("http://127.0.0.1:%d/log", srv.Port())

	tests := []struct {
		name string
		body string
	}{
		{"invalid JSON", `{"message": oops`},
		{"missing message", `{"type":"info","tag":"Auth"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, url, tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("POST /log status = %v, want 400", resp.StatusCode)
			}
		})
	}

	if got := st.Count(); got != 0 {
		t.Errorf("Count() = %v, want 0 after rejected requests", got)
	}
}

func TestServer_HandleLogsBatch(t *testing.T) {
	srv, st := newTestServer(t)
	url := fmt.Sprintf("http://127.0.0.1:%d/logs", srv.Port())

	body := `{"logs":[
		{"type":"info","message":"A","tag":"Auth"},
		{"type":"warn","message":"B","tag":"Auth"},
		{"type":"error","message":"C","tag":"Auth"}
	]}`
	resp := postJSON(t, url, body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /logs status = %v, want 200", resp.StatusCode)
	}

	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if out["count"] != 3.0 {
		t.Errorf("response count = %v, want 3", out["count"])
	}

	recs, _ := st.Get(store.Filter{})
	want := []string{"A", "B", "C"}
	if len(recs) != len(want) {
		t.Fatalf("store holds %d records, want %d", len(recs), len(want))
	}
	for i, msg := range want {
		if recs[i].Message != msg {
			t.Errorf("record[%d].Message = %v, want %v", i, recs[i].Message, msg)
		}
	}
}

func TestServer_HandleLogsBadRecordsSkipped(t *testing.T) {
	srv, st := newTestServer(t)
	url := fmt.Sprintf("http://127.0.0.1:%d/logs", srv.Port())

	body := `{"logs":[
		{"type":"info","message":"kept"},
		{"type":"info"},
		{"type":"info","message":"also kept"}
	]}`
	resp := postJSON(t, url, body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /logs status = %v, want 200", resp.StatusCode)
	}

	var out map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&out)
	if out["count"] != 2.0 {
		t.Errorf("response count = %v, want 2", out["count"])
	}
	if got := st.Count(); got != 2 {
		t.Errorf("Count() = %v, want 2", got)
	}
}

func TestServer_HandleLogsNotASequence(t *testing.T) {
	srv, st := newTestServer(t)
	url := fmt.Sprintf("http://127.0.0.1:%d/logs", srv.Port())

	resp := postJSON(t, url, `{"logs":"not an array"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("POST /logs status = %v, want 400", resp.StatusCode)
	}
	if got := st.Count(); got != 0 {
		t.Errorf("Count() = %v, want 0", got)
	}
}

func TestServer_HandleHealth(t *testing.T) {
	srv, st := newTestServer(t)

	st.Add(&store.Record{Timestamp: "2024-06-01T12:00:00Z", Kind: store.KindInfo, Message: "x"})

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/health", srv.Port()))
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /health status = %v, want 200", resp.StatusCode)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if body["logs"] != 1.0 {
		t.Errorf("logs = %v, want 1", body["logs"])
	}
}

func TestServer_Preflight(t *testing.T) {
	srv, _ := newTestServer(t)

	req, _ := http.NewRequest(http.MethodOptions, fmt.Sprintf("http://127.0.0.1:%d/anything", srv.Port()), nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("OPTIONS status = %v, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
}

func TestServer_UnmatchedRoutes(t *testing.T) {
	srv, _ := newTestServer(t)
	base := fmt.Sprintf("http://127.0.0.1:%d", srv.Port())

	tests := []struct {
		name   string
		method string
		path   string
	}{
		{"unknown path", http.MethodGet, "/nope"},
		{"GET on /log", http.MethodGet, "/log"},
		{"POST on /health", http.MethodPost, "/health"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(tt.method, base+tt.path, nil)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("%s %s error = %v", tt.method, tt.path, err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusNotFound {
				t.Errorf("%s %s status = %v, want 404", tt.method, tt.path, resp.StatusCode)
			}
		})
	}
}

func TestServer_PortFallback(t *testing.T) {
	st, err := store.NewStore(10)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	defer st.Close()

	first := NewServer(st)
	if err := first.Start(0); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer first.Stop()

	// The second server asks for the port the first one holds and must land
	// on a higher one.
	second := NewServer(st)
	if err := second.Start(first.Port()); err != nil {
		t.Fatalf("Start() with occupied port error = %v", err)
	}
	defer second.Stop()

	if second.Port() <= first.Port() {
		t.Errorf("fallback port = %v, want > %v", second.Port(), first.Port())
	}
}

func TestServer_StopIsIdempotent(t *testing.T) {
	st, err := store.NewStore(10)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	defer st.Close()

	srv := NewServer(st)
	if err := srv.Start(0); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	srv.Stop()
	srv.Stop()
}

func TestServer_StreamBroadcast(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.StartBroadcastWorker()

	wsURL := fmt.Sprintf("ws://127.0.0.1:%d/stream", srv.Port())
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("ws dial error = %v", err)
	}
	defer conn.Close()

	url := fmt.Sprintf("http://127.0.0.1:%d/log", srv.Port())
	resp := postJSON(t, url, `{"type":"error","message":"streamed","tag":"Auth"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /log status = %v, want 200", resp.StatusCode)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg struct {
		Type   string        `json:"type"`
		Record *store.Record `json:"record"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ws read error = %v", err)
	}
	if msg.Type != "log" {
		t.Errorf("message type = %v, want log", msg.Type)
	}
	if msg.Record == nil || msg.Record.Message != "streamed" {
		t.Errorf("record = %+v, want message streamed", msg.Record)
	}
}
