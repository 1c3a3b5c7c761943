package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sheetpub/sheetpub/internal/config"
	"github.com/sheetpub/sheetpub/internal/coordinator"
	"github.com/sheetpub/sheetpub/internal/events"
	"github.com/sheetpub/sheetpub/internal/logging"
	"github.com/sheetpub/sheetpub/internal/metrics"
	"github.com/sheetpub/sheetpub/internal/models"
	"github.com/sheetpub/sheetpub/internal/utils"
)

func newTestClient(apiKey string) *Client {
	return NewClient(config.TransportConfig{
		HealthTimeout:    200 * time.Millisecond,
		HeartbeatTimeout: 200 * time.Millisecond,
		RequestTimeout:   500 * time.Millisecond,
		APIKey:           apiKey,
	}, metrics.New())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestSendHeartbeat(t *testing.T) {
	var got models.HeartbeatRequest
	var gotKey, gotTrace string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/distributed/heartbeat" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotKey = r.Header.Get(utils.HeaderAPIKey)
		gotTrace = r.Header.Get(utils.HeaderTraceID)
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient("secret")
	ctx := logging.WithTraceID(context.Background(), "trace-1")
	hb := models.HeartbeatRequest{InstanceID: "a", Timestamp: 1, Uptime: 42, Status: "healthy"}

	if err := c.SendHeartbeat(ctx, srv.URL+"/distributed/sync", hb); err != nil {
		t.Fatalf("SendHeartbeat() error = %v", err)
	}
	if got.InstanceID != "a" || got.Uptime != 42 {
		t.Errorf("unexpected heartbeat body %+v", got)
	}
	if gotKey != "secret" {
		t.Errorf("expected api key header, got %q", gotKey)
	}
	if gotTrace != "trace-1" {
		t.Errorf("expected trace id header, got %q", gotTrace)
	}
}

func TestHeartbeatTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := newTestClient("")
	start := time.Now()
	err := c.SendHeartbeat(context.Background(), srv.URL+"/distributed/sync", models.HeartbeatRequest{InstanceID: "a"})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("heartbeat should be abandoned after its timeout, took %v", elapsed)
	}
}

func TestServerTime(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/distributed/info" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set(utils.HeaderServerTime, strconv.FormatInt(1700000000123, 10))
		writeJSON(w, http.StatusOK, models.InfoResponse{InstanceID: "leader", Uptime: 10})
	}))
	defer srv.Close()

	c := newTestClient("")
	ms, err := c.ServerTime(context.Background(), srv.URL+"/distributed/sync")
	if err != nil {
		t.Fatalf("ServerTime() error = %v", err)
	}
	if ms != 1700000000123 {
		t.Errorf("expected 1700000000123, got %d", ms)
	}

	info, err := c.Info(context.Background(), srv.URL+"/distributed/sync")
	if err != nil {
		t.Fatalf("Info() error = %v", err)
	}
	if info.InstanceID != "leader" || info.Uptime != 10 {
		t.Errorf("unexpected info %+v", info)
	}
}

func TestServerTimeMissingHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, models.InfoResponse{InstanceID: "leader"})
	}))
	defer srv.Close()

	if _, err := newTestClient("").ServerTime(context.Background(), srv.URL); err == nil {
		t.Error("expected error without server time header")
	}
}

func TestSendEvents(t *testing.T) {
	var received int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req models.SyncRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		atomic.AddInt32(&received, int32(len(req.Events)))
		if len(req.Events) > 0 {
			if _, ok := req.Events[0].Payload.(events.Proposal); !ok {
				t.Errorf("expected proposal payload, got %T", req.Events[0].Payload)
			}
		}
		writeJSON(w, http.StatusOK, models.SyncResponse{Accepted: len(req.Events)})
	}))
	defer srv.Close()

	e := events.Event{
		ID:               "e1",
		Type:             events.TypeProposal,
		Payload:          events.Proposal{ProposalID: "p1", Kind: events.KindSnapshot, ProposerID: "a"},
		CreatedAt:        time.Now().UTC(),
		SourceInstanceID: "a",
	}

	resp, err := newTestClient("").SendEvents(context.Background(), srv.URL+"/distributed/sync", []events.Event{e})
	if err != nil {
		t.Fatalf("SendEvents() error = %v", err)
	}
	if resp.Accepted != 1 || atomic.LoadInt32(&received) != 1 {
		t.Errorf("expected one accepted event, got %+v", resp)
	}
}

func TestPolicyRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, models.ErrorResponse{Error: models.ErrorDetail{
			Code:    models.CodeInsufficientQuorum,
			Message: "not enough healthy instances",
			Details: map[string]interface{}{
				"reason": string(coordinator.ReasonInsufficientQuorum),
			},
		}})
	}))
	defer srv.Close()

	_, err := newTestClient("").ProposeSnapshot(context.Background(), srv.URL, models.ProposeSnapshotRequest{Version: "1", Hash: "h"})
	if err == nil {
		t.Fatal("expected error")
	}

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StatusError, got %T", err)
	}
	if se.StatusCode != http.StatusConflict || se.Code != models.CodeInsufficientQuorum {
		t.Errorf("unexpected status error %+v", se)
	}
	if ReasonOf(err) != string(coordinator.ReasonInsufficientQuorum) {
		t.Errorf("expected insufficient_quorum reason, got %q", ReasonOf(err))
	}
}

func TestLockPaths(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		if r.Method == http.MethodPost {
			var body models.LockRequest
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body.TTLMs != 5000 {
				t.Errorf("expected ttl 5000ms, got %d", body.TTLMs)
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{"resource": "build", "holderId": "a"})
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient("")
	l, err := c.AcquireLock(context.Background(), srv.URL+"/distributed/sync", "build", 5*time.Second)
	if err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}
	if l.Resource != "build" || l.HolderID != "a" {
		t.Errorf("unexpected lock %+v", l)
	}
	if err := c.ReleaseLock(context.Background(), srv.URL+"/distributed/sync", "build"); err != nil {
		t.Fatalf("ReleaseLock() error = %v", err)
	}

	want := []string{"POST /distributed/locks/build", "DELETE /distributed/locks/build"}
	if len(paths) != len(want) {
		t.Fatalf("expected %v, got %v", want, paths)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("request %d: expected %q, got %q", i, want[i], paths[i])
		}
	}
}

func TestUnreachablePeer(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	if _, err := newTestClient("").Quorum(context.Background(), addr); err == nil {
		t.Error("expected error for closed peer")
	}
}
