package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"flowline/internal/config"
	"flowline/internal/db"
	"flowline/internal/engine"
	"flowline/internal/migrate"
)

func newTestEngine(t *testing.T) engine.Engine {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("dev")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if err := e.Repo.UpsertDeploymentConfig(context.Background(), "dev", cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	seedPrincipals(t, e)
	t.Cleanup(func() { conn.Close() })
	return e
}

func TestWebhookDispatchDeliversNewEvents(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	var mu sync.Mutex
	var got []webhookEvent
	var heads []http.Header
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		var evt webhookEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			t.Errorf("unmarshal delivery: %v", err)
		}
		mu.Lock()
		got = append(got, evt)
		heads = append(heads, r.Header.Clone())
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer sink.Close()

	_, inv, err := e.StartWorkflow(ctx, "leave_request", "operator")
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}

	d := &webhookDispatcher{
		engine: e,
		webhooks: []config.WebhookConfig{{
			URL:    sink.URL,
			Secret: "hush",
			Events: []string{"invitation.claimed"},
		}},
		client:  &http.Client{Timeout: time.Second},
		cursors: make(map[int]int64),
	}

	// the first sweep pins the cursor to the latest event; history from
	// before the dispatcher started is never replayed
	d.dispatchAll()
	mu.Lock()
	delivered := len(got)
	mu.Unlock()
	if delivered != 0 {
		t.Fatalf("deliveries before any new event = %d, want 0", delivered)
	}

	if _, err := e.Claim(ctx, inv.ID, "alice"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := e.Suspend(ctx, inv.ID, "alice"); err != nil {
		t.Fatalf("suspend: %v", err)
	}

	// two new events, but the filter only subscribes to claims
	d.dispatchAll()
	mu.Lock()
	if len(got) != 1 {
		t.Fatalf("deliveries = %d, want 1 (%+v)", len(got), got)
	}
	if got[0].Type != "invitation.claimed" || got[0].EntityID != inv.ID || got[0].ActorID != "alice" {
		t.Fatalf("delivered event = %+v", got[0])
	}
	if heads[0].Get("X-Flowline-Event") != "invitation.claimed" {
		t.Fatalf("event header = %q", heads[0].Get("X-Flowline-Event"))
	}
	if heads[0].Get("X-Flowline-Secret") != "hush" {
		t.Fatalf("secret header = %q", heads[0].Get("X-Flowline-Secret"))
	}
	if heads[0].Get("X-Flowline-Delivery") == "" {
		t.Fatal("missing delivery header")
	}

	// the cursor moved past the filtered suspend too
	mu.Unlock()
	d.dispatchAll()
	mu.Lock()
	if len(got) != 1 {
		t.Fatalf("repeat sweep deliveries = %d, want 1", len(got))
	}
	mu.Unlock()
}
