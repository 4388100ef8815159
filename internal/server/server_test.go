package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"flowline/internal/config"
	"flowline/internal/db"
	"flowline/internal/domain"
	"flowline/internal/engine"
	"flowline/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
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
	ctx := context.Background()
	if err := e.Repo.UpsertDeploymentConfig(ctx, "dev", cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	seedPrincipals(t, e)
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{AllowLegacyActorHeader: true}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func seedPrincipals(t *testing.T, e engine.Engine) {
	t.Helper()
	ctx := context.Background()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	now := time.Now().UTC().Format(time.RFC3339)
	for _, id := range []string{"alice", "bob", "carol"} {
		u := domain.User{ID: id, Username: id, PasswordHash: "x", CreatedAt: now}
		if err := e.Repo.InsertUser(ctx, tx, u); err != nil {
			t.Fatalf("insert user %s: %v", id, err)
		}
	}
	for role, members := range map[string][]string{
		"unit_manager":       {"alice", "bob"},
		"department_manager": {"carol"},
	} {
		if err := e.Repo.InsertRole(ctx, tx, role, ""); err != nil {
			t.Fatalf("insert role %s: %v", role, err)
		}
		for _, m := range members {
			if err := e.Repo.AddRoleMember(ctx, tx, role, m); err != nil {
				t.Fatalf("add member: %v", err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit seed: %v", err)
	}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asActor(id string) map[string]string {
	return map[string]string{"X-Actor-Id": id}
}

func startLeaveRequest(t *testing.T, srv *testServer) StartWorkflowResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/workflows/leave_request/start", nil, asActor("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start workflow: %d %s", res.StatusCode, string(data))
	}
	var started StartWorkflowResponse
	if err := json.Unmarshal(data, &started); err != nil {
		t.Fatalf("unmarshal start response: %v", err)
	}
	return started
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/invitations", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
}

func TestClaimMsgboxTwoPhase(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	started := startLeaveRequest(t, srv)
	invID := started.Invitation.ID

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/invitations/"+invID+"/assign-yourself", nil, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first claim: %d %s", res.StatusCode, string(data))
	}
	var first MsgboxResponse
	if err := json.Unmarshal(data, &first); err != nil {
		t.Fatalf("unmarshal msgbox: %v", err)
	}
	if first.Msgbox.Title != engine.StatusSuccessful {
		t.Fatalf("first claim msgbox = %+v", first.Msgbox)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/invitations/"+invID+"/assign-yourself", nil, asActor("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second claim: %d %s", res.StatusCode, string(data))
	}
	var second MsgboxResponse
	if err := json.Unmarshal(data, &second); err != nil {
		t.Fatalf("unmarshal msgbox: %v", err)
	}
	if second.Msgbox.Title != engine.StatusUnsuccessful {
		t.Fatalf("second claim msgbox = %+v", second.Msgbox)
	}
}

// futureWindow derives a valid postpone window from the wall clock, so
// fixtures never rot into past dates.
func futureWindow() (string, string) {
	now := time.Now().UTC()
	return now.AddDate(0, 0, 14).Format(engine.PostponeDateFormat),
		now.AddDate(0, 0, 21).Format(engine.PostponeDateFormat)
}

func TestPostponeRejectsBadDates(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	started := startLeaveRequest(t, srv)
	invID := started.Invitation.ID
	start, finish := futureWindow()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/invitations/"+invID+"/assign-yourself", nil, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/invitations/"+invID+"/postpone", map[string]any{
		"start_date":  "2026-10-15",
		"finish_date": finish,
	}, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("postpone: %d %s", res.StatusCode, string(data))
	}
	var out MsgboxResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal msgbox: %v", err)
	}
	if out.Msgbox.Title != engine.StatusUnsuccessful {
		t.Fatalf("bad dates msgbox = %+v", out.Msgbox)
	}

	// a well-formed future window goes through
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/invitations/"+invID+"/postpone", map[string]any{
		"start_date":  start,
		"finish_date": finish,
	}, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("postpone: %d %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &out)
	if out.Msgbox.Title != engine.StatusSuccessful {
		t.Fatalf("postpone msgbox = %+v", out.Msgbox)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/instances/"+started.Instance.ID, nil, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get instance: %d %s", res.StatusCode, string(data))
	}
	var wfi InstanceResponse
	if err := json.Unmarshal(data, &wfi); err != nil {
		t.Fatalf("unmarshal instance: %v", err)
	}
	if wfi.Status != domain.StatusPostponed {
		t.Fatalf("instance status = %s, want postponed", wfi.Status)
	}
}

func TestSuspendResumeRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	started := startLeaveRequest(t, srv)
	invID := started.Invitation.ID
	instanceID := started.Instance.ID

	if res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/invitations/"+invID+"/assign-yourself", nil, asActor("alice")); res.StatusCode != http.StatusOK {
		t.Fatalf("claim: %d %s", res.StatusCode, string(data))
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/invitations/"+invID+"/suspend", nil, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("suspend: %d %s", res.StatusCode, string(data))
	}
	var out MsgboxResponse
	_ = json.Unmarshal(data, &out)
	if out.Msgbox.Title != engine.StatusSuccessful {
		t.Fatalf("suspend msgbox = %+v", out.Msgbox)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/instances/"+instanceID, nil, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get instance: %d %s", res.StatusCode, string(data))
	}
	var wfi InstanceResponse
	if err := json.Unmarshal(data, &wfi); err != nil {
		t.Fatalf("unmarshal instance: %v", err)
	}
	if wfi.Status != domain.StatusSuspended {
		t.Fatalf("instance status = %s, want suspended", wfi.Status)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/instances/"+instanceID+"/resume", map[string]any{}, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resume: %d %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &out)
	if out.Msgbox.Title != engine.StatusSuccessful {
		t.Fatalf("resume msgbox = %+v", out.Msgbox)
	}
}

func TestReassignOutsideClassUnsuccessful(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	started := startLeaveRequest(t, srv)
	invID := started.Invitation.ID

	if res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/invitations/"+invID+"/assign-yourself", nil, asActor("alice")); res.StatusCode != http.StatusOK {
		t.Fatalf("claim: %d %s", res.StatusCode, string(data))
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/invitations/"+invID+"/assign-role", map[string]any{
		"role_id": "accountant",
	}, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assign-role: %d %s", res.StatusCode, string(data))
	}
	var out MsgboxResponse
	_ = json.Unmarshal(data, &out)
	if out.Msgbox.Title != engine.StatusUnsuccessful {
		t.Fatalf("foreign class msgbox = %+v", out.Msgbox)
	}
}
