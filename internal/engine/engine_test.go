package engine_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"flowline/internal/config"
	"flowline/internal/db"
	"flowline/internal/domain"
	"flowline/internal/engine"
	"flowline/internal/migrate"
	"flowline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("dev")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if err := eng.Repo.UpsertDeploymentConfig(ctx, "dev", cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	env := testEnv{Engine: eng, Ctx: ctx}
	env.seed(t, conn)
	return env
}

// seed creates the users and role memberships the default workflows
// reference: alice and bob are unit managers, carol is a department
// manager, dave is an accountant, eve has no roles.
func (env testEnv) seed(t *testing.T, conn *sql.DB) {
	t.Helper()
	tx, err := conn.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	now := env.Engine.Now().UTC().Format(time.RFC3339)
	for _, id := range []string{"alice", "bob", "carol", "dave", "eve"} {
		u := domain.User{ID: id, Username: id, PasswordHash: "x", CreatedAt: now}
		if err := env.Engine.Repo.InsertUser(env.Ctx, tx, u); err != nil {
			t.Fatalf("insert user %s: %v", id, err)
		}
	}
	memberships := map[string][]string{
		"unit_manager":       {"alice", "bob"},
		"department_manager": {"carol"},
		"accountant":         {"dave"},
	}
	for role, members := range memberships {
		if err := env.Engine.Repo.InsertRole(env.Ctx, tx, role, ""); err != nil {
			t.Fatalf("insert role %s: %v", role, err)
		}
		for _, m := range members {
			if err := env.Engine.Repo.AddRoleMember(env.Ctx, tx, role, m); err != nil {
				t.Fatalf("add member %s to %s: %v", m, role, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit seed: %v", err)
	}
}

func (env testEnv) startLeaveRequest(t *testing.T) (domain.WorkflowInstance, domain.TaskInvitation) {
	t.Helper()
	wfi, inv, err := env.Engine.StartWorkflow(env.Ctx, "leave_request", "operator")
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}
	return wfi, inv
}

func TestClaimBindsActorAndInvitation(t *testing.T) {
	env := newTestEnv(t)
	wfi, inv := env.startLeaveRequest(t)

	claimed, err := env.Engine.Claim(env.Ctx, inv.ID, "alice")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Role != "alice" {
		t.Fatalf("invitation role = %q, want alice", claimed.Role)
	}
	if claimed.OriginRole != "unit_manager" {
		t.Fatalf("origin role = %q, want unit_manager", claimed.OriginRole)
	}
	got, err := env.Engine.Repo.GetInstance(env.Ctx, wfi.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentActor == nil || *got.CurrentActor != "alice" {
		t.Fatalf("current actor = %v, want alice", got.CurrentActor)
	}

	// second claim by another role member loses
	_, err = env.Engine.Claim(env.Ctx, inv.ID, "bob")
	if !errors.Is(err, engine.ErrAlreadyClaimed) {
		t.Fatalf("second claim err = %v, want ErrAlreadyClaimed", err)
	}
}

func TestClaimRejectsNonMembers(t *testing.T) {
	env := newTestEnv(t)
	_, inv := env.startLeaveRequest(t)
	_, err := env.Engine.Claim(env.Ctx, inv.ID, "eve")
	if !errors.Is(err, engine.ErrUnauthorized) {
		t.Fatalf("claim by non-member err = %v, want ErrUnauthorized", err)
	}
}

func TestConcurrentClaimsExactlyOneWins(t *testing.T) {
	env := newTestEnv(t)
	_, inv := env.startLeaveRequest(t)

	// widen the role pool so every goroutine races as a legal claimant
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	now := env.Engine.Now().UTC().Format(time.RFC3339)
	principals := make([]string, 8)
	for i := range principals {
		principals[i] = fmt.Sprintf("racer-%d", i)
		u := domain.User{ID: principals[i], Username: principals[i], PasswordHash: "x", CreatedAt: now}
		if err := env.Engine.Repo.InsertUser(env.Ctx, tx, u); err != nil {
			t.Fatal(err)
		}
		if err := env.Engine.Repo.AddRoleMember(env.Ctx, tx, "unit_manager", principals[i]); err != nil {
			t.Fatal(err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	results := make([]error, len(principals))
	for i, p := range principals {
		wg.Add(1)
		go func(i int, p string) {
			defer wg.Done()
			_, results[i] = env.Engine.Claim(env.Ctx, inv.ID, p)
		}(i, p)
	}
	wg.Wait()

	var wins, losses int
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, engine.ErrAlreadyClaimed):
			losses++
		default:
			t.Fatalf("unexpected claim error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("wins = %d, want exactly 1 (losses %d)", wins, losses)
	}
}

func TestReassignWithinRoleClass(t *testing.T) {
	env := newTestEnv(t)
	wfi, inv := env.startLeaveRequest(t)
	if _, err := env.Engine.Claim(env.Ctx, inv.ID, "alice"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// unit_manager and department_manager share the managers class
	out, err := env.Engine.AssignToRole(env.Ctx, "alice", inv.ID, "department_manager", "on leave myself")
	if err != nil {
		t.Fatalf("assign to role: %v", err)
	}
	if out.Title != engine.StatusSuccessful {
		t.Fatalf("outcome = %+v, want Successful", out)
	}
	got, err := env.Engine.Repo.GetInstance(env.Ctx, wfi.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentActor == nil || *got.CurrentActor != "carol" {
		t.Fatalf("current actor = %v, want carol", got.CurrentActor)
	}
	reInv, err := env.Engine.Repo.GetInvitation(env.Ctx, inv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if reInv.Role != "carol" || reInv.OriginRole != "unit_manager" {
		t.Fatalf("invitation after reassign = %+v", reInv)
	}
}

func TestReassignRejectsForeignRoleClass(t *testing.T) {
	env := newTestEnv(t)
	_, inv := env.startLeaveRequest(t)
	if _, err := env.Engine.Claim(env.Ctx, inv.ID, "alice"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	// accountant is outside the managers class
	out, err := env.Engine.AssignToRole(env.Ctx, "alice", inv.ID, "accountant", "")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if out.Title != engine.StatusUnsuccessful {
		t.Fatalf("outcome = %+v, want Unsuccessful", out)
	}
}

func TestReassignRejectsNonHolder(t *testing.T) {
	env := newTestEnv(t)
	_, inv := env.startLeaveRequest(t)
	if _, err := env.Engine.Claim(env.Ctx, inv.ID, "alice"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	out, err := env.Engine.AssignToRole(env.Ctx, "bob", inv.ID, "department_manager", "")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if out.Title != engine.StatusUnsuccessful {
		t.Fatalf("outcome = %+v, want Unsuccessful", out)
	}
}

func TestSuspendAndResume(t *testing.T) {
	env := newTestEnv(t)
	wfi, inv := env.startLeaveRequest(t)
	if _, err := env.Engine.Claim(env.Ctx, inv.ID, "alice"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	got, err := env.Engine.Suspend(env.Ctx, inv.ID, "alice")
	if err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if got.Status != domain.StatusSuspended || got.CurrentActor != nil {
		t.Fatalf("after suspend: %+v", got)
	}

	// repeat suspend fails: no current actor on a suspended instance
	if _, err := env.Engine.Suspend(env.Ctx, inv.ID, "alice"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("repeat suspend err = %v, want ErrInvalidTransition", err)
	}

	got, err = env.Engine.Resume(env.Ctx, wfi.ID, "operator", false)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got.Status != domain.StatusActive || got.CurrentActor != nil {
		t.Fatalf("after resume: %+v", got)
	}

	// the invitation went back to its pool: bob may claim it now
	if _, err := env.Engine.Claim(env.Ctx, inv.ID, "bob"); err != nil {
		t.Fatalf("claim after resume: %v", err)
	}
}

func TestReleaseReturnsInvitationToPool(t *testing.T) {
	env := newTestEnv(t)
	wfi, inv := env.startLeaveRequest(t)
	if _, err := env.Engine.Claim(env.Ctx, inv.ID, "alice"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// only the holder may give the claim back
	if err := env.Engine.Release(env.Ctx, inv.ID, "bob"); !errors.Is(err, engine.ErrUnauthorized) {
		t.Fatalf("non-holder release err = %v, want ErrUnauthorized", err)
	}

	if err := env.Engine.Release(env.Ctx, inv.ID, "alice"); err != nil {
		t.Fatalf("release: %v", err)
	}
	got, err := env.Engine.Repo.GetInstance(env.Ctx, wfi.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusActive || got.CurrentActor != nil {
		t.Fatalf("after release: %+v", got)
	}
	reInv, err := env.Engine.Repo.GetInvitation(env.Ctx, inv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if reInv.Role != "unit_manager" {
		t.Fatalf("invitation role after release = %q, want unit_manager", reInv.Role)
	}

	// the pool is open again: another member claims
	if _, err := env.Engine.Claim(env.Ctx, inv.ID, "bob"); err != nil {
		t.Fatalf("claim after release: %v", err)
	}
}

func TestPostponeValidatesWindow(t *testing.T) {
	env := newTestEnv(t)
	_, inv := env.startLeaveRequest(t)
	if _, err := env.Engine.Claim(env.Ctx, inv.ID, "alice"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	cases := []struct {
		name   string
		start  string
		finish string
	}{
		{"malformed start", "2024-10-15", "20.10.2024"},
		{"malformed finish", "15.10.2024", "2024/10/20"},
		{"inverted window", "20.10.2024", "15.10.2024"},
		{"start in the past", "15.10.2017", "20.10.2017"},
	}
	for _, tc := range cases {
		_, err := env.Engine.Postpone(env.Ctx, inv.ID, "alice", tc.start, tc.finish)
		if !errors.Is(err, engine.ErrInvalidDateRange) {
			t.Fatalf("%s: err = %v, want ErrInvalidDateRange", tc.name, err)
		}
	}
}

func TestPostponeAndResumeWindow(t *testing.T) {
	env := newTestEnv(t)
	wfi, inv := env.startLeaveRequest(t)
	if _, err := env.Engine.Claim(env.Ctx, inv.ID, "alice"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	got, err := env.Engine.Postpone(env.Ctx, inv.ID, "alice", "15.10.2024", "20.10.2024")
	if err != nil {
		t.Fatalf("postpone: %v", err)
	}
	if got.Status != domain.StatusPostponed || got.ResumeStart == nil {
		t.Fatalf("after postpone: %+v", got)
	}

	// clock sits before the window: a plain resume is refused
	if _, err := env.Engine.Resume(env.Ctx, wfi.ID, "operator", false); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("early resume err = %v, want ErrInvalidTransition", err)
	}
	// but an operator override works
	got, err = env.Engine.Resume(env.Ctx, wfi.ID, "operator", true)
	if err != nil {
		t.Fatalf("operator resume: %v", err)
	}
	if got.Status != domain.StatusActive {
		t.Fatalf("after operator resume: %+v", got)
	}
}

func TestPostponeResumesOnceWindowOpens(t *testing.T) {
	env := newTestEnv(t)
	wfi, inv := env.startLeaveRequest(t)
	if _, err := env.Engine.Claim(env.Ctx, inv.ID, "alice"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := env.Engine.Postpone(env.Ctx, inv.ID, "alice", "15.10.2024", "20.10.2024"); err != nil {
		t.Fatalf("postpone: %v", err)
	}
	env.Engine.Now = func() time.Time { return time.Date(2024, 10, 16, 9, 0, 0, 0, time.UTC) }
	got, err := env.Engine.Resume(env.Ctx, wfi.ID, "operator", false)
	if err != nil {
		t.Fatalf("resume inside window: %v", err)
	}
	if got.Status != domain.StatusActive {
		t.Fatalf("after resume: %+v", got)
	}
}

func TestCompleteStepAdvancesThenFinishes(t *testing.T) {
	env := newTestEnv(t)
	wfi, inv := env.startLeaveRequest(t)
	if _, err := env.Engine.Claim(env.Ctx, inv.ID, "alice"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	got, err := env.Engine.CompleteStep(env.Ctx, inv.ID, "alice")
	if err != nil {
		t.Fatalf("complete review: %v", err)
	}
	if got.CurrentStep != "approve" || got.Status != domain.StatusActive || got.CurrentActor != nil {
		t.Fatalf("after first step: %+v", got)
	}

	// the advance issued the approve invitation for department_manager
	invs, err := env.Engine.Repo.ListInvitations(env.Ctx, repo.InvitationFilters{InstanceID: wfi.ID})
	if err != nil {
		t.Fatal(err)
	}
	var approve domain.TaskInvitation
	for _, i := range invs {
		if i.InstanceID == wfi.ID && i.StepName == "approve" {
			approve = i
		}
	}
	if approve.ID == "" {
		t.Fatalf("approve invitation not issued; have %d invitations", len(invs))
	}
	if approve.Role != "department_manager" {
		t.Fatalf("approve invitation role = %q", approve.Role)
	}

	// the stale review invitation cannot be claimed anymore
	if _, err := env.Engine.Claim(env.Ctx, inv.ID, "bob"); !errors.Is(err, engine.ErrInstanceNotClaimable) {
		t.Fatalf("stale claim err = %v, want ErrInstanceNotClaimable", err)
	}

	if _, err := env.Engine.Claim(env.Ctx, approve.ID, "carol"); err != nil {
		t.Fatalf("claim approve: %v", err)
	}
	got, err = env.Engine.CompleteStep(env.Ctx, approve.ID, "carol")
	if err != nil {
		t.Fatalf("complete approve: %v", err)
	}
	if got.Status != domain.StatusFinished || got.FinishDate == nil {
		t.Fatalf("after last step: %+v", got)
	}
}

func TestFinishedInstanceRejectsFurtherActions(t *testing.T) {
	env := newTestEnv(t)
	wfi, _, err := env.Engine.StartWorkflow(env.Ctx, "expense_report", "operator")
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}
	invs, err := env.Engine.Repo.ListInvitations(env.Ctx, repo.InvitationFilters{InstanceID: wfi.ID})
	if err != nil || len(invs) != 1 {
		t.Fatalf("invitations = %v, err = %v", invs, err)
	}
	audit := invs[0]
	if _, err := env.Engine.Claim(env.Ctx, audit.ID, "dave"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	got, err := env.Engine.CompleteStep(env.Ctx, audit.ID, "dave")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got.Status != domain.StatusFinished {
		t.Fatalf("after complete: %+v", got)
	}

	// finished is terminal: repeats and late arrivals error out
	if _, err := env.Engine.CompleteStep(env.Ctx, audit.ID, "dave"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("repeat complete err = %v, want ErrInvalidTransition", err)
	}
	if _, err := env.Engine.Claim(env.Ctx, audit.ID, "dave"); !errors.Is(err, engine.ErrInstanceNotClaimable) {
		t.Fatalf("claim after finish err = %v, want ErrInstanceNotClaimable", err)
	}
	if _, err := env.Engine.Resume(env.Ctx, wfi.ID, "operator", true); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("resume finished err = %v, want ErrInvalidTransition", err)
	}
}

func TestDispatchMsgboxContract(t *testing.T) {
	env := newTestEnv(t)
	_, inv := env.startLeaveRequest(t)

	out, err := env.Engine.Dispatch(env.Ctx, engine.ActionRequest{
		Action:       engine.ActionAssignYourself,
		Principal:    "alice",
		InvitationID: inv.ID,
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if out.Title != engine.StatusSuccessful {
		t.Fatalf("first claim outcome = %+v", out)
	}

	out, err = env.Engine.Dispatch(env.Ctx, engine.ActionRequest{
		Action:       engine.ActionAssignYourself,
		Principal:    "bob",
		InvitationID: inv.ID,
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if out.Title != engine.StatusUnsuccessful || out.Message == "" {
		t.Fatalf("losing claim outcome = %+v", out)
	}
}

func TestEventsAppendedOnLifecycle(t *testing.T) {
	env := newTestEnv(t)
	_, inv := env.startLeaveRequest(t)
	if _, err := env.Engine.Claim(env.Ctx, inv.ID, "alice"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := env.Engine.Suspend(env.Ctx, inv.ID, "alice"); err != nil {
		t.Fatalf("suspend: %v", err)
	}

	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "", "", "")
	if err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	for _, e := range events {
		seen[e.Type] = true
	}
	for _, want := range []string{"instance.started", "invitation.claimed", "instance.suspended"} {
		if !seen[want] {
			t.Fatalf("missing event %s; have %v", want, seen)
		}
	}
}
