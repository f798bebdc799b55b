package postgres_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jurisdesk/jurisdesk/internal/adapter/postgres"
	"github.com/jurisdesk/jurisdesk/internal/domain"
	"github.com/jurisdesk/jurisdesk/internal/domain/command"
	"github.com/jurisdesk/jurisdesk/internal/domain/connector"
	"github.com/jurisdesk/jurisdesk/internal/port/database"
)

// setupStore creates a pgxpool connection, runs all migrations, and
// returns a ready-to-use Store. The pool is closed via t.Cleanup.
func setupStore(t *testing.T) *postgres.Store {
	t.Helper()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("requires DATABASE_URL")
	}

	ctx := context.Background()
	if err := postgres.RunMigrations(ctx, dsn); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	t.Cleanup(pool.Close)

	return postgres.NewStore(pool)
}

func testCommandPair(orgID string) (*command.Command, *command.Job) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	cmd := &command.Command{
		ID:           uuid.NewString(),
		OrgID:        orgID,
		SessionID:    "sess-" + uuid.NewString()[:8],
		CommandType:  "domain_task",
		Payload:      map[string]any{"task": "summarize"},
		ScheduledFor: now,
		Status:       command.StatusQueued,
		Worker:       command.WorkerDomain,
		IssuedBy:     "user-1",
	}
	job := &command.Job{
		ID:          uuid.NewString(),
		OrgID:       orgID,
		CommandID:   cmd.ID,
		Worker:      command.WorkerDomain,
		Status:      command.JobPending,
		ScheduledAt: now,
	}
	return cmd, job
}

func TestEnqueueAndGet(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	orgID := "org-" + uuid.NewString()[:8]

	cmd, job := testCommandPair(orgID)
	if err := store.EnqueueCommand(ctx, cmd, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if cmd.CreatedAt.IsZero() {
		t.Fatal("expected created_at populated on insert")
	}

	got, err := store.GetCommand(ctx, cmd.ID)
	if err != nil {
		t.Fatalf("get command: %v", err)
	}
	if got.CommandType != "domain_task" || got.Status != command.StatusQueued {
		t.Fatalf("unexpected command: %+v", got)
	}
	if got.Payload["task"] != "summarize" {
		t.Fatalf("payload not round-tripped: %v", got.Payload)
	}

	gotJob, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if gotJob.Status != command.JobPending || gotJob.CommandID != cmd.ID {
		t.Fatalf("unexpected job: %+v", gotJob)
	}
}

func TestGetCommandNotFound(t *testing.T) {
	store := setupStore(t)
	_, err := store.GetCommand(context.Background(), uuid.NewString())
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListPendingJobsOrdering(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	orgID := "org-" + uuid.NewString()[:8]

	low, lowJob := testCommandPair(orgID)
	low.Priority = 1
	high, highJob := testCommandPair(orgID)
	high.Priority = 9

	if err := store.EnqueueCommand(ctx, low, lowJob); err != nil {
		t.Fatal(err)
	}
	if err := store.EnqueueCommand(ctx, high, highJob); err != nil {
		t.Fatal(err)
	}

	envs, err := store.ListPendingJobs(ctx, orgID, command.WorkerDomain, 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(envs) != 2 {
		t.Fatalf("expected 2 pending jobs, got %d", len(envs))
	}
	if envs[0].Command.ID != high.ID {
		t.Fatal("expected higher-priority command first")
	}
}

func TestListPendingJobsExcludesFuture(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	orgID := "org-" + uuid.NewString()[:8]

	cmd, job := testCommandPair(orgID)
	future := time.Now().UTC().Add(time.Hour)
	cmd.ScheduledFor = future
	job.ScheduledAt = future
	if err := store.EnqueueCommand(ctx, cmd, job); err != nil {
		t.Fatal(err)
	}

	envs, err := store.ListPendingJobs(ctx, orgID, command.WorkerDomain, 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(envs) != 0 {
		t.Fatalf("future-scheduled job must not be claimable, got %d", len(envs))
	}
}

func TestClaimJobAtomicity(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	orgID := "org-" + uuid.NewString()[:8]

	cmd, job := testCommandPair(orgID)
	if err := store.EnqueueCommand(ctx, cmd, job); err != nil {
		t.Fatal(err)
	}

	const claimants = 8
	var wg sync.WaitGroup
	wins := make(chan bool, claimants)
	for g := 0; g < claimants; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.ClaimJob(ctx, job.ID)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			wins <- ok
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for ok := range wins {
		if ok {
			won++
		}
	}
	if won != 1 {
		t.Fatalf("expected exactly one winning claim, got %d", won)
	}

	got, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != command.JobProcessing || got.Attempts != 1 {
		t.Fatalf("expected processing/1, got %s/%d", got.Status, got.Attempts)
	}
	if got.StartedAt == nil {
		t.Fatal("expected started_at set")
	}
}

func TestJobStatusTransitions(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	orgID := "org-" + uuid.NewString()[:8]

	cmd, job := testCommandPair(orgID)
	if err := store.EnqueueCommand(ctx, cmd, job); err != nil {
		t.Fatal(err)
	}

	// Terminal transition from pending is a conflict.
	err := store.UpdateJobStatus(ctx, job.ID, command.JobCompleted, database.JobPatch{})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict from pending, got %v", err)
	}

	if ok, _ := store.ClaimJob(ctx, job.ID); !ok {
		t.Fatal("claim failed")
	}
	if err := store.UpdateJobStatus(ctx, job.ID, command.JobFailed, database.JobPatch{LastError: "timeout"}); err != nil {
		t.Fatalf("fail job: %v", err)
	}

	got, _ := store.GetJob(ctx, job.ID)
	if got.Status != command.JobFailed || got.LastError != "timeout" || got.FailedAt == nil {
		t.Fatalf("unexpected failed job: %+v", got)
	}

	// Terminal states are final.
	err = store.UpdateJobStatus(ctx, job.ID, command.JobCompleted, database.JobPatch{})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict from failed, got %v", err)
	}
}

func TestCommandStatusTransitions(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	orgID := "org-" + uuid.NewString()[:8]

	cmd, job := testCommandPair(orgID)
	if err := store.EnqueueCommand(ctx, cmd, job); err != nil {
		t.Fatal(err)
	}

	// queued -> completed skips dispatched.
	err := store.UpdateCommandStatus(ctx, cmd.ID, command.StatusCompleted, database.CommandPatch{})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	if err := store.UpdateCommandStatus(ctx, cmd.ID, command.StatusDispatched, database.CommandPatch{}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	result := map[string]any{"notes": "done"}
	if err := store.UpdateCommandStatus(ctx, cmd.ID, command.StatusCompleted, database.CommandPatch{Result: result}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, _ := store.GetCommand(ctx, cmd.ID)
	if got.Status != command.StatusCompleted || got.Result["notes"] != "done" {
		t.Fatalf("unexpected command: %+v", got)
	}
}

func TestConnectorRoundTrip(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	orgID := "org-" + uuid.NewString()[:8]

	conn, err := store.RegisterConnector(ctx, connector.RegisterRequest{
		OrgID:         orgID,
		ConnectorType: "erp",
		Name:          "erp-main",
		Config:        map[string]any{"endpoint": "https://erp.example.com"},
		CreatedBy:     "user-1",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if conn.Status != connector.StatusActive {
		t.Fatalf("expected active, got %s", conn.Status)
	}

	conns, err := store.ListOrgConnectors(ctx, orgID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(conns) != 1 || conns[0].Name != "erp-main" {
		t.Fatalf("unexpected connectors: %+v", conns)
	}
}

func TestEnvelopeIncludesConnectors(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	orgID := "org-" + uuid.NewString()[:8]

	conn, err := store.RegisterConnector(ctx, connector.RegisterRequest{
		OrgID:         orgID,
		ConnectorType: "erp",
		Name:          "erp-main",
		CreatedBy:     "user-1",
	})
	if err != nil {
		t.Fatal(err)
	}

	cmd, job := testCommandPair(orgID)
	cmd.ConnectorIDs = []string{conn.ID}
	if err := store.EnqueueCommand(ctx, cmd, job); err != nil {
		t.Fatal(err)
	}

	env, err := store.GetCommandEnvelope(ctx, cmd.ID)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if len(env.Connectors) != 1 || env.Connectors[0].ID != conn.ID {
		t.Fatalf("expected connector in envelope, got %+v", env.Connectors)
	}
	if env.Job.ID != job.ID {
		t.Fatalf("expected job %s, got %s", job.ID, env.Job.ID)
	}
}

func TestGetAccessContextDefaults(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	ac, err := store.GetAccessContext(ctx, "org-"+uuid.NewString()[:8], "user-1")
	if err != nil {
		t.Fatalf("access context: %v", err)
	}
	if ac.Policy.MFARequired || ac.Policy.IPAllowlistEnforced {
		t.Fatal("org without a policy row must default to an open policy")
	}
	if ac.Policy.ConsentRequirement != nil || ac.Policy.CoERequirement != nil {
		t.Fatal("expected no acknowledgement requirements by default")
	}
}
