package state

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/taskweave/pkg/models"
)

// newTestWorkflow builds a workflow of n independent tasks t0..tn-1.
func newTestWorkflow(id string, n int) *models.Snapshot {
	now := time.Now().UTC()
	wf := models.Workflow{
		ID:               id,
		Status:           models.WorkflowStatusCreated,
		ConcurrencyLimit: 2,
		SkippedIsFailure: true,
		DefaultRetry:     models.DefaultRetryPolicy(),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	var tasks []models.Task
	for i := 0; i < n; i++ {
		tid := fmt.Sprintf("t%d", i)
		wf.TaskIDs = append(wf.TaskIDs, tid)
		tasks = append(tasks, models.NewTask(id, models.TaskSpec{ID: tid, Description: "task " + tid, Priority: i}))
	}
	return &models.Snapshot{Workflow: wf, Tasks: tasks}
}

// storeFactories opens each backend for table-driven tests.
func storeFactories() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"sqlite": func(t *testing.T) Store {
			return setupTestDB(t)
		},
		"badger": func(t *testing.T) Store {
			t.Helper()
			kv, err := OpenKV(KVConfig{Path: t.TempDir()})
			if err != nil {
				t.Fatalf("OpenKV failed: %v", err)
			}
			t.Cleanup(func() { kv.Close() })
			return kv
		},
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, open := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			fn(t, open(t))
		})
	}
}

func createTestWorkflow(t *testing.T, s Store, id string, n int) *models.Snapshot {
	t.Helper()
	snap := newTestWorkflow(id, n)
	if err := s.CreateWorkflow(t.Context(), &snap.Workflow, snap.Tasks); err != nil {
		t.Fatalf("CreateWorkflow failed: %v", err)
	}
	return snap
}

func startTransition(wfID, taskID string, attempt int) Transition {
	return Transition{
		WorkflowID: wfID,
		TaskID:     taskID,
		From:       models.TaskStatusPending,
		To:         models.TaskStatusRunning,
		Attempts:   attempt,
		StartedAt:  time.Now().UTC(),
	}
}

func TestCreateAndLoad(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := t.Context()
		want := newTestWorkflow("wf-1", 3)
		want.Tasks[2].Dependencies = []string{"t0", "t1"}
		want.Tasks[2].Retry = &models.RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, Multiplier: 2}
		want.Tasks[2].Timeout = 3 * time.Second
		want.Tasks[2].Optional = true

		if err := s.CreateWorkflow(ctx, &want.Workflow, want.Tasks); err != nil {
			t.Fatalf("CreateWorkflow failed: %v", err)
		}

		got, err := s.Load(ctx, "wf-1")
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if got.Workflow.ConcurrencyLimit != 2 || !got.Workflow.SkippedIsFailure {
			t.Errorf("workflow header mismatch: %+v", got.Workflow)
		}
		if got.Workflow.DefaultRetry != models.DefaultRetryPolicy() {
			t.Errorf("default retry = %+v", got.Workflow.DefaultRetry)
		}
		if len(got.Tasks) != 3 {
			t.Fatalf("loaded %d tasks, want 3", len(got.Tasks))
		}
		for i, task := range got.Tasks {
			if task.ID != fmt.Sprintf("t%d", i) {
				t.Errorf("task %d id = %s, declaration order lost", i, task.ID)
			}
			if task.Status != models.TaskStatusPending {
				t.Errorf("task %s status = %s", task.ID, task.Status)
			}
		}
		last := got.Tasks[2]
		if len(last.Dependencies) != 2 || last.Retry == nil || last.Retry.MaxAttempts != 5 ||
			last.Timeout != 3*time.Second || !last.Optional {
			t.Errorf("task fields not persisted: %+v", last)
		}
	})
}

func TestCreate_Duplicate(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		snap := createTestWorkflow(t, s, "dup", 1)
		err := s.CreateWorkflow(t.Context(), &snap.Workflow, snap.Tasks)
		if !errors.Is(err, ErrAlreadyExists) {
			t.Errorf("expected ErrAlreadyExists, got %v", err)
		}
	})
}

func TestLoad_NotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.Load(t.Context(), "missing")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestCommit_Lifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := t.Context()
		createTestWorkflow(t, s, "wf", 1)

		if err := s.Commit(ctx, startTransition("wf", "t0", 1)); err != nil {
			t.Fatalf("start commit failed: %v", err)
		}
		snap, _ := s.Load(ctx, "wf")
		if snap.Workflow.RunningCount != 1 {
			t.Errorf("RunningCount = %d, want 1", snap.Workflow.RunningCount)
		}
		if task := snap.Task("t0"); task.Attempts != 1 || task.LastAttemptAt == nil {
			t.Errorf("running task = %+v", task)
		}

		eligible := time.Now().Add(50 * time.Millisecond).UTC()
		err := s.Commit(ctx, Transition{
			WorkflowID: "wf", TaskID: "t0",
			From: models.TaskStatusRunning, To: models.TaskStatusRetrying,
			Error: "boom", EligibleAt: eligible,
			Record: &models.ExecutionRecord{
				ID: uuid.New().String(), WorkflowID: "wf", TaskID: "t0", Attempt: 1,
				StartedAt: time.Now(), EndedAt: time.Now(), Outcome: models.OutcomeFailed, Error: "boom",
			},
		})
		if err != nil {
			t.Fatalf("retry commit failed: %v", err)
		}
		snap, _ = s.Load(ctx, "wf")
		task := snap.Task("t0")
		if task.Status != models.TaskStatusRetrying || task.EligibleAt == nil || !task.EligibleAt.Equal(eligible) {
			t.Errorf("retrying task = %+v", task)
		}
		if snap.Workflow.RunningCount != 0 {
			t.Errorf("RunningCount = %d, want 0", snap.Workflow.RunningCount)
		}

		steps := []Transition{
			{WorkflowID: "wf", TaskID: "t0", From: models.TaskStatusRetrying, To: models.TaskStatusPending},
			startTransition("wf", "t0", 2),
			{WorkflowID: "wf", TaskID: "t0", From: models.TaskStatusRunning, To: models.TaskStatusCompleted, Result: "ok"},
		}
		for _, tr := range steps {
			if err := s.Commit(ctx, tr); err != nil {
				t.Fatalf("commit %s failed: %v", tr, err)
			}
		}

		snap, _ = s.Load(ctx, "wf")
		task = snap.Task("t0")
		if task.Status != models.TaskStatusCompleted || task.Result != "ok" || task.Attempts != 2 || task.Error != "" {
			t.Errorf("completed task = %+v", task)
		}

		records, err := s.Records(ctx, "wf")
		if err != nil {
			t.Fatalf("Records failed: %v", err)
		}
		if len(records) != 1 || records[0].Outcome != models.OutcomeFailed {
			t.Errorf("records = %+v", records)
		}
	})
}

func TestCommit_ConflictOnWrongFrom(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := t.Context()
		createTestWorkflow(t, s, "wf", 1)

		err := s.Commit(ctx, Transition{WorkflowID: "wf", TaskID: "t0", From: models.TaskStatusRunning, To: models.TaskStatusCompleted})
		if !errors.Is(err, ErrConflict) {
			t.Errorf("expected ErrConflict, got %v", err)
		}
		if err := s.Commit(ctx, startTransition("wf", "t0", 1)); err != nil {
			t.Fatal(err)
		}
		// A second start of the same task must be refused.
		if err := s.Commit(ctx, startTransition("wf", "t0", 2)); !errors.Is(err, ErrConflict) {
			t.Errorf("expected ErrConflict on double start, got %v", err)
		}
	})
}

func TestCommit_UnknownTask(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		createTestWorkflow(t, s, "wf", 1)
		err := s.Commit(t.Context(), startTransition("wf", "ghost", 1))
		if !errors.Is(err, models.ErrUnknownTask) {
			t.Errorf("expected ErrUnknownTask, got %v", err)
		}
	})
}

func TestCommit_ConcurrencyLimit(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := t.Context()
		createTestWorkflow(t, s, "wf", 3)

		for _, id := range []string{"t0", "t1"} {
			if err := s.Commit(ctx, startTransition("wf", id, 1)); err != nil {
				t.Fatalf("start %s: %v", id, err)
			}
		}
		err := s.Commit(ctx, startTransition("wf", "t2", 1))
		if !errors.Is(err, ErrConcurrencyExceeded) {
			t.Fatalf("expected ErrConcurrencyExceeded, got %v", err)
		}

		snap, _ := s.Load(ctx, "wf")
		if snap.Workflow.RunningCount != 2 {
			t.Errorf("RunningCount = %d, want 2", snap.Workflow.RunningCount)
		}
		if snap.Task("t2").Status != models.TaskStatusPending {
			t.Errorf("rejected task changed status to %s", snap.Task("t2").Status)
		}
	})
}

func TestCommit_AtomicBatch(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := t.Context()
		createTestWorkflow(t, s, "wf", 2)

		// Second transition conflicts, so the first must not apply either.
		err := s.Commit(ctx,
			Transition{WorkflowID: "wf", TaskID: "t0", From: models.TaskStatusPending, To: models.TaskStatusSkipped, Error: "x"},
			Transition{WorkflowID: "wf", TaskID: "t1", From: models.TaskStatusRunning, To: models.TaskStatusSkipped, Error: "x"},
		)
		if !errors.Is(err, ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}
		snap, _ := s.Load(ctx, "wf")
		if snap.Task("t0").Status != models.TaskStatusPending {
			t.Errorf("partial batch applied: t0 is %s", snap.Task("t0").Status)
		}
	})
}

func TestCommit_ParallelStartsRespectLimit(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := t.Context()
		createTestWorkflow(t, s, "wf", 8)

		var wg sync.WaitGroup
		var mu sync.Mutex
		started := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if err := s.Commit(ctx, startTransition("wf", fmt.Sprintf("t%d", i), 1)); err == nil {
					mu.Lock()
					started++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()

		if started != 2 {
			t.Errorf("%d starts succeeded, want exactly the limit of 2", started)
		}
	})
}

func TestPauseMarker(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := t.Context()
		createTestWorkflow(t, s, "wf", 1)
		if err := s.SetStatus(ctx, "wf", models.WorkflowStatusRunning, ""); err != nil {
			t.Fatal(err)
		}

		for i := 0; i < 2; i++ {
			if err := s.SetPaused(ctx, "wf", true); err != nil {
				t.Fatalf("SetPaused(true) #%d failed: %v", i, err)
			}
		}
		snap, _ := s.Load(ctx, "wf")
		if !snap.Workflow.Paused || snap.Workflow.Status != models.WorkflowStatusPaused {
			t.Errorf("after pause: paused=%v status=%s", snap.Workflow.Paused, snap.Workflow.Status)
		}

		if err := s.SetPaused(ctx, "wf", false); err != nil {
			t.Fatal(err)
		}
		snap, _ = s.Load(ctx, "wf")
		if snap.Workflow.Paused || snap.Workflow.Status != models.WorkflowStatusRunning {
			t.Errorf("after resume: paused=%v status=%s", snap.Workflow.Paused, snap.Workflow.Status)
		}
	})
}

// claimLapsed leaves owner recorded on id with a lease that has run out.
func claimLapsed(t *testing.T, s Store, id, owner string) {
	t.Helper()
	if err := s.ClaimOwner(t.Context(), id, owner, time.Millisecond, false); err != nil {
		t.Fatalf("claim %s: %v", owner, err)
	}
	time.Sleep(5 * time.Millisecond)
}

func TestOwnership(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := t.Context()
		createTestWorkflow(t, s, "wf", 1)

		if err := s.ClaimOwner(ctx, "wf", "a", time.Minute, false); err != nil {
			t.Fatalf("claim a: %v", err)
		}
		if err := s.ClaimOwner(ctx, "wf", "a", time.Minute, false); err != nil {
			t.Errorf("re-claim by holder should succeed: %v", err)
		}
		if err := s.ClaimOwner(ctx, "wf", "b", time.Minute, false); !errors.Is(err, ErrOwned) {
			t.Errorf("expected ErrOwned, got %v", err)
		}
		if err := s.ReleaseOwner(ctx, "wf", "b"); err != nil {
			t.Fatal(err)
		}
		snap, _ := s.Load(ctx, "wf")
		if snap.Workflow.Owner != "a" {
			t.Errorf("release by non-holder cleared owner: %q", snap.Workflow.Owner)
		}
		if snap.Workflow.LeaseUntil == nil || !snap.Workflow.OwnerLive(time.Now()) {
			t.Errorf("expected a live lease, got %v", snap.Workflow.LeaseUntil)
		}
		if err := s.ClaimOwner(ctx, "wf", "b", time.Minute, true); err != nil {
			t.Errorf("forced claim failed: %v", err)
		}
		if err := s.RenewOwner(ctx, "wf", "a", time.Minute); !errors.Is(err, ErrOwned) {
			t.Errorf("renew by a displaced owner: expected ErrOwned, got %v", err)
		}
		if err := s.ReleaseOwner(ctx, "wf", "b"); err != nil {
			t.Fatal(err)
		}
		snap, _ = s.Load(ctx, "wf")
		if snap.Workflow.Owner != "" || snap.Workflow.LeaseUntil != nil {
			t.Errorf("owner = %q lease = %v after release", snap.Workflow.Owner, snap.Workflow.LeaseUntil)
		}
	})
}

func TestOwnership_LapsedLease(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := t.Context()
		createTestWorkflow(t, s, "wf", 1)

		claimLapsed(t, s, "wf", "dead")
		if err := s.ClaimOwner(ctx, "wf", "next", time.Minute, false); err != nil {
			t.Fatalf("claim over a lapsed lease: %v", err)
		}
		snap, _ := s.Load(ctx, "wf")
		if snap.Workflow.Owner != "next" {
			t.Errorf("owner = %q, want next", snap.Workflow.Owner)
		}

		before := *snap.Workflow.LeaseUntil
		time.Sleep(2 * time.Millisecond)
		if err := s.RenewOwner(ctx, "wf", "next", time.Minute); err != nil {
			t.Fatalf("renew: %v", err)
		}
		snap, _ = s.Load(ctx, "wf")
		if !snap.Workflow.LeaseUntil.After(before) {
			t.Errorf("renew did not extend the lease: %v -> %v", before, *snap.Workflow.LeaseUntil)
		}
	})
}

func TestOwnership_NoLeaseNeverLapses(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := t.Context()
		createTestWorkflow(t, s, "wf", 1)

		if err := s.ClaimOwner(ctx, "wf", "a", 0, false); err != nil {
			t.Fatal(err)
		}
		if err := s.ClaimOwner(ctx, "wf", "b", time.Minute, false); !errors.Is(err, ErrOwned) {
			t.Errorf("expected ErrOwned, got %v", err)
		}
	})
}

func TestPurgeFinished_AllBackends(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := t.Context()
		createTestWorkflow(t, s, "done", 1)
		if err := s.SetStatus(ctx, "done", models.WorkflowStatusCompleted, ""); err != nil {
			t.Fatal(err)
		}
		createTestWorkflow(t, s, "live", 1)

		n, err := s.PurgeFinished(ctx, time.Hour)
		if err != nil {
			t.Fatal(err)
		}
		if n != 0 {
			t.Errorf("recent workflow purged: n = %d", n)
		}

		time.Sleep(5 * time.Millisecond)
		n, err = s.PurgeFinished(ctx, time.Millisecond)
		if err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Errorf("purged %d workflows, want 1", n)
		}
		if _, err := s.Load(ctx, "done"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected done to be gone, got %v", err)
		}
		if _, err := s.Load(ctx, "live"); err != nil {
			t.Errorf("live workflow should survive: %v", err)
		}
	})
}

func TestSetConcurrency(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := t.Context()
		createTestWorkflow(t, s, "wf", 3)
		if err := s.SetConcurrency(ctx, "wf", 0); err == nil {
			t.Error("expected error for limit 0")
		}
		if err := s.SetConcurrency(ctx, "wf", 3); err != nil {
			t.Fatal(err)
		}
		for _, id := range []string{"t0", "t1", "t2"} {
			if err := s.Commit(ctx, startTransition("wf", id, 1)); err != nil {
				t.Errorf("start %s after resize: %v", id, err)
			}
		}
	})
}

func TestListAndDelete(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := t.Context()
		createTestWorkflow(t, s, "a", 2)
		time.Sleep(2 * time.Millisecond)
		createTestWorkflow(t, s, "b", 1)

		if err := s.Commit(ctx, startTransition("a", "t0", 1),
			Transition{WorkflowID: "a", TaskID: "t0", From: models.TaskStatusRunning, To: models.TaskStatusCompleted, Result: "r",
				Record: &models.ExecutionRecord{ID: uuid.New().String(), WorkflowID: "a", TaskID: "t0", Attempt: 1,
					StartedAt: time.Now(), EndedAt: time.Now(), Outcome: models.OutcomeSucceeded}}); err != nil {
			t.Fatal(err)
		}

		list, err := s.List(ctx)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(list) != 2 || list[0].ID != "a" || list[1].ID != "b" {
			t.Fatalf("List() = %+v", list)
		}
		if list[0].Total != 2 || list[0].Completed != 1 {
			t.Errorf("summary a = %+v", list[0])
		}

		if err := s.Delete(ctx, "a"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := s.Load(ctx, "a"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
		if recs, _ := s.Records(ctx, "a"); len(recs) != 0 {
			t.Errorf("records survived delete: %v", recs)
		}
		if err := s.Delete(ctx, "a"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound deleting twice, got %v", err)
		}
	})
}

func TestReopenPreservesState(t *testing.T) {
	dir := t.TempDir()
	ctx := t.Context()

	for _, opts := range []Options{
		{Backend: BackendSQLite, Path: dir + "/state.db"},
		{Backend: BackendBadger, Path: dir + "/badger"},
	} {
		t.Run(opts.Backend, func(t *testing.T) {
			s, err := OpenStore(opts)
			if err != nil {
				t.Fatalf("OpenStore failed: %v", err)
			}
			createTestWorkflow(t, s, "wf", 2)
			if err := s.Commit(ctx, startTransition("wf", "t1", 1)); err != nil {
				t.Fatal(err)
			}
			s.Close()

			s, err = OpenStore(opts)
			if err != nil {
				t.Fatalf("reopen failed: %v", err)
			}
			defer s.Close()
			snap, err := s.Load(ctx, "wf")
			if err != nil {
				t.Fatalf("Load after reopen failed: %v", err)
			}
			if snap.Task("t1").Status != models.TaskStatusRunning || snap.Workflow.RunningCount != 1 {
				t.Errorf("state lost across reopen: %+v", snap)
			}
		})
	}
}

func TestOpenStore_UnknownBackend(t *testing.T) {
	if _, err := OpenStore(Options{Backend: "etcd"}); err == nil {
		t.Error("expected error for unknown backend")
	}
}
