package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aksbuzz/clickless/pkg/domain/events"
	"github.com/aksbuzz/clickless/pkg/domain/workflow"
	"github.com/aksbuzz/clickless/pkg/engineerr"
	"github.com/aksbuzz/clickless/pkg/metrics"
	"github.com/aksbuzz/clickless/pkg/storage"
)

var testClock = time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

type scheduled struct {
	destination string
	payload     any
	publishAt   time.Time
	requestID   string
}

type fakeRepo struct {
	instances map[string]workflow.Instance
	versions  map[string]workflow.Version
	execs     []workflow.StepExecution
	outbox    []scheduled
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		instances: map[string]workflow.Instance{},
		versions:  map[string]workflow.Version{},
	}
}

func (r *fakeRepo) seed(inst workflow.Instance, def workflow.Definition) {
	r.instances[inst.ID] = inst
	r.versions[inst.ID] = workflow.Version{ID: inst.VersionID, Number: 1, Active: true, Definition: def}
}

func (r *fakeRepo) FindInstance(_ context.Context, id string) (workflow.Instance, workflow.Version, error) {
	inst, ok := r.instances[id]
	if !ok {
		return workflow.Instance{}, workflow.Version{}, storage.ErrNotFound
	}
	return inst, r.versions[id], nil
}

func (r *fakeRepo) SaveInstance(_ context.Context, inst workflow.Instance) error {
	r.instances[inst.ID] = inst
	return nil
}

func (r *fakeRepo) AddStepExecution(_ context.Context, exec workflow.StepExecution) error {
	r.execs = append(r.execs, exec)
	return nil
}

func (r *fakeRepo) SaveStepExecution(_ context.Context, exec workflow.StepExecution) error {
	for i := range r.execs {
		if r.execs[i].ID == exec.ID {
			r.execs[i] = exec
			return nil
		}
	}
	return storage.ErrNotFound
}

func (r *fakeRepo) LatestStepExecution(_ context.Context, instanceID, stepName string) (workflow.StepExecution, error) {
	for i := len(r.execs) - 1; i >= 0; i-- {
		if r.execs[i].InstanceID == instanceID && r.execs[i].StepName == stepName {
			return r.execs[i], nil
		}
	}
	return workflow.StepExecution{}, storage.ErrNotFound
}

func (r *fakeRepo) ScheduleMessage(_ context.Context, destination string, payload any, publishAt time.Time, requestID string) error {
	r.outbox = append(r.outbox, scheduled{destination, payload, publishAt, requestID})
	return nil
}

type fakeUoW struct{ repo *fakeRepo }

func (u fakeUoW) WithinTx(_ context.Context, fn func(Repository) error) error {
	return fn(u.repo)
}

type fakeLocker struct{ contended bool }

func (l fakeLocker) Acquire(context.Context, string, time.Duration) (func(), bool) {
	if l.contended {
		return nil, false
	}
	return func() {}, true
}

func newTestOrchestrator(repo *fakeRepo, contended bool) *Orchestrator {
	return New(
		fakeUoW{repo: repo},
		fakeLocker{contended: contended},
		metrics.New(prometheus.NewRegistry()),
		zerolog.Nop(),
		WithClock(func() time.Time { return testClock }),
	)
}

func linearDef() workflow.Definition {
	return workflow.Definition{
		StartAt: "fetch",
		Steps: map[string]workflow.StepSpec{
			"fetch":  {ActionID: "http_request", Next: "notify"},
			"notify": {Next: "end"},
		},
	}
}

func pendingInstance(id string) workflow.Instance {
	return workflow.Instance{
		ID:        id,
		VersionID: "ver-1",
		Status:    workflow.StatusPending,
		Data:      workflow.EmptyData(),
		RequestID: "req-1",
	}
}

func TestStartDispatchesFirstAction(t *testing.T) {
	repo := newFakeRepo()
	repo.seed(pendingInstance("inst-1"), linearDef())
	orch := newTestOrchestrator(repo, false)

	err := orch.ProcessEvent(context.Background(), events.WorkflowEvent{
		Type: events.StartWorkflow, InstanceID: "inst-1",
	})
	require.NoError(t, err)

	inst := repo.instances["inst-1"]
	assert.Equal(t, workflow.StatusRunning, inst.Status)
	assert.Equal(t, "fetch", inst.CurrentStep)
	assert.Equal(t, 1, inst.CurrentStepAttempts)

	require.Len(t, repo.execs, 1)
	assert.Equal(t, workflow.StepRunning, repo.execs[0].Status)

	require.Len(t, repo.outbox, 1)
	assert.Equal(t, events.ActionsQueue, repo.outbox[0].destination)
	msg := repo.outbox[0].payload.(events.ActionMessage)
	assert.Equal(t, "http_request", msg.Action)
	assert.Equal(t, "fetch", msg.StepName)
	assert.Equal(t, "req-1", msg.RequestID)
}

func TestCompletionAdvancesAndMergesOutput(t *testing.T) {
	repo := newFakeRepo()
	inst := pendingInstance("inst-1")
	inst.Status = workflow.StatusRunning
	inst.CurrentStep = "fetch"
	inst.CurrentStepAttempts = 1
	repo.seed(inst, linearDef())
	repo.execs = []workflow.StepExecution{{
		ID: "exec-1", InstanceID: "inst-1", StepName: "fetch",
		Status: workflow.StepRunning, Attempts: 1,
	}}
	orch := newTestOrchestrator(repo, false)

	err := orch.ProcessEvent(context.Background(), events.WorkflowEvent{
		Type: events.StepComplete, InstanceID: "inst-1", StepName: "fetch",
		Data: workflow.Data(`{"status_code":200}`),
	})
	require.NoError(t, err)

	got := repo.instances["inst-1"]
	assert.Equal(t, "notify", got.CurrentStep)
	assert.EqualValues(t, 200, got.Data.Resolve("status_code").Int())

	assert.Equal(t, workflow.StepCompleted, repo.execs[0].Status)
	require.NotNil(t, repo.execs[0].CompletedAt)

	require.Len(t, repo.outbox, 1)
	assert.Equal(t, events.ActionsQueue, repo.outbox[0].destination)
	assert.Equal(t, "notify", repo.outbox[0].payload.(events.ActionMessage).Action)
}

func TestFinalCompletionFinishesInstance(t *testing.T) {
	repo := newFakeRepo()
	inst := pendingInstance("inst-1")
	inst.Status = workflow.StatusRunning
	inst.CurrentStep = "notify"
	inst.CurrentStepAttempts = 1
	repo.seed(inst, linearDef())
	orch := newTestOrchestrator(repo, false)

	err := orch.ProcessEvent(context.Background(), events.WorkflowEvent{
		Type: events.StepComplete, InstanceID: "inst-1", StepName: "notify",
	})
	require.NoError(t, err)

	got := repo.instances["inst-1"]
	assert.Equal(t, workflow.StatusCompleted, got.Status)
	assert.Empty(t, got.CurrentStep)
	assert.Empty(t, repo.outbox)
}

func TestFailureRetriesWithDelay(t *testing.T) {
	def := workflow.Definition{
		StartAt: "fetch",
		Steps: map[string]workflow.StepSpec{
			"fetch": {Retry: &workflow.RetryPolicy{MaxAttempts: 3, DelaySeconds: 7}, Next: "end"},
		},
	}
	repo := newFakeRepo()
	inst := pendingInstance("inst-1")
	inst.Status = workflow.StatusRunning
	inst.CurrentStep = "fetch"
	inst.CurrentStepAttempts = 1
	repo.seed(inst, def)
	orch := newTestOrchestrator(repo, false)

	err := orch.ProcessEvent(context.Background(), events.WorkflowEvent{
		Type: events.StepFailed, InstanceID: "inst-1", StepName: "fetch",
		Data: workflow.Data(`{"error":"connection refused"}`),
	})
	require.NoError(t, err)

	got := repo.instances["inst-1"]
	assert.Equal(t, workflow.StatusRunning, got.Status)
	assert.Equal(t, 2, got.CurrentStepAttempts)

	require.Len(t, repo.outbox, 1)
	assert.Equal(t, events.ActionsQueue, repo.outbox[0].destination)
	assert.Equal(t, testClock.Add(7*time.Second), repo.outbox[0].publishAt)
}

func TestFailureExhaustsRetryBudget(t *testing.T) {
	repo := newFakeRepo()
	inst := pendingInstance("inst-1")
	inst.Status = workflow.StatusRunning
	inst.CurrentStep = "fetch"
	inst.CurrentStepAttempts = 1
	repo.seed(inst, linearDef())
	repo.execs = []workflow.StepExecution{{
		ID: "exec-1", InstanceID: "inst-1", StepName: "fetch",
		Status: workflow.StepRunning, Attempts: 1,
	}}
	orch := newTestOrchestrator(repo, false)

	// Default policy allows a single attempt.
	err := orch.ProcessEvent(context.Background(), events.WorkflowEvent{
		Type: events.StepFailed, InstanceID: "inst-1", StepName: "fetch",
	})
	require.NoError(t, err)

	got := repo.instances["inst-1"]
	assert.Equal(t, workflow.StatusFailed, got.Status)
	assert.Equal(t, "Unknown error", got.Data.Resolve("error").String())
	assert.Equal(t, workflow.StepFailed, repo.execs[0].Status)
	assert.Equal(t, "Unknown error", repo.execs[0].ErrorDetails)
	assert.Empty(t, repo.outbox)
}

func TestDelayStepSchedulesResume(t *testing.T) {
	def := workflow.Definition{
		StartAt: "cooldown",
		Steps: map[string]workflow.StepSpec{
			"cooldown": {Type: workflow.StepTypeDelay, DurationSeconds: 90, Next: "end"},
		},
	}
	repo := newFakeRepo()
	repo.seed(pendingInstance("inst-1"), def)
	orch := newTestOrchestrator(repo, false)

	err := orch.ProcessEvent(context.Background(), events.WorkflowEvent{
		Type: events.StartWorkflow, InstanceID: "inst-1",
	})
	require.NoError(t, err)

	got := repo.instances["inst-1"]
	assert.Equal(t, "cooldown", got.CurrentStep)

	require.Len(t, repo.execs, 1)
	assert.Equal(t, workflow.StepCompleted, repo.execs[0].Status)

	require.Len(t, repo.outbox, 1)
	assert.Equal(t, events.OrchestrationQueue, repo.outbox[0].destination)
	assert.Equal(t, testClock.Add(90*time.Second), repo.outbox[0].publishAt)
	resume := repo.outbox[0].payload.(events.WorkflowEvent)
	assert.Equal(t, events.StepComplete, resume.Type)
	assert.Equal(t, "cooldown", resume.StepName)
}

func TestBranchResolvesWithoutOwnMessage(t *testing.T) {
	def := workflow.Definition{
		StartAt: "check",
		Steps: map[string]workflow.StepSpec{
			"check": {
				Type:      workflow.StepTypeBranch,
				Condition: &workflow.Condition{Field: "status_code", Operator: workflow.OpEq, Value: float64(200)},
				OnTrue:    "celebrate",
				OnFalse:   "alert",
			},
			"celebrate": {Next: "end"},
			"alert":     {Next: "end"},
		},
	}

	for _, tc := range []struct {
		name string
		data workflow.Data
		next string
	}{
		{"condition true", workflow.Data(`{"status_code":200}`), "celebrate"},
		{"condition false", workflow.Data(`{"status_code":500}`), "alert"},
		{"null comparison", workflow.Data(`{"status_code":null}`), "alert"},
		{"missing field", workflow.EmptyData(), "alert"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			repo := newFakeRepo()
			inst := pendingInstance("inst-1")
			inst.Data = tc.data
			repo.seed(inst, def)
			orch := newTestOrchestrator(repo, false)

			err := orch.ProcessEvent(context.Background(), events.WorkflowEvent{
				Type: events.StartWorkflow, InstanceID: "inst-1",
			})
			require.NoError(t, err)

			got := repo.instances["inst-1"]
			assert.Equal(t, tc.next, got.CurrentStep)

			// One exec for the branch, one for the landed action. The only
			// outbox message belongs to the action step.
			require.Len(t, repo.execs, 2)
			assert.Equal(t, "check", repo.execs[0].StepName)
			assert.Equal(t, workflow.StepCompleted, repo.execs[0].Status)
			assert.Equal(t, tc.next == "celebrate", repo.execs[0].OutputData.Resolve("branch_result").Bool())
			assert.Equal(t, tc.next, repo.execs[0].OutputData.Resolve("next_step").String())
			require.Len(t, repo.outbox, 1)
			assert.Equal(t, tc.next, repo.outbox[0].payload.(events.ActionMessage).StepName)
		})
	}
}

func TestWaitStepSchedulesTimeout(t *testing.T) {
	def := workflow.Definition{
		StartAt: "approve",
		Steps: map[string]workflow.StepSpec{
			"approve": {Type: workflow.StepTypeWaitForEvent, TimeoutSeconds: 60, Next: "end"},
		},
	}
	repo := newFakeRepo()
	repo.seed(pendingInstance("inst-1"), def)
	orch := newTestOrchestrator(repo, false)

	err := orch.ProcessEvent(context.Background(), events.WorkflowEvent{
		Type: events.StartWorkflow, InstanceID: "inst-1",
	})
	require.NoError(t, err)

	got := repo.instances["inst-1"]
	assert.Equal(t, workflow.StatusRunning, got.Status)
	assert.Equal(t, "approve", got.CurrentStep)

	require.Len(t, repo.outbox, 1)
	assert.Equal(t, events.OrchestrationQueue, repo.outbox[0].destination)
	assert.Equal(t, testClock.Add(60*time.Second), repo.outbox[0].publishAt)
	timeout := repo.outbox[0].payload.(events.WorkflowEvent)
	assert.Equal(t, events.StepFailed, timeout.Type)
	assert.Equal(t, "Wait step 'approve' timed out after 60s", timeout.ErrorMessage())
}

func TestWaitStepWithoutTimeoutWaitsForever(t *testing.T) {
	def := workflow.Definition{
		StartAt: "approve",
		Steps: map[string]workflow.StepSpec{
			"approve": {Type: workflow.StepTypeWaitForEvent, Next: "end"},
		},
	}
	repo := newFakeRepo()
	repo.seed(pendingInstance("inst-1"), def)
	orch := newTestOrchestrator(repo, false)

	err := orch.ProcessEvent(context.Background(), events.WorkflowEvent{
		Type: events.StartWorkflow, InstanceID: "inst-1",
	})
	require.NoError(t, err)
	assert.Empty(t, repo.outbox)
}

func TestStaleEventDropped(t *testing.T) {
	repo := newFakeRepo()
	inst := pendingInstance("inst-1")
	inst.Status = workflow.StatusRunning
	inst.CurrentStep = "notify"
	repo.seed(inst, linearDef())
	orch := newTestOrchestrator(repo, false)

	// A timeout or duplicate for an already-left step must not touch state.
	err := orch.ProcessEvent(context.Background(), events.WorkflowEvent{
		Type: events.StepFailed, InstanceID: "inst-1", StepName: "fetch",
	})
	require.NoError(t, err)

	assert.Equal(t, workflow.StatusRunning, repo.instances["inst-1"].Status)
	assert.Empty(t, repo.outbox)
}

func TestTerminalInstanceAbsorbsEvents(t *testing.T) {
	repo := newFakeRepo()
	inst := pendingInstance("inst-1")
	inst.Status = workflow.StatusCancelled
	repo.seed(inst, linearDef())
	orch := newTestOrchestrator(repo, false)

	err := orch.ProcessEvent(context.Background(), events.WorkflowEvent{
		Type: events.StepComplete, InstanceID: "inst-1", StepName: "fetch",
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCancelled, repo.instances["inst-1"].Status)
	assert.Empty(t, repo.outbox)
}

func TestDuplicateStartDropped(t *testing.T) {
	repo := newFakeRepo()
	inst := pendingInstance("inst-1")
	inst.Status = workflow.StatusRunning
	inst.CurrentStep = "fetch"
	repo.seed(inst, linearDef())
	orch := newTestOrchestrator(repo, false)

	err := orch.ProcessEvent(context.Background(), events.WorkflowEvent{
		Type: events.StartWorkflow, InstanceID: "inst-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "fetch", repo.instances["inst-1"].CurrentStep)
	assert.Empty(t, repo.outbox)
}

func TestLockContentionIsRetryable(t *testing.T) {
	repo := newFakeRepo()
	repo.seed(pendingInstance("inst-1"), linearDef())
	orch := newTestOrchestrator(repo, true)

	err := orch.ProcessEvent(context.Background(), events.WorkflowEvent{
		Type: events.StartWorkflow, InstanceID: "inst-1",
	})
	require.Error(t, err)
	assert.True(t, engineerr.IsRetryable(err))
}

func TestUnknownInstanceIsNonRetryable(t *testing.T) {
	orch := newTestOrchestrator(newFakeRepo(), false)

	err := orch.ProcessEvent(context.Background(), events.WorkflowEvent{
		Type: events.StartWorkflow, InstanceID: "ghost",
	})
	require.Error(t, err)
	assert.True(t, engineerr.IsNonRetryable(err))
}

func TestUnknownNextStepFailsInstance(t *testing.T) {
	def := workflow.Definition{
		StartAt: "fetch",
		Steps:   map[string]workflow.StepSpec{"fetch": {Next: "missing"}},
	}
	repo := newFakeRepo()
	inst := pendingInstance("inst-1")
	inst.Status = workflow.StatusRunning
	inst.CurrentStep = "fetch"
	inst.CurrentStepAttempts = 1
	repo.seed(inst, def)
	orch := newTestOrchestrator(repo, false)

	err := orch.ProcessEvent(context.Background(), events.WorkflowEvent{
		Type: events.StepComplete, InstanceID: "inst-1", StepName: "fetch",
	})
	require.NoError(t, err)

	got := repo.instances["inst-1"]
	assert.Equal(t, workflow.StatusFailed, got.Status)
	assert.Equal(t, "Unknown step 'missing'", got.Data.Resolve("error").String())
}

func TestHandlerDeadLettersMalformedPayload(t *testing.T) {
	orch := newTestOrchestrator(newFakeRepo(), false)
	err := orch.Handler()(context.Background(), []byte(`{"type":"BOGUS"}`), "")
	require.Error(t, err)
	assert.True(t, engineerr.IsNonRetryable(err))
}
