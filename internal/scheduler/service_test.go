package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"hubflow/internal/action"
	"hubflow/internal/completion"
	"hubflow/internal/domain"
	"hubflow/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingNotifier struct {
	mu     sync.Mutex
	titles map[string]string
	bodies map[string]string
}

func (n *recordingNotifier) Notify(ctx context.Context, user domain.User, title, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.titles == nil {
		n.titles, n.bodies = map[string]string{}, map[string]string{}
	}
	n.titles[user.ID] = title
	n.bodies[user.ID] = body
}

var t0 = time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*Service, store.Repository, *recordingNotifier) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "sched.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	repo := store.NewSQLiteRepo(db)
	for _, id := range []string{"u1", "u2"} {
		_, err := repo.UpsertUser(context.Background(), domain.User{ID: id, DisplayName: id})
		require.NoError(t, err)
	}
	d := action.NewDispatcher(repo, nil, nil, completion.Credentials{}, action.Options{})
	n := &recordingNotifier{}
	return NewService(repo, d, n, "", time.UTC), repo, n
}

func addTask(t *testing.T, repo store.Repository, userID, title, rule string, at time.Time, a action.Action) string {
	t.Helper()
	payload, err := action.Encode(a)
	require.NoError(t, err)
	id, err := repo.CreateTask(context.Background(), domain.ScheduledTask{
		UserID: userID, Title: title, TriggerAt: at, Recurrence: rule,
		ActionType: a.Kind(), ActionPayload: payload,
	})
	require.NoError(t, err)
	return id
}

func TestOneShotTaskCompletes(t *testing.T) {
	svc, repo, n := setup(t)
	ctx := context.Background()
	id := addTask(t, repo, "u1", "milk", "", t0.Add(-time.Minute), action.CreateIdea{Content: "buy milk", Tags: []string{"todo"}})

	report := svc.Sweep(ctx, t0)
	require.Equal(t, 1, report.Fired)
	assert.True(t, report.Results[0].OK, report.Results[0].Message)
	assert.Equal(t, id, report.Results[0].TaskID)

	task, err := repo.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, task.Status)
	require.NotNil(t, task.LastTriggered)
	assert.True(t, task.LastTriggered.Equal(t0))

	notes, err := repo.ListRecentNotes(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, []string{"todo"}, notes[0].Tags)

	assert.Equal(t, "1 scheduled task ran", n.titles["u1"])
	assert.Contains(t, n.bodies["u1"], "- milk [ok]")

	again := svc.Sweep(ctx, t0.Add(time.Second))
	assert.Equal(t, 0, again.Fired)
}

func TestRecurringTaskRearms(t *testing.T) {
	svc, repo, _ := setup(t)
	ctx := context.Background()
	id := addTask(t, repo, "u1", "stretch", "hours:1", t0, action.Reminder{Message: "stand up"})

	report := svc.Sweep(ctx, t0.Add(5*time.Minute))
	require.Equal(t, 1, report.Fired)
	assert.Equal(t, "Reminder: stand up", report.Results[0].Message)

	task, err := repo.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskActive, task.Status)
	assert.True(t, task.TriggerAt.Equal(t0.Add(time.Hour)), task.TriggerAt)

	assert.Equal(t, 0, svc.Sweep(ctx, t0.Add(10*time.Minute)).Fired)
	assert.Equal(t, 1, svc.Sweep(ctx, t0.Add(time.Hour)).Fired)
}

func TestMissedOccurrencesCollapse(t *testing.T) {
	svc, repo, _ := setup(t)
	ctx := context.Background()
	id := addTask(t, repo, "u1", "ping", "minutes:15", t0, action.Reminder{Message: "ping"})

	now := t0.Add(2*time.Hour + 5*time.Minute)
	require.Equal(t, 1, svc.Sweep(ctx, now).Fired)
	task, err := repo.GetTask(ctx, id)
	require.NoError(t, err)
	assert.True(t, task.TriggerAt.Equal(t0.Add(2*time.Hour+15*time.Minute)), task.TriggerAt)
}

func TestLongOverdueRecurringTaskStaysActive(t *testing.T) {
	svc, repo, _ := setup(t)
	ctx := context.Background()
	id := addTask(t, repo, "u1", "tick", "minutes:1", t0, action.Reminder{Message: "tick"})

	now := t0.Add(70 * 24 * time.Hour)
	require.Equal(t, 1, svc.Sweep(ctx, now).Fired)

	task, err := repo.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskActive, task.Status)
	assert.True(t, task.TriggerAt.Equal(now.Add(time.Minute)), task.TriggerAt)
}

func TestConcurrentSweepsFireOnce(t *testing.T) {
	svc, repo, _ := setup(t)
	addTask(t, repo, "u1", "once", "", t0, action.CreateIdea{Content: "exactly once"})

	var mu sync.Mutex
	fired := 0
	var g errgroup.Group
	for i := 0; i < 12; i++ {
		g.Go(func() error {
			var r Report
			if i%2 == 0 {
				r = svc.Sweep(context.Background(), t0)
			} else {
				r = svc.SweepUser(context.Background(), "u1", t0)
			}
			mu.Lock()
			fired += r.Fired
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 1, fired)

	notes, err := repo.ListRecentNotes(context.Background(), "u1", 10)
	require.NoError(t, err)
	assert.Len(t, notes, 1)
}

func TestSweepUserOnlyTouchesOwner(t *testing.T) {
	svc, repo, n := setup(t)
	ctx := context.Background()
	addTask(t, repo, "u1", "mine", "", t0, action.Reminder{Message: "a"})
	other := addTask(t, repo, "u2", "theirs", "", t0, action.Reminder{Message: "b"})

	report := svc.SweepUser(ctx, "u1", t0)
	require.Equal(t, 1, report.Fired)
	assert.Equal(t, "mine", report.Results[0].Title)
	assert.NotContains(t, n.titles, "u2")

	task, err := repo.GetTask(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskActive, task.Status)

	assert.Equal(t, 0, svc.SweepUser(ctx, "", t0).Fired)
}

func TestResultsGroupedPerUser(t *testing.T) {
	svc, repo, n := setup(t)
	addTask(t, repo, "u1", "a", "", t0, action.Reminder{Message: "a"})
	addTask(t, repo, "u1", "b", "", t0, action.Unknown{Tag: "teleport", Raw: []byte(`{"action":"teleport"}`)})
	addTask(t, repo, "u2", "c", "", t0, action.Reminder{Message: "c"})

	report := svc.Sweep(context.Background(), t0)
	assert.Equal(t, 3, report.Fired)
	assert.Equal(t, "2 scheduled tasks ran", n.titles["u1"])
	assert.Contains(t, n.bodies["u1"], "- b [failed]: unknown action: teleport")
	assert.Equal(t, "1 scheduled task ran", n.titles["u2"])
}

func TestRunOnceLeavesScheduleAlone(t *testing.T) {
	svc, repo, _ := setup(t)
	ctx := context.Background()
	future := t0.Add(24 * time.Hour)
	id := addTask(t, repo, "u1", "later", "daily", future, action.Reminder{Message: "later"})

	res := svc.RunOnce(ctx, "u1", id)
	assert.True(t, res.OK)
	assert.Equal(t, "Reminder: later", res.Message)

	task, err := repo.GetTask(ctx, id)
	require.NoError(t, err)
	assert.True(t, task.TriggerAt.Equal(future))
	assert.Nil(t, task.LastTriggered)

	assert.False(t, svc.RunOnce(ctx, "u2", id).OK)
	assert.False(t, svc.RunOnce(ctx, "u1", "tsk_missing").OK)
}

func TestStartStops(t *testing.T) {
	svc, _, _ := setup(t)
	done := make(chan error, 1)
	go func() { done <- svc.Start(context.Background()) }()
	svc.Stop()
	svc.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("service did not stop")
	}

	bad := NewService(nil, nil, nil, "not a schedule", nil)
	assert.Error(t, bad.Start(context.Background()))
}
