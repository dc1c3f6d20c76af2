package store

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hubflow/internal/domain"
)

func setupRepo(t *testing.T) Repository {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "hubflow-test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLiteRepo(db)
}

func TestNoteRoundTrip(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	_, err := repo.CreateNote(ctx, domain.Note{UserID: "u1", Content: "first", Tags: []string{"a"}, CreatedAt: base})
	require.NoError(t, err)
	_, err = repo.CreateNote(ctx, domain.Note{UserID: "u1", Content: "second", CreatedAt: base.Add(time.Minute)})
	require.NoError(t, err)
	_, err = repo.CreateNote(ctx, domain.Note{UserID: "u2", Content: "other", CreatedAt: base})
	require.NoError(t, err)

	notes, err := repo.ListRecentNotes(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, notes, 2)
	assert.Equal(t, "second", notes[0].Content)
	assert.Equal(t, []string{}, notes[0].Tags)
	assert.Equal(t, []string{"a"}, notes[1].Tags)
}

func TestCreatePollStoresOptionsInOrder(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	id, err := repo.CreatePoll(ctx, domain.Poll{
		UserID:  "u1",
		Title:   "Lunch",
		Type:    domain.PollSingleChoice,
		Options: []domain.PollOption{{Text: "pizza"}, {Text: "sushi"}},
	})
	require.NoError(t, err)

	p, err := repo.GetPoll(ctx, id)
	require.NoError(t, err)
	require.Len(t, p.Options, 2)
	assert.Equal(t, "pizza", p.Options[0].Text)
	assert.Equal(t, 1, p.Options[1].Position)

	_, err = repo.GetPoll(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDueTasksAndStatusTransitions(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	due, err := repo.CreateTask(ctx, domain.ScheduledTask{UserID: "u1", Title: "due", TriggerAt: now.Add(-time.Minute), ActionType: "reminder"})
	require.NoError(t, err)
	_, err = repo.CreateTask(ctx, domain.ScheduledTask{UserID: "u1", Title: "later", TriggerAt: now.Add(time.Hour), ActionType: "reminder"})
	require.NoError(t, err)
	_, err = repo.CreateTask(ctx, domain.ScheduledTask{UserID: "u2", Title: "other", TriggerAt: now.Add(-time.Hour), ActionType: "reminder"})
	require.NoError(t, err)

	all, err := repo.GetDueTasks(ctx, now, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	mine, err := repo.GetDueTasks(ctx, now, "u1")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, due, mine[0].ID)

	ok, err := repo.SetTaskStatus(ctx, due, "u2", domain.TaskActive, domain.TaskPaused)
	require.NoError(t, err)
	assert.False(t, ok, "foreign owner must not pause")

	ok, err = repo.SetTaskStatus(ctx, due, "u1", domain.TaskActive, domain.TaskPaused)
	require.NoError(t, err)
	assert.True(t, ok)

	mine, err = repo.GetDueTasks(ctx, now, "u1")
	require.NoError(t, err)
	assert.Empty(t, mine)

	deleted, err := repo.DeleteTask(ctx, due, "u2")
	require.NoError(t, err)
	assert.False(t, deleted)
	deleted, err = repo.DeleteTask(ctx, due, "u1")
	require.NoError(t, err)
	assert.True(t, deleted)
}

func TestClaimTaskIsExactlyOnce(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	trigger := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	id, err := repo.CreateTask(ctx, domain.ScheduledTask{UserID: "u1", Title: "race", TriggerAt: trigger, Recurrence: "hours:1", ActionType: "reminder"})
	require.NoError(t, err)

	next := trigger.Add(time.Hour)
	const racers = 16
	var wins atomic.Int32
	var wg sync.WaitGroup
	wg.Add(racers)
	for i := 0; i < racers; i++ {
		go func() {
			defer wg.Done()
			ok, err := repo.ClaimTask(ctx, Claim{TaskID: id, Observed: trigger, Now: trigger, Next: &next})
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	got, err := repo.GetTask(ctx, id)
	require.NoError(t, err)
	assert.True(t, got.TriggerAt.Equal(next))
	assert.Equal(t, domain.TaskActive, got.Status)
	require.NotNil(t, got.LastTriggered)
}

func TestClaimWithoutNextCompletes(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	trigger := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	id, err := repo.CreateTask(ctx, domain.ScheduledTask{UserID: "u1", Title: "once", TriggerAt: trigger, ActionType: "reminder"})
	require.NoError(t, err)

	ok, err := repo.ClaimTask(ctx, Claim{TaskID: id, Observed: trigger, Now: trigger})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.ClaimTask(ctx, Claim{TaskID: id, Observed: trigger, Now: trigger})
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := repo.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, got.Status)
}

func TestTopMemoriesRanking(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, m := range []domain.Memory{
		{Content: "old low", Importance: 1, CreatedAt: base},
		{Content: "new low", Importance: 1, CreatedAt: base.Add(time.Hour)},
		{Content: "old high", Importance: 5, CreatedAt: base},
	} {
		m.UserID = "u1"
		m.Type = "fact"
		_, err := repo.AppendMemory(ctx, m)
		require.NoError(t, err, "memory %d", i)
	}

	top, err := repo.ListTopMemories(ctx, "u1", 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "old high", top[0].Content)
	assert.Equal(t, "new low", top[1].Content)

	n, err := repo.PruneMemories(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUserLookupByChat(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	id, err := repo.UpsertUser(ctx, domain.User{DisplayName: "Ada", ChatID: "4242"})
	require.NoError(t, err)

	u, err := repo.FindUserByChatID(ctx, "4242")
	require.NoError(t, err)
	assert.Equal(t, id, u.ID)

	_, err = repo.FindUserByChatID(ctx, "")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = repo.GetUser(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}
