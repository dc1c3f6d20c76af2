package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"hubflow/internal/action"
	"hubflow/internal/domain"
	"hubflow/internal/metrics"
	"hubflow/internal/recurrence"
	"hubflow/internal/store"
)

// DefaultSpec is the sweep cadence when none is configured.
const DefaultSpec = "@every 1m"

// Dispatcher runs one action for a user.
type Dispatcher interface {
	Execute(ctx context.Context, env action.Env, a action.Action, depth int) action.Result
}

// Notifier receives the consolidated result of a sweep for one user.
type Notifier interface {
	Notify(ctx context.Context, user domain.User, title, body string)
}

type TaskResult struct {
	TaskID  string `json:"taskId"`
	Title   string `json:"title"`
	OK      bool   `json:"ok"`
	Message string `json:"message"`
	UserID  string `json:"-"`
}

type Report struct {
	Fired   int          `json:"fired"`
	Results []TaskResult `json:"results"`
}

type Service struct {
	repo       store.Repository
	dispatcher Dispatcher
	notifier   Notifier
	loc        *time.Location
	spec       string
	cron       *cron.Cron
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewService builds a runner. notifier may be nil; spec defaults to
// DefaultSpec and loc to UTC.
func NewService(repo store.Repository, dispatcher Dispatcher, notifier Notifier, spec string, loc *time.Location) *Service {
	if strings.TrimSpace(spec) == "" {
		spec = DefaultSpec
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		repo:       repo,
		dispatcher: dispatcher,
		notifier:   notifier,
		loc:        loc,
		spec:       spec,
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithChain(cron.SkipIfStillRunning(cronLogger{})),
		),
		stop: make(chan struct{}),
	}
}

// Start registers the periodic sweep and blocks until ctx is done or Stop
// is called.
func (s *Service) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.spec, func() { s.Sweep(ctx, time.Now()) }); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.spec, err)
	}
	s.cron.Start()
	log.Info().Str("spec", s.spec).Msg("schedule service started")

	select {
	case <-ctx.Done():
	case <-s.stop:
	}
	<-s.cron.Stop().Done()
	log.Info().Msg("schedule service stopped")
	return nil
}

func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Sweep fires every due task of every user.
func (s *Service) Sweep(ctx context.Context, now time.Time) Report {
	return s.sweep(ctx, "", now)
}

// SweepUser fires only the due tasks owned by userID.
func (s *Service) SweepUser(ctx context.Context, userID string, now time.Time) Report {
	if userID == "" {
		return Report{}
	}
	return s.sweep(ctx, userID, now)
}

func (s *Service) sweep(ctx context.Context, userID string, now time.Time) Report {
	started := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(started).Seconds()) }()

	tasks, err := s.repo.GetDueTasks(ctx, now, userID)
	if err != nil {
		log.Error().Err(err).Msg("failed to get due tasks")
		return Report{}
	}

	report := Report{Results: []TaskResult{}}
	batches := map[string][]TaskResult{}
	var owners []string

	for _, task := range tasks {
		won, err := s.claim(ctx, task, now)
		if err != nil {
			log.Error().Err(err).Str("task_id", task.ID).Msg("failed to claim task")
			continue
		}
		if !won {
			metrics.ClaimsLost.Inc()
			log.Debug().Str("task_id", task.ID).Msg("task already claimed")
			continue
		}
		metrics.TasksFired.Inc()

		res := s.dispatcher.Execute(ctx, action.Env{UserID: task.UserID}, action.Normalize(task.ActionPayload), 0)
		tr := TaskResult{TaskID: task.ID, Title: task.Title, OK: res.OK, Message: res.Message, UserID: task.UserID}
		report.Results = append(report.Results, tr)
		report.Fired++

		if _, seen := batches[task.UserID]; !seen {
			owners = append(owners, task.UserID)
		}
		batches[task.UserID] = append(batches[task.UserID], tr)

		log.Info().
			Str("task_id", task.ID).
			Str("user_id", task.UserID).
			Bool("ok", res.OK).
			Msg("scheduled task fired")
	}

	for _, owner := range owners {
		s.deliver(ctx, owner, batches[owner])
	}
	return report
}

// claim re-arms or completes task for the trigger instant just read.
func (s *Service) claim(ctx context.Context, task domain.ScheduledTask, now time.Time) (bool, error) {
	c := store.Claim{TaskID: task.ID, Observed: task.TriggerAt, Now: now}
	if next, ok := recurrence.Advance(task.Recurrence, task.TriggerAt, now, s.loc); ok {
		c.Next = &next
	}
	return s.repo.ClaimTask(ctx, c)
}

func (s *Service) deliver(ctx context.Context, userID string, results []TaskResult) {
	if s.notifier == nil || len(results) == 0 {
		return
	}
	user, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		user = domain.User{ID: userID}
	}
	s.notifier.Notify(ctx, user, summaryTitle(len(results)), summaryBody(results))
}

func summaryTitle(n int) string {
	if n == 1 {
		return "1 scheduled task ran"
	}
	return fmt.Sprintf("%d scheduled tasks ran", n)
}

func summaryBody(results []TaskResult) string {
	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteByte('\n')
		}
		mark := "ok"
		if !r.OK {
			mark = "failed"
		}
		fmt.Fprintf(&b, "- %s [%s]: %s", r.Title, mark, r.Message)
	}
	return b.String()
}

// RunOnce executes a task's stored action immediately without touching
// its schedule.
func (s *Service) RunOnce(ctx context.Context, userID, taskID string) action.Result {
	task, err := s.repo.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && task.UserID != userID) {
		return action.Result{Message: fmt.Sprintf("task %s not found", taskID)}
	}
	if err != nil {
		log.Error().Err(err).Str("task_id", taskID).Msg("failed to load task")
		return action.Result{Message: "could not load task"}
	}
	return s.dispatcher.Execute(ctx, action.Env{UserID: userID}, action.Normalize(task.ActionPayload), 0)
}

// cronLogger routes cron's own messages through zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
