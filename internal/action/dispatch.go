package action

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"hubflow/internal/completion"
	"hubflow/internal/domain"
	"hubflow/internal/metrics"
)

var ErrEventNotAllowed = errors.New("workflow event not allowed")

// Store is the persistence the dispatcher and agent need.
type Store interface {
	GetUser(ctx context.Context, id string) (domain.User, error)
	CreateNote(ctx context.Context, n domain.Note) (string, error)
	ListRecentNotes(ctx context.Context, userID string, limit int) ([]domain.Note, error)
	CreatePoll(ctx context.Context, p domain.Poll) (string, error)
	CreateTask(ctx context.Context, t domain.ScheduledTask) (string, error)
	ListTasks(ctx context.Context, userID string, statuses ...domain.TaskStatus) ([]domain.ScheduledTask, error)
	DeleteTask(ctx context.Context, id, userID string) (bool, error)
	AppendMemory(ctx context.Context, m domain.Memory) (string, error)
	ListTopMemories(ctx context.Context, userID string, limit int) ([]domain.Memory, error)
}

// Invoker runs an external automation. It does not retry.
type Invoker interface {
	Invoke(ctx context.Context, event string, payload map[string]any) (string, error)
}

// Env identifies who an action runs for.
type Env struct {
	UserID string
}

type Options struct {
	// AllowedEvents restricts trigger_external_workflow; empty allows all.
	AllowedEvents []string
	MaxNotes      int
	MaxMemories   int
	// MaxActions caps how many commands one agent response may run.
	MaxActions int
	Location   *time.Location
	Now        func() time.Time
}

func (o *Options) defaults() {
	if o.MaxNotes <= 0 {
		o.MaxNotes = 10
	}
	if o.MaxMemories <= 0 {
		o.MaxMemories = 10
	}
	if o.MaxActions <= 0 {
		o.MaxActions = 10
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Dispatcher executes actions. It holds no per-call state and is safe for
// concurrent use.
type Dispatcher struct {
	store     Store
	invoker   Invoker
	completer completion.Provider
	creds     completion.Credentials
	opts      Options
	allowed   map[string]bool
}

// NewDispatcher binds the ports. invoker and completer may be nil, in which
// case workflow and agent actions fail with a "not configured" result.
func NewDispatcher(store Store, invoker Invoker, completer completion.Provider, creds completion.Credentials, opts Options) *Dispatcher {
	opts.defaults()
	allowed := make(map[string]bool, len(opts.AllowedEvents))
	for _, e := range opts.AllowedEvents {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Dispatcher{store: store, invoker: invoker, completer: completer, creds: creds, opts: opts, allowed: allowed}
}

// Execute runs one action for env at the given agent depth. It never
// returns an error or panics; every failure is a Result.
func (d *Dispatcher) Execute(ctx context.Context, env Env, a Action, depth int) (res Result) {
	kind := "nil"
	if a != nil {
		kind = a.Kind()
	}
	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Str("action", kind).Str("user_id", env.UserID).Msg("action panicked")
			res = failure(fmt.Sprintf("%s failed unexpectedly", kind))
		}
		outcome := "ok"
		if !res.OK {
			outcome = "failed"
		}
		if _, known := a.(Unknown); known || a == nil {
			kind = "unknown"
		}
		metrics.ActionsDispatched.WithLabelValues(kind, outcome).Inc()
	}()

	if strings.TrimSpace(env.UserID) == "" {
		return failure("unauthorized: no user for this action")
	}

	switch v := a.(type) {
	case CreateIdea:
		return d.createIdea(ctx, env, v)
	case CreatePoll:
		return d.createPoll(ctx, env, v)
	case ScheduleTask:
		return d.scheduleTask(ctx, env, v)
	case ListTasks:
		return d.listTasks(ctx, env)
	case CancelTask:
		return d.cancelTask(ctx, env, v)
	case Reminder:
		return success("Reminder: " + v.Message)
	case Navigate:
		return success("Navigate to " + v.Path)
	case TriggerExternalWorkflow:
		return d.triggerWorkflow(ctx, env, v)
	case AIAgent:
		return d.invokeAgent(ctx, env, v, depth)
	case Chat:
		return success(v.Message)
	case Unknown:
		return failure("unknown action: " + v.Tag)
	case nil:
		return failure("unknown action: <empty>")
	default:
		return failure("unknown action: " + a.Kind())
	}
}

// ExecuteAll runs actions in order and returns their results.
func (d *Dispatcher) ExecuteAll(ctx context.Context, env Env, actions []Action, depth int) []Result {
	out := make([]Result, 0, len(actions))
	for _, a := range actions {
		out = append(out, d.Execute(ctx, env, a, depth))
	}
	return out
}

func (d *Dispatcher) createIdea(ctx context.Context, env Env, v CreateIdea) Result {
	if strings.TrimSpace(v.Content) == "" {
		return failure("a note needs some content")
	}
	if _, err := d.store.CreateNote(ctx, domain.Note{UserID: env.UserID, Content: v.Content, Tags: v.Tags, CreatedAt: d.opts.Now()}); err != nil {
		log.Error().Err(err).Str("user_id", env.UserID).Msg("create note")
		return failure("could not save the note")
	}
	msg := "Saved note: " + clip(v.Content, 80)
	if len(v.Tags) > 0 {
		msg += " (#" + strings.Join(v.Tags, " #") + ")"
	}
	return success(msg)
}

func (d *Dispatcher) createPoll(ctx context.Context, env Env, v CreatePoll) Result {
	if strings.TrimSpace(v.Title) == "" {
		return failure("a poll needs a title")
	}
	options := make([]domain.PollOption, 0, len(v.Options))
	for _, o := range v.Options {
		options = append(options, domain.PollOption{Text: o})
	}
	id, err := d.store.CreatePoll(ctx, domain.Poll{
		UserID:      env.UserID,
		Title:       v.Title,
		Description: v.Description,
		Type:        domain.PollType(v.Type),
		AccessCode:  v.AccessCode,
		Options:     options,
		CreatedAt:   d.opts.Now(),
	})
	if err != nil {
		log.Error().Err(err).Str("user_id", env.UserID).Msg("create poll")
		return failure("could not create the poll")
	}
	return success(fmt.Sprintf("Created poll %q with %d options (id %s)", v.Title, len(options), id))
}

func (d *Dispatcher) scheduleTask(ctx context.Context, env Env, v ScheduleTask) Result {
	scheduled := v.Scheduled
	if scheduled == nil {
		scheduled = Reminder{Message: v.Title}
	}
	payload, err := Encode(scheduled)
	if err != nil {
		log.Error().Err(err).Str("user_id", env.UserID).Msg("encode scheduled action")
		return failure("could not store the scheduled command")
	}
	trigger := v.TriggerAt
	switch {
	case trigger.IsZero():
		trigger = d.opts.Now()
	case v.Floating:
		trigger = InZone(trigger, d.opts.Location)
	}
	title := strings.TrimSpace(v.Title)
	if title == "" {
		title = scheduled.Kind()
	}

	id, err := d.store.CreateTask(ctx, domain.ScheduledTask{
		UserID:        env.UserID,
		Title:         title,
		TriggerAt:     trigger.Truncate(time.Millisecond),
		Recurrence:    v.Recurrence,
		ActionType:    scheduled.Kind(),
		ActionPayload: payload,
		Status:        domain.TaskActive,
		CreatedAt:     d.opts.Now(),
	})
	if err != nil {
		log.Error().Err(err).Str("user_id", env.UserID).Msg("create task")
		return failure("could not schedule the task")
	}
	msg := fmt.Sprintf("Scheduled %q for %s (id %s)", title, trigger.In(d.opts.Location).Format("2006-01-02 15:04"), id)
	if v.Recurrence != "" {
		msg += ", repeating " + v.Recurrence
	}
	return success(msg)
}

func (d *Dispatcher) listTasks(ctx context.Context, env Env) Result {
	tasks, err := d.store.ListTasks(ctx, env.UserID, domain.TaskActive, domain.TaskPaused)
	if err != nil {
		log.Error().Err(err).Str("user_id", env.UserID).Msg("list tasks")
		return failure("could not load your tasks")
	}
	if len(tasks) == 0 {
		return success("No scheduled tasks.")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d scheduled tasks:", len(tasks))
	for _, t := range tasks {
		fmt.Fprintf(&b, "\n- %s [%s] at %s", t.Title, t.ID, t.TriggerAt.In(d.opts.Location).Format("2006-01-02 15:04"))
		if t.Recurrence != "" {
			b.WriteString(", " + t.Recurrence)
		}
		if t.Status == domain.TaskPaused {
			b.WriteString(" (paused)")
		}
	}
	return success(b.String())
}

// cancelTask succeeds whether or not the task existed or belonged to the user.
func (d *Dispatcher) cancelTask(ctx context.Context, env Env, v CancelTask) Result {
	if v.TaskID == "" {
		return success("No task id given; nothing to cancel.")
	}
	deleted, err := d.store.DeleteTask(ctx, v.TaskID, env.UserID)
	if err != nil {
		log.Error().Err(err).Str("task_id", v.TaskID).Msg("delete task")
		return failure("could not cancel the task")
	}
	if !deleted {
		return success(fmt.Sprintf("Task %s was already gone.", v.TaskID))
	}
	return success(fmt.Sprintf("Cancelled task %s.", v.TaskID))
}

func (d *Dispatcher) triggerWorkflow(ctx context.Context, env Env, v TriggerExternalWorkflow) Result {
	if d.invoker == nil {
		return failure("external workflows are not configured")
	}
	event := strings.TrimSpace(v.Event)
	if event == "" {
		return failure("a workflow needs an event name")
	}
	if len(d.allowed) > 0 && !d.allowed[event] {
		log.Warn().Err(ErrEventNotAllowed).Str("event", event).Str("user_id", env.UserID).Msg("workflow rejected")
		return failure(fmt.Sprintf("workflow %q is not allowed", event))
	}

	payload := make(map[string]any, len(v.Payload)+1)
	for k, val := range v.Payload {
		payload[k] = val
	}
	if _, set := payload["recipient"]; !set {
		if u, err := d.store.GetUser(ctx, env.UserID); err == nil && u.Email != "" {
			payload["recipient"] = u.Email
		}
	}

	out, err := d.invoker.Invoke(ctx, event, payload)
	if err != nil {
		log.Error().Err(err).Str("event", event).Str("user_id", env.UserID).Msg("workflow invocation failed")
		return failure(fmt.Sprintf("workflow %q failed: %s", event, clip(err.Error(), 200)))
	}
	msg := fmt.Sprintf("Workflow %q triggered", event)
	if out = strings.TrimSpace(out); out != "" {
		msg += ": " + clip(out, 200)
	}
	return success(msg)
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
