// Package action defines the commands the assistant can emit, turns raw
// JSON into them and executes them.
//
// Action is a closed set: the unexported marker method keeps other
// packages from adding variants, and anything the normalizer does not
// recognize becomes Unknown, which always fails on dispatch.
package action

import (
	"encoding/json"
	"time"
)

const (
	KindCreateIdea      = "create_idea"
	KindCreatePoll      = "create_poll"
	KindScheduleTask    = "schedule_task"
	KindListTasks       = "list_tasks"
	KindCancelTask      = "cancel_task"
	KindReminder        = "reminder"
	KindNavigate        = "navigate"
	KindTriggerWorkflow = "trigger_external_workflow"
	KindAIAgent         = "ai_agent"
	KindChat            = "chat"
)

type Action interface {
	Kind() string
	isAction()
}

type CreateIdea struct {
	Content string   `json:"content"`
	Tags    []string `json:"tags"`
}

type CreatePoll struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Type        string   `json:"type"`
	Options     []string `json:"options"`
	AccessCode  string   `json:"accessCode,omitempty"`
}

// ScheduleTask stores Scheduled for execution at TriggerAt.
type ScheduleTask struct {
	Title      string    `json:"title"`
	TriggerAt  time.Time `json:"-"`
	Recurrence string    `json:"recurrence,omitempty"`
	Scheduled  Action    `json:"-"`
	// Floating marks a TriggerAt given without a zone offset; the
	// dispatcher places it in its configured location.
	Floating bool `json:"-"`
}

type ListTasks struct{}

type CancelTask struct {
	TaskID string `json:"taskId"`
}

type Reminder struct {
	Message string `json:"message"`
}

type Navigate struct {
	Path string `json:"path"`
}

type TriggerExternalWorkflow struct {
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload"`
}

// AIAgent asks the model to act on a snapshot of the user's data. Depth
// counts the agent invocations already above this one.
type AIAgent struct {
	Prompt       string   `json:"prompt"`
	ContextScope []string `json:"contextScope,omitempty"`
	Depth        int      `json:"depth"`
}

type Chat struct {
	Message string `json:"message"`
}

// Unknown carries an unrecognized tag together with the raw command.
type Unknown struct {
	Tag string          `json:"-"`
	Raw json.RawMessage `json:"-"`
}

func (CreateIdea) Kind() string              { return KindCreateIdea }
func (CreatePoll) Kind() string              { return KindCreatePoll }
func (ScheduleTask) Kind() string            { return KindScheduleTask }
func (ListTasks) Kind() string               { return KindListTasks }
func (CancelTask) Kind() string              { return KindCancelTask }
func (Reminder) Kind() string                { return KindReminder }
func (Navigate) Kind() string                { return KindNavigate }
func (TriggerExternalWorkflow) Kind() string { return KindTriggerWorkflow }
func (AIAgent) Kind() string                 { return KindAIAgent }
func (Chat) Kind() string                    { return KindChat }
func (u Unknown) Kind() string               { return u.Tag }

func (CreateIdea) isAction()              {}
func (CreatePoll) isAction()              {}
func (ScheduleTask) isAction()            {}
func (ListTasks) isAction()               {}
func (CancelTask) isAction()              {}
func (Reminder) isAction()                {}
func (Navigate) isAction()                {}
func (TriggerExternalWorkflow) isAction() {}
func (AIAgent) isAction()                 {}
func (Chat) isAction()                    {}
func (Unknown) isAction()                 {}

// Result is the outcome of one dispatched action. Failures are results,
// so Message is always fit to show to the user.
type Result struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

func success(msg string) Result { return Result{OK: true, Message: msg} }
func failure(msg string) Result { return Result{OK: false, Message: msg} }
