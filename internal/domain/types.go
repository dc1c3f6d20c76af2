package domain

import "time"

type TaskStatus string

const (
	TaskActive    TaskStatus = "active"
	TaskPaused    TaskStatus = "paused"
	TaskCompleted TaskStatus = "completed"
)

// ScheduledTask is an action stored for later execution. TriggerAt is kept
// at millisecond precision because the claim compares it for equality.
type ScheduledTask struct {
	ID            string     `json:"id"`
	UserID        string     `json:"userId"`
	Title         string     `json:"title"`
	TriggerAt     time.Time  `json:"triggerAt"`
	Recurrence    string     `json:"recurrence,omitempty"`
	ActionType    string     `json:"actionType"`
	ActionPayload []byte     `json:"-"`
	Status        TaskStatus `json:"status"`
	LastTriggered *time.Time `json:"lastTriggered,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

type Note struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"createdAt"`
}

type PollType string

const (
	PollSingleChoice   PollType = "single_choice"
	PollMultipleChoice PollType = "multiple_choice"
	PollOpenText       PollType = "open_text"
)

type Poll struct {
	ID          string       `json:"id"`
	UserID      string       `json:"userId"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Type        PollType     `json:"type"`
	AccessCode  string       `json:"accessCode,omitempty"`
	Options     []PollOption `json:"options"`
	CreatedAt   time.Time    `json:"createdAt"`
}

type PollOption struct {
	ID       string `json:"id"`
	PollID   string `json:"pollId"`
	Text     string `json:"text"`
	Position int    `json:"position"`
}

// Memory is an immutable summary fact fed back to the agent.
type Memory struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	Type       string    `json:"type"`
	Content    string    `json:"content"`
	Importance int       `json:"importance"`
	Tags       []string  `json:"tags"`
	Source     string    `json:"source"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Notification is an entry of the in-app feed.
type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}

// User holds the per-user fields the engine reads: the completion
// credential and the bound chat channel.
type User struct {
	ID            string    `json:"id"`
	DisplayName   string    `json:"displayName"`
	Email         string    `json:"email,omitempty"`
	CompletionKey string    `json:"-"`
	ChatID        string    `json:"chatId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}
