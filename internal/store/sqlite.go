package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"hubflow/internal/domain"
)

var ErrNotFound = errors.New("not found")

// Open opens the SQLite database at path with WAL and a single writer.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	if err := EnsureSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return db, nil
}

// EnsureSchema creates tables if they don't exist. Instants are stored as
// epoch milliseconds.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS users (
  id TEXT PRIMARY KEY,
  display_name TEXT NOT NULL DEFAULT '',
  email TEXT NOT NULL DEFAULT '',
  completion_key TEXT NOT NULL DEFAULT '',
  chat_id TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_users_chat ON users(chat_id) WHERE chat_id <> '';
CREATE TABLE IF NOT EXISTS notes (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  content TEXT NOT NULL,
  tags TEXT NOT NULL DEFAULT '[]',
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notes_user ON notes(user_id, created_at DESC);
CREATE TABLE IF NOT EXISTS polls (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  title TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  type TEXT NOT NULL,
  access_code TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS poll_options (
  id TEXT PRIMARY KEY,
  poll_id TEXT NOT NULL,
  text TEXT NOT NULL,
  position INTEGER NOT NULL,
  FOREIGN KEY(poll_id) REFERENCES polls(id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS scheduled_tasks (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  title TEXT NOT NULL,
  trigger_at INTEGER NOT NULL,
  recurrence TEXT NOT NULL DEFAULT '',
  action_type TEXT NOT NULL,
  action_payload BLOB NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('active','paused','completed')) DEFAULT 'active',
  last_triggered INTEGER,
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_due ON scheduled_tasks(status, trigger_at);
CREATE INDEX IF NOT EXISTS idx_tasks_user ON scheduled_tasks(user_id, status);
CREATE TABLE IF NOT EXISTS memories (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  type TEXT NOT NULL,
  content TEXT NOT NULL,
  importance INTEGER NOT NULL DEFAULT 0,
  tags TEXT NOT NULL DEFAULT '[]',
  source TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memories_rank ON memories(user_id, importance DESC, created_at DESC);
CREATE TABLE IF NOT EXISTS notifications (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  title TEXT NOT NULL,
  body TEXT NOT NULL,
  is_read INTEGER NOT NULL DEFAULT 0,
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id, created_at DESC);
`
	_, err := db.Exec(schema)
	return err
}

// Claim describes the compare-and-swap that marks a due task as handled
// for one trigger instant. A nil Next completes the task.
type Claim struct {
	TaskID   string
	Observed time.Time
	Now      time.Time
	Next     *time.Time
}

type Repository interface {
	// Users
	UpsertUser(ctx context.Context, u domain.User) (string, error)
	GetUser(ctx context.Context, id string) (domain.User, error)
	FindUserByChatID(ctx context.Context, chatID string) (domain.User, error)

	// Notes and polls
	CreateNote(ctx context.Context, n domain.Note) (string, error)
	ListRecentNotes(ctx context.Context, userID string, limit int) ([]domain.Note, error)
	CreatePoll(ctx context.Context, p domain.Poll) (string, error)
	GetPoll(ctx context.Context, id string) (domain.Poll, error)

	// Scheduled tasks
	CreateTask(ctx context.Context, t domain.ScheduledTask) (string, error)
	GetTask(ctx context.Context, id string) (domain.ScheduledTask, error)
	ListTasks(ctx context.Context, userID string, statuses ...domain.TaskStatus) ([]domain.ScheduledTask, error)
	DeleteTask(ctx context.Context, id, userID string) (bool, error)
	SetTaskStatus(ctx context.Context, id, userID string, from, to domain.TaskStatus) (bool, error)
	GetDueTasks(ctx context.Context, now time.Time, userID string) ([]domain.ScheduledTask, error)
	ClaimTask(ctx context.Context, c Claim) (bool, error)

	// Memories
	AppendMemory(ctx context.Context, m domain.Memory) (string, error)
	ListTopMemories(ctx context.Context, userID string, limit int) ([]domain.Memory, error)
	PruneMemories(ctx context.Context, userID string) (int, error)

	// Notifications
	CreateNotification(ctx context.Context, n domain.Notification) (string, error)
	ListNotifications(ctx context.Context, userID string, limit int) ([]domain.Notification, error)
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

func encodeTags(tags []string) string {
	if len(tags) == 0 {
		return "[]"
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeTags(s string) []string {
	var tags []string
	if err := json.Unmarshal([]byte(s), &tags); err != nil || tags == nil {
		return []string{}
	}
	return tags
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (r *sqliteRepo) UpsertUser(ctx context.Context, u domain.User) (string, error) {
	id := u.ID
	if id == "" {
		id = "usr_" + uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO users (id,display_name,email,completion_key,chat_id,created_at)
VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  display_name=excluded.display_name,
  email=excluded.email,
  completion_key=excluded.completion_key,
  chat_id=excluded.chat_id`,
		id, u.DisplayName, u.Email, u.CompletionKey, u.ChatID, millis(stamp(u.CreatedAt)))
	return id, err
}

const userColumns = `id,display_name,email,completion_key,chat_id,created_at`

func scanUser(row interface{ Scan(...any) error }) (domain.User, error) {
	var u domain.User
	var created int64
	if err := row.Scan(&u.ID, &u.DisplayName, &u.Email, &u.CompletionKey, &u.ChatID, &created); err != nil {
		return domain.User{}, notFound(err)
	}
	u.CreatedAt = fromMillis(created)
	return u, nil
}

func (r *sqliteRepo) GetUser(ctx context.Context, id string) (domain.User, error) {
	return scanUser(r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id))
}

func (r *sqliteRepo) FindUserByChatID(ctx context.Context, chatID string) (domain.User, error) {
	if chatID == "" {
		return domain.User{}, ErrNotFound
	}
	return scanUser(r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE chat_id=? LIMIT 1`, chatID))
}

func (r *sqliteRepo) CreateNote(ctx context.Context, n domain.Note) (string, error) {
	id := n.ID
	if id == "" {
		id = "note_" + uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO notes (id,user_id,content,tags,created_at) VALUES (?,?,?,?,?)`,
		id, n.UserID, n.Content, encodeTags(n.Tags), millis(stamp(n.CreatedAt)))
	return id, err
}

func (r *sqliteRepo) ListRecentNotes(ctx context.Context, userID string, limit int) ([]domain.Note, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id,user_id,content,tags,created_at FROM notes
WHERE user_id=? ORDER BY created_at DESC, rowid DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notes []domain.Note
	for rows.Next() {
		var n domain.Note
		var tags string
		var created int64
		if err := rows.Scan(&n.ID, &n.UserID, &n.Content, &tags, &created); err != nil {
			return nil, err
		}
		n.Tags = decodeTags(tags)
		n.CreatedAt = fromMillis(created)
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// CreatePoll stores the poll and its options in one transaction.
func (r *sqliteRepo) CreatePoll(ctx context.Context, p domain.Poll) (id string, err error) {
	id = p.ID
	if id == "" {
		id = "poll_" + uuid.NewString()
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `
INSERT INTO polls (id,user_id,title,description,type,access_code,created_at) VALUES (?,?,?,?,?,?,?)`,
		id, p.UserID, p.Title, p.Description, string(p.Type), p.AccessCode, millis(stamp(p.CreatedAt))); err != nil {
		return "", err
	}
	for i, o := range p.Options {
		if _, err = tx.ExecContext(ctx, `
INSERT INTO poll_options (id,poll_id,text,position) VALUES (?,?,?,?)`,
			"opt_"+uuid.NewString(), id, o.Text, i); err != nil {
			return "", err
		}
	}
	if err = tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

func (r *sqliteRepo) GetPoll(ctx context.Context, id string) (domain.Poll, error) {
	var p domain.Poll
	var typ string
	var created int64
	err := r.db.QueryRowContext(ctx, `
SELECT id,user_id,title,description,type,access_code,created_at FROM polls WHERE id=?`, id).
		Scan(&p.ID, &p.UserID, &p.Title, &p.Description, &typ, &p.AccessCode, &created)
	if err != nil {
		return domain.Poll{}, notFound(err)
	}
	p.Type = domain.PollType(typ)
	p.CreatedAt = fromMillis(created)

	rows, err := r.db.QueryContext(ctx, `
SELECT id,poll_id,text,position FROM poll_options WHERE poll_id=? ORDER BY position`, id)
	if err != nil {
		return domain.Poll{}, err
	}
	defer rows.Close()
	p.Options = []domain.PollOption{}
	for rows.Next() {
		var o domain.PollOption
		if err := rows.Scan(&o.ID, &o.PollID, &o.Text, &o.Position); err != nil {
			return domain.Poll{}, err
		}
		p.Options = append(p.Options, o)
	}
	return p, rows.Err()
}

func (r *sqliteRepo) CreateTask(ctx context.Context, t domain.ScheduledTask) (string, error) {
	id := t.ID
	if id == "" {
		id = "tsk_" + uuid.NewString()
	}
	if t.Status == "" {
		t.Status = domain.TaskActive
	}
	if t.ActionPayload == nil {
		t.ActionPayload = []byte("{}")
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO scheduled_tasks (id,user_id,title,trigger_at,recurrence,action_type,action_payload,status,last_triggered,created_at)
VALUES (?,?,?,?,?,?,?,?,NULL,?)`,
		id, t.UserID, t.Title, millis(t.TriggerAt), t.Recurrence, t.ActionType, t.ActionPayload, string(t.Status), millis(stamp(t.CreatedAt)))
	return id, err
}

const taskColumns = `id,user_id,title,trigger_at,recurrence,action_type,action_payload,status,last_triggered,created_at`

func scanTask(row interface{ Scan(...any) error }) (domain.ScheduledTask, error) {
	var t domain.ScheduledTask
	var triggerAt, created int64
	var last sql.NullInt64
	var status string
	if err := row.Scan(&t.ID, &t.UserID, &t.Title, &triggerAt, &t.Recurrence, &t.ActionType, &t.ActionPayload, &status, &last, &created); err != nil {
		return domain.ScheduledTask{}, err
	}
	t.TriggerAt = fromMillis(triggerAt)
	t.Status = domain.TaskStatus(status)
	t.CreatedAt = fromMillis(created)
	if last.Valid {
		lt := fromMillis(last.Int64)
		t.LastTriggered = &lt
	}
	return t, nil
}

func collectTasks(rows *sql.Rows) ([]domain.ScheduledTask, error) {
	defer rows.Close()
	var tasks []domain.ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (r *sqliteRepo) GetTask(ctx context.Context, id string) (domain.ScheduledTask, error) {
	t, err := scanTask(r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks WHERE id=?`, id))
	if err != nil {
		return domain.ScheduledTask{}, notFound(err)
	}
	return t, nil
}

// ListTasks returns the user's tasks ordered by trigger time. With no
// statuses every task is returned.
func (r *sqliteRepo) ListTasks(ctx context.Context, userID string, statuses ...domain.TaskStatus) ([]domain.ScheduledTask, error) {
	query := `SELECT ` + taskColumns + ` FROM scheduled_tasks WHERE user_id=?`
	args := []any{userID}
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, s := range statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		query += ` AND status IN (` + strings.Join(marks, ",") + `)`
	}
	query += ` ORDER BY trigger_at`
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

// DeleteTask removes a task owned by userID and reports whether a row went away.
func (r *sqliteRepo) DeleteTask(ctx context.Context, id, userID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id=? AND user_id=?`, id, userID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *sqliteRepo) SetTaskStatus(ctx context.Context, id, userID string, from, to domain.TaskStatus) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE scheduled_tasks SET status=? WHERE id=? AND user_id=? AND status=?`, string(to), id, userID, string(from))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetDueTasks returns active tasks whose trigger has passed. An empty
// userID selects every user.
func (r *sqliteRepo) GetDueTasks(ctx context.Context, now time.Time, userID string) ([]domain.ScheduledTask, error) {
	query := `SELECT ` + taskColumns + ` FROM scheduled_tasks WHERE status='active' AND trigger_at <= ?`
	args := []any{millis(now)}
	if userID != "" {
		query += ` AND user_id=?`
		args = append(args, userID)
	}
	query += ` ORDER BY trigger_at`
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

// ClaimTask re-arms or completes a task in one conditional UPDATE keyed on
// the observed trigger instant. It reports false when another caller
// already claimed that instant.
func (r *sqliteRepo) ClaimTask(ctx context.Context, c Claim) (bool, error) {
	var res sql.Result
	var err error
	if c.Next != nil {
		res, err = r.db.ExecContext(ctx, `
UPDATE scheduled_tasks SET last_triggered=?, trigger_at=?
WHERE id=? AND status='active' AND trigger_at=?`,
			millis(c.Now), millis(*c.Next), c.TaskID, millis(c.Observed))
	} else {
		res, err = r.db.ExecContext(ctx, `
UPDATE scheduled_tasks SET last_triggered=?, status='completed'
WHERE id=? AND status='active' AND trigger_at=?`,
			millis(c.Now), c.TaskID, millis(c.Observed))
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *sqliteRepo) AppendMemory(ctx context.Context, m domain.Memory) (string, error) {
	id := m.ID
	if id == "" {
		id = "mem_" + uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO memories (id,user_id,type,content,importance,tags,source,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		id, m.UserID, m.Type, m.Content, m.Importance, encodeTags(m.Tags), m.Source, millis(stamp(m.CreatedAt)))
	return id, err
}

// ListTopMemories returns at most limit memories ranked by importance, then recency.
func (r *sqliteRepo) ListTopMemories(ctx context.Context, userID string, limit int) ([]domain.Memory, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id,user_id,type,content,importance,tags,source,created_at FROM memories
WHERE user_id=? ORDER BY importance DESC, created_at DESC, rowid DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Memory
	for rows.Next() {
		var m domain.Memory
		var tags string
		var created int64
		if err := rows.Scan(&m.ID, &m.UserID, &m.Type, &m.Content, &m.Importance, &tags, &m.Source, &created); err != nil {
			return nil, err
		}
		m.Tags = decodeTags(tags)
		m.CreatedAt = fromMillis(created)
		out = append(out, m)
	}
	return out, rows.Err()
}

// PruneMemories is reserved for expiry; memories are currently kept forever.
func (r *sqliteRepo) PruneMemories(ctx context.Context, userID string) (int, error) {
	return 0, nil
}

func (r *sqliteRepo) CreateNotification(ctx context.Context, n domain.Notification) (string, error) {
	id := n.ID
	if id == "" {
		id = "ntf_" + uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO notifications (id,user_id,title,body,is_read,created_at) VALUES (?,?,?,?,0,?)`,
		id, n.UserID, n.Title, n.Body, millis(stamp(n.CreatedAt)))
	return id, err
}

func (r *sqliteRepo) ListNotifications(ctx context.Context, userID string, limit int) ([]domain.Notification, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id,user_id,title,body,is_read,created_at FROM notifications
WHERE user_id=? ORDER BY created_at DESC, rowid DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var read int
		var created int64
		if err := rows.Scan(&n.ID, &n.UserID, &n.Title, &n.Body, &read, &created); err != nil {
			return nil, err
		}
		n.Read = read != 0
		n.CreatedAt = fromMillis(created)
		out = append(out, n)
	}
	return out, rows.Err()
}
