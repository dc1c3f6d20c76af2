package action

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"hubflow/internal/completion"
	"hubflow/internal/domain"
)

// MaxAgentDepth is the first agent depth that is refused.
const MaxAgentDepth = 3

const (
	ScopeNotes    = "notes"
	ScopeTasks    = "tasks"
	ScopeMemories = "memories"
)

// invokeAgent asks the model for a plan over a snapshot of the user's data
// and runs each returned command one level deeper.
func (d *Dispatcher) invokeAgent(ctx context.Context, env Env, a AIAgent, depth int) Result {
	if a.Depth > depth {
		depth = a.Depth
	}
	if depth >= MaxAgentDepth {
		log.Warn().Str("user_id", env.UserID).Int("depth", depth).Msg("agent recursion limit")
		return failure(fmt.Sprintf("agent recursion limit reached (depth %d of %d)", depth, MaxAgentDepth))
	}
	if d.completer == nil {
		return failure("the AI agent is not configured")
	}
	if strings.TrimSpace(a.Prompt) == "" {
		return failure("the agent needs a prompt")
	}

	var userKey string
	if u, err := d.store.GetUser(ctx, env.UserID); err == nil {
		userKey = u.CompletionKey
	}
	key, err := d.creds.Resolve(userKey)
	if err != nil {
		log.Warn().Err(err).Str("user_id", env.UserID).Msg("agent credential")
		return failure("no completion credential configured for the agent")
	}

	req := completion.Request{
		System: agentInstructions,
		Turns: []completion.Turn{{
			Role: completion.RoleUser,
			Text: a.Prompt + "\n\n" + d.snapshot(ctx, env.UserID, a.ContextScope),
		}},
	}
	raw, err := d.completer.Complete(ctx, key, req)
	if err != nil {
		log.Error().Err(err).Str("user_id", env.UserID).Int("depth", depth).Msg("agent completion failed")
		if errors.Is(err, context.DeadlineExceeded) {
			return failure("the agent timed out waiting for the assistant")
		}
		return failure("the agent could not reach the assistant")
	}

	actions := NormalizeList([]byte(raw))
	skipped := 0
	if len(actions) > d.opts.MaxActions {
		skipped = len(actions) - d.opts.MaxActions
		actions = actions[:d.opts.MaxActions]
	}

	allOK := true
	msgs := make([]string, 0, len(actions)+1)
	for _, sub := range actions {
		r := d.Execute(ctx, env, sub, depth+1)
		allOK = allOK && r.OK
		msgs = append(msgs, r.Message)
	}
	if skipped > 0 {
		msgs = append(msgs, fmt.Sprintf("skipped %d further commands over the limit of %d", skipped, d.opts.MaxActions))
	}
	if len(msgs) == 0 {
		msgs = append(msgs, "Agent finished with nothing to do.")
	}

	d.remember(ctx, env, a, msgs)
	return Result{OK: allOK, Message: strings.Join(msgs, "\n")}
}

func (d *Dispatcher) remember(ctx context.Context, env Env, a AIAgent, outcomes []string) {
	content := fmt.Sprintf("agent executed prompt %q: %s", clip(a.Prompt, 200), strings.Join(outcomes, " | "))
	_, err := d.store.AppendMemory(ctx, domain.Memory{
		UserID:     env.UserID,
		Type:       "agent_run",
		Content:    clip(content, 1000),
		Importance: 1,
		Tags:       resolveScope(a.ContextScope),
		Source:     KindAIAgent,
		CreatedAt:  d.opts.Now(),
	})
	if err != nil {
		log.Error().Err(err).Str("user_id", env.UserID).Msg("append agent memory")
	}
}

func resolveScope(scope []string) []string {
	if len(scope) == 0 {
		return []string{ScopeNotes, ScopeTasks, ScopeMemories}
	}
	seen := map[string]bool{}
	out := make([]string, 0, len(scope))
	for _, s := range scope {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "notes", "note", "ideas", "idea":
			s = ScopeNotes
		case "tasks", "task", "schedule":
			s = ScopeTasks
		case "memories", "memory":
			s = ScopeMemories
		default:
			continue
		}
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return []string{ScopeNotes, ScopeTasks, ScopeMemories}
	}
	return out
}

// snapshot renders the selected slices of the user's data. A section that
// fails to load is left out.
func (d *Dispatcher) snapshot(ctx context.Context, userID string, scope []string) string {
	var b strings.Builder
	b.WriteString("Context:")
	for _, s := range resolveScope(scope) {
		switch s {
		case ScopeNotes:
			notes, err := d.store.ListRecentNotes(ctx, userID, d.opts.MaxNotes)
			if err != nil {
				log.Error().Err(err).Str("user_id", userID).Msg("agent snapshot notes")
				continue
			}
			b.WriteString("\nRecent notes:")
			if len(notes) == 0 {
				b.WriteString(" none")
			}
			for _, n := range notes {
				fmt.Fprintf(&b, "\n- %s", clip(n.Content, 300))
				if len(n.Tags) > 0 {
					fmt.Fprintf(&b, " [%s]", strings.Join(n.Tags, ", "))
				}
			}
		case ScopeTasks:
			tasks, err := d.store.ListTasks(ctx, userID, domain.TaskActive)
			if err != nil {
				log.Error().Err(err).Str("user_id", userID).Msg("agent snapshot tasks")
				continue
			}
			b.WriteString("\nActive tasks:")
			if len(tasks) == 0 {
				b.WriteString(" none")
			}
			for _, t := range tasks {
				fmt.Fprintf(&b, "\n- %s (id %s, %s) at %s", t.Title, t.ID, t.ActionType, t.TriggerAt.In(d.opts.Location).Format("2006-01-02 15:04"))
				if t.Recurrence != "" {
					b.WriteString(", " + t.Recurrence)
				}
			}
		case ScopeMemories:
			mems, err := d.store.ListTopMemories(ctx, userID, d.opts.MaxMemories)
			if err != nil {
				log.Error().Err(err).Str("user_id", userID).Msg("agent snapshot memories")
				continue
			}
			b.WriteString("\nMemories:")
			if len(mems) == 0 {
				b.WriteString(" none")
			}
			for _, m := range mems {
				fmt.Fprintf(&b, "\n- (%d) %s", m.Importance, clip(m.Content, 300))
			}
		}
	}
	fmt.Fprintf(&b, "\nCurrent time: %s", d.opts.Now().In(d.opts.Location).Format("2006-01-02 15:04 MST"))
	return b.String()
}
