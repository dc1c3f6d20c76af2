// Package chat turns a free-text user message into dispatched commands,
// feeding command failures back to the model so it can correct itself.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"hubflow/internal/action"
	"hubflow/internal/completion"
	"hubflow/internal/domain"
)

// MaxAttempts bounds provider calls per turn.
const MaxAttempts = 5

const instructions = `You are a productivity assistant inside a personal hub.
Translate the user's request into commands. Reply with a single JSON object
{"actions":[...]} and nothing else. Use a "chat" command to answer in words.

`

type Users interface {
	GetUser(ctx context.Context, id string) (domain.User, error)
}

type Dispatcher interface {
	Execute(ctx context.Context, env action.Env, a action.Action, depth int) action.Result
}

type Reply struct {
	OK       bool            `json:"ok"`
	Message  string          `json:"message"`
	Results  []action.Result `json:"results"`
	Attempts int             `json:"attempts"`
}

type Session struct {
	users      Users
	dispatcher Dispatcher
	completer  completion.Provider
	creds      completion.Credentials
	loc        *time.Location
	now        func() time.Time
}

func NewSession(users Users, dispatcher Dispatcher, completer completion.Provider, creds completion.Credentials, loc *time.Location) *Session {
	if loc == nil {
		loc = time.UTC
	}
	return &Session{users: users, dispatcher: dispatcher, completer: completer, creds: creds, loc: loc, now: time.Now}
}

// Turn handles one user message. Commands run in order at depth 0; the
// first failure is reported back to the model and the remaining commands
// of that response are dropped.
func (s *Session) Turn(ctx context.Context, userID, message string, media []completion.Media) Reply {
	if userID == "" {
		return Reply{Message: "unauthorized: no user for this message"}
	}
	if s.completer == nil {
		return Reply{Message: "the assistant is not configured"}
	}
	if strings.TrimSpace(message) == "" && len(media) == 0 {
		return Reply{Message: "nothing to do: empty message"}
	}

	var userKey string
	if u, err := s.users.GetUser(ctx, userID); err == nil {
		userKey = u.CompletionKey
	}
	key, err := s.creds.Resolve(userKey)
	if err != nil {
		return Reply{Message: "no completion credential configured"}
	}

	req := completion.Request{
		System: instructions + action.Catalog + "\n\n" + s.clock(),
		Turns:  []completion.Turn{{Role: completion.RoleUser, Text: message}},
		Media:  media,
	}
	env := action.Env{UserID: userID}
	var reply Reply

	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		reply.Attempts = attempt
		raw, err := s.completer.Complete(ctx, key, req)
		if err != nil {
			log.Error().Err(err).Str("user_id", userID).Int("attempt", attempt).Msg("chat completion failed")
			reply.OK = false
			if errors.Is(err, context.DeadlineExceeded) {
				reply.Message = "the assistant timed out"
			} else {
				reply.Message = "the assistant could not be reached"
			}
			return reply
		}

		actions := action.NormalizeList([]byte(raw))
		if len(actions) == 0 {
			reply.OK = true
			reply.Message = "Nothing to do."
			return reply
		}

		failed, ran := -1, 0
		var res action.Result
		for i, a := range actions {
			res = s.dispatcher.Execute(ctx, env, a, 0)
			reply.Results = append(reply.Results, res)
			ran++
			if !res.OK {
				failed = i
				break
			}
		}
		if failed < 0 {
			reply.OK = true
			reply.Message = joinMessages(reply.Results[len(reply.Results)-ran:])
			return reply
		}

		log.Info().Str("user_id", userID).Int("attempt", attempt).Str("kind", kindOf(actions[failed])).Msg("chat command failed, asking for a correction")
		req.Turns = append(req.Turns,
			completion.Turn{Role: completion.RoleAssistant, Text: raw},
			completion.Turn{Role: completion.RoleUser, Text: correction(actions[failed], res, failed)},
		)
	}

	reply.OK = false
	reply.Message = fmt.Sprintf("gave up after %d attempts: %s", MaxAttempts, lastMessage(reply.Results))
	return reply
}

func (s *Session) clock() string {
	now := s.now().In(s.loc)
	return fmt.Sprintf("Current time: %s (epoch ms %d, zone %s)", now.Format(time.RFC3339), now.UnixMilli(), s.loc)
}

func correction(a action.Action, res action.Result, index int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The command %q failed: %s\n", kindOf(a), res.Message)
	if a != nil {
		if raw, err := action.Encode(a); err == nil {
			fmt.Fprintf(&b, "Failed command: %s\n", raw)
		}
	}
	if index > 0 {
		fmt.Fprintf(&b, "The %d command(s) before it already ran; do not repeat them.\n", index)
	}
	b.WriteString("Reply with corrected commands for what is left.")
	return b.String()
}

func kindOf(a action.Action) string {
	if a == nil {
		return "unknown"
	}
	return a.Kind()
}

func joinMessages(results []action.Result) string {
	msgs := make([]string, 0, len(results))
	for _, r := range results {
		msgs = append(msgs, r.Message)
	}
	return strings.Join(msgs, "\n")
}

func lastMessage(results []action.Result) string {
	if len(results) == 0 {
		return ""
	}
	return results[len(results)-1].Message
}
