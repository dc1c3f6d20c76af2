package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/sjson"

	"hubflow/internal/action"
	"hubflow/internal/chat"
	"hubflow/internal/completion"
	"hubflow/internal/domain"
	"hubflow/internal/metrics"
	"hubflow/internal/notify"
	"hubflow/internal/recurrence"
	"hubflow/internal/scheduler"
	"hubflow/internal/store"
)

// Runner is the scheduled-task surface the server drives.
type Runner interface {
	Sweep(ctx context.Context, now time.Time) scheduler.Report
	SweepUser(ctx context.Context, userID string, now time.Time) scheduler.Report
	RunOnce(ctx context.Context, userID, taskID string) action.Result
}

type Chatter interface {
	Turn(ctx context.Context, userID, message string, media []completion.Media) chat.Reply
}

// Replier answers an inbound chat message on its channel.
type Replier interface {
	Reply(ctx context.Context, chatID, text string) error
}

type Deps struct {
	Repo       store.Repository
	Dispatcher scheduler.Dispatcher
	Runner     Runner
	Chat       Chatter
	Replier    Replier

	CronSecret     string
	TelegramSecret string
	Debug          bool
	Now            func() time.Time
}

type Server struct {
	r    *chi.Mux
	deps Deps
}

const maxBody = 8 << 20

func NewServer(deps Deps) http.Handler {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, deps: deps}

	r.Get("/health", s.health)
	r.Handle("/metrics", metrics.Handler())
	r.Post("/webhook/telegram/{secret}", s.telegramWebhook)

	r.Route("/api", func(r chi.Router) {
		r.Post("/cron/sweep", s.cronSweep)

		r.Group(func(r chi.Router) {
			r.Use(requireUser)
			r.Post("/actions", s.dispatch)
			r.Post("/chat", s.chat)

			r.Get("/tasks", s.listTasks)
			r.Post("/tasks", s.createTask)
			r.Post("/tasks/check", s.checkTasks)
			r.Post("/tasks/{id}/test", s.testTask)
			r.Post("/tasks/{id}/pause", s.setStatus(domain.TaskActive, domain.TaskPaused))
			r.Post("/tasks/{id}/resume", s.setStatus(domain.TaskPaused, domain.TaskActive))
			r.Delete("/tasks/{id}", s.deleteTask)

			r.Get("/notes", s.listNotes)
			r.Get("/polls/{id}", s.getPoll)
			r.Get("/memories", s.listMemories)
			r.Get("/notifications", s.listNotifications)
		})
	})

	if deps.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

type ctxKey struct{}

// requireUser reads the caller's identity from X-User-ID.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-User-ID"))
		if id == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

func userID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKey{}).(string)
	return id
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		http.Error(w, err.Error(), 400)
		return nil, false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		http.Error(w, "request body is required", 400)
		return nil, false
	}
	return body, true
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	res := s.deps.Dispatcher.Execute(r.Context(), action.Env{UserID: userID(r)}, action.Normalize(body), 0)
	writeJSON(w, 200, res)
}

type chatReq struct {
	Message string `json:"message"`
	Media   []struct {
		MIMEType string `json:"mimeType"`
		Data     []byte `json:"data"`
	} `json:"media"`
}

func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	if s.deps.Chat == nil {
		http.Error(w, "chat is not configured", http.StatusServiceUnavailable)
		return
	}
	var req chatReq
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	media := make([]completion.Media, 0, len(req.Media))
	for _, m := range req.Media {
		media = append(media, completion.Media{MIMEType: m.MIMEType, Data: m.Data})
	}
	writeJSON(w, 200, s.deps.Chat.Turn(r.Context(), userID(r), req.Message, media))
}

func (s *Server) cronSweep(w http.ResponseWriter, r *http.Request) {
	token, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if s.deps.CronSecret == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.deps.CronSecret)) != 1 {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, 200, s.deps.Runner.Sweep(r.Context(), s.deps.Now()))
}

func (s *Server) checkTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, s.deps.Runner.SweepUser(r.Context(), userID(r), s.deps.Now()))
}

func (s *Server) testTask(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, s.deps.Runner.RunOnce(r.Context(), userID(r), chi.URLParam(r, "id")))
}

type taskView struct {
	domain.ScheduledTask
	Action json.RawMessage `json:"action"`
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	var statuses []domain.TaskStatus
	if st := r.URL.Query().Get("status"); st != "" {
		statuses = append(statuses, domain.TaskStatus(st))
	}
	tasks, err := s.deps.Repo.ListTasks(r.Context(), userID(r), statuses...)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	out := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		v := taskView{ScheduledTask: t, Action: t.ActionPayload}
		if !json.Valid(v.Action) {
			v.Action = json.RawMessage("null")
		}
		out = append(out, v)
	}
	writeJSON(w, 200, out)
}

// createTask accepts the body of a schedule_task command.
func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	body, err := sjson.SetBytes(body, "action", action.KindScheduleTask)
	if err != nil {
		http.Error(w, "invalid task: "+err.Error(), 400)
		return
	}
	a, _ := action.Normalize(body).(action.ScheduleTask)
	if rule := a.Recurrence; rule != "" && !recurrence.Valid(rule) {
		http.Error(w, "invalid recurrence: "+rule, 400)
		return
	}
	writeJSON(w, 200, s.deps.Dispatcher.Execute(r.Context(), action.Env{UserID: userID(r)}, a, 0))
}

func (s *Server) setStatus(from, to domain.TaskStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		changed, err := s.deps.Repo.SetTaskStatus(r.Context(), id, userID(r), from, to)
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		if !changed {
			http.Error(w, "not found", 404)
			return
		}
		writeJSON(w, 200, map[string]any{"id": id, "status": to})
	}
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.deps.Repo.DeleteTask(r.Context(), chi.URLParam(r, "id"), userID(r))
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if !deleted {
		http.Error(w, "not found", 404)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func limitParam(r *http.Request, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 || n > 200 {
		return def
	}
	return n
}

func (s *Server) listNotes(w http.ResponseWriter, r *http.Request) {
	notes, err := s.deps.Repo.ListRecentNotes(r.Context(), userID(r), limitParam(r, 50))
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, notes)
}

func (s *Server) getPoll(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Repo.GetPoll(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) || (err == nil && p.UserID != userID(r)) {
		http.Error(w, "not found", 404)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, p)
}

func (s *Server) listMemories(w http.ResponseWriter, r *http.Request) {
	mems, err := s.deps.Repo.ListTopMemories(r.Context(), userID(r), limitParam(r, 20))
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, mems)
}

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	items, err := s.deps.Repo.ListNotifications(r.Context(), userID(r), limitParam(r, 50))
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, items)
}

// telegramWebhook always answers 200 so the Bot API does not redeliver.
func (s *Server) telegramWebhook(w http.ResponseWriter, r *http.Request) {
	secret := chi.URLParam(r, "secret")
	if s.deps.TelegramSecret == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(s.deps.TelegramSecret)) != 1 {
		http.Error(w, "not found", 404)
		return
	}
	var upd notify.Update
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&upd); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	text := upd.Text()
	if upd.Message.Chat.ID == 0 || text == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	chatID := strconv.FormatInt(upd.Message.Chat.ID, 10)

	reply := "This chat is not linked to a hubflow account."
	user, err := s.deps.Repo.FindUserByChatID(r.Context(), chatID)
	switch {
	case err == nil && s.deps.Chat != nil:
		reply = s.deps.Chat.Turn(r.Context(), user.ID, text, nil).Message
	case err == nil:
		reply = "Chat is not configured."
	case !errors.Is(err, store.ErrNotFound):
		log.Error().Err(err).Str("chat_id", chatID).Msg("lookup chat user")
		reply = "Something went wrong, try again later."
	}

	if s.deps.Replier != nil {
		if err := s.deps.Replier.Reply(r.Context(), chatID, reply); err != nil {
			log.Warn().Err(err).Str("chat_id", chatID).Msg("telegram reply failed")
		}
	}
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
