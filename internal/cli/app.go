package cli

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"hubflow/internal/action"
	"hubflow/internal/chat"
	"hubflow/internal/completion"
	"hubflow/internal/config"
	"hubflow/internal/handlers/webhook"
	"hubflow/internal/notify"
	"hubflow/internal/scheduler"
	"hubflow/internal/store"
)

type cfgKey struct{}

func withConfig(ctx context.Context, cfg *config.Config) context.Context {
	return context.WithValue(ctx, cfgKey{}, cfg)
}

func configFrom(ctx context.Context) *config.Config {
	if cfg, ok := ctx.Value(cfgKey{}).(*config.Config); ok {
		return cfg
	}
	return config.Default()
}

func setupLogging(cfg config.LogConfig) {
	zerolog.TimeFieldFormat = time.RFC3339
	if strings.EqualFold(cfg.Format, "json") {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

// app is the wired service graph shared by every subcommand.
type app struct {
	db         *sql.DB
	repo       store.Repository
	dispatcher *action.Dispatcher
	runner     *scheduler.Service
	fanout     *notify.Fanout
	chat       *chat.Session
}

func openApp(cfg *config.Config) (*app, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	db, err := store.Open(cfg.DB.Path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	repo := store.NewSQLiteRepo(db)

	provider, err := completion.New(cfg.Completion.Provider, cfg.Completion.Model, cfg.Completion.BaseURL)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	provider = completion.WithTimeout(provider, cfg.Completion.Timeout.Std())
	creds := completion.Credentials{Admin: cfg.Completion.AdminKey}

	var invoker action.Invoker
	if cfg.Workflow.URL != "" {
		client := &webhook.Client{URL: cfg.Workflow.URL, Headers: cfg.Workflow.Headers, Timeout: cfg.Workflow.Timeout.Std()}
		if cfg.Workflow.TokenURL != "" {
			client.Tokens = &webhook.TokenSource{URL: cfg.Workflow.TokenURL, ClientID: cfg.Workflow.ClientID, ClientSecret: cfg.Workflow.ClientSecret}
		}
		invoker = client
	}

	var channel notify.Channel
	if cfg.Telegram.Token != "" {
		channel = notify.NewTelegram(cfg.Telegram.Token, cfg.Telegram.APIRoot)
	}
	fanout := notify.NewFanout(repo, channel, cfg.Scheduler.DeliveryWorkers, cfg.Scheduler.DeliveryTimeout.Std())

	dispatcher := action.NewDispatcher(repo, invoker, provider, creds, action.Options{
		AllowedEvents: cfg.Workflow.AllowedEvents,
		MaxNotes:      cfg.Agent.MaxNotes,
		MaxMemories:   cfg.Agent.MaxMemories,
		MaxActions:    cfg.Agent.MaxActions,
		Location:      loc,
	})

	return &app{
		db:         db,
		repo:       repo,
		dispatcher: dispatcher,
		runner:     scheduler.NewService(repo, dispatcher, fanout, cfg.Scheduler.Spec, loc),
		fanout:     fanout,
		chat:       chat.NewSession(repo, dispatcher, provider, creds, loc),
	}, nil
}

// Close drains pending deliveries before closing the database.
func (a *app) Close() error {
	a.fanout.Wait()
	return a.db.Close()
}
