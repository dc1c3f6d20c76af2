package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"hubflow/internal/action"
	"hubflow/internal/api"
	"hubflow/internal/domain"
)

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the periodic task sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := configFrom(cmd.Context())
			if addr != "" {
				cfg.HTTP.Addr = addr
			}
			a, err := openApp(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sweepDone := make(chan struct{})
			if cfg.Scheduler.Enabled {
				go func() {
					defer close(sweepDone)
					if err := a.runner.Start(ctx); err != nil {
						log.Error().Err(err).Msg("schedule service")
					}
				}()
			} else {
				close(sweepDone)
			}

			srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: api.NewServer(api.Deps{
				Repo:           a.repo,
				Dispatcher:     a.dispatcher,
				Runner:         a.runner,
				Chat:           a.chat,
				Replier:        a.fanout,
				CronSecret:     cfg.HTTP.CronSecret,
				TelegramSecret: cfg.Telegram.WebhookSecret,
				Debug:          cfg.HTTP.Debug,
			})}
			errc := make(chan error, 1)
			go func() {
				log.Info().Str("addr", cfg.HTTP.Addr).Msg("HTTP server starting")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errc <- err
				}
			}()

			select {
			case <-ctx.Done():
			case err = <-errc:
			}
			log.Info().Msg("shutting down")
			cancel()
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelShutdown()
			_ = srv.Shutdown(shutdownCtx)
			<-sweepDone
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP bind address (default from config, :8080)")
	return cmd
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Fire every due scheduled task once and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(configFrom(cmd.Context()))
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			return printJSON(cmd, a.runner.Sweep(cmd.Context(), time.Now()))
		},
	}
}

func newDispatchCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "dispatch <command-json>",
		Short: "Run one command for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(configFrom(cmd.Context()))
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			res := a.dispatcher.Execute(cmd.Context(), action.Env{UserID: user}, action.Normalize([]byte(args[0])), 0)
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "User ID")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newRunTaskCmd() *cobra.Command {
	var user, id string
	cmd := &cobra.Command{
		Use:   "run-task",
		Short: "Run a scheduled task's command now without changing its schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(configFrom(cmd.Context()))
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			return printJSON(cmd, a.runner.RunOnce(cmd.Context(), user, id))
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "User ID")
	cmd.Flags().StringVar(&id, "id", "", "Task ID")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users",
	}
	cmd.AddCommand(newUserAddCmd())
	return cmd
}

func newUserAddCmd() *cobra.Command {
	var u domain.User
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create or update a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if u.DisplayName == "" {
				return fmt.Errorf("--name is required")
			}
			a, err := openApp(configFrom(cmd.Context()))
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			id, err := a.repo.UpsertUser(cmd.Context(), u)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "User %s saved\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&u.ID, "id", "", "User ID (generated when empty)")
	cmd.Flags().StringVar(&u.DisplayName, "name", "", "Display name")
	cmd.Flags().StringVar(&u.Email, "email", "", "Email, used as default workflow recipient")
	cmd.Flags().StringVar(&u.ChatID, "chat-id", "", "Bound Telegram chat ID")
	cmd.Flags().StringVar(&u.CompletionKey, "completion-key", "", "The user's own completion API key")
	return cmd
}
