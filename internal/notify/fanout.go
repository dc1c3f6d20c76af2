// Package notify persists results into the in-app feed and forwards them
// to a user's bound chat channel.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"hubflow/internal/domain"
	"hubflow/internal/metrics"
)

// Channel is an external chat transport.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, chatID, text string) error
}

// Feed stores in-app notifications.
type Feed interface {
	CreateNotification(ctx context.Context, n domain.Notification) (string, error)
}

// Fanout writes the feed synchronously and delivers to the external
// channel in the background on a bounded number of goroutines. Delivery
// errors are logged and never reach the caller.
type Fanout struct {
	feed    Feed
	channel Channel
	timeout time.Duration
	sem     chan struct{}
	wg      sync.WaitGroup
}

// NewFanout returns a fanout; channel may be nil to keep results in-app only.
func NewFanout(feed Feed, channel Channel, size int, timeout time.Duration) *Fanout {
	if size <= 0 {
		size = 4
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Fanout{feed: feed, channel: channel, timeout: timeout, sem: make(chan struct{}, size)}
}

// Notify records title/body for user and forwards it if a chat is bound.
func (f *Fanout) Notify(ctx context.Context, user domain.User, title, body string) {
	if _, err := f.feed.CreateNotification(ctx, domain.Notification{UserID: user.ID, Title: title, Body: body, CreatedAt: time.Now()}); err != nil {
		metrics.Deliveries.WithLabelValues("feed", "error").Inc()
		log.Error().Err(err).Str("user_id", user.ID).Msg("persist notification")
	} else {
		metrics.Deliveries.WithLabelValues("feed", "ok").Inc()
	}

	if f.channel == nil || user.ChatID == "" {
		return
	}
	text := title
	if body != "" {
		text += "\n\n" + body
	}

	f.wg.Add(1)
	f.sem <- struct{}{}
	go func() {
		defer func() { <-f.sem }()
		defer f.wg.Done()
		c, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
		defer cancel()
		if err := f.channel.Deliver(c, user.ChatID, text); err != nil {
			metrics.Deliveries.WithLabelValues(f.channel.Name(), "error").Inc()
			log.Warn().Err(err).Str("user_id", user.ID).Str("channel", f.channel.Name()).Msg("notification delivery failed")
			return
		}
		metrics.Deliveries.WithLabelValues(f.channel.Name(), "ok").Inc()
	}()
}

// Reply sends text straight to a chat without recording it in the feed.
func (f *Fanout) Reply(ctx context.Context, chatID, text string) error {
	if f.channel == nil {
		return nil
	}
	c, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	return f.channel.Deliver(c, chatID, text)
}

// Wait blocks until every background delivery has finished.
func (f *Fanout) Wait() {
	f.wg.Wait()
}
