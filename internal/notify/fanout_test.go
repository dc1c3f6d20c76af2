package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"hubflow/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreAnyFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreAnyFunction("net/http.(*persistConn).writeLoop"),
	)
}

type memFeed struct {
	mu    sync.Mutex
	items []domain.Notification
	err   error
}

func (f *memFeed) CreateNotification(ctx context.Context, n domain.Notification) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.items = append(f.items, n)
	return "ntf_test", nil
}

type recordingChannel struct {
	mu   sync.Mutex
	sent map[string]string
	err  error
}

func (c *recordingChannel) Name() string { return "test" }

func (c *recordingChannel) Deliver(ctx context.Context, chatID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	if c.sent == nil {
		c.sent = map[string]string{}
	}
	c.sent[chatID] = text
	return nil
}

func TestNotifyWritesFeedAndBoundChannel(t *testing.T) {
	feed := &memFeed{}
	ch := &recordingChannel{}
	f := NewFanout(feed, ch, 2, time.Second)

	f.Notify(context.Background(), domain.User{ID: "u1", ChatID: "99"}, "2 tasks ran", "- a\n- b")
	f.Notify(context.Background(), domain.User{ID: "u2"}, "1 task ran", "- c")
	f.Wait()

	require.Len(t, feed.items, 2)
	assert.Equal(t, "u1", feed.items[0].UserID)
	assert.Equal(t, map[string]string{"99": "2 tasks ran\n\n- a\n- b"}, ch.sent)
}

func TestChannelFailureKeepsFeedEntry(t *testing.T) {
	feed := &memFeed{}
	ch := &recordingChannel{err: errors.New("bot blocked")}
	f := NewFanout(feed, ch, 1, time.Second)

	f.Notify(context.Background(), domain.User{ID: "u1", ChatID: "99"}, "done", "")
	f.Wait()
	assert.Len(t, feed.items, 1)
}

func TestFeedFailureStillDelivers(t *testing.T) {
	feed := &memFeed{err: errors.New("disk full")}
	ch := &recordingChannel{}
	f := NewFanout(feed, ch, 1, time.Second)

	f.Notify(context.Background(), domain.User{ID: "u1", ChatID: "7"}, "done", "")
	f.Wait()
	assert.Equal(t, "done", ch.sent["7"])
}

func TestNilChannelIsFeedOnly(t *testing.T) {
	feed := &memFeed{}
	f := NewFanout(feed, nil, 1, time.Second)
	f.Notify(context.Background(), domain.User{ID: "u1", ChatID: "7"}, "done", "")
	f.Wait()
	assert.Len(t, feed.items, 1)
	assert.NoError(t, f.Reply(context.Background(), "7", "hi"))
}

func TestTelegramSendMessage(t *testing.T) {
	var got map[string]any
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
	}))
	defer srv.Close()

	tg := NewTelegram("T0KEN", srv.URL)
	require.NoError(t, tg.Deliver(context.Background(), "12345", "hello"))
	assert.Equal(t, "/botT0KEN/sendMessage", path)
	assert.Equal(t, "12345", got["chat_id"])
	assert.Equal(t, "hello", got["text"])
	srv.CloseClientConnections()
}

func TestTelegramReportsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"ok":false,"description":"Forbidden: bot was blocked by the user"}`))
	}))
	defer srv.Close()

	err := NewTelegram("T", srv.URL).Deliver(context.Background(), "1", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocked")

	assert.Error(t, NewTelegram("", srv.URL).Deliver(context.Background(), "1", "x"))
	assert.Error(t, NewTelegram("T", srv.URL).Deliver(context.Background(), "", "x"))
	srv.CloseClientConnections()
}

func TestUpdateText(t *testing.T) {
	var u Update
	require.NoError(t, json.Unmarshal([]byte(`{"update_id":1,"message":{"message_id":2,"caption":" photo note ","chat":{"id":42}}}`), &u))
	assert.Equal(t, "photo note", u.Text())
	assert.Equal(t, int64(42), u.Message.Chat.ID)
}
