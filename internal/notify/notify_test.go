package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/holly/pkg/models"
)

type recordingChannel struct {
	name string
	err  error

	mu     sync.Mutex
	events []Event
}

func (r *recordingChannel) Name() string { return r.name }

func (r *recordingChannel) Send(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recordingChannel) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type blockingChannel struct{}

func (blockingChannel) Name() string { return "slow" }

func (blockingChannel) Send(ctx context.Context, _ Event) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestDispatcher_FansOutAndCountsFailures(t *testing.T) {
	ok := &recordingChannel{name: "ok"}
	bad := &recordingChannel{name: "bad", err: errors.New("boom")}
	var failures atomic.Int32

	d := NewDispatcher([]Channel{ok, bad}, WithFailureHook(func(string, error) { failures.Add(1) }))
	d.Register(blockingChannel{})
	d.timeout = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	d.Notify(ctx, Event{Type: EventMerged, ImprovementID: "imp-1"})
	cancel() // caller cancellation must not abort delivery
	d.Close()

	assert.Equal(t, 1, ok.count())
	assert.Equal(t, 1, bad.count())
	assert.Equal(t, int32(2), failures.Load(), "bad channel and timed out channel")
	assert.False(t, ok.events[0].OccurredAt.IsZero())
}

type fakePublisher struct {
	subject string
	payload any
}

func (f *fakePublisher) Publish(_ context.Context, subject string, v any) error {
	f.subject, f.payload = subject, v
	return nil
}

func TestNATS_Subject(t *testing.T) {
	p := &fakePublisher{}
	require.NoError(t, NewNATS(p).Send(context.Background(), Event{Type: EventPRCreated}))
	assert.Equal(t, "holly.improvements.pr_created", p.subject)
}

func TestWebhook_Formats(t *testing.T) {
	var got []map[string]any
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var m map[string]any
		_ = json.Unmarshal(body, &m)
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ev := Event{Type: EventMerged, Title: "Improvement merged", Message: "done", PRURL: "https://example/pull/1", OccurredAt: time.Now()}
	ctx := context.Background()

	require.NoError(t, NewWebhook("", srv.URL, FormatSlack, 10, srv.Client()).Send(ctx, ev))
	require.NoError(t, NewWebhook("", srv.URL, FormatDiscord, 10, srv.Client()).Send(ctx, ev))

	require.Len(t, got, 2)
	assert.Contains(t, got[0]["text"], "Improvement merged")
	assert.Equal(t, "Improvement merged", got[1]["content"])
	embeds := got[1]["embeds"].([]any)
	assert.Equal(t, "https://example/pull/1", embeds[0].(map[string]any)["url"])
}

func TestWebhook_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid_token", http.StatusForbidden)
	}))
	defer srv.Close()

	err := NewWebhook("slack", srv.URL, FormatSlack, 10, srv.Client()).Send(context.Background(), Event{Type: EventFailed})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	assert.Contains(t, err.Error(), "invalid_token")
}

func TestWebhook_RateLimitHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	w := NewWebhook("slack", srv.URL, FormatJSON, 1, srv.Client())
	require.NoError(t, w.Send(context.Background(), Event{}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, w.Send(ctx, Event{}), "second send within the minute must wait and time out")
}

func TestEmail_Send(t *testing.T) {
	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg string
	send := func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, string(msg)
		return nil
	}
	e := NewEmail(EmailConfig{Host: "smtp.example.com", From: "holly@example.com", To: []string{"ops@example.com"}}, send)

	err := e.Send(context.Background(), Event{
		Type:          EventReviewRequested,
		ImprovementID: "imp-9",
		Status:        models.StatusPRCreated,
		Title:         "Review needed\r\nBcc: evil@example.com",
		Message:       "Please review",
		PRURL:         "https://example/pull/9",
	})
	require.NoError(t, err)
	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.Equal(t, "holly@example.com", gotFrom)
	assert.Equal(t, []string{"ops@example.com"}, gotTo)
	assert.Contains(t, gotMsg, "Subject: [holly] Review needed  Bcc: evil@example.com\r\n")
	assert.Contains(t, gotMsg, "Pull request: https://example/pull/9")

	assert.Error(t, NewEmail(EmailConfig{Host: "h"}, send).Send(context.Background(), Event{}))
}
