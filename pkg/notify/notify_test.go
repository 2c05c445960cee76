package notify

import (
	"context"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aide-sh/aide/pkg/fstore"
)

func TestShouldNotifyPolicy(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	active := ClientSession{ID: "s1", CurrentChatID: "other", LastHeartbeat: now.Add(-30 * time.Second)}
	viewing := ClientSession{ID: "s2", CurrentChatID: "chat1", LastHeartbeat: now.Add(-10 * time.Second)}
	stale := ClientSession{ID: "s3", CurrentChatID: "chat1", LastHeartbeat: now.Add(-2 * time.Minute)}

	cases := []struct {
		name     string
		silent   bool
		critical bool
		sessions []ClientSession
		want     Decision
	}{
		{
			name:   "silent and not critical",
			silent: true,
			want:   Decision{Reason: "silent"},
		},
		{
			name:     "user viewing",
			sessions: []ClientSession{viewing},
			want:     Decision{Reason: "user is viewing the chat"},
		},
		{
			name:     "critical overrides silent",
			silent:   true,
			critical: true,
			sessions: []ClientSession{active},
			want:     Decision{Notify: true, Toast: true, Push: true, Email: true, Sound: true, Reason: "critical"},
		},
		{
			name:     "critical with no active sessions skips toast",
			critical: true,
			want:     Decision{Notify: true, Toast: false, Push: true, Email: true, Sound: true, Reason: "critical"},
		},
		{
			name:     "active but not viewing",
			sessions: []ClientSession{active},
			want:     Decision{Notify: true, Toast: true, Push: true, Sound: true, Reason: "active session not viewing this chat"},
		},
		{
			name:     "stale heartbeat does not count as viewing",
			sessions: []ClientSession{stale},
			want:     Decision{Notify: true, Push: true, Reason: "no active sessions"},
		},
		{
			name: "no sessions at all",
			want: Decision{Notify: true, Push: true, Reason: "no active sessions"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ShouldNotify("chat1", tc.silent, tc.sessions, tc.critical, 0, now)
			assert.Equal(t, tc.want, got)
		})
	}
}

func newPushService(t *testing.T) *PushService {
	t.Helper()
	dir := t.TempDir()
	fs := fstore.New()
	p := NewPushService(filepath.Join(dir, "vapid_keys.json"), filepath.Join(dir, "push_subscriptions.json"), fs)
	require.NoError(t, fs.Save(p.keysPath, VAPIDKeys{
		PublicKey:  "pub",
		PrivateKey: "priv",
		Subject:    "mailto:me@example.com",
	}))
	return p
}

func fakeResponse(status int) *http.Response {
	return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(""))}
}

func TestSendPushPrunesGoneSubscriptions(t *testing.T) {
	p := newPushService(t)

	require.NoError(t, p.Subscribe(Subscription{Endpoint: "https://push/alive"}))
	require.NoError(t, p.Subscribe(Subscription{Endpoint: "https://push/gone"}))

	p.sender = func(_ []byte, sub *webpush.Subscription, _ *webpush.Options) (*http.Response, error) {
		if strings.HasSuffix(sub.Endpoint, "gone") {
			return fakeResponse(http.StatusGone), nil
		}
		return fakeResponse(http.StatusCreated), nil
	}

	delivered, err := p.SendPushNotification(context.Background(), "Title", "Body", "chat1", false)
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)

	subs, err := p.Subscriptions()
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "https://push/alive", subs[0].Endpoint)
}

func TestSubscribeRefreshesExistingEndpoint(t *testing.T) {
	p := newPushService(t)

	sub := Subscription{Endpoint: "https://push/one"}
	sub.Keys.Auth = "old"
	require.NoError(t, p.Subscribe(sub))
	sub.Keys.Auth = "new"
	require.NoError(t, p.Subscribe(sub))

	subs, err := p.Subscriptions()
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "new", subs[0].Keys.Auth)
}

func TestPendingQueueTerminalTransitionsAreNoOps(t *testing.T) {
	q := NewPendingQueue(filepath.Join(t.TempDir(), "pending.json"), fstore.New())

	n, err := q.Append("chat1", "researcher", "found three papers")
	require.NoError(t, err)

	pending, err := q.PendingFor("chat1")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, q.MarkInjected(n.ID))
	pending, err = q.PendingFor("chat1")
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Expiring an already-injected notification must not change it.
	require.NoError(t, q.MarkExpired(n.ID))
	var queue []PendingNotification
	require.NoError(t, fstore.New().Load(q.path, &queue))
	require.Len(t, queue, 1)
	assert.Equal(t, PendingStatusInjected, queue[0].Status)
}

func TestPendingForFiltersByChat(t *testing.T) {
	q := NewPendingQueue(filepath.Join(t.TempDir(), "pending.json"), fstore.New())

	_, err := q.Append("chat1", "a", "one")
	require.NoError(t, err)
	_, err = q.Append("chat2", "b", "two")
	require.NoError(t, err)

	pending, err := q.PendingFor("chat2")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "two", pending[0].Summary)
}
