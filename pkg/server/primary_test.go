package server

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aide-sh/aide/pkg/chats"
	"github.com/aide-sh/aide/pkg/fstore"
	"github.com/aide-sh/aide/pkg/notify"
	"github.com/aide-sh/aide/pkg/sdk"
	"github.com/aide-sh/aide/pkg/toolcalls"
)

func newPrimaryRunner(t *testing.T) *PrimaryRunner {
	t.Helper()
	store := fstore.New()
	chatStore, err := chats.NewStore(t.TempDir(), store)
	require.NoError(t, err)
	return &PrimaryRunner{
		Command: []string{"true"},
		Chats:   chatStore,
		Pending: notify.NewPendingQueue(t.TempDir()+"/pending.json", store),
	}
}

func TestComposeContextPendingAndToolCalls(t *testing.T) {
	r := newPrimaryRunner(t)

	_, err := r.Chats.Append("chat1", chats.Message{
		ID: chats.NewMessageID(), Role: chats.RoleUser, Content: "check the disk", CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	serialized, err := toolcalls.Marshal(toolcalls.Serialized{
		Name:   "Bash",
		Args:   []toolcalls.Arg{{Key: "command", Value: "df -h"}},
		Output: "use% 40",
	})
	require.NoError(t, err)
	_, err = r.Chats.Append("chat1", chats.Message{
		ID: chats.NewMessageID(), Role: chats.RoleToolCall, Content: serialized, Hidden: true, CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	_, err = r.Pending.Append("chat1", "researcher", "found three papers")
	require.NoError(t, err)

	got := r.composeContext(context.Background(), "chat1", "anything new?")
	assert.Contains(t, got, "[researcher] found three papers")
	assert.Contains(t, got, "[Tool: Bash | command: df -h | Output: use% 40]")

	// Surfacing a notification consumes it.
	remaining, err := r.Pending.PendingFor("chat1")
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestComposeContextEmpty(t *testing.T) {
	r := newPrimaryRunner(t)
	assert.Empty(t, r.composeContext(context.Background(), "chat1", "hello"))
}

func TestComposeContextCapsToolCallWindow(t *testing.T) {
	r := newPrimaryRunner(t)
	for i := 0; i < toolCallWindow+5; i++ {
		serialized, err := toolcalls.Marshal(toolcalls.Serialized{
			Name: "Bash",
			Args: []toolcalls.Arg{{Key: "command", Value: fmt.Sprintf("run %d", i)}},
		})
		require.NoError(t, err)
		_, err = r.Chats.Append("chat1", chats.Message{
			ID: chats.NewMessageID(), Role: chats.RoleToolCall, Content: serialized, Hidden: true, CreatedAt: time.Now().UTC(),
		})
		require.NoError(t, err)
	}

	got := r.toolCallBlock(context.Background(), "chat1")
	assert.NotContains(t, got, "run 4")
	assert.Contains(t, got, fmt.Sprintf("run %d", toolCallWindow+4))
}

func TestPrimaryTurnInjectBeforeRunQueues(t *testing.T) {
	r := newPrimaryRunner(t)
	turn := r.NewTurn(sdk.SessionConfig{ChatID: "chat1"}, nil).(*primaryTurn)

	require.NoError(t, turn.Inject("early"))
	assert.Equal(t, []string{"early"}, turn.queued)

	for i := 0; i < sdk.DefaultInjectionCap; i++ {
		_ = turn.Inject("more")
	}
	assert.Error(t, turn.Inject("overflow"))
}

func TestPrimaryTurnInterruptBeforeRun(t *testing.T) {
	r := newPrimaryRunner(t)
	turn := r.NewTurn(sdk.SessionConfig{ChatID: "chat1"}, nil)

	turn.Interrupt()
	assert.ErrorIs(t, turn.Inject("late"), sdk.ErrInjectionClosed)

	_, err := turn.Run(context.Background(), "hello")
	assert.ErrorIs(t, err, sdk.ErrInjectionClosed)
}
