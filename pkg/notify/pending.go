package notify

import (
	"time"

	"github.com/google/uuid"

	"github.com/aide-sh/aide/pkg/fstore"
)

// Pending notification statuses.
const (
	PendingStatusPending  = "pending"
	PendingStatusInjected = "injected"
	PendingStatusExpired  = "expired"
)

// PendingNotification is a completed ping-mode invocation waiting to be
// surfaced in the primary agent's next turn for its source chat.
type PendingNotification struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	Agent     string    `json:"agent"`
	Summary   string    `json:"summary"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PendingQueue persists the ping-mode notification queue.
type PendingQueue struct {
	store *fstore.Store
	path  string
}

// NewPendingQueue opens the queue at path.
func NewPendingQueue(path string, store *fstore.Store) *PendingQueue {
	return &PendingQueue{store: store, path: path}
}

// Append queues a notification for the chat.
func (q *PendingQueue) Append(chatID, agent, summary string) (PendingNotification, error) {
	now := time.Now().UTC()
	n := PendingNotification{
		ID:        now.Format("20060102150405") + "-" + uuid.NewString()[:8],
		ChatID:    chatID,
		Agent:     agent,
		Summary:   summary,
		Status:    PendingStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	var queue []PendingNotification
	err := q.store.Update(q.path, &queue, func() error {
		queue = append(queue, n)
		return nil
	})
	return n, err
}

// PendingFor returns the undelivered notifications for a chat.
func (q *PendingQueue) PendingFor(chatID string) ([]PendingNotification, error) {
	var queue []PendingNotification
	if err := q.store.Load(q.path, &queue); err != nil {
		return nil, err
	}
	var out []PendingNotification
	for _, n := range queue {
		if n.ChatID == chatID && n.Status == PendingStatusPending {
			out = append(out, n)
		}
	}
	return out, nil
}

// MarkInjected transitions the notification to injected. Already-terminal
// ids are left untouched.
func (q *PendingQueue) MarkInjected(id string) error {
	return q.transition(id, PendingStatusInjected)
}

// MarkExpired transitions the notification to expired. Already-terminal
// ids are left untouched.
func (q *PendingQueue) MarkExpired(id string) error {
	return q.transition(id, PendingStatusExpired)
}

func (q *PendingQueue) transition(id, status string) error {
	var queue []PendingNotification
	return q.store.Update(q.path, &queue, func() error {
		for i := range queue {
			if queue[i].ID == id && queue[i].Status == PendingStatusPending {
				queue[i].Status = status
				queue[i].UpdatedAt = time.Now().UTC()
			}
		}
		return nil
	})
}
