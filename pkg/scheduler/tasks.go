// Package scheduler runs the minute poller over scheduled_tasks.json. Task
// schedules are plain strings in one of four forms: "every N unit",
// "daily at HH:MM", "once at <ISO-8601>", or a 5-field cron expression.
package scheduler

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/aide-sh/aide/pkg/fstore"
)

// Task types.
const (
	TypeAgent  = "agent"
	TypePrompt = "prompt"
)

// ErrNotFound reports an unknown task id.
var ErrNotFound = errors.New("task not found")

// Task is one scheduled unit of work.
type Task struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Type      string    `json:"type"`
	Schedule  string    `json:"schedule"`
	Prompt    string    `json:"prompt"`
	Agent     string    `json:"agent,omitempty"`
	RoomID    string    `json:"room_id,omitempty"`
	Project   string    `json:"project,omitempty"`
	Silent    bool      `json:"silent,omitempty"`
	Active    bool      `json:"active"`
	LastRun   time.Time `json:"last_run,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Output is the descriptor handed to the dispatcher when a task fires.
type Output struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Silent  bool   `json:"silent"`
	RoomID  string `json:"room_id,omitempty"`
	Project string `json:"project,omitempty"`
	Prompt  string `json:"prompt"`
	Agent   string `json:"agent,omitempty"`
}

type tasksDoc struct {
	SchemaVersion int    `json:"schema_version"`
	Tasks         []Task `json:"tasks"`
}

// TaskStore persists the task list.
type TaskStore struct {
	store *fstore.Store
	path  string
}

// NewTaskStore opens the task list at path.
func NewTaskStore(path string, store *fstore.Store) *TaskStore {
	return &TaskStore{store: store, path: path}
}

// All returns every task sorted by creation time.
func (s *TaskStore) All() ([]Task, error) {
	doc := tasksDoc{SchemaVersion: 1}
	if err := s.store.Load(s.path, &doc); err != nil {
		return nil, err
	}
	sort.SliceStable(doc.Tasks, func(a, b int) bool {
		return doc.Tasks[a].CreatedAt.Before(doc.Tasks[b].CreatedAt)
	})
	return doc.Tasks, nil
}

// Add validates the schedule and appends the task.
func (s *TaskStore) Add(task Task) (Task, error) {
	if task.Prompt == "" {
		return Task{}, errors.New("task prompt must not be empty")
	}
	if task.Type != TypeAgent && task.Type != TypePrompt {
		return Task{}, errors.Errorf("invalid task type %q", task.Type)
	}
	if _, err := parseSchedule(task.Schedule); err != nil {
		return Task{}, errors.Wrap(err, "invalid schedule")
	}
	if task.ID == "" {
		task.ID = newTaskID()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	task.Active = true

	doc := tasksDoc{SchemaVersion: 1}
	err := s.store.Update(s.path, &doc, func() error {
		doc.Tasks = append(doc.Tasks, task)
		return nil
	})
	return task, err
}

// Remove deletes the task.
func (s *TaskStore) Remove(id string) error {
	doc := tasksDoc{SchemaVersion: 1}
	return s.store.Update(s.path, &doc, func() error {
		for i, task := range doc.Tasks {
			if task.ID == id {
				doc.Tasks = append(doc.Tasks[:i], doc.Tasks[i+1:]...)
				return nil
			}
		}
		return errors.Wrap(ErrNotFound, id)
	})
}

func newTaskID() string {
	return time.Now().UTC().Format("20060102150405") + "-" + uuid.NewString()[:8]
}

// Mutate applies fn to the task under the store lock.
func (s *TaskStore) Mutate(id string, fn func(*Task)) error {
	doc := tasksDoc{SchemaVersion: 1}
	return s.store.Update(s.path, &doc, func() error {
		for i := range doc.Tasks {
			if doc.Tasks[i].ID == id {
				fn(&doc.Tasks[i])
				return nil
			}
		}
		return errors.Wrap(ErrNotFound, id)
	})
}
