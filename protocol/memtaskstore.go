package protocol

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// taskRecord is one entry in the in-memory store's table, grounded on
// the official MCP Go SDK's serverTaskEntry (other_examples/.../tasks_server.go):
// a sequence number for stable pagination and a done channel closed on
// terminal transition. GetTaskResult checks that channel without
// blocking: it fails at once while the task is not yet terminal.
type taskRecord struct {
	seq  uint64
	task Task
	done chan struct{}
}

// InMemoryTaskStore is the default TaskStore: a map keyed by taskId,
// ordered by insertion through each record's sequence number. Reads
// return a copy of the full Task record, not a reference into the
// store; the copy's Result slice shares the stored bytes. It is safe
// for concurrent callers - the task store is the one piece of state an
// engine instance shares across goroutines by design.
type InMemoryTaskStore struct {
	mu      sync.Mutex
	nextSeq uint64
	records map[string]*taskRecord
}

func NewInMemoryTaskStore() *InMemoryTaskStore {
	return &InMemoryTaskStore{records: make(map[string]*taskRecord)}
}

func (s *InMemoryTaskStore) CreateTask(sessionID string, originatingRequestID RequestID, params *TaskCreateParams) (Task, error) {
	now := time.Now().UTC()
	task := Task{
		TaskID:                uuid.NewString(),
		Status:                TaskWorking,
		CreatedAt:             now,
		StatusMessage:         "The operation is now in progress.",
		OriginatingRequestID:  originatingRequestID,
		SessionID:             sessionID,
	}
	if params != nil {
		if params.TTL != nil {
			d := time.Duration(*params.TTL) * time.Millisecond
			task.TTL = &d
		}
		if params.PollInterval != nil {
			d := time.Duration(*params.PollInterval) * time.Millisecond
			task.PollInterval = &d
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSeq++
	rec := &taskRecord{seq: s.nextSeq, task: task, done: make(chan struct{})}
	s.records[task.TaskID] = rec
	return task, nil
}

func (s *InMemoryTaskStore) lockedGet(taskID string) (*taskRecord, error) {
	rec, ok := s.records[taskID]
	if !ok {
		return nil, NewTaskError(fmt.Sprintf("unknown task %q", taskID))
	}
	if rec.task.TTL != nil && time.Since(rec.task.CreatedAt) > *rec.task.TTL && !rec.task.Status.IsTerminal() {
		// Expired before completion: treat as cancelled so tasks/get and
		// tasks/list stop returning stale "working" records forever.
		rec.task.Status = TaskCancelled
		rec.task.StatusMessage = "Task expired before completion."
		close(rec.done)
	}
	return rec, nil
}

func (s *InMemoryTaskStore) GetTask(taskID string) (Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.lockedGet(taskID)
	if err != nil {
		return Task{}, false, nil
	}
	return rec.task, true, nil
}

func (s *InMemoryTaskStore) UpdateTaskStatus(taskID string, status TaskStatus, statusMessage string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.lockedGet(taskID)
	if err != nil {
		return Task{}, err
	}
	if !canTransition(rec.task.Status, status) {
		if rec.task.Status.IsTerminal() {
			return Task{}, NewTaskError(fmt.Sprintf("task %q is already in terminal status %q", taskID, rec.task.Status))
		}
		return Task{}, NewTaskError(fmt.Sprintf("illegal task transition %q -> %q", rec.task.Status, status))
	}
	rec.task.Status = status
	if statusMessage != "" {
		rec.task.StatusMessage = statusMessage
	}
	if status.IsTerminal() {
		close(rec.done)
	}
	return rec.task, nil
}

func (s *InMemoryTaskStore) StoreTaskResult(taskID string, result []byte) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.lockedGet(taskID)
	if err != nil {
		return Task{}, err
	}
	if rec.task.Status.IsTerminal() {
		return Task{}, NewTaskError(fmt.Sprintf("task %q is already in terminal status %q", taskID, rec.task.Status))
	}
	rec.task.Status = TaskCompleted
	rec.task.StatusMessage = ""
	rec.task.Result = append([]byte(nil), result...)
	close(rec.done)
	return rec.task, nil
}

func (s *InMemoryTaskStore) GetTaskResult(taskID string) ([]byte, error) {
	s.mu.Lock()
	rec, err := s.lockedGet(taskID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	done := rec.done
	s.mu.Unlock()

	select {
	case <-done:
	default:
		return nil, NewTaskError(fmt.Sprintf("task %q has not reached a terminal status", taskID))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err = s.lockedGet(taskID)
	if err != nil {
		return nil, err
	}
	if rec.task.Status != TaskCompleted {
		return nil, NewTaskError(fmt.Sprintf("task %q did not complete successfully (status %q)", taskID, rec.task.Status))
	}
	return rec.task.Result, nil
}

// ListTasks paginates via an opaque cursor (the sequence number of the
// last item of the previous page) with stable ordering by creation
// time.
func (s *InMemoryTaskStore) ListTasks(cursor string, pageSize int) (TaskPage, error) {
	if pageSize <= 0 {
		pageSize = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := make([]*taskRecord, 0, len(s.records))
	for _, r := range s.records {
		recs = append(recs, r)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })

	start := 0
	if cursor != "" {
		afterSeq, err := strconv.ParseUint(cursor, 10, 64)
		if err != nil {
			return TaskPage{}, NewInvalidParamsError("invalid tasks/list cursor")
		}
		found := false
		for i, r := range recs {
			if r.seq == afterSeq {
				start = i + 1
				found = true
				break
			}
		}
		if !found {
			return TaskPage{}, NewInvalidParamsError("invalid tasks/list cursor")
		}
	}

	end := start + pageSize
	if end > len(recs) {
		end = len(recs)
	}

	page := TaskPage{Tasks: make([]Task, 0, end-start)}
	for _, r := range recs[start:end] {
		page.Tasks = append(page.Tasks, r.task)
	}
	if end < len(recs) {
		page.NextCursor = strconv.FormatUint(recs[end-1].seq, 10)
	}
	return page, nil
}
