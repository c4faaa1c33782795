// Package pq implements protocol.TaskStore against PostgreSQL, so a
// host that needs tasks to survive an engine restart isn't stuck with
// the in-memory default. It uses database/sql directly over
// github.com/lib/pq - no ORM, matching the teacher's own idiom of
// hand-written SQL wherever it touches a database.
package pq

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/mcp-go/protocolcore/protocol"
)

// Store is a protocol.TaskStore backed by a "tasks" table. Schema:
//
//	CREATE TABLE tasks (
//	  task_id        TEXT PRIMARY KEY,
//	  seq            BIGSERIAL,
//	  session_id     TEXT NOT NULL DEFAULT '',
//	  status         TEXT NOT NULL,
//	  status_message TEXT NOT NULL DEFAULT '',
//	  created_at     TIMESTAMPTZ NOT NULL,
//	  ttl_ms         BIGINT,
//	  poll_interval_ms BIGINT,
//	  result         JSONB
//	);
//	CREATE UNIQUE INDEX tasks_seq_idx ON tasks (seq);
type Store struct {
	db *sql.DB
}

// Open connects using dsn (a standard libpq connection string) and
// verifies connectivity with a ping.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres task store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres task store: %w", err)
	}
	return &Store{db: db}, nil
}

// New wraps an already-open *sql.DB, for callers that manage their own
// connection pool and want the tasks table to share it.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) CreateTask(sessionID string, originatingRequestID protocol.RequestID, params *protocol.TaskCreateParams) (protocol.Task, error) {
	task := protocol.Task{
		TaskID:               newTaskID(),
		Status:               protocol.TaskWorking,
		CreatedAt:            time.Now().UTC(),
		StatusMessage:        "The operation is now in progress.",
		OriginatingRequestID: originatingRequestID,
		SessionID:            sessionID,
	}
	var ttlMS, pollMS sql.NullInt64
	if params != nil {
		if params.TTL != nil {
			d := time.Duration(*params.TTL) * time.Millisecond
			task.TTL = &d
			ttlMS = sql.NullInt64{Int64: *params.TTL, Valid: true}
		}
		if params.PollInterval != nil {
			d := time.Duration(*params.PollInterval) * time.Millisecond
			task.PollInterval = &d
			pollMS = sql.NullInt64{Int64: *params.PollInterval, Valid: true}
		}
	}

	_, err := s.db.Exec(
		`INSERT INTO tasks (task_id, session_id, status, status_message, created_at, ttl_ms, poll_interval_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		task.TaskID, sessionID, string(task.Status), task.StatusMessage, task.CreatedAt, ttlMS, pollMS,
	)
	if err != nil {
		return protocol.Task{}, fmt.Errorf("inserting task: %w", err)
	}
	return task, nil
}

func (s *Store) GetTask(taskID string) (protocol.Task, bool, error) {
	task, err := s.scanOne(taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.Task{}, false, nil
	}
	if err != nil {
		return protocol.Task{}, false, err
	}
	if expired, t := expireIfNeeded(task); expired {
		if uErr := s.writeStatus(taskID, t.Status, t.StatusMessage); uErr != nil {
			return protocol.Task{}, false, uErr
		}
		return t, true, nil
	}
	return task, true, nil
}

func (s *Store) UpdateTaskStatus(taskID string, status protocol.TaskStatus, statusMessage string) (protocol.Task, error) {
	task, ok, err := s.GetTask(taskID)
	if err != nil {
		return protocol.Task{}, err
	}
	if !ok {
		return protocol.Task{}, protocol.NewTaskError(fmt.Sprintf("unknown task %q", taskID))
	}
	if !protocol.CanTransitionTaskStatus(task.Status, status) {
		if task.Status.IsTerminal() {
			return protocol.Task{}, protocol.NewTaskError(fmt.Sprintf("task %q is already in terminal status %q", taskID, task.Status))
		}
		return protocol.Task{}, protocol.NewTaskError(fmt.Sprintf("illegal task transition %q -> %q", task.Status, status))
	}
	if statusMessage == "" {
		statusMessage = task.StatusMessage
	}
	if err := s.writeStatus(taskID, status, statusMessage); err != nil {
		return protocol.Task{}, err
	}
	task.Status = status
	task.StatusMessage = statusMessage
	return task, nil
}

func (s *Store) StoreTaskResult(taskID string, result []byte) (protocol.Task, error) {
	task, ok, err := s.GetTask(taskID)
	if err != nil {
		return protocol.Task{}, err
	}
	if !ok {
		return protocol.Task{}, protocol.NewTaskError(fmt.Sprintf("unknown task %q", taskID))
	}
	if task.Status.IsTerminal() {
		return protocol.Task{}, protocol.NewTaskError(fmt.Sprintf("task %q is already in terminal status %q", taskID, task.Status))
	}
	_, err = s.db.Exec(
		`UPDATE tasks SET status = $2, status_message = '', result = $3 WHERE task_id = $1`,
		taskID, string(protocol.TaskCompleted), json.RawMessage(result),
	)
	if err != nil {
		return protocol.Task{}, fmt.Errorf("storing task result: %w", err)
	}
	task.Status = protocol.TaskCompleted
	task.StatusMessage = ""
	task.Result = append([]byte(nil), result...)
	return task, nil
}

func (s *Store) GetTaskResult(taskID string) ([]byte, error) {
	task, ok, err := s.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, protocol.NewTaskError(fmt.Sprintf("unknown task %q", taskID))
	}
	if !task.Status.IsTerminal() {
		return nil, protocol.NewTaskError(fmt.Sprintf("task %q has not reached a terminal status", taskID))
	}
	if task.Status != protocol.TaskCompleted {
		return nil, protocol.NewTaskError(fmt.Sprintf("task %q did not complete successfully (status %q)", taskID, task.Status))
	}
	return task.Result, nil
}

func (s *Store) ListTasks(cursor string, pageSize int) (protocol.TaskPage, error) {
	if pageSize <= 0 {
		pageSize = 50
	}
	afterSeq := int64(0)
	if cursor != "" {
		if _, err := fmt.Sscanf(cursor, "%d", &afterSeq); err != nil {
			return protocol.TaskPage{}, protocol.NewInvalidParamsError("invalid tasks/list cursor")
		}
	}

	rows, err := s.db.Query(
		`SELECT task_id, seq, status, status_message, created_at, ttl_ms, poll_interval_ms, result
		 FROM tasks WHERE seq > $1 ORDER BY seq ASC LIMIT $2`,
		afterSeq, pageSize+1,
	)
	if err != nil {
		return protocol.TaskPage{}, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	var tasks []protocol.Task
	var seqs []int64
	for rows.Next() {
		task, seq, err := scanRow(rows)
		if err != nil {
			return protocol.TaskPage{}, err
		}
		tasks = append(tasks, task)
		seqs = append(seqs, seq)
	}
	if err := rows.Err(); err != nil {
		return protocol.TaskPage{}, err
	}

	page := protocol.TaskPage{}
	if len(tasks) > pageSize {
		page.Tasks = tasks[:pageSize]
		page.NextCursor = fmt.Sprintf("%d", seqs[pageSize-1])
	} else {
		page.Tasks = tasks
	}
	return page, nil
}

func scanRow(rows *sql.Rows) (protocol.Task, int64, error) {
	var (
		taskID, status, statusMessage string
		seq                           int64
		createdAt                     time.Time
		ttlMS, pollMS                 sql.NullInt64
		result                        []byte
	)
	if err := rows.Scan(&taskID, &seq, &status, &statusMessage, &createdAt, &ttlMS, &pollMS, &result); err != nil {
		return protocol.Task{}, 0, fmt.Errorf("scanning task row: %w", err)
	}
	task := protocol.Task{
		TaskID:        taskID,
		Status:        protocol.TaskStatus(status),
		StatusMessage: statusMessage,
		CreatedAt:     createdAt,
		Result:        result,
	}
	if ttlMS.Valid {
		d := time.Duration(ttlMS.Int64) * time.Millisecond
		task.TTL = &d
	}
	if pollMS.Valid {
		d := time.Duration(pollMS.Int64) * time.Millisecond
		task.PollInterval = &d
	}
	return task, seq, nil
}

func (s *Store) scanOne(taskID string) (protocol.Task, error) {
	row := s.db.QueryRow(
		`SELECT task_id, seq, status, status_message, created_at, ttl_ms, poll_interval_ms, result
		 FROM tasks WHERE task_id = $1`,
		taskID,
	)
	var (
		id, status, statusMessage string
		seq                       int64
		createdAt                 time.Time
		ttlMS, pollMS             sql.NullInt64
		result                    []byte
	)
	if err := row.Scan(&id, &seq, &status, &statusMessage, &createdAt, &ttlMS, &pollMS, &result); err != nil {
		return protocol.Task{}, err
	}
	task := protocol.Task{
		TaskID:        id,
		Status:        protocol.TaskStatus(status),
		StatusMessage: statusMessage,
		CreatedAt:     createdAt,
		Result:        result,
	}
	if ttlMS.Valid {
		d := time.Duration(ttlMS.Int64) * time.Millisecond
		task.TTL = &d
	}
	if pollMS.Valid {
		d := time.Duration(pollMS.Int64) * time.Millisecond
		task.PollInterval = &d
	}
	return task, nil
}

func (s *Store) writeStatus(taskID string, status protocol.TaskStatus, statusMessage string) error {
	_, err := s.db.Exec(
		`UPDATE tasks SET status = $2, status_message = $3 WHERE task_id = $1`,
		taskID, string(status), statusMessage,
	)
	if err != nil {
		return fmt.Errorf("updating task status: %w", err)
	}
	return nil
}

func expireIfNeeded(task protocol.Task) (bool, protocol.Task) {
	if task.TTL == nil || task.Status.IsTerminal() {
		return false, task
	}
	if time.Since(task.CreatedAt) <= *task.TTL {
		return false, task
	}
	task.Status = protocol.TaskCancelled
	task.StatusMessage = "Task expired before completion."
	return true, task
}

// newTaskID matches the in-memory store's choice of google/uuid for
// task identifiers.
func newTaskID() string {
	return uuid.NewString()
}
