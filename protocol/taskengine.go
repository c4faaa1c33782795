package protocol

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// Task method names intercepted by the Task Sub-Protocol Engine before
// any user-registered handler sees them.
const (
	MethodTasksGet    = "tasks/get"
	MethodTasksList   = "tasks/list"
	MethodTasksResult = "tasks/result"
	MethodTasksCancel = "tasks/cancel"

	// NotificationTaskStatus is emitted best-effort whenever a task's
	// status changes, following the tasks/* and notifications/* naming
	// already used elsewhere on the wire.
	NotificationTaskStatus = "notifications/tasks/status"
)

func isTaskMethod(method string) bool {
	switch method {
	case MethodTasksGet, MethodTasksList, MethodTasksResult, MethodTasksCancel:
		return true
	default:
		return false
	}
}

// taskSubProtocol implements component I: creation, status transitions,
// and the four tasks/* query methods.
type taskSubProtocol struct {
	store  TaskStore
	engine *Engine
}

func newTaskSubProtocol(engine *Engine, store TaskStore) *taskSubProtocol {
	return &taskSubProtocol{store: store, engine: engine}
}

func (t *taskSubProtocol) dispatch(ic *InboundRequestContext) (any, error) {
	switch ic.Method {
	case MethodTasksGet:
		return t.handleGet(ic)
	case MethodTasksList:
		return t.handleList(ic)
	case MethodTasksResult:
		return t.handleResult(ic)
	case MethodTasksCancel:
		return t.handleCancel(ic)
	default:
		return nil, NewMethodNotFoundError(ic.Method)
	}
}

type taskIDParams struct {
	TaskID string `json:"taskId"`
}

// handleGet answers tasks/get. Its response metadata does not carry
// related-task correlation.
func (t *taskSubProtocol) handleGet(ic *InboundRequestContext) (any, error) {
	var p taskIDParams
	if err := json.Unmarshal(ic.Params, &p); err != nil || p.TaskID == "" {
		return nil, NewInvalidParamsError("tasks/get requires a taskId")
	}
	task, ok, err := t.store.GetTask(p.TaskID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, NewInvalidParamsError(fmt.Sprintf("unknown task %q", p.TaskID))
	}
	return taskToWire(task), nil
}

type listTasksParams struct {
	Cursor   string `json:"cursor,omitempty"`
	PageSize int    `json:"pageSize,omitempty"`
}

// handleList answers tasks/list. Pagination is stable for unchanged
// stores; response metadata does not carry related-task correlation.
func (t *taskSubProtocol) handleList(ic *InboundRequestContext) (any, error) {
	var p listTasksParams
	if len(ic.Params) > 0 {
		if err := json.Unmarshal(ic.Params, &p); err != nil {
			return nil, NewInvalidParamsError("invalid tasks/list params")
		}
	}
	page, err := t.store.ListTasks(p.Cursor, p.PageSize)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(page.Tasks))
	for _, tk := range page.Tasks {
		out = append(out, taskToWire(tk))
	}
	result := map[string]any{"tasks": out}
	if page.NextCursor != "" {
		result["nextCursor"] = page.NextCursor
	}
	return result, nil
}

// handleResult answers tasks/result. Unlike tasks/get, the response
// _meta carries a related-task reference back to the task whose result
// this is.
func (t *taskSubProtocol) handleResult(ic *InboundRequestContext) (any, error) {
	var p taskIDParams
	if err := json.Unmarshal(ic.Params, &p); err != nil || p.TaskID == "" {
		return nil, NewInvalidParamsError("tasks/result requires a taskId")
	}
	raw, err := t.store.GetTaskResult(p.TaskID)
	if err != nil {
		return nil, err
	}
	ic.engine.stampRelatedTaskOnNextResponse(ic.ID, p.TaskID)
	var result any = json.RawMessage(raw)
	return result, nil
}

// handleCancel answers tasks/cancel. It transitions the task to
// Cancelled; it never touches the originating request's own
// cancellation signal - the two are independent mechanisms.
func (t *taskSubProtocol) handleCancel(ic *InboundRequestContext) (any, error) {
	var p taskIDParams
	if err := json.Unmarshal(ic.Params, &p); err != nil || p.TaskID == "" {
		return nil, NewInvalidParamsError("tasks/cancel requires a taskId")
	}
	task, err := t.store.UpdateTaskStatus(p.TaskID, TaskCancelled, "Client cancelled task execution.")
	if err != nil {
		return nil, err
	}
	t.engine.notifyTaskStatus(task)
	return taskToWire(task), nil
}

func taskToWire(t Task) map[string]any {
	out := map[string]any{
		"taskId":    t.TaskID,
		"status":    string(t.Status),
		"createdAt": t.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z"),
	}
	if t.StatusMessage != "" {
		out["statusMessage"] = t.StatusMessage
	}
	if t.TTL != nil {
		out["ttl"] = t.TTL.Milliseconds()
	}
	if t.PollInterval != nil {
		out["pollInterval"] = t.PollInterval.Milliseconds()
	}
	return out
}

// taskCreationAck is the immediate {taskId, status, ...} response sent
// back for a task-creating request, before the handler itself has
// necessarily finished running.
func taskCreationAck(t Task) map[string]any {
	return taskToWire(t)
}

// tasksEnabledFor reports whether the local capability advertisement
// allows task creation for method, i.e. whether `tasks.requests.<method>`
// is present.
func (e *Engine) tasksEnabledFor(method string) bool {
	requests, ok := lookupCapability(e.capabilities.local, "tasks")
	if !ok {
		return false
	}
	reqSet, ok := asCapabilitySet(requests)
	if !ok {
		return false
	}
	inner, ok := asCapabilitySet(reqSet["requests"])
	if !ok {
		return false
	}
	_, present := inner[method]
	return present
}

// maybeCreateTask implements task creation: when params embed a `task`
// object and the method supports task augmentation, it creates the
// task, runs handler in the background under a task-scoped context, and
// returns the creation ack to send back immediately instead of waiting
// for handler completion.
func (e *Engine) maybeCreateTask(ic *InboundRequestContext, handler HandlerFunc) (any, bool, error) {
	var holder struct {
		Task *TaskCreateParams `json:"task"`
	}
	if len(ic.Params) == 0 {
		return nil, false, nil
	}
	if err := json.Unmarshal(ic.Params, &holder); err != nil || holder.Task == nil {
		return nil, false, nil
	}
	if !e.tasksEnabledFor(ic.Method) {
		return nil, false, nil
	}

	task, err := e.tasks.store.CreateTask(ic.SessionID, *ic.ID, holder.Task)
	if err != nil {
		return nil, true, err
	}
	ic.RelatedTaskID = task.TaskID

	go e.runTaskHandler(ic, handler, task.TaskID)

	return taskCreationAck(task), true, nil
}

// runTaskHandler executes the user handler in the background and
// records its outcome on the task store, respecting terminal
// cancellation: a task already cancelled while the handler was running
// must not be overwritten with completed/failed. ic stays reachable
// through e.inbound for the duration of this call so that
// notifications/cancelled targeting the originating request id can
// still abort its signal; the entry is removed once the handler
// returns, mirroring dispatchRequest's own cleanup for non-backgrounded
// requests.
func (e *Engine) runTaskHandler(ic *InboundRequestContext, handler HandlerFunc, taskID string) {
	key := ic.ID.String()
	defer func() {
		e.inboundMu.Lock()
		delete(e.inbound, key)
		e.inboundMu.Unlock()
	}()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic recovered while running task handler",
				zap.String("taskId", taskID), zap.Any("panic", r))
			e.finishTask(taskID, nil, fmt.Errorf("internal error during task execution: %v", r))
		}
	}()
	result, err := handler(ic)
	e.finishTask(taskID, result, err)
}

func (e *Engine) finishTask(taskID string, result any, err error) {
	current, ok, getErr := e.tasks.store.GetTask(taskID)
	if getErr != nil || !ok || current.Status.IsTerminal() {
		return // already cancelled (or otherwise terminal): don't overwrite.
	}
	if err != nil {
		task, uErr := e.tasks.store.UpdateTaskStatus(taskID, TaskFailed, err.Error())
		if uErr == nil {
			e.notifyTaskStatus(task)
		}
		return
	}
	raw, mErr := rawJSON(result)
	if mErr != nil {
		task, uErr := e.tasks.store.UpdateTaskStatus(taskID, TaskFailed, mErr.Error())
		if uErr == nil {
			e.notifyTaskStatus(task)
		}
		return
	}
	task, sErr := e.tasks.store.StoreTaskResult(taskID, raw)
	if sErr == nil {
		e.notifyTaskStatus(task)
	}
}

// notifyTaskStatus sends a best-effort status notification; delivery
// failures are not retried or surfaced to the task.
func (e *Engine) notifyTaskStatus(t Task) {
	_ = e.notification(NotificationTaskStatus, taskToWire(t), "")
}

// HandlerFunc is a user-registered request handler.
type HandlerFunc func(ic *InboundRequestContext) (any, error)
