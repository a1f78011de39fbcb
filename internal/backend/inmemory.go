package backend

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/swarmguard/pipelinetool/internal/queue"
	"github.com/swarmguard/pipelinetool/internal/task"
)

// InMemory is a single-process Backend, grounded on the reference runner's
// in-memory store: everything lives behind one mutex, good enough for tests
// and for a single-replica deployment with no durability requirement.
type InMemory struct {
	mu sync.RWMutex

	pipelines map[string]Pipeline

	nextRunID int64
	runs      map[int64]task.Run
	runsByPL  map[string][]int64

	nextTaskID map[int64]int // per-run task id counter
	tasks      map[int64]map[int]task.Task
	edges      map[int64]map[task.Edge]struct{}
	depth      map[int64]map[int]int
	depKeys    map[int64]map[int]task.Dependencies
	status     map[int64]map[int]task.Status
	results    map[int64]map[int]task.Result
	attempts   map[int64]map[int]int // next attempt counter per (run, task)
	logs       map[string]string     // "run/task/attempt" -> log text

	queue    *queue.PriorityQueue
	inFlight map[task.TempQueuedTask]struct{}

	nextRun             map[string]*time.Time
	recordedScheduleFor map[string]map[int64]struct{} // pipeline -> unix seconds seen
}

// NewInMemory constructs an empty InMemory backend.
func NewInMemory() *InMemory {
	return &InMemory{
		pipelines:           make(map[string]Pipeline),
		runs:                make(map[int64]task.Run),
		runsByPL:            make(map[string][]int64),
		nextTaskID:          make(map[int64]int),
		tasks:               make(map[int64]map[int]task.Task),
		edges:               make(map[int64]map[task.Edge]struct{}),
		depth:               make(map[int64]map[int]int),
		depKeys:             make(map[int64]map[int]task.Dependencies),
		status:              make(map[int64]map[int]task.Status),
		results:             make(map[int64]map[int]task.Result),
		attempts:            make(map[int64]map[int]int),
		logs:                make(map[string]string),
		queue:               queue.New(),
		inFlight:            make(map[task.TempQueuedTask]struct{}),
		nextRun:             make(map[string]*time.Time),
		recordedScheduleFor: make(map[string]map[int64]struct{}),
	}
}

var _ Backend = (*InMemory)(nil)

func (m *InMemory) PutPipeline(_ context.Context, p Pipeline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pipelines[p.Name] = p
	return nil
}

func (m *InMemory) GetPipeline(_ context.Context, name string) (Pipeline, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pipelines[name]
	return p, ok, nil
}

func (m *InMemory) ListPipelines(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.pipelines))
	for n := range m.pipelines {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (m *InMemory) CreateNewRun(_ context.Context, pipelineName string, scheduledDate time.Time) (task.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextRunID++
	run := task.Run{RunID: m.nextRunID, PipelineName: pipelineName, ScheduledDateForRun: scheduledDate}
	m.runs[run.RunID] = run
	m.runsByPL[pipelineName] = append(m.runsByPL[pipelineName], run.RunID)
	m.tasks[run.RunID] = make(map[int]task.Task)
	m.edges[run.RunID] = make(map[task.Edge]struct{})
	m.depth[run.RunID] = make(map[int]int)
	m.depKeys[run.RunID] = make(map[int]task.Dependencies)
	m.status[run.RunID] = make(map[int]task.Status)
	m.results[run.RunID] = make(map[int]task.Result)
	m.attempts[run.RunID] = make(map[int]int)
	return run, nil
}

func (m *InMemory) GetRun(_ context.Context, runID int64) (task.Run, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[runID]
	return r, ok, nil
}

func (m *InMemory) ListRuns(_ context.Context, pipelineName string) ([]task.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.runsByPL[pipelineName]
	out := make([]task.Run, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.runs[id])
	}
	return out, nil
}

func (m *InMemory) AppendNewTask(_ context.Context, runID int64, t task.Task) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tasks, ok := m.tasks[runID]
	if !ok {
		return 0, fmt.Errorf("unknown run %d", runID)
	}
	id := m.nextTaskID[runID]
	m.nextTaskID[runID] = id + 1
	t.ID = id
	tasks[id] = t
	m.status[runID][id] = task.Pending
	return id, nil
}

func (m *InMemory) GetTaskByID(_ context.Context, runID int64, taskID int) (task.Task, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[runID][taskID]
	return t, ok, nil
}

func (m *InMemory) GetAllTasks(_ context.Context, runID int64) ([]task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tasks := m.tasks[runID]
	out := make([]task.Task, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *InMemory) SetTemplateArgs(_ context.Context, runID int64, taskID int, args any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[runID][taskID]
	if !ok {
		return fmt.Errorf("unknown task %d in run %d", taskID, runID)
	}
	t.TemplateArgs = args
	m.tasks[runID][taskID] = t
	return nil
}

func (m *InMemory) GetTemplateArgs(_ context.Context, runID int64, taskID int) (any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[runID][taskID]
	if !ok {
		return nil, fmt.Errorf("unknown task %d in run %d", taskID, runID)
	}
	return t.TemplateArgs, nil
}

func (m *InMemory) InsertEdge(_ context.Context, runID int64, e task.Edge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.edges[runID] == nil {
		m.edges[runID] = make(map[task.Edge]struct{})
	}
	m.edges[runID][e] = struct{}{}
	return nil
}

func (m *InMemory) RemoveEdge(_ context.Context, runID int64, e task.Edge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.edges[runID], e)
	return nil
}

func (m *InMemory) GetUpstream(_ context.Context, runID int64, taskID int) ([]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []int
	for e := range m.edges[runID] {
		if e.Downstream == taskID {
			out = append(out, e.Upstream)
		}
	}
	sort.Ints(out)
	return out, nil
}

func (m *InMemory) GetDownstream(_ context.Context, runID int64, taskID int) ([]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []int
	for e := range m.edges[runID] {
		if e.Upstream == taskID {
			out = append(out, e.Downstream)
		}
	}
	sort.Ints(out)
	return out, nil
}

func (m *InMemory) GetTaskDepth(_ context.Context, runID int64, taskID int) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.depth[runID][taskID]
	if !ok {
		return -1, nil
	}
	return d, nil
}

func (m *InMemory) SetTaskDepth(_ context.Context, runID int64, taskID, depth int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.depth[runID] == nil {
		m.depth[runID] = make(map[int]int)
	}
	m.depth[runID][taskID] = depth
	return nil
}

func (m *InMemory) DeleteTaskDepth(_ context.Context, runID int64, taskID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.depth[runID], taskID)
	return nil
}

func (m *InMemory) SetDependencyKeys(_ context.Context, runID int64, taskID int, deps task.Dependencies) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.depKeys[runID] == nil {
		m.depKeys[runID] = make(map[int]task.Dependencies)
	}
	m.depKeys[runID][taskID] = deps
	return nil
}

func (m *InMemory) GetDependencyKeys(_ context.Context, runID int64, taskID int) (task.Dependencies, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.depKeys[runID][taskID], nil
}

func (m *InMemory) GetTaskStatus(_ context.Context, runID int64, taskID int) (task.Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.status[runID][taskID]
	if !ok {
		return task.Pending, nil
	}
	return st, nil
}

func (m *InMemory) SetTaskStatus(_ context.Context, runID int64, taskID int, status task.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status[runID] == nil {
		m.status[runID] = make(map[int]task.Status)
	}
	m.status[runID][taskID] = status
	return nil
}

func (m *InMemory) InsertTaskResult(_ context.Context, runID int64, result task.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.results[runID] == nil {
		m.results[runID] = make(map[int]task.Result)
	}
	m.results[runID][result.TaskID] = result
	return nil
}

func (m *InMemory) GetTaskResult(_ context.Context, runID int64, taskID int) (task.Result, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.results[runID][taskID]
	return r, ok, nil
}

func (m *InMemory) GetAttemptByTaskID(_ context.Context, runID int64, taskID int, _ bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attempts[runID] == nil {
		m.attempts[runID] = make(map[int]int)
	}
	attempt := m.attempts[runID][taskID] + 1
	m.attempts[runID][taskID] = attempt
	return attempt, nil
}

func (m *InMemory) AppendLog(_ context.Context, runID int64, taskID, attempt int, line string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := logKey(runID, taskID, attempt)
	m.logs[key] += line
	return nil
}

func (m *InMemory) GetLog(_ context.Context, runID int64, taskID, attempt int) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.logs[logKey(runID, taskID, attempt)], nil
}

func logKey(runID int64, taskID, attempt int) string {
	return fmt.Sprintf("%d/%d/%d", runID, taskID, attempt)
}

func (m *InMemory) EnqueueTask(_ context.Context, qt task.QueuedTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	depth := m.depth[qt.RunID][qt.TaskID]
	m.queue.Push(qt, depth)
	return nil
}

func (m *InMemory) PopPriorityQueue(_ context.Context) (task.TempQueuedTask, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	qt, ok := m.queue.Pop()
	if !ok {
		return task.TempQueuedTask{}, false, nil
	}
	tqt := task.TempQueuedTask{PoppedDate: time.Now().UTC(), QueuedTask: qt}
	m.inFlight[tqt] = struct{}{}
	return tqt, true, nil
}

func (m *InMemory) RemoveFromTempQueue(_ context.Context, tqt task.TempQueuedTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inFlight, tqt)
	return nil
}

func (m *InMemory) ListTempQueue(_ context.Context) ([]task.TempQueuedTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]task.TempQueuedTask, 0, len(m.inFlight))
	for tqt := range m.inFlight {
		out = append(out, tqt)
	}
	return out, nil
}

func (m *InMemory) GetNextRun(_ context.Context, pipelineName string) (*time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nextRun[pipelineName], nil
}

func (m *InMemory) SetNextRun(_ context.Context, pipelineName string, t *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextRun[pipelineName] = t
	return nil
}

func (m *InMemory) IsScheduledDateRecorded(_ context.Context, pipelineName string, d time.Time) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set, ok := m.recordedScheduleFor[pipelineName]
	if !ok {
		return false, nil
	}
	_, ok = set[d.UTC().Unix()]
	return ok, nil
}

func (m *InMemory) RecordScheduledDate(_ context.Context, pipelineName string, d time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recordedScheduleFor[pipelineName] == nil {
		m.recordedScheduleFor[pipelineName] = make(map[int64]struct{})
	}
	m.recordedScheduleFor[pipelineName][d.UTC().Unix()] = struct{}{}
	return nil
}
