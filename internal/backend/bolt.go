// BoltDB-backed Backend: durable single-process storage for pipeline
// definitions, run/task state and logs, grounded on the teacher's
// WorkflowStore (persistence.go) — bucket-per-concern layout and a warmed
// in-memory set of known pipeline names; records are not versioned and
// pipeline definitions are read from Bolt on every lookup. The process-wide
// priority queue and in-flight set are kept in memory (queue.PriorityQueue,
// same as InMemory) rather than in a Bolt bucket: Bolt has no atomic
// increment or sorted-set primitive, and a single-process deployment loses
// in-flight dispatch state on crash regardless of where the queue lives.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/pipelinetool/internal/queue"
	"github.com/swarmguard/pipelinetool/internal/task"
)

var (
	bucketPipelines = []byte("pipelines")
	bucketRuns      = []byte("runs")
	bucketTasks     = []byte("tasks")
	bucketEdges     = []byte("edges")
	bucketDepth     = []byte("depth")
	bucketDepKeys   = []byte("dep_keys")
	bucketStatus    = []byte("status")
	bucketResults   = []byte("results")
	bucketResultLog = []byte("result_history")
	bucketAttempts  = []byte("attempts")
	bucketLogs      = []byte("logs")
	bucketSchedule  = []byte("schedule")
)

var boltBuckets = [][]byte{
	bucketPipelines, bucketRuns, bucketTasks, bucketEdges, bucketDepth,
	bucketDepKeys, bucketStatus, bucketResults, bucketResultLog,
	bucketAttempts, bucketLogs, bucketSchedule,
}

// Bolt is a single-process durable Backend. The names of known pipelines
// are cached in memory (per the teacher's warmCache); the pipeline
// definitions themselves are read from Bolt on every GetPipeline.
type Bolt struct {
	db *bbolt.DB

	mu          sync.RWMutex
	pipelineIDs map[string]struct{} // warmed cache of known pipeline names

	runMu     sync.Mutex
	nextRunID int64

	queueMu  sync.Mutex
	pq       *queue.PriorityQueue
	inFlight map[task.TempQueuedTask]struct{}

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
}

// OpenBolt opens (creating if absent) a BoltDB file at path and prepares
// its buckets.
func OpenBolt(path string, meter metric.Meter) (*Bolt, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open boltdb %q: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range boltBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	readLatency, _ := meter.Float64Histogram("pipelinetool_bolt_read_ms")
	writeLatency, _ := meter.Float64Histogram("pipelinetool_bolt_write_ms")

	b := &Bolt{
		db:           db,
		pipelineIDs:  make(map[string]struct{}),
		pq:           queue.New(),
		inFlight:     make(map[task.TempQueuedTask]struct{}),
		readLatency:  readLatency,
		writeLatency: writeLatency,
	}
	if err := b.warmPipelineCache(); err != nil {
		db.Close()
		return nil, fmt.Errorf("warm pipeline cache: %w", err)
	}
	if err := b.restoreRunCounter(); err != nil {
		db.Close()
		return nil, fmt.Errorf("restore run counter: %w", err)
	}
	return b, nil
}

// Close releases the underlying database file.
func (b *Bolt) Close() error { return b.db.Close() }

var _ Backend = (*Bolt)(nil)

func (b *Bolt) warmPipelineCache() error {
	return b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPipelines).ForEach(func(k, _ []byte) error {
			b.pipelineIDs[string(k)] = struct{}{}
			return nil
		})
	})
}

func (b *Bolt) restoreRunCounter() error {
	return b.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketRuns).Cursor()
		var maxID int64
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			var run task.Run
			if err := json.Unmarshal(tx.Bucket(bucketRuns).Get(k), &run); err != nil {
				continue
			}
			if run.RunID > maxID {
				maxID = run.RunID
			}
		}
		b.nextRunID = maxID
		return nil
	})
}

func (b *Bolt) observe(ctx context.Context, h metric.Float64Histogram, op string, start time.Time) {
	h.Record(ctx, float64(time.Since(start).Microseconds())/1000, metric.WithAttributes(attribute.String("op", op)))
}

func (b *Bolt) PutPipeline(ctx context.Context, p Pipeline) error {
	defer b.observe(ctx, b.writeLatency, "put_pipeline", time.Now())
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pipeline: %w", err)
	}
	if err := b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPipelines).Put([]byte(p.Name), data)
	}); err != nil {
		return fmt.Errorf("put pipeline %q: %w", p.Name, err)
	}
	b.mu.Lock()
	b.pipelineIDs[p.Name] = struct{}{}
	b.mu.Unlock()
	return nil
}

func (b *Bolt) GetPipeline(ctx context.Context, name string) (Pipeline, bool, error) {
	defer b.observe(ctx, b.readLatency, "get_pipeline", time.Now())
	var p Pipeline
	var found bool
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketPipelines).Get([]byte(name))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return Pipeline{}, false, fmt.Errorf("get pipeline %q: %w", name, err)
	}
	return p, found, nil
}

func (b *Bolt) ListPipelines(ctx context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.pipelineIDs))
	for name := range b.pipelineIDs {
		names = append(names, name)
	}
	return names, nil
}

func (b *Bolt) CreateNewRun(ctx context.Context, pipelineName string, scheduledDate time.Time) (task.Run, error) {
	b.runMu.Lock()
	b.nextRunID++
	run := task.Run{RunID: b.nextRunID, PipelineName: pipelineName, ScheduledDateForRun: scheduledDate}
	b.runMu.Unlock()

	data, err := json.Marshal(run)
	if err != nil {
		return task.Run{}, fmt.Errorf("marshal run: %w", err)
	}
	if err := b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRuns).Put(runKeyBytes(run.RunID), data)
	}); err != nil {
		return task.Run{}, fmt.Errorf("create run: %w", err)
	}
	return run, nil
}

func runKeyBytes(runID int64) []byte { return []byte(fmt.Sprintf("%020d", runID)) }

func (b *Bolt) GetRun(ctx context.Context, runID int64) (task.Run, bool, error) {
	var run task.Run
	var found bool
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketRuns).Get(runKeyBytes(runID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &run)
	})
	if err != nil {
		return task.Run{}, false, fmt.Errorf("get run %d: %w", runID, err)
	}
	return run, found, nil
}

func (b *Bolt) ListRuns(ctx context.Context, pipelineName string) ([]task.Run, error) {
	var runs []task.Run
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRuns).ForEach(func(_, v []byte) error {
			var run task.Run
			if err := json.Unmarshal(v, &run); err != nil {
				return nil
			}
			if run.PipelineName == pipelineName {
				runs = append(runs, run)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list runs for %q: %w", pipelineName, err)
	}
	return runs, nil
}

func taskKeyBytes(runID int64, taskID int) []byte {
	return []byte(fmt.Sprintf("%020d:%010d", runID, taskID))
}

func runPrefix(runID int64) []byte { return []byte(fmt.Sprintf("%020d:", runID)) }

func (b *Bolt) AppendNewTask(ctx context.Context, runID int64, t task.Task) (int, error) {
	var newID int
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketTasks)
		cursor := bucket.Cursor()
		prefix := runPrefix(runID)
		count := 0
		for k, _ := cursor.Seek(prefix); k != nil && hasBoltPrefix(k, prefix); k, _ = cursor.Next() {
			count++
		}
		newID = count
		t.ID = newID
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal task: %w", err)
		}
		if err := bucket.Put(taskKeyBytes(runID, newID), data); err != nil {
			return err
		}
		return tx.Bucket(bucketStatus).Put(taskKeyBytes(runID, newID), []byte(task.Pending))
	})
	if err != nil {
		return 0, fmt.Errorf("append task: %w", err)
	}
	return newID, nil
}

func hasBoltPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

func (b *Bolt) GetTaskByID(ctx context.Context, runID int64, taskID int) (task.Task, bool, error) {
	var t task.Task
	var found bool
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get(taskKeyBytes(runID, taskID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &t)
	})
	if err != nil {
		return task.Task{}, false, fmt.Errorf("get task %d: %w", taskID, err)
	}
	return t, found, nil
}

func (b *Bolt) GetAllTasks(ctx context.Context, runID int64) ([]task.Task, error) {
	var tasks []task.Task
	err := b.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketTasks).Cursor()
		prefix := runPrefix(runID)
		for k, v := cursor.Seek(prefix); k != nil && hasBoltPrefix(k, prefix); k, v = cursor.Next() {
			var t task.Task
			if err := json.Unmarshal(v, &t); err != nil {
				continue
			}
			tasks = append(tasks, t)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list tasks for run %d: %w", runID, err)
	}
	return tasks, nil
}

func (b *Bolt) SetTemplateArgs(ctx context.Context, runID int64, taskID int, args any) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketTasks)
		key := taskKeyBytes(runID, taskID)
		data := bucket.Get(key)
		if data == nil {
			return fmt.Errorf("task %d not found", taskID)
		}
		var t task.Task
		if err := json.Unmarshal(data, &t); err != nil {
			return fmt.Errorf("unmarshal task: %w", err)
		}
		t.TemplateArgs = args
		updated, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal task: %w", err)
		}
		return bucket.Put(key, updated)
	})
}

func (b *Bolt) GetTemplateArgs(ctx context.Context, runID int64, taskID int) (any, error) {
	t, ok, err := b.GetTaskByID(ctx, runID, taskID)
	if err != nil || !ok {
		return nil, err
	}
	return t.TemplateArgs, nil
}

func (b *Bolt) InsertEdge(ctx context.Context, runID int64, e task.Edge) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEdges)
		key := edgeKeyBytes(runID, e)
		return bucket.Put(key, []byte{1})
	})
}

func (b *Bolt) RemoveEdge(ctx context.Context, runID int64, e task.Edge) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEdges).Delete(edgeKeyBytes(runID, e))
	})
}

func edgeKeyBytes(runID int64, e task.Edge) []byte {
	return []byte(fmt.Sprintf("%020d:%010d:%010d", runID, e.Upstream, e.Downstream))
}

func (b *Bolt) GetUpstream(ctx context.Context, runID int64, taskID int) ([]int, error) {
	var upstream []int
	err := b.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketEdges).Cursor()
		prefix := runPrefix(runID)
		for k, _ := cursor.Seek(prefix); k != nil && hasBoltPrefix(k, prefix); k, _ = cursor.Next() {
			var rid int64
			var u, d int
			fmt.Sscanf(string(k), "%020d:%010d:%010d", &rid, &u, &d)
			if d == taskID {
				upstream = append(upstream, u)
			}
		}
		return nil
	})
	return upstream, err
}

func (b *Bolt) GetDownstream(ctx context.Context, runID int64, taskID int) ([]int, error) {
	var downstream []int
	err := b.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketEdges).Cursor()
		prefix := runPrefix(runID)
		for k, _ := cursor.Seek(prefix); k != nil && hasBoltPrefix(k, prefix); k, _ = cursor.Next() {
			var rid int64
			var u, d int
			fmt.Sscanf(string(k), "%020d:%010d:%010d", &rid, &u, &d)
			if u == taskID {
				downstream = append(downstream, d)
			}
		}
		return nil
	})
	return downstream, err
}

func (b *Bolt) GetTaskDepth(ctx context.Context, runID int64, taskID int) (int, error) {
	var depth = -1
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketDepth).Get(taskKeyBytes(runID, taskID))
		if data == nil {
			return nil
		}
		_, err := fmt.Sscanf(string(data), "%d", &depth)
		return err
	})
	return depth, err
}

func (b *Bolt) SetTaskDepth(ctx context.Context, runID int64, taskID, depth int) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDepth).Put(taskKeyBytes(runID, taskID), []byte(fmt.Sprintf("%d", depth)))
	})
}

func (b *Bolt) DeleteTaskDepth(ctx context.Context, runID int64, taskID int) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDepth).Delete(taskKeyBytes(runID, taskID))
	})
}

// boltDepKeyEntry is the JSON envelope for one Dependencies entry: DependencyKey
// is a struct and so cannot be a JSON map key directly, the same constraint
// Redis's SetDependencyKeys works around with its SET-of-blobs encoding.
type boltDepKeyEntry struct {
	UpstreamID int    `json:"upstream_task_id"`
	FieldKey   string `json:"field_key"`
	Subkey     string `json:"result_subkey"`
}

func (b *Bolt) SetDependencyKeys(ctx context.Context, runID int64, taskID int, deps task.Dependencies) error {
	entries := make([]boltDepKeyEntry, 0, len(deps))
	for k, subkey := range deps {
		entries = append(entries, boltDepKeyEntry{UpstreamID: k.UpstreamID, FieldKey: k.FieldKey, Subkey: subkey})
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal dependency keys: %w", err)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDepKeys).Put(taskKeyBytes(runID, taskID), data)
	})
}

func (b *Bolt) GetDependencyKeys(ctx context.Context, runID int64, taskID int) (task.Dependencies, error) {
	deps := task.Dependencies{}
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketDepKeys).Get(taskKeyBytes(runID, taskID))
		if data == nil {
			return nil
		}
		var entries []boltDepKeyEntry
		if err := json.Unmarshal(data, &entries); err != nil {
			return err
		}
		for _, e := range entries {
			deps[task.DependencyKey{UpstreamID: e.UpstreamID, FieldKey: e.FieldKey}] = e.Subkey
		}
		return nil
	})
	return deps, err
}

func (b *Bolt) GetTaskStatus(ctx context.Context, runID int64, taskID int) (task.Status, error) {
	var status = task.Pending
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketStatus).Get(taskKeyBytes(runID, taskID))
		if data != nil {
			status = task.Status(data)
		}
		return nil
	})
	return status, err
}

func (b *Bolt) SetTaskStatus(ctx context.Context, runID int64, taskID int, status task.Status) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketStatus).Put(taskKeyBytes(runID, taskID), []byte(status))
	})
}

func (b *Bolt) InsertTaskResult(ctx context.Context, runID int64, result task.Result) error {
	defer b.observe(ctx, b.writeLatency, "insert_result", time.Now())
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		key := taskKeyBytes(runID, result.TaskID)
		if err := tx.Bucket(bucketResults).Put(key, data); err != nil {
			return err
		}
		historyKey := []byte(fmt.Sprintf("%s:%020d", key, time.Now().UnixNano()))
		return tx.Bucket(bucketResultLog).Put(historyKey, data)
	})
}

func (b *Bolt) GetTaskResult(ctx context.Context, runID int64, taskID int) (task.Result, bool, error) {
	var result task.Result
	var found bool
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketResults).Get(taskKeyBytes(runID, taskID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &result)
	})
	return result, found, err
}

func (b *Bolt) GetAttemptByTaskID(ctx context.Context, runID int64, taskID int, isDynamic bool) (int, error) {
	key := []byte(fmt.Sprintf("%020d:%010d:%t", runID, taskID, isDynamic))
	var attempt int
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketAttempts)
		data := bucket.Get(key)
		if data != nil {
			fmt.Sscanf(string(data), "%d", &attempt)
		}
		attempt++
		return bucket.Put(key, []byte(fmt.Sprintf("%d", attempt)))
	})
	return attempt, err
}

func logKeyBoltPrefix(runID int64, taskID, attempt int) []byte {
	return []byte(fmt.Sprintf("%020d:%010d:%010d:", runID, taskID, attempt))
}

func (b *Bolt) AppendLog(ctx context.Context, runID int64, taskID, attempt int, line string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketLogs)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		key := append(logKeyBoltPrefix(runID, taskID, attempt), []byte(fmt.Sprintf("%020d", seq))...)
		return bucket.Put(key, []byte(line))
	})
}

func (b *Bolt) GetLog(ctx context.Context, runID int64, taskID, attempt int) (string, error) {
	var out string
	err := b.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketLogs).Cursor()
		prefix := logKeyBoltPrefix(runID, taskID, attempt)
		for k, v := cursor.Seek(prefix); k != nil && hasBoltPrefix(k, prefix); k, v = cursor.Next() {
			out += string(v)
		}
		return nil
	})
	return out, err
}

// Priority queue and temp set live in memory, guarded by queueMu, per the
// package doc comment.

func (b *Bolt) EnqueueTask(ctx context.Context, qt task.QueuedTask) error {
	depth, err := b.GetTaskDepth(ctx, qt.RunID, qt.TaskID)
	if err != nil {
		return err
	}
	if depth < 0 {
		depth = 0
	}
	b.queueMu.Lock()
	defer b.queueMu.Unlock()
	b.pq.Push(qt, depth)
	return nil
}

func (b *Bolt) PopPriorityQueue(ctx context.Context) (task.TempQueuedTask, bool, error) {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()
	qt, ok := b.pq.Pop()
	if !ok {
		return task.TempQueuedTask{}, false, nil
	}
	tqt := task.TempQueuedTask{PoppedDate: time.Now().UTC(), QueuedTask: qt}
	b.inFlight[tqt] = struct{}{}
	return tqt, true, nil
}

func (b *Bolt) RemoveFromTempQueue(ctx context.Context, tqt task.TempQueuedTask) error {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()
	delete(b.inFlight, tqt)
	return nil
}

func (b *Bolt) ListTempQueue(ctx context.Context) ([]task.TempQueuedTask, error) {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()
	out := make([]task.TempQueuedTask, 0, len(b.inFlight))
	for tqt := range b.inFlight {
		out = append(out, tqt)
	}
	return out, nil
}

func (b *Bolt) GetNextRun(ctx context.Context, pipelineName string) (*time.Time, error) {
	var t *time.Time
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSchedule).Get(nextRunKey(pipelineName))
		if data == nil {
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, string(data))
		if err != nil {
			return err
		}
		t = &parsed
		return nil
	})
	return t, err
}

func nextRunKey(pipelineName string) []byte { return []byte("nr:" + pipelineName) }
func recordedKey(pipelineName string, d time.Time) []byte {
	return []byte(fmt.Sprintf("ld:%s:%s", pipelineName, d.UTC().Format(time.RFC3339)))
}

func (b *Bolt) SetNextRun(ctx context.Context, pipelineName string, t *time.Time) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSchedule)
		if t == nil {
			return bucket.Delete(nextRunKey(pipelineName))
		}
		return bucket.Put(nextRunKey(pipelineName), []byte(t.Format(time.RFC3339Nano)))
	})
}

func (b *Bolt) IsScheduledDateRecorded(ctx context.Context, pipelineName string, d time.Time) (bool, error) {
	var found bool
	err := b.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(bucketSchedule).Get(recordedKey(pipelineName, d)) != nil
		return nil
	})
	return found, err
}

func (b *Bolt) RecordScheduledDate(ctx context.Context, pipelineName string, d time.Time) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedule).Put(recordedKey(pipelineName, d), []byte{1})
	})
}
