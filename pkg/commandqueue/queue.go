package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/conductor/internal/observability"
	"github.com/harun/conductor/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrLaneReset is returned for tasks dropped by ResetLane.
	ErrLaneReset = errors.New("lane reset")
	// ErrClosed is returned for tasks submitted after Close.
	ErrClosed = errors.New("queue closed")
)

// Task represents an asynchronous operation to be executed
type Task func(ctx context.Context) (interface{}, error)

// Result is delivered once per submitted task.
type Result struct {
	Value interface{}
	Err   error
}

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	result     chan Result
}

// laneState holds one lane. Lanes run at most one task at a time.
type laneState struct {
	queue   []*taskRecord
	running *taskRecord
	cancel  context.CancelFunc
}

// EventHandler is a function that handles queue events
type EventHandler func(event Event)

// Event represents a queue event
type Event struct {
	Type     string // "enqueued" or "completed"
	Lane     string
	TaskID   string
	Queued   int
	Duration time.Duration
	Err      error
}

// CommandQueue serializes tasks per lane. Different lanes run concurrently.
type CommandQueue struct {
	mu        sync.Mutex
	lanes     map[string]*laneState
	taskIDSeq int
	closed    bool
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc

	handlers []EventHandler
	eventMu  sync.RWMutex
}

// New creates a new CommandQueue
func New() *CommandQueue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	return &CommandQueue{
		lanes:  make(map[string]*laneState),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Enqueue runs task on lane and waits for its result.
func (cq *CommandQueue) Enqueue(ctx context.Context, lane string, task Task) (interface{}, error) {
	res := <-cq.Submit(ctx, lane, task)
	return res.Value, res.Err
}

// Submit queues task on lane and returns a channel that receives its result.
// The task context keeps ctx's values but not its cancellation; use
// CancelRunning or ResetLane to stop lane work.
func (cq *CommandQueue) Submit(ctx context.Context, lane string, task Task) <-chan Result {
	if ctx == nil {
		ctx = context.Background()
	}
	result := make(chan Result, 1)

	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		result <- Result{Err: ErrClosed}
		return result
	}
	ls, ok := cq.lanes[lane]
	if !ok {
		ls = &laneState{}
		cq.lanes[lane] = ls
		log.Debug().Str("lane", lane).Msg("Lane initialized")
	}
	cq.taskIDSeq++
	record := &taskRecord{
		id:         fmt.Sprintf("%s-%d", lane, cq.taskIDSeq),
		task:       task,
		ctx:        tracing.Detach(ctx),
		enqueuedAt: time.Now(),
		result:     result,
	}
	ls.queue = append(ls.queue, record)
	queued := len(ls.queue)
	cq.mu.Unlock()

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Str("lane", lane).
		Str("taskId", record.id).
		Int("queueSize", queued).
		Msg("Task enqueued")
	observability.RecordQueueEnqueue(lane, queued)
	cq.emit(Event{Type: "enqueued", Lane: lane, TaskID: record.id, Queued: queued})

	cq.processLane(lane)
	return result
}

// processLane starts the head of the lane if nothing is running.
func (cq *CommandQueue) processLane(lane string) {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	ls, ok := cq.lanes[lane]
	if !ok || ls.running != nil || len(ls.queue) == 0 || cq.closed {
		return
	}

	record := ls.queue[0]
	ls.queue = ls.queue[1:]

	runCtx, cancel := context.WithCancel(record.ctx)
	stop := context.AfterFunc(cq.ctx, cancel)
	ls.running = record
	ls.cancel = func() {
		stop()
		cancel()
	}

	log.Debug().
		Str("lane", lane).
		Str("taskId", record.id).
		Int64("waitMs", time.Since(record.enqueuedAt).Milliseconds()).
		Msg("Task started")

	cq.wg.Add(1)
	go cq.executeTask(lane, record, runCtx)
}

func (cq *CommandQueue) executeTask(lane string, record *taskRecord, runCtx context.Context) {
	defer cq.wg.Done()

	runCtx, span := tracing.StartSpan(
		runCtx,
		"conductor.commandqueue",
		"commandqueue.execute_task",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id),
	)
	logger := tracing.LoggerFromContext(runCtx, log.Logger)

	startTime := time.Now()
	value, err := cq.run(record.task, runCtx)
	duration := time.Since(startTime)

	if err != nil {
		tracing.RecordError(span, err)
	}
	span.End()

	cq.mu.Lock()
	queued := 0
	if ls, ok := cq.lanes[lane]; ok {
		if ls.running == record {
			ls.cancel()
			ls.running = nil
			ls.cancel = nil
		}
		queued = len(ls.queue)
		if ls.running == nil && queued == 0 {
			delete(cq.lanes, lane)
		}
	}
	cq.mu.Unlock()

	record.result <- Result{Value: value, Err: err}

	if err != nil {
		logger.Debug().Str("lane", lane).Str("taskId", record.id).Dur("duration", duration).Err(err).Msg("Task failed")
	} else {
		logger.Debug().Str("lane", lane).Str("taskId", record.id).Dur("duration", duration).Msg("Task completed")
	}
	observability.RecordQueueCompletion(lane, duration, err == nil, queued)
	cq.emit(Event{Type: "completed", Lane: lane, TaskID: record.id, Queued: queued, Duration: duration, Err: err})

	cq.processLane(lane)
}

func (cq *CommandQueue) run(task Task, ctx context.Context) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}

// CancelRunning cancels the context of the task currently running on lane.
// Queued tasks are left in place. It reports whether a task was running.
func (cq *CommandQueue) CancelRunning(lane string) bool {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	ls, ok := cq.lanes[lane]
	if !ok || ls.running == nil {
		return false
	}
	ls.cancel()
	return true
}

// ResetLane drops every queued task with ErrLaneReset and cancels the running
// one. It returns the number of dropped tasks.
func (cq *CommandQueue) ResetLane(lane string) int {
	cq.mu.Lock()
	ls, ok := cq.lanes[lane]
	if !ok {
		cq.mu.Unlock()
		return 0
	}
	dropped := ls.queue
	ls.queue = nil
	if ls.running != nil {
		ls.cancel()
	}
	cq.mu.Unlock()

	for _, record := range dropped {
		record.result <- Result{Err: ErrLaneReset}
	}

	log.Info().Str("lane", lane).Int("dropped", len(dropped)).Msg("Lane reset")
	observability.SetQueueSize(lane, 0)
	return len(dropped)
}

// Size returns the number of queued (not running) tasks for a lane
func (cq *CommandQueue) Size(lane string) int {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	if ls, ok := cq.lanes[lane]; ok {
		return len(ls.queue)
	}
	return 0
}

// Busy reports whether lane has a running task.
func (cq *CommandQueue) Busy(lane string) bool {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	ls, ok := cq.lanes[lane]
	return ok && ls.running != nil
}

// GetStats returns queued and running counts per live lane.
func (cq *CommandQueue) GetStats() map[string]map[string]int {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	stats := make(map[string]map[string]int, len(cq.lanes))
	for lane, ls := range cq.lanes {
		running := 0
		if ls.running != nil {
			running = 1
		}
		stats[lane] = map[string]int{"queued": len(ls.queue), "running": running}
	}
	return stats
}

// WaitForActive waits for all lanes to drain with timeout
func (cq *CommandQueue) WaitForActive(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		cq.mu.Lock()
		drained := len(cq.lanes) == 0
		cq.mu.Unlock()

		if drained {
			return true
		}
		if time.Now().After(deadline) {
			log.Warn().Dur("timeout", timeout).Msg("Timeout waiting for active tasks")
			return false
		}
		<-ticker.C
	}
}

// Close cancels running tasks, fails queued ones with ErrClosed and waits for
// running tasks to return.
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil
	}
	cq.closed = true
	var dropped []*taskRecord
	for _, ls := range cq.lanes {
		dropped = append(dropped, ls.queue...)
		ls.queue = nil
	}
	cq.mu.Unlock()

	for _, record := range dropped {
		record.result <- Result{Err: ErrClosed}
	}

	cq.cancel()
	cq.wg.Wait()
	return nil
}

// On registers an event handler. Handlers run synchronously on the queue's
// goroutines and must not block.
func (cq *CommandQueue) On(handler EventHandler) {
	cq.eventMu.Lock()
	defer cq.eventMu.Unlock()

	cq.handlers = append(cq.handlers, handler)
}

func (cq *CommandQueue) emit(event Event) {
	cq.eventMu.RLock()
	handlers := cq.handlers
	cq.eventMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}
