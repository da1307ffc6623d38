package scheduler

import (
	"context"
	"sync"
	"time"

	"batchflow/logger"
)

// Task represents a scheduled task
type Task struct {
	Name         string
	Interval     time.Duration
	InitialDelay time.Duration
	Execute      func(context.Context) error
}

// Scheduler manages periodic tasks
type Scheduler struct {
	tasks    []*Task
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	log      *logger.Logger
	mu       sync.RWMutex
}

func New(log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.L()
	}
	return &Scheduler{
		tasks:    make([]*Task, 0),
		stopChan: make(chan struct{}),
		log:      log,
	}
}

// AddTask adds a new task to the scheduler
func (s *Scheduler) AddTask(task *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task)
	s.log.Info("Added new task to scheduler", map[string]interface{}{
		"task_name":     task.Name,
		"interval":      task.Interval.String(),
		"initial_delay": task.InitialDelay.String(),
	})
}

// Start begins all scheduled tasks
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.RLock()
	tasks := make([]*Task, len(s.tasks))
	copy(tasks, s.tasks)
	s.mu.RUnlock()

	for _, task := range tasks {
		s.wg.Add(1)
		go s.runTask(ctx, task)
	}

	s.log.Info("Scheduler started", map[string]interface{}{
		"tasks_count": len(tasks),
	})
}

// Stop halts every task. A tick that is already executing finishes first; tasks are
// expected to hand work off rather than do it inline.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
	s.log.Info("Scheduler stopped", map[string]interface{}{})
}

func (s *Scheduler) execute(ctx context.Context, task *Task) {
	if err := task.Execute(ctx); err != nil {
		s.log.Error("Task execution failed", map[string]interface{}{
			"task_name": task.Name,
			"error":     err.Error(),
		})
	}
}

// runTask executes a single task at the specified interval
func (s *Scheduler) runTask(ctx context.Context, task *Task) {
	defer s.wg.Done()

	if task.InitialDelay > 0 {
		delay := time.NewTimer(task.InitialDelay)
		select {
		case <-ctx.Done():
			delay.Stop()
			return
		case <-s.stopChan:
			delay.Stop()
			return
		case <-delay.C:
		}
	}

	// First run happens as soon as the initial delay is over
	s.execute(ctx, task)

	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Task stopped due to context cancellation", map[string]interface{}{
				"task_name": task.Name,
			})
			return
		case <-s.stopChan:
			s.log.Info("Task stopped due to scheduler shutdown", map[string]interface{}{
				"task_name": task.Name,
			})
			return
		case <-ticker.C:
			s.execute(ctx, task)
		}
	}
}

// Broadcaster is anything that can signal all of its workers at once.
type Broadcaster interface {
	Broadcast()
}

// FlushTask returns the process-wide flush ticker: every interval it broadcasts a
// flush to the whole batcher pool, whether or not messages arrived.
func FlushTask(interval, initialDelay time.Duration, target Broadcaster) *Task {
	return &Task{
		Name:         "FlushTicker",
		Interval:     interval,
		InitialDelay: initialDelay,
		Execute: func(context.Context) error {
			target.Broadcast()
			return nil
		},
	}
}
