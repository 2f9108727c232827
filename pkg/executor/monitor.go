package executor

import (
	"log/slog"
	"time"
)

// Monitor periodically logs tasks that have been in flight longer than the
// poll interval. Detection is advisory: nothing is cancelled or mutated, a
// stuck worker is only made visible to the operator.
type Monitor struct {
	interval time.Duration
	pending  func(olderThan time.Duration) []string
	logger   *slog.Logger
	stop     chan struct{}
	finished chan struct{}
}

// NewMonitor builds a monitor around a pending-snapshot function, typically a
// closure over Executor.Inflight formatting each entry for the log.
func NewMonitor(interval time.Duration, pending func(olderThan time.Duration) []string, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		interval: interval,
		pending:  pending,
		logger:   logger,
		stop:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// Start launches the polling goroutine.
func (m *Monitor) Start() {
	go m.loop()
}

// Stop terminates the loop and waits for it to exit. Safe to call once the
// executor's scope has been left.
func (m *Monitor) Stop() {
	close(m.stop)
	<-m.finished
}

func (m *Monitor) loop() {
	defer close(m.finished)

	started := time.Now()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			stuck := m.pending(m.interval)
			m.logger.Info("timeout status",
				"stuck", stuck,
				"count", len(stuck),
				"total", time.Since(started).Round(time.Second))
		}
	}
}
