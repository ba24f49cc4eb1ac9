package agentmanager

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field cron expressions, mirroring the
// teacher's tasks.cronParser (internal/tasks/scheduler.go) without the
// optional-seconds field this scheduler doesn't need.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// CleanupScheduler periodically sweeps every namespace the Manager knows
// about via CleanupOldAgentsInNamespace, on a cadence given by a cron
// expression. Grounded on internal/tasks/scheduler.go's poll-loop shape
// (a goroutine ticking against a context, computing the next due time
// itself rather than handing a callback to a long-running cron.Cron),
// adapted from "tick and poll the store for due tasks" to "tick and sweep
// every known namespace" since the Agent Manager has no task store of its
// own to poll.
type CleanupScheduler struct {
	manager   *Manager
	schedule  cron.Schedule
	keepCount int
	logger    *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewCleanupScheduler parses expr (a standard cron expression) and
// prepares a scheduler that, once Start is called, sweeps every namespace
// down to keepCount agents each time expr is due.
func NewCleanupScheduler(manager *Manager, expr string, keepCount int, logger *slog.Logger) (*CleanupScheduler, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupScheduler{manager: manager, schedule: schedule, keepCount: keepCount, logger: logger}, nil
}

// Start launches the background sweep loop. Calling Start twice without an
// intervening Stop is a programmer error; the second call replaces the
// first's cancel func, leaking the first goroutine until the ctx passed to
// that first Start is cancelled.
func (c *CleanupScheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx)
}

// Stop cancels the sweep loop and waits for it to exit.
func (c *CleanupScheduler) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
}

func (c *CleanupScheduler) run(ctx context.Context) {
	defer close(c.done)
	now := time.Now()
	for {
		next := c.schedule.Next(now)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case now = <-timer.C:
			c.sweep()
		}
	}
}

func (c *CleanupScheduler) sweep() {
	namespaces := make(map[string]struct{})
	for _, la := range c.manager.ListAgents(nil) {
		if la.Namespace != "" {
			namespaces[la.Namespace] = struct{}{}
		}
	}
	for ns := range namespaces {
		removed := c.manager.CleanupOldAgentsInNamespace(ns, c.keepCount)
		if removed > 0 {
			c.logger.Info("agentmanager: cleanup swept namespace", "namespace", ns, "removed", removed)
		}
	}
}
