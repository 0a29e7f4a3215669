package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/takeoff/internal/common"
	"github.com/ternarybob/takeoff/internal/interfaces"
)

// Watchdog scans for tasks that have not moved within the stall ceiling and
// raises operator notifications. It never mutates tasks; a stall is a
// visibility problem, not a verdict.
type Watchdog struct {
	config  *common.PipelineConfig
	storage interfaces.TaskStorage
	events  interfaces.EventService
	cron    *cron.Cron
	logger  arbor.ILogger

	// notified tracks tasks already reported so a stalled task raises one
	// notification, not one per scan
	notified map[string]bool
}

func NewWatchdog(config *common.PipelineConfig, storage interfaces.TaskStorage, events interfaces.EventService, logger arbor.ILogger) *Watchdog {
	return &Watchdog{
		config:   config,
		storage:  storage,
		events:   events,
		cron:     cron.New(),
		logger:   logger,
		notified: make(map[string]bool),
	}
}

// Start schedules the periodic scan
func (w *Watchdog) Start() error {
	if _, err := w.cron.AddFunc("@every 1m", w.scan); err != nil {
		return fmt.Errorf("failed to schedule watchdog: %w", err)
	}
	w.cron.Start()
	w.logger.Info().Str("stall_ceiling", w.config.StallCeiling).Msg("Watchdog started")
	return nil
}

// Stop halts the scan schedule, waiting for a running scan to finish
func (w *Watchdog) Stop() {
	ctx := w.cron.Stop()
	<-ctx.Done()
}

func (w *Watchdog) scan() {
	ctx := context.Background()

	tasks, err := w.storage.ListNonTerminalTasks(ctx)
	if err != nil {
		w.logger.Error().Err(err).Msg("Watchdog scan failed")
		return
	}

	ceiling := w.config.StallCeilingDuration()
	now := time.Now()
	active := make(map[string]bool, len(tasks))

	for _, task := range tasks {
		active[task.TaskID] = true
		age := now.Sub(task.UpdatedAt)
		if age < ceiling {
			continue
		}
		if w.notified[task.TaskID] {
			continue
		}
		w.notified[task.TaskID] = true

		w.logger.Warn().
			Str("task_id", task.TaskID).
			Str("document_id", task.DocumentID).
			Str("stage", string(task.Stage)).
			Str("age", age.Round(time.Second).String()).
			Msg("Task appears stalled")

		w.events.Publish(ctx, interfaces.Event{
			Type: interfaces.EventNotification,
			Payload: map[string]interface{}{
				"level":       "warn",
				"message":     fmt.Sprintf("Document %s stalled in %s for %s", task.DocumentID, task.Stage, age.Round(time.Minute)),
				"task_id":     task.TaskID,
				"document_id": task.DocumentID,
			},
		})
	}

	// Forget tasks that finished so the map does not grow without bound
	for id := range w.notified {
		if !active[id] {
			delete(w.notified, id)
		}
	}
}
