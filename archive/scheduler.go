package archive

import (
	"context"
	"time"

	"batchflow/logger"
	"batchflow/scheduler"
)

// Archiver compresses wal segments that are no longer written to.
type Archiver interface {
	ArchiveClosedSegments() ([]string, error)
}

// WALArchivingTask periodically compresses past-day wal segments. The first
// run waits one full interval.
func WALArchivingTask(interval time.Duration, wal Archiver, log *logger.Logger) *scheduler.Task {
	if log == nil {
		log = logger.L()
	}
	return &scheduler.Task{
		Name:         "WALArchiving",
		Interval:     interval,
		InitialDelay: interval,
		Execute: func(ctx context.Context) error {
			archived, err := wal.ArchiveClosedSegments()
			if err != nil {
				return err
			}
			if len(archived) > 0 {
				log.Info("Archived wal segments", map[string]interface{}{
					"count":    len(archived),
					"segments": archived,
				})
			} else {
				log.Debug("No wal segments to archive")
			}
			return nil
		},
	}
}
