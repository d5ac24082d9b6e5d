// Package batch runs the files of one submission through the search
// executor strictly one after another.
package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/scribescope/backend/internal/models"
	"github.com/scribescope/backend/internal/upload"
	"github.com/sirupsen/logrus"
)

// Processor handles a single file.
type Processor interface {
	Process(ctx context.Context, f upload.File, report upload.Reporter) (*models.SearchResult, error)
}

// Sink receives the externally visible writes of a batch.
type Sink interface {
	UpdateFile(fileID string, status models.FileStatus, progress int, errMsg string)
	Notify(n models.Notice)
}

// Observer is told how each file ended.
type Observer interface {
	ObserveFile(status models.FileStatus, elapsed time.Duration)
}

// Runner is the batch orchestrator.
type Runner struct {
	proc Processor
	obs  Observer
}

// NewRunner creates a Runner. obs may be nil.
func NewRunner(proc Processor, obs Observer) *Runner {
	return &Runner{proc: proc, obs: obs}
}

// Run processes files in input order with one call in flight at a time and
// returns the successful results in completion order. A failed file is
// recorded through sink and never stops the batch. The loop only stops
// early when ctx is cancelled, leaving the remaining files pending.
func (r *Runner) Run(ctx context.Context, files []upload.File, sink Sink) []models.SearchResult {
	results := make([]models.SearchResult, 0, len(files))

	for i, f := range files {
		if err := ctx.Err(); err != nil {
			logrus.WithFields(logrus.Fields{
				"remaining": len(files) - i,
				"err":       err.Error(),
			}).Warn("batch cancelled")
			break
		}

		start := time.Now()
		current := models.FileStatusPending
		report := func(status models.FileStatus, progress int, errMsg string) {
			if !current.CanTransition(status) {
				logrus.WithFields(logrus.Fields{
					"file": f.Name,
					"from": current,
					"to":   status,
				}).Error("dropping out-of-order status report")
				return
			}
			current = status
			sink.UpdateFile(f.ID, status, progress, errMsg)
		}

		result, err := r.proc.Process(ctx, f, report)
		if err != nil {
			msg := upload.Message(err)
			// The executor normally reports the error itself. A processor that
			// failed before reporting anything is moved through uploading so
			// the error is a legal transition.
			if current == models.FileStatusPending {
				current = models.FileStatusUploading
				sink.UpdateFile(f.ID, models.FileStatusUploading, models.ProgressUploading, "")
			}
			if current != models.FileStatusError && current.CanTransition(models.FileStatusError) {
				current = models.FileStatusError
				sink.UpdateFile(f.ID, models.FileStatusError, models.ProgressPending, msg)
			}
			sink.Notify(models.Notice{
				FileID:   f.ID,
				FileName: f.Name,
				Title:    fmt.Sprintf("Failed to process %s", f.Name),
				Message:  msg,
			})
			logrus.WithFields(logrus.Fields{
				"file": f.Name,
				"err":  msg,
			}).Warn("error processing file")
			r.observe(models.FileStatusError, start)
			continue
		}

		results = append(results, *result)
		r.observe(models.FileStatusDone, start)
		logrus.WithFields(logrus.Fields{
			"file":    f.Name,
			"source":  result.MainSourceURL,
			"elapsed": time.Since(start).Round(time.Millisecond),
		}).Debug("file processed")
	}

	return results
}

func (r *Runner) observe(status models.FileStatus, start time.Time) {
	if r.obs != nil {
		r.obs.ObserveFile(status, time.Since(start))
	}
}
