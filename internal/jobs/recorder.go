package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/you/taskmill/internal/domain"
)

// Recorder mirrors job snapshots to a durable store. The in-memory store
// stays authoritative for live state; the recorder keeps an archive for
// listing across restarts and for audits.
type Recorder interface {
	RecordCreated(ctx context.Context, job domain.Job) error
	RecordTerminal(ctx context.Context, job domain.Job) error
}

// Mirror registers a store handler that forwards creations and terminal
// snapshots to rec. Writes are asynchronous and best-effort: an archive
// failure is logged, never surfaced to the job lifecycle.
func Mirror(s *Store, rec Recorder, log *zap.Logger) {
	s.OnEvent(func(ev Event) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			var err error
			switch ev.Kind {
			case EventCreated:
				err = rec.RecordCreated(ctx, ev.Job)
			case EventTerminal:
				err = rec.RecordTerminal(ctx, ev.Job)
			}
			if err != nil {
				log.Warn("job archive write failed",
					zap.String("job_id", ev.Job.ID),
					zap.String("kind", string(ev.Kind)),
					zap.Error(err))
			}
		}()
	})
}
