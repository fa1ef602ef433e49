package credit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/you/taskmill/internal/domain"
	"github.com/you/taskmill/internal/jobs"
)

// AutoRefund wires the refund policy to the job store: any job reaching
// failed or cancelled gets its reservation back, at most once. Completed
// jobs never trigger a refund. Duplicate triggers (timeout racing a user
// cancel) collapse inside Ledger.RefundForJob.
func AutoRefund(s *jobs.Store, l *Ledger, log *zap.Logger) {
	s.OnEvent(func(ev jobs.Event) {
		if ev.Kind != jobs.EventTerminal {
			return
		}
		if ev.Job.Status != domain.StatusFailed && ev.Job.Status != domain.StatusCancelled {
			return
		}
		job := ev.Job
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			refunded, err := l.RefundForJob(ctx, job.UserID, job.ID)
			if err != nil {
				log.Error("refund failed",
					zap.String("job_id", job.ID),
					zap.String("user_id", job.UserID),
					zap.Error(err))
				return
			}
			if refunded {
				log.Info("credits refunded",
					zap.String("job_id", job.ID),
					zap.String("user_id", job.UserID),
					zap.String("status", string(job.Status)))
			}
		}()
	})
}
