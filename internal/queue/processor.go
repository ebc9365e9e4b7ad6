package queue

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mailqueue/internal/email"
	"mailqueue/internal/idempotency"
	"mailqueue/internal/metrics"
	"mailqueue/internal/models"
)

// BaseRetryDelay is the backoff base; each failed attempt multiplies the
// delay by 4, giving 2, 8 and 32 minutes for attempts 1 through 3.
const BaseRetryDelay = 2 * time.Minute

const (
	defaultBatchLimit  = 50
	defaultOverFetch   = 4
	defaultSendTimeout = 30 * time.Second
)

// Stats aggregates the outcome of one processor run.
type Stats struct {
	Sent    int      `json:"sent"`
	Failed  int      `json:"failed"`
	Skipped int      `json:"skipped"`
	Errors  []string `json:"errors,omitempty"`
}

// Processor drains due jobs from the queue in bounded batch runs. It is
// invoked on an external schedule; one Run is one batch. Multiple concurrent
// runs are tolerated: job claims are not locked, and "no duplicate external
// effect" rests on the ledger's unique-key insert.
type Processor struct {
	store     PendingStore
	ledger    *idempotency.Ledger
	registry  *email.Registry
	transport email.Transport
	log       *zap.Logger

	limiter     *rate.Limiter
	batchLimit  int
	overFetch   int
	sendTimeout time.Duration
	now         func() time.Time
}

// ProcessorOption customizes a Processor.
type ProcessorOption func(*Processor)

// WithBatchLimit caps how many jobs one run may process.
func WithBatchLimit(n int) ProcessorOption {
	return func(p *Processor) {
		if n > 0 {
			p.batchLimit = n
		}
	}
}

// WithSendTimeout bounds each transport call.
func WithSendTimeout(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.sendTimeout = d
		}
	}
}

// WithRateLimiter throttles dispatches within a run.
func WithRateLimiter(l *rate.Limiter) ProcessorOption {
	return func(p *Processor) { p.limiter = l }
}

// WithClock substitutes the time source. Used by tests to walk through
// backoff windows.
func WithClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

func NewProcessor(
	store PendingStore,
	ledger *idempotency.Ledger,
	registry *email.Registry,
	transport email.Transport,
	log *zap.Logger,
	opts ...ProcessorOption,
) *Processor {

	p := &Processor{
		store:       store,
		ledger:      ledger,
		registry:    registry,
		transport:   transport,
		log:         log,
		batchLimit:  defaultBatchLimit,
		overFetch:   defaultOverFetch,
		sendTimeout: defaultSendTimeout,
		now:         time.Now,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeFailed
	outcomeSkipped
)

// Run processes one batch of due jobs. Individual job failures never abort
// the run; only an unreadable queue does.
func (p *Processor) Run(ctx context.Context) (Stats, error) {
	metrics.ProcessorRuns.Inc()

	var stats Stats

	now := p.now()

	jobs, err := p.store.DueJobs(ctx, now, p.batchLimit*p.overFetch)
	if err != nil {
		return stats, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if len(jobs) > p.batchLimit {
		jobs = jobs[:p.batchLimit]
	}

	for _, job := range jobs {
		res, jobErr := p.processJob(ctx, job)

		switch res {
		case outcomeSent:
			stats.Sent++
			metrics.EmailsSent.Inc()
		case outcomeFailed:
			stats.Failed++
			metrics.EmailFailures.Inc()
		case outcomeSkipped:
			stats.Skipped++
			metrics.EmailsSkipped.Inc()
		}

		if jobErr != nil {
			stats.Errors = append(stats.Errors, fmt.Sprintf("job %s: %v", job.ID, jobErr))
		}
	}

	p.log.Info("queue run complete",
		zap.Int("selected", len(jobs)),
		zap.Int("sent", stats.Sent),
		zap.Int("failed", stats.Failed),
		zap.Int("skipped", stats.Skipped),
	)

	return stats, nil
}

// processJob runs one job through the state machine. A panic in rendering or
// dispatch is confined to this job.
func (p *Processor) processJob(ctx context.Context, job *models.PendingEmailJob) (res outcome, err error) {

	defer func() {
		if r := recover(); r != nil {
			res = outcomeFailed
			err = fmt.Errorf("panic: %v", r)
			p.log.Error("job processing panicked",
				zap.String("job_id", job.ID),
				zap.Any("panic", r),
			)
			p.recordFailure(ctx, job, fmt.Sprintf("panic: %v", r))
		}
	}()

	now := p.now()

	// ----------------------------
	// Backoff eligibility
	// ----------------------------
	if job.Status == models.StatusFailed && !p.retryDue(job, now) {
		return outcomeSkipped, nil
	}

	// ----------------------------
	// Claim
	// ----------------------------
	if err := p.store.MarkSending(ctx, job.ID, now); err != nil {
		// Job stays in its prior state and is picked up on the next run.
		p.log.Error("failed to claim job",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
		return outcomeSkipped, fmt.Errorf("claim: %w", err)
	}
	job.Attempts++

	// ----------------------------
	// Defensive dedup recheck
	// ----------------------------
	crit := idempotency.Criteria{
		UserID:           job.UserID,
		EmailType:        job.EmailType,
		UniqueIdentifier: job.UniqueIdentifier(),
		EmailTo:          job.EmailTo,
	}

	if p.ledger.AlreadySent(ctx, crit) {
		// A concurrent run or an earlier send already covered this logical
		// email. Close the job without dispatching.
		if err := p.store.MarkSent(ctx, job.ID, p.now()); err != nil {
			p.log.Error("failed to close duplicate job",
				zap.String("job_id", job.ID),
				zap.Error(err),
			)
		}
		p.log.Info("duplicate email suppressed at dispatch",
			zap.String("job_id", job.ID),
			zap.String("user_id", job.UserID),
		)
		return outcomeSkipped, nil
	}

	// ----------------------------
	// Render
	// ----------------------------
	body, err := p.registry.Render(job.EmailType, job.TemplateData)
	if err != nil {
		p.recordFailure(ctx, job, err.Error())
		return outcomeFailed, fmt.Errorf("render: %w", err)
	}

	// ----------------------------
	// Dispatch
	// ----------------------------
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			p.recordFailure(ctx, job, err.Error())
			return outcomeFailed, fmt.Errorf("rate limiter: %w", err)
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.sendTimeout)
	messageID, err := p.transport.Send(sendCtx, job.EmailTo, job.Subject, body)
	cancel()

	if err != nil {
		p.recordFailure(ctx, job, err.Error())
		return outcomeFailed, fmt.Errorf("send: %w", err)
	}

	// ----------------------------
	// Success
	// ----------------------------
	if err := p.store.MarkSent(ctx, job.ID, p.now()); err != nil {
		p.log.Error("failed to mark job sent",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
	}

	if err := p.ledger.Record(ctx, crit, job.ID, messageID, job.Metadata); err != nil {
		p.log.Error("failed to record sent email",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
	}

	p.log.Info("email sent",
		zap.String("job_id", job.ID),
		zap.String("to", job.EmailTo),
		zap.String("email_type", string(job.EmailType)),
		zap.Int("attempt", job.Attempts),
		zap.String("message_id", messageID),
	)

	return outcomeSent, nil
}

// retryDue reports whether a failed job's backoff window has elapsed.
func (p *Processor) retryDue(job *models.PendingEmailJob, now time.Time) bool {
	if job.LastAttempt == nil || job.Attempts < 1 {
		return true
	}

	delay := BaseRetryDelay
	for i := 1; i < job.Attempts; i++ {
		delay *= 4
	}

	return !now.Before(job.LastAttempt.Add(delay))
}

func (p *Processor) recordFailure(ctx context.Context, job *models.PendingEmailJob, msg string) {
	p.log.Error("email send failed",
		zap.String("job_id", job.ID),
		zap.String("to", job.EmailTo),
		zap.Int("attempt", job.Attempts),
		zap.Int("max_attempts", job.MaxAttempts),
		zap.String("error", msg),
	)

	if err := p.store.MarkFailed(ctx, job.ID, msg, p.now()); err != nil {
		p.log.Error("failed to record job failure",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
	}
}
