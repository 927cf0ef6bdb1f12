package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"outreach/internal/connector"
	"outreach/internal/domain"
	"outreach/internal/eventbus"
	logx "outreach/pkg/logx"
)

// Tick runs one scheduling pass: promote due jobs, then advance up to
// MaxJobsPerTick RUNNING jobs by one batch each. If a tick is already
// running it returns ErrTickInProgress without doing anything.
func (e *Engine) Tick(ctx context.Context) error {
	if !e.ticking.CompareAndSwap(false, true) {
		e.skipped.Add(1)
		return ErrTickInProgress
	}
	defer e.ticking.Store(false)

	started := time.Now()
	err := e.tick(ctx)
	e.ticks.Add(1)

	e.statMu.Lock()
	e.lastTickAt = started
	e.lastTickDur = time.Since(started)
	if err != nil {
		e.lastErr = err.Error()
	}
	e.statMu.Unlock()
	return err
}

func (e *Engine) tick(ctx context.Context) error {
	cfg := e.config()

	promoted, err := e.store.PromoteDueJobs(ctx, e.now())
	if err != nil {
		return fmt.Errorf("promote due jobs: %w", err)
	}
	for _, id := range promoted {
		if job, err := e.store.GetJob(ctx, id); err == nil {
			e.log.Info("scheduled job is due", logx.Job(id))
			e.publishJob(job)
		}
	}

	jobs, err := e.store.ListRunnableJobs(ctx, cfg.MaxJobsPerTick)
	if err != nil {
		return fmt.Errorf("list runnable jobs: %w", err)
	}
	var errs []error
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		if err := e.runJobSafe(ctx, job); err != nil {
			e.log.Warn("job batch failed", logx.Job(job.ID), logx.Tenant(job.TenantID), logx.Err(err))
			errs = append(errs, fmt.Errorf("job %s: %w", job.ID, err))
		}
	}
	return errors.Join(errs...)
}

// runJobSafe isolates a panic inside one job so the rest of the tick runs.
func (e *Engine) runJobSafe(ctx context.Context, job domain.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("job batch panicked", logx.Job(job.ID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return e.runJob(ctx, job)
}

func (e *Engine) runJob(ctx context.Context, job domain.Job) error {
	log := e.log.With(logx.Job(job.ID), logx.Tenant(job.TenantID))

	sender, ok := e.senders[job.Kind]
	if !job.Kind.Valid() || !ok {
		return e.failJob(ctx, job, fmt.Sprintf("unknown job kind %q", job.Kind))
	}
	tenant, err := e.store.GetTenant(ctx, job.TenantID)
	if errors.Is(err, domain.ErrNotFound) {
		return e.failJob(ctx, job, fmt.Sprintf("tenant %s not found", job.TenantID))
	}
	if err != nil {
		return err
	}
	if job.Counters.Total == 0 {
		return e.failJob(ctx, job, "job has no items")
	}
	if tenant.Status != domain.ConnOnline {
		log.Debug("tenant not online; job waits", logx.String("status", string(tenant.Status)))
		return e.rotate(ctx, job)
	}
	conn, ok := e.resolver.Connector(job.TenantID)
	if !ok {
		log.Debug("tenant connector not ready; job waits")
		return e.rotate(ctx, job)
	}

	items, err := e.store.FindPendingItems(ctx, job.ID, job.Rate.BatchSize())
	if err != nil {
		return fmt.Errorf("find pending items: %w", err)
	}

	for i, item := range items {
		if i > 0 {
			if err := e.sleep(ctx, e.jitter(job.Rate)); err != nil {
				return nil
			}
		}
		st, err := e.store.GetJobStatus(ctx, job.ID)
		if err != nil {
			return fmt.Errorf("read job status: %w", err)
		}
		if st != domain.JobRunning {
			log.Info("job batch interrupted", logx.String("status", string(st)))
			return nil
		}
		stop, err := e.processItem(ctx, job, item, sender, conn, log)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}

	done, err := e.store.CompleteJobIfDone(ctx, job.ID, e.now())
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	cur, err := e.store.GetJob(ctx, job.ID)
	if err != nil {
		log.Warn("reload job after batch failed; progress not published", logx.Err(err))
		return nil
	}
	if done {
		log.Info("job completed", logx.Int("success", cur.Counters.Success),
			logx.Int("failed", cur.Counters.Failed), logx.Int("skipped", cur.Counters.Skipped))
		e.publishJob(cur)
	} else if len(items) > 0 {
		e.publish(eventbus.KindJobProgress, cur)
	}
	return nil
}

// rotate moves a job that cannot progress behind the other runnable jobs so
// it does not hold a MaxJobsPerTick slot tick after tick.
func (e *Engine) rotate(ctx context.Context, job domain.Job) error {
	if err := e.store.TouchJob(ctx, job.ID, e.now()); err != nil {
		return fmt.Errorf("touch job: %w", err)
	}
	return nil
}

// processItem sends one item and commits its outcome. stop reports that the
// rest of the batch must be abandoned.
func (e *Engine) processItem(ctx context.Context, job domain.Job, item domain.JobItem, sender Sender, conn connector.Connector, log logx.Logger) (stop bool, err error) {
	if err := e.store.MarkItemProcessing(ctx, item.ID); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			return false, nil
		}
		return false, fmt.Errorf("mark item processing: %w", err)
	}

	e.mu.Lock()
	lim := e.limiters
	timeout := e.cfg.SendTimeout
	e.mu.Unlock()

	var (
		res     connector.SendResult
		sendErr error
	)
	if err := lim.Wait(ctx, job.TenantID); err != nil {
		sendErr = err
	} else {
		sctx, cancel := context.WithTimeout(ctx, timeout)
		res, sendErr = safeSend(sctx, sender, conn, job, item)
		cancel()
	}

	now := e.now()
	r := domain.ItemResult{ItemID: item.ID, Tries: item.Tries}
	switch {
	case sendErr == nil:
		r.Status = domain.ItemSent
		r.Tries = item.Tries + 1
		r.SentAt = &now
		r.ExternalID = res.ExternalID
		r.Delta.Success = 1
		e.itemsSent.Add(1)
	case domain.IsPermanent(sendErr):
		r.Status = domain.ItemSkipped
		r.LastError = sendErr.Error()
		r.Delta.Skipped = 1
		e.itemsSkipped.Add(1)
	case errors.Is(sendErr, domain.ErrTenantOffline) || ctx.Err() != nil:
		// Not the target's fault: requeue without consuming a try.
		r.Status = domain.ItemPending
		r.LastError = sendErr.Error()
		stop = true
	default:
		r.Tries = item.Tries + 1
		r.LastError = sendErr.Error()
		if r.Tries >= item.MaxTries {
			r.Status = domain.ItemFailed
			r.Delta.Failed = 1
			e.itemsFailed.Add(1)
		} else {
			r.Status = domain.ItemPending
		}
	}

	// The outcome must be recorded even when ctx was cancelled mid-send.
	cctx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := e.store.RecordItemResult(cctx, job.ID, r, now); err != nil {
		return true, fmt.Errorf("record item result: %w", err)
	}
	if r.Status != domain.ItemSent {
		log.Debug("item attempt recorded", logx.String("item", item.ID), logx.String("status", string(r.Status)),
			logx.Int("tries", r.Tries), logx.String("error", r.LastError))
	}
	e.pub.Publish(eventbus.Event{
		Kind:     eventbus.KindJobItem,
		TenantID: job.TenantID,
		JobID:    job.ID,
		Time:     now,
		Payload:  ItemUpdate{ItemID: item.ID, Target: item.Target, Status: r.Status, Tries: r.Tries, LastError: r.LastError},
	})
	return stop, nil
}

func safeSend(ctx context.Context, s Sender, conn connector.Connector, job domain.Job, item domain.JobItem) (res connector.SendResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sender panicked: %v", r)
		}
	}()
	return s.Send(ctx, conn, job, item)
}

func (e *Engine) failJob(ctx context.Context, job domain.Job, reason string) error {
	if err := e.store.FailJob(ctx, job.ID, reason, e.now()); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			return nil
		}
		return fmt.Errorf("fail job: %w", err)
	}
	e.log.Warn("job failed", logx.Job(job.ID), logx.Tenant(job.TenantID), logx.String("reason", reason))
	job.Status = domain.JobFailed
	job.LastError = reason
	e.publishJob(job)
	return nil
}

// jitter picks a uniform delay in [JitterMinMs, JitterMaxMs].
func (e *Engine) jitter(r domain.RateConfig) time.Duration {
	lo, hi := r.JitterMinMs, r.JitterMaxMs
	if hi <= lo {
		return time.Duration(lo) * time.Millisecond
	}
	return time.Duration(lo+e.intn(hi-lo+1)) * time.Millisecond
}
