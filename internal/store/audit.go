package store

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Audit action names, shared by the policy engine and the HTTP layer.
const (
	ActionLicenseCreate   = "license.create"
	ActionLicenseValidate = "license.validate"
	ActionLicenseRevoke   = "license.revoke"
	ActionLicenseExtend   = "license.extend"
	ActionLicenseRebind   = "license.rebind"
	ActionGraceCheck      = "license.grace"
	ActionLogin           = "auth.login"
	ActionLogout          = "auth.logout"
	ActionPasswordChange  = "auth.password_change"
	ActionTOTPEnroll      = "auth.totp_enroll"
	ActionUserCreate      = "user.create"
	ActionSessionRevoke   = "session.revoke"
	ActionExport          = "admin.export"
)

// Recorder decouples audit writes from request handling. Record never
// blocks; when the queue is full the event is dropped, a counter is
// bumped, and Healthy flips false until the consumer drains the backlog.
type Recorder struct {
	store   Store
	queue   chan AuditEvent
	logger  *slog.Logger
	dropped atomic.Int64
	healthy atomic.Bool
	done    chan struct{}
}

// NewRecorder creates a recorder with the given queue capacity.
func NewRecorder(st Store, capacity int, logger *slog.Logger) *Recorder {
	if capacity <= 0 {
		capacity = 1024
	}
	r := &Recorder{
		store:  st,
		queue:  make(chan AuditEvent, capacity),
		logger: logger,
		done:   make(chan struct{}),
	}
	r.healthy.Store(true)
	return r
}

// Record enqueues an audit event. It is safe for concurrent use and
// returns immediately.
func (r *Recorder) Record(ev AuditEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	select {
	case r.queue <- ev:
	default:
		r.dropped.Add(1)
		r.healthy.Store(false)
		r.logger.Warn("audit queue full, event dropped",
			slog.String("action", ev.Action),
			slog.String("actor", ev.Actor),
			slog.Int64("dropped_total", r.dropped.Load()))
	}
}

// Run consumes the queue until ctx is cancelled, then drains whatever
// remains before returning.
func (r *Recorder) Run(ctx context.Context) error {
	defer close(r.done)
	for {
		select {
		case ev := <-r.queue:
			r.persist(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-r.queue:
					r.persist(ev)
				default:
					return ctx.Err()
				}
			}
		}
	}
}

func (r *Recorder) persist(ev AuditEvent) {
	// Detached context: the event predates shutdown and should still land.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := r.store.AppendAudit(ctx, ev); err != nil {
		// A failed append loses the event just like an overflow does,
		// so it must show up in Dropped() and on the health flag.
		r.dropped.Add(1)
		r.healthy.Store(false)
		r.logger.Error("audit append failed",
			slog.String("action", ev.Action),
			slog.String("error", err.Error()))
		return
	}
	if len(r.queue) == 0 {
		r.healthy.Store(true)
	}
}

// Healthy reports whether the recorder has kept up with demand since the
// last drain.
func (r *Recorder) Healthy() bool { return r.healthy.Load() }

// Dropped returns the total number of events lost, whether to
// backpressure or to persist failures.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// QueueDepth returns the current number of queued events.
func (r *Recorder) QueueDepth() int { return len(r.queue) }

// Wait blocks until Run has returned.
func (r *Recorder) Wait() { <-r.done }
