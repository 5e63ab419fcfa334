// Package listener runs on the device that owns the printer. While the
// method preference is bluetooth it watches the shared queue, claims pending
// jobs one at a time, prints them over the direct link and reports the
// outcome back to the queue and the order's print history.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"ticketprint/internal/models"
	"ticketprint/internal/queue"
	"ticketprint/internal/router"
	"ticketprint/internal/settings"
	"ticketprint/internal/telemetry"
)

// ErrUnsupportedPlatform is returned by Run on a device without a direct
// printer link.
var ErrUnsupportedPlatform = errors.New("queue listener requires a direct printer link")

// Orders is the slice of the order store the listener needs.
type Orders interface {
	GetOrderByID(ctx context.Context, id string) (models.Order, error)
	AppendPrintHistory(ctx context.Context, orderID string, rec models.PrintRecord) error
}

// Printer prints one ticket. *router.Router satisfies it.
type Printer interface {
	Print(ctx context.Context, order models.Order, ticketType string, opts router.Options) router.Result
}

// Preferences is the local method preference and device id.
type Preferences interface {
	Method() settings.PrinterMethod
	OnMethodChange(fn func(settings.PrinterMethod)) (cancel func())
	DeviceID() string
}

// Config wires a Listener.
type Config struct {
	Queue       *queue.RedisQueue
	Orders      Orders
	Printer     Printer
	Preferences Preferences
	Platform    router.Platform
	// RetryInterval is how often a failed subscribe is retried.
	RetryInterval time.Duration
	// ReportTimeout bounds the queue and history writes made after a claim.
	ReportTimeout time.Duration
	Logger        *slog.Logger
}

// Listener processes queued print jobs on this device.
type Listener struct {
	queue         *queue.RedisQueue
	orders        Orders
	printer       Printer
	prefs         Preferences
	platform      router.Platform
	retryInterval time.Duration
	reportTimeout time.Duration
	logger        *slog.Logger

	enabled   atomic.Bool
	listening atomic.Bool
	// busy guards against printing two jobs at once on this device; missed
	// records that a job was left pending while busy.
	busy   atomic.Bool
	missed atomic.Bool
	wg     sync.WaitGroup
}

// New builds a listener from cfg.
func New(cfg Config) *Listener {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Second
	}
	if cfg.ReportTimeout <= 0 {
		cfg.ReportTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Listener{
		queue:         cfg.Queue,
		orders:        cfg.Orders,
		printer:       cfg.Printer,
		prefs:         cfg.Preferences,
		platform:      cfg.Platform,
		retryInterval: cfg.RetryInterval,
		reportTimeout: cfg.ReportTimeout,
		logger:        cfg.Logger,
	}
}

// Listening reports whether the listener currently holds a queue
// subscription.
func (l *Listener) Listening() bool { return l.listening.Load() }

// Run follows the method preference until ctx ends, subscribing to the queue
// while it is bluetooth and unsubscribing otherwise. On return the
// subscription is closed and any job in progress has finished.
func (l *Listener) Run(ctx context.Context) error {
	if !l.platform.DirectLink {
		return ErrUnsupportedPlatform
	}

	changed := make(chan struct{}, 1)
	poke := func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}
	// The flag flips inside the notification so no claim starts after the
	// preference write returns.
	stopWatching := l.prefs.OnMethodChange(func(m settings.PrinterMethod) {
		l.enabled.Store(m == settings.MethodBluetooth)
		poke()
	})
	defer stopWatching()
	l.enabled.Store(l.prefs.Method() == settings.MethodBluetooth)
	poke()

	var sub *queue.Subscription
	defer func() {
		if sub != nil {
			_ = sub.Close()
			l.listening.Store(false)
		}
		l.wg.Wait()
	}()

	apply := func() {
		want := l.enabled.Load()
		switch {
		case want && sub == nil:
			s, err := l.queue.Subscribe(ctx, func(job models.PrintJob) { l.handle(ctx, job) })
			if err != nil {
				if ctx.Err() == nil {
					l.logger.Warn("subscribe to print queue failed, will retry", "error", err, "retry_in", l.retryInterval)
				}
				return
			}
			sub = s
			l.listening.Store(true)
			l.logger.Info("listening for print jobs", "device_id", l.prefs.DeviceID())
		case !want && sub != nil:
			if err := sub.Close(); err != nil {
				l.logger.Warn("close print queue subscription", "error", err)
			}
			sub = nil
			l.listening.Store(false)
			l.logger.Info("stopped listening for print jobs")
		}
	}

	retry := time.NewTicker(l.retryInterval)
	defer retry.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
			apply()
		case <-retry.C:
			apply()
		}
	}
}

// handle runs on the subscription goroutine and must not block.
func (l *Listener) handle(ctx context.Context, job models.PrintJob) {
	if !l.enabled.Load() {
		return
	}
	if !l.busy.CompareAndSwap(false, true) {
		l.missed.Store(true)
		telemetry.JobsSkippedBusy.Inc()
		l.logger.Debug("printer busy, leaving job pending", "job_id", job.ID)
		return
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.process(ctx, job)
		l.drain(ctx)
	}()
}

// drain works through jobs left pending while busy, then releases the busy
// flag. A job skipped between the last read and the release is picked up by
// taking the flag again.
func (l *Listener) drain(ctx context.Context) {
	for {
		for l.missed.Swap(false) && l.active(ctx) {
			jobs, err := l.queue.Pending(ctx, 0)
			if err != nil {
				if ctx.Err() == nil {
					l.logger.Warn("read pending print jobs failed", "error", err)
				}
				break
			}
			for _, job := range jobs {
				if !l.active(ctx) {
					break
				}
				l.process(ctx, job)
			}
		}
		l.busy.Store(false)
		if !l.missed.Load() || !l.active(ctx) || !l.busy.CompareAndSwap(false, true) {
			return
		}
	}
}

func (l *Listener) active(ctx context.Context) bool {
	return ctx.Err() == nil && l.enabled.Load()
}

func (l *Listener) process(ctx context.Context, job models.PrintJob) {
	logger := l.logger.With("job_id", job.ID, "order_id", job.OrderID, "ticket_type", job.TicketType)
	defer l.refreshDepth(ctx)

	claimed, err := l.queue.Claim(ctx, job.ID)
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("claim print job failed", "error", err)
		}
		return
	}
	if !claimed {
		telemetry.ClaimsLost.Inc()
		logger.Debug("print job taken by another device")
		return
	}
	telemetry.JobsClaimed.Inc()
	logger.Info("print job claimed")

	if err := l.print(ctx, job); err != nil {
		l.fail(ctx, logger, job, err)
		return
	}

	err = l.report(ctx, func(rctx context.Context) error { return l.queue.Complete(rctx, job.ID) })
	if err != nil {
		logger.Error("mark print job completed failed", "error", err)
		if !settled(err) {
			l.fail(ctx, logger, job, fmt.Errorf("mark completed: %w", err))
		}
		return
	}
	telemetry.JobsCompleted.Inc()
	logger.Info("print job completed")
}

// print fetches the order, prints it over the direct link only and records
// the print against the order.
func (l *Listener) print(ctx context.Context, job models.PrintJob) error {
	order, err := l.orders.GetOrderByID(ctx, job.OrderID)
	if err != nil {
		return fmt.Errorf("fetch order %s: %w", job.OrderID, err)
	}

	res := l.printer.Print(ctx, order, job.TicketType, router.Options{Method: settings.MethodBluetooth})
	if !res.Success {
		switch {
		case res.Err != nil:
			return fmt.Errorf("print: %w", res.Err)
		case res.Cancelled:
			return errors.New("print: printer selection cancelled")
		default:
			return fmt.Errorf("print: %s", res.Error)
		}
	}

	rctx, cancel := l.reportContext(ctx)
	defer cancel()
	err = l.orders.AppendPrintHistory(rctx, job.OrderID, models.PrintRecord{
		Method:     res.Method,
		DeviceName: res.DeviceName,
		TicketType: job.TicketType,
		JobID:      job.ID,
		PrintedBy:  l.prefs.DeviceID(),
		PrintedAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("record print history: %w", err)
	}
	return nil
}

func (l *Listener) fail(ctx context.Context, logger *slog.Logger, job models.PrintJob, cause error) {
	err := l.report(ctx, func(rctx context.Context) error { return l.queue.Fail(rctx, job.ID, cause.Error()) })
	if err != nil {
		logger.Error("mark print job failed failed", "error", err, "cause", cause)
		return
	}
	telemetry.JobsFailed.Inc()
	logger.Warn("print job failed", "error", cause)
}

// report retries a terminal transition until it is written, the job has
// already left printing, or the report timeout runs out.
func (l *Listener) report(ctx context.Context, write func(context.Context) error) error {
	rctx, cancel := l.reportContext(ctx)
	defer cancel()
	for attempt := 1; ; attempt++ {
		err := write(rctx)
		if err == nil || settled(err) {
			return err
		}
		wait := backoffWithJitter(reportBackoffBase, reportBackoffMax, attempt)
		l.logger.Debug("queue write failed, retrying", "error", err, "attempt", attempt, "retry_in", wait)
		t := time.NewTimer(wait)
		select {
		case <-rctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
}

// settled reports whether a transition error is final, so retrying or
// falling back cannot change the job.
func settled(err error) bool {
	return errors.Is(err, queue.ErrInvalidTransition) || errors.Is(err, queue.ErrJobNotFound)
}

const (
	reportBackoffBase = 50 * time.Millisecond
	reportBackoffMax  = time.Second
)

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	wait := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if wait > max {
		wait = max
	}
	return wait/2 + time.Duration(rand.Int63n(int64(wait/2)))
}

// reportContext outlives ctx so a claimed job is never left printing on
// shutdown.
func (l *Listener) reportContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), l.reportTimeout)
}

func (l *Listener) refreshDepth(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if n, err := l.queue.PendingDepth(ctx); err == nil {
		telemetry.PendingGauge.Set(float64(n))
	}
}
