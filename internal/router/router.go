// Package router decides how a ticket gets printed on this device and
// carries it out: straight to the wireless printer, through the share
// sheet, through the system print dialog, or onto the shared queue.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"ticketprint/internal/bluetooth"
	"ticketprint/internal/export"
	"ticketprint/internal/models"
	"ticketprint/internal/printsurface"
	"ticketprint/internal/settings"
	"ticketprint/internal/telemetry"
)

// Method names reported in Result.
const (
	MethodBluetooth = "bluetooth"
	MethodShare     = "share"
	MethodHTML      = "html"
	MethodQueue     = "queue"
)

// Platform is the capability profile of the device the router runs on.
type Platform struct {
	Mobile     bool `json:"mobile"`
	CanShare   bool `json:"can_share"`
	DirectLink bool `json:"direct_link"`
}

// Options selects the print path for one call.
type Options struct {
	Method        settings.PrinterMethod
	AllowFallback bool
}

// Result is the outcome of Print. Failures are values, not errors, so the
// caller can always continue its own flow.
type Result struct {
	Success    bool   `json:"success"`
	Method     string `json:"method"`
	DeviceName string `json:"device_name,omitempty"`
	Cancelled  bool   `json:"cancelled,omitempty"`
	Error      string `json:"error,omitempty"`
	JobID      string `json:"job_id,omitempty"`
	Location   string `json:"location,omitempty"`
	// Err is the underlying error for callers that branch on it.
	Err error `json:"-"`
}

// Printer is the direct wireless link.
type Printer interface {
	Status() bluetooth.State
	Reconnect(ctx context.Context) (bluetooth.State, error)
	Send(ctx context.Context, data []byte) error
}

// Renderer lays out tickets.
type Renderer interface {
	ESCPOS(o models.Order, ticketType string) []byte
	Text(o models.Order, ticketType string) string
	HTML(o models.Order, ticketType string) ([]byte, error)
}

// Enqueuer hands a ticket to the shared queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, orderID, orderNumber, ticketType string) (models.PrintJob, error)
}

// Config wires a Router. Printer, Sharer, Surface and Queue may be nil when
// the device lacks that path.
type Config struct {
	Platform      Platform
	Printer       Printer
	Renderer      Renderer
	Sharer        export.Sharer
	Surface       printsurface.Surface
	Queue         Enqueuer
	NativeTimeout time.Duration
	Logger        *slog.Logger
}

// Router dispatches print requests.
type Router struct {
	platform      Platform
	printer       Printer
	renderer      Renderer
	sharer        export.Sharer
	surface       printsurface.Surface
	queue         Enqueuer
	nativeTimeout time.Duration
	logger        *slog.Logger
}

// New builds a router from cfg.
func New(cfg Config) *Router {
	if cfg.NativeTimeout <= 0 {
		cfg.NativeTimeout = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Router{
		platform:      cfg.Platform,
		printer:       cfg.Printer,
		renderer:      cfg.Renderer,
		sharer:        cfg.Sharer,
		surface:       cfg.Surface,
		queue:         cfg.Queue,
		nativeTimeout: cfg.NativeTimeout,
		logger:        cfg.Logger,
	}
}

// Platform reports the capability profile the router was built with.
func (r *Router) Platform() Platform { return r.platform }

// Print renders and prints order as ticketType using opts. It never panics.
func (r *Router) Print(ctx context.Context, order models.Order, ticketType string, opts Options) (res Result) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("print panicked", "order_id", order.ID, "panic", p)
			res = failure(string(opts.Method), fmt.Errorf("internal error: %v", p))
		}
		telemetry.PrintResults.WithLabelValues(res.Method, outcome(res)).Inc()
		telemetry.PrintDuration.WithLabelValues(res.Method).Observe(time.Since(start).Seconds())
	}()

	if !models.ValidTicketType(ticketType) {
		return failure(string(opts.Method), fmt.Errorf("invalid ticket type %q", ticketType))
	}

	switch opts.Method {
	case settings.MethodQueue:
		return r.enqueue(ctx, order, ticketType)
	case settings.MethodBluetooth:
		res = r.direct(ctx, order, ticketType)
		if res.Success || res.Cancelled || !opts.AllowFallback {
			return res
		}
		r.logger.Warn("direct print failed, falling back", "order_id", order.ID, "error", res.Error)
		return r.native(ctx, order, ticketType)
	default:
		return r.native(ctx, order, ticketType)
	}
}

func (r *Router) direct(ctx context.Context, order models.Order, ticketType string) Result {
	if !r.platform.DirectLink || r.printer == nil {
		return failure(MethodBluetooth, bluetooth.ErrTransportUnavailable)
	}
	if !r.printer.Status().Connected {
		if _, err := r.printer.Reconnect(ctx); err != nil {
			res := failure(MethodBluetooth, err)
			res.Cancelled = bluetooth.IsCancelled(err)
			return res
		}
	}
	if err := r.printer.Send(ctx, r.renderer.ESCPOS(order, ticketType)); err != nil {
		return failure(MethodBluetooth, err)
	}
	r.logger.Info("ticket printed", "method", MethodBluetooth, "order_id", order.ID, "ticket_type", ticketType)
	return Result{Success: true, Method: MethodBluetooth, DeviceName: r.printer.Status().DeviceName}
}

func (r *Router) native(ctx context.Context, order models.Order, ticketType string) Result {
	if r.platform.Mobile && r.platform.CanShare && r.sharer != nil {
		text := r.renderer.Text(order, ticketType)
		loc, err := r.sharer.Share(ctx, documentName(order, ticketType, ".txt"), []byte(text), "text/plain; charset=utf-8")
		if errors.Is(err, export.ErrCancelled) {
			return Result{Method: MethodShare, Cancelled: true}
		}
		if err != nil {
			return failure(MethodShare, err)
		}
		return Result{Success: true, Method: MethodShare, Location: loc}
	}

	if r.surface == nil {
		return failure(MethodHTML, errors.New("no print surface configured"))
	}
	html, err := r.renderer.HTML(order, ticketType)
	if err != nil {
		return failure(MethodHTML, err)
	}
	pctx, cancel := context.WithTimeout(ctx, r.nativeTimeout)
	defer cancel()
	if err := r.surface.Print(pctx, documentName(order, ticketType, ""), html); err != nil {
		if errors.Is(err, printsurface.ErrCancelled) {
			return Result{Method: MethodHTML, Cancelled: true}
		}
		return failure(MethodHTML, err)
	}
	return Result{Success: true, Method: MethodHTML}
}

func (r *Router) enqueue(ctx context.Context, order models.Order, ticketType string) Result {
	if r.queue == nil {
		return failure(MethodQueue, errors.New("print queue not configured"))
	}
	job, err := r.queue.Enqueue(ctx, order.ID, order.OrderNumber, ticketType)
	if err != nil {
		return failure(MethodQueue, err)
	}
	telemetry.JobsEnqueued.Inc()
	return Result{Success: true, Method: MethodQueue, JobID: job.ID}
}

func failure(method string, err error) Result {
	return Result{Method: method, Error: err.Error(), Err: err}
}

func outcome(r Result) string {
	switch {
	case r.Success:
		return "success"
	case r.Cancelled:
		return "cancelled"
	default:
		return "failure"
	}
}

func documentName(o models.Order, ticketType, ext string) string {
	number := strings.NewReplacer("/", "-", "\\", "-", " ", "-").Replace(o.OrderNumber)
	return fmt.Sprintf("%s-%s%s", ticketType, number, ext)
}
