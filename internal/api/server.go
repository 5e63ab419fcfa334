package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"ticketprint/internal/bluetooth"
	"ticketprint/internal/models"
	"ticketprint/internal/queue"
	"ticketprint/internal/ratelimit"
	"ticketprint/internal/router"
	"ticketprint/internal/settings"
	"ticketprint/internal/store"
	"ticketprint/internal/telemetry"
)

// Orders is the part of the order store the API uses.
type Orders interface {
	GetOrderByID(ctx context.Context, id string) (models.Order, error)
	AppendPrintHistory(ctx context.Context, orderID string, rec models.PrintRecord) error
	CreateOrder(ctx context.Context, o models.Order) error
}

// Printer is the local print router.
type Printer interface {
	Print(ctx context.Context, order models.Order, ticketType string, opts router.Options) router.Result
	Platform() router.Platform
}

// PrinterLink is the direct printer connection.
type PrinterLink interface {
	Status() bluetooth.State
	Connect(ctx context.Context) (bluetooth.State, error)
	Reconnect(ctx context.Context) (bluetooth.State, error)
	Disconnect() error
	Forget() error
}

// Deps are the collaborators behind the handlers. Link and Limiter may be nil.
type Deps struct {
	Queue    *queue.RedisQueue
	Orders   Orders
	Printer  Printer
	Link     PrinterLink
	Settings *settings.Store
	Limiter  *ratelimit.TokenBucket
	Logger   *slog.Logger
}

// Server wires HTTP handlers for the till and the printer host.
type Server struct {
	queue    *queue.RedisQueue
	orders   Orders
	printer  Printer
	link     PrinterLink
	settings *settings.Store
	limiter  *ratelimit.TokenBucket
	logger   *slog.Logger
}

// New constructs the API server.
func New(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Server{
		queue:    d.Queue,
		orders:   d.Orders,
		printer:  d.Printer,
		link:     d.Link,
		settings: d.Settings,
		limiter:  d.Limiter,
		logger:   d.Logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/print-jobs", func(r chi.Router) {
		r.Post("/", s.handleEnqueue)
		r.Get("/", s.handleListJobs)
		r.Get("/{id}", s.handleGetJob)
	})

	r.Route("/orders", func(r chi.Router) {
		r.Post("/", s.handleCreateOrder)
		r.Get("/{id}", s.handleGetOrder)
		r.Post("/{id}/print", s.handlePrintOrder)
	})

	r.Route("/printer", func(r chi.Router) {
		r.Get("/", s.handlePrinterStatus)
		r.Post("/connect", s.handlePrinterAction(func(ctx context.Context) (bluetooth.State, error) { return s.link.Connect(ctx) }))
		r.Post("/reconnect", s.handlePrinterAction(func(ctx context.Context) (bluetooth.State, error) { return s.link.Reconnect(ctx) }))
		r.Post("/disconnect", s.handlePrinterAction(func(context.Context) (bluetooth.State, error) { return s.link.Status(), s.link.Disconnect() }))
		r.Post("/forget", s.handlePrinterAction(func(context.Context) (bluetooth.State, error) { return s.link.Status(), s.link.Forget() }))
	})

	r.Get("/settings/printer-method", s.handleGetMethod)
	r.Put("/settings/printer-method", s.handleSetMethod)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "redis": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type enqueueRequest struct {
	OrderID     string `json:"order_id"`
	OrderNumber string `json:"order_number"`
	TicketType  string `json:"ticket_type"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if !s.allow(w, r) {
		return
	}

	job, err := s.queue.Enqueue(r.Context(), req.OrderID, req.OrderNumber, req.TicketType)
	switch {
	case errors.Is(err, queue.ErrInvalidTicketType), errors.Is(err, queue.ErrMissingOrderFields):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("enqueue print job failed", "order_id", req.OrderID, "error", err)
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	telemetry.JobsEnqueued.Inc()
	writeJSON(w, http.StatusAccepted, job)
}

// allow applies the per-device limit. It writes the rejection itself.
func (s *Server) allow(w http.ResponseWriter, r *http.Request) bool {
	if s.limiter == nil {
		return true
	}
	d, err := s.limiter.Allow(r.Context(), deviceFromRequest(r))
	if err != nil {
		s.logger.Error("rate limit check failed", "error", err)
		writeError(w, http.StatusInternalServerError, "rate limit error")
		return false
	}
	if !d.Allowed {
		telemetry.RateLimitRejects.Inc()
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
		writeError(w, http.StatusTooManyRequests, "rate limited")
		return false
	}
	return true
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.ParseInt(r.URL.Query().Get("limit"), 10, 64)
	var (
		jobs []models.PrintJob
		err  error
	)
	if r.URL.Query().Get("status") == models.JobPending {
		jobs, err = s.queue.Pending(r.Context(), limit)
	} else {
		jobs, err = s.queue.Recent(r.Context(), limit)
	}
	if err != nil {
		s.logger.Error("list print jobs failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list print jobs")
		return
	}
	if jobs == nil {
		jobs = []models.PrintJob{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, queue.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var o models.Order
	if err := json.NewDecoder(r.Body).Decode(&o); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if o.OrderNumber == "" || len(o.Items) == 0 {
		writeError(w, http.StatusBadRequest, "order_number and items are required")
		return
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.Total == 0 {
		for _, it := range o.Items {
			o.Total += it.Subtotal()
		}
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	o.PrintHistory = nil
	if err := s.orders.CreateOrder(r.Context(), o); err != nil {
		s.logger.Error("create order failed", "order_number", o.OrderNumber, "error", err)
		writeError(w, http.StatusInternalServerError, "create order failed")
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, ok := s.loadOrder(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) loadOrder(w http.ResponseWriter, r *http.Request) (models.Order, bool) {
	o, err := s.orders.GetOrderByID(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrOrderNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return o, false
	}
	if err != nil {
		s.logger.Error("load order failed", "order_id", chi.URLParam(r, "id"), "error", err)
		writeError(w, http.StatusInternalServerError, "load order failed")
		return o, false
	}
	return o, true
}

type printRequest struct {
	TicketType    string `json:"ticket_type"`
	Method        string `json:"method"`
	AllowFallback *bool  `json:"allow_fallback"`
}

// handlePrintOrder answers 200 even when printing fails so checkout can
// carry on; the result says what happened.
func (s *Server) handlePrintOrder(w http.ResponseWriter, r *http.Request) {
	var req printRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}
	if req.TicketType == "" {
		req.TicketType = models.TicketReceipt
	}
	method := s.settings.Method()
	if req.Method != "" {
		m, err := settings.ParseMethod(req.Method)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		method = m
	}
	if method == settings.MethodQueue && !s.allow(w, r) {
		return
	}
	opts := router.Options{Method: method, AllowFallback: true}
	if req.AllowFallback != nil {
		opts.AllowFallback = *req.AllowFallback
	}

	o, ok := s.loadOrder(w, r)
	if !ok {
		return
	}

	res := s.printer.Print(r.Context(), o, req.TicketType, opts)
	if res.Success && res.Method != router.MethodQueue {
		err := s.orders.AppendPrintHistory(r.Context(), o.ID, models.PrintRecord{
			Method:     res.Method,
			DeviceName: res.DeviceName,
			TicketType: req.TicketType,
			PrintedBy:  s.settings.DeviceID(),
			PrintedAt:  time.Now().UTC(),
		})
		if err != nil {
			s.logger.Warn("record print history failed", "order_id", o.ID, "error", err)
		}
	}
	if !res.Success && !res.Cancelled {
		s.logger.Warn("ticket not printed", "order_id", o.ID, "method", res.Method, "error", res.Error)
	}
	writeJSON(w, http.StatusOK, res)
}

type printerResponse struct {
	bluetooth.State
	Platform  router.Platform `json:"platform"`
	Cancelled bool            `json:"cancelled,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func (s *Server) handlePrinterStatus(w http.ResponseWriter, _ *http.Request) {
	if s.link == nil {
		writeError(w, http.StatusNotFound, bluetooth.ErrTransportUnavailable.Error())
		return
	}
	writeJSON(w, http.StatusOK, printerResponse{State: s.link.Status(), Platform: s.printer.Platform()})
}

func (s *Server) handlePrinterAction(fn func(context.Context) (bluetooth.State, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.link == nil {
			writeError(w, http.StatusNotFound, bluetooth.ErrTransportUnavailable.Error())
			return
		}
		_, err := fn(r.Context())
		resp := printerResponse{State: s.link.Status(), Platform: s.printer.Platform()}
		if err == nil {
			writeJSON(w, http.StatusOK, resp)
			return
		}
		if bluetooth.IsCancelled(err) {
			resp.Cancelled = true
			writeJSON(w, http.StatusOK, resp)
			return
		}
		resp.Error = err.Error()
		writeJSON(w, printerErrorStatus(err), resp)
	}
}

func printerErrorStatus(err error) int {
	switch {
	case errors.Is(err, bluetooth.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, bluetooth.ErrTransportUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, bluetooth.ErrConnectTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

type methodBody struct {
	Method string `json:"method"`
}

func (s *Server) handleGetMethod(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, methodBody{Method: string(s.settings.Method())})
}

func (s *Server) handleSetMethod(w http.ResponseWriter, r *http.Request) {
	var body methodBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	m, err := settings.ParseMethod(body.Method)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.settings.SetMethod(m); err != nil {
		s.logger.Error("save printer method failed", "error", err)
		writeError(w, http.StatusInternalServerError, "save failed")
		return
	}
	s.logger.Info("printer method changed", "method", m)
	writeJSON(w, http.StatusOK, methodBody{Method: string(m)})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func deviceFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Device-ID"); v != "" {
		return v
	}
	return "default"
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
