package bluetooth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"ticketprint/internal/settings"
)

// IdentityStore persists the printer to reconnect to.
type IdentityStore interface {
	RememberedDevice() (settings.Identity, bool)
	RememberDevice(settings.Identity) error
	ForgetDevice() error
}

// Options tunes timeouts and chunking.
type Options struct {
	ConnectTimeout   time.Duration
	ReconnectTimeout time.Duration
	SendTimeout      time.Duration
	// ChunkSize is the number of bytes per write; it is capped at MaxPayload.
	ChunkSize  int
	MaxPayload int
	ChunkDelay time.Duration
	// Services overrides KnownServices.
	Services []string
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 20 * time.Second
	}
	if o.ReconnectTimeout <= 0 {
		o.ReconnectTimeout = 10 * time.Second
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 30 * time.Second
	}
	if o.MaxPayload <= 0 {
		o.MaxPayload = 512
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = 100
	}
	if o.ChunkSize > o.MaxPayload {
		o.ChunkSize = o.MaxPayload
	}
	if o.ChunkDelay < 0 {
		o.ChunkDelay = 0
	}
	if len(o.Services) == 0 {
		o.Services = KnownServices
	}
	return o
}

// State is the cached view of the link.
type State struct {
	Connected  bool   `json:"is_connected"`
	DeviceID   string `json:"device_id,omitempty"`
	DeviceName string `json:"device_name,omitempty"`
}

type link struct {
	device  Device
	session Session
	char    Characteristic

	once sync.Once
	stop chan struct{}
}

func (l *link) shutdown() error {
	var err error
	l.once.Do(func() {
		close(l.stop)
		err = l.session.Close()
	})
	return err
}

// errNotAuthorized means the remembered printer is not among the devices
// the platform reports as authorized.
var errNotAuthorized = errors.New("remembered printer not authorized")

// Manager owns exactly one printer link at a time.
type Manager struct {
	adapter  Adapter
	identity IdentityStore
	opts     Options
	logger   *slog.Logger
	flight   singleflight.Group

	// sendMu keeps transfers from interleaving on the link.
	sendMu sync.Mutex

	mu        sync.Mutex
	link      *link
	state     State
	observers map[int]func(State)
	nextObs   int
}

// NewManager builds a manager. The link starts disconnected; the remembered
// identity, if any, is reported by Status until Forget.
func NewManager(adapter Adapter, identity IdentityStore, opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		adapter:   adapter,
		identity:  identity,
		opts:      opts.withDefaults(),
		logger:    logger,
		observers: make(map[int]func(State)),
	}
	if id, ok := identity.RememberedDevice(); ok {
		m.state = State{DeviceID: id.DeviceID, DeviceName: id.DeviceName}
	}
	return m
}

// Status returns the cached link state without touching the radio.
func (m *Manager) Status() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers fn for every state transition. The returned func
// removes the registration.
func (m *Manager) Subscribe(fn func(State)) (cancel func()) {
	m.mu.Lock()
	id := m.nextObs
	m.nextObs++
	m.observers[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.observers, id)
		m.mu.Unlock()
	}
}

// Connect prompts for a printer and opens a link to it. Concurrent calls
// share one handshake and its outcome. If a link is already up, its state is
// returned without prompting.
func (m *Manager) Connect(ctx context.Context) (State, error) {
	if st := m.Status(); st.Connected {
		return st, nil
	}
	return m.do(ctx, "connect", m.connect)
}

// Reconnect re-opens the remembered printer without prompting. When the
// platform cannot list authorized devices, or the printer is not among them,
// it falls back to Connect, which prompts.
func (m *Manager) Reconnect(ctx context.Context) (State, error) {
	if st := m.Status(); st.Connected {
		return st, nil
	}
	return m.do(ctx, "reconnect", m.reconnect)
}

// Disconnect closes the link. It is a no-op when nothing is connected.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	l := m.link
	if l == nil {
		m.mu.Unlock()
		return nil
	}
	m.link = nil
	m.state.Connected = false
	st := m.state
	m.mu.Unlock()

	err := l.shutdown()
	m.logger.Info("printer disconnected", "device", st.DeviceName)
	m.notify(st)
	if err != nil {
		return fmt.Errorf("close printer session: %w", err)
	}
	return nil
}

// Forget disconnects and erases the remembered printer.
func (m *Manager) Forget() error {
	closeErr := m.Disconnect()
	if err := m.identity.ForgetDevice(); err != nil {
		return fmt.Errorf("forget printer: %w", err)
	}

	m.mu.Lock()
	changed := m.state != State{}
	m.state = State{}
	m.mu.Unlock()
	if changed {
		m.notify(State{})
	}
	return closeErr
}

// Send writes data to the printer in chunks. A started transfer is not
// cancelled by ctx; it ends on completion, SendTimeout, or link loss.
func (m *Manager) Send(ctx context.Context, data []byte) error {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	m.mu.Lock()
	l := m.link
	m.mu.Unlock()
	if l == nil {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.SendTimeout)
	defer cancel()

	chunks := Chunk(data, m.opts.ChunkSize)
	lost := l.session.Disconnected()
	for i, c := range chunks {
		if closed(lost) {
			return m.midTransfer(l, i, len(chunks))
		}
		if err := boundedWrite(ctx, l.char, c); err != nil {
			if closed(lost) {
				return m.midTransfer(l, i, len(chunks))
			}
			return classify(err, ErrSendTimeout)
		}
		if i == len(chunks)-1 || m.opts.ChunkDelay == 0 {
			continue
		}
		t := time.NewTimer(m.opts.ChunkDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ErrSendTimeout
		case <-lost:
			t.Stop()
			return m.midTransfer(l, i+1, len(chunks))
		case <-t.C:
		}
	}
	m.logger.Debug("print data sent", "bytes", len(data), "chunks", len(chunks))
	return nil
}

func (m *Manager) midTransfer(l *link, written, total int) error {
	m.linkLost(l)
	return fmt.Errorf("%w: %d of %d chunks written", ErrDisconnectedMidTransfer, written, total)
}

func (m *Manager) do(ctx context.Context, key string, fn func(context.Context) (State, error)) (State, error) {
	ch := m.flight.DoChan(key, func() (interface{}, error) {
		return fn(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		st, _ := res.Val.(State)
		return st, res.Err
	case <-ctx.Done():
		return m.Status(), ctx.Err()
	}
}

func (m *Manager) connect(ctx context.Context) (State, error) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	l, err := bounded(ctx, func(ctx context.Context) (*link, error) {
		dev, err := m.adapter.RequestDevice(ctx, m.opts.Services)
		if err != nil {
			return nil, err
		}
		return m.establish(ctx, dev)
	})
	if err != nil {
		err = classify(err, ErrConnectTimeout)
		if IsCancelled(err) {
			m.logger.Info("printer selection cancelled")
		} else {
			m.logger.Warn("printer connect failed", "error", err)
		}
		return m.Status(), err
	}
	return m.attach(l), nil
}

func (m *Manager) reconnect(ctx context.Context) (State, error) {
	id, ok := m.identity.RememberedDevice()
	if !ok {
		return m.Connect(ctx)
	}

	rctx, cancel := context.WithTimeout(ctx, m.opts.ReconnectTimeout)
	defer cancel()
	l, err := bounded(rctx, func(ctx context.Context) (*link, error) {
		devices, err := m.adapter.AuthorizedDevices(ctx)
		if err != nil {
			return nil, err
		}
		for _, d := range devices {
			if d.ID() == id.DeviceID {
				return m.establish(ctx, d)
			}
		}
		return nil, errNotAuthorized
	})
	switch {
	case errors.Is(err, ErrEnumerationUnsupported), errors.Is(err, errNotAuthorized):
		m.logger.Info("remembered printer unavailable, prompting", "device", id.DeviceName, "reason", err)
		return m.Connect(ctx)
	case err != nil:
		err = classify(err, ErrConnectTimeout)
		m.logger.Warn("printer reconnect failed", "device", id.DeviceName, "error", err)
		return m.Status(), err
	}
	return m.attach(l), nil
}

// establish opens a session on dev and locates the first writable
// characteristic of the first known service that responds.
func (m *Manager) establish(ctx context.Context, dev Device) (*link, error) {
	session, err := dev.Connect(ctx)
	if err != nil {
		return nil, err
	}

	var svc Service
	for _, uuid := range m.opts.Services {
		s, err := session.Service(ctx, uuid)
		if err == nil {
			svc = s
			break
		}
		if ctx.Err() != nil {
			_ = session.Close()
			return nil, ctx.Err()
		}
	}
	if svc == nil {
		_ = session.Close()
		return nil, fmt.Errorf("%w: no known printer service on %s", ErrProtocol, dev.Name())
	}

	chars, err := svc.Characteristics(ctx)
	if err != nil {
		_ = session.Close()
		return nil, err
	}
	for _, c := range chars {
		if c.CanWrite() {
			return &link{device: dev, session: session, char: c, stop: make(chan struct{})}, nil
		}
	}
	_ = session.Close()
	return nil, fmt.Errorf("%w: no writable characteristic on service %s", ErrProtocol, svc.UUID())
}

func (m *Manager) attach(l *link) State {
	m.mu.Lock()
	old := m.link
	m.link = l
	m.state = State{Connected: true, DeviceID: l.device.ID(), DeviceName: l.device.Name()}
	st := m.state
	m.mu.Unlock()

	if old != nil {
		_ = old.shutdown()
	}
	if err := m.identity.RememberDevice(settings.Identity{DeviceID: st.DeviceID, DeviceName: st.DeviceName}); err != nil {
		m.logger.Warn("remember printer failed", "error", err)
	}
	go m.watch(l)

	m.logger.Info("printer connected", "device", st.DeviceName, "id", st.DeviceID)
	m.notify(st)
	return st
}

func (m *Manager) watch(l *link) {
	select {
	case <-l.session.Disconnected():
		m.linkLost(l)
	case <-l.stop:
	}
}

// linkLost flips the state to disconnected if l is still the active link.
// The remembered identity is kept.
func (m *Manager) linkLost(l *link) {
	m.mu.Lock()
	if m.link != l {
		m.mu.Unlock()
		return
	}
	m.link = nil
	m.state.Connected = false
	st := m.state
	m.mu.Unlock()

	_ = l.shutdown()
	m.logger.Warn("printer link lost", "device", st.DeviceName)
	m.notify(st)
}

func (m *Manager) notify(st State) {
	m.mu.Lock()
	observers := make([]func(State), 0, len(m.observers))
	for _, fn := range m.observers {
		observers = append(observers, fn)
	}
	m.mu.Unlock()
	for _, fn := range observers {
		fn(st)
	}
}

// bounded runs fn and gives up when ctx ends. A link that arrives after the
// deadline is closed.
func bounded(ctx context.Context, fn func(context.Context) (*link, error)) (*link, error) {
	type result struct {
		l   *link
		err error
	}
	ch := make(chan result, 1)
	go func() {
		l, err := fn(ctx)
		ch <- result{l: l, err: err}
	}()
	select {
	case r := <-ch:
		return r.l, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.l != nil {
				_ = r.l.session.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func boundedWrite(ctx context.Context, c Characteristic, p []byte) error {
	ch := make(chan error, 1)
	go func() { ch <- c.Write(ctx, p) }()
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
