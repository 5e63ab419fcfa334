// Package bttest provides an in-memory bluetooth.Adapter with scriptable
// printers, for tests of code that prints over a wireless link.
package bttest

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"ticketprint/internal/bluetooth"
)

// Printer is a fake receipt printer. Set the exported fields before the
// printer is first connected.
type Printer struct {
	ID   string
	Name string
	// Services defaults to the first known printer service.
	Services []string

	// DropAfter drops the link after that many successful writes. Zero
	// never drops.
	DropAfter int
	// FailConnect and FailWrite make the matching call return the error.
	FailConnect error
	FailWrite   error
	// WriteDelay is spent inside every write, honouring the context.
	WriteDelay time.Duration

	mu       sync.Mutex
	writes   [][]byte
	sessions []*session
	connects int
}

// NewPrinter returns a printer exposing the first known service.
func NewPrinter(id, name string) *Printer {
	return &Printer{ID: id, Name: name}
}

func (p *Printer) services() []string {
	if len(p.Services) == 0 {
		return bluetooth.KnownServices[:1]
	}
	return p.Services
}

// Drop severs every open session, as if the printer went out of range.
func (p *Printer) Drop() {
	p.mu.Lock()
	sessions := append([]*session(nil), p.sessions...)
	p.mu.Unlock()
	for _, s := range sessions {
		s.drop()
	}
}

// Writes returns a copy of every chunk received, in order.
func (p *Printer) Writes() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.writes))
	for i, w := range p.writes {
		out[i] = append([]byte(nil), w...)
	}
	return out
}

// Bytes returns every received byte concatenated.
func (p *Printer) Bytes() []byte {
	return bytes.Join(p.Writes(), nil)
}

// Connects counts successful Connect calls.
func (p *Printer) Connects() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connects
}

// Adapter is an in-memory radio that knows a fixed set of printers.
type Adapter struct {
	mu           sync.Mutex
	printers     []*Printer
	chosen       *Printer
	cancelled    bool
	requestErr   error
	requestDelay time.Duration
	requests     int
	authorized   map[string]bool
	noEnumerate  bool
	listDelay    time.Duration
}

// NewAdapter returns an adapter in range of printers. By default the
// selection prompt picks the first printer offering a requested service.
func NewAdapter(printers ...*Printer) *Adapter {
	return &Adapter{printers: printers, authorized: make(map[string]bool)}
}

// Choose makes the prompt pick p.
func (a *Adapter) Choose(p *Printer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.chosen, a.cancelled = p, false
}

// Cancel makes the prompt report a user dismissal.
func (a *Adapter) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancelled = true
}

// FailRequest makes the prompt fail with err, e.g. bluetooth.ErrPermissionDenied.
func (a *Adapter) FailRequest(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requestErr = err
}

// SetRequestDelay keeps the prompt open for d.
func (a *Adapter) SetRequestDelay(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requestDelay = d
}

// SetAuthorizeDelay makes AuthorizedDevices wait d, or until its context
// ends, before answering.
func (a *Adapter) SetAuthorizeDelay(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listDelay = d
}

// SetEnumerationUnsupported makes AuthorizedDevices unsupported.
func (a *Adapter) SetEnumerationUnsupported(v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.noEnumerate = v
}

// Authorize grants access to p without a prompt.
func (a *Adapter) Authorize(p *Printer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.authorized[p.ID] = true
}

// Revoke withdraws a previous grant.
func (a *Adapter) Revoke(p *Printer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.authorized, p.ID)
}

// Requests counts how many times the prompt was shown.
func (a *Adapter) Requests() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.requests
}

func (a *Adapter) RequestDevice(ctx context.Context, services []string) (bluetooth.Device, error) {
	a.mu.Lock()
	a.requests++
	delay := a.requestDelay
	a.mu.Unlock()

	if err := wait(ctx, delay); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.requestErr != nil {
		return nil, a.requestErr
	}
	if a.cancelled {
		return nil, bluetooth.ErrUserCancelled
	}
	p := a.chosen
	if p == nil {
		p = a.firstOffering(services)
	}
	if p == nil {
		return nil, bluetooth.ErrUserCancelled
	}
	a.authorized[p.ID] = true
	return &device{p: p}, nil
}

func (a *Adapter) AuthorizedDevices(ctx context.Context) ([]bluetooth.Device, error) {
	a.mu.Lock()
	delay := a.listDelay
	a.mu.Unlock()
	if err := wait(ctx, delay); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.noEnumerate {
		return nil, bluetooth.ErrEnumerationUnsupported
	}
	var out []bluetooth.Device
	for _, p := range a.printers {
		if a.authorized[p.ID] {
			out = append(out, &device{p: p})
		}
	}
	return out, nil
}

func (a *Adapter) firstOffering(services []string) *Printer {
	for _, p := range a.printers {
		for _, have := range p.services() {
			for _, want := range services {
				if have == want {
					return p
				}
			}
		}
	}
	return nil
}

type device struct{ p *Printer }

func (d *device) ID() string   { return d.p.ID }
func (d *device) Name() string { return d.p.Name }

func (d *device) Connect(ctx context.Context) (bluetooth.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.p.FailConnect != nil {
		return nil, d.p.FailConnect
	}
	s := &session{p: d.p, done: make(chan struct{})}
	d.p.mu.Lock()
	d.p.sessions = append(d.p.sessions, s)
	d.p.connects++
	d.p.mu.Unlock()
	return s, nil
}

type session struct {
	p    *Printer
	once sync.Once
	done chan struct{}
}

func (s *session) drop() { s.once.Do(func() { close(s.done) }) }

func (s *session) Service(ctx context.Context, uuid string) (bluetooth.Service, error) {
	for _, have := range s.p.services() {
		if have == uuid {
			return &service{s: s, uuid: uuid}, nil
		}
	}
	return nil, bluetooth.ErrServiceNotFound
}

func (s *session) Disconnected() <-chan struct{} { return s.done }

func (s *session) Close() error {
	s.drop()
	return nil
}

type service struct {
	s    *session
	uuid string
}

func (v *service) UUID() string { return v.uuid }

// Characteristics lists a notify-only channel ahead of the writable one.
func (v *service) Characteristics(ctx context.Context) ([]bluetooth.Characteristic, error) {
	return []bluetooth.Characteristic{
		&characteristic{s: v.s, uuid: "00002af0-0000-1000-8000-00805f9b34fb"},
		&characteristic{s: v.s, uuid: "00002af1-0000-1000-8000-00805f9b34fb", writable: true},
	}, nil
}

var errNotWritable = errors.New("bttest: characteristic is not writable")

var errClosed = errors.New("bttest: session closed")

type characteristic struct {
	s        *session
	uuid     string
	writable bool
}

func (c *characteristic) UUID() string   { return c.uuid }
func (c *characteristic) CanWrite() bool { return c.writable }

func (c *characteristic) Write(ctx context.Context, b []byte) error {
	if !c.writable {
		return errNotWritable
	}
	p := c.s.p
	if p.WriteDelay > 0 {
		t := time.NewTimer(p.WriteDelay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.s.done:
			return errClosed
		case <-t.C:
		}
	}
	select {
	case <-c.s.done:
		return errClosed
	default:
	}
	if p.FailWrite != nil {
		return p.FailWrite
	}

	p.mu.Lock()
	p.writes = append(p.writes, append([]byte(nil), b...))
	drop := p.DropAfter > 0 && len(p.writes) >= p.DropAfter
	p.mu.Unlock()
	if drop {
		c.s.drop()
	}
	return nil
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
