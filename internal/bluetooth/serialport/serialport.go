// Package serialport reaches a bluetooth printer through the serial port the
// operating system binds to it (rfcomm on Linux, an outgoing COM port on
// Windows, /dev/tty.* on macOS). The port only speaks the serial port
// profile, so a session exposes that single service with one writable
// characteristic.
package serialport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.bug.st/serial"

	"ticketprint/internal/bluetooth"
)

// Adapter implements bluetooth.Adapter over serial ports.
type Adapter struct {
	// Port is the port to select. Empty selects the first port that looks
	// like a bluetooth binding.
	Port     string
	BaudRate int

	// list is swapped out in tests.
	list func() ([]string, error)
}

// New returns an adapter for port at baud.
func New(port string, baud int) *Adapter {
	if baud <= 0 {
		baud = 9600
	}
	return &Adapter{Port: port, BaudRate: baud, list: serial.GetPortsList}
}

// RequestDevice picks the configured port, or the first bluetooth-looking
// one. There is nothing to pick from when no such port exists, which is
// reported as a cancelled selection.
func (a *Adapter) RequestDevice(ctx context.Context, services []string) (bluetooth.Device, error) {
	if !offers(services) {
		return nil, bluetooth.ErrUserCancelled
	}
	ports, err := a.list()
	if err != nil {
		return nil, mapError(err)
	}
	if a.Port != "" {
		for _, p := range ports {
			if p == a.Port {
				return a.device(p), nil
			}
		}
		return nil, fmt.Errorf("%w: port %s not present", bluetooth.ErrOutOfRange, a.Port)
	}
	for _, p := range ports {
		if looksBluetooth(p) {
			return a.device(p), nil
		}
	}
	return nil, bluetooth.ErrUserCancelled
}

// AuthorizedDevices lists every present port; the operating system already
// paired them.
func (a *Adapter) AuthorizedDevices(ctx context.Context) ([]bluetooth.Device, error) {
	ports, err := a.list()
	if err != nil {
		return nil, mapError(err)
	}
	out := make([]bluetooth.Device, 0, len(ports))
	for _, p := range ports {
		out = append(out, a.device(p))
	}
	return out, nil
}

// Supported reports whether this platform can list serial ports at all.
func (a *Adapter) Supported() bool {
	_, err := a.list()
	return err == nil
}

func (a *Adapter) device(port string) *device {
	return &device{port: port, mode: &serial.Mode{BaudRate: a.BaudRate}}
}

func offers(services []string) bool {
	for _, s := range services {
		if s == bluetooth.ServiceSerialPort {
			return true
		}
	}
	return false
}

func looksBluetooth(port string) bool {
	p := strings.ToLower(port)
	return strings.Contains(p, "rfcomm") || strings.Contains(p, "bluetooth") || strings.Contains(p, "bt-")
}

type device struct {
	port string
	mode *serial.Mode
}

func (d *device) ID() string   { return d.port }
func (d *device) Name() string { return d.port }

func (d *device) Connect(ctx context.Context) (bluetooth.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := serial.Open(d.port, d.mode)
	if err != nil {
		return nil, mapError(err)
	}
	return newSession(p), nil
}

// port is the subset of serial.Port a session uses.
type port interface {
	Write(p []byte) (int, error)
	Drain() error
	Close() error
}

type session struct {
	port port
	once sync.Once
	done chan struct{}
	// wmu serialises writes against Close.
	wmu sync.Mutex
}

func newSession(p port) *session {
	return &session{port: p, done: make(chan struct{})}
}

func (s *session) Service(ctx context.Context, uuid string) (bluetooth.Service, error) {
	if uuid != bluetooth.ServiceSerialPort {
		return nil, bluetooth.ErrServiceNotFound
	}
	return sppService{s: s}, nil
}

func (s *session) Disconnected() <-chan struct{} { return s.done }

func (s *session) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.wmu.Lock()
		err = s.port.Close()
		s.wmu.Unlock()
	})
	return err
}

func (s *session) write(ctx context.Context, b []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.wmu.Lock()
	select {
	case <-s.done:
		s.wmu.Unlock()
		return errors.New("serial port closed")
	default:
	}
	_, err := s.port.Write(b)
	if err == nil {
		err = s.port.Drain()
	}
	s.wmu.Unlock()
	if err != nil {
		// A failed write on an rfcomm port means the link is gone.
		_ = s.Close()
		return mapError(err)
	}
	return nil
}

type sppService struct{ s *session }

func (v sppService) UUID() string { return bluetooth.ServiceSerialPort }

func (v sppService) Characteristics(ctx context.Context) ([]bluetooth.Characteristic, error) {
	return []bluetooth.Characteristic{sppChannel{s: v.s}}, nil
}

type sppChannel struct{ s *session }

func (c sppChannel) UUID() string   { return bluetooth.ServiceSerialPort }
func (c sppChannel) CanWrite() bool { return true }

func (c sppChannel) Write(ctx context.Context, p []byte) error { return c.s.write(ctx, p) }

func mapError(err error) error {
	var perr *serial.PortError
	if !errors.As(err, &perr) {
		return err
	}
	return mapCode(perr.Code(), err)
}

func mapCode(code serial.PortErrorCode, err error) error {
	switch code {
	case serial.PermissionDenied:
		return fmt.Errorf("%w: %v", bluetooth.ErrPermissionDenied, err)
	case serial.PortNotFound:
		return fmt.Errorf("%w: %v", bluetooth.ErrOutOfRange, err)
	case serial.PortBusy:
		return fmt.Errorf("%w: %v", bluetooth.ErrTransportUnavailable, err)
	case serial.ErrorEnumeratingPorts:
		return fmt.Errorf("%w: %v", bluetooth.ErrEnumerationUnsupported, err)
	}
	return err
}
