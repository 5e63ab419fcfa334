// Package settings holds the device-local persisted settings: the printer
// method preference, the remembered printer identity and the stable device
// identifier. Values live in a small YAML file and observers are notified on
// every preference write.
package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// PrinterMethod is the process-wide printing preference.
type PrinterMethod string

const (
	MethodQueue     PrinterMethod = "queue"
	MethodBluetooth PrinterMethod = "bluetooth"
	MethodHTML      PrinterMethod = "html"
)

// ErrInvalidMethod is returned for a preference outside the known set.
var ErrInvalidMethod = errors.New("invalid printer method")

// ParseMethod validates a raw preference string.
func ParseMethod(v string) (PrinterMethod, error) {
	switch m := PrinterMethod(v); m {
	case MethodQueue, MethodBluetooth, MethodHTML:
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMethod, v)
}

// Identity is the remembered printer used to reconnect without a prompt.
type Identity struct {
	DeviceID   string `yaml:"device_id" json:"device_id"`
	DeviceName string `yaml:"device_name" json:"device_name"`
}

type document struct {
	PrinterMethod PrinterMethod `yaml:"printer_method_preference"`
	Printer       *Identity     `yaml:"printer,omitempty"`
	DeviceID      string        `yaml:"device_id"`
}

// Store is safe for concurrent use. A Store opened with an empty path keeps
// everything in memory.
type Store struct {
	path string

	mu        sync.Mutex
	doc       document
	observers map[int]func(PrinterMethod)
	nextObs   int
}

// Open loads path, creating it with defaults when missing. The device id is
// generated once and persisted.
func Open(path string, defaultMethod PrinterMethod) (*Store, error) {
	if defaultMethod == "" {
		defaultMethod = MethodHTML
	}
	if _, err := ParseMethod(string(defaultMethod)); err != nil {
		return nil, err
	}
	s := &Store{
		path:      path,
		doc:       document{PrinterMethod: defaultMethod},
		observers: make(map[int]func(PrinterMethod)),
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read settings: %w", err)
		default:
			if err := yaml.Unmarshal(data, &s.doc); err != nil {
				return nil, fmt.Errorf("parse settings: %w", err)
			}
		}
	}
	if _, err := ParseMethod(string(s.doc.PrinterMethod)); err != nil {
		s.doc.PrinterMethod = defaultMethod
	}

	dirty := false
	if s.doc.DeviceID == "" {
		s.doc.DeviceID = uuid.NewString()
		dirty = true
	}
	if dirty {
		if err := s.save(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// DeviceID is the stable per-installation identifier.
func (s *Store) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.DeviceID
}

// Method returns the current printer method preference.
func (s *Store) Method() PrinterMethod {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.PrinterMethod
}

// SetMethod persists m and notifies every observer.
func (s *Store) SetMethod(m PrinterMethod) error {
	if _, err := ParseMethod(string(m)); err != nil {
		return err
	}
	s.mu.Lock()
	prev := s.doc.PrinterMethod
	s.doc.PrinterMethod = m
	if err := s.save(); err != nil {
		s.doc.PrinterMethod = prev
		s.mu.Unlock()
		return err
	}
	observers := make([]func(PrinterMethod), 0, len(s.observers))
	for _, fn := range s.observers {
		observers = append(observers, fn)
	}
	s.mu.Unlock()

	for _, fn := range observers {
		fn(m)
	}
	return nil
}

// OnMethodChange registers fn for preference writes. The returned func
// removes the registration.
func (s *Store) OnMethodChange(fn func(PrinterMethod)) (cancel func()) {
	s.mu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

// RememberedDevice returns the persisted printer identity, if any.
func (s *Store) RememberedDevice() (Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc.Printer == nil || s.doc.Printer.DeviceID == "" {
		return Identity{}, false
	}
	return *s.doc.Printer, true
}

// RememberDevice persists id as the printer to reconnect to.
func (s *Store) RememberDevice(id Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.doc.Printer
	s.doc.Printer = &id
	if err := s.save(); err != nil {
		s.doc.Printer = prev
		return err
	}
	return nil
}

// ForgetDevice erases the remembered printer. Forgetting nothing is not an
// error.
func (s *Store) ForgetDevice() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc.Printer == nil {
		return nil
	}
	prev := s.doc.Printer
	s.doc.Printer = nil
	if err := s.save(); err != nil {
		s.doc.Printer = prev
		return err
	}
	return nil
}

// save writes the document atomically. Callers hold s.mu.
func (s *Store) save() error {
	if s.path == "" {
		return nil
	}
	data, err := yaml.Marshal(&s.doc)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".settings-*")
	if err != nil {
		return fmt.Errorf("create temp settings: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close settings: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace settings: %w", err)
	}
	return nil
}
