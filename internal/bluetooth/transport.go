// Package bluetooth manages the single wireless link between this device and
// its receipt printer.
//
// The hardware is reached through the small Adapter/Device/Session/Service/
// Characteristic interfaces below, modelled on GATT. Production code uses the
// serialport adapter; tests use bttest.
package bluetooth

import "context"

// Known printer service identifiers, tried in order until one responds.
var KnownServices = []string{
	"000018f0-0000-1000-8000-00805f9b34fb",
	"0000ff00-0000-1000-8000-00805f9b34fb",
	"49535343-fe7d-4ae5-8fa9-9fafd205e455",
	"e7810a71-73ae-499d-8c15-faa9aef0c3f2",
	"0000ffe0-0000-1000-8000-00805f9b34fb",
	ServiceSerialPort,
}

// ServiceSerialPort is the classic SPP profile, exposed by rfcomm serial
// ports.
const ServiceSerialPort = "00001101-0000-1000-8000-00805f9b34fb"

// Adapter is the local radio.
type Adapter interface {
	// RequestDevice shows the device-selection prompt restricted to services.
	// It returns ErrUserCancelled when the user dismisses the prompt.
	RequestDevice(ctx context.Context, services []string) (Device, error)
	// AuthorizedDevices lists devices the user already granted access to.
	// It returns ErrEnumerationUnsupported when the platform cannot list them.
	AuthorizedDevices(ctx context.Context) ([]Device, error)
}

// Device is a selectable printer.
type Device interface {
	ID() string
	Name() string
	Connect(ctx context.Context) (Session, error)
}

// Session is an established low-level connection.
type Session interface {
	// Service resolves a primary service by UUID, or returns
	// ErrServiceNotFound.
	Service(ctx context.Context, uuid string) (Service, error)
	// Disconnected is closed when the link is lost or closed.
	Disconnected() <-chan struct{}
	Close() error
}

// Service groups characteristics.
type Service interface {
	UUID() string
	Characteristics(ctx context.Context) ([]Characteristic, error)
}

// Characteristic is a channel of the remote device.
type Characteristic interface {
	UUID() string
	CanWrite() bool
	Write(ctx context.Context, p []byte) error
}
