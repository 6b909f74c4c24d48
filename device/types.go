package device

import (
	"context"
	"fmt"

	"github.com/c360/depthgraph/message"
)

// XLinkDeviceState is the boot state a device reports on the link layer.
type XLinkDeviceState int

const (
	AnyState XLinkDeviceState = iota
	Booted
	Unbooted
	Bootloader
	FlashBooted
	Gate
	GateBooted
	GateSetup
)

func (s XLinkDeviceState) String() string {
	switch s {
	case AnyState:
		return "any"
	case Booted:
		return "booted"
	case Unbooted:
		return "unbooted"
	case Bootloader:
		return "bootloader"
	case FlashBooted:
		return "flash_booted"
	case Gate:
		return "gate"
	case GateBooted:
		return "gate_booted"
	case GateSetup:
		return "gate_setup"
	default:
		return fmt.Sprintf("XLinkDeviceState(%d)", int(s))
	}
}

// ProbeOrder is the order in which Open looks for a device to claim.
// Devices that can be booted or connected immediately come first. AnyState
// is never probed because some link versions report it inconsistently.
var ProbeOrder = []XLinkDeviceState{Unbooted, Bootloader, FlashBooted, Gate, GateSetup, Booted}

// Platform is the device's silicon generation.
type Platform int

const (
	Rvc2 Platform = iota
	Rvc3
	Rvc4
	PlatformUnknown
)

func (p Platform) String() string {
	switch p {
	case Rvc2:
		return "RVC2"
	case Rvc3:
		return "RVC3"
	case Rvc4:
		return "RVC4"
	default:
		return "unknown"
	}
}

// Protocol is the link a device is reached over.
type Protocol int

const (
	USB Protocol = iota
	TCP
	ProtocolUnknown
)

func (p Protocol) String() string {
	switch p {
	case USB:
		return "usb"
	case TCP:
		return "tcp"
	default:
		return "unknown"
	}
}

// DeviceInfo identifies one physical device as reported by a Transport.
type DeviceInfo struct {
	Name     string           `json:"name"`
	DeviceID string           `json:"device_id"`
	State    XLinkDeviceState `json:"state"`
	Platform Platform         `json:"platform"`
	Protocol Protocol         `json:"protocol"`
}

func (d DeviceInfo) String() string {
	return fmt.Sprintf("%s (%s, %s, %s)", d.DeviceID, d.Name, d.Platform, d.State)
}

// Transport is the boundary to device discovery and the wire protocol.
type Transport interface {
	// ListDevices returns the devices currently in state. With AnyState it
	// returns every connected device, including ones claimed by another
	// session.
	ListDevices(ctx context.Context, state XLinkDeviceState) ([]DeviceInfo, error)

	// Connect claims the device exclusively.
	Connect(ctx context.Context, info DeviceInfo) (Connection, error)
}

// Connection is one live exclusive device connection.
type Connection interface {
	Info() DeviceInfo
	IsClosed() bool
	Close() error
}

// Stream describes one device-side output a Producer should drive.
type Stream struct {
	Node     string
	Output   string
	Datatype message.Datatype
	Emit     func(ctx context.Context, msg message.Message) error
}

// Producer is implemented by connections that run device-side outputs.
// StartStreams returns once the streams are running; stop halts them and
// waits for their goroutines to exit.
type Producer interface {
	StartStreams(ctx context.Context, streams []Stream) (stop func(), err error)
}
