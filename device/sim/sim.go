// Package sim provides an in-process device transport for tests, demos and
// the CLI's --simulate mode.
//
// A Transport models a bus of virtual devices. Connecting claims a device
// exclusively until the connection closes, so a second connect reports the
// device as in use. Connect, close and listing failures can be injected.
// Connections implement device.Producer and emit synthetic frames, encoded
// frames, point clouds and RGBD pairs at a fixed rate.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/depthgraph/device"
	"github.com/c360/depthgraph/errors"
)

// Transport is a simulated device bus.
type Transport struct {
	mu      sync.Mutex
	devices []*virtualDevice

	connectErr error
	closeErr   error
	listErr    map[device.XLinkDeviceState]error

	fps    float64
	width  int
	height int
	logger *slog.Logger

	connects atomic.Int64
	closes   atomic.Int64
}

type virtualDevice struct {
	info    device.DeviceInfo
	claimed bool
}

// Option configures a Transport.
type Option func(*Transport)

// WithFPS sets the rate of every produced stream. Non-positive values are
// ignored.
func WithFPS(fps float64) Option {
	return func(t *Transport) {
		if fps > 0 {
			t.fps = fps
		}
	}
}

// WithFrameSize sets the resolution of synthetic frames and point clouds.
func WithFrameSize(width, height int) Option {
	return func(t *Transport) {
		if width > 0 && height > 0 {
			t.width, t.height = width, height
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithDevices pre-populates the bus.
func WithDevices(infos ...device.DeviceInfo) Option {
	return func(t *Transport) {
		for _, info := range infos {
			t.devices = append(t.devices, &virtualDevice{info: info})
		}
	}
}

// New creates a simulated bus. Defaults: 30 fps, 640x400 frames, no devices.
func New(opts ...Option) *Transport {
	t := &Transport{
		listErr: make(map[device.XLinkDeviceState]error),
		fps:     30,
		width:   640,
		height:  400,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	t.logger = t.logger.With("component", "sim_transport")
	return t
}

// NewDevice returns a DeviceInfo for an unbooted USB RVC2 device.
func NewDevice(id string) device.DeviceInfo {
	return device.DeviceInfo{
		Name:     "sim-" + id,
		DeviceID: id,
		State:    device.Unbooted,
		Platform: device.Rvc2,
		Protocol: device.USB,
	}
}

// AddDevice plugs a device into the bus.
func (t *Transport) AddDevice(info device.DeviceInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.devices = append(t.devices, &virtualDevice{info: info})
}

// RemoveDevice unplugs a device. Open connections to it report closed.
func (t *Transport) RemoveDevice(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, d := range t.devices {
		if d.info.DeviceID == id {
			t.devices = append(t.devices[:i], t.devices[i+1:]...)
			return true
		}
	}
	return false
}

// FailConnect makes subsequent connects fail with err. nil clears it.
func (t *Transport) FailConnect(err error) {
	t.mu.Lock()
	t.connectErr = err
	t.mu.Unlock()
}

// FailClose makes subsequent closes fail with err and leave the device
// claimed. nil clears it.
func (t *Transport) FailClose(err error) {
	t.mu.Lock()
	t.closeErr = err
	t.mu.Unlock()
}

// FailList makes listing devices in state fail with err. nil clears it.
func (t *Transport) FailList(state device.XLinkDeviceState, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err == nil {
		delete(t.listErr, state)
		return
	}
	t.listErr[state] = err
}

// Connects returns the number of successful connects.
func (t *Transport) Connects() int64 { return t.connects.Load() }

// Closes returns the number of successful closes.
func (t *Transport) Closes() int64 { return t.closes.Load() }

// Claimed reports whether the device is held by an open connection.
func (t *Transport) Claimed(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d := t.findLocked(id); d != nil {
		return d.claimed
	}
	return false
}

// ListDevices returns unclaimed devices in state. AnyState returns every
// device on the bus, claimed or not.
func (t *Transport) ListDevices(ctx context.Context, state device.XLinkDeviceState) ([]device.DeviceInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.listErr[state]; err != nil {
		return nil, err
	}

	var out []device.DeviceInfo
	for _, d := range t.devices {
		if state == device.AnyState {
			out = append(out, d.info)
			continue
		}
		if !d.claimed && d.info.State == state {
			out = append(out, d.info)
		}
	}
	return out, nil
}

// Connect claims the device. A claimed device reports in use.
func (t *Transport) Connect(ctx context.Context, info device.DeviceInfo) (device.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connectErr != nil {
		return nil, t.connectErr
	}
	d := t.findLocked(info.DeviceID)
	if d == nil {
		return nil, errors.WrapTransient(errors.ErrDeviceUnavailable, "SimTransport", "Connect",
			fmt.Sprintf("find %s", info.DeviceID))
	}
	if d.claimed {
		return nil, &errors.DeviceInUseError{Count: 1}
	}

	d.claimed = true
	d.info.State = device.Booted
	t.connects.Add(1)
	t.logger.Debug("Simulated device claimed", "device", info.DeviceID)

	return &conn{
		transport: t,
		info:      d.info,
		done:      make(chan struct{}),
	}, nil
}

func (t *Transport) findLocked(id string) *virtualDevice {
	for _, d := range t.devices {
		if d.info.DeviceID == id {
			return d
		}
	}
	return nil
}

// conn is a claimed simulated device.
type conn struct {
	transport *Transport
	info      device.DeviceInfo

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func (c *conn) Info() device.DeviceInfo { return c.info }

func (c *conn) IsClosed() bool {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return true
	}

	c.transport.mu.Lock()
	defer c.transport.mu.Unlock()
	return c.transport.findLocked(c.info.DeviceID) == nil
}

func (c *conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}

	t := c.transport
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closeErr != nil {
		return t.closeErr
	}
	if d := t.findLocked(c.info.DeviceID); d != nil {
		d.claimed = false
	}
	c.closed = true
	close(c.done)
	t.closes.Add(1)
	t.logger.Debug("Simulated device released", "device", c.info.DeviceID)
	return nil
}

// StartStreams emits synthetic messages on every stream until ctx is
// cancelled, stop is called, or the connection closes.
func (c *conn) StartStreams(ctx context.Context, streams []device.Stream) (func(), error) {
	if c.IsClosed() {
		return nil, errors.WrapInvalid(errors.ErrInvalidHandle, "SimConnection", "StartStreams", "connection closed")
	}

	t := c.transport
	interval := time.Duration(float64(time.Second) / t.fps)
	gen := generator{width: t.width, height: t.height}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	for _, s := range streams {
		if s.Emit == nil {
			continue
		}
		wg.Add(1)
		go func(s device.Stream) {
			defer wg.Done()
			c.runStream(ctx, s, interval, gen)
		}(s)
	}

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}
	return stop, nil
}

func (c *conn) runStream(ctx context.Context, s device.Stream, interval time.Duration, gen generator) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var seq int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
		}

		msg := gen.generate(s.Datatype, s.Output, seq)
		seq++
		if err := s.Emit(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.transport.logger.Debug("Simulated stream emit failed",
				"node", s.Node, "output", s.Output, "error", err)
		}
	}
}
