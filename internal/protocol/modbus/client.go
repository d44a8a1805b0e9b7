// internal/protocol/modbus/client.go
package modbus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/goburrow/modbus"

	"github.com/tamzrod/fieldlink/internal/fault"
)

// Client implements protocol.ModbusClient over goburrow/modbus.
// It serializes requests: one handler, one connection, one transaction at a time.
type Client struct {
	mu      sync.Mutex
	handler handler
	client  modbus.Client

	defaultTimeout time.Duration
}

// handler is the slice of goburrow's client handlers the adapter drives.
type handler interface {
	Connect() error
	Close() error
	setTimeout(time.Duration)
}

type tcpHandler struct{ *modbus.TCPClientHandler }

func (h tcpHandler) setTimeout(d time.Duration) { h.Timeout = d }

type rtuHandler struct{ *modbus.RTUClientHandler }

func (h rtuHandler) setTimeout(d time.Duration) { h.Timeout = d }

// Config is the transport config for one Modbus device.
type Config struct {
	Mode    string // "tcp" (default) or "rtu"
	Address string // host:port for tcp, serial device path for rtu
	UnitID  uint8
	Timeout time.Duration

	// rtu only
	BaudRate int
	DataBits int
	Parity   string
	StopBits int
}

// New creates a Modbus client. The connection is opened lazily by the first
// request, so a device that is down at startup does not block the engine.
func New(cfg Config) (*Client, error) {
	if cfg.Address == "" {
		return nil, errors.New("modbus client: address required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}

	var h handler
	var mh modbus.ClientHandler

	switch strings.ToLower(cfg.Mode) {
	case "", "tcp":
		th := modbus.NewTCPClientHandler(cfg.Address)
		th.SlaveId = cfg.UnitID
		th.Timeout = cfg.Timeout
		th.IdleTimeout = 60 * time.Second
		h, mh = tcpHandler{th}, th

	case "rtu":
		rh := modbus.NewRTUClientHandler(cfg.Address)
		rh.SlaveId = cfg.UnitID
		rh.Timeout = cfg.Timeout
		rh.BaudRate = cfg.BaudRate
		rh.DataBits = cfg.DataBits
		rh.Parity = cfg.Parity
		rh.StopBits = cfg.StopBits
		h, mh = rtuHandler{rh}, rh

	default:
		return nil, fmt.Errorf("modbus client: unknown mode %q", cfg.Mode)
	}

	return &Client{
		handler:        h,
		client:         modbus.NewClient(mh),
		defaultTimeout: cfg.Timeout,
	}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler.Close()
}

// ---- protocol.ModbusClient ----

func (c *Client) ReadHoldingRegisters(ctx context.Context, start, count uint16) ([]uint16, error) {
	op := fmt.Sprintf("read holding %d+%d", start, count)
	return c.read(ctx, op, count, func() ([]byte, error) {
		return c.client.ReadHoldingRegisters(start, count)
	})
}

func (c *Client) ReadInputRegisters(ctx context.Context, start, count uint16) ([]uint16, error) {
	op := fmt.Sprintf("read input %d+%d", start, count)
	return c.read(ctx, op, count, func() ([]byte, error) {
		return c.client.ReadInputRegisters(start, count)
	})
}

func (c *Client) WriteMultipleRegisters(ctx context.Context, start uint16, values []uint16) error {
	op := fmt.Sprintf("write multiple %d+%d", start, len(values))
	if len(values) == 0 {
		return fault.Newf(fault.InvalidValue, op, "no values")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.arm(ctx); err != nil {
		return fault.Classify(op, err)
	}

	_, err := c.client.WriteMultipleRegisters(start, uint16(len(values)), packRegisters(values))
	if err != nil {
		return c.fail(op, err, true)
	}
	return nil
}

// ---- internal ----

func (c *Client) read(ctx context.Context, op string, count uint16, call func() ([]byte, error)) ([]uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.arm(ctx); err != nil {
		return nil, fault.Classify(op, err)
	}

	raw, err := call()
	if err != nil {
		return nil, c.fail(op, err, false)
	}
	if len(raw) != int(count)*2 {
		return nil, fault.Newf(fault.DeviceError, op, "short response: got %d bytes want %d", len(raw), int(count)*2)
	}
	return unpackRegisters(raw), nil
}

// arm applies the context deadline to the handler timeout.
// goburrow has no context support; the deadline is the best we can honor.
func (c *Client) arm(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	timeout := c.defaultTimeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		return context.DeadlineExceeded
	}
	c.handler.setTimeout(timeout)
	return nil
}

// fail maps a goburrow error onto the fault taxonomy. Transport failures drop
// the connection so the next request redials.
func (c *Client) fail(op string, err error, write bool) error {
	fe := classify(op, err, write)
	if fe.Kind == fault.Timeout || fe.Kind == fault.NetworkError {
		_ = c.handler.Close()
	}
	return fe
}

func classify(op string, err error, write bool) *fault.Error {
	var me *modbus.ModbusError
	if errors.As(err, &me) {
		code := uint16(me.ExceptionCode)
		switch me.ExceptionCode {
		case modbus.ExceptionCodeIllegalDataAddress:
			return &fault.Error{Kind: fault.IllegalAddress, DeviceCode: code, Op: op, Err: err}
		case modbus.ExceptionCodeIllegalFunction, modbus.ExceptionCodeIllegalDataValue:
			if write {
				return &fault.Error{Kind: fault.WriteRejected, DeviceCode: code, Op: op, Err: err}
			}
		}
		return &fault.Error{Kind: fault.DeviceError, DeviceCode: code, Op: op, Err: err}
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fault.New(fault.Timeout, op, err)
	}
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fault.New(fault.Timeout, op, err)
	}
	// serial transports report timeouts as plain errors
	if strings.Contains(strings.ToLower(err.Error()), "timeout") {
		return fault.New(fault.Timeout, op, err)
	}
	return fault.New(fault.NetworkError, op, err)
}

// ---- helpers (pure geometry) ----

// Modbus register memory order (BIG-ENDIAN)
func packRegisters(regs []uint16) []byte {
	out := make([]byte, len(regs)*2)
	for i, r := range regs {
		out[2*i] = byte(r >> 8)
		out[2*i+1] = byte(r)
	}
	return out
}

func unpackRegisters(data []byte) []uint16 {
	n := len(data) / 2
	out := make([]uint16, n)
	for i := 0; i < n; i++ {
		out[i] = uint16(data[2*i])<<8 | uint16(data[2*i+1])
	}
	return out
}
