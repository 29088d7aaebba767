// Package fieldbus carries Modbus-TCP traffic between the controller and
// the field devices. Every operation opens a fresh session so a wedged
// device never holds a connection hostage across cycles.
package fieldbus

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/goburrow/modbus"

	"github.com/devskill-org/site-controller/regmap"
)

// SessionTimeout bounds every field-bus operation, connect included.
const SessionTimeout = 1500 * time.Millisecond

// DeviceError wraps any field-bus failure with the identity of the device
// and the operation that failed.
type DeviceError struct {
	Endpoint string
	Slave    byte
	Op       string
	Address  uint16
	Err      error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device %s unit %d: %s at %d: %v", e.Endpoint, e.Slave, e.Op, e.Address, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// Bus is the operation set the pipelines need from the field bus. The
// pollers and the control executor take this interface so tests can swap
// in fakes.
type Bus interface {
	Read(endpoint string, slave byte, address, quantity uint16, fc int) ([]uint16, error)
	WriteSingle(endpoint string, slave byte, address, value uint16) error
	WriteMulti(endpoint string, slave byte, address uint16, values []uint16) error
}

// Client implements Bus over goburrow/modbus with one TCP session per call.
type Client struct {
	timeout time.Duration
}

// NewClient returns a Client with the default session timeout.
func NewClient() *Client {
	return &Client{timeout: SessionTimeout}
}

func (c *Client) session(endpoint string, slave byte) (modbus.Client, *modbus.TCPClientHandler, error) {
	handler := modbus.NewTCPClientHandler(endpoint)
	handler.SlaveId = slave
	handler.Timeout = c.timeout

	if err := handler.Connect(); err != nil {
		return nil, nil, err
	}
	return modbus.NewClient(handler), handler, nil
}

// Read reads quantity registers starting at address using function code 3
// (holding) or 4 (input).
func (c *Client) Read(endpoint string, slave byte, address, quantity uint16, fc int) ([]uint16, error) {
	client, handler, err := c.session(endpoint, slave)
	if err != nil {
		return nil, &DeviceError{Endpoint: endpoint, Slave: slave, Op: "connect", Address: address, Err: err}
	}
	defer handler.Close()

	var data []byte
	switch fc {
	case regmap.FCInput:
		data, err = client.ReadInputRegisters(address, quantity)
	default:
		data, err = client.ReadHoldingRegisters(address, quantity)
	}
	if err != nil {
		return nil, &DeviceError{Endpoint: endpoint, Slave: slave, Op: "read", Address: address, Err: err}
	}
	if len(data) < int(quantity)*2 {
		return nil, &DeviceError{
			Endpoint: endpoint, Slave: slave, Op: "read", Address: address,
			Err: fmt.Errorf("short read: %d bytes for %d registers", len(data), quantity),
		}
	}

	regs := make([]uint16, quantity)
	for i := range regs {
		regs[i] = binary.BigEndian.Uint16(data[i*2 : i*2+2])
	}
	return regs, nil
}

// WriteSingle writes one register (function code 6).
func (c *Client) WriteSingle(endpoint string, slave byte, address, value uint16) error {
	client, handler, err := c.session(endpoint, slave)
	if err != nil {
		return &DeviceError{Endpoint: endpoint, Slave: slave, Op: "connect", Address: address, Err: err}
	}
	defer handler.Close()

	if _, err := client.WriteSingleRegister(address, value); err != nil {
		return &DeviceError{Endpoint: endpoint, Slave: slave, Op: "write", Address: address, Err: err}
	}
	return nil
}

// WriteMulti writes consecutive registers (function code 16), high word
// first as laid out by the caller.
func (c *Client) WriteMulti(endpoint string, slave byte, address uint16, values []uint16) error {
	client, handler, err := c.session(endpoint, slave)
	if err != nil {
		return &DeviceError{Endpoint: endpoint, Slave: slave, Op: "connect", Address: address, Err: err}
	}
	defer handler.Close()

	buf := make([]byte, len(values)*2)
	for i, v := range values {
		binary.BigEndian.PutUint16(buf[i*2:], v)
	}
	if _, err := client.WriteMultipleRegisters(address, uint16(len(values)), buf); err != nil {
		return &DeviceError{Endpoint: endpoint, Slave: slave, Op: "write", Address: address, Err: err}
	}
	return nil
}
