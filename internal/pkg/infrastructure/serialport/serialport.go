package serialport

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// Channel is an open serial connection to one sensor. A channel is
// owned exclusively by its reader for the duration of a single poll
// cycle and must be closed before the reader goes back to sleep.
type Channel interface {
	Write(p []byte) (int, error)
	// ReadExact reads up to n bytes, returning short on read timeout.
	ReadExact(n int) ([]byte, error)
	Close() error
}

// Provider enumerates and opens serial ports. Implementations other
// than the real one exist only in tests.
type Provider interface {
	List() ([]string, error)
	Open(portName string, baudRate int, timeout time.Duration) (Channel, error)
}

func New() Provider {
	return &provider{}
}

type provider struct{}

func (p *provider) List() ([]string, error) {
	return serial.GetPortsList()
}

func (p *provider) Open(portName string, baudRate int, timeout time.Duration) (Channel, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", portName, err)
	}

	err = port.SetReadTimeout(timeout)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("could not set read timeout on %s: %w", portName, err)
	}

	return &channel{port: port}, nil
}

type channel struct {
	port serial.Port
}

func (c *channel) Write(p []byte) (int, error) {
	return c.port.Write(p)
}

func (c *channel) ReadExact(n int) ([]byte, error) {
	buf := make([]byte, n)
	read := 0

	for read < n {
		k, err := c.port.Read(buf[read:])
		if err != nil {
			return buf[:read], err
		}
		if k == 0 {
			// read timeout, return what we have
			break
		}
		read += k
	}

	return buf[:read], nil
}

func (c *channel) Close() error {
	return c.port.Close()
}
