package modbus

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// FunctionReadHoldingRegisters is the function code used by all
	// currently supported sensors.
	FunctionReadHoldingRegisters byte = 0x03

	// DefaultScaleFactor converts the raw register value to physical
	// units unless the sensor configuration says otherwise.
	DefaultScaleFactor float64 = 0.1
)

var (
	ErrResponseLength   = errors.New("response has unexpected length")
	ErrAddressMismatch  = errors.New("response device address does not match request")
	ErrFunctionMismatch = errors.New("response function code does not match request")
	ErrCRCMismatch      = errors.New("response crc check failed")
)

// DeviceError is returned when the device itself reports an error by
// echoing the function code with the high bit set. It is distinct from
// a malformed response so callers can tell a broken frame from a
// well-formed complaint.
type DeviceError struct {
	ExceptionCode byte
}

func (e DeviceError) Error() string {
	return fmt.Sprintf("device reported exception code 0x%02X", e.ExceptionCode)
}

// CRC16 computes the Modbus RTU checksum (reflected polynomial 0xA001,
// initial value 0xFFFF) over data.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)

	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&0x0001 != 0 {
				crc >>= 1
				crc ^= 0xA001
			} else {
				crc >>= 1
			}
		}
	}

	return crc
}

// BuildReadRequest assembles a read registers request frame:
// address(1) + function(1) + start address(2, BE) + register count(2, BE)
// followed by the CRC in little endian byte order.
func BuildReadRequest(deviceAddress, functionCode byte, startAddress, registerCount uint16) []byte {
	frame := make([]byte, 8)
	frame[0] = deviceAddress
	frame[1] = functionCode
	binary.BigEndian.PutUint16(frame[2:4], startAddress)
	binary.BigEndian.PutUint16(frame[4:6], registerCount)
	binary.LittleEndian.PutUint16(frame[6:8], CRC16(frame[:6]))
	return frame
}

// ResponseLength returns the exact number of bytes a well-formed
// response to a registerCount read spans.
func ResponseLength(registerCount uint16) int {
	return 5 + 2*int(registerCount)
}

// ParseResponse validates a response frame against the request
// parameters and decodes the register data as a big endian unsigned
// integer scaled by scale. It never panics on malformed input.
func ParseResponse(resp []byte, deviceAddress, functionCode byte, registerCount uint16, scale float64) (float64, error) {
	if len(resp) >= 3 && resp[0] == deviceAddress && resp[1] == functionCode|0x80 {
		return 0, DeviceError{ExceptionCode: resp[2]}
	}

	expected := ResponseLength(registerCount)
	if len(resp) != expected {
		return 0, fmt.Errorf("%w: got %d bytes, want %d", ErrResponseLength, len(resp), expected)
	}

	if resp[0] != deviceAddress {
		return 0, fmt.Errorf("%w: got 0x%02X, want 0x%02X", ErrAddressMismatch, resp[0], deviceAddress)
	}

	if resp[1] != functionCode {
		return 0, fmt.Errorf("%w: got 0x%02X, want 0x%02X", ErrFunctionMismatch, resp[1], functionCode)
	}

	if binary.LittleEndian.Uint16(resp[expected-2:]) != CRC16(resp[:expected-2]) {
		return 0, ErrCRCMismatch
	}

	byteCount := int(resp[2])
	if byteCount != 2*int(registerCount) {
		return 0, fmt.Errorf("%w: byte count %d does not match %d registers", ErrResponseLength, byteCount, registerCount)
	}

	var raw uint64
	for _, b := range resp[3 : 3+byteCount] {
		raw = raw<<8 | uint64(b)
	}

	return float64(raw) * scale, nil
}
