package modbus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"strings"
	"syscall"

	"github.com/goburrow/modbus"
	"github.com/nexus-edge/ebbflow-gateway/internal/domain"
)

// Coil values as transmitted by Write Single Coil.
const (
	coilOn  uint16 = 0xFF00
	coilOff uint16 = 0x0000
)

// decodeBit extracts the first bit of a Read Coils / Read Discrete Inputs reply.
func decodeBit(data []byte) (bool, error) {
	if len(data) < 1 {
		return false, fmt.Errorf("%w: expected 1 byte of bit data, got %d", domain.ErrMalformedResponse, len(data))
	}
	return data[0]&0x01 == 0x01, nil
}

// decodeRegister extracts an unsigned 16-bit register value.
func decodeRegister(data []byte) (int, error) {
	if len(data) < 2 {
		return 0, fmt.Errorf("%w: expected 2 bytes of register data, got %d", domain.ErrMalformedResponse, len(data))
	}
	return int(binary.BigEndian.Uint16(data[:2])), nil
}

// encodeRegister rounds value to the nearest integer and encodes it as a
// 16-bit register. Negative values are sent as two's complement.
func encodeRegister(value float64) (uint16, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, fmt.Errorf("%w: %v", domain.ErrInvalidWriteValue, value)
	}
	rounded := math.Round(value)
	if rounded < math.MinInt16 || rounded > math.MaxUint16 {
		return 0, fmt.Errorf("%w: %v", domain.ErrValueOutOfRange, value)
	}
	if rounded < 0 {
		return uint16(int16(rounded)), nil
	}
	return uint16(rounded), nil
}

func encodeCoil(value bool) uint16 {
	if value {
		return coilOn
	}
	return coilOff
}

// isTransportFailure reports whether err came from the socket rather than
// from the PLC's answer.
func isTransportFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, domain.ErrTransport) || isOutOfSequence(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE)
}

// isOutOfSequence reports whether goburrow rejected a reply that answers a
// different request, typically the late reply to one that timed out. The
// byte stream can no longer be trusted after that.
func isOutOfSequence(err error) bool {
	if err == nil {
		return false
	}
	var mbErr *modbus.ModbusError
	if errors.As(err, &mbErr) {
		return false
	}
	return strings.Contains(err.Error(), "does not match")
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// translateError maps goburrow errors onto the domain taxonomy.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	var mbErr *modbus.ModbusError
	if errors.As(err, &mbErr) {
		return fmt.Errorf("%w (function 0x%02X)", domain.ModbusExceptionToError(mbErr.ExceptionCode), mbErr.FunctionCode)
	}

	switch {
	case isTimeout(err):
		return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	case isOutOfSequence(err):
		return fmt.Errorf("%w: %v", domain.ErrOutOfSequence, err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("%w: %v", domain.ErrConnectionClosed, err)
	case isTransportFailure(err):
		return fmt.Errorf("%w: %v", domain.ErrTransport, err)
	default:
		// goburrow reports framing problems as plain errors.
		return fmt.Errorf("%w: %v", domain.ErrMalformedResponse, err)
	}
}
