// Package domain contains the core entities of the appliance gateway: the PLC
// register map, poll list templates per device type, connectivity states and
// the error taxonomy shared by every layer.
package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by the Modbus layer wraps exactly one of these.
var (
	ErrTransport               = errors.New("modbus transport error")
	ErrProtocol                = errors.New("modbus protocol error")
	ErrUnsupportedRegisterKind = errors.New("unsupported register kind")
)

// Connection errors.
var (
	ErrNotConnected     = fmt.Errorf("%w: not connected", ErrTransport)
	ErrConnectionClosed = fmt.Errorf("%w: connection closed by peer", ErrTransport)
	ErrTimeout          = fmt.Errorf("%w: i/o timeout", ErrTransport)
	ErrOutOfSequence    = fmt.Errorf("%w: response out of sequence", ErrTransport)
	ErrSessionClosed    = errors.New("transport session closed")
)

// Modbus exception responses.
var (
	ErrModbusIllegalFunction        = fmt.Errorf("%w: illegal function", ErrProtocol)
	ErrModbusIllegalAddress         = fmt.Errorf("%w: illegal data address", ErrProtocol)
	ErrModbusIllegalValue           = fmt.Errorf("%w: illegal data value", ErrProtocol)
	ErrModbusDeviceFailure          = fmt.Errorf("%w: slave device failure", ErrProtocol)
	ErrModbusAcknowledge            = fmt.Errorf("%w: acknowledge - long operation in progress", ErrProtocol)
	ErrModbusBusy                   = fmt.Errorf("%w: slave device busy", ErrProtocol)
	ErrModbusNegativeAck            = fmt.Errorf("%w: negative acknowledge", ErrProtocol)
	ErrModbusMemoryParityError      = fmt.Errorf("%w: memory parity error", ErrProtocol)
	ErrModbusGatewayPathUnavailable = fmt.Errorf("%w: gateway path unavailable", ErrProtocol)
	ErrModbusGatewayTargetFailed    = fmt.Errorf("%w: gateway target device failed to respond", ErrProtocol)
	ErrModbusUnknownException       = fmt.Errorf("%w: unknown exception", ErrProtocol)
	ErrMalformedResponse            = fmt.Errorf("%w: malformed response", ErrProtocol)
)

// Write errors.
var (
	ErrRegisterNotWritable = errors.New("register kind is not writable")
	ErrValueOutOfRange     = errors.New("value out of 16-bit register range")
	ErrInvalidWriteValue   = errors.New("invalid value for write operation")
)

// Device and configuration errors.
var (
	ErrDeviceIDRequired     = errors.New("device ID is required")
	ErrUnknownDeviceType    = errors.New("unknown device type")
	ErrHostRequired         = errors.New("device setting 'ip' is required")
	ErrInvalidPort          = errors.New("device setting 'port' must be between 1 and 65535")
	ErrDeviceNotFound       = errors.New("device not found")
	ErrDeviceExists         = errors.New("device already exists")
	ErrUnknownCapability    = errors.New("unknown capability")
	ErrServiceStopped       = errors.New("service has been stopped")
	ErrInvalidConfig        = errors.New("invalid configuration")
	ErrMQTTConnectionFailed = errors.New("MQTT connection failed")
	ErrMQTTPublishFailed    = errors.New("MQTT publish failed")
	ErrMQTTSubscribeFailed  = errors.New("MQTT subscribe failed")
)

// ModbusExceptionToError converts a Modbus exception code to a domain error.
func ModbusExceptionToError(code byte) error {
	switch code {
	case 0x01:
		return ErrModbusIllegalFunction
	case 0x02:
		return ErrModbusIllegalAddress
	case 0x03:
		return ErrModbusIllegalValue
	case 0x04:
		return ErrModbusDeviceFailure
	case 0x05:
		return ErrModbusAcknowledge
	case 0x06:
		return ErrModbusBusy
	case 0x07:
		return ErrModbusNegativeAck
	case 0x08:
		return ErrModbusMemoryParityError
	case 0x0A:
		return ErrModbusGatewayPathUnavailable
	case 0x0B:
		return ErrModbusGatewayTargetFailed
	default:
		return ErrModbusUnknownException
	}
}
