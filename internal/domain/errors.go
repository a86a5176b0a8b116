// Package domain contains core business entities.
package domain

import "errors"

// Configuration errors.
var (
	ErrDeviceAddressRequired = errors.New("device address is required")
	ErrInvalidDeviceAddress  = errors.New("device address is not a valid IP address")
	ErrBrokerURLRequired     = errors.New("MQTT broker URL is required")
	ErrTopicPrefixRequired   = errors.New("MQTT topic prefix is required")
	ErrInvalidSlaveID        = errors.New("invalid slave ID")
	ErrInvalidDescriptor     = errors.New("invalid parameter descriptor")
	ErrInvalidConfig         = errors.New("invalid configuration")
)

// Link errors.
var (
	ErrConnectionFailed   = errors.New("connection failed")
	ErrConnectionTimeout  = errors.New("connection timeout")
	ErrConnectionClosed   = errors.New("connection closed")
	ErrLinkDown           = errors.New("link is down")
	ErrProbeFailed        = errors.New("link probe failed")
	ErrMaxRetriesExceeded = errors.New("maximum retry attempts exceeded")
)

// Read errors.
var (
	ErrReadFailed           = errors.New("read operation failed")
	ErrReadTimeout          = errors.New("read timed out")
	ErrShortResponse        = errors.New("response shorter than expected")
	ErrInvalidDataLength    = errors.New("invalid data length")
	ErrInvalidRegisterCount = errors.New("modbus: invalid register count")
	ErrAllParametersFailed  = errors.New("all parameters failed to read")
)

// Modbus exception errors.
var (
	ErrModbusIllegalFunction        = errors.New("modbus: illegal function")
	ErrModbusIllegalAddress         = errors.New("modbus: illegal data address")
	ErrModbusIllegalValue           = errors.New("modbus: illegal data value")
	ErrModbusDeviceFailure          = errors.New("modbus: slave device failure")
	ErrModbusAcknowledge            = errors.New("modbus: acknowledge - long operation in progress")
	ErrModbusBusy                   = errors.New("modbus: slave device busy")
	ErrModbusNegativeAck            = errors.New("modbus: negative acknowledge")
	ErrModbusMemoryParityError      = errors.New("modbus: memory parity error")
	ErrModbusGatewayPathUnavailable = errors.New("modbus: gateway path unavailable")
	ErrModbusGatewayTargetFailed    = errors.New("modbus: gateway target device failed to respond")
)

// MQTT errors.
var (
	ErrMQTTConnectionFailed = errors.New("MQTT connection failed")
	ErrMQTTPublishFailed    = errors.New("MQTT publish failed")
	ErrMQTTNotConnected     = errors.New("MQTT client not connected")
)

// Service errors.
var (
	ErrServiceNotStarted  = errors.New("service not started")
	ErrServiceStopped     = errors.New("service has been stopped")
	ErrNoReadingAvailable = errors.New("no reading available yet")
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
		return ErrReadFailed
	}
}
