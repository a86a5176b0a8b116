package domain

import "time"

// RegisterChannel is the synchronous field-bus read surface supplied by the
// Modbus adapter. Each call blocks up to the channel's own response timeout
// against the single pre-established connection; the caller only issues
// reads and reacts to the returned error.
type RegisterChannel interface {
	ReadInputRegisters(address, quantity uint16) ([]byte, error)
}

// ConnectivityProbe exposes the last-known link state without blocking.
// The register reader consults it as a diagnostic after sustained timeouts.
type ConnectivityProbe interface {
	IsConnected() bool
}

// DeliveryToken tracks one asynchronous broker publish. Callers that care
// about delivery observe it in the background; nothing in the publish path
// waits on it.
type DeliveryToken interface {
	WaitTimeout(d time.Duration) bool
	Error() error
}

// PubSubChannel is the broker session surface the telemetry publisher
// drives. The MQTT adapter implements it on top of the paho client;
// connection state transitions arrive through the client's own callbacks.
type PubSubChannel interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload []byte) DeliveryToken
}
