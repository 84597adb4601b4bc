// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 FlashUp Project

// Package device defines the transport capability used to talk to a
// single updatable device, plus the serial and network transports.
//
// All transport state is owned by an eventloop.Loop: public methods and
// event callbacks run on the loop goroutine. Reader goroutines and
// dialers only hand their results back to the loop.
package device

// ConnectionStatus describes the link to the device.
type ConnectionStatus int

const (
	Disconnected ConnectionStatus = iota
	Connecting
	Connected
	ConnError
)

func (s ConnectionStatus) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case ConnError:
		return "error"
	default:
		return "unknown"
	}
}

// State is the device-side update state, driven by device notifications.
type State int

const (
	StateIdle State = iota
	StateReady
	StateUpdating
	StateRebooting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReady:
		return "ready"
	case StateUpdating:
		return "updating"
	case StateRebooting:
		return "rebooting"
	default:
		return "unknown"
	}
}

// Log levels carried by transport and job log events.
type LogLevel int

const (
	LevelDebug   LogLevel = 0
	LevelInfo    LogLevel = 1
	LevelWarning LogLevel = 2
	LevelError   LogLevel = 3
)

func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarning:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "?"
	}
}

// Device is the capability every transport implements.
//
// BeginUpdate, SendChunk, FinalizeUpdate and CancelUpdate report whether
// the request was accepted for transmission; delivery confirmation is
// asynchronous via state events. At most one request is in flight per
// device; additional requests queue FIFO behind it.
type Device interface {
	// ID returns the stable identifier, e.g. "serial:/dev/ttyUSB0".
	ID() string

	// Info returns the static descriptor plus a live "status" entry.
	Info() map[string]string

	// Connect initiates the connection. It transitions the connection
	// status through Connecting to Connected or ConnError.
	Connect() error

	// Disconnect releases resources, drains the pending queue and
	// clears the read buffer. Idempotent.
	Disconnect()

	IsConnected() bool
	ConnectionStatus() ConnectionStatus
	State() State

	BeginUpdate() bool
	SendChunk(data []byte, offset int64) bool
	FinalizeUpdate() bool
	CancelUpdate() bool

	// OptimalChunkSize is the transport's preferred chunk size in bytes.
	OptimalChunkSize() int64

	// Subscribe registers event callbacks and returns a function that
	// removes them again.
	Subscribe(Events) (unsubscribe func())
}
