// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 FlashUp Project

package device

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"time"

	goserial "go.bug.st/serial"

	"github.com/flashup/flashup/pkg/eventloop"
)

const (
	serialTimeout   = 3000 * time.Millisecond
	serialChunkSize = 1024
	serialBaudRate  = 115200
)

// SerialDevice speaks the line-oriented update protocol over a serial
// port: requests are "CMD:<payload>\n", responses are LF-delimited and
// matched by prefix (ACK, INFO:, STATE:, ERROR:). CR on input is
// tolerated. 115200 8N1, no flow control.
type SerialDevice struct {
	emitter

	loop     *eventloop.Loop
	portName string
	baudRate int

	// openPort is a seam for tests; defaults to go.bug.st/serial.
	openPort func(name string, mode *goserial.Mode) (io.ReadWriteCloser, error)

	port      io.ReadWriteCloser
	status    ConnectionStatus
	state     State
	buf       []byte
	queue     requestQueue
	inFlight  bool
	timeout   *eventloop.Timer
	timeoutMs time.Duration
	readerGen int
}

// NewSerial creates a serial transport for portName. All methods must
// be called from loop context.
func NewSerial(loop *eventloop.Loop, portName string) *SerialDevice {
	return &SerialDevice{
		loop:     loop,
		portName: portName,
		baudRate: serialBaudRate,
		openPort: func(name string, mode *goserial.Mode) (io.ReadWriteCloser, error) {
			return goserial.Open(name, mode)
		},
		timeoutMs: serialTimeout,
	}
}

func (d *SerialDevice) ID() string {
	return "serial:" + d.portName
}

func (d *SerialDevice) Info() map[string]string {
	status := "Disconnected"
	if d.port != nil {
		status = "Connected"
	}
	return map[string]string{
		"type":     "Serial",
		"port":     d.portName,
		"baudRate": fmt.Sprintf("%d", d.baudRate),
		"protocol": "flashup-serial",
		"status":   status,
	}
}

func (d *SerialDevice) Connect() error {
	if d.port != nil {
		return nil
	}

	d.log(LevelInfo, fmt.Sprintf("Connecting to serial port %s...", d.portName))
	d.setStatus(Connecting)

	mode := &goserial.Mode{
		BaudRate: d.baudRate,
		DataBits: 8,
		Parity:   goserial.NoParity,
		StopBits: goserial.OneStopBit,
	}
	port, err := d.openPort(d.portName, mode)
	if err != nil {
		d.log(LevelError, fmt.Sprintf("Failed to open serial port: %v", err))
		d.setStatus(ConnError)
		return fmt.Errorf("open serial port %s: %w", d.portName, err)
	}

	d.port = port
	d.setStatus(Connected)
	d.log(LevelInfo, "Connected to serial device")

	d.readerGen++
	go d.readLoop(port, d.readerGen)

	// Handshake: ask the device to identify itself.
	d.send(buildSerialCommand("INFO", nil))
	return nil
}

// readLoop pumps bytes from the port onto the loop until the port
// closes. gen guards against stale readers delivering after Disconnect.
func (d *SerialDevice) readLoop(port io.Reader, gen int) {
	buf := make([]byte, 512)
	for {
		n, err := port.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			d.loop.Post(func() { d.ingest(gen, data) })
		}
		if err != nil {
			d.loop.Post(func() { d.readFailed(gen, err) })
			return
		}
	}
}

func (d *SerialDevice) readFailed(gen int, err error) {
	if gen != d.readerGen || d.port == nil {
		return
	}
	d.log(LevelError, fmt.Sprintf("Serial port error: %v", err))
	d.teardown()
}

func (d *SerialDevice) Disconnect() {
	if d.port == nil && d.status == Disconnected {
		return
	}
	d.teardown()
	d.log(LevelInfo, "Disconnected from serial device")
}

// teardown closes the port, drops queued requests and clears the read
// buffer. Safe to call repeatedly.
func (d *SerialDevice) teardown() {
	d.readerGen++
	if d.port != nil {
		d.port.Close()
		d.port = nil
	}
	d.buf = nil
	d.queue.Clear()
	d.timeout.Stop()
	d.timeout = nil
	d.inFlight = false
	d.setStatus(Disconnected)
}

func (d *SerialDevice) IsConnected() bool {
	return d.port != nil
}

func (d *SerialDevice) ConnectionStatus() ConnectionStatus {
	return d.status
}

func (d *SerialDevice) State() State {
	return d.state
}

func (d *SerialDevice) BeginUpdate() bool {
	if !d.IsConnected() {
		d.log(LevelError, "Cannot begin update: device not connected")
		return false
	}
	d.log(LevelInfo, "Beginning firmware update...")
	return d.send(buildSerialCommand("UPDATE_BEGIN", nil))
}

func (d *SerialDevice) SendChunk(data []byte, offset int64) bool {
	if !d.IsConnected() || (d.state != StateReady && d.state != StateUpdating) {
		d.log(LevelError, "Cannot send firmware: device not in update mode")
		return false
	}

	// Chunk payload is a 4-byte little-endian offset followed by the
	// raw chunk bytes.
	payload := make([]byte, 4+len(data))
	binary.LittleEndian.PutUint32(payload[:4], uint32(offset))
	copy(payload[4:], data)

	if !d.send(buildSerialCommand("CHUNK", payload)) {
		d.log(LevelError, fmt.Sprintf("Failed to send firmware chunk at offset %d", offset))
		return false
	}
	return true
}

func (d *SerialDevice) FinalizeUpdate() bool {
	if !d.IsConnected() || (d.state != StateReady && d.state != StateUpdating) {
		d.log(LevelError, "Cannot finalize update: device not in update mode")
		return false
	}
	d.log(LevelInfo, "Finalizing firmware update...")
	return d.send(buildSerialCommand("UPDATE_END", nil))
}

func (d *SerialDevice) CancelUpdate() bool {
	if !d.IsConnected() {
		return false
	}
	d.log(LevelInfo, "Canceling firmware update...")
	if !d.send(buildSerialCommand("UPDATE_CANCEL", nil)) {
		return false
	}
	d.setState(StateIdle)
	return true
}

func (d *SerialDevice) OptimalChunkSize() int64 {
	return serialChunkSize
}

// ingest appends newly arrived bytes and processes complete lines.
func (d *SerialDevice) ingest(gen int, data []byte) {
	if gen != d.readerGen {
		return
	}
	d.buf = append(d.buf, data...)

	for {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			return
		}
		line := strings.TrimRight(string(d.buf[:idx]), "\r")
		d.buf = d.buf[idx+1:]
		d.handleLine(line)
	}
}

func (d *SerialDevice) handleLine(line string) {
	if line == "" {
		return
	}
	d.log(LevelDebug, "Serial response: "+line)

	switch {
	case strings.HasPrefix(line, "ACK"):
		d.timeout.Stop()
		d.inFlight = false
		d.drain()

	case strings.HasPrefix(line, "INFO:"):
		d.log(LevelInfo, "Device info: "+line[len("INFO:"):])

	case strings.HasPrefix(line, "STATE:"):
		switch line[len("STATE:"):] {
		case "IDLE":
			d.setState(StateIdle)
		case "READY":
			d.setState(StateReady)
		case "UPDATING":
			d.setState(StateUpdating)
		case "REBOOTING":
			d.setState(StateRebooting)
		default:
			d.log(LevelError, "Unknown device state: "+line)
		}

	case strings.HasPrefix(line, "ERROR:"):
		d.log(LevelError, "Device error: "+line[len("ERROR:"):])

	default:
		d.log(LevelError, "Malformed response line: "+line)
	}
}

// send transmits cmd, or queues it when a request is already in flight.
// Returns whether the request was accepted.
func (d *SerialDevice) send(cmd []byte) bool {
	if d.port == nil {
		return false
	}
	if d.inFlight {
		d.queue.Push(cmd)
		return true
	}
	return d.transmit(cmd)
}

func (d *SerialDevice) transmit(cmd []byte) bool {
	if _, err := d.port.Write(cmd); err != nil {
		d.log(LevelError, fmt.Sprintf("Failed to write command to serial port: %v", err))
		return false
	}
	d.inFlight = true
	d.timeout = d.loop.After(d.timeoutMs, d.onTimeout)
	return true
}

// onTimeout releases the in-flight slot. The transport does not retry;
// the update job owns retry policy.
func (d *SerialDevice) onTimeout() {
	d.log(LevelWarning, "Command timeout")
	d.inFlight = false
	d.drain()
}

func (d *SerialDevice) drain() {
	if d.inFlight {
		return
	}
	if next := d.queue.Pop(); next != nil {
		d.transmit(next)
	}
}

func (d *SerialDevice) setStatus(s ConnectionStatus) {
	if d.status == s {
		return
	}
	d.status = s
	d.emitStatus(s)
}

func (d *SerialDevice) setState(s State) {
	if d.state == s {
		return
	}
	d.state = s
	d.emitState(s)
}

// buildSerialCommand frames a request as "CMD:<payload>\n".
func buildSerialCommand(cmd string, payload []byte) []byte {
	out := make([]byte, 0, len(cmd)+1+len(payload)+1)
	out = append(out, cmd...)
	out = append(out, ':')
	out = append(out, payload...)
	out = append(out, '\n')
	return out
}
