// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 FlashUp Project

package device

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flashup/flashup/pkg/eventloop"
)

const (
	networkTimeout   = 5000 * time.Millisecond
	networkChunkSize = 4096

	// DefaultNetworkPort is the device-side TCP port.
	DefaultNetworkPort = 8266

	maxFrameSize = 1 << 20
)

// NetworkDevice speaks the length-prefixed JSON protocol: every message
// is a 4-byte little-endian length followed by a UTF-8 JSON header,
// optionally followed by binary data inside the same frame. It runs
// over any Conn, so the same protocol works across TCP and WebSocket
// links.
type NetworkDevice struct {
	emitter

	loop *eventloop.Loop
	id   string
	addr string
	dial Dialer

	conn      Conn
	status    ConnectionStatus
	state     State
	frames    frameBuffer
	queue     requestQueue
	inFlight  bool
	timeout   *eventloop.Timer
	timeoutMs time.Duration
	gen       int
}

// NewNetwork creates a TCP transport for host:port.
func NewNetwork(loop *eventloop.Loop, host string, port int) *NetworkDevice {
	addr := fmt.Sprintf("%s:%d", host, port)
	return &NetworkDevice{
		loop:      loop,
		id:        "net:" + addr,
		addr:      addr,
		dial:      TCPDialer(addr, networkTimeout),
		timeoutMs: networkTimeout,
	}
}

// NewWebSocket creates a transport speaking the same frame protocol
// over a WebSocket link.
func NewWebSocket(loop *eventloop.Loop, wsURL string) *NetworkDevice {
	return &NetworkDevice{
		loop:      loop,
		id:        "ws:" + wsURL,
		addr:      wsURL,
		dial:      WebSocketDialer(wsURL, networkTimeout),
		timeoutMs: networkTimeout,
	}
}

func (d *NetworkDevice) ID() string {
	return d.id
}

func (d *NetworkDevice) Info() map[string]string {
	status := "Disconnected"
	if d.conn != nil {
		status = "Connected"
	}
	return map[string]string{
		"type":     "Network",
		"address":  d.addr,
		"protocol": "flashup-net",
		"status":   status,
	}
}

func (d *NetworkDevice) Connect() error {
	if d.conn != nil {
		return nil
	}

	d.log(LevelInfo, fmt.Sprintf("Connecting to device at %s...", d.addr))
	d.setStatus(Connecting)

	d.gen++
	gen := d.gen
	go func() {
		conn, err := d.dial()
		d.loop.Post(func() { d.dialDone(gen, conn, err) })
	}()
	return nil
}

func (d *NetworkDevice) dialDone(gen int, conn Conn, err error) {
	if gen != d.gen || d.status != Connecting {
		// Disconnected or superseded while the dial was in progress.
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		d.log(LevelError, fmt.Sprintf("Connection failed: %v", err))
		d.setStatus(ConnError)
		return
	}

	d.conn = conn
	d.setStatus(Connected)
	d.log(LevelInfo, "Connected to device at "+d.addr)

	go d.readLoop(conn, gen)

	// Query device information; the reply carries the device state.
	d.sendRequest(encodeNetRequest("info", nil))
}

func (d *NetworkDevice) readLoop(conn Conn, gen int) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			d.loop.Post(func() { d.ingest(gen, data) })
		}
		if err != nil {
			d.loop.Post(func() { d.readFailed(gen) })
			return
		}
	}
}

func (d *NetworkDevice) readFailed(gen int) {
	if gen != d.gen || d.conn == nil {
		return
	}
	d.log(LevelInfo, "Device disconnected")
	d.teardown()
}

func (d *NetworkDevice) Disconnect() {
	if d.conn == nil && d.status == Disconnected {
		return
	}
	d.teardown()
	d.log(LevelInfo, "Disconnected from network device")
}

func (d *NetworkDevice) teardown() {
	d.gen++
	if d.conn != nil {
		d.conn.Close()
		d.conn = nil
	}
	d.frames.Reset()
	d.queue.Clear()
	d.timeout.Stop()
	d.timeout = nil
	d.inFlight = false
	d.setStatus(Disconnected)
}

func (d *NetworkDevice) IsConnected() bool {
	return d.conn != nil
}

func (d *NetworkDevice) ConnectionStatus() ConnectionStatus {
	return d.status
}

func (d *NetworkDevice) State() State {
	return d.state
}

func (d *NetworkDevice) BeginUpdate() bool {
	if !d.IsConnected() {
		d.log(LevelError, "Cannot begin update: device not connected")
		return false
	}
	d.log(LevelInfo, "Beginning firmware update...")
	return d.sendRequest(encodeNetRequest("update", mustJSON(map[string]any{
		"action": "begin_update",
	})))
}

func (d *NetworkDevice) SendChunk(data []byte, offset int64) bool {
	if !d.IsConnected() || (d.state != StateReady && d.state != StateUpdating) {
		d.log(LevelError, "Cannot send firmware: device not in update mode")
		return false
	}

	header := mustJSON(map[string]any{
		"action": "write_chunk",
		"offset": offset,
		"size":   len(data),
	})
	payload := make([]byte, 0, len(header)+1+len(data))
	payload = append(payload, header...)
	payload = append(payload, '\n')
	payload = append(payload, data...)

	if !d.sendRequest(encodeNetRequest("update", payload)) {
		d.log(LevelError, fmt.Sprintf("Failed to send firmware chunk at offset %d", offset))
		return false
	}
	return true
}

func (d *NetworkDevice) FinalizeUpdate() bool {
	if !d.IsConnected() || (d.state != StateReady && d.state != StateUpdating) {
		d.log(LevelError, "Cannot finalize update: device not in update mode")
		return false
	}
	d.log(LevelInfo, "Finalizing firmware update...")
	return d.sendRequest(encodeNetRequest("update", mustJSON(map[string]any{
		"action": "end_update",
	})))
}

func (d *NetworkDevice) CancelUpdate() bool {
	if !d.IsConnected() {
		return false
	}
	d.log(LevelInfo, "Canceling firmware update...")
	if !d.sendRequest(encodeNetRequest("update", mustJSON(map[string]any{
		"action": "cancel_update",
	}))) {
		return false
	}
	d.setState(StateIdle)
	return true
}

func (d *NetworkDevice) OptimalChunkSize() int64 {
	return networkChunkSize
}

// ingest feeds new bytes into the frame buffer and processes every
// complete frame. Partial frames stay buffered; malformed frames are
// logged and discarded without tearing down the connection.
func (d *NetworkDevice) ingest(gen int, data []byte) {
	if gen != d.gen {
		return
	}
	d.frames.Append(data)

	for {
		frame, ok := d.frames.Next()
		if !ok {
			return
		}
		d.handleFrame(frame)
	}
}

type netResponse struct {
	Status       string          `json:"status"`
	Error        string          `json:"error"`
	Info         json.RawMessage `json:"info"`
	UpdateStatus json.RawMessage `json:"update_status"`
}

type netInfo struct {
	State string `json:"state"`
}

type netUpdateStatus struct {
	Action  string `json:"action"`
	Success bool   `json:"success"`
}

func (d *NetworkDevice) handleFrame(frame []byte) {
	var resp netResponse
	if err := json.Unmarshal(frame, &resp); err != nil {
		d.log(LevelError, "Received invalid JSON response")
		return
	}

	if resp.Status != "ok" {
		d.log(LevelError, "Request failed: "+resp.Error)
		d.timeout.Stop()
		d.inFlight = false
		d.drain()
		return
	}

	d.timeout.Stop()
	d.inFlight = false

	if resp.Info != nil {
		var info netInfo
		if err := json.Unmarshal(resp.Info, &info); err == nil {
			switch info.State {
			case "idle":
				d.setState(StateIdle)
			case "ready":
				d.setState(StateReady)
			case "updating":
				d.setState(StateUpdating)
			case "rebooting":
				d.setState(StateRebooting)
			}
		}
		d.log(LevelInfo, "Device info: "+string(resp.Info))
	}

	if resp.UpdateStatus != nil {
		var us netUpdateStatus
		if err := json.Unmarshal(resp.UpdateStatus, &us); err == nil {
			if us.Success {
				switch us.Action {
				case "begin_update":
					d.setState(StateUpdating)
				case "end_update":
					d.setState(StateRebooting)
				}
			}
		}
		d.log(LevelInfo, "Update status: "+string(resp.UpdateStatus))
	}

	d.drain()
}

func (d *NetworkDevice) sendRequest(req []byte) bool {
	if d.conn == nil {
		return false
	}
	if d.inFlight {
		d.queue.Push(req)
		return true
	}
	return d.transmit(req)
}

func (d *NetworkDevice) transmit(req []byte) bool {
	if _, err := d.conn.Write(req); err != nil {
		d.log(LevelError, fmt.Sprintf("Failed to write data to socket: %v", err))
		return false
	}
	d.inFlight = true
	d.timeout = d.loop.After(d.timeoutMs, d.onTimeout)
	return true
}

func (d *NetworkDevice) onTimeout() {
	d.log(LevelWarning, "Request timeout")
	d.inFlight = false
	d.drain()
}

func (d *NetworkDevice) drain() {
	if d.inFlight {
		return
	}
	if next := d.queue.Pop(); next != nil {
		d.transmit(next)
	}
}

func (d *NetworkDevice) setStatus(s ConnectionStatus) {
	if d.status == s {
		return
	}
	d.status = s
	d.emitStatus(s)
}

func (d *NetworkDevice) setState(s State) {
	if d.state == s {
		return
	}
	d.state = s
	d.emitState(s)
}

// encodeNetRequest frames a request: 4-byte little-endian total length,
// JSON header {"command": ..., "data_size": n}, then the payload inside
// the same frame.
func encodeNetRequest(command string, payload []byte) []byte {
	header := map[string]any{"command": command}
	if len(payload) > 0 {
		header["data_size"] = len(payload)
	}
	headerJSON := mustJSON(header)

	total := len(headerJSON) + len(payload)
	out := make([]byte, 4, 4+total)
	binary.LittleEndian.PutUint32(out, uint32(total))
	out = append(out, headerJSON...)
	out = append(out, payload...)
	return out
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// frameBuffer accumulates wire bytes and yields complete length-prefixed
// frames. Partial frames remain buffered until more bytes arrive.
type frameBuffer struct {
	buf []byte
}

func (b *frameBuffer) Append(data []byte) {
	b.buf = append(b.buf, data...)
}

// Next returns the payload of the next complete frame, or false when no
// complete frame is buffered. Oversized length prefixes drop the buffer
// to resynchronize rather than stalling forever.
func (b *frameBuffer) Next() ([]byte, bool) {
	if len(b.buf) < 4 {
		return nil, false
	}
	size := binary.LittleEndian.Uint32(b.buf[:4])
	if size > maxFrameSize {
		b.buf = nil
		return nil, false
	}
	if len(b.buf) < int(4+size) {
		return nil, false
	}
	frame := make([]byte, size)
	copy(frame, b.buf[4:4+size])
	b.buf = b.buf[4+size:]
	return frame, true
}

func (b *frameBuffer) Reset() {
	b.buf = nil
}

// Len reports how many unconsumed bytes are buffered.
func (b *frameBuffer) Len() int {
	return len(b.buf)
}
