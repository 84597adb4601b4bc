// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 FlashUp Project

package device

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
	"time"

	goserial "go.bug.st/serial"

	"github.com/flashup/flashup/pkg/eventloop"
)

func newTestSerial(t *testing.T, loop *eventloop.Loop) (*SerialDevice, *fakePort, *recorder) {
	t.Helper()

	port := newFakePort()
	d := NewSerial(loop, "/dev/ttyTEST0")
	d.openPort = func(name string, mode *goserial.Mode) (io.ReadWriteCloser, error) {
		if mode.BaudRate != 115200 || mode.DataBits != 8 {
			t.Errorf("unexpected port mode: %+v", mode)
		}
		return port, nil
	}

	rec := &recorder{}
	onLoop(loop, func() { d.Subscribe(rec.events()) })
	return d, port, rec
}

func TestSerialConnectSendsHandshake(t *testing.T) {
	loop := eventloop.New()
	defer loop.Close()

	d, port, rec := newTestSerial(t, loop)

	onLoop(loop, func() {
		if err := d.Connect(); err != nil {
			t.Errorf("Connect failed: %v", err)
		}
	})

	var statuses []ConnectionStatus
	onLoop(loop, func() {
		statuses = append([]ConnectionStatus(nil), rec.statuses...)
		if !d.IsConnected() {
			t.Error("device should be connected")
		}
	})
	want := []ConnectionStatus{Connecting, Connected}
	if len(statuses) != 2 || statuses[0] != want[0] || statuses[1] != want[1] {
		t.Errorf("status events = %v, want %v", statuses, want)
	}

	if got := port.Written(); !bytes.Equal(got, []byte("INFO:\n")) {
		t.Errorf("handshake = %q, want INFO command", got)
	}
}

func TestSerialDeviceID(t *testing.T) {
	loop := eventloop.New()
	defer loop.Close()

	d := NewSerial(loop, "/dev/ttyUSB0")
	if d.ID() != "serial:/dev/ttyUSB0" {
		t.Errorf("ID = %q", d.ID())
	}
	if d.OptimalChunkSize() != 1024 {
		t.Errorf("OptimalChunkSize = %d, want 1024", d.OptimalChunkSize())
	}
}

func TestSerialPipeliningQueuesBehindInflight(t *testing.T) {
	loop := eventloop.New()
	defer loop.Close()

	d, port, _ := newTestSerial(t, loop)
	onLoop(loop, func() { d.Connect() })

	// The INFO handshake is in flight; BeginUpdate must queue, not
	// transmit.
	onLoop(loop, func() {
		if !d.BeginUpdate() {
			t.Error("BeginUpdate should be accepted while a request is in flight")
		}
		if d.queue.Len() != 1 {
			t.Errorf("queue length = %d, want 1", d.queue.Len())
		}
	})
	if got := port.Written(); !bytes.Equal(got, []byte("INFO:\n")) {
		t.Errorf("wrote %q before ACK", got)
	}

	// ACK drains the queue head.
	port.Feed([]byte("ACK\n"))
	waitUntil(t, loop, "queued command transmitted", func() bool {
		return bytes.Contains(port.Written(), []byte("UPDATE_BEGIN:\n"))
	})
	onLoop(loop, func() {
		if !d.inFlight {
			t.Error("drained command should occupy the in-flight slot")
		}
		if d.queue.Len() != 0 {
			t.Errorf("queue length = %d after drain", d.queue.Len())
		}
	})
}

func TestSerialStateLines(t *testing.T) {
	loop := eventloop.New()
	defer loop.Close()

	d, port, rec := newTestSerial(t, loop)
	onLoop(loop, func() { d.Connect() })

	// CR before LF is tolerated.
	port.Feed([]byte("STATE:READY\r\n"))
	waitUntil(t, loop, "ready state", func() bool { return d.State() == StateReady })

	port.Feed([]byte("STATE:UPDATING\nSTATE:REBOOTING\n"))
	waitUntil(t, loop, "rebooting state", func() bool { return d.State() == StateRebooting })

	var states []State
	onLoop(loop, func() { states = append([]State(nil), rec.states...) })
	want := []State{StateReady, StateUpdating, StateRebooting}
	if len(states) != len(want) {
		t.Fatalf("state events = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("state events = %v, want %v", states, want)
		}
	}
}

func TestSerialChunkFraming(t *testing.T) {
	loop := eventloop.New()
	defer loop.Close()

	d, port, _ := newTestSerial(t, loop)
	onLoop(loop, func() { d.Connect() })

	// Finish the handshake and bring the device to Ready.
	port.Feed([]byte("ACK\nSTATE:READY\n"))
	waitUntil(t, loop, "ready state", func() bool { return d.State() == StateReady })

	data := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	onLoop(loop, func() {
		if !d.SendChunk(data, 4096) {
			t.Error("SendChunk rejected")
		}
	})

	waitUntil(t, loop, "chunk transmitted", func() bool {
		return bytes.Contains(port.Written(), []byte("CHUNK:"))
	})

	written := port.Written()
	idx := bytes.Index(written, []byte("CHUNK:"))
	frame := written[idx+len("CHUNK:"):]

	var offsetBytes [4]byte
	binary.LittleEndian.PutUint32(offsetBytes[:], 4096)
	wantPayload := append(offsetBytes[:], data...)
	wantPayload = append(wantPayload, '\n')
	if !bytes.Equal(frame, wantPayload) {
		t.Errorf("chunk frame = %x, want %x", frame, wantPayload)
	}
}

func TestSerialChunkRejectedWhenIdle(t *testing.T) {
	loop := eventloop.New()
	defer loop.Close()

	d, _, _ := newTestSerial(t, loop)
	onLoop(loop, func() {
		d.Connect()
		if d.SendChunk([]byte{1}, 0) {
			t.Error("SendChunk should be rejected while the device is idle")
		}
		if d.FinalizeUpdate() {
			t.Error("FinalizeUpdate should be rejected while the device is idle")
		}
	})
}

func TestSerialTimeoutReleasesInflightSlot(t *testing.T) {
	loop := eventloop.New()
	defer loop.Close()

	d, port, rec := newTestSerial(t, loop)
	onLoop(loop, func() {
		d.timeoutMs = 5 * time.Millisecond
		d.Connect()
		d.BeginUpdate() // queued behind the INFO handshake
	})

	// No ACK ever arrives; the timeout must release the slot and drain
	// the queue.
	waitUntil(t, loop, "queue drained after timeout", func() bool {
		return bytes.Contains(port.Written(), []byte("UPDATE_BEGIN:\n"))
	})

	var sawWarning bool
	onLoop(loop, func() {
		for i, lvl := range rec.levels {
			if lvl == LevelWarning && rec.logs[i] == "Command timeout" {
				sawWarning = true
			}
		}
	})
	if !sawWarning {
		t.Error("timeout should log a warning")
	}
}

func TestSerialDisconnectIsIdempotent(t *testing.T) {
	loop := eventloop.New()
	defer loop.Close()

	d, _, rec := newTestSerial(t, loop)
	onLoop(loop, func() {
		d.Connect()
		d.BeginUpdate()
		d.BeginUpdate()
	})

	onLoop(loop, func() {
		d.Disconnect()
		d.Disconnect()
	})

	var disconnects int
	onLoop(loop, func() {
		for _, s := range rec.statuses {
			if s == Disconnected {
				disconnects++
			}
		}
		if d.IsConnected() {
			t.Error("device still connected after Disconnect")
		}
		if d.queue.Len() != 0 {
			t.Error("pending queue not drained on disconnect")
		}
		if d.buf != nil {
			t.Error("read buffer not cleared on disconnect")
		}
	})
	if disconnects != 1 {
		t.Errorf("Disconnected emitted %d times, want 1", disconnects)
	}
}

func TestSerialReadErrorTearsDown(t *testing.T) {
	loop := eventloop.New()
	defer loop.Close()

	d, port, _ := newTestSerial(t, loop)
	onLoop(loop, func() { d.Connect() })

	// Simulate the port going away underneath the device.
	port.Close()
	waitUntil(t, loop, "disconnect after read error", func() bool {
		return !d.IsConnected() && d.ConnectionStatus() == Disconnected
	})
}

func TestSerialDeviceErrorLine(t *testing.T) {
	loop := eventloop.New()
	defer loop.Close()

	d, port, rec := newTestSerial(t, loop)
	onLoop(loop, func() { d.Connect() })

	port.Feed([]byte("ERROR:flash write failed\n"))
	waitUntil(t, loop, "error log", func() bool {
		for i, lvl := range rec.levels {
			if lvl == LevelError && rec.logs[i] == "Device error: flash write failed" {
				return true
			}
		}
		return false
	})
}
