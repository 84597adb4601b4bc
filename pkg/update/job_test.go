// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 FlashUp Project

package update

import (
	"bytes"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/flashup/flashup/pkg/device"
	"github.com/flashup/flashup/pkg/eventloop"
	"github.com/flashup/flashup/pkg/firmware"
)

// fakeDevice is a scripted transport. Its accept/reject behavior is
// driven per chunk call; state events are emitted by the test (or by
// the built-in auto responses) on the loop, like a real transport.
type fakeDevice struct {
	loop *eventloop.Loop

	subs map[int]device.Events
	next int

	connected bool
	status    device.ConnectionStatus
	state     device.State
	chunkSize int64

	// autoRespond emits Ready after BeginUpdate and Rebooting after
	// FinalizeUpdate, like a cooperative device.
	autoRespond bool

	// manualConnect leaves the device in Connecting; the test drives
	// the rest of the handshake itself.
	manualConnect bool
	// failConnect reports ConnError instead of Connected.
	failConnect bool

	// rejectChunk decides whether to reject a SendChunk call; it
	// receives the 0-based call index.
	rejectChunk func(call int) bool

	chunkCalls    int
	sentOffsets   []int64
	sentSizes     []int
	beganUpdate   int
	finalized     int
	canceled      int
	connectCalled int
}

func newFakeDevice(loop *eventloop.Loop) *fakeDevice {
	return &fakeDevice{
		loop:      loop,
		subs:      map[int]device.Events{},
		chunkSize: 1024,
	}
}

func (f *fakeDevice) ID() string               { return "fake:0" }
func (f *fakeDevice) Info() map[string]string  { return map[string]string{"type": "Fake"} }
func (f *fakeDevice) IsConnected() bool        { return f.connected }
func (f *fakeDevice) OptimalChunkSize() int64  { return f.chunkSize }
func (f *fakeDevice) State() device.State      { return f.state }
func (f *fakeDevice) ConnectionStatus() device.ConnectionStatus {
	return f.status
}

func (f *fakeDevice) Subscribe(ev device.Events) func() {
	id := f.next
	f.next++
	f.subs[id] = ev
	return func() { delete(f.subs, id) }
}

func (f *fakeDevice) each(fn func(device.Events)) {
	for id := 0; id < f.next; id++ {
		if ev, ok := f.subs[id]; ok {
			fn(ev)
		}
	}
}

func (f *fakeDevice) setStatus(s device.ConnectionStatus) {
	f.status = s
	f.connected = s == device.Connected
	f.each(func(ev device.Events) {
		if ev.ConnectionStatusChanged != nil {
			ev.ConnectionStatusChanged(s)
		}
	})
}

func (f *fakeDevice) setState(s device.State) {
	f.state = s
	f.each(func(ev device.Events) {
		if ev.StateChanged != nil {
			ev.StateChanged(s)
		}
	})
}

func (f *fakeDevice) Connect() error {
	f.connectCalled++
	f.setStatus(device.Connecting)
	if f.manualConnect {
		return nil
	}
	if f.failConnect {
		f.loop.Post(func() { f.setStatus(device.ConnError) })
		return nil
	}
	f.setStatus(device.Connected)
	return nil
}

func (f *fakeDevice) Disconnect() {
	f.setStatus(device.Disconnected)
}

func (f *fakeDevice) BeginUpdate() bool {
	f.beganUpdate++
	if f.autoRespond {
		f.loop.Post(func() { f.setState(device.StateReady) })
	}
	return true
}

func (f *fakeDevice) SendChunk(data []byte, offset int64) bool {
	call := f.chunkCalls
	f.chunkCalls++
	if f.rejectChunk != nil && f.rejectChunk(call) {
		return false
	}
	f.sentOffsets = append(f.sentOffsets, offset)
	f.sentSizes = append(f.sentSizes, len(data))
	return true
}

func (f *fakeDevice) FinalizeUpdate() bool {
	f.finalized++
	if f.autoRespond {
		f.loop.Post(func() { f.setState(device.StateRebooting) })
	}
	return true
}

func (f *fakeDevice) CancelUpdate() bool {
	f.canceled++
	return true
}

// jobRecorder captures job events; read only after a loop Sync.
type jobRecorder struct {
	mu        sync.Mutex
	progress  []int
	statuses  []string
	completed []struct {
		success bool
		message string
	}
	eventsAfterDone int
}

func (r *jobRecorder) events() Events {
	return Events{
		ProgressChanged: func(p int, status string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			if len(r.completed) > 0 {
				r.eventsAfterDone++
			}
			r.progress = append(r.progress, p)
			r.statuses = append(r.statuses, status)
		},
		Completed: func(success bool, message string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.completed = append(r.completed, struct {
				success bool
				message string
			}{success, message})
		},
		Log: func(level device.LogLevel, msg string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			if len(r.completed) > 0 {
				r.eventsAfterDone++
			}
		},
	}
}

func (r *jobRecorder) done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.completed) > 0
}

func (r *jobRecorder) result() (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.completed) == 0 {
		return false, ""
	}
	return r.completed[0].success, r.completed[0].message
}

func testPackage(t *testing.T, size int) *firmware.Package {
	t.Helper()
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	pkg, err := firmware.Create(filepath.Join(t.TempDir(), "fw.fup"), map[string]string{
		"name":    "testfw",
		"version": "0.1.0",
		"target":  "bench",
	}, payload)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pkg.Close() })
	return pkg
}

// fastOptions keeps scenario tests quick without changing semantics.
func fastOptions() []Option {
	return []Option{
		WithChunkInterval(time.Millisecond),
		WithRetryBackOff(backoff.NewConstantBackOff(time.Millisecond)),
	}
}

func waitDone(t *testing.T, rec *jobRecorder) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if rec.done() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("job did not reach a terminal state")
}

func TestHappyPathTenChunks(t *testing.T) {
	loop := eventloop.New()
	defer loop.Close()

	pkg := testPackage(t, 10000)
	dev := newFakeDevice(loop)
	dev.autoRespond = true
	rec := &jobRecorder{}

	var job *Job
	loop.Post(func() {
		job = New(loop, dev, pkg, rec.events(), fastOptions()...)
		job.Start()
	})
	waitDone(t, rec)
	loop.Sync()

	success, message := rec.result()
	if !success || message != "Firmware updated successfully" {
		t.Fatalf("completed(%v, %q)", success, message)
	}
	if job.State() != StateComplete {
		t.Errorf("job state = %v, want Complete", job.State())
	}

	// 10 chunks: nine of 1024 bytes and a final 784-byte tail.
	if len(dev.sentSizes) != 10 {
		t.Fatalf("chunks sent = %d, want 10", len(dev.sentSizes))
	}
	for i := 0; i < 9; i++ {
		if dev.sentSizes[i] != 1024 {
			t.Errorf("chunk %d size = %d, want 1024", i, dev.sentSizes[i])
		}
		if dev.sentOffsets[i] != int64(i)*1024 {
			t.Errorf("chunk %d offset = %d", i, dev.sentOffsets[i])
		}
	}
	if dev.sentSizes[9] != 784 {
		t.Errorf("final chunk size = %d, want 784", dev.sentSizes[9])
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	final := rec.progress[len(rec.progress)-1]
	if final != 100 {
		t.Errorf("final progress = %d, want 100", final)
	}
	for i := 1; i < len(rec.progress); i++ {
		if rec.progress[i] < rec.progress[i-1] {
			t.Fatalf("progress regressed: %v", rec.progress)
		}
	}
	if rec.eventsAfterDone != 0 {
		t.Errorf("%d events delivered after completion", rec.eventsAfterDone)
	}
	if dev.finalized != 1 {
		t.Errorf("FinalizeUpdate called %d times", dev.finalized)
	}
}

func TestChunkRetryAdvancesOnlyOnAccept(t *testing.T) {
	loop := eventloop.New()
	defer loop.Close()

	pkg := testPackage(t, 10000)
	dev := newFakeDevice(loop)
	dev.autoRespond = true
	// Reject the 3rd chunk twice (calls 2 and 3), accept on the third
	// attempt.
	rejected := 0
	dev.rejectChunk = func(call int) bool {
		if call == 2 || call == 3 {
			rejected++
			return true
		}
		return false
	}
	rec := &jobRecorder{}

	loop.Post(func() {
		job := New(loop, dev, pkg, rec.events(), fastOptions()...)
		job.Start()
	})
	waitDone(t, rec)
	loop.Sync()

	success, _ := rec.result()
	if !success {
		t.Fatal("job should succeed after transient rejections")
	}
	if rejected != 2 {
		t.Errorf("rejections = %d, want 2", rejected)
	}

	// Delivered chunks are unchanged and strictly ordered; the offset
	// never advanced on a rejection.
	if len(dev.sentOffsets) != 10 {
		t.Fatalf("accepted chunks = %d, want 10", len(dev.sentOffsets))
	}
	for i, off := range dev.sentOffsets {
		if off != int64(i)*1024 {
			t.Errorf("chunk %d offset = %d, want %d", i, off, i*1024)
		}
	}
}

func TestRetryExhaustionFailsJob(t *testing.T) {
	loop := eventloop.New()
	defer loop.Close()

	pkg := testPackage(t, 10000)
	dev := newFakeDevice(loop)
	dev.autoRespond = true
	dev.rejectChunk = func(int) bool { return true }
	rec := &jobRecorder{}

	var job *Job
	loop.Post(func() {
		job = New(loop, dev, pkg, rec.events(), fastOptions()...)
		job.Start()
	})
	waitDone(t, rec)
	loop.Sync()

	success, message := rec.result()
	if success {
		t.Fatal("job should fail")
	}
	if message != "Failed to send firmware chunk after maximum retries" {
		t.Errorf("message = %q", message)
	}
	if job.State() != StateFailed {
		t.Errorf("job state = %v, want Failed", job.State())
	}
	// One initial attempt plus three retries.
	if dev.chunkCalls != 4 {
		t.Errorf("chunk attempts = %d, want 4", dev.chunkCalls)
	}
	if job.Offset() != 0 {
		t.Errorf("offset advanced to %d on rejected chunks", job.Offset())
	}
}

func TestCancelMidUpload(t *testing.T) {
	loop := eventloop.New()
	defer loop.Close()

	pkg := testPackage(t, 102400)
	dev := newFakeDevice(loop)
	dev.autoRespond = true
	rec := &jobRecorder{}

	var job *Job
	loop.Post(func() {
		job = New(loop, dev, pkg, rec.events(), WithChunkInterval(2*time.Millisecond))
		job.Start()
	})

	// Wait until a few chunks are delivered, then cancel well before the
	// upload can finish.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var past bool
		done := make(chan struct{})
		loop.Post(func() { past = job != nil && job.Offset() >= 5000; close(done) })
		<-done
		if past {
			break
		}
		time.Sleep(time.Millisecond)
	}

	loop.Post(func() { job.Cancel() })
	waitDone(t, rec)
	loop.Sync()

	success, message := rec.result()
	if success || message != "Update canceled" {
		t.Fatalf("completed(%v, %q)", success, message)
	}
	if dev.canceled != 1 {
		t.Errorf("CancelUpdate called %d times, want 1", dev.canceled)
	}
	if job.State() != StateCanceled {
		t.Errorf("job state = %v, want Canceled", job.State())
	}

	// Give any stray timers a chance to fire, then verify silence.
	time.Sleep(20 * time.Millisecond)
	loop.Sync()
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.eventsAfterDone != 0 {
		t.Errorf("%d events delivered after cancellation", rec.eventsAfterDone)
	}
	if len(rec.completed) != 1 {
		t.Errorf("completed emitted %d times", len(rec.completed))
	}
}

func TestCancelFromTerminalIsNoop(t *testing.T) {
	loop := eventloop.New()
	defer loop.Close()

	pkg := testPackage(t, 2048)
	dev := newFakeDevice(loop)
	dev.autoRespond = true
	rec := &jobRecorder{}

	var job *Job
	loop.Post(func() {
		job = New(loop, dev, pkg, rec.events(), fastOptions()...)
		job.Start()
	})
	waitDone(t, rec)

	loop.Post(func() {
		job.Cancel()
		job.Cancel()
	})
	loop.Sync()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.completed) != 1 {
		t.Errorf("completed emitted %d times, want 1", len(rec.completed))
	}
	if dev.canceled != 0 {
		t.Error("CancelUpdate must not reach the device from a terminal state")
	}
}

func TestDisconnectMidUploadFailsJob(t *testing.T) {
	loop := eventloop.New()
	defer loop.Close()

	pkg := testPackage(t, 10000)
	dev := newFakeDevice(loop)
	dev.autoRespond = true
	rec := &jobRecorder{}

	var job *Job
	loop.Post(func() {
		job = New(loop, dev, pkg, rec.events(), WithChunkInterval(5*time.Millisecond))
		job.Start()
	})

	// Let the upload get going, then yank the connection.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var uploading bool
		done := make(chan struct{})
		loop.Post(func() { uploading = job != nil && job.State() == StateUploading && job.Offset() > 0; close(done) })
		<-done
		if uploading {
			break
		}
		time.Sleep(time.Millisecond)
	}

	loop.Post(func() { dev.setStatus(device.Disconnected) })
	waitDone(t, rec)
	loop.Sync()

	success, message := rec.result()
	if success || message != "Device disconnected during update" {
		t.Fatalf("completed(%v, %q)", success, message)
	}
}

func TestStartWhenAlreadyConnectedSkipsConnect(t *testing.T) {
	loop := eventloop.New()
	defer loop.Close()

	pkg := testPackage(t, 2048)
	dev := newFakeDevice(loop)
	dev.autoRespond = true
	dev.connected = true
	dev.status = device.Connected
	rec := &jobRecorder{}

	loop.Post(func() {
		job := New(loop, dev, pkg, rec.events(), fastOptions()...)
		job.Start()
	})
	waitDone(t, rec)
	loop.Sync()

	if dev.connectCalled != 0 {
		t.Error("Connect called although the device was already connected")
	}
	if success, _ := rec.result(); !success {
		t.Error("job should complete")
	}
}

func TestPreparingConsultsDeviceStateDirectly(t *testing.T) {
	loop := eventloop.New()
	defer loop.Close()

	pkg := testPackage(t, 2048)
	dev := newFakeDevice(loop)
	// The device is already Ready before the job begins; no further
	// state event will arrive for the Preparing phase.
	dev.connected = true
	dev.status = device.Connected
	dev.state = device.StateReady
	dev.autoRespond = true
	rec := &jobRecorder{}

	loop.Post(func() {
		job := New(loop, dev, pkg, rec.events(), fastOptions()...)
		job.Start()
	})
	waitDone(t, rec)

	if success, _ := rec.result(); !success {
		t.Error("job must not miss an already-Ready device")
	}
}

func TestConnectFailureFailsJob(t *testing.T) {
	loop := eventloop.New()
	defer loop.Close()

	pkg := testPackage(t, 2048)
	dev := newFakeDevice(loop)
	dev.failConnect = true
	rec := &jobRecorder{}

	loop.Post(func() {
		job := New(loop, dev, pkg, rec.events(), fastOptions()...)
		job.Start()
	})
	waitDone(t, rec)

	success, message := rec.result()
	if success || message != "Failed to connect to device" {
		t.Errorf("completed(%v, %q)", success, message)
	}
}

func TestUploadReadsMatchPayload(t *testing.T) {
	loop := eventloop.New()
	defer loop.Close()

	pkg := testPackage(t, 3000)
	dev := newFakeDevice(loop)
	dev.autoRespond = true

	var sent bytes.Buffer
	dev.rejectChunk = nil
	rec := &jobRecorder{}

	loop.Post(func() {
		job := New(loop, dev, pkg, rec.events(), fastOptions()...)
		job.Start()
	})
	waitDone(t, rec)
	loop.Sync()

	// Reassemble from the recorded offsets/sizes by re-reading the
	// package; offsets must tile the payload exactly.
	var total int64
	for i, off := range dev.sentOffsets {
		if off != total {
			t.Fatalf("chunk %d offset = %d, want %d", i, off, total)
		}
		total += int64(dev.sentSizes[i])
		chunk, err := pkg.Chunk(off, int64(dev.sentSizes[i]))
		if err != nil {
			t.Fatal(err)
		}
		sent.Write(chunk)
	}
	if total != pkg.Size() {
		t.Fatalf("chunks cover %d bytes, payload is %d", total, pkg.Size())
	}
	want, _ := pkg.Chunk(0, pkg.Size())
	if !bytes.Equal(sent.Bytes(), want) {
		t.Error("reassembled upload does not match payload")
	}
}

func TestConnectErrorBeforeStartReturnsFailure(t *testing.T) {
	loop := eventloop.New()
	defer loop.Close()

	pkg := testPackage(t, 2048)
	dev := newFakeDevice(loop)
	dev.manualConnect = true
	rec := &jobRecorder{}

	// Job stays in Connecting until something happens; a disconnect in
	// Connecting is not mid-update and must not fail the job.
	var job *Job
	loop.Post(func() {
		job = New(loop, dev, pkg, rec.events(), fastOptions()...)
		job.Start()
		dev.setStatus(device.Disconnected)
	})
	loop.Sync()

	if rec.done() {
		t.Fatal("job terminated early")
	}
	loop.Post(func() { job.Cancel() })
	waitDone(t, rec)
}
