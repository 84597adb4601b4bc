// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 FlashUp Project

// Package update drives one device through the firmware update state
// machine: connect, prepare, chunked upload, finalize, reboot. A Job is
// single use and owned by its event loop; every method and callback
// runs in loop context.
package update

import (
	"fmt"

	"github.com/flashup/flashup/pkg/device"
	"github.com/flashup/flashup/pkg/eventloop"
	"github.com/flashup/flashup/pkg/firmware"
)

// State is the job's position in the update state machine.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StatePreparing
	StateUploading
	StateFinalizing
	StateComplete
	StateFailed
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting to device"
	case StatePreparing:
		return "Preparing device"
	case StateUploading:
		return "Uploading firmware"
	case StateFinalizing:
		return "Finalizing update"
	case StateComplete:
		return "Update complete"
	case StateFailed:
		return "Update failed"
	case StateCanceled:
		return "Update canceled"
	default:
		return "Unknown"
	}
}

// Terminal reports whether s is sticky: once entered, no further
// transitions occur and no further events are emitted.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed || s == StateCanceled
}

// Events carries the job's outbound callbacks. ProgressChanged fires on
// every state change and offset advance; Completed fires exactly once
// and strictly after every other event from the job.
type Events struct {
	ProgressChanged func(progress int, status string)
	Completed       func(success bool, message string)
	Log             func(level device.LogLevel, message string)
}

// Job runs one firmware update against one device.
type Job struct {
	loop   *eventloop.Loop
	dev    device.Device
	fw     *firmware.Package
	events Events
	cfg    config

	state      State
	progress   int
	offset     int64
	retryCount int

	chunkTimer *eventloop.Timer
	retryTimer *eventloop.Timer

	unsubscribe func()
	finished    bool
}

// New binds a job to a device and a firmware package. The job
// subscribes to the device's events immediately; Start kicks it off.
func New(loop *eventloop.Loop, dev device.Device, fw *firmware.Package, events Events, opts ...Option) *Job {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.chunkSize <= 0 {
		cfg.chunkSize = dev.OptimalChunkSize()
	}
	if cfg.chunkSize <= 0 {
		cfg.chunkSize = fallbackChunkSize
	}

	j := &Job{
		loop:   loop,
		dev:    dev,
		fw:     fw,
		events: events,
		cfg:    cfg,
		state:  StateIdle,
	}
	j.unsubscribe = dev.Subscribe(device.Events{
		ConnectionStatusChanged: j.onConnectionStatus,
		StateChanged:            j.onDeviceState,
		Log:                     j.forwardLog,
	})

	j.log(device.LevelDebug, "Update job created for device "+dev.ID())
	return j
}

// State returns the job's current state.
func (j *Job) State() State {
	return j.state
}

// Progress returns the last reported percentage.
func (j *Job) Progress() int {
	return j.progress
}

// Offset returns the next payload offset to send.
func (j *Job) Offset() int64 {
	return j.offset
}

// Start begins the update. If the device is already connected the job
// moves straight to Preparing; otherwise it connects first and follows
// the connection status events.
func (j *Job) Start() {
	if j.state != StateIdle {
		j.log(device.LevelWarning, "Update already in progress")
		return
	}

	j.log(device.LevelInfo, "Starting update...")
	j.setState(StateConnecting)
	j.setProgress(0)

	if j.dev.IsConnected() {
		j.enterPreparing()
		return
	}
	if err := j.dev.Connect(); err != nil {
		j.fail("Failed to connect to device")
	}
	// Otherwise wait for connection status events.
}

// Cancel aborts the update from any non-terminal state. It stops all
// timers before emitting the terminal event; calling it from a terminal
// state is a no-op.
func (j *Job) Cancel() {
	if j.state.Terminal() {
		return
	}

	j.log(device.LevelInfo, "Canceling update...")
	j.stopTimers()

	if j.dev.IsConnected() {
		j.dev.CancelUpdate()
	}

	j.setState(StateCanceled)
	j.finish(false, "Update canceled")
}

func (j *Job) onConnectionStatus(status device.ConnectionStatus) {
	if j.state.Terminal() {
		return
	}
	j.log(device.LevelDebug, "Device connection status: "+status.String())

	switch {
	case j.state == StateConnecting && status == device.Connected:
		j.enterPreparing()
	case j.state == StateConnecting && status == device.ConnError:
		j.fail("Failed to connect to device")
	case status == device.Disconnected && j.midUpdate():
		j.fail("Device disconnected during update")
	}
}

func (j *Job) midUpdate() bool {
	return j.state == StatePreparing || j.state == StateUploading || j.state == StateFinalizing
}

func (j *Job) onDeviceState(state device.State) {
	if j.state.Terminal() {
		return
	}
	j.log(device.LevelDebug, "Device state: "+state.String())

	switch {
	case j.state == StatePreparing && prepared(state):
		j.startUpload()
	case j.state == StateFinalizing && state == device.StateRebooting:
		j.complete()
	}
}

// prepared reports whether the device state allows uploading. Ready is
// the canonical signal; transports that acknowledge begin_update by
// jumping straight to Updating count as well.
func prepared(s device.State) bool {
	return s == device.StateReady || s == device.StateUpdating
}

func (j *Job) enterPreparing() {
	j.setState(StatePreparing)
	if !j.dev.BeginUpdate() {
		j.fail("Failed to initialize update on device")
		return
	}
	// The device may already have signalled readiness before we got
	// here; consult the state directly so the transition is not missed.
	if prepared(j.dev.State()) {
		j.startUpload()
	}
}

func (j *Job) startUpload() {
	if j.state == StateUploading {
		return
	}
	j.setState(StateUploading)
	j.log(device.LevelInfo, "Starting firmware upload...")

	j.offset = 0
	j.retryCount = 0
	j.cfg.retryBackOff.Reset()
	j.setProgress(0)

	j.chunkTimer = j.loop.After(0, j.uploadNextChunk)
}

func (j *Job) uploadNextChunk() {
	if j.state != StateUploading {
		return
	}

	if j.offset >= j.fw.Size() {
		j.setState(StateFinalizing)
		if !j.dev.FinalizeUpdate() {
			j.fail("Failed to finalize update")
		}
		return
	}

	chunk, err := j.fw.Chunk(j.offset, j.cfg.chunkSize)
	if err != nil {
		j.fail(fmt.Sprintf("Failed to read firmware chunk: %v", err))
		return
	}

	if j.dev.SendChunk(chunk, j.offset) {
		j.offset += int64(len(chunk))
		j.retryCount = 0
		j.cfg.retryBackOff.Reset()
		j.setProgress(int(j.offset * 100 / j.fw.Size()))
		j.chunkTimer = j.loop.After(j.cfg.chunkInterval, j.uploadNextChunk)
		return
	}

	if j.retryCount < j.cfg.maxRetries {
		j.retryCount++
		j.log(device.LevelWarning, fmt.Sprintf("Failed to send chunk, retrying (%d/%d)...",
			j.retryCount, j.cfg.maxRetries))
		j.retryTimer = j.loop.After(j.cfg.retryBackOff.NextBackOff(), j.uploadNextChunk)
		return
	}

	j.fail("Failed to send firmware chunk after maximum retries")
}

func (j *Job) setState(state State) {
	if j.state == state {
		return
	}
	j.state = state
	j.emitProgress()
	j.log(device.LevelInfo, "Update state: "+state.String())
}

func (j *Job) setProgress(progress int) {
	if j.progress == progress {
		return
	}
	j.progress = progress
	j.emitProgress()
}

func (j *Job) emitProgress() {
	status := j.state.String()
	if j.state == StateUploading {
		status = fmt.Sprintf("Uploading firmware (%d%%)", j.progress)
	}
	if j.events.ProgressChanged != nil {
		j.events.ProgressChanged(j.progress, status)
	}
}

func (j *Job) fail(reason string) {
	if j.state.Terminal() {
		return
	}
	j.log(device.LevelError, "Update failed: "+reason)
	j.stopTimers()
	j.setState(StateFailed)
	j.finish(false, reason)
}

func (j *Job) complete() {
	if j.state.Terminal() {
		return
	}
	j.log(device.LevelInfo, "Update completed successfully")
	j.stopTimers()
	j.setState(StateComplete)
	j.finish(true, "Firmware updated successfully")
}

// finish detaches from the device and emits the terminal event. Nothing
// is emitted by the job after this.
func (j *Job) finish(success bool, message string) {
	if j.finished {
		return
	}
	j.finished = true

	if j.unsubscribe != nil {
		j.unsubscribe()
		j.unsubscribe = nil
	}
	if j.events.Completed != nil {
		j.events.Completed(success, message)
	}
}

func (j *Job) stopTimers() {
	j.chunkTimer.Stop()
	j.retryTimer.Stop()
	j.chunkTimer = nil
	j.retryTimer = nil
}

func (j *Job) forwardLog(level device.LogLevel, message string) {
	j.log(level, message)
}

func (j *Job) log(level device.LogLevel, message string) {
	if j.finished {
		return
	}
	if j.events.Log != nil {
		j.events.Log(level, message)
	}
}
