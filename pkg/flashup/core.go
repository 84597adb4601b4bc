// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 FlashUp Project

// Package flashup is the orchestrator: it owns device discovery, the
// loaded firmware package, and the active update jobs, and publishes
// everything that happens to its subscribers.
//
// All internal state lives on a single event loop. Public methods are
// safe to call from any goroutine, but must not be called from inside a
// subscriber callback (those already run in loop context).
package flashup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/flashup/flashup/pkg/config"
	"github.com/flashup/flashup/pkg/device"
	"github.com/flashup/flashup/pkg/eventloop"
	"github.com/flashup/flashup/pkg/firmware"
	"github.com/flashup/flashup/pkg/history"
	"github.com/flashup/flashup/pkg/update"
)

var (
	ErrNoSuchDevice     = errors.New("no such device")
	ErrNoFirmwareLoaded = errors.New("no firmware loaded")
	ErrNoActiveUpdate   = errors.New("no active update for device")
	ErrClosed           = errors.New("core is closed")
)

// Events carries the orchestrator's outbound callbacks. All callbacks
// run in loop context.
type Events struct {
	DeviceDiscovered func(id string, info map[string]string)
	DeviceLost       func(id string)
	UpdateProgress   func(deviceID string, progress int, status string)
	UpdateComplete   func(deviceID string, success bool, message string)
	Log              func(level device.LogLevel, message string)
}

// DeviceInfo is a point-in-time view of a known device.
type DeviceInfo struct {
	ID        string
	Info      map[string]string
	Connected bool
	State     device.State
	Updating  bool
}

type deviceEntry struct {
	dev         device.Device
	info        map[string]string
	unsubscribe func()
}

type jobEntry struct {
	job       *update.Job
	startedAt time.Time
	fwName    string
	fwVersion string
	fwTarget  string
}

// Core ties discovery, firmware, and update jobs together.
type Core struct {
	loop      *eventloop.Loop
	cfg       *config.Config
	factories []Factory
	hist      *history.Store

	devices map[string]*deviceEntry
	jobs    map[string]*jobEntry
	fw      *firmware.Package

	subs   map[int]Events
	nextID int
	closed bool
}

// Option configures a Core.
type Option func(*Core)

// WithHistory attaches an update-history store. The core records every
// finished job; it does not close the store.
func WithHistory(store *history.Store) Option {
	return func(c *Core) { c.hist = store }
}

// WithFactory registers an additional discovery factory.
func WithFactory(f Factory) Option {
	return func(c *Core) { c.factories = append(c.factories, f) }
}

// WithFactories replaces the built-in factory set entirely.
func WithFactories(fs ...Factory) Option {
	return func(c *Core) { c.factories = fs }
}

// New creates a Core bound to loop. The built-in factories (serial
// scan, configured network targets, simulator) are derived from cfg;
// nil cfg means defaults.
func New(loop *eventloop.Loop, cfg *config.Config, opts ...Option) *Core {
	if cfg == nil {
		cfg = config.Default()
	}

	c := &Core{
		loop:    loop,
		cfg:     cfg,
		devices: map[string]*deviceEntry{},
		jobs:    map[string]*jobEntry{},
		subs:    map[int]Events{},
	}

	c.factories = append(c.factories, &SerialFactory{Filter: cfg.SerialPortFilter})
	if len(cfg.NetworkTargets) > 0 {
		c.factories = append(c.factories, &NetworkFactory{
			Targets:     cfg.NetworkTargets,
			DefaultPort: cfg.NetworkPort,
		})
	}
	if cfg.SimulatedDevices {
		c.factories = append(c.factories, &SimulatorFactory{Addr: cfg.SimulatorAddr})
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// run executes fn in loop context and waits for it.
func (c *Core) run(fn func()) {
	done := make(chan struct{})
	c.loop.Post(func() {
		fn()
		close(done)
	})
	<-done
}

// Subscribe registers callbacks and returns an unsubscribe function.
func (c *Core) Subscribe(ev Events) func() {
	var id int
	c.run(func() {
		id = c.nextID
		c.nextID++
		c.subs[id] = ev
	})
	return func() {
		c.run(func() { delete(c.subs, id) })
	}
}

// DiscoverDevices runs every factory, materializes transports for new
// discoveries, drops devices that disappeared, and returns the current
// device list.
func (c *Core) DiscoverDevices() []DeviceInfo {
	var list []DeviceInfo
	var cached []CachedDevice

	c.run(func() {
		if c.closed {
			return
		}
		seen := map[string]bool{}
		for _, factory := range c.factories {
			for _, disc := range factory.Scan() {
				seen[disc.ID] = true
				if _, known := c.devices[disc.ID]; known {
					continue
				}
				c.addDevice(disc)
			}
		}

		for id, entry := range c.devices {
			if seen[id] {
				continue
			}
			if _, busy := c.jobs[id]; busy {
				// Keep devices with an active job; the job decides how
				// a lost connection ends.
				continue
			}
			entry.unsubscribe()
			entry.dev.Disconnect()
			delete(c.devices, id)
			c.publishLost(id)
		}

		list = c.deviceList()
		now := time.Now()
		for id, entry := range c.devices {
			cached = append(cached, CachedDevice{ID: id, Info: entry.info, LastSeen: now})
		}
	})

	if c.cfg.DeviceCachePath != "" {
		sort.Slice(cached, func(i, j int) bool { return cached[i].ID < cached[j].ID })
		if err := SaveCache(c.cfg.DeviceCachePath, cached); err != nil {
			c.run(func() {
				c.publishLog(device.LevelWarning, fmt.Sprintf("Failed to save device cache: %v", err))
			})
		}
	}
	return list
}

func (c *Core) addDevice(disc Discovery) {
	id := disc.ID
	dev := disc.New(c.loop)
	unsubscribe := dev.Subscribe(device.Events{
		Log: func(level device.LogLevel, message string) {
			c.publishLog(level, "["+id+"] "+message)
		},
	})
	c.devices[id] = &deviceEntry{dev: dev, info: disc.Info, unsubscribe: unsubscribe}
	c.publishDiscovered(id, disc.Info)
	c.publishLog(device.LevelInfo, "Device discovered: "+id)
}

// Devices returns the current device list without rescanning.
func (c *Core) Devices() []DeviceInfo {
	var list []DeviceInfo
	c.run(func() { list = c.deviceList() })
	return list
}

func (c *Core) deviceList() []DeviceInfo {
	list := make([]DeviceInfo, 0, len(c.devices))
	for id, entry := range c.devices {
		_, updating := c.jobs[id]
		list = append(list, DeviceInfo{
			ID:        id,
			Info:      entry.info,
			Connected: entry.dev.IsConnected(),
			State:     entry.dev.State(),
			Updating:  updating,
		})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// CachedDevices returns the discoveries remembered from previous runs.
func (c *Core) CachedDevices() ([]CachedDevice, error) {
	if c.cfg.DeviceCachePath == "" {
		return nil, nil
	}
	return LoadCache(c.cfg.DeviceCachePath)
}

// LoadFirmware opens a firmware container, replacing any previously
// loaded one, and returns its metadata.
func (c *Core) LoadFirmware(path string) (map[string]string, error) {
	pkg, err := firmware.Open(path)
	if err != nil {
		return nil, err
	}

	c.run(func() {
		if c.closed {
			pkg.Close()
			err = ErrClosed
			return
		}
		if c.fw != nil {
			c.fw.Close()
		}
		c.fw = pkg
		meta := pkg.Metadata()
		c.publishLog(device.LevelInfo, fmt.Sprintf("Firmware loaded: %s v%s (%d bytes)",
			meta["name"], meta["version"], pkg.Size()))
	})
	if err != nil {
		return nil, err
	}
	return pkg.Metadata(), nil
}

// FirmwareInfo returns the loaded firmware's metadata and payload size,
// or nil when nothing is loaded.
func (c *Core) FirmwareInfo() (map[string]string, int64) {
	var meta map[string]string
	var size int64
	c.run(func() {
		if c.fw != nil {
			meta = c.fw.Metadata()
			size = c.fw.Size()
		}
	})
	return meta, size
}

// UpdateFirmware starts an update job for the device. A non-empty
// firmwarePath loads that container first. An existing job for the same
// device is canceled before the new one starts.
func (c *Core) UpdateFirmware(deviceID, firmwarePath string) error {
	if firmwarePath != "" {
		if _, err := c.LoadFirmware(firmwarePath); err != nil {
			return err
		}
	}

	var err error
	c.run(func() {
		if c.closed {
			err = ErrClosed
			return
		}
		entry, ok := c.devices[deviceID]
		if !ok {
			err = fmt.Errorf("%w: %s", ErrNoSuchDevice, deviceID)
			return
		}
		if c.fw == nil {
			err = ErrNoFirmwareLoaded
			return
		}

		if existing, ok := c.jobs[deviceID]; ok {
			c.publishLog(device.LevelWarning, "Canceling previous update for "+deviceID)
			existing.job.Cancel()
		}

		meta := c.fw.Metadata()
		entryMeta := &jobEntry{
			startedAt: time.Now(),
			fwName:    meta["name"],
			fwVersion: meta["version"],
			fwTarget:  meta["target"],
		}

		job := update.New(c.loop, entry.dev, c.fw, update.Events{
			ProgressChanged: func(progress int, status string) {
				c.publishProgress(deviceID, progress, status)
			},
			Completed: func(success bool, message string) {
				c.jobFinished(deviceID, success, message)
			},
			Log: func(level device.LogLevel, message string) {
				c.publishLog(level, "["+deviceID+"] "+message)
			},
		},
			update.WithMaxRetries(c.cfg.MaxRetries),
			update.WithChunkInterval(c.cfg.ChunkInterval),
			update.WithRetryBackOff(backoff.NewConstantBackOff(c.cfg.RetryInterval)),
		)
		entryMeta.job = job
		c.jobs[deviceID] = entryMeta

		c.publishLog(device.LevelInfo, "Starting update for "+deviceID)
		job.Start()
	})
	return err
}

func (c *Core) jobFinished(deviceID string, success bool, message string) {
	entry, ok := c.jobs[deviceID]
	if !ok {
		return
	}
	delete(c.jobs, deviceID)
	c.publishComplete(deviceID, success, message)

	if c.hist != nil {
		row := &history.Update{
			DeviceID:        deviceID,
			FirmwareName:    entry.fwName,
			FirmwareVersion: entry.fwVersion,
			FirmwareTarget:  entry.fwTarget,
			Success:         success,
			Message:         message,
			StartedAt:       entry.startedAt,
			FinishedAt:      time.Now(),
		}
		// Off-loop: sqlite writes must not stall event delivery.
		go func() {
			if err := c.hist.Record(context.Background(), row); err != nil {
				c.loop.Post(func() {
					c.publishLog(device.LevelWarning, fmt.Sprintf("Failed to record update history: %v", err))
				})
			}
		}()
	}
}

// CancelUpdate cancels the active job for the device.
func (c *Core) CancelUpdate(deviceID string) error {
	var err error
	c.run(func() {
		entry, ok := c.jobs[deviceID]
		if !ok {
			err = fmt.Errorf("%w: %s", ErrNoActiveUpdate, deviceID)
			return
		}
		entry.job.Cancel()
	})
	return err
}

// Close cancels all jobs, releases every transport, and drops the
// loaded firmware. The core is unusable afterwards.
func (c *Core) Close() {
	c.run(func() {
		if c.closed {
			return
		}
		c.closed = true

		for _, entry := range c.jobs {
			entry.job.Cancel()
		}
		for id, entry := range c.devices {
			entry.unsubscribe()
			entry.dev.Disconnect()
			delete(c.devices, id)
		}
		if c.fw != nil {
			c.fw.Close()
			c.fw = nil
		}
		c.publishLog(device.LevelInfo, "Core shut down")
	})
}

func (c *Core) each(fn func(Events)) {
	for id := 0; id < c.nextID; id++ {
		if ev, ok := c.subs[id]; ok {
			fn(ev)
		}
	}
}

func (c *Core) publishDiscovered(id string, info map[string]string) {
	c.each(func(ev Events) {
		if ev.DeviceDiscovered != nil {
			ev.DeviceDiscovered(id, info)
		}
	})
}

func (c *Core) publishLost(id string) {
	c.each(func(ev Events) {
		if ev.DeviceLost != nil {
			ev.DeviceLost(id)
		}
	})
}

func (c *Core) publishProgress(deviceID string, progress int, status string) {
	c.each(func(ev Events) {
		if ev.UpdateProgress != nil {
			ev.UpdateProgress(deviceID, progress, status)
		}
	})
}

func (c *Core) publishComplete(deviceID string, success bool, message string) {
	c.each(func(ev Events) {
		if ev.UpdateComplete != nil {
			ev.UpdateComplete(deviceID, success, message)
		}
	})
}

func (c *Core) publishLog(level device.LogLevel, message string) {
	c.each(func(ev Events) {
		if ev.Log != nil {
			ev.Log(level, message)
		}
	})
}
