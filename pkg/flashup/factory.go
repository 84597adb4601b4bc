// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 FlashUp Project

package flashup

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	goserial "go.bug.st/serial"

	"github.com/flashup/flashup/pkg/device"
	"github.com/flashup/flashup/pkg/eventloop"
)

// Discovery is one discoverable device: a stable identifier, display
// info, and a constructor for its transport.
type Discovery struct {
	ID   string
	Info map[string]string
	New  func(loop *eventloop.Loop) device.Device
}

// Factory enumerates reachable devices of one transport kind.
type Factory interface {
	Name() string
	Scan() []Discovery
}

// SerialFactory discovers devices on local serial ports. An empty
// Filter accepts every detected port; otherwise a port must contain one
// of the filter substrings.
type SerialFactory struct {
	Filter []string

	// listPorts is replaceable for tests.
	listPorts func() ([]string, error)
}

func (f *SerialFactory) Name() string { return "serial" }

func (f *SerialFactory) Scan() []Discovery {
	list := f.listPorts
	if list == nil {
		list = goserial.GetPortsList
	}
	ports, err := list()
	if err != nil {
		return nil
	}

	var found []Discovery
	for _, port := range ports {
		if !f.match(port) {
			continue
		}
		port := port
		found = append(found, Discovery{
			ID: "serial:" + port,
			Info: map[string]string{
				"type": "Serial",
				"port": port,
			},
			New: func(loop *eventloop.Loop) device.Device {
				return device.NewSerial(loop, port)
			},
		})
	}
	return found
}

func (f *SerialFactory) match(port string) bool {
	if len(f.Filter) == 0 {
		return true
	}
	for _, substr := range f.Filter {
		if strings.Contains(port, substr) {
			return true
		}
	}
	return false
}

// NetworkFactory exposes configured network targets as devices. Targets
// are host, host:port, or ws:// / wss:// URLs; bare hosts get
// DefaultPort.
type NetworkFactory struct {
	Targets     []string
	DefaultPort int
}

func (f *NetworkFactory) Name() string { return "network" }

func (f *NetworkFactory) Scan() []Discovery {
	var found []Discovery
	for _, target := range f.Targets {
		target := target
		if strings.HasPrefix(target, "ws://") || strings.HasPrefix(target, "wss://") {
			found = append(found, Discovery{
				ID: "ws:" + target,
				Info: map[string]string{
					"type":    "Network",
					"address": target,
				},
				New: func(loop *eventloop.Loop) device.Device {
					return device.NewWebSocket(loop, target)
				},
			})
			continue
		}

		host, port := splitTarget(target, f.DefaultPort)
		found = append(found, Discovery{
			ID: fmt.Sprintf("net:%s:%d", host, port),
			Info: map[string]string{
				"type":    "Network",
				"address": fmt.Sprintf("%s:%d", host, port),
			},
			New: func(loop *eventloop.Loop) device.Device {
				return device.NewNetwork(loop, host, port)
			},
		})
	}
	return found
}

// SimulatorFactory exposes a running simulator as a single device.
type SimulatorFactory struct {
	Addr string
}

func (f *SimulatorFactory) Name() string { return "simulator" }

func (f *SimulatorFactory) Scan() []Discovery {
	if f.Addr == "" {
		return nil
	}
	host, port := splitTarget(f.Addr, device.DefaultNetworkPort)
	return []Discovery{{
		ID: "sim:" + f.Addr,
		Info: map[string]string{
			"type":    "Simulated",
			"address": f.Addr,
		},
		New: func(loop *eventloop.Loop) device.Device {
			return device.NewNetwork(loop, host, port)
		},
	}}
}

// DirectFactory materializes a single device from an explicit
// identifier (serial:<port>, net:<host[:port]>, ws://<url>), bypassing
// discovery. Used by headless mode where the target is known up front.
type DirectFactory struct {
	Target      string
	DefaultPort int
}

func (f *DirectFactory) Name() string { return "direct" }

func (f *DirectFactory) Scan() []Discovery {
	target := f.Target
	switch {
	case strings.HasPrefix(target, "serial:"):
		port := strings.TrimPrefix(target, "serial:")
		return []Discovery{{
			ID: target,
			Info: map[string]string{
				"type": "Serial",
				"port": port,
			},
			New: func(loop *eventloop.Loop) device.Device {
				return device.NewSerial(loop, port)
			},
		}}
	case strings.HasPrefix(target, "ws://") || strings.HasPrefix(target, "wss://"):
		return (&NetworkFactory{Targets: []string{target}}).Scan()
	case strings.HasPrefix(target, "net:"):
		nf := &NetworkFactory{
			Targets:     []string{strings.TrimPrefix(target, "net:")},
			DefaultPort: f.DefaultPort,
		}
		return nf.Scan()
	case target != "":
		nf := &NetworkFactory{Targets: []string{target}, DefaultPort: f.DefaultPort}
		return nf.Scan()
	}
	return nil
}

// splitTarget parses host or host:port, falling back to defaultPort.
func splitTarget(target string, defaultPort int) (string, int) {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return target, defaultPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return host, defaultPort
	}
	return host, port
}
