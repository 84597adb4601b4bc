// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 FlashUp Project

package device

// Events carries the callbacks a subscriber can register on a device.
// Nil callbacks are skipped. Callbacks run on the device's event loop
// in publish order.
type Events struct {
	ConnectionStatusChanged func(ConnectionStatus)
	StateChanged            func(State)
	Log                     func(level LogLevel, message string)
}

// emitter fans events out to subscribers. Loop context only.
type emitter struct {
	subs map[int]Events
	next int
}

// Subscribe registers callbacks and returns their removal function.
func (e *emitter) Subscribe(ev Events) func() {
	if e.subs == nil {
		e.subs = make(map[int]Events)
	}
	id := e.next
	e.next++
	e.subs[id] = ev
	return func() { delete(e.subs, id) }
}

func (e *emitter) emitStatus(s ConnectionStatus) {
	for _, ev := range e.ordered() {
		if ev.ConnectionStatusChanged != nil {
			ev.ConnectionStatusChanged(s)
		}
	}
}

func (e *emitter) emitState(s State) {
	for _, ev := range e.ordered() {
		if ev.StateChanged != nil {
			ev.StateChanged(s)
		}
	}
}

func (e *emitter) log(level LogLevel, message string) {
	for _, ev := range e.ordered() {
		if ev.Log != nil {
			ev.Log(level, message)
		}
	}
}

// ordered returns subscribers in registration order so delivery is
// deterministic.
func (e *emitter) ordered() []Events {
	out := make([]Events, 0, len(e.subs))
	for id := 0; id < e.next; id++ {
		if ev, ok := e.subs[id]; ok {
			out = append(out, ev)
		}
	}
	return out
}
