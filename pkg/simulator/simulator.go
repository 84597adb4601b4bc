// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 FlashUp Project

// Package simulator provides an in-process mock device that speaks the
// network update protocol over TCP. It backs the simulate command and
// integration tests; fault knobs make failure paths reproducible.
package simulator

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"sync"
)

const maxFrameSize = 1 << 20

// Server is a simulated firmware-update target. One Server accepts any
// number of connections; protocol state (idle/updating) is tracked per
// connection, the received image and fault counters are shared.
type Server struct {
	mu sync.Mutex

	ln     net.Listener
	closed bool
	wg     sync.WaitGroup

	name    string
	version string

	// Fault knobs.
	failChunks int  // reject this many write_chunk requests with an error
	failBegin  bool // reject begin_update
	mute       bool // swallow requests without responding

	received []byte
	chunks   int
}

// Option configures a Server before Start.
type Option func(*Server)

// WithIdentity sets the name and firmware version the simulator reports
// in info responses.
func WithIdentity(name, version string) Option {
	return func(s *Server) {
		s.name = name
		s.version = version
	}
}

// New creates a simulator. Call Start to begin listening.
func New(opts ...Option) *Server {
	s := &Server{
		name:    "SimDevice",
		version: "0.0.0",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start listens on addr ("127.0.0.1:0" picks a free port) and serves
// connections until Close.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("simulator listen: %w", err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Close stops the listener and waits for connection handlers to finish.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	ln := s.ln
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
	s.wg.Wait()
}

// FailChunks makes the simulator reject the next n write_chunk requests
// with an error response.
func (s *Server) FailChunks(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failChunks = n
}

// FailBegin makes begin_update fail until reset.
func (s *Server) FailBegin(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failBegin = fail
}

// Mute makes the simulator swallow requests without responding, which
// exercises the client-side request timeout.
func (s *Server) Mute(mute bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mute = mute
}

// Received returns a copy of the reassembled firmware image.
func (s *Server) Received() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.received...)
}

// Chunks reports how many chunks were accepted.
func (s *Server) Chunks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunks
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			s.serveConn(conn)
		}()
	}
}

type simRequest struct {
	Command  string `json:"command"`
	DataSize int    `json:"data_size"`
}

type chunkHeader struct {
	Action string `json:"action"`
	Offset int64  `json:"offset"`
	Size   int    `json:"size"`
}

func (s *Server) serveConn(conn net.Conn) {
	state := "idle"
	var buf []byte
	read := make([]byte, 4096)

	for {
		n, err := conn.Read(read)
		if n > 0 {
			buf = append(buf, read[:n]...)
		}
		for {
			frame, rest, ok := nextFrame(buf)
			if !ok {
				break
			}
			buf = rest
			if resp := s.handle(frame, &state); resp != nil {
				if _, err := conn.Write(encodeFrame(resp)); err != nil {
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// handle processes one request frame and returns the response document,
// or nil when the simulator is muted.
func (s *Server) handle(frame []byte, state *string) map[string]any {
	s.mu.Lock()
	muted := s.mute
	s.mu.Unlock()
	if muted {
		return nil
	}

	var req simRequest
	dec := json.NewDecoder(bytes.NewReader(frame))
	if err := dec.Decode(&req); err != nil {
		return errorResponse("malformed request")
	}
	payload := frame[dec.InputOffset():]

	switch req.Command {
	case "info":
		return map[string]any{
			"status": "ok",
			"info": map[string]any{
				"name":    s.name,
				"version": s.version,
				"state":   *state,
			},
		}
	case "update":
		return s.handleUpdate(payload, state)
	default:
		return errorResponse("unknown command: " + req.Command)
	}
}

func (s *Server) handleUpdate(payload []byte, state *string) map[string]any {
	var hdr chunkHeader
	dec := json.NewDecoder(bytes.NewReader(payload))
	if err := dec.Decode(&hdr); err != nil {
		return errorResponse("malformed update request")
	}

	switch hdr.Action {
	case "begin_update":
		s.mu.Lock()
		fail := s.failBegin
		if !fail {
			s.received = nil
			s.chunks = 0
		}
		s.mu.Unlock()
		if fail {
			return errorResponse("device busy")
		}
		*state = "updating"
		return updateStatus("begin_update", true)

	case "write_chunk":
		if *state != "updating" {
			return errorResponse("no update in progress")
		}
		// Binary data follows the header after a newline separator.
		data := payload[dec.InputOffset():]
		if len(data) > 0 && data[0] == '\n' {
			data = data[1:]
		}
		if len(data) != hdr.Size {
			return errorResponse("chunk size mismatch")
		}

		s.mu.Lock()
		if s.failChunks > 0 {
			s.failChunks--
			s.mu.Unlock()
			return errorResponse("flash write failed")
		}
		if need := hdr.Offset + int64(len(data)); int64(len(s.received)) < need {
			s.received = append(s.received, make([]byte, need-int64(len(s.received)))...)
		}
		copy(s.received[hdr.Offset:], data)
		s.chunks++
		s.mu.Unlock()
		return updateStatus("write_chunk", true)

	case "end_update":
		if *state != "updating" {
			return errorResponse("no update in progress")
		}
		*state = "rebooting"
		return updateStatus("end_update", true)

	case "cancel_update":
		*state = "idle"
		return updateStatus("cancel_update", true)

	default:
		return errorResponse("unknown action: " + hdr.Action)
	}
}

func errorResponse(message string) map[string]any {
	return map[string]any{"status": "error", "error": message}
}

func updateStatus(action string, success bool) map[string]any {
	return map[string]any{
		"status": "ok",
		"update_status": map[string]any{
			"action":  action,
			"success": success,
		},
	}
}

func encodeFrame(doc map[string]any) []byte {
	body, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	out := make([]byte, 4, 4+len(body))
	binary.LittleEndian.PutUint32(out, uint32(len(body)))
	return append(out, body...)
}

func nextFrame(buf []byte) (frame, rest []byte, ok bool) {
	if len(buf) < 4 {
		return nil, buf, false
	}
	size := binary.LittleEndian.Uint32(buf[:4])
	if size > maxFrameSize {
		return nil, nil, false
	}
	if len(buf) < int(4+size) {
		return nil, buf, false
	}
	return buf[4 : 4+size], buf[4+size:], true
}
