// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 FlashUp Project

package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	entries := []*Update{
		{
			DeviceID:        "serial:/dev/ttyUSB0",
			FirmwareName:    "sensor-fw",
			FirmwareVersion: "1.2.0",
			FirmwareTarget:  "esp32",
			Success:         true,
			Message:         "Firmware updated successfully",
			StartedAt:       base,
			FinishedAt:      base.Add(30 * time.Second),
		},
		{
			DeviceID:        "net:10.0.0.5:8266",
			FirmwareName:    "sensor-fw",
			FirmwareVersion: "1.2.1",
			Success:         false,
			Message:         "Device disconnected during update",
			StartedAt:       base.Add(time.Minute),
			FinishedAt:      base.Add(90 * time.Second),
		},
	}
	for _, u := range entries {
		if err := s.Record(ctx, u); err != nil {
			t.Fatalf("Record: %v", err)
		}
		if u.ID == 0 {
			t.Error("Record did not assign a row ID")
		}
	}

	got, err := s.List(ctx, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("List returned %d rows, want 2", len(got))
	}
	// Newest first.
	if got[0].DeviceID != "net:10.0.0.5:8266" || got[1].DeviceID != "serial:/dev/ttyUSB0" {
		t.Errorf("order = %q, %q", got[0].DeviceID, got[1].DeviceID)
	}
	if got[0].Success || !got[1].Success {
		t.Error("success flags not round-tripped")
	}
	if got[1].FirmwareTarget != "esp32" {
		t.Errorf("FirmwareTarget = %q", got[1].FirmwareTarget)
	}
}

func TestListLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := s.Record(ctx, &Update{
			DeviceID:        "sim:0",
			FirmwareName:    "fw",
			FirmwareVersion: "0.0.1",
			Success:         true,
			StartedAt:       time.Now(),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.List(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Errorf("List(3) returned %d rows", len(got))
	}
}

func TestListForDevice(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "a"} {
		err := s.Record(ctx, &Update{
			DeviceID:        id,
			FirmwareName:    "fw",
			FirmwareVersion: "0.0.1",
			Success:         true,
			StartedAt:       time.Now(),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListForDevice(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("ListForDevice returned %d rows, want 2", len(got))
	}
	for _, u := range got {
		if u.DeviceID != "a" {
			t.Errorf("row for device %q leaked in", u.DeviceID)
		}
	}
}

func TestReopenKeepsRows(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "history.db")

	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	err = s.Record(context.Background(), &Update{
		DeviceID: "a", FirmwareName: "fw", FirmwareVersion: "1", Success: true,
		StartedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	s.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	got, err := s2.List(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("rows after reopen = %d, want 1", len(got))
	}
}
