// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 FlashUp Project

package history

// SchemaVersion is the current schema version.
const SchemaVersion = 1

// Schema is the initial database schema.
const Schema = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY,
	applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS updates (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id TEXT NOT NULL,
	firmware_name TEXT NOT NULL,
	firmware_version TEXT NOT NULL,
	firmware_target TEXT NOT NULL DEFAULT '',
	success INTEGER NOT NULL,
	message TEXT NOT NULL DEFAULT '',
	started_at DATETIME NOT NULL,
	finished_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_updates_device ON updates(device_id, finished_at);
`

// Migrations maps schema versions to the SQL that introduces them.
// Version 1 is the initial schema.
var Migrations = map[int]string{}
