// Package state provides storage for context entry logs and snapshots:
// a JSONL file layout, a sqlite alternative for entries, and file-backed
// snapshots.
package state

import "github.com/user/converge/internal/types"

var _ types.EntryStore = (*EntryStore)(nil)
var _ types.EntryStore = (*SQLiteEntryStore)(nil)
var _ types.SnapshotStore = (*SnapshotStore)(nil)
