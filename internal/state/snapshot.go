package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/user/converge/internal/types"
)

// SnapshotStore keeps the latest snapshot of each context at
// contexts/<contextID>/snapshot.json.
type SnapshotStore struct {
	root string
}

func NewSnapshotStore(root string) *SnapshotStore {
	return &SnapshotStore{root: root}
}

func (s *SnapshotStore) snapshotPath(contextID types.ContextID) string {
	return filepath.Join(s.root, "contexts", string(contextID), "snapshot.json")
}

// Put replaces the context's snapshot. The write is atomic.
func (s *SnapshotStore) Put(_ context.Context, contextID types.ContextID, snap *types.ContextSnapshot) error {
	if err := contextID.Validate(); err != nil {
		return err
	}
	content, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	target := s.snapshotPath(contextID)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create context dir: %w", err)
	}

	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp snapshot: %w", err)
	}
	return nil
}

// Latest returns the stored snapshot or an error matching types.ErrNotFound.
func (s *SnapshotStore) Latest(_ context.Context, contextID types.ContextID) (*types.ContextSnapshot, error) {
	if err := contextID.Validate(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.snapshotPath(contextID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("snapshot %s: %w", contextID, types.ErrNotFound)
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snap types.ContextSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}
