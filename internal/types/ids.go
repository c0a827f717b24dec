package types

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type ContextID string
type EntryID string
type CorrelationID string
type RunID string

func NewContextID() ContextID {
	return ContextID(uuid.New().String())
}

func NewEntryID() EntryID {
	return EntryID(uuid.New().String())
}

func NewCorrelationID() CorrelationID {
	return CorrelationID(uuid.New().String())
}

func NewRunID() RunID {
	return RunID(uuid.New().String())
}

// Validate rejects context IDs that cannot be used as a single path segment.
func (id ContextID) Validate() error {
	s := string(id)
	if s == "" || s == "." || s == ".." {
		return fmt.Errorf("%w: invalid context id %q", ErrInvalidArgument, s)
	}
	if strings.ContainsAny(s, `/\`) {
		return fmt.Errorf("%w: invalid context id %q", ErrInvalidArgument, s)
	}
	return nil
}
