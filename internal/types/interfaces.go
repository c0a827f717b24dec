package types

import "context"

// RangeQuery selects entries with Sequence > AfterSequence in increasing order.
// A zero Limit means no limit.
type RangeQuery struct {
	CorrelationID CorrelationID
	AfterSequence int64
	Limit         int
}

type EntryStore interface {
	// Append assigns the next sequence and stores entry. When entry's
	// idempotency key was already accepted for contextID, the stored entry is
	// returned with created=false and nothing is written.
	Append(ctx context.Context, contextID ContextID, entry *ContextEntry) (stored *ContextEntry, created bool, err error)
	Range(ctx context.Context, contextID ContextID, q RangeQuery) ([]*ContextEntry, error)
	LastSequence(ctx context.Context, contextID ContextID) (int64, error)
	Count(ctx context.Context, contextID ContextID) (int64, error)
	Contexts(ctx context.Context) ([]ContextID, error)
	// Reset replaces the context's log with entries, keeping their sequences.
	Reset(ctx context.Context, contextID ContextID, entries []*ContextEntry) error
	Close() error
}

type SnapshotStore interface {
	Put(ctx context.Context, contextID ContextID, snap *ContextSnapshot) error
	Latest(ctx context.Context, contextID ContextID) (*ContextSnapshot, error)
}

// EntryStream yields entries of one watch in increasing sequence order.
// Recv returns io.EOF when the service closes the stream.
type EntryStream interface {
	Recv() (*ContextEntry, error)
	Close() error
}

// Unary is the request/response surface of the service.
type Unary interface {
	Append(ctx context.Context, contextID ContextID, entry *ContextEntry) (*ContextEntry, error)
	Get(ctx context.Context, contextID ContextID, opts GetOptions) ([]*ContextEntry, error)
	Snapshot(ctx context.Context, contextID ContextID) (*ContextSnapshot, error)
	Load(ctx context.Context, contextID ContextID, req LoadRequest) (int64, error)
	Close() error
}

// Duplex is a live channel that can also stream entries.
type Duplex interface {
	Unary
	Watch(ctx context.Context, req WatchRequest) (EntryStream, error)
}

type DuplexDialer interface {
	DialDuplex(ctx context.Context) (Duplex, error)
}

type UnaryDialer interface {
	DialUnary(ctx context.Context) (Unary, error)
}
