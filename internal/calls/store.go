package calls

import "context"

// Store persists call records. Implementations must make Create and
// Transition atomic with respect to each other, and must publish every
// successful write to their subscribers.
type Store interface {
	Create(ctx context.Context, nc NewCall) (CallRecord, error)
	Transition(ctx context.Context, id string, to Status) (CallRecord, error)
	Get(ctx context.Context, id string) (CallRecord, error)
	// Mirror copies a record written by the other participant into this
	// store. An unknown record is inserted as is; a known one follows it
	// when the status change is permitted and is otherwise left alone. The
	// local record is returned either way.
	Mirror(ctx context.Context, rec CallRecord) (CallRecord, error)
	ListHistory(ctx context.Context, userID string, limit int) ([]CallRecord, error)
	// ListOutstanding returns ringing or accepted records involving userID.
	ListOutstanding(ctx context.Context, userID string) ([]CallRecord, error)

	// SubscribeIncoming streams inserts and updates of records where userID
	// is the receiver; SubscribeOutgoing does the same for the caller side.
	// The returned func stops the stream and closes the channel.
	SubscribeIncoming(ctx context.Context, userID string) (<-chan CallRecord, func(), error)
	SubscribeOutgoing(ctx context.Context, userID string) (<-chan CallRecord, func(), error)
}

// Feed carries record changes from the writer to every participant's
// subscribers, possibly across processes.
type Feed interface {
	Publish(ctx context.Context, rec CallRecord) error
	// Subscribe streams records that involve userID.
	Subscribe(ctx context.Context, userID string) (<-chan CallRecord, func(), error)
	Close() error
}
