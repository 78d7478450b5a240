package status

import "slices"

// Status is the delivery state of a message.
type Status string

const (
	// Pending: persisted locally, send not yet attempted. Only
	// observable between the optimistic insert and the queue insert,
	// or after a crash in that window.
	Pending Status = "pending"
	// Queued: waiting in the outbound queue, typically because the
	// device was offline at send time.
	Queued Status = "queued"
	// Sent: persisted locally and handed to the outbound queue.
	Sent Status = "sent"
	// Delivered: the remote store accepted the message.
	Delivered Status = "delivered"
	// Read: at least one participant other than the sender read it.
	Read Status = "read"
	// Failed: send gave up (retry ceiling or permanent remote error).
	// Terminal until the user explicitly retries.
	Failed Status = "failed"
)

var transitions = map[Status][]Status{
	Pending:   {Queued, Sent, Failed},
	Queued:    {Sent, Delivered, Failed},
	// Sent -> Queued happens when crash recovery requeues a send it
	// could not confirm remotely.
	Sent:      {Queued, Delivered, Read, Failed},
	Delivered: {Read},
	Read:      {Read},
	Failed:    {Pending},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// Valid reports whether s is a known status value.
func Valid(s Status) bool {
	_, ok := transitions[s]
	return ok
}

// rank orders statuses by delivery progress, used when merging a
// remote snapshot into local state. Failed shares a rank with Sent:
// a snapshot proving the message reached the remote store advances a
// locally-failed message, but a stale pre-delivery snapshot does not
// overwrite the failure.
var rank = map[Status]int{
	Pending:   0,
	Queued:    1,
	Sent:      2,
	Failed:    2,
	Delivered: 3,
	Read:      4,
}

// Merge returns the status that wins when a remote snapshot carrying
// incoming meets a local message at current. Status only ever moves
// forward: an older snapshot never regresses local state. Unknown
// incoming values are ignored.
func Merge(current, incoming Status) Status {
	if !Valid(incoming) {
		return current
	}
	if rank[incoming] > rank[current] {
		return incoming
	}
	return current
}
