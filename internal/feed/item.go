package feed

import (
	"errors"
	"fmt"
	"strings"
)

// Kind enumerates the closed set of synchronizable item kinds.
type Kind string

const (
	// KindChatMessage is a single message inside a chat thread.
	KindChatMessage Kind = "chat_message"
	// KindNotification is an entry in the notification list, including
	// friend requests awaiting a decision.
	KindNotification Kind = "notification"
	// KindChatSummary is a chat-list row: preview of the latest message
	// plus the unread counter for one chat.
	KindChatSummary Kind = "chat_summary"
)

// State captures the lifecycle position of items that have one.
type State string

const (
	// StateNone marks items without lifecycle state.
	StateNone State = ""
	// StateUnread marks a message or notification not yet seen.
	StateUnread State = "unread"
	// StateRead marks a message or notification the user has seen.
	StateRead State = "read"
	// StatePending marks a friend request awaiting a decision.
	StatePending State = "pending"
	// StateAccepted marks an accepted friend request. Terminal.
	StateAccepted State = "accepted"
	// StateRejected marks a rejected friend request. Terminal.
	StateRejected State = "rejected"
	// StatePendingLocal marks an optimistic item that has not been
	// confirmed by the backend yet. Never produced by the backend.
	StatePendingLocal State = "pending_local"
)

// ErrInvalidKind indicates an item kind outside the supported set.
var ErrInvalidKind = errors.New("feed: invalid item kind")

// ErrInvalidTransition indicates a state change the item lifecycle forbids.
var ErrInvalidTransition = errors.New("feed: invalid state transition")

// ParseKind validates raw input and returns a Kind.
func ParseKind(rawInput string) (Kind, error) {
	switch Kind(strings.TrimSpace(rawInput)) {
	case KindChatMessage:
		return KindChatMessage, nil
	case KindNotification:
		return KindNotification, nil
	case KindChatSummary:
		return KindChatSummary, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, rawInput)
	}
}

// Item is the normalized shape of any synchronizable entity. The kind tag
// governs which payload fields are meaningful; consumers switch exhaustively
// on it rather than downcasting.
type Item struct {
	ID              string `json:"id"`
	Kind            Kind   `json:"kind"`
	ScopeKey        string `json:"scope_key"`
	CreatedAtMillis int64  `json:"created_at_ms"`
	Version         int64  `json:"version"`
	State           State  `json:"state,omitempty"`

	// Chat message payload.
	SenderID string `json:"sender_id,omitempty"`
	Body     string `json:"body,omitempty"`

	// Notification payload.
	ActorID string `json:"actor_id,omitempty"`

	// Chat summary payload.
	PreviewText   string `json:"preview_text,omitempty"`
	PreviewItemID string `json:"preview_item_id,omitempty"`
	UnreadCount   int    `json:"unread_count,omitempty"`

	// ClientRef carries the client-generated temporary id through a write
	// so the backend can echo it back for optimistic-id correlation.
	ClientRef string `json:"client_ref,omitempty"`
}

// Less reports whether a sorts before b in feed order: newest first by
// creation time, exact timestamp ties broken ascending by id so the order is
// deterministic regardless of arrival order.
func Less(a, b Item) bool {
	if a.CreatedAtMillis != b.CreatedAtMillis {
		return a.CreatedAtMillis > b.CreatedAtMillis
	}
	return a.ID < b.ID
}

// Supersedes reports whether incoming should replace existing when both carry
// the same id. Higher version wins, then newer creation time. On a full tie
// the incoming copy wins: callers apply live/local copies after fetched ones,
// so an equal-timestamp disagreement resolves in favor of the fresher source.
func Supersedes(incoming, existing Item) bool {
	if incoming.Version != existing.Version {
		return incoming.Version > existing.Version
	}
	return incoming.CreatedAtMillis >= existing.CreatedAtMillis
}

// CanTransition reports whether the item lifecycle permits moving from one
// state to another. Read is one-way, and friend-request decisions are
// terminal.
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	switch from {
	case StateNone:
		return to != StatePendingLocal
	case StateUnread:
		return to == StateRead
	case StatePending:
		return to == StateAccepted || to == StateRejected
	case StatePendingLocal:
		// Confirmation rewrites the whole item; the only in-place change
		// an optimistic copy accepts is the backend's authoritative state.
		return to == StateNone || to == StateUnread || to == StateRead
	default:
		return false
	}
}
