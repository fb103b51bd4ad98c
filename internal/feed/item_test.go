package feed

import (
	"errors"
	"testing"
)

func TestLessOrdersNewestFirst(t *testing.T) {
	older := Item{ID: "m1", CreatedAtMillis: 1000}
	newer := Item{ID: "m2", CreatedAtMillis: 2000}

	if !Less(newer, older) {
		t.Fatalf("expected newer item to sort first")
	}
	if Less(older, newer) {
		t.Fatalf("expected older item to sort after newer")
	}
}

func TestLessBreaksTimestampTiesByID(t *testing.T) {
	a := Item{ID: "m1", CreatedAtMillis: 1000}
	b := Item{ID: "m2", CreatedAtMillis: 1000}

	if !Less(a, b) {
		t.Fatalf("expected lower id to sort first on timestamp tie")
	}
	if Less(b, a) {
		t.Fatalf("expected higher id to sort second on timestamp tie")
	}
}

func TestSupersedes(t *testing.T) {
	tests := []struct {
		name     string
		incoming Item
		existing Item
		expected bool
	}{
		{
			name:     "higher version wins",
			incoming: Item{Version: 2, CreatedAtMillis: 1000},
			existing: Item{Version: 1, CreatedAtMillis: 2000},
			expected: true,
		},
		{
			name:     "lower version loses",
			incoming: Item{Version: 1, CreatedAtMillis: 9000},
			existing: Item{Version: 2, CreatedAtMillis: 1000},
			expected: false,
		},
		{
			name:     "equal version newer timestamp wins",
			incoming: Item{Version: 1, CreatedAtMillis: 2000},
			existing: Item{Version: 1, CreatedAtMillis: 1000},
			expected: true,
		},
		{
			name:     "equal version older timestamp loses",
			incoming: Item{Version: 1, CreatedAtMillis: 1000},
			existing: Item{Version: 1, CreatedAtMillis: 2000},
			expected: false,
		},
		{
			name:     "full tie resolves to incoming copy",
			incoming: Item{Version: 1, CreatedAtMillis: 1000, State: StateRead},
			existing: Item{Version: 1, CreatedAtMillis: 1000, State: StateUnread},
			expected: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Supersedes(tc.incoming, tc.existing); got != tc.expected {
				t.Fatalf("expected %v, got %v", tc.expected, got)
			}
		})
	}
}

func TestCanTransitionReadIsOneWay(t *testing.T) {
	if !CanTransition(StateUnread, StateRead) {
		t.Fatalf("expected unread to read to be permitted")
	}
	if CanTransition(StateRead, StateUnread) {
		t.Fatalf("expected read to unread to be forbidden")
	}
}

func TestCanTransitionFriendRequestDecisionsAreTerminal(t *testing.T) {
	if !CanTransition(StatePending, StateAccepted) {
		t.Fatalf("expected pending to accepted to be permitted")
	}
	if !CanTransition(StatePending, StateRejected) {
		t.Fatalf("expected pending to rejected to be permitted")
	}
	if CanTransition(StateAccepted, StateRejected) {
		t.Fatalf("expected accepted to be terminal")
	}
	if CanTransition(StateRejected, StateAccepted) {
		t.Fatalf("expected rejected to be terminal")
	}
}

func TestParseKindRejectsUnknownKind(t *testing.T) {
	if _, err := ParseKind("chat_message"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := ParseKind("poll"); !errors.Is(err, ErrInvalidKind) {
		t.Fatalf("expected ErrInvalidKind, got %v", err)
	}
}

func TestNewItemIDRejectsEmptyInput(t *testing.T) {
	if _, err := NewItemID("   "); !errors.Is(err, ErrInvalidItemID) {
		t.Fatalf("expected ErrInvalidItemID, got %v", err)
	}
	id, err := NewItemID(" m1 ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.String() != "m1" {
		t.Fatalf("expected trimmed id, got %q", id.String())
	}
}

func TestScopeKeyConstructors(t *testing.T) {
	if ChatScope("42").String() != "chat:42" {
		t.Fatalf("unexpected chat scope: %s", ChatScope("42"))
	}
	if ChatListScope("user-1").String() != "chats:user-1" {
		t.Fatalf("unexpected chat list scope: %s", ChatListScope("user-1"))
	}
	if NotificationScope("user-1").String() != "notifications:user-1" {
		t.Fatalf("unexpected notification scope: %s", NotificationScope("user-1"))
	}
}
