package feed

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidItemID indicates that an item identifier is empty or exceeds storage bounds.
	ErrInvalidItemID = errors.New("feed: invalid item id")
	// ErrInvalidScopeKey indicates that a scope key is empty or exceeds storage bounds.
	ErrInvalidScopeKey = errors.New("feed: invalid scope key")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("feed: invalid user id")
)

// ItemID represents a validated feed item identifier.
type ItemID string

// NewItemID validates raw input and returns an ItemID.
func NewItemID(rawInput string) (ItemID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidItemID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidItemID, maxIdentifierLength)
	}
	return ItemID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ItemID) String() string {
	return string(id)
}

// ScopeKey identifies one isolated feed context: a chat thread, a user's chat
// list, or a user's notification list. Each scope owns its own cursor,
// exclusion set, and live buffer.
type ScopeKey string

// NewScopeKey validates raw input and returns a ScopeKey.
func NewScopeKey(rawInput string) (ScopeKey, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidScopeKey)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidScopeKey, maxIdentifierLength)
	}
	return ScopeKey(trimmed), nil
}

// String returns the underlying string key.
func (key ScopeKey) String() string {
	return string(key)
}

// ChatScope returns the scope key for one chat thread.
func ChatScope(chatID string) ScopeKey {
	return ScopeKey("chat:" + chatID)
}

// ChatListScope returns the scope key for a user's chat list.
func ChatListScope(userID string) ScopeKey {
	return ScopeKey("chats:" + userID)
}

// NotificationScope returns the scope key for a user's notification list.
func NotificationScope(userID string) ScopeKey {
	return ScopeKey("notifications:" + userID)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}
