package session

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/nimbuschat/feedsync/internal/feed"
	"github.com/nimbuschat/feedsync/internal/viewcache"
)

type sendMessageRequest struct {
	Body      string `json:"body"`
	ClientRef string `json:"client_ref"`
}

type markReadRequest struct {
	ItemIDs []feed.ItemID `json:"item_ids"`
}

type resolveRequest struct {
	Action string `json:"action"`
}

// SendMessage sends a chat message optimistically: the thread projection and
// the chat-list preview are patched before the request leaves, then the
// temporary item is replaced by the server copy on confirmation or reverted
// on failure.
func (e *Engine) SendMessage(ctx context.Context, chatID, body string) (feed.Item, error) {
	tempID := viewcache.NewTempID()
	now := e.clock().UTC().UnixMilli()
	chatScope := feed.ChatScope(chatID)

	ops := []viewcache.PatchOp{{
		Scope: chatScope,
		Insert: &feed.Item{
			ID:              tempID,
			Kind:            feed.KindChatMessage,
			ScopeKey:        chatScope.String(),
			CreatedAtMillis: now,
			SenderID:        e.userID.String(),
			Body:            body,
			ClientRef:       tempID,
		},
	}}
	listScope := feed.ChatListScope(e.userID.String())
	if e.cache.HasScope(listScope) {
		ops = append(ops, viewcache.PatchOp{
			Scope:    listScope,
			UpdateID: chatID,
			Update: func(item feed.Item) feed.Item {
				item.PreviewItemID = tempID
				item.PreviewText = body
				item.CreatedAtMillis = now
				return item
			},
		})
	}

	handle, err := e.coordinator.ApplyOptimistic(tempID, ops)
	if err != nil {
		return feed.Item{}, err
	}

	raw, err := e.transport.Post(ctx, "/chats/"+chatID+"/messages", sendMessageRequest{
		Body:      body,
		ClientRef: tempID,
	})
	if err != nil {
		e.rollback(handle, "send_message")
		return feed.Item{}, fmt.Errorf("session: send failed: %w", err)
	}

	confirmed := feed.Item{}
	if err := json.Unmarshal(raw, &confirmed); err != nil {
		e.rollback(handle, "send_message")
		return feed.Item{}, fmt.Errorf("session: send response malformed: %w", err)
	}
	if err := e.coordinator.Confirm(handle, confirmed); err != nil {
		return feed.Item{}, err
	}
	return confirmed, nil
}

func (e *Engine) rollback(handle *viewcache.Handle, operation string) {
	if err := e.coordinator.Rollback(handle); err != nil {
		e.logger.Error("rollback failed",
			zap.String("operation", operation),
			zap.String("temp_id", handle.TempID()),
			zap.Error(err))
	}
}

// MarkRead flips every unread item in the chat's thread projection to read,
// zeroes the chat-list counter in the same step, and reports the change to
// the backend. Read is one-way, so a failed report leaves the local flip in
// place and returns the error for the caller to surface.
func (e *Engine) MarkRead(ctx context.Context, chatID string) error {
	scope := feed.ChatScope(chatID)
	view, ok := e.cache.Projection(scope.String())
	if !ok {
		return fmt.Errorf("%w: %s", viewcache.ErrUnknownEntry, scope)
	}

	var unread []feed.ItemID
	for _, item := range view {
		if item.State == feed.StateUnread {
			unread = append(unread, feed.ItemID(item.ID))
		}
	}
	if len(unread) == 0 {
		return nil
	}

	if err := e.coordinator.MarkRead(scope, unread); err != nil {
		return err
	}
	if _, err := e.transport.Post(ctx, "/chats/"+chatID+"/read", markReadRequest{ItemIDs: unread}); err != nil {
		return fmt.Errorf("session: mark-read report failed: %w", err)
	}
	return nil
}

// DeleteChat deletes the chat on the backend, then drops it from every view
// that lists it without refetching.
func (e *Engine) DeleteChat(ctx context.Context, chatID string) error {
	if _, err := e.transport.Delete(ctx, "/chats/"+chatID); err != nil {
		return fmt.Errorf("session: delete failed: %w", err)
	}
	return e.coordinator.Remove(feed.ChatListScope(e.userID.String()), feed.ItemID(chatID))
}

// ResolveNotification applies a friend-request decision on the backend and
// then locally; the transition is terminal either way.
func (e *Engine) ResolveNotification(ctx context.Context, notificationID string, accept bool) error {
	action := "reject"
	state := feed.StateRejected
	if accept {
		action = "accept"
		state = feed.StateAccepted
	}
	if _, err := e.transport.Post(ctx, "/notifications/"+notificationID+"/resolve", resolveRequest{Action: action}); err != nil {
		return fmt.Errorf("session: resolve failed: %w", err)
	}
	return e.coordinator.Resolve(feed.NotificationScope(e.userID.String()), feed.ItemID(notificationID), state)
}
