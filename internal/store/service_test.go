package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/nimbuschat/feedsync/internal/feed"
)

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared&_pragma=busy_timeout(5000)"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Message{}, &Notification{}, &ChatSummary{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

type sequentialIDProvider struct {
	next int
}

func (p *sequentialIDProvider) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("id-%03d", p.next), nil
}

func newTestService(t *testing.T) (*Service, *testClock) {
	t.Helper()
	clock := &testClock{now: time.UnixMilli(1000)}
	service, err := NewService(ServiceConfig{
		Database:   openTestDatabase(t),
		Clock:      clock.Now,
		IDProvider: &sequentialIDProvider{},
	})
	if err != nil {
		t.Fatalf("unexpected service error: %v", err)
	}
	return service, clock
}

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func mustEnsureChat(t *testing.T, service *Service, chatID, userID, peerID string) {
	t.Helper()
	if err := service.EnsureChat(context.Background(), chatID, userID, peerID); err != nil {
		t.Fatalf("unexpected ensure-chat error: %v", err)
	}
}

func mustSend(t *testing.T, service *Service, userID, chatID, body string) SendOutcome {
	t.Helper()
	outcome, err := service.SendMessage(context.Background(), userID, chatID, body, "")
	if err != nil {
		t.Fatalf("unexpected send error: %v", err)
	}
	return outcome
}

func TestSendMessagePersistsAndRefreshesSummaries(t *testing.T) {
	service, _ := newTestService(t)
	mustEnsureChat(t, service, "42", "alice", "bob")

	outcome, err := service.SendMessage(context.Background(), "alice", "42", "hello bob", "ref-1")
	if err != nil {
		t.Fatalf("unexpected send error: %v", err)
	}
	if outcome.Message.ClientRef != "ref-1" {
		t.Fatalf("expected client ref echoed, got %q", outcome.Message.ClientRef)
	}
	if outcome.Message.State != feed.StateRead {
		t.Fatalf("expected sender copy read, got %s", outcome.Message.State)
	}
	if outcome.PeerMessageCopy.State != feed.StateUnread {
		t.Fatalf("expected peer copy unread, got %s", outcome.PeerMessageCopy.State)
	}
	if outcome.PeerID != "bob" {
		t.Fatalf("expected peer bob, got %s", outcome.PeerID)
	}
	if outcome.PeerSummary.UnreadCount != 1 {
		t.Fatalf("expected peer unread count 1, got %d", outcome.PeerSummary.UnreadCount)
	}
	if outcome.SenderSummary.UnreadCount != 0 {
		t.Fatalf("expected sender unread count 0, got %d", outcome.SenderSummary.UnreadCount)
	}
	if outcome.SenderSummary.PreviewText != "hello bob" {
		t.Fatalf("expected preview refreshed, got %q", outcome.SenderSummary.PreviewText)
	}
}

func TestSendMessageRejectsUnknownChat(t *testing.T) {
	service, _ := newTestService(t)

	_, err := service.SendMessage(context.Background(), "alice", "99", "hello", "")
	if !errors.Is(err, ErrChatNotFound) {
		t.Fatalf("expected ErrChatNotFound, got %v", err)
	}
	serviceErr := &ServiceError{}
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "store.send_message.chat_not_found" {
		t.Fatalf("unexpected error code: %v", err)
	}
}

func TestFetchPagePaginatesNewestFirstWithExclusion(t *testing.T) {
	service, clock := newTestService(t)
	mustEnsureChat(t, service, "42", "alice", "bob")

	sent := make([]SendOutcome, 0, 5)
	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		sent = append(sent, mustSend(t, service, "alice", "42", fmt.Sprintf("message %d", i)))
	}

	page, err := service.FetchPage(context.Background(), "bob", "chat:42", 1, 2, nil, nil)
	if err != nil {
		t.Fatalf("unexpected fetch error: %v", err)
	}
	if page.PageCount != 3 {
		t.Fatalf("expected 3 pages, got %d", page.PageCount)
	}
	if len(page.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(page.Items))
	}
	if page.Items[0].ID != sent[4].Message.ID || page.Items[1].ID != sent[3].Message.ID {
		t.Fatalf("expected newest first, got %s %s", page.Items[0].ID, page.Items[1].ID)
	}

	// Excluding the two newest shifts the remaining rows forward a page.
	exclude := []string{sent[4].Message.ID, sent[3].Message.ID}
	page, err = service.FetchPage(context.Background(), "bob", "chat:42", 1, 2, exclude, nil)
	if err != nil {
		t.Fatalf("unexpected fetch error: %v", err)
	}
	if page.PageCount != 2 {
		t.Fatalf("expected 2 pages after exclusion, got %d", page.PageCount)
	}
	if page.Items[0].ID != sent[2].Message.ID {
		t.Fatalf("expected excluded ids skipped, got %s", page.Items[0].ID)
	}
}

func TestFetchPageRejectsForeignScope(t *testing.T) {
	service, _ := newTestService(t)
	mustEnsureChat(t, service, "42", "alice", "bob")

	if _, err := service.FetchPage(context.Background(), "mallory", "chat:42", 1, 10, nil, nil); !errors.Is(err, ErrScopeForbidden) {
		t.Fatalf("expected ErrScopeForbidden for non-member, got %v", err)
	}
	if _, err := service.FetchPage(context.Background(), "mallory", "chats:alice", 1, 10, nil, nil); !errors.Is(err, ErrScopeForbidden) {
		t.Fatalf("expected ErrScopeForbidden for foreign chat list, got %v", err)
	}
}

func TestFetchSummaryPageSkipsDeletedChats(t *testing.T) {
	service, clock := newTestService(t)
	mustEnsureChat(t, service, "42", "alice", "bob")
	clock.Advance(time.Second)
	mustEnsureChat(t, service, "43", "alice", "carol")

	if err := service.DeleteChat(context.Background(), "alice", "42"); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}

	page, err := service.FetchPage(context.Background(), "alice", "chats:alice", 1, 10, nil, nil)
	if err != nil {
		t.Fatalf("unexpected fetch error: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ID != "43" {
		t.Fatalf("expected only chat 43, got %+v", page.Items)
	}
}

func TestMarkReadFlipsMessagesAndZeroesCounter(t *testing.T) {
	service, clock := newTestService(t)
	mustEnsureChat(t, service, "42", "alice", "bob")
	first := mustSend(t, service, "alice", "42", "one")
	clock.Advance(time.Second)
	second := mustSend(t, service, "alice", "42", "two")

	outcome, err := service.MarkRead(context.Background(), "bob", "42",
		[]string{first.Message.ID, second.Message.ID})
	if err != nil {
		t.Fatalf("unexpected mark-read error: %v", err)
	}
	if len(outcome.Flipped) != 2 {
		t.Fatalf("expected 2 flipped messages, got %d", len(outcome.Flipped))
	}
	for _, item := range outcome.Flipped {
		if item.State != feed.StateRead {
			t.Fatalf("expected read state, got %+v", item)
		}
		if item.Version != 2 {
			t.Fatalf("expected version bump on flip, got %d", item.Version)
		}
	}
	if outcome.Summary.UnreadCount != 0 {
		t.Fatalf("expected counter zeroed, got %d", outcome.Summary.UnreadCount)
	}

	// A second call finds nothing unread and leaves versions alone.
	again, err := service.MarkRead(context.Background(), "bob", "42", []string{first.Message.ID})
	if err != nil {
		t.Fatalf("unexpected mark-read error: %v", err)
	}
	for _, item := range again.Flipped {
		if item.Version != 2 {
			t.Fatalf("expected idempotent flip, got version %d", item.Version)
		}
	}
}

func TestDeleteChatIsScopedToCaller(t *testing.T) {
	service, _ := newTestService(t)
	mustEnsureChat(t, service, "42", "alice", "bob")

	if err := service.DeleteChat(context.Background(), "alice", "42"); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	if err := service.DeleteChat(context.Background(), "alice", "42"); !errors.Is(err, ErrChatNotFound) {
		t.Fatalf("expected ErrChatNotFound on repeat delete, got %v", err)
	}

	// Bob's copy survives.
	page, err := service.FetchPage(context.Background(), "bob", "chats:bob", 1, 10, nil, nil)
	if err != nil {
		t.Fatalf("unexpected fetch error: %v", err)
	}
	if len(page.Items) != 1 {
		t.Fatalf("expected bob's chat list intact, got %+v", page.Items)
	}
}

func TestSendMessageRevivesDeletedChat(t *testing.T) {
	service, _ := newTestService(t)
	mustEnsureChat(t, service, "42", "alice", "bob")
	if err := service.DeleteChat(context.Background(), "bob", "42"); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}

	mustSend(t, service, "alice", "42", "are you there?")

	page, err := service.FetchPage(context.Background(), "bob", "chats:bob", 1, 10, nil, nil)
	if err != nil {
		t.Fatalf("unexpected fetch error: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].UnreadCount != 1 {
		t.Fatalf("expected revived chat with unread count, got %+v", page.Items)
	}
}

func TestResolveNotificationIsTerminal(t *testing.T) {
	service, _ := newTestService(t)
	created, err := service.CreateNotification(context.Background(), "alice", "bob", "friend request", feed.StatePending)
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	resolved, err := service.ResolveNotification(context.Background(), "alice", created.ID, true)
	if err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	if resolved.State != feed.StateAccepted {
		t.Fatalf("expected accepted, got %s", resolved.State)
	}
	if resolved.Version != created.Version+1 {
		t.Fatalf("expected version bump, got %d", resolved.Version)
	}

	if _, err := service.ResolveNotification(context.Background(), "alice", created.ID, false); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on re-resolve, got %v", err)
	}
}

func TestNotificationPageFiltersByState(t *testing.T) {
	service, clock := newTestService(t)
	pending, err := service.CreateNotification(context.Background(), "alice", "bob", "friend request", feed.StatePending)
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	clock.Advance(time.Second)
	if _, err := service.CreateNotification(context.Background(), "alice", "carol", "mentioned you", feed.StateUnread); err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	page, err := service.FetchPage(context.Background(), "alice", "notifications:alice", 1, 10, nil,
		map[string]string{"state": "pending"})
	if err != nil {
		t.Fatalf("unexpected fetch error: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ID != pending.ID {
		t.Fatalf("expected only pending notification, got %+v", page.Items)
	}
}
