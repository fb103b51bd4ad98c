package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/nimbuschat/feedsync/internal/feed"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingUserID     = errors.New("user identifier is required")
	// ErrChatNotFound indicates the caller has no membership in the chat.
	ErrChatNotFound = errors.New("store: chat not found")
	// ErrNotificationNotFound indicates an unknown notification identifier.
	ErrNotificationNotFound = errors.New("store: notification not found")
	// ErrInvalidTransition indicates a state change the item's lifecycle forbids.
	ErrInvalidTransition = errors.New("store: invalid state transition")
	// ErrScopeForbidden indicates a scope the caller may not read.
	ErrScopeForbidden = errors.New("store: scope forbidden")
	noOpLogger        = zap.NewNop()
)

// ServiceError wraps a store failure with a stable machine-readable code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew          = "store.service.new"
	opFetchPage           = "store.fetch_page"
	opSendMessage         = "store.send_message"
	opMarkRead            = "store.mark_read"
	opDeleteChat          = "store.delete_chat"
	opResolveNotification = "store.resolve_notification"
	opCreateNotification  = "store.create_notification"
	opEnsureChat          = "store.ensure_chat"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig configures the backing store service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// IDProvider issues identifiers for newly created rows.
type IDProvider interface {
	NewID() (string, error)
}

// Service is the persistence layer behind the feed endpoints: it pages
// history, applies mutations, and reports the items each mutation produced
// so the caller can fan them out over push.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// PageResult is one history page plus the cursor envelope the client needs
// to keep paginating.
type PageResult struct {
	Items     []feed.Item
	Page      int
	PageSize  int
	PageCount int
}

// FetchPage returns one page of a feed scope, newest first, skipping every
// identifier in the exclusion set so items the client already holds are never
// re-sent.
func (s *Service) FetchPage(ctx context.Context, userID, scopeKey string, page, pageSize int, exclude []string, filters map[string]string) (PageResult, error) {
	if userID == "" {
		return PageResult{}, newServiceError(opFetchPage, "missing_user_id", errMissingUserID)
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	switch {
	case strings.HasPrefix(scopeKey, "chat:"):
		chatID := strings.TrimPrefix(scopeKey, "chat:")
		return s.fetchMessagePage(ctx, userID, chatID, page, pageSize, exclude, filters)
	case scopeKey == "chats:"+userID:
		return s.fetchSummaryPage(ctx, userID, page, pageSize, exclude)
	case scopeKey == "notifications:"+userID:
		return s.fetchNotificationPage(ctx, userID, page, pageSize, exclude, filters)
	default:
		s.logError(opFetchPage, "scope_forbidden", ErrScopeForbidden,
			zap.String("user_id", userID),
			zap.String("scope", scopeKey))
		return PageResult{}, newServiceError(opFetchPage, "scope_forbidden", ErrScopeForbidden)
	}
}

func (s *Service) fetchMessagePage(ctx context.Context, userID, chatID string, page, pageSize int, exclude []string, filters map[string]string) (PageResult, error) {
	member, err := s.chatMember(ctx, userID, chatID)
	if err != nil {
		return PageResult{}, err
	}
	if !member {
		s.logError(opFetchPage, "scope_forbidden", ErrScopeForbidden,
			zap.String("user_id", userID),
			zap.String("chat_id", chatID))
		return PageResult{}, newServiceError(opFetchPage, "scope_forbidden", ErrScopeForbidden)
	}

	query := s.db.WithContext(ctx).Model(&Message{}).Where("chat_id = ?", chatID)
	if len(exclude) > 0 {
		query = query.Where("message_id NOT IN ?", exclude)
	}
	if sender, ok := filters["sender"]; ok && sender != "" {
		query = query.Where("sender_id = ?", sender)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		s.logError(opFetchPage, "count_failed", err, zap.String("chat_id", chatID))
		return PageResult{}, newServiceError(opFetchPage, "count_failed", err)
	}

	var rows []Message
	if err := query.
		Order("created_at_ms DESC, message_id ASC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&rows).Error; err != nil {
		s.logError(opFetchPage, "query_failed", err, zap.String("chat_id", chatID))
		return PageResult{}, newServiceError(opFetchPage, "query_failed", err)
	}

	items := make([]feed.Item, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.feedItem(userID, ""))
	}
	return PageResult{Items: items, Page: page, PageSize: pageSize, PageCount: pageCount(total, pageSize)}, nil
}

func (s *Service) fetchSummaryPage(ctx context.Context, userID string, page, pageSize int, exclude []string) (PageResult, error) {
	query := s.db.WithContext(ctx).Model(&ChatSummary{}).
		Where("user_id = ? AND deleted = ?", userID, false)
	if len(exclude) > 0 {
		query = query.Where("chat_id NOT IN ?", exclude)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		s.logError(opFetchPage, "count_failed", err, zap.String("user_id", userID))
		return PageResult{}, newServiceError(opFetchPage, "count_failed", err)
	}

	var rows []ChatSummary
	if err := query.
		Order("updated_at_ms DESC, chat_id ASC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&rows).Error; err != nil {
		s.logError(opFetchPage, "query_failed", err, zap.String("user_id", userID))
		return PageResult{}, newServiceError(opFetchPage, "query_failed", err)
	}

	items := make([]feed.Item, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.feedItem())
	}
	return PageResult{Items: items, Page: page, PageSize: pageSize, PageCount: pageCount(total, pageSize)}, nil
}

func (s *Service) fetchNotificationPage(ctx context.Context, userID string, page, pageSize int, exclude []string, filters map[string]string) (PageResult, error) {
	query := s.db.WithContext(ctx).Model(&Notification{}).Where("user_id = ?", userID)
	if len(exclude) > 0 {
		query = query.Where("notification_id NOT IN ?", exclude)
	}
	if state, ok := filters["state"]; ok && state != "" {
		query = query.Where("state = ?", state)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		s.logError(opFetchPage, "count_failed", err, zap.String("user_id", userID))
		return PageResult{}, newServiceError(opFetchPage, "count_failed", err)
	}

	var rows []Notification
	if err := query.
		Order("created_at_ms DESC, notification_id ASC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&rows).Error; err != nil {
		s.logError(opFetchPage, "query_failed", err, zap.String("user_id", userID))
		return PageResult{}, newServiceError(opFetchPage, "query_failed", err)
	}

	items := make([]feed.Item, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.feedItem())
	}
	return PageResult{Items: items, Page: page, PageSize: pageSize, PageCount: pageCount(total, pageSize)}, nil
}

// SendOutcome reports the items a message write produced: the stored message
// plus the refreshed chat-list summaries for both members, ready for push
// fan-out.
type SendOutcome struct {
	Message         feed.Item
	SenderSummary   feed.Item
	PeerID          string
	PeerSummary     feed.Item
	PeerMessageCopy feed.Item
}

// SendMessage persists a chat message and refreshes both members' chat-list
// summaries in one transaction. The stored item echoes the client reference
// so the sender can match it to its optimistic copy.
func (s *Service) SendMessage(ctx context.Context, userID, chatID, body, clientRef string) (SendOutcome, error) {
	if userID == "" {
		return SendOutcome{}, newServiceError(opSendMessage, "missing_user_id", errMissingUserID)
	}
	if strings.TrimSpace(body) == "" {
		return SendOutcome{}, newServiceError(opSendMessage, "empty_body", errors.New("message body must not be empty"))
	}

	messageID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opSendMessage, "id_generation_failed", err, zap.String("user_id", userID))
		return SendOutcome{}, newServiceError(opSendMessage, "id_generation_failed", err)
	}
	now := s.clock().UTC().UnixMilli()

	outcome := SendOutcome{}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var senderSummary ChatSummary
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("chat_id = ? AND user_id = ?", chatID, userID).
			Take(&senderSummary).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opSendMessage, "chat_not_found", ErrChatNotFound)
		}
		if err != nil {
			s.logError(opSendMessage, "summary_select_failed", err, zap.String("chat_id", chatID))
			return newServiceError(opSendMessage, "summary_select_failed", err)
		}

		message := Message{
			MessageID:       messageID,
			ChatID:          chatID,
			SenderID:        userID,
			RecipientID:     senderSummary.PeerID,
			Body:            body,
			CreatedAtMillis: now,
			Version:         1,
		}
		if err := tx.Create(&message).Error; err != nil {
			s.logError(opSendMessage, "message_insert_failed", err, zap.String("chat_id", chatID))
			return newServiceError(opSendMessage, "message_insert_failed", err)
		}

		senderSummary.PreviewItemID = messageID
		senderSummary.PreviewText = previewText(body)
		senderSummary.UpdatedAtMillis = now
		senderSummary.Version++
		senderSummary.Deleted = false
		if err := tx.Save(&senderSummary).Error; err != nil {
			s.logError(opSendMessage, "summary_save_failed", err, zap.String("chat_id", chatID))
			return newServiceError(opSendMessage, "summary_save_failed", err)
		}

		var peerSummary ChatSummary
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("chat_id = ? AND user_id = ?", chatID, senderSummary.PeerID).
			Take(&peerSummary).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			peerSummary = ChatSummary{
				ChatID: chatID,
				UserID: senderSummary.PeerID,
				PeerID: userID,
			}
		} else if err != nil {
			s.logError(opSendMessage, "summary_select_failed", err, zap.String("chat_id", chatID))
			return newServiceError(opSendMessage, "summary_select_failed", err)
		}
		peerSummary.PreviewItemID = messageID
		peerSummary.PreviewText = previewText(body)
		peerSummary.UnreadCount++
		peerSummary.UpdatedAtMillis = now
		peerSummary.Version++
		peerSummary.Deleted = false
		if err := tx.Save(&peerSummary).Error; err != nil {
			s.logError(opSendMessage, "summary_save_failed", err, zap.String("chat_id", chatID))
			return newServiceError(opSendMessage, "summary_save_failed", err)
		}

		outcome.Message = message.feedItem(userID, clientRef)
		outcome.SenderSummary = senderSummary.feedItem()
		outcome.PeerID = senderSummary.PeerID
		outcome.PeerSummary = peerSummary.feedItem()
		outcome.PeerMessageCopy = message.feedItem(senderSummary.PeerID, "")
		return nil
	})
	if txErr != nil {
		return SendOutcome{}, txErr
	}
	return outcome, nil
}

// MarkOutcome reports the rows a mark-read call flipped, plus the caller's
// refreshed chat-list summary.
type MarkOutcome struct {
	Flipped []feed.Item
	Summary feed.Item
}

// MarkRead flips the caller's unread copies of the listed messages to read
// and recomputes the chat's unread counter, atomically.
func (s *Service) MarkRead(ctx context.Context, userID, chatID string, itemIDs []string) (MarkOutcome, error) {
	if userID == "" {
		return MarkOutcome{}, newServiceError(opMarkRead, "missing_user_id", errMissingUserID)
	}

	now := s.clock().UTC().UnixMilli()
	outcome := MarkOutcome{}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var summary ChatSummary
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("chat_id = ? AND user_id = ?", chatID, userID).
			Take(&summary).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opMarkRead, "chat_not_found", ErrChatNotFound)
		}
		if err != nil {
			s.logError(opMarkRead, "summary_select_failed", err, zap.String("chat_id", chatID))
			return newServiceError(opMarkRead, "summary_select_failed", err)
		}

		if len(itemIDs) > 0 {
			update := tx.Model(&Message{}).
				Where("chat_id = ? AND recipient_id = ? AND message_id IN ? AND read_at_ms = 0", chatID, userID, itemIDs).
				Updates(map[string]any{
					"read_at_ms": now,
					"version":    gorm.Expr("version + 1"),
				})
			if update.Error != nil {
				s.logError(opMarkRead, "message_update_failed", update.Error, zap.String("chat_id", chatID))
				return newServiceError(opMarkRead, "message_update_failed", update.Error)
			}

			var flipped []Message
			if err := tx.Where("chat_id = ? AND recipient_id = ? AND message_id IN ?", chatID, userID, itemIDs).
				Find(&flipped).Error; err != nil {
				s.logError(opMarkRead, "message_select_failed", err, zap.String("chat_id", chatID))
				return newServiceError(opMarkRead, "message_select_failed", err)
			}
			for _, row := range flipped {
				outcome.Flipped = append(outcome.Flipped, row.feedItem(userID, ""))
			}
		}

		var remaining int64
		if err := tx.Model(&Message{}).
			Where("chat_id = ? AND recipient_id = ? AND read_at_ms = 0", chatID, userID).
			Count(&remaining).Error; err != nil {
			s.logError(opMarkRead, "count_failed", err, zap.String("chat_id", chatID))
			return newServiceError(opMarkRead, "count_failed", err)
		}
		summary.UnreadCount = int(remaining)
		summary.UpdatedAtMillis = now
		summary.Version++
		if err := tx.Save(&summary).Error; err != nil {
			s.logError(opMarkRead, "summary_save_failed", err, zap.String("chat_id", chatID))
			return newServiceError(opMarkRead, "summary_save_failed", err)
		}
		outcome.Summary = summary.feedItem()
		return nil
	})
	if txErr != nil {
		return MarkOutcome{}, txErr
	}
	return outcome, nil
}

// DeleteChat removes the chat from the caller's chat list. The peer's copy
// and the message history are untouched.
func (s *Service) DeleteChat(ctx context.Context, userID, chatID string) error {
	if userID == "" {
		return newServiceError(opDeleteChat, "missing_user_id", errMissingUserID)
	}
	result := s.db.WithContext(ctx).Model(&ChatSummary{}).
		Where("chat_id = ? AND user_id = ? AND deleted = ?", chatID, userID, false).
		Updates(map[string]any{
			"deleted":       true,
			"updated_at_ms": s.clock().UTC().UnixMilli(),
			"version":       gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		s.logError(opDeleteChat, "update_failed", result.Error, zap.String("chat_id", chatID))
		return newServiceError(opDeleteChat, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opDeleteChat, "chat_not_found", ErrChatNotFound)
	}
	return nil
}

// ResolveNotification applies a terminal decision to a pending notification
// and returns the updated item.
func (s *Service) ResolveNotification(ctx context.Context, userID, notificationID string, accept bool) (feed.Item, error) {
	if userID == "" {
		return feed.Item{}, newServiceError(opResolveNotification, "missing_user_id", errMissingUserID)
	}
	target := feed.StateRejected
	if accept {
		target = feed.StateAccepted
	}

	resolved := feed.Item{}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row Notification
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("notification_id = ? AND user_id = ?", notificationID, userID).
			Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opResolveNotification, "not_found", ErrNotificationNotFound)
		}
		if err != nil {
			s.logError(opResolveNotification, "select_failed", err, zap.String("notification_id", notificationID))
			return newServiceError(opResolveNotification, "select_failed", err)
		}
		if !feed.CanTransition(feed.State(row.State), target) {
			return newServiceError(opResolveNotification, "invalid_transition", ErrInvalidTransition)
		}

		row.State = string(target)
		row.Version++
		if err := tx.Save(&row).Error; err != nil {
			s.logError(opResolveNotification, "save_failed", err, zap.String("notification_id", notificationID))
			return newServiceError(opResolveNotification, "save_failed", err)
		}
		resolved = row.feedItem()
		return nil
	})
	if txErr != nil {
		return feed.Item{}, txErr
	}
	return resolved, nil
}

// CreateNotification persists a new notification and returns it as a feed
// item for push fan-out.
func (s *Service) CreateNotification(ctx context.Context, userID, actorID, body string, state feed.State) (feed.Item, error) {
	if userID == "" {
		return feed.Item{}, newServiceError(opCreateNotification, "missing_user_id", errMissingUserID)
	}
	notificationID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateNotification, "id_generation_failed", err, zap.String("user_id", userID))
		return feed.Item{}, newServiceError(opCreateNotification, "id_generation_failed", err)
	}
	if state == "" {
		state = feed.StateUnread
	}
	row := Notification{
		NotificationID:  notificationID,
		UserID:          userID,
		ActorID:         actorID,
		Body:            body,
		State:           string(state),
		CreatedAtMillis: s.clock().UTC().UnixMilli(),
		Version:         1,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		s.logError(opCreateNotification, "insert_failed", err, zap.String("user_id", userID))
		return feed.Item{}, newServiceError(opCreateNotification, "insert_failed", err)
	}
	return row.feedItem(), nil
}

// EnsureChat creates the chat-list rows binding two users to a chat if they
// do not exist yet, and returns the chat identifier.
func (s *Service) EnsureChat(ctx context.Context, chatID, userID, peerID string) error {
	if userID == "" || peerID == "" {
		return newServiceError(opEnsureChat, "missing_user_id", errMissingUserID)
	}
	now := s.clock().UTC().UnixMilli()
	rows := []ChatSummary{
		{ChatID: chatID, UserID: userID, PeerID: peerID, UpdatedAtMillis: now, Version: 1},
		{ChatID: chatID, UserID: peerID, PeerID: userID, UpdatedAtMillis: now, Version: 1},
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error; err != nil {
		s.logError(opEnsureChat, "insert_failed", err, zap.String("chat_id", chatID))
		return newServiceError(opEnsureChat, "insert_failed", err)
	}
	return nil
}

func (s *Service) chatMember(ctx context.Context, userID, chatID string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&ChatSummary{}).
		Where("chat_id = ? AND user_id = ?", chatID, userID).
		Count(&count).Error; err != nil {
		s.logError(opFetchPage, "membership_check_failed", err, zap.String("chat_id", chatID))
		return false, newServiceError(opFetchPage, "membership_check_failed", err)
	}
	return count > 0, nil
}

func pageCount(total int64, pageSize int) int {
	if total == 0 {
		return 0
	}
	count := int(total) / pageSize
	if int(total)%pageSize != 0 {
		count++
	}
	return count
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("store service error", attrs...)
}
