package store

import (
	"time"

	"github.com/nimbuschat/feedsync/internal/feed"
)

// Message is one persisted chat message.
type Message struct {
	MessageID       string    `gorm:"column:message_id;primaryKey;size:190;not null"`
	ChatID          string    `gorm:"column:chat_id;size:190;not null;index:idx_messages_chat_created,priority:1"`
	SenderID        string    `gorm:"column:sender_id;size:190;not null"`
	RecipientID     string    `gorm:"column:recipient_id;size:190;not null;index"`
	Body            string    `gorm:"column:body;type:text;not null"`
	CreatedAtMillis int64     `gorm:"column:created_at_ms;not null;index:idx_messages_chat_created,priority:2"`
	Version         int64     `gorm:"column:version;not null;default:1"`
	ReadAtMillis    int64     `gorm:"column:read_at_ms;not null;default:0"`
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "messages"
}

// Notification is one persisted actionable or informational notification.
type Notification struct {
	NotificationID  string    `gorm:"column:notification_id;primaryKey;size:190;not null"`
	UserID          string    `gorm:"column:user_id;size:190;not null;index:idx_notifications_user_created,priority:1"`
	ActorID         string    `gorm:"column:actor_id;size:190;not null"`
	Body            string    `gorm:"column:body;type:text;not null"`
	State           string    `gorm:"column:state;size:32;not null;default:'unread'"`
	CreatedAtMillis int64     `gorm:"column:created_at_ms;not null;index:idx_notifications_user_created,priority:2"`
	Version         int64     `gorm:"column:version;not null;default:1"`
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Notification) TableName() string {
	return "notifications"
}

// ChatSummary is the denormalized per-user chat-list row, maintained on every
// message write so list pages never join against the message table.
type ChatSummary struct {
	ChatID          string    `gorm:"column:chat_id;primaryKey;size:190;not null"`
	UserID          string    `gorm:"column:user_id;primaryKey;size:190;not null;index:idx_summaries_user_updated,priority:1"`
	PeerID          string    `gorm:"column:peer_id;size:190;not null"`
	PreviewItemID   string    `gorm:"column:preview_item_id;size:190;not null;default:''"`
	PreviewText     string    `gorm:"column:preview_text;type:text;not null;default:''"`
	UnreadCount     int       `gorm:"column:unread_count;not null;default:0"`
	UpdatedAtMillis int64     `gorm:"column:updated_at_ms;not null;index:idx_summaries_user_updated,priority:2"`
	Version         int64     `gorm:"column:version;not null;default:1"`
	Deleted         bool      `gorm:"column:deleted;not null;default:false"`
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (ChatSummary) TableName() string {
	return "chat_summaries"
}

// feedItem renders the row for one viewer. The sender always sees its own
// copy as read; the recipient's copy stays unread until the read flip lands.
func (m Message) feedItem(viewerID, clientRef string) feed.Item {
	state := feed.StateUnread
	if viewerID == m.SenderID || m.ReadAtMillis > 0 {
		state = feed.StateRead
	}
	return feed.Item{
		ID:              m.MessageID,
		Kind:            feed.KindChatMessage,
		ScopeKey:        "chat:" + m.ChatID,
		CreatedAtMillis: m.CreatedAtMillis,
		Version:         m.Version,
		State:           state,
		SenderID:        m.SenderID,
		Body:            m.Body,
		ClientRef:       clientRef,
	}
}

func (n Notification) feedItem() feed.Item {
	return feed.Item{
		ID:              n.NotificationID,
		Kind:            feed.KindNotification,
		ScopeKey:        "notifications:" + n.UserID,
		CreatedAtMillis: n.CreatedAtMillis,
		Version:         n.Version,
		State:           feed.State(n.State),
		ActorID:         n.ActorID,
		Body:            n.Body,
	}
}

func (s ChatSummary) feedItem() feed.Item {
	return feed.Item{
		ID:              s.ChatID,
		Kind:            feed.KindChatSummary,
		ScopeKey:        "chats:" + s.UserID,
		CreatedAtMillis: s.UpdatedAtMillis,
		Version:         s.Version,
		PreviewItemID:   s.PreviewItemID,
		PreviewText:     s.PreviewText,
		UnreadCount:     s.UnreadCount,
	}
}

func previewText(body string) string {
	const previewLimit = 120
	if len(body) <= previewLimit {
		return body
	}
	return body[:previewLimit]
}
