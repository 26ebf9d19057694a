package events

import (
	"context"
	"fmt"
	"time"

	"github.com/AnuragDani/ride-billing-engine/internal/logger"
	"github.com/AnuragDani/ride-billing-engine/internal/models"
)

// TopicPublisher is the part of AMQPPublisher the notifier needs
type TopicPublisher interface {
	PublishTo(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// NoticeMessage is what the notification service receives for a dunning notice
type NoticeMessage struct {
	NoticeID  string    `json:"notice_id"`
	InvoiceID string    `json:"invoice_id"`
	UserID    string    `json:"user_id"`
	Level     int       `json:"level"`
	Amount    string    `json:"amount"`
	DueDate   time.Time `json:"due_date"`
	Message   string    `json:"message"`
	Channels  []string  `json:"channels"`
}

// NoticeNotifier hands dunning notices to the notification service over the bus.
// A notice counts as delivered once the broker accepts it.
type NoticeNotifier struct {
	publisher TopicPublisher
}

// NewNoticeNotifier creates a notifier
func NewNoticeNotifier(publisher TopicPublisher) *NoticeNotifier {
	return &NoticeNotifier{publisher: publisher}
}

// Deliver publishes the notice under dunning.level_<n>
func (n *NoticeNotifier) Deliver(ctx context.Context, notice models.DunningNotice) error {
	channels := []string{"email"}
	if notice.NoticeLevel >= models.NoticeLevelWarning {
		channels = append(channels, "sms")
	}
	msg := NoticeMessage{
		NoticeID:  notice.ID,
		InvoiceID: notice.InvoiceID,
		UserID:    notice.UserID,
		Level:     notice.NoticeLevel,
		Amount:    notice.Amount.StringFixed(2),
		DueDate:   notice.DueDate,
		Message:   notice.Message,
		Channels:  channels,
	}
	routingKey := fmt.Sprintf("dunning.level_%d", notice.NoticeLevel)
	return n.publisher.PublishTo(ctx, NotificationExchange, routingKey, msg)
}

// LogNotifier writes notices to the log when no broker is configured
type LogNotifier struct {
	Logger *logger.Logger
}

// Deliver logs the notice and reports success
func (n LogNotifier) Deliver(_ context.Context, notice models.DunningNotice) error {
	n.Logger.Info("Dunning notice", "notice_id", notice.ID, "invoice_id", notice.InvoiceID,
		"user_id", notice.UserID, "level", notice.NoticeLevel, "message", notice.Message)
	return nil
}
