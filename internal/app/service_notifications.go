package app

import (
	"context"

	"go.uber.org/zap"

	"realmforge/api/internal/realtime"
	"realmforge/api/internal/store"
	"realmforge/api/internal/util"
)

const defaultNotificationLimit = 50

var notificationTypes = map[string]bool{"info": true, "task": true, "invite": true, "milestone": true, "system": true}

// Notify stores a notification and pushes it to the user's realtime topic.
// Failures are logged; the triggering mutation has already succeeded.
func (s *Service) Notify(ctx context.Context, userID, title, message, kind, link string) {
	if !notificationTypes[kind] {
		kind = "info"
	}
	created, err := s.store.InsertNotification(ctx, store.Notification{
		UserID:  userID,
		Title:   title,
		Message: message,
		Type:    kind,
		Link:    link,
	})
	if err != nil {
		s.logger.Warn("insert notification", zap.String("user_id", userID), zap.Error(err))
		return
	}
	s.publish(realtime.Event{
		Topic:  realtime.NotificationsTopic(userID),
		Type:   realtime.TypeInsert,
		Table:  "notifications",
		Record: notificationPayload(created),
	})
}

func (s *Service) ListNotifications(ctx context.Context, session Session, limit int) (map[string]any, error) {
	if limit <= 0 || limit > 200 {
		limit = defaultNotificationLimit
	}
	items, err := s.store.ListNotifications(ctx, session.UserID, limit)
	if err != nil {
		return nil, err
	}
	unread, err := s.store.CountUnreadNotifications(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"items":       mapSlice(items, notificationPayload),
		"unreadCount": unread,
	}, nil
}

func (s *Service) MarkNotificationRead(ctx context.Context, session Session, notificationID string) error {
	if !util.IsUUID(notificationID) {
		return notFound("Notification not found")
	}
	if err := s.store.MarkNotificationRead(ctx, notificationID, session.UserID); err != nil {
		return notFoundOr(err, "Notification not found")
	}
	return nil
}

func (s *Service) MarkAllNotificationsRead(ctx context.Context, session Session) (map[string]any, error) {
	n, err := s.store.MarkAllNotificationsRead(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"updated": n}, nil
}
