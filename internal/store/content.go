package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

func (s *PostgresStore) ListNotifications(ctx context.Context, userID string, limit int) ([]Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, title, message, type, link, is_read, created_at
		FROM notifications WHERE user_id=$1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	items := make([]Notification, 0)
	for rows.Next() {
		var item Notification
		if err := rows.Scan(&item.ID, &item.UserID, &item.Title, &item.Message, &item.Type, &item.Link, &item.IsRead, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) CountUnreadNotifications(ctx context.Context, userID string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications WHERE user_id=$1 AND NOT is_read`, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) InsertNotification(ctx context.Context, n Notification) (Notification, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO notifications (user_id, title, message, type, link)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, is_read, created_at
	`, n.UserID, n.Title, n.Message, n.Type, n.Link).Scan(&n.ID, &n.IsRead, &n.CreatedAt)
	if err != nil {
		return Notification{}, fmt.Errorf("insert notification: %w", err)
	}
	return n, nil
}

// MarkNotificationRead only touches notifications owned by userID.
func (s *PostgresStore) MarkNotificationRead(ctx context.Context, notificationID, userID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE notifications SET is_read=TRUE WHERE id=$1 AND user_id=$2`, notificationID, userID)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	return expectRow(res)
}

func (s *PostgresStore) MarkAllNotificationsRead(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE notifications SET is_read=TRUE WHERE user_id=$1 AND NOT is_read`, userID)
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read: %w", err)
	}
	return res.RowsAffected()
}

const postColumns = `id, slug, title, type, excerpt, content, cover_image, seo_title, seo_description, published, published_at, author_id, created_at, updated_at`

func scanPost(row interface{ Scan(...any) error }) (ContentPost, error) {
	var (
		item        ContentPost
		content     []byte
		publishedAt sql.NullTime
		authorID    sql.NullString
	)
	if err := row.Scan(&item.ID, &item.Slug, &item.Title, &item.Type, &item.Excerpt, &content, &item.CoverImage,
		&item.SEOTitle, &item.SEODescription, &item.Published, &publishedAt, &authorID, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return ContentPost{}, err
	}
	item.Content = json.RawMessage(content)
	item.PublishedAt = timePtr(publishedAt)
	item.AuthorID = stringPtr(authorID)
	return item, nil
}

func (s *PostgresStore) queryPosts(ctx context.Context, query string, args ...any) ([]ContentPost, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	defer rows.Close()

	items := make([]ContentPost, 0)
	for rows.Next() {
		item, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) ListPosts(ctx context.Context) ([]ContentPost, error) {
	return s.queryPosts(ctx, `SELECT `+postColumns+` FROM content_posts ORDER BY updated_at DESC`)
}

func (s *PostgresStore) ListPublishedPosts(ctx context.Context, postType string) ([]ContentPost, error) {
	return s.queryPosts(ctx, `
		SELECT `+postColumns+` FROM content_posts
		WHERE type=$1 AND published
		ORDER BY published_at DESC NULLS LAST
	`, postType)
}

func (s *PostgresStore) GetPost(ctx context.Context, postID string) (ContentPost, error) {
	return scanPost(s.db.QueryRowContext(ctx, `SELECT `+postColumns+` FROM content_posts WHERE id=$1`, postID))
}

func (s *PostgresStore) GetPublishedPostBySlug(ctx context.Context, slug string) (ContentPost, error) {
	return scanPost(s.db.QueryRowContext(ctx, `SELECT `+postColumns+` FROM content_posts WHERE slug=$1 AND published`, slug))
}

func (s *PostgresStore) InsertPost(ctx context.Context, post ContentPost) (ContentPost, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO content_posts (slug, title, type, excerpt, content, cover_image, seo_title, seo_description, published, published_at, author_id)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9, $10, $11)
		RETURNING `+postColumns,
		post.Slug, post.Title, post.Type, post.Excerpt, rawOrDefault(post.Content, EmptyDocContent), post.CoverImage,
		post.SEOTitle, post.SEODescription, post.Published, nullableTime(post.PublishedAt), nullableString(post.AuthorID))
	created, err := scanPost(row)
	if err != nil {
		return ContentPost{}, fmt.Errorf("insert post: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) UpdatePost(ctx context.Context, post ContentPost) (ContentPost, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE content_posts SET slug=$2, title=$3, type=$4, excerpt=$5, content=$6::jsonb, cover_image=$7,
			seo_title=$8, seo_description=$9, published=$10, published_at=$11, updated_at=NOW()
		WHERE id=$1
		RETURNING `+postColumns,
		post.ID, post.Slug, post.Title, post.Type, post.Excerpt, rawOrDefault(post.Content, EmptyDocContent), post.CoverImage,
		post.SEOTitle, post.SEODescription, post.Published, nullableTime(post.PublishedAt))
	updated, err := scanPost(row)
	if err != nil {
		return ContentPost{}, fmt.Errorf("update post: %w", err)
	}
	return updated, nil
}

func (s *PostgresStore) DeletePost(ctx context.Context, postID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM content_posts WHERE id=$1`, postID)
	if err != nil {
		return fmt.Errorf("delete post: %w", err)
	}
	return expectRow(res)
}
