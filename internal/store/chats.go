package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Chat is a registered chat: the routing record that binds a JID to its
// filesystem folder and trigger settings.
type Chat struct {
	JID             string
	DisplayName     string
	Folder          string
	TriggerPattern  string
	RequiresTrigger bool
	AddedAt         time.Time
}

// UpsertChat inserts or updates a registered chat by JID.
func (s *Store) UpsertChat(ctx context.Context, c *Chat) error {
	if c.AddedAt.IsZero() {
		c.AddedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (jid, display_name, folder, trigger_pattern, requires_trigger, added_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(jid) DO UPDATE SET
			display_name = excluded.display_name,
			trigger_pattern = excluded.trigger_pattern,
			requires_trigger = excluded.requires_trigger`,
		c.JID, c.DisplayName, c.Folder, c.TriggerPattern, boolToInt(c.RequiresTrigger), c.AddedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert chat: %w", err)
	}
	return nil
}

// GetChat fetches a registered chat by JID.
func (s *Store) GetChat(ctx context.Context, jid string) (*Chat, error) {
	return s.chatBy(ctx, "jid", jid)
}

// GetChatByFolder fetches a registered chat by folder name.
func (s *Store) GetChatByFolder(ctx context.Context, folder string) (*Chat, error) {
	return s.chatBy(ctx, "folder", folder)
}

func (s *Store) chatBy(ctx context.Context, col, val string) (*Chat, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT jid, display_name, folder, trigger_pattern, requires_trigger, added_at
		FROM chats WHERE `+col+` = ?`, val)
	var c Chat
	var requires int
	err := row.Scan(&c.JID, &c.DisplayName, &c.Folder, &c.TriggerPattern, &requires, &c.AddedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chat: %w", err)
	}
	c.RequiresTrigger = requires != 0
	return &c, nil
}

// ListChats returns all registered chats in registration order.
func (s *Store) ListChats(ctx context.Context) ([]*Chat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT jid, display_name, folder, trigger_pattern, requires_trigger, added_at
		FROM chats ORDER BY added_at`)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var out []*Chat
	for rows.Next() {
		var c Chat
		var requires int
		if err := rows.Scan(&c.JID, &c.DisplayName, &c.Folder, &c.TriggerPattern, &requires, &c.AddedAt); err != nil {
			return nil, err
		}
		c.RequiresTrigger = requires != 0
		out = append(out, &c)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
