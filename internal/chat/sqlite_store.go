package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	xerrors "ChainPilot/internal/errors"
)

// SQLiteStore 使用 SQLite 单文件持久化对话，适合单机部署。
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore 打开（必要时创建）SQLite 数据库并初始化表结构。
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArguments, "SQLite 路径不能为空")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开 SQLite 失败")
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接 SQLite")
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启外键约束失败")
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			role TEXT NOT NULL,
			parts TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			FOREIGN KEY(chat_id) REFERENCES conversations(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chat_messages_chat ON chat_messages(chat_id, rowid);`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化对话表失败")
		}
	}
	return &SQLiteStore{db: db}, nil
}

// CreateConversation 保存一个新对话，重复 ID 幂等。
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	if conv == nil || conv.ID == "" {
		return xerrors.New(xerrors.CodeStorageFailure, "对话缺少 ID")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO conversations(id, user_id, title, created_at) VALUES(?, ?, ?, ?)`,
		conv.ID, conv.UserID, conv.Title, conv.CreatedAt.Unix())
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存对话失败")
	}
	return nil
}

// GetConversation 查询对话。
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, created_at FROM conversations WHERE id = ?`, id)
	var conv Conversation
	var createdAt int64
	if err := row.Scan(&conv.ID, &conv.UserID, &conv.Title, &createdAt); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, xerrors.New(xerrors.CodeNotFound, "对话不存在",
				xerrors.WithMetadata("chat_id", id))
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询对话失败")
	}
	conv.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &conv, nil
}

// SaveTurn 在单个事务内追加一轮消息，消息 ID 冲突即跳过。
func (s *SQLiteStore) SaveTurn(ctx context.Context, chatID string, messages []*Message) error {
	if _, err := s.GetConversation(ctx, chatID); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer func() { _ = tx.Rollback() }()

	for _, msg := range messages {
		if msg == nil || msg.ID == "" {
			continue
		}
		parts, err := json.Marshal(msg.Parts)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化消息内容失败")
		}
		createdAt := msg.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO chat_messages(id, chat_id, role, parts, created_at) VALUES(?, ?, ?, ?, ?)`,
			msg.ID, chatID, string(msg.Role), string(parts), createdAt.Unix()); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存消息失败")
		}
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return nil
}

// ListMessages 按写入顺序返回消息。
func (s *SQLiteStore) ListMessages(ctx context.Context, chatID string) ([]*Message, error) {
	if _, err := s.GetConversation(ctx, chatID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, parts, created_at FROM chat_messages WHERE chat_id = ? ORDER BY rowid`, chatID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询消息失败")
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var msg Message
		var parts string
		var createdAt int64
		if err := rows.Scan(&msg.ID, &msg.Role, &parts, &createdAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取消息失败")
		}
		if err := json.Unmarshal([]byte(parts), &msg.Parts); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析消息内容失败")
		}
		msg.ChatID = chatID
		msg.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历消息失败")
	}
	return out, nil
}

// DeleteConversation 删除对话，消息随外键级联清除。
func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除对话失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取删除结果失败")
	}
	if affected == 0 {
		return xerrors.New(xerrors.CodeNotFound, "对话不存在",
			xerrors.WithMetadata("chat_id", id))
	}
	return nil
}

// Close 释放数据库连接。
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
