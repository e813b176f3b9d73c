package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	xerrors "ChainPilot/internal/errors"
)

// MySQLConfig MySQL 对话存储配置。
type MySQLConfig struct {
	DSN             string `json:"dsn"`
	MaxOpenConns    int    `json:"max_open_conns"`
	MaxIdleConns    int    `json:"max_idle_conns"`
	ConnMaxLifetime string `json:"conn_max_lifetime"`
}

// MySQLStore 使用 MySQL 持久化对话，适合多实例部署共享。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 建立连接池并初始化表结构。
func NewMySQLStore(cfg MySQLConfig) (*MySQLStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArguments, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开 MySQL 失败")
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime != "" {
		lifetime, err := time.ParseDuration(cfg.ConnMaxLifetime)
		if err != nil {
			_ = db.Close()
			return nil, xerrors.Wrap(xerrors.CodeInvalidArguments, err, "conn_max_lifetime 无法解析")
		}
		db.SetConnMaxLifetime(lifetime)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id VARCHAR(64) PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL DEFAULT '',
			title VARCHAR(255) NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id VARCHAR(64) PRIMARY KEY,
			seq BIGINT NOT NULL AUTO_INCREMENT UNIQUE,
			chat_id VARCHAR(64) NOT NULL,
			role VARCHAR(16) NOT NULL,
			parts MEDIUMTEXT NOT NULL,
			created_at BIGINT NOT NULL,
			KEY idx_chat_messages_chat (chat_id, seq)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化对话表失败")
		}
	}
	return nil
}

// CreateConversation 保存一个新对话，重复 ID 幂等。
func (s *MySQLStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	if conv == nil || conv.ID == "" {
		return xerrors.New(xerrors.CodeStorageFailure, "对话缺少 ID")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT IGNORE INTO conversations(id, user_id, title, created_at) VALUES(?, ?, ?, ?)`,
		conv.ID, conv.UserID, conv.Title, conv.CreatedAt.Unix())
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存对话失败")
	}
	return nil
}

// GetConversation 查询对话。
func (s *MySQLStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
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
func (s *MySQLStore) SaveTurn(ctx context.Context, chatID string, messages []*Message) error {
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
			`INSERT IGNORE INTO chat_messages(id, chat_id, role, parts, created_at) VALUES(?, ?, ?, ?, ?)`,
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
func (s *MySQLStore) ListMessages(ctx context.Context, chatID string) ([]*Message, error) {
	if _, err := s.GetConversation(ctx, chatID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, parts, created_at FROM chat_messages WHERE chat_id = ? ORDER BY seq`, chatID)
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

// DeleteConversation 删除对话及其全部消息。
func (s *MySQLStore) DeleteConversation(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
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
	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_messages WHERE chat_id = ?`, id); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除消息失败")
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return nil
}

// Close 释放数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
