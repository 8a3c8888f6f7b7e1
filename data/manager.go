// This package stores the durable chat data delivered by the protocol layer:
// contacts, chats and messages from history syncs and live traffic. Writes are
// best-effort upserts; the session layer isolates per-item failures so one bad
// row never aborts a batch.
package data

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/roost-im/roost/config"
	db "github.com/roost-im/roost/internal/db"
	"github.com/roost-im/roost/migration"
	"go.uber.org/zap"
)

type Contact struct {
	Tenant string `db:"tenant"`
	JID    string `db:"jid"`
	Name   string `db:"name"`
}

type Chat struct {
	Tenant        string `db:"tenant"`
	JID           string `db:"jid"`
	Name          string `db:"name"`
	LastMessageTs uint64 `db:"last_message_ts"`
}

type Message struct {
	Tenant    string `db:"tenant"`
	MessageID string `db:"message_id"`
	ChatJID   string `db:"chat_jid"`
	Sender    string `db:"sender"`
	Body      string `db:"body"`
	Ts        uint64 `db:"ts"`
	FromSelf  bool   `db:"from_self"`
}

type Manager struct {
	db  *db.Database
	log *zap.SugaredLogger
}

func NewManager(c *config.Config, d *db.Database) (*Manager, error) {
	if err := d.Migrate("_data", []*migration.Migration{
		{
			Name: "Create contacts, chats and messages",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
	CREATE TABLE _contacts (
		tenant STRING NOT NULL,
		jid STRING NOT NULL,
		name STRING NOT NULL,
		PRIMARY KEY (tenant, jid)
	);

	CREATE TABLE _chats (
		tenant STRING NOT NULL,
		jid STRING NOT NULL,
		name STRING NOT NULL,
		last_message_ts INTEGER NOT NULL,
		PRIMARY KEY (tenant, jid)
	);

	CREATE TABLE _messages (
		tenant STRING NOT NULL,
		message_id STRING NOT NULL,
		chat_jid STRING NOT NULL,
		sender STRING NOT NULL,
		body STRING NOT NULL,
		ts INTEGER NOT NULL,
		from_self INTEGER NOT NULL DEFAULT FALSE,
		PRIMARY KEY (tenant, message_id)
	);
	CREATE INDEX messages_chat ON _messages(tenant, chat_jid, ts);
	`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}

	return &Manager{db: d, log: c.Logger("data")}, nil
}

func (m *Manager) UpsertContact(contact *Contact) error {
	return m.db.Run("upsert contact", func() error {
		if _, err := m.db.Tx.NamedExec(`
	INSERT INTO _contacts (tenant, jid, name)
	VALUES (:tenant, :jid, :name)
	ON CONFLICT(tenant, jid) DO UPDATE SET name = :name`, contact); err != nil {
			return fmt.Errorf("data: error upserting contact: %w", err)
		}
		return nil
	})
}

func (m *Manager) UpsertChat(chat *Chat) error {
	return m.db.Run("upsert chat", func() error {
		if _, err := m.db.Tx.NamedExec(`
	INSERT INTO _chats (tenant, jid, name, last_message_ts)
	VALUES (:tenant, :jid, :name, :last_message_ts)
	ON CONFLICT(tenant, jid) DO UPDATE SET name = :name, last_message_ts = :last_message_ts`, chat); err != nil {
			return fmt.Errorf("data: error upserting chat: %w", err)
		}
		return nil
	})
}

func (m *Manager) UpsertMessage(msg *Message) error {
	return m.db.Run("upsert message", func() error {
		if _, err := m.db.Tx.NamedExec(`
	INSERT INTO _messages (tenant, message_id, chat_jid, sender, body, ts, from_self)
	VALUES (:tenant, :message_id, :chat_jid, :sender, :body, :ts, :from_self)
	ON CONFLICT(tenant, message_id) DO UPDATE SET chat_jid = :chat_jid, sender = :sender, body = :body, ts = :ts, from_self = :from_self`, msg); err != nil {
			return fmt.Errorf("data: error upserting message: %w", err)
		}
		return nil
	})
}

func (m *Manager) Contacts(tenant string) ([]*Contact, error) {
	var contacts []*Contact
	if err := m.db.Run("get contacts", func() error {
		return m.db.Tx.Select(&contacts, "SELECT * FROM _contacts WHERE tenant = $1 ORDER BY jid", tenant)
	}); err != nil {
		return nil, fmt.Errorf("data: error getting contacts: %w", err)
	}
	return contacts, nil
}

func (m *Manager) Chats(tenant string) ([]*Chat, error) {
	var chats []*Chat
	if err := m.db.Run("get chats", func() error {
		return m.db.Tx.Select(&chats, "SELECT * FROM _chats WHERE tenant = $1 ORDER BY last_message_ts DESC", tenant)
	}); err != nil {
		return nil, fmt.Errorf("data: error getting chats: %w", err)
	}
	return chats, nil
}

func (m *Manager) Messages(tenant, chatJID string) ([]*Message, error) {
	var messages []*Message
	if err := m.db.Run("get messages", func() error {
		return m.db.Tx.Select(&messages, "SELECT * FROM _messages WHERE tenant = $1 AND chat_jid = $2 ORDER BY ts", tenant, chatJID)
	}); err != nil {
		return nil, fmt.Errorf("data: error getting messages: %w", err)
	}
	return messages, nil
}

func (m *Manager) Message(tenant, messageID string) (*Message, error) {
	var msg Message
	if err := m.db.Run("get message", func() error {
		err := m.db.Tx.Get(&msg, "SELECT * FROM _messages WHERE tenant = $1 AND message_id = $2", tenant, messageID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("data: message %s not found", messageID)
		}
		return err
	}); err != nil {
		return nil, err
	}
	return &msg, nil
}
