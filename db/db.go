package db

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"chatrelay/models"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
)

// Timestamps are stored as fixed-width UTC text so they sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type DB struct {
	conn *sql.DB
}

var _ Store = (*DB)(nil)

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE COLLATE NOCASE,
			email TEXT NOT NULL UNIQUE COLLATE NOCASE,
			password TEXT NOT NULL,
			online INTEGER NOT NULL DEFAULT 0,
			last_seen TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS contacts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			contact_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			created_at TEXT NOT NULL,
			UNIQUE(owner_id, contact_id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			sender_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			recipient_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			content TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT 'text',
			created_at TEXT NOT NULL,
			read INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(sender_id, recipient_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_contacts_owner ON contacts(owner_id)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return errors.Wrap(err, "db.init: ")
		}
	}

	return db.migrate()
}

// migrate performs auto-migration for columns added after the first schema.
func (db *DB) migrate() error {
	if !db.columnExists("users", "photo") {
		// SQLite doesn't support parameters in ALTER TABLE
		if _, err := db.conn.Exec("ALTER TABLE users ADD COLUMN photo TEXT NOT NULL DEFAULT ''"); err != nil {
			return errors.Wrap(err, "db.migrate.photo: ")
		}
	}
	return nil
}

func (db *DB) columnExists(table, column string) bool {
	query := "SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?"
	var count int
	err := db.conn.QueryRow(query, table, column).Scan(&count)
	if err != nil {
		return false
	}
	return count > 0
}

// User methods

func (db *DB) CreateUser(ctx context.Context, username, email, password string) (*models.User, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, errors.Wrap(err, "db.CreateUser.hash: ")
	}

	now := time.Now().UTC()
	user := &models.User{
		ID:        uuid.NewString(),
		Username:  username,
		Email:     strings.ToLower(email),
		LastSeen:  now,
		CreatedAt: now,
	}
	_, err = db.conn.ExecContext(ctx,
		"INSERT INTO users (id, username, email, password, last_seen, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		user.ID, user.Username, user.Email, string(hashed), formatTime(now), formatTime(now),
	)
	if err != nil {
		return nil, translate(err, "db.CreateUser: ")
	}
	return user, nil
}

func (db *DB) Authenticate(ctx context.Context, login, password string) (*models.User, error) {
	var hashedPassword string
	user, err := db.scanUser(ctx, &hashedPassword,
		"WHERE username = ? COLLATE NOCASE OR email = ? COLLATE NOCASE", login, login)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	if bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

func (db *DB) GetUser(ctx context.Context, id string) (*models.User, error) {
	return db.scanUser(ctx, nil, "WHERE id = ?", id)
}

func (db *DB) FindUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return db.scanUser(ctx, nil, "WHERE username = ? COLLATE NOCASE", username)
}

func (db *DB) scanUser(ctx context.Context, password *string, where string, args ...any) (*models.User, error) {
	var (
		u        models.User
		lastSeen sql.NullString
		created  string
		hash     string
	)
	err := db.conn.QueryRowContext(ctx,
		"SELECT id, username, email, password, photo, online, last_seen, created_at FROM users "+where, args...,
	).Scan(&u.ID, &u.Username, &u.Email, &hash, &u.Photo, &u.Online, &lastSeen, &created)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "db.scanUser: ")
	}

	u.CreatedAt = parseTime(created)
	if lastSeen.Valid {
		u.LastSeen = parseTime(lastSeen.String)
	}
	if password != nil {
		*password = hash
	}
	return &u, nil
}

// SetPresence records the online flag and when it last changed.
func (db *DB) SetPresence(ctx context.Context, userID string, online bool, at time.Time) error {
	_, err := db.conn.ExecContext(ctx,
		"UPDATE users SET online = ?, last_seen = ? WHERE id = ?",
		online, formatTime(at), userID,
	)
	if err != nil {
		return errors.Wrap(err, "db.SetPresence: ")
	}
	return nil
}

// Contact methods

func (db *DB) AddContact(ctx context.Context, ownerID, contactID string) error {
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO contacts (owner_id, contact_id, created_at) VALUES (?, ?, ?)",
		ownerID, contactID, formatTime(time.Now()),
	)
	if err != nil {
		return translate(err, "db.AddContact: ")
	}
	return nil
}

func (db *DB) ListContacts(ctx context.Context, ownerID string) ([]models.ContactSummary, error) {
	query := `
		SELECT u.id, u.username, u.photo, u.online, u.last_seen,
			(SELECT m.content FROM messages m
				WHERE (m.sender_id = c.owner_id AND m.recipient_id = u.id)
				   OR (m.sender_id = u.id AND m.recipient_id = c.owner_id)
				ORDER BY m.created_at DESC, m.rowid DESC LIMIT 1) AS last_content,
			(SELECT m.created_at FROM messages m
				WHERE (m.sender_id = c.owner_id AND m.recipient_id = u.id)
				   OR (m.sender_id = u.id AND m.recipient_id = c.owner_id)
				ORDER BY m.created_at DESC, m.rowid DESC LIMIT 1) AS last_at,
			(SELECT COUNT(*) FROM messages m
				WHERE m.sender_id = u.id AND m.recipient_id = c.owner_id AND m.read = 0) AS unread
		FROM contacts c
		JOIN users u ON u.id = c.contact_id
		WHERE c.owner_id = ?
		ORDER BY last_at DESC, u.username ASC
	`

	rows, err := db.conn.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, errors.Wrap(err, "db.ListContacts: ")
	}
	defer rows.Close()

	contacts := []models.ContactSummary{}
	for rows.Next() {
		var (
			c                         models.ContactSummary
			lastSeen, content, lastAt sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.Username, &c.Photo, &c.Online, &lastSeen, &content, &lastAt, &c.UnreadCount); err != nil {
			return nil, errors.Wrap(err, "db.ListContacts.Scan: ")
		}
		if lastSeen.Valid {
			t := parseTime(lastSeen.String)
			c.LastSeen = &t
		}
		if content.Valid {
			s := content.String
			c.LastMessage = &s
		}
		if lastAt.Valid {
			t := parseTime(lastAt.String)
			c.LastMessageTime = &t
		}
		contacts = append(contacts, c)
	}

	return contacts, rows.Err()
}

// Message methods

func (db *DB) CreateMessage(ctx context.Context, senderID, recipientID, content, msgType string) (*models.Message, error) {
	msg := &models.Message{
		ID:          uuid.NewString(),
		SenderID:    senderID,
		RecipientID: recipientID,
		Content:     content,
		Type:        msgType,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO messages (id, sender_id, recipient_id, content, type, created_at, read) VALUES (?, ?, ?, ?, ?, ?, 0)",
		msg.ID, msg.SenderID, msg.RecipientID, msg.Content, msg.Type, formatTime(msg.CreatedAt),
	)
	if err != nil {
		return nil, translate(err, "db.CreateMessage: ")
	}
	return msg, nil
}

func (db *DB) GetMessages(ctx context.Context, userID, peerID string) ([]models.Message, error) {
	query := `
		SELECT id, sender_id, recipient_id, content, type, created_at, read
		FROM messages
		WHERE (sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?)
		ORDER BY created_at ASC, rowid ASC
	`

	rows, err := db.conn.QueryContext(ctx, query, userID, peerID, peerID, userID)
	if err != nil {
		return nil, errors.Wrap(err, "db.GetMessages: ")
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		var m models.Message
		var created string
		if err := rows.Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.Content, &m.Type, &created, &m.Read); err != nil {
			return nil, errors.Wrap(err, "db.GetMessages.Scan: ")
		}
		m.CreatedAt = parseTime(created)
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

func (db *DB) MarkRead(ctx context.Context, senderID, recipientID string) (int64, error) {
	result, err := db.conn.ExecContext(ctx,
		"UPDATE messages SET read = 1 WHERE sender_id = ? AND recipient_id = ? AND read = 0",
		senderID, recipientID,
	)
	if err != nil {
		return 0, errors.Wrap(err, "db.MarkRead: ")
	}
	return result.RowsAffected()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

// translate maps SQLite constraint failures onto the store's sentinel errors.
func translate(err error, op string) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return ErrDuplicate
		case sqlite3.ErrConstraintForeignKey:
			return ErrNotFound
		}
	}
	return errors.Wrap(err, op)
}
