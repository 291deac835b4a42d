package db

import (
	"context"
	"time"

	"chatrelay/models"

	"github.com/pkg/errors"
)

var (
	ErrNotFound           = errors.New("record not found")
	ErrDuplicate          = errors.New("record already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Store is the directory of users and contacts plus the message log.
// Both the SQLite and the PostgreSQL backends implement it.
type Store interface {
	CreateUser(ctx context.Context, username, email, password string) (*models.User, error)
	// Authenticate accepts either the username or the email as login.
	Authenticate(ctx context.Context, login, password string) (*models.User, error)
	GetUser(ctx context.Context, id string) (*models.User, error)
	FindUserByUsername(ctx context.Context, username string) (*models.User, error)

	AddContact(ctx context.Context, ownerID, contactID string) error
	ListContacts(ctx context.Context, ownerID string) ([]models.ContactSummary, error)

	// CreateMessage assigns id and timestamp. An unknown recipient yields ErrNotFound.
	CreateMessage(ctx context.Context, senderID, recipientID, content, msgType string) (*models.Message, error)
	// GetMessages returns the conversation between two users, oldest first.
	GetMessages(ctx context.Context, userID, peerID string) ([]models.Message, error)
	// MarkRead flags every unread message from senderID to recipientID as read.
	MarkRead(ctx context.Context, senderID, recipientID string) (int64, error)

	SetPresence(ctx context.Context, userID string, online bool, at time.Time) error
	Close() error
}

// Open picks the backend by driver name.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "", "sqlite", "sqlite3":
		return New(dsn)
	case "postgres", "pg":
		return NewPostgres(ctx, dsn)
	default:
		return nil, errors.Errorf("unknown store driver %q", driver)
	}
}
