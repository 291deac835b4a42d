package db

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"chatrelay/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"golang.org/x/crypto/bcrypt"
)

type userRow struct {
	bun.BaseModel `bun:"table:users"`

	ID        string    `bun:",pk,type:uuid"`
	Username  string    `bun:",unique,notnull"`
	Email     string    `bun:",unique,notnull"`
	Password  string    `bun:",notnull"`
	Photo     string    `bun:",notnull,default:''"`
	Online    bool      `bun:",notnull,default:false"`
	LastSeen  time.Time `bun:",nullzero"`
	CreatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}

func (r *userRow) model() *models.User {
	return &models.User{
		ID:        r.ID,
		Username:  r.Username,
		Email:     r.Email,
		Photo:     r.Photo,
		Online:    r.Online,
		LastSeen:  r.LastSeen,
		CreatedAt: r.CreatedAt,
	}
}

type contactRow struct {
	bun.BaseModel `bun:"table:contacts"`

	ID        int64     `bun:",pk,autoincrement"`
	OwnerID   string    `bun:",notnull,type:uuid,unique:owner_contact"`
	ContactID string    `bun:",notnull,type:uuid,unique:owner_contact"`
	CreatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}

type messageRow struct {
	bun.BaseModel `bun:"table:messages"`

	ID          string    `bun:",pk,type:uuid"`
	SenderID    string    `bun:",notnull,type:uuid"`
	RecipientID string    `bun:",notnull,type:uuid"`
	Content     string    `bun:",notnull"`
	Type        string    `bun:",notnull,default:'text'"`
	CreatedAt   time.Time `bun:",notnull"`
	Read        bool      `bun:",notnull,default:false"`
	// insertion order; breaks created_at ties
	Seq int64 `bun:",type:bigserial,nullzero,notnull"`
}

func (r *messageRow) model() models.Message {
	return models.Message{
		ID:          r.ID,
		SenderID:    r.SenderID,
		RecipientID: r.RecipientID,
		Content:     r.Content,
		Type:        r.Type,
		CreatedAt:   r.CreatedAt.UTC(),
		Read:        r.Read,
	}
}

// PostgresDB is the bun-backed Store used in deployments that already run
// PostgreSQL.
type PostgresDB struct {
	db *bun.DB
}

var _ Store = (*PostgresDB)(nil)

func NewPostgres(ctx context.Context, dsn string) (*PostgresDB, error) {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	pg := &PostgresDB{db: bun.NewDB(sqldb, pgdialect.New())}

	if err := pg.init(ctx); err != nil {
		pg.db.Close()
		return nil, err
	}
	return pg, nil
}

func (p *PostgresDB) Close() error {
	return p.db.Close()
}

func (p *PostgresDB) init(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return errors.Wrap(err, "pg.init.Ping: ")
	}

	if _, err := p.db.NewCreateTable().Model((*userRow)(nil)).IfNotExists().Exec(ctx); err != nil {
		return errors.Wrap(err, "pg.init.users: ")
	}
	if _, err := p.db.NewCreateTable().Model((*contactRow)(nil)).IfNotExists().
		ForeignKey(`("owner_id") REFERENCES "users" ("id") ON DELETE CASCADE`).
		ForeignKey(`("contact_id") REFERENCES "users" ("id") ON DELETE CASCADE`).
		Exec(ctx); err != nil {
		return errors.Wrap(err, "pg.init.contacts: ")
	}
	if _, err := p.db.NewCreateTable().Model((*messageRow)(nil)).IfNotExists().
		ForeignKey(`("sender_id") REFERENCES "users" ("id") ON DELETE CASCADE`).
		ForeignKey(`("recipient_id") REFERENCES "users" ("id") ON DELETE CASCADE`).
		Exec(ctx); err != nil {
		return errors.Wrap(err, "pg.init.messages: ")
	}

	indexes := []string{
		`ALTER TABLE messages ADD COLUMN IF NOT EXISTS seq BIGSERIAL`,
		`CREATE UNIQUE INDEX IF NOT EXISTS users_username_lower_idx ON users (lower(username))`,
		`CREATE INDEX IF NOT EXISTS messages_pair_idx ON messages (sender_id, recipient_id, created_at)`,
	}
	for _, q := range indexes {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return errors.Wrap(err, "pg.init.index: ")
		}
	}
	return nil
}

func (p *PostgresDB) CreateUser(ctx context.Context, username, email, password string) (*models.User, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, errors.Wrap(err, "pg.CreateUser.hash: ")
	}

	now := time.Now().UTC()
	row := &userRow{
		ID:        uuid.NewString(),
		Username:  username,
		Email:     strings.ToLower(email),
		Password:  string(hashed),
		LastSeen:  now,
		CreatedAt: now,
	}
	if _, err := p.db.NewInsert().Model(row).Exec(ctx); err != nil {
		return nil, translatePG(err, "pg.CreateUser.Insert: ")
	}
	return row.model(), nil
}

func (p *PostgresDB) Authenticate(ctx context.Context, login, password string) (*models.User, error) {
	row := new(userRow)
	err := p.db.NewSelect().Model(row).
		Where("lower(username) = lower(?)", login).
		WhereOr("lower(email) = lower(?)", login).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, errors.Wrap(err, "pg.Authenticate.Scan: ")
	}

	if bcrypt.CompareHashAndPassword([]byte(row.Password), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	return row.model(), nil
}

func (p *PostgresDB) GetUser(ctx context.Context, id string) (*models.User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	row := new(userRow)
	err := p.db.NewSelect().Model(row).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "pg.GetUser.Scan: ")
	}
	return row.model(), nil
}

func (p *PostgresDB) FindUserByUsername(ctx context.Context, username string) (*models.User, error) {
	row := new(userRow)
	err := p.db.NewSelect().Model(row).Where("lower(username) = lower(?)", username).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "pg.FindUserByUsername.Scan: ")
	}
	return row.model(), nil
}

func (p *PostgresDB) SetPresence(ctx context.Context, userID string, online bool, at time.Time) error {
	if !validIDs(userID) {
		return nil
	}
	_, err := p.db.NewUpdate().Model((*userRow)(nil)).
		Set("online = ?", online).
		Set("last_seen = ?", at.UTC()).
		Where("id = ?", userID).
		Exec(ctx)
	if err != nil {
		return errors.Wrap(err, "pg.SetPresence.Update: ")
	}
	return nil
}

func (p *PostgresDB) AddContact(ctx context.Context, ownerID, contactID string) error {
	if !validIDs(ownerID, contactID) {
		return ErrNotFound
	}
	row := &contactRow{OwnerID: ownerID, ContactID: contactID, CreatedAt: time.Now().UTC()}
	if _, err := p.db.NewInsert().Model(row).Exec(ctx); err != nil {
		return translatePG(err, "pg.AddContact.Insert: ")
	}
	return nil
}

type contactSummaryRow struct {
	ID          string         `bun:"id"`
	Username    string         `bun:"username"`
	Photo       string         `bun:"photo"`
	Online      bool           `bun:"online"`
	LastSeen    bun.NullTime   `bun:"last_seen"`
	LastContent sql.NullString `bun:"last_content"`
	LastAt      bun.NullTime   `bun:"last_at"`
	Unread      int            `bun:"unread"`
}

func (p *PostgresDB) ListContacts(ctx context.Context, ownerID string) ([]models.ContactSummary, error) {
	if !validIDs(ownerID) {
		return []models.ContactSummary{}, nil
	}
	query := `
		SELECT u.id, u.username, u.photo, u.online, u.last_seen,
			last.content AS last_content, last.created_at AS last_at,
			(SELECT COUNT(*) FROM messages m
				WHERE m.sender_id = u.id AND m.recipient_id = c.owner_id AND NOT m.read) AS unread
		FROM contacts c
		JOIN users u ON u.id = c.contact_id
		LEFT JOIN LATERAL (
			SELECT m.content, m.created_at FROM messages m
			WHERE (m.sender_id = c.owner_id AND m.recipient_id = u.id)
			   OR (m.sender_id = u.id AND m.recipient_id = c.owner_id)
			ORDER BY m.created_at DESC, m.seq DESC
			LIMIT 1
		) last ON TRUE
		WHERE c.owner_id = ?
		ORDER BY last_at DESC NULLS LAST, u.username ASC
	`

	var rows []contactSummaryRow
	if err := p.db.NewRaw(query, ownerID).Scan(ctx, &rows); err != nil {
		return nil, errors.Wrap(err, "pg.ListContacts.Scan: ")
	}

	contacts := make([]models.ContactSummary, 0, len(rows))
	for _, r := range rows {
		c := models.ContactSummary{
			ID:          r.ID,
			Username:    r.Username,
			Photo:       r.Photo,
			Online:      r.Online,
			UnreadCount: r.Unread,
		}
		if !r.LastSeen.IsZero() {
			t := r.LastSeen.Time.UTC()
			c.LastSeen = &t
		}
		if r.LastContent.Valid {
			s := r.LastContent.String
			c.LastMessage = &s
		}
		if !r.LastAt.IsZero() {
			t := r.LastAt.Time.UTC()
			c.LastMessageTime = &t
		}
		contacts = append(contacts, c)
	}
	return contacts, nil
}

func (p *PostgresDB) CreateMessage(ctx context.Context, senderID, recipientID, content, msgType string) (*models.Message, error) {
	if _, err := uuid.Parse(recipientID); err != nil {
		return nil, ErrNotFound
	}
	row := &messageRow{
		ID:          uuid.NewString(),
		SenderID:    senderID,
		RecipientID: recipientID,
		Content:     content,
		Type:        msgType,
		CreatedAt:   time.Now().UTC(),
	}
	if _, err := p.db.NewInsert().Model(row).Exec(ctx); err != nil {
		return nil, translatePG(err, "pg.CreateMessage.Insert: ")
	}
	msg := row.model()
	return &msg, nil
}

func (p *PostgresDB) GetMessages(ctx context.Context, userID, peerID string) ([]models.Message, error) {
	if !validIDs(userID, peerID) {
		return []models.Message{}, nil
	}

	var rows []messageRow
	err := p.db.NewSelect().Model(&rows).
		WhereGroup(" OR ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("sender_id = ? AND recipient_id = ?", userID, peerID)
		}).
		WhereGroup(" OR ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("sender_id = ? AND recipient_id = ?", peerID, userID)
		}).
		Order("created_at ASC", "seq ASC").
		Scan(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "pg.GetMessages.Scan: ")
	}

	messages := make([]models.Message, 0, len(rows))
	for i := range rows {
		messages = append(messages, rows[i].model())
	}
	return messages, nil
}

func (p *PostgresDB) MarkRead(ctx context.Context, senderID, recipientID string) (int64, error) {
	if !validIDs(senderID, recipientID) {
		return 0, nil
	}
	res, err := p.db.NewUpdate().Model((*messageRow)(nil)).
		Set("read = TRUE").
		Where("sender_id = ?", senderID).
		Where("recipient_id = ?", recipientID).
		Where("NOT read").
		Exec(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "pg.MarkRead.Update: ")
	}
	return res.RowsAffected()
}

// translatePG maps PostgreSQL integrity violations onto the sentinel errors.
func translatePG(err error, op string) error {
	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) {
		switch pgErr.Field('C') {
		case "23505":
			return ErrDuplicate
		case "23503":
			return ErrNotFound
		}
	}
	return errors.Wrap(err, op)
}

// validIDs reports whether every id parses as a UUID. The uuid columns
// reject anything else with a cast error, while such ids simply match no
// rows in SQLite.
func validIDs(ids ...string) bool {
	for _, id := range ids {
		if _, err := uuid.Parse(id); err != nil {
			return false
		}
	}
	return true
}
