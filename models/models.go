package models

import "time"

// Message types accepted by send_message. Anything else is rejected.
const (
	MessageText  = "text"
	MessageImage = "image"
	MessageFile  = "file"
)

// Identity is what a verified session token resolves to.
type Identity struct {
	ID       string
	Email    string
	Username string
}

type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	Photo     string    `json:"foto"`
	Online    bool      `json:"online"`
	LastSeen  time.Time `json:"ultimo_acceso"`
	CreatedAt time.Time `json:"-"`
}

func (u *User) Identity() Identity {
	return Identity{ID: u.ID, Email: u.Email, Username: u.Username}
}

// ContactSummary is one row of the contacts screen: the contact plus the
// latest message exchanged with them and how many of theirs are unread.
type ContactSummary struct {
	ID              string     `json:"id"`
	Username        string     `json:"username"`
	Photo           string     `json:"foto"`
	Online          bool       `json:"online"`
	LastSeen        *time.Time `json:"ultimo_acceso"`
	LastMessage     *string    `json:"ultimoMensaje"`
	LastMessageTime *time.Time `json:"horaUltimoMensaje"`
	UnreadCount     int        `json:"mensajesNoLeidos"`
}

type Message struct {
	ID          string    `json:"id"`
	SenderID    string    `json:"sender_id"`
	RecipientID string    `json:"receiver_id"`
	Content     string    `json:"content"`
	Type        string    `json:"type"`
	CreatedAt   time.Time `json:"created_at"`
	Read        bool      `json:"read"`
}
