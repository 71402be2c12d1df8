// Package store is the durable side of the relay: accounts, symmetric
// contact edges, and per-pair conversation logs, backed by SQLite.
// Every mutating call returns only after the row is in the database, so
// callers may acknowledge the operation as soon as the call succeeds.
package store

import (
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"

	"chatrelay/models"
)

var (
	ErrDuplicateUsername  = errors.New("username already taken")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnknownAccount     = errors.New("unknown account")
	ErrUnknownContact     = errors.New("unknown contact code")
	ErrSelfContact        = errors.New("cannot add own code as contact")
)

// Codes are drawn from a fixed alphabet without 0/O/1/I to stay
// readable when shared out of band.
const (
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeLength   = 6
)

type Store struct {
	conn *sql.DB
}

func New(path string) (*Store, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	s := &Store{conn: conn}
	if err := s.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			username TEXT PRIMARY KEY,
			secret TEXT NOT NULL,
			code TEXT UNIQUE NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS contacts (
			owner TEXT NOT NULL,
			peer TEXT NOT NULL,
			UNIQUE(owner, peer)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conv_key TEXT NOT NULL,
			sender TEXT NOT NULL,
			receiver TEXT NOT NULL,
			text TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			read INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conv_key)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_unread ON messages(conv_key, receiver, read)`,
		`CREATE INDEX IF NOT EXISTS idx_contacts_owner ON contacts(owner)`,
	}

	for _, query := range queries {
		if _, err := s.conn.Exec(query); err != nil {
			return err
		}
	}

	return nil
}

// ConversationKey derives the canonical key for a pair of codes: the
// two codes sorted and joined, so either participant locates the same
// log regardless of role.
func ConversationKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

// Account methods

// CreateAccount registers a new user with a bcrypt-hashed secret and a
// freshly allocated unique code, and returns that code.
func (s *Store) CreateAccount(username, secret string) (string, error) {
	exists, err := s.usernameExists(username)
	if err != nil {
		return "", err
	}
	if exists {
		return "", ErrDuplicateUsername
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}

	code, err := s.allocateCode()
	if err != nil {
		return "", err
	}

	_, err = s.conn.Exec(
		"INSERT INTO accounts (username, secret, code) VALUES (?, ?, ?)",
		username, string(hashed), code,
	)
	if err != nil {
		return "", err
	}
	return code, nil
}

// allocateCode draws random codes until one does not collide with any
// existing account.
func (s *Store) allocateCode() (string, error) {
	for {
		code, err := randomCode()
		if err != nil {
			return "", err
		}
		exists, err := s.CodeExists(code)
		if err != nil {
			return "", err
		}
		if !exists {
			return code, nil
		}
	}
}

func randomCode() (string, error) {
	buf := make([]byte, codeLength)
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf[i] = codeAlphabet[n.Int64()]
	}
	return string(buf), nil
}

// Authenticate verifies username and secret against the stored bcrypt
// hash. Absent accounts and wrong secrets both yield
// ErrInvalidCredentials so existence is not leaked.
func (s *Store) Authenticate(username, secret string) (models.Account, error) {
	acc, err := s.AccountByUsername(username)
	if err != nil {
		if errors.Is(err, ErrUnknownAccount) {
			return models.Account{}, ErrInvalidCredentials
		}
		return models.Account{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(acc.Secret), []byte(secret)) != nil {
		return models.Account{}, ErrInvalidCredentials
	}
	return acc, nil
}

func (s *Store) AccountByUsername(username string) (models.Account, error) {
	var acc models.Account
	err := s.conn.QueryRow(
		"SELECT username, secret, code FROM accounts WHERE username = ?",
		username,
	).Scan(&acc.Username, &acc.Secret, &acc.Code)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Account{}, ErrUnknownAccount
	}
	if err != nil {
		return models.Account{}, err
	}
	return acc, nil
}

func (s *Store) AccountByCode(code string) (models.Account, error) {
	var acc models.Account
	err := s.conn.QueryRow(
		"SELECT username, secret, code FROM accounts WHERE code = ?",
		code,
	).Scan(&acc.Username, &acc.Secret, &acc.Code)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Account{}, ErrUnknownAccount
	}
	if err != nil {
		return models.Account{}, err
	}
	return acc, nil
}

func (s *Store) usernameExists(username string) (bool, error) {
	var count int
	err := s.conn.QueryRow("SELECT COUNT(*) FROM accounts WHERE username = ?", username).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Store) CodeExists(code string) (bool, error) {
	var count int
	err := s.conn.QueryRow("SELECT COUNT(*) FROM accounts WHERE code = ?", code).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Contact methods

// AddContact inserts the symmetric edge between ownerCode and
// targetCode. Both directions go in one transaction, so a half-edge is
// never visible. Re-adding an existing contact is a no-op.
func (s *Store) AddContact(ownerCode, targetCode string) error {
	if ownerCode == targetCode {
		return ErrSelfContact
	}
	exists, err := s.CodeExists(targetCode)
	if err != nil {
		return err
	}
	if !exists {
		return ErrUnknownContact
	}

	tx, err := s.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("INSERT OR IGNORE INTO contacts (owner, peer) VALUES (?, ?)", ownerCode, targetCode); err != nil {
		return err
	}
	if _, err := tx.Exec("INSERT OR IGNORE INTO contacts (owner, peer) VALUES (?, ?)", targetCode, ownerCode); err != nil {
		return err
	}

	return tx.Commit()
}

// Contacts returns the codes in ownerCode's contact set.
func (s *Store) Contacts(ownerCode string) ([]string, error) {
	rows, err := s.conn.Query("SELECT peer FROM contacts WHERE owner = ?", ownerCode)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var peers []string
	for rows.Next() {
		var peer string
		if err := rows.Scan(&peer); err != nil {
			return nil, err
		}
		peers = append(peers, peer)
	}

	return peers, rows.Err()
}

// Message methods

// AppendMessage creates a message with a fresh id and server timestamp
// and appends it to the canonical conversation for the pair. When this
// returns nil the message is durable.
func (s *Store) AppendMessage(senderCode, receiverCode, text string) (models.Message, error) {
	msg := models.Message{
		ID:        uuid.NewString(),
		Sender:    senderCode,
		Receiver:  receiverCode,
		Text:      text,
		Timestamp: time.Now().UTC(),
	}

	_, err := s.conn.Exec(
		"INSERT INTO messages (id, conv_key, sender, receiver, text, timestamp, read) VALUES (?, ?, ?, ?, ?, ?, 0)",
		msg.ID, ConversationKey(senderCode, receiverCode),
		msg.Sender, msg.Receiver, msg.Text, msg.Timestamp.Format(time.RFC3339Nano),
	)
	if err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// History returns the full conversation log for the pair in append
// order.
func (s *Store) History(a, b string) ([]models.Message, error) {
	rows, err := s.conn.Query(
		"SELECT id, sender, receiver, text, timestamp, read FROM messages WHERE conv_key = ? ORDER BY rowid ASC",
		ConversationKey(a, b),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		var timestampStr string
		if err := rows.Scan(&m.ID, &m.Sender, &m.Receiver, &m.Text, &timestampStr, &m.Read); err != nil {
			return nil, err
		}
		m.Timestamp, err = time.Parse(time.RFC3339Nano, timestampStr)
		if err != nil {
			return nil, fmt.Errorf("bad timestamp on message %s: %v", m.ID, err)
		}
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

// MarkRead flips the read flag on a message addressed to readerCode and
// returns the message's sender, so the caller routes the receipt to the
// account that actually wrote the message. Marking an already-read or
// foreign message is a durable no-op reported as changed == false, so
// the caller sends at most one receipt.
func (s *Store) MarkRead(readerCode, messageID string) (sender string, changed bool, err error) {
	tx, err := s.conn.Begin()
	if err != nil {
		return "", false, err
	}
	defer tx.Rollback()

	err = tx.QueryRow(
		"SELECT sender FROM messages WHERE id = ? AND receiver = ? AND read = 0",
		messageID, readerCode,
	).Scan(&sender)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	if _, err := tx.Exec("UPDATE messages SET read = 1 WHERE id = ?", messageID); err != nil {
		return "", false, err
	}
	return sender, true, tx.Commit()
}

// UnreadCount counts messages in the shared conversation addressed to
// viewerCode that are still unread.
func (s *Store) UnreadCount(viewerCode, contactCode string) (int, error) {
	var count int
	err := s.conn.QueryRow(
		"SELECT COUNT(*) FROM messages WHERE conv_key = ? AND receiver = ? AND read = 0",
		ConversationKey(viewerCode, contactCode), viewerCode,
	).Scan(&count)
	return count, err
}
