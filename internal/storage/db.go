package storage

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrKeyNotFound is returned by cache lookups that miss.
var ErrKeyNotFound = errors.New("key not found")

type DB struct {
	conn *sql.DB
}

func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	if _, err := conn.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		_ = conn.Close()
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return db, nil
}

func (d *DB) Close() error {
	return d.conn.Close()
}

func (d *DB) init() error {
	schema := `
CREATE TABLE IF NOT EXISTS embedding_cache (
  key TEXT PRIMARY KEY,
  vector BLOB NOT NULL,
  createdAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS confirmations (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  layoutCode TEXT NOT NULL,
  sourceName TEXT NOT NULL,
  storedPath TEXT NOT NULL,
  textPath TEXT NOT NULL,
  createdAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_confirmations_layoutCode ON confirmations(layoutCode);

CREATE TABLE IF NOT EXISTS intake_messages (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  provider TEXT NOT NULL,
  messageId TEXT NOT NULL,
  subject TEXT,
  sender TEXT,
  receivedAt TEXT,
  hash TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'fetched',
  rawRef TEXT NOT NULL,
  createdAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updatedAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  UNIQUE(provider, messageId)
);
CREATE INDEX IF NOT EXISTS idx_intake_messages_status ON intake_messages(status);

CREATE TABLE IF NOT EXISTS metadata (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL,
  updatedAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
	_, err := d.conn.Exec(schema)
	return err
}

// Get reads a cached embedding.
func (d *DB) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := d.conn.QueryRowContext(ctx, `SELECT vector FROM embedding_cache WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (d *DB) Set(ctx context.Context, key string, value []byte) error {
	_, err := d.conn.ExecContext(ctx, `
INSERT INTO embedding_cache (key, vector) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET vector = excluded.vector, createdAt = CURRENT_TIMESTAMP
`, key, value)
	return err
}

type Confirmation struct {
	ID         int64
	LayoutCode string
	SourceName string
	StoredPath string
	TextPath   string
	CreatedAt  string
}

func (d *DB) InsertConfirmation(c Confirmation) (int64, error) {
	res, err := d.conn.Exec(`
INSERT INTO confirmations (layoutCode, sourceName, storedPath, textPath, createdAt)
VALUES (?, ?, ?, ?, ?)
`, c.LayoutCode, c.SourceName, c.StoredPath, c.TextPath, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListConfirmations returns the newest confirmations first.
func (d *DB) ListConfirmations(limit int) ([]Confirmation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.conn.Query(`
SELECT id, layoutCode, sourceName, storedPath, textPath, createdAt
FROM confirmations
ORDER BY id DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Confirmation{}
	for rows.Next() {
		var c Confirmation
		if err := rows.Scan(&c.ID, &c.LayoutCode, &c.SourceName, &c.StoredPath, &c.TextPath, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (d *DB) SetMetadata(key, value string) error {
	_, err := d.conn.Exec(`
INSERT INTO metadata (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updatedAt = CURRENT_TIMESTAMP
`, key, value)
	return err
}

func (d *DB) GetMetadata(key string) (*string, error) {
	var value string
	err := d.conn.QueryRow(`SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &value, nil
}

const (
	MessageFetched    = "fetched"
	MessageIdentified = "identified"
)

type IntakeMessage struct {
	ID         int64
	Provider   string
	MessageID  string
	Subject    string
	Sender     string
	ReceivedAt string
	Hash       string
	Status     string
	RawRef     string
}

// UpsertIntakeMessage records a fetched message. A message seen before keeps
// its status, so re-fetching never re-queues identified mail.
func (d *DB) UpsertIntakeMessage(m IntakeMessage) (IntakeMessage, error) {
	if m.Status == "" {
		m.Status = MessageFetched
	}
	_, err := d.conn.Exec(`
INSERT INTO intake_messages (provider, messageId, subject, sender, receivedAt, hash, status, rawRef)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(provider, messageId) DO UPDATE SET
  subject=excluded.subject,
  sender=excluded.sender,
  receivedAt=excluded.receivedAt,
  hash=excluded.hash,
  rawRef=excluded.rawRef,
  updatedAt=CURRENT_TIMESTAMP
`, m.Provider, m.MessageID, m.Subject, m.Sender, m.ReceivedAt, m.Hash, m.Status, m.RawRef)
	if err != nil {
		return IntakeMessage{}, err
	}

	row, err := d.getIntakeMessage(m.Provider, m.MessageID)
	if err != nil {
		return IntakeMessage{}, err
	}
	if row == nil {
		return IntakeMessage{}, errors.New("failed to upsert intake message")
	}
	return *row, nil
}

func (d *DB) getIntakeMessage(provider, messageID string) (*IntakeMessage, error) {
	var row IntakeMessage
	err := d.conn.QueryRow(`
SELECT id, provider, messageId, subject, sender, receivedAt, hash, status, rawRef
FROM intake_messages WHERE provider = ? AND messageId = ?
`, provider, messageID).Scan(
		&row.ID, &row.Provider, &row.MessageID, &row.Subject, &row.Sender, &row.ReceivedAt, &row.Hash, &row.Status, &row.RawRef,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// ListIntakeMessages returns the oldest messages in status first.
func (d *DB) ListIntakeMessages(status string, limit int) ([]IntakeMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.conn.Query(`
SELECT id, provider, messageId, subject, sender, receivedAt, hash, status, rawRef
FROM intake_messages WHERE status = ?
ORDER BY id ASC
LIMIT ?
`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []IntakeMessage{}
	for rows.Next() {
		var row IntakeMessage
		if err := rows.Scan(&row.ID, &row.Provider, &row.MessageID, &row.Subject, &row.Sender, &row.ReceivedAt, &row.Hash, &row.Status, &row.RawRef); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (d *DB) UpdateIntakeStatus(id int64, status string) error {
	_, err := d.conn.Exec(`UPDATE intake_messages SET status = ?, updatedAt = CURRENT_TIMESTAMP WHERE id = ?`, status, id)
	return err
}
