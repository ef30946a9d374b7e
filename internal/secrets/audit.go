package secrets

import (
	"database/sql"
	"encoding/json"
	"sync"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"secure-vault-hub/internal/managererr"
)

// AuditSink receives every audit record for durable storage. The in-memory
// trail is always kept; a sink mirrors it.
type AuditSink interface {
	Record(access Access) error
	Close() error
}

// auditTrail is the append-only in-memory audit log. Appends are serialized
// behind the mutex so concurrent lifecycle operations never interleave.
type auditTrail struct {
	mu      sync.Mutex
	records []Access
	sink    AuditSink
	log     *zap.SugaredLogger
}

func newAuditTrail(sink AuditSink, log *zap.SugaredLogger) *auditTrail {
	return &auditTrail{sink: sink, log: log}
}

func (t *auditTrail) append(access Access) {
	t.mu.Lock()
	t.records = append(t.records, access)
	t.mu.Unlock()

	if t.sink != nil {
		if err := t.sink.Record(access); err != nil {
			t.log.Warnw("audit sink write failed", "secretId", access.SecretID, "error", err)
		}
	}
}

// tail returns up to limit most recent records, newest last.
func (t *auditTrail) tail(limit int) []Access {
	t.mu.Lock()
	defer t.mu.Unlock()
	if limit <= 0 || limit > len(t.records) {
		limit = len(t.records)
	}
	out := make([]Access, limit)
	copy(out, t.records[len(t.records)-limit:])
	return out
}

func (t *auditTrail) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// SQLiteSink persists audit records into a secret_access_logs table.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens (creating if needed) the audit database at path.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, managererr.NewSecretsError(managererr.CodeSecretStore, "failed to open audit database").WithCause(err)
	}

	createSQL := `
	CREATE TABLE IF NOT EXISTS secret_access_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		secret_id TEXT NOT NULL,
		user_id TEXT,
		action TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		success INTEGER NOT NULL,
		error_message TEXT,
		details TEXT
	)`
	if _, err := db.Exec(createSQL); err != nil {
		db.Close()
		return nil, managererr.NewSecretsError(managererr.CodeSecretStore, "failed to create audit table").WithCause(err)
	}
	return &SQLiteSink{db: db}, nil
}

// Record inserts one audit row.
func (s *SQLiteSink) Record(access Access) error {
	details, _ := json.Marshal(access)
	_, err := s.db.Exec(
		`INSERT INTO secret_access_logs (secret_id, user_id, action, timestamp, success, error_message, details)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		access.SecretID,
		access.UserID,
		access.Action,
		access.Timestamp.UTC().Format("2006-01-02T15:04:05.999999999Z07:00"),
		boolToInt(access.Success),
		access.ErrorMessage,
		string(details),
	)
	return err
}

// Close closes the underlying database handle.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
