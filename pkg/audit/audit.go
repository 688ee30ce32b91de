package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Writer appends judgment records to the audit trail. Appends are a soft
// path: callers log failures and continue.
type Writer struct {
	DB auditDB
}

// Record is one judged prompt. The prompt text itself is never stored;
// only the user hash and the judge's structured output.
type Record struct {
	DecisionID string    `json:"decisionId"`
	UserHash   string    `json:"userHash"`
	Endpoint   string    `json:"endpoint"`
	Model      string    `json:"model"`
	Blocked    bool      `json:"blocked"`
	Categories []string  `json:"categories"`
	Reason     string    `json:"reason"`
	Rewrite    string    `json:"rewrite,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	_, err := w.DB.Exec(ctx, `
		INSERT INTO judgment_records
		(decision_id, user_hash, endpoint, model, blocked, categories, reason, rewrite, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, rec.DecisionID, rec.UserHash, rec.Endpoint, rec.Model, rec.Blocked,
		strings.Join(rec.Categories, ","), rec.Reason, rec.Rewrite, rec.CreatedAt)
	return err
}

// Recent returns the newest records, newest first.
func (w *Writer) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := w.DB.Query(ctx, `
		SELECT decision_id, user_hash, endpoint, model, blocked, categories, reason, rewrite, created_at
		FROM judgment_records ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Record{}
	for rows.Next() {
		var rec Record
		var categories string
		if err := rows.Scan(&rec.DecisionID, &rec.UserHash, &rec.Endpoint, &rec.Model,
			&rec.Blocked, &categories, &rec.Reason, &rec.Rewrite, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if categories != "" {
			rec.Categories = strings.Split(categories, ",")
		} else {
			rec.Categories = []string{}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// HashUser pseudonymizes a user id for the audit trail.
func HashUser(userID string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(userID)))
	return hex.EncodeToString(sum[:])
}
