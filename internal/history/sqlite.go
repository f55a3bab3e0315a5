package history

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"notifyd/internal/notify"
	"notifyd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// sqliteTimeFormat is fixed-width UTC so lexicographic order on the
// text column equals chronological order. RFC3339Nano trims trailing
// zeros, which makes whole-second values sort after sub-second ones.
const sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Append(ctx context.Context, r Record) (Record, error) {
	if s == nil || s.db == nil {
		return Record{}, ErrDisabled
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	if r.Status == "" {
		r.Status = StatusSent
	}

	var contentJSON any
	if len(r.Content) > 0 {
		b, err := json.Marshal(r.Content)
		if err != nil {
			return Record{}, fmt.Errorf("marshal content: %w", err)
		}
		contentJSON = string(b)
	}
	recipientsJSON, err := json.Marshal(r.Recipients)
	if err != nil {
		return Record{}, fmt.Errorf("marshal recipients: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO history(id, at, channel, template, origin, status, err, entity_kind, entity_key, recipients, content)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.At.UTC().Format(sqliteTimeFormat), r.Channel, r.Template, nullStr(r.Origin),
		r.Status, nullStr(r.Error), nullStr(r.Entity.Kind), nullStr(r.Entity.Key),
		string(recipientsJSON), contentJSON,
	)
	if err != nil {
		return Record{}, err
	}
	return r, nil
}

func (s *sqliteStore) Query(ctx context.Context, f Filter) ([]Record, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}

	var (
		where []string
		args  []any
	)
	if f.Entity != nil {
		where = append(where, "entity_kind = ? AND entity_key = ?")
		args = append(args, f.Entity.Kind, f.Entity.Key)
	}
	if f.Template != "" {
		where = append(where, "template = ?")
		args = append(args, f.Template)
	}
	if f.Channel != "" {
		where = append(where, "channel = ?")
		args = append(args, f.Channel)
	}
	if f.Origin != "" {
		where = append(where, "origin = ?")
		args = append(args, f.Origin)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if !f.Since.IsZero() {
		where = append(where, "at >= ?")
		args = append(args, f.Since.UTC().Format(sqliteTimeFormat))
	}
	if !f.Until.IsZero() {
		where = append(where, "at <= ?")
		args = append(args, f.Until.UTC().Format(sqliteTimeFormat))
	}

	q := `SELECT id, at, channel, template, origin, status, err, entity_kind, entity_key, recipients, content FROM history`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY at DESC"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r          Record
			at         string
			origin     sql.NullString
			errStr     sql.NullString
			entityKind sql.NullString
			entityKey  sql.NullString
			recipients string
			content    sql.NullString
		)
		if err := rows.Scan(&r.ID, &at, &r.Channel, &r.Template, &origin, &r.Status, &errStr,
			&entityKind, &entityKey, &recipients, &content); err != nil {
			return nil, err
		}
		if r.At, err = time.Parse(sqliteTimeFormat, at); err != nil {
			return nil, fmt.Errorf("parse history timestamp: %w", err)
		}
		r.Origin = origin.String
		r.Error = errStr.String
		r.Entity = notify.EntityRef{Kind: entityKind.String, Key: entityKey.String}
		if recipients != "" {
			if err := json.Unmarshal([]byte(recipients), &r.Recipients); err != nil {
				return nil, fmt.Errorf("unmarshal recipients: %w", err)
			}
		}
		if content.Valid && content.String != "" {
			if err := json.Unmarshal([]byte(content.String), &r.Content); err != nil {
				return nil, fmt.Errorf("unmarshal content: %w", err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
