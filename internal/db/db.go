package db

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

type DB struct {
	sql *sql.DB
}

func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, err
	}
	if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, err
	}
	return &DB{sql: conn}, nil
}

func (d *DB) Close() error {
	return d.sql.Close()
}

func (d *DB) Migrate() error {
	_, err := d.sql.Exec(`
		CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create metadata: %w", err)
	}

	_, err = d.sql.Exec(`
		CREATE TABLE IF NOT EXISTS presence_events (
			id        INTEGER PRIMARY KEY,
			channel   TEXT NOT NULL,
			token     TEXT NOT NULL,
			action    TEXT NOT NULL,
			ts        INTEGER NOT NULL,
			synthetic INTEGER NOT NULL DEFAULT 0
		)
	`)
	if err != nil {
		return fmt.Errorf("create presence_events: %w", err)
	}

	if _, err := d.sql.Exec(`CREATE INDEX IF NOT EXISTS idx_presence_events_channel ON presence_events(channel, ts DESC)`); err != nil {
		return fmt.Errorf("index presence_events: %w", err)
	}
	return nil
}

func (d *DB) InsertPresenceEvent(e PresenceEvent) error {
	ts := e.Ts
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := d.sql.Exec(
		`INSERT INTO presence_events (channel, token, action, ts, synthetic) VALUES (?, ?, ?, ?, ?)`,
		e.Channel, e.Token, e.Action, ts.UnixMilli(), boolToInt(e.Synthetic),
	)
	if err != nil {
		return err
	}
	return d.Touch()
}

// PresenceEvents returns the newest events of a channel first.
func (d *DB) PresenceEvents(channel string, limit int) ([]PresenceEvent, error) {
	rows, err := d.sql.Query(
		`SELECT id, channel, token, action, ts, synthetic
		 FROM presence_events
		 WHERE channel = ?
		 ORDER BY ts DESC, id DESC
		 LIMIT ?`,
		channel, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []PresenceEvent
	for rows.Next() {
		var e PresenceEvent
		var ts int64
		var synthetic int
		if err := rows.Scan(&e.ID, &e.Channel, &e.Token, &e.Action, &ts, &synthetic); err != nil {
			return nil, err
		}
		e.Ts = time.UnixMilli(ts)
		e.Synthetic = synthetic != 0
		events = append(events, e)
	}
	return events, rows.Err()
}

// ChannelActivity returns one summary per channel seen in the journal,
// ordered by channel name.
func (d *DB) ChannelActivity() ([]ChannelActivity, error) {
	rows, err := d.sql.Query(`
		SELECT channel,
			COUNT(*),
			SUM(CASE WHEN action = 'REGISTER' THEN 1 ELSE 0 END),
			SUM(CASE WHEN action = 'DEREGISTER' THEN 1 ELSE 0 END),
			MAX(ts)
		FROM presence_events
		GROUP BY channel
		ORDER BY channel`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChannelActivity
	for rows.Next() {
		var a ChannelActivity
		var last int64
		if err := rows.Scan(&a.Channel, &a.Events, &a.Joins, &a.Leaves, &last); err != nil {
			return nil, err
		}
		a.LastEvent = time.UnixMilli(last)
		out = append(out, a)
	}
	return out, rows.Err()
}

// PruneBefore deletes events older than cutoff and reports how many went.
func (d *DB) PruneBefore(cutoff time.Time) (int64, error) {
	res, err := d.sql.Exec(`DELETE FROM presence_events WHERE ts < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune presence_events: %w", err)
	}
	return res.RowsAffected()
}

func (d *DB) SetMeta(key, value string) error {
	_, err := d.sql.Exec("INSERT OR REPLACE INTO metadata (key, value) VALUES (?,?)", key, value)
	return err
}

func (d *DB) GetMeta(key string) (string, error) {
	var value string
	err := d.sql.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (d *DB) Touch() error {
	return d.SetMeta("last_modified", fmt.Sprintf("%d", time.Now().UnixMilli()))
}

func (d *DB) LastModified() int64 {
	v, _ := d.GetMeta("last_modified")
	if v == "" {
		return 0
	}
	var ts int64
	fmt.Sscanf(strings.TrimSpace(v), "%d", &ts)
	return ts
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
