package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"fieldgate/config"
	"fieldgate/detect"
	"fieldgate/driver"
)

// Postgres is the production Store backed by the metadata database.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects with conservative pool limits; the core only
// issues short point reads.
func OpenPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Postgres{db: db}, nil
}

// NewPostgres wraps an existing handle, for tests.
func NewPostgres(db *sql.DB) *Postgres { return &Postgres{db: db} }

func (s *Postgres) Close() error { return s.db.Close() }

func (s *Postgres) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const connColumns = `id, name, type, enabled, coalesce(endpoint,''), coalesce(host,''),
	coalesce(port,0), coalesce(username,''), coalesce(password,''), coalesce(rack,0),
	coalesce(slot,0), coalesce(options,'{}')`

func (s *Postgres) EnabledConnections(ctx context.Context) ([]config.ConnConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+connColumns+` FROM connections WHERE enabled ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: enabled connections: %w", err)
	}
	defer rows.Close()

	var out []config.ConnConfig
	for rows.Next() {
		c, err := scanConn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Postgres) Connection(ctx context.Context, id string) (config.ConnConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+connColumns+` FROM connections WHERE id = $1`, id)
	c, err := scanConn(row)
	if err == sql.ErrNoRows {
		return config.ConnConfig{}, ErrNotFound
	}
	return c, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanConn reads the fixed connection columns and folds the options
// JSON document (TLS, MQTT subscriptions/publishers, EIP tuning,
// security settings) on top.
func scanConn(row rowScanner) (config.ConnConfig, error) {
	var c config.ConnConfig
	var options []byte
	err := row.Scan(&c.ID, &c.Name, &c.Type, &c.Enabled, &c.Endpoint, &c.Host,
		&c.Port, &c.Username, &c.Password, &c.Rack, &c.Slot, &options)
	if err != nil {
		return config.ConnConfig{}, err
	}
	if len(options) > 0 && string(options) != "{}" {
		if err := json.Unmarshal(options, &c); err != nil {
			return config.ConnConfig{}, fmt.Errorf("store: conn %s options: %w", c.ID, err)
		}
	}
	return c, nil
}

func (s *Postgres) TagsForConnection(ctx context.Context, connID string) ([]driver.Tag, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+tagColumns+`
		FROM tags t
		WHERE t.connection_id = $1
		  AND t.subscribed
		  AND t.status = 'active'
		ORDER BY t.id`, connID)
	if err != nil {
		return nil, fmt.Errorf("store: tags for %s: %w", connID, err)
	}
	defer rows.Close()
	return scanTags(rows)
}

const tagColumns = `t.id, t.connection_id, t.path, t.name, t.data_type,
	coalesce(t.poll_group_id,0), t.subscribed, coalesce(t.unit,''), t.status,
	t.detect_enabled, t.deadband, t.deadband_kind, t.heartbeat_ms`

func (s *Postgres) TagsByID(ctx context.Context, connID string, tagIDs []int64) ([]driver.Tag, error) {
	if len(tagIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+tagColumns+`
		FROM tags t
		WHERE t.connection_id = $1
		  AND t.id = ANY($2)
		  AND t.status <> 'deleted'
		ORDER BY t.id`, connID, pq.Array(tagIDs))
	if err != nil {
		return nil, fmt.Errorf("store: tags by id for %s: %w", connID, err)
	}
	defer rows.Close()
	return scanTags(rows)
}

func scanTags(rows *sql.Rows) ([]driver.Tag, error) {
	var out []driver.Tag
	for rows.Next() {
		var t driver.Tag
		var dataType, deadbandKind, status string
		var heartbeatMs int64
		err := rows.Scan(&t.ID, &t.ConnID, &t.Path, &t.Name, &dataType,
			&t.PollGroupID, &t.Subscribed, &t.Unit, &status,
			&t.Policy.Enabled, &t.Policy.Deadband, &deadbandKind, &heartbeatMs)
		if err != nil {
			return nil, err
		}
		if dt, ok := config.NormalizeDataType(dataType); ok {
			t.DataType = dt
		}
		t.Status = driver.TagStatus(status)
		t.Policy.DeadbandKind = detect.DeadbandKind(deadbandKind)
		t.Policy.Heartbeat = time.Duration(heartbeatMs) * time.Millisecond
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Postgres) PollGroups(ctx context.Context) (map[int64]driver.PollGroup, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, rate_ms, enabled FROM poll_groups`)
	if err != nil {
		return nil, fmt.Errorf("store: poll groups: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]driver.PollGroup)
	for rows.Next() {
		var g driver.PollGroup
		if err := rows.Scan(&g.ID, &g.Name, &g.RateMs, &g.Enabled); err != nil {
			return nil, err
		}
		out[g.ID] = g
	}
	return out, rows.Err()
}

func (s *Postgres) SubscribedTagIDs(ctx context.Context) ([]TagRef, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.connection_id, t.id
		FROM tags t
		JOIN connections c ON c.id = t.connection_id
		WHERE c.enabled AND t.subscribed AND t.status = 'active'`)
	if err != nil {
		return nil, fmt.Errorf("store: subscribed tags: %w", err)
	}
	defer rows.Close()

	var out []TagRef
	for rows.Next() {
		var r TagRef
		if err := rows.Scan(&r.ConnID, &r.TagID); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Postgres) CurrentValues(ctx context.Context, tagIDs []int64) (map[int64]CurrentValue, error) {
	out := make(map[int64]CurrentValue, len(tagIDs))
	if len(tagIDs) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT tag_id, value, quality, ts
		FROM current_values
		WHERE tag_id = ANY($1)`, pq.Array(tagIDs))
	if err != nil {
		return nil, fmt.Errorf("store: current values: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var cv CurrentValue
		var raw []byte
		var q int
		if err := rows.Scan(&cv.TagID, &raw, &q, &cv.TS); err != nil {
			return nil, err
		}
		cv.Quality = driver.Quality(q)
		if len(raw) > 0 {
			var v interface{}
			if err := json.Unmarshal(raw, &v); err == nil {
				cv.Value = v
			}
		}
		out[cv.TagID] = cv
	}
	return out, rows.Err()
}
