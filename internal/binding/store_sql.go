package binding

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/park285/mc-matrix-bridge/internal/mcserver"
)

// Dialect selects the SQL flavour of an SQLStore.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// SQLStore keeps bindings in the room_bindings table.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

var _ Store = (*SQLStore)(nil)

// OpenSQLStore opens dsn with the driver for dialect, checks the connection
// and applies pending schema migrations.
func OpenSQLStore(ctx context.Context, dialect Dialect, dsn string) (*SQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("%s dsn is required", dialect)
	}
	var driver string
	switch dialect {
	case DialectPostgres:
		driver = "postgres"
	case DialectSQLite:
		driver = "sqlite"
	default:
		return nil, fmt.Errorf("unsupported sql dialect %q", dialect)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if dialect == DialectSQLite {
		// one connection: sqlite serialises writers and :memory: is per-connection
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(16)
		db.SetMaxIdleConns(8)
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := Migrate(ctx, db, dialect); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewSQLStore(db, dialect), nil
}

// NewSQLStore wraps an open database whose schema is already migrated.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *SQLStore) rebind(q string) string {
	if s.dialect != DialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) Link(ctx context.Context, roomID string, server mcserver.Identity, origin Origin) error {
	if err := validateLink(roomID, server, origin); err != nil {
		return err
	}
	q := `INSERT INTO room_bindings (room_id, hostname, port, origin)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (room_id, hostname, port) DO UPDATE SET
			origin = excluded.origin,
			updated_at = CURRENT_TIMESTAMP`
	if _, err := s.db.ExecContext(ctx, s.rebind(q), roomID, server.Hostname, server.Port, string(origin)); err != nil {
		return fmt.Errorf("sql link %s: %w", Key(roomID, server), err)
	}
	return nil
}

func (s *SQLStore) Unlink(ctx context.Context, roomID string, server mcserver.Identity, origin Origin) error {
	if err := validateUnlink(roomID, server, origin); err != nil {
		return err
	}
	q := `DELETE FROM room_bindings WHERE room_id = ? AND hostname = ? AND port = ?`
	args := []any{roomID, server.Hostname, server.Port}
	if origin != "" {
		q += ` AND origin = ?`
		args = append(args, string(origin))
	}
	if _, err := s.db.ExecContext(ctx, s.rebind(q), args...); err != nil {
		return fmt.Errorf("sql unlink %s: %w", Key(roomID, server), err)
	}
	return nil
}

func (s *SQLStore) Linked(ctx context.Context, roomID string) ([]mcserver.Identity, error) {
	bs, err := s.Bindings(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return serversOf(bs), nil
}

func (s *SQLStore) Bindings(ctx context.Context, roomID string) ([]Binding, error) {
	q := `SELECT room_id, hostname, port, origin FROM room_bindings WHERE room_id = ?`
	rows, err := s.db.QueryContext(ctx, s.rebind(q), roomID)
	if err != nil {
		return nil, fmt.Errorf("sql bindings %s: %w", roomID, err)
	}
	defer rows.Close()
	var out []Binding
	for rows.Next() {
		var (
			b      Binding
			host   string
			port   int
			origin string
		)
		if err := rows.Scan(&b.RoomID, &host, &port, &origin); err != nil {
			return nil, err
		}
		b.Server = mcserver.New(host, port)
		b.Origin = Origin(origin)
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortBindings(out)
	return out, nil
}

func (s *SQLStore) RoomsFor(ctx context.Context, server mcserver.Identity) ([]string, error) {
	q := `SELECT room_id FROM room_bindings WHERE hostname = ? AND port = ?`
	return s.queryRooms(ctx, q, server.Hostname, server.Port)
}

func (s *SQLStore) Rooms(ctx context.Context) ([]string, error) {
	return s.queryRooms(ctx, `SELECT DISTINCT room_id FROM room_bindings`)
}

func (s *SQLStore) queryRooms(ctx context.Context, q string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("sql rooms: %w", err)
	}
	defer rows.Close()
	out := make([]string, 0, 4)
	for rows.Next() {
		var room string
		if err := rows.Scan(&room); err != nil {
			return nil, err
		}
		out = append(out, room)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
