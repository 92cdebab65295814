package discovery

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// Compile-time interface guards.
var (
	_ Store  = (*SQLiteStore)(nil)
	_ Handle = (*sqliteHandle)(nil)
)

// SQLiteStore implements Store backed by SQLite via modernc.org/sqlite.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLite opens (or creates) a SQLite database at the given path and
// applies recommended pragmas for WAL mode and performance.
func NewSQLite(path string, logger *zap.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// SQLite performs best with a single write connection. WAL enables concurrent readers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %q: %w", path, err)
	}

	// Apply recommended pragmas (modernc.org/sqlite requires SQL statements, not DSN params).
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS dhosts (
			dhostid  INTEGER PRIMARY KEY AUTOINCREMENT,
			druleid  INTEGER NOT NULL,
			ip       TEXT    NOT NULL,
			dns      TEXT    NOT NULL DEFAULT '',
			status   INTEGER NOT NULL DEFAULT 1,
			lastup   INTEGER NOT NULL DEFAULT 0,
			lastdown INTEGER NOT NULL DEFAULT 0,
			UNIQUE (druleid, ip)
		)`,
		`CREATE TABLE IF NOT EXISTS dservices (
			dserviceid INTEGER PRIMARY KEY AUTOINCREMENT,
			dhostid    INTEGER NOT NULL REFERENCES dhosts(dhostid) ON DELETE CASCADE,
			dcheckid   INTEGER NOT NULL,
			port       INTEGER NOT NULL,
			status     INTEGER NOT NULL DEFAULT 1,
			value      TEXT    NOT NULL DEFAULT '',
			lastup     INTEGER NOT NULL DEFAULT 0,
			lastdown   INTEGER NOT NULL DEFAULT 0,
			UNIQUE (dhostid, dcheckid, port)
		)`,
		`CREATE TABLE IF NOT EXISTS drule_status (
			druleid  INTEGER PRIMARY KEY,
			error    TEXT    NOT NULL DEFAULT '',
			lastexec INTEGER NOT NULL DEFAULT 0
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// DB returns the underlying *sql.DB for direct queries.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Open implements Store. Each flush session runs in one transaction.
func (s *SQLiteStore) Open(ctx context.Context) (Handle, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin flush tx: %w", err)
	}
	return &sqliteHandle{
		tx:     tx,
		ctx:    ctx,
		logger: s.logger.With(zap.String("flush", uuid.New().String())),
	}, nil
}

type sqliteHandle struct {
	tx     *sql.Tx
	ctx    context.Context
	logger *zap.Logger
}

func (h *sqliteHandle) UpdateService(druleid, dcheckid, uniqueDCheckID uint64, dhost *DHost,
	ip, dns string, port, status int, value string, now time.Time, dserviceids *[]uint64) error {

	if dhost.DHostID == 0 {
		found, err := h.findHost(druleid, ip)
		if err != nil && err != ErrNotFound {
			return err
		}
		if err == ErrNotFound {
			// Register the host on its first discovered service. When the rule
			// has a unique check, only that check's results may create hosts.
			if uniqueDCheckID != 0 && uniqueDCheckID != dcheckid {
				return nil
			}
			res, err := h.tx.ExecContext(h.ctx,
				`INSERT INTO dhosts (druleid, ip, dns) VALUES (?, ?, ?)`,
				druleid, ip, dns)
			if err != nil {
				return fmt.Errorf("insert dhost: %w", err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("dhost id: %w", err)
			}
			*dhost = DHost{DHostID: uint64(id), DRuleID: druleid, IP: ip, DNSName: dns}
		} else {
			*dhost = *found
		}
	}

	var (
		lastup, lastdown int64
	)
	if status == StatusUp {
		lastup = now.Unix()
	} else {
		lastdown = now.Unix()
	}

	if _, err := h.tx.ExecContext(h.ctx, `
		INSERT INTO dservices (dhostid, dcheckid, port, status, value, lastup, lastdown)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (dhostid, dcheckid, port) DO UPDATE SET
			status = excluded.status,
			value = excluded.value,
			lastup = CASE WHEN excluded.status = 0 THEN excluded.lastup ELSE lastup END,
			lastdown = CASE WHEN excluded.status = 1 THEN excluded.lastdown ELSE lastdown END`,
		dhost.DHostID, dcheckid, port, status, value, lastup, lastdown); err != nil {
		return fmt.Errorf("upsert dservice: %w", err)
	}

	var dserviceid uint64
	if err := h.tx.QueryRowContext(h.ctx,
		`SELECT dserviceid FROM dservices WHERE dhostid = ? AND dcheckid = ? AND port = ?`,
		dhost.DHostID, dcheckid, port).Scan(&dserviceid); err != nil {
		return fmt.Errorf("dservice id: %w", err)
	}
	*dserviceids = append(*dserviceids, dserviceid)

	return nil
}

func (h *sqliteHandle) UpdateServiceDown(dhostid uint64, now time.Time, dserviceids []uint64) error {
	query := `UPDATE dservices SET status = 1, lastdown = ? WHERE dhostid = ? AND status = 0`
	args := []any{now.Unix(), dhostid}

	if len(dserviceids) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(dserviceids)), ",")
		query += ` AND dserviceid NOT IN (` + placeholders + `)`
		for _, id := range dserviceids {
			args = append(args, id)
		}
	}

	if _, err := h.tx.ExecContext(h.ctx, query, args...); err != nil {
		return fmt.Errorf("mark services down: %w", err)
	}
	return nil
}

func (h *sqliteHandle) UpdateHost(druleid uint64, dhost *DHost, ip, dns string, status int, now time.Time) error {
	if dhost.DHostID == 0 {
		// Host was never materialised (all checks down and no prior record).
		return nil
	}

	var lastup, lastdown int64
	if status == StatusUp {
		lastup = now.Unix()
	} else {
		lastdown = now.Unix()
	}

	if _, err := h.tx.ExecContext(h.ctx, `
		UPDATE dhosts SET dns = ?, status = ?,
			lastup = CASE WHEN ? = 0 THEN ? ELSE lastup END,
			lastdown = CASE WHEN ? = 1 THEN ? ELSE lastdown END
		WHERE dhostid = ?`,
		dns, status, status, lastup, status, lastdown, dhost.DHostID); err != nil {
		return fmt.Errorf("update dhost: %w", err)
	}

	h.logger.Debug("host updated",
		zap.Uint64("druleid", druleid),
		zap.String("ip", ip),
		zap.Int("status", status))
	return nil
}

func (h *sqliteHandle) UpdateDRule(druleid uint64, errText string, now time.Time) error {
	if _, err := h.tx.ExecContext(h.ctx, `
		INSERT INTO drule_status (druleid, error, lastexec) VALUES (?, ?, ?)
		ON CONFLICT (druleid) DO UPDATE SET error = excluded.error, lastexec = excluded.lastexec`,
		druleid, errText, now.Unix()); err != nil {
		return fmt.Errorf("update drule status: %w", err)
	}
	return nil
}

func (h *sqliteHandle) FindHost(druleid uint64, ip string) (*DHost, error) {
	return h.findHost(druleid, ip)
}

func (h *sqliteHandle) findHost(druleid uint64, ip string) (*DHost, error) {
	var (
		dhost            DHost
		lastup, lastdown int64
	)
	err := h.tx.QueryRowContext(h.ctx,
		`SELECT dhostid, druleid, ip, dns, status, lastup, lastdown FROM dhosts
		 WHERE druleid = ? AND ip = ?`, druleid, ip,
	).Scan(&dhost.DHostID, &dhost.DRuleID, &dhost.IP, &dhost.DNSName, &dhost.Status,
		&lastup, &lastdown)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find dhost %d/%s: %w", druleid, ip, err)
	}
	dhost.LastUp = time.Unix(lastup, 0)
	dhost.LastDown = time.Unix(lastdown, 0)
	return &dhost, nil
}

func (h *sqliteHandle) Close() error {
	if err := h.tx.Commit(); err != nil {
		return fmt.Errorf("commit flush: %w", err)
	}
	return nil
}
