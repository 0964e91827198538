// Package journal records every OS change a tunnel session has made and
// not yet reverted, so a restarted process can undo what a crashed one
// left behind.
package journal

import (
	"database/sql"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"wgtunnel/internal/core"
	"wgtunnel/internal/route"
)

// Journal is a SQLite-backed record of outstanding changes. A nil
// *Journal is valid and records nothing.
type Journal struct {
	db *sql.DB
}

// SessionRecord describes an interface created for a session.
type SessionRecord struct {
	ID            string
	Profile       string
	InterfaceName string
	LUID          uint64
	GUID          string
	StartedAt     time.Time
}

// Pending is everything a previous process left outstanding.
type Pending struct {
	Sessions []SessionRecord
	Routes   []route.Row
	DNS      map[string][]netip.Addr
}

// Empty reports whether nothing is outstanding.
func (p Pending) Empty() bool {
	return len(p.Sessions) == 0 && len(p.Routes) == 0 && len(p.DNS) == 0
}

// Open opens (or creates) the journal at path. Use ":memory:" in tests.
func Open(path string) (*Journal, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("[Journal] open %s: %w", path, err)
	}
	// One connection: writes are tiny and must not hit SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA synchronous=FULL"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("[Journal] %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("[Journal] migrate: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	return j.db.Close()
}

// SessionStarted records an interface created for a session.
func (j *Journal) SessionStarted(s SessionRecord) error {
	if j == nil {
		return nil
	}
	_, err := j.db.Exec(
		`INSERT OR REPLACE INTO sessions (id, profile, interface_name, luid, guid, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		s.ID, s.Profile, s.InterfaceName, int64(s.LUID), s.GUID, s.StartedAt.Unix(),
	)
	return err
}

// SessionEnded forgets a session whose interface has been destroyed.
func (j *Journal) SessionEnded(id string) error {
	if j == nil {
		return nil
	}
	_, err := j.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	return err
}

// RouteAdded records an installed route.
func (j *Journal) RouteAdded(r route.ManagedRoute) error {
	if j == nil {
		return nil
	}
	blob, err := r.Row.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = j.db.Exec(
		`INSERT OR REPLACE INTO routes (dest, luid, metric, row) VALUES (?, ?, ?, ?)`,
		r.Destination.String(), int64(r.InterfaceLUID), int64(r.Metric), blob,
	)
	return err
}

// RouteRemoved forgets a route that has been deleted.
func (j *Journal) RouteRemoved(r route.ManagedRoute) error {
	if j == nil {
		return nil
	}
	_, err := j.db.Exec(`DELETE FROM routes WHERE dest = ? AND luid = ?`,
		r.Destination.String(), int64(r.InterfaceLUID))
	return err
}

// DNSModified records the pre-tunnel DNS servers of an interface.
func (j *Journal) DNSModified(guid string, original []netip.Addr) error {
	if j == nil {
		return nil
	}
	parts := make([]string, len(original))
	for i, a := range original {
		parts[i] = a.String()
	}
	_, err := j.db.Exec(`INSERT OR REPLACE INTO dns (guid, original) VALUES (?, ?)`,
		guid, strings.Join(parts, ","))
	return err
}

// DNSRestored forgets an interface whose DNS has been put back.
func (j *Journal) DNSRestored(guid string) error {
	if j == nil {
		return nil
	}
	_, err := j.db.Exec(`DELETE FROM dns WHERE guid = ?`, guid)
	return err
}

// Pending returns everything still outstanding. Unreadable rows are
// logged and skipped.
func (j *Journal) Pending() (Pending, error) {
	p := Pending{DNS: map[string][]netip.Addr{}}
	if j == nil {
		return p, nil
	}

	rows, err := j.db.Query(`SELECT id, profile, interface_name, luid, guid, started_at FROM sessions ORDER BY started_at`)
	if err != nil {
		return p, fmt.Errorf("[Journal] read sessions: %w", err)
	}
	for rows.Next() {
		var s SessionRecord
		var luid, started int64
		if err := rows.Scan(&s.ID, &s.Profile, &s.InterfaceName, &luid, &s.GUID, &started); err != nil {
			rows.Close()
			return p, fmt.Errorf("[Journal] scan session: %w", err)
		}
		s.LUID = uint64(luid)
		s.StartedAt = time.Unix(started, 0)
		p.Sessions = append(p.Sessions, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return p, err
	}

	rows, err = j.db.Query(`SELECT dest, row FROM routes`)
	if err != nil {
		return p, fmt.Errorf("[Journal] read routes: %w", err)
	}
	for rows.Next() {
		var dest string
		var blob []byte
		if err := rows.Scan(&dest, &blob); err != nil {
			rows.Close()
			return p, fmt.Errorf("[Journal] scan route: %w", err)
		}
		var r route.Row
		if err := r.UnmarshalBinary(blob); err != nil {
			core.Log.Warnf("Journal", "Skipping unreadable route %s: %v", dest, err)
			continue
		}
		p.Routes = append(p.Routes, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return p, err
	}

	rows, err = j.db.Query(`SELECT guid, original FROM dns`)
	if err != nil {
		return p, fmt.Errorf("[Journal] read dns: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var guid, original string
		if err := rows.Scan(&guid, &original); err != nil {
			return p, fmt.Errorf("[Journal] scan dns: %w", err)
		}
		var addrs []netip.Addr
		for _, s := range strings.Split(original, ",") {
			if s == "" {
				continue
			}
			a, err := netip.ParseAddr(s)
			if err != nil {
				core.Log.Warnf("Journal", "Skipping unreadable DNS server %q for %s", s, guid)
				continue
			}
			addrs = append(addrs, a)
		}
		p.DNS[guid] = addrs
	}
	return p, rows.Err()
}

// Clear forgets everything.
func (j *Journal) Clear() error {
	if j == nil {
		return nil
	}
	tx, err := j.db.Begin()
	if err != nil {
		return err
	}
	for _, table := range []string{"sessions", "routes", "dns"} {
		if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
			tx.Rollback()
			return fmt.Errorf("[Journal] clear %s: %w", table, err)
		}
	}
	return tx.Commit()
}
