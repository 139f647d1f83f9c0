package export

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/golang/glog"
)

const (
	sqlEventCountInfo = 1000

	sqlCreateTableTmpl = `CREATE TABLE IF NOT EXISTS iqcast_events (
		"ID"              INTEGER NOT NULL PRIMARY KEY AUTOINCREMENT,
		"Session"         TEXT NOT NULL,
		"Source"          TEXT NOT NULL,
		"Type"            TEXT NOT NULL,
		"CenterFrequency" INTEGER,
		"SampleRate"      INTEGER,
		"Frames"          INTEGER,
		"Datagrams"       INTEGER,
		"Bytes"           INTEGER,
		"Detail"          TEXT,
		"Time"            INTEGER
	);`
	sqlInsertEventTmpl = `INSERT INTO iqcast_events (
		Session,
		Source,
		Type,
		CenterFrequency,
		SampleRate,
		Frames,
		Datagrams,
		Bytes,
		Detail,
		Time
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`
)

// SQLite logs events into a local sqlite file; MySQL into a remote DB.
// Both share the same schema and insert path.
type SQLite struct {
	DB *sql.DB
}

func (s *SQLite) Write(ctx context.Context, events <-chan Event) error {
	return sqlWrite(s.DB, events)
}

type MySQL struct {
	DB *sql.DB
}

func (m *MySQL) Write(ctx context.Context, events <-chan Event) error {
	return sqlWrite(m.DB, events)
}

func sqlWrite(db *sql.DB, events <-chan Event) error {
	if err := sqlCreateTableIfNotExists(db); err != nil {
		return fmt.Errorf("unable to create table: %s", err)
	}

	counts := map[string]int{
		"error":   0,
		"success": 0,
		"total":   0,
	}
	for e := range events {
		counts["total"] += 1
		if err := sqlInsertEvent(db, e); err != nil {
			counts["error"] += 1
			glog.Warningf("error storing session event: %s\n", err)
			continue
		}
		counts["success"] += 1
		if counts["total"]%sqlEventCountInfo == 0 {
			glog.Infof("Session event export counts: %+v\n", counts)
		}
	}

	return nil
}

func sqlCreateTableIfNotExists(db *sql.DB) error {
	statement, err := db.Prepare(sqlCreateTableTmpl)
	if err != nil {
		return err
	}
	if _, err := statement.Exec(); err != nil {
		return err
	}

	return nil
}

func sqlInsertEvent(db *sql.DB, e Event) error {
	statement, err := db.Prepare(sqlInsertEventTmpl)
	if err != nil {
		return err
	}
	if _, err := statement.Exec(e.Session, e.Source, e.Type, e.CenterFrequency, e.SampleRate, e.Frames, e.Datagrams, e.Bytes, e.Detail, e.Time.UnixMilli()); err != nil {
		return err
	}

	return nil
}
