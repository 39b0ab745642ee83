// Copyright 2026 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/gdamore/paas"
)

const logColumns = `id, app_id, stream, message, created_at`

func scanLog(row scanner) (*paas.LogEntry, error) {
	var (
		e       paas.LogEntry
		stream  string
		created int64
	)
	if err := row.Scan(&e.Id, &e.AppId, &stream, &e.Message, &created); err != nil {
		return nil, err
	}
	e.Stream = paas.Stream(stream)
	e.CreatedAt = fromUnix(created)
	return &e, nil
}

func collectLogs(rows *sql.Rows) ([]*paas.LogEntry, error) {
	defer rows.Close()
	logs := []*paas.LogEntry{}
	for rows.Next() {
		e, err := scanLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		logs = append(logs, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read log entries: %w", err)
	}
	return logs, nil
}

// AppendLog stores one line for the application.  It fails with
// paas.ErrNotFound when no such application exists.
func (db *DB) AppendLog(ctx context.Context, appId string, line paas.LogLine) (*paas.LogEntry, error) {
	now := db.now()
	res, err := db.conn.ExecContext(ctx,
		`INSERT INTO logs (app_id, stream, message, created_at)
		 SELECT ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM apps WHERE id = ?)`,
		appId, string(line.Stream), line.Message, toUnix(now), appId)
	if err != nil {
		return nil, fmt.Errorf("failed to insert log entry: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("failed to insert log entry: %w", err)
	} else if n == 0 {
		return nil, paas.ErrNotFound
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get last insert id: %w", err)
	}
	return &paas.LogEntry{
		Id:        id,
		AppId:     appId,
		Stream:    line.Stream,
		Message:   line.Message,
		CreatedAt: fromUnix(toUnix(now)),
	}, nil
}

// RecentLogs returns the newest limit entries, ordered oldest first.
func (db *DB) RecentLogs(ctx context.Context, appId string, limit int) ([]*paas.LogEntry, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+logColumns+` FROM (
			SELECT `+logColumns+` FROM logs WHERE app_id = ?
			ORDER BY created_at DESC, id DESC LIMIT ?
		) ORDER BY created_at, id`,
		appId, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}
	return collectLogs(rows)
}

// LogsSince returns every entry created strictly after since, oldest
// first.
func (db *DB) LogsSince(ctx context.Context, appId string, since time.Time) ([]*paas.LogEntry, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+logColumns+` FROM logs WHERE app_id = ? AND created_at > ?
		 ORDER BY created_at, id`,
		appId, toUnix(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}
	return collectLogs(rows)
}

// PruneLogs applies both retention policies: it deletes every entry
// created before the cutoff, and then, per application, every entry
// beyond the newest keep.  The two deletes are independent; both are
// attempted even if the first fails.  Inserts that race with a prune are
// always among the newest rows, so they are never the ones ranked out.
func (db *DB) PruneLogs(ctx context.Context, before time.Time, keep int) (aged int64, capped int64, err error) {
	res, e1 := db.conn.ExecContext(ctx,
		`DELETE FROM logs WHERE created_at < ?`, toUnix(before))
	if e1 == nil {
		aged, e1 = res.RowsAffected()
	}
	if e1 != nil {
		e1 = fmt.Errorf("failed to delete aged logs: %w", e1)
	}

	res, e2 := db.conn.ExecContext(ctx,
		`DELETE FROM logs WHERE id IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (
					PARTITION BY app_id ORDER BY created_at DESC, id DESC
				) AS rn FROM logs
			) WHERE rn > ?
		)`, keep)
	if e2 == nil {
		capped, e2 = res.RowsAffected()
	}
	if e2 != nil {
		e2 = fmt.Errorf("failed to cap logs: %w", e2)
	}

	if e1 != nil {
		return aged, capped, e1
	}
	return aged, capped, e2
}
