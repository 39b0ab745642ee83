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
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gdamore/paas"
)

const appColumns = `id, name, command, working_dir, env_vars, port, pid, status,
	created_at, updated_at`

type scanner interface {
	Scan(...any) error
}

func scanApp(row scanner) (*paas.Application, error) {
	var (
		a       paas.Application
		env     sql.NullString
		pid     sql.NullInt64
		status  string
		created int64
		updated int64
	)
	err := row.Scan(&a.Id, &a.Name, &a.Command, &a.WorkingDir, &env,
		&a.Port, &pid, &status, &created, &updated)
	if err != nil {
		return nil, err
	}
	if env.Valid && env.String != "" {
		if err := json.Unmarshal([]byte(env.String), &a.EnvVars); err != nil {
			return nil, fmt.Errorf("failed to decode env_vars: %w", err)
		}
	}
	if pid.Valid {
		p := int(pid.Int64)
		a.Pid = &p
	}
	a.Status = paas.Status(status)
	a.CreatedAt = fromUnix(created)
	a.UpdatedAt = fromUnix(updated)
	return &a, nil
}

func encodeEnv(env map[string]string) (sql.NullString, error) {
	if env == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(env)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode env_vars: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullPid(pid *int) sql.NullInt64 {
	if pid == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*pid), Valid: true}
}

// CreateApp inserts a new application.  The insert is refused with a
// *paas.PortConflictError when another application that is not STOPPED
// already holds the same port.  The check and the insert are atomic.
func (db *DB) CreateApp(ctx context.Context, app *paas.Application) error {
	env, err := encodeEnv(app.EnvVars)
	if err != nil {
		return err
	}
	now := db.now()
	app.CreatedAt = now.UTC()
	app.UpdatedAt = now.UTC()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var owner string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM apps WHERE port = ? AND status != ? LIMIT 1`,
		app.Port, string(paas.StatusStopped)).Scan(&owner)
	switch {
	case err == nil:
		return &paas.PortConflictError{Port: app.Port, Owner: owner}
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("failed to check port: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO apps (`+appColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		app.Id, app.Name, app.Command, app.WorkingDir, env, app.Port,
		nullPid(app.Pid), string(app.Status), toUnix(now), toUnix(now))
	if err != nil {
		return fmt.Errorf("failed to insert application: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit application: %w", err)
	}
	return nil
}

// GetApp returns a single application, or paas.ErrNotFound.
func (db *DB) GetApp(ctx context.Context, id string) (*paas.Application, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+appColumns+` FROM apps WHERE id = ?`, id)
	app, err := scanApp(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, paas.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get application: %w", err)
	}
	return app, nil
}

// ListApps returns every application, oldest first.
func (db *DB) ListApps(ctx context.Context) ([]*paas.Application, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+appColumns+` FROM apps ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list applications: %w", err)
	}
	defer rows.Close()

	apps := []*paas.Application{}
	for rows.Next() {
		app, err := scanApp(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan application: %w", err)
		}
		apps = append(apps, app)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list applications: %w", err)
	}
	return apps, nil
}

// UpdateApp writes only the columns named by the patch, so that
// concurrent patches touching different fields do not overwrite each
// other.  It returns the record as it stands after the update.
func (db *DB) UpdateApp(ctx context.Context, id string, p *paas.Patch) (*paas.Application, error) {
	var (
		sets []string
		args []any
	)
	set := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if p.Name != nil {
		set("name", *p.Name)
	}
	if p.Command != nil {
		set("command", *p.Command)
	}
	if p.WorkingDir != nil {
		set("working_dir", *p.WorkingDir)
	}
	if p.EnvVars != nil {
		env, err := encodeEnv(*p.EnvVars)
		if err != nil {
			return nil, err
		}
		set("env_vars", env)
	}
	if p.Port != nil {
		set("port", *p.Port)
	}
	if p.Status != nil {
		set("status", string(*p.Status))
	}
	if p.ClearPid {
		set("pid", nil)
	} else if p.Pid != nil {
		set("pid", *p.Pid)
	}
	set("updated_at", toUnix(db.now()))
	args = append(args, id)

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE apps SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update application: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("failed to update application: %w", err)
	} else if n == 0 {
		return nil, paas.ErrNotFound
	}
	app, err := scanApp(tx.QueryRowContext(ctx,
		`SELECT `+appColumns+` FROM apps WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to reload application: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit application: %w", err)
	}
	return app, nil
}

// DeleteApp removes the application record.  Its logs are left for the
// retention job.
func (db *DB) DeleteApp(ctx context.Context, id string) error {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM apps WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete application: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete application: %w", err)
	}
	if n == 0 {
		return paas.ErrNotFound
	}
	return nil
}

// MarkStaleStopped moves every application that is not STOPPED to
// STOPPED and clears its pid.  It returns the number of records changed.
func (db *DB) MarkStaleStopped(ctx context.Context) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE apps SET status = ?, pid = NULL, updated_at = ? WHERE status != ?`,
		string(paas.StatusStopped), toUnix(db.now()), string(paas.StatusStopped))
	if err != nil {
		return 0, fmt.Errorf("failed to mark stale applications: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to mark stale applications: %w", err)
	}
	return n, nil
}

// StopIfRunning moves the application to STOPPED only if it is still
// RUNNING under the given pid, so that a stale observation cannot undo
// a newer report.  It returns whether the record changed.
func (db *DB) StopIfRunning(ctx context.Context, id string, pid int) (bool, error) {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE apps SET status = ?, pid = NULL, updated_at = ?
		 WHERE id = ? AND status = ? AND pid = ?`,
		string(paas.StatusStopped), toUnix(db.now()), id,
		string(paas.StatusRunning), pid)
	if err != nil {
		return false, fmt.Errorf("failed to stop application: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to stop application: %w", err)
	}
	return n > 0, nil
}
