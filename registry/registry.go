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

// Package registry is the control plane.  It owns the durable set of
// application records, arbitrates port conflicts, and drives an agent
// to run and stop the processes behind them.
//
// Calls to the agent are best effort.  When one fails the registry logs
// it and carries on; the stored record remains the source of truth.
package registry

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gdamore/paas"
	"github.com/gdamore/paas/store"
)

const (
	DefaultMaxLogAge  = 7 * 24 * time.Hour
	DefaultMaxLogRows = 1000
	DefaultRetention  = 24 * time.Hour
)

// Config tunes a Registry.  Zero values select the defaults, except for
// StatusCacheTTL where zero disables caching of liveness probes.
type Config struct {
	StatusCacheTTL time.Duration
	MaxLogAge      time.Duration
	MaxLogRows     int
}

// Registry implements paas.Registry on top of a store and an agent.
type Registry struct {
	db      *store.DB
	sup     paas.Supervisor
	log     *logrus.Entry
	tracer  trace.Tracer
	probes  *gocache.Cache
	maxAge  time.Duration
	maxRows int
	runs    sync.WaitGroup
}

// New returns a Registry persisting to db and running applications via
// sup.
func New(db *store.DB, sup paas.Supervisor, log *logrus.Entry, cfg Config) *Registry {
	if cfg.MaxLogAge <= 0 {
		cfg.MaxLogAge = DefaultMaxLogAge
	}
	if cfg.MaxLogRows <= 0 {
		cfg.MaxLogRows = DefaultMaxLogRows
	}
	r := &Registry{
		db:      db,
		sup:     sup,
		log:     log,
		tracer:  otel.Tracer("github.com/gdamore/paas/registry"),
		maxAge:  cfg.MaxLogAge,
		maxRows: cfg.MaxLogRows,
	}
	if cfg.StatusCacheTTL > 0 {
		r.probes = gocache.New(cfg.StatusCacheTTL, 2*cfg.StatusCacheTTL)
	}
	return r
}

func (r *Registry) start(ctx context.Context, op string, id string) (context.Context, trace.Span) {
	ctx, span := r.tracer.Start(ctx, "registry."+op)
	if id != "" {
		span.SetAttributes(attribute.String("app.id", id))
	}
	return ctx, span
}

func end(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Deploy records a new PENDING application and asks the agent to run
// it.  The agent is not waited for.
func (r *Registry) Deploy(ctx context.Context, in *paas.Application) (d *paas.Deployment, err error) {
	ctx, span := r.start(ctx, "Deploy", "")
	defer func() { end(span, err) }()

	switch {
	case in == nil || in.Name == "":
		return nil, paas.ErrInvalid
	case len(in.Argv()) == 0:
		return nil, paas.ErrEmptyCommand
	case in.Port <= 0 || in.Port > 65535:
		return nil, paas.ErrInvalid
	}

	app := in.Clone()
	app.Id = uuid.NewString()
	app.Status = paas.StatusPending
	app.Pid = nil
	span.SetAttributes(attribute.String("app.id", app.Id),
		attribute.Int("app.port", app.Port))

	if err := r.db.CreateApp(ctx, app); err != nil {
		return nil, err
	}
	r.log.WithFields(logrus.Fields{
		"app":  app.Id,
		"name": app.Name,
		"port": app.Port,
	}).Info("Deployed")

	r.runs.Add(1)
	go func() {
		defer r.runs.Done()
		if err := r.sup.Run(context.Background(), app); err != nil {
			r.log.WithField("app", app.Id).WithError(err).Warn("Failed to start")
		}
	}()
	return &paas.Deployment{Id: app.Id, Port: app.Port}, nil
}

// Get returns one application.
func (r *Registry) Get(ctx context.Context, id string) (*paas.Application, error) {
	return r.db.GetApp(ctx, id)
}

// List returns every application, oldest first.
func (r *Registry) List(ctx context.Context) ([]*paas.Application, error) {
	return r.db.ListApps(ctx)
}

// Patch merges the supplied fields.  Any status other than RUNNING also
// clears the pid.  When the status becomes STOPPED, the new record is
// persisted before the agent is told to kill the old pid, and a failure
// to kill does not undo it.
func (r *Registry) Patch(ctx context.Context, id string, p *paas.Patch) (app *paas.Application, err error) {
	ctx, span := r.start(ctx, "Patch", id)
	defer func() { end(span, err) }()

	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p.Empty() {
		return r.db.GetApp(ctx, id)
	}

	np := *p
	if np.Status != nil && *np.Status != paas.StatusRunning {
		np.Pid = nil
		np.ClearPid = true
	}

	var old *paas.Application
	if np.Status != nil && *np.Status == paas.StatusStopped {
		if old, err = r.db.GetApp(ctx, id); err != nil {
			return nil, err
		}
	}

	if app, err = r.db.UpdateApp(ctx, id, &np); err != nil {
		return nil, err
	}
	if np.Status != nil {
		span.SetAttributes(attribute.String("app.status", string(*np.Status)))
		r.log.WithField("app", id).WithField("status", *np.Status).Debug("Status changed")
	}
	r.forget(old)

	if old != nil && old.Pid != nil {
		r.stop(ctx, id, *old.Pid)
	}
	return app, nil
}

// stop asks the agent to kill pid, logging any failure.
func (r *Registry) stop(ctx context.Context, id string, pid int) {
	if err := r.sup.Stop(ctx, pid); err != nil {
		r.log.WithFields(logrus.Fields{
			"app": id,
			"pid": pid,
		}).WithError(err).Warn("Failed to stop process")
	}
}

// Delete removes the record, then kills its process if it has one.
func (r *Registry) Delete(ctx context.Context, id string) (err error) {
	ctx, span := r.start(ctx, "Delete", id)
	defer func() { end(span, err) }()

	app, err := r.db.GetApp(ctx, id)
	if err != nil {
		return err
	}
	if err := r.db.DeleteApp(ctx, id); err != nil {
		return err
	}
	r.log.WithField("app", id).Info("Deleted")
	r.forget(app)
	if app.Pid != nil {
		r.stop(ctx, id, *app.Pid)
	}
	return nil
}

func probeKey(pid int) string {
	return strconv.Itoa(pid)
}

func (r *Registry) forget(app *paas.Application) {
	if r.probes != nil && app != nil && app.Pid != nil {
		r.probes.Delete(probeKey(*app.Pid))
	}
}

func (r *Registry) alive(ctx context.Context, pid int) (bool, error) {
	if r.probes != nil {
		if v, ok := r.probes.Get(probeKey(pid)); ok {
			return v.(bool), nil
		}
	}
	alive, err := r.sup.Alive(ctx, pid)
	if err != nil {
		return false, err
	}
	if r.probes != nil {
		r.probes.SetDefault(probeKey(pid), alive)
	}
	return alive, nil
}

// LiveStatus returns the record, first correcting it to STOPPED if it
// claims to be RUNNING but the agent finds no such process.  It never
// promotes a record in the other direction.  If the agent cannot be
// reached the stored status is returned as is.
func (r *Registry) LiveStatus(ctx context.Context, id string) (ls *paas.LiveStatus, err error) {
	ctx, span := r.start(ctx, "LiveStatus", id)
	defer func() { end(span, err) }()

	app, err := r.db.GetApp(ctx, id)
	if err != nil {
		return nil, err
	}
	if app.Status == paas.StatusRunning && app.Pid != nil {
		pid := *app.Pid
		alive, err := r.alive(ctx, pid)
		switch {
		case err != nil:
			r.log.WithField("app", id).WithError(err).Warn("Failed to probe process")
		case !alive:
			changed, err := r.db.StopIfRunning(ctx, id, pid)
			if err != nil {
				return nil, err
			}
			if changed {
				r.log.WithField("app", id).WithField("pid", pid).Info("Process is gone, marked STOPPED")
			}
			if app, err = r.db.GetApp(ctx, id); err != nil {
				return nil, err
			}
		}
	}
	return &paas.LiveStatus{
		Name:    app.Name,
		Status:  app.Status,
		Pid:     app.Pid,
		Port:    app.Port,
		Command: app.Command,
	}, nil
}

// Redeploy stops the current process if there is one, clears the pid,
// optionally moves the application to a new port, and runs it again.
// It returns once the agent has attempted the new spawn.
func (r *Registry) Redeploy(ctx context.Context, id string, port *int) (app *paas.Application, err error) {
	ctx, span := r.start(ctx, "Redeploy", id)
	defer func() { end(span, err) }()

	if port != nil && (*port <= 0 || *port > 65535) {
		return nil, paas.ErrInvalid
	}
	old, err := r.db.GetApp(ctx, id)
	if err != nil {
		return nil, err
	}
	if old.Pid != nil {
		r.stop(ctx, id, *old.Pid)
	}
	r.forget(old)

	p := paas.StatusPatch(paas.StatusPending)
	p.Port = port
	if app, err = r.db.UpdateApp(ctx, id, p); err != nil {
		return nil, err
	}
	r.log.WithField("app", id).WithField("port", app.Port).Info("Redeploying")

	if err := r.sup.Run(ctx, app); err != nil {
		r.log.WithField("app", id).WithError(err).Warn("Failed to start")
		return app, nil
	}
	// The agent reports the spawn before it answers, so this normally
	// shows the new process.
	if cur, err := r.db.GetApp(ctx, id); err == nil {
		app = cur
	}
	return app, nil
}

// AppendLog stores one line of output.
func (r *Registry) AppendLog(ctx context.Context, id string, line paas.LogLine) error {
	if !line.Stream.Valid() {
		return paas.ErrBadStream
	}
	_, err := r.db.AppendLog(ctx, id, line)
	return err
}

// Logs answers a log query.  When Since is given it wins, and every
// later entry is returned; otherwise the newest Limit entries are, with
// DefaultLogLimit used when Limit is zero.
func (r *Registry) Logs(ctx context.Context, id string, q paas.LogQuery) (logs []*paas.LogEntry, err error) {
	ctx, span := r.start(ctx, "Logs", id)
	defer func() { end(span, err) }()

	if q.Limit < 0 {
		return nil, paas.ErrInvalid
	}
	if _, err := r.db.GetApp(ctx, id); err != nil {
		return nil, err
	}
	if q.Since != nil {
		return r.db.LogsSince(ctx, id, *q.Since)
	}
	limit := q.Limit
	if limit == 0 {
		limit = paas.DefaultLogLimit
	}
	return r.db.RecentLogs(ctx, id, limit)
}

// Reconcile marks every application that is not STOPPED as STOPPED.  It
// is meant to run at startup, when no record claiming to be running can
// be trusted.
func (r *Registry) Reconcile(ctx context.Context) (err error) {
	ctx, span := r.start(ctx, "Reconcile", "")
	defer func() { end(span, err) }()

	n, err := r.db.MarkStaleStopped(ctx)
	if err != nil {
		return err
	}
	r.log.WithField("count", n).Info("Marked stale applications STOPPED")
	return nil
}

// Prune applies log retention once.
func (r *Registry) Prune(ctx context.Context) (err error) {
	ctx, span := r.start(ctx, "Prune", "")
	defer func() { end(span, err) }()

	aged, capped, err := r.db.PruneLogs(ctx, time.Now().Add(-r.maxAge), r.maxRows)
	span.SetAttributes(attribute.Int64("logs.aged", aged),
		attribute.Int64("logs.capped", capped))
	if err != nil {
		return err
	}
	r.log.WithFields(logrus.Fields{
		"aged":   aged,
		"capped": capped,
	}).Info("Pruned logs")
	return nil
}

// RunRetention prunes immediately and then every interval, until ctx is
// done.
func (r *Registry) RunRetention(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultRetention
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := r.Prune(ctx); err != nil {
			r.log.WithError(err).Warn("Log retention failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Wait blocks until the background runs started by Deploy have been
// handed to the agent.
func (r *Registry) Wait() {
	r.runs.Wait()
}
