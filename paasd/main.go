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

// Command paasd is the control plane.  It keeps the application records
// and their logs, and drives a paasagent to run them.
package main

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/gdamore/paas/config"
	"github.com/gdamore/paas/registry"
	"github.com/gdamore/paas/rest"
	"github.com/gdamore/paas/store"
	"github.com/gdamore/paas/telemetry"
)

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	shutdown, err := telemetry.Setup("paasd", cfg.Trace, os.Stderr)
	if err != nil {
		return err
	}
	defer shutdown(context.Background())

	db, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	entry := log.WithField("component", "registry")
	sup := rest.NewAgentClient(cfg.AgentURL, rest.WithTimeout(cfg.Timeout))
	reg := registry.New(db, sup, entry, registry.Config{
		StatusCacheTTL: cfg.StatusCacheTTL,
		MaxLogAge:      cfg.Retention.MaxAge,
		MaxLogRows:     cfg.Retention.MaxRows,
	})

	// Whatever was running when we last stopped is not ours anymore.
	if err := reg.Reconcile(ctx); err != nil {
		return err
	}
	go reg.RunRetention(ctx, cfg.Retention.Interval)

	h := rest.NewHandler(reg, log.WithField("component", "http"))
	err = rest.Serve(ctx, cfg.Listen, cfg.MaxConns, h, entry)
	reg.Wait()
	return err
}

func main() {
	cmd := config.NewCommand("paasd", "Application registry and control plane",
		config.RegistryListen, run)
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
