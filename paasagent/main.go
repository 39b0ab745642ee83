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

// Command paasagent runs applications on behalf of paasd and reports
// their state and output back to it.
package main

import (
	"context"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gdamore/paas/agent"
	"github.com/gdamore/paas/config"
	"github.com/gdamore/paas/rest"
)

const shutdownWait = 10 * time.Second

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	entry := log.WithField("component", "agent")
	rep := rest.NewRegistryClient(cfg.RegistryURL, rest.WithTimeout(cfg.Timeout))
	sup := agent.NewSupervisor(rep, entry, agent.Config{
		MaxAttempts: cfg.Restart.MaxAttempts,
		Backoff:     cfg.Restart.Backoff,
	})

	h := rest.NewAgentHandler(sup, log.WithField("component", "http"))
	err := rest.Serve(ctx, cfg.Listen, cfg.MaxConns, h, entry)

	// Nothing we started may outlive us.
	sctx, cancel := context.WithTimeout(context.Background(), shutdownWait)
	defer cancel()
	if serr := sup.Shutdown(sctx); serr != nil {
		entry.WithError(serr).Warn("Shutdown incomplete")
	}
	return err
}

func main() {
	cmd := config.NewCommand("paasagent", "Node agent that supervises application processes",
		config.AgentListen, run)
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
