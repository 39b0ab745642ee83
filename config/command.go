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

package config

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// RunFunc is the body of a daemon.  It returns once ctx is done.
type RunFunc func(ctx context.Context, cfg *Config, log *logrus.Logger) error

// NewCommand returns the root command of a daemon.  It loads the
// configuration, sets up logging, and calls run with a context that
// ends on SIGINT, SIGTERM or SIGHUP.  A "config" subcommand prints the
// effective configuration instead.
func NewCommand(name, short, listen string, run RunFunc) *cobra.Command {
	l := NewLoader(listen)
	log := logrus.New()

	root := &cobra.Command{
		Use:          name,
		Short:        short,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := l.Load()
			if err != nil {
				return err
			}
			if err := SetupLogger(log, cfg); err != nil {
				return err
			}
			l.Watch(log)

			ctx, cancel := signalContext(cmd.Context(), log)
			defer cancel()
			return run(ctx, cfg, log)
		},
	}
	l.BindFlags(root.PersistentFlags())

	root.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := l.Load()
			if err != nil {
				return err
			}
			b, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		},
	})
	return root
}

func signalContext(parent context.Context, log *logrus.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		select {
		case s := <-sigs:
			log.WithField("signal", s.String()).Info("Shutting down")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigs)
	}()
	return ctx, cancel
}
