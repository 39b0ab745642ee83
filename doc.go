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

// Package paas holds the shared vocabulary of minipaas, a small platform
// for running arbitrary commands as managed, long-running applications.
//
// Two cooperating daemons make up the system.  The registry (paasd) owns
// the durable set of Application records, arbitrates port conflicts, and
// answers queries.  The agent (paasagent) actually spawns the processes,
// pipes their output, restarts them when they crash, and reports what it
// observes back to the registry.  Neither daemon holds a handle to the
// other's state; all coordination is done with best effort HTTP calls and
// operating system process IDs.
//
// This package defines the Application model, the partial update (Patch)
// contract, log entries, the errors shared across the wire, and the
// capability interfaces (Supervisor, Reporter, Registry) that the HTTP
// transport in package rest implements.  Code that drives the lifecycle is
// written against these interfaces, so it can be exercised without a
// network.
//
// Commands are split on whitespace only.  There is no quoting or escaping
// support; an argument containing a space cannot be expressed.  Wrap such
// commands in a script.
package paas
