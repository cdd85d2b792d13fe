// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the supervisor's YAML configuration.
//
// The file is named by the --config flag or, failing that, the
// SUPERVISOR_CONFIG environment variable. There is no search path and
// no per-field environment override: an experiment is reproducible from
// its config file alone. The only expansion performed is ${VAR} and
// ${VAR:-default} in filesystem paths.
//
// The configuration is resolved once at startup and treated as
// immutable afterwards. Robot identities are kept as raw strings here;
// package fleet turns them into a validated identity table.
package config
