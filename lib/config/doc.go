// Copyright 2026 The Sonde Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the settings shared by the Sonde services.
//
// Precedence, lowest to highest: built-in defaults, an optional YAML
// file (--config), then environment variables. The environment is the
// primary interface: deployments set PORT, REDIS_HOST, MONGO_URI and
// friends. The file form exists for installations that prefer
// checked-in configuration. String values in the file may reference
// the environment with ${VAR} and ${VAR:-default}.
//
// There is no automatic file discovery: a file is read only when a
// path is passed explicitly, so configuration stays deterministic and
// auditable.
package config
