// Package db provides the embedded register schema.
package db

import _ "embed"

// Schema contains the idempotent DDL for every register table.
//
//go:embed migrations/001_schema.sql
var Schema string
