// Copyright 2025 IntelliPM
// SPDX-License-Identifier: BUSL-1.1

// Package main is the entry point for the IntelliPM governance engine.
//
// The engine decides whether agent-produced changes auto-execute or wait
// for human sign-off, manages the sign-off lifecycle, and enforces
// per-organization and per-user consumption limits with overage billing.
//
// Usage:
//
//	./governance
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8084)
//	DATABASE_URL - PostgreSQL connection string (required)
//	REDIS_URL - Redis URL for event publishing (optional)
//	JWT_SECRET - HMAC secret for bearer tokens
//	GOVERNANCE_CONFIG - path to a YAML config file (optional)
package main

import (
	"intellipm/platform/governance"
)

func main() {
	governance.Run()
}
