// Package core is the orchestration layer.  It runs the AJP container
// (Server and its per-connection I/O loops) and composes transports,
// handlers and the server into the operational modes the CLI selects.
//
// Architecture layers (bottom → top):
//
//	ajp  →  session  →  bridge  →  handler  →  core  →  cmd (CLI)
//
// Build is the single dispatch point from a Config to a Mode.
package core

import "context"

// Mode is a complete operational mode of ajpd: serve (run the
// container) or probe (play the web server against one).  Each mode
// owns its full lifecycle from listen or dial to teardown.
type Mode interface {
	Run(ctx context.Context) error
}
