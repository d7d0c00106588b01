// Package cli builds the redqueue command tree: worker, send, cleanup,
// processes, kill, shutdown and status.
//
// Every command reads the file given by --config, overlays REDQUEUE_*
// environment variables and validates the result before touching Redis.
package cli
