// Package coretools provides the built-in workspace tools offered to
// model-backed sessions: read_file, list_dir, write_file, edit_file and exec.
// File writes pass through an optional ChangeHook so callers can review or
// record edits.
package coretools
