// Package transcript persists orchestrator transcripts. JSONLStore writes
// one file per session; SQLiteStore keeps all sessions in a single database.
// Both preserve append order per session.
package transcript
