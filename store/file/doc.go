// Package file implements penguin.Journal as per-session append-only
// JSONL logs under a workspace root.
//
// Layout: one directory per session, named by session id, containing a
// single log.jsonl. Each line is one record:
//
//	{"v":1,"op":"append","msg":{...}}
//	{"v":1,"op":"tombstone","id":7}
//	{"v":1,"op":"tombstone_after","head":4}
//	{"v":1,"op":"checkpoint","checkpoint":{...}}
//	{"v":1,"op":"delete_checkpoint","checkpoint_id":"..."}
//
// Records carry a schema version "v" for forward compatibility. The log
// is never rewritten in place, so fields written by a newer version
// survive verbatim; readers ignore ops and fields they do not know.
//
// Replay is strictly log-ordered: a later append that reuses the id of
// an earlier tombstoned message (rollback reuses ids) revives that id
// with the new content.
package file
