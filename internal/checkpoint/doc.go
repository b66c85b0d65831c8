// Package checkpoint provides pre-modification file snapshots and
// byte-exact rollback.
//
// Every fix application snapshots its target files first; verification
// failure restores the snapshot so a bad fix can never leave partial
// edits behind.
package checkpoint
