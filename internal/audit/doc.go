// Package audit keeps a durable history of what clients asked the bridge
// to do.
//
// Every request handled by the server's Dispatcher is written to the
// command_log table with its arguments, outcome and duration. change_id
// requests that reached the node are additionally written to node_renames,
// so a node that stops answering can be traced to the rename that moved it.
//
// Recorder is the server.CommandObserver; SQLiteRepository is the storage.
package audit
