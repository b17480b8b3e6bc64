// Package stores provides the persistence layer for the controller:
// declared nodes, issued join tokens, the applied-state record, pass
// history, events, and the audit trail. The SQLite implementation is the
// default; the Store interface exists so tests can substitute fakes.
package stores
