// Package history persists the append-only delivery record.
//
// Every dispatch attempt produces exactly one record; records are never
// updated or deleted. Reminder bookkeeping (notices sent, last notice
// time) is always derived fresh from this store, never cached.
package history
