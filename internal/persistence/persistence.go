// Package persistence stores flow, node and edge records and the event
// history of runs. Every backend implements Store; records are JSON
// documents upserted by ID.
package persistence

// Persistence bundles the record store and the event history so callers
// can wire a single value.
type Persistence struct {
	Records Store
	Events  EventStore
}
