// Package stores provides the State Store of the flight engine.
//
// The SQL store persists flights, the append-only flight log, resource
// locks and worker registrations. SQLite (modernc.org/sqlite) is the
// default driver; Postgres is available through pgx. Schemas are embedded
// and applied with golang-migrate.
//
// Every ownership change and lock transition is a conditional update
// against the database, so exclusion holds across processes and not just
// inside one.
package stores
