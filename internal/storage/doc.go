// Package storage persists tenants, jobs, job items and the tenant audit log.
//
// Drivers:
//   - "memory": process-local maps, used by tests and ephemeral runs
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//   - "postgres": PostgreSQL through a pgx connection pool
//
// Every multi-row mutation (job creation, item result commit, tenant purge)
// is atomic within the selected driver.
package storage
