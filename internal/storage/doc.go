// Package storage is the durable store for due items, owner preferences and
// delivery failures.
//
// It runs on database/sql through sqlx with a small connection pool. SQLite
// (modernc.org/sqlite, pure Go) is the default driver; PostgreSQL is
// available through pgx. Reads of owner item lists, owner time zones and the
// global next-due timestamp are served from short-lived caches that every
// write invalidates before returning.
package storage
