// Package stores provides persistence layer implementations for Strato.
// It includes SQLite-based storage with WAL mode, connection pooling,
// soft deletion, and CRUD operations for groups, networks, keypairs,
// security groups, and processes.
package stores
