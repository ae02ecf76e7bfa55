// Package repository persists generated artifacts and the document registry.
//
// Artifacts are stored as JSON payloads tagged with their kind, run, project
// and lineage: a function point may name the document it came from, a test
// case names its function point and a script names its test case. Deleting a
// document removes every artifact that descends from it.
//
// # Backends
//
//   - SQLRepository over internal/database (SQLite or PostgreSQL)
//   - MemoryRepository for tests and ephemeral deployments
//
// Usage:
//
//	db, err := database.Open(ctx, "sqlite", "testgen.db")
//	repo := repository.NewSQL(db, logger)
//	ids, err := repo.Save(ctx, repository.KindTestCase, runID, projectID, records)
package repository
