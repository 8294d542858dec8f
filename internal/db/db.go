package db

// Package db provides the SQLite persistence layer for envirocomply.
//
// Responsibilities:
//   - Store facilities and regulations loaded by seeding or monitoring
//   - Persist compliance gaps with optimistic versioning and an active-key
//     uniqueness constraint, so concurrent runs cannot create duplicates
//   - Keep the agent decision log append-only (enforced by triggers)
//   - Store reports and deadline alerts
//
// Every table carries an INTEGER surrogate key and a separate TEXT external
// identifier. Entities are stored as a JSON payload next to the columns used
// for filtering and constraints.
//
// SQLiteStore implements knowledge.Store.
