// Package sqlite persists run history and published templates in SQLite.
//
// Terminal runs are stored as JSON documents alongside a few indexed columns
// used for listing. The highest stored run id seeds the run id sequence at
// start, so ids stay monotonic across restarts. Templates published at
// runtime are stored in publish order and reloaded into the registry.
//
// The database runs in WAL mode. Tests use in-memory databases with a shared
// cache ("file:name?mode=memory&cache=shared").
package sqlite
