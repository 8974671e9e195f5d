// Package cache implements the named, versioned cache stores used by the
// offline worker. A Storage holds any number of Stores keyed by name (the
// cache version string); each Store maps a request identity (method + URL
// without fragment, narrowed by the response's Vary header) to a response
// snapshot. Three backends are provided: a disk layout using temp file +
// rename writes, an SQLite database, and a bounded in-process map. All of
// them share the Cache API rules enforced in storage.go, so callers can swap
// backends through configuration without behavioural differences.
package cache
