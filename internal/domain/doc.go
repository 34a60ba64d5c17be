// Package domain defines the core business types for the flash-sale monitor.
//
// Types in this package are pure value objects with no behavior, no database
// dependencies, and no HTTP concerns. They are the shared language between
// the scraper, the scoring pipeline, and the repositories.
//
// Rules for this package:
//   - No imports from other internal/ packages
//   - No *sql.DB, no http.Request, no context.Context in struct fields
//   - YAML/DB tags are allowed (they're metadata, not behavior)
//   - Validation methods are allowed (they're pure functions on the type)
package domain
