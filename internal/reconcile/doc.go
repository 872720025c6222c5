// Package reconcile removes already-migrated items from creation batches.
//
// Migrated objects carry a marker token followed by their original source
// identifier in their title (pull requests) or first line (comments). Listing
// the target and extracting those identifiers lets repeated runs converge to
// zero new creations.
package reconcile
