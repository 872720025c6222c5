// Package migrate drives pull request and comment migrations into the target review system.
//
// A Service composes the idempotency reconciler, the cross-reference resolver, the
// fixed-point scheduler and the concurrency governor for one repository and one
// processing mode. RoundRunner repeats Service runs across several repositories
// until the unresolved count stops shrinking.
package migrate
