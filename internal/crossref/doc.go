// Package crossref rewrites text bodies exported from the source review system so that
// mentions, attachments and links point at their migrated counterparts on the target.
//
// Pull request links are correctness-critical: a link whose pull request has not been
// migrated yet yields DependencyUnresolvedError unless the force policy substitutes a
// visibly provisional placeholder. Attachment and generic links degrade to warnings.
package crossref
