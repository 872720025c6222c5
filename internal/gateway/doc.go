// Package gateway defines the capability interface prmigrate uses to talk to the
// target review system and ships a REST implementation for Bitbucket Server.
//
// Every call may fail with a StatusError or an OperationError. The gateway never
// retries: retry policy belongs to the migration core, which re-runs whole passes
// and relies on reconciliation for idempotence.
package gateway
