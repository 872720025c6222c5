// Package records parses the tabular source export into pull request and comment records.
//
// A batch is accepted only when every required column of its kind is present;
// individual rows that fail to parse are reported as MalformedRecordError and skipped.
package records
