package records

import (
	"errors"
	"fmt"
	"strings"
)

const (
	malformedRecordTemplateConstant  = "row %d (%s): %s"
	missingColumnsTemplateConstant   = "batch is missing required columns: %s"
	unknownBatchKindTemplateConstant = "unknown batch format: last header column %q"
	emptyBatchMessageConstant        = "batch is empty"
	columnListSeparatorConstant      = ", "
	unknownRecordIdentifierConstant  = "unknown"
)

// ErrEmptyBatch indicates the input carried no header row.
var ErrEmptyBatch = errors.New(emptyBatchMessageConstant)

// MalformedRecordError describes a row that could not be parsed.
type MalformedRecordError struct {
	Row        int
	Identifier string
	Message    string
}

// Error describes the malformed row.
func (recordError MalformedRecordError) Error() string {
	identifier := recordError.Identifier
	if len(identifier) == 0 {
		identifier = unknownRecordIdentifierConstant
	}
	return fmt.Sprintf(malformedRecordTemplateConstant, recordError.Row, identifier, recordError.Message)
}

// MissingColumnsError rejects a batch whose header lacks required columns.
type MissingColumnsError struct {
	Kind    Kind
	Columns []string
}

// Error lists the missing columns.
func (columnsError MissingColumnsError) Error() string {
	return fmt.Sprintf(missingColumnsTemplateConstant, strings.Join(columnsError.Columns, columnListSeparatorConstant))
}

// UnknownKindError indicates the header matched no known record kind.
type UnknownKindError struct {
	LastColumn string
}

// Error describes the unrecognized header.
func (kindError UnknownKindError) Error() string {
	return fmt.Sprintf(unknownBatchKindTemplateConstant, kindError.LastColumn)
}
