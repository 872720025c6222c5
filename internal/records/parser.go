package records

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
)

const (
	columnRepository        = "Repository"
	columnNumber            = "#"
	columnUser              = "User"
	columnTitle             = "Title"
	columnState             = "State"
	columnCreatedAt         = "CreatedAt"
	columnUpdatedAt         = "UpdatedAt"
	columnBodyRaw           = "BodyRaw"
	columnBodyHTML          = "BodyHTML"
	columnSourceCommit      = "SourceCommit"
	columnDestinationCommit = "DestinationCommit"
	columnSourceBranch      = "SourceBranch"
	columnDestinationBranch = "DestinationBranch"
	columnDeclineReason     = "DeclineReason"
	columnMergeCommit       = "MergeCommit"
	columnClosedBy          = "ClosedBy"
	columnPullRequestNumber = "PRNumber"
	columnCommentType       = "CommentType"
	columnCommentID         = "CommentID"
	columnIsDeleted         = "IsDeleted"
	columnToLine            = "ToLine"
	columnFromLine          = "FromLine"
	columnFilePath          = "FilePath"
	columnDiff              = "Diff"
	columnParentID          = "ParentID"
	columnCommitHash        = "CommitHash"

	fileOpenErrorTemplateConstant  = "unable to open %s: %w"
	fileParseErrorTemplateConstant = "unable to parse %s: %w"
	readErrorTemplateConstant      = "unable to read batch: %w"
	identifierNotNumericMessage    = "identifier %q is not a decimal number"
	lineNotNumericMessage          = "column %s value %q is not a line number"
	deletedFlagInvalidMessage      = "column IsDeleted value %q is not a boolean"
	titleRequiredMessage           = "title is empty"
	utf8ByteOrderMarkConstant      = "\uFEFF"
)

var pullRequestColumns = []string{
	columnRepository, columnNumber, columnUser, columnTitle, columnState, columnCreatedAt,
	columnUpdatedAt, columnBodyRaw, columnBodyHTML, columnSourceCommit, columnDestinationCommit,
	columnSourceBranch, columnDestinationBranch, columnDeclineReason, columnMergeCommit, columnClosedBy,
}

var commentColumns = []string{
	columnRepository, columnPullRequestNumber, columnUser, columnCommentType, columnCommentID,
	columnBodyRaw, columnBodyHTML, columnCreatedAt, columnIsDeleted, columnToLine, columnFromLine,
	columnFilePath, columnDiff, columnParentID, columnCommitHash,
}

// Exports written through dataframes render nullable integers as "12.0".
var floatIntegerPattern = regexp.MustCompile(`^(\d+)\.0+$`)

var decimalPattern = regexp.MustCompile(`^\d+$`)

// DetectKind selects the record kind from the last header column.
func DetectKind(header []string) (Kind, error) {
	if len(header) == 0 {
		return "", ErrEmptyBatch
	}
	lastColumn := strings.TrimSpace(header[len(header)-1])
	switch lastColumn {
	case columnClosedBy:
		return KindPullRequest, nil
	case columnCommitHash:
		return KindComment, nil
	default:
		return "", UnknownKindError{LastColumn: lastColumn}
	}
}

// ParseFile reads and parses a CSV export from disk.
func ParseFile(filePath string) (Batch, error) {
	file, openError := os.Open(filePath)
	if openError != nil {
		return Batch{}, fmt.Errorf(fileOpenErrorTemplateConstant, filePath, openError)
	}
	defer file.Close()

	batch, parseError := Parse(file)
	if parseError != nil {
		return Batch{}, fmt.Errorf(fileParseErrorTemplateConstant, filePath, parseError)
	}
	return batch, nil
}

// Parse reads a header-driven CSV batch. Column order is irrelevant; required columns are validated up front.
func Parse(reader io.Reader) (Batch, error) {
	csvReader := csv.NewReader(reader)
	csvReader.FieldsPerRecord = -1
	csvReader.LazyQuotes = true

	header, headerError := csvReader.Read()
	if errors.Is(headerError, io.EOF) {
		return Batch{}, ErrEmptyBatch
	}
	if headerError != nil {
		return Batch{}, fmt.Errorf(readErrorTemplateConstant, headerError)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], utf8ByteOrderMarkConstant)
	}

	kind, kindError := DetectKind(header)
	if kindError != nil {
		return Batch{}, kindError
	}

	requiredColumns := pullRequestColumns
	if kind == KindComment {
		requiredColumns = commentColumns
	}
	schema, schemaError := newSchema(kind, header, requiredColumns)
	if schemaError != nil {
		return Batch{}, schemaError
	}

	batch := Batch{Kind: kind}
	rowNumber := 1
	for {
		row, rowError := csvReader.Read()
		if errors.Is(rowError, io.EOF) {
			break
		}
		rowNumber++
		if rowError != nil {
			return Batch{}, fmt.Errorf(readErrorTemplateConstant, rowError)
		}

		switch kind {
		case KindPullRequest:
			record, recordError := schema.pullRequest(row)
			if recordError != nil {
				batch.Malformed = append(batch.Malformed, MalformedRecordError{Row: rowNumber, Identifier: schema.value(row, columnNumber), Message: recordError.Error()})
				continue
			}
			batch.PullRequests = append(batch.PullRequests, record)
		case KindComment:
			record, recordError := schema.comment(row)
			if recordError != nil {
				batch.Malformed = append(batch.Malformed, MalformedRecordError{Row: rowNumber, Identifier: schema.value(row, columnCommentID), Message: recordError.Error()})
				continue
			}
			batch.Comments = append(batch.Comments, record)
		}
	}

	return batch, nil
}

type schema struct {
	columnIndexes map[string]int
}

func newSchema(kind Kind, header []string, requiredColumns []string) (schema, error) {
	columnIndexes := make(map[string]int, len(header))
	for columnIndex, columnName := range header {
		columnIndexes[strings.TrimSpace(columnName)] = columnIndex
	}

	missingColumns := make([]string, 0)
	for _, requiredColumn := range requiredColumns {
		if _, present := columnIndexes[requiredColumn]; !present {
			missingColumns = append(missingColumns, requiredColumn)
		}
	}
	if len(missingColumns) > 0 {
		return schema{}, MissingColumnsError{Kind: kind, Columns: missingColumns}
	}

	return schema{columnIndexes: columnIndexes}, nil
}

func (recordSchema schema) value(row []string, column string) string {
	columnIndex := recordSchema.columnIndexes[column]
	if columnIndex >= len(row) {
		return ""
	}
	return row[columnIndex]
}

func (recordSchema schema) trimmed(row []string, column string) string {
	return strings.TrimSpace(recordSchema.value(row, column))
}

func (recordSchema schema) pullRequest(row []string) (PullRequestRecord, error) {
	identifier, identifierError := normalizeIdentifier(recordSchema.trimmed(row, columnNumber), true)
	if identifierError != nil {
		return PullRequestRecord{}, identifierError
	}
	title := recordSchema.value(row, columnTitle)
	if len(strings.TrimSpace(title)) == 0 {
		return PullRequestRecord{}, errors.New(titleRequiredMessage)
	}

	return PullRequestRecord{
		Repository:        strings.ToLower(recordSchema.trimmed(row, columnRepository)),
		ID:                identifier,
		Author:            recordSchema.trimmed(row, columnUser),
		Title:             title,
		State:             PullRequestState(strings.ToUpper(recordSchema.trimmed(row, columnState))),
		CreatedAt:         recordSchema.trimmed(row, columnCreatedAt),
		UpdatedAt:         recordSchema.trimmed(row, columnUpdatedAt),
		BodyRaw:           recordSchema.value(row, columnBodyRaw),
		BodyHTML:          recordSchema.value(row, columnBodyHTML),
		SourceCommit:      recordSchema.trimmed(row, columnSourceCommit),
		DestinationCommit: recordSchema.trimmed(row, columnDestinationCommit),
		SourceBranch:      recordSchema.trimmed(row, columnSourceBranch),
		DestinationBranch: recordSchema.trimmed(row, columnDestinationBranch),
		DeclineReason:     recordSchema.value(row, columnDeclineReason),
		MergeCommit:       recordSchema.trimmed(row, columnMergeCommit),
		ClosedBy:          recordSchema.trimmed(row, columnClosedBy),
	}, nil
}

func (recordSchema schema) comment(row []string) (CommentRecord, error) {
	identifier, identifierError := normalizeIdentifier(recordSchema.trimmed(row, columnCommentID), true)
	if identifierError != nil {
		return CommentRecord{}, identifierError
	}
	pullRequestIdentifier, pullRequestError := normalizeIdentifier(recordSchema.trimmed(row, columnPullRequestNumber), true)
	if pullRequestError != nil {
		return CommentRecord{}, pullRequestError
	}
	parentIdentifier, parentError := normalizeIdentifier(recordSchema.trimmed(row, columnParentID), false)
	if parentError != nil {
		return CommentRecord{}, parentError
	}
	toLine, toLineError := parseLine(columnToLine, recordSchema.trimmed(row, columnToLine))
	if toLineError != nil {
		return CommentRecord{}, toLineError
	}
	fromLine, fromLineError := parseLine(columnFromLine, recordSchema.trimmed(row, columnFromLine))
	if fromLineError != nil {
		return CommentRecord{}, fromLineError
	}
	deleted, deletedError := parseDeleted(recordSchema.trimmed(row, columnIsDeleted))
	if deletedError != nil {
		return CommentRecord{}, deletedError
	}

	return CommentRecord{
		Repository:    strings.ToLower(recordSchema.trimmed(row, columnRepository)),
		PullRequestID: pullRequestIdentifier,
		Author:        recordSchema.trimmed(row, columnUser),
		CommentType:   recordSchema.trimmed(row, columnCommentType),
		ID:            identifier,
		BodyRaw:       recordSchema.value(row, columnBodyRaw),
		BodyHTML:      recordSchema.value(row, columnBodyHTML),
		CreatedAt:     recordSchema.trimmed(row, columnCreatedAt),
		IsDeleted:     deleted,
		ToLine:        toLine,
		FromLine:      fromLine,
		FilePath:      recordSchema.trimmed(row, columnFilePath),
		Diff:          recordSchema.trimmed(row, columnDiff),
		ParentID:      parentIdentifier,
		CommitHash:    recordSchema.trimmed(row, columnCommitHash),
	}, nil
}

func normalizeIdentifier(raw string, required bool) (string, error) {
	if len(raw) == 0 {
		if required {
			return "", fmt.Errorf(identifierNotNumericMessage, raw)
		}
		return "", nil
	}
	if matches := floatIntegerPattern.FindStringSubmatch(raw); matches != nil {
		raw = matches[1]
	}
	if !decimalPattern.MatchString(raw) {
		return "", fmt.Errorf(identifierNotNumericMessage, raw)
	}
	return raw, nil
}

func parseLine(column string, raw string) (int, error) {
	if len(raw) == 0 {
		return 0, nil
	}
	if matches := floatIntegerPattern.FindStringSubmatch(raw); matches != nil {
		raw = matches[1]
	}
	line, parseError := strconv.Atoi(raw)
	if parseError != nil || line < 0 {
		return 0, fmt.Errorf(lineNotNumericMessage, column, raw)
	}
	return line, nil
}

func parseDeleted(raw string) (bool, error) {
	if len(raw) == 0 {
		return false, nil
	}
	deleted, parseError := strconv.ParseBool(raw)
	if parseError != nil {
		return false, fmt.Errorf(deletedFlagInvalidMessage, raw)
	}
	return deleted, nil
}
