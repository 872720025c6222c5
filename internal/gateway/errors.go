package gateway

import (
	"errors"
	"fmt"
)

const (
	operationErrorMessageTemplateConstant   = "%s operation failed"
	operationErrorWithCauseTemplateConstant = "%s operation failed: %s"
	statusErrorTemplateConstant             = "%s operation returned HTTP %d: %s"
	responseDecodingErrorTemplateConstant   = "%s response decoding failed: %s"
	invalidInputErrorTemplateConstant       = "%s: %s"
	fatalErrorTemplateConstant              = "fatal remote condition: %s"
	requiredValueMessageConstant            = "value required"
	serverURLRequiredMessageConstant        = "server URL required"
	projectRequiredMessageConstant          = "project and repository required"
)

// OperationName identifies a gateway call for diagnostics.
type OperationName string

// Gateway operation names.
const (
	OperationCreatePullRequest OperationName = OperationName("CreatePullRequest")
	OperationListPullRequests  OperationName = OperationName("ListPullRequests")
	OperationClosePullRequest  OperationName = OperationName("ClosePullRequest")
	OperationDeletePullRequest OperationName = OperationName("DeletePullRequest")
	OperationCreateBranch      OperationName = OperationName("CreateBranch")
	OperationDeleteBranch      OperationName = OperationName("DeleteBranch")
	OperationListBranches      OperationName = OperationName("ListBranches")
	OperationGetCommit         OperationName = OperationName("GetCommit")
	OperationCreateComment     OperationName = OperationName("CreateComment")
	OperationCreateFileComment OperationName = OperationName("CreateFileComment")
	OperationListComments      OperationName = OperationName("ListComments")
	OperationUploadAttachment  OperationName = OperationName("UploadAttachment")
)

var (
	// ErrServerURLRequired indicates the client was configured without a server URL.
	ErrServerURLRequired = errors.New(serverURLRequiredMessageConstant)
	// ErrProjectRequired indicates the client was configured without a project or repository.
	ErrProjectRequired = errors.New(projectRequiredMessageConstant)
)

// InvalidInputError surfaces validation issues for operation inputs.
type InvalidInputError struct {
	FieldName string
	Message   string
}

// Error describes the invalid input.
func (inputError InvalidInputError) Error() string {
	return fmt.Sprintf(invalidInputErrorTemplateConstant, inputError.FieldName, inputError.Message)
}

// OperationError wraps transport failures for gateway operations.
type OperationError struct {
	Operation OperationName
	Cause     error
}

// Error describes the operation failure.
func (operationError OperationError) Error() string {
	if operationError.Cause == nil {
		return fmt.Sprintf(operationErrorMessageTemplateConstant, operationError.Operation)
	}
	return fmt.Sprintf(operationErrorWithCauseTemplateConstant, operationError.Operation, operationError.Cause)
}

// Unwrap exposes the underlying cause.
func (operationError OperationError) Unwrap() error {
	return operationError.Cause
}

// StatusError reports a non-successful HTTP status together with the diagnostic body.
type StatusError struct {
	Operation  OperationName
	StatusCode int
	Body       string
}

// Error describes the status failure.
func (statusError StatusError) Error() string {
	return fmt.Sprintf(statusErrorTemplateConstant, statusError.Operation, statusError.StatusCode, statusError.Body)
}

// ResponseDecodingError indicates JSON decoding failures.
type ResponseDecodingError struct {
	Operation OperationName
	Cause     error
}

// Error describes the decoding failure.
func (decodingError ResponseDecodingError) Error() string {
	return fmt.Sprintf(responseDecodingErrorTemplateConstant, decodingError.Operation, decodingError.Cause)
}

// Unwrap exposes the underlying JSON error.
func (decodingError ResponseDecodingError) Unwrap() error {
	return decodingError.Cause
}

// FatalError marks a remote failure that must abort the whole run.
type FatalError struct {
	Cause error
}

// Error describes the fatal condition.
func (fatalError FatalError) Error() string {
	return fmt.Sprintf(fatalErrorTemplateConstant, fatalError.Cause)
}

// Unwrap exposes the underlying remote error.
func (fatalError FatalError) Unwrap() error {
	return fatalError.Cause
}

// StatusCode extracts the HTTP status from an error chain, returning zero when absent.
func StatusCode(err error) int {
	var statusError StatusError
	if errors.As(err, &statusError) {
		return statusError.StatusCode
	}
	return 0
}

// IsFatal reports whether err was classified as a run-aborting remote failure.
func IsFatal(err error) bool {
	var fatalError FatalError
	return errors.As(err, &fatalError)
}

// FatalClassifier promotes status errors carrying designated codes into FatalError.
type FatalClassifier struct {
	codes map[int]struct{}
}

// NewFatalClassifier builds a classifier for the provided status codes.
func NewFatalClassifier(statusCodes []int) FatalClassifier {
	codes := make(map[int]struct{}, len(statusCodes))
	for _, statusCode := range statusCodes {
		codes[statusCode] = struct{}{}
	}
	return FatalClassifier{codes: codes}
}

// Classify wraps err in FatalError when its status code is designated fatal.
func (classifier FatalClassifier) Classify(err error) error {
	if err == nil || IsFatal(err) {
		return err
	}
	if _, fatal := classifier.codes[StatusCode(err)]; fatal {
		return FatalError{Cause: err}
	}
	return err
}
