package migrate

import (
	"errors"
	"fmt"
)

const (
	invalidInputTemplateConstant      = "%s: %s"
	gatewayRequiredMessageConstant    = "migration service requires a gateway"
	fatalRunErrorTemplateConstant     = "migration of %s aborted: %w"
	inputParseErrorTemplateConstant   = "unable to load %s: %w"
	diffLookupErrorTemplateConstant   = "unable to load diff lookup: %w"
	componentErrorTemplateConstant    = "unable to construct %s: %w"
	reportWriteErrorTemplateConstant  = "unable to write report %s: %w"
	reportEncodeErrorTemplateConstant = "unable to encode report: %w"
)

// ErrGatewayRequired indicates the service was constructed without a gateway.
var ErrGatewayRequired = errors.New(gatewayRequiredMessageConstant)

// InvalidInputError describes configuration validation failures.
type InvalidInputError struct {
	FieldName string
	Message   string
}

// Error describes the invalid input.
func (inputError InvalidInputError) Error() string {
	return fmt.Sprintf(invalidInputTemplateConstant, inputError.FieldName, inputError.Message)
}
