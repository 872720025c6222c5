package crossref

import (
	"errors"
	"fmt"
)

const (
	dependencyUnresolvedTemplateConstant = "pull request %s#%s has not been migrated yet"
	directoryRequiredMessageConstant     = "listing cache requires a pull request directory"
	sourceRootRequiredMessageConstant    = "resolver requires a source root URL"
	targetRootRequiredMessageConstant    = "resolver requires a target root URL"
	locatorRequiredMessageConstant       = "resolver requires a pull request locator"
)

var (
	// ErrDirectoryRequired indicates the listing cache was built without a directory.
	ErrDirectoryRequired = errors.New(directoryRequiredMessageConstant)
	// ErrSourceRootRequired indicates the resolver configuration lacks the source server root.
	ErrSourceRootRequired = errors.New(sourceRootRequiredMessageConstant)
	// ErrTargetRootRequired indicates the resolver configuration lacks the target server root.
	ErrTargetRootRequired = errors.New(targetRootRequiredMessageConstant)
	// ErrLocatorRequired indicates the resolver was built without a pull request locator.
	ErrLocatorRequired = errors.New(locatorRequiredMessageConstant)
)

// DependencyUnresolvedError reports a pull request link whose target does not exist yet.
type DependencyUnresolvedError struct {
	Repository string
	SourceID   string
}

// Error describes the missing dependency.
func (unresolvedError DependencyUnresolvedError) Error() string {
	return fmt.Sprintf(dependencyUnresolvedTemplateConstant, unresolvedError.Repository, unresolvedError.SourceID)
}

// IsDependencyUnresolved reports whether err carries a DependencyUnresolvedError.
func IsDependencyUnresolved(err error) bool {
	var unresolvedError DependencyUnresolvedError
	return errors.As(err, &unresolvedError)
}
