package crossref

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/temirov/prmigrate/internal/gateway"
)

const (
	attachmentPathMarkerConstant        = "/images/"
	sourcePathSegmentConstant           = "/src/"
	targetPathSegmentConstant           = "/browse/"
	placeholderPrefixConstant           = "migration-pending-"
	pullRequestURLTemplateConstant      = "%sprojects/%s/repos/%s/pull-requests/%s"
	projectURLTemplateConstant          = "%sprojects/%s/repos/%s"
	mentionPrefixConstant               = "@"
	urlTrailingBracketConstant          = ")"
	mirrorNameReplacedColonConstant     = ":"
	mirrorNameReplacedSlashConstant     = "/"
	mirrorNameReplacementConstant       = "_"
	logMessageMentionUnresolved         = "Leaving unresolved user mention"
	logMessageAttachmentMissing         = "Attachment mirror file not found, keeping source URL"
	logMessageAttachmentUploadFailed    = "Attachment upload failed, keeping source URL"
	logMessageAttachmentUploaded        = "Uploaded attachment"
	logMessagePlaceholderSubstituted    = "Substituted placeholder for unmigrated pull request link"
	logMessageGenericURLRewritten       = "Rewrote unrecognized source URL by server root only"
	logFieldIdentifierConstant          = "identifier"
	logFieldURLConstant                 = "url"
	logFieldRewrittenURLConstant        = "rewritten_url"
	logFieldRepositoryConstant          = "repository"
	logFieldSourceIDConstant            = "source_id"
	readMirrorFileErrorTemplate         = "unable to read attachment mirror file %s: %w"
	resolvePullRequestLinkErrorTemplate = "unable to resolve pull request link %s: %w"
)

var (
	urlPattern             = regexp.MustCompile(`https?://(?:www\.)?[-a-zA-Z0-9@:%._\+~#=]{1,256}\.[a-zA-Z0-9()]{1,6}\b(?:[-a-zA-Z0-9()@:%_\+.~#?&/=]*)`)
	mentionPattern         = regexp.MustCompile(`@\{([^{}]+)\}`)
	pullRequestPathPattern = regexp.MustCompile(`^(?:[^/?#]+/)*?([^/?#]+)/pull-requests/(\d+)`)
)

// Configuration describes the servers a Resolver translates between.
type Configuration struct {
	SourceRoot      string
	SourceWorkspace string
	TargetRoot      string
	Project         string
	AttachmentRoot  string
}

// AttachmentUploader stores attachment content on the target and returns its URL.
type AttachmentUploader interface {
	UploadAttachment(executionContext context.Context, content []byte, fileName string) (string, error)
}

// PullRequestLocator resolves migrated pull requests by repository and source identifier.
type PullRequestLocator interface {
	Lookup(executionContext context.Context, repository string, sourceID string) (gateway.Handle, bool, error)
}

// RewriteRequest carries one body to rewrite.
type RewriteRequest struct {
	Raw      string
	Rendered string
	Force    bool
}

// Resolver rewrites source bodies for the target system.
type Resolver struct {
	configuration Configuration
	uploader      AttachmentUploader
	locator       PullRequestLocator
	logger        *zap.Logger
	uploadMutex   sync.RWMutex
	uploaded      map[string]string
	uploads       singleflight.Group
}

// NewResolver constructs a Resolver. Root URLs are normalized to end with a slash.
func NewResolver(configuration Configuration, uploader AttachmentUploader, locator PullRequestLocator, logger *zap.Logger) (*Resolver, error) {
	if len(strings.TrimSpace(configuration.SourceRoot)) == 0 {
		return nil, ErrSourceRootRequired
	}
	if len(strings.TrimSpace(configuration.TargetRoot)) == 0 {
		return nil, ErrTargetRootRequired
	}
	if locator == nil {
		return nil, ErrLocatorRequired
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	configuration.SourceRoot = withTrailingSlash(configuration.SourceRoot)
	configuration.TargetRoot = withTrailingSlash(configuration.TargetRoot)
	configuration.SourceWorkspace = strings.Trim(configuration.SourceWorkspace, "/")
	return &Resolver{
		configuration: configuration,
		uploader:      uploader,
		locator:       locator,
		logger:        logger,
		uploaded:      map[string]string{},
	}, nil
}

// Resolve rewrites mentions and URLs in request.Raw.
// It returns DependencyUnresolvedError when a pull request link cannot be resolved and force is disabled.
func (resolver *Resolver) Resolve(executionContext context.Context, request RewriteRequest) (string, error) {
	text := resolver.replaceMentions(request.Raw, request.Rendered)

	matches := urlPattern.FindAllStringIndex(text, -1)
	if len(matches) == 0 {
		return text, nil
	}

	var builder strings.Builder
	previousEnd := 0
	for _, match := range matches {
		start, end := match[0], match[1]
		sourceURL := text[start:end]
		if strings.HasSuffix(sourceURL, urlTrailingBracketConstant) {
			sourceURL = strings.TrimSuffix(sourceURL, urlTrailingBracketConstant)
			end--
		}

		rewritten, rewriteError := resolver.rewriteURL(executionContext, sourceURL, request.Force)
		if rewriteError != nil {
			return "", rewriteError
		}
		builder.WriteString(text[previousEnd:start])
		builder.WriteString(rewritten)
		previousEnd = end
	}
	builder.WriteString(text[previousEnd:])
	return builder.String(), nil
}

func (resolver *Resolver) replaceMentions(raw string, rendered string) string {
	return mentionPattern.ReplaceAllStringFunc(raw, func(token string) string {
		identifier := mentionPattern.FindStringSubmatch(token)[1]
		displayPattern, compileError := regexp.Compile(regexp.QuoteMeta(identifier) + `[^>]*>@?([^<]+)<`)
		if compileError == nil {
			if displayMatch := displayPattern.FindStringSubmatch(rendered); displayMatch != nil {
				return mentionPrefixConstant + strings.TrimSpace(displayMatch[1])
			}
		}
		resolver.logger.Debug(logMessageMentionUnresolved, zap.String(logFieldIdentifierConstant, identifier))
		return token
	})
}

func (resolver *Resolver) rewriteURL(executionContext context.Context, sourceURL string, force bool) (string, error) {
	sourceRoot := resolver.configuration.SourceRoot
	if !strings.HasPrefix(sourceURL, sourceRoot) {
		return sourceURL, nil
	}
	relativePath := strings.TrimPrefix(sourceURL, sourceRoot)

	if strings.Contains(sourceURL, attachmentPathMarkerConstant) {
		return resolver.rewriteAttachment(executionContext, sourceURL)
	}

	if pathMatch := pullRequestPathPattern.FindStringSubmatch(relativePath); pathMatch != nil {
		return resolver.rewritePullRequestLink(executionContext, sourceURL, strings.ToLower(pathMatch[1]), pathMatch[2], force)
	}

	if projectPrefix := resolver.projectPrefix(); len(projectPrefix) > 0 && strings.HasPrefix(relativePath, projectPrefix) {
		remainder := strings.Replace(strings.TrimPrefix(relativePath, projectPrefix), sourcePathSegmentConstant, targetPathSegmentConstant, 1)
		return fmt.Sprintf(projectURLTemplateConstant, resolver.configuration.TargetRoot, resolver.configuration.Project, remainder), nil
	}

	rewritten := resolver.configuration.TargetRoot + relativePath
	resolver.logger.Warn(
		logMessageGenericURLRewritten,
		zap.String(logFieldURLConstant, sourceURL),
		zap.String(logFieldRewrittenURLConstant, rewritten),
	)
	return rewritten, nil
}

func (resolver *Resolver) projectPrefix() string {
	if len(resolver.configuration.SourceWorkspace) == 0 {
		return ""
	}
	return resolver.configuration.SourceWorkspace + "/"
}

func (resolver *Resolver) rewritePullRequestLink(executionContext context.Context, sourceURL string, repository string, sourceID string, force bool) (string, error) {
	handle, found, lookupError := resolver.locator.Lookup(executionContext, repository, sourceID)
	if lookupError != nil {
		return "", fmt.Errorf(resolvePullRequestLinkErrorTemplate, sourceURL, lookupError)
	}
	if found {
		return resolver.PullRequestURL(repository, fmt.Sprint(handle.ID)), nil
	}
	if !force {
		return "", DependencyUnresolvedError{Repository: repository, SourceID: sourceID}
	}

	placeholder := resolver.PullRequestURL(repository, Placeholder(sourceID))
	resolver.logger.Warn(
		logMessagePlaceholderSubstituted,
		zap.String(logFieldRepositoryConstant, repository),
		zap.String(logFieldSourceIDConstant, sourceID),
		zap.String(logFieldRewrittenURLConstant, placeholder),
	)
	return placeholder, nil
}

// PullRequestURL builds the target overview URL of a pull request.
func (resolver *Resolver) PullRequestURL(repository string, targetID string) string {
	return fmt.Sprintf(pullRequestURLTemplateConstant, resolver.configuration.TargetRoot, resolver.configuration.Project, repository, targetID)
}

// Placeholder returns the provisional identifier substituted for an unmigrated pull request.
func Placeholder(sourceID string) string {
	return placeholderPrefixConstant + sourceID
}

func (resolver *Resolver) rewriteAttachment(executionContext context.Context, sourceURL string) (string, error) {
	resolver.uploadMutex.RLock()
	uploadedURL, memoized := resolver.uploaded[sourceURL]
	resolver.uploadMutex.RUnlock()
	if memoized {
		return uploadedURL, nil
	}
	if resolver.uploader == nil || len(resolver.configuration.AttachmentRoot) == 0 {
		resolver.logger.Warn(logMessageAttachmentMissing, zap.String(logFieldURLConstant, sourceURL))
		return sourceURL, nil
	}

	value, uploadError, _ := resolver.uploads.Do(sourceURL, func() (interface{}, error) {
		content, fileName, readError := resolver.readMirror(sourceURL)
		if readError != nil {
			resolver.logger.Warn(logMessageAttachmentMissing, zap.String(logFieldURLConstant, sourceURL), zap.Error(readError))
			return sourceURL, nil
		}
		targetURL, targetError := resolver.uploader.UploadAttachment(executionContext, content, fileName)
		if targetError != nil {
			if gateway.IsFatal(targetError) {
				return nil, targetError
			}
			resolver.logger.Warn(logMessageAttachmentUploadFailed, zap.String(logFieldURLConstant, sourceURL), zap.Error(targetError))
			return sourceURL, nil
		}
		resolver.uploadMutex.Lock()
		resolver.uploaded[sourceURL] = targetURL
		resolver.uploadMutex.Unlock()
		resolver.logger.Debug(logMessageAttachmentUploaded, zap.String(logFieldURLConstant, sourceURL), zap.String(logFieldRewrittenURLConstant, targetURL))
		return targetURL, nil
	})
	if uploadError != nil {
		return "", uploadError
	}
	return value.(string), nil
}

// MirrorFileName returns the file name under which the attachment loader stored sourceURL.
func MirrorFileName(sourceURL string) string {
	unescaped, unescapeError := url.PathUnescape(sourceURL)
	if unescapeError != nil {
		unescaped = sourceURL
	}
	replacer := strings.NewReplacer(
		mirrorNameReplacedColonConstant, mirrorNameReplacementConstant,
		mirrorNameReplacedSlashConstant, mirrorNameReplacementConstant,
	)
	return replacer.Replace(unescaped)
}

func (resolver *Resolver) readMirror(sourceURL string) ([]byte, string, error) {
	mirrorName := MirrorFileName(sourceURL)
	uploadName := path.Base(sourceURL)
	if unescapedName, unescapeError := url.PathUnescape(uploadName); unescapeError == nil {
		uploadName = unescapedName
	}

	root := resolver.configuration.AttachmentRoot
	candidates := []string{filepath.Join(root, mirrorName)}
	if entries, readDirError := os.ReadDir(root); readDirError == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				candidates = append(candidates, filepath.Join(root, entry.Name(), mirrorName))
			}
		}
	}

	for _, candidate := range candidates {
		content, readError := os.ReadFile(candidate)
		if readError == nil {
			return content, uploadName, nil
		}
		if !os.IsNotExist(readError) {
			return nil, "", fmt.Errorf(readMirrorFileErrorTemplate, candidate, readError)
		}
	}
	return nil, "", fmt.Errorf(readMirrorFileErrorTemplate, mirrorName, os.ErrNotExist)
}

func withTrailingSlash(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasSuffix(trimmed, "/") {
		return trimmed
	}
	return trimmed + "/"
}
