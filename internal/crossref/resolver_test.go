package crossref_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/temirov/prmigrate/internal/crossref"
	"github.com/temirov/prmigrate/internal/gateway"
)

const (
	testSourceRootConstant = "https://bitbucket.org/"
	testTargetRootConstant = "https://git.example.com"
	testWorkspaceConstant  = "acme"
	testProjectConstant    = "PLAT"
)

type stubLocator struct {
	handles map[string]gateway.Handle
	err     error
}

func (locator stubLocator) Lookup(_ context.Context, repository string, sourceID string) (gateway.Handle, bool, error) {
	if locator.err != nil {
		return gateway.Handle{}, false, locator.err
	}
	handle, exists := locator.handles[repository+"#"+sourceID]
	return handle, exists, nil
}

type recordingUploader struct {
	mutex     sync.Mutex
	fileNames []string
	err       error
}

func (uploader *recordingUploader) UploadAttachment(_ context.Context, content []byte, fileName string) (string, error) {
	uploader.mutex.Lock()
	defer uploader.mutex.Unlock()
	if uploader.err != nil {
		return "", uploader.err
	}
	uploader.fileNames = append(uploader.fileNames, fileName)
	return fmt.Sprintf("attachment:%d/%s", len(uploader.fileNames), content), nil
}

func newResolver(testInstance *testing.T, uploader crossref.AttachmentUploader, locator crossref.PullRequestLocator, attachmentRoot string, logger *zap.Logger) *crossref.Resolver {
	testInstance.Helper()
	resolver, buildError := crossref.NewResolver(crossref.Configuration{
		SourceRoot:      testSourceRootConstant,
		SourceWorkspace: testWorkspaceConstant,
		TargetRoot:      testTargetRootConstant,
		Project:         testProjectConstant,
		AttachmentRoot:  attachmentRoot,
	}, uploader, locator, logger)
	require.NoError(testInstance, buildError)
	return resolver
}

func TestNewResolverValidatesConfiguration(testInstance *testing.T) {
	_, sourceError := crossref.NewResolver(crossref.Configuration{TargetRoot: testTargetRootConstant}, nil, stubLocator{}, nil)
	require.ErrorIs(testInstance, sourceError, crossref.ErrSourceRootRequired)

	_, targetError := crossref.NewResolver(crossref.Configuration{SourceRoot: testSourceRootConstant}, nil, stubLocator{}, nil)
	require.ErrorIs(testInstance, targetError, crossref.ErrTargetRootRequired)

	_, locatorError := crossref.NewResolver(crossref.Configuration{SourceRoot: testSourceRootConstant, TargetRoot: testTargetRootConstant}, nil, nil, nil)
	require.ErrorIs(testInstance, locatorError, crossref.ErrLocatorRequired)
	require.NotErrorIs(testInstance, locatorError, crossref.ErrDirectoryRequired)
}

func TestResolvePullRequestLinks(testInstance *testing.T) {
	locator := stubLocator{handles: map[string]gateway.Handle{"repox#7": {ID: 42}}}

	testCases := []struct {
		name          string
		raw           string
		force         bool
		expected      string
		expectedError bool
	}{
		{
			name:     "resolved_cross_repository",
			raw:      "Follows https://bitbucket.org/acme/repoX/pull-requests/7 closely",
			expected: "Follows https://git.example.com/projects/PLAT/repos/repox/pull-requests/42 closely",
		},
		{
			name:     "resolved_with_trailing_path",
			raw:      "See [diff](https://bitbucket.org/acme/repoX/pull-requests/7/diff)",
			expected: "See [diff](https://git.example.com/projects/PLAT/repos/repox/pull-requests/42)",
		},
		{
			name:          "unresolved_without_force",
			raw:           "Depends on https://bitbucket.org/acme/repoX/pull-requests/8",
			expectedError: true,
		},
		{
			name:     "unresolved_with_force",
			raw:      "Depends on https://bitbucket.org/acme/repoX/pull-requests/8",
			force:    true,
			expected: "Depends on https://git.example.com/projects/PLAT/repos/repox/pull-requests/migration-pending-8",
		},
	}

	for testCaseIndex, testCase := range testCases {
		testInstance.Run(fmt.Sprintf("%d_%s", testCaseIndex, testCase.name), func(subTest *testing.T) {
			resolver := newResolver(subTest, nil, locator, "", zap.NewNop())
			rewritten, resolveError := resolver.Resolve(context.Background(), crossref.RewriteRequest{Raw: testCase.raw, Force: testCase.force})
			if testCase.expectedError {
				require.Error(subTest, resolveError)
				require.True(subTest, crossref.IsDependencyUnresolved(resolveError))
				var unresolvedError crossref.DependencyUnresolvedError
				require.ErrorAs(subTest, resolveError, &unresolvedError)
				require.Equal(subTest, "repox", unresolvedError.Repository)
				require.Equal(subTest, "8", unresolvedError.SourceID)
				return
			}
			require.NoError(subTest, resolveError)
			require.Equal(subTest, testCase.expected, rewritten)
		})
	}
}

func TestResolvePlaceholderContainsSourceIdentifier(testInstance *testing.T) {
	resolver := newResolver(testInstance, nil, stubLocator{}, "", zap.NewNop())
	rewritten, resolveError := resolver.Resolve(context.Background(), crossref.RewriteRequest{
		Raw:   "https://bitbucket.org/acme/repoX/pull-requests/7",
		Force: true,
	})
	require.NoError(testInstance, resolveError)
	require.Contains(testInstance, rewritten, "7")
	require.Contains(testInstance, rewritten, crossref.Placeholder("7"))
}

func TestResolvePropagatesLookupFailure(testInstance *testing.T) {
	lookupError := errors.New("listing failed")
	resolver := newResolver(testInstance, nil, stubLocator{err: lookupError}, "", zap.NewNop())

	_, resolveError := resolver.Resolve(context.Background(), crossref.RewriteRequest{Raw: "https://bitbucket.org/acme/repoX/pull-requests/7", Force: true})
	require.ErrorIs(testInstance, resolveError, lookupError)
	require.False(testInstance, crossref.IsDependencyUnresolved(resolveError))
}

func TestResolveProjectAndGenericLinks(testInstance *testing.T) {
	observerCore, observedLogs := observer.New(zapcore.WarnLevel)
	resolver := newResolver(testInstance, nil, stubLocator{}, "", zap.New(observerCore))

	rewritten, resolveError := resolver.Resolve(context.Background(), crossref.RewriteRequest{
		Raw: "Code https://bitbucket.org/acme/service/src/main/app.go docs https://bitbucket.org/other/wiki and https://example.org/page",
	})
	require.NoError(testInstance, resolveError)
	require.Equal(testInstance,
		"Code https://git.example.com/projects/PLAT/repos/service/browse/main/app.go docs https://git.example.com/other/wiki and https://example.org/page",
		rewritten,
	)
	require.Equal(testInstance, 1, observedLogs.FilterMessage("Rewrote unrecognized source URL by server root only").Len())
}

func TestResolveMentions(testInstance *testing.T) {
	resolver := newResolver(testInstance, nil, stubLocator{}, "", zap.NewNop())
	rendered := `<p>Thanks <a href="https://bitbucket.org/%7Babc%7D/" rel="nofollow" title="@{557058:abc}" class="ap-mention" data-account-id="557058:abc">@Jane Doe</a></p>`

	rewritten, resolveError := resolver.Resolve(context.Background(), crossref.RewriteRequest{
		Raw:      "Thanks @{557058:abc} and @{557058:zzz}",
		Rendered: rendered,
	})
	require.NoError(testInstance, resolveError)
	require.Equal(testInstance, "Thanks @Jane Doe and @{557058:zzz}", rewritten)
}

func TestResolveAttachments(testInstance *testing.T) {
	attachmentRoot := testInstance.TempDir()
	attachmentURL := "https://bitbucket.org/repo/images/2024/shot%201.png"
	nestedURL := "https://bitbucket.org/repo/images/2024/nested.png"

	require.NoError(testInstance, os.WriteFile(filepath.Join(attachmentRoot, crossref.MirrorFileName(attachmentURL)), []byte("one"), 0o600))
	require.NoError(testInstance, os.MkdirAll(filepath.Join(attachmentRoot, "final"), 0o755))
	require.NoError(testInstance, os.WriteFile(filepath.Join(attachmentRoot, "final", crossref.MirrorFileName(nestedURL)), []byte("two"), 0o600))

	uploader := &recordingUploader{}
	resolver := newResolver(testInstance, uploader, stubLocator{}, attachmentRoot, zap.NewNop())

	rewritten, resolveError := resolver.Resolve(context.Background(), crossref.RewriteRequest{
		Raw: fmt.Sprintf("![shot](%s) ![again](%s) ![nested](%s) ![missing](https://bitbucket.org/repo/images/gone.png)", attachmentURL, attachmentURL, nestedURL),
	})
	require.NoError(testInstance, resolveError)
	require.Equal(testInstance,
		"![shot](attachment:1/one) ![again](attachment:1/one) ![nested](attachment:2/two) ![missing](https://bitbucket.org/repo/images/gone.png)",
		rewritten,
	)
	require.Equal(testInstance, []string{"shot 1.png", "nested.png"}, uploader.fileNames)
}

func TestResolveAttachmentUploadFailureKeepsURL(testInstance *testing.T) {
	attachmentRoot := testInstance.TempDir()
	attachmentURL := "https://bitbucket.org/repo/images/a.png"
	require.NoError(testInstance, os.WriteFile(filepath.Join(attachmentRoot, crossref.MirrorFileName(attachmentURL)), []byte("a"), 0o600))

	observerCore, observedLogs := observer.New(zapcore.WarnLevel)
	resolver := newResolver(testInstance, &recordingUploader{err: gateway.StatusError{StatusCode: 500}}, stubLocator{}, attachmentRoot, zap.New(observerCore))

	rewritten, resolveError := resolver.Resolve(context.Background(), crossref.RewriteRequest{Raw: attachmentURL})
	require.NoError(testInstance, resolveError)
	require.Equal(testInstance, attachmentURL, rewritten)
	require.Equal(testInstance, 1, observedLogs.FilterMessage("Attachment upload failed, keeping source URL").Len())

	fatalResolver := newResolver(testInstance, &recordingUploader{err: gateway.FatalError{Cause: gateway.StatusError{StatusCode: 401}}}, stubLocator{}, attachmentRoot, zap.NewNop())
	_, fatalError := fatalResolver.Resolve(context.Background(), crossref.RewriteRequest{Raw: attachmentURL})
	require.True(testInstance, gateway.IsFatal(fatalError))
}

func TestMirrorFileName(testInstance *testing.T) {
	require.Equal(testInstance, "https___bitbucket.org_repo_images_a b.png", crossref.MirrorFileName("https://bitbucket.org/repo/images/a%20b.png"))
}
