package migrate_test

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/temirov/prmigrate/internal/difflookup"
	"github.com/temirov/prmigrate/internal/gateway"
	gatewaytestsupport "github.com/temirov/prmigrate/internal/gateway/testsupport"
	migrate "github.com/temirov/prmigrate/internal/migrate"
	"github.com/temirov/prmigrate/internal/records"
)

const (
	followUpBodyConstant       = "Follow-up to https://bitbucket.org/acme/service/pull-requests/1"
	libraryLinkBodyConstant    = "Depends on https://bitbucket.org/acme/library/pull-requests/7"
	firstPullRequestURLPattern = "https://git.example.com/projects/PLAT/repos/service/pull-requests/%d"
)

func newTarget() *gatewaytestsupport.FakeTarget {
	target := gatewaytestsupport.NewFakeTarget(testRepositoryConstant)
	target.AddCommits("a1", "b1", "a2", "b2", "a7", "b7")
	return target
}

func twoPullRequestExport(testInstance *testing.T) string {
	return writePullRequestExport(testInstance,
		pullRequestRow{id: "2", title: "Second", body: followUpBodyConstant, sourceCommit: "a2", destinationCommit: "b2"},
		pullRequestRow{id: "1", title: "First", state: "MERGED", body: "Initial work", sourceCommit: "a1", destinationCommit: "b1", mergeCommit: "m1", closedBy: "carol"},
	)
}

func executeService(testInstance *testing.T, configuration migrate.Configuration, dependencies migrate.ServiceDependencies) migrate.Report {
	testInstance.Helper()
	service, serviceError := migrate.NewService(configuration, dependencies)
	require.NoError(testInstance, serviceError)
	report, executeError := service.Execute(context.Background())
	require.NoError(testInstance, executeError)
	return report
}

func TestNewServiceValidation(testInstance *testing.T) {
	testCases := []struct {
		name          string
		configuration migrate.Configuration
		target        gateway.Gateway
		expectedError error
	}{
		{
			name:          "missing_gateway",
			configuration: testConfiguration(migrate.ModeLoad, "export.csv"),
			expectedError: migrate.ErrGatewayRequired,
		},
		{
			name:          "missing_inputs",
			configuration: testConfiguration(migrate.ModeLoad),
			target:        newTarget(),
			expectedError: migrate.InvalidInputError{FieldName: "inputs", Message: "value required"},
		},
		{
			name: "missing_project",
			configuration: func() migrate.Configuration {
				configuration := testConfiguration(migrate.ModeClose)
				configuration.Project = " "
				return configuration
			}(),
			target:        newTarget(),
			expectedError: migrate.InvalidInputError{FieldName: "project", Message: "value required"},
		},
	}

	for testCaseIndex, testCase := range testCases {
		testInstance.Run(fmt.Sprintf("%d_%s", testCaseIndex, testCase.name), func(testInstance *testing.T) {
			_, serviceError := migrate.NewService(testCase.configuration, migrate.ServiceDependencies{Gateway: testCase.target})
			require.ErrorIs(testInstance, serviceError, testCase.expectedError)
		})
	}
}

func TestServiceLoadsPullRequestsWithIntraBatchLinks(testInstance *testing.T) {
	target := newTarget()
	exportPath := twoPullRequestExport(testInstance)

	report := executeService(testInstance, testConfiguration(migrate.ModeLoad, exportPath), migrate.ServiceDependencies{Gateway: target})

	require.Equal(testInstance, 2, report.Created)
	require.Equal(testInstance, 4, report.Branches)
	require.Empty(testInstance, report.Unresolved)
	require.LessOrEqual(testInstance, report.Passes, 2)

	pullRequests := target.PullRequests(testRepositoryConstant)
	require.Len(testInstance, pullRequests, 2)

	// The referenced pull request is always created before the one linking to it.
	first := pullRequests[0]
	require.Equal(testInstance, "[Migration Import 1, MERGED] First", first.Title)
	require.Equal(testInstance, "migration/1/source", first.SourceRef)
	require.Equal(testInstance, "migration/1/destination", first.TargetRef)
	require.Contains(testInstance, first.Description, "_Created by alice at 2020-01-01_")
	require.Contains(testInstance, first.Description, "_Closed by carol_")
	require.Contains(testInstance, first.Description, "Merged to commit m1")
	require.Contains(testInstance, first.Description, "Original description:\nInitial work")

	second := pullRequests[1]
	require.Equal(testInstance, "[Migration Import 2, OPEN] Second", second.Title)
	require.Contains(testInstance, second.Description, "Follow-up to "+fmt.Sprintf(firstPullRequestURLPattern, first.ID))
	require.Equal(testInstance,
		[]string{"migration/1/destination", "migration/1/source", "migration/2/destination", "migration/2/source"},
		target.Branches())
}

func TestServiceSecondRunIsIdempotent(testInstance *testing.T) {
	target := newTarget()
	exportPath := twoPullRequestExport(testInstance)
	configuration := testConfiguration(migrate.ModeLoad, exportPath)

	executeService(testInstance, configuration, migrate.ServiceDependencies{Gateway: target})
	createCalls := target.Calls(gateway.OperationCreatePullRequest)
	branchCalls := target.Calls(gateway.OperationCreateBranch)

	report := executeService(testInstance, configuration, migrate.ServiceDependencies{Gateway: target})

	require.Equal(testInstance, 0, report.Created)
	require.Equal(testInstance, 2, report.Reconciled)
	require.Equal(testInstance, 0, report.Branches)
	require.Empty(testInstance, report.Unresolved)
	require.Equal(testInstance, createCalls, target.Calls(gateway.OperationCreatePullRequest))
	require.Equal(testInstance, branchCalls, target.Calls(gateway.OperationCreateBranch))
	require.Len(testInstance, target.PullRequests(testRepositoryConstant), 2)
}

func TestServiceCrossRepositoryLinks(testInstance *testing.T) {
	testCases := []struct {
		name              string
		mode              migrate.Mode
		seedLibrary       bool
		expectedCreated   int
		expectedStuck     bool
		expectedLinkIDFor func(libraryID int) string
	}{
		{
			name:          "unresolved_link_defers_until_stuck",
			mode:          migrate.ModeLoad,
			expectedStuck: true,
		},
		{
			name:            "force_load_substitutes_placeholder",
			mode:            migrate.ModeForceLoad,
			expectedCreated: 1,
			expectedLinkIDFor: func(int) string {
				return "migration-pending-7"
			},
		},
		{
			name:            "migrated_target_resolves",
			mode:            migrate.ModeLoad,
			seedLibrary:     true,
			expectedCreated: 1,
			expectedLinkIDFor: func(libraryID int) string {
				return fmt.Sprint(libraryID)
			},
		},
	}

	for testCaseIndex, testCase := range testCases {
		testInstance.Run(fmt.Sprintf("%d_%s", testCaseIndex, testCase.name), func(testInstance *testing.T) {
			target := newTarget()
			libraryID := 0
			if testCase.seedLibrary {
				libraryID = target.SeedPullRequest("library", "[Migration Import 7, OPEN] Library change").ID
			}
			exportPath := writePullRequestExport(testInstance,
				pullRequestRow{id: "1", title: "Consumer", body: libraryLinkBodyConstant, sourceCommit: "a1", destinationCommit: "b1"},
			)

			report := executeService(testInstance, testConfiguration(testCase.mode, exportPath), migrate.ServiceDependencies{Gateway: target})

			require.Equal(testInstance, testCase.expectedCreated, report.Created)
			if testCase.expectedStuck {
				require.Equal(testInstance, 1, report.Passes)
				require.Equal(testInstance, []migrate.UnresolvedItem{{
					Kind:     migrate.ItemKindPullRequest,
					SourceID: "1",
					Stuck:    true,
					Reason:   report.Unresolved[0].Reason,
				}}, report.Unresolved)
				require.Contains(testInstance, report.Unresolved[0].Reason, "library")
				require.Empty(testInstance, target.PullRequests(testRepositoryConstant))
				return
			}

			require.Empty(testInstance, report.Unresolved)
			pullRequests := target.PullRequests(testRepositoryConstant)
			require.Len(testInstance, pullRequests, 1)
			require.Contains(testInstance, pullRequests[0].Description,
				"https://git.example.com/projects/PLAT/repos/library/pull-requests/"+testCase.expectedLinkIDFor(libraryID))
		})
	}
}

func TestServiceForceFlagOverridesLoadMode(testInstance *testing.T) {
	target := newTarget()
	exportPath := writePullRequestExport(testInstance,
		pullRequestRow{id: "1", title: "Consumer", body: libraryLinkBodyConstant, sourceCommit: "a1", destinationCommit: "b1"},
	)
	configuration := testConfiguration(migrate.ModeLoad, exportPath)
	configuration.ForceCrossReferences = true

	report := executeService(testInstance, configuration, migrate.ServiceDependencies{Gateway: target})

	require.Equal(testInstance, 1, report.Created)
	require.Contains(testInstance, target.PullRequests(testRepositoryConstant)[0].Description, "pull-requests/migration-pending-7")
}

func TestServiceForceLoadKeepsIntraBatchLinks(testInstance *testing.T) {
	for attempt := 0; attempt < 20; attempt++ {
		target := newTarget()
		exportPath := twoPullRequestExport(testInstance)

		report := executeService(testInstance, testConfiguration(migrate.ModeForceLoad, exportPath), migrate.ServiceDependencies{Gateway: target})
		require.Equal(testInstance, 2, report.Created)
		require.Empty(testInstance, report.Unresolved)

		pullRequestsByTitle := make(map[string]gatewaytestsupport.PullRequest)
		for _, pullRequest := range target.PullRequests(testRepositoryConstant) {
			pullRequestsByTitle[pullRequest.Title] = pullRequest
		}
		first := pullRequestsByTitle["[Migration Import 1, MERGED] First"]
		second := pullRequestsByTitle["[Migration Import 2, OPEN] Second"]
		require.Contains(testInstance, second.Description, "Follow-up to "+fmt.Sprintf(firstPullRequestURLPattern, first.ID))
		require.NotContains(testInstance, second.Description, "migration-pending-1")
	}
}

func TestServiceLoadPullRequestsOnlyModeSkipsBranches(testInstance *testing.T) {
	target := newTarget()
	exportPath := writePullRequestExport(testInstance,
		pullRequestRow{id: "1", title: "First", body: "text", sourceCommit: "a1", destinationCommit: "b1"},
	)
	require.NoError(testInstance, target.CreateBranch(context.Background(), "migration/1/source", "a1"))
	require.NoError(testInstance, target.CreateBranch(context.Background(), "migration/1/destination", "b1"))
	branchCalls := target.Calls(gateway.OperationCreateBranch)

	report := executeService(testInstance, testConfiguration(migrate.ModeLoadPRs, exportPath), migrate.ServiceDependencies{Gateway: target})

	require.Equal(testInstance, 1, report.Created)
	require.Equal(testInstance, 0, report.Branches)
	require.Equal(testInstance, branchCalls, target.Calls(gateway.OperationCreateBranch))
}

func TestServiceMissingCommitReportsFailure(testInstance *testing.T) {
	target := newTarget()
	exportPath := writePullRequestExport(testInstance,
		pullRequestRow{id: "1", title: "Orphan", body: "text", sourceCommit: "gone", destinationCommit: "b1"},
	)

	report := executeService(testInstance, testConfiguration(migrate.ModeLoad, exportPath), migrate.ServiceDependencies{Gateway: target})

	require.Equal(testInstance, 0, report.Created)
	require.Equal(testInstance, 1, report.Branches)
	require.Len(testInstance, report.Unresolved, 1)
	require.False(testInstance, report.Unresolved[0].Stuck)
	require.Equal(testInstance, "1", report.Unresolved[0].SourceID)
	require.Equal(testInstance, []string{"migration/1/destination"}, target.Branches())
}

func TestServiceSkipsForeignAndMalformedRecords(testInstance *testing.T) {
	target := newTarget()
	exportPath := writePullRequestExport(testInstance,
		pullRequestRow{repository: "library", id: "7", title: "Elsewhere", body: "text", sourceCommit: "a7", destinationCommit: "b7"},
		pullRequestRow{id: "1", title: "", body: "text", sourceCommit: "a1", destinationCommit: "b1"},
		pullRequestRow{id: "2", title: "Kept", body: "text", sourceCommit: "a2", destinationCommit: "b2"},
	)

	report := executeService(testInstance, testConfiguration(migrate.ModeLoad, exportPath), migrate.ServiceDependencies{Gateway: target})

	require.Equal(testInstance, 1, report.Created)
	require.Equal(testInstance, 1, report.Skipped)
	require.Equal(testInstance, 1, report.Malformed)
	require.Empty(testInstance, target.PullRequests("library"))
}

func TestServiceReportsUnreadableInput(testInstance *testing.T) {
	target := newTarget()
	missingPath := testInstance.TempDir() + "/missing.csv"

	report := executeService(testInstance, testConfiguration(migrate.ModeLoad, missingPath), migrate.ServiceDependencies{Gateway: target})

	require.Len(testInstance, report.Unresolved, 1)
	require.Equal(testInstance, migrate.ItemKindRecord, report.Unresolved[0].Kind)
	require.Equal(testInstance, missingPath, report.Unresolved[0].SourceID)
}

func TestServiceFatalErrorAbortsRun(testInstance *testing.T) {
	target := newTarget()
	target.FailureInjector = func(operation gateway.OperationName, _ string) error {
		if operation != gateway.OperationCreatePullRequest {
			return nil
		}
		return gateway.FatalError{Cause: gateway.StatusError{Operation: operation, StatusCode: 401, Body: "unauthorized"}}
	}
	exportPath := twoPullRequestExport(testInstance)

	service, serviceError := migrate.NewService(testConfiguration(migrate.ModeLoad, exportPath), migrate.ServiceDependencies{Gateway: target})
	require.NoError(testInstance, serviceError)

	_, executeError := service.Execute(context.Background())
	require.Error(testInstance, executeError)
	require.True(testInstance, gateway.IsFatal(executeError))
	require.Equal(testInstance, 401, gateway.StatusCode(executeError))
	require.Empty(testInstance, target.PullRequests(testRepositoryConstant))
}

func TestServiceHonorsConcurrencyLimit(testInstance *testing.T) {
	const pullRequestCount = 12
	target := gatewaytestsupport.NewFakeTarget(testRepositoryConstant)
	rows := make([]pullRequestRow, 0, pullRequestCount)
	for pullRequestIndex := pullRequestCount; pullRequestIndex >= 1; pullRequestIndex-- {
		sourceCommit := fmt.Sprintf("s%d", pullRequestIndex)
		destinationCommit := fmt.Sprintf("d%d", pullRequestIndex)
		target.AddCommits(sourceCommit, destinationCommit)
		rows = append(rows, pullRequestRow{
			id:                fmt.Sprint(pullRequestIndex),
			title:             "Change",
			body:              "text",
			sourceCommit:      sourceCommit,
			destinationCommit: destinationCommit,
		})
	}
	configuration := testConfiguration(migrate.ModeLoad, writePullRequestExport(testInstance, rows...))
	configuration.Concurrency.General = 3

	report := executeService(testInstance, configuration, migrate.ServiceDependencies{Gateway: target})

	require.Equal(testInstance, pullRequestCount, report.Created)
	require.LessOrEqual(testInstance, target.MaxInFlight(), int64(3))
}

func TestServiceLoadsComments(testInstance *testing.T) {
	target := newTarget()
	executeService(testInstance, testConfiguration(migrate.ModeLoad, twoPullRequestExport(testInstance)), migrate.ServiceDependencies{Gateway: target})
	pullRequestID := target.PullRequests(testRepositoryConstant)[0].ID

	commentExport := writeCommentExport(testInstance,
		commentRow{pullRequestID: "1", id: "16", body: "Orphan reply", parentID: "99"},
		commentRow{pullRequestID: "1", id: "15", body: "Reply to removed", parentID: "14"},
		commentRow{pullRequestID: "1", id: "14", body: "removed", deleted: true},
		commentRow{pullRequestID: "1", id: "13", body: "gone", deleted: true},
		commentRow{pullRequestID: "1", id: "12", body: "Rename this", filePath: "app.go", toLine: "5", diff: "https://bitbucket.org/diff/1"},
		commentRow{pullRequestID: "1", id: "11", body: "Agreed", parentID: "10"},
		commentRow{pullRequestID: "1", id: "10", author: "alice", body: "Looks good @{u1}", rendered: `<p>Looks good <a data-account-id="u1">@Alice</a></p>`},
	)
	diffs, diffError := difflookup.Parse("inline", []byte(`{"https://bitbucket.org/diff/1": "+added line\n",}`))
	require.NoError(testInstance, diffError)
	configuration := testConfiguration(migrate.ModeLoad, commentExport)

	report := executeService(testInstance, configuration, migrate.ServiceDependencies{Gateway: target, DiffLookup: diffs})

	require.Equal(testInstance, 5, report.Created)
	require.Equal(testInstance, 1, report.Skipped)
	require.Len(testInstance, report.Unresolved, 1)
	require.Equal(testInstance, "16", report.Unresolved[0].SourceID)
	require.True(testInstance, report.Unresolved[0].Stuck)

	commentsBySource := map[string]gatewaytestsupport.Comment{}
	for _, comment := range target.Comments() {
		firstLine := strings.SplitN(comment.Text, "\n", 2)[0]
		for _, sourceID := range []string{"10", "11", "12", "14", "15"} {
			if strings.HasPrefix(firstLine, fmt.Sprintf("*[Migration Import comment %s]*", sourceID)) {
				commentsBySource[sourceID] = comment
			}
		}
		require.Equal(testInstance, pullRequestID, comment.PullRequestID)
	}
	require.Len(testInstance, commentsBySource, 5)

	root := commentsBySource["10"]
	require.Equal(testInstance, "*[Migration Import comment 10]* Created by **alice** at 2020-03-01\n\nLooks good @Alice", root.Text)
	require.Equal(testInstance, root.ID, commentsBySource["11"].ParentID)

	fileComment := commentsBySource["12"]
	require.NotNil(testInstance, fileComment.Anchor)
	require.Equal(testInstance, gateway.FileAnchor{Path: "app.go", Line: 5, Side: gateway.LineSideAdded}, *fileComment.Anchor)
	require.Contains(testInstance, fileComment.Text, "```diff\n+added line\n```")

	require.Contains(testInstance, commentsBySource["14"].Text, "_This comment was deleted in the source system._")
	require.Equal(testInstance, commentsBySource["14"].ID, commentsBySource["15"].ParentID)

	commentCalls := target.Calls(gateway.OperationCreateComment) + target.Calls(gateway.OperationCreateFileComment)
	rerun := executeService(testInstance, configuration, migrate.ServiceDependencies{Gateway: target, DiffLookup: diffs})
	require.Equal(testInstance, 0, rerun.Created)
	require.Equal(testInstance, 5, rerun.Reconciled)
	require.Len(testInstance, rerun.Unresolved, 1)
	require.Equal(testInstance, commentCalls, target.Calls(gateway.OperationCreateComment)+target.Calls(gateway.OperationCreateFileComment))
}

func TestServiceDefersCommentsOfUnmigratedPullRequests(testInstance *testing.T) {
	target := newTarget()
	commentExport := writeCommentExport(testInstance,
		commentRow{pullRequestID: "42", id: "1", body: "Lost"},
	)

	report := executeService(testInstance, testConfiguration(migrate.ModeLoad, commentExport), migrate.ServiceDependencies{Gateway: target})

	require.Equal(testInstance, 0, report.Created)
	require.Len(testInstance, report.Unresolved, 1)
	require.True(testInstance, report.Unresolved[0].Stuck)
	require.Equal(testInstance, migrate.ItemKindComment, report.Unresolved[0].Kind)
}

func TestServiceDebugModeLogsRedactedConfiguration(testInstance *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	configuration := testConfiguration(migrate.ModeDebug)

	report := executeService(testInstance, configuration, migrate.ServiceDependencies{Logger: zap.New(core)})

	require.Equal(testInstance, migrate.ModeDebug, report.Mode)
	entries := logs.FilterMessage("Resolved configuration").All()
	require.Len(testInstance, entries, 1)
	logged, isMap := entries[0].ContextMap()["configuration"].(map[string]any)
	require.True(testInstance, isMap)
	server, serverIsMap := logged["server"].(map[string]any)
	require.True(testInstance, serverIsMap)
	require.Equal(testInstance, "<redacted>", server["password"])
	require.Equal(testInstance, "migrator", server["username"])
}

func TestTitleHelpers(testInstance *testing.T) {
	record := records.PullRequestRecord{ID: "57", State: "DECLINED", Title: "Drop feature"}
	require.Equal(testInstance, "[Migration Import 57, DECLINED] Drop feature", migrate.PullRequestTitle(testTitleMarkerConstant, record))

	sourceBranch, destinationBranch := migrate.BranchNames("migration", "57")
	require.Equal(testInstance, "migration/57/source", sourceBranch)
	require.Equal(testInstance, "migration/57/destination", destinationBranch)

	comment := records.CommentRecord{ID: "9", Author: "bob", CreatedAt: "2020-03-01"}
	require.Equal(testInstance, "*[Migration Import comment 9]* Created by **bob** at 2020-03-01", migrate.CommentHeader(testTitleMarkerConstant, comment))
}
