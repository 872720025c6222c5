package migrate_test

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	migrate "github.com/temirov/prmigrate/internal/migrate"
)

const (
	testServerURLConstant   = "https://git.example.com/"
	testProjectConstant     = "PLAT"
	testRepositoryConstant  = "service"
	testWorkspaceConstant   = "acme"
	testTitleMarkerConstant = "Migration Import"
)

var pullRequestHeader = []string{
	"Repository", "#", "User", "Title", "State", "CreatedAt", "UpdatedAt", "BodyRaw", "BodyHTML",
	"SourceCommit", "DestinationCommit", "SourceBranch", "DestinationBranch", "DeclineReason", "MergeCommit", "ClosedBy",
}

var commentHeader = []string{
	"Repository", "PRNumber", "User", "CommentType", "CommentID", "BodyRaw", "BodyHTML", "CreatedAt",
	"IsDeleted", "ToLine", "FromLine", "FilePath", "Diff", "ParentID", "CommitHash",
}

type pullRequestRow struct {
	repository        string
	id                string
	title             string
	state             string
	body              string
	sourceCommit      string
	destinationCommit string
	mergeCommit       string
	closedBy          string
}

type commentRow struct {
	pullRequestID string
	id            string
	author        string
	body          string
	rendered      string
	deleted       bool
	toLine        string
	filePath      string
	diff          string
	parentID      string
}

func writeExport(testInstance *testing.T, header []string, rows [][]string) string {
	testInstance.Helper()
	exportPath := filepath.Join(testInstance.TempDir(), "export.csv")
	file, createError := os.Create(exportPath)
	require.NoError(testInstance, createError)
	defer file.Close()

	writer := csv.NewWriter(file)
	require.NoError(testInstance, writer.Write(header))
	require.NoError(testInstance, writer.WriteAll(rows))
	return exportPath
}

// writePullRequestExport writes rows in the order given; exports list the newest pull request first.
func writePullRequestExport(testInstance *testing.T, rows ...pullRequestRow) string {
	testInstance.Helper()
	encoded := make([][]string, 0, len(rows))
	for _, row := range rows {
		repository := row.repository
		if len(repository) == 0 {
			repository = testRepositoryConstant
		}
		state := row.state
		if len(state) == 0 {
			state = "OPEN"
		}
		encoded = append(encoded, []string{
			repository, row.id, "alice", row.title, state, "2020-01-0" + row.id[len(row.id)-1:], "2020-02-01",
			row.body, "<p>" + row.body + "</p>", row.sourceCommit, row.destinationCommit,
			"feature/" + row.id, "main", "", row.mergeCommit, row.closedBy,
		})
	}
	return writeExport(testInstance, pullRequestHeader, encoded)
}

func writeCommentExport(testInstance *testing.T, rows ...commentRow) string {
	testInstance.Helper()
	encoded := make([][]string, 0, len(rows))
	for _, row := range rows {
		author := row.author
		if len(author) == 0 {
			author = "bob"
		}
		deleted := "False"
		if row.deleted {
			deleted = "True"
		}
		encoded = append(encoded, []string{
			testRepositoryConstant, row.pullRequestID, author, "pullrequest_comment", row.id, row.body, row.rendered,
			"2020-03-01", deleted, row.toLine, "", row.filePath, row.diff, row.parentID, "abc",
		})
	}
	return writeExport(testInstance, commentHeader, encoded)
}

func testConfiguration(mode migrate.Mode, inputs ...string) migrate.Configuration {
	configuration := migrate.DefaultConfiguration()
	configuration.Mode = mode
	configuration.Server.URL = testServerURLConstant
	configuration.Server.Username = "migrator"
	configuration.Server.Password = "secret"
	configuration.Project = testProjectConstant
	configuration.Repository = testRepositoryConstant
	configuration.Source.Workspace = testWorkspaceConstant
	configuration.Inputs = inputs
	return configuration
}
