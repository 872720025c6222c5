package docs_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/temirov/prmigrate/cmd/cli"
	"github.com/temirov/prmigrate/internal/migrate"
	"github.com/temirov/prmigrate/internal/utils"
)

const (
	readmeFileNameConstant           = "README.md"
	yamlFenceStartConstant           = "```yaml"
	yamlFenceEndConstant             = "```"
	configHeaderMarkerConstant       = "# config.yaml"
	readmeSnippetTemporaryPattern    = "readme-config-*.yaml"
	parentDirectoryReferenceConstant = ".."
	missingHeaderMessageConstant     = "README example missing config header marker"
	missingStartFenceMessageConstant = "README example missing yaml fence start"
	missingEndFenceMessageConstant   = "README example missing yaml fence end"
	testEnvironmentPrefixConstant    = "TESTPRMIGRATEDOCS"
)

func TestReadmeConfigurationExampleLoads(testInstance *testing.T) {
	readmePath := filepath.Join(parentDirectoryReferenceConstant, readmeFileNameConstant)
	readmeContent, readError := os.ReadFile(readmePath)
	require.NoError(testInstance, readError)

	snippet := extractConfigurationSnippet(testInstance, string(readmeContent))

	temporaryFile, createError := os.CreateTemp(testInstance.TempDir(), readmeSnippetTemporaryPattern)
	require.NoError(testInstance, createError)
	_, writeError := temporaryFile.WriteString(snippet)
	require.NoError(testInstance, writeError)
	require.NoError(testInstance, temporaryFile.Close())

	loader := utils.NewConfigurationLoader("config", "yaml", testEnvironmentPrefixConstant, nil)
	defaults, flattenError := utils.FlattenDefaults("migration", migrate.DefaultConfiguration())
	require.NoError(testInstance, flattenError)

	var configuration cli.ApplicationConfiguration
	_, loadError := loader.LoadConfiguration(temporaryFile.Name(), defaults, &configuration)
	require.NoError(testInstance, loadError)

	migration := configuration.Migration.Sanitize()
	require.NoError(testInstance, migration.Validate())
	require.Equal(testInstance, migrate.ModeLoad, migration.Mode)
	require.Len(testInstance, migration.Repositories, 2)
	require.Equal(testInstance, "library", migration.Repositories[0].Repository)
	require.Equal(testInstance, []int{401, 403}, migration.Server.FatalStatusCodes)
	require.Equal(testInstance, "console", configuration.Common.LogFormat)
}

func extractConfigurationSnippet(testInstance *testing.T, readmeContent string) string {
	testInstance.Helper()
	headerIndex := strings.Index(readmeContent, configHeaderMarkerConstant)
	require.NotEqual(testInstance, -1, headerIndex, missingHeaderMessageConstant)

	startIndex := strings.LastIndex(readmeContent[:headerIndex], yamlFenceStartConstant)
	require.NotEqual(testInstance, -1, startIndex, missingStartFenceMessageConstant)

	bodyStart := startIndex + len(yamlFenceStartConstant)
	endOffset := strings.Index(readmeContent[bodyStart:], yamlFenceEndConstant)
	require.NotEqual(testInstance, -1, endOffset, missingEndFenceMessageConstant)

	return strings.TrimSpace(readmeContent[bodyStart : bodyStart+endOffset])
}
