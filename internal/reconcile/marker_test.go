package reconcile_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/temirov/prmigrate/internal/reconcile"
)

const testMarkerConstant = "Migration Import"

func TestExtractSourceIdentifier(testInstance *testing.T) {
	testCases := []struct {
		name               string
		text               string
		marker             string
		expectedIdentifier string
		expectedFound      bool
	}{
		{name: "pull_request_title", text: "[Migration Import 57, OPEN] Fix bug", marker: testMarkerConstant, expectedIdentifier: "57", expectedFound: true},
		{name: "comment_header", text: "*[Migration Import comment 1204]* Created by **alice**", marker: testMarkerConstant, expectedIdentifier: "1204", expectedFound: true},
		{name: "digits_before_marker_ignored", text: "2024 [Migration Import 9, MERGED] Release", marker: testMarkerConstant, expectedIdentifier: "9", expectedFound: true},
		{name: "marker_without_number", text: "[Migration Import] pending", marker: testMarkerConstant, expectedFound: false},
		{name: "marker_absent", text: "Regular pull request 12", marker: testMarkerConstant, expectedFound: false},
		{name: "empty_marker", text: "[Migration Import 3, OPEN]", marker: "", expectedFound: false},
	}

	for testCaseIndex, testCase := range testCases {
		testInstance.Run(fmt.Sprintf("%d_%s", testCaseIndex, testCase.name), func(subTest *testing.T) {
			identifier, found := reconcile.ExtractSourceIdentifier(testCase.text, testCase.marker)
			require.Equal(subTest, testCase.expectedFound, found)
			require.Equal(subTest, testCase.expectedIdentifier, identifier)
		})
	}
}
