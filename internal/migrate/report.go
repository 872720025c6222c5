package migrate

import (
	"bytes"
	"fmt"

	"github.com/natefinch/atomic"
	"gopkg.in/yaml.v3"
)

// ItemKind labels the objects a report entry refers to.
type ItemKind string

// Reported item kinds.
const (
	ItemKindPullRequest ItemKind = ItemKind("pull_request")
	ItemKindComment     ItemKind = ItemKind("comment")
	ItemKindBranch      ItemKind = ItemKind("branch")
	ItemKindRecord      ItemKind = ItemKind("record")
)

// UnresolvedItem describes an object that was not migrated in this run.
type UnresolvedItem struct {
	Kind     ItemKind `yaml:"kind"`
	SourceID string   `yaml:"source_id"`
	Stuck    bool     `yaml:"stuck"`
	Reason   string   `yaml:"reason"`
}

// Report summarizes one repository run.
type Report struct {
	RunID      string           `yaml:"run_id,omitempty"`
	Repository string           `yaml:"repository"`
	Mode       Mode             `yaml:"mode"`
	Created    int              `yaml:"created"`
	Reconciled int              `yaml:"reconciled"`
	Skipped    int              `yaml:"skipped"`
	Malformed  int              `yaml:"malformed"`
	Branches   int              `yaml:"branches_created"`
	Closed     int              `yaml:"closed"`
	Deleted    int              `yaml:"deleted"`
	Passes     int              `yaml:"passes"`
	Unresolved []UnresolvedItem `yaml:"unresolved"`
}

// UnresolvedCount returns the number of permanently failed or stuck items.
func (report Report) UnresolvedCount() int {
	return len(report.Unresolved)
}

// Merge folds other into report.
func (report *Report) Merge(other Report) {
	report.Created += other.Created
	report.Reconciled += other.Reconciled
	report.Skipped += other.Skipped
	report.Malformed += other.Malformed
	report.Branches += other.Branches
	report.Closed += other.Closed
	report.Deleted += other.Deleted
	report.Passes += other.Passes
	report.Unresolved = append(report.Unresolved, other.Unresolved...)
}

func (report *Report) addUnresolved(kind ItemKind, sourceID string, stuck bool, reason error) {
	message := ""
	if reason != nil {
		message = reason.Error()
	}
	report.Unresolved = append(report.Unresolved, UnresolvedItem{Kind: kind, SourceID: sourceID, Stuck: stuck, Reason: message})
}

// WriteReports encodes reports as YAML and replaces filePath atomically.
func WriteReports(filePath string, reports []Report) error {
	encoded, encodeError := yaml.Marshal(reports)
	if encodeError != nil {
		return fmt.Errorf(reportEncodeErrorTemplateConstant, encodeError)
	}
	if writeError := atomic.WriteFile(filePath, bytes.NewReader(encoded)); writeError != nil {
		return fmt.Errorf(reportWriteErrorTemplateConstant, filePath, writeError)
	}
	return nil
}
