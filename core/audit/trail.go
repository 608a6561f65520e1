package audit

import (
	"context"
	"fmt"
	"strings"

	coreerrors "github.com/nebula-ide/warden/core/errors"
	"github.com/nebula-ide/warden/core/fsx"
	schemaaudit "github.com/nebula-ide/warden/core/schema/v1/audit"
)

// Trail mirrors committed events into an append-only JSONL file, one
// canonical JSON document per line. The file is a human-greppable shadow
// of the primary store; appends take a cross-process lock so multiple
// warden processes can share one trail.
type Trail struct {
	path string
}

// NewTrail builds a trail writer for path. The file and its parent
// directory are created on first append.
func NewTrail(path string) (*Trail, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, coreerrors.Wrap(
			fmt.Errorf("trail path is required"),
			coreerrors.CategoryInvalidInput,
			"trail_path_missing",
			"pass the JSONL file the trail should append to",
			false,
		)
	}
	return &Trail{path: trimmed}, nil
}

// Path returns the trail file location.
func (t *Trail) Path() string {
	return t.path
}

// ArchiveEvent appends one event as a canonical JSON line.
func (t *Trail) ArchiveEvent(_ context.Context, event schemaaudit.Event) error {
	line, err := canonicalJSON(event)
	if err != nil {
		return fmt.Errorf("encode trail event: %w", err)
	}
	if err := fsx.AppendLineLocked(t.path, line, 0o600); err != nil {
		return coreerrors.Wrap(
			fmt.Errorf("append trail event: %w", err),
			coreerrors.CategoryIOFailure,
			"trail_append_failed",
			"check the trail file and its lock",
			true,
		)
	}
	return nil
}

// ArchiveRun is a no-op: the trail carries events only. Run envelopes live
// in the primary store and in export bundles.
func (t *Trail) ArchiveRun(context.Context, schemaaudit.RunRecord) error {
	return nil
}

// Tee fans archive calls out to several archivers in order, stopping at
// the first failure so the log's commit semantics stay all-or-nothing.
func Tee(archivers ...Archiver) Archiver {
	filtered := make([]Archiver, 0, len(archivers))
	for _, archiver := range archivers {
		if archiver != nil {
			filtered = append(filtered, archiver)
		}
	}
	return teeArchiver(filtered)
}

type teeArchiver []Archiver

func (t teeArchiver) ArchiveEvent(ctx context.Context, event schemaaudit.Event) error {
	for _, archiver := range t {
		if err := archiver.ArchiveEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

func (t teeArchiver) ArchiveRun(ctx context.Context, run schemaaudit.RunRecord) error {
	for _, archiver := range t {
		if err := archiver.ArchiveRun(ctx, run); err != nil {
			return err
		}
	}
	return nil
}
