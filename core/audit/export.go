package audit

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	coreerrors "github.com/nebula-ide/warden/core/errors"
	"github.com/nebula-ide/warden/core/fsx"
	wardenjcs "github.com/nebula-ide/warden/core/jcs"
	schemaaudit "github.com/nebula-ide/warden/core/schema/v1/audit"
	"github.com/nebula-ide/warden/core/schema/validate"
	"github.com/nebula-ide/warden/core/sign"
)

const (
	exportEventsFile   = "events.jsonl"
	exportRunFile      = "run.json"
	exportManifestFile = "manifest.json"
)

// ExportOptions selects the run to export and where the bundle goes.
// When SignKey is set the manifest carries a detached signature over its
// canonical form with the signatures field removed.
type ExportOptions struct {
	Dir             string
	RunID           string
	ProducerVersion string
	SignKey         ed25519.PrivateKey
}

// Export writes one run as a verifiable bundle: events.jsonl holds the
// run's events one canonical JSON document per line, run.json holds the
// run envelope without its events, and manifest.json carries per-file
// sha256 digests plus a chain digest over the ordered event digests.
func (l *Log) Export(options ExportOptions) (schemaaudit.ExportManifest, error) {
	dir := strings.TrimSpace(options.Dir)
	if dir == "" {
		return schemaaudit.ExportManifest{}, coreerrors.Wrap(
			fmt.Errorf("export directory is required"),
			coreerrors.CategoryInvalidInput,
			"export_dir_missing",
			"pass the directory the bundle should be written to",
			false,
		)
	}

	run, err := l.GetRun(options.RunID)
	if err != nil {
		return schemaaudit.ExportManifest{}, err
	}

	eventsBytes, err := canonicalJSONL(run.Events)
	if err != nil {
		return schemaaudit.ExportManifest{}, encodeFailed(exportEventsFile, err)
	}

	// run.json carries the envelope only; events.jsonl is the
	// authoritative event list.
	envelope := run
	envelope.Events = []schemaaudit.Event{}
	runBytes, err := canonicalJSON(envelope)
	if err != nil {
		return schemaaudit.ExportManifest{}, encodeFailed(exportRunFile, err)
	}

	digests := make([]string, 0, len(run.Events))
	for _, event := range run.Events {
		digests = append(digests, event.Digest)
	}

	manifest := schemaaudit.ExportManifest{
		SchemaID:        schemaaudit.ExportSchemaID,
		SchemaVersion:   schemaaudit.ExportSchemaVersion,
		CreatedAt:       l.clock().UTC(),
		ProducerVersion: options.ProducerVersion,
		RunID:           run.ID,
		EventCount:      len(run.Events),
		Files: []schemaaudit.ManifestFile{
			{Path: exportEventsFile, SHA256: wardenjcs.DigestBytes(eventsBytes)},
			{Path: exportRunFile, SHA256: wardenjcs.DigestBytes(runBytes)},
		},
		ChainDigest: chainEventDigests(digests),
	}
	sort.Slice(manifest.Files, func(left, right int) bool {
		return manifest.Files[left].Path < manifest.Files[right].Path
	})

	if len(options.SignKey) > 0 {
		rawManifest, err := json.Marshal(manifest)
		if err != nil {
			return schemaaudit.ExportManifest{}, encodeFailed(exportManifestFile, err)
		}
		signable, err := signableManifestBytes(rawManifest)
		if err != nil {
			return schemaaudit.ExportManifest{}, encodeFailed(exportManifestFile, err)
		}
		signature, err := sign.SignManifestJSON(options.SignKey, signable)
		if err != nil {
			return schemaaudit.ExportManifest{}, signFailed(err)
		}
		manifest.Signatures = []schemaaudit.ManifestSignature{{
			Alg:          signature.Alg,
			KeyID:        signature.KeyID,
			Sig:          signature.Sig,
			SignedDigest: signature.SignedDigest,
		}}
	}

	manifestBytes, err := canonicalJSON(manifest)
	if err != nil {
		return schemaaudit.ExportManifest{}, encodeFailed(exportManifestFile, err)
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return schemaaudit.ExportManifest{}, writeFailed("create export directory", err)
	}
	for _, file := range []struct {
		name string
		data []byte
	}{
		{exportEventsFile, eventsBytes},
		{exportRunFile, runBytes},
		{exportManifestFile, manifestBytes},
	} {
		if err := fsx.WriteFileAtomic(filepath.Join(dir, file.name), file.data, 0o600); err != nil {
			return schemaaudit.ExportManifest{}, writeFailed("write "+file.name, err)
		}
	}
	return manifest, nil
}

// HashMismatch reports one digest that did not match.
type HashMismatch struct {
	Path     string `json:"path"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// VerifyExportOptions points VerifyExport at a bundle. PublicKey enables
// signature checking; RequireSignature turns an unsigned or uncheckable
// manifest into a failure instead of a note.
type VerifyExportOptions struct {
	Dir              string
	PublicKey        ed25519.PublicKey
	RequireSignature bool
}

// ExportVerifyResult reports everything VerifyExport checked. An empty
// result apart from the counters means the bundle is intact.
type ExportVerifyResult struct {
	RunID           string         `json:"run_id,omitempty"`
	EventCount      int            `json:"event_count"`
	FilesChecked    int            `json:"files_checked"`
	MissingFiles    []string       `json:"missing_files,omitempty"`
	HashMismatches  []HashMismatch `json:"hash_mismatches,omitempty"`
	EventErrors     []string       `json:"event_errors,omitempty"`
	SignatureStatus string         `json:"signature_status"`
	SignaturesValid int            `json:"signatures_valid"`
	SignatureErrors []string       `json:"signature_errors,omitempty"`
}

// OK reports whether every check passed.
func (r ExportVerifyResult) OK() bool {
	return len(r.MissingFiles) == 0 && len(r.HashMismatches) == 0 &&
		len(r.EventErrors) == 0 && len(r.SignatureErrors) == 0
}

// VerifyExport re-checks a bundle written by Export: file digests against
// the manifest, every event line against the published schema, each
// event's canonical digest, the chain digest over the ordered events, and
// any manifest signatures.
func VerifyExport(options VerifyExportOptions) (ExportVerifyResult, error) {
	dir := options.Dir
	manifestBytes, err := os.ReadFile(filepath.Clean(filepath.Join(dir, exportManifestFile)))
	if err != nil {
		return ExportVerifyResult{}, verifyFailed(fmt.Errorf("read %s: %w", exportManifestFile, err))
	}
	var manifest schemaaudit.ExportManifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return ExportVerifyResult{}, verifyFailed(fmt.Errorf("parse %s: %w", exportManifestFile, err))
	}
	if manifest.SchemaID != schemaaudit.ExportSchemaID {
		return ExportVerifyResult{}, verifyFailed(fmt.Errorf("manifest schema_id must be %s", schemaaudit.ExportSchemaID))
	}
	if manifest.SchemaVersion != schemaaudit.ExportSchemaVersion {
		return ExportVerifyResult{}, verifyFailed(fmt.Errorf("manifest schema_version must be %s", schemaaudit.ExportSchemaVersion))
	}
	if manifest.RunID == "" {
		return ExportVerifyResult{}, verifyFailed(fmt.Errorf("manifest missing run_id"))
	}

	result := ExportVerifyResult{
		RunID:        manifest.RunID,
		EventCount:   manifest.EventCount,
		FilesChecked: len(manifest.Files),
	}

	listed := map[string]bool{}
	contents := map[string][]byte{}
	for _, entry := range manifest.Files {
		name := filepath.ToSlash(entry.Path)
		listed[name] = true
		data, err := os.ReadFile(filepath.Clean(filepath.Join(dir, name)))
		if err != nil {
			result.MissingFiles = append(result.MissingFiles, name)
			continue
		}
		contents[name] = data
		if actual := wardenjcs.DigestBytes(data); !strings.EqualFold(actual, entry.SHA256) {
			result.HashMismatches = append(result.HashMismatches, HashMismatch{
				Path:     name,
				Expected: entry.SHA256,
				Actual:   actual,
			})
		}
	}
	for _, required := range []string{exportEventsFile, exportRunFile} {
		if !listed[required] {
			result.MissingFiles = append(result.MissingFiles, required)
		}
	}

	if eventsBytes, ok := contents[exportEventsFile]; ok {
		verifyEvents(&result, manifest, eventsBytes)
	}
	if runBytes, ok := contents[exportRunFile]; ok {
		var envelope schemaaudit.RunRecord
		if err := json.Unmarshal(runBytes, &envelope); err != nil {
			result.EventErrors = append(result.EventErrors, fmt.Sprintf("parse %s: %v", exportRunFile, err))
		} else if envelope.ID != manifest.RunID {
			result.EventErrors = append(result.EventErrors,
				fmt.Sprintf("%s run id %s does not match manifest run id %s", exportRunFile, envelope.ID, manifest.RunID))
		}
	}

	if err := verifySignatures(&result, options, manifest, manifestBytes); err != nil {
		return ExportVerifyResult{}, err
	}

	sort.Strings(result.MissingFiles)
	sort.Slice(result.HashMismatches, func(left, right int) bool {
		return result.HashMismatches[left].Path < result.HashMismatches[right].Path
	})
	sort.Strings(result.EventErrors)
	sort.Strings(result.SignatureErrors)
	return result, nil
}

func verifySignatures(result *ExportVerifyResult, options VerifyExportOptions, manifest schemaaudit.ExportManifest, manifestBytes []byte) error {
	switch {
	case len(manifest.Signatures) == 0:
		result.SignatureStatus = "missing"
		if options.RequireSignature {
			result.SignatureErrors = append(result.SignatureErrors, "manifest has no signatures")
		}
	case options.PublicKey == nil:
		result.SignatureStatus = "skipped"
		if options.RequireSignature {
			result.SignatureErrors = append(result.SignatureErrors, "public key not configured")
		}
	default:
		signable, err := signableManifestBytes(manifestBytes)
		if err != nil {
			return verifyFailed(fmt.Errorf("prepare manifest for verification: %w", err))
		}
		valid := 0
		for _, entry := range manifest.Signatures {
			converted := sign.Signature{
				Alg:          entry.Alg,
				KeyID:        entry.KeyID,
				Sig:          entry.Sig,
				SignedDigest: entry.SignedDigest,
			}
			ok, err := sign.VerifyManifestJSON(options.PublicKey, converted, signable)
			if err != nil {
				result.SignatureErrors = append(result.SignatureErrors, err.Error())
				continue
			}
			if ok {
				valid++
			} else {
				result.SignatureErrors = append(result.SignatureErrors, "signature verification failed")
			}
		}
		result.SignaturesValid = valid
		if valid > 0 {
			result.SignatureStatus = "verified"
		} else {
			result.SignatureStatus = "failed"
		}
	}
	return nil
}

// The signed form is the manifest with the signatures field removed, so
// the signature can live inside the document it covers.
func signableManifestBytes(manifest []byte) ([]byte, error) {
	var document map[string]json.RawMessage
	if err := json.Unmarshal(manifest, &document); err != nil {
		return nil, err
	}
	delete(document, "signatures")
	return json.Marshal(document)
}

func verifyEvents(result *ExportVerifyResult, manifest schemaaudit.ExportManifest, eventsBytes []byte) {
	if err := validate.AuditEventLines(eventsBytes); err != nil {
		result.EventErrors = append(result.EventErrors, err.Error())
	}

	digests := []string{}
	lineNumber := 0
	for _, line := range bytes.Split(eventsBytes, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		lineNumber++
		var event schemaaudit.Event
		if err := json.Unmarshal(line, &event); err != nil {
			result.EventErrors = append(result.EventErrors, fmt.Sprintf("line %d: %v", lineNumber, err))
			continue
		}
		recomputed, err := DigestEvent(event)
		if err != nil {
			result.EventErrors = append(result.EventErrors, fmt.Sprintf("line %d: digest event: %v", lineNumber, err))
			continue
		}
		if !strings.EqualFold(recomputed, event.Digest) {
			result.EventErrors = append(result.EventErrors,
				fmt.Sprintf("line %d: event digest %s does not match recomputed %s", lineNumber, event.Digest, recomputed))
		}
		digests = append(digests, event.Digest)
	}

	if lineNumber != manifest.EventCount {
		result.EventErrors = append(result.EventErrors,
			fmt.Sprintf("manifest event_count %d does not match %d events", manifest.EventCount, lineNumber))
	}
	if chain := chainEventDigests(digests); !strings.EqualFold(chain, manifest.ChainDigest) {
		result.HashMismatches = append(result.HashMismatches, HashMismatch{
			Path:     "chain_digest",
			Expected: manifest.ChainDigest,
			Actual:   chain,
		})
	}
}

// chainEventDigests folds the ordered event digests into one value, so a
// reordered, dropped, or inserted event changes the chain.
func chainEventDigests(digests []string) string {
	chain := ""
	for _, digest := range digests {
		sum := sha256.Sum256([]byte(chain + ":" + digest))
		chain = hex.EncodeToString(sum[:])
	}
	return chain
}

func canonicalJSON(value any) ([]byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return wardenjcs.CanonicalizeJSON(raw)
}

func canonicalJSONL[T any](records []T) ([]byte, error) {
	if len(records) == 0 {
		return nil, nil
	}
	var buffer bytes.Buffer
	for _, record := range records {
		line, err := canonicalJSON(record)
		if err != nil {
			return nil, err
		}
		buffer.Write(line)
		buffer.WriteByte('\n')
	}
	return buffer.Bytes(), nil
}

func encodeFailed(name string, err error) error {
	return coreerrors.Wrap(
		fmt.Errorf("encode %s: %w", name, err),
		coreerrors.CategoryInternalFailure,
		"export_encode_failed",
		"",
		false,
	)
}

func writeFailed(action string, err error) error {
	return coreerrors.Wrap(
		fmt.Errorf("%s: %w", action, err),
		coreerrors.CategoryIOFailure,
		"export_write_failed",
		"check the export directory and retry",
		true,
	)
}

func signFailed(err error) error {
	return coreerrors.Wrap(
		fmt.Errorf("sign manifest: %w", err),
		coreerrors.CategoryInternalFailure,
		"export_sign_failed",
		"check the signing key material",
		false,
	)
}

func verifyFailed(err error) error {
	return coreerrors.Wrap(
		err,
		coreerrors.CategoryVerification,
		"export_bundle_invalid",
		"re-export the run and verify again",
		false,
	)
}
