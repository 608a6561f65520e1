package audit

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	coreerrors "github.com/nebula-ide/warden/core/errors"
	schemaaudit "github.com/nebula-ide/warden/core/schema/v1/audit"
	"github.com/nebula-ide/warden/core/sign"
)

// exportLog keeps the default uuid source so exported events satisfy the
// published schema's id format.
func exportLog(t *testing.T) (*Log, string) {
	t.Helper()
	log := NewLog(WithClock(newStepClock().Now))
	ctx := context.Background()

	run, err := log.StartRun(ctx, "proj-1", "ws-1", "ship the settings page")
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	drafts := []Draft{
		agentDraft(run.ID, schemaaudit.EventAgentDecision, schemaaudit.DecisionPayload{Decision: "edit settings view"}),
		agentDraft(run.ID, schemaaudit.EventToolCall, schemaaudit.ToolPayload{Tool: "repository", Server: "nebula"}),
		agentDraft(run.ID, schemaaudit.EventTestPassed, schemaaudit.TestPayload{Suite: "ui"}),
	}
	for _, draft := range drafts {
		if _, err := log.Record(ctx, draft); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if err := log.CompleteRun(ctx, run.ID, true); err != nil {
		t.Fatalf("complete run: %v", err)
	}
	return log, run.ID
}

func TestExportAndVerifyRoundTrip(t *testing.T) {
	log, runID := exportLog(t)
	dir := t.TempDir()

	manifest, err := log.Export(ExportOptions{Dir: dir, RunID: runID, ProducerVersion: "0.0.0-test"})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if manifest.RunID != runID || manifest.EventCount != 3 {
		t.Fatalf("manifest = %+v", manifest)
	}
	if len(manifest.Files) != 2 || manifest.ChainDigest == "" {
		t.Fatalf("manifest = %+v", manifest)
	}
	for _, name := range []string{"events.jsonl", "run.json", "manifest.json"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("missing %s: %v", name, err)
		}
	}

	result, err := VerifyExport(VerifyExportOptions{Dir: dir})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.OK() {
		t.Fatalf("verify result = %+v", result)
	}
	if result.RunID != runID || result.EventCount != 3 {
		t.Fatalf("verify result = %+v", result)
	}
}

func TestExportEmptyRun(t *testing.T) {
	log := NewLog(WithClock(newStepClock().Now))
	ctx := context.Background()
	run, err := log.StartRun(ctx, "proj-1", "ws-1", "no-op request")
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	if err := log.CompleteRun(ctx, run.ID, true); err != nil {
		t.Fatalf("complete run: %v", err)
	}

	dir := t.TempDir()
	manifest, err := log.Export(ExportOptions{Dir: dir, RunID: run.ID})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if manifest.EventCount != 0 || manifest.ChainDigest != "" {
		t.Fatalf("manifest = %+v", manifest)
	}

	result, err := VerifyExport(VerifyExportOptions{Dir: dir})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.OK() {
		t.Fatalf("verify result = %+v", result)
	}
}

func TestExportUnknownRun(t *testing.T) {
	log := NewLog()
	_, err := log.Export(ExportOptions{Dir: t.TempDir(), RunID: "missing"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if coreerrors.CodeOf(err) != "run_not_found" {
		t.Fatalf("code = %q", coreerrors.CodeOf(err))
	}
}

func TestExportRequiresDirectory(t *testing.T) {
	log := NewLog()
	_, err := log.Export(ExportOptions{RunID: "whatever"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if coreerrors.CodeOf(err) != "export_dir_missing" {
		t.Fatalf("code = %q", coreerrors.CodeOf(err))
	}
}

func TestVerifyExportDetectsEditedEvent(t *testing.T) {
	log, runID := exportLog(t)
	dir := t.TempDir()
	if _, err := log.Export(ExportOptions{Dir: dir, RunID: runID}); err != nil {
		t.Fatalf("export: %v", err)
	}

	eventsPath := filepath.Join(dir, "events.jsonl")
	raw, err := os.ReadFile(eventsPath)
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	edited := strings.Replace(string(raw), "edit settings view", "edit billing view", 1)
	if edited == string(raw) {
		t.Fatalf("edit did not apply")
	}
	if err := os.WriteFile(eventsPath, []byte(edited), 0o600); err != nil {
		t.Fatalf("write events: %v", err)
	}

	result, err := VerifyExport(VerifyExportOptions{Dir: dir})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.OK() {
		t.Fatalf("tampered bundle verified clean")
	}
	foundFileMismatch := false
	for _, mismatch := range result.HashMismatches {
		if mismatch.Path == "events.jsonl" {
			foundFileMismatch = true
		}
	}
	if !foundFileMismatch {
		t.Fatalf("hash mismatches = %+v", result.HashMismatches)
	}
	foundDigestError := false
	for _, message := range result.EventErrors {
		if strings.Contains(message, "does not match recomputed") {
			foundDigestError = true
		}
	}
	if !foundDigestError {
		t.Fatalf("event errors = %v", result.EventErrors)
	}
}

func TestVerifyExportDetectsDroppedEvent(t *testing.T) {
	log, runID := exportLog(t)
	dir := t.TempDir()
	if _, err := log.Export(ExportOptions{Dir: dir, RunID: runID}); err != nil {
		t.Fatalf("export: %v", err)
	}

	eventsPath := filepath.Join(dir, "events.jsonl")
	raw, err := os.ReadFile(eventsPath)
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("exported %d lines", len(lines))
	}
	truncated := strings.Join(lines[:2], "\n") + "\n"
	if err := os.WriteFile(eventsPath, []byte(truncated), 0o600); err != nil {
		t.Fatalf("write events: %v", err)
	}

	result, err := VerifyExport(VerifyExportOptions{Dir: dir})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.OK() {
		t.Fatalf("truncated bundle verified clean")
	}
	foundChainMismatch := false
	for _, mismatch := range result.HashMismatches {
		if mismatch.Path == "chain_digest" {
			foundChainMismatch = true
		}
	}
	if !foundChainMismatch {
		t.Fatalf("hash mismatches = %+v", result.HashMismatches)
	}
	foundCountError := false
	for _, message := range result.EventErrors {
		if strings.Contains(message, "event_count") {
			foundCountError = true
		}
	}
	if !foundCountError {
		t.Fatalf("event errors = %v", result.EventErrors)
	}
}

func TestVerifyExportDetectsMissingFile(t *testing.T) {
	log, runID := exportLog(t)
	dir := t.TempDir()
	if _, err := log.Export(ExportOptions{Dir: dir, RunID: runID}); err != nil {
		t.Fatalf("export: %v", err)
	}
	if err := os.Remove(filepath.Join(dir, "run.json")); err != nil {
		t.Fatalf("remove run.json: %v", err)
	}

	result, err := VerifyExport(VerifyExportOptions{Dir: dir})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.OK() {
		t.Fatalf("bundle with missing file verified clean")
	}
	if len(result.MissingFiles) != 1 || result.MissingFiles[0] != "run.json" {
		t.Fatalf("missing files = %v", result.MissingFiles)
	}
}

func TestVerifyExportRejectsForeignManifest(t *testing.T) {
	dir := t.TempDir()
	manifest := `{"schema_id":"someone.else","schema_version":"9.9.9","run_id":"r","event_count":0,"files":[],"chain_digest":"","created_at":"2026-02-03T04:05:06Z"}`
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), []byte(manifest), 0o600); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	_, err := VerifyExport(VerifyExportOptions{Dir: dir})
	if err == nil {
		t.Fatalf("expected error")
	}
	if coreerrors.CategoryOf(err) != coreerrors.CategoryVerification {
		t.Fatalf("category = %q", coreerrors.CategoryOf(err))
	}
}

func TestExportSignedManifestVerifies(t *testing.T) {
	keyPair, err := sign.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	log, runID := exportLog(t)
	dir := t.TempDir()

	manifest, err := log.Export(ExportOptions{Dir: dir, RunID: runID, SignKey: keyPair.Private})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(manifest.Signatures) != 1 || manifest.Signatures[0].Alg != sign.AlgEd25519 {
		t.Fatalf("signatures = %+v", manifest.Signatures)
	}

	result, err := VerifyExport(VerifyExportOptions{Dir: dir, PublicKey: keyPair.Public, RequireSignature: true})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.OK() {
		t.Fatalf("verify result = %+v", result)
	}
	if result.SignatureStatus != "verified" || result.SignaturesValid != 1 {
		t.Fatalf("signature status = %q valid = %d", result.SignatureStatus, result.SignaturesValid)
	}
}

func TestVerifyExportWrongPublicKey(t *testing.T) {
	signer, err := sign.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	other, err := sign.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	log, runID := exportLog(t)
	dir := t.TempDir()
	if _, err := log.Export(ExportOptions{Dir: dir, RunID: runID, SignKey: signer.Private}); err != nil {
		t.Fatalf("export: %v", err)
	}

	result, err := VerifyExport(VerifyExportOptions{Dir: dir, PublicKey: other.Public})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.OK() {
		t.Fatalf("wrong key verified clean")
	}
	if result.SignatureStatus != "failed" || result.SignaturesValid != 0 {
		t.Fatalf("signature status = %q valid = %d", result.SignatureStatus, result.SignaturesValid)
	}
}

func TestVerifyExportRequireSignatureUnsigned(t *testing.T) {
	log, runID := exportLog(t)
	dir := t.TempDir()
	if _, err := log.Export(ExportOptions{Dir: dir, RunID: runID}); err != nil {
		t.Fatalf("export: %v", err)
	}

	result, err := VerifyExport(VerifyExportOptions{Dir: dir, RequireSignature: true})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.OK() {
		t.Fatalf("unsigned bundle passed a required-signature verify")
	}
	if result.SignatureStatus != "missing" {
		t.Fatalf("signature status = %q", result.SignatureStatus)
	}
}

func TestVerifyExportSignatureCoversManifestEdits(t *testing.T) {
	keyPair, err := sign.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	log, runID := exportLog(t)
	dir := t.TempDir()
	if _, err := log.Export(ExportOptions{Dir: dir, RunID: runID, SignKey: keyPair.Private}); err != nil {
		t.Fatalf("export: %v", err)
	}

	// The manifest itself is not hash-listed, so only the signature can
	// catch an edit to it.
	manifestPath := filepath.Join(dir, "manifest.json")
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	edited := strings.Replace(string(raw), `"event_count":3`, `"event_count":4`, 1)
	if edited == string(raw) {
		t.Fatalf("edit did not apply")
	}
	if err := os.WriteFile(manifestPath, []byte(edited), 0o600); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	result, err := VerifyExport(VerifyExportOptions{Dir: dir, PublicKey: keyPair.Public})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.OK() {
		t.Fatalf("edited manifest verified clean")
	}
	if result.SignatureStatus != "failed" {
		t.Fatalf("signature status = %q", result.SignatureStatus)
	}
}

func TestChainDigestOrderSensitive(t *testing.T) {
	forward := chainEventDigests([]string{"aaa", "bbb"})
	reversed := chainEventDigests([]string{"bbb", "aaa"})
	if forward == reversed {
		t.Fatalf("chain ignores order")
	}
	if chainEventDigests(nil) != "" {
		t.Fatalf("empty chain must be empty")
	}
}
