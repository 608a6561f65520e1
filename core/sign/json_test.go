package sign

import (
	"bytes"
	"testing"
)

var manifestFixture = []byte(`{
	"schema_id": "warden.audit.export",
	"schema_version": "1.0.0",
	"created_at": "2026-02-05T00:00:00Z",
	"producer_version": "0.0.0-dev",
	"run_id": "run_demo",
	"event_count": 2,
	"files": [
		{"path": "events.jsonl", "sha256": "1111111111111111111111111111111111111111111111111111111111111111"},
		{"path": "run.json", "sha256": "2222222222222222222222222222222222222222222222222222222222222222"}
	],
	"chain_digest": "3333333333333333333333333333333333333333333333333333333333333333"
}`)

func TestSignVerifyManifestJSON(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	sig, err := SignManifestJSON(kp.Private, manifestFixture)
	if err != nil {
		t.Fatalf("sign manifest: %v", err)
	}
	ok, err := VerifyManifestJSON(kp.Public, sig, manifestFixture)
	if err != nil {
		t.Fatalf("verify manifest: %v", err)
	}
	if !ok {
		t.Fatalf("expected manifest signature to verify")
	}

	tampered := bytes.Replace(manifestFixture, []byte("run_demo"), []byte("run_other"), 1)
	if _, err := VerifyManifestJSON(kp.Public, sig, tampered); err == nil {
		t.Fatalf("expected tampered manifest to fail")
	}
}

func TestSignJSONSurvivesReformatting(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	sig, err := SignJSON(kp.Private, []byte(`{"b": 2, "a": 1}`))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	// Same document, different whitespace and key order.
	ok, err := VerifyJSON(kp.Public, sig, []byte(`{"a":1,"b":2}`))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatalf("expected reformatted document to verify")
	}
}
