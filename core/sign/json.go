package sign

import (
	"crypto/ed25519"
	"fmt"

	"github.com/nebula-ide/warden/core/jcs"
)

// DigestJSON returns the sha256 hex digest of the canonical (RFC 8785)
// form of the input, so signatures survive re-encoding.
func DigestJSON(input []byte) (string, error) {
	return jcs.DigestJCS(input)
}

func SignJSON(priv ed25519.PrivateKey, input []byte) (Signature, error) {
	digest, err := DigestJSON(input)
	if err != nil {
		return Signature{}, err
	}
	return SignDigestHex(priv, digest)
}

func VerifyJSON(pub ed25519.PublicKey, sig Signature, input []byte) (bool, error) {
	digest, err := DigestJSON(input)
	if err != nil {
		return false, err
	}
	if sig.SignedDigest == "" {
		return false, fmt.Errorf("missing signed_digest")
	}
	if sig.SignedDigest != digest {
		return false, fmt.Errorf("signed_digest mismatch")
	}
	return VerifyDigestHex(pub, sig)
}

func SignManifestJSON(priv ed25519.PrivateKey, manifestJSON []byte) (Signature, error) {
	return SignJSON(priv, manifestJSON)
}

func VerifyManifestJSON(pub ed25519.PublicKey, sig Signature, manifestJSON []byte) (bool, error) {
	return VerifyJSON(pub, sig, manifestJSON)
}
