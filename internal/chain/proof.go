package chain

import (
	"crypto/ed25519"

	"github.com/mr-tron/base58"
)

// Ed25519Proofs verifies wallet signatures over plain-text messages.
type Ed25519Proofs struct{}

// VerifyProof reports whether signature is identity's ed25519 signature of message.
// Malformed keys or signatures verify as false rather than erroring.
func (Ed25519Proofs) VerifyProof(identity, message, signature string) (bool, error) {
	if ValidateAddress(identity) != nil || ValidateSignature(signature) != nil {
		return false, nil
	}

	pub, err := base58.Decode(identity)
	if err != nil {
		return false, nil
	}
	sig, err := base58.Decode(signature)
	if err != nil {
		return false, nil
	}

	return ed25519.Verify(ed25519.PublicKey(pub), []byte(message), sig), nil
}
