// Package chain is the narrow boundary to the blockchain network.
//
// The core never builds or submits transactions. It only asks whether a
// transaction the client already submitted did what was promised, and fetches a
// recent blockhash for the client to build its next transaction with.
package chain

import (
	"context"
	"fmt"

	"github.com/mr-tron/base58"
)

const (
	addressLen   = 32
	signatureLen = 64
)

// Verifier checks submitted transactions against expectations.
// A (false, nil) result means the chain answered and the transaction does not
// match; a non-nil error means the chain could not be asked.
type Verifier interface {
	VerifyTransaction(ctx context.Context, signature, payer, recipient string, lamports uint64) (bool, error)
	VerifyPublishTransaction(ctx context.Context, signature, canvasAddress string) (bool, error)
	VerifyMintTransaction(ctx context.Context, signature, mintAddress string) (bool, error)
	RecentBlockhash(ctx context.Context) (string, error)
}

// ProofVerifier checks that identity signed message. It is proof of identity, not payment.
type ProofVerifier interface {
	VerifyProof(identity, message, signature string) (bool, error)
}

// ValidateAddress checks that s is a base58-encoded 32-byte public key.
func ValidateAddress(s string) error {
	return validateBase58(s, addressLen, "address")
}

// ValidateSignature checks that s is a base58-encoded 64-byte signature.
func ValidateSignature(s string) error {
	return validateBase58(s, signatureLen, "signature")
}

func validateBase58(s string, size int, what string) error {
	if s == "" {
		return fmt.Errorf("%s cannot be empty", what)
	}
	raw, err := base58.Decode(s)
	if err != nil {
		return fmt.Errorf("%s is not valid base58: %w", what, err)
	}
	if len(raw) != size {
		return fmt.Errorf("%s must decode to %d bytes, got %d", what, size, len(raw))
	}
	return nil
}

// PaintMessage is the message a pixel owner signs to recolor a pixel they own.
func PaintMessage(canvasID string, x, y, color int) string {
	return fmt.Sprintf("pixelsett:paint:%s:%d:%d:%d", canvasID, x, y, color)
}
