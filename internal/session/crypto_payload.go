package session

import (
	"github.com/fabstir/compute-node/internal/crypto"
)

// toPayload reconstructs a crypto.EncryptedPayload from wire fields plus
// the AAD both sides derive deterministically from direction + index
// (§4.2), rather than carrying AAD redundantly on every frame.
func toPayload(nonceHex, ciphertextHex, aad string) crypto.EncryptedPayload {
	return crypto.EncryptedPayload{
		NonceHex:      nonceHex,
		CiphertextHex: ciphertextHex,
		AADHex:        crypto.EncodeHex([]byte(aad)),
	}
}
