package crypto

import (
	"crypto/sha256"

	"golang.org/x/crypto/ripemd160"
)

// Hash160 performs SHA256 followed by RIPEMD160.
func Hash160(data []byte) []byte {
	hash := sha256.Sum256(data)
	ripemd := ripemd160.New()
	ripemd.Write(hash[:])
	return ripemd.Sum(nil)
}
