package consensus

import (
	"bytes"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	btcwire "github.com/btcsuite/btcd/wire"
	"golang.org/x/crypto/scrypt"
)

// HeaderHasher digests a serialized block header. It is used both for the
// block identity hash and for the proof-of-work input, which differ on
// scrypt networks.
type HeaderHasher func(header *btcwire.BlockHeader) chainhash.Hash

// Scrypt parameters used by Litecoin-family chains.
const (
	scryptN      = 1024
	scryptR      = 1
	scryptP      = 1
	scryptKeyLen = chainhash.HashSize
)

// maxHash never satisfies any target; it is returned when hashing fails.
var maxHash = chainhash.Hash{
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
}

// DoubleSHA256 is the Bitcoin header hash.
func DoubleSHA256(header *btcwire.BlockHeader) chainhash.Hash {
	return header.BlockHash()
}

// Scrypt returns scrypt(header, header, N=1024, r=1, p=1) over the 80 byte
// serialized header, in the same byte order as the double-SHA256 hash.
func Scrypt(header *btcwire.BlockHeader) chainhash.Hash {
	raw := SerializeHeader(header)
	digest, err := scrypt.Key(raw, raw, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return maxHash
	}

	var hash chainhash.Hash
	copy(hash[:], digest)
	return hash
}

// SerializeHeader returns the 80 byte wire form of header.
func SerializeHeader(header *btcwire.BlockHeader) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, btcwire.MaxBlockHeaderPayload))
	// Writes to a bytes.Buffer cannot fail.
	_ = header.Serialize(buf)
	return buf.Bytes()
}
