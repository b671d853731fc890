// Package attest produces verifiable attestations over liquidation events.
// Attestations are evidentiary: a signing failure never blocks the
// liquidation itself.
package attest

import (
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"math/big"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Signer produces a signature over a 32-byte digest.
type Signer interface {
	Sign(digest [32]byte) ([]byte, error)
}

// Secp256k1Signer signs digests with a secp256k1 key, matching the custody
// provider's verification scheme.
type Secp256k1Signer struct {
	key *ecdsa.PrivateKey
}

// NewSecp256k1Signer wraps an existing private key.
func NewSecp256k1Signer(key *ecdsa.PrivateKey) (*Secp256k1Signer, error) {
	if key == nil {
		return nil, errors.New("attest: private key required")
	}
	return &Secp256k1Signer{key: key}, nil
}

// GenerateSigner creates a signer with a fresh key. Used by tests and
// bootstrap tooling.
func GenerateSigner() (*Secp256k1Signer, error) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &Secp256k1Signer{key: key}, nil
}

// PublicKeyBytes returns the uncompressed public key for verifier
// distribution.
func (s *Secp256k1Signer) PublicKeyBytes() []byte {
	if s == nil || s.key == nil {
		return nil
	}
	return ethcrypto.FromECDSAPub(&s.key.PublicKey)
}

// Sign implements Signer.
func (s *Secp256k1Signer) Sign(digest [32]byte) ([]byte, error) {
	if s == nil || s.key == nil {
		return nil, errors.New("attest: signer not configured")
	}
	return ethcrypto.Sign(digest[:], s.key)
}

// Verify checks a signature produced by Sign against the uncompressed public
// key bytes.
func Verify(digest [32]byte, signature, pubKey []byte) bool {
	if len(signature) < 64 || len(pubKey) == 0 {
		return false
	}
	// Drop the recovery id before verification.
	return ethcrypto.VerifySignature(compressPub(pubKey), digest[:], signature[:64])
}

func compressPub(pubKey []byte) []byte {
	pub, err := ethcrypto.UnmarshalPubkey(pubKey)
	if err != nil {
		return nil
	}
	return ethcrypto.CompressPubkey(pub)
}

// LiquidationDigest deterministically binds the facts of a liquidation event.
// The encoding is length-prefixed so no two distinct fact sets collide.
func LiquidationDigest(loanID uint64, collateralID string, debt, collateralValue *big.Int, ts time.Time, actor string) [32]byte {
	var buf []byte
	var scratch [8]byte

	binary.BigEndian.PutUint64(scratch[:], loanID)
	buf = append(buf, scratch[:]...)
	buf = appendBytes(buf, []byte(collateralID))
	buf = appendBytes(buf, bigBytes(debt))
	buf = appendBytes(buf, bigBytes(collateralValue))
	binary.BigEndian.PutUint64(scratch[:], uint64(ts.UTC().Unix()))
	buf = append(buf, scratch[:]...)
	buf = appendBytes(buf, []byte(actor))

	var digest [32]byte
	copy(digest[:], ethcrypto.Keccak256(buf))
	return digest
}

func appendBytes(buf, b []byte) []byte {
	var l [8]byte
	binary.BigEndian.PutUint64(l[:], uint64(len(b)))
	buf = append(buf, l[:]...)
	return append(buf, b...)
}

func bigBytes(v *big.Int) []byte {
	if v == nil {
		return nil
	}
	return v.Bytes()
}
