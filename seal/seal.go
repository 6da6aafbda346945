// Package seal signs mined block hashes with the node's Schnorr key so that blocks
// written by one node can be told apart from blocks forged by anyone holding the data.
package seal

import (
	"encoding/hex"
	"errors"
	"fmt"

	"go.dedis.ch/kyber/v4"
	"go.dedis.ch/kyber/v4/sign/schnorr"
	"go.dedis.ch/kyber/v4/suites"
)

var suite suites.Suite = suites.MustFind("Ed25519")

// ErrBadSeal is returned when a seal does not match the block hash or the key.
var ErrBadSeal = errors.New("bad seal")

// Signer holds a node key pair. It implements ledger.Sealer and ledger.SealVerifier.
type Signer struct {
	private kyber.Scalar
	public  kyber.Point
}

// NewSigner draws a fresh key pair.
func NewSigner() *Signer {
	private := suite.Scalar().Pick(suite.RandomStream())
	return &Signer{
		private: private,
		public:  suite.Point().Mul(private, nil),
	}
}

// UnmarshalSigner restores a signer saved with MarshalBinary.
func UnmarshalSigner(data []byte) (*Signer, error) {
	private := suite.Scalar()
	if err := private.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("decode node key: %w", err)
	}
	return &Signer{
		private: private,
		public:  suite.Point().Mul(private, nil),
	}, nil
}

// MarshalBinary encodes the private key. Keep the result secret.
func (s *Signer) MarshalBinary() ([]byte, error) {
	return s.private.MarshalBinary()
}

// Seal signs the hex block hash.
func (s *Signer) Seal(hash string) ([]byte, error) {
	sig, err := schnorr.Sign(suite, s.private, []byte(hash))
	if err != nil {
		return nil, fmt.Errorf("sign block hash: %w", err)
	}
	return sig, nil
}

func (s *Signer) VerifySeal(hash string, seal []byte) error {
	return Verify(s.public, hash, seal)
}

// PublicKey returns the hex encoding of the node's public point.
func (s *Signer) PublicKey() string {
	b, err := s.public.MarshalBinary()
	if err != nil {
		return ""
	}
	return hex.EncodeToString(b)
}

// Verifier checks seals against a public key published by another node.
type Verifier struct {
	public kyber.Point
}

// NewVerifier decodes a key produced by PublicKey.
func NewVerifier(publicKey string) (*Verifier, error) {
	b, err := hex.DecodeString(publicKey)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	p := suite.Point()
	if err := p.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	return &Verifier{public: p}, nil
}

func (v *Verifier) VerifySeal(hash string, seal []byte) error {
	return Verify(v.public, hash, seal)
}

// Verify checks a Schnorr seal over hash.
func Verify(public kyber.Point, hash string, seal []byte) error {
	if len(seal) == 0 {
		return fmt.Errorf("%w: missing signature", ErrBadSeal)
	}
	if err := schnorr.Verify(suite, public, []byte(hash), seal); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSeal, err)
	}
	return nil
}
