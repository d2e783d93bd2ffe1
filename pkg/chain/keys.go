package chain

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

// Pubkey is a 32-byte ed25519 public key or program-derived address.
type Pubkey [32]byte

// Well-known program addresses.
var (
	SystemProgramID          = MustParsePubkey("11111111111111111111111111111111")
	TokenProgramID           = MustParsePubkey("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
	AssociatedTokenProgramID = MustParsePubkey("ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL")
)

// ParsePubkey decodes a base58-encoded address.
func ParsePubkey(s string) (Pubkey, error) {
	var p Pubkey
	b, err := base58.Decode(s)
	if err != nil {
		return p, fmt.Errorf("invalid address %q: %w", s, err)
	}
	if len(b) != len(p) {
		return p, fmt.Errorf("invalid address %q: got %d bytes, want %d", s, len(b), len(p))
	}
	copy(p[:], b)
	return p, nil
}

// MustParsePubkey is ParsePubkey for known-good constants.
func MustParsePubkey(s string) Pubkey {
	p, err := ParsePubkey(s)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Pubkey) String() string {
	return base58.Encode(p[:])
}

func (p Pubkey) Bytes() []byte {
	return p[:]
}

func (p Pubkey) IsZero() bool {
	return p == Pubkey{}
}

func (p Pubkey) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Pubkey) UnmarshalText(text []byte) error {
	parsed, err := ParsePubkey(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Keypair wraps an ed25519 signing key in the 64-byte wallet format
// (seed followed by public key).
type Keypair struct {
	pub  Pubkey
	priv ed25519.PrivateKey
}

// KeypairFromBytes builds a keypair from the 64-byte wallet representation.
func KeypairFromBytes(b []byte) (*Keypair, error) {
	if len(b) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid keypair: got %d bytes, want %d", len(b), ed25519.PrivateKeySize)
	}
	priv := ed25519.PrivateKey(make([]byte, ed25519.PrivateKeySize))
	copy(priv, b)
	var pub Pubkey
	copy(pub[:], priv.Public().(ed25519.PublicKey))
	return &Keypair{pub: pub, priv: priv}, nil
}

// NewKeypair generates a fresh random keypair.
func NewKeypair() (*Keypair, error) {
	pubBytes, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, err
	}
	var pub Pubkey
	copy(pub[:], pubBytes)
	return &Keypair{pub: pub, priv: priv}, nil
}

func (k *Keypair) Public() Pubkey {
	return k.pub
}

// Bytes returns the 64-byte wallet representation.
func (k *Keypair) Bytes() []byte {
	out := make([]byte, len(k.priv))
	copy(out, k.priv)
	return out
}

func (k *Keypair) Sign(msg []byte) [64]byte {
	var sig [64]byte
	copy(sig[:], ed25519.Sign(k.priv, msg))
	return sig
}

const pdaMarker = "ProgramDerivedAddress"

// CreateProgramAddress derives an address from seeds and a program id.
// The result must not be a valid curve point.
func CreateProgramAddress(seeds [][]byte, program Pubkey) (Pubkey, error) {
	h := sha256.New()
	for _, seed := range seeds {
		if len(seed) > 32 {
			return Pubkey{}, fmt.Errorf("seed exceeds 32 bytes")
		}
		h.Write(seed)
	}
	h.Write(program[:])
	h.Write([]byte(pdaMarker))

	var p Pubkey
	copy(p[:], h.Sum(nil))
	if onCurve(p[:]) {
		return Pubkey{}, fmt.Errorf("derived address is on the curve")
	}
	return p, nil
}

// FindProgramAddress searches bump seeds from 255 downward for a valid
// program-derived address.
func FindProgramAddress(seeds [][]byte, program Pubkey) (Pubkey, uint8, error) {
	for bump := 255; bump >= 0; bump-- {
		p, err := CreateProgramAddress(append(seeds, []byte{byte(bump)}), program)
		if err == nil {
			return p, uint8(bump), nil
		}
	}
	return Pubkey{}, 0, fmt.Errorf("no viable bump seed found")
}

// DeriveTokenAddress returns the associated token account for an owner and mint.
func DeriveTokenAddress(owner, mint Pubkey) (Pubkey, error) {
	p, _, err := FindProgramAddress(
		[][]byte{owner[:], TokenProgramID[:], mint[:]},
		AssociatedTokenProgramID,
	)
	if err != nil {
		return Pubkey{}, fmt.Errorf("derive token address: %w", err)
	}
	return p, nil
}

func onCurve(b []byte) bool {
	_, err := new(edwards25519.Point).SetBytes(b)
	return err == nil
}
