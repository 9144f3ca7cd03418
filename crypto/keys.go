package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"
)

// CoinPrefix is the human-readable part of wallet coin addresses.
const CoinPrefix = "coin"

// Address is a 20-byte coin address rendered with a bech32 prefix.
type Address struct {
	prefix string
	bytes  []byte
}

// NewAddress wraps raw address bytes. The slice must hold exactly 20 bytes.
func NewAddress(prefix string, b []byte) (Address, error) {
	if len(b) != 20 {
		return Address{}, fmt.Errorf("crypto: address must be 20 bytes, got %d", len(b))
	}
	return Address{prefix: prefix, bytes: append([]byte(nil), b...)}, nil
}

func (a Address) String() string {
	conv, err := bech32.ConvertBits(a.bytes, 8, 5, true)
	if err != nil {
		return ""
	}
	encoded, err := bech32.Encode(a.prefix, conv)
	if err != nil {
		return ""
	}
	return encoded
}

func (a Address) Bytes() []byte {
	return append([]byte(nil), a.bytes...)
}

// Prefix returns the human-readable prefix associated with the address.
func (a Address) Prefix() string {
	return a.prefix
}

// DecodeAddress parses a bech32 coin address.
func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(addrStr)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	return NewAddress(prefix, conv)
}

// PrivateKey is a secp256k1 wallet key.
type PrivateKey struct {
	*ecdsa.PrivateKey
}

// GeneratePrivateKey creates a fresh random wallet key.
func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// PrivateKeyFromBytes decodes a raw 32-byte secp256k1 scalar.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

// CoinPublicKey returns the compressed public key the wallet advertises to
// contracts.
func (k *PrivateKey) CoinPublicKey() []byte {
	return crypto.CompressPubkey(&k.PrivateKey.PublicKey)
}

// Address derives the coin address owned by the key.
func (k *PrivateKey) Address() Address {
	addr := crypto.PubkeyToAddress(k.PrivateKey.PublicKey)
	return Address{prefix: CoinPrefix, bytes: addr.Bytes()}
}

// AddressFromCoinPublicKey derives the coin address of a compressed public key.
func AddressFromCoinPublicKey(pub []byte) (Address, error) {
	key, err := crypto.DecompressPubkey(pub)
	if err != nil {
		return Address{}, fmt.Errorf("crypto: decode coin public key: %w", err)
	}
	return Address{prefix: CoinPrefix, bytes: crypto.PubkeyToAddress(*key).Bytes()}, nil
}
