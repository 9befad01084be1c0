// Package crypto wraps message hashing, signing and address recovery over the
// secp256k1 identity scheme used by the ledger.
package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"
)

// SignatureLength is the byte length of a recoverable signature (r || s || v).
const SignatureLength = 65

var ErrInvalidSignature = errors.New("invalid signature")

// Address is a 0x-prefixed hex account address.
type Address string

// Equal compares addresses case-insensitively.
func (a Address) Equal(other Address) bool {
	return strings.EqualFold(string(a), string(other))
}

func (a Address) String() string { return string(a) }

// Account holds a private key and its derived address.
type Account struct {
	Address Address
	key     *secp256k1.PrivateKey
}

// NewAccount generates a fresh account.
func NewAccount() (*Account, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &Account{Address: PubKeyToAddress(key.PubKey()), key: key}, nil
}

// AccountFromHex loads an account from a hex-encoded private key.
func AccountFromHex(keyHex string) (*Account, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(raw))
	}
	key := secp256k1.PrivKeyFromBytes(raw)
	return &Account{Address: PubKeyToAddress(key.PubKey()), key: key}, nil
}

// KeyHex returns the private key as hex, for config round-trips.
func (a *Account) KeyHex() string {
	return hex.EncodeToString(a.key.Serialize())
}

// CanSign reports whether the account carries a usable private key.
func (a *Account) CanSign() bool { return a != nil && a.key != nil }

// Keccak256 hashes the concatenation of the inputs.
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// HashWithPrefix hashes a message under the signed-message domain prefix so the
// signature cannot be replayed as a raw transaction signature.
func HashWithPrefix(message string) []byte {
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(message), message)
	return Keccak256([]byte(prefixed))
}

// Sign produces a 65-byte recoverable signature (r || s || v) over hash.
func Sign(hash []byte, acct *Account) ([]byte, error) {
	if acct == nil || acct.key == nil {
		return nil, errors.New("account has no private key")
	}
	compact := ecdsa.SignCompact(acct.key, hash, false)
	// SignCompact puts the recovery header first; the wire format wants it last.
	sig := make([]byte, SignatureLength)
	copy(sig, compact[1:])
	sig[SignatureLength-1] = compact[0]
	return sig, nil
}

// Recover returns the address that signed hash. The final byte accepts both
// the 0/1 and 27/28 recovery id conventions.
func Recover(hash, sig []byte) (Address, error) {
	if len(sig) != SignatureLength {
		return "", fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}
	v := sig[SignatureLength-1]
	if v < 27 {
		v += 27
	}
	compact := make([]byte, SignatureLength)
	compact[0] = v
	copy(compact[1:], sig[:SignatureLength-1])
	pub, _, err := ecdsa.RecoverCompact(compact, hash)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return PubKeyToAddress(pub), nil
}

// PubKeyToAddress derives the account address from a public key.
func PubKeyToAddress(pub *secp256k1.PublicKey) Address {
	raw := pub.SerializeUncompressed()
	sum := Keccak256(raw[1:])
	return Address("0x" + hex.EncodeToString(sum[12:]))
}

// DecodeSignature parses a 0x-prefixed hex signature string.
func DecodeSignature(sigHex string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if len(raw) != SignatureLength {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(raw))
	}
	return raw, nil
}

// EncodeSignature renders a signature as 0x-prefixed hex.
func EncodeSignature(sig []byte) string {
	return "0x" + hex.EncodeToString(sig)
}
