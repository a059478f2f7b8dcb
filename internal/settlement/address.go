package settlement

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

// Address is a 32-byte account address on the settlement network.
type Address [32]byte

// Well-known program addresses.
var (
	SystemProgramID          = mustAddress("11111111111111111111111111111111")
	TokenProgramID           = mustAddress("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
	AssociatedTokenProgramID = mustAddress("ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL")
)

// AddressFromBase58 parses a base58-encoded 32-byte address.
func AddressFromBase58(s string) (Address, error) {
	var a Address
	raw, err := base58.Decode(s)
	if err != nil {
		return a, fmt.Errorf("decoding address: %w", err)
	}
	if len(raw) != 32 {
		return a, fmt.Errorf("address must be 32 bytes, got %d", len(raw))
	}
	copy(a[:], raw)
	return a, nil
}

// AddressFromPublicKey converts an ed25519 public key into an address.
func AddressFromPublicKey(pub ed25519.PublicKey) (Address, error) {
	var a Address
	if len(pub) != ed25519.PublicKeySize {
		return a, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}
	copy(a[:], pub)
	return a, nil
}

// String returns the base58 encoding of the address.
func (a Address) String() string {
	return base58.Encode(a[:])
}

// IsZero reports whether the address is all zero bytes.
func (a Address) IsZero() bool {
	return a == Address{}
}

// isOnCurve reports whether the 32 bytes decompress to a valid ed25519 curve
// point. Program-derived addresses must not be valid points, so no private key
// can ever sign for them.
func isOnCurve(a Address) bool {
	_, err := new(edwards25519.Point).SetBytes(a[:])
	return err == nil
}

const derivedAddressMarker = "ProgramDerivedAddress"

// DeriveProgramAddress finds the program-derived address for the given seeds
// and program, walking the bump seed down from 255 until an off-curve
// candidate is found.
func DeriveProgramAddress(seeds [][]byte, program Address) (Address, uint8, error) {
	for bump := 255; bump >= 0; bump-- {
		h := sha256.New()
		for _, seed := range seeds {
			h.Write(seed)
		}
		h.Write([]byte{byte(bump)})
		h.Write(program[:])
		h.Write([]byte(derivedAddressMarker))

		var cand Address
		copy(cand[:], h.Sum(nil))
		if !isOnCurve(cand) {
			return cand, uint8(bump), nil
		}
	}
	return Address{}, 0, fmt.Errorf("no off-curve address for seeds")
}

// DerivedTokenAccount returns the owner's associated token account for the
// given mint. Token transfers pay into this account, not the owner's wallet
// address, so payment verification must derive it the same way the client did.
func DerivedTokenAccount(owner, mint Address) (Address, error) {
	seeds := [][]byte{owner[:], TokenProgramID[:], mint[:]}
	addr, _, err := DeriveProgramAddress(seeds, AssociatedTokenProgramID)
	if err != nil {
		return Address{}, fmt.Errorf("deriving token account: %w", err)
	}
	return addr, nil
}

func mustAddress(s string) Address {
	a, err := AddressFromBase58(s)
	if err != nil {
		panic(err)
	}
	return a
}
