package venue

import (
	"crypto/sha256"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

// NativeMint is the wrapped-SOL mint; an input leg in this token is native currency
// that has to be wrapped before a venue can move it.
const NativeMint = "So11111111111111111111111111111111111111112"

// tokenProgramID is the SPL token program owning wrapped-native accounts.
const tokenProgramID = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"

// ValidateAddress checks that addr is a base58-encoded 32-byte public key.
func ValidateAddress(addr string) error {
	decoded, err := base58.Decode(addr)
	if err != nil {
		return fmt.Errorf("decode base58: %w", err)
	}
	if len(decoded) != 32 {
		return fmt.Errorf("expected 32 bytes, got %d", len(decoded))
	}
	return nil
}

// DeriveOffCurveAddress derives a program-owned address from seeds the way Solana
// program-derived addresses are found: hash seeds with a bump and keep the first
// result that is not a valid ed25519 point.
func DeriveOffCurveAddress(seeds ...[]byte) (string, uint8, error) {
	program, err := base58.Decode(tokenProgramID)
	if err != nil {
		return "", 0, fmt.Errorf("decode program id: %w", err)
	}

	for bump := 255; bump >= 0; bump-- {
		h := sha256.New()
		for _, s := range seeds {
			h.Write(s)
		}
		h.Write([]byte{byte(bump)})
		h.Write(program)
		h.Write([]byte("ProgramDerivedAddress"))
		sum := h.Sum(nil)

		if !isOnCurve(sum) {
			return base58.Encode(sum), uint8(bump), nil
		}
	}
	return "", 0, fmt.Errorf("no off-curve address for seeds")
}

func isOnCurve(point []byte) bool {
	if len(point) != 32 {
		return false
	}
	_, err := new(edwards25519.Point).SetBytes(point)
	return err == nil
}
