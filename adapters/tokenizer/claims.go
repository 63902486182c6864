package tokenizer

import (
	"github.com/golang-jwt/jwt/v5"

	"github.com/layer-3/pingmark/core"
)

// ReceiptClaims combines standard claims with attestation-specific ones
type ReceiptClaims struct {
	jwt.RegisteredClaims
	EpochID     uint64           `json:"epoch"`
	Root        string           `json:"root"`
	Eligibility core.Eligibility `json:"eligibility"`
}
