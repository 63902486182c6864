package tokenizer

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/layer-3/pingmark/core"
	"github.com/layer-3/pingmark/ports"
)

const AudienceReceipt = "attestation:receipt"

// JWTTokenizer implements the Tokenizer interface using JWT
type JWTTokenizer struct {
	signKey *ecdsa.PrivateKey
}

// NewJWTTokenizer creates a new JWT tokenizer
func NewJWTTokenizer(signKey *ecdsa.PrivateKey) ports.Tokenizer {
	return &JWTTokenizer{signKey: signKey}
}

// ReceiptToToken converts a completion receipt to a signed JWT token
func (j *JWTTokenizer) ReceiptToToken(receipt *core.Receipt) (string, error) {
	claims := ReceiptClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  receipt.ClientID,
			ID:       receipt.SessionID,
			IssuedAt: jwt.NewNumericDate(receipt.IssuedAt),
			Audience: jwt.ClaimStrings{AudienceReceipt},
		},
		EpochID:     receipt.EpochID,
		Root:        receipt.Root.String(),
		Eligibility: receipt.Eligibility,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)

	signedToken, err := token.SignedString(j.signKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign receipt: %w", err)
	}

	return signedToken, nil
}

// TokenToReceipt parses and verifies a signed receipt token
func (j *JWTTokenizer) TokenToReceipt(tokenStr string) (*core.Receipt, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &ReceiptClaims{}, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method
		if _, ok := token.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return &j.signKey.PublicKey, nil
	}, jwt.WithAudience(AudienceReceipt))

	if err != nil {
		return nil, fmt.Errorf("failed to parse receipt: %w", err)
	}

	if !token.Valid {
		return nil, core.ErrInvalidReceipt
	}

	claims, ok := token.Claims.(*ReceiptClaims)
	if !ok {
		return nil, core.ErrInvalidReceipt
	}

	root, err := core.ParseHash(claims.Root)
	if err != nil {
		return nil, fmt.Errorf("%w: bad root encoding", core.ErrInvalidReceipt)
	}

	receipt := &core.Receipt{
		ClientID:    claims.Subject,
		SessionID:   claims.ID,
		EpochID:     claims.EpochID,
		Root:        root,
		Eligibility: claims.Eligibility,
		IssuedAt:    claims.IssuedAt.Time,
	}

	return receipt, nil
}
