package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// MachineClaims are the JWT claims for machine-scoped access tokens. A machine
// presents its token when calling back into the control plane API.
type MachineClaims struct {
	jwt.RegisteredClaims
	ProjectID uuid.UUID `json:"project_id"`
	MachineID uuid.UUID `json:"machine_id"`
}

// TokenIssuer creates machine-scoped JWTs.
type TokenIssuer struct {
	secret []byte
}

// NewTokenIssuer creates a new token issuer with the given shared secret.
func NewTokenIssuer(secret string) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret)}
}

// IssueMachineToken creates a long-lived JWT injected into a machine's
// environment at provision time.
func (t *TokenIssuer) IssueMachineToken(projectID, machineID uuid.UUID, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := MachineClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   projectID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "agentcloud",
		},
		ProjectID: projectID,
		MachineID: machineID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// ValidateMachineToken parses and validates a machine-scoped JWT.
func (t *TokenIssuer) ValidateMachineToken(tokenStr string) (*MachineClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &MachineClaims{}, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*MachineClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	return claims, nil
}
