package apimgr

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"secure-vault-hub/internal/managererr"
)

// jwtSecretName is the secrets-manager key holding the HS256 signing secret.
const jwtSecretName = "jwt_signing_key"

// signingSecret fetches the JWT secret through the secrets manager. Absence
// is an API_CONFIG_MISSING condition, not an authentication failure.
func (m *Manager) signingSecret(ctx context.Context) (string, error) {
	secret, err := m.secrets.GetSecret(ctx, jwtSecretName, m.cfg.Environment, "api-manager")
	if err != nil {
		if managererr.HasCode(err, managererr.CodeSecretNotFound) {
			return "", managererr.NewAPIError(managererr.CodeAPIConfigMissing, 500,
				"jwt signing secret is not provisioned")
		}
		return "", err
	}
	return secret, nil
}

// EnsureJWTSecret provisions the signing secret when absent. Called once by
// the orchestrator during initialization.
func (m *Manager) EnsureJWTSecret(ctx context.Context) error {
	_, err := m.secrets.GetSecret(ctx, jwtSecretName, m.cfg.Environment, "api-manager")
	if err == nil {
		return nil
	}
	if !managererr.HasCode(err, managererr.CodeSecretNotFound) {
		return err
	}
	value, err := m.sec.GenerateSecureToken(64)
	if err != nil {
		return err
	}
	_, err = m.secrets.SetSecret(ctx, jwtSecretName, value, secretMetadata(m.cfg.Environment), "api-manager")
	return err
}

// VerifyToken validates an HS256 bearer token and maps its claims onto a
// principal.
func (m *Manager) VerifyToken(ctx context.Context, tokenString string) (*Principal, error) {
	secret, err := m.signingSecret(ctx)
	if err != nil {
		return nil, err
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, managererr.NewAuthenticationError("unexpected signing method")
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return nil, managererr.NewAuthenticationError("invalid or expired token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, managererr.NewAuthenticationError("malformed token claims")
	}

	principal := &Principal{AuthType: "jwt"}
	if sub, _ := claims.GetSubject(); sub != "" {
		principal.ID = sub
	}
	if name, ok := claims["name"].(string); ok {
		principal.Name = name
	}
	if role, ok := claims["role"].(string); ok {
		principal.Role = role
	}
	if perms, ok := claims["permissions"].([]interface{}); ok {
		for _, p := range perms {
			if s, ok := p.(string); ok {
				principal.Permissions = append(principal.Permissions, s)
			}
		}
	}
	return principal, nil
}

// IssueToken signs an HS256 token for the given identity. Exists so the
// JWT path is exercisable end to end with the same secret VerifyToken uses.
func (m *Manager) IssueToken(ctx context.Context, userID, role string, permissions []string, ttl time.Duration) (string, error) {
	secret, err := m.signingSecret(ctx)
	if err != nil {
		return "", err
	}
	if ttl == 0 {
		ttl = time.Hour
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID,
		"iss": m.cfg.JWTIssuer,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if role != "" {
		claims["role"] = role
	}
	if len(permissions) > 0 {
		claims["permissions"] = permissions
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", managererr.NewAPIError(managererr.CodeInternal, 500, "failed to sign token").WithCause(err)
	}
	return signed, nil
}
