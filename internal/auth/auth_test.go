package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/certgen/internal/domain"
)

func TestVerifier_Parse(t *testing.T) {
	token, err := Issue("secret", Claims{ID: "admin-1", Email: "admin@example.com", Name: "Admin"}, time.Hour)
	require.NoError(t, err)

	claims, err := NewVerifier("secret").Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "admin-1", claims.ID)
	assert.Equal(t, "admin@example.com", claims.Email)
}

func TestVerifier_ParseRejects(t *testing.T) {
	expired, err := Issue("secret", Claims{ID: "admin-1"}, -time.Minute)
	require.NoError(t, err)
	noID, err := Issue("secret", Claims{Email: "a@b.c"}, time.Hour)
	require.NoError(t, err)
	otherSecret, err := Issue("other", Claims{ID: "admin-1"}, time.Hour)
	require.NoError(t, err)

	tests := map[string]string{
		"empty":        "",
		"garbage":      "abc",
		"expired":      expired,
		"missing id":   noID,
		"other secret": otherSecret,
	}

	v := NewVerifier("secret")
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := v.Parse(token)
			assert.ErrorIs(t, err, domain.ErrUnauthorized)
		})
	}
}
