package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"pimutpos/backend/internal/config"
	"pimutpos/backend/internal/domain"
)

func TestValidateSecurityConfigRejectsWeakValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "short"})
	assert.Error(t, err)
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "0123456789abcdef0123456789abcdef"})
	assert.NoError(t, err)
}

func TestValidateSecurityConfigRequiresProductionCallback(t *testing.T) {
	cfg := config.Config{
		AuthSecret: "0123456789abcdef0123456789abcdef",
		Mpesa: config.MpesaConfig{
			Env:            "production",
			ConsumerKey:    "key",
			ConsumerSecret: "secret",
			Shortcode:      "174379",
			Passkey:        "passkey",
		},
	}
	assert.Error(t, validateSecurityConfig(cfg), "missing callback URL")

	cfg.Mpesa.CallbackURL = config.DefaultCallbackURL
	assert.Error(t, validateSecurityConfig(cfg), "placeholder callback URL")

	cfg.Mpesa.CallbackURL = "https://pos.pimut.co.ke/mpesa/callback"
	assert.NoError(t, validateSecurityConfig(cfg))
}

type seederStub struct {
	users []domain.UserAccount
}

func (s *seederStub) EnsureUser(_ context.Context, user domain.UserAccount) (bool, error) {
	for _, existing := range s.users {
		if existing.Username == user.Username {
			return false, nil
		}
	}
	s.users = append(s.users, user)
	return true, nil
}

func TestBootstrapAdmin(t *testing.T) {
	seeder := &seederStub{}
	ctx := context.Background()

	require.NoError(t, bootstrapAdmin(ctx, seeder, "", zap.NewNop()))
	assert.Empty(t, seeder.users, "no password means no account")
	assert.Error(t, bootstrapAdmin(ctx, seeder, "short", zap.NewNop()))

	require.NoError(t, bootstrapAdmin(ctx, seeder, "first-admin-pass", zap.NewNop()))
	require.Len(t, seeder.users, 1)
	assert.Equal(t, domain.RoleAdmin, seeder.users[0].Role)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(seeder.users[0].Password), []byte("first-admin-pass")))

	require.NoError(t, bootstrapAdmin(ctx, seeder, "another-pass", zap.NewNop()))
	assert.Len(t, seeder.users, 1, "existing admin is kept")
}
