package jwt

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/smallbiznis/instagram-connect/internal/domain"
	"github.com/smallbiznis/instagram-connect/internal/repository"
)

const secretSize = 64

// KeyManager owns the HMAC key capability tokens are signed with. Only one
// key is active at a time, so rotating it revokes every issued token.
type KeyManager struct {
	repo repository.KeyRepository
	node *snowflake.Node
}

func NewKeyManager(repo repository.KeyRepository, node *snowflake.Node) *KeyManager {
	return &KeyManager{repo: repo, node: node}
}

// EnsureSigningKey returns the active key, creating the first one when the
// store is empty.
func (m *KeyManager) EnsureSigningKey(ctx context.Context) (domain.SigningKey, error) {
	key, err := m.repo.GetActiveKey(ctx)
	switch {
	case err == nil:
		return key, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return domain.SigningKey{}, fmt.Errorf("ensure signing key: %w", err)
	}

	if key, err = m.generate(); err != nil {
		return domain.SigningKey{}, err
	}
	created, err := m.repo.CreateKey(ctx, key)
	if err != nil {
		return domain.SigningKey{}, fmt.Errorf("persist signing key: %w", err)
	}
	zap.L().Info("capability signing key created", zap.String("kid", created.KID))
	return created, nil
}

// Rotate replaces the active key.
func (m *KeyManager) Rotate(ctx context.Context) (domain.SigningKey, error) {
	key, err := m.generate()
	if err != nil {
		return domain.SigningKey{}, err
	}
	rotated, err := m.repo.RotateKey(ctx, key)
	if err != nil {
		return domain.SigningKey{}, fmt.Errorf("rotate signing key: %w", err)
	}
	zap.L().Info("capability signing key rotated", zap.String("kid", rotated.KID))
	return rotated, nil
}

func (m *KeyManager) ActiveKey(ctx context.Context) (domain.SigningKey, error) {
	key, err := m.repo.GetActiveKey(ctx)
	if err != nil {
		return domain.SigningKey{}, fmt.Errorf("active key: %w", err)
	}
	return key, nil
}

func (m *KeyManager) generate() (domain.SigningKey, error) {
	secret := make([]byte, secretSize)
	if _, err := rand.Read(secret); err != nil {
		return domain.SigningKey{}, fmt.Errorf("generate secret: %w", err)
	}
	return domain.SigningKey{
		ID:        m.node.Generate().Int64(),
		KID:       uuid.NewString(),
		Secret:    secret,
		Algorithm: string(jose.HS256),
		IsActive:  true,
	}, nil
}
