package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/maheshrc27/postflow-analytics/internal/models"
	"github.com/maheshrc27/postflow-analytics/internal/provider"
	"github.com/maheshrc27/postflow-analytics/pkg/utils"
)

var ErrMissingCredentials = errors.New("account has no stored credentials")

type CredentialService interface {
	Resolve(ctx context.Context, account *models.Account) (provider.Credentials, error)
}

type credentialService struct {
	secretKey []byte
}

// NewCredentialService decrypts credential references sealed with the
// AES-GCM scheme the connection flow writes.
func NewCredentialService(secretKey string) CredentialService {
	return &credentialService{secretKey: []byte(secretKey)}
}

func (s *credentialService) Resolve(ctx context.Context, account *models.Account) (provider.Credentials, error) {
	if account.CredentialRef == "" {
		return provider.Credentials{}, ErrMissingCredentials
	}

	token, err := utils.DecryptCredential(account.CredentialRef, s.secretKey)
	if err != nil {
		return provider.Credentials{}, fmt.Errorf("decrypt credentials for account %d: %w", account.ID, err)
	}

	return provider.Credentials{AccessToken: token, ExpiresAt: account.TokenExpiresAt}, nil
}
