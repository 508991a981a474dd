package job

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/maheshrc27/postflow-analytics/internal/metrics"
	"github.com/maheshrc27/postflow-analytics/internal/models"
	"github.com/maheshrc27/postflow-analytics/internal/provider"
	"github.com/maheshrc27/postflow-analytics/internal/repository"
	"github.com/maheshrc27/postflow-analytics/internal/service"
)

const credentialCheckConcurrency = 10

// CredentialCheckJob validates stored credentials ahead of the next sync so
// accounts needing re-authorisation are flagged without burning a run.
type CredentialCheckJob struct {
	accounts    repository.AccountRepository
	credentials service.CredentialService
	clients     service.ClientProvider
	warnWithin  time.Duration
	now         func() time.Time
}

func NewCredentialCheckJob(
	accounts repository.AccountRepository,
	credentials service.CredentialService,
	clients service.ClientProvider,
	warnWithin time.Duration) *CredentialCheckJob {
	return &CredentialCheckJob{
		accounts:    accounts,
		credentials: credentials,
		clients:     clients,
		warnWithin:  warnWithin,
		now:         time.Now,
	}
}

func (j *CredentialCheckJob) Run(ctx context.Context) error {
	accounts, err := j.accounts.ListActive(ctx)
	if err != nil {
		slog.Info(err.Error())
		return err
	}

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, credentialCheckConcurrency)

	for _, acc := range accounts {
		wg.Add(1)
		semaphore <- struct{}{}

		go func(acc *models.Account) {
			defer wg.Done()
			defer func() { <-semaphore }()

			result := j.check(ctx, acc)
			metrics.CredentialChecksTotal.WithLabelValues(string(acc.Platform), result).Inc()
		}(acc)
	}
	wg.Wait()
	return nil
}

func (j *CredentialCheckJob) check(ctx context.Context, acc *models.Account) string {
	if acc.TokenExpiresAt != nil && j.warnWithin > 0 {
		if left := acc.TokenExpiresAt.Sub(j.now()); left < j.warnWithin {
			slog.Warn("account token expiring soon", "account_id", acc.ID, "platform", acc.Platform, "expires_in", left.Round(time.Minute).String())
		}
	}

	creds, err := j.credentials.Resolve(ctx, acc)
	if err != nil {
		return j.reauth(ctx, acc, err.Error())
	}
	client, err := j.clients.ClientFor(ctx, acc.Platform, creds)
	if err != nil {
		slog.Info("unable to build client for credential check", "account_id", acc.ID, "error", err)
		return "error"
	}

	status, err := client.ValidateCredentials(ctx, acc.ExternalID)
	if err != nil {
		if provider.Classify(err) == provider.KindAuthExpired {
			return j.reauth(ctx, acc, err.Error())
		}
		slog.Info("unable to validate credentials", "account_id", acc.ID, "platform", acc.Platform, "error", err)
		return "error"
	}
	if !status.Valid {
		return j.reauth(ctx, acc, "credentials rejected by platform")
	}
	return "valid"
}

func (j *CredentialCheckJob) reauth(ctx context.Context, acc *models.Account, reason string) string {
	if err := j.accounts.MarkReauthRequired(ctx, acc.ID, reason); err != nil {
		slog.Warn("failed to flag account for re-authorisation", "account_id", acc.ID, "error", err)
		return "error"
	}
	slog.Warn("account requires re-authorisation", "account_id", acc.ID, "platform", acc.Platform, "reason", reason)
	return "invalid"
}
