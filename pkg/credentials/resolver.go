// Package credentials resolves and decrypts provider API keys. Keys are
// decrypted at resolution time only and live in memory for the duration of
// one call; the plaintext is never logged and never persisted back.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/promptforge/chainforge/pkg/models"
)

var (
	// ErrKeyNotFound indicates no encrypted key exists for the lookup pair.
	ErrKeyNotFound = errors.New("credential key not found")

	// ErrCredentialRequired indicates a step demanded a live key and none
	// could be resolved. This is the only hard credential failure; every
	// other resolution problem degrades to mock mode.
	ErrCredentialRequired = errors.New("a live provider credential is required")
)

// KeyStore is the credential source: an opaque encrypted blob per
// (workspace, provider) pair. Implementations return ErrKeyNotFound when no
// key is configured.
type KeyStore interface {
	// WorkspaceKey returns the workspace-scoped encrypted key.
	WorkspaceKey(ctx context.Context, workspaceID, provider string) (string, error)

	// SystemKey returns the shared fallback key when the workspace is
	// entitled to one.
	SystemKey(ctx context.Context, workspaceID, provider string) (string, error)
}

// Decrypter turns an opaque encrypted blob into a plaintext key.
type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

// Resolver implements the workspace → system → mock lookup order.
type Resolver struct {
	store     KeyStore
	decrypter Decrypter
	logger    *slog.Logger
}

func NewResolver(store KeyStore, decrypter Decrypter, logger *slog.Logger) *Resolver {
	return &Resolver{
		store:     store,
		decrypter: decrypter,
		logger:    logger.With("module", "credential_resolver"),
	}
}

// Resolve returns the credential to use for one provider call. Resolution
// failures, including decryption errors, degrade to a mock credential so
// chains stay runnable without live keys; requireLive turns that degradation
// into ErrCredentialRequired instead.
func (r *Resolver) Resolve(ctx context.Context, workspaceID, provider string, requireLive bool) (models.ProviderCredential, error) {
	if cred, ok := r.tryResolve(ctx, workspaceID, provider, models.CredentialSourceWorkspace); ok {
		return cred, nil
	}

	if cred, ok := r.tryResolve(ctx, workspaceID, provider, models.CredentialSourceSystem); ok {
		return cred, nil
	}

	if requireLive {
		return models.ProviderCredential{}, fmt.Errorf("%w for provider %s", ErrCredentialRequired, provider)
	}

	return models.ProviderCredential{
		Provider: provider,
		Source:   models.CredentialSourceMock,
	}, nil
}

func (r *Resolver) tryResolve(ctx context.Context, workspaceID, provider string, source models.CredentialSource) (models.ProviderCredential, bool) {
	var (
		encrypted string
		err       error
	)

	switch source {
	case models.CredentialSourceWorkspace:
		encrypted, err = r.store.WorkspaceKey(ctx, workspaceID, provider)
	case models.CredentialSourceSystem:
		encrypted, err = r.store.SystemKey(ctx, workspaceID, provider)
	default:
		return models.ProviderCredential{}, false
	}

	if err != nil {
		if !errors.Is(err, ErrKeyNotFound) {
			r.logger.WarnContext(ctx, "credential lookup failed",
				"workspace_id", workspaceID,
				"provider", provider,
				"source", string(source),
				"error", err)
		}

		return models.ProviderCredential{}, false
	}

	plaintext, err := r.decrypter.Decrypt(encrypted)
	if err != nil {
		// Degrades to the next source. The error never carries key material.
		r.logger.WarnContext(ctx, "credential decryption failed",
			"workspace_id", workspaceID,
			"provider", provider,
			"source", string(source))

		return models.ProviderCredential{}, false
	}

	return models.ProviderCredential{
		Provider: provider,
		Key:      plaintext,
		Source:   source,
	}, true
}
