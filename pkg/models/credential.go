package models

import "log/slog"

// CredentialSource records where a provider credential came from. Mock is a
// first-class, caller-visible source: synthetic outputs must never be
// mistaken for real ones in a trace.
type CredentialSource string

const (
	CredentialSourceWorkspace CredentialSource = "workspace"
	CredentialSourceSystem    CredentialSource = "system"
	CredentialSourceMock      CredentialSource = "mock"
)

// ProviderCredential holds a decrypted provider key for the duration of one
// call. The key is excluded from JSON and from log output; it must never be
// persisted back or included in error messages.
type ProviderCredential struct {
	Provider string           `json:"provider"`
	Key      string           `json:"-"`
	Source   CredentialSource `json:"source"`
}

// IsMock reports whether the credential selects the demo execution path.
func (c ProviderCredential) IsMock() bool {
	return c.Source == CredentialSourceMock
}

// LogValue redacts the key when a credential ends up in a log record.
func (c ProviderCredential) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("provider", c.Provider),
		slog.String("source", string(c.Source)),
	)
}
