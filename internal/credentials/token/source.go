package token

import "context"

// Source is the capability a concrete token-producing credential
// (OAuth2, external-account, JWT-file, ...) must supply to Credential.
// It replaces the spec's FetchToken(deadline, on_done) -> CancellableHandle:
// the context carries both the deadline and the cancellation signal, so
// a cancelled fetch simply observes ctx.Done() and returns ctx.Err()
// instead of requiring a separate cancellable-handle type.
type Source interface {
	// FetchToken retrieves a fresh token. It must return promptly once
	// ctx is done. Implementations must not retain ctx past return.
	FetchToken(ctx context.Context) (Token, error)

	// Name identifies the source for logging and error messages, e.g.
	// "oauth2", "external-account", "jwt-file".
	Name() string
}
