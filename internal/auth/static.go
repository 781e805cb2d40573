package auth

import "context"

// StaticKey authenticates with a fixed API key; refreshing is a no-op.
type StaticKey string

func (k StaticKey) EnsureValid(context.Context) (string, error) {
	if k == "" {
		return "", ErrAuthFailed
	}
	return string(k), nil
}

func (k StaticKey) Refresh(ctx context.Context) (string, error) { return k.EnsureValid(ctx) }
