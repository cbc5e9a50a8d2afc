package auth

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

type addressContextKey struct{}
type tokenContextKey struct{}

// ContextWithAddress attaches the authenticated wallet address to the context.
func ContextWithAddress(ctx context.Context, addr common.Address) context.Context {
	return context.WithValue(ctx, addressContextKey{}, addr)
}

// AddressFromContext extracts the authenticated wallet address.
func AddressFromContext(ctx context.Context) (common.Address, bool) {
	if ctx == nil {
		return common.Address{}, false
	}
	v, ok := ctx.Value(addressContextKey{}).(common.Address)
	if !ok || v == (common.Address{}) {
		return common.Address{}, false
	}
	return v, true
}

// ContextWithToken stores the raw bearer token inside the context.
func ContextWithToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, tokenContextKey{}, token)
}

// TokenFromContext returns the bearer token if it was previously attached.
func TokenFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(tokenContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
