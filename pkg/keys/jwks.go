// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"

	"github.com/go-jose/go-jose/v4"
)

// PublicJWKS assembles the JWKS document for the provider's public keys.
// Only public material is included.
func PublicJWKS(ctx context.Context, provider Provider) (*jose.JSONWebKeySet, error) {
	pubKeys, err := provider.PublicKeys(ctx)
	if err != nil {
		return nil, err
	}

	jwks := &jose.JSONWebKeySet{
		Keys: make([]jose.JSONWebKey, 0, len(pubKeys)),
	}
	for _, key := range pubKeys {
		jwks.Keys = append(jwks.Keys, jose.JSONWebKey{
			Key:       key.PublicKey,
			KeyID:     key.KeyID,
			Algorithm: key.Algorithm,
			Use:       "sig",
		})
	}

	return jwks, nil
}
