// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package endpoints

import "net/http"

// Well-known endpoint paths, relative to the issuer.
const (
	PathAuthorize     = "/connect/authorize"
	PathToken         = "/connect/token"
	PathIntrospection = "/connect/introspect"
	PathRevocation    = "/connect/revocation"
	PathEndSession    = "/connect/endsession"
	PathJWKS          = "/.well-known/jwks.json"
)

// Compile-time interface checks.
var (
	_ http.Handler = (*AuthorizeHandler)(nil)
	_ http.Handler = (*TokenHandler)(nil)
	_ http.Handler = (*IntrospectionHandler)(nil)
	_ http.Handler = (*RevocationHandler)(nil)
	_ http.Handler = (*JWKSHandler)(nil)
)
