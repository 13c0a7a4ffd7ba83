// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package authorize validates authorization requests and decides what
// interaction (login, consent) a request still needs before a grant can
// be issued.
package authorize

import (
	"net/url"
	"strings"
	"time"

	"github.com/stacklok/oidcore/pkg/registry"
	"github.com/stacklok/oidcore/pkg/scopes"
)

// Request carries the raw authorization request parameters as received,
// before any validation.
type Request struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	Nonce               string
	ResponseMode        string
	Prompt              string
	MaxAge              string
	ACRValues           string
	LoginHint           string
	UILocales           string
	CodeChallenge       string
	CodeChallengeMethod string
}

// ParseRequest reads the authorization parameters from a query or form
// value set.
func ParseRequest(values url.Values) *Request {
	return &Request{
		ResponseType:        values.Get("response_type"),
		ClientID:            values.Get("client_id"),
		RedirectURI:         values.Get("redirect_uri"),
		Scope:               values.Get("scope"),
		State:               values.Get("state"),
		Nonce:               values.Get("nonce"),
		ResponseMode:        values.Get("response_mode"),
		Prompt:              values.Get("prompt"),
		MaxAge:              values.Get("max_age"),
		ACRValues:           values.Get("acr_values"),
		LoginHint:           values.Get("login_hint"),
		UILocales:           values.Get("ui_locales"),
		CodeChallenge:       values.Get("code_challenge"),
		CodeChallengeMethod: values.Get("code_challenge_method"),
	}
}

// ValidatedRequest is the canonical form of an authorization request
// that passed all protocol checks. The interaction generator and the
// response generators consume this, never the raw request.
type ValidatedRequest struct {
	Client *registry.Client

	ResponseType string

	// GrantType is the grant type implied by the response type.
	GrantType string

	// ResponseMode is the effective response mode, defaulted when the
	// request did not specify one.
	ResponseMode string

	RedirectURI string
	State       string
	Nonce       string

	// Scopes is the validated, effective scope grant.
	Scopes *scopes.Granted

	CodeChallenge       string
	CodeChallengeMethod string

	// Prompts are the individual prompt values, already checked for
	// conflicts.
	Prompts []string

	// MaxAge is the parsed max_age parameter; nil when absent.
	MaxAge *time.Duration

	// ACRValues are the requested authentication context class
	// references, with the idp: hint removed.
	ACRValues []string

	// IdP is the identity provider requested via the idp: prefix in
	// acr_values, empty when not requested.
	IdP string

	LoginHint string
}

// HasPrompt reports whether the given prompt value was requested.
func (r *ValidatedRequest) HasPrompt(prompt string) bool {
	for _, p := range r.Prompts {
		if p == prompt {
			return true
		}
	}
	return false
}

// RemovePrompt drops a prompt value from the request. The UI layer
// calls this after honoring a login or consent prompt so the re-entrant
// request does not loop.
func (r *ValidatedRequest) RemovePrompt(prompt string) {
	out := r.Prompts[:0]
	for _, p := range r.Prompts {
		if p != prompt {
			out = append(out, p)
		}
	}
	r.Prompts = out
}

// WantsIDToken reports whether the response type produces an identity
// token directly at the authorize endpoint.
func (r *ValidatedRequest) WantsIDToken() bool {
	return strings.Contains(r.ResponseType, "id_token")
}

// idpACRPrefix marks an acr_values entry that selects an identity
// provider rather than an authentication context class.
const idpACRPrefix = "idp:"

// splitACRValues separates the idp: hint from the plain ACR values.
func splitACRValues(raw string) (acr []string, idp string) {
	for _, v := range strings.Fields(raw) {
		if rest, ok := strings.CutPrefix(v, idpACRPrefix); ok {
			idp = rest
			continue
		}
		acr = append(acr, v)
	}
	return acr, idp
}
