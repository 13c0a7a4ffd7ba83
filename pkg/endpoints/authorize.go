// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package endpoints

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/stacklok/oidcore/pkg/authorize"
	"github.com/stacklok/oidcore/pkg/logger"
	"github.com/stacklok/oidcore/pkg/session"
	"github.com/stacklok/oidcore/pkg/token"
)

// SessionReader resolves the authenticated subject behind a browser
// request. Returning nil means no authenticated session.
type SessionReader interface {
	Subject(r *http.Request) (*session.Subject, error)
}

// AuthorizeHandler drives the authorization endpoint: request
// validation, the interaction state machine, and response issuance.
type AuthorizeHandler struct {
	validator   *authorize.Validator
	interaction *authorize.InteractionGenerator
	issuer      *token.Issuer
	sessions    SessionReader

	// loginURL and consentURL are the UI pages the handler bounces to
	// when interaction is needed; the original request is carried in the
	// returnUrl parameter.
	loginURL   string
	consentURL string
}

// NewAuthorizeHandler wires the authorization endpoint.
func NewAuthorizeHandler(
	validator *authorize.Validator,
	interaction *authorize.InteractionGenerator,
	issuer *token.Issuer,
	sessions SessionReader,
	loginURL, consentURL string,
) *AuthorizeHandler {
	return &AuthorizeHandler{
		validator:   validator,
		interaction: interaction,
		issuer:      issuer,
		sessions:    sessions,
		loginURL:    loginURL,
		consentURL:  consentURL,
	}
}

// ServeHTTP implements http.Handler.
func (h *AuthorizeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var params url.Values
	switch r.Method {
	case http.MethodGet:
		params = r.URL.Query()
	case http.MethodPost:
		if err := r.ParseForm(); err != nil {
			http.Error(w, "malformed form body", http.StatusBadRequest)
			return
		}
		params = r.PostForm
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	req, failure, err := h.validator.Validate(r.Context(), authorize.ParseRequest(params))
	if err != nil {
		writeServerError(w, err)
		return
	}
	if failure != nil {
		if err := WriteAuthorizeError(w, r, failure.Err, failure.SafeRedirect,
			failure.ResponseMode, failure.RedirectURI, failure.State); err != nil {
			writeServerError(w, err)
		}
		return
	}

	subject, err := h.sessions.Subject(r)
	if err != nil {
		writeServerError(w, err)
		return
	}

	interaction, err := h.interaction.Process(r.Context(), req, subject)
	if err != nil {
		writeServerError(w, err)
		return
	}

	switch interaction.Kind {
	case authorize.KindLogin:
		redirectWithReturnURL(w, r, h.loginURL)

	case authorize.KindConsent:
		redirectWithReturnURL(w, r, h.consentURL)

	case authorize.KindCustomRedirect:
		http.Redirect(w, r, interaction.RedirectURL, http.StatusFound)

	case authorize.KindError:
		// Interaction errors happen after full validation, so the
		// redirect target is trusted.
		if err := WriteAuthorizeError(w, r, interaction.Err, true,
			req.ResponseMode, req.RedirectURI, req.State); err != nil {
			writeServerError(w, err)
		}

	case authorize.KindAllowed:
		h.issue(w, r, req, subject)

	default:
		logger.Errorw("unknown interaction kind", "kind", interaction.Kind)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (h *AuthorizeHandler) issue(w http.ResponseWriter, r *http.Request, req *authorize.ValidatedRequest, subject *session.Subject) {
	issued, perr, err := h.issuer.IssueAuthorizeResponse(r.Context(), req, subject)
	if err != nil {
		writeServerError(w, err)
		return
	}
	if perr != nil {
		if err := WriteAuthorizeError(w, r, perr, true, req.ResponseMode, req.RedirectURI, req.State); err != nil {
			writeServerError(w, err)
		}
		return
	}

	params := url.Values{}
	if issued.Code != "" {
		params.Set("code", issued.Code)
	}
	if issued.AccessToken != "" {
		params.Set("access_token", issued.AccessToken)
		params.Set("token_type", issued.TokenType)
		params.Set("expires_in", strconv.FormatInt(issued.ExpiresIn, 10))
	}
	if issued.IDToken != "" {
		params.Set("id_token", issued.IDToken)
	}
	if req.State != "" {
		params.Set("state", req.State)
	}
	params.Set("scope", strings.Join(req.Scopes.Scopes, " "))

	if err := WriteAuthorizeResponse(w, r, req.ResponseMode, req.RedirectURI, params); err != nil {
		writeServerError(w, err)
	}
}
