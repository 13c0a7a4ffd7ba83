// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package endpoints

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"net/url"

	"github.com/go-jose/go-jose/v4"

	"github.com/stacklok/oidcore/pkg/keys"
	"github.com/stacklok/oidcore/pkg/logger"
	"github.com/stacklok/oidcore/pkg/registry"
	"github.com/stacklok/oidcore/pkg/storage"
)

// loggedOutPage confirms logout and embeds the front-channel logout
// frames so relying parties can clear their own sessions.
var loggedOutPage = template.Must(template.New("logged_out").Parse(`<!DOCTYPE html>
<html>
<head><title>Logged out</title></head>
<body>
<h1>You are now logged out</h1>
{{- if .RedirectURI}}
<p><a href="{{.RedirectURI}}">Return to the application</a></p>
{{- end}}
{{- range .FrontChannelURIs}}
<iframe style="display:none" src="{{.}}"></iframe>
{{- end}}
</body>
</html>`))

// EndSessionHandler implements RP-initiated logout (OIDC Session
// Management). It validates the id_token_hint against the signing keys,
// revokes the session's grants, notifies participating clients, and
// either redirects to a registered post-logout URI or renders a local
// confirmation page.
type EndSessionHandler struct {
	clients  registry.ClientStore
	grants   storage.GrantStore
	keys     keys.Provider
	issuer   string
	notifier *BackChannelNotifier
}

// NewEndSessionHandler wires the end-session endpoint.
func NewEndSessionHandler(
	clients registry.ClientStore,
	grants storage.GrantStore,
	keyProvider keys.Provider,
	issuer string,
	notifier *BackChannelNotifier,
) *EndSessionHandler {
	return &EndSessionHandler{
		clients:  clients,
		grants:   grants,
		keys:     keyProvider,
		issuer:   issuer,
		notifier: notifier,
	}
}

// idTokenHint is the subset of identity token claims the end-session
// endpoint acts on.
type idTokenHint struct {
	SubjectID string
	SessionID string
	ClientID  string
}

// ServeHTTP implements http.Handler.
func (h *EndSessionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
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

	hint := h.parseIDTokenHint(r.Context(), params.Get("id_token_hint"))

	// A post-logout redirect is honored only when a verified hint names
	// the client that registered the URI. Anything else falls through to
	// the local confirmation page.
	redirectURI := ""
	if requested := params.Get("post_logout_redirect_uri"); requested != "" && hint != nil {
		client, err := h.clients.FindClientByID(r.Context(), hint.ClientID)
		if err != nil && !errors.Is(err, registry.ErrNotFound) {
			writeServerError(w, err)
			return
		}
		if client != nil && client.Enabled && client.HasPostLogoutRedirectURI(requested) {
			redirectURI = requested
			if state := params.Get("state"); state != "" {
				target, err := appendQuery(redirectURI, url.Values{"state": {state}})
				if err == nil {
					redirectURI = target
				}
			}
		} else {
			logger.Warnw("unregistered post_logout_redirect_uri ignored",
				"uri", requested, "client_id", hint.ClientID)
		}
	}

	frontChannelURIs, err := h.endSession(r.Context(), hint)
	if err != nil {
		writeServerError(w, err)
		return
	}

	if redirectURI != "" && len(frontChannelURIs) == 0 {
		http.Redirect(w, r, redirectURI, http.StatusFound)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := loggedOutPage.Execute(w, struct {
		RedirectURI      string
		FrontChannelURIs []string
	}{RedirectURI: redirectURI, FrontChannelURIs: frontChannelURIs}); err != nil {
		logger.Errorw("failed to render logout page", "error", err)
	}
}

// endSession revokes every grant tied to the hinted session and
// notifies the clients that participated in it. Without a verified hint
// there is nothing to revoke; the confirmation page still renders.
func (h *EndSessionHandler) endSession(ctx context.Context, hint *idTokenHint) ([]string, error) {
	if hint == nil || hint.SubjectID == "" {
		return nil, nil
	}

	filter := storage.GrantFilter{
		SubjectID: hint.SubjectID,
		SessionID: hint.SessionID,
	}
	grants, err := h.grants.GetAllGrants(ctx, filter)
	if err != nil {
		return nil, err
	}

	clientIDs := map[string]bool{hint.ClientID: true}
	for _, grant := range grants {
		clientIDs[grant.ClientID] = true
	}

	var frontChannelURIs []string
	for clientID := range clientIDs {
		if clientID == "" {
			continue
		}
		client, err := h.clients.FindClientByID(ctx, clientID)
		if err != nil {
			if errors.Is(err, registry.ErrNotFound) {
				continue
			}
			return nil, err
		}

		h.notifier.Notify(client, hint.SubjectID, hint.SessionID)

		if uri := h.frontChannelURI(client, hint.SessionID); uri != "" {
			frontChannelURIs = append(frontChannelURIs, uri)
		}
	}

	return frontChannelURIs, h.grants.RemoveAllGrants(ctx, filter)
}

// frontChannelURI builds the logout frame URL for a client, adding the
// issuer and session id when the client requires them.
func (h *EndSessionHandler) frontChannelURI(client *registry.Client, sessionID string) string {
	if client.FrontChannelLogoutURI == "" {
		return ""
	}
	if !client.FrontChannelLogoutSessionRequired {
		return client.FrontChannelLogoutURI
	}

	target, err := appendQuery(client.FrontChannelLogoutURI, url.Values{
		"iss": {h.issuer},
		"sid": {sessionID},
	})
	if err != nil {
		logger.Warnw("invalid front-channel logout URI",
			"client_id", client.ID, "uri", client.FrontChannelLogoutURI)
		return ""
	}
	return target
}

// parseIDTokenHint verifies the hint against the signing key set and
// extracts the session coordinates. An unverifiable hint is treated as
// absent; expiry is deliberately not checked so a stale identity token
// can still end its session.
func (h *EndSessionHandler) parseIDTokenHint(ctx context.Context, raw string) *idTokenHint {
	if raw == "" {
		return nil
	}

	sig, err := jose.ParseSigned(raw, supportedSignatureAlgorithms)
	if err != nil {
		return nil
	}

	publicKeys, err := h.keys.PublicKeys(ctx)
	if err != nil {
		logger.Errorw("failed to load public keys for end-session", "error", err)
		return nil
	}

	var payload []byte
	for _, key := range publicKeys {
		if payload, err = sig.Verify(key.PublicKey); err == nil {
			break
		}
	}
	if payload == nil {
		return nil
	}

	var parsed struct {
		Issuer    string `json:"iss"`
		SubjectID string `json:"sub"`
		SessionID string `json:"sid"`
		Audience  string `json:"aud"`
	}
	if err := json.Unmarshal(payload, &parsed); err != nil || parsed.Issuer != h.issuer {
		return nil
	}

	return &idTokenHint{
		SubjectID: parsed.SubjectID,
		SessionID: parsed.SessionID,
		ClientID:  parsed.Audience,
	}
}

// Compile-time interface check.
var _ http.Handler = (*EndSessionHandler)(nil)
