// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package endpoints exposes the protocol engine over HTTP: the
// authorize, token, introspection, revocation, JWKS, and end-session
// endpoints, plus the response encoders they share.
package endpoints

import (
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"strings"

	"github.com/stacklok/oidcore/pkg/protocol"
)

// formPostPage auto-submits the authorize response parameters to the
// client's redirect URI (OAuth 2.0 Form Post Response Mode).
var formPostPage = template.Must(template.New("form_post").Parse(`<!DOCTYPE html>
<html>
<head><title>Submit this form</title><meta http-equiv="X-UA-Compatible" content="IE=edge" /></head>
<body onload="javascript:document.forms[0].submit()">
<form method="post" action="{{.Action}}">
{{- range $name, $values := .Values}}{{range $values}}
<input type="hidden" name="{{$name}}" value="{{.}}" />
{{- end}}{{end}}
</form>
</body>
</html>`))

// errorPage renders failures that are not safe to redirect back to the
// client.
var errorPage = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html>
<head><title>Error</title></head>
<body>
<h1>An error occurred</h1>
<p>{{.Code}}</p>
<p>{{.Description}}</p>
</body>
</html>`))

// WriteAuthorizeResponse delivers authorize response parameters to the
// redirect URI using the given response mode.
func WriteAuthorizeResponse(w http.ResponseWriter, r *http.Request, mode, redirectURI string, params url.Values) error {
	switch mode {
	case protocol.ResponseModeFormPost:
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		return formPostPage.Execute(w, struct {
			Action string
			Values url.Values
		}{Action: redirectURI, Values: params})

	case protocol.ResponseModeFragment:
		http.Redirect(w, r, redirectURI+"#"+params.Encode(), http.StatusFound)
		return nil

	case protocol.ResponseModeQuery:
		target, err := appendQuery(redirectURI, params)
		if err != nil {
			return err
		}
		http.Redirect(w, r, target, http.StatusFound)
		return nil

	default:
		return fmt.Errorf("unknown response mode %q", mode)
	}
}

// WriteAuthorizeError encodes a protocol error for the redirect URI, or
// renders the local error page when redirecting is not safe.
func WriteAuthorizeError(w http.ResponseWriter, r *http.Request, perr *protocol.Error, safeRedirect bool, mode, redirectURI, state string) error {
	if !safeRedirect {
		WriteErrorPage(w, perr)
		return nil
	}

	params := url.Values{}
	params.Set("error", perr.Code)
	if perr.Description != "" {
		params.Set("error_description", perr.Description)
	}
	if state != "" {
		params.Set("state", state)
	}
	return WriteAuthorizeResponse(w, r, mode, redirectURI, params)
}

// WriteErrorPage renders a user-facing error page. The description is
// already caller-safe; protocol internals never reach this path.
func WriteErrorPage(w http.ResponseWriter, perr *protocol.Error) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusBadRequest)
	_ = errorPage.Execute(w, perr)
}

// appendQuery merges params into the redirect URI's existing query
// string.
func appendQuery(redirectURI string, params url.Values) (string, error) {
	target, err := url.Parse(redirectURI)
	if err != nil {
		return "", fmt.Errorf("invalid redirect URI: %w", err)
	}

	query := target.Query()
	for name, values := range params {
		for _, v := range values {
			query.Add(name, v)
		}
	}
	target.RawQuery = query.Encode()
	return target.String(), nil
}

// redirectWithReturnURL sends the browser to an interaction page (login
// or consent) carrying the URL to resume afterwards.
func redirectWithReturnURL(w http.ResponseWriter, r *http.Request, page string) {
	returnURL := r.URL.RequestURI()
	sep := "?"
	if strings.Contains(page, "?") {
		sep = "&"
	}
	http.Redirect(w, r, page+sep+"returnUrl="+url.QueryEscape(returnURL), http.StatusFound)
}
