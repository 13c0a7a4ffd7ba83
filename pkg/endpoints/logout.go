// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package endpoints

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/stacklok/oidcore/pkg/logger"
	"github.com/stacklok/oidcore/pkg/registry"
	"github.com/stacklok/oidcore/pkg/token"
)

// Back-channel delivery defaults. Notifications are best effort; a
// client endpoint that stays down after the retries is logged and
// skipped.
const (
	defaultNotifyTimeout = 10 * time.Second
	defaultNotifyTries   = 3
)

// BackChannelNotifier delivers signed logout tokens to clients that
// registered a back-channel logout URI (OIDC Back-Channel Logout 1.0).
// Delivery runs in the background and never blocks or fails the logout
// request itself.
type BackChannelNotifier struct {
	issuer     *token.Issuer
	httpClient *http.Client
	timeout    time.Duration
	tries      uint

	wg sync.WaitGroup
}

// NotifierOption customizes a BackChannelNotifier.
type NotifierOption func(*BackChannelNotifier)

// WithHTTPClient substitutes the HTTP client used for delivery.
func WithHTTPClient(c *http.Client) NotifierOption {
	return func(n *BackChannelNotifier) {
		n.httpClient = c
	}
}

// WithNotifyTimeout bounds the total delivery time per client,
// including retries.
func WithNotifyTimeout(d time.Duration) NotifierOption {
	return func(n *BackChannelNotifier) {
		n.timeout = d
	}
}

// NewBackChannelNotifier wires a notifier that signs logout tokens with
// the issuer's signing key.
func NewBackChannelNotifier(issuer *token.Issuer, opts ...NotifierOption) *BackChannelNotifier {
	n := &BackChannelNotifier{
		issuer:     issuer,
		httpClient: &http.Client{Timeout: defaultNotifyTimeout},
		timeout:    defaultNotifyTimeout,
		tries:      defaultNotifyTries,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Notify dispatches a logout token to the client's back-channel URI in
// the background. Clients without a back-channel URI are skipped.
func (n *BackChannelNotifier) Notify(client *registry.Client, subjectID, sessionID string) {
	if client.BackChannelLogoutURI == "" {
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()

		if err := n.deliver(ctx, client, subjectID, sessionID); err != nil {
			logger.Warnw("back-channel logout delivery failed",
				"client_id", client.ID,
				"uri", client.BackChannelLogoutURI,
				"error", err)
		}
	}()
}

// Wait blocks until all in-flight deliveries finish. Used on shutdown
// and in tests.
func (n *BackChannelNotifier) Wait() {
	n.wg.Wait()
}

func (n *BackChannelNotifier) deliver(ctx context.Context, client *registry.Client, subjectID, sessionID string) error {
	logoutToken, err := n.issuer.IssueLogoutToken(ctx, client.ID, subjectID, sessionID,
		client.BackChannelLogoutSessionRequired)
	if err != nil {
		return fmt.Errorf("failed to sign logout token: %w", err)
	}

	body := url.Values{"logout_token": {logoutToken}}.Encode()

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, n.post(ctx, client.BackChannelLogoutURI, body)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(n.tries))
	return err
}

func (n *BackChannelNotifier) post(ctx context.Context, uri, body string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, strings.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("logout endpoint answered %d", resp.StatusCode)
	}
	return nil
}
