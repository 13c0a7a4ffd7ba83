// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// handleBytes is the entropy of a grant handle. 32 bytes yields a
// 43-character base64url handle, matching the unguessability requirement
// for bearer grant references.
const handleBytes = 32

// NewHandle generates a cryptographically random, unguessable grant
// handle.
func NewHandle() (string, error) {
	b := make([]byte, handleBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate grant handle: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
