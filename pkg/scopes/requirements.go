// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package scopes

import (
	"github.com/stacklok/oidcore/pkg/protocol"
)

// Requirement describes what kinds of scopes a response type demands.
type Requirement int

const (
	// RequirementNone places no constraint on the scope mix.
	RequirementNone Requirement = iota

	// RequirementIdentity demands the openid scope because the response
	// type produces an identity token.
	RequirementIdentity

	// RequirementIdentityOnly demands openid and forbids API scopes
	// because the response type produces only an identity token.
	RequirementIdentityOnly

	// RequirementResourceOnly forbids identity scopes and demands at
	// least one API scope because the response type produces only an
	// access token.
	RequirementResourceOnly
)

// responseTypeRequirements maps each response type to its scope
// requirement (OIDC Core Section 3).
var responseTypeRequirements = map[string]Requirement{
	protocol.ResponseTypeCode:             RequirementNone,
	protocol.ResponseTypeToken:            RequirementResourceOnly,
	protocol.ResponseTypeIDToken:          RequirementIdentityOnly,
	protocol.ResponseTypeIDTokenToken:     RequirementIdentity,
	protocol.ResponseTypeCodeIDToken:      RequirementIdentity,
	protocol.ResponseTypeCodeToken:        RequirementIdentity,
	protocol.ResponseTypeCodeIDTokenToken: RequirementIdentity,
}

// CheckResponseType validates that the granted scope mix satisfies the
// response type's requirement.
func CheckResponseType(responseType string, granted *Granted) *protocol.Error {
	switch responseTypeRequirements[responseType] {
	case RequirementIdentity:
		if !granted.ContainsOpenID() {
			return protocol.NewError(protocol.ErrorInvalidScope, "openid scope is required for this response type")
		}
	case RequirementIdentityOnly:
		if !granted.ContainsOpenID() {
			return protocol.NewError(protocol.ErrorInvalidScope, "openid scope is required for this response type")
		}
		if len(granted.Resources.APIs) > 0 {
			return protocol.NewError(protocol.ErrorInvalidScope, "this response type cannot request resource scopes")
		}
	case RequirementResourceOnly:
		if len(granted.Resources.Identity) > 0 {
			return protocol.NewError(protocol.ErrorInvalidScope, "this response type cannot request identity scopes")
		}
		if len(granted.Resources.APIs) == 0 {
			return protocol.NewError(protocol.ErrorInvalidScope, "this response type requires at least one resource scope")
		}
	}
	return nil
}
