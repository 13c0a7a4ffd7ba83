// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package claims provides the claim set used throughout token issuance.
//
// A claim set maps a claim type to an ordered list of string values.
// Duplicate values for the same type are dropped at insertion time, so
// merging profile, client, and protocol claims is always safe.
package claims

import "slices"

// Set is a multi-valued claim collection keyed by claim type.
type Set map[string][]string

// New creates an empty claim set.
func New() Set {
	return make(Set)
}

// Add appends a value for the given claim type, dropping exact
// duplicates for that type.
func (s Set) Add(claimType, value string) {
	if slices.Contains(s[claimType], value) {
		return
	}
	s[claimType] = append(s[claimType], value)
}

// AddAll appends all values for the given claim type with de-duplication.
func (s Set) AddAll(claimType string, values ...string) {
	for _, v := range values {
		s.Add(claimType, v)
	}
}

// Set replaces all values for the given claim type.
func (s Set) Set(claimType string, values ...string) {
	s[claimType] = slices.Clone(values)
}

// Get returns the first value for the claim type, or "" if absent.
func (s Set) Get(claimType string) string {
	values := s[claimType]
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// Values returns all values for the claim type.
func (s Set) Values(claimType string) []string {
	return slices.Clone(s[claimType])
}

// Has reports whether the claim type has at least one value.
func (s Set) Has(claimType string) bool {
	return len(s[claimType]) > 0
}

// Merge copies every claim from other into s, de-duplicating per type.
// Values already present win their position; new values are appended.
func (s Set) Merge(other Set) {
	for claimType, values := range other {
		s.AddAll(claimType, values...)
	}
}

// Clone returns a deep copy of the claim set.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for claimType, values := range s {
		out[claimType] = slices.Clone(values)
	}
	return out
}
