// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound is returned when a client or resource does not exist.
var ErrNotFound = errors.New("not found")

// ClientStore looks up client configuration by identifier.
type ClientStore interface {
	// FindClientByID returns the client with the given client_id.
	// Returns ErrNotFound if no such client is registered. Disabled
	// clients are returned as-is; callers must check Enabled.
	FindClientByID(ctx context.Context, id string) (*Client, error)
}

// ResourceStore looks up identity and API resources by scope name.
type ResourceStore interface {
	// FindResourcesByScope partitions the given scope names into the
	// identity resources and API resources that define them. Scope names
	// matching nothing are simply absent from the result; callers decide
	// whether that is an error.
	FindResourcesByScope(ctx context.Context, scopeNames []string) (*Resources, error)

	// AllResources returns every registered resource. Used for consent
	// display and discovery.
	AllResources(ctx context.Context) (*Resources, error)
}

// Resources is the result of a scope resolution: the matched identity
// resources and the API resources that define at least one matched scope.
type Resources struct {
	Identity []IdentityResource
	APIs     []APIResource
}

// FindIdentity returns the identity resource with the given name, if present.
func (r *Resources) FindIdentity(name string) (*IdentityResource, bool) {
	for i := range r.Identity {
		if r.Identity[i].Name == name {
			return &r.Identity[i], true
		}
	}
	return nil, false
}

// FindAPIScope returns the scope and its owning API resource, if any API
// in the set defines it.
func (r *Resources) FindAPIScope(name string) (*APIResource, *Scope, bool) {
	for i := range r.APIs {
		if scope, ok := r.APIs[i].FindScope(name); ok {
			return &r.APIs[i], scope, true
		}
	}
	return nil, nil, false
}

// InMemoryClientStore is a ClientStore backed by a map. Suitable for
// static configuration and tests.
type InMemoryClientStore struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewInMemoryClientStore creates a store pre-populated with the given clients.
func NewInMemoryClientStore(clients ...*Client) *InMemoryClientStore {
	s := &InMemoryClientStore{clients: make(map[string]*Client, len(clients))}
	for _, c := range clients {
		s.clients[c.ID] = c
	}
	return s
}

// Register adds or replaces a client.
func (s *InMemoryClientStore) Register(client *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[client.ID] = client
}

// FindClientByID returns the registered client or ErrNotFound.
func (s *InMemoryClientStore) FindClientByID(_ context.Context, id string) (*Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[id]
	if !ok {
		return nil, fmt.Errorf("%w: client %q", ErrNotFound, id)
	}
	return client, nil
}

// InMemoryResourceStore is a ResourceStore backed by slices. Suitable for
// static configuration and tests.
type InMemoryResourceStore struct {
	identity []IdentityResource
	apis     []APIResource
}

// NewInMemoryResourceStore creates a store holding the given resources.
func NewInMemoryResourceStore(identity []IdentityResource, apis []APIResource) *InMemoryResourceStore {
	return &InMemoryResourceStore{identity: identity, apis: apis}
}

// FindResourcesByScope resolves the given scope names against the
// registered resources.
func (s *InMemoryResourceStore) FindResourcesByScope(_ context.Context, scopeNames []string) (*Resources, error) {
	requested := make(map[string]bool, len(scopeNames))
	for _, name := range scopeNames {
		requested[name] = true
	}

	result := &Resources{}
	for _, id := range s.identity {
		if requested[id.Name] {
			result.Identity = append(result.Identity, id)
		}
	}

	for _, api := range s.apis {
		var matched []Scope
		for _, scope := range api.Scopes {
			if requested[scope.Name] {
				matched = append(matched, scope)
			}
		}
		if len(matched) > 0 {
			// Keep only the matched scopes on the returned copy so the
			// validator sees exactly what the request resolved to.
			apiCopy := api
			apiCopy.Scopes = matched
			result.APIs = append(result.APIs, apiCopy)
		}
	}

	return result, nil
}

// AllResources returns every registered resource.
func (s *InMemoryResourceStore) AllResources(_ context.Context) (*Resources, error) {
	return &Resources{
		Identity: s.identity,
		APIs:     s.apis,
	}, nil
}

// Compile-time interface checks.
var (
	_ ClientStore   = (*InMemoryClientStore)(nil)
	_ ResourceStore = (*InMemoryResourceStore)(nil)
)
