// Package workspace defines the authorization boundary the engine consults
// before touching a chain. Membership itself lives in the management
// surface; the engine only asks yes/no questions.
package workspace

import (
	"context"
	"sync"
)

// Authorizer answers whether an actor may act on a workspace's chains.
type Authorizer interface {
	CanExecute(ctx context.Context, workspaceID, actorID string) (bool, error)
	CanView(ctx context.Context, workspaceID, actorID string) (bool, error)
}

// StaticAuthorizer is an in-memory membership table for the CLI and tests.
type StaticAuthorizer struct {
	mu      sync.RWMutex
	members map[string]map[string]struct{}
}

func NewStaticAuthorizer() *StaticAuthorizer {
	return &StaticAuthorizer{members: make(map[string]map[string]struct{})}
}

// Grant adds an actor to a workspace.
func (a *StaticAuthorizer) Grant(workspaceID, actorID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.members[workspaceID] == nil {
		a.members[workspaceID] = make(map[string]struct{})
	}

	a.members[workspaceID][actorID] = struct{}{}
}

func (a *StaticAuthorizer) isMember(workspaceID, actorID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	_, ok := a.members[workspaceID][actorID]

	return ok
}

func (a *StaticAuthorizer) CanExecute(_ context.Context, workspaceID, actorID string) (bool, error) {
	return a.isMember(workspaceID, actorID), nil
}

func (a *StaticAuthorizer) CanView(_ context.Context, workspaceID, actorID string) (bool, error) {
	return a.isMember(workspaceID, actorID), nil
}

// AllowAll authorizes everything. Used by the local runner.
type AllowAll struct{}

func (AllowAll) CanExecute(context.Context, string, string) (bool, error) { return true, nil }
func (AllowAll) CanView(context.Context, string, string) (bool, error)   { return true, nil }

var (
	_ Authorizer = (*StaticAuthorizer)(nil)
	_ Authorizer = AllowAll{}
)
