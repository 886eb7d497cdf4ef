package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/blendguard/safety-vault/internal/model"
)

// Authorizer proves that caller is the user whose position is acted on.
type Authorizer interface {
	Authorize(ctx context.Context, caller model.Principal, user string) error
}

// PrincipalAuthorizer accepts a verified principal whose subject is the user.
type PrincipalAuthorizer struct{}

func (PrincipalAuthorizer) Authorize(_ context.Context, caller model.Principal, user string) error {
	if !caller.Verified() {
		return fmt.Errorf("%w: caller is not authenticated", ErrUnauthorized)
	}
	if user == "" || caller.Subject != user {
		return fmt.Errorf("%w: caller %q may not act for %q", ErrUnauthorized, caller.Subject, user)
	}
	return nil
}

// inflight tracks users with a batch in progress.
type inflight struct {
	mu    sync.Mutex
	users map[string]struct{}
}

func newInflight() *inflight {
	return &inflight{users: make(map[string]struct{})}
}

// acquire marks user busy. It returns false if a batch is already running.
func (f *inflight) acquire(user string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, busy := f.users[user]; busy {
		return false
	}
	f.users[user] = struct{}{}
	return true
}

func (f *inflight) release(user string) {
	f.mu.Lock()
	delete(f.users, user)
	f.mu.Unlock()
}

// openWorkKey marks a context that is running inside a unit of work. Its
// value is the user the work belongs to.
type openWorkKey struct{}

func withOpenWork(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, openWorkKey{}, user)
}

// openWorkOwner reports whose unit of work ctx is running inside, if any.
func openWorkOwner(ctx context.Context) (string, bool) {
	user, ok := ctx.Value(openWorkKey{}).(string)
	return user, ok
}
