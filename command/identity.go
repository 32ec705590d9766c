package command

import "context"

// Identity is the caller a command acts for.
type Identity struct {
	UserID             string
	TenantIDs          []string
	ProcessApplication string
}

// IsZero reports whether no identity was bound.
func (id Identity) IsZero() bool {
	return id.UserID == "" && len(id.TenantIDs) == 0 && id.ProcessApplication == ""
}

type identityKey struct{}
type bindingsKey struct{}

// WithIdentity makes the next command started with ctx run as id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity attached by WithIdentity.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// bindings is the identity stack of one call chain. Each command pushes
// the identity it runs as and pops it on return.
type bindings struct {
	frames []Identity
}

func (b *bindings) push(id Identity) { b.frames = append(b.frames, id) }

func (b *bindings) pop() {
	if n := len(b.frames); n > 0 {
		b.frames = b.frames[:n-1]
	}
}

func (b *bindings) top() Identity {
	if n := len(b.frames); n > 0 {
		return b.frames[n-1]
	}
	return Identity{}
}

func (b *bindings) depth() int { return len(b.frames) }

func bindingsFrom(ctx context.Context) *bindings {
	b, _ := ctx.Value(bindingsKey{}).(*bindings)
	return b
}
