// Package entity defines the persisted engine entities.
//
// Every entity carries a revision used for optimistic locking: the store
// writes revision 1 on insert, and every update or delete names the revision
// it read and fails when the row has moved on.
package entity

import "time"

// Kind names an entity type. It doubles as the cache key namespace of a
// command context.
type Kind string

const (
	KindExecution    Kind = "execution"
	KindVariable     Kind = "variable"
	KindJob          Kind = "job"
	KindIncident     Kind = "incident"
	KindOperationLog Kind = "operation_log"
)

// Entity is implemented by every persisted type.
type Entity interface {
	Kind() Kind
	EntityID() string
	Revision() int
	SetRevision(rev int)
}

// Base holds identity and version. Embed it by value.
type Base struct {
	ID  string `json:"id"`
	Rev int    `json:"revision"`
}

func (b *Base) EntityID() string    { return b.ID }
func (b *Base) Revision() int       { return b.Rev }
func (b *Base) SetRevision(rev int) { b.Rev = rev }

// Key identifies an entity across kinds.
type Key struct {
	Kind Kind
	ID   string
}

// KeyOf returns the cache key of e.
func KeyOf(e Entity) Key {
	return Key{Kind: e.Kind(), ID: e.EntityID()}
}

// ToMillis converts t to the unix milliseconds stored in the database.
func ToMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromMillis converts stored unix milliseconds back to a UTC time.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
