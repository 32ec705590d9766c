package command

// SessionKey identifies a session object of a Context.
type SessionKey string

// Flusher is implemented by sessions that write entities when the command
// completes. Flush runs before pending entity operations are written.
type Flusher interface {
	Flush(cc *Context) error
}

// Session returns the session stored under key, creating it with create on
// first use. Sessions live as long as the Context.
//
//	agenda := command.Session(cc, agendaKey, newAgenda)
func Session[T any](cc *Context, key SessionKey, create func(*Context) T) T {
	if v, ok := cc.sessions[key]; ok {
		return v.(T)
	}
	v := create(cc)
	cc.sessions[key] = v
	cc.sessionOrder = append(cc.sessionOrder, key)
	return v
}

// LookupSession returns the session under key if one was created.
func LookupSession[T any](cc *Context, key SessionKey) (T, bool) {
	v, ok := cc.sessions[key]
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}
