package process

import (
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/teranos/weft/errors"
)

// Definition is an immutable, validated process graph.
type Definition struct {
	Key     string
	Name    string
	Version *semver.Version

	// Initial is the none start event of the top level, nil when the
	// process can only be started by its timer.
	Initial *Activity
	// TimerStart is the top-level timer start event, if any.
	TimerStart *Activity

	activities  map[string]*Activity
	transitions map[string]*Transition
	order       []*Activity
}

// ID returns "key:version". Jobs and executions reference definitions by it.
func (d *Definition) ID() string {
	return FormatID(d.Key, d.Version)
}

// FormatID joins a key and version into a definition id.
func FormatID(key string, v *semver.Version) string {
	return key + ":" + v.String()
}

// ParseID splits a definition id into key and version.
func ParseID(id string) (string, *semver.Version, error) {
	i := strings.LastIndex(id, ":")
	if i <= 0 || i == len(id)-1 {
		return "", nil, errors.Validation("malformed process definition id %q", id)
	}
	v, err := semver.NewVersion(id[i+1:])
	if err != nil {
		return "", nil, errors.Validation("malformed process definition id %q: %v", id, err)
	}
	return id[:i], v, nil
}

// Activity looks up an activity by id anywhere in the graph.
func (d *Definition) Activity(id string) (*Activity, bool) {
	a, ok := d.activities[id]
	return a, ok
}

// Transition looks up a transition by id.
func (d *Definition) Transition(id string) (*Transition, bool) {
	t, ok := d.transitions[id]
	return t, ok
}

// Activities returns every activity in declaration order.
func (d *Definition) Activities() []*Activity {
	out := make([]*Activity, len(d.order))
	copy(out, d.order)
	return out
}

// IsTimerStarted reports whether the definition carries a timer start event.
func (d *Definition) IsTimerStarted() bool {
	return d.TimerStart != nil
}
