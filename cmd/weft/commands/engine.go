package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/teranos/weft/am"
	"github.com/teranos/weft/command"
	"github.com/teranos/weft/engine"
	"github.com/teranos/weft/errors"
	"github.com/teranos/weft/logger"
)

// openEngine loads configuration and creates an engine with the sample
// catalog deployed. The job executor is not started.
func openEngine(ctx context.Context, opts ...engine.Option) (*engine.Engine, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	return openEngineWith(ctx, cfg, opts...)
}

func openEngineWith(ctx context.Context, cfg *am.Config, opts ...engine.Option) (*engine.Engine, error) {
	defs, err := Catalog()
	if err != nil {
		return nil, err
	}
	opts = append([]engine.Option{
		engine.WithLogger(logger.Logger),
		engine.WithDefinitions(defs...),
	}, opts...)

	eng, err := engine.New(ctx, cfg, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open engine on %s", cfg.GetDatabasePath())
	}
	return eng, nil
}

// operatorContext binds the calling OS user as the command identity, so
// operation log entries name who ran them.
func operatorContext(ctx context.Context) context.Context {
	user := os.Getenv("USER")
	if user == "" {
		user = "operator"
	}
	return command.WithIdentity(ctx, command.Identity{UserID: user})
}

// parseVars turns repeated --var name=value flags into variables. Values
// that parse as JSON keep their JSON type; anything else is a string.
func parseVars(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	vars := make(map[string]any, len(pairs))
	for _, p := range pairs {
		name, raw, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid variable %q, expected name=value", p)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		vars[name] = v
	}
	return vars, nil
}
