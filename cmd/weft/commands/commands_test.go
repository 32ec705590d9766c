package commands

import (
	"context"
	"testing"
	"time"

	"github.com/pterm/pterm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/weft/am"
	"github.com/teranos/weft/clock"
	"github.com/teranos/weft/engine"
	"github.com/teranos/weft/entity"
	"github.com/teranos/weft/execution"
	weftest "github.com/teranos/weft/internal/testing"
	"github.com/teranos/weft/store"
)

func TestCatalogBuilds(t *testing.T) {
	defs, err := Catalog()
	require.NoError(t, err)
	require.Len(t, defs, 3)

	keys := make([]string, 0, len(defs))
	for _, d := range defs {
		keys = append(keys, d.Key)
	}
	assert.ElementsMatch(t, []string{InvoiceProcess, ReminderProcess, PaymentProcess}, keys)
}

func TestParseVars(t *testing.T) {
	vars, err := parseVars([]string{"amount=20", "card=visa", "approved=true", `tags=["a","b"]`, "note="})
	require.NoError(t, err)
	assert.Equal(t, float64(20), vars["amount"])
	assert.Equal(t, "visa", vars["card"])
	assert.Equal(t, true, vars["approved"])
	assert.Equal(t, []any{"a", "b"}, vars["tags"])
	assert.Equal(t, "", vars["note"])

	vars, err = parseVars(nil)
	require.NoError(t, err)
	assert.Nil(t, vars)

	_, err = parseVars([]string{"amount"})
	assert.Error(t, err)
	_, err = parseVars([]string{"=20"})
	assert.Error(t, err)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
	assert.Equal(t, "é", truncate("éa", 1))
}

func TestRenderRejectsUnknownFormat(t *testing.T) {
	err := render("xml", nil, func() error { return nil })
	assert.Error(t, err)

	called := false
	require.NoError(t, render(formatTable, nil, func() error {
		called = true
		return nil
	}))
	assert.True(t, called)
}

func catalogEngine(t *testing.T) *engine.Engine {
	t.Helper()
	defs, err := Catalog()
	require.NoError(t, err)
	eng, err := engine.New(context.Background(), am.Default(),
		engine.WithDB(weftest.CreateTestDB(t)),
		engine.WithClock(clock.NewManual(time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC))),
		engine.WithDefinitions(defs...))
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	return eng
}

func TestInvoiceRouting(t *testing.T) {
	eng := catalogEngine(t)
	ctx := context.Background()

	small, err := eng.StartProcessInstance(ctx, execution.StartProcessInstanceCmd{
		DefinitionKey: InvoiceProcess,
		Variables:     map[string]any{"amount": 20, "quantity": 3},
	})
	require.NoError(t, err)
	assert.Equal(t, "book", small.ActivityID, "small invoices go straight to booking")

	large, err := eng.StartProcessInstance(ctx, execution.StartProcessInstanceCmd{
		DefinitionKey: InvoiceProcess,
		Variables:     map[string]any{"amount": 600, "quantity": 2},
	})
	require.NoError(t, err)
	approval, err := waitingAt(ctx, eng, large.ID, "approve")
	require.NoError(t, err)

	jobs, err := eng.Jobs(ctx, store.JobFilter{ProcessInstanceID: large.ID})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, entity.JobTypeTimer, jobs[0].Type, "escalation timer")

	_, err = eng.Signal(ctx, approval.ID, nil)
	require.NoError(t, err)
	jobs, err = eng.Jobs(ctx, store.JobFilter{ProcessInstanceID: large.ID})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, entity.JobTypeAsyncContinuation, jobs[0].Type)
	assert.Equal(t, 5, jobs[0].Priority)
}

func TestJobTableMarksFailedJobs(t *testing.T) {
	data := jobTable([]*entity.Job{
		{Base: entity.Base{ID: "a"}, Type: entity.JobTypeTimer, Retries: 3},
		{Base: entity.Base{ID: "b"}, Type: entity.JobTypeTimer, Retries: 0},
		{Base: entity.Base{ID: "c"}, Type: entity.JobTypeTimer, Retries: 1, Suspended: true},
	})
	require.Len(t, data, 4)
	assert.Equal(t, "ready", data[1][6])
	assert.Equal(t, pterm.Red("failed"), data[2][6])
	assert.Equal(t, "suspended", data[3][6])
}
