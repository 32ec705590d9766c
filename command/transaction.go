package command

import (
	"context"

	"github.com/teranos/weft/store"
)

// TxState is the outcome a transaction listener waits for.
type TxState int

const (
	TxCommitted TxState = iota
	TxRolledBack
)

func (s TxState) String() string {
	if s == TxRolledBack {
		return "rolled_back"
	}
	return "committed"
}

// TxListener runs after the transaction reached its outcome. err is the
// cause of a rollback and nil after a commit. The transaction is closed;
// listeners that write must start their own command.
type TxListener func(ctx context.Context, err error)

// transaction opens the store transaction on first write, so commands
// hold no database lock while they compute.
type transaction struct {
	store     store.Store
	tx        store.Tx
	listeners map[TxState][]TxListener
	done      bool
}

type transactionKey struct{}

func newTransaction(s store.Store) *transaction {
	return &transaction{store: s, listeners: make(map[TxState][]TxListener)}
}

func transactionFrom(ctx context.Context) *transaction {
	t, _ := ctx.Value(transactionKey{}).(*transaction)
	return t
}

func (t *transaction) begin(ctx context.Context) (store.Tx, error) {
	if t.tx == nil {
		tx, err := t.store.Begin(ctx)
		if err != nil {
			return nil, err
		}
		t.tx = tx
	}
	return t.tx, nil
}

func (t *transaction) addListener(state TxState, l TxListener) {
	t.listeners[state] = append(t.listeners[state], l)
}

func (t *transaction) commit() error {
	t.done = true
	if t.tx == nil {
		return nil
	}
	return t.tx.Commit()
}

func (t *transaction) rollback() error {
	t.done = true
	if t.tx == nil {
		return nil
	}
	return t.tx.Rollback()
}

func (t *transaction) fire(ctx context.Context, state TxState, cause error) {
	for _, l := range t.listeners[state] {
		l(ctx, cause)
	}
}
