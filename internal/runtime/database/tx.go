package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"

	perrors "github.com/drblury/procbus/internal/runtime/errors"
)

// CommitHook runs after the owning transaction committed.
type CommitHook func(ctx context.Context) error

// RollbackHook runs after the owning transaction rolled back.
type RollbackHook func(ctx context.Context)

// HookError reports a commit hook that failed after a successful commit.
type HookError struct {
	Index int
	Err   error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("commit hook %d: %v", e.Index, e.Err)
}

func (e *HookError) Unwrap() error { return e.Err }

// Tx is a transaction that collects hooks. Commit hooks run once, in
// registration order, after a successful commit; they are discarded on
// rollback or on a failed commit. A Tx must not be shared between
// concurrently running execution contexts.
type Tx struct {
	tx *sqlx.Tx
	db *DB

	mu         sync.Mutex
	onCommit   []CommitHook
	onRollback []RollbackHook
	savepoints int
	done       bool
}

func (t *Tx) Dialect() Dialect { return t.db.dialect }

// OnCommit registers fn to run after commit.
func (t *Tx) OnCommit(fn CommitHook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onCommit = append(t.onCommit, fn)
}

// OnRollback registers fn to run after rollback.
func (t *Tx) OnRollback(fn RollbackHook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onRollback = append(t.onRollback, fn)
}

// PendingHooks reports how many commit hooks are queued.
func (t *Tx) PendingHooks() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.onCommit)
}

// Done reports whether the transaction was committed or rolled back.
func (t *Tx) Done() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

func (t *Tx) finish() ([]CommitHook, []RollbackHook, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil, nil, perrors.ErrTxDone
	}
	t.done = true
	commit, rollback := t.onCommit, t.onRollback
	t.onCommit, t.onRollback = nil, nil
	return commit, rollback, nil
}

// Commit commits and then runs the commit hooks. Hook failures are passed
// to the DB's HookErrorHandler and never turn a successful commit into an
// error.
func (t *Tx) Commit(ctx context.Context) error {
	hooks, _, err := t.finish()
	if err != nil {
		return err
	}
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	// The caller's ctx may already be winding down; hooks must still run.
	hookCtx := context.WithoutCancel(ctx)
	for i, hook := range hooks {
		if err := runHook(hookCtx, hook); err != nil && t.db.onHookError != nil {
			t.db.onHookError(hookCtx, &HookError{Index: i, Err: err})
		}
	}
	return nil
}

func runHook(ctx context.Context, hook CommitHook) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return hook(ctx)
}

// Rollback discards the commit hooks and runs the rollback hooks.
func (t *Tx) Rollback() error {
	_, hooks, err := t.finish()
	if err != nil {
		return err
	}
	rbErr := t.tx.Rollback()
	for _, hook := range hooks {
		hook(context.Background())
	}
	if rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
		return fmt.Errorf("rollback: %w", rbErr)
	}
	return nil
}

// Savepoint runs fn inside a named savepoint. When fn fails only the work
// done since the savepoint is undone: commit hooks registered meanwhile are
// dropped, rollback hooks registered meanwhile run, and fn's error is
// returned.
func (t *Tx) Savepoint(ctx context.Context, fn func() error) error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return perrors.ErrTxDone
	}
	t.savepoints++
	name := fmt.Sprintf("sp_%d", t.savepoints)
	commitMark, rollbackMark := len(t.onCommit), len(t.onRollback)
	t.mu.Unlock()

	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("savepoint %s: %w", name, err)
	}

	if err := fn(); err != nil {
		if _, rbErr := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback to savepoint %s: %w", name, rbErr))
		}
		t.mu.Lock()
		undone := append([]RollbackHook(nil), t.onRollback[rollbackMark:]...)
		t.onCommit = t.onCommit[:commitMark]
		t.onRollback = t.onRollback[:rollbackMark]
		t.mu.Unlock()
		for _, hook := range undone {
			hook(ctx)
		}
		return err
	}

	if _, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("release savepoint %s: %w", name, err)
	}
	return nil
}

func (t *Tx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.tx.Rebind(query), args...)
}

func (t *Tx) Get(ctx context.Context, dest any, query string, args ...any) error {
	return t.tx.GetContext(ctx, dest, t.tx.Rebind(query), args...)
}

func (t *Tx) Select(ctx context.Context, dest any, query string, args ...any) error {
	return t.tx.SelectContext(ctx, dest, t.tx.Rebind(query), args...)
}
