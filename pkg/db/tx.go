package db

import (
	"context"

	"gorm.io/gorm"
)

// Tx is a unit of work bound to one database transaction. Work that must only
// happen once the transaction is durable is registered with AfterCommit.
type Tx struct {
	db          *gorm.DB
	afterCommit []func(context.Context)
}

// DB returns the transaction handle. It must not be retained past the unit of work.
func (t *Tx) DB() *gorm.DB {
	return t.db
}

// Dialect names the SQL dialect of the transaction.
func (t *Tx) Dialect() string {
	if t.db == nil || t.db.Dialector == nil {
		return ""
	}
	return t.db.Dialector.Name()
}

// AfterCommit queues fn to run after a successful commit. Hooks never run on rollback.
func (t *Tx) AfterCommit(fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	t.afterCommit = append(t.afterCommit, fn)
}

func (t *Tx) runAfterCommit(ctx context.Context) {
	hooks := t.afterCommit
	t.afterCommit = nil
	for _, hook := range hooks {
		hook(ctx)
	}
}
