package ledger

import (
	"context"

	"gorm.io/gorm"
)

const (
	tableBalances = "balances"
	tableEntries  = "ledger_entries"
	guardCallback = "ledger:write_guard"
)

type writeKey struct{}

// ledgerContext marks ctx as carrying a write issued by the Store.
func ledgerContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, writeKey{}, true)
}

func isLedgerWrite(ctx context.Context) bool {
	ok, _ := ctx.Value(writeKey{}).(bool)
	return ok
}

// installGuard registers create/update/delete callbacks that refuse writes
// to the balances and journal tables unless they come from the Store.
func installGuard(db *gorm.DB) error {
	cb := db.Callback()
	if cb.Create().Get(guardCallback) == nil {
		if err := cb.Create().Before("gorm:create").Register(guardCallback, guardWrite); err != nil {
			return err
		}
	}
	if cb.Update().Get(guardCallback) == nil {
		if err := cb.Update().Before("gorm:update").Register(guardCallback, guardWrite); err != nil {
			return err
		}
	}
	if cb.Delete().Get(guardCallback) == nil {
		if err := cb.Delete().Before("gorm:delete").Register(guardCallback, guardWrite); err != nil {
			return err
		}
	}
	return nil
}

func guardWrite(db *gorm.DB) {
	stmt := db.Statement
	table := stmt.Table
	if table == "" && stmt.Schema != nil {
		table = stmt.Schema.Table
	}
	if table != tableBalances && table != tableEntries {
		return
	}
	if stmt.Context != nil && isLedgerWrite(stmt.Context) {
		return
	}
	_ = db.AddError(ErrDirectBalanceWrite)
}
