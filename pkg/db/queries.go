package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var _ Store = (*Database)(nil)

const accountColumns = `id, exchange_kind, sandbox, credentials_encrypted, active, strategy_id, created_at, deleted_at`

const orderColumns = `id, idempotency_key, signal_hash, account_id, symbol, side, type, quantity, reduce_only,
	leverage, attempts, status, exchange_order_id, client_order_id, avg_price, filled_qty, last_error,
	created_at, updated_at`

const positionColumns = `id, account_id, symbol, side, entry_price, quantity, leverage, stop_loss, take_profit,
	stop_order_id, take_profit_order_id, status, opened_at, closed_at, close_reason, exit_price`

// ----------------------------------------
// Accounts & webhooks
// ----------------------------------------

func (d *Database) CreateAccount(ctx context.Context, a Account) error {
	_, err := d.DB.NamedExecContext(ctx, `INSERT INTO accounts (`+accountColumns+`)
		VALUES (:id, :exchange_kind, :sandbox, :credentials_encrypted, :active, :strategy_id, :created_at, :deleted_at)`, a)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

func (d *Database) GetAccount(ctx context.Context, id string) (Account, error) {
	var a Account
	err := d.DB.GetContext(ctx, &a, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	return a, notFound(err, "account")
}

func (d *Database) ListAccounts(ctx context.Context, activeOnly bool) ([]Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts`
	if activeOnly {
		query += ` WHERE active = 1 AND deleted_at IS NULL`
	}
	query += ` ORDER BY created_at`
	var out []Account
	if err := d.DB.SelectContext(ctx, &out, query); err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return out, nil
}

func (d *Database) SoftDeleteAccount(ctx context.Context, id string, at time.Time) error {
	res, err := d.DB.ExecContext(ctx,
		`UPDATE accounts SET active = 0, deleted_at = ? WHERE id = ? AND deleted_at IS NULL`, at, id)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	return requireRow(res)
}

func (d *Database) CreateWebhook(ctx context.Context, w Webhook) error {
	_, err := d.DB.NamedExecContext(ctx, `INSERT INTO webhooks (id, account_id, secret_encrypted, active, created_at)
		VALUES (:id, :account_id, :secret_encrypted, :active, :created_at)`, w)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert webhook: %w", err)
	}
	return nil
}

func (d *Database) GetWebhook(ctx context.Context, id string) (Webhook, error) {
	var w Webhook
	err := d.DB.GetContext(ctx, &w,
		`SELECT id, account_id, secret_encrypted, active, created_at FROM webhooks WHERE id = ?`, id)
	return w, notFound(err, "webhook")
}

// ----------------------------------------
// Strategies & decisions
// ----------------------------------------

func (d *Database) UpsertStrategies(ctx context.Context, recs []StrategyRecord) error {
	tx, err := d.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, r := range recs {
		if _, err := tx.NamedExecContext(ctx, `INSERT INTO strategies (id, name, config, updated_at)
			VALUES (:id, :name, :config, :updated_at)
			ON CONFLICT(id) DO UPDATE SET name = excluded.name, config = excluded.config, updated_at = excluded.updated_at`, r); err != nil {
			return fmt.Errorf("upsert strategy %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

func (d *Database) GetStrategy(ctx context.Context, id string) (StrategyRecord, error) {
	var r StrategyRecord
	err := d.DB.GetContext(ctx, &r, `SELECT id, name, config, updated_at FROM strategies WHERE id = ?`, id)
	return r, notFound(err, "strategy")
}

func (d *Database) ListStrategies(ctx context.Context) ([]StrategyRecord, error) {
	var out []StrategyRecord
	if err := d.DB.SelectContext(ctx, &out, `SELECT id, name, config, updated_at FROM strategies ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list strategies: %w", err)
	}
	return out, nil
}

func (d *Database) SaveDecision(ctx context.Context, dec Decision) error {
	_, err := d.DB.NamedExecContext(ctx, `INSERT OR IGNORE INTO decisions
		(signal_hash, account_id, symbol, action, combined_probability, confidence, agreement, admit, reason, created_at)
		VALUES (:signal_hash, :account_id, :symbol, :action, :combined_probability, :confidence, :agreement, :admit, :reason, :created_at)`, dec)
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

func (d *Database) GetDecision(ctx context.Context, signalHash string) (Decision, error) {
	var dec Decision
	err := d.DB.GetContext(ctx, &dec, `SELECT signal_hash, account_id, symbol, action, combined_probability,
		confidence, agreement, admit, reason, created_at FROM decisions WHERE signal_hash = ?`, signalHash)
	return dec, notFound(err, "decision")
}

// ----------------------------------------
// Orders
// ----------------------------------------

func (d *Database) CreateOrder(ctx context.Context, o Order) error {
	_, err := d.DB.NamedExecContext(ctx, `INSERT INTO orders (`+orderColumns+`) VALUES (
		:id, :idempotency_key, :signal_hash, :account_id, :symbol, :side, :type, :quantity, :reduce_only,
		:leverage, :attempts, :status, :exchange_order_id, :client_order_id, :avg_price, :filled_qty, :last_error,
		:created_at, :updated_at)`, o)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (d *Database) GetOrderByKey(ctx context.Context, key string) (Order, error) {
	var o Order
	err := d.DB.GetContext(ctx, &o, `SELECT `+orderColumns+` FROM orders WHERE idempotency_key = ?`, key)
	return o, notFound(err, "order")
}

const updateOrder = `UPDATE orders SET side = :side, type = :type, quantity = :quantity, reduce_only = :reduce_only,
	leverage = :leverage, attempts = :attempts, status = :status, exchange_order_id = :exchange_order_id,
	client_order_id = :client_order_id, avg_price = :avg_price, filled_qty = :filled_qty,
	last_error = :last_error, updated_at = :updated_at
	WHERE id = :id`

func (d *Database) UpdateOrder(ctx context.Context, o Order) error {
	res, err := d.DB.NamedExecContext(ctx, updateOrder, o)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	return requireRow(res)
}

func (d *Database) ListOrders(ctx context.Context, f OrderFilter) ([]Order, error) {
	var (
		where []string
		args  []any
	)
	if f.AccountID != "" {
		where = append(where, "account_id = ?")
		args = append(args, f.AccountID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	var out []Order
	if err := d.DB.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return out, nil
}

func (d *Database) CompleteOrder(ctx context.Context, o Order, change PositionChange) error {
	tx, err := d.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.NamedExecContext(ctx, updateOrder, o)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if err := requireRow(res); err != nil {
		return err
	}

	switch {
	case change.Open != nil:
		if err := insertPosition(ctx, tx, *change.Open); err != nil {
			return err
		}
	case change.CloseID != "":
		if err := closePosition(ctx, tx, change.CloseID, change.CloseReason, change.ExitPrice, change.At); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ----------------------------------------
// Positions
// ----------------------------------------

func insertPosition(ctx context.Context, ext sqlx.ExtContext, p Position) error {
	query, args, err := sqlx.Named(`INSERT INTO positions (`+positionColumns+`) VALUES (
		:id, :account_id, :symbol, :side, :entry_price, :quantity, :leverage, :stop_loss, :take_profit,
		:stop_order_id, :take_profit_order_id, :status, :opened_at, :closed_at, :close_reason, :exit_price)`, p)
	if err != nil {
		return err
	}
	_, err = ext.ExecContext(ctx, query, args...)
	if isUniqueViolation(err) {
		return ErrPositionExists
	}
	if err != nil {
		return fmt.Errorf("insert position: %w", err)
	}
	return nil
}

func closePosition(ctx context.Context, ext sqlx.ExecerContext, id, reason string, exitPrice float64, at time.Time) error {
	res, err := ext.ExecContext(ctx, `UPDATE positions SET status = ?, closed_at = ?, close_reason = ?, exit_price = ?
		WHERE id = ? AND status = ?`, PositionClosed, at, reason, exitPrice, id, PositionOpen)
	if err != nil {
		return fmt.Errorf("close position: %w", err)
	}
	return requireRow(res)
}

func (d *Database) GetOpenPosition(ctx context.Context, accountID, symbol string) (Position, error) {
	var p Position
	err := d.DB.GetContext(ctx, &p, `SELECT `+positionColumns+` FROM positions
		WHERE account_id = ? AND symbol = ? AND status = ?`, accountID, symbol, PositionOpen)
	return p, notFound(err, "position")
}

func (d *Database) ListOpenPositions(ctx context.Context, accountID string) ([]Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE status = ?`
	args := []any{PositionOpen}
	if accountID != "" {
		query += ` AND account_id = ?`
		args = append(args, accountID)
	}
	query += ` ORDER BY opened_at`
	var out []Position
	if err := d.DB.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	return out, nil
}

func (d *Database) CountOpenPositions(ctx context.Context, accountID string) (int, error) {
	var n int
	err := d.DB.GetContext(ctx, &n, `SELECT COUNT(*) FROM positions WHERE account_id = ? AND status = ?`, accountID, PositionOpen)
	if err != nil {
		return 0, fmt.Errorf("count positions: %w", err)
	}
	return n, nil
}

func (d *Database) SetProtection(ctx context.Context, positionID, stopOrderID, takeProfitOrderID string) error {
	res, err := d.DB.ExecContext(ctx, `UPDATE positions SET stop_order_id = ?, take_profit_order_id = ? WHERE id = ?`,
		stopOrderID, takeProfitOrderID, positionID)
	if err != nil {
		return fmt.Errorf("set protection: %w", err)
	}
	return requireRow(res)
}

func (d *Database) ClosePosition(ctx context.Context, id, reason string, exitPrice float64, at time.Time) error {
	return closePosition(ctx, d.DB, id, reason, exitPrice, at)
}

// ----------------------------------------
// Audit
// ----------------------------------------

func (d *Database) AppendAudit(ctx context.Context, entries []AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := d.DB.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareNamedContext(ctx, `INSERT INTO audit_log (id, webhook_id, outcome, reason, payload_hash, created_at)
		VALUES (:id, :webhook_id, :outcome, :reason, :payload_hash, :created_at)`)
	if err != nil {
		return fmt.Errorf("prepare audit insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e); err != nil {
			return fmt.Errorf("insert audit entry: %w", err)
		}
	}
	return tx.Commit()
}

func (d *Database) ListAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []AuditEntry
	err := d.DB.SelectContext(ctx, &out, `SELECT id, webhook_id, outcome, reason, payload_hash, created_at
		FROM audit_log ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	return out, nil
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", what, err)
	}
	return nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
		se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY ||
		(se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(se.Error(), "UNIQUE"))
}
