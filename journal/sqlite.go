package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rustyeddy/fxengine/market"
)

type SQLite struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	// sqlite allows one writer at a time
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal schema: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal migrate: %w", err)
	}
	return &SQLite{db: db}, nil
}

// migrate adds columns that journals created by older builds lack.
func migrate(db *sql.DB) error {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('trades') WHERE name = 'pending_exit'`).Scan(&n)
	if err != nil || n > 0 {
		return err
	}
	_, err = db.Exec(`ALTER TABLE trades ADD COLUMN pending_exit TEXT NOT NULL DEFAULT ''`)
	return err
}

const tradeColumns = `id, broker_ref, client_id, account_id, strategy, signal_id, instrument, side,
	units, entry_price, entry_time, stop_loss, take_profit, confidence, status,
	exit_price, exit_time, exit_reason, realized_pl, best_price, trailing_stop, force_close, pending_exit`

func (j *SQLite) Insert(ctx context.Context, t Trade) error {
	if err := t.validate(); err != nil {
		return err
	}
	if t.Status == "" {
		t.Status = StatusOpen
	}

	var (
		exitPrice, realized sql.NullFloat64
		exitTime            sql.NullTime
		exitReason          sql.NullString
	)
	if t.Status == StatusClosed {
		exitPrice = sql.NullFloat64{Float64: t.ExitPrice, Valid: true}
		realized = sql.NullFloat64{Float64: t.RealizedPL, Valid: true}
		exitTime = sql.NullTime{Time: t.ExitTime.UTC(), Valid: true}
		exitReason = sql.NullString{String: string(t.ExitReason), Valid: true}
	}

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO trades (`+tradeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.BrokerRef, t.ClientID, t.AccountID, t.Strategy, t.SignalID, t.Instrument, string(t.Side),
		t.Units, t.EntryPrice, t.EntryTime.UTC(), t.StopLoss, t.TakeProfit, t.Confidence, string(t.Status),
		exitPrice, exitTime, exitReason, realized, t.BestPrice, t.TrailingStop, t.ForceClose, string(t.PendingExit),
	)
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", t.ID, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTrade(row scanner) (Trade, error) {
	var (
		t                   Trade
		side, status        string
		exitPrice, realized sql.NullFloat64
		exitTime            sql.NullTime
		exitReason          sql.NullString
		pending             string
	)
	err := row.Scan(
		&t.ID, &t.BrokerRef, &t.ClientID, &t.AccountID, &t.Strategy, &t.SignalID, &t.Instrument, &side,
		&t.Units, &t.EntryPrice, &t.EntryTime, &t.StopLoss, &t.TakeProfit, &t.Confidence, &status,
		&exitPrice, &exitTime, &exitReason, &realized, &t.BestPrice, &t.TrailingStop, &t.ForceClose, &pending,
	)
	if err != nil {
		return Trade{}, err
	}
	t.PendingExit = ExitReason(pending)
	t.Side = market.Side(side)
	t.Status = Status(status)
	t.ExitPrice = exitPrice.Float64
	t.RealizedPL = realized.Float64
	t.ExitReason = ExitReason(exitReason.String)
	if exitTime.Valid {
		t.ExitTime = exitTime.Time
	}
	return t, nil
}

func (j *SQLite) Get(ctx context.Context, id string) (Trade, error) {
	row := j.db.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = ?`, id)
	t, err := scanTrade(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Trade{}, fmt.Errorf("%w: %q", ErrNotFound, id)
		}
		return Trade{}, err
	}
	return t, nil
}

func (j *SQLite) query(ctx context.Context, q string, args ...any) ([]Trade, error) {
	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (j *SQLite) ListOpen(ctx context.Context, accountID string) ([]Trade, error) {
	if accountID == "" {
		return j.query(ctx, `SELECT `+tradeColumns+` FROM trades
			WHERE status = 'open' ORDER BY entry_time ASC, id ASC`)
	}
	return j.query(ctx, `SELECT `+tradeColumns+` FROM trades
		WHERE status = 'open' AND account_id = ? ORDER BY entry_time ASC, id ASC`, accountID)
}

func (j *SQLite) ListClosedBetween(ctx context.Context, start, end time.Time) ([]Trade, error) {
	return j.query(ctx, `SELECT `+tradeColumns+` FROM trades
		WHERE status = 'closed' AND exit_time >= ? AND exit_time < ?
		ORDER BY exit_time ASC`, start.UTC(), end.UTC())
}

func (j *SQLite) UpdateTrailing(ctx context.Context, id string, best, trail float64) error {
	res, err := j.db.ExecContext(ctx, `
		UPDATE trades SET best_price = ?, trailing_stop = ?
		WHERE id = ? AND status = 'open'`, best, trail, id)
	if err != nil {
		return fmt.Errorf("update trailing %s: %w", id, err)
	}
	return j.checkUpdated(ctx, res, id)
}

func (j *SQLite) MarkPending(ctx context.Context, id string, reason ExitReason) error {
	res, err := j.db.ExecContext(ctx, `
		UPDATE trades SET pending_exit = CASE WHEN pending_exit = '' THEN ? ELSE pending_exit END
		WHERE id = ? AND status = 'open'`, string(reason), id)
	if err != nil {
		return fmt.Errorf("mark pending %s: %w", id, err)
	}
	return j.checkUpdated(ctx, res, id)
}

func (j *SQLite) MarkClosed(ctx context.Context, id string, c Closure) error {
	res, err := j.db.ExecContext(ctx, `
		UPDATE trades SET status = 'closed', exit_price = ?, exit_time = ?, exit_reason = ?, realized_pl = ?
		WHERE id = ? AND status = 'open'`,
		c.Price, c.Time.UTC(), string(c.Reason), c.RealizedPL, id)
	if err != nil {
		return fmt.Errorf("close trade %s: %w", id, err)
	}
	return j.checkUpdated(ctx, res, id)
}

// checkUpdated tells a missing trade apart from one that is already closed.
func (j *SQLite) checkUpdated(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := j.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrAlreadyClosed, id)
}

func (j *SQLite) Close() error {
	return j.db.Close()
}
