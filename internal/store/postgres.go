package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/stockwars/sim-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so query helpers are
// shared between the plain store methods and the transactional view.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func mapErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrConflict
	}
	return err
}

// WithTx runs fn inside a single database transaction.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgTx{q: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// pgTx is the transactional view backed by one pgx.Tx.
type pgTx struct {
	q pgx.Tx
}

func (t *pgTx) GetParticipantForUpdate(ctx context.Context, id string) (*model.Participant, error) {
	return getParticipant(ctx, t.q, `SELECT id, competition_id, user_id, status,
	        starting_cash::TEXT, cash_balance::TEXT, updated_at
	 FROM participants WHERE id = $1 FOR UPDATE`, id)
}

func (t *pgTx) UpdateParticipant(ctx context.Context, p *model.Participant) error {
	return updateParticipant(ctx, t.q, p)
}

func (t *pgTx) GetCompetition(ctx context.Context, id string) (*model.Competition, error) {
	return getCompetition(ctx, t.q, id)
}

func (t *pgTx) UpdateCompetition(ctx context.Context, c *model.Competition) error {
	return updateCompetition(ctx, t.q, c)
}

func (t *pgTx) GetPositionForUpdate(ctx context.Context, participantID, instrumentID string) (*model.Position, error) {
	var p model.Position
	var costS string
	err := t.q.QueryRow(ctx,
		`SELECT id, participant_id, instrument_id, quantity, avg_cost_basis::TEXT, updated_at
		 FROM positions WHERE participant_id = $1 AND instrument_id = $2 FOR UPDATE`,
		participantID, instrumentID).
		Scan(&p.ID, &p.ParticipantID, &p.InstrumentID, &p.Quantity, &costS, &p.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	p.AvgCostBasis, _ = decimal.NewFromString(costS)
	return &p, nil
}

func (t *pgTx) CreatePosition(ctx context.Context, p *model.Position) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO positions (id, participant_id, instrument_id, quantity, avg_cost_basis, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6)`,
		p.ID, p.ParticipantID, p.InstrumentID, p.Quantity, p.AvgCostBasis.String(), time.Now().UTC(),
	)
	return mapErr(err)
}

func (t *pgTx) UpdatePosition(ctx context.Context, p *model.Position) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE positions SET quantity = $2, avg_cost_basis = $3::NUMERIC, updated_at = $4 WHERE id = $1`,
		p.ID, p.Quantity, p.AvgCostBasis.String(), time.Now().UTC(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) DeletePosition(ctx context.Context, id string) error {
	tag, err := t.q.Exec(ctx, `DELETE FROM positions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) ListHeldPositions(ctx context.Context, participantID string) ([]model.Position, error) {
	return listHeldPositions(ctx, t.q, participantID)
}

func (t *pgTx) LatestQuote(ctx context.Context, instrumentID string) (*model.Quote, error) {
	return latestQuote(ctx, t.q, instrumentID)
}

func (t *pgTx) InsertOrder(ctx context.Context, o *model.Order) error {
	return insertOrder(ctx, t.q, o)
}

func (t *pgTx) UpdateOrder(ctx context.Context, o *model.Order) error {
	return updateOrder(ctx, t.q, o)
}

func (t *pgTx) InsertFill(ctx context.Context, f *model.TradeFill) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO trade_fills (id, order_id, filled_at, price, quantity, notional, realized_pnl)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6::NUMERIC, $7::NUMERIC)`,
		f.ID, f.OrderID, f.FilledAt,
		f.Price.String(), f.Quantity, f.Notional.String(), f.RealizedPnL.String(),
	)
	return mapErr(err)
}

func (t *pgTx) InsertLedgerEntry(ctx context.Context, e *model.CashLedgerEntry) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO cash_ledger_entries (id, participant_id, as_of, delta_amount, reason, reference_type, reference_id, memo)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7, $8)`,
		e.ID, e.ParticipantID, e.AsOf,
		e.DeltaAmount.String(), e.Reason, e.ReferenceType, e.ReferenceID, e.Memo,
	)
	return mapErr(err)
}

func (t *pgTx) UpdateScheduledBasketOrder(ctx context.Context, o *model.ScheduledBasketOrder) error {
	return updateScheduledBasketOrder(ctx, t.q, o)
}

// --- Competitions ---

const competitionCols = `id, title, status, competition_type, week_start_at, week_end_at,
        starting_cash::TEXT, max_single_symbol_pct::TEXT,
        COALESCE(max_symbols, 0), COALESCE(min_symbols, 0),
        market_buy_price_source, synthetic_spread_bps,
        auto_close_enabled, auto_close_price_source, auto_close_processed_at`

func scanCompetition(row pgx.Row) (*model.Competition, error) {
	var c model.Competition
	var startingCashS string
	var maxPctS *string

	err := row.Scan(&c.ID, &c.Title, &c.Status, &c.Type, &c.WeekStartAt, &c.WeekEndAt,
		&startingCashS, &maxPctS,
		&c.MaxSymbols, &c.MinSymbols,
		&c.MarketBuyPriceSource, &c.SyntheticSpreadBPS,
		&c.AutoCloseEnabled, &c.AutoClosePriceSource, &c.AutoCloseProcessedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	c.StartingCash, _ = decimal.NewFromString(startingCashS)
	if maxPctS != nil {
		pct, _ := decimal.NewFromString(*maxPctS)
		c.MaxSingleSymbolPct = &pct
	}
	return &c, nil
}

func getCompetition(ctx context.Context, q querier, id string) (*model.Competition, error) {
	return scanCompetition(q.QueryRow(ctx,
		`SELECT `+competitionCols+` FROM competitions WHERE id = $1`, id))
}

func updateCompetition(ctx context.Context, q querier, c *model.Competition) error {
	var maxPct *string
	if c.MaxSingleSymbolPct != nil {
		s := c.MaxSingleSymbolPct.String()
		maxPct = &s
	}
	tag, err := q.Exec(ctx,
		`UPDATE competitions
		 SET title = $2, status = $3, competition_type = $4,
		     week_start_at = $5, week_end_at = $6, starting_cash = $7::NUMERIC,
		     max_single_symbol_pct = $8::NUMERIC, max_symbols = NULLIF($9, 0), min_symbols = NULLIF($10, 0),
		     market_buy_price_source = $11, synthetic_spread_bps = $12,
		     auto_close_enabled = $13, auto_close_price_source = $14, auto_close_processed_at = $15
		 WHERE id = $1`,
		c.ID, c.Title, c.Status, c.Type,
		c.WeekStartAt, c.WeekEndAt, c.StartingCash.String(),
		maxPct, c.MaxSymbols, c.MinSymbols,
		c.MarketBuyPriceSource, c.SyntheticSpreadBPS,
		c.AutoCloseEnabled, c.AutoClosePriceSource, c.AutoCloseProcessedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CreateCompetition(ctx context.Context, c *model.Competition) error {
	var maxPct *string
	if c.MaxSingleSymbolPct != nil {
		v := c.MaxSingleSymbolPct.String()
		maxPct = &v
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO competitions (id, title, status, competition_type, week_start_at, week_end_at,
		     starting_cash, max_single_symbol_pct, max_symbols, min_symbols,
		     market_buy_price_source, synthetic_spread_bps,
		     auto_close_enabled, auto_close_price_source, auto_close_processed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, NULLIF($9, 0), NULLIF($10, 0),
		     $11, $12, $13, $14, $15)`,
		c.ID, c.Title, c.Status, c.Type, c.WeekStartAt, c.WeekEndAt,
		c.StartingCash.String(), maxPct, c.MaxSymbols, c.MinSymbols,
		c.MarketBuyPriceSource, c.SyntheticSpreadBPS,
		c.AutoCloseEnabled, c.AutoClosePriceSource, c.AutoCloseProcessedAt,
	)
	return mapErr(err)
}

func (s *PostgresStore) GetCompetition(ctx context.Context, id string) (*model.Competition, error) {
	return getCompetition(ctx, s.pool, id)
}

func (s *PostgresStore) UpdateCompetition(ctx context.Context, c *model.Competition) error {
	return updateCompetition(ctx, s.pool, c)
}

func (s *PostgresStore) listCompetitions(ctx context.Context, query string, args ...any) ([]model.Competition, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Competition
	for rows.Next() {
		c, err := scanCompetition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListAutoCloseCandidates(ctx context.Context, now time.Time) ([]model.Competition, error) {
	return s.listCompetitions(ctx,
		`SELECT `+competitionCols+`
		 FROM competitions
		 WHERE competition_type = 'ADVANCED'
		   AND auto_close_enabled
		   AND auto_close_processed_at IS NULL
		   AND week_end_at <= $1
		   AND status IN ('PUBLISHED', 'LOCKED')
		 ORDER BY week_end_at`, now)
}

func (s *PostgresStore) ListActiveAdvancedCompetitions(ctx context.Context, now time.Time) ([]model.Competition, error) {
	return s.listCompetitions(ctx,
		`SELECT `+competitionCols+`
		 FROM competitions
		 WHERE competition_type = 'ADVANCED'
		   AND status = 'PUBLISHED'
		   AND week_start_at <= $1 AND week_end_at >= $1
		 ORDER BY id`, now)
}

func (s *PostgresStore) ListFinishedPublishedCompetitions(ctx context.Context, now time.Time) ([]model.Competition, error) {
	return s.listCompetitions(ctx,
		`SELECT `+competitionCols+`
		 FROM competitions
		 WHERE status = 'PUBLISHED' AND week_end_at < $1
		 ORDER BY id`, now)
}

// --- Participants ---

const participantCols = `id, competition_id, user_id, status,
        starting_cash::TEXT, cash_balance::TEXT, updated_at`

func getParticipant(ctx context.Context, q querier, query string, args ...any) (*model.Participant, error) {
	var p model.Participant
	var startingS, balanceS string
	err := q.QueryRow(ctx, query, args...).
		Scan(&p.ID, &p.CompetitionID, &p.UserID, &p.Status, &startingS, &balanceS, &p.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	p.StartingCash, _ = decimal.NewFromString(startingS)
	p.CashBalance, _ = decimal.NewFromString(balanceS)
	return &p, nil
}

func updateParticipant(ctx context.Context, q querier, p *model.Participant) error {
	tag, err := q.Exec(ctx,
		`UPDATE participants SET status = $2, cash_balance = $3::NUMERIC, updated_at = $4 WHERE id = $1`,
		p.ID, p.Status, p.CashBalance.String(), time.Now().UTC(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CreateParticipant(ctx context.Context, p *model.Participant) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO participants (id, competition_id, user_id, status, starting_cash, cash_balance, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7)`,
		p.ID, p.CompetitionID, p.UserID, p.Status,
		p.StartingCash.String(), p.CashBalance.String(), time.Now().UTC(),
	)
	return mapErr(err)
}

func (s *PostgresStore) GetParticipant(ctx context.Context, id string) (*model.Participant, error) {
	return getParticipant(ctx, s.pool,
		`SELECT `+participantCols+` FROM participants WHERE id = $1`, id)
}

func (s *PostgresStore) listParticipants(ctx context.Context, query string, args ...any) ([]model.Participant, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Participant
	for rows.Next() {
		var p model.Participant
		var startingS, balanceS string
		if err := rows.Scan(&p.ID, &p.CompetitionID, &p.UserID, &p.Status,
			&startingS, &balanceS, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.StartingCash, _ = decimal.NewFromString(startingS)
		p.CashBalance, _ = decimal.NewFromString(balanceS)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListParticipants(ctx context.Context, competitionID string, status model.ParticipantStatus) ([]model.Participant, error) {
	return s.listParticipants(ctx,
		`SELECT `+participantCols+` FROM participants
		 WHERE competition_id = $1 AND status = $2 ORDER BY id`, competitionID, status)
}

func (s *PostgresStore) ListParticipantsByStatus(ctx context.Context, status model.ParticipantStatus) ([]model.Participant, error) {
	return s.listParticipants(ctx,
		`SELECT `+participantCols+` FROM participants WHERE status = $1 ORDER BY id`, status)
}

// --- Instruments and quotes ---

func (s *PostgresStore) CreateInstrument(ctx context.Context, i *model.Instrument) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO instruments (id, symbol, name) VALUES ($1, $2, $3)`,
		i.ID, i.Symbol, i.Name,
	)
	return mapErr(err)
}

func (s *PostgresStore) GetInstrument(ctx context.Context, id string) (*model.Instrument, error) {
	var i model.Instrument
	err := s.pool.QueryRow(ctx,
		`SELECT id, symbol, name FROM instruments WHERE id = $1`, id).
		Scan(&i.ID, &i.Symbol, &i.Name)
	if err != nil {
		return nil, mapErr(err)
	}
	return &i, nil
}

func (s *PostgresStore) GetInstrumentBySymbol(ctx context.Context, symbol string) (*model.Instrument, error) {
	var i model.Instrument
	err := s.pool.QueryRow(ctx,
		`SELECT id, symbol, name FROM instruments WHERE symbol = $1`, symbol).
		Scan(&i.ID, &i.Symbol, &i.Name)
	if err != nil {
		return nil, mapErr(err)
	}
	return &i, nil
}

func (s *PostgresStore) InsertQuote(ctx context.Context, q *model.Quote) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO quotes (id, instrument_id, as_of, price, provider_name)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5)`,
		q.ID, q.InstrumentID, q.AsOf, q.Price.String(), q.ProviderName,
	)
	return mapErr(err)
}

func latestQuote(ctx context.Context, q querier, instrumentID string) (*model.Quote, error) {
	var out model.Quote
	var priceS string
	err := q.QueryRow(ctx,
		`SELECT id, instrument_id, as_of, price::TEXT, provider_name
		 FROM quotes WHERE instrument_id = $1
		 ORDER BY as_of DESC LIMIT 1`, instrumentID).
		Scan(&out.ID, &out.InstrumentID, &out.AsOf, &priceS, &out.ProviderName)
	if err != nil {
		return nil, mapErr(err)
	}
	out.Price, _ = decimal.NewFromString(priceS)
	return &out, nil
}

func (s *PostgresStore) LatestQuote(ctx context.Context, instrumentID string) (*model.Quote, error) {
	return latestQuote(ctx, s.pool, instrumentID)
}

// --- Orders ---

const orderCols = `id, participant_id, instrument_id, side, order_type, quantity,
        limit_price::TEXT, status, created_at,
        submitted_price::TEXT, quote_as_of, reject_reason`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	var limitS, submittedS *string
	var reject *string

	err := row.Scan(&o.ID, &o.ParticipantID, &o.InstrumentID, &o.Side, &o.Type, &o.Quantity,
		&limitS, &o.Status, &o.CreatedAt,
		&submittedS, &o.QuoteAsOf, &reject)
	if err != nil {
		return nil, mapErr(err)
	}
	if limitS != nil {
		v, _ := decimal.NewFromString(*limitS)
		o.LimitPrice = &v
	}
	if submittedS != nil {
		v, _ := decimal.NewFromString(*submittedS)
		o.SubmittedPrice = &v
	}
	if reject != nil {
		o.RejectReason = *reject
	}
	return &o, nil
}

func insertOrder(ctx context.Context, q querier, o *model.Order) error {
	var limitS, submittedS *string
	if o.LimitPrice != nil {
		v := o.LimitPrice.String()
		limitS = &v
	}
	if o.SubmittedPrice != nil {
		v := o.SubmittedPrice.String()
		submittedS = &v
	}
	_, err := q.Exec(ctx,
		`INSERT INTO orders (id, participant_id, instrument_id, side, order_type, quantity,
		     limit_price, status, created_at, submitted_price, quote_as_of, reject_reason)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9, $10::NUMERIC, $11, NULLIF($12, ''))`,
		o.ID, o.ParticipantID, o.InstrumentID, o.Side, o.Type, o.Quantity,
		limitS, o.Status, o.CreatedAt, submittedS, o.QuoteAsOf, o.RejectReason,
	)
	return mapErr(err)
}

func updateOrder(ctx context.Context, q querier, o *model.Order) error {
	var submittedS *string
	if o.SubmittedPrice != nil {
		v := o.SubmittedPrice.String()
		submittedS = &v
	}
	tag, err := q.Exec(ctx,
		`UPDATE orders
		 SET status = $2, submitted_price = $3::NUMERIC, quote_as_of = $4, reject_reason = NULLIF($5, '')
		 WHERE id = $1`,
		o.ID, o.Status, submittedS, o.QuoteAsOf, o.RejectReason,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) InsertOrder(ctx context.Context, o *model.Order) error {
	return insertOrder(ctx, s.pool, o)
}

func (s *PostgresStore) UpdateOrder(ctx context.Context, o *model.Order) error {
	return updateOrder(ctx, s.pool, o)
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return scanOrder(s.pool.QueryRow(ctx,
		`SELECT `+orderCols+` FROM orders WHERE id = $1`, id))
}

func (s *PostgresStore) listOrders(ctx context.Context, query string, args ...any) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListOrdersByParticipant(ctx context.Context, participantID string) ([]model.Order, error) {
	return s.listOrders(ctx,
		`SELECT `+orderCols+` FROM orders WHERE participant_id = $1 ORDER BY created_at`, participantID)
}

func (s *PostgresStore) ListSubmittedOrders(ctx context.Context) ([]model.Order, error) {
	return s.listOrders(ctx,
		`SELECT `+orderCols+` FROM orders WHERE status = 'SUBMITTED' ORDER BY created_at`)
}

// --- Positions, ledger, snapshots ---

func listHeldPositions(ctx context.Context, q querier, participantID string) ([]model.Position, error) {
	rows, err := q.Query(ctx,
		`SELECT id, participant_id, instrument_id, quantity, avg_cost_basis::TEXT, updated_at
		 FROM positions WHERE participant_id = $1 AND quantity > 0
		 ORDER BY instrument_id`, participantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		var p model.Position
		var costS string
		if err := rows.Scan(&p.ID, &p.ParticipantID, &p.InstrumentID, &p.Quantity, &costS, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.AvgCostBasis, _ = decimal.NewFromString(costS)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListHeldPositions(ctx context.Context, participantID string) ([]model.Position, error) {
	return listHeldPositions(ctx, s.pool, participantID)
}

func (s *PostgresStore) ListLedgerEntries(ctx context.Context, participantID string) ([]model.CashLedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, participant_id, as_of, delta_amount::TEXT, reason,
		        COALESCE(reference_type, ''), COALESCE(reference_id, ''), COALESCE(memo, '')
		 FROM cash_ledger_entries WHERE participant_id = $1 ORDER BY as_of`, participantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.CashLedgerEntry
	for rows.Next() {
		var e model.CashLedgerEntry
		var deltaS string
		if err := rows.Scan(&e.ID, &e.ParticipantID, &e.AsOf, &deltaS, &e.Reason,
			&e.ReferenceType, &e.ReferenceID, &e.Memo); err != nil {
			return nil, err
		}
		e.DeltaAmount, _ = decimal.NewFromString(deltaS)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LedgerBalance(ctx context.Context, participantID string) (decimal.Decimal, error) {
	var totalS string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(delta_amount), 0)::TEXT
		 FROM cash_ledger_entries WHERE participant_id = $1`, participantID).
		Scan(&totalS)
	if err != nil {
		return decimal.Zero, err
	}
	total, _ := decimal.NewFromString(totalS)
	return total, nil
}

func (s *PostgresStore) SumRealizedPnL(ctx context.Context, participantID string) (decimal.Decimal, error) {
	var totalS string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(f.realized_pnl), 0)::TEXT
		 FROM trade_fills f
		 JOIN orders o ON o.id = f.order_id
		 WHERE o.participant_id = $1 AND o.side = 'SELL'`, participantID).
		Scan(&totalS)
	if err != nil {
		return decimal.Zero, err
	}
	total, _ := decimal.NewFromString(totalS)
	return total, nil
}

func (s *PostgresStore) InsertSnapshot(ctx context.Context, snap *model.PortfolioSnapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO portfolio_snapshots (id, participant_id, as_of, cash_balance, holdings_value,
		     total_value, return_pct_since_start, unrealized_pnl, realized_pnl_total)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC)`,
		snap.ID, snap.ParticipantID, snap.AsOf,
		snap.CashBalance.String(), snap.HoldingsValue.String(),
		snap.TotalValue.String(), snap.ReturnPctSinceStart.String(),
		snap.UnrealizedPnL.String(), snap.RealizedPnLTotal.String(),
	)
	return mapErr(err)
}

// --- Baskets ---

func (s *PostgresStore) CreateBasket(ctx context.Context, b *model.Basket, items []model.BasketItem) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO baskets (id, user_id, name, created_at) VALUES ($1, $2, $3, $4)`,
		b.ID, b.UserID, b.Name, b.CreatedAt); err != nil {
		return mapErr(err)
	}
	for _, it := range items {
		if _, err := tx.Exec(ctx,
			`INSERT INTO basket_items (id, basket_id, instrument_id) VALUES ($1, $2, $3)`,
			it.ID, it.BasketID, it.InstrumentID); err != nil {
			return mapErr(err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetBasket(ctx context.Context, userID, name string) (*model.Basket, []model.BasketItem, error) {
	var b model.Basket
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, name, created_at FROM baskets WHERE user_id = $1 AND name = $2`,
		userID, name).
		Scan(&b.ID, &b.UserID, &b.Name, &b.CreatedAt)
	if err != nil {
		return nil, nil, mapErr(err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, basket_id, instrument_id FROM basket_items WHERE basket_id = $1 ORDER BY instrument_id`,
		b.ID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var items []model.BasketItem
	for rows.Next() {
		var it model.BasketItem
		if err := rows.Scan(&it.ID, &it.BasketID, &it.InstrumentID); err != nil {
			return nil, nil, err
		}
		items = append(items, it)
	}
	return &b, items, rows.Err()
}

// --- Scheduled basket orders ---

const scheduledCols = `id, participant_id, basket_name, side, total_amount::TEXT,
        status, attempts, created_at, executed_at, COALESCE(last_error, '')`

func scanScheduledBasketOrder(row pgx.Row) (*model.ScheduledBasketOrder, error) {
	var o model.ScheduledBasketOrder
	var totalS string
	err := row.Scan(&o.ID, &o.ParticipantID, &o.BasketName, &o.Side, &totalS,
		&o.Status, &o.Attempts, &o.CreatedAt, &o.ExecutedAt, &o.LastError)
	if err != nil {
		return nil, mapErr(err)
	}
	o.TotalAmount, _ = decimal.NewFromString(totalS)
	return &o, nil
}

func (s *PostgresStore) InsertScheduledBasketOrder(ctx context.Context, o *model.ScheduledBasketOrder, legs []model.ScheduledBasketOrderLeg) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO scheduled_basket_orders (id, participant_id, basket_name, side, total_amount,
		     status, attempts, created_at, executed_at, last_error)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8, $9, NULLIF($10, ''))`,
		o.ID, o.ParticipantID, o.BasketName, o.Side, o.TotalAmount.String(),
		o.Status, o.Attempts, o.CreatedAt, o.ExecutedAt, o.LastError); err != nil {
		return mapErr(err)
	}
	for _, l := range legs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO scheduled_basket_order_legs (id, order_id, instrument_id, pct)
			 VALUES ($1, $2, $3, $4::NUMERIC)`,
			l.ID, l.OrderID, l.InstrumentID, l.Pct.String()); err != nil {
			return mapErr(err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetScheduledBasketOrder(ctx context.Context, id string) (*model.ScheduledBasketOrder, []model.ScheduledBasketOrderLeg, error) {
	o, err := scanScheduledBasketOrder(s.pool.QueryRow(ctx,
		`SELECT `+scheduledCols+` FROM scheduled_basket_orders WHERE id = $1`, id))
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, order_id, instrument_id, pct::TEXT
		 FROM scheduled_basket_order_legs WHERE order_id = $1 ORDER BY instrument_id`, id)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var legs []model.ScheduledBasketOrderLeg
	for rows.Next() {
		var l model.ScheduledBasketOrderLeg
		var pctS string
		if err := rows.Scan(&l.ID, &l.OrderID, &l.InstrumentID, &pctS); err != nil {
			return nil, nil, err
		}
		l.Pct, _ = decimal.NewFromString(pctS)
		legs = append(legs, l)
	}
	return o, legs, rows.Err()
}

func updateScheduledBasketOrder(ctx context.Context, q querier, o *model.ScheduledBasketOrder) error {
	tag, err := q.Exec(ctx,
		`UPDATE scheduled_basket_orders
		 SET status = $2, attempts = $3, executed_at = $4, last_error = NULLIF($5, '')
		 WHERE id = $1`,
		o.ID, o.Status, o.Attempts, o.ExecutedAt, o.LastError,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateScheduledBasketOrder(ctx context.Context, o *model.ScheduledBasketOrder) error {
	return updateScheduledBasketOrder(ctx, s.pool, o)
}

func (s *PostgresStore) ListPendingScheduledBasketOrders(ctx context.Context) ([]model.ScheduledBasketOrder, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+scheduledCols+` FROM scheduled_basket_orders
		 WHERE status = 'PENDING' ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ScheduledBasketOrder
	for rows.Next() {
		o, err := scanScheduledBasketOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}
