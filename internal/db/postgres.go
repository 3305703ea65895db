package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/finpulse/recurrence-engine/pkg/models"
)

// schemaSQL is compiled into the binary at build time so schema init works
// inside runtime images that do not ship the source tree.
//
//go:embed schema.sql
var schemaSQL string

type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// Connect initializes the connection pool to PostgreSQL using pgx and
// registers the decimal codec on every connection so NUMERIC amounts stay
// exact end to end.
func Connect(connStr string, logger *zap.Logger) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping failed: %w", err)
	}

	logger.Info("connected to postgres")
	return &PostgresStore{pool: pool, logger: logger}, nil
}

// Close gracefully closes the connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping verifies the pool is alive; used by the health endpoint.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// InitSchema executes the embedded schema.sql DDL statements.
func (s *PostgresStore) InitSchema() error {
	if _, err := s.pool.Exec(context.Background(), schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema migrations: %w", err)
	}
	s.logger.Info("recurrence schema initialized")
	return nil
}

// GetPool exposes the raw pool for components that manage their own
// statements, such as the shadow evaluator.
func (s *PostgresStore) GetPool() *pgxpool.Pool {
	return s.pool
}

// classify folds driver errors into the core taxonomy: unique violations
// mean a concurrent writer won (Conflict); serialization and deadlock
// failures are worth retrying (Retryable).
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", models.ErrConflict, pgErr.Message)
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", models.ErrRetryable, pgErr.Message)
		}
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

const transactionColumns = `id, user_id, payee_id, direction, currency_id, occurred_at, amount, source_message_id, created_at`

func scanTransaction(r rowScanner) (models.Transaction, error) {
	var t models.Transaction
	err := r.Scan(&t.ID, &t.UserID, &t.PayeeID, &t.Direction, &t.CurrencyID,
		&t.OccurredAt, &t.Amount, &t.SourceMessageID, &t.CreatedAt)
	return t, err
}

const patternColumns = `id, user_id, payee_id, direction, currency_id, interval_days, pattern_case,
	amount_behavior, representative_amount, amount_min, amount_max, day_of_month_hint, status,
	confidence, COALESCE(explanation, ''), detection_version, last_evaluated_at, created_at`

func scanPattern(r rowScanner) (models.Pattern, error) {
	var p models.Pattern
	err := r.Scan(&p.ID, &p.UserID, &p.PayeeID, &p.Direction, &p.CurrencyID, &p.IntervalDays,
		&p.Case, &p.AmountBehavior, &p.RepresentativeAmount, &p.AmountMin, &p.AmountMax,
		&p.DayOfMonthHint, &p.Status, &p.Confidence, &p.Explanation, &p.DetectionVersion,
		&p.LastEvaluatedAt, &p.CreatedAt)
	return p, err
}

const streakColumns = `pattern_id, current_streak, longest_streak, missed_count,
	last_actual_date, last_expected_date, confidence_multiplier`

func scanStreak(r rowScanner) (models.PatternStreak, error) {
	var st models.PatternStreak
	err := r.Scan(&st.PatternID, &st.CurrentStreak, &st.LongestStreak, &st.MissedCount,
		&st.LastActualDate, &st.LastExpectedDate, &st.ConfidenceMultiplier)
	return st, err
}

const obligationColumns = `id, pattern_id, expected_date, tolerance_days, expected_min_amount,
	expected_max_amount, status, fulfilled_by_transaction_id, fulfilled_at, days_early, created_at`

func scanObligation(r rowScanner) (models.Obligation, error) {
	var o models.Obligation
	err := r.Scan(&o.ID, &o.PatternID, &o.ExpectedDate, &o.ToleranceDays, &o.ExpectedMinAmount,
		&o.ExpectedMaxAmount, &o.Status, &o.FulfilledByTransactionID, &o.FulfilledAt,
		&o.DaysEarly, &o.CreatedAt)
	return o, err
}

// --- transactions ---

// InsertTransaction stores an immutable transaction row handed over by the
// ingestion producer. A duplicate source_message_id surfaces as Conflict.
func (s *PostgresStore) InsertTransaction(ctx context.Context, t models.Transaction) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO transactions (id, user_id, payee_id, direction, currency_id, occurred_at, amount, source_message_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID, t.UserID, t.PayeeID, t.Direction, t.CurrencyID, t.OccurredAt.UTC(), t.Amount, t.SourceMessageID)
	return classify(err)
}

func (s *PostgresStore) GetTransaction(ctx context.Context, id uuid.UUID) (models.Transaction, error) {
	t, err := scanTransaction(s.pool.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Transaction{}, fmt.Errorf("%w: transaction %s", models.ErrNotFound, id)
	}
	return t, classify(err)
}

// ListUserTransactions returns every transaction a user owns in occurrence
// order. Discovery groups and filters them in memory.
func (s *PostgresStore) ListUserTransactions(ctx context.Context, userID uuid.UUID) ([]models.Transaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE user_id = $1
		ORDER BY occurred_at, id`, userID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListArrivals feeds the catch-up poller: transactions created after the
// checkpoint cursor, in insertion order.
func (s *PostgresStore) ListArrivals(ctx context.Context, after time.Time, afterID uuid.UUID, limit int) ([]models.Transaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE (created_at, id) > ($1, $2)
		ORDER BY created_at, id
		LIMIT $3`, after, afterID, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// LinkedTransactionIDs returns the ids of every transaction already linked
// to one of the user's patterns. Discovery treats them as consumed.
func (s *PostgresStore) LinkedTransactionIDs(ctx context.Context, userID uuid.UUID) (map[uuid.UUID]bool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT l.transaction_id
		FROM pattern_transaction_links l
		JOIN patterns p ON p.id = l.pattern_id
		WHERE p.user_id = $1`, userID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	linked := make(map[uuid.UUID]bool)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		linked[id] = true
	}
	return linked, rows.Err()
}

// TransactionLinked reports whether any pattern already consumed the
// transaction; redelivered matcher jobs use it to no-op.
func (s *PostgresStore) TransactionLinked(ctx context.Context, txID uuid.UUID) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM pattern_transaction_links WHERE transaction_id = $1)`, txID).Scan(&exists)
	return exists, classify(err)
}

// --- patterns ---

// ListPatterns returns a user's patterns. Without an explicit status filter,
// archived patterns stay hidden.
func (s *PostgresStore) ListPatterns(ctx context.Context, userID uuid.UUID, status *models.PatternStatus) ([]models.Pattern, error) {
	query := `SELECT ` + patternColumns + ` FROM patterns WHERE user_id = $1`
	args := []any{userID}
	if status != nil {
		query += ` AND status = $2`
		args = append(args, *status)
	} else {
		query += ` AND status <> 'archived'`
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []models.Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetPattern(ctx context.Context, id uuid.UUID) (models.Pattern, error) {
	p, err := scanPattern(s.pool.QueryRow(ctx,
		`SELECT `+patternColumns+` FROM patterns WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Pattern{}, fmt.Errorf("%w: pattern %s", models.ErrNotFound, id)
	}
	return p, classify(err)
}

func (s *PostgresStore) GetStreak(ctx context.Context, patternID uuid.UUID) (models.PatternStreak, error) {
	st, err := scanStreak(s.pool.QueryRow(ctx,
		`SELECT `+streakColumns+` FROM pattern_streaks WHERE pattern_id = $1`, patternID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.PatternStreak{}, fmt.Errorf("%w: streak for pattern %s", models.ErrNotFound, patternID)
	}
	return st, classify(err)
}

// UpdatePatternStatus applies a user action (pause, resume, archive). The
// user id scoping doubles as the ownership check.
func (s *PostgresStore) UpdatePatternStatus(ctx context.Context, patternID, userID uuid.UUID, status models.PatternStatus) (models.Pattern, error) {
	p, err := scanPattern(s.pool.QueryRow(ctx, `
		UPDATE patterns SET status = $3, last_evaluated_at = now()
		WHERE id = $1 AND user_id = $2
		RETURNING `+patternColumns, patternID, userID, status))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Pattern{}, fmt.Errorf("%w: pattern %s", models.ErrNotFound, patternID)
	}
	return p, classify(err)
}

// DeletePattern removes a pattern and, via cascade, its streak, obligations
// and links.
func (s *PostgresStore) DeletePattern(ctx context.Context, patternID, userID uuid.UUID) error {
	ct, err := s.pool.Exec(ctx,
		`DELETE FROM patterns WHERE id = $1 AND user_id = $2`, patternID, userID)
	if err != nil {
		return classify(err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: pattern %s", models.ErrNotFound, patternID)
	}
	return nil
}

// SetExplanation stores the advisory annotation. Best-effort by contract:
// callers log failures and move on.
func (s *PostgresStore) SetExplanation(ctx context.Context, patternID uuid.UUID, text string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE patterns SET explanation = $2 WHERE id = $1`, patternID, text)
	return classify(err)
}

// --- obligations ---

// ObligationQuery narrows ListObligations.
type ObligationQuery struct {
	Status *models.ObligationStatus
	From   *time.Time
	To     *time.Time
	Limit  int
}

func (s *PostgresStore) ListObligations(ctx context.Context, patternID uuid.UUID, q ObligationQuery) ([]models.Obligation, error) {
	query := `SELECT ` + obligationColumns + ` FROM obligations WHERE pattern_id = $1`
	args := []any{patternID}
	idx := 2
	if q.Status != nil {
		query += fmt.Sprintf(` AND status = $%d`, idx)
		args = append(args, *q.Status)
		idx++
	}
	if q.From != nil {
		query += fmt.Sprintf(` AND expected_date >= $%d`, idx)
		args = append(args, *q.From)
		idx++
	}
	if q.To != nil {
		query += fmt.Sprintf(` AND expected_date <= $%d`, idx)
		args = append(args, *q.To)
		idx++
	}
	query += ` ORDER BY expected_date DESC, created_at DESC`
	if q.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, idx)
		args = append(args, q.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []models.Obligation
	for rows.Next() {
		o, err := scanObligation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ListUpcoming returns the user's pending obligations due within the window,
// overdue ones included, soonest first.
func (s *PostgresStore) ListUpcoming(ctx context.Context, userID uuid.UUID, days int) ([]models.Obligation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT o.id, o.pattern_id, o.expected_date, o.tolerance_days, o.expected_min_amount,
			o.expected_max_amount, o.status, o.fulfilled_by_transaction_id, o.fulfilled_at,
			o.days_early, o.created_at
		FROM obligations o
		JOIN patterns p ON p.id = o.pattern_id
		WHERE p.user_id = $1
		  AND p.status <> 'archived'
		  AND o.status = 'expected'
		  AND o.expected_date <= CURRENT_DATE + $2::int
		ORDER BY o.expected_date, o.id`, userID, days)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []models.Obligation
	for rows.Next() {
		o, err := scanObligation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// --- discovery persistence ---

// PatternResult is one upsert outcome returned to the discovery caller.
type PatternResult struct {
	Pattern models.Pattern `json:"pattern"`
	Created bool           `json:"created"`
}

// PersistCandidates applies every accepted candidate of a discovery run in a
// single transaction. The per-user advisory lock is transaction-scoped, so
// concurrent runs for one user queue up behind each other and a cancelled
// run leaves no partial state. Fill order per pattern: pattern row, streak,
// links, first obligation.
func (s *PostgresStore) PersistCandidates(ctx context.Context, userID uuid.UUID, cands []models.PatternCandidate) ([]PatternResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, models.UserLockKey(userID)); err != nil {
		return nil, classify(err)
	}

	results := make([]PatternResult, 0, len(cands))
	for _, cand := range cands {
		res, err := upsertCandidate(ctx, tx, cand)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, classify(err)
	}
	return results, nil
}

// upsertCandidate is idempotent on the natural key (series key plus amount
// band plus day window). A re-run updates the matched pattern in place: same
// id, detection_version+1, streak untouched, links only ever added.
func upsertCandidate(ctx context.Context, tx pgx.Tx, cand models.PatternCandidate) (PatternResult, error) {
	rows, err := tx.Query(ctx, `
		SELECT `+patternColumns+` FROM patterns
		WHERE user_id = $1 AND payee_id = $2 AND direction = $3 AND currency_id = $4
		  AND status <> 'archived'
		ORDER BY id
		FOR UPDATE`,
		cand.Key.UserID, cand.Key.PayeeID, cand.Key.Direction, cand.Key.CurrencyID)
	if err != nil {
		return PatternResult{}, classify(err)
	}
	var existing []models.Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			rows.Close()
			return PatternResult{}, err
		}
		existing = append(existing, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return PatternResult{}, classify(err)
	}

	for _, p := range existing {
		if !naturalKeyMatch(cand, p) {
			continue
		}
		updated, err := scanPattern(tx.QueryRow(ctx, `
			UPDATE patterns SET
				interval_days = $2, pattern_case = $3, amount_behavior = $4,
				representative_amount = $5, amount_min = $6, amount_max = $7,
				day_of_month_hint = $8, confidence = $9,
				detection_version = detection_version + 1, last_evaluated_at = now()
			WHERE id = $1
			RETURNING `+patternColumns,
			p.ID, cand.IntervalDays, cand.Case, cand.AmountBehavior,
			cand.RepresentativeAmount, cand.AmountMin, cand.AmountMax,
			cand.DayOfMonthHint, cand.Confidence))
		if err != nil {
			return PatternResult{}, classify(err)
		}
		if err := insertLinks(ctx, tx, updated.ID, cand.TransactionIDs); err != nil {
			return PatternResult{}, err
		}
		return PatternResult{Pattern: updated, Created: false}, nil
	}

	created, err := scanPattern(tx.QueryRow(ctx, `
		INSERT INTO patterns (id, user_id, payee_id, direction, currency_id, interval_days,
			pattern_case, amount_behavior, representative_amount, amount_min, amount_max,
			day_of_month_hint, status, confidence, detection_version, last_evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 'active', $13, 1, now())
		RETURNING `+patternColumns,
		uuid.New(), cand.Key.UserID, cand.Key.PayeeID, cand.Key.Direction, cand.Key.CurrencyID,
		cand.IntervalDays, cand.Case, cand.AmountBehavior, cand.RepresentativeAmount,
		cand.AmountMin, cand.AmountMax, cand.DayOfMonthHint, cand.Confidence))
	if err != nil {
		return PatternResult{}, classify(err)
	}

	n := cand.Size()
	if _, err := tx.Exec(ctx, `
		INSERT INTO pattern_streaks (pattern_id, current_streak, longest_streak, missed_count,
			last_actual_date, confidence_multiplier)
		VALUES ($1, $2, $3, 0, $4, 1.0)`,
		created.ID, n, n, cand.LastDate); err != nil {
		return PatternResult{}, classify(err)
	}

	if err := insertLinks(ctx, tx, created.ID, cand.TransactionIDs); err != nil {
		return PatternResult{}, err
	}

	seed := cand.FirstObligation
	if _, err := tx.Exec(ctx, `
		INSERT INTO obligations (id, pattern_id, expected_date, tolerance_days,
			expected_min_amount, expected_max_amount, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'expected')`,
		obligationID(seed), created.ID, seed.ExpectedDate, seed.ToleranceDays,
		seed.MinAmount, seed.MaxAmount); err != nil {
		return PatternResult{}, classify(err)
	}

	return PatternResult{Pattern: created, Created: true}, nil
}

// obligationID keeps a matcher-assigned id and mints one for seeds that
// arrive without.
func obligationID(seed models.ObligationSeed) uuid.UUID {
	if seed.ID != uuid.Nil {
		return seed.ID
	}
	return uuid.New()
}

func insertLinks(ctx context.Context, tx pgx.Tx, patternID uuid.UUID, txIDs []uuid.UUID) error {
	for _, txID := range txIDs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO pattern_transaction_links (pattern_id, transaction_id)
			VALUES ($1, $2)
			ON CONFLICT (pattern_id, transaction_id) DO NOTHING`, patternID, txID); err != nil {
			return classify(err)
		}
	}
	return nil
}

// naturalKeyMatch decides whether a candidate re-identifies an existing
// pattern: representative amount inside the existing band, day hints within
// a wrap-aware 5-day reach. Representative drift across runs is why this is
// a range test rather than an equality.
func naturalKeyMatch(cand models.PatternCandidate, p models.Pattern) bool {
	if cand.RepresentativeAmount.Sub(p.RepresentativeAmount).Abs().GreaterThan(p.BandTolerance()) {
		return false
	}
	switch {
	case cand.DayOfMonthHint == nil && p.DayOfMonthHint == nil:
		return true
	case cand.DayOfMonthHint == nil || p.DayOfMonthHint == nil:
		return false
	default:
		return models.CircularDayDistance(*cand.DayOfMonthHint, *p.DayOfMonthHint) <= 5
	}
}

// --- matcher support ---

// MatchSnapshot loads everything the matcher needs to decide a transaction
// under one key: matchable patterns with streaks, the single expected
// obligation per pattern (nil means the state needs repair), and the most
// recent inlier amounts for the next window estimate.
func (s *PostgresStore) MatchSnapshot(ctx context.Context, key models.PatternKey) ([]models.PatternMatchState, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+patternColumns+` FROM patterns
		WHERE user_id = $1 AND payee_id = $2 AND direction = $3 AND currency_id = $4
		  AND status IN ('active', 'paused', 'broken')
		ORDER BY id`,
		key.UserID, key.PayeeID, key.Direction, key.CurrencyID)
	if err != nil {
		return nil, classify(err)
	}
	var patterns []models.Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		patterns = append(patterns, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	states := make([]models.PatternMatchState, 0, len(patterns))
	for _, p := range patterns {
		st, err := s.GetStreak(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		state := models.PatternMatchState{Pattern: p, Streak: st}

		o, err := scanObligation(s.pool.QueryRow(ctx, `
			SELECT `+obligationColumns+` FROM obligations
			WHERE pattern_id = $1 AND status = 'expected'`, p.ID))
		switch {
		case err == nil:
			state.Expected = &o
		case errors.Is(err, pgx.ErrNoRows):
			// repair path: the matcher reconstructs the expectation
		default:
			return nil, classify(err)
		}

		recent, err := s.recentInlierAmounts(ctx, p)
		if err != nil {
			return nil, err
		}
		state.RecentAmounts = recent

		states = append(states, state)
	}
	return states, nil
}

// recentInlierAmounts returns up to the last three linked amounts inside the
// pattern's band, newest first.
func (s *PostgresStore) recentInlierAmounts(ctx context.Context, p models.Pattern) ([]decimal.Decimal, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT t.amount
		FROM pattern_transaction_links l
		JOIN transactions t ON t.id = l.transaction_id
		WHERE l.pattern_id = $1
		  AND abs(t.amount - $2::numeric) <= $3::numeric
		ORDER BY t.occurred_at DESC, t.id DESC
		LIMIT 3`, p.ID, p.RepresentativeAmount, p.BandTolerance())
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []decimal.Decimal
	for rows.Next() {
		var amt decimal.Decimal
		if err := rows.Scan(&amt); err != nil {
			return nil, err
		}
		out = append(out, amt)
	}
	return out, rows.Err()
}

// ApplyMatch executes a decided match result in one transaction. Every
// resolve is guarded on status = 'expected'; a guard miss means another
// writer got there first, the transaction aborts with Conflict, and the
// dispatcher retries on a fresh snapshot.
func (s *PostgresStore) ApplyMatch(ctx context.Context, res models.MatchResult) error {
	if res.Empty() {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classify(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Row locks serialise cross-process matchers on the same key.
	if _, err := tx.Exec(ctx, `
		SELECT id FROM patterns
		WHERE user_id = $1 AND payee_id = $2 AND direction = $3 AND currency_id = $4
		FOR UPDATE`,
		res.Key.UserID, res.Key.PayeeID, res.Key.Direction, res.Key.CurrencyID); err != nil {
		return classify(err)
	}

	for _, m := range res.Mutations {
		for _, op := range m.Ops {
			switch {
			case op.MarkMissed != nil:
				ct, err := tx.Exec(ctx, `
					UPDATE obligations SET status = 'missed'
					WHERE id = $1 AND status = 'expected'`, *op.MarkMissed)
				if err != nil {
					return classify(err)
				}
				if ct.RowsAffected() != 1 {
					return fmt.Errorf("%w: obligation %s no longer expected", models.ErrConflict, *op.MarkMissed)
				}
			case op.Fulfil != nil:
				ct, err := tx.Exec(ctx, `
					UPDATE obligations SET status = 'fulfilled',
						fulfilled_by_transaction_id = $2, fulfilled_at = now(), days_early = $3
					WHERE id = $1 AND status = 'expected'`,
					op.Fulfil.ObligationID, op.Fulfil.TransactionID, op.Fulfil.DaysEarly)
				if err != nil {
					return classify(err)
				}
				if ct.RowsAffected() != 1 {
					return fmt.Errorf("%w: obligation %s no longer expected", models.ErrConflict, op.Fulfil.ObligationID)
				}
			case op.Create != nil:
				seed := op.Create
				if _, err := tx.Exec(ctx, `
					INSERT INTO obligations (id, pattern_id, expected_date, tolerance_days,
						expected_min_amount, expected_max_amount, status)
					VALUES ($1, $2, $3, $4, $5, $6, 'expected')`,
					obligationID(*seed), seed.PatternID, seed.ExpectedDate, seed.ToleranceDays,
					seed.MinAmount, seed.MaxAmount); err != nil {
					return classify(err)
				}
			}
		}

		st := m.Streak
		if _, err := tx.Exec(ctx, `
			UPDATE pattern_streaks SET current_streak = $2, longest_streak = $3, missed_count = $4,
				last_actual_date = $5, last_expected_date = $6, confidence_multiplier = $7
			WHERE pattern_id = $1`,
			m.PatternID, st.CurrentStreak, st.LongestStreak, st.MissedCount,
			st.LastActualDate, st.LastExpectedDate, st.ConfidenceMultiplier); err != nil {
			return classify(err)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE patterns SET status = $2, last_evaluated_at = now()
			WHERE id = $1`, m.PatternID, m.Status); err != nil {
			return classify(err)
		}

		if m.Linked {
			if _, err := tx.Exec(ctx, `
				INSERT INTO pattern_transaction_links (pattern_id, transaction_id)
				VALUES ($1, $2)
				ON CONFLICT (pattern_id, transaction_id) DO NOTHING`,
				m.PatternID, res.TransactionID); err != nil {
				return classify(err)
			}
		}
	}

	return classify(tx.Commit(ctx))
}

// --- poller checkpoint ---

// LoadCheckpoint returns the poller cursor; zero values mean a fresh start.
func (s *PostgresStore) LoadCheckpoint(ctx context.Context) (time.Time, uuid.UUID, error) {
	var at time.Time
	var id uuid.UUID
	err := s.pool.QueryRow(ctx,
		`SELECT last_created_at, last_transaction_id FROM matcher_checkpoint WHERE id = 1`).Scan(&at, &id)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, uuid.Nil, nil
	}
	return at, id, classify(err)
}

func (s *PostgresStore) SaveCheckpoint(ctx context.Context, at time.Time, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO matcher_checkpoint (id, last_created_at, last_transaction_id)
		VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE
		SET last_created_at = EXCLUDED.last_created_at,
		    last_transaction_id = EXCLUDED.last_transaction_id`, at, id)
	return classify(err)
}

// --- dead letters ---

func (s *PostgresStore) RecordDeadLetter(ctx context.Context, dl models.DeadLetter) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dead_letters (transaction_id, attempts, last_error)
		VALUES ($1, $2, $3)`, dl.TransactionID, dl.Attempts, dl.LastError)
	return classify(err)
}

func (s *PostgresStore) ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetter, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, transaction_id, attempts, last_error, created_at
		FROM dead_letters
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []models.DeadLetter
	for rows.Next() {
		var dl models.DeadLetter
		if err := rows.Scan(&dl.ID, &dl.TransactionID, &dl.Attempts, &dl.LastError, &dl.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}
