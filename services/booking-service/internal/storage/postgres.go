package storage

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/md-rashed-zaman/noflake/libs/db"
	"github.com/md-rashed-zaman/noflake/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/noflake/services/booking-service/internal/outbox"
)

//go:embed schema.sql
var Schema string

// Postgres is the production Store. Transactional reads use SELECT ... FOR
// UPDATE so that status checks and the writes that depend on them commit
// together.
type Postgres struct {
	pool   *db.Pool
	outbox *outbox.Repository
}

func NewPostgres(pool *db.Pool, outboxRepo *outbox.Repository) *Postgres {
	return &Postgres{pool: pool, outbox: outboxRepo}
}

func (p *Postgres) Migrate(ctx context.Context) error {
	return p.pool.ApplySchema(ctx, Schema)
}

func (p *Postgres) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return p.pool.WithTx(ctx, func(tx pgx.Tx) error {
		return fn(ctx, &postgresTx{tx: tx, outbox: p.outbox})
	})
}

const bookingColumns = `
	id, provider_id, service_id, COALESCE(slot_id, ''), customer_wallet,
	start_time, end_time, deposit_amount_usdc, status, COALESCE(outcome, ''),
	cancel_deadline, decision_deadline, COALESCE(settlement_status, ''),
	COALESCE(settlement_session_id, ''), COALESCE(settlement_tx_hash, ''),
	COALESCE(settlement_error, ''), audit_hash, created_at, updated_at`

func scanBooking(row pgx.Row) (model.Booking, error) {
	var b model.Booking
	var status, outcome, settlement string
	err := row.Scan(
		&b.ID,
		&b.ProviderID,
		&b.ServiceID,
		&b.SlotID,
		&b.CustomerWallet,
		&b.StartTime,
		&b.EndTime,
		&b.DepositAmount,
		&status,
		&outcome,
		&b.CancelDeadline,
		&b.DecisionDeadline,
		&settlement,
		&b.SettlementSessionID,
		&b.SettlementTxHash,
		&b.SettlementError,
		&b.AuditHash,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	if err != nil {
		return model.Booking{}, mapErr(err)
	}
	b.Status = model.BookingStatus(status)
	b.Outcome = model.Outcome(outcome)
	b.SettlementStatus = model.SettlementStatus(settlement)
	return b, nil
}

func (p *Postgres) Booking(ctx context.Context, id string) (model.Booking, error) {
	return scanBooking(p.pool.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id))
}

func (p *Postgres) ListBookings(ctx context.Context, filter model.BookingFilter) ([]model.Booking, error) {
	limit := clampLimit(filter.Limit, 50, 200)
	rows, err := p.pool.Query(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE ($1::text = '' OR provider_id = $1)
			AND ($2::text = '' OR customer_wallet = $2)
		ORDER BY start_time ASC
		LIMIT $3
	`, filter.ProviderID, filter.CustomerWallet, limit)
	if err != nil {
		return nil, err
	}
	return collectBookings(rows)
}

func collectBookings(rows pgx.Rows) ([]model.Booking, error) {
	defer rows.Close()
	var out []model.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func (p *Postgres) Service(ctx context.Context, id string) (model.Service, error) {
	var s model.Service
	var rule []byte
	err := p.pool.QueryRow(ctx, `
		SELECT id, provider_id, name, duration_minutes, price_usdc, deposit_rule, created_at, updated_at
		FROM services
		WHERE id = $1
	`, id).Scan(&s.ID, &s.ProviderID, &s.Name, &s.DurationMinutes, &s.PriceUSDC, &rule, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return model.Service{}, mapErr(err)
	}
	if len(rule) > 0 {
		s.DepositRule = &model.DepositRule{}
		if err := json.Unmarshal(rule, s.DepositRule); err != nil {
			return model.Service{}, fmt.Errorf("decode deposit rule for service %s: %w", id, err)
		}
	}
	return s, nil
}

func (p *Postgres) Provider(ctx context.Context, id string) (model.Provider, error) {
	var pr model.Provider
	err := p.pool.QueryRow(ctx, `
		SELECT id, name, wallet_address, created_at, updated_at
		FROM providers
		WHERE id = $1
	`, id).Scan(&pr.ID, &pr.Name, &pr.WalletAddress, &pr.CreatedAt, &pr.UpdatedAt)
	if err != nil {
		return model.Provider{}, mapErr(err)
	}
	return pr, nil
}

func (p *Postgres) ListOpenSlots(ctx context.Context, providerID string, limit int) ([]model.Slot, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, provider_id, service_id, start_time, end_time, status, created_at, updated_at
		FROM slots
		WHERE provider_id = $1 AND status = 'open'
		ORDER BY start_time ASC
		LIMIT $2
	`, providerID, clampLimit(limit, 50, 200))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func (p *Postgres) PatchSettlement(ctx context.Context, bookingID string, patch model.SettlementPatch) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE bookings
		SET settlement_status = COALESCE(NULLIF($2::text, ''), settlement_status),
			settlement_session_id = COALESCE(NULLIF($3::text, ''), settlement_session_id),
			settlement_tx_hash = COALESCE(NULLIF($4::text, ''), settlement_tx_hash),
			settlement_error = COALESCE(NULLIF($5::text, ''), settlement_error)
		WHERE id = $1
	`, bookingID, string(patch.Status), patch.SessionID, patch.TxHash, patch.Error)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSlot(row pgx.Row) (model.Slot, error) {
	var s model.Slot
	var status string
	if err := row.Scan(&s.ID, &s.ProviderID, &s.ServiceID, &s.StartTime, &s.EndTime, &status, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return model.Slot{}, mapErr(err)
	}
	s.Status = model.SlotStatus(status)
	return s, nil
}

type postgresTx struct {
	tx     pgx.Tx
	outbox *outbox.Repository
}

func (t *postgresTx) Booking(ctx context.Context, id string) (model.Booking, error) {
	return scanBooking(t.tx.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1 FOR UPDATE`, id))
}

func (t *postgresTx) Slot(ctx context.Context, id string) (model.Slot, error) {
	return scanSlot(t.tx.QueryRow(ctx, `
		SELECT id, provider_id, service_id, start_time, end_time, status, created_at, updated_at
		FROM slots
		WHERE id = $1
		FOR UPDATE
	`, id))
}

func (t *postgresTx) ExpiredBookings(ctx context.Context, now time.Time, limit int) ([]model.Booking, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE status = 'confirmed' AND decision_deadline <= $1
		ORDER BY decision_deadline ASC, id ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, now, limit)
	if err != nil {
		return nil, err
	}
	return collectBookings(rows)
}

func (t *postgresTx) ProviderSlots(ctx context.Context, providerID string, from, to time.Time) ([]model.Slot, error) {
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "slots:"+providerID); err != nil {
		return nil, err
	}
	rows, err := t.tx.Query(ctx, `
		SELECT id, provider_id, service_id, start_time, end_time, status, created_at, updated_at
		FROM slots
		WHERE provider_id = $1 AND start_time < $3 AND end_time > $2
		ORDER BY start_time ASC
	`, providerID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (t *postgresTx) InsertBooking(ctx context.Context, b model.Booking) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO bookings (
			id, provider_id, service_id, slot_id, customer_wallet, start_time, end_time,
			deposit_amount_usdc, status, outcome, cancel_deadline, decision_deadline,
			settlement_status, audit_hash, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4::text, ''), $5, $6, $7, $8, $9, NULLIF($10::text, ''), $11, $12, NULLIF($13::text, ''), $14, $15, $16)
	`, b.ID, b.ProviderID, b.ServiceID, b.SlotID, b.CustomerWallet, b.StartTime, b.EndTime,
		b.DepositAmount, string(b.Status), string(b.Outcome), b.CancelDeadline, b.DecisionDeadline,
		string(b.SettlementStatus), b.AuditHash, b.CreatedAt, b.UpdatedAt)
	return mapErr(err)
}

// UpdateBooking writes the lifecycle fields. Settlement fields are owned by
// PatchSettlement and are never overwritten here.
func (t *postgresTx) UpdateBooking(ctx context.Context, b model.Booking) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE bookings
		SET status = $2,
			outcome = NULLIF($3::text, ''),
			audit_hash = $4,
			updated_at = $5
		WHERE id = $1
	`, b.ID, string(b.Status), string(b.Outcome), b.AuditHash, b.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *postgresTx) InsertSlot(ctx context.Context, s model.Slot) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO slots (id, provider_id, service_id, start_time, end_time, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, s.ID, s.ProviderID, s.ServiceID, s.StartTime, s.EndTime, string(s.Status), s.CreatedAt, s.UpdatedAt)
	return mapErr(err)
}

func (t *postgresTx) UpdateSlot(ctx context.Context, s model.Slot) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE slots SET status = $2, updated_at = $3 WHERE id = $1
	`, s.ID, string(s.Status), s.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *postgresTx) InsertService(ctx context.Context, s model.Service) error {
	var rule []byte
	if s.DepositRule != nil {
		raw, err := json.Marshal(s.DepositRule)
		if err != nil {
			return err
		}
		rule = raw
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO services (id, provider_id, name, duration_minutes, price_usdc, deposit_rule, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, s.ID, s.ProviderID, s.Name, s.DurationMinutes, s.PriceUSDC, rule, s.CreatedAt, s.UpdatedAt)
	return mapErr(err)
}

func (t *postgresTx) UpsertProvider(ctx context.Context, p model.Provider) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO providers (id, name, wallet_address, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id)
		DO UPDATE SET name = EXCLUDED.name,
		              wallet_address = EXCLUDED.wallet_address,
		              updated_at = EXCLUDED.updated_at
	`, p.ID, p.Name, p.WalletAddress, p.CreatedAt, p.UpdatedAt)
	return err
}

func (t *postgresTx) AppendEvent(ctx context.Context, evt outbox.Event) error {
	return t.outbox.Insert(ctx, t.tx, evt)
}

func (t *postgresTx) LockIdempotencyKey(ctx context.Context, customerWallet, key string) (IdempotencyRecord, bool, error) {
	rec, err := t.selectIdempotencyForUpdate(ctx, customerWallet, key)
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return IdempotencyRecord{}, false, err
	}

	// A concurrent create under the same key blocks here until it commits.
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO booking_idempotency_keys (customer_wallet, idempotency_key)
		VALUES ($1, $2)
		ON CONFLICT (customer_wallet, idempotency_key) DO NOTHING
	`, customerWallet, key)
	if err != nil {
		return IdempotencyRecord{}, false, err
	}
	rec, err = t.selectIdempotencyForUpdate(ctx, customerWallet, key)
	if err != nil {
		return IdempotencyRecord{}, false, mapErr(err)
	}
	return rec, tag.RowsAffected() == 0, nil
}

func (t *postgresTx) FinalizeIdempotency(ctx context.Context, rec IdempotencyRecord) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE booking_idempotency_keys
		SET booking_id = $3,
			audit_hash = $4,
			updated_at = now()
		WHERE customer_wallet = $1 AND idempotency_key = $2
	`, rec.CustomerWallet, rec.Key, rec.BookingID, rec.AuditHash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *postgresTx) selectIdempotencyForUpdate(ctx context.Context, customerWallet, key string) (IdempotencyRecord, error) {
	var rec IdempotencyRecord
	err := t.tx.QueryRow(ctx, `
		SELECT customer_wallet, idempotency_key, COALESCE(booking_id, ''), COALESCE(audit_hash, '')
		FROM booking_idempotency_keys
		WHERE customer_wallet = $1 AND idempotency_key = $2
		FOR UPDATE
	`, customerWallet, key).Scan(&rec.CustomerWallet, &rec.Key, &rec.BookingID, &rec.AuditHash)
	return rec, err
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
	}
	return err
}
