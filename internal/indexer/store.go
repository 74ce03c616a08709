package indexer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/coldbell/premarket/pkg/premarket"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Store struct {
	db *DB
}

type DB struct {
	raw *sql.DB
}

type Tx struct {
	raw *sql.Tx
}

func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.raw.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.raw.QueryContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.raw.QueryRowContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	tx, err := db.raw.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{raw: tx}, nil
}

func (db *DB) Close() error {
	return db.raw.Close()
}

func (tx *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return tx.raw.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return tx.raw.QueryRowContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) Commit() error {
	return tx.raw.Commit()
}

func (tx *Tx) Rollback() error {
	return tx.raw.Rollback()
}

// rebindPostgresPlaceholders turns ? into $1, $2, ... outside quoted literals.
func rebindPostgresPlaceholders(query string) string {
	var out strings.Builder
	out.Grow(len(query) + 16)

	arg := 1
	quoted := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		switch {
		case ch == '\'':
			out.WriteByte(ch)
			if quoted && i+1 < len(query) && query[i+1] == '\'' {
				out.WriteByte('\'')
				i++
				continue
			}
			quoted = !quoted
		case ch == '?' && !quoted:
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(arg))
			arg++
		default:
			out.WriteByte(ch)
		}
	}
	return out.String()
}

func NewStore(dbDSN string) (*Store, error) {
	db, err := sql.Open("pgx", dbDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetConnMaxIdleTime(30 * time.Second)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(16)

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &Store{db: &DB{raw: db}}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS sync_state (
			chain TEXT PRIMARY KEY,
			last_offer_id BIGINT NOT NULL,
			last_order_id BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS premarket_configs (
			chain TEXT PRIMARY KEY,
			pledge_rate TEXT NOT NULL,
			fee_refund TEXT NOT NULL,
			fee_settle TEXT NOT NULL,
			fee_wallet TEXT NOT NULL,
			raw_json TEXT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS premarket_offers (
			chain TEXT NOT NULL,
			id BIGINT NOT NULL,
			address TEXT NOT NULL,
			offer_type TEXT NOT NULL,
			token_id TEXT NOT NULL,
			ex_token TEXT NOT NULL,
			ex_token_decimals INTEGER NOT NULL,
			amount TEXT NOT NULL,
			value TEXT NOT NULL,
			collateral TEXT NOT NULL,
			filled_amount TEXT NOT NULL,
			status TEXT NOT NULL,
			offered_by TEXT NOT NULL,
			full_match BOOLEAN NOT NULL,
			raw_json TEXT NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (chain, id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_premarket_offers_token_status ON premarket_offers(chain, token_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_premarket_offers_owner ON premarket_offers(offered_by);`,
		`CREATE INDEX IF NOT EXISTS idx_premarket_offers_updated ON premarket_offers(updated_at);`,
		`CREATE TABLE IF NOT EXISTS premarket_orders (
			chain TEXT NOT NULL,
			id BIGINT NOT NULL,
			address TEXT NOT NULL,
			offer_id BIGINT NOT NULL,
			amount TEXT NOT NULL,
			seller TEXT NOT NULL,
			buyer TEXT NOT NULL,
			status TEXT NOT NULL,
			raw_json TEXT NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (chain, id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_premarket_orders_offer ON premarket_orders(chain, offer_id);`,
		`CREATE INDEX IF NOT EXISTS idx_premarket_orders_updated ON premarket_orders(updated_at);`,
		`CREATE TABLE IF NOT EXISTS premarket_tokens (
			chain TEXT NOT NULL,
			token_id TEXT NOT NULL,
			address TEXT NOT NULL,
			token TEXT NOT NULL,
			settle_time BIGINT NOT NULL,
			settle_duration BIGINT NOT NULL,
			settle_rate TEXT NOT NULL,
			status TEXT NOT NULL,
			raw_json TEXT NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (chain, token_id)
		);`,
	}

	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// SyncState is the highest offer and order id the indexer has seen per chain.
type SyncState struct {
	Chain       premarket.Chain
	LastOfferID uint64
	LastOrderID uint64
	UpdatedAt   int64
}

func (s *Store) GetSyncState(ctx context.Context, chain premarket.Chain) (SyncState, error) {
	state := SyncState{Chain: chain}
	var lastOffer, lastOrder int64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_offer_id, last_order_id, updated_at
		FROM sync_state
		WHERE chain = ?
	`, string(chain)).Scan(&lastOffer, &lastOrder, &state.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return state, nil
	}
	if err != nil {
		return SyncState{}, err
	}
	state.LastOfferID = uint64(lastOffer)
	state.LastOrderID = uint64(lastOrder)
	return state, nil
}

func (s *Store) UpsertSyncStateTx(ctx context.Context, tx *Tx, state SyncState) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_state (chain, last_offer_id, last_order_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (chain) DO UPDATE SET
			last_offer_id = excluded.last_offer_id,
			last_order_id = excluded.last_order_id,
			updated_at = excluded.updated_at
	`, string(state.Chain), int64(state.LastOfferID), int64(state.LastOrderID), state.UpdatedAt)
	return err
}

// The upserts below only bump updated_at when the stored json actually changes,
// so updated_at doubles as the change cursor for the websocket feed.

func (s *Store) UpsertConfigTx(ctx context.Context, tx *Tx, cfg *premarket.MarketConfig, updatedAt int64) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO premarket_configs (chain, pledge_rate, fee_refund, fee_settle, fee_wallet, raw_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (chain) DO UPDATE SET
			pledge_rate = excluded.pledge_rate,
			fee_refund = excluded.fee_refund,
			fee_settle = excluded.fee_settle,
			fee_wallet = excluded.fee_wallet,
			raw_json = excluded.raw_json,
			updated_at = excluded.updated_at
		WHERE premarket_configs.raw_json IS DISTINCT FROM excluded.raw_json
	`,
		string(cfg.Chain),
		cfg.PledgeRate.String(),
		cfg.FeeRefund.String(),
		cfg.FeeSettle.String(),
		cfg.FeeWallet,
		string(raw),
		updatedAt,
	)
	return err
}

func (s *Store) UpsertOfferTx(ctx context.Context, tx *Tx, offer *premarket.Offer, updatedAt int64) error {
	raw, err := json.Marshal(offer)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO premarket_offers (
			chain, id, address, offer_type, token_id, ex_token, ex_token_decimals,
			amount, value, collateral, filled_amount, status, offered_by, full_match,
			raw_json, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (chain, id) DO UPDATE SET
			address = excluded.address,
			offer_type = excluded.offer_type,
			token_id = excluded.token_id,
			ex_token = excluded.ex_token,
			ex_token_decimals = excluded.ex_token_decimals,
			amount = excluded.amount,
			value = excluded.value,
			collateral = excluded.collateral,
			filled_amount = excluded.filled_amount,
			status = excluded.status,
			offered_by = excluded.offered_by,
			full_match = excluded.full_match,
			raw_json = excluded.raw_json,
			updated_at = excluded.updated_at
		WHERE premarket_offers.raw_json IS DISTINCT FROM excluded.raw_json
	`,
		string(offer.Chain),
		int64(offer.ID),
		offer.Address,
		string(offer.Type),
		offer.TokenID,
		offer.ExToken,
		int(offer.ExTokenDecimals),
		offer.Amount.String(),
		offer.Value.String(),
		offer.Collateral.String(),
		offer.FilledAmount.String(),
		string(offer.Status),
		offer.OfferedBy,
		offer.FullMatch,
		string(raw),
		updatedAt,
	)
	return err
}

func (s *Store) UpsertOrderTx(ctx context.Context, tx *Tx, order *premarket.Order, updatedAt int64) error {
	raw, err := json.Marshal(order)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO premarket_orders (
			chain, id, address, offer_id, amount, seller, buyer, status, raw_json, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (chain, id) DO UPDATE SET
			address = excluded.address,
			offer_id = excluded.offer_id,
			amount = excluded.amount,
			seller = excluded.seller,
			buyer = excluded.buyer,
			status = excluded.status,
			raw_json = excluded.raw_json,
			updated_at = excluded.updated_at
		WHERE premarket_orders.raw_json IS DISTINCT FROM excluded.raw_json
	`,
		string(order.Chain),
		int64(order.ID),
		order.Address,
		int64(order.OfferID),
		order.Amount.String(),
		order.Seller,
		order.Buyer,
		string(order.Status),
		string(raw),
		updatedAt,
	)
	return err
}

func (s *Store) UpsertTokenTx(ctx context.Context, tx *Tx, token *premarket.Token, updatedAt int64) error {
	raw, err := json.Marshal(token)
	if err != nil {
		return err
	}
	var settleTime int64
	if !token.SettleTime.IsZero() {
		settleTime = token.SettleTime.Unix()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO premarket_tokens (
			chain, token_id, address, token, settle_time, settle_duration, settle_rate, status, raw_json, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (chain, token_id) DO UPDATE SET
			address = excluded.address,
			token = excluded.token,
			settle_time = excluded.settle_time,
			settle_duration = excluded.settle_duration,
			settle_rate = excluded.settle_rate,
			status = excluded.status,
			raw_json = excluded.raw_json,
			updated_at = excluded.updated_at
		WHERE premarket_tokens.raw_json IS DISTINCT FROM excluded.raw_json
	`,
		string(token.Chain),
		token.ID,
		token.Address,
		token.Token,
		settleTime,
		int64(token.SettleDuration/time.Second),
		token.SettleRate.String(),
		string(token.Status),
		string(raw),
		updatedAt,
	)
	return err
}

// PendingOfferIDs returns ids of offers that can still change on chain.
func (s *Store) PendingOfferIDs(ctx context.Context, chain premarket.Chain) ([]uint64, error) {
	return s.queryIDs(ctx, `
		SELECT id FROM premarket_offers
		WHERE chain = ? AND status = ?
		ORDER BY id ASC
	`, string(chain), string(premarket.OfferStatusOpen))
}

func (s *Store) PendingOrderIDs(ctx context.Context, chain premarket.Chain) ([]uint64, error) {
	return s.queryIDs(ctx, `
		SELECT id FROM premarket_orders
		WHERE chain = ? AND status = ?
		ORDER BY id ASC
	`, string(chain), string(premarket.OrderStatusOpen))
}

func (s *Store) KnownTokenIDs(ctx context.Context, chain premarket.Chain) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT token_id FROM premarket_offers WHERE chain = ?
		UNION
		SELECT token_id FROM premarket_tokens WHERE chain = ?
	`, string(chain), string(chain))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) queryIDs(ctx context.Context, query string, args ...any) ([]uint64, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []uint64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, uint64(id))
	}
	return out, rows.Err()
}
