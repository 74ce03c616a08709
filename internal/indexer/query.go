package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/coldbell/premarket/pkg/premarket"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

type OfferFilter struct {
	Chain     premarket.Chain
	TokenID   string
	Type      premarket.OfferType
	Status    premarket.OfferStatus
	OfferedBy string
	Limit     int
	Offset    int
}

type OfferRecord struct {
	premarket.Offer
	UpdatedAt int64 `json:"updated_at"`
}

type OrderFilter struct {
	Chain   premarket.Chain
	OfferID *uint64
	// Party matches either side of the order.
	Party  string
	Status premarket.OrderStatus
	// FromID, when set, keeps ids >= FromID and sorts oldest first, so callers
	// can page by id instead of offset.
	FromID *uint64
	Limit  int
	Offset int
}

type OrderRecord struct {
	premarket.Order
	UpdatedAt int64 `json:"updated_at"`
}

type TokenFilter struct {
	Chain  premarket.Chain
	Status premarket.TokenStatus
	Limit  int
	Offset int
}

type TokenRecord struct {
	premarket.Token
	UpdatedAt int64 `json:"updated_at"`
}

type ConfigRecord struct {
	premarket.MarketConfig
	UpdatedAt int64 `json:"updated_at"`
}

type whereBuilder struct {
	clauses []string
	args    []any
}

func newWhere() *whereBuilder {
	return &whereBuilder{clauses: []string{"1 = 1"}}
}

func (w *whereBuilder) eq(column string, value string) {
	if value == "" {
		return
	}
	w.clauses = append(w.clauses, column+" = ?")
	w.args = append(w.args, value)
}

func (w *whereBuilder) add(clause string, args ...any) {
	w.clauses = append(w.clauses, clause)
	w.args = append(w.args, args...)
}

func (w *whereBuilder) String() string {
	return strings.Join(w.clauses, " AND ")
}

func (s *Store) ListOffers(ctx context.Context, filter OfferFilter) ([]OfferRecord, int, int, error) {
	limit, offset := normalizePagination(filter.Limit, filter.Offset)
	where := newWhere()
	where.eq("chain", string(filter.Chain))
	where.eq("token_id", filter.TokenID)
	where.eq("offer_type", string(filter.Type))
	where.eq("status", string(filter.Status))
	where.eq("offered_by", filter.OfferedBy)

	query := fmt.Sprintf(`
		SELECT raw_json, updated_at
		FROM premarket_offers
		WHERE %s
		ORDER BY updated_at DESC, chain ASC, id DESC
		LIMIT ? OFFSET ?
	`, where)
	items, err := scanRecords(ctx, s, query, append(where.args, limit, offset), limit, decodeOffer)
	if err != nil {
		return nil, 0, 0, err
	}
	return items, limit, offset, nil
}

func (s *Store) ListOrders(ctx context.Context, filter OrderFilter) ([]OrderRecord, int, int, error) {
	limit, offset := normalizePagination(filter.Limit, filter.Offset)
	where := newWhere()
	where.eq("chain", string(filter.Chain))
	where.eq("status", string(filter.Status))
	if filter.OfferID != nil {
		where.add("offer_id = ?", int64(*filter.OfferID))
	}
	if filter.Party != "" {
		where.add("(seller = ? OR buyer = ?)", filter.Party, filter.Party)
	}
	orderBy := "updated_at DESC, chain ASC, id DESC"
	if filter.FromID != nil {
		where.add("id >= ?", int64(*filter.FromID))
		orderBy = "chain ASC, id ASC"
	}

	query := fmt.Sprintf(`
		SELECT raw_json, updated_at
		FROM premarket_orders
		WHERE %s
		ORDER BY %s
		LIMIT ? OFFSET ?
	`, where, orderBy)
	items, err := scanRecords(ctx, s, query, append(where.args, limit, offset), limit, decodeOrder)
	if err != nil {
		return nil, 0, 0, err
	}
	return items, limit, offset, nil
}

func (s *Store) ListTokens(ctx context.Context, filter TokenFilter) ([]TokenRecord, int, int, error) {
	limit, offset := normalizePagination(filter.Limit, filter.Offset)
	where := newWhere()
	where.eq("chain", string(filter.Chain))
	where.eq("status", string(filter.Status))

	query := fmt.Sprintf(`
		SELECT raw_json, updated_at
		FROM premarket_tokens
		WHERE %s
		ORDER BY chain ASC, settle_time ASC, token_id ASC
		LIMIT ? OFFSET ?
	`, where)
	items, err := scanRecords(ctx, s, query, append(where.args, limit, offset), limit, decodeToken)
	if err != nil {
		return nil, 0, 0, err
	}
	return items, limit, offset, nil
}

func (s *Store) ListConfigs(ctx context.Context) ([]ConfigRecord, error) {
	return scanRecords(ctx, s, `
		SELECT raw_json, updated_at
		FROM premarket_configs
		ORDER BY chain ASC
	`, nil, 2, decodeConfig)
}

// OfferChangesSince returns offers of chain updated after cursor, oldest first.
func (s *Store) OfferChangesSince(ctx context.Context, chain premarket.Chain, cursor int64, limit int) ([]OfferRecord, error) {
	limit, _ = normalizePagination(limit, 0)
	return scanRecords(ctx, s, `
		SELECT raw_json, updated_at
		FROM premarket_offers
		WHERE chain = ? AND updated_at > ?
		ORDER BY updated_at ASC, id ASC
		LIMIT ?
	`, []any{string(chain), cursor, limit}, limit, decodeOffer)
}

func (s *Store) OrderChangesSince(ctx context.Context, chain premarket.Chain, cursor int64, limit int) ([]OrderRecord, error) {
	limit, _ = normalizePagination(limit, 0)
	return scanRecords(ctx, s, `
		SELECT raw_json, updated_at
		FROM premarket_orders
		WHERE chain = ? AND updated_at > ?
		ORDER BY updated_at ASC, id ASC
		LIMIT ?
	`, []any{string(chain), cursor, limit}, limit, decodeOrder)
}

func decodeOffer(raw []byte, updatedAt int64) (OfferRecord, error) {
	rec := OfferRecord{UpdatedAt: updatedAt}
	if err := json.Unmarshal(raw, &rec.Offer); err != nil {
		return OfferRecord{}, err
	}
	return rec, nil
}

func decodeOrder(raw []byte, updatedAt int64) (OrderRecord, error) {
	rec := OrderRecord{UpdatedAt: updatedAt}
	if err := json.Unmarshal(raw, &rec.Order); err != nil {
		return OrderRecord{}, err
	}
	return rec, nil
}

func decodeToken(raw []byte, updatedAt int64) (TokenRecord, error) {
	rec := TokenRecord{UpdatedAt: updatedAt}
	if err := json.Unmarshal(raw, &rec.Token); err != nil {
		return TokenRecord{}, err
	}
	return rec, nil
}

func decodeConfig(raw []byte, updatedAt int64) (ConfigRecord, error) {
	rec := ConfigRecord{UpdatedAt: updatedAt}
	if err := json.Unmarshal(raw, &rec.MarketConfig); err != nil {
		return ConfigRecord{}, err
	}
	return rec, nil
}

func scanRecords[T any](
	ctx context.Context,
	s *Store,
	query string,
	args []any,
	capacity int,
	decode func(raw []byte, updatedAt int64) (T, error),
) ([]T, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]T, 0, capacity)
	for rows.Next() {
		var raw string
		var updatedAt int64
		if err := rows.Scan(&raw, &updatedAt); err != nil {
			return nil, err
		}
		item, err := decode([]byte(raw), updatedAt)
		if err != nil {
			return nil, fmt.Errorf("decode stored record: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func normalizePagination(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
