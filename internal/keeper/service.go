// Package keeper settles the signer's own orders once their token allows it:
// settle_filled as seller while the settlement window is open, and
// settle_cancelled as buyer after it has closed.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/coldbell/premarket/internal/config"
	"github.com/coldbell/premarket/internal/indexer"
	"github.com/coldbell/premarket/pkg/premarket"
	"github.com/coldbell/premarket/pkg/tokencache"
)

var errSkipOrder = errors.New("skip order")

type action int

const (
	actionNone action = iota
	actionSettleFilled
	actionSettleCancelled
)

func (a action) String() string {
	switch a {
	case actionSettleFilled:
		return "settle_filled"
	case actionSettleCancelled:
		return "settle_cancelled"
	default:
		return "none"
	}
}

// orderSource is the slice of indexer.Store the keeper reads open orders from.
type orderSource interface {
	ListOrders(ctx context.Context, filter indexer.OrderFilter) ([]indexer.OrderRecord, int, int, error)
	Close() error
}

type Service struct {
	cfg     config.KeeperConfig
	store   orderSource
	markets []premarket.Market
	now     func() time.Time
	logger  *slog.Logger
}

func New(cfg config.KeeperConfig, logger *slog.Logger) (*Service, error) {
	store, err := indexer.NewStore(cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var markets []premarket.Market
	for _, chainCfg := range signingConfigs(cfg.Chains, logger) {
		market, err := premarket.Dial(dialCtx, chainCfg)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("dial %s: %w", chainCfg.Chain, err)
		}
		markets = append(markets, market)
	}
	return newService(cfg, store, markets, logger), nil
}

func newService(cfg config.KeeperConfig, store orderSource, markets []premarket.Market, logger *slog.Logger) *Service {
	return &Service{
		cfg:     cfg,
		store:   store,
		markets: markets,
		now:     time.Now,
		logger:  logger,
	}
}

func signingConfigs(chains config.ChainsConfig, logger *slog.Logger) []premarket.Config {
	out := indexer.DialConfigs(chains, tokencache.NewMemory(), logger)
	for i := range out {
		switch out[i].Chain {
		case premarket.ChainEVM:
			out[i].EVM.PrivateKey = chains.EVM.PrivateKey
		case premarket.ChainSolana:
			out[i].Solana.KeypairPath = chains.Solana.KeypairPath
		}
	}
	return out
}

func (s *Service) Run(ctx context.Context) error {
	defer func() {
		if err := s.store.Close(); err != nil {
			s.logger.Error("failed to close store", "err", err)
		}
	}()

	for _, market := range s.markets {
		s.logger.Info("keeper started",
			"chain", market.Chain(),
			"signer", market.Signer(),
			"order_page_size", s.cfg.OrderPageSize,
		)
	}

	s.tickAll(ctx)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("keeper stopped")
			return nil
		case <-ticker.C:
			s.tickAll(ctx)
		}
	}
}

func (s *Service) tickAll(ctx context.Context) {
	for _, market := range s.markets {
		if err := s.tick(ctx, market); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("keeper tick failed", "chain", market.Chain(), "err", err)
		}
	}
}

// tick walks every open order of the signer by ascending id, one page at a
// time, so skipped orders never hide older ones.
func (s *Service) tick(ctx context.Context, market premarket.Market) error {
	signer := market.Signer()
	tokens := make(map[uint64]*premarket.Token)
	seen, settled, skipped, failed := 0, 0, 0, 0

	var fromID uint64
	for {
		cursor := fromID
		page, limit, _, err := s.store.ListOrders(ctx, indexer.OrderFilter{
			Chain:  market.Chain(),
			Party:  signer,
			Status: premarket.OrderStatusOpen,
			FromID: &cursor,
			Limit:  s.cfg.OrderPageSize,
		})
		if err != nil {
			return fmt.Errorf("list open orders from %d: %w", fromID, err)
		}

		for _, candidate := range page {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			seen++

			err := s.processOrder(ctx, market, signer, &candidate.Order, tokens)
			switch {
			case err == nil:
				settled++
			case errors.Is(err, errSkipOrder):
				skipped++
				s.logger.Debug("order skipped", "chain", market.Chain(), "order", candidate.ID, "reason", err)
			default:
				failed++
				s.logger.Warn("order settlement failed", "chain", market.Chain(), "order", candidate.ID, "err", err)
			}
		}

		if len(page) == 0 || len(page) < limit || page[len(page)-1].ID == math.MaxUint64 {
			break
		}
		fromID = page[len(page)-1].ID + 1
	}

	if seen > 0 {
		s.logger.Info("keeper tick complete",
			"chain", market.Chain(),
			"open_orders", seen,
			"settled", settled,
			"skipped", skipped,
			"failed", failed,
		)
	}
	return nil
}

// processOrder settles one order. tokens caches tokens by offer id for the tick.
func (s *Service) processOrder(
	ctx context.Context,
	market premarket.Market,
	signer string,
	order *premarket.Order,
	tokens map[uint64]*premarket.Token,
) error {
	token, ok := tokens[order.OfferID]
	if !ok {
		offer, err := market.GetOffer(ctx, order.OfferID)
		if err != nil {
			return fmt.Errorf("load offer %d: %w", order.OfferID, err)
		}
		if token, err = market.GetToken(ctx, offer.TokenID); err != nil {
			return fmt.Errorf("load token %s: %w", offer.TokenID, err)
		}
		tokens[order.OfferID] = token
	}

	act := nextAction(order, token, signer, s.now())
	if act == actionNone {
		return fmt.Errorf("%w: nothing to do for token status %s", errSkipOrder, token.Status)
	}

	params := premarket.SettleParams{Sender: signer, OrderID: order.ID}
	var bundle *premarket.TxBundle
	var err error
	if act == actionSettleFilled {
		bundle, err = market.SettleFilled(ctx, params)
	} else {
		bundle, err = market.SettleCancelled(ctx, params)
	}
	if err != nil {
		// chain time disagrees with the local clock; retry next tick
		if errors.Is(err, premarket.ErrSettleWindowOpen) || errors.Is(err, premarket.ErrSettleWindowClosed) {
			return fmt.Errorf("%w: %v", errSkipOrder, err)
		}
		return fmt.Errorf("build %s: %w", act, err)
	}

	result, err := market.Submit(ctx, bundle)
	if err != nil {
		return fmt.Errorf("submit %s: %w", act, err)
	}
	s.logger.Info("order settled",
		"chain", market.Chain(),
		"order", order.ID,
		"action", act.String(),
		"deposit", bundle.Deposit.String(),
		"deposit_token", bundle.DepositToken,
		"tx_ids", result.TxIDs,
	)
	return nil
}

// nextAction picks what signer can do with order right now. Both sides need
// the token to be settling: sellers deliver while the window is open and
// buyers reclaim once it has passed.
func nextAction(order *premarket.Order, token *premarket.Token, signer string, now time.Time) action {
	if order.Status != premarket.OrderStatusOpen || token.SettleTime.IsZero() || token.Status != premarket.TokenStatusSettling {
		return actionNone
	}
	deadline := token.SettleDeadline()

	switch {
	case sameAccount(order.Seller, signer):
		if !now.Before(token.SettleTime) && !now.After(deadline) {
			return actionSettleFilled
		}
	case sameAccount(order.Buyer, signer):
		if now.After(deadline) {
			return actionSettleCancelled
		}
	}
	return actionNone
}

// sameAccount compares EVM hex case-insensitively and base58 keys exactly.
func sameAccount(a, b string) bool {
	if strings.HasPrefix(a, "0x") || strings.HasPrefix(b, "0x") {
		return strings.EqualFold(a, b)
	}
	return a == b
}
