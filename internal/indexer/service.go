package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/coldbell/premarket/internal/config"
	"github.com/coldbell/premarket/pkg/premarket"
	"github.com/coldbell/premarket/pkg/tokencache"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

type Service struct {
	cfg     config.IndexerConfig
	store   *Store
	redis   *redis.Client
	syncers []*chainSyncer
	logger  *slog.Logger
}

func New(cfg config.IndexerConfig, logger *slog.Logger) (*Service, error) {
	store, err := NewStore(cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	svc := &Service{cfg: cfg, store: store, logger: logger}
	decimals, err := svc.decimalsCache()
	if err != nil {
		svc.close()
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, chainCfg := range DialConfigs(cfg.Chains, decimals, logger) {
		market, err := premarket.Dial(dialCtx, chainCfg)
		if err != nil {
			svc.close()
			return nil, fmt.Errorf("dial %s: %w", chainCfg.Chain, err)
		}
		svc.syncers = append(svc.syncers, newChainSyncer(market, syncOptions{
			batchSize:  cfg.BatchSize,
			rateLimit:  cfg.RPCRateLimit,
			burst:      cfg.RPCBurst,
			maxRetries: cfg.RPCMaxRetries,
			baseDelay:  cfg.RPCRetryBaseDelay,
			maxDelay:   cfg.RPCRetryMaxDelay,
		}, logger.With("chain", chainCfg.Chain)))
	}
	return svc, nil
}

func (s *Service) decimalsCache() (tokencache.Cache, error) {
	if s.cfg.RedisAddr == "" {
		return tokencache.NewMemory(), nil
	}
	s.redis = redis.NewClient(&redis.Options{
		Addr:     s.cfg.RedisAddr,
		Password: s.cfg.RedisPassword,
		DB:       s.cfg.RedisDB,
	})
	cache, err := tokencache.NewRedis(s.redis)
	if err != nil {
		return nil, fmt.Errorf("init decimals cache: %w", err)
	}
	return cache, nil
}

// DialConfigs turns the enabled chain sections into read-only dial configs.
// Signing keys are left out.
func DialConfigs(chains config.ChainsConfig, decimals tokencache.Cache, logger *slog.Logger) []premarket.Config {
	var out []premarket.Config
	if chains.EVM.Enabled {
		out = append(out, premarket.Config{
			Chain: premarket.ChainEVM,
			EVM: premarket.EVMConfig{
				RPCURL:           chains.EVM.RPCURL,
				ContractAddress:  chains.EVM.ContractAddress.Hex(),
				ChainID:          chains.EVM.ChainID,
				GasMarginPercent: chains.EVM.GasMarginPercent,
				ReceiptTimeout:   chains.EVM.ReceiptTimeout,
				ReceiptInterval:  chains.EVM.ReceiptInterval,
			},
			Decimals: decimals,
			Logger:   logger,
		})
	}
	if chains.Solana.Enabled {
		out = append(out, premarket.Config{
			Chain: premarket.ChainSolana,
			Solana: premarket.SolanaConfig{
				RPCURL:                        chains.Solana.RPCURL,
				ProgramID:                     chains.Solana.ProgramID.String(),
				Commitment:                    string(chains.Solana.Commitment),
				ComputeUnitLimit:              chains.Solana.ComputeUnitLimit,
				ComputeUnitPriceMicroLamports: chains.Solana.ComputeUnitPriceMicroLamports,
				SkipPreflight:                 chains.Solana.SkipPreflight,
				MaxRetries:                    chains.Solana.MaxRetries,
				TxTimeout:                     chains.Solana.TxTimeout,
				ConfirmInterval:               chains.Solana.ConfirmInterval,
			},
			Decimals: decimals,
			Logger:   logger,
		})
	}
	return out
}

func (s *Service) close() {
	if err := s.store.Close(); err != nil {
		s.logger.Error("failed to close store", "err", err)
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("failed to close redis", "err", err)
		}
	}
}

func (s *Service) Run(ctx context.Context) error {
	defer s.close()

	chains := make([]string, 0, len(s.syncers))
	for _, syncer := range s.syncers {
		chains = append(chains, string(syncer.market.Chain()))
	}
	s.logger.Info("indexer started",
		"chains", chains,
		"db_driver", "postgres",
		"poll_interval", s.cfg.PollInterval.String(),
		"batch_size", s.cfg.BatchSize,
		"decimals_cache", s.cacheKind(),
	)

	s.syncAll(ctx)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("indexer stopped")
			return nil
		case <-ticker.C:
			s.syncAll(ctx)
		}
	}
}

func (s *Service) cacheKind() string {
	if s.redis != nil {
		return "redis"
	}
	return "memory"
}

// syncAll syncs chains one after another; a failing chain does not hold back the others.
func (s *Service) syncAll(ctx context.Context) {
	for _, syncer := range s.syncers {
		if err := s.syncOnce(ctx, syncer); err != nil {
			if ctx.Err() != nil {
				return
			}
			syncer.logger.Error("sync failed", "err", err)
		}
	}
}

func (s *Service) syncOnce(ctx context.Context, syncer *chainSyncer) error {
	chain := syncer.market.Chain()
	state, err := s.store.GetSyncState(ctx, chain)
	if err != nil {
		return fmt.Errorf("load sync state: %w", err)
	}
	pendingOffers, err := s.store.PendingOfferIDs(ctx, chain)
	if err != nil {
		return fmt.Errorf("load pending offers: %w", err)
	}
	pendingOrders, err := s.store.PendingOrderIDs(ctx, chain)
	if err != nil {
		return fmt.Errorf("load pending orders: %w", err)
	}
	knownTokens, err := s.store.KnownTokenIDs(ctx, chain)
	if err != nil {
		return fmt.Errorf("load known tokens: %w", err)
	}

	snap, err := syncer.collect(ctx, state, pendingOffers, pendingOrders, knownTokens)
	if err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	err = s.store.WithTx(ctx, func(tx *Tx) error {
		if err := s.store.UpsertConfigTx(ctx, tx, snap.config, now); err != nil {
			return fmt.Errorf("upsert config: %w", err)
		}
		for _, offer := range snap.offers {
			if err := s.store.UpsertOfferTx(ctx, tx, offer, now); err != nil {
				return fmt.Errorf("upsert offer %d: %w", offer.ID, err)
			}
		}
		for _, order := range snap.orders {
			if err := s.store.UpsertOrderTx(ctx, tx, order, now); err != nil {
				return fmt.Errorf("upsert order %d: %w", order.ID, err)
			}
		}
		for _, token := range snap.tokens {
			if err := s.store.UpsertTokenTx(ctx, tx, token, now); err != nil {
				return fmt.Errorf("upsert token %s: %w", token.ID, err)
			}
		}
		return s.store.UpsertSyncStateTx(ctx, tx, SyncState{
			Chain:       chain,
			LastOfferID: snap.lastOfferID,
			LastOrderID: snap.lastOrderID,
			UpdatedAt:   now,
		})
	})
	if err != nil {
		return err
	}

	syncer.logger.Info("sync complete",
		"offers", len(snap.offers),
		"orders", len(snap.orders),
		"tokens", len(snap.tokens),
		"last_offer_id", snap.lastOfferID,
		"last_order_id", snap.lastOrderID,
	)
	return nil
}

type syncOptions struct {
	batchSize  int
	rateLimit  float64
	burst      int
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

type chainSyncer struct {
	market  premarket.Market
	opts    syncOptions
	limiter *rate.Limiter
	logger  *slog.Logger
}

func newChainSyncer(market premarket.Market, opts syncOptions, logger *slog.Logger) *chainSyncer {
	if opts.batchSize <= 0 {
		opts.batchSize = 50
	}
	if opts.baseDelay <= 0 {
		opts.baseDelay = 500 * time.Millisecond
	}
	if opts.maxDelay < opts.baseDelay {
		opts.maxDelay = opts.baseDelay
	}
	limit := rate.Inf
	if opts.rateLimit > 0 {
		limit = rate.Limit(opts.rateLimit)
	}
	burst := opts.burst
	if burst <= 0 {
		burst = 1
	}
	return &chainSyncer{
		market:  market,
		opts:    opts,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
}

type snapshot struct {
	config      *premarket.MarketConfig
	offers      []*premarket.Offer
	orders      []*premarket.Order
	tokens      []*premarket.Token
	lastOfferID uint64
	lastOrderID uint64
}

// collect reads everything that may have changed since state: new ids up to
// the on-chain counters, plus offers and orders still open and every token seen.
func (c *chainSyncer) collect(
	ctx context.Context,
	state SyncState,
	pendingOffers []uint64,
	pendingOrders []uint64,
	knownTokens []string,
) (*snapshot, error) {
	cfg, err := withRetry(ctx, c, "get config", c.market.GetConfig)
	if err != nil {
		return nil, err
	}
	snap := &snapshot{
		config:      cfg,
		lastOfferID: max(state.LastOfferID, cfg.LastOfferID),
		lastOrderID: max(state.LastOrderID, cfg.LastOrderID),
	}

	offerIDs := mergeIDs(pendingOffers, state.LastOfferID+1, cfg.LastOfferID)
	for _, batch := range chunkIDs(offerIDs, c.opts.batchSize) {
		offers, err := withRetry(ctx, c, "get offers", func(ctx context.Context) ([]*premarket.Offer, error) {
			return c.market.GetOffers(ctx, batch)
		})
		if err != nil {
			return nil, err
		}
		snap.offers = append(snap.offers, offers...)
	}

	orderIDs := mergeIDs(pendingOrders, state.LastOrderID+1, cfg.LastOrderID)
	for _, batch := range chunkIDs(orderIDs, c.opts.batchSize) {
		orders, err := withRetry(ctx, c, "get orders", func(ctx context.Context) ([]*premarket.Order, error) {
			return c.market.GetOrders(ctx, batch)
		})
		if err != nil {
			return nil, err
		}
		snap.orders = append(snap.orders, orders...)
	}

	tokenIDs := append([]string(nil), knownTokens...)
	for _, offer := range snap.offers {
		tokenIDs = append(tokenIDs, offer.TokenID)
	}
	for _, tokenID := range uniqueStrings(tokenIDs) {
		token, err := withRetry(ctx, c, "get token", func(ctx context.Context) (*premarket.Token, error) {
			return c.market.GetToken(ctx, tokenID)
		})
		if errors.Is(err, premarket.ErrNotFound) {
			c.logger.Warn("token not found", "token_id", tokenID)
			continue
		}
		if err != nil {
			return nil, err
		}
		snap.tokens = append(snap.tokens, token)
	}
	return snap, nil
}

// withRetry waits on the rate limiter before every attempt and backs off
// exponentially between failures. Validation and not-found errors are final.
func withRetry[T any](ctx context.Context, c *chainSyncer, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return zero, err
		}
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		if !retryable(err) || attempt >= c.opts.maxRetries {
			return zero, fmt.Errorf("%s: %w", op, err)
		}

		delay := c.retryDelay(attempt)
		c.logger.Warn("rpc call failed, retrying", "op", op, "attempt", attempt+1, "delay", delay.String(), "err", err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *chainSyncer) retryDelay(attempt int) time.Duration {
	delay := c.opts.baseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= c.opts.maxDelay {
			return c.opts.maxDelay
		}
	}
	return delay
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, premarket.ErrNotFound), errors.Is(err, premarket.ErrInvalidParams):
		return false
	default:
		return true
	}
}

// mergeIDs returns pending plus from..to, sorted and without duplicates.
func mergeIDs(pending []uint64, from, to uint64) []uint64 {
	seen := make(map[uint64]struct{}, len(pending))
	out := make([]uint64, 0, len(pending))
	for _, id := range pending {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for id := from; id <= to && id != 0; id++ {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func chunkIDs(ids []uint64, size int) [][]uint64 {
	if size <= 0 {
		size = len(ids)
	}
	var out [][]uint64
	for len(ids) > 0 {
		n := min(size, len(ids))
		out = append(out, ids[:n])
		ids = ids[n:]
	}
	return out
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
