package app

import (
	"context"
	"log"

	"github.com/redis/go-redis/v9"

	"modelgate/internal/gateway/config"
	"modelgate/internal/gateway/repository/ledger"
	"modelgate/internal/upstream"
)

// initLedger picks the ledger backend: postgres when a DSN is configured,
// redis when an address is, in-memory otherwise. Durable backends get an LRU
// cache over the admin read path.
func initLedger(cfg *config.Config) (ledger.Store, error) {
	defaults := ledger.Defaults{
		RequestLimit:   cfg.DefaultRequestLimit,
		ConcurrencyCap: cfg.DefaultConcurrencyCap,
	}

	if cfg.LedgerPGDSN != "" {
		pg, err := ledger.NewPostgresStore(cfg.LedgerPGDSN, defaults)
		if err != nil {
			return nil, err
		}
		log.Printf("ledger: postgres")
		return ledger.NewCachedStore(pg)
	}

	if cfg.LedgerRedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.LedgerRedisAddr})
		log.Printf("ledger: redis at %s", cfg.LedgerRedisAddr)
		return ledger.NewCachedStore(ledger.NewRedisStore(rdb, defaults))
	}

	log.Printf("ledger: in-memory (non-durable)")
	return ledger.NewMemoryStore(defaults), nil
}

// initUpstream builds the Gemini client, or the deterministic fake when no
// API key is configured so local runs work offline.
func initUpstream(ctx context.Context, cfg *config.Config) (upstream.Client, error) {
	if cfg.GeminiAPIKey == "" {
		log.Printf("upstream: no GEMINI_API_KEY, using fake client")
		return upstream.NewFakeClient(), nil
	}
	return upstream.NewGeminiClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
}
