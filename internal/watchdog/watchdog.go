// Package watchdog keeps per-account token credentials alive: it emits lost
// keys, rotates near-expiry ones with a grace overlap, and retires the
// credentials of consumed accounts.
package watchdog

import (
	"context"
	"strconv"
	"time"

	"github.com/uxsolut/gestao-de-capitais-back-sub000/internal/payload"
	"github.com/uxsolut/gestao-de-capitais-back-sub000/internal/storage"
	"github.com/uxsolut/gestao-de-capitais-back-sub000/internal/tokenstore"
	"github.com/uxsolut/gestao-de-capitais-back-sub000/pkg/logging"
)

// Repository is the slice of the relational store the watchdog depends on.
type Repository interface {
	ListAccountsWithActiveToken(limit int) ([]storage.TokenAccount, error)
	ListAccountsWithConsumedToken(limit int) ([]storage.ConsumedAccount, error)
	SetAccountTokenKey(accountID int64, key string) error
	ClearConsumedToken(accountID int64) error
}

// TokenStore is the slice of the keyed TTL store the watchdog depends on.
type TokenStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	PTTL(ctx context.Context, key string) (int64, error)
	Delete(ctx context.Context, key string) error
	Rotate(ctx context.Context, newKey, value string, ttl time.Duration, oldKey string, grace time.Duration) error
}

// Config configures the watchdog behavior.
type Config struct {
	TokenTTL          time.Duration // TTL of a freshly written credential
	RotateThreshold   time.Duration // Remaining TTL that triggers rotation
	Grace             time.Duration // Shortened TTL applied to a superseded key
	Interval          time.Duration // Loop period
	ConsumedScanLimit int           // Max consumed accounts per pass
	ActiveScanLimit   int           // Max active accounts per pass
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		TokenTTL:          300 * time.Second,
		RotateThreshold:   3000 * time.Millisecond,
		Grace:             2000 * time.Millisecond,
		Interval:          1000 * time.Millisecond,
		ConsumedScanLimit: 200,
		ActiveScanLimit:   500,
	}
}

// Watchdog is the single-writer reconciliation loop. At most one pass is in
// flight at any time.
type Watchdog struct {
	repo   Repository
	store  TokenStore
	minter *tokenstore.Minter
	config Config
	log    *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a new watchdog.
func New(repo Repository, store TokenStore, minter *tokenstore.Minter, cfg Config) *Watchdog {
	ctx, cancel := context.WithCancel(context.Background())

	if cfg.ConsumedScanLimit <= 0 {
		cfg.ConsumedScanLimit = 200
	}
	if cfg.ActiveScanLimit <= 0 {
		cfg.ActiveScanLimit = 500
	}

	return &Watchdog{
		repo:   repo,
		store:  store,
		minter: minter,
		config: cfg,
		log:    logging.GetDefault().Component("token-watchdog"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Start starts the watchdog background goroutine.
func (w *Watchdog) Start() {
	go w.run()
	w.log.Info("Token watchdog started", "interval", w.config.Interval, "ttl", w.config.TokenTTL)
}

// Stop stops the watchdog and waits for the in-flight pass to finish.
func (w *Watchdog) Stop() {
	w.cancel()
	<-w.done
	w.log.Info("Token watchdog stopped")
}

// run is the main loop. The first pass waits one tick so the host finishes
// initialization.
func (w *Watchdog) run() {
	defer close(w.done)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.Tick(w.ctx)
		}
	}
}

// Tick runs one reconciliation pass. Every per-account step is wrapped; one
// account's failure never aborts the pass.
func (w *Watchdog) Tick(ctx context.Context) {
	w.cleanupConsumed(ctx)
	w.reconcileActive(ctx)
}

// cleanupConsumed retires the credentials of accounts flagged as consumed.
func (w *Watchdog) cleanupConsumed(ctx context.Context) {
	accounts, err := w.repo.ListAccountsWithConsumedToken(w.config.ConsumedScanLimit)
	if err != nil {
		w.log.Error("Failed to list consumed accounts", "kind", "token_watchdog_erro", "error", err)
		return
	}

	for _, a := range accounts {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if a.TokenKey != "" {
			if err := w.store.Delete(ctx, a.TokenKey); err != nil {
				w.log.Warn("Failed to delete consumed key", "id_conta", a.ID, "key", a.TokenKey, "error", err)
			}
		}
		if err := w.repo.ClearConsumedToken(a.ID); err != nil {
			w.log.Warn("Failed to clear consumed token", "id_conta", a.ID, "error", err)
		}
	}
}

// reconcileActive emits missing credentials and rotates near-expiry ones.
func (w *Watchdog) reconcileActive(ctx context.Context) {
	accounts, err := w.repo.ListAccountsWithActiveToken(w.config.ActiveScanLimit)
	if err != nil {
		w.log.Error("Failed to list active accounts", "kind", "token_watchdog_erro", "error", err)
		return
	}

	for _, a := range accounts {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if a.TokenKey == "" {
			w.emit(ctx, a)
			continue
		}

		ttlMS, err := w.store.PTTL(ctx, a.TokenKey)
		if err != nil {
			w.log.Warn("Failed to read key TTL", "id_conta", a.ID, "key", a.TokenKey, "error", err)
			ttlMS = tokenstore.PTTLKeyAbsent
		}

		if ttlMS == tokenstore.PTTLKeyAbsent || ttlMS <= w.config.RotateThreshold.Milliseconds() {
			w.rotate(ctx, a, ttlMS)
		}
	}
}

// emit publishes a skeleton payload under a fresh credential for an account
// that lost its key (restart, failed publish).
func (w *Watchdog) emit(ctx context.Context, a storage.TokenAccount) {
	doc := payload.Upgrade(nil, strconv.FormatInt(a.ID, 10), a.NumeroUnico)
	data, err := payload.Encode(doc)
	if err != nil {
		w.log.Error("Failed to encode payload", "id_conta", a.ID, "error", err)
		return
	}

	_, newKey, err := w.minter.Mint()
	if err != nil {
		w.log.Error("Failed to mint token", "id_conta", a.ID, "error", err)
		return
	}

	if err := w.store.Set(ctx, newKey, string(data), w.config.TokenTTL); err != nil {
		w.log.Error("Failed to emit key", "id_conta", a.ID, "key", newKey, "error", err)
		return
	}
	if err := w.repo.SetAccountTokenKey(a.ID, newKey); err != nil {
		w.log.Error("Failed to persist emitted key", "id_conta", a.ID, "key", newKey, "error", err)
		return
	}

	w.log.Info("Token emitted", "id_conta", a.ID, "key", newKey)
}

// rotate republishes an account's payload under a fresh credential. When the
// old key still exists its TTL is shortened to the grace window in the same
// round-trip, so both keys answer identical content during the overlap.
func (w *Watchdog) rotate(ctx context.Context, a storage.TokenAccount, oldTTLMS int64) {
	raw, _, err := w.store.Get(ctx, a.TokenKey)
	if err != nil {
		w.log.Warn("Failed to read payload before rotation", "id_conta", a.ID, "key", a.TokenKey, "error", err)
		raw = ""
	}

	doc := payload.Upgrade([]byte(raw), strconv.FormatInt(a.ID, 10), a.NumeroUnico)
	data, err := payload.Encode(doc)
	if err != nil {
		w.log.Error("Failed to encode payload", "id_conta", a.ID, "error", err)
		return
	}

	_, newKey, err := w.minter.Mint()
	if err != nil {
		w.log.Error("Failed to mint token", "id_conta", a.ID, "error", err)
		return
	}

	oldKey := a.TokenKey
	if oldTTLMS == tokenstore.PTTLKeyAbsent {
		oldKey = "" // nothing left to grace-expire
	}

	if err := w.store.Rotate(ctx, newKey, string(data), w.config.TokenTTL, oldKey, w.config.Grace); err != nil {
		w.log.Error("Failed to rotate key", "id_conta", a.ID, "key", a.TokenKey, "error", err)
		return
	}
	if err := w.repo.SetAccountTokenKey(a.ID, newKey); err != nil {
		w.log.Error("Failed to persist rotated key", "id_conta", a.ID, "key", newKey, "error", err)
		return
	}

	w.log.Info("Token rotated",
		"id_conta", a.ID,
		"old_key", a.TokenKey,
		"new_key", newKey,
		"old_ttl_ms", oldTTLMS)
}
