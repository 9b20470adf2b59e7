// Package gateway pools DCAGateway instances for the Trading Core, one per
// exchange account, with LRU eviction, idle cleanup, and a circuit breaker
// around each account's upstream connectivity.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"trading-core/pkg/crypto"
	"trading-core/pkg/db"
	exchange "trading-core/pkg/exchanges/common"
)

var (
	ErrAccountNotFound  = errors.New("exchange account not found")
	ErrGatewayUnhealthy = errors.New("gateway is unhealthy")
	ErrPoolFull         = errors.New("gateway pool is full")
)

// GatewayFactory creates a DCAGateway from a decrypted exchange account.
type GatewayFactory func(account db.ExchangeAccount, apiKey, apiSecret string) (exchange.DCAGateway, error)

// CachedGateway holds a DCAGateway with metadata for lifecycle management.
type CachedGateway struct {
	Gateway   exchange.DCAGateway
	AccountID string
	UserID    string
	Exchange  string
	CreatedAt time.Time
	LastUsed  time.Time
	HealthyAt time.Time
	Failures  int
}

// Config holds configuration for the GatewayManager.
type Config struct {
	MaxSize          int           // Maximum number of cached gateways (LRU eviction)
	IdleTimeout      time.Duration // Time before idle gateway is removed
	HealthInterval   time.Duration // Interval between health checks
	FailureThreshold int           // Number of failures before marking unhealthy
	CircuitTimeout   time.Duration // Time to wait before retrying unhealthy gateway
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		MaxSize:          100,
		IdleTimeout:      30 * time.Minute,
		HealthInterval:   5 * time.Minute,
		FailureThreshold: 3,
		CircuitTimeout:   5 * time.Minute,
	}
}

// Manager manages a pool of DCAGateway instances with LRU eviction and
// health checks, keyed by exchange account ID.
type Manager struct {
	mu       sync.RWMutex
	gateways map[string]*CachedGateway // accountID -> cached gateway
	lruOrder []string                  // LRU tracking (oldest first)

	config  Config
	crypto  *crypto.KeyManager
	queries *db.UserQueries
	factory GatewayFactory

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a new GatewayManager.
func NewManager(queries *db.UserQueries, cryptoMgr *crypto.KeyManager, factory GatewayFactory, cfg Config) *Manager {
	return &Manager{
		gateways: make(map[string]*CachedGateway),
		lruOrder: make([]string, 0),
		config:   cfg,
		crypto:   cryptoMgr,
		queries:  queries,
		factory:  factory,
		stopCh:   make(chan struct{}),
	}
}

// Start begins background cleanup and health check goroutines.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(2)

	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.IdleTimeout / 2)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.cleanupIdle()
			}
		}
	}()

	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.HealthInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.healthCheckAll()
			}
		}
	}()
}

// Stop gracefully shuts down the manager.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, cached := range m.gateways {
		if closer, ok := cached.Gateway.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
		delete(m.gateways, id)
	}
	m.lruOrder = nil
}

// GetOrCreate returns an existing DCAGateway for an account or creates one.
func (m *Manager) GetOrCreate(ctx context.Context, userID, accountID string) (exchange.DCAGateway, error) {
	m.mu.RLock()
	if cached, ok := m.gateways[accountID]; ok {
		if cached.UserID != userID {
			m.mu.RUnlock()
			return nil, ErrAccountNotFound
		}
		if cached.Failures >= m.config.FailureThreshold {
			if time.Since(cached.HealthyAt) < m.config.CircuitTimeout {
				m.mu.RUnlock()
				return nil, ErrGatewayUnhealthy
			}
		}
		m.mu.RUnlock()

		m.touchLRU(accountID)
		return cached.Gateway, nil
	}
	m.mu.RUnlock()

	return m.createGateway(ctx, userID, accountID)
}

// createGateway loads an exchange account, decrypts its credentials, and
// constructs its gateway via the configured factory.
func (m *Manager) createGateway(ctx context.Context, userID, accountID string) (exchange.DCAGateway, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cached, ok := m.gateways[accountID]; ok {
		if cached.UserID != userID {
			return nil, ErrAccountNotFound
		}
		m.touchLRULocked(accountID)
		return cached.Gateway, nil
	}

	if len(m.gateways) >= m.config.MaxSize {
		if !m.evictOldestLocked() {
			return nil, ErrPoolFull
		}
	}

	account, err := m.queries.GetExchangeAccountByID(ctx, userID, accountID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("get exchange account: %w", err)
	}

	apiKey, apiSecret := account.APIKey, account.APISecret
	if account.IsEncrypted {
		if m.crypto == nil {
			return nil, fmt.Errorf("exchange account %s is encrypted but no key manager is configured", accountID)
		}
		apiKey, err = m.crypto.Decrypt(account.APIKey, "api_key")
		if err != nil {
			return nil, fmt.Errorf("decrypt api key: %w", err)
		}
		apiSecret, err = m.crypto.Decrypt(account.APISecret, "api_secret")
		if err != nil {
			return nil, fmt.Errorf("decrypt api secret: %w", err)
		}
	}

	gw, err := m.factory(*account, apiKey, apiSecret)
	if err != nil {
		return nil, fmt.Errorf("create gateway: %w", err)
	}

	now := time.Now()
	m.gateways[accountID] = &CachedGateway{
		Gateway:   gw,
		AccountID: accountID,
		UserID:    userID,
		Exchange:  account.Exchange,
		CreatedAt: now,
		LastUsed:  now,
		HealthyAt: now,
		Failures:  0,
	}
	m.lruOrder = append(m.lruOrder, accountID)

	return gw, nil
}

// Remove removes a gateway from the pool.
func (m *Manager) Remove(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cached, ok := m.gateways[accountID]; ok {
		if closer, ok := cached.Gateway.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
		delete(m.gateways, accountID)
		m.removeLRULocked(accountID)
	}
}

// RemoveByUser removes all gateways belonging to a user.
func (m *Manager) RemoveByUser(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, cached := range m.gateways {
		if cached.UserID == userID {
			if closer, ok := cached.Gateway.(interface{ Close() error }); ok {
				_ = closer.Close()
			}
			delete(m.gateways, id)
			m.removeLRULocked(id)
		}
	}
}

// RecordFailure records a failure for a gateway.
func (m *Manager) RecordFailure(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cached, ok := m.gateways[accountID]; ok {
		cached.Failures++
	}
}

// RecordSuccess resets the failure counter for a gateway.
func (m *Manager) RecordSuccess(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cached, ok := m.gateways[accountID]; ok {
		cached.Failures = 0
		cached.HealthyAt = time.Now()
	}
}

// Stats returns current pool statistics.
func (m *Manager) Stats() PoolStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := PoolStats{
		TotalGateways:  len(m.gateways),
		MaxSize:        m.config.MaxSize,
		ByExchange:     make(map[string]int),
		UnhealthyCount: 0,
	}

	for _, cached := range m.gateways {
		stats.ByExchange[cached.Exchange]++
		if cached.Failures >= m.config.FailureThreshold {
			stats.UnhealthyCount++
		}
	}

	return stats
}

// PoolStats contains gateway pool statistics.
type PoolStats struct {
	TotalGateways  int
	MaxSize        int
	ByExchange     map[string]int
	UnhealthyCount int
}

// --- Internal helpers ---

func (m *Manager) touchLRU(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touchLRULocked(accountID)
}

func (m *Manager) touchLRULocked(accountID string) {
	if cached, ok := m.gateways[accountID]; ok {
		cached.LastUsed = time.Now()
	}

	for i, id := range m.lruOrder {
		if id == accountID {
			m.lruOrder = append(m.lruOrder[:i], m.lruOrder[i+1:]...)
			m.lruOrder = append(m.lruOrder, accountID)
			break
		}
	}
}

func (m *Manager) removeLRULocked(accountID string) {
	for i, id := range m.lruOrder {
		if id == accountID {
			m.lruOrder = append(m.lruOrder[:i], m.lruOrder[i+1:]...)
			break
		}
	}
}

func (m *Manager) evictOldestLocked() bool {
	if len(m.lruOrder) == 0 {
		return false
	}

	oldestID := m.lruOrder[0]
	if cached, ok := m.gateways[oldestID]; ok {
		if closer, ok := cached.Gateway.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
		delete(m.gateways, oldestID)
	}
	m.lruOrder = m.lruOrder[1:]
	return true
}

func (m *Manager) cleanupIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var toRemove []string

	for id, cached := range m.gateways {
		if now.Sub(cached.LastUsed) > m.config.IdleTimeout {
			toRemove = append(toRemove, id)
		}
	}

	for _, id := range toRemove {
		if cached, ok := m.gateways[id]; ok {
			if closer, ok := cached.Gateway.(interface{ Close() error }); ok {
				_ = closer.Close()
			}
			delete(m.gateways, id)
			m.removeLRULocked(id)
		}
	}
}

func (m *Manager) healthCheckAll() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.gateways))
	for id := range m.gateways {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.healthCheck(id)
	}
}

// healthCheck probes a gateway with a signed, read-only balances call since
// the DCAGateway contract has no dedicated ping endpoint.
func (m *Manager) healthCheck(accountID string) {
	m.mu.RLock()
	cached, ok := m.gateways[accountID]
	if !ok {
		m.mu.RUnlock()
		return
	}
	gw := cached.Gateway
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	_, err := gw.GetBalances(ctx)
	cancel()

	if err != nil {
		m.RecordFailure(accountID)
	} else {
		m.RecordSuccess(accountID)
	}
}
