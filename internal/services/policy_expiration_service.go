package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"parametric-service/internal/models"

	"github.com/redis/go-redis/v9"
)

const (
	expiryKeyPrefix = "policy--"
	expiryKeySuffix = "--EXPIRY"
)

// PolicyExpirationService turns Redis key expirations into ExpirePolicy
// calls. Each ACTIVE policy gets a key whose TTL ends just after its end
// date. Missed events are picked up by the periodic sweep.
type PolicyExpirationService struct {
	redisClient *redis.Client
	registry    *PolicyRegistry
	caller      models.Caller
	clock       Clock
	stopChannel chan struct{}
	stopOnce    sync.Once
	stats       *ExpirationStats
}

// ExpirationStats tracks processing statistics
type ExpirationStats struct {
	TotalExpired      int64
	SuccessfulExpires int64
	FailedExpires     int64
	LastProcessed     time.Time
	mu                sync.RWMutex
}

func NewPolicyExpirationService(redisClient *redis.Client, registry *PolicyRegistry, caller models.Caller, clock Clock) *PolicyExpirationService {
	return &PolicyExpirationService{
		redisClient: redisClient,
		registry:    registry,
		caller:      caller,
		clock:       clock,
		stopChannel: make(chan struct{}),
		stats: &ExpirationStats{
			LastProcessed: time.Now(),
		},
	}
}

func expiryKey(policyID uint64) string {
	return expiryKeyPrefix + strconv.FormatUint(policyID, 10) + expiryKeySuffix
}

// parseExpiryKey returns false for keys this service did not write.
func parseExpiryKey(key string) (uint64, bool) {
	if !strings.HasPrefix(key, expiryKeyPrefix) || !strings.HasSuffix(key, expiryKeySuffix) {
		return 0, false
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(key, expiryKeyPrefix), expiryKeySuffix)
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// ScheduleExpiry implements ExpiryScheduler.
func (s *PolicyExpirationService) ScheduleExpiry(ctx context.Context, policyID uint64, endDate time.Time) error {
	// ExpirePolicy needs now > endDate, so fire one second after it.
	ttl := endDate.Add(time.Second).Sub(s.clock.Now())
	if ttl < time.Second {
		ttl = time.Second
	}
	if err := s.redisClient.Set(ctx, expiryKey(policyID), endDate.Unix(), ttl).Err(); err != nil {
		return fmt.Errorf("failed to schedule expiry for policy %d: %w", policyID, err)
	}
	slog.Info("Scheduled policy expiry", "policy_id", policyID, "end_date", endDate.Unix(), "ttl", ttl)
	return nil
}

// CancelExpiry implements ExpiryScheduler.
func (s *PolicyExpirationService) CancelExpiry(ctx context.Context, policyID uint64) error {
	if err := s.redisClient.Del(ctx, expiryKey(policyID)).Err(); err != nil {
		return fmt.Errorf("failed to cancel expiry for policy %d: %w", policyID, err)
	}
	return nil
}

// StartListener begins listening for Redis expiration events
func (s *PolicyExpirationService) StartListener(ctx context.Context) error {
	slog.Info("Starting policy expiration listener")

	pubsub := s.redisClient.PSubscribe(ctx, "__keyevent@*__:expired")
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return errors.New("redis expiration subscription closed")
			}
			if policyID, ok := parseExpiryKey(msg.Payload); ok {
				s.processExpiredPolicy(ctx, policyID)
			}
		case <-ctx.Done():
			slog.Info("Policy expiration listener stopped")
			return ctx.Err()
		case <-s.stopChannel:
			slog.Info("Policy expiration listener stopped gracefully")
			return nil
		}
	}
}

// Stop gracefully stops the expiration listener
func (s *PolicyExpirationService) Stop() {
	s.stopOnce.Do(func() { close(s.stopChannel) })
}

func (s *PolicyExpirationService) processExpiredPolicy(ctx context.Context, policyID uint64) {
	slog.Info("Processing expired policy key", "policy_id", policyID)

	err := s.registry.ExpirePolicy(ctx, s.caller, policyID)
	switch {
	case err == nil:
		s.updateStats(false)
	case errors.Is(err, ErrWrongStatus), errors.Is(err, ErrPolicyNotFound):
		// Claimed or cancelled after the key was set.
		s.updateStats(false)
	default:
		slog.Error("Failed to expire policy", "policy_id", policyID, "error", err)
		s.updateStats(true)
	}
}

func (s *PolicyExpirationService) updateStats(failed bool) {
	s.stats.mu.Lock()
	defer s.stats.mu.Unlock()

	s.stats.TotalExpired++
	s.stats.LastProcessed = time.Now()
	if failed {
		s.stats.FailedExpires++
	} else {
		s.stats.SuccessfulExpires++
	}
}

// GetStats returns current processing statistics
func (s *PolicyExpirationService) GetStats() ExpirationStats {
	s.stats.mu.RLock()
	defer s.stats.mu.RUnlock()
	return ExpirationStats{
		TotalExpired:      s.stats.TotalExpired,
		SuccessfulExpires: s.stats.SuccessfulExpires,
		FailedExpires:     s.stats.FailedExpires,
		LastProcessed:     s.stats.LastProcessed,
	}
}

// HealthCheck fails when more than half of the processed expirations failed.
func (s *PolicyExpirationService) HealthCheck() error {
	stats := s.GetStats()
	if stats.TotalExpired > 0 {
		failureRate := float64(stats.FailedExpires) / float64(stats.TotalExpired)
		if failureRate > 0.5 {
			return fmt.Errorf("high failure rate: %.1f%%", failureRate*100)
		}
	}
	return nil
}
