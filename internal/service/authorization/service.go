package authorization

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/seu-repo/sigec-ocpp/internal/domain"
	"github.com/seu-repo/sigec-ocpp/internal/observability/telemetry"
	"github.com/seu-repo/sigec-ocpp/internal/ports"
)

// Service arbitrates access tokens against the allow-list. Allow-list answers
// are cached for ttl when a cache is configured.
type Service struct {
	gateway ports.PersistenceGateway
	cache   ports.Cache
	ttl     time.Duration
	log     *zap.Logger
}

func NewService(gateway ports.PersistenceGateway, cache ports.Cache, ttl time.Duration, log *zap.Logger) *Service {
	return &Service{
		gateway: gateway,
		cache:   cache,
		ttl:     ttl,
		log:     log,
	}
}

// Authorize returns Accepted, Blocked or Invalid. When the allow-list cannot be
// reached the token is treated as Invalid and the lookup error is returned
// alongside.
func (s *Service) Authorize(ctx context.Context, requiresAuth bool, idTag string) (domain.AuthorizationStatus, error) {
	if !requiresAuth {
		telemetry.AuthorizationDecisions.WithLabelValues(string(domain.AuthorizationAccepted)).Inc()
		return domain.AuthorizationAccepted, nil
	}

	result, err := s.lookup(ctx, idTag)
	if err != nil {
		s.log.Warn("Allow-list lookup failed, rejecting token",
			zap.String("id_tag", idTag),
			zap.Error(err),
		)
		telemetry.AuthorizationDecisions.WithLabelValues(string(domain.AuthorizationInvalid)).Inc()
		return domain.AuthorizationInvalid, err
	}

	status := decide(result)
	telemetry.AuthorizationDecisions.WithLabelValues(string(status)).Inc()
	return status, nil
}

func decide(r domain.AllowListResult) domain.AuthorizationStatus {
	switch r {
	case domain.AllowListAllowed:
		return domain.AuthorizationAccepted
	case domain.AllowListDisallowed:
		return domain.AuthorizationBlocked
	default:
		return domain.AuthorizationInvalid
	}
}

func cacheKey(idTag string) string {
	return "auth:" + idTag
}

func (s *Service) lookup(ctx context.Context, idTag string) (domain.AllowListResult, error) {
	if s.cache != nil && s.ttl > 0 {
		if v, err := s.cache.Get(ctx, cacheKey(idTag)); err == nil {
			if r, ok := parseResult(v); ok {
				return r, nil
			}
		}
	}

	r, err := s.gateway.QueryAuthorization(ctx, idTag)
	if err != nil {
		return domain.AllowListAbsent, fmt.Errorf("query authorization: %w", err)
	}

	if s.cache != nil && s.ttl > 0 {
		if err := s.cache.Set(ctx, cacheKey(idTag), r.String(), s.ttl); err != nil {
			s.log.Debug("Failed to cache authorization", zap.String("id_tag", idTag), zap.Error(err))
		}
	}
	return r, nil
}

func parseResult(v string) (domain.AllowListResult, bool) {
	switch v {
	case domain.AllowListAllowed.String():
		return domain.AllowListAllowed, true
	case domain.AllowListDisallowed.String():
		return domain.AllowListDisallowed, true
	case domain.AllowListAbsent.String():
		return domain.AllowListAbsent, true
	}
	return domain.AllowListAbsent, false
}
