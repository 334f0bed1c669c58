package authorization

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/seu-repo/sigec-chargepoint/internal/domain"
	"github.com/seu-repo/sigec-chargepoint/internal/ports"
)

const keyPrefix = "idtag:"

type Config struct {
	// TTL bounds how long a remote decision is reused offline.
	TTL time.Duration
	// PendingTTL bounds a provisional admission that never got an answer.
	PendingTTL time.Duration
}

// Gate is the local authorization cache. Its entries only allow provisional
// admission while a StartTransaction request is outstanding; the CSMS
// response always wins.
type Gate struct {
	cache ports.Cache
	cfg   Config
	log   *zap.Logger
	now   func() time.Time
}

type entry struct {
	Decision    domain.GateDecision `json:"decision"`
	Status      string              `json:"status,omitempty"`
	ParentIdTag *string             `json:"parentIdTag,omitempty"`
	ExpiryDate  *time.Time          `json:"expiryDate,omitempty"`
}

func NewGate(cache ports.Cache, cfg Config, log *zap.Logger) *Gate {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = 5 * time.Minute
	}
	return &Gate{
		cache: cache,
		cfg:   cfg,
		log:   log,
		now:   time.Now,
	}
}

var _ ports.AuthorizationGate = (*Gate)(nil)

func (g *Gate) Check(ctx context.Context, idTag string) (domain.GateDecision, error) {
	e, err := g.load(ctx, idTag)
	if err != nil {
		return domain.GateUnknown, err
	}
	if e == nil {
		return domain.GateUnknown, nil
	}
	if e.ExpiryDate != nil && e.ExpiryDate.Before(g.now()) {
		return domain.GateUnknown, nil
	}
	return e.Decision, nil
}

// MarkPending records a provisional admission. Known decisions are kept.
func (g *Gate) MarkPending(ctx context.Context, idTag string) error {
	decision, err := g.Check(ctx, idTag)
	if err != nil {
		return err
	}
	if decision != domain.GateUnknown {
		return nil
	}
	return g.store(ctx, idTag, entry{Decision: domain.GatePending}, g.cfg.PendingTTL)
}

// Notify stores the CSMS decision for idTag.
func (g *Gate) Notify(ctx context.Context, idTag string, info domain.IdTagInfo) error {
	decision := domain.GateDeauthorized
	if info.Accepted() {
		decision = domain.GateAuthorized
	}

	ttl := g.cfg.TTL
	if info.ExpiryDate != nil {
		remaining := info.ExpiryDate.Sub(g.now())
		if remaining <= 0 {
			return g.cache.Delete(ctx, keyPrefix+idTag)
		}
		if remaining < ttl {
			ttl = remaining
		}
	}

	g.log.Debug("Authorization cache updated",
		zap.String("id_tag", idTag),
		zap.String("status", info.Status),
		zap.String("decision", string(decision)),
	)
	return g.store(ctx, idTag, entry{
		Decision:    decision,
		Status:      info.Status,
		ParentIdTag: info.ParentIdTag,
		ExpiryDate:  info.ExpiryDate,
	}, ttl)
}

func (g *Gate) load(ctx context.Context, idTag string) (*entry, error) {
	raw, err := g.cache.Get(ctx, keyPrefix+idTag)
	if err != nil {
		if errors.Is(err, ports.ErrCacheMiss) {
			return nil, nil
		}
		return nil, fmt.Errorf("authorization cache: %w", err)
	}
	var e entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		g.log.Warn("Dropping unreadable authorization cache entry",
			zap.String("id_tag", idTag),
			zap.Error(err),
		)
		return nil, nil
	}
	return &e, nil
}

func (g *Gate) store(ctx context.Context, idTag string, e entry, ttl time.Duration) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := g.cache.Set(ctx, keyPrefix+idTag, string(data), ttl); err != nil {
		return fmt.Errorf("authorization cache: %w", err)
	}
	return nil
}
