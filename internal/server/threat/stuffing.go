package threat

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dvasilenko/authguard/internal/server/models"
)

// CredentialStuffingConfig tunes the stuffing heuristic.
type CredentialStuffingConfig struct {
	// DistinctThreshold is the number of distinct identifiers tried from one
	// IP before the heuristic considers firing.
	DistinctThreshold int
	// MaxSuccessRate is the success fraction at or below which a high
	// distinct-identifier count is treated as stuffing rather than a shared
	// egress (office NAT, VPN).
	MaxSuccessRate float64
	// HistorySize bounds the number of IPs tracked.
	HistorySize int
}

func DefaultCredentialStuffingConfig() CredentialStuffingConfig {
	return CredentialStuffingConfig{DistinctThreshold: 10, MaxSuccessRate: 0.2, HistorySize: 4096}
}

type ipHistory struct {
	identifiers map[string]struct{}
	attempts    int
	successes   int
}

// CredentialStuffing fires when one IP cycles through many distinct
// identifiers with a low success rate. History is a bounded LRU so a wide
// scan cannot grow memory without limit.
type CredentialStuffing struct {
	mu      sync.Mutex
	history *lru.Cache[string, *ipHistory]
	cfg     CredentialStuffingConfig
}

func NewCredentialStuffing(cfg CredentialStuffingConfig) (*CredentialStuffing, error) {
	def := DefaultCredentialStuffingConfig()
	if cfg.DistinctThreshold <= 0 {
		cfg.DistinctThreshold = def.DistinctThreshold
	}
	if cfg.MaxSuccessRate <= 0 {
		cfg.MaxSuccessRate = def.MaxSuccessRate
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	history, err := lru.New[string, *ipHistory](cfg.HistorySize)
	if err != nil {
		return nil, fmt.Errorf("stuffing history: %w", err)
	}
	return &CredentialStuffing{history: history, cfg: cfg}, nil
}

func (d *CredentialStuffing) Name() string { return "credential_stuffing" }

func (d *CredentialStuffing) Evaluate(_ context.Context, sig Signal) (Verdict, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	h, ok := d.history.Get(sig.IP)
	if !ok {
		h = &ipHistory{identifiers: make(map[string]struct{})}
		d.history.Add(sig.IP, h)
	}
	h.attempts++
	if sig.Success {
		h.successes++
	}
	// Identifier set is bounded separately so a single hot IP cannot bloat
	// its own entry.
	if len(h.identifiers) < 2*d.cfg.DistinctThreshold {
		h.identifiers[sig.Identifier] = struct{}{}
	}

	distinct := len(h.identifiers)
	rate := float64(h.successes) / float64(h.attempts)
	if distinct < d.cfg.DistinctThreshold || rate > d.cfg.MaxSuccessRate {
		return Verdict{Severity: models.RiskLevelNone}, nil
	}

	confidence := float64(distinct) / float64(2*d.cfg.DistinctThreshold)
	if confidence > 1 {
		confidence = 1
	}
	return Verdict{
		Detected:   true,
		Severity:   models.RiskLevelHigh,
		Confidence: confidence,
		Indicators: []string{
			fmt.Sprintf("%d distinct identifiers from %s", distinct, sig.IP),
			fmt.Sprintf("success rate %.2f", rate),
		},
		Recommendation: models.RecommendationBlock,
	}, nil
}
