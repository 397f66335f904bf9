package threat

import (
	"context"
	"strings"

	"github.com/dvasilenko/authguard/internal/server/models"
)

// scriptedAgents are substrings that identify common scripted HTTP clients.
var scriptedAgents = []string{
	"curl",
	"wget",
	"python",
	"go-http-client",
	"java/",
	"okhttp",
	"httpclient",
	"bot",
	"scanner",
	"scrapy",
}

// SuspiciousAgent flags requests with an empty or scripted user-agent.
// Legitimate browsers always send one; automation frequently does not
// bother to fake it.
type SuspiciousAgent struct{}

func NewSuspiciousAgent() *SuspiciousAgent { return &SuspiciousAgent{} }

func (d *SuspiciousAgent) Name() string { return "suspicious_agent" }

func (d *SuspiciousAgent) Evaluate(_ context.Context, sig Signal) (Verdict, error) {
	ua := strings.TrimSpace(sig.UserAgent)
	if ua == "" {
		return Verdict{
			Detected:       true,
			Severity:       models.RiskLevelMedium,
			Confidence:     0.8,
			Indicators:     []string{"empty user-agent"},
			Recommendation: models.RecommendationMonitor,
		}, nil
	}

	lower := strings.ToLower(ua)
	for _, pattern := range scriptedAgents {
		if strings.Contains(lower, pattern) {
			return Verdict{
				Detected:       true,
				Severity:       models.RiskLevelLow,
				Confidence:     0.6,
				Indicators:     []string{"scripted user-agent: " + ua},
				Recommendation: models.RecommendationMonitor,
			}, nil
		}
	}
	return Verdict{Severity: models.RiskLevelNone}, nil
}
