package usage

// Outcome is how a request was resolved.
type Outcome string

const (
	OutcomePatternHit Outcome = "pattern_hit" // cached template reused
	OutcomeLocal      Outcome = "local"       // deterministic local path
	OutcomeEscalated  Outcome = "escalated"   // external reasoning call
	OutcomeDegraded   Outcome = "degraded"    // escalation failed, fallback pattern served
	OutcomeFailed     Outcome = "failed"      // escalation failed, nothing to serve
)

// UsageData represents the root structure stored in persistence.
type UsageData struct {
	Version   string          `json:"version"`
	Aggregate AggregatedStats `json:"aggregate"`
}

// AggregatedStats holds counters broken down by various dimensions.
type AggregatedStats struct {
	Total      Counts            `json:"total"`
	ByOutcome  map[string]Counts `json:"by_outcome"`
	ByWorker   map[string]Counts `json:"by_worker"`
	ByCategory map[string]Counts `json:"by_category"`
}

// Counts holds request and token sums.
type Counts struct {
	Requests    int64 `json:"requests"`
	TokensSaved int64 `json:"tokens_saved"`
	TokensUsed  int64 `json:"tokens_used"`
}

// Add records one request.
func (c *Counts) Add(saved, used int) {
	c.Requests++
	c.TokensSaved += int64(saved)
	c.TokensUsed += int64(used)
}

// LocalRatio is the share of requests that never reached the external service.
func (s AggregatedStats) LocalRatio() float64 {
	if s.Total.Requests == 0 {
		return 0
	}
	local := s.ByOutcome[string(OutcomePatternHit)].Requests + s.ByOutcome[string(OutcomeLocal)].Requests
	return float64(local) / float64(s.Total.Requests)
}
