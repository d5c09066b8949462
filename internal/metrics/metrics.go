package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	contentsScanned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "webtm_contents_scanned_total",
		Help: "Total number of new content items fetched by the scanner",
	})
	ruleMatches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "webtm_rule_matches_total",
		Help: "Total number of non-whitelist rule set hits",
	})
	whitelistHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "webtm_whitelist_hits_total",
		Help: "Total number of whitelist rule set hits",
	})
	operationsExecuted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "webtm_operations_executed_total",
		Help: "Total number of moderation operations executed against the forum service",
	})
	scanErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "webtm_scan_errors_total",
		Help: "Total number of errors during scan passes",
	})
	forumRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "webtm_forum_requests_total",
		Help: "Total number of requests issued to the forum service",
	})
)

// Register registers Prometheus collectors. Call once at startup.
func Register(registry *prometheus.Registry) {
	registry.MustRegister(contentsScanned, ruleMatches, whitelistHits, operationsExecuted, scanErrors, forumRequests)
}

// IncContentScanned increments the fetched-content counter.
func IncContentScanned() { contentsScanned.Inc() }

// IncRuleMatch increments the rule hit counter.
func IncRuleMatch() { ruleMatches.Inc() }

// IncWhitelistHit increments the whitelist hit counter.
func IncWhitelistHit() { whitelistHits.Inc() }

// IncOperationExecuted increments the executed-operation counter.
func IncOperationExecuted() { operationsExecuted.Inc() }

// IncScanError increments the scan error counter.
func IncScanError() { scanErrors.Inc() }

// IncForumRequest increments the forum API request counter.
func IncForumRequest() { forumRequests.Inc() }
