// SPDX-License-Identifier: Apache-2.0

//go:build ignore

// Backstop Fallback & Rate-Limit Dashboards
// This file documents dashboard templates for OpenTelemetry OTEL UI or Grafana.
//
// DASHBOARD: Rate-Limit Pressure & Fallback Outcomes
//   Shows how often providers rate-limit and how well fallback absorbs it.
//
//   Queries:
//   - backstop.ratelimit.detected{provider, model} (rate 5m)
//     Metric: Detected provider rate limits
//     Display: Line chart with legend per provider/model
//     Alert Threshold: sustained rise on a single provider = capacity issue
//
//   - backstop.fallback.attempts{provider, model} (rate 5m)
//     Metric: Re-prompt attempts by target model
//     Display: Stacked area chart
//     Insight: Which fallback targets actually absorb the load?
//
//   - backstop.fallback.success vs backstop.fallback.attempts
//     Metric: Fallback success ratio
//     Display: Single stat with gauge
//     Goal: success / attempts > 90%
//
//   - backstop.fallback.exhausted{reason} (rate 15m)
//     Metric: Fallbacks abandoned (retry budget, no candidates, stop mode)
//     Display: Bar chart by reason
//     Threshold: Warning > 1/min, Critical > 5/min
//
// DASHBOARD: Model Availability
//   Shows which chain entries are usable right now.
//
//   Queries:
//   - backstop.cooldown.active
//     Metric: Models currently inside a rate-limit cooldown
//     Display: Single stat
//     Threshold: Critical when equal to the configured chain length
//       (every model cooling = nothing left to select)
//
//   - backstop.circuit.state{model}
//     Metric: Circuit breaker state (0=open, 1=half-open, 2=closed)
//     Display: Status panels per model
//     Meaning:
//       OPEN (0): Model excluded from selection until the open window ends
//       HALF_OPEN (1): Probe traffic only, limited concurrent permits
//       CLOSED (2): Model selectable
//
//   - backstop.circuit.transitions{model, from, to} (rate 1h)
//     Metric: Circuit flapping per model
//     Display: Line chart
//     Insight: Frequent closed->open flips mean the failure threshold or
//       open duration needs tuning for that provider.
//
// DASHBOARD: Engine Hygiene
//   Deep dive into retry behavior and state turnover.
//
//   Queries:
//   - backstop.fallback.attempts by (model, attempt)
//     Breakdown: Target model × attempt number
//     Display: Heatmap
//     Insight: High attempt numbers mean early chain entries keep failing.
//
//   - backstop.janitor.swept{store} (rate 1h)
//     Metric: Stale entries reclaimed per store (sessions, retries, locks,
//       cooldowns, circuits, health, hierarchies)
//     Display: Stacked bars
//     Insight: A store that never sheds entries points at a leak; a store
//       shedding heavily points at TTLs shorter than real session lifetimes.
//
//   - backstop.errors.total by (error.code, component, recoverable)
//     Breakdown: Error code × component × recoverability
//     Display: Table
//     Insight: Non-recoverable host errors terminate orchestrations.
//
// ALERT RULES (Prometheus/AlertManager format):
//
// Alert 1: Low Fallback Success Ratio
//   Name: BackstopLowFallbackSuccess
//   Condition: rate(backstop.fallback.success[5m]) / rate(backstop.fallback.attempts[5m]) < 0.9
//   Duration: 5m
//   Severity: warning
//   Message: "Fallback success ratio {{ $value }}, goal 90%"
//   Action: Review chain order and provider quotas
//
// Alert 2: Fallback Exhaustion
//   Name: BackstopFallbackExhausted
//   Condition: rate(backstop.fallback.exhausted[5m]) > 0.08
//   Duration: 2m
//   Severity: critical
//   Message: "{{ $value }} fallbacks/sec abandoned with nothing left to try"
//   Action: Add chain entries or raise the retry budget
//
// Alert 3: Circuit Breaker Open
//   Name: BackstopCircuitOpen
//   Condition: backstop.circuit.state{model=~".*"} == 0
//   Duration: 1m
//   Severity: warning
//   Message: "Circuit OPEN for {{ $labels.model }}, excluded from selection"
//   Action: Check provider status page; consider removing from the chain
//
// Alert 4: Chain Saturation
//   Name: BackstopChainSaturated
//   Condition: backstop.cooldown.active >= <chain length>
//   Duration: 1m
//   Severity: critical
//   Message: "Every configured model is cooling down"
//   Action: Page on-call; sessions are stalled until a cooldown expires
//
// Alert 5: Sustained Rate-Limit Pressure
//   Name: BackstopRateLimitPressure
//   Condition: rate(backstop.ratelimit.detected{provider=~".+"}[5m]) > 0.5
//   Duration: 10m
//   Severity: warning
//   Message: "{{ $labels.provider }} rate-limiting {{ $value }}/sec for 10m"
//   Action: Negotiate quota or demote the provider in the chain
//
// OTEL QUERY EXAMPLES for OTEL UI or Grafana:
//
// 1. Rate Limits by Provider (5-minute)
//    PromQL: rate(backstop.ratelimit.detected[5m]) group by (provider)
//
// 2. Fallback Success Percentage
//    PromQL: (rate(backstop.fallback.success[5m]) / rate(backstop.fallback.attempts[5m])) * 100
//    Display: Single stat, goal >= 90%
//
// 3. Top Fallback Targets
//    PromQL: topk(5, sum(rate(backstop.fallback.attempts[5m])) by (model))
//    Display: Bar chart
//
// 4. Circuit Flap Frequency
//    PromQL: rate(changes(backstop.circuit.state[5m])[1h:5m]) by (model)
//    Display: Line chart
//
// 5. Janitor Turnover by Store (24h)
//    PromQL: sum(rate(backstop.janitor.swept[1h])) by (store)
//    Range: 24h
//    Display: Stacked area chart
//
// INTEGRATION PATTERNS:
//
// 1. Journal Cross-Reference:
//    - Every dashboard spike has matching rows in the history journal
//      (pkg/history): filter by kind=exhausted or kind=circuit around the
//      alert window, then follow run_id for the full narrative.
//
// 2. On-Call Introspection:
//    - The MCP introspection server (pkg/introspect) answers backstop_status,
//      backstop_cooldowns, and backstop_session_stats live; use it to confirm
//      a saturation alert before paging further.
//
// 3. Chain Tuning:
//    - backstop.fallback.attempts by (model, attempt) shows where the chain
//      actually lands; reorder fallback.models so attempt=1 succeeds most.
//
// 4. Quota Planning:
//    - backstop.ratelimit.detected per provider over a week approximates how
//      much headroom each contract is missing.
//
package main

// This file is documentation only and is not compiled.
// See pkg/telemetry/metrics.go for the instruments.
