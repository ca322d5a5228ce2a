// Package orchestrator owns the top-level reconciliation loop (component
// H): for each IP it wires the checker, reconciler, throttle store, and
// ticket deduplicator together, emits the per-IP structured record, and
// produces the final summary once the loop completes.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	multierror "github.com/hashicorp/go-multierror"
	"github.com/jedib0t/go-pretty/v6/table"

	"dnsbl-monitor/pkg/dnsbl"
	"dnsbl-monitor/pkg/health"
	"dnsbl-monitor/pkg/logging"
	"dnsbl-monitor/pkg/probe"
	"dnsbl-monitor/pkg/reconcile"
	"dnsbl-monitor/pkg/rerrors"
	"dnsbl-monitor/pkg/telemetry"
	"dnsbl-monitor/pkg/throttle"
	"dnsbl-monitor/pkg/tracker"
)

// Decision is the structured-output value for a per-IP record (§6);
// distinct from reconcile.Kind, which also distinguishes ZoneChange from
// NewListing internally.
type Decision string

const (
	DecisionClean  Decision = "CLEAN"
	DecisionListed Decision = "LISTED"
)

// PerIPRecord is one line of the per-IP structured output (spec.md §6).
type PerIPRecord struct {
	Timestamp     time.Time `json:"timestamp"`
	IP            string    `json:"ip"`
	ListedZones   []string  `json:"listed_zones"`
	UnknownZones  []string  `json:"unknown_zones"`
	Decision      Decision  `json:"decision"`
	DBChanges     bool      `json:"db_changes"`
	TrackerAction string    `json:"tracker_action"`
	DurationMS    int64     `json:"duration_ms"`
}

// Summary is the final structured-output line.
type Summary struct {
	TotalIPs       int     `json:"total_ips"`
	Listed         int     `json:"listed"`
	Cleared        int     `json:"cleared"`
	Unchanged      int     `json:"unchanged"`
	TrackerCreated int     `json:"tracker_created"`
	TrackerUpdated int     `json:"tracker_updated"`
	DNSFailures    int64   `json:"dns_failures"`
	DurationSec    float64 `json:"duration_sec"`
}

// Config holds the values the orchestrator needs beyond its collaborators.
// DryRun suppresses the store writes made here; tracker writes are
// suppressed by the Deduplicator's own DryRun setting.
type Config struct {
	Zones             []string
	ListedPriority    int
	CleanFallback     int
	DryRun            bool
	SupplementalProbe bool
}

// Orchestrator wires components C through I per run.
type Orchestrator struct {
	checker *dnsbl.Checker
	agg     *health.Aggregator
	store   throttle.Store
	dedup   *tracker.Deduplicator
	prober  *probe.Prober
	metrics *telemetry.Metrics
	logger  *logging.Logger
	cfg     Config
	out     *json.Encoder
	table   io.Writer
}

// New builds an Orchestrator. out is the structured-output destination
// (os.Stdout in production, a buffer in tests). tbl, if non-nil, receives
// an operator-facing rendered health table after each run; pass nil to
// skip it entirely (e.g. when stdout is being piped to a log collector).
func New(checker *dnsbl.Checker, agg *health.Aggregator, store throttle.Store, dedup *tracker.Deduplicator, prober *probe.Prober, metrics *telemetry.Metrics, logger *logging.Logger, cfg Config, out *json.Encoder, tbl io.Writer) *Orchestrator {
	return &Orchestrator{
		checker: checker,
		agg:     agg,
		store:   store,
		dedup:   dedup,
		prober:  prober,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
		out:     out,
		table:   tbl,
	}
}

// Run executes one full reconciliation pass over every row the store
// returns. It honours ctx's deadline (MAX_EXECUTION_TIME): on expiry it
// stops starting new IPs, flushes the summary it can produce, and returns
// ErrRunDeadline. An ErrStoreFatal, ErrTrackerAuth or
// ErrTrackerRetriesExhausted likewise stops the loop; the summary is still
// flushed and that error is returned.
func (o *Orchestrator) Run(ctx context.Context) (Summary, error) {
	start := time.Now()

	o.checker.SelfTest(ctx, o.cfg.Zones)

	rows, err := o.store.FetchIPs(ctx)
	if err != nil {
		return Summary{}, rerrors.Wrapf(rerrors.ErrStoreFatal, "fetching throttle rows: %v", err)
	}

	summary := Summary{TotalIPs: len(rows)}
	var nonFatal *multierror.Error
	var fatal error
	var deadlineHit bool
	isFatal := func(err error) bool {
		return errors.Is(err, rerrors.ErrStoreFatal) || errors.Is(err, rerrors.ErrTrackerAuth) || errors.Is(err, rerrors.ErrTrackerRetriesExhausted)
	}

	for _, row := range rows {
		select {
		case <-ctx.Done():
			deadlineHit = true
		default:
		}
		if deadlineHit {
			break
		}

		rec, kind, err := o.processOne(ctx, row)
		if err != nil {
			err = fmt.Errorf("ip %s: %w", row.IP, err)
			if isFatal(err) {
				fatal = err
				break
			}
			nonFatal = multierror.Append(nonFatal, err)
			continue
		}

		o.tally(&summary, rec, kind)
		if err := o.out.Encode(rec); err != nil {
			o.logger.Error("failed to emit per-ip record", "ip", row.IP, "error", err)
		}
	}

	healthSummary := o.agg.Summarize()
	var probeResult probe.Result
	if o.cfg.SupplementalProbe && healthSummary.BrokenFraction >= 0.5 {
		probeResult = o.prober.Probe(ctx)
	}

	if healthSummary.BrokenFraction >= 0.5 {
		report := buildFailureReport(healthSummary)
		if _, err := o.dedup.MassDNSFailure(ctx, start, healthSummary.BrokenFraction, report); err != nil {
			err = fmt.Errorf("mass dns failure ticket: %w", err)
			if isFatal(err) && fatal == nil {
				fatal = err
			} else {
				nonFatal = multierror.Append(nonFatal, err)
			}
		}
	}

	summary.DNSFailures = healthSummary.TotalIPChecks - sumSuccesses(healthSummary)
	summary.DurationSec = time.Since(start).Seconds()

	if err := o.out.Encode(summary); err != nil {
		o.logger.Error("failed to emit summary record", "error", err)
	}
	o.emitHealthSummary(healthSummary, probeResult, time.Since(start))
	o.emitPrunedZones(healthSummary)

	if o.metrics != nil {
		o.metrics.RunDuration.Record(ctx, summary.DurationSec)
	}

	if fatal != nil {
		return summary, fatal
	}
	if deadlineHit {
		return summary, rerrors.Wrap(rerrors.ErrRunDeadline, "run deadline exceeded, summary flushed with partial results")
	}
	if nonFatal != nil && nonFatal.Len() > 0 {
		o.logger.Warn("run completed with non-fatal per-ip errors", "count", nonFatal.Len())
	}
	return summary, nil
}

// processOne runs steps 1-5 of §4.H for a single row.
func (o *Orchestrator) processOne(ctx context.Context, row throttle.Record) (PerIPRecord, reconcile.Kind, error) {
	ipStart := time.Now()

	classifications, err := o.checker.Check(ctx, row.IP, o.cfg.Zones)
	if err != nil {
		return PerIPRecord{}, reconcile.NoOp, err
	}

	var listed, unknown []string
	for zone, class := range classifications {
		switch class.Result {
		case dnsbl.ResultListed:
			listed = append(listed, zone)
		case dnsbl.ResultUnknown:
			unknown = append(unknown, zone)
		}
	}
	sort.Strings(listed)
	sort.Strings(unknown)

	decision := reconcile.Decide(row.BlockingLists, listed)

	rec := PerIPRecord{
		Timestamp:     time.Now().UTC(),
		IP:            row.IP,
		ListedZones:   orEmpty(listed),
		UnknownZones:  orEmpty(unknown),
		Decision:      DecisionClean,
		TrackerAction: string(tracker.ActionNone),
	}
	if decision.Kind == reconcile.NewListing || decision.Kind == reconcile.ZoneChange {
		rec.Decision = DecisionListed
	}

	if decision.Kind == reconcile.NoOp {
		rec.DurationMS = time.Since(ipStart).Milliseconds()
		return rec, decision.Kind, nil
	}

	applied, action, err := o.applyDecision(ctx, row, decision, listed)
	if err != nil {
		return PerIPRecord{}, reconcile.NoOp, err
	}
	rec.DBChanges = applied
	rec.TrackerAction = string(action)
	rec.DurationMS = time.Since(ipStart).Milliseconds()
	return rec, decision.Kind, nil
}

// applyDecision writes through (F) then (G), per the decision kind.
func (o *Orchestrator) applyDecision(ctx context.Context, row throttle.Record, decision reconcile.Decision, listed []string) (bool, tracker.Action, error) {
	report := fmt.Sprintf("listed zones: %v", listed)

	switch decision.Kind {
	case reconcile.NewListing:
		if o.cfg.DryRun {
			o.logger.Info("dry-run: would apply NewListing", "ip", row.IP, "zones", decision.Zones)
			action, err := o.dedup.NewListing(ctx, row.IP, decision.Zones, report)
			return false, action, err
		}
		applied, err := o.store.NewListing(ctx, row.ID, decision.Zones, o.cfg.ListedPriority)
		if err != nil {
			return false, tracker.ActionNone, rerrors.Wrapf(rerrors.ErrStoreFatal, "newListing write for %s: %v", row.IP, err)
		}
		if !applied {
			// StoreConflict (spec.md §7): zero rows affected, recorded on
			// the per-IP record, no ticket side-effect.
			return false, tracker.ActionNone, nil
		}
		if o.metrics != nil {
			o.metrics.IPsListed.Add(ctx, 1)
		}
		action, err := o.dedup.NewListing(ctx, row.IP, decision.Zones, report)
		return applied, action, err

	case reconcile.ZoneChange:
		delta := fmt.Sprintf("blocking zone set changed to %s", decision.Zones)
		if o.cfg.DryRun {
			o.logger.Info("dry-run: would apply ZoneChange", "ip", row.IP, "zones", decision.Zones)
			action, err := o.dedup.ZoneChange(ctx, row.IP, decision.Zones, delta)
			return false, action, err
		}
		applied, err := o.store.ZoneChange(ctx, row.ID, decision.Zones)
		if err != nil {
			return false, tracker.ActionNone, rerrors.Wrapf(rerrors.ErrStoreFatal, "zoneChange write for %s: %v", row.IP, err)
		}
		if !applied {
			return false, tracker.ActionNone, nil
		}
		action, err := o.dedup.ZoneChange(ctx, row.IP, decision.Zones, delta)
		return applied, action, err

	case reconcile.Cleared:
		if o.cfg.DryRun {
			o.logger.Info("dry-run: would apply Cleared", "ip", row.IP)
			action, err := o.dedup.Cleared(ctx, row.IP)
			return false, action, err
		}
		applied, err := o.store.Cleared(ctx, row.ID, o.cfg.CleanFallback)
		if err != nil {
			return false, tracker.ActionNone, rerrors.Wrapf(rerrors.ErrStoreFatal, "cleared write for %s: %v", row.IP, err)
		}
		if !applied {
			return false, tracker.ActionNone, nil
		}
		if o.metrics != nil {
			o.metrics.IPsCleared.Add(ctx, 1)
		}
		action, err := o.dedup.Cleared(ctx, row.IP)
		return applied, action, err

	default:
		return false, tracker.ActionNone, nil
	}
}

func (o *Orchestrator) tally(s *Summary, rec PerIPRecord, kind reconcile.Kind) {
	switch kind {
	case reconcile.NewListing, reconcile.ZoneChange:
		s.Listed++
	case reconcile.Cleared:
		s.Cleared++
	default:
		s.Unchanged++
	}
	switch rec.TrackerAction {
	case string(tracker.ActionCreate):
		s.TrackerCreated++
	case string(tracker.ActionComment):
		s.TrackerUpdated++
	}
}

func sumSuccesses(h health.Summary) int64 {
	var total int64
	for _, z := range h.Zones {
		total += z.Successes
	}
	return total
}

func buildFailureReport(h health.Summary) string {
	names := make([]string, 0, len(h.Zones))
	for name := range h.Zones {
		names = append(names, name)
	}
	sort.Strings(names)

	report := ""
	for _, name := range names {
		z := h.Zones[name]
		report += fmt.Sprintf("%s: status=%s checks=%d failures=%d rate=%.2f\n", name, z.Status, z.Checks, z.Failures, z.FailureRate)
	}
	return report
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// healthZoneRecord is one line of the health summary's per-zone section.
type healthZoneRecord struct {
	Zone             string                       `json:"zone"`
	Status           string                       `json:"status"`
	ChecksPerformed  int64                        `json:"checks_performed"`
	SuccessfulChecks int64                        `json:"successful_checks"`
	FailedChecks     int64                        `json:"failed_checks"`
	FailureRate      float64                      `json:"failure_rate"`
	FailureTypes     map[health.FailureKind]int64 `json:"failure_types"`
}

type executionRollup struct {
	TotalDNSBLs          int   `json:"total_dnsbls"`
	BrokenDNSBLs         int   `json:"broken_dnsbls"`
	NetworkIssueDetected bool  `json:"network_issue_detected"`
	TotalIPChecks        int64 `json:"total_ip_checks"`
	ExecutionDurationMS  int64 `json:"execution_duration_ms"`
}

type probeRecord struct {
	CheckEnabled        bool `json:"check_enabled"`
	CloudflareReachable bool `json:"cloudflare_reachable"`
	GoogleReachable     bool `json:"google_reachable"`
}

func (o *Orchestrator) emitHealthSummary(h health.Summary, pr probe.Result, elapsed time.Duration) {
	rollup := executionRollup{
		TotalDNSBLs:          h.TotalDNSBLs,
		BrokenDNSBLs:         h.BrokenDNSBLs,
		NetworkIssueDetected: h.NetworkOutage(pr.BothFailed()),
		TotalIPChecks:        h.TotalIPChecks,
		ExecutionDurationMS:  elapsed.Milliseconds(),
	}
	if err := o.out.Encode(rollup); err != nil {
		o.logger.Error("failed to emit health rollup", "error", err)
	}

	names := make([]string, 0, len(h.Zones))
	for name := range h.Zones {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		z := h.Zones[name]
		rec := healthZoneRecord{
			Zone: name, Status: z.Status, ChecksPerformed: z.Checks,
			SuccessfulChecks: z.Successes, FailedChecks: z.Failures,
			FailureRate: z.FailureRate, FailureTypes: z.FailureKinds,
		}
		if err := o.out.Encode(rec); err != nil {
			o.logger.Error("failed to emit zone health record", "zone", name, "error", err)
		}
	}

	if err := o.out.Encode(probeRecord{
		CheckEnabled:        pr.Enabled,
		CloudflareReachable: pr.CloudflareReachable,
		GoogleReachable:     pr.GoogleReachable,
	}); err != nil {
		o.logger.Error("failed to emit probe record", "error", err)
	}

	if o.table != nil {
		o.renderHealthTable(h, names)
	}
}

// renderHealthTable writes an operator-facing table of per-zone health to
// o.table. It is a convenience alongside the machine-parseable JSON lines,
// not a replacement for them.
func (o *Orchestrator) renderHealthTable(h health.Summary, sortedZones []string) {
	t := table.NewWriter()
	t.SetOutputMirror(o.table)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Zone", "Status", "Checks", "Failures", "Failure Rate"})
	for _, name := range sortedZones {
		z := h.Zones[name]
		t.AppendRow([]any{name, z.Status, z.Checks, z.Failures, fmt.Sprintf("%.2f", z.FailureRate)})
	}
	t.Render()
}

type prunedZoneArtefact struct {
	Header  string   `json:"header"`
	Healthy []string `json:"healthy_zones"`
}

func (o *Orchestrator) emitPrunedZones(h health.Summary) {
	if h.AllBroken() {
		o.logger.Warn("every configured zone is broken, not suggesting a pruned list")
		return
	}
	pruned := h.PrunedZones()
	removed := make([]string, 0)
	for name, z := range h.Zones {
		if z.Status != "healthy" {
			removed = append(removed, name)
		}
	}
	sort.Strings(removed)

	artefact := prunedZoneArtefact{
		Header:  fmt.Sprintf("removed zones: %v", removed),
		Healthy: pruned,
	}
	if err := o.out.Encode(artefact); err != nil {
		o.logger.Error("failed to emit pruned zone artefact", "error", err)
	}
}

// NewStdoutEncoder is a small convenience for main.
func NewStdoutEncoder() *json.Encoder {
	return json.NewEncoder(os.Stdout)
}
