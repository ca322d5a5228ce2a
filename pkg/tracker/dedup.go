package tracker

import (
	"context"
	"fmt"
	"sort"
	"time"

	"dnsbl-monitor/pkg/logging"
)

// Action describes what, if anything, the deduplicator did against the
// tracker — surfaced on the per-IP structured record (spec.md §6).
type Action string

const (
	ActionNone    Action = "none"
	ActionCreate  Action = "create"
	ActionComment Action = "comment"
)

// Config holds the project/type/status fields the deduplicator needs,
// independent of transport (spec.md §6's TRACKER_* surface).
type Config struct {
	Project          string
	IssueType        string
	DNSFailureType   string
	ExcludedStatuses []string
	DryRun           bool
}

// Deduplicator implements the find/create/comment decision table of
// spec.md §4.G on top of a Tracker.
type Deduplicator struct {
	tracker Tracker
	cfg     Config
	logger  *logging.Logger
}

func NewDeduplicator(tracker Tracker, cfg Config, logger *logging.Logger) *Deduplicator {
	return &Deduplicator{tracker: tracker, cfg: cfg, logger: logger}
}

func ipSummary(ip string) string {
	return fmt.Sprintf("IP %s", ip)
}

// find runs the search step and applies the "most-recent wins, warn on
// multiple" Open Question resolution (spec.md §9).
func (d *Deduplicator) find(ctx context.Context, substring string) (*Issue, error) {
	issues, err := d.tracker.Search(ctx, SearchQuery{
		Project:          d.cfg.Project,
		ExcludedStatuses: d.cfg.ExcludedStatuses,
		SummaryContains:  substring,
	}, 25)
	if err != nil {
		return nil, err
	}
	if len(issues) == 0 {
		return nil, nil
	}
	sort.Slice(issues, func(i, j int) bool { return issues[i].CreatedAt.After(issues[j].CreatedAt) })
	if len(issues) > 1 {
		d.logger.Warn("multiple open tracker issues matched, using most recent",
			"substring", substring, "count", len(issues), "chosen_key", issues[0].Key)
	}
	chosen := issues[0]
	return &chosen, nil
}

// NewListing handles the clean→listed transition (spec.md §4.G).
func (d *Deduplicator) NewListing(ctx context.Context, ip, canonicalZones, report string) (Action, error) {
	summary := fmt.Sprintf("IP %s blacklisted by %s", ip, canonicalZones)
	existing, err := d.find(ctx, ipSummary(ip))
	if err != nil {
		return ActionNone, err
	}

	if existing == nil {
		if d.cfg.DryRun {
			d.logger.Info("dry-run: would create tracker issue", "summary", summary)
			return ActionCreate, nil
		}
		if _, err := d.tracker.Create(ctx, NewIssue{
			Project:     d.cfg.Project,
			Type:        d.cfg.IssueType,
			Summary:     summary,
			Description: report,
		}); err != nil {
			return ActionNone, err
		}
		return ActionCreate, nil
	}

	body := fmt.Sprintf("New listing detected: blocked by %s\n\n%s", canonicalZones, report)
	if d.cfg.DryRun {
		d.logger.Info("dry-run: would comment on tracker issue", "key", existing.Key)
		return ActionComment, nil
	}
	if err := d.tracker.Comment(ctx, existing.Key, body); err != nil {
		return ActionNone, err
	}
	return ActionComment, nil
}

// ZoneChange handles a listed IP whose blocking zone set changed.
func (d *Deduplicator) ZoneChange(ctx context.Context, ip, canonicalZones, delta string) (Action, error) {
	summary := fmt.Sprintf("IP %s blacklisted by %s", ip, canonicalZones)
	existing, err := d.find(ctx, ipSummary(ip))
	if err != nil {
		return ActionNone, err
	}

	// No open ticket: the operator must have closed the previous one
	// manually. This is the single recovery path (spec.md §4.G) — create
	// a fresh ticket rather than silently dropping the update.
	if existing == nil {
		if d.cfg.DryRun {
			d.logger.Info("dry-run: would create tracker issue (zone change, no open ticket)", "summary", summary)
			return ActionCreate, nil
		}
		if _, err := d.tracker.Create(ctx, NewIssue{
			Project:     d.cfg.Project,
			Type:        d.cfg.IssueType,
			Summary:     summary,
			Description: delta,
		}); err != nil {
			return ActionNone, err
		}
		return ActionCreate, nil
	}

	if d.cfg.DryRun {
		d.logger.Info("dry-run: would comment on tracker issue (zone change)", "key", existing.Key)
		return ActionComment, nil
	}
	if err := d.tracker.Comment(ctx, existing.Key, delta); err != nil {
		return ActionNone, err
	}
	return ActionComment, nil
}

// Cleared handles a listed→clean transition. Never closes the ticket.
func (d *Deduplicator) Cleared(ctx context.Context, ip string) (Action, error) {
	existing, err := d.find(ctx, ipSummary(ip))
	if err != nil {
		return ActionNone, err
	}
	if existing == nil {
		return ActionNone, nil
	}

	body := fmt.Sprintf("IP %s is no longer listed on any configured DNSBL.", ip)
	if d.cfg.DryRun {
		d.logger.Info("dry-run: would comment on tracker issue (cleared)", "key", existing.Key)
		return ActionComment, nil
	}
	if err := d.tracker.Comment(ctx, existing.Key, body); err != nil {
		return ActionNone, err
	}
	return ActionComment, nil
}

// MassDNSFailure creates (or finds) the single per-calendar-day
// deduplicated major-malfunction ticket when the health aggregator reports
// broken_fraction >= 0.5 (spec.md §4.G).
func (d *Deduplicator) MassDNSFailure(ctx context.Context, day time.Time, brokenFraction float64, report string) (Action, error) {
	dayTag := day.Format("2006-01-02")
	summary := fmt.Sprintf("DNSBL mass failure detected (%s): %.0f%% of zones broken", dayTag, brokenFraction*100)
	substring := fmt.Sprintf("DNSBL mass failure detected (%s)", dayTag)

	existing, err := d.find(ctx, substring)
	if err != nil {
		return ActionNone, err
	}
	if existing != nil {
		return ActionNone, nil
	}

	if d.cfg.DryRun {
		d.logger.Info("dry-run: would create mass-failure tracker issue", "summary", summary)
		return ActionCreate, nil
	}
	if _, err := d.tracker.Create(ctx, NewIssue{
		Project:     d.cfg.Project,
		Type:        d.cfg.DNSFailureType,
		Summary:     summary,
		Description: report,
	}); err != nil {
		return ActionNone, err
	}
	return ActionCreate, nil
}
