package tracker

import (
	"context"
	"testing"
	"time"

	"dnsbl-monitor/pkg/logging"
)

type fakeTracker struct {
	issues  []Issue
	created []NewIssue
	comments map[string][]string
	nextKey int
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{comments: make(map[string][]string)}
}

func (f *fakeTracker) Search(ctx context.Context, q SearchQuery, limit int) ([]Issue, error) {
	var matches []Issue
	for _, iss := range f.issues {
		if iss.Project != q.Project {
			continue
		}
		if containsStatus(q.ExcludedStatuses, iss.Status) {
			continue
		}
		if !contains(iss.Summary, q.SummaryContains) {
			continue
		}
		matches = append(matches, iss)
	}
	return matches, nil
}

func (f *fakeTracker) Create(ctx context.Context, issue NewIssue) (string, error) {
	f.nextKey++
	key := "FAKE-" + string(rune('0'+f.nextKey))
	f.created = append(f.created, issue)
	f.issues = append(f.issues, Issue{
		Key: key, Project: issue.Project, Type: issue.Type,
		Summary: issue.Summary, CreatedAt: time.Now(),
	})
	return key, nil
}

func (f *fakeTracker) Comment(ctx context.Context, key, body string) error {
	f.comments[key] = append(f.comments[key], body)
	return nil
}

func containsStatus(excluded []string, status string) bool {
	for _, s := range excluded {
		if s == status {
			return true
		}
	}
	return false
}

func contains(haystack, needle string) bool {
	if needle == "" {
		return true
	}
	return len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

func newTestDeduplicator(ft *fakeTracker, dryRun bool) *Deduplicator {
	return NewDeduplicator(ft, Config{
		Project:          "OPS",
		IssueType:        "Bug",
		DNSFailureType:   "Incident",
		ExcludedStatuses: []string{"Done", "Closed"},
		DryRun:           dryRun,
	}, logging.NewDefault())
}

func TestNewListingCreatesWhenNoExistingTicket(t *testing.T) {
	ft := newFakeTracker()
	d := newTestDeduplicator(ft, false)

	action, err := d.NewListing(context.Background(), "203.0.113.45", "zen.x.org", "report")
	if err != nil {
		t.Fatalf("NewListing() error: %v", err)
	}
	if action != ActionCreate {
		t.Errorf("action = %v, want create", action)
	}
	if len(ft.created) != 1 {
		t.Fatalf("expected one created issue, got %d", len(ft.created))
	}
	if ft.created[0].Summary != "IP 203.0.113.45 blacklisted by zen.x.org" {
		t.Errorf("unexpected summary: %q", ft.created[0].Summary)
	}
}

func TestNewListingCommentsWhenTicketExists(t *testing.T) {
	ft := newFakeTracker()
	ft.issues = append(ft.issues, Issue{Key: "OPS-1", Project: "OPS", Summary: "IP 203.0.113.45 blacklisted by zen.x.org", CreatedAt: time.Now()})
	d := newTestDeduplicator(ft, false)

	action, err := d.NewListing(context.Background(), "203.0.113.45", "zen.x.org,bl.y.org", "report")
	if err != nil {
		t.Fatalf("NewListing() error: %v", err)
	}
	if action != ActionComment {
		t.Errorf("action = %v, want comment", action)
	}
	if len(ft.comments["OPS-1"]) != 1 {
		t.Fatalf("expected one comment on OPS-1, got %v", ft.comments)
	}
}

func TestDryRunSuppressesWrites(t *testing.T) {
	ft := newFakeTracker()
	d := newTestDeduplicator(ft, true)

	action, err := d.NewListing(context.Background(), "203.0.113.45", "zen.x.org", "report")
	if err != nil {
		t.Fatalf("NewListing() error: %v", err)
	}
	if action != ActionCreate {
		t.Errorf("action = %v, want create (logged, not written)", action)
	}
	if len(ft.created) != 0 {
		t.Errorf("dry-run must not create an issue, got %d", len(ft.created))
	}
}

func TestZoneChangeRecreatesWhenOperatorClosedTicket(t *testing.T) {
	ft := newFakeTracker()
	d := newTestDeduplicator(ft, false)

	action, err := d.ZoneChange(context.Background(), "203.0.113.45", "zen.x.org,bl.y.org", "added bl.y.org")
	if err != nil {
		t.Fatalf("ZoneChange() error: %v", err)
	}
	if action != ActionCreate {
		t.Errorf("action = %v, want create (single recovery path)", action)
	}
}

func TestClearedCommentsOnOpenTicketAndNeverCloses(t *testing.T) {
	ft := newFakeTracker()
	ft.issues = append(ft.issues, Issue{Key: "OPS-2", Project: "OPS", Summary: "IP 203.0.113.45 blacklisted by zen.x.org", Status: "Open", CreatedAt: time.Now()})
	d := newTestDeduplicator(ft, false)

	action, err := d.Cleared(context.Background(), "203.0.113.45")
	if err != nil {
		t.Fatalf("Cleared() error: %v", err)
	}
	if action != ActionComment {
		t.Errorf("action = %v, want comment", action)
	}
	if ft.issues[0].Status == "Closed" {
		t.Error("Cleared() must never close the ticket")
	}
}

func TestClearedIsNoOpWithoutExistingTicket(t *testing.T) {
	ft := newFakeTracker()
	d := newTestDeduplicator(ft, false)

	action, err := d.Cleared(context.Background(), "203.0.113.45")
	if err != nil {
		t.Fatalf("Cleared() error: %v", err)
	}
	if action != ActionNone {
		t.Errorf("action = %v, want none", action)
	}
}

func TestMassDNSFailureDeduplicatesPerCalendarDay(t *testing.T) {
	ft := newFakeTracker()
	d := newTestDeduplicator(ft, false)
	day := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)

	action1, err := d.MassDNSFailure(context.Background(), day, 0.6, "report")
	if err != nil {
		t.Fatalf("MassDNSFailure() error: %v", err)
	}
	if action1 != ActionCreate {
		t.Errorf("first call action = %v, want create", action1)
	}

	action2, err := d.MassDNSFailure(context.Background(), day, 0.75, "report2")
	if err != nil {
		t.Fatalf("MassDNSFailure() second call error: %v", err)
	}
	if action2 != ActionNone {
		t.Errorf("second call on same day action = %v, want none (deduplicated)", action2)
	}
	if len(ft.created) != 1 {
		t.Errorf("expected exactly one mass-failure ticket, got %d", len(ft.created))
	}
}

func TestMultipleMatchesChoosesMostRecent(t *testing.T) {
	ft := newFakeTracker()
	older := time.Now().Add(-48 * time.Hour)
	newer := time.Now().Add(-1 * time.Hour)
	ft.issues = append(ft.issues,
		Issue{Key: "OPS-OLD", Project: "OPS", Summary: "IP 203.0.113.45 blacklisted by zen.x.org", CreatedAt: older},
		Issue{Key: "OPS-NEW", Project: "OPS", Summary: "IP 203.0.113.45 blacklisted by zen.x.org", CreatedAt: newer},
	)
	d := newTestDeduplicator(ft, false)

	if _, err := d.Cleared(context.Background(), "203.0.113.45"); err != nil {
		t.Fatalf("Cleared() error: %v", err)
	}
	if len(ft.comments["OPS-NEW"]) != 1 {
		t.Errorf("expected comment on most-recent issue OPS-NEW, got comments: %v", ft.comments)
	}
	if len(ft.comments["OPS-OLD"]) != 0 {
		t.Errorf("should not comment on older issue OPS-OLD, got comments: %v", ft.comments)
	}
}
