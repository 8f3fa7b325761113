package webhook

import (
	"testing"
	"time"

	"github.com/ledgersync/ledgersync/internal/connectors/registry"
)

func TestQueueMarkDeduplicates(t *testing.T) {
	q := NewQueue()

	req := registry.ResyncRequest{Entity: "invoice", ExternalID: "inv-1", Event: "invoice.updated"}
	q.Mark("xero", "tenant-a", req)
	q.Mark("xero", "tenant-a", req)
	q.Mark("xero", "tenant-a", registry.ResyncRequest{Entity: "invoice", ExternalID: "inv-2", Event: "invoice.created"})

	if got := q.Depth("xero"); got != 2 {
		t.Fatalf("expected depth 2 after duplicate marks, got %d", got)
	}
}

func TestQueueDrainScopedToVendorAccount(t *testing.T) {
	q := NewQueue()
	q.Mark("xero", "tenant-a", registry.ResyncRequest{Entity: "invoice", ExternalID: "1"})
	q.Mark("xero", "tenant-b", registry.ResyncRequest{Entity: "invoice", ExternalID: "2"})
	q.Mark("quickbooks", "realm", registry.ResyncRequest{Entity: "customer", ExternalID: "3"})

	got := q.Drain("xero", "tenant-a")
	if len(got) != 1 || got[0].ExternalID != "1" {
		t.Fatalf("unexpected drain result: %+v", got)
	}
	if q.Depth("xero") != 1 {
		t.Fatalf("expected tenant-b entry to remain, depth %d", q.Depth("xero"))
	}
	if q.Depth("quickbooks") != 1 {
		t.Fatalf("expected quickbooks entry untouched")
	}

	if again := q.Drain("xero", "tenant-a"); len(again) != 0 {
		t.Fatalf("expected second drain empty, got %+v", again)
	}
}

func TestQueueDropsMarksOlderThanWindow(t *testing.T) {
	q := NewExpiringQueue(time.Hour)
	base := time.Now()
	now := base
	q.now = func() time.Time { return now }

	q.Mark("xero", "tenant-a", registry.ResyncRequest{Entity: "invoice", ExternalID: "stale"})
	now = base.Add(30 * time.Minute)
	q.Mark("xero", "tenant-a", registry.ResyncRequest{Entity: "invoice", ExternalID: "live"})

	now = base.Add(90 * time.Minute)
	if got := q.Depth("xero"); got != 1 {
		t.Fatalf("expected only the live mark, depth %d", got)
	}
	got := q.Drain("xero", "tenant-a")
	if len(got) != 1 || got[0].ExternalID != "live" {
		t.Fatalf("expected stale mark dropped, got %+v", got)
	}
}

func TestQueueWithoutWindowNeverExpires(t *testing.T) {
	q := NewQueue()
	base := time.Now()
	q.now = func() time.Time { return base.Add(-48 * time.Hour) }
	q.Mark("xero", "tenant-a", registry.ResyncRequest{Entity: "invoice", ExternalID: "old"})
	q.now = func() time.Time { return base }

	if got := q.Drain("xero", "tenant-a"); len(got) != 1 {
		t.Fatalf("expected mark retained without a window, got %+v", got)
	}
}

func TestQueueIgnoresIncompleteMarks(t *testing.T) {
	q := NewQueue()
	q.Mark("", "acct", registry.ResyncRequest{Entity: "invoice", ExternalID: "1"})
	q.Mark("xero", "acct", registry.ResyncRequest{Entity: "", ExternalID: "1"})
	q.Mark("xero", "acct", registry.ResyncRequest{Entity: "invoice", ExternalID: " "})
	if got := q.Depth("xero"); got != 0 {
		t.Fatalf("expected incomplete marks dropped, depth %d", got)
	}
}
