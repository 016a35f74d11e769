package runner

import (
	"fmt"
	"time"

	"github.com/dhcgn/mail-to-expense/model"
	"github.com/dhcgn/mail-to-expense/stats"
)

// ItemState is the last lifecycle step an item reached.
type ItemState string

const (
	StateFetched      ItemState = "fetched"
	StateParsed       ItemState = "parsed"
	StateRecorded     ItemState = "recorded"
	StateNotified     ItemState = "notified"
	StateAcknowledged ItemState = "acknowledged"
	StateFailed       ItemState = "failed"
)

// ItemFailure is the error that stopped one item, tagged with the stage that
// produced it.
type ItemFailure struct {
	ItemID string
	Stage  stats.Stage
	// Reached is the last step completed before the failure.
	Reached ItemState
	Err     error
}

func (f *ItemFailure) Error() string {
	return fmt.Sprintf("item %s: %s stage: %v", f.ItemID, f.Stage, f.Err)
}

func (f *ItemFailure) Unwrap() error { return f.Err }

// ItemOutcome is the final state of one fetched item.
type ItemOutcome struct {
	ItemID string
	State  ItemState
}

type Report struct {
	RunID     string
	Started   time.Time
	Duration  time.Duration
	Fetched   int
	Succeeded int
	Failures  []*ItemFailure
	// Items holds one outcome per fetched item in batch order, so items
	// sharing an ID keep separate entries.
	Items []ItemOutcome
}

// Failed reports whether any item did not reach Acknowledged.
func (r Report) Failed() bool {
	return len(r.Failures) > 0
}

func (r *Report) collect(items []model.RawItem, results []itemResult) {
	r.Items = make([]ItemOutcome, len(items))
	for i, item := range items {
		res := results[i]
		r.Items[i] = ItemOutcome{ItemID: item.ID, State: res.state}
		if res.failure != nil {
			r.Failures = append(r.Failures, res.failure)
			continue
		}
		if res.state == StateAcknowledged {
			r.Succeeded++
		}
	}
}
