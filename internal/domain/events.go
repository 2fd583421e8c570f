/**************************
File: events.go
Author: Mingyi Lim
Description: This file contains the events produced while processing a tick, and the handlers printing them to the console.
***************************/

package domain

import (
	"github.com/mingyi850/repcrec2pl/internal/utils"
)

type EventKind int

const (
	EventBegan EventKind = iota
	EventRead
	EventWrote
	EventBuffered
	EventCommitted
	EventCommitDeferred
	EventAborted
	EventRejected
	EventSiteFailed
	EventSiteRecovered
	EventDeadlock
	EventDumped
)

type AbortReason string

const (
	AbortSiteFailure AbortReason = "site failure"
	AbortDeadlock    AbortReason = "deadlock"
)

/*
A single decision of the engine. Only the fields relevant to Kind are set.
Replayed marks reads, writes and buffers produced by replaying a buffered operation.
Changed marks a replayed buffer whose cause or blocker is not the one it was last buffered with.
*/
type Event struct {
	Kind        EventKind
	Transaction int
	Key         int
	Value       int
	Site        int
	Sites       []int
	BlockedBy   int
	Cause       BufferCause
	Reason      string
	Replayed    bool
	Changed     bool
	Snapshots   []SiteSnapshot
}

/* Every event of one tick, in the order decisions were taken */
type TickReport struct {
	Tick   int
	Events []Event
}

/* Returns the events of the given kind */
func (r TickReport) Filter(kind EventKind) []Event {
	result := make([]Event, 0)
	for _, event := range r.Events {
		if event.Kind == kind {
			result = append(result, event)
		}
	}
	return result
}

/*
*************
Utility Functions
*************
*/

/* Handles the printed output of every event in the report */
func HandleTickReport(report TickReport) {
	for _, event := range report.Events {
		HandleEvent(event)
	}
}

/* Handles the printed output of a single event. Operations still blocked for the same reason on replay are not printed again */
func HandleEvent(event Event) {
	switch event.Kind {
	case EventBegan:
		return
	case EventRead:
		utils.LogRead(event.Transaction, event.Key, event.Value)
	case EventWrote:
		utils.LogWrite(event.Transaction, event.Key, event.Sites)
	case EventBuffered:
		if event.Replayed && !event.Changed {
			return
		}
		switch event.Cause {
		case TransactionBlocked:
			utils.LogWait(event.Transaction, event.BlockedBy)
		case VariableUnavailable:
			utils.LogWaitForSite(event.Transaction, event.Key)
		}
	case EventCommitted:
		utils.LogCommit(event.Transaction)
	case EventCommitDeferred:
		utils.LogCommitDeferred(event.Transaction, event.Reason)
	case EventAborted:
		utils.LogAbort(event.Transaction, event.Reason)
	case EventRejected:
		utils.LogRejected(event.Reason)
	case EventSiteFailed:
		utils.LogSiteFailed(event.Site)
	case EventSiteRecovered:
		utils.LogSiteRecovered(event.Site)
	case EventDeadlock:
		utils.LogDeadlock(event.Transaction)
	case EventDumped:
		for _, snapshot := range event.Snapshots {
			utils.LogDump(snapshot.String())
		}
	}
}
