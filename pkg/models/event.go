package models

import "fmt"

type EventKind string

const (
	EventPush        EventKind = "push"
	EventPullRequest EventKind = "pull_request"
)

// Event is the trigger that materializes a workflow run: a push to a branch
// or a pull request targeting one.
type Event struct {
	Kind   EventKind
	Branch string
}

// Ref returns the fully qualified git ref for the event branch.
func (e Event) Ref() string {
	return "refs/heads/" + e.Branch
}

// Matches reports whether the event should trigger a workflow with these
// filters. An empty branch list matches every branch.
func (t Triggers) Matches(e Event) bool {
	var filter *BranchFilter
	switch e.Kind {
	case EventPush:
		filter = t.Push
	case EventPullRequest:
		filter = t.PullRequest
	default:
		return false
	}

	if filter == nil {
		return false
	}
	if len(filter.Branches) == 0 {
		return true
	}
	for _, b := range filter.Branches {
		if b == e.Branch {
			return true
		}
	}
	return false
}

func (e Event) Validate() error {
	if e.Kind != EventPush && e.Kind != EventPullRequest {
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if e.Branch == "" {
		return fmt.Errorf("event branch cannot be empty")
	}
	return nil
}
