package task

import "time"

// ClaimTimeout is how long a task may sit claimed before the maintenance
// loop auto-unclaims it (spec.md §4.4).
const ClaimTimeout = 24 * time.Hour

// InProgressTimeout is how long a task may sit in_progress before the
// maintenance loop auto-abandons it (spec.md §4.4).
const InProgressTimeout = 168 * time.Hour

// ReviewEscalateAfter is how long a task may sit in review before the
// maintenance loop escalates (publishes an event) without transitioning it
// (spec.md §4.4 — review never auto-transitions).
const ReviewEscalateAfter = 48 * time.Hour

// Escalation reports a review-state task that has exceeded
// ReviewEscalateAfter, for the maintenance loop to publish as an event.
type Escalation struct {
	TaskID string
	Since  time.Time
}

// EnforceTimeouts applies the time-based constraints of spec.md §4.4 to
// every task currently tracked by the store: claimed tasks older than
// ClaimTimeout are unclaimed, in_progress tasks older than
// InProgressTimeout are abandoned, and review tasks older than
// ReviewEscalateAfter are returned for the caller to publish as escalation
// events (review itself is never auto-transitioned).
func (s *Store) EnforceTimeouts(now time.Time) (unclaimed, abandoned []string, escalations []Escalation, err error) {
	claimed, err := s.List(StateClaimed)
	if err != nil {
		return nil, nil, nil, err
	}
	for _, t := range claimed {
		if t.ClaimedAt != nil && now.Sub(*t.ClaimedAt) > ClaimTimeout {
			if _, err := s.Unclaim(t.ID, "maintenance", "claim timeout"); err == nil {
				unclaimed = append(unclaimed, t.ID)
			}
		}
	}

	inProgress, err := s.List(StateInProgress)
	if err != nil {
		return unclaimed, nil, nil, err
	}
	for _, t := range inProgress {
		// The state was entered via `start`; the most recent history entry
		// for the in_progress transition marks when the clock for this
		// constraint starts.
		since := t.CreatedAt
		for _, h := range t.History {
			if h.To == StateInProgress {
				since = h.Timestamp
			}
		}
		if now.Sub(since) > InProgressTimeout {
			if _, err := s.Abandon(t.ID, "maintenance", "in-progress timeout"); err == nil {
				abandoned = append(abandoned, t.ID)
			}
		}
	}

	review, err := s.List(StateReview)
	if err != nil {
		return unclaimed, abandoned, nil, err
	}
	for _, t := range review {
		since := t.CreatedAt
		for _, h := range t.History {
			if h.To == StateReview {
				since = h.Timestamp
			}
		}
		if now.Sub(since) > ReviewEscalateAfter {
			escalations = append(escalations, Escalation{TaskID: t.ID, Since: since})
		}
	}

	return unclaimed, abandoned, escalations, nil
}
