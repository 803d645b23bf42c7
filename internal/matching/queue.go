// Package matching owns the waiting pool and the interest-based matching
// algorithm. Matching is deliberately greedy first-fit over the pool in
// arrival order: the first candidate with at least two shared interests wins,
// then the first with one, then the oldest waiter unconditionally. It never
// searches for the globally best overlap.
package matching

import "sync"

// Entry represents a participant waiting for a partner.
type Entry struct {
	ParticipantID string
	Interests     []string
}

// Queue is the ordered pool of participants waiting for a partner. The queue
// holds at most one entry per participant.
type Queue struct {
	mu      sync.Mutex
	entries []*Entry
	present map[string]struct{}
}

// NewQueue creates an empty waiting pool.
func NewQueue() *Queue {
	return &Queue{
		present: make(map[string]struct{}),
	}
}

// Enqueue appends a waiting entry in arrival order. It is idempotent: if the
// participant already has an entry the call is a no-op and returns false.
func (q *Queue) Enqueue(participantID string, interests []string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.present[participantID]; ok {
		return false
	}
	q.entries = append(q.entries, &Entry{
		ParticipantID: participantID,
		Interests:     interests,
	})
	q.present[participantID] = struct{}{}
	return true
}

// Remove deletes the participant's waiting entry. Removing an absent
// participant is a no-op; the return value reports whether an entry existed.
func (q *Queue) Remove(participantID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(participantID)
}

func (q *Queue) removeLocked(participantID string) bool {
	if _, ok := q.present[participantID]; !ok {
		return false
	}
	delete(q.present, participantID)
	for i, e := range q.entries {
		if e.ParticipantID == participantID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			break
		}
	}
	return true
}

// Match runs the first-fit algorithm for a requester against the current
// pool and, on success, removes the matched entry in the same step so no
// concurrent attempt can claim it twice. It returns the matched entry and the
// common-interest set, or (nil, nil) if the pool is empty.
//
// Priority order:
//  1. first entry (FIFO) sharing at least two interests with the requester
//  2. first entry sharing at least one interest
//  3. the oldest entry, with an empty common-interest set
func (q *Queue) Match(requesterID string, interests []string) (*Entry, []string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var candidate *Entry
	var common []string

	// Pass 1: two or more shared interests.
	for _, e := range q.entries {
		if e.ParticipantID == requesterID {
			continue
		}
		if c := CommonInterests(interests, e.Interests); len(c) >= 2 {
			candidate, common = e, c
			break
		}
	}

	// Pass 2: any shared interest.
	if candidate == nil {
		for _, e := range q.entries {
			if e.ParticipantID == requesterID {
				continue
			}
			if c := CommonInterests(interests, e.Interests); len(c) >= 1 {
				candidate, common = e, c
				break
			}
		}
	}

	// Pass 3: unconditional fallback to the oldest waiter.
	if candidate == nil {
		for _, e := range q.entries {
			if e.ParticipantID == requesterID {
				continue
			}
			candidate, common = e, []string{}
			break
		}
	}

	if candidate == nil {
		return nil, nil
	}

	q.removeLocked(candidate.ParticipantID)
	return candidate, common
}

// Contains reports whether the participant has a waiting entry.
func (q *Queue) Contains(participantID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.present[participantID]
	return ok
}

// Len returns the number of waiting entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// CommonInterests returns the interests of a waiting candidate that the
// requester also declared, preserving the candidate's declaration order.
func CommonInterests(requester, candidate []string) []string {
	if len(requester) == 0 || len(candidate) == 0 {
		return []string{}
	}
	set := make(map[string]struct{}, len(requester))
	for _, tag := range requester {
		set[tag] = struct{}{}
	}
	common := []string{}
	for _, tag := range candidate {
		if _, ok := set[tag]; ok {
			common = append(common, tag)
		}
	}
	return common
}
