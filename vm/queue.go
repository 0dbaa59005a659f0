package vm

import "slices"

// ---------------------------------------------------------------------------
// Queue objects
// ---------------------------------------------------------------------------

// QueueEvent selects which membership callback a queue fires.
type QueueEvent int

const (
	QueueOnLogout    QueueEvent = iota // member disconnected
	QueueOnDeath                       // member died
	QueueOnMapChange                   // member changed location
	queueEventCount
)

var queueEventNames = [...]string{"QUEUE_ON_LOGOUT", "QUEUE_ON_DEATH", "QUEUE_ON_MAPCHANGE"}

func (ev QueueEvent) String() string {
	if ev >= 0 && int(ev) < len(queueEventNames) {
		return queueEventNames[ev]
	}
	return "QUEUE_ON_UNKNOWN"
}

// Queue is an ordered set of actor ids owned by scripts.
type Queue struct {
	ID        int
	members   []int
	callbacks [queueEventCount]string // "Unit::Label" per event
}

// Members returns a copy of the member list.
func (q *Queue) Members() []int {
	return slices.Clone(q.members)
}

// Size returns the number of members.
func (q *Queue) Size() int { return len(q.members) }

// Has reports membership.
func (q *Queue) Has(v int) bool { return slices.Contains(q.members, v) }

// Callback returns the event label of ev, or "".
func (q *Queue) Callback(ev QueueEvent) string {
	if ev < 0 || ev >= queueEventCount {
		return ""
	}
	return q.callbacks[ev]
}

// QueueIterator walks a snapshot of a queue. It is finite and cannot be
// restarted.
type QueueIterator struct {
	ID      int
	members []int
	pos     int
}

// Next returns the next member, or false when exhausted.
func (it *QueueIterator) Next() (int, bool) {
	if it.pos >= len(it.members) {
		return 0, false
	}
	v := it.members[it.pos]
	it.pos++
	return v, true
}

// More reports whether Next would return a member.
func (it *QueueIterator) More() bool { return it.pos < len(it.members) }

// QueueRegistry owns all queues and iterators. Ids start at 1.
type QueueRegistry struct {
	queues    map[int]*Queue
	iterators map[int]*QueueIterator
	nextQueue int
	nextIter  int
}

func newQueueRegistry() *QueueRegistry {
	return &QueueRegistry{
		queues:    make(map[int]*Queue),
		iterators: make(map[int]*QueueIterator),
	}
}

// Create makes an empty queue and returns its id.
func (r *QueueRegistry) Create() int {
	r.nextQueue++
	r.queues[r.nextQueue] = &Queue{ID: r.nextQueue}
	return r.nextQueue
}

// Get returns a queue by id.
func (r *QueueRegistry) Get(id int) (*Queue, bool) {
	q, ok := r.queues[id]
	return q, ok
}

// Add appends v unless already present. It reports whether v was added.
func (r *QueueRegistry) Add(id, v int) bool {
	q, ok := r.queues[id]
	if !ok || q.Has(v) {
		return false
	}
	q.members = append(q.members, v)
	return true
}

// Remove deletes v. It reports whether v was a member.
func (r *QueueRegistry) Remove(id, v int) bool {
	q, ok := r.queues[id]
	if !ok {
		return false
	}
	i := slices.Index(q.members, v)
	if i < 0 {
		return false
	}
	q.members = slices.Delete(q.members, i, i+1)
	return true
}

// Clear empties a queue.
func (r *QueueRegistry) Clear(id int) bool {
	q, ok := r.queues[id]
	if !ok {
		return false
	}
	q.members = nil
	return true
}

// Delete destroys a queue. Its pending callbacks are dropped.
func (r *QueueRegistry) Delete(id int) bool {
	if _, ok := r.queues[id]; !ok {
		return false
	}
	delete(r.queues, id)
	return true
}

// SetCallback sets or clears ("" ) the event label of a queue.
func (r *QueueRegistry) SetCallback(id int, ev QueueEvent, event string) bool {
	q, ok := r.queues[id]
	if !ok || ev < 0 || ev >= queueEventCount {
		return false
	}
	q.callbacks[ev] = event
	return true
}

// Iterate snapshots a queue into a new iterator.
func (r *QueueRegistry) Iterate(id int) (*QueueIterator, bool) {
	q, ok := r.queues[id]
	if !ok {
		return nil, false
	}
	r.nextIter++
	it := &QueueIterator{ID: r.nextIter, members: q.Members()}
	r.iterators[it.ID] = it
	return it, true
}

// Iterator returns a live iterator by id.
func (r *QueueRegistry) Iterator(id int) (*QueueIterator, bool) {
	it, ok := r.iterators[id]
	return it, ok
}

// FreeIterator releases an iterator.
func (r *QueueRegistry) FreeIterator(id int) bool {
	if _, ok := r.iterators[id]; !ok {
		return false
	}
	delete(r.iterators, id)
	return true
}

// Len returns the number of live queues.
func (r *QueueRegistry) Len() int { return len(r.queues) }

// QueueHit is one callback owed after a membership event.
type QueueHit struct {
	Queue  int
	Member int
	Event  string // "Unit::Label", may be empty
}

// MemberEvent removes member from every queue that has a callback for ev or
// that must drop it, and returns the callbacks to fire. Each queue yields at
// most one hit per call, and queues deleted meanwhile yield none.
func (r *QueueRegistry) MemberEvent(member int, ev QueueEvent) []QueueHit {
	ids := make([]int, 0, len(r.queues))
	for id := range r.queues {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	var hits []QueueHit
	for _, id := range ids {
		q, ok := r.queues[id]
		if !ok || !q.Has(member) {
			continue
		}
		cb := q.Callback(ev)
		if cb == "" && ev != QueueOnLogout {
			continue
		}
		r.Remove(id, member)
		if cb != "" {
			hits = append(hits, QueueHit{Queue: id, Member: member, Event: cb})
		}
	}
	return hits
}
