package vm

import (
	"slices"
	"testing"
)

func TestQueueRegistryMembership(t *testing.T) {
	r := newQueueRegistry()
	id := r.Create()
	if id != 1 || r.Create() != 2 {
		t.Fatal("queue ids do not start at 1")
	}
	if !r.Add(id, 10) || !r.Add(id, 11) {
		t.Fatal("Add failed")
	}
	if r.Add(id, 10) {
		t.Error("duplicate member added")
	}
	if r.Add(99, 1) {
		t.Error("Add to missing queue succeeded")
	}
	q, _ := r.Get(id)
	if !slices.Equal(q.Members(), []int{10, 11}) {
		t.Errorf("Members() = %v", q.Members())
	}
	if !r.Remove(id, 10) || r.Remove(id, 10) {
		t.Error("Remove should succeed exactly once")
	}
	if q.Size() != 1 || q.Has(10) {
		t.Errorf("after remove: %v", q.Members())
	}
	if !r.Clear(id) || q.Size() != 0 {
		t.Error("Clear failed")
	}
	if !r.Delete(id) || r.Delete(id) {
		t.Error("Delete should succeed exactly once")
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestQueueIteratorSnapshot(t *testing.T) {
	r := newQueueRegistry()
	id := r.Create()
	r.Add(id, 1)
	r.Add(id, 2)
	it, ok := r.Iterate(id)
	if !ok {
		t.Fatal("Iterate failed")
	}
	r.Add(id, 3)
	r.Remove(id, 1)

	var got []int
	for it.More() {
		v, _ := it.Next()
		got = append(got, v)
	}
	if !slices.Equal(got, []int{1, 2}) {
		t.Errorf("iterated %v, want snapshot [1 2]", got)
	}
	if _, ok := it.Next(); ok {
		t.Error("exhausted iterator returned a member")
	}
	if _, ok := r.Iterator(it.ID); !ok {
		t.Error("iterator not registered")
	}
	if !r.FreeIterator(it.ID) || r.FreeIterator(it.ID) {
		t.Error("FreeIterator should succeed exactly once")
	}
	if _, ok := r.Iterate(42); ok {
		t.Error("Iterate of missing queue succeeded")
	}
}

func TestQueueMemberEvent(t *testing.T) {
	r := newQueueRegistry()
	withDeath := r.Create()
	plain := r.Create()
	withLogout := r.Create()
	for _, id := range []int{withDeath, plain, withLogout} {
		r.Add(id, 7)
	}
	r.SetCallback(withDeath, QueueOnDeath, "Arena::OnDeath")
	r.SetCallback(withLogout, QueueOnLogout, "Arena::OnLeave")

	hits := r.MemberEvent(7, QueueOnDeath)
	if len(hits) != 1 || hits[0] != (QueueHit{Queue: withDeath, Member: 7, Event: "Arena::OnDeath"}) {
		t.Errorf("death hits = %+v", hits)
	}
	if q, _ := r.Get(withDeath); q.Has(7) {
		t.Error("member not removed from queue with death callback")
	}
	if q, _ := r.Get(plain); !q.Has(7) {
		t.Error("member removed from queue without death callback")
	}

	// Logout drops the member everywhere, firing only where a callback is set.
	hits = r.MemberEvent(7, QueueOnLogout)
	if len(hits) != 1 || hits[0].Queue != withLogout {
		t.Errorf("logout hits = %+v", hits)
	}
	for _, id := range []int{plain, withLogout} {
		if q, _ := r.Get(id); q.Has(7) {
			t.Errorf("queue %d still holds member after logout", id)
		}
	}
	if hits := r.MemberEvent(7, QueueOnLogout); len(hits) != 0 {
		t.Errorf("second logout hits = %+v", hits)
	}
}

func TestQueueCallbackBounds(t *testing.T) {
	r := newQueueRegistry()
	id := r.Create()
	if r.SetCallback(id, QueueEvent(9), "A::B") {
		t.Error("out-of-range event accepted")
	}
	if !r.SetCallback(id, QueueOnMapChange, "A::OnWarp") {
		t.Fatal("SetCallback failed")
	}
	q, _ := r.Get(id)
	if q.Callback(QueueOnMapChange) != "A::OnWarp" || q.Callback(QueueEvent(-1)) != "" {
		t.Error("Callback lookup")
	}
	if QueueOnMapChange.String() != "QUEUE_ON_MAPCHANGE" || QueueEvent(9).String() != "QUEUE_ON_UNKNOWN" {
		t.Error("QueueEvent names")
	}
}
