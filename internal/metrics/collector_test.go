package metrics

import (
	"sync"
	"testing"
)

func TestCollectorCounters(t *testing.T) {
	c := NewCollector()

	c.EntryReceived("svc-a")
	c.EntryReceived("svc-a")
	c.EntryReceived("svc-b")
	c.EntryPersisted(128)
	c.MalformedLine()
	c.BackendError()
	c.ConnectionRejected()
	c.ConnectionOpened()
	c.ConnectionOpened()
	c.ConnectionClosed()
	c.TrackEvent("rotation_completed")
	c.TrackEvent("compression_completed")
	c.TrackEvent("cleanup_completed")
	c.TrackEvent("unknown_event")

	snap := c.Snapshot()
	if snap.EntriesReceived != 3 {
		t.Errorf("EntriesReceived = %d", snap.EntriesReceived)
	}
	if snap.EntriesByDaemon["svc-a"] != 2 || snap.EntriesByDaemon["svc-b"] != 1 {
		t.Errorf("EntriesByDaemon = %v", snap.EntriesByDaemon)
	}
	if snap.EntriesPersisted != 1 || snap.BytesWritten != 128 {
		t.Errorf("Persisted = %d bytes = %d", snap.EntriesPersisted, snap.BytesWritten)
	}
	if snap.MalformedLines != 1 || snap.BackendErrors != 1 || snap.ConnectionsRejected != 1 {
		t.Errorf("Error counters: %+v", snap)
	}
	if snap.ActiveConnections != 1 {
		t.Errorf("ActiveConnections = %d", snap.ActiveConnections)
	}
	if snap.Rotations != 1 || snap.Compressions != 1 || snap.RetentionRemoved != 1 {
		t.Errorf("Event counters: %+v", snap)
	}
}

func TestCollectorConcurrent(t *testing.T) {
	c := NewCollector()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.EntryReceived("svc")
				c.EntryPersisted(1)
			}
		}()
	}
	wg.Wait()

	snap := c.Snapshot()
	if snap.EntriesReceived != 1600 || snap.EntriesPersisted != 1600 {
		t.Errorf("Lost updates: %+v", snap)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	c := NewCollector()
	c.EntryReceived("svc")

	snap := c.Snapshot()
	snap.EntriesByDaemon["svc"] = 999

	if c.Snapshot().EntriesByDaemon["svc"] != 1 {
		t.Error("Snapshot map should not alias collector state")
	}
}
