package distribution

import (
	"sync"
	"testing"
	"time"
)

func TestViewersAddRemove(t *testing.T) {
	t.Parallel()

	vs := NewViewers(nil)
	a := vs.Add(TransportHTTP, "10.0.0.1:5000")
	time.Sleep(time.Millisecond)
	b := vs.Add(TransportSRT, "10.0.0.2:6000")

	if a.ID == b.ID {
		t.Fatal("viewer ids should be unique")
	}
	if vs.Count() != 2 {
		t.Fatalf("Count = %d, want 2", vs.Count())
	}

	list := vs.List()
	if len(list) != 2 || list[0].ID != a.ID || list[1].ID != b.ID {
		t.Fatalf("List order = %+v, want oldest first", list)
	}
	if list[1].Transport != TransportSRT || list[1].Remote != "10.0.0.2:6000" {
		t.Fatalf("viewer stats = %+v", list[1])
	}

	vs.Remove(a.ID)
	vs.Remove(a.ID)
	vs.Remove("unknown")
	if vs.Count() != 1 {
		t.Fatalf("Count = %d, want 1", vs.Count())
	}
	if vs.Total() != 2 {
		t.Fatalf("Total = %d, want 2", vs.Total())
	}
}

func TestViewerRecord(t *testing.T) {
	t.Parallel()

	v := NewViewers(nil).Add(TransportHTTP, "x")
	v.record(100, 0)
	v.record(50, 2)

	st := v.Stats()
	if st.BytesSent != 150 || st.Chunks != 2 || st.Resyncs != 2 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestViewersConcurrent(t *testing.T) {
	t.Parallel()

	vs := NewViewers(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v := vs.Add(TransportHTTP, "x")
			_ = vs.List()
			vs.Remove(v.ID)
		}()
	}
	wg.Wait()

	if vs.Count() != 0 {
		t.Fatalf("Count = %d, want 0", vs.Count())
	}
	if vs.Total() != 50 {
		t.Fatalf("Total = %d, want 50", vs.Total())
	}
}
