package ring

import (
	"sync"
	"testing"
)

func TestSPSCBasic(t *testing.T) {
	r := NewSPSC[int](4)
	for i := 0; i < 4; i++ {
		if !r.Put(i) {
			t.Fatalf("Put(%d) failed on non-full ring", i)
		}
	}
	if r.Put(99) {
		t.Error("Put succeeded on full ring")
	}
	for i := 0; i < 4; i++ {
		v, ok := r.Get()
		if !ok {
			t.Fatalf("Get %d failed on non-empty ring", i)
		}
		if v != i {
			t.Errorf("Get = %d, want %d", v, i)
		}
	}
	if _, ok := r.Get(); ok {
		t.Error("Get succeeded on empty ring")
	}
}

func TestSPSCConcurrent(t *testing.T) {
	const n = 100000
	r := NewSPSC[int](64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		next := 0
		for next < n {
			v, ok := r.Get()
			if !ok {
				continue
			}
			if v != next {
				t.Errorf("out of order: got %d, want %d", v, next)
				return
			}
			next++
		}
	}()
	for i := 0; i < n; i++ {
		r.PutWait(i)
	}
	<-done
}

func TestMPMCFIFOSingleThread(t *testing.T) {
	r := NewMPMC[int](8)
	for i := 0; i < 8; i++ {
		if !r.Put(i) {
			t.Fatalf("Put(%d) failed", i)
		}
	}
	if r.Put(8) {
		t.Error("Put succeeded on full ring")
	}
	for i := 0; i < 8; i++ {
		v, ok := r.Get()
		if !ok || v != i {
			t.Fatalf("Get = %d,%v, want %d,true", v, ok, i)
		}
	}
	// Ring is reusable after a full drain.
	if !r.Put(42) {
		t.Error("Put failed after drain")
	}
	if v, ok := r.Get(); !ok || v != 42 {
		t.Errorf("Get = %d,%v, want 42,true", v, ok)
	}
}

// TestMPMCConcurrent checks that N producers and M consumers neither
// lose nor duplicate payloads.
func TestMPMCConcurrent(t *testing.T) {
	const (
		producers   = 4
		consumers   = 3
		perProducer = 20000
	)
	r := NewMPMC[int](256)
	total := producers * perProducer

	var consumed sync.Map
	var wg sync.WaitGroup
	var cwg sync.WaitGroup
	stop := make(chan struct{})

	for c := 0; c < consumers; c++ {
		cwg.Add(1)
		go func() {
			defer cwg.Done()
			for {
				v, ok := r.Get()
				if ok {
					if _, dup := consumed.LoadOrStore(v, true); dup {
						t.Errorf("value %d consumed twice", v)
					}
					continue
				}
				select {
				case <-stop:
					// drain remainder
					for {
						v, ok := r.Get()
						if !ok {
							return
						}
						if _, dup := consumed.LoadOrStore(v, true); dup {
							t.Errorf("value %d consumed twice", v)
						}
					}
				default:
				}
			}
		}()
	}

	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			base := p * perProducer
			for i := 0; i < perProducer; i++ {
				r.PutWait(base + i)
			}
		}(p)
	}

	wg.Wait()
	close(stop)
	cwg.Wait()

	count := 0
	consumed.Range(func(any, any) bool { count++; return true })
	if count != total {
		t.Errorf("consumed %d values, want %d", count, total)
	}
}

// TestMPMCPerProducerFIFO checks that each producer's successful
// enqueues dequeue in order.
func TestMPMCPerProducerFIFO(t *testing.T) {
	const (
		producers   = 2
		perProducer = 50000
	)
	r := NewMPMC[[2]int](128)
	done := make(chan struct{})
	go func() {
		defer close(done)
		last := make([]int, producers)
		for i := range last {
			last[i] = -1
		}
		seen := 0
		for seen < producers*perProducer {
			v, ok := r.Get()
			if !ok {
				continue
			}
			p, seq := v[0], v[1]
			if seq <= last[p] {
				t.Errorf("producer %d: seq %d after %d", p, seq, last[p])
				return
			}
			last[p] = seq
			seen++
		}
	}()
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				r.PutWait([2]int{p, i})
			}
		}(p)
	}
	wg.Wait()
	<-done
}
