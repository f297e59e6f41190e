package event

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		line string
		want Event
	}{
		{"3,100", Event{Code: 3, Timestamp: 100}},
		{"1,2500,7", Event{Code: 1, Timestamp: 2500, Payload: []int64{7}}},
		{" 7 , 150 , -4 , 2 ", Event{Code: 7, Timestamp: 150, Payload: []int64{-4, 2}}},
		{"0,15000\r", Event{Code: 0, Timestamp: 15000}},
	}
	for _, tt := range tests {
		got, err := ParseLine(tt.line)
		if err != nil {
			t.Errorf("ParseLine(%q): %v", tt.line, err)
			continue
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("ParseLine(%q) = %+v, want %+v", tt.line, got, tt.want)
		}
	}
}

func TestParseLineMalformed(t *testing.T) {
	for _, line := range []string{
		"abc,def",
		"Session started",
		"3",
		"",
		"3,,4",
		"3,1.5",
		"99999999999999999999,1",
	} {
		_, err := ParseLine(line)
		if !errors.Is(err, ErrMalformedLine) {
			t.Errorf("ParseLine(%q) error = %v, want ErrMalformedLine", line, err)
		}
		var me *MalformedLineError
		if errors.As(err, &me) && me.Line != line {
			t.Errorf("MalformedLineError.Line = %q, want %q", me.Line, line)
		}
	}
}

func TestEventValue(t *testing.T) {
	ev := Event{Code: 3, Timestamp: 10, Payload: []int64{1}}
	if ev.Value(0, 9) != 1 || ev.Value(1, 9) != 9 {
		t.Errorf("Value returned wrong defaults: %d %d", ev.Value(0, 9), ev.Value(1, 9))
	}
	if ev.String() != "3,10,1" {
		t.Errorf("String = %q", ev.String())
	}
}

func TestQueueDrainPreservesOrder(t *testing.T) {
	q := NewQueue()
	if q.Drain() != nil {
		t.Fatal("empty queue drained events")
	}

	const n = 10000
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			q.Push(Event{Code: 1, Timestamp: int64(i)})
		}
	}()

	var got []Event
	deadline := time.Now().Add(5 * time.Second)
	for len(got) < n && time.Now().Before(deadline) {
		got = append(got, q.Drain()...)
	}
	wg.Wait()

	if len(got) != n {
		t.Fatalf("drained %d events, want %d", len(got), n)
	}
	for i, ev := range got {
		if ev.Timestamp != int64(i) {
			t.Fatalf("event %d has timestamp %d", i, ev.Timestamp)
		}
	}
	if q.Pushed() != n || q.Len() != 0 {
		t.Errorf("Pushed = %d, Len = %d", q.Pushed(), q.Len())
	}
}

// lines is a LineSource over a fixed slice; exhausted sources report timeouts.
type lines struct {
	mu  sync.Mutex
	buf []string
	err error
}

func (l *lines) ReadLine() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.buf) == 0 {
		if l.err != nil {
			return "", l.err
		}
		return "", nil
	}
	s := l.buf[0]
	l.buf = l.buf[1:]
	return s, nil
}

func TestReaderDiscardsDebugTextAndStopsAtEnd(t *testing.T) {
	src := &lines{buf: []string{
		"Session started",
		"3,100",
		"",
		"abc,def",
		"6,100",
		"0,15000",
		"3,20000",
	}}
	q := NewQueue()
	var echoed, dropped []string
	r := &Reader{
		Source:    src,
		Queue:     q,
		EndCode:   0,
		OnLine:    func(l string) { echoed = append(echoed, l) },
		OnDiscard: func(l string, err error) { dropped = append(dropped, l) },
	}

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []Event{{Code: 3, Timestamp: 100}, {Code: 6, Timestamp: 100}, {Code: 0, Timestamp: 15000}}
	if got := q.Drain(); !reflect.DeepEqual(got, want) {
		t.Errorf("queued = %v, want %v", got, want)
	}
	if !reflect.DeepEqual(dropped, []string{"Session started", "abc,def"}) {
		t.Errorf("discarded = %v", dropped)
	}
	if len(echoed) != 5 {
		t.Errorf("echoed %d lines, want 5", len(echoed))
	}
	if len(src.buf) != 1 {
		t.Errorf("reader consumed past END")
	}
}

func TestReaderReturnsSourceError(t *testing.T) {
	boom := errors.New("port gone")
	src := &lines{buf: []string{"3,1"}, err: boom}
	q := NewQueue()
	r := &Reader{Source: src, Queue: q}

	if err := r.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Run error = %v, want %v", err, boom)
	}
	if q.Len() != 1 {
		t.Errorf("queued %d events before failure, want 1", q.Len())
	}
}

func TestReaderCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Reader{Source: &lines{}, Queue: NewQueue()}

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not stop on cancel")
	}
}
