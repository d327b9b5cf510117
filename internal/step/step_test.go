package step

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recordingNotifier) Notify(_ context.Context, ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) lines() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.events))
	for _, ev := range n.events {
		out = append(out, fmt.Sprintf("%s: %s", ev.Name, ev.Type))
	}
	return out
}

func waitForEvents(t *testing.T, n *recordingNotifier, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(n.lines()) >= want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events, have %v", want, n.lines())
}

func TestNormalize(t *testing.T) {
	if got := Normalize("Upload images"); got != "upload-images" {
		t.Fatalf("Normalize = %q", got)
	}
	if got := Normalize("Query build metadata"); got != "query-build-metadata" {
		t.Fatalf("Normalize = %q", got)
	}
}

func TestRunSequence(t *testing.T) {
	n := &recordingNotifier{}
	r := NewRunner(Options{Notifier: n})

	out, err := Run(context.Background(), r, "Upload images", 2, func(_ context.Context, v int) (int, error) {
		return v * 10, nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out != 20 {
		t.Fatalf("out = %d", out)
	}

	want := []string{"Upload images: started", "Upload images: finished"}
	if got := n.lines(); !reflect.DeepEqual(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestRunFailureSequence(t *testing.T) {
	n := &recordingNotifier{}
	r := NewRunner(Options{Notifier: n})
	boom := errors.New("marketplace rejected the version")

	_, err := Run(context.Background(), r, "Publish images", 0, func(context.Context, int) (int, error) {
		return 0, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Run error = %v", err)
	}

	want := []string{"Publish images: started", "Publish images: failed"}
	if got := n.lines(); !reflect.DeepEqual(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	if got := n.events[1].Err; !errors.Is(got, boom) {
		t.Fatalf("failed event error = %v", got)
	}
}

func TestRunSkipped(t *testing.T) {
	n := &recordingNotifier{}
	r := NewRunner(Options{Notifier: n, Skip: []string{"publish-images"}})

	ran := false
	out, err := Run(context.Background(), r, "Publish images", 42, func(context.Context, int) (int, error) {
		ran = true
		return 0, nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ran {
		t.Fatal("skipped step executed its body")
	}
	if out != 42 {
		t.Fatalf("out = %d, want the input unchanged", out)
	}

	want := []string{"Publish images: skipped"}
	if got := n.lines(); !reflect.DeepEqual(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestRunSkipCommaList(t *testing.T) {
	n := &recordingNotifier{}
	r := NewRunner(Options{Notifier: n, Skip: []string{"upload-images, publish-images"}})

	for _, name := range []string{"Upload images", "Publish images"} {
		if _, err := Run(context.Background(), r, name, 0, func(context.Context, int) (int, error) {
			t.Fatalf("%s executed despite the skip list", name)
			return 0, nil
		}); err != nil {
			t.Fatalf("Run %s: %v", name, err)
		}
	}

	want := []string{"Upload images: skipped", "Publish images: skipped"}
	if got := n.lines(); !reflect.DeepEqual(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestZeroRunnerRuns(t *testing.T) {
	var r *Runner
	out, err := Run(context.Background(), r, "Upload images", 1, func(_ context.Context, v int) (int, error) {
		return v + 1, nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out != 2 {
		t.Fatalf("out = %d", out)
	}
}

func TestRunDeferredSequence(t *testing.T) {
	n := &recordingNotifier{}
	r := NewRunner(Options{Notifier: n})

	outs := RunDeferred(context.Background(), r, "Upload images", []*Promise[int]{Resolve(3)},
		func(ctx context.Context, ins []*Promise[int]) []*Promise[int] {
			v, err := ins[0].Wait(ctx)
			if err != nil {
				t.Fatalf("input: %v", err)
			}
			return []*Promise[int]{Resolve(v * 2)}
		})

	v, err := outs[0].Wait(context.Background())
	if err != nil {
		t.Fatalf("output: %v", err)
	}
	if v != 6 {
		t.Fatalf("output = %d", v)
	}

	waitForEvents(t, n, 2)
	want := []string{"Upload images: started", "Upload images: finished"}
	if got := n.lines(); !reflect.DeepEqual(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestRunDeferredFailure(t *testing.T) {
	n := &recordingNotifier{}
	r := NewRunner(Options{Notifier: n})
	boom := errors.New("upload interrupted")

	outs := RunDeferred(context.Background(), r, "Upload images", []*Promise[int]{Reject[int](boom)},
		func(_ context.Context, ins []*Promise[int]) []*Promise[int] {
			return []*Promise[int]{Reject[int](boom)}
		})

	if _, err := outs[0].Wait(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("output error = %v", err)
	}

	waitForEvents(t, n, 2)
	want := []string{"Upload images: started", "Upload images: failed"}
	if got := n.lines(); !reflect.DeepEqual(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestRunDeferredEmptyInputs(t *testing.T) {
	n := &recordingNotifier{}
	r := NewRunner(Options{Notifier: n})

	RunDeferred(context.Background(), r, "Upload images", nil,
		func(context.Context, []*Promise[int]) []*Promise[int] {
			// An empty batch starts before the body runs.
			if got := n.lines(); !reflect.DeepEqual(got, []string{"Upload images: started"}) {
				t.Fatalf("events at body = %v", got)
			}
			return nil
		})

	waitForEvents(t, n, 2)
	want := []string{"Upload images: started", "Upload images: finished"}
	if got := n.lines(); !reflect.DeepEqual(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestRunDeferredSkipReturnsInputs(t *testing.T) {
	n := &recordingNotifier{}
	r := NewRunner(Options{Notifier: n, Skip: []string{"upload-images"}})

	ins := []*Promise[int]{Resolve(1)}
	outs := RunDeferred(context.Background(), r, "Upload images", ins,
		func(context.Context, []*Promise[int]) []*Promise[int] {
			t.Fatal("skipped step executed its body")
			return nil
		})

	if len(outs) != 1 || outs[0] != ins[0] {
		t.Fatalf("outs = %v, want the inputs unchanged", outs)
	}
	want := []string{"Upload images: skipped"}
	if got := n.lines(); !reflect.DeepEqual(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func sliceSeq[T any](vals ...T) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for _, v := range vals {
			if !yield(v, nil) {
				return
			}
		}
	}
}

func collect[T any](t *testing.T, seq iter.Seq2[T, error]) []T {
	t.Helper()
	var out []T
	for v, err := range seq {
		if err != nil {
			t.Fatalf("sequence error: %v", err)
		}
		out = append(out, v)
	}
	return out
}

func TestRunStreamSequence(t *testing.T) {
	n := &recordingNotifier{}
	r := NewRunner(Options{Notifier: n})

	out := RunStream(context.Background(), r, "Query build metadata", sliceSeq(1, 2, 3),
		func(_ context.Context, in iter.Seq2[int, error]) iter.Seq2[int, error] {
			return func(yield func(int, error) bool) {
				for v, err := range in {
					if !yield(v*10, err) {
						return
					}
				}
			}
		})

	got := collect(t, out)
	if !reflect.DeepEqual(got, []int{10, 20, 30}) {
		t.Fatalf("values = %v", got)
	}
	want := []string{"Query build metadata: started", "Query build metadata: finished"}
	if gotEvents := n.lines(); !reflect.DeepEqual(gotEvents, want) {
		t.Fatalf("events = %v, want %v", gotEvents, want)
	}
}

func TestRunStreamEmpty(t *testing.T) {
	n := &recordingNotifier{}
	r := NewRunner(Options{Notifier: n})

	out := RunStream(context.Background(), r, "Query build metadata", sliceSeq[int](),
		func(_ context.Context, in iter.Seq2[int, error]) iter.Seq2[int, error] {
			return in
		})

	if got := collect(t, out); len(got) != 0 {
		t.Fatalf("values = %v", got)
	}
	want := []string{"Query build metadata: started", "Query build metadata: finished"}
	if got := n.lines(); !reflect.DeepEqual(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestRunStreamError(t *testing.T) {
	n := &recordingNotifier{}
	r := NewRunner(Options{Notifier: n})
	boom := errors.New("metadata service unavailable")

	seq := func(yield func(int, error) bool) {
		if !yield(1, nil) {
			return
		}
		yield(0, boom)
	}

	out := RunStream(context.Background(), r, "Query build metadata", seq,
		func(_ context.Context, in iter.Seq2[int, error]) iter.Seq2[int, error] {
			return in
		})

	var got []int
	var gotErr error
	for v, err := range out {
		if err != nil {
			gotErr = err
			break
		}
		got = append(got, v)
	}
	if !errors.Is(gotErr, boom) {
		t.Fatalf("sequence error = %v", gotErr)
	}
	if !reflect.DeepEqual(got, []int{1}) {
		t.Fatalf("values = %v", got)
	}

	want := []string{"Query build metadata: started", "Query build metadata: failed"}
	if gotEvents := n.lines(); !reflect.DeepEqual(gotEvents, want) {
		t.Fatalf("events = %v, want %v", gotEvents, want)
	}
}

func TestRunStreamEarlyStop(t *testing.T) {
	n := &recordingNotifier{}
	r := NewRunner(Options{Notifier: n})

	out := RunStream(context.Background(), r, "Query build metadata", sliceSeq(1, 2, 3),
		func(_ context.Context, in iter.Seq2[int, error]) iter.Seq2[int, error] {
			return in
		})

	for v, err := range out {
		if err != nil {
			t.Fatalf("sequence error: %v", err)
		}
		if v == 1 {
			break
		}
	}

	// An abandoned sequence never closes.
	want := []string{"Query build metadata: started"}
	if got := n.lines(); !reflect.DeepEqual(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestRunStreamSkipped(t *testing.T) {
	n := &recordingNotifier{}
	r := NewRunner(Options{Notifier: n, Skip: []string{"query-build-metadata"}})

	out := RunStream(context.Background(), r, "Query build metadata", sliceSeq(1, 2),
		func(_ context.Context, in iter.Seq2[int, error]) iter.Seq2[int, error] {
			t.Fatal("skipped step executed its body")
			return in
		})

	if got := collect(t, out); !reflect.DeepEqual(got, []int{1, 2}) {
		t.Fatalf("values = %v, want the input sequence unchanged", got)
	}
	want := []string{"Query build metadata: skipped"}
	if got := n.lines(); !reflect.DeepEqual(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestPromiseGo(t *testing.T) {
	p := Go(func() (int, error) { return 7, nil })
	v, err := p.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if v != 7 {
		t.Fatalf("value = %d", v)
	}
}

func TestPromiseWaitCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewPromise[int]()
	if _, err := p.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait error = %v", err)
	}
}

func TestPromiseCompleteOnce(t *testing.T) {
	p := NewPromise[int]()
	p.Complete(1, nil)
	p.Complete(2, errors.New("late"))

	v, err := p.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if v != 1 {
		t.Fatalf("value = %d, want the first completion kept", v)
	}
}

func TestLogNotifierTags(t *testing.T) {
	var buf bytes.Buffer
	n := LogNotifier{Logger: slog.New(slog.NewTextHandler(&buf, nil))}

	n.Notify(context.Background(), Event{Name: "Upload images", ID: "upload-images", Type: Started})
	n.Notify(context.Background(), Event{Name: "Upload images", ID: "upload-images", Type: Failed, Err: errors.New("boom")})

	out := buf.String()
	for _, want := range []string{
		"Upload images: started",
		"event=upload-images-start",
		"Upload images: failed",
		"event=upload-images-error",
		"level=ERROR",
		"error=boom",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output missing %q:\n%s", want, out)
		}
	}
}
