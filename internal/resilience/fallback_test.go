package resilience

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
)

var errTest = errors.New("test error")

// stub is a candidate whose behaviour is fixed up front and whose invocations
// are counted.
type stub struct {
	name   string
	result string
	err    error
	calls  int
}

func newStubChain(t *testing.T, stubs ...*stub) *FallbackGroup[*stub] {
	t.Helper()
	candidates := make([]Candidate[*stub], len(stubs))
	for i, s := range stubs {
		candidates[i] = Candidate[*stub]{Name: s.name, Value: s}
	}
	fg, err := NewChain(FallbackConfig{Kind: "test"}, candidates...)
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}
	return fg
}

func invoke(s *stub) (string, error) {
	s.calls++
	return s.result, s.err
}

func TestFallbackGroup_PrimarySuccess(t *testing.T) {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{})
	fg.AddFallback("secondary", "secondary")

	var called []string
	err := fg.Execute(func(v string) error {
		called = append(called, v)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(called, []string{"primary"}) {
		t.Fatalf("called = %v, want [primary]", called)
	}
}

func TestFallbackGroup_PrimaryFailFallbackSuccess(t *testing.T) {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{})
	fg.AddFallback("secondary", "secondary")

	var called []string
	err := fg.Execute(func(v string) error {
		called = append(called, v)
		if v == "primary" {
			return errTest
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(called, []string{"primary", "secondary"}) {
		t.Fatalf("called = %v, want [primary secondary]", called)
	}
}

func TestFallbackGroup_AllFail(t *testing.T) {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{})
	fg.AddFallback("secondary", "secondary")

	err := fg.Execute(func(v string) error {
		return errTest
	})
	if err == nil {
		t.Fatal("expected error when all providers fail")
	}
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, errTest) {
		t.Fatalf("err = %v, want it to wrap the candidate error", err)
	}
}

func TestFallbackGroup_Names(t *testing.T) {
	fg := NewFallbackGroup(1, "a", FallbackConfig{})
	fg.AddFallback("b", 2)
	fg.AddFallback("c", 3)
	if got := fg.Names(); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("Names = %v", got)
	}
	if fg.Len() != 3 {
		t.Fatalf("Len = %d, want 3", fg.Len())
	}
}

func TestExecuteWithResult_FirstSuccessShortCircuits(t *testing.T) {
	for successAt := 0; successAt < 4; successAt++ {
		stubs := make([]*stub, 4)
		for i := range stubs {
			stubs[i] = &stub{name: string(rune('A' + i)), err: errTest}
		}
		stubs[successAt].err = nil
		stubs[successAt].result = "ok-" + stubs[successAt].name

		got, err := ExecuteWithResult(newStubChain(t, stubs...), invoke)
		if err != nil {
			t.Fatalf("successAt=%d: unexpected error: %v", successAt, err)
		}
		if got != stubs[successAt].result {
			t.Errorf("successAt=%d: result = %q, want %q", successAt, got, stubs[successAt].result)
		}
		for i, s := range stubs {
			want := 1
			if i > successAt {
				want = 0
			}
			if s.calls != want {
				t.Errorf("successAt=%d: %s called %d times, want %d", successAt, s.name, s.calls, want)
			}
		}
	}
}

func TestExecuteWithResult_ABCScenario(t *testing.T) {
	a := &stub{name: "A", err: errors.New("a down")}
	b := &stub{name: "B", err: errors.New("b down")}
	c := &stub{name: "C", result: "OK"}
	d := &stub{name: "D", result: "never"}

	got, err := ExecuteWithResult(newStubChain(t, a, b, c), invoke)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "OK" {
		t.Fatalf("result = %q, want OK", got)
	}
	for _, tc := range []struct {
		s    *stub
		want int
	}{{a, 1}, {b, 1}, {c, 1}, {d, 0}} {
		if tc.s.calls != tc.want {
			t.Errorf("%s called %d times, want %d", tc.s.name, tc.s.calls, tc.want)
		}
	}
}

func TestExecuteWithResult_ExhaustedListsEveryCandidateInOrder(t *testing.T) {
	errA := errors.New("auth failed")
	errB := errors.New("quota exceeded")
	errC := errors.New("model not found")
	stubs := []*stub{{name: "A", err: errA}, {name: "B", err: errB}, {name: "C", err: errC}}

	_, err := ExecuteWithResult(newStubChain(t, stubs...), invoke)

	var exhausted *ChainExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("err = %T %v, want *ChainExhaustedError", err, err)
	}
	if got := exhausted.Tried(); !reflect.DeepEqual(got, []string{"A", "B", "C"}) {
		t.Errorf("Tried = %v, want [A B C]", got)
	}
	if len(exhausted.Attempts) != len(stubs) {
		t.Errorf("got %d attempts, want %d", len(exhausted.Attempts), len(stubs))
	}
	if !errors.Is(exhausted.Last(), errC) {
		t.Errorf("Last = %v, want %v", exhausted.Last(), errC)
	}
	for _, want := range []error{errA, errB, errC} {
		if !errors.Is(err, want) {
			t.Errorf("errors.Is(err, %v) = false", want)
		}
	}
	msg := err.Error()
	for _, want := range []string{"test: all providers failed", "tried: A, B, C", "auth failed", "quota exceeded", "model not found"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q missing %q", msg, want)
		}
	}
	if strings.Index(msg, "auth failed") > strings.Index(msg, "model not found") {
		t.Errorf("last error should be printed last: %q", msg)
	}
	for _, s := range stubs {
		if s.calls != 1 {
			t.Errorf("%s called %d times, want exactly 1", s.name, s.calls)
		}
	}
}

func TestExecuteWithResult_SingleFailingCandidate(t *testing.T) {
	a := &stub{name: "A", err: errTest}

	_, err := ExecuteWithResult(newStubChain(t, a), invoke)

	var exhausted *ChainExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("err = %v, want *ChainExhaustedError", err)
	}
	if got := exhausted.Tried(); !reflect.DeepEqual(got, []string{"A"}) {
		t.Errorf("Tried = %v, want [A]", got)
	}
	if a.calls != 1 {
		t.Errorf("A called %d times, want 1", a.calls)
	}
}

func TestExecuteWithResult_Idempotent(t *testing.T) {
	a := &stub{name: "A", err: errTest}
	b := &stub{name: "B", result: "second"}
	fg := newStubChain(t, a, b)

	first, err1 := ExecuteWithResult(fg, invoke)
	callsA, callsB := a.calls, b.calls
	second, err2 := ExecuteWithResult(fg, invoke)

	if err1 != nil || err2 != nil {
		t.Fatalf("unexpected errors: %v, %v", err1, err2)
	}
	if first != second {
		t.Errorf("results differ: %q vs %q", first, second)
	}
	if a.calls-callsA != callsA || b.calls-callsB != callsB {
		t.Errorf("per-call counts differ: first A=%d B=%d, second A=%d B=%d",
			callsA, callsB, a.calls-callsA, b.calls-callsB)
	}

	// A group that failed completely is still tried in full next time.
	failing := newStubChain(t, &stub{name: "X", err: errTest})
	for i := 0; i < 3; i++ {
		_, err := ExecuteWithResult(failing, invoke)
		var exhausted *ChainExhaustedError
		if !errors.As(err, &exhausted) || len(exhausted.Attempts) != 1 {
			t.Fatalf("run %d: err = %v, want one attempt", i, err)
		}
	}
}

func TestExecuteWithResult_DuplicatesAttemptedIndependently(t *testing.T) {
	s := &stub{name: "dup", err: errTest}
	fg := newStubChain(t, s, s, s)

	_, err := ExecuteWithResult(fg, invoke)

	var exhausted *ChainExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("err = %v, want *ChainExhaustedError", err)
	}
	if s.calls != 3 {
		t.Errorf("duplicate candidate called %d times, want 3", s.calls)
	}
	if got := exhausted.Tried(); !reflect.DeepEqual(got, []string{"dup", "dup", "dup"}) {
		t.Errorf("Tried = %v", got)
	}
}

func TestExecuteWithResult_EmptyNameStillAttempted(t *testing.T) {
	unset := &stub{name: "", err: errors.New("model is required")}
	next := &stub{name: "fallback", result: "ok"}

	got, err := ExecuteWithResult(newStubChain(t, unset, next), invoke)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" {
		t.Errorf("result = %q, want ok", got)
	}
	if unset.calls != 1 {
		t.Errorf("unset candidate called %d times, want 1", unset.calls)
	}
}

func TestExecuteWithResult_OnAttempt(t *testing.T) {
	var seen []Attempt
	fg, err := NewChain(FallbackConfig{
		Kind:      "test",
		OnAttempt: func(a Attempt) { seen = append(seen, a) },
	},
		Candidate[*stub]{Name: "A", Value: &stub{err: errTest}},
		Candidate[*stub]{Name: "B", Value: &stub{result: "ok"}},
		Candidate[*stub]{Name: "C", Value: &stub{result: "unused"}},
	)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ExecuteWithResult(fg, invoke); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 2 {
		t.Fatalf("OnAttempt called %d times, want 2", len(seen))
	}
	if seen[0].Candidate != "A" || !errors.Is(seen[0].Err, errTest) {
		t.Errorf("first attempt = %+v", seen[0])
	}
	if seen[1].Candidate != "B" || seen[1].Err != nil {
		t.Errorf("second attempt = %+v", seen[1])
	}
}

func TestExecuteWithResult_ContextErrorPropagates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fg := NewFallbackGroup(ctx, "only", FallbackConfig{})
	_, err := ExecuteWithResult(fg, func(c context.Context) (int, error) {
		return 0, c.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestNewChain_Empty(t *testing.T) {
	_, err := NewChain[string](FallbackConfig{Kind: "vision"})
	if !errors.Is(err, ErrNoCandidates) {
		t.Fatalf("err = %v, want ErrNoCandidates", err)
	}
	if errors.Is(err, ErrAllFailed) {
		t.Fatal("a configuration error must not look like an exhausted chain")
	}
}

func TestNewChain_CopiesCandidates(t *testing.T) {
	candidates := []Candidate[int]{{Name: "a", Value: 1}, {Name: "b", Value: 2}}
	fg, err := NewChain(FallbackConfig{}, candidates...)
	if err != nil {
		t.Fatal(err)
	}
	candidates[0].Name = "mutated"
	if got := fg.Names(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("Names = %v, want [a b]", got)
	}
}

func TestChainExhaustedError_Last_NoAttempts(t *testing.T) {
	e := &ChainExhaustedError{}
	if e.Last() != nil {
		t.Fatal("Last should be nil without attempts")
	}
	if !errors.Is(e, ErrAllFailed) {
		t.Fatal("should match ErrAllFailed")
	}
}
