package router

import (
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int, interval time.Duration) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cb := NewCircuitBreaker(threshold, interval)
	cb.now = clock.Now
	return cb, clock
}

func TestCircuitBreaker_StartsClosedAndAllows(t *testing.T) {
	cb, _ := newTestBreaker(3, 5*time.Second)
	if cb.State() != StateClosed {
		t.Errorf("expected StateClosed, got %s", cb.State())
	}
	if !cb.Allow() {
		t.Error("expected Allow=true for closed circuit")
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker(3, 5*time.Second)

	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != StateClosed {
		t.Error("expected StateClosed after 2 failures")
	}

	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Errorf("expected StateOpen after 3 failures, got %s", cb.State())
	}
	if cb.Allow() || cb.Available() {
		t.Error("expected open circuit to block requests")
	}
}

func TestCircuitBreaker_SuccessResetsConsecutiveFailures(t *testing.T) {
	cb, _ := newTestBreaker(3, 5*time.Second)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	if cb.State() != StateClosed {
		t.Errorf("expected StateClosed, failures are not consecutive, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenAdmitsSingleTrial(t *testing.T) {
	cb, clock := newTestBreaker(1, 10*time.Second)

	cb.RecordFailure()
	clock.Advance(9 * time.Second)
	if cb.State() != StateOpen {
		t.Fatalf("expected StateOpen before recovery interval, got %s", cb.State())
	}

	clock.Advance(time.Second)
	if cb.State() != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen after recovery interval, got %s", cb.State())
	}
	if !cb.Available() {
		t.Error("expected half-open circuit to be available before the trial is claimed")
	}
	if !cb.Allow() {
		t.Fatal("expected first trial to be admitted")
	}
	if cb.Allow() || cb.Available() {
		t.Error("expected second request to be blocked while trial is in flight")
	}
}

func TestCircuitBreaker_HalfOpen_SuccessCloses(t *testing.T) {
	cb, clock := newTestBreaker(1, 10*time.Millisecond)

	cb.RecordFailure()
	clock.Advance(15 * time.Millisecond)
	cb.Allow()
	cb.RecordSuccess()

	if cb.State() != StateClosed {
		t.Errorf("expected StateClosed after successful trial, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpen_FailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(1, 10*time.Millisecond)

	cb.RecordFailure()
	clock.Advance(15 * time.Millisecond)
	cb.Allow()
	cb.RecordFailure()

	if cb.State() != StateOpen {
		t.Errorf("expected StateOpen after failed trial, got %s", cb.State())
	}
}

func TestCircuitBreaker_OnChange(t *testing.T) {
	cb, clock := newTestBreaker(1, time.Second)
	var transitions []string
	cb.onChange = func(from, to CircuitState) {
		transitions = append(transitions, from.String()+">"+to.String())
	}

	cb.RecordFailure()
	clock.Advance(time.Second)
	cb.Allow()
	cb.RecordSuccess()

	want := []string{"closed>open", "open>half_open", "half_open>closed"}
	if len(transitions) != len(want) {
		t.Fatalf("expected %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], transitions[i])
		}
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(1, 5*time.Second)
	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatal("expected StateOpen")
	}

	cb.Reset()
	if cb.State() != StateClosed {
		t.Errorf("expected StateClosed after reset, got %s", cb.State())
	}
	if !cb.Allow() {
		t.Error("expected Allow=true after reset")
	}
}

func TestCircuitState_String(t *testing.T) {
	tests := []struct {
		state CircuitState
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{CircuitState(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %s, want %s", tt.state, got, tt.want)
		}
	}
}

func TestCircuitBreaker_ReleasedTrialCanBeRetaken(t *testing.T) {
	cb, clock := newTestBreaker(1, 10*time.Second)

	cb.RecordFailure()
	clock.Advance(10 * time.Second)
	if !cb.Allow() {
		t.Fatal("expected trial to be admitted")
	}
	cb.Release()

	if cb.State() != StateHalfOpen {
		t.Errorf("release must not decide the trial, got %s", cb.State())
	}
	if !cb.Available() || !cb.Allow() {
		t.Fatal("expected released trial slot to be claimable")
	}
	cb.RecordSuccess()
	if cb.State() != StateClosed {
		t.Errorf("expected StateClosed after the retaken trial succeeds, got %s", cb.State())
	}
}

func TestCircuitBreaker_ReleaseWhenClosedIsNoop(t *testing.T) {
	cb, _ := newTestBreaker(2, time.Second)
	cb.RecordFailure()
	cb.Release()
	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Errorf("release must keep the failure count, got %s", cb.State())
	}
}
