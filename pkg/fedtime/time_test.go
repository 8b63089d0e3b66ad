package fedtime

import (
	"testing"
	"time"
)

func TestAddSaturates(t *testing.T) {
	tests := []struct {
		name string
		a, b Time
		want Time
	}{
		{"finite", FromSeconds(1), FromSeconds(2), FromSeconds(3)},
		{"max plus one", MaxTime, Epsilon, MaxTime},
		{"near max overflow", MaxTime - 1, Time(10), MaxTime},
		{"min minus one", MinTime, -Epsilon, MinTime},
		{"near min underflow", MinTime + 1, Time(-10), MinTime},
		{"max plus negative stays max", MaxTime, FromSeconds(-1), MaxTime},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Add(tt.b); got != tt.want {
				t.Errorf("Add(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestSubInfinities(t *testing.T) {
	if got := Zero.Sub(MinTime); got != MaxTime {
		t.Errorf("0 - (-inf) = %v, want +inf", got)
	}
	if got := Zero.Sub(MaxTime); got != MinTime {
		t.Errorf("0 - (+inf) = %v, want -inf", got)
	}
}

func TestRoundUp(t *testing.T) {
	period := FromSeconds(1)
	offset := Zero
	tests := []struct {
		name string
		in   Time
		want Time
	}{
		{"on grid", FromSeconds(2), FromSeconds(2)},
		{"between points", FromSeconds(1.5), FromSeconds(2)},
		{"below offset", FromSeconds(-3), Zero},
		{"zero", Zero, Zero},
		{"infinity passes through", MaxTime, MaxTime},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.in.RoundUp(period, offset); got != tt.want {
				t.Errorf("RoundUp(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestRoundUpWithOffset(t *testing.T) {
	period := FromSeconds(1)
	offset := FromSeconds(0.25)
	if got := FromSeconds(1.5).RoundUp(period, offset); got != FromSeconds(2.25) {
		t.Errorf("RoundUp(1.5) = %v, want 2.25s", got)
	}
	if got := FromSeconds(0.1).RoundUp(period, offset); got != offset {
		t.Errorf("RoundUp(0.1) = %v, want offset", got)
	}
}

func TestRoundUpZeroPeriod(t *testing.T) {
	if got := FromSeconds(1.5).RoundUp(0, 0); got != FromSeconds(1.5) {
		t.Errorf("zero period should be identity, got %v", got)
	}
}

func TestConversions(t *testing.T) {
	if got := FromDuration(time.Second); got != FromSeconds(1) {
		t.Errorf("FromDuration(1s) = %v", got)
	}
	if got := FromSeconds(2.5).Seconds(); got != 2.5 {
		t.Errorf("Seconds() = %v, want 2.5", got)
	}
}

func TestTextRoundTrip(t *testing.T) {
	for _, v := range []Time{Zero, FromSeconds(1.5), MaxTime, MinTime} {
		text, err := v.MarshalText()
		if err != nil {
			t.Fatalf("marshal %v: %v", v, err)
		}
		var back Time
		if err := back.UnmarshalText(text); err != nil {
			t.Fatalf("unmarshal %q: %v", text, err)
		}
		if back != v {
			t.Errorf("round trip %v -> %s -> %v", v, text, back)
		}
	}
}
