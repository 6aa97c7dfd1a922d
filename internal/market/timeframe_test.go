package market

import (
	"reflect"
	"testing"
)

func TestParseTimeframe(t *testing.T) {
	tests := []struct {
		in      string
		want    Timeframe
		wantErr bool
	}{
		{"5m", TF5m, false},
		{" 4h ", TF4h, false},
		{"D", TF1d, false},
		{"1d", TF1d, false},
		{"w", TF1w, false},
		{"1M", TF1M, false},
		{"7m", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseTimeframe(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseTimeframe(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Fatalf("ParseTimeframe(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseTimeframesSorted(t *testing.T) {
	got, err := ParseTimeframes("D,5m,1h")
	if err != nil {
		t.Fatal(err)
	}
	want := []Timeframe{TF5m, TF1h, TF1d}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestBybitInterval(t *testing.T) {
	tests := map[Timeframe]string{
		TF1m: "1", TF1h: "60", TF12h: "720", TF1d: "D", TF1M: "M",
	}
	for tf, want := range tests {
		if got := tf.BybitInterval(); got != want {
			t.Fatalf("%v interval = %q, want %q", tf, got, want)
		}
	}
}

func TestMonthlyHasNoFixedDuration(t *testing.T) {
	if TF1M.DurationMS() != 0 {
		t.Fatal("monthly duration must be 0, callers branch on it")
	}
	if TF1h.DurationMS() != 3600000 {
		t.Fatalf("1h duration = %d", TF1h.DurationMS())
	}
}

func TestShortAndIntraday(t *testing.T) {
	if !TF30m.Short() || TF1h.Short() {
		t.Fatal("short boundary is 30m inclusive")
	}
	if TF1d.Intraday() || !TF12h.Intraday() {
		t.Fatal("intraday boundary is below D")
	}
}
