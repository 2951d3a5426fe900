package transport

import (
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		stats Stats
		want  Quality
	}{
		{Stats{PacketLoss: 0, RTT: 40 * time.Millisecond}, QualityExcellent},
		{Stats{PacketLoss: 0.02, RTT: 40 * time.Millisecond}, QualityGood},
		{Stats{PacketLoss: 0, RTT: 180 * time.Millisecond}, QualityGood},
		{Stats{PacketLoss: 0.05}, QualityFair},
		{Stats{PacketLoss: 0.2, RTT: 50 * time.Millisecond}, QualityPoor},
		{Stats{PacketLoss: 0, RTT: time.Second}, QualityPoor},
	}
	for _, tc := range cases {
		if got := Classify(tc.stats); got != tc.want {
			t.Fatalf("classify(%+v) = %s, want %s", tc.stats, got, tc.want)
		}
	}
}
