package transport

import "time"

// Quality is the coarse, advisory connection quality tier.
type Quality string

const (
	QualityUnknown   Quality = "unknown"
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityFair      Quality = "fair"
	QualityPoor      Quality = "poor"
)

type tier struct {
	quality Quality
	maxLoss float64
	maxRTT  time.Duration
}

var tiers = []tier{
	{QualityExcellent, 0.01, 100 * time.Millisecond},
	{QualityGood, 0.03, 200 * time.Millisecond},
	{QualityFair, 0.08, 400 * time.Millisecond},
}

// Classify buckets a stats sample. An RTT of zero means it was not measured
// and only loss is considered.
func Classify(s Stats) Quality {
	for _, t := range tiers {
		if s.PacketLoss <= t.maxLoss && (s.RTT == 0 || s.RTT <= t.maxRTT) {
			return t.quality
		}
	}
	return QualityPoor
}
