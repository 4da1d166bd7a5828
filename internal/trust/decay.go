package trust

import "time"

// FeedbackEntry is a single 1-5 rating of a provider.
type FeedbackEntry struct {
	Score     int       `json:"score"`
	Timestamp time.Time `json:"timestamp"`
}

// MaxFeedbackWindow caps how many of the most recent ratings are averaged.
const MaxFeedbackWindow = 200

const day = 24 * time.Hour

// decayWeight maps the age of a rating onto its weight. Bucket boundaries
// belong to the younger bucket.
func decayWeight(age time.Duration) float64 {
	switch {
	case age <= 90*day:
		return 1.0
	case age <= 180*day:
		return 0.5
	default:
		return 0.2
	}
}

// DecayedAverage returns the age-weighted mean of entries, or 0 when there
// are none. Ratings from the future count as brand new.
func DecayedAverage(entries []FeedbackEntry, now time.Time) float64 {
	if len(entries) == 0 {
		return 0
	}
	var sum, weights float64
	for _, e := range entries {
		w := decayWeight(now.Sub(e.Timestamp))
		sum += float64(e.Score) * w
		weights += w
	}
	return sum / weights
}
