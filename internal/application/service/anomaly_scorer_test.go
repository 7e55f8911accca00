package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/turtacn/paygate/internal/config"
)

func TestAnomalyScorer_Interval(t *testing.T) {
	s := NewAnomalyScorer(config.AnomalyConfig{MinSamples: 5, HistorySize: 20})
	ua := "Mozilla/5.0 (Macintosh) Checkout/4.2"

	var score AnomalyScore
	for i := 0; i < 5; i++ {
		score = s.Score("bot", "GET /balance", ua, 0, t0.Add(time.Duration(i)*2*time.Second))
		assert.Zero(t, score.Interval, "not enough samples at request %d", i+1)
	}
	score = s.Score("bot", "GET /balance", ua, 0, t0.Add(10*time.Second))
	assert.InDelta(t, 1.0, score.Interval, 1e-9, "perfectly regular")
	assert.InDelta(t, 0.4, score.Score, 1e-9)

	gaps := []time.Duration{1, 7, 2, 13, 3, 1}
	at := t0
	for _, g := range gaps {
		at = at.Add(g * time.Second)
		score = s.Score("human", "GET /balance", ua, 0, at)
	}
	assert.Less(t, score.Interval, 0.5)
}

func TestAnomalyScorer_UserAgent(t *testing.T) {
	s := NewAnomalyScorer(config.AnomalyConfig{})
	assert.InDelta(t, 0.7, s.Score("a", "e", "", 0, t0).UserAgent, 1e-9)
	assert.Equal(t, 1.0, s.Score("b", "e", "sqlmap/1.7", 0, t0).UserAgent)
	assert.Equal(t, 1.0, s.Score("c", "e", "Python-Requests/2.31", 0, t0).UserAgent)
	assert.InDelta(t, 0.4, s.Score("d", "e", "x/1", 0, t0).UserAgent, 1e-9)
	assert.Zero(t, s.Score("e", "e", "Mozilla/5.0 (Windows NT 10.0)", 0, t0).UserAgent)
}

func TestAnomalyScorer_Size(t *testing.T) {
	s := NewAnomalyScorer(config.AnomalyConfig{MinSamples: 5})
	sizes := []int64{100, 110, 90, 105, 95, 100}
	for i, size := range sizes {
		assert.Zero(t, s.Score("c", "POST /payments", "Mozilla/5.0 (X11)", size, t0.Add(time.Duration(i)*time.Minute)).Size)
	}
	big := s.Score("c", "POST /payments", "Mozilla/5.0 (X11)", 100_000, t0.Add(time.Hour))
	assert.Equal(t, 1.0, big.Size)

	flat := NewAnomalyScorer(config.AnomalyConfig{MinSamples: 2})
	flat.Score("c", "GET /x", "Mozilla/5.0 (X11)", 10, t0)
	flat.Score("c", "GET /x", "Mozilla/5.0 (X11)", 10, t0.Add(time.Minute))
	assert.Equal(t, 1.0, flat.Score("c", "GET /x", "Mozilla/5.0 (X11)", 11, t0.Add(2*time.Minute)).Size, "any deviation from a constant baseline")
}
