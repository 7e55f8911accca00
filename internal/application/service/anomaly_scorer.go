package service

import (
	"math"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/turtacn/paygate/internal/config"
	"github.com/turtacn/paygate/internal/domain/models"
)

// Anomaly signal weights. They sum to 1 so the combined score stays in [0,1].
const (
	weightInterval  = 0.4
	weightUserAgent = 0.3
	weightSize      = 0.3
)

var defaultSuspiciousAgents = []string{
	"sqlmap", "nikto", "nmap", "masscan", "zgrab", "nuclei", "dirbuster", "gobuster", "wpscan", "acunetix",
	"python-requests", "go-http-client", "curl/", "wget/", "libwww-perl", "scrapy",
}

// AnomalyScore is the combined score and the three signals behind it.
type AnomalyScore struct {
	Score     float64 `json:"score"`
	Interval  float64 `json:"interval"`
	UserAgent float64 `json:"user_agent"`
	Size      float64 `json:"size"`
}

type intervalHistory struct {
	mu    sync.Mutex
	times []time.Time
}

type sizeBaseline struct {
	n    int64
	mean float64
	m2   float64
}

func (b *sizeBaseline) add(x float64) {
	b.n++
	delta := x - b.mean
	b.mean += delta / float64(b.n)
	b.m2 += delta * (x - b.mean)
}

func (b *sizeBaseline) stddev() float64 {
	if b.n < 2 {
		return 0
	}
	return math.Sqrt(b.m2 / float64(b.n-1))
}

// AnomalyScorer combines request-interval regularity, user-agent suspicion and payload-size deviation
// from a per-endpoint baseline into a score in [0,1].
type AnomalyScorer struct {
	histMu      sync.Mutex
	histories   *cache.Cache
	historySize int
	minSamples  int
	agents      []string

	mu        sync.Mutex
	baselines map[string]*sizeBaseline
}

// NewAnomalyScorer creates a scorer from cfg.
func NewAnomalyScorer(cfg config.AnomalyConfig) *AnomalyScorer {
	historySize := cfg.HistorySize
	if historySize < 3 {
		historySize = 20
	}
	minSamples := cfg.MinSamples
	if minSamples < 2 {
		minSamples = 5
	}
	agents := cfg.SuspiciousUserAgents
	if len(agents) == 0 {
		agents = defaultSuspiciousAgents
	}
	lowered := make([]string, len(agents))
	for i, a := range agents {
		lowered[i] = strings.ToLower(a)
	}
	return &AnomalyScorer{
		histories:   cache.New(time.Hour, 10*time.Minute),
		historySize: historySize,
		minSamples:  minSamples,
		agents:      lowered,
		baselines:   make(map[string]*sizeBaseline),
	}
}

// Score scores one request and then folds it into the subject history and endpoint baseline.
func (s *AnomalyScorer) Score(subject, endpoint, userAgent string, size int64, at time.Time) AnomalyScore {
	result := AnomalyScore{
		Interval:  s.intervalSignal(subject, at),
		UserAgent: s.userAgentSignal(userAgent),
		Size:      s.sizeSignal(endpoint, size),
	}
	result.Score = models.ClampUnit(weightInterval*result.Interval + weightUserAgent*result.UserAgent + weightSize*result.Size)
	return result
}

// intervalSignal is high when the gaps between a subject's requests are machine-regular.
func (s *AnomalyScorer) intervalSignal(subject string, at time.Time) float64 {
	s.histMu.Lock()
	var h *intervalHistory
	if v, ok := s.histories.Get(subject); ok {
		h = v.(*intervalHistory)
	} else {
		h = &intervalHistory{}
	}
	s.histories.SetDefault(subject, h)
	s.histMu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	h.times = append(h.times, at)
	if len(h.times) > s.historySize {
		h.times = h.times[len(h.times)-s.historySize:]
	}

	if len(h.times)-1 < s.minSamples {
		return 0
	}
	var sum, sumSq float64
	n := 0
	for i := 1; i < len(h.times); i++ {
		gap := h.times[i].Sub(h.times[i-1]).Seconds()
		if gap < 0 {
			gap = 0
		}
		sum += gap
		sumSq += gap * gap
		n++
	}
	mean := sum / float64(n)
	if mean <= 0 {
		return 1
	}
	variance := sumSq/float64(n) - mean*mean
	if variance < 0 {
		variance = 0
	}
	cv := math.Sqrt(variance) / mean
	return models.ClampUnit(1 - cv)
}

func (s *AnomalyScorer) userAgentSignal(userAgent string) float64 {
	ua := strings.ToLower(strings.TrimSpace(userAgent))
	if ua == "" {
		return 0.7
	}
	for _, a := range s.agents {
		if strings.Contains(ua, a) {
			return 1
		}
	}
	if len(ua) < 8 {
		return 0.4
	}
	return 0
}

// sizeSignal grows with the z-score of size against the endpoint baseline, saturating at 5 sigma.
func (s *AnomalyScorer) sizeSignal(endpoint string, size int64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.baselines[endpoint]
	if !ok {
		b = &sizeBaseline{}
		s.baselines[endpoint] = b
	}
	signal := 0.0
	if b.n >= int64(s.minSamples) {
		deviation := math.Abs(float64(size) - b.mean)
		if sd := b.stddev(); sd > 0 {
			signal = models.ClampUnit(deviation / sd / 5)
		} else if deviation > 0 {
			signal = 1
		}
	}
	b.add(float64(size))
	return signal
}
