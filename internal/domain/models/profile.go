package models

import "time"

// ProfileEntry is one event remembered in a client profile.
type ProfileEntry struct {
	EventID     string
	At          time.Time
	Failed      bool
	PayloadSize int64
}

// ClientThreatProfile is a client's rolling behavior, bounded by a ring of recent events.
// Callers serialize access; the detector owns one lock per profile.
type ClientThreatProfile struct {
	ClientID  string
	FirstSeen time.Time
	LastSeen  time.Time

	ring  []ProfileEntry
	head  int
	count int

	sizeSamples int64
	sizeMean    float64

	// lastAlert remembers when and how severely each threat type last fired for this client.
	lastAlert map[ThreatType]alertMark
}

type alertMark struct {
	at       time.Time
	severity Severity
}

// NewClientThreatProfile creates a profile remembering at most capacity events.
func NewClientThreatProfile(clientID string, capacity int, now time.Time) *ClientThreatProfile {
	if capacity <= 0 {
		capacity = 1
	}
	return &ClientThreatProfile{
		ClientID:  clientID,
		FirstSeen: now,
		LastSeen:  now,
		ring:      make([]ProfileEntry, capacity),
		lastAlert: make(map[ThreatType]alertMark),
	}
}

// Record appends an entry, overwriting the oldest once full.
func (p *ClientThreatProfile) Record(entry ProfileEntry) {
	p.ring[p.head] = entry
	p.head = (p.head + 1) % len(p.ring)
	if p.count < len(p.ring) {
		p.count++
	}
	if entry.At.After(p.LastSeen) {
		p.LastSeen = entry.At
	}
}

// ObserveSize folds a payload size into the running average.
func (p *ClientThreatProfile) ObserveSize(size int64) {
	p.sizeSamples++
	p.sizeMean += (float64(size) - p.sizeMean) / float64(p.sizeSamples)
}

// AverageSize returns the running payload average and the number of samples behind it.
func (p *ClientThreatProfile) AverageSize() (float64, int64) {
	return p.sizeMean, p.sizeSamples
}

// Len returns the number of remembered entries.
func (p *ClientThreatProfile) Len() int { return p.count }

// Entries returns remembered entries, oldest first.
func (p *ClientThreatProfile) Entries() []ProfileEntry {
	out := make([]ProfileEntry, 0, p.count)
	start := (p.head - p.count + len(p.ring)) % len(p.ring)
	for i := 0; i < p.count; i++ {
		out = append(out, p.ring[(start+i)%len(p.ring)])
	}
	return out
}

// CountSince counts entries at or after since, optionally only failed ones.
func (p *ClientThreatProfile) CountSince(since time.Time, failedOnly bool) int {
	n := 0
	for _, e := range p.Entries() {
		if e.At.Before(since) {
			continue
		}
		if failedOnly && !e.Failed {
			continue
		}
		n++
	}
	return n
}

// Prune drops entries older than cutoff.
func (p *ClientThreatProfile) Prune(cutoff time.Time) {
	kept := make([]ProfileEntry, 0, p.count)
	for _, e := range p.Entries() {
		if !e.At.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	for i := range p.ring {
		p.ring[i] = ProfileEntry{}
	}
	p.head, p.count = 0, 0
	for _, e := range kept {
		p.ring[p.head] = e
		p.head = (p.head + 1) % len(p.ring)
		p.count++
	}
	for t, mark := range p.lastAlert {
		if mark.at.Before(cutoff) {
			delete(p.lastAlert, t)
		}
	}
}

// ShouldAlert reports whether threatType may fire again given cooldown, and marks it fired if so.
// A threat more severe than the last one of its type fires even inside the cooldown.
func (p *ClientThreatProfile) ShouldAlert(threatType ThreatType, severity Severity, now time.Time, cooldown time.Duration) bool {
	if last, ok := p.lastAlert[threatType]; ok && now.Sub(last.at) < cooldown && severity <= last.severity {
		return false
	}
	p.lastAlert[threatType] = alertMark{at: now, severity: severity}
	return true
}
