package detection

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/turtacn/paygate/internal/domain/models"
)

const profileShards = 32

// SubjectOf returns the key events are profiled under: the client ID when known, else the source IP.
func SubjectOf(event models.SecurityEvent) string {
	if event.ClientID != "" {
		return event.ClientID
	}
	return event.ClientIP
}

type lockedProfile struct {
	mu      sync.Mutex
	profile *models.ClientThreatProfile
}

type profileShard struct {
	mu       sync.RWMutex
	profiles map[string]*lockedProfile
}

// ProfileStore keeps one ClientThreatProfile per subject, each behind its own lock.
type ProfileStore struct {
	shards   [profileShards]*profileShard
	capacity int
}

// NewProfileStore creates a store whose profiles remember capacity events each.
func NewProfileStore(capacity int) *ProfileStore {
	s := &ProfileStore{capacity: capacity}
	for i := range s.shards {
		s.shards[i] = &profileShard{profiles: make(map[string]*lockedProfile)}
	}
	return s
}

func (s *ProfileStore) shard(subject string) *profileShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(subject))
	return s.shards[h.Sum32()%profileShards]
}

// With runs fn on subject's profile under its lock, creating the profile if needed.
func (s *ProfileStore) With(subject string, now time.Time, fn func(*models.ClientThreatProfile)) {
	sh := s.shard(subject)
	sh.mu.RLock()
	lp, ok := sh.profiles[subject]
	sh.mu.RUnlock()
	if !ok {
		sh.mu.Lock()
		if lp, ok = sh.profiles[subject]; !ok {
			lp = &lockedProfile{profile: models.NewClientThreatProfile(subject, s.capacity, now)}
			sh.profiles[subject] = lp
		}
		sh.mu.Unlock()
	}
	lp.mu.Lock()
	defer lp.mu.Unlock()
	fn(lp.profile)
}

// Prune drops events older than cutoff and removes profiles left empty. It returns the number removed.
func (s *ProfileStore) Prune(cutoff time.Time) int {
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for subject, lp := range sh.profiles {
			lp.mu.Lock()
			lp.profile.Prune(cutoff)
			empty := lp.profile.Len() == 0 && lp.profile.LastSeen.Before(cutoff)
			lp.mu.Unlock()
			if empty {
				delete(sh.profiles, subject)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// ActiveSince counts profiles seen at or after since.
func (s *ProfileStore) ActiveSince(since time.Time) int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, lp := range sh.profiles {
			lp.mu.Lock()
			if !lp.profile.LastSeen.Before(since) {
				n++
			}
			lp.mu.Unlock()
		}
		sh.mu.RUnlock()
	}
	return n
}

// Len returns the number of profiles.
func (s *ProfileStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.profiles)
		sh.mu.RUnlock()
	}
	return n
}
