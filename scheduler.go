package main

import (
	"errors"
	"log"
	"time"
)

var errNoAccountAvailable = errors.New("no account available")

// scheduler picks one account per request: sticky binding first, then the
// highest-priority eligible account with a lexicographic id tiebreak.
type scheduler struct {
	reg      *Registry
	sessions *sessionStore

	stickyTTL      time.Duration
	renewThreshold time.Duration

	metrics *metrics
}

func newScheduler(reg *Registry, sessions *sessionStore, sc SessionConfig, m *metrics) *scheduler {
	return &scheduler{
		reg:            reg,
		sessions:       sessions,
		stickyTTL:      time.Duration(sc.StickyTTLSeconds) * time.Second,
		renewThreshold: time.Duration(sc.RenewalThresholdSeconds) * time.Second,
		metrics:        m,
	}
}

// selectAccount returns the account for (platform, fingerprint, excluded).
// A sticky binding wins when its account is still selectable; otherwise the
// binding is treated as a miss and a fresh selection is bound. fingerprint
// may be empty for stateless requests, in which case nothing is persisted.
func (s *scheduler) selectAccount(reqID string, platform Platform, fingerprint string, excluded map[string]bool) (*Account, error) {
	now := time.Now()

	if fingerprint != "" {
		accountID, ok, err := s.sessions.lookup(fingerprint)
		if err != nil {
			log.Printf("[%s] sticky lookup failed: %v", reqID, err)
		} else if ok && s.reg.selectable(accountID, platform, excluded, now) {
			s.metrics.stickyHits.Add(1)
			if err := s.sessions.renewIfStale(fingerprint, s.stickyTTL, s.renewThreshold); err != nil {
				log.Printf("[%s] sticky renew failed: %v", reqID, err)
			}
			return s.reg.get(accountID), nil
		}
	}

	eligible := s.reg.listEligible(platform, excluded, now)
	if len(eligible) == 0 {
		return nil, errNoAccountAvailable
	}

	// listEligible is already (priority DESC, id ASC); the head of the list
	// is the deterministic choice.
	chosen := eligible[0]

	if fingerprint != "" {
		if err := s.sessions.bind(fingerprint, chosen.ID, s.stickyTTL); err != nil {
			log.Printf("[%s] sticky bind failed: %v", reqID, err)
		}
	}
	return chosen, nil
}

// eligibleCount sizes the retry budget for one request.
func (s *scheduler) eligibleCount(platform Platform, excluded map[string]bool) int {
	return len(s.reg.listEligible(platform, excluded, time.Now()))
}

// dropBinding removes a sticky binding after its account went unavailable
// mid-request, so the retry is free to land elsewhere.
func (s *scheduler) dropBinding(reqID, fingerprint string) {
	if fingerprint == "" {
		return
	}
	if err := s.sessions.invalidate(fingerprint); err != nil {
		log.Printf("[%s] sticky invalidate failed: %v", reqID, err)
	}
}
