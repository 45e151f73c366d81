// Package capability implements C9, the tier/capability policy: derives
// effective limits from whether privileged venue credentials are
// configured, and fans reconfiguration out to C1/C5/C6 on change.
package capability

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marketfeed/internal/model"
)

// Tier is the caller's effective privilege level.
type Tier string

const (
	TierPublic     Tier = "public"
	TierPrivileged Tier = "privileged"
)

const publicSentinel = "PUBLIC_ACCESS"

// Credentials is the venue credential triple.
type Credentials struct {
	APIKey     string
	SecretKey  string
	Passphrase string
}

// IsPrivileged applies spec §4.9's exact validation rule.
func (c Credentials) IsPrivileged() bool {
	return c.APIKey != "" && c.SecretKey != "" && c.Passphrase != "" &&
		c.APIKey != publicSentinel && len(c.APIKey) >= 10
}

// Profile is the effective set of limits and markets (spec §3).
type Profile struct {
	Tier                Tier
	RateRPS             float64
	MaxSymbolsPerGroup  int
	Resolutions         []int // seconds
	HistoricalWindowDay int
	Markets             []model.Market
	BookSubscription    bool
}

func publicProfile() Profile {
	return Profile{
		Tier:                TierPublic,
		RateRPS:             8,
		MaxSymbolsPerGroup:  10,
		Resolutions:         []int{60, 300, 900, 3600},
		HistoricalWindowDay: 30,
		Markets:             []model.Market{model.MarketSpot, model.MarketUSDTM},
		BookSubscription:    false,
	}
}

func privilegedProfile() Profile {
	return Profile{
		Tier:                TierPrivileged,
		RateRPS:             120,
		MaxSymbolsPerGroup:  100,
		Resolutions:         []int{1, 5, 15, 60, 300, 900, 3600},
		HistoricalWindowDay: 365,
		Markets:             []model.Market{model.MarketSpot, model.MarketUSDTM, model.MarketCoinM, model.MarketUSDCM},
		BookSubscription:    true,
	}
}

// Validator tests a credential triple against the venue before it is
// committed (spec §4.9's atomic rollback).
type Validator func(ctx context.Context, creds Credentials) error

// RateUpdater hot-replaces an ingestion bucket's base rate (C1).
type RateUpdater func(rps float64)

// SymbolReconciler re-derives the working set (C5).
type SymbolReconciler func(ctx context.Context, profile Profile) error

// SessionRecycler stops and recreates C6 sessions for the new topology.
type SessionRecycler func(ctx context.Context, profile Profile) error

// Policy owns the current CapabilityProfile and fans out changes.
type Policy struct {
	mu      sync.RWMutex
	creds   Credentials
	profile Profile

	validate     Validator
	rateUpdaters []RateUpdater
	reconcile    SymbolReconciler
	recycle      SessionRecycler
}

// New builds a Policy starting from the given credentials (typically the
// BITGET_* environment variables read at startup).
func New(creds Credentials, validate Validator, reconcile SymbolReconciler, recycle SessionRecycler) *Policy {
	p := &Policy{
		creds:     creds,
		validate:  validate,
		reconcile: reconcile,
		recycle:   recycle,
	}
	p.profile = deriveProfile(creds)
	return p
}

// AddRateUpdater registers an ingestion bucket to receive base-rate
// updates on every capability change.
func (p *Policy) AddRateUpdater(u RateUpdater) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rateUpdaters = append(p.rateUpdaters, u)
}

// Profile returns the current effective profile.
func (p *Policy) Profile() Profile {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.profile
}

// UpdateCredentials validates the new triple via a live test call, then
// atomically commits it and fans the change out to C1/C5/C6. On
// validation failure, the previous credentials and profile are left
// untouched and the error is returned for the control plane to surface
// as 4xx.
func (p *Policy) UpdateCredentials(ctx context.Context, creds Credentials) (Profile, error) {
	if err := p.validate(ctx, creds); err != nil {
		return Profile{}, fmt.Errorf("capability: credential validation failed: %w", err)
	}

	newProfile := deriveProfile(creds)

	p.mu.Lock()
	p.creds = creds
	p.profile = newProfile
	updaters := append([]RateUpdater(nil), p.rateUpdaters...)
	p.mu.Unlock()

	for _, u := range updaters {
		u(newProfile.RateRPS)
	}
	if err := p.reconcile(ctx, newProfile); err != nil {
		log.Error().Err(err).Msg("capability: symbol reconcile failed after credential update")
	}
	if err := p.recycle(ctx, newProfile); err != nil {
		log.Error().Err(err).Msg("capability: session recycle failed after credential update")
	}

	log.Info().Str("tier", string(newProfile.Tier)).Msg("capability: credentials updated")
	return newProfile, nil
}

// Reset reverts to public tier (DELETE /user/reset_bitget_api).
func (p *Policy) Reset(ctx context.Context) (Profile, error) {
	return p.UpdateCredentials(ctx, Credentials{})
}

func deriveProfile(creds Credentials) Profile {
	if creds.IsPrivileged() {
		return privilegedProfile()
	}
	return publicProfile()
}
