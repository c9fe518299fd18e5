/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the ledger with realistic
	riders and clinic registrations for demos and manual testing.

AVAILABLE SCENARIOS:

	spring-clinics:   Six riders with a populated half-year leaderboard
	referral:         One rider refers a friend who books a first clinic
	reward-threshold: Five 10-point clinics cross the 50-point reward

HOW SCENARIOS WORK:
 1. Create riders via Service.EnsureAccount
 2. Complete registrations with fixed registration ids
 3. Redeem referral codes where the scenario needs them

 Every write goes through the normal ledger, so loading a scenario twice
 changes nothing: accounts are found by email and registrations are
 deduplicated by id.

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "spring-clinics"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx, svc)
 3. Add case to SeedScenario

SEE ALSO:
  - handlers.go: Handler
  - loyalty/service.go: Service operations used here
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/DBTheEasyButton/Template-Riding-Coach-Website-sub002/loyalty"
)

// ErrUnknownScenario is returned by SeedScenario for an unlisted id.
var ErrUnknownScenario = errors.New("unknown scenario")

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "spring-clinics",
		Name:        "Spring Clinics",
		Description: "Six riders across dressage and jumping clinics, populating this period's leaderboard",
	},
	{
		ID:          "referral",
		Name:        "Referral",
		Description: "A regular refers a friend; the friend's first clinic grants the 20-point bonus",
	},
	{
		ID:          "reward-threshold",
		Name:        "Reward Threshold",
		Description: "Five 10-point clinics reach 50 points, issue a 20% code and reach silver",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the most recently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := SeedScenario(r.Context(), h.Service, req.ScenarioID); err != nil {
		if errors.Is(err, ErrUnknownScenario) {
			writeError(w, http.StatusBadRequest, "Unknown scenario", err)
			return
		}
		h.writeDomainError(w, r, "Failed to load scenario", err)
		return
	}

	h.mu.Lock()
	h.currentScenario = req.ScenarioID
	h.mu.Unlock()

	h.Logger.Info("scenario loaded", "scenario", req.ScenarioID)
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "loaded",
		"scenario": req.ScenarioID,
	})
}

// SeedScenario loads scenario id through svc.
func SeedScenario(ctx context.Context, svc *loyalty.Service, id string) error {
	switch id {
	case "spring-clinics":
		return loadSpringClinicsScenario(ctx, svc)
	case "referral":
		return loadReferralScenario(ctx, svc)
	case "reward-threshold":
		return loadRewardThresholdScenario(ctx, svc)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownScenario, id)
	}
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

type demoRider struct {
	email, first, last string
	clinics            []int64
}

func seedRiders(ctx context.Context, svc *loyalty.Service, prefix string, riders []demoRider) error {
	for _, rider := range riders {
		for i, pts := range rider.clinics {
			_, err := svc.OnClinicRegistrationCompleted(ctx, loyalty.Registration{
				Email:          rider.email,
				FirstName:      rider.first,
				LastName:       rider.last,
				RegistrationID: fmt.Sprintf("%s-%s-%02d", prefix, rider.first, i+1),
				Points:         pts,
			})
			if err != nil {
				return fmt.Errorf("seed %s: %w", rider.email, err)
			}
		}
		if len(rider.clinics) == 0 {
			if _, _, err := svc.EnsureAccount(ctx, loyalty.AccountInput{
				Email: rider.email, FirstName: rider.first, LastName: rider.last,
			}); err != nil {
				return fmt.Errorf("seed %s: %w", rider.email, err)
			}
		}
	}
	return nil
}

func loadSpringClinicsScenario(ctx context.Context, svc *loyalty.Service) error {
	return seedRiders(ctx, svc, "demo-spring", []demoRider{
		{"charlotte.dujardin@example.com", "Charlotte", "Dujardin", []int64{10, 10, 15, 10, 10, 15}},
		{"ben.maher@example.com", "Ben", "Maher", []int64{15, 15, 10, 10}},
		{"laura.collett@example.com", "Laura", "Collett", []int64{10, 10, 10, 10, 10}},
		{"scott.brash@example.com", "Scott", "Brash", []int64{25, 25}},
		{"piggy.march@example.com", "Piggy", "March", []int64{10}},
		{"oliver.townend@example.com", "Oliver", "Townend", nil},
	})
}

func loadReferralScenario(ctx context.Context, svc *loyalty.Service) error {
	referrer, _, err := svc.EnsureAccount(ctx, loyalty.AccountInput{
		Email: "emma.hindle@example.com", FirstName: "Emma", LastName: "Hindle",
	})
	if err != nil {
		return err
	}
	if err := seedRiders(ctx, svc, "demo-referral", []demoRider{
		{"emma.hindle@example.com", "Emma", "Hindle", []int64{10, 10}},
		{"lucy.hall@example.com", "Lucy", "Hall", []int64{10}},
	}); err != nil {
		return err
	}

	// A second load finds the redemption already recorded and grants nothing.
	_, err = svc.OnNewAccountFirstEntry(ctx, "lucy.hall@example.com", referrer.ReferralCode)
	return err
}

func loadRewardThresholdScenario(ctx context.Context, svc *loyalty.Service) error {
	return seedRiders(ctx, svc, "demo-threshold", []demoRider{
		{"william.fox-pitt@example.com", "William", "Fox-Pitt", []int64{10, 10, 10, 10, 10}},
	})
}
