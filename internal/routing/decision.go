package routing

import (
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/adaptive-router/internal/types"
)

// Decide runs the decision chain without recording a tuning sample. It is the
// pipeline the regression harness exercises, so dry runs never pollute
// feedback buffers.
func (r *Router) Decide(req *types.RoutingRequest, candidates []types.Provider) (*types.RoutingDecision, error) {
	prepared, adjusted := r.prepare(req, candidates)
	return r.engine.Route(prepared, adjusted)
}

// prepare assigns a request id and applies the health pre-filter and momentum
// adjustment. Neither the request nor the catalog entries are mutated.
func (r *Router) prepare(req *types.RoutingRequest, candidates []types.Provider) (*types.RoutingRequest, []types.Provider) {
	prepared := *req
	if prepared.ID == "" {
		prepared.ID = uuid.NewString()
	}

	if len(candidates) == 0 {
		return &prepared, candidates
	}

	adjusted := candidates
	if r.config.HealthFilterEnabled {
		adjusted = r.healthFilter(&prepared, adjusted)
	}
	if r.config.MomentumEnabled {
		adjusted = r.momentum.AdjustProviders(adjusted)
	}

	if r.logger.IsLevelEnabled(logrus.DebugLevel) {
		r.logger.WithFields(logrus.Fields{
			"request_id": prepared.ID,
			"candidates": len(candidates),
			"considered": len(adjusted),
		}).Debug("Candidates prepared")
	}
	return &prepared, adjusted
}

// healthFilter applies the health pre-filter to the providers that could serve
// the request. With no servable provider the candidates pass through untouched
// so the engine reports why.
func (r *Router) healthFilter(req *types.RoutingRequest, candidates []types.Provider) []types.Provider {
	eligible := make([]types.Provider, 0, len(candidates))
	for _, p := range candidates {
		if !p.Active || !p.Credentialed {
			continue
		}
		if _, ok := r.engine.ResolveModel(req, p); ok {
			eligible = append(eligible, p)
		}
	}
	if len(eligible) == 0 {
		return candidates
	}
	return r.cache.PreFilter(eligible)
}
