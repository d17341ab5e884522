package backend

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/example/gpupool/pkg/poolapi"
)

// Default physical and economic thresholds applied when the request does not
// override them.
const (
	defaultTheoreticalMaxEfficiency = 0.85
	defaultTargetLCOE               = 0.10
	minPhysicalEfficiency           = 0.05
	hoursPerYear                    = 8760
)

// SimBackend evaluates validation requests in-process with closed-form
// statistics instead of sampled Monte Carlo, so results are deterministic and
// reproducible without remote hardware. It serves as the default backend and
// as the test double for the remote path.
type SimBackend struct {
	// Delay is added to every call to model remote latency. Zero in tests.
	Delay time.Duration
}

func NewSim(delay time.Duration) *SimBackend {
	return &SimBackend{Delay: delay}
}

func (s *SimBackend) ExecuteSingle(ctx context.Context, req Request) (Outcome, error) {
	if s.Delay > 0 {
		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-time.After(s.Delay):
		}
	}
	switch req.Kind {
	case poolapi.KindMonteCarlo, poolapi.KindBatchValidation:
		return s.monteCarlo(req.Params), nil
	case poolapi.KindParametricSweep:
		return s.parametricSweep(req.Params), nil
	case poolapi.KindPhysicsValidation:
		return s.physicsValidation(req.Params), nil
	default:
		return Outcome{}, fmt.Errorf("unsupported request kind %q", req.Kind)
	}
}

func (s *SimBackend) ExecuteBatch(ctx context.Context, reqs []Request) ([]BatchItem, error) {
	if s.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.Delay):
		}
	}
	items := make([]BatchItem, len(reqs))
	for i, r := range reqs {
		out, err := s.ExecuteSingle(ctx, Request{
			TaskID:       r.TaskID,
			HypothesisID: r.HypothesisID,
			Tier:         r.Tier,
			Kind:         r.Kind,
			Params:       r.Params,
		})
		items[i] = BatchItem{Outcome: out, Err: err}
	}
	return items, nil
}

func (s *SimBackend) Healthy(ctx context.Context) bool { return true }

func (s *SimBackend) WarmUp(ctx context.Context, count int) error { return nil }

// monteCarlo propagates the parameter distributions through the LCOE model
// analytically: independent normals for efficiency and cost give a
// first-order relative-variance sum for the derived LCOE spread.
func (s *SimBackend) monteCarlo(p poolapi.Params) Outcome {
	effMean := p.Get("efficiency_mean", 0.35)
	effStd := p.Get("efficiency_std", 0.05)
	costMean := p.Get("cost_mean", 100) // $/kW installed
	costStd := p.Get("cost_std", 20)
	lifetime := p.Get("lifetime_years", 25)
	capFactor := p.Get("capacity_factor", 0.25)
	capacityKW := p.Get("capacity_kw", 1000)
	maxEff := p.Get("theoretical_max_efficiency", defaultTheoreticalMaxEfficiency)
	targetLCOE := p.Get("target_lcoe", defaultTargetLCOE)

	lcoeMean := lcoe(costMean, capacityKW, capFactor, effMean, lifetime)
	relVar := 0.0
	if effMean > 0 {
		relVar += (effStd / effMean) * (effStd / effMean)
	}
	if costMean > 0 {
		relVar += (costStd / costMean) * (costStd / costMean)
	}
	lcoeStd := lcoeMean * math.Sqrt(relVar)

	physicsValid := effMean >= minPhysicalEfficiency && effMean <= maxEff
	econViable := lcoeMean <= targetLCOE

	return Outcome{
		PhysicsValid:       physicsValid,
		EconomicallyViable: econViable,
		Confidence:         confidence(lcoeMean, lcoeStd),
		Metrics: map[string]poolapi.MetricStat{
			"efficiency": stat(effMean, effStd),
			"cost":       stat(costMean, costStd),
			"lcoe":       stat(lcoeMean, lcoeStd),
		},
	}
}

// parametricSweep scans the efficiency interval on a fixed grid and reports
// the point with the lowest LCOE.
func (s *SimBackend) parametricSweep(p poolapi.Params) Outcome {
	effMin := p.Get("efficiency_min", 0.15)
	effMax := p.Get("efficiency_max", 0.35)
	steps := int(p.Get("sweep_points", 21))
	if steps < 2 {
		steps = 2
	}
	if effMax < effMin {
		effMin, effMax = effMax, effMin
	}
	costMean := p.Get("cost_per_kw", 100)
	lifetime := p.Get("lifetime_years", 25)
	capFactor := p.Get("capacity_factor", 0.25)
	capacityKW := p.Get("capacity_kw", 1000)
	maxEff := p.Get("theoretical_max_efficiency", defaultTheoreticalMaxEfficiency)
	targetLCOE := p.Get("target_lcoe", defaultTargetLCOE)

	bestEff := effMin
	bestLCOE := math.Inf(1)
	for i := 0; i < steps; i++ {
		eff := effMin + (effMax-effMin)*float64(i)/float64(steps-1)
		if eff <= 0 || eff > maxEff {
			continue
		}
		v := lcoe(costMean, capacityKW, capFactor, eff, lifetime)
		if v < bestLCOE {
			bestLCOE = v
			bestEff = eff
		}
	}
	physicsValid := !math.IsInf(bestLCOE, 1)
	econViable := physicsValid && bestLCOE <= targetLCOE

	return Outcome{
		PhysicsValid:       physicsValid,
		EconomicallyViable: econViable,
		Confidence:         confidence(bestEff, (effMax-effMin)/float64(steps-1)),
		Metrics: map[string]poolapi.MetricStat{
			"best_efficiency": stat(bestEff, 0),
			"best_lcoe":       stat(bestLCOE, 0),
		},
	}
}

// physicsValidation checks conservation-style bounds on the hypothesis
// parameters without an economics pass.
func (s *SimBackend) physicsValidation(p poolapi.Params) Outcome {
	effMean := p.Get("efficiency_mean", 0.35)
	effStd := p.Get("efficiency_std", 0.05)
	maxEff := p.Get("theoretical_max_efficiency", defaultTheoreticalMaxEfficiency)
	energyIn := p.Get("energy_in", 1.0)
	energyOut := p.Get("energy_out", effMean*energyIn)

	balance := 0.0
	if energyIn > 0 {
		balance = energyOut / energyIn
	}
	physicsValid := effMean >= minPhysicalEfficiency && effMean <= maxEff && balance <= 1.0 && balance >= 0

	return Outcome{
		PhysicsValid:       physicsValid,
		EconomicallyViable: false,
		Confidence:         confidence(effMean, effStd),
		Metrics: map[string]poolapi.MetricStat{
			"efficiency":     stat(effMean, effStd),
			"energy_balance": stat(balance, 0),
		},
	}
}

// lcoe is dollars per kWh over the system lifetime: upfront cost spread over
// total lifetime generation.
func lcoe(cost, capacityKW, capacityFactor, efficiency, lifetimeYears float64) float64 {
	gen := capacityKW * capacityFactor * hoursPerYear * efficiency * lifetimeYears
	if gen <= 0 {
		return math.Inf(1)
	}
	return (cost * 1000) / gen
}

func confidence(mean, std float64) float64 {
	if mean <= 0 {
		return 0
	}
	c := 1 - std/mean
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

func stat(mean, std float64) poolapi.MetricStat {
	return poolapi.MetricStat{
		Mean:     mean,
		Std:      std,
		CI95Low:  mean - 1.96*std,
		CI95High: mean + 1.96*std,
	}
}
