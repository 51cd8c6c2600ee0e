package strategy

// Result is the aggregate of one evaluation round. Exit carries the
// resolved plan of the strongest strategy aligned with the action, so
// the winning geometry travels with the signal.
type Result struct {
	Action     Action
	Confidence float64
	Votes      []Vote
	Exit       ExitPlan
	Strongest  string
	Reasons    []string
}

// Aggregator folds strategy votes into one action. A vote's effective
// weight is its configured weight times its confidence; hold votes
// contribute weight to the denominator only, pulling the aggregate
// toward neutral. Strategies with no entry in the weights map are
// disabled and never evaluated.
type Aggregator struct {
	strategies []Strategy
	weights    map[string]float64
	threshold  float64
}

// NewAggregator builds an aggregator over the given strategy set.
// Aggregate scores below threshold come out as hold.
func NewAggregator(strategies []Strategy, weights map[string]float64, threshold float64) *Aggregator {
	return &Aggregator{
		strategies: strategies,
		weights:    weights,
		threshold:  threshold,
	}
}

// Evaluate runs every enabled strategy and folds the votes.
func (a *Aggregator) Evaluate(in Inputs) Result {
	var (
		buyScore, sellScore, totalWeight float64
		votes                            []Vote
		bestEff                          = make(map[Action]float64)
		bestStrategy                     = make(map[Action]*Strategy)
	)

	for i := range a.strategies {
		s := &a.strategies[i]
		weight := a.weights[s.Name]
		if weight <= 0 {
			continue
		}
		vote := s.Evaluate(in)
		vote.Strategy = s.Name
		vote.Confidence = clamp01(vote.Confidence)
		votes = append(votes, vote)
		totalWeight += weight

		eff := weight * vote.Confidence
		switch vote.Action {
		case ActionBuy:
			buyScore += eff
		case ActionSell:
			sellScore += eff
		default:
			continue
		}
		if eff > bestEff[vote.Action] {
			bestEff[vote.Action] = eff
			bestStrategy[vote.Action] = s
		}
	}

	res := Result{Action: ActionHold, Votes: votes}
	if totalWeight == 0 {
		return res
	}

	buyScore /= totalWeight
	sellScore /= totalWeight

	var winner Action
	switch {
	case buyScore > sellScore:
		winner = ActionBuy
		res.Confidence = buyScore
	case sellScore > buyScore:
		winner = ActionSell
		res.Confidence = sellScore
	default:
		return res // tie stays hold
	}

	if res.Confidence < a.threshold {
		return res
	}

	res.Action = winner
	if s := bestStrategy[winner]; s != nil {
		res.Exit = s.Exit.Resolve(in.Snapshot)
		res.Strongest = s.Name
	}
	for _, v := range votes {
		if v.Action == winner && v.Reason != "" {
			res.Reasons = append(res.Reasons, v.Reason)
		}
	}
	return res
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
