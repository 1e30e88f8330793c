package training

// LearningRates reads the step size currently in effect for each of the
// optimizer's parameter groups. Pure read, reporting only; never feed the
// result back into control decisions.
func LearningRates(opt Optimizer) []float64 {
	groups := opt.ParamGroups()
	rates := make([]float64, len(groups))
	for i, g := range groups {
		rates[i] = g.LR
	}
	return rates
}

// EffectiveLearningRate returns the first parameter group's step size, the
// value reported in per-epoch status lines.
func EffectiveLearningRate(opt Optimizer) float64 {
	groups := opt.ParamGroups()
	if len(groups) == 0 {
		return 0
	}
	return groups[0].LR
}
