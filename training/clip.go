package training

// ClipGradients clamps every accumulated gradient value into
// [-clip, +clip]. It mutates gradient buffers only, never parameter values,
// and must run after the backward pass and before the optimizer step. This
// is a per-element clamp, not a global-norm rescale.
func ClipGradients(groups []ParamGroup, clip float64) {
	if clip <= 0 {
		return
	}

	bound := float32(clip)
	for _, group := range groups {
		for _, param := range group.Params {
			if param.Grad() == nil {
				continue
			}
			grad, err := param.Grad().GetFloat32Data()
			if err != nil {
				continue
			}
			for i, g := range grad {
				if g > bound {
					grad[i] = bound
				} else if g < -bound {
					grad[i] = -bound
				}
			}
		}
	}
}
