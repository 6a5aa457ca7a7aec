package tracking

// Timeline returns the ordered lifecycle steps for a view. Server-supplied
// steps win and are returned as given; otherwise the steps are derived from
// the lifecycle table.
func Timeline(view View) []Step {
	if len(view.Steps) > 0 {
		return cloneSteps(view.Steps)
	}
	return FallbackTimeline(view.Kind, view.Status, view.BranchedFrom)
}

// FallbackTimeline derives the completion vector for a status. It is total:
// unknown statuses produce a timeline with nothing completed.
func FallbackTimeline(kind Kind, status Status, branchedFrom Status) []Step {
	lc := LifecycleFor(kind)
	forward := lc.Forward()
	steps := make([]Step, 0, len(forward)+1)

	reached := -1
	phase, known := lc.Phase(status)
	switch {
	case !known:
	case phase.Forward:
		reached = lc.Rank(status)
	default:
		reached = lc.Rank(branchedFrom)
	}

	for i, p := range forward {
		steps = append(steps, Step{
			Code:      string(p.Status),
			Label:     p.Label,
			Completed: i <= reached,
		})
	}
	if known && !phase.Forward {
		steps = append(steps, Step{
			Code:      string(phase.Status),
			Label:     phase.Label,
			Completed: true,
		})
	}
	return steps
}

// DisplayProgress returns the progress to present for a view. The reported
// value is floored at the status's fallback progress so the displayed number
// never drops below what the status alone implies.
func DisplayProgress(view View) int {
	lc := LifecycleFor(view.Kind)
	fallback := lc.FallbackProgress(view.Status)
	if phase, ok := lc.Phase(view.Status); ok && !phase.Forward && !phase.Terminal {
		fallback = lc.FallbackProgress(view.BranchedFrom)
	}
	if view.Progress == nil || *view.Progress < fallback {
		return fallback
	}
	return *view.Progress
}
