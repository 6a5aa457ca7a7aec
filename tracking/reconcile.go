package tracking

import "strings"

// Outcome describes what a reconciliation did with an update.
type Outcome uint8

const (
	// OutcomeNoop means nothing in the update was usable.
	OutcomeNoop Outcome = iota
	// OutcomeMerged means the status was unchanged and fields were merged.
	OutcomeMerged
	// OutcomeAdvanced means the status moved along the lifecycle.
	OutcomeAdvanced
	// OutcomeForced means an action-sourced update replaced the status
	// outside forward ordering.
	OutcomeForced
	// OutcomeStale means the status was ignored as out of order while
	// non-regressive fields were still merged.
	OutcomeStale
)

func (o Outcome) String() string {
	switch o {
	case OutcomeMerged:
		return "merged"
	case OutcomeAdvanced:
		return "advanced"
	case OutcomeForced:
		return "forced"
	case OutcomeStale:
		return "stale"
	default:
		return "noop"
	}
}

// Reconcile merges an incoming update into the current view and returns the
// next view. It never mutates current and never panics on malformed input.
func Reconcile(current View, incoming Update, source Source) View {
	next, _ := ReconcileOutcome(current, incoming, source)
	return next
}

// ReconcileOutcome is Reconcile that also reports how the update was applied.
func ReconcileOutcome(current View, incoming Update, source Source) (View, Outcome) {
	in, ok := sanitize(current, incoming)
	if !ok {
		return current, OutcomeNoop
	}
	lc := LifecycleFor(current.Kind)
	next := current.Clone()

	if in.Status == "" {
		capIncoming(lc, current.Status, current, &in)
		mergeSame(&next, in)
		return next, OutcomeMerged
	}

	// A branch the view already left is only re-entered through an action.
	if source != SourceAction && current.ResolvedBranch != "" && in.Status == current.ResolvedBranch {
		capIncoming(lc, current.Status, current, &in)
		mergeStale(&next, in)
		return next, OutcomeStale
	}

	movement := lc.Compare(current.Status, in.Status, current.BranchedFrom)
	if source == SourceAction && movement != MoveSame && movement != MoveUnknown {
		if movement == MoveStale {
			capIncoming(lc, in.Status, current, &in)
			replaceStatus(lc, &next, in)
			return next, OutcomeForced
		}
		movement = MoveAdvance
	}

	switch movement {
	case MoveSame:
		capIncoming(lc, current.Status, current, &in)
		mergeSame(&next, in)
		return next, OutcomeMerged
	case MoveAdvance:
		capIncoming(lc, in.Status, current, &in)
		replaceStatus(lc, &next, in)
		return next, OutcomeAdvanced
	default:
		capIncoming(lc, current.Status, current, &in)
		mergeStale(&next, in)
		return next, OutcomeStale
	}
}

// sanitize drops malformed fields. It reports false when nothing usable
// remains or the update targets another view.
func sanitize(current View, in Update) (Update, bool) {
	if id := strings.TrimSpace(in.ID); id != "" && current.ID != "" && id != current.ID {
		return Update{}, false
	}
	if in.Kind != "" && current.Kind != "" && in.Kind != current.Kind {
		return Update{}, false
	}
	in.Status = in.Status.Normalize()
	if in.Progress != nil && (*in.Progress < 0 || *in.Progress > 100) {
		in.Progress = nil
	}
	if in.Confirmations != nil && *in.Confirmations < 0 {
		in.Confirmations = nil
	}
	if in.RequiredConfirmations != nil && *in.RequiredConfirmations < 0 {
		in.RequiredConfirmations = nil
	}
	if in.EtaSeconds != nil && *in.EtaSeconds < 0 {
		in.EtaSeconds = nil
	}
	if in.TxHash != nil && strings.TrimSpace(*in.TxHash) == "" {
		in.TxHash = nil
	}
	if in.Escrow != nil && current.Kind == KindTrade {
		in.Escrow = nil
	}
	if in.Trade != nil && current.Kind == KindEscrow {
		in.Trade = nil
	}
	if in.Empty() {
		return Update{}, false
	}
	return in, true
}

func mergeSame(next *View, in Update) {
	next.Progress = maxInt(next.Progress, in.Progress)
	next.Confirmations = maxInt(next.Confirmations, in.Confirmations)
	mergeLatest(next, in)
}

func replaceStatus(lc *Lifecycle, next *View, in Update) {
	previous, branchedFrom := next.Status, next.BranchedFrom
	phase, _ := lc.Phase(in.Status)
	previousPhase, _ := lc.Phase(previous)
	switch {
	case phase.Forward:
		next.BranchedFrom = ""
	case lc.Rank(previous) >= 0:
		next.BranchedFrom = previous
	}
	switch {
	case previousPhase.Branch && !phase.Branch:
		next.ResolvedBranch = previous
		next.ResolvedFrom = branchedFrom
	case phase.Branch || lc.Rank(in.Status) > lc.Rank(next.ResolvedFrom):
		next.ResolvedBranch = ""
		next.ResolvedFrom = ""
	}
	next.Status = in.Status
	next.Progress = cloneInt(in.Progress)
	if in.Confirmations != nil {
		next.Confirmations = cloneInt(in.Confirmations)
	}
	// Steps and eta describe the previous status; only carry supplied ones.
	next.Steps = cloneSteps(in.Steps)
	next.EtaSeconds = cloneInt(in.EtaSeconds)
	mergeLatest(next, in)
	capConfirmations(lc, next)
}

// mergeStale applies only the fields an out-of-order update cannot regress.
func mergeStale(next *View, in Update) {
	next.Confirmations = maxInt(next.Confirmations, in.Confirmations)
	if next.RequiredConfirmations == nil && in.RequiredConfirmations != nil {
		next.RequiredConfirmations = cloneInt(in.RequiredConfirmations)
	}
	if next.TxHash == "" && in.TxHash != nil {
		next.TxHash = strings.TrimSpace(*in.TxHash)
	}
	if in.Escrow != nil {
		next.Escrow = fillEscrow(next.Escrow, in.Escrow)
	}
	if in.Trade != nil {
		next.Trade = fillTrade(next.Trade, in.Trade)
	}
}

// mergeLatest takes the latest non-null value for nullable fields.
func mergeLatest(next *View, in Update) {
	if in.RequiredConfirmations != nil {
		next.RequiredConfirmations = cloneInt(in.RequiredConfirmations)
	}
	if in.EtaSeconds != nil {
		next.EtaSeconds = cloneInt(in.EtaSeconds)
	}
	if in.TxHash != nil {
		next.TxHash = strings.TrimSpace(*in.TxHash)
	}
	if in.Steps != nil {
		next.Steps = cloneSteps(in.Steps)
	}
	if in.Escrow != nil {
		next.Escrow = mergeEscrow(next.Escrow, in.Escrow)
	}
	if in.Trade != nil {
		next.Trade = mergeTrade(next.Trade, in.Trade)
	}
}

// capIncoming bounds the incoming confirmations by the required count while
// status is below the funded point. Displayed confirmations are never lowered
// here; mergeSame and mergeStale keep the maximum.
func capIncoming(lc *Lifecycle, status Status, current View, in *Update) {
	if in.Confirmations == nil || !lc.capsConfirmations(status) {
		return
	}
	required := in.RequiredConfirmations
	if required == nil {
		required = current.RequiredConfirmations
	}
	if required != nil && *in.Confirmations > *required {
		in.Confirmations = cloneInt(required)
	}
}

// capConfirmations bounds the carried confirmations after a status change.
func capConfirmations(lc *Lifecycle, next *View) {
	if next.Confirmations == nil || next.RequiredConfirmations == nil {
		return
	}
	if lc.capsConfirmations(next.Status) && *next.Confirmations > *next.RequiredConfirmations {
		next.Confirmations = cloneInt(next.RequiredConfirmations)
	}
}

func mergeEscrow(current, in *EscrowDetails) *EscrowDetails {
	var out EscrowDetails
	if current != nil {
		out = current.clone()
	}
	if in.USDCExpected.Valid {
		out.USDCExpected = in.USDCExpected
	}
	if in.BIFTarget.Valid {
		out.BIFTarget = in.BIFTarget
	}
	if v := strings.TrimSpace(in.DepositAddress); v != "" {
		out.DepositAddress = v
	}
	if v := strings.TrimSpace(in.Network); v != "" {
		out.Network = v
	}
	// is_sandbox is fixed at creation.
	if out.IsSandbox == nil && in.IsSandbox != nil {
		out.IsSandbox = cloneBool(in.IsSandbox)
	}
	if in.SandboxScenario != nil {
		out.SandboxScenario = cloneString(in.SandboxScenario)
	}
	if in.EstimatedMinutesRemaining != nil && *in.EstimatedMinutesRemaining >= 0 {
		out.EstimatedMinutesRemaining = cloneInt(in.EstimatedMinutesRemaining)
	}
	return &out
}

func fillEscrow(current, in *EscrowDetails) *EscrowDetails {
	var out EscrowDetails
	if current != nil {
		out = current.clone()
	}
	if !out.USDCExpected.Valid && in.USDCExpected.Valid {
		out.USDCExpected = in.USDCExpected
	}
	if !out.BIFTarget.Valid && in.BIFTarget.Valid {
		out.BIFTarget = in.BIFTarget
	}
	if out.DepositAddress == "" {
		out.DepositAddress = strings.TrimSpace(in.DepositAddress)
	}
	if out.Network == "" {
		out.Network = strings.TrimSpace(in.Network)
	}
	if out.IsSandbox == nil && in.IsSandbox != nil {
		out.IsSandbox = cloneBool(in.IsSandbox)
	}
	if out.SandboxScenario == nil && in.SandboxScenario != nil {
		out.SandboxScenario = cloneString(in.SandboxScenario)
	}
	return &out
}

func mergeTrade(current, in *TradeDetails) *TradeDetails {
	var out TradeDetails
	if current != nil {
		out = current.clone()
	}
	if v := strings.TrimSpace(in.Token); v != "" {
		out.Token = v
	}
	if in.Amount.Valid {
		out.Amount = in.Amount
	}
	if in.Price.Valid {
		out.Price = in.Price
	}
	if v := strings.TrimSpace(in.FiatCurrency); v != "" {
		out.FiatCurrency = v
	}
	if in.FiatAmount.Valid {
		out.FiatAmount = in.FiatAmount
	}
	if v := strings.TrimSpace(in.EscrowDepositAddr); v != "" {
		out.EscrowDepositAddr = v
	}
	if out.IsSandbox == nil && in.IsSandbox != nil {
		out.IsSandbox = cloneBool(in.IsSandbox)
	}
	return &out
}

func fillTrade(current, in *TradeDetails) *TradeDetails {
	var out TradeDetails
	if current != nil {
		out = current.clone()
	}
	if out.Token == "" {
		out.Token = strings.TrimSpace(in.Token)
	}
	if !out.Amount.Valid && in.Amount.Valid {
		out.Amount = in.Amount
	}
	if !out.Price.Valid && in.Price.Valid {
		out.Price = in.Price
	}
	if out.FiatCurrency == "" {
		out.FiatCurrency = strings.TrimSpace(in.FiatCurrency)
	}
	if !out.FiatAmount.Valid && in.FiatAmount.Valid {
		out.FiatAmount = in.FiatAmount
	}
	if out.EscrowDepositAddr == "" {
		out.EscrowDepositAddr = strings.TrimSpace(in.EscrowDepositAddr)
	}
	if out.IsSandbox == nil && in.IsSandbox != nil {
		out.IsSandbox = cloneBool(in.IsSandbox)
	}
	return &out
}

func maxInt(current, in *int) *int {
	if in == nil {
		return cloneInt(current)
	}
	if current == nil || *in > *current {
		return cloneInt(in)
	}
	return cloneInt(current)
}
