package tracking

import (
	"time"

	"github.com/shopspring/decimal"
)

// Source identifies where an update came from.
type Source string

const (
	SourcePoll   Source = "poll"
	SourcePush   Source = "push"
	SourceAction Source = "action"
)

// Step is one entry of a lifecycle timeline.
type Step struct {
	Code      string     `json:"code"`
	Label     string     `json:"label"`
	Completed bool       `json:"completed"`
	At        *time.Time `json:"at,omitempty"`
}

// EscrowDetails carries the descriptive fields of a crypto-escrow order.
type EscrowDetails struct {
	USDCExpected              decimal.NullDecimal `json:"usdc_expected"`
	BIFTarget                 decimal.NullDecimal `json:"bif_target"`
	DepositAddress            string              `json:"deposit_address,omitempty"`
	Network                   string              `json:"network,omitempty"`
	IsSandbox                 *bool               `json:"is_sandbox,omitempty"`
	SandboxScenario           *string             `json:"sandbox_scenario,omitempty"`
	EstimatedMinutesRemaining *int                `json:"estimated_minutes_remaining,omitempty"`
}

// TradeDetails carries the descriptive fields of a P2P trade.
type TradeDetails struct {
	Token             string              `json:"token,omitempty"`
	Amount            decimal.NullDecimal `json:"amount"`
	Price             decimal.NullDecimal `json:"price"`
	FiatCurrency      string              `json:"fiat_currency,omitempty"`
	FiatAmount        decimal.NullDecimal `json:"fiat_amount"`
	EscrowDepositAddr string              `json:"escrow_deposit_addr,omitempty"`
	IsSandbox         *bool               `json:"is_sandbox,omitempty"`
}

// View is the reconciled state of one tracked order or trade. Views are
// values: every change produces a new View and callers never share mutable
// fields with the store.
type View struct {
	Kind   Kind   `json:"kind"`
	ID     string `json:"id"`
	Status Status `json:"status"`
	// BranchedFrom is the forward status the view left when it entered a
	// branch or off-path status.
	BranchedFrom Status `json:"branched_from,omitempty"`
	// ResolvedBranch is the branch status the view last left and ResolvedFrom
	// the status that branch was entered from. Poll and push updates carrying
	// ResolvedBranch are stale until the view moves past ResolvedFrom.
	ResolvedBranch        Status         `json:"resolved_branch,omitempty"`
	ResolvedFrom          Status         `json:"resolved_from,omitempty"`
	Progress              *int           `json:"progress,omitempty"`
	Confirmations         *int           `json:"confirmations,omitempty"`
	RequiredConfirmations *int           `json:"required_confirmations,omitempty"`
	EtaSeconds            *int           `json:"eta_seconds,omitempty"`
	TxHash                string         `json:"tx_hash,omitempty"`
	Steps                 []Step         `json:"steps,omitempty"`
	Escrow                *EscrowDetails `json:"escrow,omitempty"`
	Trade                 *TradeDetails  `json:"trade,omitempty"`
	Error                 bool           `json:"error"`
	ErrorMessage          string         `json:"error_message,omitempty"`
	Revision              uint64         `json:"revision"`
}

// NewView returns the empty view for an identifier before the first fetch.
func NewView(kind Kind, id string) View {
	return View{Kind: kind, ID: id}
}

// Clone returns a deep copy of the view.
func (v View) Clone() View {
	out := v
	out.Progress = cloneInt(v.Progress)
	out.Confirmations = cloneInt(v.Confirmations)
	out.RequiredConfirmations = cloneInt(v.RequiredConfirmations)
	out.EtaSeconds = cloneInt(v.EtaSeconds)
	out.Steps = cloneSteps(v.Steps)
	if v.Escrow != nil {
		details := v.Escrow.clone()
		out.Escrow = &details
	}
	if v.Trade != nil {
		details := v.Trade.clone()
		out.Trade = &details
	}
	return out
}

// Update is a partial update from any source. Nil or empty fields are absent.
type Update struct {
	Kind                  Kind
	ID                    string
	Status                Status
	Progress              *int
	Confirmations         *int
	RequiredConfirmations *int
	EtaSeconds            *int
	TxHash                *string
	Steps                 []Step
	Escrow                *EscrowDetails
	Trade                 *TradeDetails
}

// Empty reports whether the update carries nothing to merge.
func (u Update) Empty() bool {
	return u.Status == "" && u.Progress == nil && u.Confirmations == nil &&
		u.RequiredConfirmations == nil && u.EtaSeconds == nil && u.TxHash == nil &&
		u.Steps == nil && u.Escrow == nil && u.Trade == nil
}

func (d EscrowDetails) clone() EscrowDetails {
	out := d
	out.IsSandbox = cloneBool(d.IsSandbox)
	out.SandboxScenario = cloneString(d.SandboxScenario)
	out.EstimatedMinutesRemaining = cloneInt(d.EstimatedMinutesRemaining)
	return out
}

func (d TradeDetails) clone() TradeDetails {
	out := d
	out.IsSandbox = cloneBool(d.IsSandbox)
	return out
}

// Int returns a pointer to v. It keeps literal updates readable.
func Int(v int) *int { return &v }

// String returns a pointer to v.
func String(v string) *string { return &v }

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func cloneBool(v *bool) *bool {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func cloneSteps(steps []Step) []Step {
	if steps == nil {
		return nil
	}
	out := make([]Step, len(steps))
	for i, step := range steps {
		out[i] = step
		if step.At != nil {
			at := *step.At
			out[i].At = &at
		}
	}
	return out
}
