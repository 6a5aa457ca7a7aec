package sandboxd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"settletrack/tracking"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state")
	ErrForbidden    = errors.New("forbidden")
	ErrInvalidInput = errors.New("invalid input")
)

const actorSettler = "settler"

// Store persists sandbox orders and trades and enforces the lifecycle table
// on every transition.
type Store struct {
	db  *gorm.DB
	sim SimulationConfig
	now func() time.Time
}

// NewStore wraps an open database.
func NewStore(db *gorm.DB, sim SimulationConfig) *Store {
	return &Store{db: db, sim: sim, now: time.Now}
}

// session binds gorm's timestamp clock to the store clock so autoUpdateTime
// columns agree with the sweep cutoffs.
func (s *Store) session(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Session(&gorm.Session{NowFunc: func() time.Time { return s.now().UTC() }})
}

// NewOrder describes an order to open.
type NewOrder struct {
	USDCExpected    decimal.Decimal
	BIFTarget       decimal.Decimal
	Network         string
	SandboxScenario string
}

// NewTrade describes a trade to open.
type NewTrade struct {
	Token        string
	Amount       decimal.Decimal
	Price        decimal.Decimal
	FiatCurrency string
}

// CreateOrder opens a CREATED escrow order.
func (s *Store) CreateOrder(ctx context.Context, in NewOrder, actor string) (Order, error) {
	if !in.USDCExpected.IsPositive() {
		return Order{}, fmt.Errorf("%w: usdc_expected must be positive", ErrInvalidInput)
	}
	if in.BIFTarget.IsNegative() {
		return Order{}, fmt.Errorf("%w: bif_target must not be negative", ErrInvalidInput)
	}
	network := strings.TrimSpace(in.Network)
	if network == "" {
		network = s.sim.Network
	}
	now := s.now().UTC()
	id := "ord_" + uuid.NewString()
	order := Order{
		ID:                    id,
		Status:                string(tracking.OrderCreated),
		USDCExpected:          in.USDCExpected,
		BIFTarget:             in.BIFTarget,
		DepositAddress:        depositAddress(string(tracking.KindEscrow), id),
		Network:               network,
		RequiredConfirmations: s.sim.RequiredConfirmations,
		SandboxScenario:       strings.TrimSpace(in.SandboxScenario),
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	err := s.session(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&order).Error; err != nil {
			return err
		}
		return tx.Create(s.transition(tracking.KindEscrow, id, "", order.Status, "create", actor)).Error
	})
	if err != nil {
		return Order{}, fmt.Errorf("create order: %w", err)
	}
	return order, nil
}

// CreateTrade opens a CREATED trade.
func (s *Store) CreateTrade(ctx context.Context, in NewTrade, actor string) (Trade, error) {
	token := strings.ToUpper(strings.TrimSpace(in.Token))
	currency := strings.ToUpper(strings.TrimSpace(in.FiatCurrency))
	switch {
	case token == "":
		return Trade{}, fmt.Errorf("%w: token required", ErrInvalidInput)
	case currency == "":
		return Trade{}, fmt.Errorf("%w: fiat_currency required", ErrInvalidInput)
	case !in.Amount.IsPositive():
		return Trade{}, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	case !in.Price.IsPositive():
		return Trade{}, fmt.Errorf("%w: price must be positive", ErrInvalidInput)
	}
	now := s.now().UTC()
	id := "trd_" + uuid.NewString()
	trade := Trade{
		ID:                id,
		Status:            string(tracking.TradeCreated),
		Token:             token,
		Amount:            in.Amount,
		Price:             in.Price,
		FiatCurrency:      currency,
		EscrowDepositAddr: depositAddress(string(tracking.KindTrade), id),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	err := s.session(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&trade).Error; err != nil {
			return err
		}
		return tx.Create(s.transition(tracking.KindTrade, id, "", trade.Status, "create", actor)).Error
	})
	if err != nil {
		return Trade{}, fmt.Errorf("create trade: %w", err)
	}
	return trade, nil
}

// GetOrder loads one order.
func (s *Store) GetOrder(ctx context.Context, id string) (Order, error) {
	var order Order
	if err := s.session(ctx).First(&order, "id = ?", id).Error; err != nil {
		return Order{}, notFound(err, "order", id)
	}
	return order, nil
}

// GetTrade loads one trade.
func (s *Store) GetTrade(ctx context.Context, id string) (Trade, error) {
	var trade Trade
	if err := s.session(ctx).First(&trade, "id = ?", id).Error; err != nil {
		return Trade{}, notFound(err, "trade", id)
	}
	return trade, nil
}

// Transitions returns the status log of a resource, oldest first.
func (s *Store) Transitions(ctx context.Context, kind tracking.Kind, id string) ([]Transition, error) {
	var log []Transition
	err := s.session(ctx).
		Where("kind = ? AND resource_id = ?", string(kind), id).
		Order("id ASC").
		Find(&log).Error
	if err != nil {
		return nil, fmt.Errorf("load transitions: %w", err)
	}
	return log, nil
}

// OrderAction applies retry or a sandbox action to an order.
func (s *Store) OrderAction(ctx context.Context, id string, action tracking.Action, actor string) (Order, error) {
	var order Order
	err := s.session(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&order, "id = ?", id).Error; err != nil {
			return notFound(err, "order", id)
		}
		from := order.Status
		next, err := advance(tracking.KindEscrow, from, action)
		if err != nil {
			return err
		}
		order.Status = string(next)
		if action == tracking.ActionSandboxFund {
			hash := syntheticTxHash(string(tracking.KindEscrow), order.ID, order.Status)
			order.TxHash = &hash
			order.Confirmations = order.RequiredConfirmations
		}
		order.UpdatedAt = s.now().UTC()
		if err := tx.Save(&order).Error; err != nil {
			return err
		}
		return tx.Create(s.transition(tracking.KindEscrow, id, from, order.Status, string(action), actor)).Error
	})
	if err != nil {
		return Order{}, err
	}
	return order, nil
}

// TradeRequest carries the optional inputs of a trade action.
type TradeRequest struct {
	ProofURL     string
	Note         string
	Reason       string
	EscrowTxHash string
	// Admin permits resolving a dispute.
	Admin bool
}

// TradeAction applies a user or sandbox action to a trade.
func (s *Store) TradeAction(ctx context.Context, id string, action tracking.Action, req TradeRequest, actor string) (Trade, error) {
	if err := validateTradeRequest(action, req); err != nil {
		return Trade{}, err
	}
	var trade Trade
	err := s.session(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&trade, "id = ?", id).Error; err != nil {
			return notFound(err, "trade", id)
		}
		from := trade.Status
		if action == tracking.ActionSandboxCryptoLocked &&
			tracking.Status(from) == tracking.TradeDisputed && !req.Admin {
			return fmt.Errorf("%w: resolving a dispute requires the admin scope", ErrForbidden)
		}
		next, err := advance(tracking.KindTrade, from, action)
		if err != nil {
			return err
		}
		switch action {
		case tracking.ActionFiatSent:
			trade.ProofURL = strings.TrimSpace(req.ProofURL)
			trade.Note = strings.TrimSpace(req.Note)
		case tracking.ActionDispute:
			trade.BranchedFrom = from
			trade.DisputeReason = strings.TrimSpace(req.Reason)
		case tracking.ActionSandboxCryptoLocked:
			hash := strings.TrimSpace(req.EscrowTxHash)
			if hash == "" {
				hash = syntheticTxHash(string(tracking.KindTrade), trade.ID, string(next))
			}
			trade.EscrowTxHash = &hash
			trade.BranchedFrom = ""
		}
		trade.Status = string(next)
		trade.UpdatedAt = s.now().UTC()
		if err := tx.Save(&trade).Error; err != nil {
			return err
		}
		return tx.Create(s.transition(tracking.KindTrade, id, from, trade.Status, string(action), actor)).Error
	})
	if err != nil {
		return Trade{}, err
	}
	return trade, nil
}

// Sweep releases confirmed trades and expires stale ones. It returns the
// trades it moved.
func (s *Store) Sweep(ctx context.Context) ([]Trade, error) {
	now := s.now().UTC()
	var moved []Trade
	if after := s.sim.ReleaseAfter.Duration; after > 0 {
		released, err := s.forceTrades(ctx, tracking.TradeFiatConfirmed, tracking.TradeCompleted, now.Add(-after), "release")
		if err != nil {
			return moved, err
		}
		moved = append(moved, released...)
	}
	if ttl := s.sim.TradeTTL.Duration; ttl > 0 {
		expired, err := s.forceTrades(ctx, tracking.TradeCreated, tracking.TradeExpired, now.Add(-ttl), "expire")
		if err != nil {
			return moved, err
		}
		moved = append(moved, expired...)
	}
	return moved, nil
}

func (s *Store) forceTrades(ctx context.Context, from, to tracking.Status, before time.Time, action string) ([]Trade, error) {
	var moved []Trade
	err := s.session(ctx).Transaction(func(tx *gorm.DB) error {
		var due []Trade
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("status = ? AND updated_at <= ?", string(from), before).
			Find(&due).Error; err != nil {
			return err
		}
		for i := range due {
			trade := due[i]
			if to == tracking.TradeExpired {
				trade.BranchedFrom = trade.Status
			}
			trade.Status = string(to)
			trade.UpdatedAt = s.now().UTC()
			if err := tx.Save(&trade).Error; err != nil {
				return err
			}
			if err := tx.Create(s.transition(tracking.KindTrade, trade.ID, string(from), trade.Status, action, actorSettler)).Error; err != nil {
				return err
			}
			moved = append(moved, trade)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sweep %s trades: %w", strings.ToLower(string(from)), err)
	}
	return moved, nil
}

func (s *Store) transition(kind tracking.Kind, id, from, to, action, actor string) *Transition {
	return &Transition{
		Kind:       string(kind),
		ResourceID: id,
		FromStatus: from,
		ToStatus:   to,
		Action:     action,
		Actor:      actor,
		CreatedAt:  s.now().UTC(),
	}
}

// advance checks the lifecycle precondition and returns the status the
// action leads to. Actions without a target keep the current status.
func advance(kind tracking.Kind, from string, action tracking.Action) (tracking.Status, error) {
	lc := tracking.LifecycleFor(kind)
	status := tracking.Status(from)
	if !lc.Allowed(status, action) {
		return "", fmt.Errorf("%w: %s not allowed in %s", ErrInvalidState, action, from)
	}
	if target, ok := lc.Target(status, action); ok {
		return target, nil
	}
	return status, nil
}

func validateTradeRequest(action tracking.Action, req TradeRequest) error {
	switch action {
	case tracking.ActionFiatSent:
		if strings.TrimSpace(req.ProofURL) == "" {
			return fmt.Errorf("%w: proof_url required", ErrInvalidInput)
		}
	case tracking.ActionDispute:
		if strings.TrimSpace(req.Reason) == "" {
			return fmt.Errorf("%w: reason required", ErrInvalidInput)
		}
	case tracking.ActionSandboxCryptoLocked:
		if hash := strings.TrimSpace(req.EscrowTxHash); hash != "" && !validTxHash(hash) {
			return fmt.Errorf("%w: escrow_tx_hash must be a 32-byte hex hash", ErrInvalidInput)
		}
	case tracking.ActionFiatConfirm:
	default:
		return fmt.Errorf("%w: unsupported trade action %q", ErrInvalidInput, action)
	}
	return nil
}

func notFound(err error, what, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s %s", ErrNotFound, what, id)
	}
	return err
}
