// Package auction implements the Mint Auction: a wall-clock-driven
// periodic bid/resolve mechanism that credits a winning bidder with
// newly minted scrip, and may distribute UBI to every known principal
// on each round. It is a state machine driven by repeated calls to
// Update rather than its own goroutine, matching the driver's single
// mint-update task.
package auction

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/r3e-labs/ecocore/domain"
	"github.com/r3e-labs/ecocore/infrastructure/logging"
	"github.com/r3e-labs/ecocore/infrastructure/metrics"
	"github.com/r3e-labs/ecocore/system/eventlog"
	"github.com/r3e-labs/ecocore/system/ledger"
)

// Phase is a mint auction's position in its idle/bidding/scoring/resolved cycle.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseBidding  Phase = "bidding"
	PhaseScoring  Phase = "scoring"
	PhaseResolved Phase = "resolved"
)

// Bid is one scrip-denominated commitment submitted during the bidding window.
type Bid struct {
	PrincipalID string
	Amount      int64
	SubmittedAt time.Time
}

// ScoreFunc picks a winner among the round's bids. It may call out to
// an LLM; it reports no cost, so the auction adds nothing for it to the
// shared API-cost total. It must not block indefinitely — callers are
// expected to bound it with ctx.
type ScoreFunc func(ctx context.Context, bids []Bid) (winnerID string, err error)

// Result is returned by Update whenever a round actually resolves (nil otherwise).
type Result struct {
	WinnerID     string
	MintedAmount int64
	UBIRecipients int
	UBIAmount    int64
	Bids         []Bid
}

// Config wires an Auction's collaborators and timing.
type Config struct {
	Ledger *ledger.Ledger
	Log    *eventlog.Log
	Logger *logging.Logger

	BiddingWindow time.Duration // how long PhaseBidding stays open
	ScoringWindow time.Duration // minimum time spent in PhaseScoring before resolving
	MintAmount    int64         // scrip credited to the winner; 0 disables minting
	UBIAmount     int64         // scrip credited to every known principal; 0 disables UBI
	ExcludeFromUBI map[string]bool

	Score ScoreFunc

	// IsBudgetExhausted, when set, makes a round skip Score while the
	// global API budget is exhausted. TrackAPICost is kept on the Config
	// but Auction never calls it, so spend inside Score is not added to
	// the global API-cost total.
	IsBudgetExhausted func() bool
	TrackAPICost      func(cost float64)

	Clock func() time.Time // defaults to time.Now; overridable for tests
}

// Auction is a single mint auction's phase state machine. It is not
// self-driving: Update must be called at a steady cadence (~1 Hz) by
// the scheduler's mint-update task.
type Auction struct {
	mu sync.Mutex

	cfg Config

	phase          Phase
	phaseEnteredAt time.Time
	bids           []Bid
}

// New creates an Auction starting in PhaseIdle.
func New(cfg Config) *Auction {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.BiddingWindow <= 0 {
		cfg.BiddingWindow = 10 * time.Second
	}
	if cfg.ScoringWindow < 0 {
		cfg.ScoringWindow = 0
	}
	a := &Auction{cfg: cfg, phase: PhaseIdle}
	a.phaseEnteredAt = cfg.Clock()
	return a
}

// Phase reports the auction's current phase.
func (a *Auction) Phase() Phase {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.phase
}

// SubmitBid records a scrip-denominated commitment. It is only accepted
// while the bidding window is open, and only up to the bidder's current
// ledger balance — the commitment does not debit scrip itself; only a
// winning bid (via Update's credit step) moves balances.
func (a *Auction) SubmitBid(principalID string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("bid amount must be positive, got %d", amount)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.phase != PhaseBidding {
		return fmt.Errorf("bidding window is not open (phase=%s)", a.phase)
	}
	if !a.cfg.Ledger.CanAffordScrip(principalID, amount) {
		return fmt.Errorf("principal %s cannot afford bid of %d", principalID, amount)
	}
	a.bids = append(a.bids, Bid{PrincipalID: principalID, Amount: amount, SubmittedAt: a.cfg.Clock()})
	return nil
}

// Update advances the phase state machine by one tick. It returns a
// non-nil Result only on the tick a round actually resolves.
func (a *Auction) Update(ctx context.Context) (*Result, error) {
	a.mu.Lock()
	phase := a.phase
	elapsed := a.cfg.Clock().Sub(a.phaseEnteredAt)
	a.mu.Unlock()

	switch phase {
	case PhaseIdle:
		a.transition(PhaseBidding)
		return nil, nil

	case PhaseBidding:
		if elapsed < a.cfg.BiddingWindow {
			return nil, nil
		}
		a.transition(PhaseScoring)
		return nil, nil

	case PhaseScoring:
		if elapsed < a.cfg.ScoringWindow {
			return nil, nil
		}
		return a.resolve(ctx)

	case PhaseResolved:
		a.transition(PhaseIdle)
		return nil, nil
	}
	return nil, nil
}

func (a *Auction) transition(to Phase) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.phase = to
	a.phaseEnteredAt = a.cfg.Clock()
	if to == PhaseBidding {
		a.bids = nil
	}
}

func (a *Auction) resolve(ctx context.Context) (*Result, error) {
	a.mu.Lock()
	bids := append([]Bid(nil), a.bids...)
	a.mu.Unlock()

	var winnerID string
	if len(bids) > 0 && a.cfg.Score != nil {
		if a.cfg.IsBudgetExhausted != nil && a.cfg.IsBudgetExhausted() {
			a.logWarn("skipping scoring: global API budget exhausted")
		} else {
			w, err := a.cfg.Score(ctx, bids)
			if err != nil {
				a.logWarn("auction scoring failed: %v", err)
			} else {
				winnerID = w
			}
		}
	}

	result := &Result{Bids: bids}

	if winnerID != "" && a.cfg.MintAmount > 0 {
		if _, err := a.cfg.Ledger.CreditScrip(winnerID, a.cfg.MintAmount); err == nil {
			result.WinnerID = winnerID
			result.MintedAmount = a.cfg.MintAmount
		} else {
			a.logWarn("failed to credit mint auction winner %s: %v", winnerID, err)
		}
	}

	if a.cfg.UBIAmount > 0 {
		for id := range a.cfg.Ledger.GetAllScrip() {
			if a.cfg.ExcludeFromUBI != nil && a.cfg.ExcludeFromUBI[id] {
				continue
			}
			if _, err := a.cfg.Ledger.CreditScrip(id, a.cfg.UBIAmount); err == nil {
				result.UBIRecipients++
			}
		}
		result.UBIAmount = a.cfg.UBIAmount
	}

	metrics.AuctionRounds.Inc()
	a.appendEvent(result)
	a.transition(PhaseResolved)
	return result, nil
}

func (a *Auction) appendEvent(result *Result) {
	if a.cfg.Log == nil {
		return
	}
	_, _ = a.cfg.Log.Append(domain.EventMintAuction, map[string]any{
		"winner_id":      result.WinnerID,
		"minted_amount":  result.MintedAmount,
		"ubi_recipients": result.UBIRecipients,
		"ubi_amount":     result.UBIAmount,
		"bid_count":      len(result.Bids),
	})
}

func (a *Auction) logWarn(format string, args ...any) {
	if a.cfg.Logger == nil {
		return
	}
	a.cfg.Logger.With(nil).Warnf(format, args...)
}
