// Package payout turns final scores into money. Every amount is an integer count of the
// smallest currency unit; fractional intermediate values are rounded half-to-even and the
// remainder always lands in the platform fee.
package payout

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"quiz-arena-service/internal/domain"
	"github.com/shopspring/decimal"
)

// Rules are the injected payout terms.
type Rules struct {
	SoloMultiplier   decimal.Decimal
	DuelFeeRate      decimal.Decimal
	LeagueFeeRate    decimal.Decimal
	LeagueBracket    []decimal.Decimal
	DuelTimeTiebreak bool
}

// DefaultRules: 1.9x solo, 10% duel and league fee, top four paid 50/25/15/10.
func DefaultRules() Rules {
	return Rules{
		SoloMultiplier: decimal.RequireFromString("1.9"),
		DuelFeeRate:    decimal.RequireFromString("0.10"),
		LeagueFeeRate:  decimal.RequireFromString("0.10"),
		LeagueBracket: []decimal.Decimal{
			decimal.RequireFromString("0.50"),
			decimal.RequireFromString("0.25"),
			decimal.RequireFromString("0.15"),
			decimal.RequireFromString("0.10"),
		},
	}
}

// Validate rejects terms that could never reconcile.
func (r Rules) Validate() error {
	one := decimal.NewFromInt(1)
	if r.SoloMultiplier.LessThan(one) {
		return errors.New("solo multiplier must be at least 1")
	}
	for name, rate := range map[string]decimal.Decimal{"duel": r.DuelFeeRate, "league": r.LeagueFeeRate} {
		if rate.IsNegative() || rate.GreaterThanOrEqual(one) {
			return fmt.Errorf("%s fee rate must be in [0, 1)", name)
		}
	}
	if len(r.LeagueBracket) == 0 {
		return errors.New("league bracket is empty")
	}
	sum := decimal.Zero
	for i, share := range r.LeagueBracket {
		if !share.IsPositive() {
			return fmt.Errorf("league bracket share %d must be positive", i+1)
		}
		if i > 0 && share.GreaterThan(r.LeagueBracket[i-1]) {
			return fmt.Errorf("league bracket share %d exceeds the share above it", i+1)
		}
		sum = sum.Add(share)
	}
	if !sum.Equal(one) {
		return fmt.Errorf("league bracket sums to %s, want 1", sum)
	}
	return nil
}

// FeeRate is the platform fee rate applied to a new match of mode.
func (r Rules) FeeRate(mode domain.Mode) decimal.Decimal {
	switch mode {
	case domain.ModeDuel:
		return r.DuelFeeRate
	case domain.ModeLeague:
		return r.LeagueFeeRate
	}
	return decimal.Zero
}

// Score is one participant's final result.
type Score struct {
	UserID  string
	Correct int
	Total   int
	Elapsed time.Duration
}

// Distribution is the monetary outcome of a match.
// PlatformFee is negative when the house tops up a SOLO win.
type Distribution struct {
	Mode        domain.Mode
	Gross       int64
	PlatformFee int64
	Payouts     map[string]int64
	Outcomes    map[string]domain.Outcome
}

// Total is the sum of all payouts.
func (d Distribution) Total() int64 {
	var total int64
	for _, amount := range d.Payouts {
		total += amount
	}
	return total
}

// Reconcile asserts that payouts plus fee equal the gross pool exactly.
func (d Distribution) Reconcile() error {
	for userID, amount := range d.Payouts {
		if amount < 0 {
			return fmt.Errorf("%w: negative payout %d for %s", domain.ErrSettlementInconsistency, amount, userID)
		}
	}
	total := d.Total()
	if total+d.PlatformFee != d.Gross {
		return fmt.Errorf("%w: payouts %d + fee %d != gross %d", domain.ErrSettlementInconsistency, total, d.PlatformFee, d.Gross)
	}
	switch d.Mode {
	case domain.ModeDuel, domain.ModeLeague:
		if d.PlatformFee < 0 {
			return fmt.Errorf("%w: pooled payouts %d exceed gross %d", domain.ErrSettlementInconsistency, total, d.Gross)
		}
	case domain.ModeSolo:
		if len(d.Payouts) > 1 {
			return fmt.Errorf("%w: solo match pays %d users", domain.ErrSettlementInconsistency, len(d.Payouts))
		}
	}
	return nil
}

// Verify reconciles d and checks it against the ceiling these rules allow for a stake of entry.
func (r Rules) Verify(d Distribution, entry int64) error {
	if err := d.Reconcile(); err != nil {
		return err
	}
	if d.Mode == domain.ModeSolo {
		ceiling := round(decimal.NewFromInt(entry).Mul(r.SoloMultiplier))
		if total := d.Total(); total > ceiling {
			return fmt.Errorf("%w: solo payout %d above %d", domain.ErrSettlementInconsistency, total, ceiling)
		}
	}
	return nil
}

// Compute applies the mode's payout rule to the final scores.
func (r Rules) Compute(mode domain.Mode, entry int64, feeRate decimal.Decimal, scores []Score) (Distribution, error) {
	if entry <= 0 {
		return Distribution{}, domain.ErrInvalidAmount
	}
	var d Distribution
	switch mode {
	case domain.ModeSolo:
		if len(scores) != 1 {
			return Distribution{}, fmt.Errorf("%w: solo settles 1 score, got %d", domain.ErrSettlementInconsistency, len(scores))
		}
		d = r.solo(entry, scores[0])
	case domain.ModeDuel:
		if len(scores) != domain.DuelPlayers {
			return Distribution{}, fmt.Errorf("%w: duel settles 2 scores, got %d", domain.ErrSettlementInconsistency, len(scores))
		}
		d = r.duel(entry, feeRate, scores[0], scores[1])
	case domain.ModeLeague:
		if len(scores) == 0 {
			return Distribution{}, fmt.Errorf("%w: league has no scores", domain.ErrSettlementInconsistency)
		}
		d = r.league(entry, feeRate, scores)
	default:
		return Distribution{}, domain.ErrInvalidMode
	}
	if err := d.Reconcile(); err != nil {
		return Distribution{}, err
	}
	return d, nil
}

// Refund returns every stake in full with no fee.
func Refund(mode domain.Mode, entry int64, userIDs []string) Distribution {
	d := newDistribution(mode, entry*int64(len(userIDs)))
	for _, id := range userIDs {
		d.Payouts[id] = entry
		d.Outcomes[id] = domain.OutcomeRefund
	}
	return d
}

func (r Rules) solo(entry int64, s Score) Distribution {
	d := newDistribution(domain.ModeSolo, entry)
	if s.Total > 0 && s.Correct == s.Total {
		win := round(decimal.NewFromInt(entry).Mul(r.SoloMultiplier))
		d.Payouts[s.UserID] = win
		d.Outcomes[s.UserID] = domain.OutcomeWin
		d.PlatformFee = entry - win
		return d
	}
	d.Payouts[s.UserID] = 0
	d.Outcomes[s.UserID] = domain.OutcomeLose
	d.PlatformFee = entry
	return d
}

func (r Rules) duel(entry int64, feeRate decimal.Decimal, a, b Score) Distribution {
	gross := entry * domain.DuelPlayers
	d := newDistribution(domain.ModeDuel, gross)

	winner, loser, tie := a, b, false
	switch {
	case a.Correct > b.Correct:
	case b.Correct > a.Correct:
		winner, loser = b, a
	case r.DuelTimeTiebreak && a.Elapsed < b.Elapsed:
	case r.DuelTimeTiebreak && b.Elapsed < a.Elapsed:
		winner, loser = b, a
	default:
		tie = true
	}

	if tie {
		for _, s := range []Score{a, b} {
			d.Payouts[s.UserID] = entry
			d.Outcomes[s.UserID] = domain.OutcomeRefund
		}
		return d
	}

	prize := round(decimal.NewFromInt(gross).Mul(decimal.NewFromInt(1).Sub(feeRate)))
	d.Payouts[winner.UserID] = prize
	d.Outcomes[winner.UserID] = domain.OutcomeWin
	d.Payouts[loser.UserID] = 0
	d.Outcomes[loser.UserID] = domain.OutcomeLose
	d.PlatformFee = gross - prize
	return d
}

// league ranks by score and pays the bracket. A tie group occupying positions i..j splits the
// bracket shares of those positions equally; a bracket longer than the field is compressed and
// re-normalized. Each payout is rounded down, so tied players always get the same amount, the sum
// never exceeds the net pool and the remainder goes to the fee.
func (r Rules) league(entry int64, feeRate decimal.Decimal, scores []Score) Distribution {
	n := len(scores)
	gross := entry * int64(n)
	d := newDistribution(domain.ModeLeague, gross)

	fee := round(decimal.NewFromInt(gross).Mul(feeRate))
	net := decimal.NewFromInt(gross - fee)

	ranked := rank(scores)
	paid := len(r.LeagueBracket)
	if n < paid {
		paid = n
	}
	shareSum := decimal.Zero
	for i := 0; i < paid; i++ {
		shareSum = shareSum.Add(r.LeagueBracket[i])
	}

	for i := 0; i < n; {
		j := i
		for j+1 < n && ranked[j+1].Correct == ranked[i].Correct {
			j++
		}
		groupShare := decimal.Zero
		for pos := i; pos <= j && pos < paid; pos++ {
			groupShare = groupShare.Add(r.LeagueBracket[pos])
		}
		each := int64(0)
		if groupShare.IsPositive() {
			size := decimal.NewFromInt(int64(j - i + 1))
			each = net.Mul(groupShare).Div(shareSum.Mul(size)).Floor().IntPart()
		}
		for pos := i; pos <= j; pos++ {
			id := ranked[pos].UserID
			d.Payouts[id] = each
			if each > 0 {
				d.Outcomes[id] = domain.OutcomeWin
			} else {
				d.Outcomes[id] = domain.OutcomeLose
			}
		}
		i = j + 1
	}

	total := d.Total()
	d.PlatformFee = gross - total
	return d
}

// rank orders scores best first; equal scores keep a stable user-id order.
func rank(scores []Score) []Score {
	ranked := append([]Score(nil), scores...)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Correct != ranked[j].Correct {
			return ranked[i].Correct > ranked[j].Correct
		}
		return ranked[i].UserID < ranked[j].UserID
	})
	return ranked
}

func newDistribution(mode domain.Mode, gross int64) Distribution {
	return Distribution{
		Mode:     mode,
		Gross:    gross,
		Payouts:  make(map[string]int64),
		Outcomes: make(map[string]domain.Outcome),
	}
}

func round(d decimal.Decimal) int64 {
	return d.RoundBank(0).IntPart()
}
