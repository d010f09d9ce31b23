package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rustyeddy/riskengine/config"
	"github.com/rustyeddy/riskengine/domain"
	"github.com/rustyeddy/riskengine/internal/id"
	"github.com/rustyeddy/riskengine/logging"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Recorder persists balance change audit records.
type Recorder interface {
	RecordBalanceChange(ctx context.Context, c domain.BalanceChange) error
}

// Limits are the vault limits a zero vault field inherits.
type Limits struct {
	MaxPositions    int
	MaxPositionSize float64
	MaxDailyLoss    float64
	MaxDrawdown     float64
}

// LimitsFromConfig returns the system defaults vaults inherit.
func LimitsFromConfig(c config.LimitsConfig) Limits {
	return Limits{
		MaxPositions:    c.MaxPositions,
		MaxPositionSize: c.MaxPositionSize,
		MaxDailyLoss:    c.MaxDailyLoss,
		MaxDrawdown:     c.MaxDrawdown,
	}
}

// Breaker names.
const (
	BreakerNone      = ""
	BreakerDailyLoss = "daily_loss"
	BreakerDrawdown  = "drawdown"
)

// Reservation is margin set aside for a pending decision.
type Reservation struct {
	ID            string
	VaultID       string
	Amount        decimal.Decimal
	OpensPosition bool
	PositionID    string
	CreatedAt     time.Time
}

type ReserveOpts struct {
	// OpensPosition counts the reservation against max_positions until it
	// is committed or released.
	OpensPosition bool
	PositionID    string
	Reason        string
}

// Status is the non-balance state of a vault account.
type Status struct {
	Breaker      string
	HaltReason   string
	Broken       error
	DayStart     decimal.Decimal
	DayPnl       decimal.Decimal
	PendingOpens int
	Committed    map[string]decimal.Decimal
}

// Blocked reports whether new risk may not be taken.
func (s Status) Blocked() bool {
	return s.Breaker != BreakerNone || s.HaltReason != "" || s.Broken != nil
}

type account struct {
	mu sync.Mutex

	v         domain.Vault
	pending   map[string]*Reservation
	opens     int
	committed map[string]decimal.Decimal

	dayKey   int
	dayStart decimal.Decimal
	dayPnl   decimal.Decimal
	breaker  string
	halt     string
	broken   error
}

// Ledger is the only write path into vault balances. Operations on one
// vault are linearizable; different vaults proceed in parallel.
type Ledger struct {
	rec      Recorder
	defaults func() Limits
	now      func() time.Time
	log      *logrus.Entry

	mu       sync.RWMutex
	accounts map[string]*account
	resIndex map[string]string // reservation id -> vault id
}

type Option func(*Ledger)

// WithClock sets the time source. Replays pass the event clock.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithDefaults sets the source of inherited limits. It is called on every
// check so reloaded configuration applies immediately.
func WithDefaults(fn func() Limits) Option {
	return func(l *Ledger) { l.defaults = fn }
}

func New(rec Recorder, opts ...Option) *Ledger {
	l := &Ledger{
		rec:      rec,
		defaults: func() Limits { return Limits{MaxPositions: 5, MaxPositionSize: 1, MaxDailyLoss: 0.05, MaxDrawdown: 0.20} },
		now:      time.Now,
		log:      logging.For("ledger"),
		accounts: make(map[string]*account),
		resIndex: make(map[string]string),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *Ledger) account(vaultID string) (*account, error) {
	l.mu.RLock()
	a, ok := l.accounts[vaultID]
	l.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "vault %s", vaultID)
	}
	return a, nil
}

// limits resolves the effective limits for v.
func (l *Ledger) limits(v domain.Vault) Limits {
	d := l.defaults()
	out := Limits{
		MaxPositions:    v.MaxPositions,
		MaxPositionSize: v.MaxPositionSize,
		MaxDailyLoss:    v.MaxDailyLoss,
		MaxDrawdown:     v.MaxDrawdown,
	}
	if out.MaxPositions <= 0 {
		out.MaxPositions = d.MaxPositions
	}
	if out.MaxPositionSize <= 0 {
		out.MaxPositionSize = d.MaxPositionSize
	}
	if out.MaxDailyLoss <= 0 {
		out.MaxDailyLoss = d.MaxDailyLoss
	}
	if out.MaxDrawdown <= 0 {
		out.MaxDrawdown = d.MaxDrawdown
	}
	return out
}

// Register adds a vault. Available defaults to current minus reserved.
func (l *Ledger) Register(ctx context.Context, v domain.Vault) error {
	if v.ID == "" {
		return errors.Wrap(domain.ErrInvalidInput, "vault id required")
	}
	if v.CurrentBalance.IsNegative() || v.ReservedBalance.IsNegative() || v.AvailableBalance.IsNegative() {
		return errors.Wrapf(domain.ErrInvalidInput, "vault %s: negative balance", v.ID)
	}
	if v.AvailableBalance.IsZero() && v.ReservedBalance.IsZero() {
		v.AvailableBalance = v.CurrentBalance
	}
	if v.PeakBalance.LessThan(v.CurrentBalance) {
		v.PeakBalance = v.CurrentBalance
	}
	if v.RiskLevel == "" {
		v.RiskLevel = domain.RiskLow
	}
	if v.Timezone != "" {
		if _, err := time.LoadLocation(v.Timezone); err != nil {
			return errors.Wrapf(domain.ErrInvalidInput, "vault %s: %v", v.ID, err)
		}
	}
	now := l.now()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	v.UpdatedAt = now
	if err := l.check(v); err != nil {
		return err
	}

	a := &account{
		v:         v,
		pending:   make(map[string]*Reservation),
		committed: make(map[string]decimal.Decimal),
	}
	a.roll(now)

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.accounts[v.ID]; ok {
		return errors.Wrapf(domain.ErrInvalidInput, "vault %s already registered", v.ID)
	}
	l.accounts[v.ID] = a
	l.log.WithFields(logrus.Fields{"vault": v.ID, "balance": v.CurrentBalance.String()}).Info("vault registered")
	return nil
}

// IDs lists registered vaults in sorted order.
func (l *Ledger) IDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.accounts))
	for k := range l.accounts {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns a copy of the vault with inherited limits filled in.
func (l *Ledger) Snapshot(vaultID string) (domain.Vault, error) {
	a, err := l.account(vaultID)
	if err != nil {
		return domain.Vault{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	l.refresh(a)

	v := a.v
	lim := l.limits(v)
	v.MaxPositions = lim.MaxPositions
	v.MaxPositionSize = lim.MaxPositionSize
	v.MaxDailyLoss = lim.MaxDailyLoss
	v.MaxDrawdown = lim.MaxDrawdown
	return v, nil
}

// Status returns breaker and halt state.
func (l *Ledger) Status(vaultID string) (Status, error) {
	a, err := l.account(vaultID)
	if err != nil {
		return Status{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	l.refresh(a)

	committed := make(map[string]decimal.Decimal, len(a.committed))
	for k, v := range a.committed {
		committed[k] = v
	}
	return Status{
		Breaker:      a.breaker,
		HaltReason:   a.halt,
		Broken:       a.broken,
		DayStart:     a.dayStart,
		DayPnl:       a.dayPnl,
		PendingOpens: a.opens,
		Committed:    committed,
	}, nil
}

// Deposit adds funds.
func (l *Ledger) Deposit(ctx context.Context, vaultID string, amount decimal.Decimal, reason string) error {
	if !amount.IsPositive() {
		return errors.Wrap(domain.ErrInvalidInput, "deposit must be positive")
	}
	a, err := l.account(vaultID)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.broken != nil {
		return errors.Wrap(domain.ErrVaultHalted, a.broken.Error())
	}

	_, err = l.apply(ctx, a, domain.ChangeDeposit, "", amount, reason, func(v *domain.Vault) error {
		v.CurrentBalance = v.CurrentBalance.Add(amount)
		v.AvailableBalance = v.AvailableBalance.Add(amount)
		return nil
	})
	return err
}

// Reserve sets amount aside from available balance.
func (l *Ledger) Reserve(ctx context.Context, vaultID string, amount decimal.Decimal, opts ReserveOpts) (Reservation, error) {
	if !amount.IsPositive() {
		return Reservation{}, errors.Wrap(domain.ErrInvalidInput, "reservation must be positive")
	}
	a, err := l.account(vaultID)
	if err != nil {
		return Reservation{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.broken != nil {
		return Reservation{}, errors.Wrap(domain.ErrVaultHalted, a.broken.Error())
	}
	l.refresh(a)
	if a.breaker != BreakerNone {
		return Reservation{}, errors.Wrapf(domain.ErrCircuitBreakerActive, "vault %s: %s", vaultID, a.breaker)
	}
	if a.halt != "" {
		return Reservation{}, errors.Wrapf(domain.ErrCircuitBreakerActive, "vault %s halted: %s", vaultID, a.halt)
	}
	if opts.OpensPosition {
		lim := l.limits(a.v)
		if a.v.CurrentPositions+a.opens >= lim.MaxPositions {
			return Reservation{}, errors.Wrapf(domain.ErrPositionLimitExceeded,
				"vault %s: %d open, %d pending, max %d", vaultID, a.v.CurrentPositions, a.opens, lim.MaxPositions)
		}
	}
	if amount.GreaterThan(a.v.AvailableBalance) {
		return Reservation{}, errors.Wrapf(domain.ErrInsufficientBalance,
			"vault %s: need %s, available %s", vaultID, amount.StringFixed(2), a.v.AvailableBalance.StringFixed(2))
	}

	now := l.now()
	res := Reservation{
		ID:            id.At(now),
		VaultID:       vaultID,
		Amount:        amount,
		OpensPosition: opts.OpensPosition,
		PositionID:    opts.PositionID,
		CreatedAt:     now,
	}
	_, err = l.apply(ctx, a, domain.ChangeReserve, res.ID, amount, opts.Reason, func(v *domain.Vault) error {
		v.AvailableBalance = v.AvailableBalance.Sub(amount)
		v.ReservedBalance = v.ReservedBalance.Add(amount)
		return nil
	})
	if err != nil {
		return Reservation{}, err
	}

	a.pending[res.ID] = &res
	if res.OpensPosition {
		a.opens++
	}
	l.mu.Lock()
	l.resIndex[res.ID] = vaultID
	l.mu.Unlock()
	return res, nil
}

func (l *Ledger) reservation(resID string) (*account, error) {
	l.mu.RLock()
	vaultID, ok := l.resIndex[resID]
	l.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "reservation %s", resID)
	}
	return l.account(vaultID)
}

func (l *Ledger) forget(resID string) {
	l.mu.Lock()
	delete(l.resIndex, resID)
	l.mu.Unlock()
}

// Commit binds actual of a reservation to positionID as margin. Any excess
// returns to available. An opening reservation increments
// current_positions in the same step.
func (l *Ledger) Commit(ctx context.Context, resID string, actual decimal.Decimal, positionID string) error {
	a, err := l.reservation(resID)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.broken != nil {
		return errors.Wrap(domain.ErrVaultHalted, a.broken.Error())
	}
	res, ok := a.pending[resID]
	if !ok {
		return errors.Wrapf(domain.ErrNotFound, "reservation %s", resID)
	}
	if actual.IsNegative() || actual.GreaterThan(res.Amount) {
		return errors.Wrapf(domain.ErrInvalidInput, "commit %s of reservation %s", actual.String(), res.Amount.String())
	}
	if positionID == "" {
		positionID = res.PositionID
	}
	if positionID == "" {
		return errors.Wrap(domain.ErrInvalidInput, "commit needs a position id")
	}

	excess := res.Amount.Sub(actual)
	_, err = l.apply(ctx, a, domain.ChangeCommit, resID, actual, "margin committed to "+positionID, func(v *domain.Vault) error {
		v.ReservedBalance = v.ReservedBalance.Sub(excess)
		v.AvailableBalance = v.AvailableBalance.Add(excess)
		if res.OpensPosition {
			v.CurrentPositions++
		}
		return nil
	})
	if err != nil {
		return err
	}

	delete(a.pending, resID)
	if res.OpensPosition {
		a.opens--
	}
	a.committed[positionID] = a.committed[positionID].Add(actual)
	l.forget(resID)
	return nil
}

// Release returns a pending reservation to available balance.
func (l *Ledger) Release(ctx context.Context, resID string) error {
	a, err := l.reservation(resID)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	res, ok := a.pending[resID]
	if !ok {
		return errors.Wrapf(domain.ErrNotFound, "reservation %s", resID)
	}
	_, err = l.apply(ctx, a, domain.ChangeRelease, resID, res.Amount, "reservation released", func(v *domain.Vault) error {
		v.ReservedBalance = v.ReservedBalance.Sub(res.Amount)
		v.AvailableBalance = v.AvailableBalance.Add(res.Amount)
		return nil
	})
	if err != nil {
		return err
	}

	delete(a.pending, resID)
	if res.OpensPosition {
		a.opens--
	}
	l.forget(resID)
	return nil
}

// ApplyPnl moves current and available balance by delta. A loss that
// would leave available negative is rejected without change.
func (l *Ledger) ApplyPnl(ctx context.Context, vaultID string, delta decimal.Decimal, reason string) error {
	a, err := l.account(vaultID)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.broken != nil {
		return errors.Wrap(domain.ErrVaultHalted, a.broken.Error())
	}
	l.refresh(a)
	if a.v.AvailableBalance.Add(delta).IsNegative() {
		return errors.Wrapf(domain.ErrInsufficientBalance,
			"vault %s: pnl %s exceeds available %s", vaultID, delta.StringFixed(2), a.v.AvailableBalance.StringFixed(2))
	}
	_, err = l.apply(ctx, a, domain.ChangePnl, "", delta, reason, func(v *domain.Vault) error {
		v.CurrentBalance = v.CurrentBalance.Add(delta)
		v.AvailableBalance = v.AvailableBalance.Add(delta)
		return nil
	})
	if err != nil {
		return err
	}
	a.dayPnl = a.dayPnl.Add(delta)
	l.evaluate(a)
	return nil
}

// Settle releases margin held for positionID and realizes pnl against it.
// The loss is capped at the released margin. With closes set all margin
// for the position is released and current_positions drops by one.
func (l *Ledger) Settle(ctx context.Context, vaultID, positionID string, margin, pnl decimal.Decimal, closes bool) (decimal.Decimal, error) {
	a, err := l.account(vaultID)
	if err != nil {
		return decimal.Zero, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	// exits settle on a halted vault; they only release margin
	held, ok := a.committed[positionID]
	if !ok {
		return decimal.Zero, errors.Wrapf(domain.ErrNotFound, "no margin committed for position %s", positionID)
	}
	if closes {
		margin = held
	}
	if margin.IsNegative() || margin.GreaterThan(held) {
		return decimal.Zero, errors.Wrapf(domain.ErrInvalidInput, "settle %s of %s held for %s", margin.String(), held.String(), positionID)
	}
	if pnl.LessThan(margin.Neg()) {
		pnl = margin.Neg()
	}

	l.refresh(a)
	reason := "position " + positionID + " settled"
	_, err = l.apply(ctx, a, domain.ChangeSettle, positionID, pnl, reason, func(v *domain.Vault) error {
		v.ReservedBalance = v.ReservedBalance.Sub(margin)
		v.AvailableBalance = v.AvailableBalance.Add(margin).Add(pnl)
		v.CurrentBalance = v.CurrentBalance.Add(pnl)
		if closes {
			v.CurrentPositions--
		}
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}

	if closes {
		delete(a.committed, positionID)
	} else {
		a.committed[positionID] = held.Sub(margin)
	}
	a.dayPnl = a.dayPnl.Add(pnl)
	l.evaluate(a)
	return pnl, nil
}

// Halt disables auto trading after a critical risk closure. New
// reservations fail until Reenable.
func (l *Ledger) Halt(vaultID, reason string) error {
	a, err := l.account(vaultID)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.halt = reason
	a.v.AutoTrading = false
	a.v.RiskLevel = domain.RiskCritical
	a.v.UpdatedAt = l.now()
	l.log.WithFields(logrus.Fields{"vault": vaultID, "reason": reason}).Warn("auto trading halted")
	return nil
}

// Reenable clears a Halt.
func (l *Ledger) Reenable(vaultID string) error {
	a, err := l.account(vaultID)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.halt = ""
	a.v.AutoTrading = true
	a.v.UpdatedAt = l.now()
	l.log.WithField("vault", vaultID).Info("auto trading re-enabled")
	return nil
}

// SetRiskLevel records the latest assessed level on the vault.
func (l *Ledger) SetRiskLevel(vaultID string, level domain.RiskLevel) error {
	a, err := l.account(vaultID)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.v.RiskLevel = level
	a.v.UpdatedAt = l.now()
	return nil
}

// Resume clears an invariant halt after operator review.
func (l *Ledger) Resume(vaultID string) error {
	a, err := l.account(vaultID)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.broken == nil {
		return nil
	}
	if err := l.check(a.v); err != nil {
		return errors.Wrap(domain.ErrVaultHalted, err.Error())
	}
	a.broken = nil
	l.log.WithField("vault", vaultID).Warn("vault resumed")
	return nil
}

// Break stops the vault after an invariant violation found outside the
// ledger. Every operation other than Release and Settle fails with
// ErrVaultHalted until Resume.
func (l *Ledger) Break(vaultID string, cause error) error {
	a, err := l.account(vaultID)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.broken == nil {
		a.broken = cause
	}
	l.log.WithError(cause).WithField("vault", vaultID).Error("vault halted")
	return nil
}

// apply runs fn on a copy of the vault, checks balance invariants, records
// the change and only then makes it current.
func (l *Ledger) apply(ctx context.Context, a *account, typ domain.BalanceChangeType, ref string, amount decimal.Decimal, reason string, fn func(v *domain.Vault) error) (domain.BalanceChange, error) {
	next := a.v
	if err := fn(&next); err != nil {
		return domain.BalanceChange{}, err
	}
	if err := l.check(next); err != nil {
		a.broken = err
		l.log.WithError(err).WithField("vault", a.v.ID).Error("ledger invariant violated, vault halted")
		return domain.BalanceChange{}, err
	}

	now := l.now()
	next.UpdatedAt = now
	if next.CurrentBalance.GreaterThan(next.PeakBalance) {
		next.PeakBalance = next.CurrentBalance
	}

	change := domain.BalanceChange{
		ID:             id.At(now),
		VaultID:        a.v.ID,
		ChangeType:     typ,
		ReferenceID:    ref,
		BalanceBefore:  a.v.CurrentBalance,
		BalanceAfter:   next.CurrentBalance,
		ChangeAmount:   amount,
		AvailableAfter: next.AvailableBalance,
		ReservedAfter:  next.ReservedBalance,
		Reason:         reason,
		CreatedAt:      now,
	}
	if l.rec != nil {
		if err := l.rec.RecordBalanceChange(ctx, change); err != nil {
			return domain.BalanceChange{}, errors.Wrapf(err, "record %s for vault %s", typ, a.v.ID)
		}
	}
	a.v = next

	l.log.WithFields(logrus.Fields{
		"vault":     a.v.ID,
		"change":    typ,
		"amount":    amount.String(),
		"available": next.AvailableBalance.String(),
		"reserved":  next.ReservedBalance.String(),
	}).Debug("balance change")
	return change, nil
}

// check verifies available + reserved <= current and that nothing is
// negative. max_positions is an admission limit enforced by Reserve; a
// reload that lowers it must not halt vaults already above it.
func (l *Ledger) check(v domain.Vault) error {
	switch {
	case v.CurrentBalance.IsNegative(), v.AvailableBalance.IsNegative(), v.ReservedBalance.IsNegative():
		return domain.Violation(domain.InvBalance, "vault %s: negative balance current=%s available=%s reserved=%s",
			v.ID, v.CurrentBalance, v.AvailableBalance, v.ReservedBalance)
	case v.AvailableBalance.Add(v.ReservedBalance).GreaterThan(v.CurrentBalance):
		return domain.Violation(domain.InvBalance, "vault %s: available %s + reserved %s exceeds current %s",
			v.ID, v.AvailableBalance, v.ReservedBalance, v.CurrentBalance)
	case v.CurrentPositions < 0:
		return domain.Violation(domain.InvBalance, "vault %s: %d open positions", v.ID, v.CurrentPositions)
	}
	return nil
}

// refresh rolls the trading day and re-evaluates breakers.
func (l *Ledger) refresh(a *account) {
	if a.roll(l.now()) {
		l.log.WithField("vault", a.v.ID).Info("trading day rolled, breakers reset")
	}
	l.evaluate(a)
}

// roll starts a new trading day at the vault's local midnight.
func (a *account) roll(now time.Time) bool {
	y, m, d := now.In(a.v.Location()).Date()
	key := y*10000 + int(m)*100 + d
	if key == a.dayKey {
		return false
	}
	a.dayKey = key
	a.dayStart = a.v.CurrentBalance
	a.dayPnl = decimal.Zero
	a.breaker = BreakerNone
	return true
}

// evaluate trips breakers. A tripped breaker stays until the day rolls.
func (l *Ledger) evaluate(a *account) {
	if a.breaker != BreakerNone {
		return
	}
	lim := l.limits(a.v)

	if lim.MaxDailyLoss > 0 && a.dayStart.IsPositive() {
		limit := a.dayStart.Mul(decimal.NewFromFloat(lim.MaxDailyLoss)).Neg()
		if a.dayPnl.LessThanOrEqual(limit) {
			a.breaker = BreakerDailyLoss
		}
	}
	if a.breaker == BreakerNone && lim.MaxDrawdown > 0 && a.v.PeakBalance.IsPositive() {
		dd := a.v.PeakBalance.Sub(a.v.CurrentBalance).Div(a.v.PeakBalance)
		if dd.GreaterThanOrEqual(decimal.NewFromFloat(lim.MaxDrawdown)) {
			a.breaker = BreakerDrawdown
		}
	}
	if a.breaker != BreakerNone {
		l.log.WithFields(logrus.Fields{
			"vault":   a.v.ID,
			"breaker": a.breaker,
			"day_pnl": a.dayPnl.String(),
		}).Warn("circuit breaker tripped")
	}
}
