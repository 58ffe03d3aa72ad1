package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/rl1809/card-cart/internal/port"
)

type txPhase int

const (
	phaseOpen txPhase = iota
	phaseLocked
	phaseValidated
	phaseApplied
	phaseCommitted
	phaseRolledBack
)

func (p txPhase) String() string {
	switch p {
	case phaseOpen:
		return "open"
	case phaseLocked:
		return "locked"
	case phaseValidated:
		return "validated"
	case phaseApplied:
		return "applied"
	case phaseCommitted:
		return "committed"
	case phaseRolledBack:
		return "rolled_back"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

func (p txPhase) isTerminal() bool {
	return p == phaseCommitted || p == phaseRolledBack
}

var nextPhase = map[txPhase]txPhase{
	phaseOpen:      phaseLocked,
	phaseLocked:    phaseValidated,
	phaseValidated: phaseApplied,
	phaseApplied:   phaseCommitted,
}

func canTransition(from, to txPhase) bool {
	if from.isTerminal() {
		return false
	}
	if to == phaseRolledBack {
		return true
	}
	return nextPhase[from] == to
}

// cartTxn drives one store transaction through
// open -> locked -> validated -> applied -> committed. Any non-terminal phase
// may end in rolled_back, and finish guarantees that every path ends in one
// of the two terminal phases.
type cartTxn struct {
	op     string
	tx     port.CartTx
	phase  txPhase
	logger *zap.Logger
}

func (s *CartService) begin(ctx context.Context, op string) (*cartTxn, error) {
	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: begin tx: %w", ErrInternal, err)
	}
	return &cartTxn{op: op, tx: tx, phase: phaseOpen, logger: s.logger}, nil
}

func (t *cartTxn) advance(to txPhase) error {
	if !canTransition(t.phase, to) {
		return fmt.Errorf("%w: %s %s -> %s", ErrIllegalTransition, t.op, t.phase, to)
	}
	t.phase = to
	return nil
}

func (t *cartTxn) commit() error {
	if err := t.advance(phaseCommitted); err != nil {
		return err
	}
	if err := t.tx.Commit(); err != nil {
		// a failed commit leaves nothing to roll back
		t.phase = phaseRolledBack
		return fmt.Errorf("%w: commit: %w", ErrInternal, err)
	}
	return nil
}

func (t *cartTxn) rollback() {
	if t.phase.isTerminal() {
		return
	}
	from := t.phase
	t.phase = phaseRolledBack
	if err := t.tx.Rollback(); err != nil {
		t.logger.Error("rollback failed",
			zap.String("op", t.op), zap.Stringer("phase", from), zap.Error(err))
	}
}

// finish is deferred by every mutating operation. It rolls back anything that
// did not commit, including on panic, which is re-raised afterwards.
func (t *cartTxn) finish(errp *error) {
	if r := recover(); r != nil {
		t.rollback()
		panic(r)
	}
	if t.phase == phaseCommitted {
		return
	}
	from := t.phase
	t.rollback()
	if *errp == nil {
		*errp = fmt.Errorf("%w: %s ended in phase %s without commit", ErrInternal, t.op, from)
	}
	t.logger.Debug("transaction rolled back",
		zap.String("op", t.op), zap.Stringer("phase", from), zap.Error(*errp))
}
