package supervisor

import (
	"context"
	"fmt"

	"github.com/coldbell/swapmirror/internal/domain"
)

// handleCommand runs on the dispatch loop. A non-nil error ends the run.
func (s *Supervisor) handleCommand(ctx, workCtx context.Context, cmd domain.Command) error {
	switch cmd.Kind {
	case domain.CommandHalt:
		return s.halt(cmd.Reason)

	case domain.CommandSetFixedAmount:
		if s.cfg.MaxPositionSize > 0 && cmd.FixedAmount > s.cfg.MaxPositionSize {
			s.logger.Warn("fixed amount above position cap ignored", "amount", cmd.FixedAmount, "cap", s.cfg.MaxPositionSize)
			return nil
		}
		s.deps.Gate.SetFixedAmount(cmd.FixedAmount)
		s.logger.Info("fixed amount updated", "amount", cmd.FixedAmount)
		return nil

	case domain.CommandExecuteManual:
		intent, ok := s.lastIntent[cmd.Leader]
		if !ok {
			s.logger.Warn("manual swap requested without a recent leader swap", "leader", cmd.Leader)
			return nil
		}
		s.logger.Info("manual swap requested", "leader", cmd.Leader, "pool", intent.Pool)
		s.spawn(workCtx, intent, true)
		return nil

	case domain.CommandCheckBalanceFloor:
		return s.checkBalanceFloor(ctx, cmd.Reason)

	default:
		s.logger.Warn("unknown command ignored", "command", cmd.Kind)
		return nil
	}
}

// checkBalanceFloor halts when the payer can no longer cover the floor.
func (s *Supervisor) checkBalanceFloor(ctx context.Context, reason string) error {
	payer := s.deps.Executor.Payer()
	balance, err := s.deps.Gateway.GetBalance(ctx, payer)
	if err != nil {
		s.logger.Warn("balance floor check failed", "payer", payer, "err", err)
		return nil
	}
	if balance >= s.cfg.MinBalanceFloor {
		s.logger.Info("balance above floor after insufficient funds", "balance", balance, "detail", reason)
		return nil
	}
	return s.halt(fmt.Sprintf("payer balance %d below floor %d", balance, s.cfg.MinBalanceFloor))
}

func (s *Supervisor) halt(reason string) error {
	s.deps.Executor.Halt()
	s.logger.Error("emergency halt", "reason", reason)
	return fmt.Errorf("%w: %s", ErrEmergencyHalt, reason)
}

// enqueue sends a command from a handler goroutine. It never blocks: the
// dispatch loop may already have exited.
func (s *Supervisor) enqueue(cmd domain.Command) {
	select {
	case s.deps.Commands <- cmd:
	default:
		s.logger.Warn("command queue full; command dropped", "command", cmd.Kind)
	}
}
