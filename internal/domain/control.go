package domain

import "github.com/gagliardetto/solana-go"

type StrategyKind string

const (
	StrategyCopyLeader   StrategyKind = "copy_leader"
	StrategyVolumeFollow StrategyKind = "volume_follow"
)

// Strategy selects which eligible leader swaps get mirrored.
type Strategy struct {
	Kind StrategyKind
	// MinVolume24h applies to StrategyVolumeFollow.
	MinVolume24h uint64
}

type CommandKind string

const (
	CommandHalt              CommandKind = "halt"
	CommandSetFixedAmount    CommandKind = "set_fixed_amount"
	CommandExecuteManual     CommandKind = "execute_manual_swap"
	CommandCheckBalanceFloor CommandKind = "check_balance_floor"
)

// Command is sent to the supervisor by operators and by outcome handling.
type Command struct {
	Kind        CommandKind
	FixedAmount uint64
	Leader      solana.PublicKey
	Reason      string
}
