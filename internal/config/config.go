package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"gopkg.in/yaml.v3"
)

type LogConfig struct {
	Level    string
	Format   string
	Output   string
	FilePath string
}

type SubscriptionMode string

const (
	SubscriptionPending   SubscriptionMode = "pending"
	SubscriptionConfirmed SubscriptionMode = "confirmed"
)

type StrategyKind string

const (
	StrategyCopyLeader   StrategyKind = "copy_leader"
	StrategyVolumeFollow StrategyKind = "volume_follow"
)

// MaxComputeUnits is the per-transaction compute budget ceiling of the cluster.
const MaxComputeUnits = 1_400_000

type MirrorConfig struct {
	RPCEndpoints     []string
	WSEndpoints      []string
	Commitment       rpc.CommitmentType
	PayerKeyPath     string
	TrackedLeaders   []solana.PublicKey
	AMMProgramID     solana.PublicKey
	SubscriptionMode SubscriptionMode

	FixedAmount     uint64
	MaxPositionSize uint64
	MinTrade        uint64
	Reserve         uint64
	RiskPct         float64
	MaxSlippage     float64
	MinLiquidity    uint64
	MinBalanceFloor uint64
	Cooldown        time.Duration

	ComputeUnits             uint32
	PriorityFloor            uint64
	FeeWindow                int
	FeeRefreshInterval       time.Duration
	FeeCeilingMultiplier     uint64
	MaxRetries               int
	LandingTimeout           time.Duration
	PollInterval             time.Duration
	BackoffBase              time.Duration
	BackoffCap               time.Duration
	GlobalConcurrency        int
	UseMinContextSlot        bool
	RPCTimeout               time.Duration
	RPCRateLimit             float64
	ReconnectBaseDelay       time.Duration
	ReconnectMaxDelay        time.Duration
	PoolSnapshotTTL          time.Duration
	PoolAccountSize          uint64
	StreamPoolAccounts       bool
	SlippageErrorCode        uint32
	LedgerCapacity           int
	LeaderRingSize           int
	LeaderIdleTTL            time.Duration
	MinSample                int
	MinSuccessRate           float64
	Strategy                 StrategyKind
	MinLeaderVolume24h       uint64
	DBDSN                    string
	ControlListenAddr        string
	ReadinessWindow          int
	ReadinessMaxFailureRatio float64
	Log                      LogConfig
}

var defaultAMMProgramID = solana.MustPublicKeyFromBase58("675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8")

func LoadMirrorConfig() (MirrorConfig, error) {
	if err := ensureRuntimeConfigLoaded(); err != nil {
		return MirrorConfig{}, err
	}

	keyPath, err := expandHomePath(envOrDefault("MIRROR_PAYER_KEY_PATH", envOrDefault("SOLANA_KEYPAIR_PATH", "~/.config/solana/id.json")))
	if err != nil {
		return MirrorConfig{}, fmt.Errorf("expand payer key path: %w", err)
	}

	leaders, err := envPubkeys("MIRROR_TRACKED_LEADERS")
	if err != nil {
		return MirrorConfig{}, err
	}
	ammProgramID, err := envPubkey("MIRROR_AMM_PROGRAM_ID", defaultAMMProgramID)
	if err != nil {
		return MirrorConfig{}, err
	}
	commitment, err := envCommitment("SOLANA_COMMITMENT", rpc.CommitmentConfirmed)
	if err != nil {
		return MirrorConfig{}, err
	}

	// Each parser records the first error it sees; later ones are no-ops.
	p := &parser{}
	cfg := MirrorConfig{
		RPCEndpoints:     parseCSVEnv(envOrDefault("MIRROR_RPC_ENDPOINTS", envOrDefault("SOLANA_RPC_URL", "")), nil),
		WSEndpoints:      parseCSVEnv(envOrDefault("MIRROR_WS_ENDPOINTS", ""), nil),
		Commitment:       commitment,
		PayerKeyPath:     keyPath,
		TrackedLeaders:   leaders,
		AMMProgramID:     ammProgramID,
		SubscriptionMode: SubscriptionMode(strings.ToLower(envOrDefault("MIRROR_SUBSCRIPTION_MODE", string(SubscriptionPending)))),

		FixedAmount:     p.uint64("MIRROR_FIXED_AMOUNT", 0),
		MaxPositionSize: p.uint64("MIRROR_MAX_POSITION_SIZE", 1_000_000_000),
		MinTrade:        p.uint64("MIRROR_MIN_TRADE", 1_000_000),
		Reserve:         p.uint64("MIRROR_RESERVE", 10_000_000),
		RiskPct:         p.float("MIRROR_RISK_PCT", 0.01),
		MaxSlippage:     p.float("MIRROR_MAX_SLIPPAGE", 0.02),
		MinLiquidity:    p.uint64("MIRROR_MIN_LIQUIDITY", 0),
		MinBalanceFloor: p.uint64("MIRROR_MIN_BALANCE_FLOOR", 50_000_000),
		Cooldown:        p.duration("MIRROR_COOLDOWN", 250*time.Millisecond),

		ComputeUnits:             p.uint32("MIRROR_COMPUTE_UNITS", MaxComputeUnits),
		PriorityFloor:            p.uint64("MIRROR_PRIORITY_FLOOR", 1_000_000),
		FeeWindow:                p.int("MIRROR_FEE_WINDOW", 64),
		FeeRefreshInterval:       p.duration("MIRROR_FEE_REFRESH_INTERVAL", 2*time.Second),
		FeeCeilingMultiplier:     p.uint64("MIRROR_FEE_CEILING_MULTIPLIER", 5),
		MaxRetries:               p.int("MIRROR_MAX_RETRIES", 3),
		LandingTimeout:           p.duration("MIRROR_LANDING_TIMEOUT", 30*time.Second),
		PollInterval:             p.duration("MIRROR_POLL_INTERVAL", 100*time.Millisecond),
		BackoffBase:              p.duration("MIRROR_BACKOFF_BASE", 50*time.Millisecond),
		BackoffCap:               p.duration("MIRROR_BACKOFF_CAP", 2*time.Second),
		GlobalConcurrency:        p.int("MIRROR_GLOBAL_CONCURRENCY", 8),
		UseMinContextSlot:        p.bool("MIRROR_MIN_CONTEXT_SLOT", false),
		RPCTimeout:               p.duration("MIRROR_RPC_TIMEOUT", 5*time.Second),
		RPCRateLimit:             p.float("MIRROR_RPC_RATE_LIMIT", 50),
		ReconnectBaseDelay:       p.duration("MIRROR_RECONNECT_BASE_DELAY", 250*time.Millisecond),
		ReconnectMaxDelay:        p.duration("MIRROR_RECONNECT_MAX_DELAY", 10*time.Second),
		PoolSnapshotTTL:          p.duration("MIRROR_POOL_SNAPSHOT_TTL", 2*time.Second),
		PoolAccountSize:          p.uint64("MIRROR_POOL_ACCOUNT_SIZE", 168),
		StreamPoolAccounts:       p.bool("MIRROR_STREAM_POOL_ACCOUNTS", false),
		SlippageErrorCode:        p.uint32("MIRROR_SLIPPAGE_ERROR_CODE", 30),
		LedgerCapacity:           p.int("MIRROR_LEDGER_CAPACITY", 10_000),
		LeaderRingSize:           p.int("MIRROR_LEADER_RING_SIZE", 256),
		LeaderIdleTTL:            p.duration("MIRROR_LEADER_IDLE_TTL", 24*time.Hour),
		MinSample:                p.int("MIRROR_MIN_SAMPLE", 10),
		MinSuccessRate:           p.float("MIRROR_MIN_SUCCESS_RATE", 0.7),
		Strategy:                 StrategyKind(strings.ToLower(envOrDefault("MIRROR_STRATEGY", string(StrategyCopyLeader)))),
		MinLeaderVolume24h:       p.uint64("MIRROR_MIN_LEADER_VOLUME_24H", 0),
		DBDSN:                    envOrDefault("MIRROR_DB_DSN", ""),
		ControlListenAddr:        envOrDefault("MIRROR_CONTROL_LISTEN_ADDR", ":8090"),
		ReadinessWindow:          p.int("MIRROR_READINESS_WINDOW", 100),
		ReadinessMaxFailureRatio: p.float("MIRROR_READINESS_MAX_FAILURE_RATIO", 0.5),
		Log:                      buildLogConfig("MIRROR", "swapmirror"),
	}
	if p.err != nil {
		return MirrorConfig{}, p.err
	}
	if len(cfg.WSEndpoints) == 0 {
		cfg.WSEndpoints = deriveWebsocketEndpoints(cfg.RPCEndpoints)
	}

	return cfg, nil
}

// Validate reports every invalid field at once.
func (c MirrorConfig) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if len(c.RPCEndpoints) == 0 {
		add("MIRROR_RPC_ENDPOINTS: at least one endpoint is required")
	}
	if len(c.WSEndpoints) == 0 {
		add("MIRROR_WS_ENDPOINTS: at least one endpoint is required")
	}
	if strings.TrimSpace(c.PayerKeyPath) == "" {
		add("MIRROR_PAYER_KEY_PATH: required")
	}
	if len(c.TrackedLeaders) == 0 {
		add("MIRROR_TRACKED_LEADERS: at least one leader is required")
	}
	if c.AMMProgramID.IsZero() {
		add("MIRROR_AMM_PROGRAM_ID: required")
	}
	switch c.SubscriptionMode {
	case SubscriptionPending, SubscriptionConfirmed:
	default:
		add("MIRROR_SUBSCRIPTION_MODE: %q (expected pending|confirmed)", c.SubscriptionMode)
	}
	switch c.Strategy {
	case StrategyCopyLeader, StrategyVolumeFollow:
	default:
		add("MIRROR_STRATEGY: %q (expected copy_leader|volume_follow)", c.Strategy)
	}
	if c.FixedAmount == 0 && (c.RiskPct <= 0 || c.RiskPct > 1) {
		add("MIRROR_RISK_PCT: must be in (0, 1] when MIRROR_FIXED_AMOUNT is 0")
	}
	if c.MaxPositionSize == 0 {
		add("MIRROR_MAX_POSITION_SIZE: must be > 0")
	}
	if c.FixedAmount > 0 && c.FixedAmount > c.MaxPositionSize {
		add("MIRROR_FIXED_AMOUNT: %d exceeds MIRROR_MAX_POSITION_SIZE %d", c.FixedAmount, c.MaxPositionSize)
	}
	if c.MaxSlippage <= 0 || c.MaxSlippage >= 1 {
		add("MIRROR_MAX_SLIPPAGE: must be in (0, 1)")
	}
	if c.ComputeUnits == 0 || c.ComputeUnits > MaxComputeUnits {
		add("MIRROR_COMPUTE_UNITS: must be in (0, %d]", MaxComputeUnits)
	}
	if c.MaxRetries <= 0 {
		add("MIRROR_MAX_RETRIES: must be > 0")
	}
	if c.FeeCeilingMultiplier == 0 {
		add("MIRROR_FEE_CEILING_MULTIPLIER: must be > 0")
	}
	if c.BackoffCap < c.BackoffBase {
		add("MIRROR_BACKOFF_CAP: must be >= MIRROR_BACKOFF_BASE")
	}
	if c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		add("MIRROR_RECONNECT_MAX_DELAY: must be >= MIRROR_RECONNECT_BASE_DELAY")
	}
	if c.PollInterval >= c.LandingTimeout {
		add("MIRROR_POLL_INTERVAL: must be shorter than MIRROR_LANDING_TIMEOUT")
	}
	if c.MinSuccessRate < 0 || c.MinSuccessRate > 1 {
		add("MIRROR_MIN_SUCCESS_RATE: must be in [0, 1]")
	}
	if c.ReadinessMaxFailureRatio <= 0 || c.ReadinessMaxFailureRatio > 1 {
		add("MIRROR_READINESS_MAX_FAILURE_RATIO: must be in (0, 1]")
	}
	if c.RPCRateLimit <= 0 {
		add("MIRROR_RPC_RATE_LIMIT: must be > 0")
	}

	return errors.Join(errs...)
}

type ConfigSource struct {
	Phase  string
	Path   string
	Loaded bool
}

func CurrentConfigSource() (ConfigSource, error) {
	if err := ensureRuntimeConfigLoaded(); err != nil {
		return ConfigSource{}, err
	}
	return ConfigSource{
		Phase:  runtimeConfigPhase,
		Path:   runtimeConfigPath,
		Loaded: runtimeConfigLoaded,
	}, nil
}

type parser struct {
	err error
}

func (p *parser) keep(err error) {
	if p.err == nil && err != nil {
		p.err = err
	}
}

func (p *parser) uint64(key string, fallback uint64) uint64 {
	v, err := envUint64(key, fallback)
	p.keep(err)
	return v
}

func (p *parser) uint32(key string, fallback uint32) uint32 {
	v, err := envUint32(key, fallback)
	p.keep(err)
	return v
}

func (p *parser) int(key string, fallback int) int {
	v, err := envInt(key, fallback)
	p.keep(err)
	return v
}

func (p *parser) float(key string, fallback float64) float64 {
	v, err := envFloat(key, fallback)
	p.keep(err)
	return v
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	v, err := envDuration(key, fallback)
	p.keep(err)
	return v
}

func (p *parser) bool(key string, fallback bool) bool {
	v, err := envBool(key, fallback)
	p.keep(err)
	return v
}

func deriveWebsocketEndpoints(rpcEndpoints []string) []string {
	out := make([]string, 0, len(rpcEndpoints))
	for _, endpoint := range rpcEndpoints {
		switch {
		case strings.HasPrefix(endpoint, "https://"):
			out = append(out, "wss://"+strings.TrimPrefix(endpoint, "https://"))
		case strings.HasPrefix(endpoint, "http://"):
			out = append(out, "ws://"+strings.TrimPrefix(endpoint, "http://"))
		}
	}
	return out
}

func buildLogConfig(prefix string, serviceName string) LogConfig {
	level := envOrDefault(prefix+"_LOG_LEVEL", envOrDefault("LOG_LEVEL", "info"))
	format := envOrDefault(prefix+"_LOG_FORMAT", envOrDefault("LOG_FORMAT", "text"))
	output := envOrDefault(prefix+"_LOG_OUTPUT", envOrDefault("LOG_OUTPUT", "console"))
	filePath := envOrDefault(prefix+"_LOG_FILE", envOrDefault("LOG_FILE", filepath.Join(".docker", serviceName, serviceName+".log")))

	return LogConfig{
		Level:    level,
		Format:   format,
		Output:   output,
		FilePath: filePath,
	}
}

func envPubkey(key string, fallback solana.PublicKey) (solana.PublicKey, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	pk, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid %s: %w", key, err)
	}
	return pk, nil
}

func envPubkeys(key string) ([]solana.PublicKey, error) {
	parts := parseCSVEnv(valueForKey(key), nil)
	out := make([]solana.PublicKey, 0, len(parts))
	seen := make(map[solana.PublicKey]struct{}, len(parts))
	for _, part := range parts {
		pk, err := solana.PublicKeyFromBase58(part)
		if err != nil {
			return nil, fmt.Errorf("invalid %s entry %q: %w", key, part, err)
		}
		if _, ok := seen[pk]; ok {
			continue
		}
		seen[pk] = struct{}{}
		out = append(out, pk)
	}
	return out, nil
}

func envCommitment(key string, fallback rpc.CommitmentType) (rpc.CommitmentType, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	switch strings.ToLower(raw) {
	case string(rpc.CommitmentProcessed):
		return rpc.CommitmentProcessed, nil
	case string(rpc.CommitmentConfirmed):
		return rpc.CommitmentConfirmed, nil
	case string(rpc.CommitmentFinalized):
		return rpc.CommitmentFinalized, nil
	default:
		return "", fmt.Errorf("invalid %s: %q (expected processed|confirmed|finalized)", key, raw)
	}
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be > 0", key)
	}
	return d, nil
}

func envInt(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("invalid %s: must be > 0", key)
	}
	return v, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func envUint64(key string, fallback uint64) (uint64, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func envUint32(key string, fallback uint32) (uint32, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return uint32(v), nil
}

func envBool(key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(valueForKey(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(valueForKey(key)); value != "" {
		return value
	}
	return fallback
}

func parseCSVEnv(raw string, fallback []string) []string {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		value := strings.TrimSpace(part)
		if value == "" {
			continue
		}
		out = append(out, value)
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func expandHomePath(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if path == "~" {
			return homeDir, nil
		}
		return filepath.Join(homeDir, strings.TrimPrefix(path, "~/")), nil
	}
	return path, nil
}

var (
	runtimeConfigOnce   sync.Once
	runtimeConfigErr    error
	runtimeConfigValues map[string]string
	runtimeConfigLoaded bool
	runtimeConfigPath   string
	runtimeConfigPhase  string
)

func ensureRuntimeConfigLoaded() error {
	runtimeConfigOnce.Do(func() {
		runtimeConfigValues = make(map[string]string)

		phase := strings.TrimSpace(os.Getenv("CONFIG_PHASE"))
		if phase == "" {
			phase = "local"
		}
		runtimeConfigPhase = phase

		configPath := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
		explicitPath := configPath != ""
		if configPath == "" {
			configPath = filepath.Join("config", "config-"+phase+".yaml")
		}

		body, err := os.ReadFile(configPath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) && !explicitPath {
				return
			}
			runtimeConfigErr = fmt.Errorf("read config file %q: %w", configPath, err)
			return
		}

		values, err := parseConfigYAML(body)
		if err != nil {
			runtimeConfigErr = fmt.Errorf("config file %q: %w", configPath, err)
			return
		}

		runtimeConfigValues = values
		runtimeConfigLoaded = true
		if absPath, err := filepath.Abs(configPath); err == nil {
			runtimeConfigPath = absPath
		} else {
			runtimeConfigPath = configPath
		}
	})
	return runtimeConfigErr
}

func parseConfigYAML(body []byte) (map[string]string, error) {
	raw := make(map[string]any)
	if err := yaml.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	flattened, err := flattenConfig(raw)
	if err != nil {
		return nil, fmt.Errorf("flatten: %w", err)
	}
	return flattened, nil
}

func flattenConfig(raw map[string]any) (map[string]string, error) {
	out := make(map[string]string)
	for key, value := range raw {
		segment := normalizeKeySegment(key)
		if segment == "" {
			continue
		}
		if err := flattenConfigValue(segment, value, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func flattenConfigValue(prefix string, value any, out map[string]string) error {
	switch typed := value.(type) {
	case map[string]any:
		for key, child := range typed {
			segment := normalizeKeySegment(key)
			if segment == "" {
				continue
			}
			if err := flattenConfigValue(prefix+"_"+segment, child, out); err != nil {
				return err
			}
		}
		return nil
	case []any:
		parts := make([]string, 0, len(typed))
		for _, item := range typed {
			switch scalar := item.(type) {
			case string:
				if strings.TrimSpace(scalar) == "" {
					continue
				}
				parts = append(parts, strings.TrimSpace(scalar))
			case bool, int, int64, uint64, float64:
				parts = append(parts, fmt.Sprint(scalar))
			default:
				return fmt.Errorf("unsupported list item type %T under %q", item, prefix)
			}
		}
		out[prefix] = strings.Join(parts, ",")
		return nil
	case nil:
		return nil
	default:
		out[prefix] = fmt.Sprint(typed)
		return nil
	}
}

func normalizeKeySegment(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(raw))
	lastUnderscore := false

	for _, r := range raw {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
			lastUnderscore = false
			continue
		}
		if !lastUnderscore && b.Len() > 0 {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}

	return strings.Trim(b.String(), "_")
}

func valueForKey(key string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}

	if err := ensureRuntimeConfigLoaded(); err != nil {
		return ""
	}

	if value := strings.TrimSpace(runtimeConfigValues[key]); value != "" {
		return value
	}
	return ""
}
