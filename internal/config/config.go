package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr = ":8080"
	defaultDBPath     = "bindertune.db"
	defaultPolicyURL  = "http://localhost:9090"

	envListenAddr    = "BINDERTUNE_LISTEN_ADDR"
	envDBPath        = "BINDERTUNE_DB_PATH"
	envLogLevel      = "BINDERTUNE_LOG_LEVEL"
	envPolicyURL     = "BINDERTUNE_POLICY_URL"
	envPolicyTimeout = "BINDERTUNE_POLICY_TIMEOUT"
	envTarget        = "BINDERTUNE_TARGET"
	envWorkDir       = "BINDERTUNE_WORK_DIR"

	envSlurmPartition = "BINDERTUNE_SLURM_PARTITION"
	envSlurmGres      = "BINDERTUNE_SLURM_GRES"
	envGenCommand     = "BINDERTUNE_GEN_COMMAND"
	envEvalCommand    = "BINDERTUNE_EVAL_COMMAND"

	envSteps           = "BINDERTUNE_STEPS"
	envEpisodesPerStep = "BINDERTUNE_EPISODES_PER_STEP"
	envBatchSize       = "BINDERTUNE_BATCH_SIZE"
	envBatchDeadline   = "BINDERTUNE_BATCH_DEADLINE"

	envGenCeiling        = "BINDERTUNE_GEN_CEILING"
	envEvalCeiling       = "BINDERTUNE_EVAL_CEILING"
	envGenTimeout        = "BINDERTUNE_GEN_TIMEOUT"
	envEvalTimeout       = "BINDERTUNE_EVAL_TIMEOUT"
	envPollInterval      = "BINDERTUNE_POLL_INTERVAL"
	envSubmitMaxAttempts = "BINDERTUNE_SUBMIT_MAX_ATTEMPTS"
	envUnavailableAfter  = "BINDERTUNE_UNAVAILABLE_AFTER"
	envTimeoutBudget     = "BINDERTUNE_TIMEOUT_BUDGET"
	envJobFailBudget     = "BINDERTUNE_JOB_FAIL_BUDGET"

	envHistorySize       = "BINDERTUNE_HISTORY_SIZE"
	envContactSaturation = "BINDERTUNE_CONTACT_SATURATION"
	envWeightInterface   = "BINDERTUNE_WEIGHT_INTERFACE"
	envWeightAffinity    = "BINDERTUNE_WEIGHT_AFFINITY"
	envWeightValidity    = "BINDERTUNE_WEIGHT_VALIDITY"
	envWeightDiversity   = "BINDERTUNE_WEIGHT_DIVERSITY"
	envMetricIPTM        = "BINDERTUNE_METRIC_IPTM"
	envMetricPTM         = "BINDERTUNE_METRIC_PTM"
	envMetricContacts    = "BINDERTUNE_METRIC_CONTACTS"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr    string
	DBPath        string
	LogLevel      slog.Level
	PolicyURL     string
	PolicyTimeout time.Duration

	// Target is the name of the target protein this run designs binders for.
	Target string
	// WorkDir is where scheduler scripts and job outputs live.
	WorkDir string

	// Cluster-side job settings.
	SlurmPartition string
	SlurmGres      string
	GenCommand     string
	EvalCommand    string

	// Training loop shape.
	Steps           int
	EpisodesPerStep int
	BatchSize       int
	BatchDeadline   time.Duration

	// Dispatcher limits. Ceilings are distinct per job kind: generation and
	// evaluation compete for different cluster resources.
	GenCeiling        int
	EvalCeiling       int
	GenTimeout        time.Duration
	EvalTimeout       time.Duration
	PollInterval      time.Duration
	SubmitMaxAttempts int
	// UnavailableAfter is the number of submissions in a row that may exhaust
	// their attempt budgets before the scheduler is declared unreachable and
	// the training loop halts new launches.
	UnavailableAfter int
	// TimeoutBudget is the per-stage number of wall-clock timeouts tolerated
	// before the episode fails. JobFailBudget is the smaller budget for
	// tool-reported failures.
	TimeoutBudget int
	JobFailBudget int

	// Reward shaping. Every component is normalized into [0,1] and the
	// weighted total is clamped to [0,1].
	HistorySize       int
	ContactSaturation float64
	WeightInterface   float64
	WeightAffinity    float64
	WeightValidity    float64
	WeightDiversity   float64

	// Evaluation payload field names. The metrics source is configuration,
	// not hardcoded.
	MetricIPTM     string
	MetricPTM      string
	MetricContacts string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:    defaultListenAddr,
		DBPath:        defaultDBPath,
		LogLevel:      slog.LevelInfo,
		PolicyURL:     defaultPolicyURL,
		PolicyTimeout: 30 * time.Second,
		Target:        "target",
		WorkDir:       "bindertune_work",

		SlurmPartition: "gpu",
		SlurmGres:      "gpu:1",
		GenCommand:     "run_inference.py",
		EvalCommand:    "run_alphafold.py",

		Steps:           100,
		EpisodesPerStep: 8,
		BatchSize:       8,
		BatchDeadline:   4 * time.Hour,

		GenCeiling:        4,
		EvalCeiling:       8,
		GenTimeout:        2 * time.Hour,
		EvalTimeout:       time.Hour,
		PollInterval:      30 * time.Second,
		SubmitMaxAttempts: 5,
		UnavailableAfter:  3,
		TimeoutBudget:     2,
		JobFailBudget:     1,

		HistorySize:       256,
		ContactSaturation: 20,
		WeightInterface:   0.4,
		WeightAffinity:    0.3,
		WeightValidity:    0.2,
		WeightDiversity:   0.1,

		MetricIPTM:     "iptm",
		MetricPTM:      "ptm",
		MetricContacts: "contacts",
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envPolicyURL); v != "" {
		cfg.PolicyURL = v
	}
	loadDuration(envPolicyTimeout, &cfg.PolicyTimeout)
	if v := os.Getenv(envTarget); v != "" {
		cfg.Target = v
	}
	if v := os.Getenv(envWorkDir); v != "" {
		cfg.WorkDir = v
	}

	if v := os.Getenv(envSlurmPartition); v != "" {
		cfg.SlurmPartition = v
	}
	if v := os.Getenv(envSlurmGres); v != "" {
		cfg.SlurmGres = v
	}
	if v := os.Getenv(envGenCommand); v != "" {
		cfg.GenCommand = v
	}
	if v := os.Getenv(envEvalCommand); v != "" {
		cfg.EvalCommand = v
	}

	loadInt(envSteps, &cfg.Steps)
	loadInt(envEpisodesPerStep, &cfg.EpisodesPerStep)
	loadInt(envBatchSize, &cfg.BatchSize)
	loadDuration(envBatchDeadline, &cfg.BatchDeadline)

	loadInt(envGenCeiling, &cfg.GenCeiling)
	loadInt(envEvalCeiling, &cfg.EvalCeiling)
	loadDuration(envGenTimeout, &cfg.GenTimeout)
	loadDuration(envEvalTimeout, &cfg.EvalTimeout)
	loadDuration(envPollInterval, &cfg.PollInterval)
	loadInt(envSubmitMaxAttempts, &cfg.SubmitMaxAttempts)
	loadInt(envUnavailableAfter, &cfg.UnavailableAfter)
	loadInt(envTimeoutBudget, &cfg.TimeoutBudget)
	loadInt(envJobFailBudget, &cfg.JobFailBudget)

	loadInt(envHistorySize, &cfg.HistorySize)
	loadFloat(envContactSaturation, &cfg.ContactSaturation)
	loadFloat(envWeightInterface, &cfg.WeightInterface)
	loadFloat(envWeightAffinity, &cfg.WeightAffinity)
	loadFloat(envWeightValidity, &cfg.WeightValidity)
	loadFloat(envWeightDiversity, &cfg.WeightDiversity)

	if v := os.Getenv(envMetricIPTM); v != "" {
		cfg.MetricIPTM = v
	}
	if v := os.Getenv(envMetricPTM); v != "" {
		cfg.MetricPTM = v
	}
	if v := os.Getenv(envMetricContacts); v != "" {
		cfg.MetricContacts = v
	}

	return cfg
}

func loadInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}

func loadFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			*dst = f
		}
	}
}

func loadDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			*dst = d
		}
	}
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
