package config

// Config is the top-level recdeploy configuration parsed from recdeploy.yaml.
type Config struct {
	Repo      RepoConfig      `yaml:"repo"`
	State     StateConfig     `yaml:"state"`
	Events    EventsConfig    `yaml:"events"`
	Mode      string          `yaml:"mode"`
	Workers   int             `yaml:"workers"`
	Retries   int             `yaml:"retries"`
	Source    SourceConfig    `yaml:"source"`
	Mapper    MapperConfig    `yaml:"mapper"`
	Analyzer  AnalyzerConfig  `yaml:"analyzer"`
	Codegen   CodegenConfig   `yaml:"codegen"`
	Tests     TestsConfig     `yaml:"tests"`
	Safety    SafetyConfig    `yaml:"safety"`
	VCS       VCSConfig       `yaml:"vcs"`
	Operator  OperatorConfig  `yaml:"operator"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
}

// RepoConfig points at the target repository and where isolated working copies live.
type RepoConfig struct {
	Path         string `yaml:"path"`
	BaseBranch   string `yaml:"base_branch"`
	Remote       string `yaml:"remote"`
	WorktreeDir  string `yaml:"worktree_dir"`
	MiscDir      string `yaml:"misc_dir"`
	KeepWorktree bool   `yaml:"keep_worktree"`
}

// StateConfig locates deployment records and their archive.
type StateConfig struct {
	Dir     string        `yaml:"dir"`
	Archive ArchiveConfig `yaml:"archive"`
}

// ArchiveConfig selects S3 as archive target when S3Bucket is set.
type ArchiveConfig struct {
	S3Bucket   string `yaml:"s3_bucket"`
	S3Prefix   string `yaml:"s3_prefix"`
	S3Endpoint string `yaml:"s3_endpoint"`
	Region     string `yaml:"region"`
}

// EventsConfig configures the audit log database.
type EventsConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// SourceConfig selects where recommendations come from.
type SourceConfig struct {
	Kind    string `yaml:"kind"`
	Path    string `yaml:"path"`
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"`
	Queue   string `yaml:"queue"`
}

// MapperConfig tunes the structure scan.
type MapperConfig struct {
	CacheDir     string   `yaml:"cache_dir"`
	MaxFileBytes int64    `yaml:"max_file_bytes"`
	Ignore       []string `yaml:"ignore"`
}

// AnalyzerConfig tunes placement decisions.
type AnalyzerConfig struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	MaxTargets          int     `yaml:"max_targets"`
}

// CodegenConfig configures the code-generation backend and its budget.
type CodegenConfig struct {
	Backend           string  `yaml:"backend"`
	Model             string  `yaml:"model"`
	MaxPromptBytes    int     `yaml:"max_prompt_bytes"`
	MaxOutputTokens   int     `yaml:"max_output_tokens"`
	MaxAttempts       int     `yaml:"max_attempts"`
	Timeout           string  `yaml:"timeout"`
	RatePerMinute     float64 `yaml:"rate_per_minute"`
	Burst             int     `yaml:"burst"`
	InputCostPerMTok  float64 `yaml:"input_cost_per_mtok"`
	OutputCostPerMTok float64 `yaml:"output_cost_per_mtok"`
	EstimateUSD       float64 `yaml:"estimate_usd"`
	TemplateDir       string  `yaml:"template_dir"`
}

// TestsConfig configures the test command and flake detection.
type TestsConfig struct {
	Command string `yaml:"command"`
	Parser  string `yaml:"parser"`
	Timeout string `yaml:"timeout"`
	Reruns  int    `yaml:"reruns"`
}

// SafetyConfig configures cost, risk, and approval gating.
type SafetyConfig struct {
	CostCeilingUSD    float64     `yaml:"cost_ceiling_usd"`
	RunCeilingUSD     float64     `yaml:"run_ceiling_usd"`
	RedisAddr         string      `yaml:"redis_addr"`
	RedisKey          string      `yaml:"redis_key"`
	ApprovalThreshold float64     `yaml:"approval_threshold"`
	Weights           RiskWeights `yaml:"weights"`
	LineScale         int         `yaml:"line_scale"`
	FileScale         int         `yaml:"file_scale"`
	Policy            string      `yaml:"policy"`
	SignalDir         string      `yaml:"signal_dir"`
	ApprovalPoll      string      `yaml:"approval_poll"`
	ApprovalWait      string      `yaml:"approval_wait"`
}

// RiskWeights are the tunable weights of the risk score.
type RiskWeights struct {
	Lines      float64 `yaml:"lines"`
	Files      float64 `yaml:"files"`
	Confidence float64 `yaml:"confidence"`
	Tests      float64 `yaml:"tests"`
	Secrets    float64 `yaml:"secrets"`
}

// VCSConfig configures branch naming, push, and review requests.
type VCSConfig struct {
	BranchPrefix string       `yaml:"branch_prefix"`
	PushTimeout  string       `yaml:"push_timeout"`
	AuthorName   string       `yaml:"author_name"`
	AuthorEmail  string       `yaml:"author_email"`
	Review       ReviewConfig `yaml:"review"`
}

// ReviewConfig selects how review requests are opened.
type ReviewConfig struct {
	Provider string `yaml:"provider"`
	Owner    string `yaml:"owner"`
	Repo     string `yaml:"repo"`
	Timeout  string `yaml:"timeout"`
}

// OperatorConfig configures the HTTP operator API.
type OperatorConfig struct {
	Addr      string `yaml:"addr"`
	JWTSecret string `yaml:"jwt_secret"`
}

// TelemetryConfig configures OpenTelemetry tracing.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
	Insecure     bool   `yaml:"insecure"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}
