package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"callgate/internal/calls"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App      AppConfig
	DB       DBConfig
	Redis    RedisConfig
	Slots    SlotsConfig
	Pipeline PipelineConfig
	Provider ProviderConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for AWS-ready posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

type SlotsConfig struct {
	// Per-class concurrency defaults; per-tenant overrides win.
	DirectLimit   int
	CampaignLimit int
	// Overrides is parsed from "tenantA=5,tenantB=12".
	Overrides map[string]int

	// QueueClasses lists the call classes allowed to queue on exhaustion;
	// classes not listed are denied. Empty means all classes queue.
	QueueClasses []string

	// DispatchRate bounds how fast a tenant's queue drains (calls per second).
	DispatchRate float64
}

type PipelineConfig struct {
	RecordingDelay  time.Duration
	TranscriptDelay time.Duration
	WorkerInterval  time.Duration
	RetryDelay      time.Duration
	MaxAttempts     int
}

type ProviderConfig struct {
	// BaseURL / Token reach the telephony provider's call-placement API.
	BaseURL string
	Token   string

	// AnalysisBaseURL / AnalysisToken reach transcription + lead extraction.
	AnalysisBaseURL string
	AnalysisToken   string

	// BillingBaseURL reaches the external credit check.
	BillingBaseURL string
	BillingToken   string

	// WebhookBaseURL is this process's public base; the answer/hangup
	// callback URLs handed to the provider are derived from it.
	WebhookBaseURL string

	// SIPDomain is where answered calls get bridged (sip:agent-<id>@domain).
	SIPDomain string
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Slots.DirectLimit = optInt("SLOT_DIRECT_LIMIT")
	c.Slots.CampaignLimit = optInt("SLOT_CAMPAIGN_LIMIT")
	{
		ov, err := parseOverrides(os.Getenv("SLOT_TENANT_OVERRIDES"))
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		c.Slots.Overrides = ov
	}
	c.Slots.QueueClasses = splitList(os.Getenv("SLOT_QUEUE_CLASSES"))
	c.Slots.DispatchRate = optFloat("DISPATCH_RATE")

	c.Pipeline.RecordingDelay = mustDuration("PIPELINE_RECORDING_DELAY")
	c.Pipeline.TranscriptDelay = mustDuration("PIPELINE_TRANSCRIPT_DELAY")
	c.Pipeline.WorkerInterval = mustDuration("PIPELINE_WORKER_INTERVAL")
	c.Pipeline.RetryDelay = mustDuration("PIPELINE_RETRY_DELAY")
	c.Pipeline.MaxAttempts = optInt("PIPELINE_MAX_ATTEMPTS")

	c.Provider.BaseURL = strings.TrimSpace(os.Getenv("PROVIDER_BASE_URL"))
	c.Provider.Token = os.Getenv("PROVIDER_API_TOKEN")
	c.Provider.AnalysisBaseURL = strings.TrimSpace(os.Getenv("ANALYSIS_BASE_URL"))
	c.Provider.AnalysisToken = os.Getenv("ANALYSIS_API_TOKEN")
	c.Provider.BillingBaseURL = strings.TrimSpace(os.Getenv("BILLING_BASE_URL"))
	c.Provider.BillingToken = os.Getenv("BILLING_API_TOKEN")
	c.Provider.WebhookBaseURL = strings.TrimSpace(os.Getenv("WEBHOOK_BASE_URL"))
	c.Provider.SIPDomain = strings.TrimSpace(os.Getenv("SIP_DOMAIN"))

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if c.DB.SSLMode == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Slots.DirectLimit <= 0 {
		c.Slots.DirectLimit = 5
	}
	if c.Slots.CampaignLimit <= 0 {
		c.Slots.CampaignLimit = 20
	}
	for _, cls := range c.Slots.QueueClasses {
		if !calls.CallClass(cls).Valid() {
			errs = append(errs, fmt.Errorf("SLOT_QUEUE_CLASSES contains unknown class %q", cls))
		}
	}
	if c.Slots.DispatchRate <= 0 {
		c.Slots.DispatchRate = 5
	}

	if c.Pipeline.RecordingDelay <= 0 {
		c.Pipeline.RecordingDelay = 2 * time.Minute
	}
	if c.Pipeline.TranscriptDelay <= 0 {
		c.Pipeline.TranscriptDelay = 3 * time.Minute
	}
	if c.Pipeline.WorkerInterval <= 0 {
		c.Pipeline.WorkerInterval = 5 * time.Second
	}
	if c.Pipeline.RetryDelay <= 0 {
		c.Pipeline.RetryDelay = 30 * time.Second
	}
	if c.Pipeline.MaxAttempts <= 0 {
		c.Pipeline.MaxAttempts = 5
	}

	if c.Provider.BaseURL == "" {
		errs = append(errs, errors.New("PROVIDER_BASE_URL is required"))
	}
	if c.Provider.WebhookBaseURL == "" {
		errs = append(errs, errors.New("WEBHOOK_BASE_URL is required"))
	}
	if c.IsProduction() {
		if c.Provider.Token == "" {
			errs = append(errs, errors.New("PROVIDER_API_TOKEN is required in production"))
		}
		if c.Provider.BillingBaseURL == "" {
			errs = append(errs, errors.New("BILLING_BASE_URL is required in production"))
		}
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// QueuePolicy builds the per-class queue-vs-deny policy from SLOT_QUEUE_CLASSES.
func (c Config) QueuePolicy() func(calls.CallClass) bool {
	if len(c.Slots.QueueClasses) == 0 {
		return nil // ledger default: everything queues
	}
	allowed := make(map[calls.CallClass]bool, len(c.Slots.QueueClasses))
	for _, cls := range c.Slots.QueueClasses {
		allowed[calls.CallClass(cls)] = true
	}
	return func(class calls.CallClass) bool { return allowed[class] }
}

func (c Config) AnswerURL() string {
	return strings.TrimRight(c.Provider.WebhookBaseURL, "/") + "/webhooks/telephony/answer"
}

func (c Config) HangupURL() string {
	return strings.TrimRight(c.Provider.WebhookBaseURL, "/") + "/webhooks/telephony/hangup"
}

func (c Config) RecordingURL() string {
	return strings.TrimRight(c.Provider.WebhookBaseURL, "/") + "/webhooks/telephony/recording"
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optInt(key string) int {
	n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return 0
	}
	return n
}

func optFloat(key string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv(key)), 64)
	if err != nil {
		return 0
	}
	return f
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

// parseOverrides parses "tenantA=5,tenantB=12" into a limit map.
func parseOverrides(raw string) (map[string]int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	out := make(map[string]int)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("SLOT_TENANT_OVERRIDES entry %q must be tenant=limit", pair)
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("SLOT_TENANT_OVERRIDES entry %q must have a positive integer limit", pair)
		}
		out[strings.TrimSpace(k)] = n
	}
	return out, nil
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
