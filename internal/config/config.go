package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"outreach/internal/domain"
)

type EngineConfig struct {
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Quiet hours and the daily cap are evaluated on this clock.
	Timezone string `envconfig:"TIMEZONE" default:"UTC"`

	// Postgres: snapshots, delivery events and (optionally) the daily counter
	DBDSN                   string `envconfig:"DB_DSN"`
	DBPoolMaxConns          int32  `envconfig:"DB_POOL_MAX_CONNS" default:"10"`
	DBPoolMinConns          int32  `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	DBPoolMaxConnLifetime   string `envconfig:"DB_POOL_MAX_CONN_LIFETIME" default:"30m"`
	DBPoolMaxConnIdleTime   string `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME" default:"5m"`
	DBPoolHealthCheckPeriod string `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD" default:"30s"`

	// memory | redis | postgres
	DailyCapBackend string `envconfig:"DAILY_CAP_BACKEND" default:"memory"`
	RedisAddr       string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword   string `envconfig:"REDIS_PASSWORD"`
	RedisDB         int    `envconfig:"REDIS_DB" default:"0"`

	// AWS / SQS
	AWSRegion          string `envconfig:"AWS_REGION" default:"us-east-1"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
	EventsQueueURL     string `envconfig:"EVENTS_QUEUE_URL"`
	CommandsQueueURL   string `envconfig:"COMMANDS_QUEUE_URL"`
	SQSWaitTime        int32  `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs         int32  `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout      int32  `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"60"`
	CommandWorkers     int    `envconfig:"COMMAND_WORKERS" default:"4"`

	// twilio | log
	Channel     string        `envconfig:"CHANNEL" default:"log"`
	SendTimeout time.Duration `envconfig:"SEND_TIMEOUT" default:"10s"`

	// Twilio
	TwilioAccountSID          string  `envconfig:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken           string  `envconfig:"TWILIO_AUTH_TOKEN"`
	TwilioMessagingServiceSID string  `envconfig:"TWILIO_MESSAGING_SERVICE_SID"`
	TwilioFromNumber          string  `envconfig:"TWILIO_FROM_NUMBER"`
	TwilioBaseURL             string  `envconfig:"TWILIO_BASE_URL" default:"https://api.twilio.com"`
	TwilioRPS                 float64 `envconfig:"TWILIO_RPS" default:"5"`
	TwilioBurst               int     `envconfig:"TWILIO_BURST" default:"10"`
	TwilioAttempts            int     `envconfig:"TWILIO_ATTEMPTS" default:"3"`
	// must match EXACT URL configured in Twilio
	PublicWebhookURL string `envconfig:"PUBLIC_WEBHOOK_URL"`

	CostPerMessage       float64 `envconfig:"COST_PER_MESSAGE" default:"0.0079"`
	AllowErrorSimulation bool    `envconfig:"ALLOW_ERROR_SIMULATION" default:"false"`
	DefaultPolicyFile    string  `envconfig:"DEFAULT_POLICY_FILE"`
}

// Validate catches combinations envconfig cannot express.
func (c EngineConfig) Validate() error {
	switch c.DailyCapBackend {
	case "memory", "redis":
	case "postgres":
		if c.DBDSN == "" {
			return fmt.Errorf("DAILY_CAP_BACKEND=postgres requires DB_DSN")
		}
	default:
		return fmt.Errorf("unknown DAILY_CAP_BACKEND %q", c.DailyCapBackend)
	}
	switch c.Channel {
	case "log":
	case "twilio":
		if c.TwilioAccountSID == "" || c.TwilioAuthToken == "" {
			return fmt.Errorf("CHANNEL=twilio requires TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN")
		}
		if c.TwilioFromNumber == "" && c.TwilioMessagingServiceSID == "" {
			return fmt.Errorf("CHANNEL=twilio requires TWILIO_FROM_NUMBER or TWILIO_MESSAGING_SERVICE_SID")
		}
	default:
		return fmt.Errorf("unknown CHANNEL %q", c.Channel)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid TIMEZONE: %w", err)
	}
	return nil
}

func (c EngineConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func LoadEngine() EngineConfig {
	var cfg EngineConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	return cfg
}

// LoadPolicyFile decodes a YAML sending policy over the built-in defaults, so
// sections the file leaves out keep their documented values, and validates
// the result.
func LoadPolicyFile(path string, allowErrorSimulation bool) (domain.SendingPolicy, error) {
	p := domain.DefaultPolicy()
	b, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read policy file: %w", err)
	}
	if err := yaml.Unmarshal(b, &p); err != nil {
		return p, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	if err := p.Validate(allowErrorSimulation); err != nil {
		return p, err
	}
	return p, nil
}
