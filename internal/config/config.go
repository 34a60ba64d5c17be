package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	DataDir string        `yaml:"data_dir"`
	Scraper ScraperConfig `yaml:"scraper"`
	Bedrock BedrockConfig `yaml:"bedrock"`
	SES     SESConfig     `yaml:"ses"`
	S3      S3Config      `yaml:"s3"`
	Run     RunConfig     `yaml:"run"`
}

// ScraperConfig holds the offer-source settings
type ScraperConfig struct {
	URL            string `yaml:"url"`
	UserAgent      string `yaml:"user_agent"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration
func (c ScraperConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// BedrockConfig holds AWS Bedrock scoring-oracle configuration
type BedrockConfig struct {
	ModelID        string `yaml:"model_id"`
	Region         string `yaml:"region"`
	MaxTokens      int    `yaml:"max_tokens"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration
func (c BedrockConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SESConfig holds AWS SES API configuration
type SESConfig struct {
	Region         string `yaml:"region"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	FromAddress    string `yaml:"from_address"`
	FromName       string `yaml:"from_name"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration
func (c SESConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// S3Config holds remote-sync configuration. An empty bucket disables sync
// (local runs keep everything under data_dir).
type S3Config struct {
	Bucket     string `yaml:"bucket"`
	Region     string `yaml:"region"`
	AWSProfile string `yaml:"aws_profile"` // Empty string uses default credential chain (IAM role)
}

// GetAWSProfile returns the AWS profile, with environment variable override
func (c S3Config) GetAWSProfile() string {
	if envProfile := os.Getenv("AWS_PROFILE_OVERRIDE"); envProfile != "" {
		if envProfile == "none" || envProfile == "iam" {
			return ""
		}
		return envProfile
	}
	// On ECS/Lambda, don't use a profile - use IAM role
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return ""
	}
	return c.AWSProfile
}

// RunConfig holds per-run pipeline settings
type RunConfig struct {
	DuplicateWindowDays int    `yaml:"duplicate_window_days"`
	MaxConcurrentUsers  int    `yaml:"max_concurrent_users"`
	OperatorEmail       string `yaml:"operator_email"`
}

// DuplicateWindow returns the duplicate-offer guard window as a duration
func (c RunConfig) DuplicateWindow() time.Duration {
	return time.Duration(c.DuplicateWindowDays) * 24 * time.Hour
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.Scraper.URL == "" {
		cfg.Scraper.URL = "https://lastbottlewines.com/"
	}
	if cfg.Scraper.UserAgent == "" {
		cfg.Scraper.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	}
	if cfg.Scraper.TimeoutSeconds == 0 {
		cfg.Scraper.TimeoutSeconds = 10
	}
	if cfg.Bedrock.ModelID == "" {
		cfg.Bedrock.ModelID = "anthropic.claude-3-haiku-20240307-v1:0"
	}
	if cfg.Bedrock.Region == "" {
		cfg.Bedrock.Region = "us-east-1"
	}
	if cfg.Bedrock.MaxTokens == 0 {
		cfg.Bedrock.MaxTokens = 1024
	}
	if cfg.Bedrock.TimeoutSeconds == 0 {
		cfg.Bedrock.TimeoutSeconds = 60
	}
	if cfg.SES.Region == "" {
		cfg.SES.Region = "us-west-2"
	}
	if cfg.SES.TimeoutSeconds == 0 {
		cfg.SES.TimeoutSeconds = 30
	}
	if cfg.SES.FromName == "" {
		cfg.SES.FromName = "Last Bottle Monitor"
	}
	if cfg.S3.Region == "" {
		cfg.S3.Region = "us-west-2"
	}
	if cfg.Run.DuplicateWindowDays == 0 {
		cfg.Run.DuplicateWindowDays = 7
	}
	if cfg.Run.MaxConcurrentUsers == 0 {
		cfg.Run.MaxConcurrentUsers = 1
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on the scheduler.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	// Override with environment variables if present
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("AWS_SES_ACCESS_KEY"); v != "" {
		cfg.SES.AccessKey = v
	}
	if v := os.Getenv("AWS_SES_SECRET_KEY"); v != "" {
		cfg.SES.SecretKey = v
	}
	if v := os.Getenv("AWS_SES_REGION"); v != "" {
		cfg.SES.Region = v
	}
	if v := os.Getenv("SES_FROM_ADDRESS"); v != "" {
		cfg.SES.FromAddress = v
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		cfg.S3.Bucket = v
	}
	if v := os.Getenv("S3_REGION"); v != "" {
		cfg.S3.Region = v
	}
	if v := os.Getenv("BEDROCK_MODEL_ID"); v != "" {
		cfg.Bedrock.ModelID = v
	}
	if v := os.Getenv("BEDROCK_REGION"); v != "" {
		cfg.Bedrock.Region = v
	}
	if v := os.Getenv("OPERATOR_EMAIL"); v != "" {
		cfg.Run.OperatorEmail = v
	}

	return cfg, nil
}
