package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Store         StoreConfig         `yaml:"store"`
	Volumes       []VolumeConfig      `yaml:"volumes"`
	Retention     RetentionConfig     `yaml:"retention"`
	Metadata      MetadataConfig      `yaml:"metadata"`
	Archive       ArchiveConfig       `yaml:"archive"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type StoreConfig struct {
	ReplicationCount int      `yaml:"replication_count"`
	VolumeSelector   string   `yaml:"volume_selector"`
	DeleteBatchSize  int      `yaml:"delete_batch_size"`
	PurgeAge         Duration `yaml:"purge_age"`
	PurgeInterval    Duration `yaml:"purge_interval"`
	CleanerMinAge    Duration `yaml:"cleaner_min_age"`
	CleanerInterval  Duration `yaml:"cleaner_interval"`
	CapacityInterval Duration `yaml:"capacity_interval"`
}

type VolumeConfig struct {
	Path   string `yaml:"path"`
	Status string `yaml:"status"`
}

type RetentionConfig struct {
	Interval Duration     `yaml:"interval"`
	Rules    []RuleConfig `yaml:"rules"`
}

// RuleConfig is one ordered retention rule. Empty feed or stream_type
// matches any value; glob patterns ("PROD-*") are supported.
type RuleConfig struct {
	Name       string   `yaml:"name"`
	Feed       string   `yaml:"feed"`
	StreamType string   `yaml:"stream_type"`
	Age        Duration `yaml:"age"`
	Forever    bool     `yaml:"forever"`
}

type MetadataConfig struct {
	Path   string `yaml:"path"`
	NoSync bool   `yaml:"no_sync"`
}

type ArchiveConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
}

type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if len(c.Volumes) == 0 {
		return fmt.Errorf("at least one volume must be configured")
	}
	for i, vc := range c.Volumes {
		if vc.Path == "" {
			return fmt.Errorf("volumes[%d].path is required", i)
		}
		switch vc.Status {
		case "", "active", "inactive", "closed":
		default:
			return fmt.Errorf("volumes[%d].status must be active, inactive or closed, got %q", i, vc.Status)
		}
	}

	if c.Store.ReplicationCount < 1 {
		return fmt.Errorf("store.replication_count must be >= 1, got %d", c.Store.ReplicationCount)
	}
	if c.Store.ReplicationCount > len(c.Volumes) {
		return fmt.Errorf("store.replication_count (%d) exceeds configured volume count (%d)",
			c.Store.ReplicationCount, len(c.Volumes))
	}

	switch c.Store.VolumeSelector {
	case "round_robin", "most_free":
	default:
		return fmt.Errorf("store.volume_selector must be round_robin or most_free, got %q", c.Store.VolumeSelector)
	}

	if c.Store.DeleteBatchSize <= 0 {
		return fmt.Errorf("store.delete_batch_size must be > 0, got %d", c.Store.DeleteBatchSize)
	}
	if c.Store.PurgeAge < 0 {
		return fmt.Errorf("store.purge_age must be >= 0")
	}
	if c.Store.CleanerMinAge.Duration() <= 0 {
		return fmt.Errorf("store.cleaner_min_age must be > 0")
	}

	for i, rc := range c.Retention.Rules {
		if rc.Forever && rc.Age != 0 {
			return fmt.Errorf("retention.rules[%d] (%s): age and forever are mutually exclusive", i, rc.Name)
		}
		if !rc.Forever && rc.Age.Duration() <= 0 {
			return fmt.Errorf("retention.rules[%d] (%s): age must be > 0 unless forever is set", i, rc.Name)
		}
	}

	if c.Metadata.Path == "" {
		return fmt.Errorf("metadata.path is required")
	}

	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return fmt.Errorf("archive.bucket is required when archive is enabled")
	}

	return nil
}

// Duration wraps time.Duration for YAML unmarshaling of strings like
// "5m", "24h" and, for retention and purge ages, day values like "55d".
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ParseDuration parses a Go duration string, additionally accepting a
// trailing "d" for days ("55d" == 55 * 24h).
func ParseDuration(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		days, err := strconv.ParseFloat(strings.TrimSuffix(s, "d"), 64)
		if err != nil {
			return 0, err
		}
		return time.Duration(days * float64(24*time.Hour)), nil
	}
	return time.ParseDuration(s)
}

// ByteSize wraps int64 for YAML unmarshaling of strings like "256MB", "10GB".
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		// Try as integer
		var n int64
		if err2 := value.Decode(&n); err2 != nil {
			return err
		}
		*b = ByteSize(n)
		return nil
	}
	parsed, err := parseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

func parseByteSize(s string) (int64, error) {
	if len(s) == 0 {
		return 0, fmt.Errorf("empty byte size")
	}

	var multiplier int64 = 1
	numStr := s

	switch {
	case len(s) >= 2 && s[len(s)-2:] == "KB":
		multiplier = 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "MB":
		multiplier = 1024 * 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "GB":
		multiplier = 1024 * 1024 * 1024
		numStr = s[:len(s)-2]
	case len(s) >= 2 && s[len(s)-2:] == "TB":
		multiplier = 1024 * 1024 * 1024 * 1024
		numStr = s[:len(s)-2]
	case s[len(s)-1] == 'B':
		numStr = s[:len(s)-1]
	}

	var n int64
	_, err := fmt.Sscanf(numStr, "%d", &n)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return n * multiplier, nil
}
