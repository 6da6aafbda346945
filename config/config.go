// Package config loads the node configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/luca-patrignani/traffic-ledger/arbiter"
)

// Config holds everything cmd needs to wire a node.
type Config struct {
	NodeID        string        // TRAFFIC_NODE_ID
	Difficulty    int           // TRAFFIC_DIFFICULTY
	BlockSize     int           // TRAFFIC_BLOCK_SIZE
	CycleInterval time.Duration // TRAFFIC_CYCLE_INTERVAL
	Timing        arbiter.Timing
	Lanes         []int  // TRAFFIC_LANES, registered at start-up
	HTTPAddr      string // TRAFFIC_HTTP_ADDR
	DBPath        string // TRAFFIC_DB_PATH, empty disables persistence

	KafkaBrokers []string // KAFKA_BROKERS, empty disables the feed
	KafkaTopic   string
	KafkaGroup   string

	MQTTBroker string // MQTT_BROKER, empty disables the feed
	MQTTTopic  string

	// TRAFFIC_DISCOVERY_PORTS as "start-end", zero values disable discovery
	DiscoveryStart uint16
	DiscoveryEnd   uint16

	LogLevel   string
	TableEvery int
	Seal       bool
}

// Load reads the environment, filling defaults, and validates the result.
func Load() (Config, error) {
	var errs []error
	cfg := Config{
		NodeID:     getEnv("TRAFFIC_NODE_ID", "node-"+uuid.NewString()[:8]),
		HTTPAddr:   getEnv("TRAFFIC_HTTP_ADDR", ":5000"),
		KafkaTopic: getEnv("TRAFFIC_KAFKA_TOPIC", "traffic.detections"),
		KafkaGroup: getEnv("TRAFFIC_KAFKA_GROUP", "traffic-ledger"),
		MQTTBroker: os.Getenv("MQTT_BROKER"),
		MQTTTopic:  getEnv("TRAFFIC_MQTT_TOPIC", "traffic/lanes/+/detections"),
		LogLevel:   strings.ToLower(getEnv("TRAFFIC_LOG_LEVEL", "info")),
	}
	cfg.KafkaBrokers = splitAndTrim(os.Getenv("KAFKA_BROKERS"), ",")
	cfg.DBPath = "./data/chain"
	if v, ok := os.LookupEnv("TRAFFIC_DB_PATH"); ok {
		cfg.DBPath = strings.TrimSpace(v)
	}

	cfg.Difficulty = getEnvInt("TRAFFIC_DIFFICULTY", 2, &errs)
	cfg.BlockSize = getEnvInt("TRAFFIC_BLOCK_SIZE", 5, &errs)
	cfg.TableEvery = getEnvInt("TRAFFIC_TABLE_EVERY", 5, &errs)
	cfg.Timing = arbiter.Timing{
		Base:       getEnvInt("TRAFFIC_BASE_TIME", arbiter.DefaultTiming.Base, &errs),
		Multiplier: getEnvFloat("TRAFFIC_MULTIPLIER", arbiter.DefaultTiming.Multiplier, &errs),
		Max:        getEnvInt("TRAFFIC_MAX_TIME", arbiter.DefaultTiming.Max, &errs),
	}
	cfg.CycleInterval = getEnvDuration("TRAFFIC_CYCLE_INTERVAL", 2*time.Second, &errs)
	cfg.Seal = getEnvBool("TRAFFIC_SEAL", true, &errs)

	lanes, err := parseLanes(getEnv("TRAFFIC_LANES", "1,2,3,4"))
	if err != nil {
		errs = append(errs, err)
	}
	cfg.Lanes = lanes

	if v := getEnv("TRAFFIC_DISCOVERY_PORTS", ""); v != "" {
		start, end, err := parsePortRange(v)
		if err != nil {
			errs = append(errs, err)
		}
		cfg.DiscoveryStart, cfg.DiscoveryEnd = start, end
	}

	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.NodeID == "" {
		errs = append(errs, errors.New("node id must not be empty"))
	}
	if c.Difficulty < 0 || c.Difficulty > 64 {
		errs = append(errs, fmt.Errorf("difficulty must be between 0 and 64, got %d", c.Difficulty))
	}
	if c.BlockSize <= 0 {
		errs = append(errs, fmt.Errorf("block size must be positive, got %d", c.BlockSize))
	}
	if c.CycleInterval <= 0 {
		errs = append(errs, fmt.Errorf("cycle interval must be positive, got %s", c.CycleInterval))
	}
	if err := c.Timing.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.DiscoveryStart > c.DiscoveryEnd {
		errs = append(errs, fmt.Errorf("discovery port range %d-%d is empty", c.DiscoveryStart, c.DiscoveryEnd))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.LogLevel))
	}
	return errors.Join(errs...)
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func getEnvInt(key string, def int, errs *[]error) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func getEnvFloat(key string, def float64, errs *[]error) float64 {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}

// getEnvDuration accepts Go durations ("1500ms") and bare seconds ("2").
func getEnvDuration(key string, def time.Duration, errs *[]error) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func getEnvBool(key string, def bool, errs *[]error) bool {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

func splitAndTrim(s, sep string) []string {
	var out []string
	for _, p := range strings.Split(s, sep) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseLanes(s string) ([]int, error) {
	var ids []int
	seen := make(map[int]struct{})
	for _, p := range splitAndTrim(s, ",") {
		id, err := strconv.Atoi(p)
		if err != nil || id < 0 {
			return nil, fmt.Errorf("TRAFFIC_LANES: invalid lane id %q", p)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}

// Discovery reports whether node discovery is enabled.
func (c Config) Discovery() bool {
	return c.DiscoveryEnd != 0
}

func parsePortRange(s string) (uint16, uint16, error) {
	lo, hi, found := strings.Cut(s, "-")
	start, err := strconv.ParseUint(strings.TrimSpace(lo), 10, 16)
	if err != nil || start == 0 {
		return 0, 0, fmt.Errorf("TRAFFIC_DISCOVERY_PORTS: invalid port %q", lo)
	}
	if !found {
		return uint16(start), uint16(start), nil
	}
	end, err := strconv.ParseUint(strings.TrimSpace(hi), 10, 16)
	if err != nil || end == 0 {
		return 0, 0, fmt.Errorf("TRAFFIC_DISCOVERY_PORTS: invalid port %q", hi)
	}
	return uint16(start), uint16(end), nil
}
