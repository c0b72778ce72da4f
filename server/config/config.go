// Copyright 2016 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap-incubator/tinytxn/pkg/logutil"
	"github.com/pingcap-incubator/tinytxn/pkg/typeutil"
	"github.com/pingcap-incubator/tinytxn/txn"
	"github.com/pingcap-incubator/tinytxn/txn/arbiter"
	"github.com/pingcap-incubator/tinytxn/txn/catalog"
	"github.com/pingcap-incubator/tinytxn/txn/commit"
	"github.com/pingcap-incubator/tinytxn/txn/manager"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config is the tinytxn server configuration.
type Config struct {
	*flag.FlagSet `json:"-"`

	Version     bool `json:"-"`
	ConfigCheck bool `json:"-"`

	Name       string `toml:"name" json:"name"`
	StatusAddr string `toml:"status-addr" json:"status-addr"`

	// Log related config.
	Log log.Config `toml:"log" json:"log"`

	Lock     LockConfig     `toml:"lock" json:"lock"`
	Deadlock DeadlockConfig `toml:"deadlock" json:"deadlock"`
	Txn      TxnConfig      `toml:"txn" json:"txn"`
	Commit   CommitConfig   `toml:"commit" json:"commit"`

	// Nodes is the node catalog. The five reference nodes are used when it
	// is empty.
	Nodes []NodeConfig `toml:"nodes" json:"nodes"`

	configFile string

	// For all warnings during parsing.
	WarningMsgs []string

	logger   *zap.Logger
	logProps *log.ZapProperties
}

// LockConfig configures lock arbitration.
type LockConfig struct {
	// Policy is one of "detect", "wait-die", "wound-wait" and "timeout".
	Policy string `toml:"policy" json:"policy"`
	// WaitTimeout is the wait budget of the timeout policy.
	WaitTimeout typeutil.Duration `toml:"wait-timeout" json:"wait-timeout"`
	Shards      int               `toml:"shards" json:"shards"`
}

// DeadlockConfig configures the wait-for graph detector.
type DeadlockConfig struct {
	DetectInterval typeutil.Duration `toml:"detect-interval" json:"detect-interval"`
	DetectOnBlock  bool              `toml:"detect-on-block" json:"detect-on-block"`
	// DetectRate limits on-block passes per second.
	DetectRate    float64 `toml:"detect-rate" json:"detect-rate"`
	DetectBurst   int     `toml:"detect-burst" json:"detect-burst"`
	ReportHistory int     `toml:"report-history" json:"report-history"`
}

// TxnConfig configures transaction records and admission.
type TxnConfig struct {
	RecordRetention   typeutil.Duration `toml:"record-retention" json:"record-retention"`
	GCInterval        typeutil.Duration `toml:"gc-interval" json:"gc-interval"`
	DefaultPriority   int               `toml:"default-priority" json:"default-priority"`
	MaxCPUPercent     int               `toml:"max-cpu-percent" json:"max-cpu-percent"`
	MaxWaitingPerNode int               `toml:"max-waiting-per-node" json:"max-waiting-per-node"`
}

// CommitConfig configures the commit coordinator and its participants.
type CommitConfig struct {
	// Protocol is "2pc", "3pc" or "auto".
	Protocol          string            `toml:"protocol" json:"protocol"`
	ThreePhaseLatency typeutil.Duration `toml:"three-phase-latency" json:"three-phase-latency"`
	LatencyPercentile float64           `toml:"latency-percentile" json:"latency-percentile"`
	PhaseTimeout      typeutil.Duration `toml:"phase-timeout" json:"phase-timeout"`
	// ParticipantTimeout is how long a 3PC participant waits for the
	// coordinator before acting alone.
	ParticipantTimeout typeutil.Duration `toml:"participant-timeout" json:"participant-timeout"`
	DecisionRetries    int               `toml:"decision-retries" json:"decision-retries"`
	RetryInterval      typeutil.Duration `toml:"retry-interval" json:"retry-interval"`
}

// NodeConfig is one node of the catalog.
type NodeConfig struct {
	ID                   string            `toml:"id" json:"id"`
	CPU                  int               `toml:"cpu" json:"cpu"`
	MemoryGB             float64           `toml:"memory-gb" json:"memory-gb"`
	Latency              typeutil.Duration `toml:"latency" json:"latency"`
	TPS                  int               `toml:"tps" json:"tps"`
	LockPercent          int               `toml:"lock-percent" json:"lock-percent"`
	AvailabilityCritical bool              `toml:"availability-critical" json:"availability-critical"`
	DefaultPriority      int               `toml:"default-priority" json:"default-priority"`
	Services             []string          `toml:"services" json:"services,omitempty"`
}

// NewConfig creates a new config.
func NewConfig() *Config {
	cfg := &Config{}
	cfg.FlagSet = flag.NewFlagSet("tinytxn", flag.ContinueOnError)
	fs := cfg.FlagSet

	fs.BoolVar(&cfg.Version, "V", false, "print version information and exit")
	fs.BoolVar(&cfg.Version, "version", false, "print version information and exit")
	fs.StringVar(&cfg.configFile, "config", "", "Config file")
	fs.BoolVar(&cfg.ConfigCheck, "config-check", false, "check config file validity and exit")

	fs.StringVar(&cfg.Name, "name", "", "human-readable name for this server")
	fs.StringVar(&cfg.StatusAddr, "status-addr", "", fmt.Sprintf("status and api listen address (default '%s')", defaultStatusAddr))

	fs.StringVar(&cfg.Log.Level, "L", "", "log level: debug, info, warn, error, fatal (default 'info')")
	fs.StringVar(&cfg.Log.File.Filename, "log-file", "", "log file path")

	fs.StringVar(&cfg.Lock.Policy, "policy", "", "lock policy: detect, wait-die, wound-wait, timeout (default 'detect')")
	fs.StringVar(&cfg.Commit.Protocol, "protocol", "", "commit protocol: 2pc, 3pc, auto (default 'auto')")

	return cfg
}

const (
	defaultName       = "tinytxn"
	defaultStatusAddr = "127.0.0.1:20180"
	defaultLogLevel   = "info"

	defaultPolicy      = "detect"
	defaultWaitTimeout = 5 * time.Second
	defaultShards      = 16

	defaultDetectInterval = time.Second
	defaultDetectOnBlock  = true
	defaultDetectRate     = 100
	defaultDetectBurst    = 10
	defaultReportHistory  = 128

	defaultRecordRetention   = 10 * time.Minute
	defaultGCInterval        = time.Minute
	defaultPriority          = 1
	defaultMaxCPUPercent     = 95
	defaultMaxWaitingPerNode = 100

	defaultProtocol           = catalog.ModeAuto
	defaultThreePhaseLatency  = 15 * time.Millisecond
	defaultLatencyPercentile  = 90
	defaultPhaseTimeout       = time.Second
	defaultParticipantTimeout = 3 * time.Second
	defaultDecisionRetries    = 3
	defaultRetryInterval      = 100 * time.Millisecond
)

func adjustString(v *string, defValue string) {
	if len(*v) == 0 {
		*v = defValue
	}
}

func adjustInt(v *int, defValue int) {
	if *v == 0 {
		*v = defValue
	}
}

func adjustFloat64(v *float64, defValue float64) {
	if *v == 0 {
		*v = defValue
	}
}

func adjustDuration(v *typeutil.Duration, defValue time.Duration) {
	if v.Duration == 0 {
		v.Duration = defValue
	}
}

// Parse parses flag definitions from the argument list.
func (c *Config) Parse(arguments []string) error {
	// Parse first to get config file.
	err := c.FlagSet.Parse(arguments)
	if err != nil {
		return errors.WithStack(err)
	}

	// Load config file if specified.
	var meta *toml.MetaData
	if c.configFile != "" {
		meta, err = c.configFromFile(c.configFile)
		if err != nil {
			return err
		}
	}

	// Parse again to replace with command line options.
	err = c.FlagSet.Parse(arguments)
	if err != nil {
		return errors.WithStack(err)
	}

	if len(c.FlagSet.Args()) != 0 {
		return errors.Errorf("'%s' is an invalid flag", c.FlagSet.Arg(0))
	}

	return c.Adjust(meta)
}

// Utility to test if a configuration is defined.
type configMetaData struct {
	meta *toml.MetaData
	path []string
}

func newConfigMetadata(meta *toml.MetaData) *configMetaData {
	return &configMetaData{meta: meta}
}

func (m *configMetaData) IsDefined(key string) bool {
	if m.meta == nil {
		return false
	}
	keys := append([]string(nil), m.path...)
	keys = append(keys, key)
	return m.meta.IsDefined(keys...)
}

func (m *configMetaData) Child(path ...string) *configMetaData {
	newPath := append([]string(nil), m.path...)
	newPath = append(newPath, path...)
	return &configMetaData{
		meta: m.meta,
		path: newPath,
	}
}

func (m *configMetaData) CheckUndecoded() error {
	if m.meta == nil {
		return nil
	}
	undecoded := m.meta.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}
	errInfo := "Config contains undefined item: "
	for _, key := range undecoded {
		errInfo += key.String() + ", "
	}
	return errors.New(errInfo[:len(errInfo)-2])
}

// Adjust fills in defaults and validates the result.
func (c *Config) Adjust(meta *toml.MetaData) error {
	configMetaData := newConfigMetadata(meta)
	if err := configMetaData.CheckUndecoded(); err != nil {
		c.WarningMsgs = append(c.WarningMsgs, err.Error())
	}

	if c.Name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return errors.WithStack(err)
		}
		adjustString(&c.Name, fmt.Sprintf("%s-%s", defaultName, hostname))
	}
	adjustString(&c.StatusAddr, defaultStatusAddr)
	adjustString(&c.Log.Level, defaultLogLevel)

	adjustString(&c.Lock.Policy, defaultPolicy)
	adjustDuration(&c.Lock.WaitTimeout, defaultWaitTimeout)
	adjustInt(&c.Lock.Shards, defaultShards)

	adjustDuration(&c.Deadlock.DetectInterval, defaultDetectInterval)
	if !configMetaData.Child("deadlock").IsDefined("detect-on-block") {
		c.Deadlock.DetectOnBlock = defaultDetectOnBlock
	}
	adjustFloat64(&c.Deadlock.DetectRate, defaultDetectRate)
	adjustInt(&c.Deadlock.DetectBurst, defaultDetectBurst)
	adjustInt(&c.Deadlock.ReportHistory, defaultReportHistory)

	adjustDuration(&c.Txn.RecordRetention, defaultRecordRetention)
	adjustDuration(&c.Txn.GCInterval, defaultGCInterval)
	adjustInt(&c.Txn.DefaultPriority, defaultPriority)
	adjustInt(&c.Txn.MaxCPUPercent, defaultMaxCPUPercent)
	adjustInt(&c.Txn.MaxWaitingPerNode, defaultMaxWaitingPerNode)

	adjustString(&c.Commit.Protocol, defaultProtocol)
	adjustDuration(&c.Commit.ThreePhaseLatency, defaultThreePhaseLatency)
	adjustFloat64(&c.Commit.LatencyPercentile, defaultLatencyPercentile)
	adjustDuration(&c.Commit.PhaseTimeout, defaultPhaseTimeout)
	adjustDuration(&c.Commit.ParticipantTimeout, defaultParticipantTimeout)
	if !configMetaData.Child("commit").IsDefined("decision-retries") {
		c.Commit.DecisionRetries = defaultDecisionRetries
	}
	adjustDuration(&c.Commit.RetryInterval, defaultRetryInterval)

	if len(c.Nodes) == 0 {
		for _, n := range catalog.DefaultNodes() {
			c.Nodes = append(c.Nodes, NodeConfig{
				ID:                   string(n.ID),
				CPU:                  n.CPU,
				MemoryGB:             n.MemoryGB,
				Latency:              typeutil.NewDuration(n.Latency),
				TPS:                  n.TPS,
				LockPercent:          n.LockPercent,
				AvailabilityCritical: n.AvailabilityCritical,
				DefaultPriority:      n.DefaultPriority,
				Services:             n.Services,
			})
		}
	}

	return c.Validate()
}

// Validate is used to validate if some configurations are right.
func (c *Config) Validate() error {
	if !logutil.IsValidLevel(c.Log.Level) {
		return errors.Errorf("unknown log level %q", c.Log.Level)
	}
	if _, err := arbiter.ParsePolicy(c.Lock.Policy); err != nil {
		return err
	}
	switch c.Commit.Protocol {
	case catalog.ModeAuto, catalog.ModeTwoPhase, catalog.ModeThreePhase:
	default:
		return errors.Errorf("unknown commit protocol %q", c.Commit.Protocol)
	}
	if c.Commit.LatencyPercentile <= 0 || c.Commit.LatencyPercentile > 100 {
		return errors.Errorf("latency-percentile %v out of range (0, 100]", c.Commit.LatencyPercentile)
	}
	// A 3PC participant must not give up on a coordinator that is still
	// within its own phase deadlines.
	if c.Commit.ParticipantTimeout.Duration <= 2*c.Commit.PhaseTimeout.Duration {
		return errors.Errorf("participant-timeout %v must be greater than twice phase-timeout %v",
			c.Commit.ParticipantTimeout.Duration, c.Commit.PhaseTimeout.Duration)
	}
	if c.Commit.DecisionRetries < 0 {
		return errors.New("decision-retries must not be negative")
	}
	if c.Txn.MaxCPUPercent > 100 {
		return errors.Errorf("max-cpu-percent %d out of range", c.Txn.MaxCPUPercent)
	}
	seen := make(map[string]struct{}, len(c.Nodes))
	for _, n := range c.Nodes {
		if n.ID == "" {
			return errors.New("node id must not be empty")
		}
		if _, ok := seen[n.ID]; ok {
			return errors.Errorf("duplicated node %s", n.ID)
		}
		seen[n.ID] = struct{}{}
	}
	return nil
}

// Catalog builds the node catalog.
func (c *Config) Catalog() *catalog.Catalog {
	nodes := make([]catalog.Node, 0, len(c.Nodes))
	for _, n := range c.Nodes {
		nodes = append(nodes, catalog.Node{
			ID:                   txn.NodeID(n.ID),
			CPU:                  n.CPU,
			MemoryGB:             n.MemoryGB,
			Latency:              n.Latency.Duration,
			TPS:                  n.TPS,
			LockPercent:          n.LockPercent,
			AvailabilityCritical: n.AvailabilityCritical,
			DefaultPriority:      n.DefaultPriority,
			Services:             n.Services,
		})
	}
	return catalog.New(nodes)
}

// ManagerConfig converts the config for the transaction manager.
func (c *Config) ManagerConfig() (manager.Config, error) {
	policy, err := arbiter.ParsePolicy(c.Lock.Policy)
	if err != nil {
		return manager.Config{}, err
	}
	return manager.Config{
		Policy:          policy,
		WaitTimeout:     c.Lock.WaitTimeout.Duration,
		DetectInterval:  c.Deadlock.DetectInterval.Duration,
		DetectOnBlock:   c.Deadlock.DetectOnBlock,
		DetectRate:      c.Deadlock.DetectRate,
		DetectBurst:     c.Deadlock.DetectBurst,
		ReportHistory:   c.Deadlock.ReportHistory,
		RecordRetention: c.Txn.RecordRetention.Duration,
		GCInterval:      c.Txn.GCInterval.Duration,
		Shards:          c.Lock.Shards,
		DefaultPriority: c.Txn.DefaultPriority,
		Admission: catalog.Admission{
			MaxCPUPercent: c.Txn.MaxCPUPercent,
			MaxWaiting:    c.Txn.MaxWaitingPerNode,
		},
		Selector: catalog.Selector{
			Mode:       c.Commit.Protocol,
			Percentile: c.Commit.LatencyPercentile,
			Threshold:  c.Commit.ThreePhaseLatency.Duration,
		},
		Commit: commit.Config{
			PhaseTimeout:    c.Commit.PhaseTimeout.Duration,
			DecisionRetries: c.Commit.DecisionRetries,
			RetryInterval:   c.Commit.RetryInterval.Duration,
		},
	}, nil
}

// NewTestConfig returns an adjusted config with short timeouts, listening on
// a random local port.
func NewTestConfig() *Config {
	cfg := NewConfig()
	cfg.Name = "tinytxn-test"
	cfg.StatusAddr = "127.0.0.1:0"
	cfg.Lock.WaitTimeout = typeutil.NewDuration(100 * time.Millisecond)
	cfg.Deadlock.DetectInterval = typeutil.NewDuration(20 * time.Millisecond)
	cfg.Txn.GCInterval = typeutil.NewDuration(time.Second)
	cfg.Commit.PhaseTimeout = typeutil.NewDuration(100 * time.Millisecond)
	cfg.Commit.ParticipantTimeout = typeutil.NewDuration(300 * time.Millisecond)
	cfg.Commit.RetryInterval = typeutil.NewDuration(5 * time.Millisecond)
	if err := cfg.Adjust(nil); err != nil {
		panic(err)
	}
	return cfg
}

// Clone returns a cloned configuration.
func (c *Config) Clone() *Config {
	cfg := &Config{}
	*cfg = *c
	return cfg
}

func (c *Config) String() string {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return "<nil>"
	}
	return string(data)
}

// configFromFile loads config from file.
func (c *Config) configFromFile(path string) (*toml.MetaData, error) {
	meta, err := toml.DecodeFile(path, c)
	return &meta, errors.WithStack(err)
}

// SetupLogger setup the logger.
func (c *Config) SetupLogger() error {
	lg, p, err := log.InitLogger(&c.Log, zap.AddStacktrace(zapcore.FatalLevel))
	if err != nil {
		return err
	}
	c.logger = lg
	c.logProps = p
	return nil
}

// GetZapLogger gets the created zap logger.
func (c *Config) GetZapLogger() *zap.Logger {
	return c.logger
}

// GetZapLogProperties gets properties of the zap logger.
func (c *Config) GetZapLogProperties() *log.ZapProperties {
	return c.logProps
}
