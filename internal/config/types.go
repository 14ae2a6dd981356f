package config

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Config is the root of a datawatch config file (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig     `json:"logging"`
	HTTP      HTTPConfig        `json:"http,omitempty"`
	Fetch     FetchConfig       `json:"fetch,omitempty"`
	Scheduler SchedulerConfig   `json:"scheduler,omitempty"`
	Broker    BrokerConfig      `json:"broker,omitempty"`
	Metrics   MetricsConfig     `json:"metrics,omitempty"`
	Storage   *StorageConfig    `json:"storage,omitempty"`
	Consumers ConsumersConfig   `json:"consumers"`

	// Variables seed the variable store. Values may reference the
	// environment as ${NAME}.
	Variables map[string]string `json:"variables,omitempty"`

	Schedules []ScheduleConfig `json:"schedules"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// HTTPConfig controls the optional ops HTTP server (/metrics, /healthz,
// /schedules, pprof).
//
// Prefer binding to localhost. A non-loopback addr needs a token or
// allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9464"
	Token         string `json:"token,omitempty"` // bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	PprofPrefix   string `json:"pprof_prefix,omitempty"` // default: "/debug/pprof/"

	// WriteTimeout defaults to 0 (disabled) so /debug/pprof/profile works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// FetchConfig controls the HTTP client shared by every producer.
//
// Defaults: timeout 30s, max_body_bytes 8MiB, user_agent "datawatch/1",
// rate_per_sec 0 (unlimited).
type FetchConfig struct {
	Timeout      string  `json:"timeout,omitempty"`
	UserAgent    string  `json:"user_agent,omitempty"`
	MaxBodyBytes int64   `json:"max_body_bytes,omitempty"`
	RatePerSec   float64 `json:"rate_per_sec,omitempty"`
	Burst        int     `json:"burst,omitempty"`
}

// SchedulerConfig controls producer behavior.
type SchedulerConfig struct {
	// Disabled validates schedules without starting producers (dry run).
	Disabled bool `json:"disabled,omitempty"`

	// CancelInFlight aborts running requests on stop or reload instead of
	// letting them finish.
	CancelInFlight bool `json:"cancel_in_flight,omitempty"`

	// CronEpsilon is the offset added before computing the next cron
	// occurrence. Default "100ms".
	CronEpsilon string `json:"cron_epsilon,omitempty"`

	// WarnEvery throttles repeated fire failure warnings per source.
	// Default "1m".
	WarnEvery string `json:"warn_every,omitempty"`

	// StopTimeout bounds shutdown. Default "30s".
	StopTimeout string `json:"stop_timeout,omitempty"`
}

// BrokerConfig controls subscriber buffers.
type BrokerConfig struct {
	Buffer    int    `json:"buffer,omitempty"`     // default 256
	DropEvery string `json:"drop_every,omitempty"` // default "10s"
}

type MetricsConfig struct {
	// Runtime adds Go runtime and process collectors.
	Runtime bool `json:"runtime,omitempty"`
}

// StorageConfig controls the optional fire audit log.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./state/datawatch.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	Retention   string `json:"retention,omitempty"`    // sqlite
}

type ConsumersConfig struct {
	Stdout *StdoutConsumer `json:"stdout,omitempty"`
	CSV    *CSVConsumer    `json:"csv,omitempty"`
	MQTT   *MQTTConsumer   `json:"mqtt,omitempty"`
}

type StdoutConsumer struct {
	Enabled bool `json:"enabled"`
	Buffer  int  `json:"buffer,omitempty"`
}

type CSVConsumer struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"` // default "data.csv"
	Buffer  int    `json:"buffer,omitempty"`
}

type MQTTConsumer struct {
	Enabled        bool   `json:"enabled"`
	Broker         string `json:"broker"`
	ClientID       string `json:"client_id,omitempty"`
	Username       string `json:"username,omitempty"`
	Password       string `json:"password,omitempty"` // do not log
	TopicPrefix    string `json:"topic_prefix,omitempty"`
	QoS            int    `json:"qos,omitempty"`
	Retained       bool   `json:"retained,omitempty"`
	ConnectTimeout string `json:"connect_timeout,omitempty"`
	PublishTimeout string `json:"publish_timeout,omitempty"`
	Buffer         int    `json:"buffer,omitempty"`
}

// ScheduleConfig is one descriptor as written in the config file.
//
// Exactly one of interval_seconds and cron_expression must be set.
// interval_seconds accepts a number of seconds or a Go duration string.
type ScheduleConfig struct {
	Enabled        *bool          `json:"enabled,omitempty"` // default true
	SourceName     string         `json:"source_name"`
	APIURL         string         `json:"api_url"`
	Method         string         `json:"method,omitempty"` // default GET
	Body           string         `json:"body,omitempty"`
	Headers        []HeaderConfig `json:"headers,omitempty"`
	Interval       Interval       `json:"interval_seconds,omitempty"`
	CronExpression string         `json:"cron_expression,omitempty"`
	Query          string         `json:"query"`
	ResponseAction string         `json:"response_action"`
	DeferFirst     bool           `json:"defer_first,omitempty"`
	Timeout        string         `json:"timeout,omitempty"`
}

func (s ScheduleConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

type HeaderConfig struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Interval holds interval_seconds verbatim: 60, "60" and "1m" are all
// accepted and parsed later by job.ParseInterval.
type Interval string

func (iv *Interval) UnmarshalJSON(b []byte) error {
	var n json.Number
	if err := json.Unmarshal(b, &n); err == nil {
		*iv = Interval(n.String())
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("interval_seconds: want number or string, got %s", strings.TrimSpace(string(b)))
	}
	*iv = Interval(s)
	return nil
}
