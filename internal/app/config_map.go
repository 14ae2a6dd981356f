package app

import (
	"fmt"
	"strings"
	"time"

	"datawatch/internal/config"
	"datawatch/internal/consumer"
	"datawatch/internal/fetch"
	"datawatch/internal/observability/httpserver"
	"datawatch/internal/storage"
	"datawatch/internal/task/scheduler"
	logx "datawatch/pkg/logx"
)

const defaultBrokerBuffer = 256

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapFetchConfig(cfg *config.Config) (fetch.Config, error) {
	timeout, err := config.ParseDurationOrDefault("fetch.timeout", cfg.Fetch.Timeout, 30*time.Second)
	if err != nil {
		return fetch.Config{}, err
	}
	return fetch.Config{
		Timeout:      timeout,
		UserAgent:    strings.TrimSpace(cfg.Fetch.UserAgent),
		MaxBodyBytes: cfg.Fetch.MaxBodyBytes,
		RateLimit:    cfg.Fetch.RatePerSec,
		Burst:        cfg.Fetch.Burst,
	}, nil
}

type schedulerSettings struct {
	scheduler.Config
	WarnEvery   time.Duration
	StopTimeout time.Duration
}

func mapSchedulerConfig(cfg *config.Config) (schedulerSettings, error) {
	sc := cfg.Scheduler
	eps, err := config.ParseDurationOrDefault("scheduler.cron_epsilon", sc.CronEpsilon, 100*time.Millisecond)
	if err != nil {
		return schedulerSettings{}, err
	}
	warn, err := config.ParseDurationOrDefault("scheduler.warn_every", sc.WarnEvery, time.Minute)
	if err != nil {
		return schedulerSettings{}, err
	}
	stop, err := config.ParseDurationOrDefault("scheduler.stop_timeout", sc.StopTimeout, 30*time.Second)
	if err != nil {
		return schedulerSettings{}, err
	}
	return schedulerSettings{
		Config: scheduler.Config{
			Disabled:       sc.Disabled,
			CancelInFlight: sc.CancelInFlight,
			Epsilon:        eps,
		},
		WarnEvery:   warn,
		StopTimeout: stop,
	}, nil
}

func mapBrokerConfig(cfg *config.Config) (buffer int, dropEvery time.Duration, err error) {
	buffer = cfg.Broker.Buffer
	if buffer <= 0 {
		buffer = defaultBrokerBuffer
	}
	dropEvery, err = config.ParseDurationOrDefault("broker.drop_every", cfg.Broker.DropEvery, 10*time.Second)
	return buffer, dropEvery, err
}

func mapHTTPConfig(cfg *config.Config) (httpserver.Config, error) {
	h := cfg.HTTP
	rt, err := config.ParseDurationOrDefault("http.read_timeout", h.ReadTimeout, 10*time.Second)
	if err != nil {
		return httpserver.Config{}, err
	}
	wt, err := config.ParseDurationField("http.write_timeout", h.WriteTimeout)
	if err != nil {
		return httpserver.Config{}, err
	}
	it, err := config.ParseDurationOrDefault("http.idle_timeout", h.IdleTimeout, time.Minute)
	if err != nil {
		return httpserver.Config{}, err
	}
	return httpserver.Config{
		Enabled:       h.Enabled,
		Addr:          strings.TrimSpace(h.Addr),
		Token:         strings.TrimSpace(h.Token),
		AllowInsecure: h.AllowInsecure,
		Pprof:         h.Pprof,
		PprofPrefix:   h.PprofPrefix,
		ReadTimeout:   rt,
		WriteTimeout:  wt,
		IdleTimeout:   it,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		if path == "" {
			path = "./datawatch"
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		keep, err := config.ParseDurationField("storage.retention", sc.Retention)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy, Retention: keep}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapMQTTConfig(mc *config.MQTTConsumer) (consumer.MQTTConfig, error) {
	ct, err := config.ParseDurationField("consumers.mqtt.connect_timeout", mc.ConnectTimeout)
	if err != nil {
		return consumer.MQTTConfig{}, err
	}
	pt, err := config.ParseDurationField("consumers.mqtt.publish_timeout", mc.PublishTimeout)
	if err != nil {
		return consumer.MQTTConfig{}, err
	}
	return consumer.MQTTConfig{
		Broker:         strings.TrimSpace(mc.Broker),
		ClientID:       mc.ClientID,
		Username:       mc.Username,
		Password:       mc.Password,
		TopicPrefix:    mc.TopicPrefix,
		QoS:            byte(mc.QoS),
		Retained:       mc.Retained,
		ConnectTimeout: ct,
		PublishTimeout: pt,
	}, nil
}

// validateRuntime checks everything the maps above would reject, so a hot
// reload never commits a config the running app cannot apply.
func validateRuntime(cfg *config.Config) error {
	if _, err := mapFetchConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapBrokerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if mc := cfg.Consumers.MQTT; mc != nil && mc.Enabled {
		if _, err := mapMQTTConfig(mc); err != nil {
			return err
		}
	}
	return nil
}
