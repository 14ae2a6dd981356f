package config

import (
	"reflect"
	"sort"
	"strings"

	logx "datawatch/pkg/logx"
)

// SummarizeChange returns (1) the changed sections, (2) log-safe attrs
// (never tokens, passwords, or variable values), and (3) the source names
// whose schedules were added, removed, or edited.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	oh, nh := oldCfg.HTTP, newCfg.HTTP
	oTok, nTok := strings.TrimSpace(oh.Token) != "", strings.TrimSpace(nh.Token) != ""
	oh.Token, nh.Token = "", ""
	if oTok != nTok || !reflect.DeepEqual(oh, nh) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", nh.Enabled),
			logx.String("http.addr", strings.TrimSpace(nh.Addr)),
			logx.Bool("http.token_set", nTok),
			logx.Bool("http.pprof", nh.Pprof),
		)
	}

	if !reflect.DeepEqual(oldCfg.Fetch, newCfg.Fetch) {
		changed = append(changed, "fetch")
		attrs = append(attrs,
			logx.String("fetch.timeout", newCfg.Fetch.Timeout),
			logx.Float64("fetch.rate_per_sec", newCfg.Fetch.RatePerSec),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.disabled", newCfg.Scheduler.Disabled),
			logx.Bool("scheduler.cancel_in_flight", newCfg.Scheduler.CancelInFlight),
		)
	}

	if !reflect.DeepEqual(oldCfg.Broker, newCfg.Broker) {
		changed = append(changed, "broker")
		attrs = append(attrs, logx.Int("broker.buffer", newCfg.Broker.Buffer))
	}

	if !reflect.DeepEqual(oldCfg.Metrics, newCfg.Metrics) {
		changed = append(changed, "metrics")
	}

	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	if consumerChanged := diffConsumers(oldCfg.Consumers, newCfg.Consumers); len(consumerChanged) > 0 {
		changed = append(changed, "consumers")
		attrs = append(attrs, logx.String("consumers.changed", strings.Join(consumerChanged, ",")))
	}

	if !reflect.DeepEqual(oldCfg.Variables, newCfg.Variables) {
		changed = append(changed, "variables")
		attrs = append(attrs, logx.Int("variables.count", len(newCfg.Variables)))
	}

	sources := diffSchedules(oldCfg.Schedules, newCfg.Schedules)
	if len(sources) > 0 {
		changed = append(changed, "schedules")
		attrs = append(attrs,
			logx.Int("schedules.changed_count", len(sources)),
			logx.Int("schedules.count", len(newCfg.Schedules)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, sources
}

func diffConsumers(o, n ConsumersConfig) []string {
	var out []string
	if !reflect.DeepEqual(o.Stdout, n.Stdout) {
		out = append(out, "stdout")
	}
	if !reflect.DeepEqual(o.CSV, n.CSV) {
		out = append(out, "csv")
	}
	if !reflect.DeepEqual(o.MQTT, n.MQTT) {
		out = append(out, "mqtt")
	}
	return out
}

// diffSchedules groups by source name, since several schedules may share one.
func diffSchedules(oldS, newS []ScheduleConfig) []string {
	index := func(in []ScheduleConfig) map[string][]ScheduleConfig {
		m := make(map[string][]ScheduleConfig, len(in))
		for _, s := range in {
			name := strings.TrimSpace(s.SourceName)
			m[name] = append(m[name], s)
		}
		return m
	}
	om, nm := index(oldS), index(newS)

	set := map[string]struct{}{}
	for k := range om {
		set[k] = struct{}{}
	}
	for k := range nm {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		if !reflect.DeepEqual(om[name], nm[name]) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
