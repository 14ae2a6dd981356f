package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"datawatch/internal/task/job"
)

// Descriptors converts every enabled schedule. Several schedules may share
// a source_name. The first error names the offending entry as schedules[i].
func (c *Config) Descriptors() ([]job.Descriptor, error) {
	out := make([]job.Descriptor, 0, len(c.Schedules))
	for i, sc := range c.Schedules {
		if !sc.IsEnabled() {
			continue
		}
		d, err := sc.Descriptor()
		if err != nil {
			return nil, fmt.Errorf("schedules[%d]: %w", i, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// Descriptor converts and validates one schedule entry.
func (s ScheduleConfig) Descriptor() (job.Descriptor, error) {
	d := job.Descriptor{
		SourceName: strings.TrimSpace(s.SourceName),
		APIURL:     strings.TrimSpace(s.APIURL),
		Body:       s.Body,
		Query:      s.Query,
		DeferFirst: s.DeferFirst,
	}
	fail := func(field string, err error) error {
		return &job.RegistrationError{Source: d.SourceName, Field: field, Err: err}
	}

	var err error
	if d.Method, err = job.ParseMethod(s.Method); err != nil {
		return d, fail("method", err)
	}
	if d.Action, err = job.ParseAction(s.ResponseAction); err != nil {
		return d, fail("response_action", err)
	}
	for _, h := range s.Headers {
		d.Headers = append(d.Headers, job.Header{Name: strings.TrimSpace(h.Name), Value: h.Value})
	}

	iv := strings.TrimSpace(string(s.Interval))
	cr := strings.TrimSpace(s.CronExpression)
	switch {
	case iv != "" && cr != "":
		return d, fail("interval_seconds", errors.New("set either interval_seconds or cron_expression, not both"))
	case iv != "":
		every, err := job.ParseInterval(iv)
		if err != nil {
			return d, fail("interval_seconds", err)
		}
		d.Timing = job.Every(every)
	case cr != "":
		d.Timing = job.CronExpr(cr)
	}

	if d.Timeout, err = ParseDurationField("timeout", s.Timeout); err != nil {
		return d, fail("timeout", err)
	}
	return d, d.Validate()
}

// ExpandedVariables returns Variables with $NAME and ${NAME} references
// resolved from the environment. Unset names expand to "" and $$ is a
// literal $.
func (c *Config) ExpandedVariables() map[string]string {
	return c.expandVariables(os.Getenv)
}

func (c *Config) expandVariables(getenv func(string) string) map[string]string {
	out := make(map[string]string, len(c.Variables))
	for k, v := range c.Variables {
		out[k] = os.Expand(v, func(name string) string {
			if name == "$" {
				return "$"
			}
			return getenv(name)
		})
	}
	return out
}

// Validate checks every section that can be checked offline.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if _, err := c.Descriptors(); err != nil {
		return err
	}
	for k := range c.Variables {
		if strings.TrimSpace(k) == "" || strings.Contains(k, "[[") || strings.Contains(k, "]]") {
			return fmt.Errorf("variables: invalid name %q", k)
		}
	}

	durs := []struct{ path, raw string }{
		{"http.read_timeout", c.HTTP.ReadTimeout},
		{"http.write_timeout", c.HTTP.WriteTimeout},
		{"http.idle_timeout", c.HTTP.IdleTimeout},
		{"fetch.timeout", c.Fetch.Timeout},
		{"scheduler.cron_epsilon", c.Scheduler.CronEpsilon},
		{"scheduler.warn_every", c.Scheduler.WarnEvery},
		{"scheduler.stop_timeout", c.Scheduler.StopTimeout},
		{"broker.drop_every", c.Broker.DropEvery},
	}
	if c.Storage != nil {
		durs = append(durs,
			struct{ path, raw string }{"storage.busy_timeout", c.Storage.BusyTimeout},
			struct{ path, raw string }{"storage.retention", c.Storage.Retention},
		)
	}
	if m := c.Consumers.MQTT; m != nil {
		durs = append(durs,
			struct{ path, raw string }{"consumers.mqtt.connect_timeout", m.ConnectTimeout},
			struct{ path, raw string }{"consumers.mqtt.publish_timeout", m.PublishTimeout},
		)
		if m.Enabled && strings.TrimSpace(m.Broker) == "" {
			return errors.New("consumers.mqtt.broker is required when enabled")
		}
		if m.QoS < 0 || m.QoS > 2 {
			return fmt.Errorf("consumers.mqtt.qos: must be 0, 1 or 2")
		}
	}
	for _, d := range durs {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	if c.Fetch.RatePerSec < 0 {
		return errors.New("fetch.rate_per_sec: must be >= 0")
	}
	if c.Fetch.MaxBodyBytes < 0 {
		return errors.New("fetch.max_body_bytes: must be >= 0")
	}
	if c.Broker.Buffer < 0 {
		return errors.New("broker.buffer: must be >= 0")
	}
	return nil
}
