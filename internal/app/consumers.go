package app

import (
	"errors"
	"io"

	"datawatch/internal/broker"
	"datawatch/internal/config"
	"datawatch/internal/consumer"
	logx "datawatch/pkg/logx"
)

type sink struct {
	name   string
	c      broker.Consumer
	buffer int
	close  func() error
}

// openSinks builds every enabled consumer. On error the already opened
// ones are closed.
func openSinks(cfg *config.Config, stdout io.Writer, log logx.Logger) (out []sink, err error) {
	defer func() {
		if err != nil {
			closeSinks(out, log)
			out = nil
		}
	}()

	cc := cfg.Consumers
	if cc.Stdout != nil && cc.Stdout.Enabled {
		out = append(out, sink{name: "stdout", c: consumer.NewStdout(stdout), buffer: cc.Stdout.Buffer})
	}
	if cc.CSV != nil && cc.CSV.Enabled {
		c, err := consumer.OpenCSV(cc.CSV.Path)
		if err != nil {
			return out, err
		}
		out = append(out, sink{name: "csv", c: c, buffer: cc.CSV.Buffer, close: c.Close})
	}
	if cc.MQTT != nil && cc.MQTT.Enabled {
		mc, err := mapMQTTConfig(cc.MQTT)
		if err != nil {
			return out, err
		}
		c, err := consumer.DialMQTT(mc, log)
		if err != nil {
			return out, err
		}
		out = append(out, sink{name: "mqtt", c: c, buffer: cc.MQTT.Buffer, close: c.Close})
	}
	if len(out) == 0 {
		log.Warn("no consumers enabled; published measurements are counted and dropped")
	}
	return out, nil
}

func subscribeSinks(b *broker.Broker, sinks []sink, defBuffer int) error {
	for _, s := range sinks {
		buf := s.buffer
		if buf <= 0 {
			buf = defBuffer
		}
		if _, err := b.Subscribe(s.name, s.c, buf); err != nil {
			return err
		}
	}
	return nil
}

func closeSinks(sinks []sink, log logx.Logger) error {
	var errs []error
	for _, s := range sinks {
		if s.close == nil {
			continue
		}
		if err := s.close(); err != nil {
			log.Warn("consumer close failed", logx.String("consumer", s.name), logx.Err(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
