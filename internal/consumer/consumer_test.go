package consumer

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datawatch/internal/measure"
	logx "datawatch/pkg/logx"
)

var sample = measure.Measurement{Source: "COINBASE", Name: "BTC-USD", Description: "mark", Value: 50000.25, Timestamp: 1700000000}

func TestStdoutLine(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	require.NoError(t, NewStdout(&buf).Consume(sample))
	assert.Equal(t, "2023-11-14T22:13:20Z COINBASE BTC-USD mark=50000.25\n", buf.String())
}

func TestCSVAppendsRowsWithHeaderOnce(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "out", "data.csv")

	c, err := OpenCSV(path)
	require.NoError(t, err)
	require.NoError(t, c.Consume(sample))
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Consume(sample), os.ErrClosed)

	c, err = OpenCSV(path)
	require.NoError(t, err)
	quoted := sample
	quoted.Description = `bid, "best"`
	require.NoError(t, c.Consume(quoted))
	require.NoError(t, c.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, CSVHeader, rows[0])
	assert.Equal(t, []string{"COINBASE", "BTC-USD", "mark", "50000.25", "1700000000"}, rows[1])
	assert.Equal(t, `bid, "best"`, rows[2][2])
}

type fakeToken struct {
	err     error
	timeout bool
}

func (t fakeToken) Wait() bool                     { return !t.timeout }
func (t fakeToken) WaitTimeout(time.Duration) bool { return !t.timeout }
func (t fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t fakeToken) Error() error { return t.err }

type fakePublisher struct {
	topic   string
	qos     byte
	payload []byte
	tok     fakeToken
}

func (p *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	p.topic, p.qos = topic, qos
	p.payload, _ = payload.([]byte)
	return p.tok
}

func TestMQTTPublishesJSON(t *testing.T) {
	t.Parallel()
	pub := &fakePublisher{}
	c := &MQTT{cfg: withMQTTDefaults(MQTTConfig{TopicPrefix: "markets/", QoS: 1}), pub: pub}

	m := sample
	m.Name = "SPX/+#"
	require.NoError(t, c.Consume(m))
	assert.Equal(t, "markets/COINBASE/SPX___", pub.topic)
	assert.Equal(t, byte(1), pub.qos)

	var got measure.Measurement
	require.NoError(t, json.Unmarshal(pub.payload, &got))
	assert.Equal(t, m, got)
}

func TestMQTTErrors(t *testing.T) {
	t.Parallel()
	c := &MQTT{cfg: withMQTTDefaults(MQTTConfig{}), pub: &fakePublisher{tok: fakeToken{timeout: true}}}
	assert.ErrorContains(t, c.Consume(sample), "timeout")

	boom := errors.New("not connected")
	c = &MQTT{cfg: withMQTTDefaults(MQTTConfig{}), pub: &fakePublisher{tok: fakeToken{err: boom}}}
	assert.ErrorIs(t, c.Consume(sample), boom)
}

func TestMQTTLogsFailedPublish(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	c := &MQTT{
		cfg: withMQTTDefaults(MQTTConfig{TopicPrefix: "quotes", QoS: 1}),
		pub: &fakePublisher{tok: fakeToken{timeout: true}},
		log: logx.NewWriter(&buf, "debug"),
	}
	require.Error(t, c.Consume(sample))
	out := buf.String()
	assert.Contains(t, out, "mqtt publish failed")
	assert.Contains(t, out, `"topic":"quotes/COINBASE/`)
	assert.Contains(t, out, `"qos":1`)

	buf.Reset()
	c.pub = &fakePublisher{}
	require.NoError(t, c.Consume(sample))
	assert.Empty(t, buf.String())
}

func TestDialMQTTRequiresBroker(t *testing.T) {
	t.Parallel()
	_, err := DialMQTT(MQTTConfig{}, logx.Nop())
	assert.Error(t, err)
}
