package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/require"

	"github.com/nanopk/nanogate/dispatch"
	"github.com/nanopk/nanogate/logger"
	"github.com/nanopk/nanogate/telnet"
)

func TestResultFor(t *testing.T) {
	tests := []struct {
		name       string
		response   string
		err        error
		wantStatus string
	}{
		{"success", "OK", nil, statusOK},
		{"unknown alias", "", fmt.Errorf("%w: %q", dispatch.ErrUnknownAlias, "vga"), statusUnknownAlias},
		{"timeout", "", dispatch.ErrCommandTimeout, statusTimeout},
		{"session unavailable", "", telnet.ErrRetriesExhausted, statusUnavailable},
		{"other failure", "", errors.New("broker hiccup"), statusError},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require := require.New(t)

			result := resultFor("hdmi1", test.response, test.err)

			require.Equal("hdmi1", result.Alias)
			require.Equal(test.wantStatus, result.Status)
			require.Equal(test.response, result.Response)

			if test.err != nil {
				require.Equal(test.err.Error(), result.Error)
			} else {
				require.Empty(result.Error)
			}
		})
	}
}

func TestAliasFromTopic(t *testing.T) {
	require := require.New(t)

	require.Equal("hdmi1", aliasFromTopic("nano_pk/command/hdmi1"))
	require.Equal("hdmi1", aliasFromTopic("hdmi1"))
	require.Empty(aliasFromTopic("nano_pk/command/"))
}

// fakeToken is an already-completed paho token.
type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool { return true }

func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }

func (t *fakeToken) Error() error { return t.err }

func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)

	return ch
}

type publishedMessage struct {
	topic    string
	payload  string
	retained bool
}

// fakeBroker satisfies paho.Client, recording publishes instead of talking
// to a real broker.
type fakeBroker struct {
	mu        sync.Mutex
	published []publishedMessage
}

func (b *fakeBroker) Publish(topic string, _ byte, retained bool, payload interface{}) paho.Token {
	b.mu.Lock()
	defer b.mu.Unlock()

	text, _ := payload.(string)
	b.published = append(b.published, publishedMessage{topic: topic, payload: text, retained: retained})

	return &fakeToken{}
}

func (b *fakeBroker) messages() []publishedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]publishedMessage(nil), b.published...)
}

func (b *fakeBroker) IsConnected() bool { return true }

func (b *fakeBroker) IsConnectionOpen() bool { return true }

func (b *fakeBroker) Connect() paho.Token { return &fakeToken{} }

func (b *fakeBroker) Disconnect(uint) {}

func (b *fakeBroker) Unsubscribe(...string) paho.Token { return &fakeToken{} }

func (b *fakeBroker) Subscribe(string, byte, paho.MessageHandler) paho.Token {
	return &fakeToken{}
}

func (b *fakeBroker) SubscribeMultiple(map[string]byte, paho.MessageHandler) paho.Token {
	return &fakeToken{}
}

func (b *fakeBroker) AddRoute(string, paho.MessageHandler) {}

func (b *fakeBroker) OptionsReader() paho.ClientOptionsReader {
	return paho.ClientOptionsReader{}
}

// fakeMessage satisfies paho.Message with just a topic.
type fakeMessage struct {
	topic string
}

func (m *fakeMessage) Duplicate() bool { return false }

func (m *fakeMessage) Qos() byte { return 0 }

func (m *fakeMessage) Retained() bool { return false }

func (m *fakeMessage) Topic() string { return m.topic }

func (m *fakeMessage) MessageID() uint16 { return 0 }

func (m *fakeMessage) Payload() []byte { return nil }

func (m *fakeMessage) Ack() {}

// fakeSubmitter is a scriptable command dispatcher.
type fakeSubmitter struct {
	response string
	err      error
}

func (s *fakeSubmitter) Submit(_ context.Context, _ string) (string, error) {
	return s.response, s.err
}

func newTestClient(submitter Submitter) (*Client, *fakeBroker) {
	c := NewClient(Config{
		Broker:    "localhost",
		Port:      1883,
		BaseTopic: "nano_pk",
	}, submitter, nil, logger.GetLogger())

	broker := &fakeBroker{}
	c.client = broker

	return c, broker
}

func TestHandleCommand_PublishesResult(t *testing.T) {
	require := require.New(t)

	client, broker := newTestClient(&fakeSubmitter{response: "OK"})

	client.handleCommand(nil, &fakeMessage{topic: "nano_pk/command/hdmi1"})

	require.Eventually(func() bool {
		return len(broker.messages()) == 1
	}, time.Second, 10*time.Millisecond)

	msg := broker.messages()[0]
	require.Equal("nano_pk/result/hdmi1", msg.topic)
	require.False(msg.retained)

	var result commandResult
	require.NoError(json.Unmarshal([]byte(msg.payload), &result))
	require.Equal("hdmi1", result.Alias)
	require.Equal(statusOK, result.Status)
	require.Equal("OK", result.Response)
}

func TestHandleCommand_UnknownAlias(t *testing.T) {
	require := require.New(t)

	submitErr := fmt.Errorf("%w: %q", dispatch.ErrUnknownAlias, "vga")
	client, broker := newTestClient(&fakeSubmitter{err: submitErr})

	client.handleCommand(nil, &fakeMessage{topic: "nano_pk/command/vga"})

	require.Eventually(func() bool {
		return len(broker.messages()) == 1
	}, time.Second, 10*time.Millisecond)

	var result commandResult
	require.NoError(json.Unmarshal([]byte(broker.messages()[0].payload), &result))
	require.Equal(statusUnknownAlias, result.Status)
	require.Equal(submitErr.Error(), result.Error)
}

func TestHandleCommand_EmptyAliasIgnored(t *testing.T) {
	require := require.New(t)

	client, broker := newTestClient(&fakeSubmitter{response: "OK"})

	client.handleCommand(nil, &fakeMessage{topic: "nano_pk/command/"})

	time.Sleep(50 * time.Millisecond)
	require.Empty(broker.messages())
}
