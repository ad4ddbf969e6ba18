package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/nanopk/nanogate/dispatch"
	"github.com/nanopk/nanogate/telnet"
)

// commandResult is the JSON payload published on the result topic after a
// command received over MQTT finishes.
type commandResult struct {
	Alias    string `json:"alias"`
	Status   string `json:"status"`
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
}

const (
	statusOK           = "ok"
	statusUnknownAlias = "unknown_alias"
	statusTimeout      = "timeout"
	statusUnavailable  = "unavailable"
	statusError        = "error"
)

// resultFor maps a dispatch outcome onto the published command result.
func resultFor(name, response string, err error) commandResult {
	result := commandResult{Alias: name, Response: response}

	switch {
	case err == nil:
		result.Status = statusOK
	case errors.Is(err, dispatch.ErrUnknownAlias):
		result.Status = statusUnknownAlias
		result.Error = err.Error()
	case errors.Is(err, dispatch.ErrCommandTimeout):
		result.Status = statusTimeout
		result.Error = err.Error()
	case errors.Is(err, telnet.ErrRetriesExhausted):
		result.Status = statusUnavailable
		result.Error = err.Error()
	default:
		result.Status = statusError
		result.Error = err.Error()
	}

	return result
}

// subscribeCommands listens on <base>/command/<alias> topics. The payload is
// ignored, the alias is taken from the topic.
func (c *Client) subscribeCommands() error {
	topic := c.cfg.BaseTopic + "/command/+"

	token := c.client.Subscribe(topic, c.cfg.QoS, c.handleCommand)
	if !token.WaitTimeout(c.cfg.ConnectTimeout) {
		return errors.New("mqtt: subscribe timeout")
	}

	return token.Error()
}

// aliasFromTopic extracts the alias from a command topic, the segment after
// the last slash.
func aliasFromTopic(topic string) string {
	return topic[strings.LastIndexByte(topic, '/')+1:]
}

func (c *Client) handleCommand(_ paho.Client, msg paho.Message) {
	name := aliasFromTopic(msg.Topic())
	if name == "" {
		return
	}

	// Paho invokes handlers on its router goroutine. Command round trips
	// block for the dispatch queue, so run them off it.
	go c.runCommand(name)
}

func (c *Client) runCommand(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CommandTimeout)
	defer cancel()

	c.logger.Info("command received", "alias", name, "source", "mqtt")

	response, err := c.dispatcher.Submit(ctx, name)
	result := resultFor(name, response, err)

	payload, merr := json.Marshal(result)
	if merr != nil {
		c.logger.Error("failed to encode command result", "alias", name, "error", merr)
		return
	}

	if perr := c.publish(c.cfg.BaseTopic+"/result/"+name, string(payload), false); perr != nil {
		c.logger.Error("failed to publish command result", "alias", name, "error", perr)
	}
}
