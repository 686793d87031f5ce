package wsfanout

import (
	"encoding/json"
	"fmt"
)

// Message is implemented by every wsfanout wire message, tagged by a
// "type" discriminator field, following pkg/protocol's pattern.
type Message interface {
	MessageType() string
}

// WelcomeMessage is the first message sent on connect.
type WelcomeMessage struct{}

func (WelcomeMessage) MessageType() string { return "welcome" }

// ReadyMessage follows welcome (and any resubscription), signaling the
// client that a sensor_batch is about to be sent.
type ReadyMessage struct{}

func (ReadyMessage) MessageType() string { return "ready" }

// SensorSnapshot is one sensor's latest known state, used in the
// initial/resync batch.
type SensorSnapshot struct {
	SensorID string `json:"sensor_id"`
	Status   string `json:"status"`
	Data     any    `json:"data,omitempty"`
}

// SensorBatchMessage carries every sensor's latest snapshot, sent on
// connect, on (re)subscription, and on sync_request.
type SensorBatchMessage struct {
	Sensors []SensorSnapshot `json:"sensors"`
}

func (SensorBatchMessage) MessageType() string { return "sensor_batch" }

// SensorUpdateMessage is one live update pushed via BroadcastSensorUpdate.
type SensorUpdateMessage struct {
	SensorID string `json:"sensor_id"`
	Data     any    `json:"data"`
}

func (SensorUpdateMessage) MessageType() string { return "sensor_update" }

// PingMessage/PongMessage are the client keepalive pair.
type PingMessage struct{}

func (PingMessage) MessageType() string { return "ping" }

type PongMessage struct{}

func (PongMessage) MessageType() string { return "pong" }

// SubscribeSensorsMessage narrows a socket's subscription to a set of
// sensor ids.
type SubscribeSensorsMessage struct {
	SensorIDs []string `json:"sensor_ids"`
}

func (SubscribeSensorsMessage) MessageType() string { return "subscribe_sensors" }

// SubscribeAllMessage clears a socket's subscription back to "all".
type SubscribeAllMessage struct{}

func (SubscribeAllMessage) MessageType() string { return "subscribe_all" }

// SyncRequestMessage asks for the batch to be resent without changing
// the subscription.
type SyncRequestMessage struct {
	Resource string `json:"resource"`
}

func (SyncRequestMessage) MessageType() string { return "sync_request" }

// ErrorMessage is sent back for any message type the server doesn't
// recognize.
type ErrorMessage struct {
	Detail string `json:"detail,omitempty"`
}

func (ErrorMessage) MessageType() string { return "error" }

var clientMessageTypes = map[string]func() Message{
	"ping":              func() Message { return &PingMessage{} },
	"subscribe_sensors": func() Message { return &SubscribeSensorsMessage{} },
	"subscribe_all":     func() Message { return &SubscribeAllMessage{} },
	"sync_request":      func() Message { return &SyncRequestMessage{} },
}

// marshal serializes msg to JSON, injecting the "type" discriminator.
func marshal(msg Message) ([]byte, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s payload: %w", msg.MessageType(), err)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("re-decoding %s payload: %w", msg.MessageType(), err)
	}
	typeBytes, err := json.Marshal(msg.MessageType())
	if err != nil {
		return nil, err
	}
	obj["type"] = typeBytes
	return json.Marshal(obj)
}

// unmarshalClientMessage decodes a client-sent message, using the "type"
// discriminator to pick the concrete type. Unknown types return
// (nil, nil) so the caller can reply with an error message rather than
// failing the connection.
func unmarshalClientMessage(data []byte) (Message, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding message envelope: %w", err)
	}
	factory, ok := clientMessageTypes[env.Type]
	if !ok {
		return nil, nil
	}
	msg := factory()
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decoding %q message: %w", env.Type, err)
	}
	return msg, nil
}
