package cachebus

import (
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Topic carries every cache control message.
const Topic = "murmur.cache"

type Kind string

const (
	KindCacheWrite    Kind = "cache-write"
	KindCacheClear    Kind = "cache-clear"
	KindNetworkStatus Kind = "network-status"
)

// ControlMessage is a discrete instruction for the background cache worker.
// Delivery is at-most-once and unordered; AtMs is the issuer's clock and is
// what handlers use to resolve ordering.
type ControlMessage struct {
	Kind    Kind   `json:"kind"`
	Key     string `json:"key,omitempty"`
	Payload []byte `json:"payload,omitempty"`
	Online  bool   `json:"online,omitempty"`
	AtMs    int64  `json:"at_ms"`
}

func (m ControlMessage) validate() error {
	switch m.Kind {
	case KindCacheWrite:
		if m.Key == "" {
			return errors.New("cache-write without key")
		}
	case KindCacheClear, KindNetworkStatus:
	default:
		return errors.Errorf("unknown control message kind %q", m.Kind)
	}
	if m.AtMs <= 0 {
		return errors.Errorf("%s without timestamp", m.Kind)
	}
	return nil
}

func encode(m ControlMessage) (*message.Message, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "encode control message")
	}
	msg := message.NewMessage(uuid.NewString(), b)
	msg.Metadata.Set("kind", string(m.Kind))
	return msg, nil
}

func decode(msg *message.Message) (ControlMessage, error) {
	var m ControlMessage
	if err := json.Unmarshal(msg.Payload, &m); err != nil {
		return ControlMessage{}, errors.Wrap(err, "decode control message")
	}
	if err := m.validate(); err != nil {
		return ControlMessage{}, err
	}
	return m, nil
}
