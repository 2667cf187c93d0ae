package alarmrouter

import (
	"context"
	"fmt"

	"github.com/technosupport/videocore/internal/contracts"
)

// AddConfig builds and registers the channel named by cfg's concrete
// type, satisfying contracts.AlarmSink.
func (r *Router) AddConfig(cfg any) error {
	ch, err := r.buildChannel(cfg)
	if err != nil {
		return err
	}
	r.AddChannel(ch)
	return nil
}

// UpdateConfig replaces an existing channel's configuration in place.
func (r *Router) UpdateConfig(cfg any) error {
	return r.AddConfig(cfg)
}

// RemoveConfig deregisters a channel by id.
func (r *Router) RemoveConfig(id string) error {
	r.RemoveChannel(id)
	return nil
}

// ListConfigs returns the currently registered channels as their
// opaque contracts.AlarmSink view.
func (r *Router) ListConfigs() []any {
	chs := r.Channels()
	out := make([]any, len(chs))
	for i, c := range chs {
		out[i] = c
	}
	return out
}

func (r *Router) buildChannel(cfg any) (Channel, error) {
	switch c := cfg.(type) {
	case contracts.HTTPChannelConfig:
		return NewHTTPChannel(c), nil
	case contracts.WebSocketChannelConfig:
		return NewWebSocketChannel(c), nil
	case contracts.MQTTChannelConfig:
		ch := NewMQTTChannel(c)
		if err := ch.Connect(context.Background()); err != nil {
			return nil, fmt.Errorf("alarmrouter: mqtt connect: %w", err)
		}
		return ch, nil
	default:
		return nil, fmt.Errorf("alarmrouter: unknown channel config type %T", cfg)
	}
}
