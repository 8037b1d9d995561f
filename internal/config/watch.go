package config

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Holder publishes the active configuration snapshot. Components read Current on every
// use so that reloads take effect without a restart.
type Holder struct {
	current atomic.Pointer[Config]
}

// NewHolder wraps an initial snapshot.
func NewHolder(cfg *Config) *Holder {
	h := &Holder{}
	h.current.Store(cfg)
	return h
}

// Current returns the most recently published snapshot.
func (h *Holder) Current() *Config {
	if h == nil {
		return nil
	}
	return h.current.Load()
}

// Swap publishes cfg and returns the previous snapshot.
func (h *Holder) Swap(cfg *Config) *Config {
	return h.current.Swap(cfg)
}

// ChangeFunc observes a successful reload.
type ChangeFunc func(previous, next *Config)

// Watch reloads path whenever it changes on disk and publishes every snapshot that passes
// validation into holder. Invalid edits are reported through onError and leave the
// current snapshot in place.
func Watch(path string, holder *Holder, onChange ChangeFunc, onError func(error)) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("config watch requires a file path")
	}
	if holder == nil {
		return fmt.Errorf("config watch requires a holder")
	}
	v, err := newViper(path)
	if err != nil {
		return err
	}
	v.OnConfigChange(func(event fsnotify.Event) {
		next, err := decode(v)
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("reload %s: %w", event.Name, err))
			}
			return
		}
		previous := holder.Swap(next)
		if onChange != nil {
			onChange(previous, next)
		}
	})
	v.WatchConfig()
	return nil
}

// RestartRequired lists settings whose change only takes effect after a restart.
func RestartRequired(previous, next *Config) []string {
	if previous == nil || next == nil {
		return nil
	}
	var fields []string
	if previous.ListenAddr != next.ListenAddr {
		fields = append(fields, "listen_addr")
	}
	if previous.RelayAddr != next.RelayAddr {
		fields = append(fields, "relay_addr")
	}
	if previous.OpsAddr != next.OpsAddr {
		fields = append(fields, "ops_addr")
	}
	if previous.NodeAddress != next.NodeAddress {
		fields = append(fields, "node_address")
	}
	if previous.Pollers != next.Pollers {
		fields = append(fields, "pollers")
	}
	if previous.Directory.RedisAddr != next.Directory.RedisAddr || previous.Kafka.Brokers != next.Kafka.Brokers {
		fields = append(fields, "backends")
	}
	if previous.Snowflake != next.Snowflake {
		fields = append(fields, "snowflake")
	}
	return fields
}
