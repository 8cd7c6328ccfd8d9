// Package storage defines the durable channel store contract. A record may
// outlive its in-memory channel (host offline); readers treat that as a
// valid, detectable state rather than corruption.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a channel record does not exist.
var ErrNotFound = errors.New("record not found")

// ChannelRecord is the persisted mirror of a live channel, minus the socket
// references. Frequency is always the canonical "XXX.X" string.
type ChannelRecord struct {
	Frequency     string
	Name          string
	Protected     bool
	HostSessionID string
	PasswordHash  string
	CreatedAt     time.Time
}

// Store defines persistence operations used by the relay.
type Store interface {
	Close() error
	Migrate(ctx context.Context) error

	CreateChannel(ctx context.Context, record *ChannelRecord) error
	ChannelByFrequency(ctx context.Context, frequency string) (*ChannelRecord, error)
	Channels(ctx context.Context) ([]ChannelRecord, error)
	Frequencies(ctx context.Context) ([]string, error)
	DeleteChannel(ctx context.Context, frequency string) (bool, error)
	DeleteAllChannels(ctx context.Context) error
}
