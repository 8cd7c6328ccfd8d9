package relay

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavelength-app/relay/internal/auth"
)

func testPeer(t *testing.T) *Peer {
	t.Helper()
	return newPeer(nil, 32, zerolog.Nop())
}

// drainEvents empties a peer's outbound queue and returns the decoded text
// frames keyed by their type discriminator.
func drainEvents(t *testing.T, p *Peer) []map[string]any {
	t.Helper()
	var events []map[string]any
	for {
		select {
		case out := <-p.send:
			if out.messageType != websocket.TextMessage {
				continue
			}
			var decoded map[string]any
			require.NoError(t, json.Unmarshal(out.data, &decoded))
			events = append(events, decoded)
		default:
			return events
		}
	}
}

func eventTypes(events []map[string]any) []string {
	types := make([]string, 0, len(events))
	for _, ev := range events {
		if s, ok := ev["type"].(string); ok {
			types = append(types, s)
		}
	}
	return types
}

func TestRegisterDuplicate(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	host := testPeer(t)
	require.NoError(t, r.Register(host, "130.0", "Net", false, ""))
	assert.Equal(t, RoleHost, host.Role())
	assert.Equal(t, "130.0", host.Frequency())

	other := testPeer(t)
	assert.ErrorIs(t, r.Register(other, "130.0", "Net Two", false, ""), ErrFrequencyInUse)
	assert.Equal(t, RoleNone, other.Role())
}

func TestJoinNotifiesHost(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	host := testPeer(t)
	require.NoError(t, r.Register(host, "130.0", "Net", false, ""))

	member := testPeer(t)
	name, err := r.Join(member, "130.0", "")
	require.NoError(t, err)
	assert.Equal(t, "Net", name)
	assert.Equal(t, RoleClient, member.Role())

	events := drainEvents(t, host)
	require.Len(t, events, 1)
	assert.Equal(t, "client_joined", events[0]["type"])
	assert.Equal(t, member.SessionID, events[0]["clientId"])
}

func TestJoinMissingChannel(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	_, err := r.Join(testPeer(t), "130.0", "")
	assert.ErrorIs(t, err, ErrChannelNotFound)
}

func TestJoinPasswordCheck(t *testing.T) {
	hash, err := auth.HashPassword("sekret")
	require.NoError(t, err)

	r := NewRegistry(zerolog.Nop())
	host := testPeer(t)
	require.NoError(t, r.Register(host, "130.0", "Net", true, hash))

	_, err = r.Join(testPeer(t), "130.0", "wrong")
	assert.ErrorIs(t, err, ErrInvalidPassword)

	_, err = r.Join(testPeer(t), "130.0", "sekret")
	assert.NoError(t, err)
}

func TestJoinWhileBoundRejected(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	hostA := testPeer(t)
	hostB := testPeer(t)
	require.NoError(t, r.Register(hostA, "130.0", "Net A", false, ""))
	require.NoError(t, r.Register(hostB, "131.0", "Net B", false, ""))

	member := testPeer(t)
	_, err := r.Join(member, "130.0", "")
	require.NoError(t, err)
	drainEvents(t, hostA)

	// A bound peer cannot join a second channel; its first membership must
	// stay intact and untouched.
	_, err = r.Join(member, "131.0", "")
	assert.ErrorIs(t, err, ErrAlreadyInChannel)
	assert.Equal(t, "130.0", member.Frequency())

	info, ok := r.Info("131.0")
	require.True(t, ok)
	assert.Equal(t, 0, info.MemberCount)

	// Traffic on the second channel must not leak to the rejected peer.
	r.Broadcast("131.0", map[string]string{"type": "message", "content": "hi"}, hostB)
	assert.Empty(t, drainEvents(t, member))

	r.Disconnect(member, "gone")
	info, ok = r.Info("130.0")
	require.True(t, ok)
	assert.Equal(t, 0, info.MemberCount)
	assert.Contains(t, eventTypes(drainEvents(t, hostA)), "client_disconnected")
}

func TestRegisterWhileBoundRejected(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	host := testPeer(t)
	require.NoError(t, r.Register(host, "130.0", "Net", false, ""))

	assert.ErrorIs(t, r.Register(host, "131.0", "Net Two", false, ""), ErrAlreadyInChannel)
	assert.False(t, r.Active("131.0"))
	assert.Equal(t, "130.0", host.Frequency())

	member := testPeer(t)
	_, err := r.Join(member, "130.0", "")
	require.NoError(t, err)
	assert.ErrorIs(t, r.Register(member, "131.0", "Net Two", false, ""), ErrAlreadyInChannel)
	assert.Equal(t, RoleClient, member.Role())
}

func TestMemberDisconnectIdempotent(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	host := testPeer(t)
	require.NoError(t, r.Register(host, "130.0", "Net", false, ""))
	member := testPeer(t)
	_, err := r.Join(member, "130.0", "")
	require.NoError(t, err)
	drainEvents(t, host)

	result := r.Disconnect(member, "gone")
	assert.Empty(t, result.ClosedFrequency)
	assert.Equal(t, "", member.Frequency())

	events := drainEvents(t, host)
	require.Len(t, events, 1)
	assert.Equal(t, "client_disconnected", events[0]["type"])
	assert.Equal(t, member.SessionID, events[0]["sessionId"])

	// Explicit leave followed by transport close must not notify twice.
	result = r.Disconnect(member, "gone again")
	assert.Empty(t, result.ClosedFrequency)
	assert.Empty(t, drainEvents(t, host))
}

func TestHostDisconnectTearsDownChannel(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	host := testPeer(t)
	require.NoError(t, r.Register(host, "130.0", "Net", false, ""))
	first := testPeer(t)
	second := testPeer(t)
	_, err := r.Join(first, "130.0", "")
	require.NoError(t, err)
	_, err = r.Join(second, "130.0", "")
	require.NoError(t, err)

	result := r.Disconnect(host, "Host disconnected")
	assert.Equal(t, "130.0", result.ClosedFrequency)
	assert.False(t, r.Active("130.0"))
	assert.Equal(t, "", first.Frequency())
	assert.Equal(t, "", second.Frequency())

	for _, member := range []*Peer{first, second} {
		events := drainEvents(t, member)
		require.NotEmpty(t, events)
		last := events[len(events)-1]
		assert.Equal(t, "wavelength_closed", last["type"])
		assert.Equal(t, "Host disconnected", last["reason"])
	}
}

func TestCloseKeepsHostConnected(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	host := testPeer(t)
	require.NoError(t, r.Register(host, "130.0", "Net", false, ""))
	member := testPeer(t)
	_, err := r.Join(member, "130.0", "")
	require.NoError(t, err)

	assert.True(t, r.Close("130.0", "Wavelength closed by host"))
	assert.False(t, r.Active("130.0"))

	// The host connection survives the close so the result event can still
	// be delivered, and it is free to register a new channel.
	assert.False(t, host.Closed())
	assert.Equal(t, RoleNone, host.Role())
	assert.Equal(t, "", host.Frequency())
	require.NoError(t, r.Register(host, "131.0", "Net Two", false, ""))

	events := drainEvents(t, member)
	require.NotEmpty(t, events)
	assert.Equal(t, "wavelength_closed", events[len(events)-1]["type"])

	assert.False(t, r.Close("130.0", "again"))
}

func TestBroadcastExcludesSender(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	host := testPeer(t)
	require.NoError(t, r.Register(host, "130.0", "Net", false, ""))
	member := testPeer(t)
	_, err := r.Join(member, "130.0", "")
	require.NoError(t, err)
	drainEvents(t, host)

	r.Broadcast("130.0", map[string]string{"type": "message", "content": "hi"}, member)

	assert.Contains(t, eventTypes(drainEvents(t, host)), "message")
	assert.Empty(t, drainEvents(t, member))
}

func TestBroadcastDisconnectsSlowConsumer(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	host := testPeer(t)
	require.NoError(t, r.Register(host, "130.0", "Net", false, ""))

	slow := newPeer(nil, 1, zerolog.Nop())
	_, err := r.Join(slow, "130.0", "")
	require.NoError(t, err)

	// Fill the member's queue, then broadcast into the full buffer.
	require.NoError(t, slow.TrySend(websocket.TextMessage, []byte(`{}`)))
	r.Broadcast("130.0", map[string]string{"type": "message"}, host)

	assert.True(t, slow.Closed())
	assert.False(t, host.Closed())
}

func TestMessageDedupFIFO(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	host := testPeer(t)
	require.NoError(t, r.Register(host, "130.0", "Net", false, ""))

	assert.False(t, r.IsProcessed("130.0", "msg_1"))
	r.MarkProcessed("130.0", "msg_1")
	assert.True(t, r.IsProcessed("130.0", "msg_1"))

	// Re-marking must not grow the FIFO.
	r.MarkProcessed("130.0", "msg_1")

	for i := 2; i <= processedCap+1; i++ {
		r.MarkProcessed("130.0", fmt.Sprintf("msg_%d", i))
	}

	// Overflow sheds the oldest trim-size batch and nothing else.
	assert.False(t, r.IsProcessed("130.0", "msg_1"))
	assert.False(t, r.IsProcessed("130.0", fmt.Sprintf("msg_%d", processedTrim)))
	assert.True(t, r.IsProcessed("130.0", fmt.Sprintf("msg_%d", processedTrim+1)))
	assert.True(t, r.IsProcessed("130.0", fmt.Sprintf("msg_%d", processedCap+1)))
}

func TestDedupUnknownChannel(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	assert.False(t, r.IsProcessed("999.9", "msg_1"))
	r.MarkProcessed("999.9", "msg_1")
	assert.False(t, r.IsProcessed("999.9", "msg_1"))
}

func TestPTTMutualExclusion(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	host := testPeer(t)
	require.NoError(t, r.Register(host, "130.0", "Net", false, ""))
	first := testPeer(t)
	second := testPeer(t)
	_, err := r.Join(first, "130.0", "")
	require.NoError(t, err)
	_, err = r.Join(second, "130.0", "")
	require.NoError(t, err)
	drainEvents(t, host)

	granted, _, err := r.RequestSlot(first, "130.0")
	require.NoError(t, err)
	assert.True(t, granted)

	// Everyone but the holder hears the start notice.
	assert.Contains(t, eventTypes(drainEvents(t, host)), "ptt_start_receiving")
	assert.Contains(t, eventTypes(drainEvents(t, second)), "ptt_start_receiving")
	assert.Empty(t, drainEvents(t, first))

	granted, holder, err := r.RequestSlot(second, "130.0")
	require.NoError(t, err)
	assert.False(t, granted)
	assert.Equal(t, first.SessionID, holder)

	// Re-request by the holder stays granted without a fresh broadcast.
	granted, _, err = r.RequestSlot(first, "130.0")
	require.NoError(t, err)
	assert.True(t, granted)
	assert.Empty(t, drainEvents(t, host))

	// Release by a non-holder is ignored.
	r.ReleaseSlot(second, "130.0")
	assert.Empty(t, drainEvents(t, host))

	r.ReleaseSlot(first, "130.0")
	assert.Contains(t, eventTypes(drainEvents(t, host)), "ptt_stop_receiving")

	// Slot is free again.
	granted, _, err = r.RequestSlot(second, "130.0")
	require.NoError(t, err)
	assert.True(t, granted)
}

func TestPTTRequiresMembership(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	host := testPeer(t)
	require.NoError(t, r.Register(host, "130.0", "Net", false, ""))

	_, _, err := r.RequestSlot(testPeer(t), "130.0")
	assert.ErrorIs(t, err, ErrNotInChannel)

	_, _, err = r.RequestSlot(testPeer(t), "131.0")
	assert.ErrorIs(t, err, ErrChannelNotFound)
}

func TestPTTReleasedOnDisconnect(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	host := testPeer(t)
	require.NoError(t, r.Register(host, "130.0", "Net", false, ""))
	member := testPeer(t)
	_, err := r.Join(member, "130.0", "")
	require.NoError(t, err)

	granted, _, err := r.RequestSlot(member, "130.0")
	require.NoError(t, err)
	require.True(t, granted)
	drainEvents(t, host)

	r.Disconnect(member, "gone")

	types := eventTypes(drainEvents(t, host))
	assert.Contains(t, types, "ptt_stop_receiving")
	assert.Contains(t, types, "client_disconnected")

	granted, _, err = r.RequestSlot(host, "130.0")
	require.NoError(t, err)
	assert.True(t, granted)
}

func TestRelayAudioHolderOnly(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	host := testPeer(t)
	require.NoError(t, r.Register(host, "130.0", "Net", false, ""))
	member := testPeer(t)
	_, err := r.Join(member, "130.0", "")
	require.NoError(t, err)
	drainEvents(t, host)

	// Without the slot, audio frames vanish.
	r.RelayAudio(member, []byte{0x01})
	assert.Empty(t, drainEvents(t, host))

	granted, _, err := r.RequestSlot(member, "130.0")
	require.NoError(t, err)
	require.True(t, granted)
	drainEvents(t, host)

	r.RelayAudio(member, []byte{0x01, 0x02})

	var binary [][]byte
	for {
		select {
		case out := <-host.send:
			if out.messageType == websocket.BinaryMessage {
				binary = append(binary, out.data)
			}
		default:
			require.Len(t, binary, 1)
			assert.Equal(t, []byte{0x01, 0x02}, binary[0])
			// The sender never receives its own audio.
			assert.Empty(t, drainEvents(t, member))
			return
		}
	}
}
