package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceRecordRestampsPresence(t *testing.T) {
	created := time.Unix(100, 0).UTC()
	svc := &Service{
		ID:         NewServiceID("host", "chat"),
		Kind:       "relay",
		Visibility: PolicyPublic,
		Access:     PolicyWhitelist,
		Whitelist:  map[NodeID]struct{}{"b": {}, "a": {}},
		Metadata:   NewServiceMetadata(),
		CreatedAt:  created,
		UpdatedAt:  created,
	}
	svc.Metadata.Subscribers["a"] = struct{}{}
	svc.Metadata.UserPresence["a"] = PresenceRecord{LastSeen: created}
	svc.Metadata.Plugins["echo"] = struct{}{}

	rec := svc.Record([]byte("state"))
	assert.Equal(t, []NodeID{"a", "b"}, rec.Whitelist)
	assert.Equal(t, []NodeID{"a"}, rec.Subscribers)
	assert.Equal(t, []string{"echo"}, rec.Plugins)

	raw, err := json.Marshal(rec)
	require.NoError(t, err)
	var decoded ServiceRecord
	require.NoError(t, json.Unmarshal(raw, &decoded))

	restoredAt := time.Unix(5000, 0).UTC()
	back := ServiceFromRecord(decoded, restoredAt)
	assert.Equal(t, svc.ID, back.ID)
	assert.True(t, back.Metadata.HasSubscriber("a"))
	assert.Equal(t, restoredAt, back.Metadata.UserPresence["a"].LastSeen)
	assert.Equal(t, []string{"echo"}, back.PluginNames())
	assert.Equal(t, []byte("state"), decoded.State)
}

func TestServiceMetadataJSON(t *testing.T) {
	m := NewServiceMetadata()
	m.Subscribers["z"] = struct{}{}
	m.Subscribers["a"] = struct{}{}

	raw, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, `{"subscribers":["a","z"],"user_presence":{},"plugins":[]}`, string(raw))

	var back ServiceMetadata
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, []NodeID{"a", "z"}, back.SubscriberList())
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]Policy{"": PolicyPublic, "public": PolicyPublic, "whitelist": PolicyWhitelist, "host_only": PolicyHostOnly} {
		got, err := ParsePolicy(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParsePolicy("friends")
	assert.Error(t, err)
}

func TestParseServiceID(t *testing.T) {
	id, err := ParseServiceID("chat@alice")
	require.NoError(t, err)
	assert.Equal(t, NewServiceID("alice", "chat"), id)
	assert.Equal(t, "chat@alice", id.String())

	for _, bad := range []string{"", "chat", "@alice", "chat@"} {
		_, err := ParseServiceID(bad)
		assert.ErrorIs(t, err, ErrInvalidAddress, bad)
	}
}
