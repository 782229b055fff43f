package task

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronograph-engine/internal/fault"
)

func TestPriorityMapping(t *testing.T) {
	cases := map[string]Priority{
		"LOW":      PriorityLow,
		"NORMAL":   PriorityNormal,
		"HIGH":     PriorityHigh,
		"CRITICAL": PriorityCritical,
		"":         PriorityNormal,
	}
	for in, want := range cases {
		got, err := ParsePriority(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParsePriority("URGENT")
	assert.Error(t, err)

	// The round trip holds for the four named classes.
	for _, p := range []Priority{PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical} {
		back, err := ParsePriority(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, back)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	in := &Task{
		ID:      NewMessageID("ep-123"),
		Type:    TypeEpisode,
		GroupID: "g1",
		Payload: map[string]interface{}{
			"uuid":      "ep-123",
			"name":      "msg",
			"content":   "Alice met Bob at TechCorp.",
			"timestamp": "2024-01-01T00:00:00Z",
		},
		Priority:   PriorityNormal,
		MaxRetries: 3,
		CreatedAt:  created,
	}

	data, err := in.Encode()
	require.NoError(t, err)

	out, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "msg-ep-123", out.ID)
	assert.Equal(t, TypeEpisode, out.Type)
	assert.Equal(t, PriorityNormal, out.Priority)

	ep, err := out.EpisodePayload()
	require.NoError(t, err)
	assert.Equal(t, "ep-123", ep.UUID)
	assert.Equal(t, "Alice met Bob at TechCorp.", ep.Content)
	assert.True(t, ep.Timestamp.Equal(created))
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("not json"))
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindPermanent))

	_, err = Decode([]byte(`{"type":"episode"}`))
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindPermanent))

	_, err = Decode([]byte(`{"id":"x","type":"mystery"}`))
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindPermanent))
}

func TestCanonicalIDs(t *testing.T) {
	assert.Equal(t, "msg-abc", NewMessageID("abc"))
	assert.True(t, strings.HasPrefix(NewMessageID(""), "msg-"))
	assert.True(t, strings.HasPrefix(NewEntityID("u1"), "entity-u1-"))
	assert.True(t, strings.HasPrefix(NewRelationshipID("e1"), "relationship-e1-"))
	assert.True(t, strings.HasPrefix(NewDeduplicationID("entities"), "dedup-entities-"))
}
