package catalog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenmeter/internal/model"
)

func TestNew_Defaults(t *testing.T) {
	c, err := New(DefaultEntries(), 30*time.Second)
	require.NoError(t, err)

	d, err := c.Lookup(model.ActionSendMessage)
	require.NoError(t, err)
	assert.Equal(t, int64(2), d.Cost)
	assert.Equal(t, "chat", d.Fulfillment)
	assert.Equal(t, 30*time.Second, d.Timeout)

	d, err = c.Lookup(model.ActionGenerateImage)
	require.NoError(t, err)
	assert.Equal(t, 120*time.Second, d.Timeout)

	assert.Equal(t, 120*time.Second, c.MaxTimeout())
	assert.Len(t, c.List(), 4)
}

func TestLookup_UnknownKind(t *testing.T) {
	c, err := New(DefaultEntries(), time.Second)
	require.NoError(t, err)

	_, err = c.Lookup("summon_dragon")
	assert.ErrorIs(t, err, model.ErrUnknownActionKind)
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		entries []Entry
	}{
		{name: "empty", entries: nil},
		{name: "unknown kind", entries: []Entry{{Kind: "teleport", Cost: 1, Fulfillment: "chat"}}},
		{name: "zero cost", entries: []Entry{{Kind: "send_message", Cost: 0, Fulfillment: "chat"}}},
		{name: "negative cost", entries: []Entry{{Kind: "send_message", Cost: -4, Fulfillment: "chat"}}},
		{name: "missing fulfillment", entries: []Entry{{Kind: "send_message", Cost: 1}}},
		{name: "negative timeout", entries: []Entry{{Kind: "send_message", Cost: 1, Fulfillment: "chat", Timeout: -time.Second}}},
		{name: "duplicate", entries: []Entry{
			{Kind: "send_message", Cost: 1, Fulfillment: "chat"},
			{Kind: "SEND_MESSAGE", Cost: 2, Fulfillment: "chat"},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.entries, time.Second)
			assert.Error(t, err)
		})
	}
}

func TestReplace_KeepsCapturedDescriptor(t *testing.T) {
	c, err := New(DefaultEntries(), time.Second)
	require.NoError(t, err)

	captured, err := c.Lookup(model.ActionSendMessage)
	require.NoError(t, err)

	require.NoError(t, c.Replace([]Entry{{Kind: "send_message", Cost: 7, Fulfillment: "chat"}}))

	current, err := c.Lookup(model.ActionSendMessage)
	require.NoError(t, err)
	assert.Equal(t, int64(7), current.Cost)
	assert.Equal(t, int64(2), captured.Cost)

	_, err = c.Lookup(model.ActionGenerateImage)
	assert.ErrorIs(t, err, model.ErrUnknownActionKind)
}

func TestReplace_InvalidKeepsCurrent(t *testing.T) {
	c, err := New(DefaultEntries(), time.Second)
	require.NoError(t, err)

	assert.Error(t, c.Replace([]Entry{{Kind: "send_message", Cost: 0, Fulfillment: "chat"}}))

	d, err := c.Lookup(model.ActionSendMessage)
	require.NoError(t, err)
	assert.Equal(t, int64(2), d.Cost)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yml")
	content := `
catalog:
  actions:
    - kind: send_message
      cost: 4
      fulfillment: chat
      timeout: 15s
    - kind: unlock_gallery
      cost: 500
      fulfillment: gallery
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	c, err := Load(path, time.Minute, 5*time.Minute)
	require.NoError(t, err)

	d, err := c.Lookup(model.ActionSendMessage)
	require.NoError(t, err)
	assert.Equal(t, int64(4), d.Cost)
	assert.Equal(t, 15*time.Second, d.Timeout)

	d, err = c.Lookup(model.ActionUnlockGallery)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d.Timeout)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yml"), time.Minute, 5*time.Minute)
	assert.Error(t, err)
}

func TestNewBounded_TimeoutCeiling(t *testing.T) {
	_, err := NewBounded(DefaultEntries(), time.Minute, 30*time.Second)
	assert.Error(t, err)

	c, err := NewBounded(DefaultEntries(), time.Second, 2*time.Minute)
	require.NoError(t, err)

	err = c.Replace([]Entry{{Kind: "generate_image", Cost: 5, Fulfillment: "image", Timeout: 3 * time.Minute}})
	assert.Error(t, err)

	d, err := c.Lookup(model.ActionGenerateImage)
	require.NoError(t, err)
	assert.Equal(t, 120*time.Second, d.Timeout)

	require.NoError(t, c.Replace([]Entry{{Kind: "generate_image", Cost: 5, Fulfillment: "image", Timeout: 2 * time.Minute}}))
}

func TestLoad_RejectsTimeoutAboveCeiling(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yml")
	content := `
catalog:
  actions:
    - kind: generate_image
      cost: 5
      fulfillment: image
      timeout: 10m
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	_, err := Load(path, time.Minute, 5*time.Minute)
	assert.Error(t, err)
}
