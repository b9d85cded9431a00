package fulfillment

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewProvider("test", srv.URL+"/", "secret", srv.Client())
}

func TestRegistry(t *testing.T) {
	noop := AdapterFunc(func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return payload, nil
	})
	r := NewRegistry().
		Register(" Chat ", noop).
		Register("", noop).
		Register("image", nil)

	assert.True(t, r.Exists("chat"))
	assert.True(t, r.Exists("CHAT"))
	assert.False(t, r.Exists("image"))
	assert.Equal(t, []string{"chat"}, r.Names())

	_, err := r.Lookup("speech")
	assert.ErrorIs(t, err, ErrAdapterNotFound)

	var nilRegistry *Registry
	_, err = nilRegistry.Lookup("chat")
	assert.ErrorIs(t, err, ErrAdapterNotFound)
	assert.False(t, nilRegistry.Exists("chat"))
	assert.Empty(t, nilRegistry.Names())
}

func TestNewProvider_EmptyBaseURL(t *testing.T) {
	assert.Nil(t, NewProvider("chat", "  ", "", nil))
}

func TestChatAdapter_Success(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "companion-1", gjson.GetBytes(body, "model").String())
		assert.Equal(t, "luna", gjson.GetBytes(body, "metadata.character_id").String())
		assert.Equal(t, "alice", gjson.GetBytes(body, "user").String())
		assert.Equal(t, int64(2), gjson.GetBytes(body, "messages.#").Int())
		assert.Equal(t, "hi again", gjson.GetBytes(body, "messages.1.content").String())

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"hello!"}}]}`))
	})

	a := NewChatAdapter(p, "companion-1")
	out, err := a.Fulfill(WithUser(context.Background(), "alice"),
		json.RawMessage(`{"character_id":"luna","message":"hi again","history":[{"role":"assistant","content":"hey"}]}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"character_id":"luna","reply":"hello!"}`, string(out))
}

func TestChatAdapter_InvalidPayload(t *testing.T) {
	a := NewChatAdapter(NewProvider("chat", "http://unused", "", nil), "m")

	payloads := []string{
		``,
		`not json`,
		`{"character_id":"luna"}`,
		`{"message":"hi"}`,
		`{"character_id":"luna","message":"hi","history":[{"role":"system","content":"x"}]}`,
	}
	for _, payload := range payloads {
		_, err := a.Fulfill(context.Background(), json.RawMessage(payload))
		assert.ErrorIs(t, err, ErrInvalidPayload, "payload %q", payload)
	}
}

func TestChatAdapter_ProviderError(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"model overloaded"}}`))
	})

	_, err := NewChatAdapter(p, "m").Fulfill(context.Background(), json.RawMessage(`{"character_id":"luna","message":"hi"}`))
	var providerErr *ProviderError
	require.ErrorAs(t, err, &providerErr)
	assert.Equal(t, http.StatusServiceUnavailable, providerErr.StatusCode)
	assert.Equal(t, "model overloaded", providerErr.Message)
}

func TestChatAdapter_MissingContent(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	})

	_, err := NewChatAdapter(p, "m").Fulfill(context.Background(), json.RawMessage(`{"character_id":"luna","message":"hi"}`))
	var providerErr *ProviderError
	assert.ErrorAs(t, err, &providerErr)
}

func TestChatAdapter_ContextCancelled(t *testing.T) {
	release := make(chan struct{})
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := NewChatAdapter(p, "m").Fulfill(ctx, json.RawMessage(`{"character_id":"luna","message":"hi"}`))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestImageAdapter(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/images/generations", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, int64(2), gjson.GetBytes(body, "n").Int())
		assert.Equal(t, "1024x1024", gjson.GetBytes(body, "size").String())
		_, _ = w.Write([]byte(`{"data":[{"url":"https://cdn/a.png"},{"url":"https://cdn/b.png"}]}`))
	})

	a := NewImageAdapter(p, "img-1")
	out, err := a.Fulfill(context.Background(), json.RawMessage(`{"prompt":"a cat","n":2}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"urls":["https://cdn/a.png","https://cdn/b.png"]}`, string(out))

	_, err = a.Fulfill(context.Background(), json.RawMessage(`{"prompt":"a cat","n":9}`))
	assert.ErrorIs(t, err, ErrInvalidPayload)
	_, err = a.Fulfill(context.Background(), json.RawMessage(`{"prompt":""}`))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestSpeechAdapter(t *testing.T) {
	audio := []byte{0x49, 0x44, 0x33, 0x04}
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/audio/speech", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "nova", gjson.GetBytes(body, "voice").String())
		assert.Equal(t, "good night", gjson.GetBytes(body, "input").String())
		w.Header().Set("Content-Type", "audio/ogg")
		_, _ = w.Write(audio)
	})

	out, err := NewSpeechAdapter(p, "tts-1", "nova").Fulfill(context.Background(), json.RawMessage(`{"text":"good night"}`))
	require.NoError(t, err)
	assert.Equal(t, "audio/ogg", gjson.GetBytes(out, "content_type").String())

	decoded, err := base64.StdEncoding.DecodeString(gjson.GetBytes(out, "audio").String())
	require.NoError(t, err)
	assert.Equal(t, audio, decoded)
}

type fakeRow struct {
	at  time.Time
	err error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*time.Time)) = r.at
	return nil
}

type fakeGalleryDB struct {
	unlocked map[[2]string]bool
	err      error
}

func (f *fakeGalleryDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if f.err != nil {
		return fakeRow{err: f.err}
	}
	key := [2]string{args[0].(string), args[1].(string)}
	if f.unlocked[key] {
		return fakeRow{err: pgx.ErrNoRows}
	}
	f.unlocked[key] = true
	return fakeRow{at: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
}

func TestGalleryAdapter(t *testing.T) {
	db := &fakeGalleryDB{unlocked: map[[2]string]bool{}}
	a := NewGalleryAdapter(db)
	ctx := WithUser(context.Background(), "alice")

	out, err := a.Fulfill(ctx, json.RawMessage(`{"gallery_id":"g-7"}`))
	require.NoError(t, err)
	assert.Equal(t, "g-7", gjson.GetBytes(out, "gallery_id").String())

	_, err = a.Fulfill(ctx, json.RawMessage(`{"gallery_id":"g-7"}`))
	assert.ErrorIs(t, err, ErrAlreadyUnlocked)

	_, err = a.Fulfill(context.Background(), json.RawMessage(`{"gallery_id":"g-8"}`))
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = a.Fulfill(ctx, json.RawMessage(`{"gallery_id":"  "}`))
	assert.ErrorIs(t, err, ErrInvalidPayload)

	db.err = errors.New("connection reset")
	_, err = a.Fulfill(ctx, json.RawMessage(`{"gallery_id":"g-9"}`))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAlreadyUnlocked)
}
