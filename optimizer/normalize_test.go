package optimizer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fablecast/fablecast"
)

func TestNormalizeStripsVolatileFields(t *testing.T) {
	params := map[string]any{
		"text":         "hello",
		"request_id":   "abc-123",
		"timestamp":    "2026-01-02T03:04:05Z",
		"callback_url": "https://caller.example/done",
		"trace_id":     "t-1",
	}

	normalized := NormalizeParams(params)
	assert.Equal(t, map[string]any{"text": "hello"}, normalized)
}

func TestNormalizeTrimsAndRounds(t *testing.T) {
	params := map[string]any{
		"text":  "  some text  \n",
		"speed": 1.23456,
		"pitch": 0.999,
		"top_k": 40.5, // not an audio field, left alone
	}

	normalized := NormalizeParams(params)
	assert.Equal(t, "some text", normalized["text"])
	assert.Equal(t, 1.23, normalized["speed"])
	assert.Equal(t, 1.0, normalized["pitch"])
	assert.Equal(t, 40.5, normalized["top_k"])
}

func TestNormalizeRecursesIntoNestedMaps(t *testing.T) {
	params := map[string]any{
		"voice": map[string]any{
			"name":       "  aria ",
			"request_id": "nested-volatile",
			"speed":      2.004,
		},
	}

	normalized := NormalizeParams(params)
	voice := normalized["voice"].(map[string]any)
	assert.Equal(t, "aria", voice["name"])
	assert.NotContains(t, voice, "request_id")
	assert.Equal(t, 2.0, voice["speed"])
}

func TestNormalizeIdempotent(t *testing.T) {
	params := map[string]any{
		"text":       "  hello ",
		"speed":      1.23456,
		"request_id": "abc",
		"options":    map[string]any{"volume": 0.123},
	}

	once := NormalizeParams(params)
	twice := NormalizeParams(once)
	assert.Equal(t, once, twice)
}

func TestCacheKeyIgnoresVolatileFields(t *testing.T) {
	a := fablecast.NewServiceRequest(fablecast.ServiceTTS, "synthesize", map[string]any{
		"text":       "hello",
		"request_id": "first",
		"timestamp":  "2026-01-01T00:00:00Z",
	})
	b := fablecast.NewServiceRequest(fablecast.ServiceTTS, "synthesize", map[string]any{
		"text":       "hello",
		"request_id": "second",
		"timestamp":  "2026-02-02T00:00:00Z",
	})

	assert.Equal(t, CacheKey(a), CacheKey(b))
}

func TestCacheKeyDiffersOnMeaningfulFields(t *testing.T) {
	a := fablecast.NewServiceRequest(fablecast.ServiceTTS, "synthesize", map[string]any{"text": "hello"})
	b := fablecast.NewServiceRequest(fablecast.ServiceTTS, "synthesize", map[string]any{"text": "goodbye"})
	c := fablecast.NewServiceRequest(fablecast.ServiceTTS, "list_voices", map[string]any{"text": "hello"})

	assert.NotEqual(t, CacheKey(a), CacheKey(b))
	assert.NotEqual(t, CacheKey(a), CacheKey(c))
}

func TestCacheKeyUserScoped(t *testing.T) {
	base := map[string]any{"voice_name": "mine"}

	alice := fablecast.NewServiceRequest(fablecast.ServiceVoiceClone, "get_voice", base)
	alice.UserID = "alice"
	bob := fablecast.NewServiceRequest(fablecast.ServiceVoiceClone, "get_voice", base)
	bob.UserID = "bob"
	assert.NotEqual(t, CacheKey(alice), CacheKey(bob), "voice clone results are user specific")

	aliceTTS := fablecast.NewServiceRequest(fablecast.ServiceTTS, "synthesize", base)
	aliceTTS.UserID = "alice"
	bobTTS := fablecast.NewServiceRequest(fablecast.ServiceTTS, "synthesize", base)
	bobTTS.UserID = "bob"
	assert.Equal(t, CacheKey(aliceTTS), CacheKey(bobTTS), "plain synthesis is shared across users")
}

func TestCacheTTLTiers(t *testing.T) {
	o := New(DefaultConfig(), nil, nil, nil)

	assert.Equal(t, o.config.LongTTL, o.cacheTTL("list_voices"))
	assert.Equal(t, o.config.ShortTTL, o.cacheTTL("status_check"))
	assert.Equal(t, o.config.MediumTTL, o.cacheTTL("synthesize"))
}
