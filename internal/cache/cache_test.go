package cache

import (
	"testing"
	"time"

	"github.com/subrelay/subrelay/internal/upstream"
)

func TestCache_PutGet(t *testing.T) {
	c, err := New(16, time.Minute)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	entry := Entry{
		Language: "en",
		Lines:    []upstream.Line{{Text: "hello"}},
	}
	c.Put("dQw4w9WgXcQ", "en", entry)

	got, ok := c.Get("dQw4w9WgXcQ", "en")
	if !ok || got.Language != "en" || len(got.Lines) != 1 {
		t.Fatalf("Get = %+v ok=%v", got, ok)
	}
}

func TestCache_KeyedByRequestedLanguage(t *testing.T) {
	c, err := New(16, time.Minute)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	// A fallback-substituted response is stored under the language the
	// caller asked for, not the one served.
	c.Put("dQw4w9WgXcQ", "de", Entry{Language: "en"})

	if got, ok := c.Get("dQw4w9WgXcQ", "de"); !ok || got.Language != "en" {
		t.Fatalf("Get(de) = %+v ok=%v", got, ok)
	}
	if _, ok := c.Get("dQw4w9WgXcQ", "en"); ok {
		t.Fatal("Get(en) hit an entry stored for a different requested language")
	}
	if _, ok := c.Get("other-video", "de"); ok {
		t.Fatal("Get for another video hit")
	}
}

func TestCache_TTLExpiry(t *testing.T) {
	c, err := New(16, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	c.Put("dQw4w9WgXcQ", "en", Entry{Language: "en"})
	time.Sleep(150 * time.Millisecond)

	if _, ok := c.Get("dQw4w9WgXcQ", "en"); ok {
		t.Fatal("entry survived past its TTL")
	}
}
