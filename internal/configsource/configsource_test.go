package configsource

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigJSON(t *testing.T) {
	cfg, err := ParseConfig("pool.json", []byte(`{"h1": {"enabled": true, "weight": 10}}`))
	require.NoError(t, err)
	assert.Equal(t, true, cfg["h1"]["enabled"])
}

func TestParseConfigLegacySkipsBadLines(t *testing.T) {
	raw := []byte("{ 'host': 'h1', 'weight': 10, 'enabled': True }\nnot a dict\n{'host': 'h2', 'enabled': False}\n")
	cfg, err := ParseConfig("pool.cfg", raw)
	require.NoError(t, err)
	assert.Len(t, cfg, 2)
	assert.Equal(t, 10, cfg["h1"]["weight"])
	assert.Equal(t, false, cfg["h2"]["enabled"])
}

func TestBackoffCapsAtMax(t *testing.T) {
	b := NewBackoff(1*time.Second, 4*time.Second)
	assert.Equal(t, 1*time.Second, b.Next())
	assert.Equal(t, 2*time.Second, b.Next())
	assert.Equal(t, 4*time.Second, b.Next())
	assert.Equal(t, 4*time.Second, b.Next())
}

func TestHTTPSourceEmitsOnChange(t *testing.T) {
	body := `{"h1": {"enabled": true}}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer srv.Close()

	src := &HTTPSource{URL: srv.URL, Interval: 10 * time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	ch, err := src.Watch(ctx)
	require.NoError(t, err)

	select {
	case cfg := <-ch:
		assert.Equal(t, true, cfg["h1"]["enabled"])
	case <-time.After(time.Second):
		t.Fatal("expected a config update")
	}
}

// TestEtcdSourceTranslatesPooledAndLongPolls simulates a minimal etcd v2
// directory: an initial recursive GET returns two hosts, one "inactive"
// (dropped) and one "yes" (enabled=true). The long-poll request is answered
// right away, as real etcd would once a change lands, reporting h1 flipped
// to pooled="no"; the watch must then re-fetch and emit the update.
func TestEtcdSourceTranslatesPooledAndLongPolls(t *testing.T) {
	var fetches int32
	var sawWaitIndex int32

	mux := http.NewServeMux()
	mux.HandleFunc("/v2/keys/pool/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Etcd-Index", "5")
		w.Header().Set("Content-Type", "application/json")

		if r.URL.Query().Get("wait") == "true" {
			if wi, err := strconv.Atoi(r.URL.Query().Get("waitIndex")); err == nil {
				atomic.StoreInt32(&sawWaitIndex, int32(wi))
			}
			fmt.Fprint(w, `{"node":{"key":"/pool/h1","value":"{\"pooled\":\"no\"}","modifiedIndex":6}}`)
			return
		}

		n := atomic.AddInt32(&fetches, 1)
		h1Pooled, idx := "yes", 5
		if n > 1 {
			h1Pooled, idx = "no", 6
		}
		fmt.Fprintf(w, `{"node":{"key":"/pool","dir":true,"modifiedIndex":%d,"nodes":[
			{"key":"/pool/h1","value":"{\"pooled\":\"%s\",\"weight\":10}","modifiedIndex":%d},
			{"key":"/pool/h2","value":"{\"pooled\":\"inactive\",\"weight\":1}","modifiedIndex":4}
		]}}`, idx, h1Pooled, idx)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	src := &EtcdSource{Endpoint: srv.URL, Key: "/pool/"}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ch, err := src.Watch(ctx)
	require.NoError(t, err)

	select {
	case cfg := <-ch:
		assert.Equal(t, true, cfg["h1"]["enabled"])
		_, present := cfg["h2"]
		assert.False(t, present, "inactive host must be dropped")
	case <-time.After(time.Second):
		t.Fatal("expected an initial config update")
	}

	select {
	case cfg := <-ch:
		assert.Equal(t, false, cfg["h1"]["enabled"])
		assert.EqualValues(t, 6, atomic.LoadInt32(&sawWaitIndex))
	case <-time.After(time.Second):
		t.Fatal("expected a follow-up config update after the long-poll resolved")
	}
}

func TestTranslateEtcdValueDropsInactiveAndMapsPooled(t *testing.T) {
	fields, ok := translateEtcdValue(`{"pooled":"yes","weight":5}`)
	require.True(t, ok)
	assert.Equal(t, true, fields["enabled"])
	assert.Equal(t, 5.0, fields["weight"])

	_, ok = translateEtcdValue(`{"pooled":"inactive"}`)
	assert.False(t, ok)

	_, ok = translateEtcdValue("")
	assert.False(t, ok)
}
