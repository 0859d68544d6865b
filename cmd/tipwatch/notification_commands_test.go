package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/tipwatch/service/notify"
)

func TestJQFilterMatching(t *testing.T) {
	n := notify.Notification{
		ID:              "n1",
		Kind:            notify.KindSuccess,
		Title:           "Transaction Confirmed",
		Message:         "Confirmed in block 12",
		TransactionHash: "0xabc",
		ChainID:         8453,
	}

	tests := []struct {
		name        string
		filters     []string
		expectMatch bool
		expectErr   bool
	}{
		{name: "no filters", expectMatch: true},
		{name: "kind match", filters: []string{`.kind == "success"`}, expectMatch: true},
		{name: "kind mismatch", filters: []string{`.kind == "error"`}, expectMatch: false},
		{name: "numeric field", filters: []string{`.chain_id == 8453`}, expectMatch: true},
		{name: "all must hold", filters: []string{`.kind == "success"`, `.chain_id == 1`}, expectMatch: false},
		{name: "string test", filters: []string{`.title | startswith("Transaction")`}, expectMatch: true},
		{name: "non-boolean result is truthy", filters: []string{`.transaction_hash`}, expectMatch: true},
		{name: "null is falsy", filters: []string{`.missing`}, expectMatch: false},
		{name: "empty output", filters: []string{`empty`}, expectMatch: false},
		{name: "runtime error", filters: []string{`.title + 1`}, expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codes, err := compileFilters(tt.filters)
			require.NoError(t, err)

			kept, err := filterNotifications([]notify.Notification{n}, codes)
			if tt.expectErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expectMatch, len(kept) == 1)
		})
	}
}

func TestCompileFilters_ParseError(t *testing.T) {
	_, err := compileFilters([]string{`.kind ==`})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse jq filter")
}

func TestIsTruthy(t *testing.T) {
	assert.False(t, isTruthy(nil))
	assert.False(t, isTruthy(false))
	assert.True(t, isTruthy(true))
	assert.True(t, isTruthy(0))
	assert.True(t, isTruthy(""))
	assert.True(t, isTruthy(map[string]any{}))
}

func TestNotificationsList(t *testing.T) {
	b := newBackend(t)
	b.store.Add(notify.Notification{Kind: notify.KindError, Title: "Transaction Failed"})
	b.store.Add(notify.Notification{Kind: notify.KindSuccess, Title: "Balance Increased"})

	out, err := run(b.url, "notifications", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Transaction Failed")
	assert.Contains(t, out, "Balance Increased")
	assert.Less(t, strings.Index(out, "Balance Increased"), strings.Index(out, "Transaction Failed"))

	out, err = run(b.url, "--json", "notifications", "list", "--jq", `.kind == "error"`)
	require.NoError(t, err)
	var ns []notify.Notification
	require.NoError(t, json.Unmarshal([]byte(out), &ns))
	require.Len(t, ns, 1)
	assert.Equal(t, "Transaction Failed", ns[0].Title)

	out, err = run(b.url, "notifications", "list", "--jq", `.kind == "warning"`)
	require.NoError(t, err)
	assert.Contains(t, out, "No notifications")
}

func TestNotificationsDismissAndClear(t *testing.T) {
	b := newBackend(t)
	id := b.store.Add(notify.Notification{Kind: notify.KindInfo, Title: "one"})
	b.store.Add(notify.Notification{Kind: notify.KindInfo, Title: "two"})

	out, err := run(b.url, "notifications", "dismiss", id)
	require.NoError(t, err)
	assert.Contains(t, out, "Dismissed notification "+id)
	assert.Equal(t, 1, b.store.Len())

	_, err = run(b.url, "notifications", "dismiss", id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")

	out, err = run(b.url, "notif", "clear")
	require.NoError(t, err)
	assert.Contains(t, out, "Cleared notifications")
	assert.Equal(t, 0, b.store.Len())
}

func TestNotificationsStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/stream/notifications", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: notifications\ndata: []\n\n")
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, `event: notifications`+"\n"+`data: [{"id":"n2","kind":"info","title":"Relay Pending"},{"id":"n1","kind":"success","title":"Transaction Confirmed"}]`+"\n\n")
	}))
	defer srv.Close()

	out, err := run(srv.URL, "--json", "notifications", "stream", "--jq", `.kind == "success"`)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "[]", lines[0])

	var ns []notify.Notification
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &ns))
	require.Len(t, ns, 1)
	assert.Equal(t, "n1", ns[0].ID)
}

func TestNotificationsStream_Table(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `event: notifications`+"\n"+`data: [{"id":"n1","kind":"pending","title":"Transaction Pending","message":"Waiting for confirmation"}]`+"\n\n")
	}))
	defer srv.Close()

	out, err := run(srv.URL, "notifications", "stream")
	require.NoError(t, err)
	assert.Contains(t, out, "1 notification(s)")
	assert.Contains(t, out, "Transaction Pending")
	assert.Contains(t, out, "Waiting for confirmation")
}
