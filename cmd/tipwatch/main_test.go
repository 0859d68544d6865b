package main

import (
	"bytes"
	"net/http/httptest"
	"testing"

	"github.com/benbjohnson/clock"

	"github.com/brojonat/tipwatch/service/chain"
	"github.com/brojonat/tipwatch/service/monitor"
	"github.com/brojonat/tipwatch/service/notify"
	"github.com/brojonat/tipwatch/service/server"
)

const testHash = "0xabababababababababababababababababababababababababababababababab"

type backend struct {
	url   string
	sdk   *chain.MockSDK
	store *notify.Store
}

// newBackend serves the real API on top of the mock chain SDK.
func newBackend(t *testing.T) *backend {
	t.Helper()
	sdk := chain.NewMockSDK()
	registry := chain.DefaultRegistry()
	store := notify.NewStore(notify.WithClock(clock.NewMock()))
	scope := monitor.NewScope(monitor.Deps{
		Chains:       registry,
		Transactions: sdk,
		Balances:     sdk,
		Relays:       sdk,
	}, store)

	ts := httptest.NewServer(server.New(":0", nil, scope, registry, nil, nil).Handler())
	t.Cleanup(func() {
		scope.Close()
		ts.Close()
	})
	return &backend{url: ts.URL, sdk: sdk, store: store}
}

// run executes the CLI against serverURL and returns what it wrote to stdout.
func run(serverURL string, args ...string) (string, error) {
	app := newApp()
	var out, errOut bytes.Buffer
	app.Writer = &out
	app.ErrWriter = &errOut
	err := app.Run(append([]string{"tipwatch", "--server-url", serverURL}, args...))
	return out.String(), err
}
