// File: internal/agent/cdp/adapter_test.go
package cdp

import (
	"strings"
	"testing"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/relayforge/agentbus/internal/config"
	"github.com/relayforge/agentbus/internal/registry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestTab(t *testing.T) (*Tab, *registry.Registry) {
	t.Helper()
	reg := registry.New(config.RegistryConfig{SweepInterval: 30 * time.Second}, nil, zaptest.NewLogger(t))
	return &Tab{registry: reg, logger: zaptest.NewLogger(t)}, reg
}

func TestMintNodesRecordsFrameOffset(t *testing.T) {
	tab, reg := newTestTab(t)

	top := []*cdp.Node{
		{BackendNodeID: 11, NodeName: "BUTTON", Attributes: []string{"aria-label", "Submit order"}},
	}
	framed := []*cdp.Node{
		{BackendNodeID: 21, NodeName: "INPUT", Attributes: []string{"name", "card"}},
	}

	var b strings.Builder
	tab.mintNodes(&b, top, "", registry.Point{}, 16000)
	tab.mintNodes(&b, framed, "frame-1", registry.Point{X: 120, Y: 80}, 16000)

	lines := strings.Split(strings.TrimRight(b.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "<button> Submit order")
	assert.Contains(t, lines[1], "<input> name=card")

	// The mint-time offset is what later geometry lookups translate by.
	topHandle := strings.Fields(lines[0])[0]
	frameHandle := strings.Fields(lines[1])[0]

	off, err := reg.Offset(topHandle)
	require.NoError(t, err)
	assert.Equal(t, registry.Point{}, off)

	off, err = reg.Offset(frameHandle)
	require.NoError(t, err)
	assert.Equal(t, registry.Point{X: 120, Y: 80}, off)

	// Same backend node in different frames stays distinct.
	node, err := reg.Resolve(frameHandle)
	require.NoError(t, err)
	assert.Equal(t, "frame-1", node.Frame)
}

func TestMintNodesStopsAtBudget(t *testing.T) {
	tab, reg := newTestTab(t)

	nodes := []*cdp.Node{
		{BackendNodeID: 1, NodeName: "A", Attributes: []string{"href", "/one"}},
		{BackendNodeID: 2, NodeName: "A", Attributes: []string{"href", "/two"}},
	}

	var b strings.Builder
	tab.mintNodes(&b, nodes, "", registry.Point{}, 25)

	assert.Contains(t, b.String(), "/one")
	assert.NotContains(t, b.String(), "/two")
	// The cut node was still registered before the budget check tripped.
	assert.Equal(t, 2, reg.Len())
}
