// File: internal/agent/cdp/adapter.go

// Package cdp adapts a chromedp browser tab to the agent's executor
// contracts. Everything here is I/O glue: resolve a node, dispatch an
// input, read the page back. Task logic lives in the runtime.
package cdp

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/relayforge/agentbus/internal/agent"
	"github.com/relayforge/agentbus/internal/registry"
)

// interactiveSelector matches the elements a planner can act on.
const interactiveSelector = `a, button, input, select, textarea, [role="button"], [role="link"], [onclick]`

const actionTimeout = 15 * time.Second

// Tab owns one chromedp browser context and the element registry minted
// against it.
type Tab struct {
	ctx      context.Context
	cancel   context.CancelFunc
	registry *registry.Registry
	logger   *zap.Logger
}

// NewTab attaches to a fresh browser tab under the given allocator context.
// The caller owns allocator shutdown; Close only releases the tab.
func NewTab(allocCtx context.Context, reg *registry.Registry, logger *zap.Logger) (*Tab, error) {
	ctx, cancel := chromedp.NewContext(allocCtx)
	// Force the browser to actually start before any command races it.
	if err := chromedp.Run(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("start browser tab: %w", err)
	}
	return &Tab{
		ctx:      ctx,
		cancel:   cancel,
		registry: reg,
		logger:   logger.Named("cdp_adapter"),
	}, nil
}

// Close releases the tab.
func (t *Tab) Close() {
	t.cancel()
}

// ProbeNode is the registry liveness probe: a node the browser can no
// longer describe is gone.
func (t *Tab) ProbeNode(id registry.NodeID) bool {
	ctx, cancel := context.WithTimeout(t.ctx, 2*time.Second)
	defer cancel()
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, err := dom.DescribeNode().
			WithBackendNodeID(cdp.BackendNodeID(id.Backend)).
			Do(ctx)
		return err
	}))
	return err == nil
}

// MeasureNode is the registry geometry probe, in the node's own frame
// coordinates.
func (t *Tab) MeasureNode(id registry.NodeID) (x, y, w, h float64, ok bool) {
	ctx, cancel := context.WithTimeout(t.ctx, 2*time.Second)
	defer cancel()

	var box *dom.BoxModel
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		box, err = dom.GetBoxModel().
			WithBackendNodeID(cdp.BackendNodeID(id.Backend)).
			Do(ctx)
		return err
	}))
	if err != nil || box == nil || len(box.Content) < 8 {
		return 0, 0, 0, 0, false
	}
	// Content quad: x1 y1 x2 y2 x3 y3 x4 y4, clockwise from top-left.
	x = box.Content[0]
	y = box.Content[1]
	return x, y, box.Content[2] - x, box.Content[5] - y, true
}

// ExecuteInputAction dispatches one named low-level action. Coordinates
// arrive already rescaled into live viewport space.
func (t *Tab) ExecuteInputAction(ctx context.Context, tabTarget, action string, params agent.ActionParams) (string, error) {
	runCtx, cancel := context.WithTimeout(t.ctx, actionTimeout)
	defer cancel()

	switch action {
	case "navigate":
		if err := chromedp.Run(runCtx, chromedp.Navigate(params.URL)); err != nil {
			return "", fmt.Errorf("navigate %s: %w", params.URL, err)
		}
		return "navigated", nil

	case "click":
		if params.Handle != "" {
			return t.clickHandle(runCtx, params.Handle)
		}
		if err := chromedp.Run(runCtx, chromedp.MouseClickXY(params.X, params.Y)); err != nil {
			return "", fmt.Errorf("click at (%.0f,%.0f): %w", params.X, params.Y, err)
		}
		return "clicked", nil

	case "type":
		if params.Handle != "" {
			if err := t.focusHandle(runCtx, params.Handle); err != nil {
				return "", err
			}
		}
		err := chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
			return input.InsertText(params.Text).Do(ctx)
		}))
		if err != nil {
			return "", fmt.Errorf("type text: %w", err)
		}
		return "typed", nil

	case "scroll":
		delta := params.DeltaY
		if delta == 0 {
			delta = 600
		}
		err := chromedp.Run(runCtx,
			chromedp.Evaluate(fmt.Sprintf(`window.scrollBy(0, %f)`, delta), nil))
		if err != nil {
			return "", fmt.Errorf("scroll: %w", err)
		}
		return "scrolled", nil

	default:
		return "", fmt.Errorf("unknown input action %q", action)
	}
}

func (t *Tab) clickHandle(ctx context.Context, handle string) (string, error) {
	geo, err := t.registry.BoundingGeometry(handle, t.MeasureNode)
	if err != nil {
		return "", err
	}
	if err := chromedp.Run(ctx, chromedp.MouseClickXY(geo.CenterX, geo.CenterY)); err != nil {
		return "", fmt.Errorf("click %s: %w", handle, err)
	}
	return "clicked", nil
}

func (t *Tab) focusHandle(ctx context.Context, handle string) error {
	node, err := t.registry.Resolve(handle)
	if err != nil {
		return err
	}
	err = chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return dom.Focus().
			WithBackendNodeID(cdp.BackendNodeID(node.Backend)).
			Do(ctx)
	}))
	if err != nil {
		return fmt.Errorf("focus %s: %w", handle, err)
	}
	return nil
}

// QueryStructuredPage snapshots the page's interactive elements, minting a
// registry handle for each. The tree is a flat, one-line-per-element text
// form the planner reads directly.
func (t *Tab) QueryStructuredPage(ctx context.Context, tabTarget, filter string, depth, maxChars int, startHandle string) (*agent.PageView, error) {
	runCtx, cancel := context.WithTimeout(t.ctx, actionTimeout)
	defer cancel()

	var (
		urlstr string
		title  string
		nodes  []*cdp.Node
		frames []*cdp.Node
		vp     struct {
			Width  float64 `json:"width"`
			Height float64 `json:"height"`
		}
	)
	err := chromedp.Run(runCtx,
		chromedp.Location(&urlstr),
		chromedp.Title(&title),
		chromedp.Evaluate(`({width: window.innerWidth, height: window.innerHeight})`, &vp),
		chromedp.Nodes(interactiveSelector, &nodes, chromedp.ByQueryAll, chromedp.AtLeast(0)),
		chromedp.Nodes(`iframe`, &frames, chromedp.ByQueryAll, chromedp.AtLeast(0)),
	)
	if err != nil {
		return nil, fmt.Errorf("query page: %w", err)
	}

	var b strings.Builder
	t.mintNodes(&b, nodes, "", registry.Point{}, maxChars)

	// Same-origin frames share the tab's DOM agent; their elements are
	// minted with the frame's top-left as the offset so geometry lookups
	// resolve in top-frame coordinates. Cross-origin frames live in their
	// own target and are skipped.
	for _, frame := range frames {
		if frame.ContentDocument == nil {
			continue
		}
		fx, fy, _, _, ok := t.MeasureNode(registry.NodeID{Backend: int64(frame.BackendNodeID)})
		if !ok {
			continue
		}
		var inner []*cdp.Node
		if err := chromedp.Run(runCtx,
			chromedp.Nodes(interactiveSelector, &inner, chromedp.ByQueryAll,
				chromedp.FromNode(frame.ContentDocument), chromedp.AtLeast(0)),
		); err != nil {
			t.logger.Debug("Frame query failed",
				zap.String("frame", string(frame.FrameID)),
				zap.Error(err))
			continue
		}
		t.mintNodes(&b, inner, string(frame.FrameID), registry.Point{X: fx, Y: fy}, maxChars)
	}

	return &agent.PageView{
		Tree:     b.String(),
		URL:      urlstr,
		Title:    title,
		Viewport: registry.Size{Width: vp.Width, Height: vp.Height},
	}, nil
}

// mintNodes registers each element and appends its one-line planner form.
// The offset recorded at mint time translates the element's own-frame
// geometry into top-frame space on later lookups.
func (t *Tab) mintNodes(b *strings.Builder, nodes []*cdp.Node, frameID string, offset registry.Point, maxChars int) {
	for _, node := range nodes {
		handle := t.registry.GetOrCreate(registry.NodeID{
			Backend: int64(node.BackendNodeID),
			Frame:   frameID,
		}, offset)
		line := fmt.Sprintf("%s <%s> %s\n", handle, strings.ToLower(node.NodeName), describeNode(node))
		if b.Len()+len(line) > maxChars {
			return
		}
		b.WriteString(line)
	}
}

// CaptureScreenshot grabs the visible viewport and reports both the image
// and viewport dimensions so the runtime can rebuild its coordinate scale.
func (t *Tab) CaptureScreenshot(ctx context.Context, tabTarget string) (*agent.Capture, error) {
	runCtx, cancel := context.WithTimeout(t.ctx, actionTimeout)
	defer cancel()

	var (
		buf []byte
		m   struct {
			Width  float64 `json:"width"`
			Height float64 `json:"height"`
			DPR    float64 `json:"dpr"`
		}
	)
	err := chromedp.Run(runCtx,
		chromedp.Evaluate(`({width: window.innerWidth, height: window.innerHeight, dpr: window.devicePixelRatio})`, &m),
		chromedp.CaptureScreenshot(&buf),
	)
	if err != nil {
		return nil, fmt.Errorf("capture screenshot: %w", err)
	}
	if m.DPR <= 0 {
		m.DPR = 1
	}

	return &agent.Capture{
		Data:     base64.StdEncoding.EncodeToString(buf),
		Size:     registry.Size{Width: m.Width * m.DPR, Height: m.Height * m.DPR},
		Viewport: registry.Size{Width: m.Width, Height: m.Height},
	}, nil
}

// describeNode renders the short text the planner sees for one element.
func describeNode(node *cdp.Node) string {
	parts := make([]string, 0, 3)
	if v := node.AttributeValue("aria-label"); v != "" {
		parts = append(parts, v)
	}
	if v := node.AttributeValue("placeholder"); v != "" {
		parts = append(parts, "placeholder="+v)
	}
	if v := node.AttributeValue("href"); v != "" {
		parts = append(parts, "href="+v)
	}
	if v := node.AttributeValue("name"); v != "" {
		parts = append(parts, "name="+v)
	}
	if node.ChildNodeCount > 0 && len(node.Children) > 0 {
		for _, child := range node.Children {
			if child.NodeType == cdp.NodeTypeText {
				if text := strings.TrimSpace(child.NodeValue); text != "" {
					parts = append(parts, text)
					break
				}
			}
		}
	}
	return strings.Join(parts, " ")
}
