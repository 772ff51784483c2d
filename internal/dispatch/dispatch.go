// Package dispatch implements the Action Dispatcher component: the bounded,
// closed catalog of twelve interaction methods, their CDP-level protocol,
// and the DOM-settle routine every mutating method triggers afterward.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"
	"go.uber.org/zap"

	"github.com/skiffbrowser/frameview/internal/framegraph"
	"github.com/skiffbrowser/frameview/internal/model"
	"github.com/skiffbrowser/frameview/internal/resolver"
	"github.com/skiffbrowser/frameview/internal/timing"
	"github.com/skiffbrowser/frameview/internal/transport"
)

// Method is one of the twelve names in the closed action catalog. Callers
// (including an LLM) may request only these; Execute rejects anything else
// as a structural error.
type Method string

const (
	Click                    Method = "click"
	Fill                     Method = "fill"
	Type                     Method = "type"
	Press                    Method = "press"
	SelectOptionFromDropdown Method = "selectOptionFromDropdown"
	Check                    Method = "check"
	Uncheck                  Method = "uncheck"
	Hover                    Method = "hover"
	ScrollToElement          Method = "scrollToElement"
	ScrollToPercentage       Method = "scrollToPercentage"
	NextChunk                Method = "nextChunk"
	PrevChunk                Method = "prevChunk"
)

var catalog = map[Method]bool{
	Click: true, Fill: true, Type: true, Press: true, SelectOptionFromDropdown: true,
	Check: true, Uncheck: true, Hover: true, ScrollToElement: true, ScrollToPercentage: true,
	NextChunk: true, PrevChunk: true,
}

// IsValidMethod reports whether m is one of the twelve catalog methods,
// letting callers outside this package (an LLM-backed findElement, for
// instance) validate a method name before Execute would reject it.
func IsValidMethod(m Method) bool {
	return catalog[m]
}

// mutating is the subset of methods that trigger a settle wait afterward,
// per §4.6 step 4 (pure navigation/observation methods like hover and
// scrollToElement don't mutate page state the way a form interaction does,
// but scrollToPercentage/nextChunk/prevChunk may trigger lazy-loaded content,
// so they settle too; hover and scrollToElement do not).
var mutating = map[Method]bool{
	Click: true, Fill: true, Type: true, Press: true, SelectOptionFromDropdown: true,
	Check: true, Uncheck: true, ScrollToPercentage: true, NextChunk: true, PrevChunk: true,
}

// Options tunes the budgets §4.6/§5 name explicitly.
type Options struct {
	ClickTimeout   time.Duration
	SettleTimeout  time.Duration
	SettlePollRate time.Duration
}

func DefaultOptions() Options {
	return Options{ClickTimeout: 3500 * time.Millisecond, SettleTimeout: 5000 * time.Millisecond, SettlePollRate: 100 * time.Millisecond}
}

// Result is the compact {ok, message} every action yields per §7.
type Result struct {
	OK      bool
	Message string
}

// Dispatcher executes actions against a resolved element on a page's
// sessions, per the protocol in §4.6.
type Dispatcher struct {
	transport *transport.Transport
	graph     *framegraph.Graph
	resolver  *resolver.Resolver
	logger    *zap.Logger
	opts      Options
	timing    timing.Strategy
}

// New constructs a Dispatcher with the mechanical, zero-jitter timing
// strategy. Use WithTiming to opt into humanoid-style pacing (§12.2).
func New(t *transport.Transport, g *framegraph.Graph, r *resolver.Resolver, logger *zap.Logger, opts Options) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{transport: t, graph: g, resolver: r, logger: logger.Named("dispatch"), opts: opts, timing: timing.None{}}
}

// WithTiming swaps the dispatcher's inter-event pacing strategy.
func (d *Dispatcher) WithTiming(strategy timing.Strategy) *Dispatcher {
	d.timing = strategy
	return d
}

// Execute runs the dispatch protocol for one action against id in snap, and
// settles the DOM afterward if method mutates. The snapshot is marked dirty
// on any attempted mutating call, successful or not, since a failed click
// may still have altered page state.
func (d *Dispatcher) Execute(ctx context.Context, snap *model.Snapshot, id model.EncodedID, method Method, args []string) (Result, error) {
	if !catalog[method] {
		return Result{}, model.NewEngineError(model.KindStructural, "", id.String(), fmt.Errorf("%w: unknown action %q", model.ErrMalformedRequest, method))
	}

	res, err := d.resolver.Resolve(ctx, snap, id)
	if err != nil {
		return Result{}, err
	}

	if mutating[method] {
		defer snap.MarkDirty()
	}

	if err := d.scrollIntoViewIfNeeded(ctx, res.Session, res.BackendNodeID); err != nil {
		return Result{OK: false, Message: fmt.Sprintf("could not bring element into view: %v", err)}, nil
	}

	result, err := d.dispatchOne(ctx, snap, id, res, method, args)
	if err != nil {
		return Result{}, err
	}

	if mutating[method] && result.OK {
		d.settleOrWarn(ctx, id, method)
	}
	return result, nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, snap *model.Snapshot, id model.EncodedID, res resolver.Resolved, method Method, args []string) (Result, error) {
	switch method {
	case Click:
		return d.click(ctx, snap, id, res)
	case Hover:
		return d.hover(ctx, snap, id, res)
	case Fill:
		return d.fill(ctx, res, firstArg(args))
	case Type:
		return d.typeText(ctx, res, args)
	case Press:
		return d.press(ctx, res, firstArg(args))
	case SelectOptionFromDropdown:
		return d.selectOption(ctx, res, firstArg(args))
	case Check:
		return d.setChecked(ctx, res, true)
	case Uncheck:
		return d.setChecked(ctx, res, false)
	case ScrollToElement:
		return Result{OK: true, Message: "scrolled into view"}, nil
	case ScrollToPercentage:
		return d.scrollToPercentage(ctx, res, firstArg(args))
	case NextChunk:
		return d.scrollChunk(ctx, res, 1)
	case PrevChunk:
		return d.scrollChunk(ctx, res, -1)
	default:
		return Result{}, model.NewEngineError(model.KindStructural, "", id.String(), fmt.Errorf("%w: unhandled action %q", model.ErrMalformedRequest, method))
	}
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

// settleOrWarn runs the settle routine and logs (rather than fails the
// action on) a settle timeout, since §7 treats settle as best-effort
// bookkeeping, not a condition that should fail an otherwise-successful action.
func (d *Dispatcher) settleOrWarn(ctx context.Context, id model.EncodedID, method Method) {
	settler := NewSettler(d.transport, d.logger)
	reason, err := settler.WaitSettled(ctx, d.opts.SettleTimeout, d.opts.SettlePollRate)
	if err != nil {
		d.logger.Debug("settle wait failed", zap.String("encodedId", id.String()), zap.String("method", string(method)), zap.Error(err))
		return
	}
	d.logger.Debug("settled after action", zap.String("encodedId", id.String()), zap.String("method", string(method)), zap.String("reason", reason))
}

// scrollIntoViewIfNeeded implements step 1 of the dispatch protocol.
func (d *Dispatcher) scrollIntoViewIfNeeded(ctx context.Context, session transport.Session, backendID cdp.BackendNodeID) error {
	params := struct {
		BackendNodeID cdp.BackendNodeID `json:"backendNodeId"`
	}{BackendNodeID: backendID}
	return d.transport.SendCommand(ctx, session, "DOM.scrollIntoViewIfNeeded", params, nil)
}

// clickPoint implements step 2: prefer the snapshot's bounding box, falling
// back to DOM.getBoxModel's border-quad center.
func (d *Dispatcher) clickPoint(ctx context.Context, snap *model.Snapshot, id model.EncodedID, res resolver.Resolved) (x, y float64, err error) {
	if rect, ok := snap.BoundingBoxMap[id]; ok && rect.Width > 0 && rect.Height > 0 {
		return rect.X + rect.Width/2, rect.Y + rect.Height/2, nil
	}

	params := struct {
		BackendNodeID cdp.BackendNodeID `json:"backendNodeId"`
	}{BackendNodeID: res.BackendNodeID}
	var result struct {
		Model struct {
			Border []float64 `json:"border"`
		} `json:"model"`
	}
	if err := d.transport.SendCommand(ctx, res.Session, "DOM.getBoxModel", params, &result); err != nil {
		return 0, 0, fmt.Errorf("DOM.getBoxModel: %w", err)
	}
	if len(result.Model.Border) < 8 {
		return 0, 0, fmt.Errorf("element-not-interactable: no layout (empty border quad)")
	}
	border := result.Model.Border
	cx := (border[0] + border[2] + border[4] + border[6]) / 4
	cy := (border[1] + border[3] + border[5] + border[7]) / 4
	return cx, cy, nil
}

// callFunctionOn invokes functionDeclaration on res.ObjectID with args,
// ignoring its return value, the mechanism steps 3's fill/check/uncheck/
// selectOptionFromDropdown all build on.
func (d *Dispatcher) callFunctionOn(ctx context.Context, res resolver.Resolved, functionDeclaration string, args ...interface{}) error {
	callArgs := make([]struct {
		Value interface{} `json:"value"`
	}, len(args))
	for i, a := range args {
		callArgs[i].Value = a
	}
	params := struct {
		FunctionDeclaration string                 `json:"functionDeclaration"`
		ObjectID            runtime.RemoteObjectID `json:"objectId"`
		Arguments           interface{}            `json:"arguments"`
		ReturnByValue       bool                   `json:"returnByValue"`
		AwaitPromise        bool                   `json:"awaitPromise"`
	}{FunctionDeclaration: functionDeclaration, ObjectID: res.ObjectID, Arguments: callArgs, ReturnByValue: true, AwaitPromise: true}

	var result struct {
		ExceptionDetails *struct {
			Text string `json:"text"`
		} `json:"exceptionDetails,omitempty"`
	}
	if err := d.transport.SendCommand(ctx, res.Session, "Runtime.callFunctionOn", params, &result); err != nil {
		return err
	}
	if result.ExceptionDetails != nil {
		return fmt.Errorf("callFunctionOn raised an exception: %s", result.ExceptionDetails.Text)
	}
	return nil
}

// evalOnObjectBool is like callFunctionOn but returns the decoded boolean
// result, for probes like selectOption's option-match check.
func (d *Dispatcher) evalOnObjectBool(ctx context.Context, res resolver.Resolved, functionDeclaration string) (bool, error) {
	params := struct {
		FunctionDeclaration string                 `json:"functionDeclaration"`
		ObjectID            runtime.RemoteObjectID `json:"objectId"`
		ReturnByValue       bool                   `json:"returnByValue"`
		AwaitPromise        bool                   `json:"awaitPromise"`
	}{FunctionDeclaration: functionDeclaration, ObjectID: res.ObjectID, ReturnByValue: true, AwaitPromise: true}
	var result struct {
		Result struct {
			Value bool `json:"value"`
		} `json:"result"`
	}
	if err := d.transport.SendCommand(ctx, res.Session, "Runtime.callFunctionOn", params, &result); err != nil {
		return false, err
	}
	return result.Result.Value, nil
}
