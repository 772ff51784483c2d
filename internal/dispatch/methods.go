package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/skiffbrowser/frameview/internal/model"
	"github.com/skiffbrowser/frameview/internal/resolver"
)

func (d *Dispatcher) click(ctx context.Context, snap *model.Snapshot, id model.EncodedID, res resolver.Resolved) (Result, error) {
	x, y, err := d.clickPoint(ctx, snap, id, res)
	if err != nil {
		return Result{OK: false, Message: fmt.Sprintf("click: %v", err)}, nil
	}

	opCtx, cancel := context.WithTimeout(ctx, d.opts.ClickTimeout)
	defer cancel()

	if err := d.dispatchMouseEvent(opCtx, res, "mouseMoved", x, y, 0); err != nil {
		return Result{OK: false, Message: fmt.Sprintf("click: move failed: %v", err)}, nil
	}
	if err := d.dispatchMouseEvent(opCtx, res, "mousePressed", x, y, 1); err != nil {
		return Result{OK: false, Message: fmt.Sprintf("click: press failed: %v", err)}, nil
	}
	if err := d.timing.Delay(opCtx, "click-hold"); err != nil {
		return Result{OK: false, Message: fmt.Sprintf("click: %v", err)}, nil
	}
	if err := d.dispatchMouseEvent(opCtx, res, "mouseReleased", x, y, 1); err != nil {
		return Result{OK: false, Message: fmt.Sprintf("click: release failed: %v", err)}, nil
	}
	return Result{OK: true, Message: "clicked"}, nil
}

func (d *Dispatcher) hover(ctx context.Context, snap *model.Snapshot, id model.EncodedID, res resolver.Resolved) (Result, error) {
	x, y, err := d.clickPoint(ctx, snap, id, res)
	if err != nil {
		return Result{OK: false, Message: fmt.Sprintf("hover: %v", err)}, nil
	}
	if err := d.dispatchMouseEvent(ctx, res, "mouseMoved", x, y, 0); err != nil {
		return Result{OK: false, Message: fmt.Sprintf("hover: %v", err)}, nil
	}
	return Result{OK: true, Message: "hovered"}, nil
}

func (d *Dispatcher) dispatchMouseEvent(ctx context.Context, res resolver.Resolved, eventType string, x, y float64, clickCount int) error {
	params := struct {
		Type       string  `json:"type"`
		X          float64 `json:"x"`
		Y          float64 `json:"y"`
		Button     string  `json:"button,omitempty"`
		ClickCount int     `json:"clickCount,omitempty"`
	}{Type: eventType, X: x, Y: y}
	if clickCount > 0 {
		params.Button = "left"
		params.ClickCount = clickCount
	}
	return d.transport.SendCommand(ctx, res.Session, "Input.dispatchMouseEvent", params, nil)
}

func (d *Dispatcher) fill(ctx context.Context, res resolver.Resolved, value string) (Result, error) {
	if err := d.callFunctionOn(ctx, res, `function(){ this.focus(); }`); err != nil {
		return Result{OK: false, Message: fmt.Sprintf("fill: focus failed: %v", err)}, nil
	}
	script := `function(v){
		this.value = v;
		this.dispatchEvent(new Event('input', {bubbles: true}));
		this.dispatchEvent(new Event('change', {bubbles: true}));
	}`
	if err := d.callFunctionOn(ctx, res, script, value); err != nil {
		return Result{OK: false, Message: fmt.Sprintf("fill: %v", err)}, nil
	}
	return Result{OK: true, Message: "filled"}, nil
}

func (d *Dispatcher) typeText(ctx context.Context, res resolver.Resolved, args []string) (Result, error) {
	text := firstArg(args)
	pressEnter := len(args) > 1 && args[1] == "enter"

	if err := d.callFunctionOn(ctx, res, `function(){ this.focus(); }`); err != nil {
		return Result{OK: false, Message: fmt.Sprintf("type: focus failed: %v", err)}, nil
	}

	params := struct {
		Text string `json:"text"`
	}{Text: text}
	if err := d.transport.SendCommand(ctx, res.Session, "Input.insertText", params, nil); err != nil {
		return Result{OK: false, Message: fmt.Sprintf("type: %v", err)}, nil
	}

	if pressEnter {
		if err := d.dispatchKeyEvent(ctx, res, "Enter"); err != nil {
			return Result{OK: false, Message: fmt.Sprintf("type: trailing enter failed: %v", err)}, nil
		}
	}
	return Result{OK: true, Message: "typed"}, nil
}

func (d *Dispatcher) press(ctx context.Context, res resolver.Resolved, key string) (Result, error) {
	if key == "" {
		return Result{OK: false, Message: "press: no key specified"}, nil
	}
	if err := d.dispatchKeyEvent(ctx, res, key); err != nil {
		return Result{OK: false, Message: fmt.Sprintf("press: %v", err)}, nil
	}
	return Result{OK: true, Message: "pressed " + key}, nil
}

func (d *Dispatcher) dispatchKeyEvent(ctx context.Context, res resolver.Resolved, key string) error {
	down := struct {
		Type string `json:"type"`
		Key  string `json:"key"`
	}{Type: "keyDown", Key: key}
	up := struct {
		Type string `json:"type"`
		Key  string `json:"key"`
	}{Type: "keyUp", Key: key}
	if err := d.transport.SendCommand(ctx, res.Session, "Input.dispatchKeyEvent", down, nil); err != nil {
		return err
	}
	if err := d.timing.Delay(ctx, "key-hold"); err != nil {
		return err
	}
	return d.transport.SendCommand(ctx, res.Session, "Input.dispatchKeyEvent", up, nil)
}

func (d *Dispatcher) selectOption(ctx context.Context, res resolver.Resolved, valueOrText string) (Result, error) {
	script := `function(target){
		const opts = Array.from(this.options || []);
		let match = opts.find(o => o.value === target);
		if (!match) match = opts.find(o => o.text === target);
		if (!match) return false;
		for (const o of opts) o.selected = (o === match);
		this.dispatchEvent(new Event('change', {bubbles: true}));
		return true;
	}`
	ok, err := d.evalOnObjectBool(ctx, res, wrapBoolArg(script, valueOrText))
	if err != nil {
		return Result{OK: false, Message: fmt.Sprintf("selectOptionFromDropdown: %v", err)}, nil
	}
	if !ok {
		return Result{OK: false, Message: fmt.Sprintf("selectOptionFromDropdown: no option matching %q", valueOrText)}, nil
	}
	return Result{OK: true, Message: "selected " + valueOrText}, nil
}

// wrapBoolArg closes functionDeclaration(arg) over a literal JSON-encoded
// argument, since evalOnObjectBool (unlike callFunctionOn) evaluates a
// zero-argument declaration.
func wrapBoolArg(functionDeclaration, arg string) string {
	encoded, _ := json.Marshal(arg)
	return fmt.Sprintf("function(){ return (%s)(%s); }", functionDeclaration, string(encoded))
}

func (d *Dispatcher) setChecked(ctx context.Context, res resolver.Resolved, checked bool) (Result, error) {
	script := fmt.Sprintf(`function(){
		this.checked = %t;
		this.dispatchEvent(new Event('change', {bubbles: true}));
		this.dispatchEvent(new Event('input', {bubbles: true}));
	}`, checked)
	if err := d.callFunctionOn(ctx, res, script); err != nil {
		verb := "check"
		if !checked {
			verb = "uncheck"
		}
		return Result{OK: false, Message: fmt.Sprintf("%s: %v", verb, err)}, nil
	}
	verb := "checked"
	if !checked {
		verb = "unchecked"
	}
	return Result{OK: true, Message: verb}, nil
}

func (d *Dispatcher) scrollToPercentage(ctx context.Context, res resolver.Resolved, pctArg string) (Result, error) {
	var pct float64
	if _, err := fmt.Sscanf(pctArg, "%f", &pct); err != nil {
		return Result{OK: false, Message: fmt.Sprintf("scrollToPercentage: invalid percentage %q", pctArg)}, nil
	}

	script := fmt.Sprintf(`function(){
		this.scrollTo({top: (this.scrollHeight - this.clientHeight) * %f / 100, behavior: "smooth"});
	}`, pct)
	if err := d.callFunctionOn(ctx, res, script); err != nil {
		return Result{OK: false, Message: fmt.Sprintf("scrollToPercentage: %v", err)}, nil
	}

	if err := d.waitForScrollStability(ctx, res, thisScrollTopScript); err != nil {
		d.logger.Debug("scrollToPercentage stability wait did not converge", zap.Error(err))
	}
	return Result{OK: true, Message: fmt.Sprintf("scrolled to %.0f%%", pct)}, nil
}

// nearestScrollableAncestorExpr walks from `this` up through parentElement
// looking for the first node that genuinely overflows, per §4.6's "nearest
// scrollable ancestor (or the document)" rule. A binary this-or-document
// check misses any intermediate scrollable wrapper (a common pattern: a
// fixed-height panel several levels above the target element).
const nearestScrollableAncestorExpr = `(function(){
	let node = this;
	while (node && node !== document.documentElement) {
		if (node.scrollHeight > node.clientHeight && node.clientHeight > 0) return node;
		node = node.parentElement;
	}
	return document.scrollingElement || document.documentElement;
})()`

const thisScrollTopScript = `function(){ return this.scrollTop; }`

func (d *Dispatcher) scrollChunk(ctx context.Context, res resolver.Resolved, sign int) (Result, error) {
	script := fmt.Sprintf(`function(){
		const target = %s;
		target.scrollBy({top: %d * target.clientHeight, behavior: "smooth"});
	}`, nearestScrollableAncestorExpr, sign)
	if err := d.callFunctionOn(ctx, res, script); err != nil {
		return Result{OK: false, Message: fmt.Sprintf("scroll chunk: %v", err)}, nil
	}
	scrollTopScript := fmt.Sprintf(`function(){
		const target = %s;
		return target.scrollTop;
	}`, nearestScrollableAncestorExpr)
	if err := d.waitForScrollStability(ctx, res, scrollTopScript); err != nil {
		d.logger.Debug("scroll chunk stability wait did not converge", zap.Error(err))
	}
	verb := "scrolled to next chunk"
	if sign < 0 {
		verb = "scrolled to previous chunk"
	}
	return Result{OK: true, Message: verb}, nil
}

// waitForScrollStability polls scrollTopScript (a functionDeclaration
// evaluated on the resolved element's objectId) for three consecutive
// samples with <1px delta, or bails out after a short overall timeout, per
// §4.6's scrollToPercentage stability rule (applied to the chunk scrolls
// too, since they share the same smooth-scroll settle concern). Callers pass
// the script that reads scrollTop off whichever element the scroll actually
// targeted — `this` for scrollToPercentage, the walked ancestor for chunks.
func (d *Dispatcher) waitForScrollStability(ctx context.Context, res resolver.Resolved, scrollTopScript string) error {
	const maxWait = 2 * time.Second
	const pollInterval = 100 * time.Millisecond

	deadline := time.Now().Add(maxWait)
	var last float64
	stable := 0
	for time.Now().Before(deadline) {
		cur, err := d.readScrollTop(ctx, res, scrollTopScript)
		if err != nil {
			return err
		}
		if stable > 0 && absFloat(cur-last) < 1 {
			stable++
		} else {
			stable = 1
		}
		last = cur
		if stable >= 3 {
			return nil
		}
		select {
		case <-time.After(pollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("scroll position did not stabilize within %s", maxWait)
}

func (d *Dispatcher) readScrollTop(ctx context.Context, res resolver.Resolved, functionDeclaration string) (float64, error) {
	params := struct {
		FunctionDeclaration string `json:"functionDeclaration"`
		ObjectID            string `json:"objectId"`
		ReturnByValue       bool   `json:"returnByValue"`
	}{FunctionDeclaration: functionDeclaration, ObjectID: string(res.ObjectID), ReturnByValue: true}
	var result struct {
		Result struct {
			Value float64 `json:"value"`
		} `json:"result"`
	}
	if err := d.transport.SendCommand(ctx, res.Session, "Runtime.callFunctionOn", params, &result); err != nil {
		return 0, err
	}
	return result.Result.Value, nil
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
