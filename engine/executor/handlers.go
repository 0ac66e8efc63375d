package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/meterflow/meterflow/engine/llm"
	"github.com/meterflow/meterflow/engine/run"
	"github.com/meterflow/meterflow/engine/step"
	"github.com/meterflow/meterflow/engine/store"
	"github.com/meterflow/meterflow/engine/tool"
	"github.com/meterflow/meterflow/engine/workflow"
	"github.com/meterflow/meterflow/x402"
)

// executeToolCall invokes the node's HTTP tool through the 402-aware client,
// updates the tool's reputation either way, and deducts the budget after a
// settled payment.
func (e *Executor) executeToolCall(ctx context.Context, r *run.Run, s *step.Step, node workflow.Node, inputs map[string]any) (map[string]any, *step.Metrics, error) {
	t, err := e.tools.Get(ctx, node.ToolID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, nil, fatalf(CodeToolMissing, "tool %s not found", node.ToolID)
		}
		return nil, nil, fmt.Errorf("load tool %s: %w", node.ToolID, err)
	}

	method, path := parseEndpoint(node.Endpoint)
	url := joinURL(t.BaseURL, path)
	var body []byte
	if node.RequestTemplate != "" {
		body = []byte(renderTemplate(node.RequestTemplate, inputs))
	} else if method != http.MethodGet && len(inputs) > 0 {
		body, err = json.Marshal(inputs)
		if err != nil {
			return nil, nil, fatalf(CodeExecutionError, "encode inputs: %v", err)
		}
	}

	// Payment allowance: the node override wins, then the auto-pay snapshot
	// frozen on the run. Live workspace settings are never consulted here.
	paymentAllowed := r.AutoPay.Enabled
	maxPayment := firstNonEmpty(r.AutoPay.MaxPerStepAtomic, e.cfg.DefaultPaymentMaxAtomic)
	if node.Payment != nil {
		paymentAllowed = node.Payment.Allowed
		maxPayment = firstNonEmpty(node.Payment.MaxAtomic, maxPayment)
	}

	var allowlist []string
	if ws, err := e.workspaces.Get(ctx, r.WorkspaceID); err == nil {
		allowlist = ws.Settings.ToolAllowlist
	}
	timeout := e.cfg.DefaultTimeout
	if node.Policy != nil && node.Policy.TimeoutMS > 0 {
		timeout = time.Duration(node.Policy.TimeoutMS) * time.Millisecond
	}

	start := time.Now()
	res, err := e.payments.Fetch(ctx, url, x402.Request{Method: method, Body: body}, x402.Options{
		MaxPaymentAtomic: maxPayment,
		PaymentAllowed:   paymentAllowed,
		RunID:            r.ID,
		StepID:           s.StepID,
		WorkspaceID:      r.WorkspaceID,
		ToolID:           t.ID,
		Attempt:          s.Attempt,
		Allowlist:        allowlist,
		Timeout:          timeout,
	})
	latency := time.Since(start)
	if err != nil {
		e.observeTool(ctx, t, false, latency, nil)
		return nil, nil, err
	}
	if res.StatusCode >= 500 {
		e.observeTool(ctx, t, false, latency, nil)
		return nil, nil, transientf("tool %s returned status %d", t.ID, res.StatusCode)
	}
	if res.StatusCode >= 400 {
		e.observeTool(ctx, t, false, latency, nil)
		return nil, nil, fatalf(CodeToolHTTPError, "tool %s returned status %d", t.ID, res.StatusCode)
	}

	metrics := &step.Metrics{LatencyMS: latency.Milliseconds()}
	output := map[string]any{
		"status": res.StatusCode,
		"paid":   res.Paid,
	}
	if parsed, ok := tryDecode(string(res.Body)); ok {
		output["body"] = parsed
	} else {
		output["body"] = string(res.Body)
	}

	var hints map[string]string
	if res.Paid {
		metrics.CostAtomic = res.Receipt.AmountAtomic
		output["receiptId"] = res.Receipt.ID
		output["amountPaidAtomic"] = res.Receipt.AmountAtomic
		hints = map[string]string{pathOrRoot(path): res.Receipt.AmountAtomic}

		decision, err := e.ledger.CheckAndDeduct(ctx, r.ID, res.Receipt.AmountAtomic)
		if err != nil {
			e.observeTool(ctx, t, true, latency, hints)
			return nil, metrics, fmt.Errorf("deduct budget: %w", err)
		}
		if !decision.Allowed {
			// The payment already settled; the overage is visible through the
			// receipt while the run fails on policy.
			e.observeTool(ctx, t, true, latency, hints)
			return nil, metrics, fatalf(CodeBudgetExceeded, "payment of %s exceeded run budget", res.Receipt.AmountAtomic)
		}
	}
	e.observeTool(ctx, t, true, latency, hints)
	return output, metrics, nil
}

// executeLLMReason composes the prompts and invokes the model contract.
func (e *Executor) executeLLMReason(ctx context.Context, r *run.Run, node workflow.Node, inputs map[string]any) (map[string]any, *step.Metrics, error) {
	if e.model == nil {
		return nil, nil, fatalf(CodeLLMError, "no model client configured")
	}
	system := node.SystemPrompt
	if system == "" {
		system = fmt.Sprintf(
			"You are executing one step of an automated workflow. Step: %s. Overall goal: %s. Respond with the step result only.",
			nonEmpty(node.Label, node.ID), r.Input.Text,
		)
	}
	user := ""
	if node.UserPromptTemplate != "" {
		user = renderTemplate(node.UserPromptTemplate, inputs)
	} else {
		user = contextPrompt(inputs, r.Input.Text)
	}

	callCtx := ctx
	if node.Policy != nil && node.Policy.TimeoutMS > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(node.Policy.TimeoutMS)*time.Millisecond)
		defer cancel()
	}
	resp, err := e.model.Call(callCtx, llm.Request{
		SystemPrompt: system,
		UserPrompt:   user,
		Temperature:  -1,
	})
	if err != nil {
		return nil, nil, transientf("model call: %v", err)
	}

	output := map[string]any{"text": resp.Text}
	if node.OutputFormat == "json" {
		if v, ok := extractJSON(resp.Text); ok {
			output["json"] = v
		}
	}
	return output, &step.Metrics{Tokens: resp.Usage.TotalTokens}, nil
}

// executeWait completes after the configured fixed delay. The polling
// contract (statusUrl, completionField/Value) is carried on the node but not
// interpreted until an async tool integration lands.
func (e *Executor) executeWait(ctx context.Context, node workflow.Node) (map[string]any, *step.Metrics, error) {
	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case <-time.After(e.cfg.WaitDelay):
	}
	output := map[string]any{"waited": true, "delayMs": e.cfg.WaitDelay.Milliseconds()}
	if node.StatusURL != "" {
		output["statusUrl"] = node.StatusURL
	}
	return output, nil, nil
}

// executeFinalize renders the run's terminal output.
func (e *Executor) executeFinalize(node workflow.Node, inputs map[string]any) (map[string]any, *step.Metrics, error) {
	if node.OutputTemplate != "" {
		return map[string]any{"output": renderTemplate(node.OutputTemplate, inputs)}, nil, nil
	}
	encoded, err := json.Marshal(inputs)
	if err != nil {
		return nil, nil, fatalf(CodeExecutionError, "encode finalize inputs: %v", err)
	}
	return map[string]any{"output": string(encoded)}, nil, nil
}

// observeTool folds one invocation outcome into the tool's reputation and
// pricing hints. Reputation updates are best effort.
func (e *Executor) observeTool(ctx context.Context, t *tool.Tool, success bool, latency time.Duration, hints map[string]string) {
	rep := t.Reputation.Observe(success, latency)
	if err := e.tools.UpdateReputation(ctx, t.ID, rep, hints); err != nil {
		e.logger.Warn(ctx, "update tool reputation", "tool_id", t.ID, "err", err)
	}
}

// parseEndpoint splits "METHOD path" endpoint specs; a bare path defaults to
// POST.
func parseEndpoint(endpoint string) (method, path string) {
	method = http.MethodPost
	path = strings.TrimSpace(endpoint)
	if i := strings.IndexByte(path, ' '); i > 0 {
		candidate := strings.ToUpper(path[:i])
		switch candidate {
		case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
			method = candidate
			path = strings.TrimSpace(path[i+1:])
		}
	}
	return method, path
}

func joinURL(base, path string) string {
	if path == "" {
		return base
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(path, "/")
}

func pathOrRoot(path string) string {
	if path == "" {
		return "/"
	}
	return path
}

// contextPrompt builds the user prompt from predecessor outputs when the
// node declares no template.
func contextPrompt(inputs map[string]any, goal string) string {
	if len(inputs) == 0 {
		return goal
	}
	encoded, err := json.Marshal(inputs)
	if err != nil {
		return goal
	}
	return fmt.Sprintf("Goal: %s\n\nContext from previous steps:\n%s", goal, encoded)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func nonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
