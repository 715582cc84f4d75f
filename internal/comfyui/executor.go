package comfyui

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/comfy-test/comfytest/internal/errs"
	"github.com/comfy-test/comfytest/internal/workflow"
)

const historyPollInterval = time.Second

// Executor submits workflows to a running host and waits for the result.
// The graph editor's document format and the execution API differ; the
// executor converts between them using the node registry.
type Executor struct {
	server *Server
	client *http.Client
	log    zerolog.Logger

	mu   sync.Mutex
	defs workflow.ObjectInfo
}

func NewExecutor(server *Server, log zerolog.Logger) *Executor {
	return &Executor{
		server: server,
		client: &http.Client{Timeout: 2 * time.Minute},
		log:    log,
	}
}

// SetObjectInfo supplies the registry used for prompt conversion. The
// pipeline calls this after registration.
func (e *Executor) SetObjectInfo(defs workflow.ObjectInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.defs = defs
}

func (e *Executor) registry() (workflow.ObjectInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.defs == nil {
		return nil, errs.New(errs.Execution, "node registry not loaded")
	}
	return e.defs, nil
}

// Execute runs one workflow to completion.
func (e *Executor) Execute(ctx context.Context, ref workflow.Ref) error {
	g, err := workflow.ParseFile(ref.Path)
	if err != nil {
		return errs.Wrap(errs.Execution, ref.Name, err)
	}
	return e.run(ctx, g, nil)
}

// ExecuteSubgraph runs only the listed nodes of a workflow.
func (e *Executor) ExecuteSubgraph(ctx context.Context, g *workflow.Graph, keep []int) error {
	keepSet := make(map[int]bool, len(keep))
	for _, id := range keep {
		keepSet[id] = true
	}
	return e.run(ctx, g, keepSet)
}

func (e *Executor) run(ctx context.Context, g *workflow.Graph, keep map[int]bool) error {
	defs, err := e.registry()
	if err != nil {
		return err
	}
	prompt, err := buildPrompt(g, defs, keep)
	if err != nil {
		return err
	}
	id, err := e.submit(ctx, prompt)
	if err != nil {
		return err
	}
	e.log.Debug().Str("workflow", g.Name).Str("prompt_id", id).Msg("queued")
	if err := e.await(ctx, id); err != nil {
		return err
	}
	// Keep runs independent of each other's cached models.
	_ = e.server.FreeMemory(context.WithoutCancel(ctx))
	return nil
}

type apiNode struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
}

// buildPrompt converts a graph document into the execution API's form:
// widget values become named inputs, links become [source_id, slot]
// pairs. With a keep set, excluded nodes and the links into them are
// dropped.
func buildPrompt(g *workflow.Graph, defs workflow.ObjectInfo, keep map[int]bool) (map[string]apiNode, error) {
	linkByID := map[int]workflow.Link{}
	for _, l := range g.Links {
		linkByID[l.ID] = l
	}

	prompt := map[string]apiNode{}
	for i := range g.Nodes {
		node := &g.Nodes[i]
		if keep != nil && !keep[node.ID] {
			continue
		}
		def, ok := defs[node.Type]
		if !ok {
			return nil, errs.Newf(errs.Execution, "unknown node type: %s", node.Type)
		}
		inputs := map[string]any{}

		widgetIdx := 0
		for _, in := range def.Input.All() {
			spec := in.Spec
			if !spec.IsEnum() && isUpperType(spec.Type) {
				continue
			}
			if widgetIdx < len(node.WidgetsValues) {
				inputs[in.Name] = node.WidgetsValues[widgetIdx]
				widgetIdx++
			} else if d, ok := spec.Option("default"); ok {
				inputs[in.Name] = d
			}
		}

		for _, in := range node.Inputs {
			if in.Link == nil {
				continue
			}
			l, ok := linkByID[*in.Link]
			if !ok {
				continue
			}
			if keep != nil && !keep[l.FromNode] {
				continue
			}
			inputs[in.Name] = []any{strconv.Itoa(l.FromNode), l.FromSlot}
		}

		prompt[strconv.Itoa(node.ID)] = apiNode{ClassType: node.Type, Inputs: inputs}
	}
	return prompt, nil
}

// isUpperType mirrors the widget/connection split used by the validator:
// uppercase types other than the four value types are connection slots.
func isUpperType(t string) bool {
	switch t {
	case "BOOLEAN", "INT", "FLOAT", "STRING":
		return false
	}
	hasLetter := false
	for _, r := range t {
		if r >= 'a' && r <= 'z' {
			return false
		}
		if r >= 'A' && r <= 'Z' {
			hasLetter = true
		}
	}
	return hasLetter
}

func (e *Executor) submit(ctx context.Context, prompt map[string]apiNode) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"prompt":    prompt,
		"client_id": "comfytest",
	})
	if err != nil {
		return "", errs.Wrap(errs.Execution, "encode prompt", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.server.BaseURL()+"/prompt", bytes.NewReader(payload))
	if err != nil {
		return "", errs.Wrap(errs.Execution, "submit prompt", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.client.Do(req)
	if err != nil {
		return "", errs.Wrap(errs.Execution, "submit prompt", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", errs.Newf(errs.Execution, "prompt rejected: HTTP %d", resp.StatusCode).
			WithDetails(lastLines(string(body), 10))
	}
	var out struct {
		PromptID string `json:"prompt_id"`
	}
	if err := json.Unmarshal(body, &out); err != nil || out.PromptID == "" {
		return "", errs.New(errs.Execution, "prompt response missing prompt_id")
	}
	return out.PromptID, nil
}

// await polls history until the prompt finishes. On cancellation it
// interrupts the host so the queue does not wedge behind a dead run.
func (e *Executor) await(ctx context.Context, promptID string) error {
	for {
		select {
		case <-ctx.Done():
			e.interruptHost()
			return errs.Wrap(errs.Timeout, "workflow execution", ctx.Err())
		case <-time.After(historyPollInterval):
		}
		done, execErr, err := e.pollHistory(ctx, promptID)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			return err
		}
		if !done {
			continue
		}
		if execErr != "" {
			return errs.New(errs.Execution, execErr)
		}
		return nil
	}
}

func (e *Executor) pollHistory(ctx context.Context, promptID string) (done bool, execErr string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.server.BaseURL()+"/history/"+promptID, nil)
	if err != nil {
		return false, "", errs.Wrap(errs.Execution, "poll history", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return false, "", errs.Wrap(errs.Execution, "poll history", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return false, "", errs.Newf(errs.Execution, "history: HTTP %d", resp.StatusCode)
	}

	var hist map[string]struct {
		Status struct {
			Completed bool   `json:"completed"`
			StatusStr string `json:"status_str"`
			Messages  []json.RawMessage
		} `json:"status"`
	}
	if err := json.Unmarshal(body, &hist); err != nil {
		return false, "", errs.Wrap(errs.Execution, "decode history", err)
	}
	entry, ok := hist[promptID]
	if !ok {
		return false, "", nil
	}
	if entry.Status.StatusStr == "error" {
		return true, executionError(entry.Status.Messages), nil
	}
	if entry.Status.Completed {
		return true, "", nil
	}
	return false, "", nil
}

// executionError digs the node error out of the history status messages.
func executionError(messages []json.RawMessage) string {
	for _, raw := range messages {
		var msg []json.RawMessage
		if json.Unmarshal(raw, &msg) != nil || len(msg) < 2 {
			continue
		}
		var kind string
		if json.Unmarshal(msg[0], &kind) != nil || kind != "execution_error" {
			continue
		}
		var detail struct {
			NodeID           any    `json:"node_id"`
			NodeType         string `json:"node_type"`
			ExceptionMessage string `json:"exception_message"`
		}
		if json.Unmarshal(msg[1], &detail) == nil && detail.ExceptionMessage != "" {
			return fmt.Sprintf("node %v (%s): %s", detail.NodeID, detail.NodeType,
				strings.TrimSpace(detail.ExceptionMessage))
		}
	}
	return "execution failed"
}

func (e *Executor) interruptHost() {
	req, err := http.NewRequest(http.MethodPost, e.server.BaseURL()+"/interrupt", nil)
	if err != nil {
		return
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return
	}
	resp.Body.Close()
}
