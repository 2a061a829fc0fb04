// internal/ws/dispatcher.go
package ws

import (
	"context"
	"encoding/json"
	"log/slog"

	"pagepatch/internal/app"
	"pagepatch/internal/checkpoint"
	"pagepatch/internal/provider"
	"pagepatch/internal/session"
	"pagepatch/internal/watcher"
)

const lastAgentKey = "last_agent"

// dispatcher routes one client's inbound frames. It holds no state of its
// own: the connection state lives in the session.Conn (which outlives the
// transport), everything durable lives in the checkpoint engine.
type dispatcher struct {
	ctx       *app.Context
	conn      *session.Conn
	client    *Client
	broadcast func(kind string, payload any)
}

// handle decodes and routes one inbound frame
func (d *dispatcher) handle(raw []byte) {
	var msg Inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		d.client.Emit("error", map[string]any{"message": "malformed message"})
		return
	}

	switch msg.Type {
	case "get_agents":
		d.handleGetAgents()
	case "select_agent":
		d.handleSelectAgent(msg.Agent)
	case "batch":
		d.handleBatch(msg.Data)
	case "message":
		d.handleMessage(msg.Content)
	case "stop":
		d.conn.Stop()
	case "reset":
		d.handleReset()
	case "get_history":
		d.handleGetHistory()
	case "undo":
		d.handleUndo()
	case "revert_to":
		d.handleRevertTo(msg.CheckpointID)
	case "clear_history":
		d.handleClearHistory()
	default:
		d.client.Emit("error", map[string]any{"message": "unknown message type: " + msg.Type})
	}
}

func (d *dispatcher) handleGetAgents() {
	d.client.Emit("agents", map[string]any{"agents": d.ctx.Registry.List()})
}

func (d *dispatcher) handleSelectAgent(agent string) {
	p, err := d.ctx.Registry.Get(agent)
	if err != nil {
		d.client.Emit("agent_error", map[string]any{"message": err.Error()})
		return
	}
	if err := d.conn.Select(p); err != nil {
		d.client.Emit("agent_error", map[string]any{"message": err.Error()})
		return
	}

	if engine, err := d.ctx.Engine(d.conn.ProjectDir()); err == nil {
		if err := engine.SaveSetting(lastAgentKey, agent); err != nil {
			slog.Warn("persisting agent selection", "error", err)
		}
	}

	d.client.Emit("agent_selected", map[string]any{
		"agent": p.ID(),
		"model": p.DefaultModel(),
	})
}

func (d *dispatcher) handleBatch(b *Batch) {
	if err := validateBatch(b); err != nil {
		d.client.Emit("error", map[string]any{"message": err.Error()})
		return
	}

	if b.ProjectDir != "" {
		if err := d.conn.SetProjectDir(b.ProjectDir); err != nil {
			d.client.Emit("error", map[string]any{"message": err.Error()})
			return
		}
	}

	summaries := make([]checkpoint.AnnotationSummary, 0, len(b.Annotations))
	for _, a := range b.Annotations {
		summaries = append(summaries, checkpoint.AnnotationSummary{
			ID:       a.ID,
			Label:    a.Label,
			Selector: a.Selector,
			Notes:    a.Notes,
		})
	}

	var images []provider.Image
	for _, a := range b.Annotations {
		if a.Screenshot == nil {
			continue
		}
		images = append(images, provider.Image{
			Base64:    a.Screenshot.Base64,
			MediaType: a.Screenshot.MediaType,
			Label:     a.Label,
		})
	}

	page := checkpoint.PageContext{URL: b.Page.URL, Title: b.Page.Title}
	d.runTurn(batchPrompt(b), images, summaries, page)
}

func (d *dispatcher) handleMessage(content string) {
	if content == "" {
		d.client.Emit("error", map[string]any{"message": "empty message"})
		return
	}
	// Follow-up turns can edit files too, so they get their own bracket
	d.runTurn(content, nil, nil, checkpoint.PageContext{})
}

// runTurn brackets one agent turn with a checkpoint and submits it. A
// pending checkpoint left behind by a failed or interrupted turn is
// finalized first, so the edits it covered keep their own history entry.
func (d *dispatcher) runTurn(prompt string, images []provider.Image, summaries []checkpoint.AnnotationSummary, page checkpoint.PageContext) {
	if d.conn.Agent() == "" {
		d.client.Emit("error", map[string]any{"message": session.ErrNoAgent.Error()})
		return
	}

	engine, err := d.ctx.Engine(d.conn.ProjectDir())
	if err != nil {
		d.client.Emit("error", map[string]any{"message": err.Error()})
		return
	}

	if open := engine.OpenCheckpointID(); open != "" {
		leftover, err := engine.Finalize(open)
		if err != nil {
			d.client.Emit("error", map[string]any{"message": err.Error()})
			return
		}
		d.broadcast("checkpoint_created", map[string]any{"checkpoint": leftover})
	}

	cp, err := engine.Create(summaries, page, d.conn.Agent())
	if err != nil {
		d.client.Emit("error", map[string]any{"message": err.Error()})
		return
	}

	var shots []checkpoint.Screenshot
	for _, img := range images {
		shots = append(shots, checkpoint.Screenshot{Base64: img.Base64, MediaType: img.MediaType})
	}
	if len(shots) > 0 {
		engine.ArchiveScreenshots(cp.ID, shots)
	}

	w := d.watchProject()

	err = d.conn.Submit(context.Background(), prompt, images, func(failed bool) {
		if w != nil {
			w.Close()
		}
		if failed {
			// The pending checkpoint stays open; the next turn finalizes
			// it so whatever the agent managed to edit is still bracketed.
			return
		}
		final, err := engine.Finalize(cp.ID)
		if err != nil {
			slog.Error("finalizing checkpoint", "id", cp.ID, "error", err)
			d.client.Emit("error", map[string]any{"message": err.Error()})
			return
		}
		d.broadcast("checkpoint_created", map[string]any{"checkpoint": final})
	})
	if err != nil {
		if w != nil {
			w.Close()
		}
		d.client.Emit("error", map[string]any{"message": err.Error()})
	}
}

// watchProject reports file changes to the client while a turn runs
func (d *dispatcher) watchProject() *watcher.ProjectWatcher {
	conn := d.conn
	w, err := watcher.Watch(conn.ProjectDir(), watcher.DefaultDebounce, func(paths []string) {
		conn.Emit("files_changed", map[string]any{"paths": paths})
	})
	if err != nil {
		slog.Warn("watching project tree", "dir", conn.ProjectDir(), "error", err)
		return nil
	}
	return w
}

func (d *dispatcher) handleReset() {
	if err := d.conn.Reset(); err != nil {
		d.client.Emit("error", map[string]any{"message": err.Error()})
		return
	}
	d.client.Emit("reset_complete", nil)
}

func (d *dispatcher) handleGetHistory() {
	engine, err := d.ctx.Engine(d.conn.ProjectDir())
	if err != nil {
		d.client.Emit("error", map[string]any{"message": err.Error()})
		return
	}

	history, err := engine.History()
	if err != nil {
		d.client.Emit("error", map[string]any{"message": err.Error()})
		return
	}

	// Newest first for display
	view := make([]*checkpoint.Checkpoint, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		view = append(view, history[i])
	}
	d.client.Emit("history", map[string]any{"checkpoints": view})
}

func (d *dispatcher) handleUndo() {
	engine, err := d.ctx.Engine(d.conn.ProjectDir())
	if err != nil {
		d.client.Emit("error", map[string]any{"message": err.Error()})
		return
	}
	if err := d.conn.BeginHistoryOp(); err != nil {
		d.client.Emit("error", map[string]any{"message": err.Error()})
		return
	}
	defer d.conn.EndHistoryOp()

	res, err := engine.UndoLast()
	if err != nil {
		d.client.Emit("error", map[string]any{"message": err.Error()})
		return
	}
	d.broadcast("undo_complete", map[string]any{
		"checkpointId":  res.CheckpointID,
		"filesReverted": res.FilesReverted,
	})
}

func (d *dispatcher) handleRevertTo(checkpointID string) {
	if checkpointID == "" {
		d.client.Emit("error", map[string]any{"message": "missing checkpointId"})
		return
	}
	engine, err := d.ctx.Engine(d.conn.ProjectDir())
	if err != nil {
		d.client.Emit("error", map[string]any{"message": err.Error()})
		return
	}
	if err := d.conn.BeginHistoryOp(); err != nil {
		d.client.Emit("error", map[string]any{"message": err.Error()})
		return
	}
	defer d.conn.EndHistoryOp()

	res, err := engine.RevertTo(checkpointID)
	if err != nil {
		d.client.Emit("error", map[string]any{"message": err.Error()})
		return
	}
	d.broadcast("revert_complete", map[string]any{
		"checkpointId":  res.CheckpointID,
		"filesReverted": res.FilesReverted,
	})
}

func (d *dispatcher) handleClearHistory() {
	engine, err := d.ctx.Engine(d.conn.ProjectDir())
	if err != nil {
		d.client.Emit("error", map[string]any{"message": err.Error()})
		return
	}
	if err := d.conn.BeginHistoryOp(); err != nil {
		d.client.Emit("error", map[string]any{"message": err.Error()})
		return
	}
	defer d.conn.EndHistoryOp()

	if err := engine.Clear(); err != nil {
		d.client.Emit("error", map[string]any{"message": err.Error()})
		return
	}
	d.broadcast("history_cleared", nil)
}

