package router

import (
	"context"
	"errors"
	"log/slog"

	"github.com/loykin/kithost/internal/message"
	"github.com/loykin/kithost/internal/registry"
)

// sendToPromptChild writes v to the active prompt child, if there is one.
func (r *Router) sendToPromptChild(v any) (registry.ProcessInfo, bool) {
	p, err := r.d.Registry.FindPromptProcess()
	if errors.Is(err, registry.ErrNoPromptProcess) {
		return registry.ProcessInfo{}, false
	}
	if v != nil {
		if err := p.Child.Send(v); err != nil {
			r.d.Registry.Fail(p.PID, err)
		}
	}
	return p, true
}

func (r *Router) valueSubmitted(_ context.Context, m message.Message) error {
	p, err := decode[message.ValuePayload](m)
	if err != nil {
		return err
	}
	r.d.Control.Emit(Event{Kind: EventResumeShortcuts})
	pp, err := r.d.Registry.FindPromptProcess()
	if err != nil {
		slog.Debug("value submitted without a prompt process")
		return nil
	}
	if err := r.d.Registry.AppendValue(pp.PID, p.Value); err != nil {
		return err
	}
	r.sendToPromptChild(map[string]any{"channel": message.ValueSubmitted, "value": p.Value})
	return nil
}

func (r *Router) generateChoices(_ context.Context, m message.Message) error {
	p, err := decode[message.GeneratePayload](m)
	if err != nil {
		return err
	}
	if p.Input == nil {
		return nil
	}
	r.sendToPromptChild(map[string]any{"channel": message.GenerateChoices, "input": *p.Input})
	return nil
}

func (r *Router) tabChanged(_ context.Context, m message.Message) error {
	p, err := decode[message.TabPayload](m)
	if err != nil {
		return err
	}
	r.d.Control.Emit(Event{Kind: EventResumeShortcuts})
	if p.Tab == "" {
		return nil
	}
	r.sendToPromptChild(map[string]any{"channel": message.TabChanged, "tab": p.Tab, "input": p.Input})
	return nil
}

func (r *Router) contentSizeUpdated(_ context.Context, m message.Message) error {
	p, err := decode[message.SizePayload](m)
	if err != nil {
		return err
	}
	r.d.Prompt.ResizePrompt(p)
	return nil
}

// escapePressed resets the prompt, ends its process and hides the window.
func (r *Router) escapePressed(context.Context, message.Message) error {
	r.d.Control.Emit(Event{Kind: EventResumeShortcuts})
	var script string
	if p, err := r.d.Registry.FindPromptProcess(); err == nil {
		script = p.ScriptPath
	}
	r.d.Prompt.SendToPrompt(message.ResetPrompt, map[string]string{"kitScript": script})
	r.d.Registry.EndPreviousPromptProcess()
	r.d.Prompt.HidePromptWindow()
	return nil
}

func (r *Router) promptError(_ context.Context, m message.Message) error {
	p, err := decode[message.ErrorPayload](m)
	if err != nil {
		return err
	}
	slog.Warn("prompt error", "message", p.Message)
	if !r.d.Control.AppHidden() {
		r.placeholder(p.Message)
	}
	return nil
}
