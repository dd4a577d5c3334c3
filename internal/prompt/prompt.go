// Package prompt is the host's side of the presentation layer. Calls are
// fire and forget: the host never waits on the UI.
package prompt

import "github.com/loykin/kithost/internal/message"

// Window commands carried on the same frame stream as prompt channels.
const (
	WindowShow   message.Channel = "WINDOW_SHOW"
	WindowHide   message.Channel = "WINDOW_HIDE"
	WindowResize message.Channel = "WINDOW_RESIZE"
)

type Presenter interface {
	SendToPrompt(ch message.Channel, data any)
	ShowPrompt()
	HidePromptWindow()
	ResizePrompt(size message.SizePayload)
}

// Nop drops everything. It serves headless hosts.
type Nop struct{}

func (Nop) SendToPrompt(message.Channel, any) {}
func (Nop) ShowPrompt()                       {}
func (Nop) HidePromptWindow()                 {}
func (Nop) ResizePrompt(message.SizePayload)  {}

var (
	_ Presenter = Nop{}
	_ Presenter = (*Hub)(nil)
)
