package message

import "encoding/json"

// Typed payloads, one per channel family. Fields match the JSON keys scripts
// send; unknown keys are ignored by handlers but preserved in Message.Raw.

type LogPayload struct {
	Log  string `json:"log"`
	Warn string `json:"warn"`
}

type HintPayload struct {
	Hint string `json:"hint"`
}

type InputPayload struct {
	Input string `json:"input"`
}

type PanelPayload struct {
	HTML string `json:"html"`
}

type TabIndexPayload struct {
	TabIndex int `json:"tabIndex"`
}

type ModePayload struct {
	Mode string `json:"mode"`
}

// ModeHotkey is the prompt mode that captures key presses and therefore
// pauses global shortcuts.
const ModeHotkey = "HOTKEY"

type PlaceholderPayload struct {
	Text string `json:"text"`
}

type InfoPayload struct {
	Info string `json:"info"`
}

type IgnoreBlurPayload struct {
	Ignore bool `json:"ignore"`
}

type FilePathPayload struct {
	FilePath string `json:"filePath"`
}

type KenvPayload struct {
	KenvPath string `json:"kenvPath"`
}

// LoginPayload mirrors the login item settings of the desktop shell.
type LoginPayload struct {
	OpenAtLogin  bool `json:"openAtLogin"`
	OpenAsHidden bool `json:"openAsHidden"`
}

type ServerPayload struct {
	Host string      `json:"host"`
	Port json.Number `json:"port"`
}

type ScriptPayload struct {
	Script json.RawMessage `json:"script"`
}

type RunScriptPayload struct {
	Name string   `json:"name"`
	Args []string `json:"args"`
}

// ChoicesPayload carries SET_CHOICES. Scripts marks a list of script choices.
type ChoicesPayload struct {
	Choices []Choice `json:"choices"`
	Scripts bool     `json:"scripts"`
}

// PromptPayload carries SHOW_PROMPT. Choices is optional.
type PromptPayload struct {
	Choices []Choice `json:"choices"`
}

// UI event payloads.

type ValuePayload struct {
	Value any `json:"value"`
}

type TabPayload struct {
	Tab   string `json:"tab"`
	Input string `json:"input"`
}

type GeneratePayload struct {
	Input *string `json:"input"`
}

type SizePayload struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
