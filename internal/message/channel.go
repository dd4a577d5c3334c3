package message

import "github.com/samber/lo"

// Channel names the kind of a message exchanged between the host, its child
// scripts and the prompt. The set is closed: every value listed in
// AllChannels must have a handler in the router.
type Channel string

// Child -> host channels.
const (
	ConsoleLog       Channel = "CONSOLE_LOG"
	ConsoleWarn      Channel = "CONSOLE_WARN"
	GetScriptsState  Channel = "GET_SCRIPTS_STATE"
	GetSchedule      Channel = "GET_SCHEDULE"
	GetBackground    Channel = "GET_BACKGROUND"
	ToggleBackground Channel = "TOGGLE_BACKGROUND"
	GetScreenInfo    Channel = "GET_SCREEN_INFO"
	GetMouse         Channel = "GET_MOUSE"
	GetServerState   Channel = "GET_SERVER_STATE"
	HideApp          Channel = "HIDE_APP"
	NeedsRestart     Channel = "NEEDS_RESTART"
	QuitApp          Channel = "QUIT_APP"
	SetScript        Channel = "SET_SCRIPT"
	SetLogin         Channel = "SET_LOGIN"
	SetMode          Channel = "SET_MODE"
	SetHint          Channel = "SET_HINT"
	SetIgnoreBlur    Channel = "SET_IGNORE_BLUR"
	SetInput         Channel = "SET_INPUT"
	SetPlaceholder   Channel = "SET_PLACEHOLDER"
	SetPanel         Channel = "SET_PANEL"
	SetTabIndex      Channel = "SET_TAB_INDEX"
	SetPromptData    Channel = "SET_PROMPT_DATA"
	SetChoices       Channel = "SET_CHOICES"
	ShowPrompt       Channel = "SHOW_PROMPT"
	Show             Channel = "SHOW"
	ShowText         Channel = "SHOW_TEXT"
	ShowImage        Channel = "SHOW_IMAGE"
	ShowNotification Channel = "SHOW_NOTIFICATION"
	UpdateApp        Channel = "UPDATE_APP"
	SwitchKenv       Channel = "SWITCH_KENV"
	CreateKenv       Channel = "CREATE_KENV"
	UpdatePromptWarn Channel = "UPDATE_PROMPT_WARN"
	ClearPromptCache Channel = "CLEAR_PROMPT_CACHE"
	RunScript        Channel = "RUN_SCRIPT"
	SendResponse     Channel = "SEND_RESPONSE"
	StartServer      Channel = "START_SERVER"
	StopServer       Channel = "STOP_SERVER"
)

// Host -> child reply channels.
const (
	ScriptsState Channel = "SCRIPTS_STATE"
	Schedule     Channel = "SCHEDULE"
	Background   Channel = "BACKGROUND"
	ScreenInfo   Channel = "SCREEN_INFO"
	Mouse        Channel = "MOUSE"
	Server       Channel = "SERVER"
)

// Prompt (UI) -> host channels.
const (
	ValueSubmitted     Channel = "VALUE_SUBMITTED"
	GenerateChoices    Channel = "GENERATE_CHOICES"
	TabChanged         Channel = "TAB_CHANGED"
	ContentSizeUpdated Channel = "CONTENT_SIZE_UPDATED"
	EscapePressed      Channel = "ESCAPE_PRESSED"
	PromptError        Channel = "PROMPT_ERROR"
	ResetPrompt        Channel = "RESET_PROMPT"
)

var childChannels = []Channel{
	ConsoleLog, ConsoleWarn, GetScriptsState, GetSchedule, GetBackground,
	ToggleBackground, GetScreenInfo, GetMouse, GetServerState, HideApp,
	NeedsRestart, QuitApp, SetScript, SetLogin, SetMode, SetHint, SetIgnoreBlur,
	SetInput, SetPlaceholder, SetPanel, SetTabIndex, SetPromptData, SetChoices,
	ShowPrompt, Show, ShowText, ShowImage, ShowNotification, UpdateApp,
	SwitchKenv, CreateKenv, UpdatePromptWarn, ClearPromptCache, RunScript,
	SendResponse, StartServer, StopServer,
}

var uiChannels = []Channel{
	ValueSubmitted, GenerateChoices, TabChanged, ContentSizeUpdated,
	EscapePressed, PromptError,
}

// AllChannels returns every channel a child script may send to the host.
func AllChannels() []Channel {
	return append([]Channel(nil), childChannels...)
}

// UIChannels returns every channel the prompt may send to the host.
func UIChannels() []Channel {
	return append([]Channel(nil), uiChannels...)
}

// Known reports whether c is part of the child -> host protocol.
func (c Channel) Known() bool {
	return lo.Contains(childChannels, c)
}

func (c Channel) String() string { return string(c) }
