package main

import "time"

// GlobalFlags are persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	SocketPath string // overrides socket_path from config
	APITimeout time.Duration
}

type ServeFlags struct {
	// NonBlocking returns right after startup; used by tests.
	NonBlocking bool
}

type RunFlags struct {
	Type    string
	Wait    bool
	Timeout time.Duration
}

type PsFlags struct {
	Usage bool
}
