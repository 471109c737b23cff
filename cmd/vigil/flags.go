package main

import "time"

// StatusFlags Flag structs to decouple cobra from logic for testing.
type StatusFlags struct {
	// Remote daemon connection
	APIUrl     string
	APITimeout time.Duration
}

type StartFlags struct {
	// Remote daemon connection
	APIUrl     string
	APITimeout time.Duration
}

type StopFlags struct {
	Wait time.Duration
	// Remote daemon connection
	APIUrl     string
	APITimeout time.Duration
}

type RestartFlags struct {
	// Remote daemon connection
	APIUrl     string
	APITimeout time.Duration
}

type UpdateFlags struct {
	// Remote daemon connection
	APIUrl     string
	APITimeout time.Duration
}

type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	PidFile    string
	LogFile    string
}
