package main

import "time"

// Flag structs decouple cobra from the handlers for testing.

// ConnFlags are the daemon connection options shared by every remote
// command.
type ConnFlags struct {
	URL      string
	Token    string
	Timeout  time.Duration
	CACert   string
	Insecure bool
}

// GlobalFlags holds the root command's persistent flags.
type GlobalFlags struct {
	ConfigPath string
}

type ServeFlags struct {
	ConfigPath string
	Detach     bool
	LogFile    string
}

type InitFlags struct {
	Path  string
	Force bool
	// DevTLS adds a self-signed HTTPS block with certificates generated
	// next to the config file.
	DevTLS bool
}

type ListFlags struct {
	ConnFlags
	JSON bool
}

type StatusFlags struct {
	ConnFlags
	ID int64 // 0 asks for the daemon overview
}

type CreateFlags struct {
	ConnFlags
	Name       string
	ServerType string
	Version    string
	Execute    string
	XmsMB      int
	XmxMB      int
}

type AddFlags struct {
	ConnFlags
	Path string
}

// ProjectFlags cover the commands that act on one registered project.
type ProjectFlags struct {
	ConnFlags
	ID int64
}

type FileFlags struct {
	ConnFlags
	ID   int64
	Path string // path inside the project directory
	// Local is the local file; "-" or empty means stdout (get) / stdin (put).
	Local string
}

type ConsoleFlags struct {
	ConnFlags
	ID int64
}

type TokenFlags struct {
	Count int
	// TTL Expires generated tokens after this duration. Zero never expires.
	TTL time.Duration
}

type TemplateFlags struct {
	Kind   string
	Name   string
	Output string
	Force  bool
}
