// Package main defines the CLI structure using kong.
package main

import "github.com/alecthomas/kong"

// CLI defines the command-line interface.
type CLI struct {
	Serve    ServeCmd    `cmd:"" default:"1" help:"Run the HTTP API, MCP endpoint, and nightly scheduler"`
	Run      RunCmd      `cmd:"" help:"Run one agent and print the result"`
	Nightly  NightlyCmd  `cmd:"" help:"Run the nightly executive pipeline once"`
	Seed     SeedCmd     `cmd:"" help:"Upsert agents from spec files and grant their data permissions"`
	Validate ValidateCmd `cmd:"" help:"Validate agent spec files"`
	Keygen   KeygenCmd   `cmd:"" help:"Write an Ed25519 key pair for JWT signing"`
	Version  VersionCmd  `cmd:"" help:"Show version information"`
}

// ServeCmd starts the server.
type ServeCmd struct{}

// RunCmd executes one agent.
type RunCmd struct {
	Agent   string `short:"a" required:"" help:"Agent name or ID"`
	Prompt  string `short:"p" required:"" help:"User prompt"`
	Context string `short:"c" help:"JSON object appended to the prompt as context"`
	JSON    bool   `help:"Print the full execution result as JSON"`
}

// NightlyCmd runs the pipeline once, outside the scheduler.
type NightlyCmd struct{}

// SeedCmd loads agent specs into the database.
type SeedCmd struct {
	Files []string `arg:"" type:"existingfile" help:"YAML or JSON spec files"`
}

// ValidateCmd validates agent specs without touching the database.
type ValidateCmd struct {
	Files []string `arg:"" type:"existingfile" help:"YAML or JSON spec files"`
}

// KeygenCmd writes a JWT signing key pair.
type KeygenCmd struct {
	Private string `default:"yakuin_jwt.pem" help:"Private key output path"`
	Public  string `default:"yakuin_jwt.pub.pem" help:"Public key output path"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

// kongVars returns variables for kong (version info).
func kongVars() kong.Vars {
	return kong.Vars{
		"version": version,
	}
}
