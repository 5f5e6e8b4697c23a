// Package main provides the envelope CLI for stage implementations written
// outside Go.
//
// This CLI reads JSON from stdin, performs one envelope operation, and
// writes the resulting JSON to stdout. Designed for subprocess-based interop.
//
// Usage:
//
//	# Create a request envelope
//	echo '{"sender":"orchestrator","receiver":"reader","action":"extract","data":{"source":"p.pdf"}}' | envelope request
//
//	# Answer a request
//	echo '{"request":{...},"sender":"reader","data":{"title":"X"}}' | envelope respond
//
//	# Fail a request
//	echo '{"request":{...},"sender":"reader","error":"unreadable"}' | envelope error
//
//	# Validate an envelope
//	cat envelope.json | envelope validate
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/jeeves-cluster-organization/reviewcore/coreengine/envelope"
)

const (
	cmdRequest  = "request"
	cmdRespond  = "respond"
	cmdError    = "error"
	cmdValidate = "validate"
	cmdVersion  = "version"
)

// Version information
const Version = "1.0.0"

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// cli binds one invocation to its streams.
type cli struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

// run executes a command and returns the process exit code.
func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	c := &cli{stdin: stdin, stdout: stdout, stderr: stderr}
	if len(args) < 1 {
		c.printUsage()
		return 1
	}

	switch args[0] {
	case cmdVersion:
		return c.writeJSON(map[string]string{"version": Version})
	case cmdRequest:
		return c.handleRequest()
	case cmdRespond:
		return c.handleRespond()
	case cmdError:
		return c.handleError()
	case cmdValidate:
		return c.handleValidate()
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		c.printUsage()
		return 1
	}
}

func (c *cli) printUsage() {
	fmt.Fprintln(c.stderr, `Usage: envelope <command>

Commands:
  request   Create a request envelope from {sender, receiver, action, data, context}
  respond   Create a response to {request, sender, data}
  error     Create an error reply to {request, sender, error}
  validate  Validate envelope JSON structure
  version   Print version information

Input/Output:
  All commands read JSON from stdin and write JSON to stdout.
  Errors are written to stdout as {"error": true, "code": ..., "message": ...}.`)
}

// handleRequest creates a request envelope.
func (c *cli) handleRequest() int {
	var in struct {
		Sender   string         `json:"sender"`
		Receiver string         `json:"receiver"`
		Action   string         `json:"action"`
		Data     map[string]any `json:"data"`
		Context  map[string]any `json:"context"`
	}
	if code := c.readJSON(&in); code != 0 {
		return code
	}

	action, err := envelope.ParseAction(in.Action)
	if err != nil {
		return c.writeError("invalid_action", err.Error())
	}
	if in.Data == nil {
		in.Data = map[string]any{}
	}
	return c.writeJSON(envelope.NewRequest(in.Sender, in.Receiver, action, in.Data, in.Context))
}

// handleRespond creates a response to a request envelope.
func (c *cli) handleRespond() int {
	var in struct {
		Request *envelope.Envelope `json:"request"`
		Sender  string             `json:"sender"`
		Data    map[string]any     `json:"data"`
	}
	if code := c.readJSON(&in); code != 0 {
		return code
	}
	if code := c.checkRequest(in.Request); code != 0 {
		return code
	}
	return c.writeJSON(envelope.NewResponse(in.Request, in.Sender, in.Data))
}

// handleError creates an error reply to a request envelope.
func (c *cli) handleError() int {
	var in struct {
		Request *envelope.Envelope `json:"request"`
		Sender  string             `json:"sender"`
		Error   string             `json:"error"`
	}
	if code := c.readJSON(&in); code != 0 {
		return code
	}
	if code := c.checkRequest(in.Request); code != 0 {
		return code
	}
	if in.Error == "" {
		return c.writeError("missing_error", "error description is required")
	}
	return c.writeJSON(envelope.NewError(in.Request, in.Sender, in.Error))
}

// handleValidate validates an envelope.
func (c *cli) handleValidate() int {
	var env envelope.Envelope
	data, err := io.ReadAll(c.stdin)
	if err != nil {
		return c.writeError("read_error", err.Error())
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return c.writeJSON(map[string]any{
			"valid":  false,
			"errors": []string{fmt.Sprintf("Invalid JSON: %s", err.Error())},
		})
	}

	errors := []string{}
	if err := env.Validate(); err != nil {
		errors = append(errors, err.Error())
	}
	return c.writeJSON(map[string]any{
		"valid":      len(errors) == 0,
		"errors":     errors,
		"message_id": env.ID,
	})
}

func (c *cli) checkRequest(req *envelope.Envelope) int {
	if req == nil {
		return c.writeError("missing_request", "request envelope is required")
	}
	if err := req.Validate(); err != nil {
		return c.writeError("invalid_request", err.Error())
	}
	if !req.IsRequest() {
		return c.writeError("invalid_request", fmt.Sprintf("expected a request envelope, got %q", req.Kind))
	}
	return 0
}

// readJSON decodes stdin into v, writing a parse error on failure.
func (c *cli) readJSON(v any) int {
	data, err := io.ReadAll(c.stdin)
	if err != nil {
		return c.writeError("read_error", err.Error())
	}
	if err := json.Unmarshal(data, v); err != nil {
		return c.writeError("parse_error", fmt.Sprintf("Invalid JSON: %s", err.Error()))
	}
	return 0
}

// writeJSON writes a JSON object to stdout.
func (c *cli) writeJSON(v any) int {
	if err := json.NewEncoder(c.stdout).Encode(v); err != nil {
		fmt.Fprintf(c.stderr, "Error encoding JSON: %s\n", err.Error())
		return 1
	}
	return 0
}

// writeError writes an error response to stdout and returns a failing exit code.
func (c *cli) writeError(code, message string) int {
	c.writeJSON(map[string]any{
		"error":   true,
		"code":    code,
		"message": message,
	})
	return 1
}
