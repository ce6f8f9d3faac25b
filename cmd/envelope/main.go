// Command envelope is a stdin/stdout JSON filter over envelope state.
// Out-of-process hosts drive it as a subprocess: one command per
// invocation, state dict in, state dict (or error object) out.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/agentkernel-io/agentkernel/coreengine/envelope"
)

const (
	version   = "1.0.0"
	buildTime = "2025-12-10"
)

var commands = map[string]func(){
	"version":      runVersion,
	"create":       runCreate,
	"process":      runProcess,
	"can-continue": runCanContinue,
	"result":       runResult,
	"validate":     runValidate,
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	run, ok := commands[os.Args[1]]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}
	run()
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: envelope <command>

Commands:
  process       Read envelope JSON from stdin, process, write to stdout
  create        Create new envelope from input JSON
  can-continue  Check if envelope can continue processing
  result        Get envelope result dictionary
  validate      Validate envelope JSON structure
  version       Print version information

All commands read JSON from stdin and write JSON to stdout; errors go
to stderr. Examples:

  echo '{"raw_input":"hello","user_id":"u1"}' | envelope create
  cat envelope.json | envelope can-continue`)
}

// fail emits an error object on stdout and exits nonzero, so the host
// always gets machine-readable failures.
func fail(code, message string) {
	emit(map[string]any{
		"error":   true,
		"code":    code,
		"message": message,
	})
	os.Exit(1)
}

func emit(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %s\n", err.Error())
		os.Exit(1)
	}
}

// readState reads stdin and parses it as a state dict, failing the
// process on any problem.
func readState() map[string]any {
	input, err := io.ReadAll(os.Stdin)
	if err != nil {
		fail("read_error", err.Error())
	}

	var state map[string]any
	if err := json.Unmarshal(input, &state); err != nil {
		fail("parse_error", fmt.Sprintf("Invalid JSON: %s", err.Error()))
	}
	return state
}

func runVersion() {
	emit(map[string]string{
		"version":    version,
		"build_time": buildTime,
		"go_version": runtime.Version(),
	})
}

func runCreate() {
	input, err := io.ReadAll(os.Stdin)
	if err != nil {
		fail("read_error", err.Error())
	}

	var req struct {
		RawInput   string         `json:"raw_input"`
		UserID     string         `json:"user_id"`
		SessionID  string         `json:"session_id"`
		RequestID  *string        `json:"request_id,omitempty"`
		Metadata   map[string]any `json:"metadata,omitempty"`
		StageOrder []string       `json:"stage_order,omitempty"`
	}
	if err := json.Unmarshal(input, &req); err != nil {
		fail("parse_error", fmt.Sprintf("Invalid JSON: %s", err.Error()))
	}

	env := envelope.Create(req.RawInput, req.UserID, req.SessionID,
		req.RequestID, req.Metadata, req.StageOrder)
	emit(env.ToStateDict())
}

func runProcess() {
	env := envelope.FromStateDict(readState())

	if !env.CanContinue() {
		fail("bounds_exceeded", fmt.Sprintf("Cannot continue: %v", env.TerminalReason))
	}
	emit(env.ToStateDict())
}

func runCanContinue() {
	env := envelope.FromStateDict(readState())
	canContinue := env.CanContinue()

	var reason *string
	if env.TerminalReason != nil {
		r := string(*env.TerminalReason)
		reason = &r
	}

	emit(map[string]any{
		"can_continue":    canContinue,
		"terminal_reason": reason,
		"iteration":       env.Iteration,
		"llm_call_count":  env.LLMCallCount,
		"agent_hop_count": env.AgentHopCount,
	})
}

func runResult() {
	env := envelope.FromStateDict(readState())
	emit(env.ToResultDict())
}

// runValidate never exits nonzero for bad payloads; validation
// problems are part of the result object.
func runValidate() {
	input, err := io.ReadAll(os.Stdin)
	if err != nil {
		fail("read_error", err.Error())
	}

	var state map[string]any
	if err := json.Unmarshal(input, &state); err != nil {
		emit(map[string]any{
			"valid":  false,
			"errors": []string{fmt.Sprintf("Invalid JSON: %s", err.Error())},
		})
		return
	}

	problems := []string{}
	for _, field := range []string{"envelope_id", "user_id"} {
		if state[field] == nil {
			// Missing fields pick up defaults during parsing
			continue
		}
		if _, ok := state[field].(string); !ok {
			problems = append(problems, fmt.Sprintf("Field '%s' must be a string", field))
		}
	}

	env := envelope.FromStateDict(state)
	if env.EnvelopeID == "" {
		problems = append(problems, "envelope_id is empty after parsing")
	}

	emit(map[string]any{
		"valid":       len(problems) == 0,
		"errors":      problems,
		"envelope_id": env.EnvelopeID,
	})
}
