package agent

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/ashureev/trax-tutor/internal/domain"
)

var errNotStructured = errors.New("not a structured reply")

// Normalize turns raw model text into a StructuredReply. It never fails.
//
// A reply that parses keeps its optional fields (dropping any that are empty,
// mistyped or outside their enum) and takes turnMode as its mode. Anything
// else is degraded: the raw text becomes the reply, mode is fallbackMode and
// every optional field is absent. The boolean reports degradation.
func Normalize(raw string, turnMode, fallbackMode domain.Mode) (domain.StructuredReply, bool) {
	reply, err := parseStructured(raw)
	if err != nil {
		if !fallbackMode.Valid() {
			fallbackMode = domain.ModeTutor
		}
		return domain.StructuredReply{Reply: raw, Mode: fallbackMode}, true
	}
	reply.Mode = turnMode
	return reply, false
}

// parseStructured strictly parses text that must be exactly one JSON object
// with a string "reply" member. Mode is kept only when recognised.
func parseStructured(text string) (domain.StructuredReply, error) {
	var out domain.StructuredReply

	dec := json.NewDecoder(strings.NewReader(text))
	var fields map[string]json.RawMessage
	if err := dec.Decode(&fields); err != nil {
		return out, err
	}
	if fields == nil {
		return out, errNotStructured
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return out, errNotStructured
	}

	if !isJSONString(fields["reply"]) || json.Unmarshal(fields["reply"], &out.Reply) != nil {
		return out, errNotStructured
	}

	if s, ok := stringField(fields["mode"]); ok {
		if mode, ok := domain.ParseMode(s); ok {
			out.Mode = mode
		}
	}
	if s, ok := stringField(fields["step"]); ok {
		if step := domain.Step(s); step.Valid() {
			out.Step = &step
		}
	}
	var correct bool
	if raw := fields["correct"]; isJSONBool(raw) && json.Unmarshal(raw, &correct) == nil {
		out.Correct = &correct
	}

	var meta map[string]json.RawMessage
	if raw := fields["metadata"]; len(raw) > 0 && json.Unmarshal(raw, &meta) == nil {
		if s, ok := stringField(meta["topic"]); ok && strings.TrimSpace(s) != "" {
			out.Metadata.Topic = &s
		}
		if s, ok := stringField(meta["difficulty"]); ok {
			if d := domain.Difficulty(s); d.Valid() {
				out.Metadata.Difficulty = &d
			}
		}
	}
	return out, nil
}

// replyText extracts the reply of a stored response, falling back to the
// whole stored string.
func replyText(stored string) (string, domain.Mode) {
	reply, err := parseStructured(stored)
	if err != nil {
		return stored, ""
	}
	return reply.Reply, reply.Mode
}

func stringField(raw json.RawMessage) (string, bool) {
	if !isJSONString(raw) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		return "", false
	}
	return s, true
}

func isJSONString(raw json.RawMessage) bool {
	return len(raw) > 0 && raw[0] == '"'
}

func isJSONBool(raw json.RawMessage) bool {
	return bytes.Equal(raw, []byte("true")) || bytes.Equal(raw, []byte("false"))
}
