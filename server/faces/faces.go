package faces

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/clipvault/clipvault/pkg/shell"
	"github.com/cyclopcam/logs"
)

// Encoder is a narrow interface over the external face-encoding process.
// The heavy lifting (face_recognition et al) lives in a Python script; we hand
// it one JSON argument and read one JSON document back on stdout. Each call is
// its own subprocess, cancelled with the request context, so a slow encode
// never blocks other requests.

const (
	ActionEncode = "encode"
	ActionRemove = "remove"
)

type Face struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type Request struct {
	Action  string `json:"action"`
	OwnerID int64  `json:"ownerID"`
	Faces   []Face `json:"faces"`
}

type Encoder struct {
	log    logs.Log
	python string
	script string
}

func NewEncoder(log logs.Log, python, script string) *Encoder {
	if python == "" {
		python = "python3"
	}
	return &Encoder{
		log:    log,
		python: python,
		script: script,
	}
}

func IsValidAction(action string) bool {
	return action == ActionEncode || action == ActionRemove
}

// Run invokes the script and returns its JSON output verbatim.
// On a non-zero exit, the script's stderr becomes the error text.
func (e *Encoder) Run(ctx context.Context, req *Request) (json.RawMessage, error) {
	if !IsValidAction(req.Action) {
		return nil, fmt.Errorf("invalid face action '%v'", req.Action)
	}
	arg, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	out, err := shell.RunCtx(ctx, e.python, e.script, string(arg))
	if err != nil {
		e.log.Errorf("Face %v failed (owner %v): %v", req.Action, req.OwnerID, err)
		return nil, fmt.Errorf("face %v failed: %w", req.Action, err)
	}
	trimmed := strings.TrimSpace(out)
	if !json.Valid([]byte(trimmed)) {
		return nil, fmt.Errorf("face %v produced invalid output", req.Action)
	}
	return json.RawMessage(trimmed), nil
}
