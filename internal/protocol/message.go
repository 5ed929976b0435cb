// Package protocol defines the closed set of messages exchanged between the
// control surface, the execution surface and the download dispatcher.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"flowgen/internal/model"
)

type Type string

const (
	TypePing               Type = "PING"
	TypeGenerate           Type = "GENERATE"
	TypeStop               Type = "STOP"
	TypeProgress           Type = "PROGRESS"
	TypeDownloadComplete   Type = "DOWNLOAD_COMPLETE"
	TypeGenerationComplete Type = "GENERATION_COMPLETE"
	TypeError              Type = "ERROR"
	TypeDownload           Type = "DOWNLOAD"
)

var ErrUnknownType = errors.New("unknown message type")

// Message is implemented only by the types in this package.
type Message interface {
	Type() Type
	message()
}

type Ping struct{}

type Generate struct {
	Prompts  []string          `json:"prompts"`
	Settings model.RunSettings `json:"settings"`
	RunID    string            `json:"runId,omitempty"`
}

type Stop struct{}

type Progress struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	RunID   string `json:"runId,omitempty"`
}

type DownloadComplete struct {
	Filename string `json:"filename,omitempty"`
	RunID    string `json:"runId,omitempty"`
}

type GenerationComplete struct {
	RunID string `json:"runId,omitempty"`
}

// ErrorReport is non-fatal unless Fatal is set, in which case the run it
// names has ended.
type ErrorReport struct {
	Error string `json:"error"`
	Fatal bool   `json:"fatal,omitempty"`
	RunID string `json:"runId,omitempty"`
}

type Download struct {
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
	RunID    string `json:"runId,omitempty"`
}

func (Ping) Type() Type               { return TypePing }
func (Generate) Type() Type           { return TypeGenerate }
func (Stop) Type() Type               { return TypeStop }
func (Progress) Type() Type           { return TypeProgress }
func (DownloadComplete) Type() Type   { return TypeDownloadComplete }
func (GenerationComplete) Type() Type { return TypeGenerationComplete }
func (ErrorReport) Type() Type        { return TypeError }
func (Download) Type() Type           { return TypeDownload }

func (Ping) message()               {}
func (Generate) message()           {}
func (Stop) message()               {}
func (Progress) message()           {}
func (DownloadComplete) message()   {}
func (GenerationComplete) message() {}
func (ErrorReport) message()        {}
func (Download) message()           {}

// Reply is the synchronous response to a control->execution message.
type Reply struct {
	Status string `json:"status"`
}

const (
	StatusOK   = "OK"
	StatusBusy = "BUSY"
)

func (r Reply) OK() bool {
	return r.Status == StatusOK
}

// Artifact extracts the artifact reference carried by a DOWNLOAD request.
func (d Download) Artifact() model.Artifact {
	return model.Artifact{SourceURL: d.URL, SuggestedName: d.Filename}
}

// RunID returns the run a message belongs to, or "" when it carries none.
func RunID(m Message) string {
	switch v := m.(type) {
	case Generate:
		return v.RunID
	case Progress:
		return v.RunID
	case DownloadComplete:
		return v.RunID
	case GenerationComplete:
		return v.RunID
	case ErrorReport:
		return v.RunID
	case Download:
		return v.RunID
	case Ping, Stop:
		return ""
	default:
		return ""
	}
}

// Encode renders a message as a flat JSON object with a "type" discriminant.
func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, errors.New("encode nil message")
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", m.Type(), err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("flatten %s: %w", m.Type(), err)
	}
	fields["type"] = json.RawMessage(strconv.Quote(string(m.Type())))
	return json.Marshal(fields)
}

// Decode parses an envelope produced by Encode.
func Decode(data []byte) (Message, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("parse message envelope: %w", err)
	}

	var (
		msg Message
		err error
	)
	switch head.Type {
	case TypePing:
		msg = Ping{}
	case TypeStop:
		msg = Stop{}
	case TypeGenerate:
		var v Generate
		err = json.Unmarshal(data, &v)
		msg = v
	case TypeProgress:
		var v Progress
		err = json.Unmarshal(data, &v)
		msg = v
	case TypeDownloadComplete:
		var v DownloadComplete
		err = json.Unmarshal(data, &v)
		msg = v
	case TypeGenerationComplete:
		var v GenerationComplete
		err = json.Unmarshal(data, &v)
		msg = v
	case TypeError:
		var v ErrorReport
		err = json.Unmarshal(data, &v)
		msg = v
	case TypeDownload:
		var v Download
		err = json.Unmarshal(data, &v)
		msg = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s payload: %w", head.Type, err)
	}
	return msg, nil
}
