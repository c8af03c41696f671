package transport

import (
	"encoding/json"
	"errors"
	"fmt"

	"scribe/capture"
	"scribe/encoder"
)

type UpdateKind string

const (
	KindPartial UpdateKind = "partial"
	KindUpdate  UpdateKind = "update"
)

type Insights struct {
	Insights  []string `json:"insights"`
	Questions []string `json:"questions"`
}

// Update is a full snapshot of the transcript so far. It replaces any
// earlier update rather than extending it.
type Update struct {
	Kind     UpdateKind
	Text     string
	Insights *Insights
}

// Final reports whether the backend considers the text settled.
func (u Update) Final() bool { return u.Kind == KindUpdate }

type audioEnvelope struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// Encode renders a chunk as the text frame the backend expects: PCM goes in
// a JSON envelope, container blobs as a data URI.
func Encode(c capture.Chunk) ([]byte, error) {
	switch c.Kind {
	case capture.KindPCM:
		return json.Marshal(audioEnvelope{Type: "audio", Data: encoder.Base64(c.Data)})
	case capture.KindBlob:
		return []byte(encoder.DataURI(c.MIME, c.Data)), nil
	default:
		return nil, fmt.Errorf("unknown chunk kind %d", c.Kind)
	}
}

type inbound struct {
	Type     string    `json:"type"`
	Kind     string    `json:"kind"`
	Text     string    `json:"text"`
	Message  string    `json:"message"`
	Insights *Insights `json:"insights"`
}

var errUnknownType = errors.New("unknown message type")

// ParseUpdate decodes one inbound frame. Backend error frames come back as
// *RemoteError, anything else that is not an update as
// *MalformedMessageError.
func ParseUpdate(data []byte) (Update, error) {
	var m inbound
	if err := json.Unmarshal(data, &m); err != nil {
		return Update{}, &MalformedMessageError{Raw: excerpt(data), Err: err}
	}
	typ := m.Type
	if typ == "" {
		typ = m.Kind
	}
	switch UpdateKind(typ) {
	case KindPartial, KindUpdate:
		return Update{Kind: UpdateKind(typ), Text: m.Text, Insights: m.Insights}, nil
	}
	if typ == "error" {
		return Update{}, &RemoteError{Message: m.Message}
	}
	return Update{}, &MalformedMessageError{Raw: excerpt(data), Err: fmt.Errorf("%w %q", errUnknownType, typ)}
}

func excerpt(data []byte) string {
	const limit = 120
	if len(data) > limit {
		return string(data[:limit]) + "..."
	}
	return string(data)
}
