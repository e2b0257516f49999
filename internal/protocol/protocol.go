// Package protocol decodes the JSON messages the game client plugin sends.
//
// A message looks like:
//
//	{"Type": "Say", "Payload": "Hello there.", "Speaker": "Momodi Modi", "NpcId": 1001, "Language": "English"}
//	{"Type": "Cancel"}
//
// [Parse] validates a frame once at the boundary and returns either a [Say]
// or a [Cancel]; nothing past this package sees raw JSON.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/xivoice/pkg/catalog"
)

var (
	// ErrMissingSpeaker is returned for a Say message without a speaker name.
	ErrMissingSpeaker = errors.New("protocol: say without speaker")

	// ErrUnknownType is returned when the Type field is neither Say nor Cancel.
	ErrUnknownType = errors.New("protocol: unknown message type")
)

// Type is the value of a message's Type field.
type Type string

const (
	TypeSay    Type = "Say"
	TypeCancel Type = "Cancel"
)

// Message is a decoded inbound message: [Say] or [Cancel].
type Message interface {
	Type() Type
	isMessage()
}

// Say asks for Text to be spoken in the speaker's voice. It supersedes any
// utterance that is still being synthesized or played.
type Say struct {
	Text    string
	Speaker string

	// NPCID is the npc id as text: a decimal id, "any", or empty when the
	// frame carried none.
	NPCID string

	// Language is a pool code or [catalog.LangAuto] when the frame did not
	// name one. Labels outside the known set pass through lowercased.
	Language catalog.Language
}

// Cancel stops the current utterance.
type Cancel struct{}

func (Say) Type() Type    { return TypeSay }
func (Cancel) Type() Type { return TypeCancel }
func (Say) isMessage()    {}
func (Cancel) isMessage() {}

// wire is the frame layout. Field names follow the plugin's casing.
type wire struct {
	Type     string          `json:"Type"`
	Payload  string          `json:"Payload"`
	Speaker  string          `json:"Speaker"`
	NpcID    json.RawMessage `json:"NpcId"`
	Language string          `json:"Language"`
}

// Parse decodes one frame.
func Parse(data []byte) (Message, error) {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("protocol: decode: %w", err)
	}

	switch Type(strings.TrimSpace(w.Type)) {
	case TypeCancel:
		return Cancel{}, nil
	case TypeSay:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, w.Type)
	}

	speaker := strings.TrimSpace(w.Speaker)
	if speaker == "" {
		return nil, ErrMissingSpeaker
	}
	npcID, err := decodeNPCID(w.NpcID)
	if err != nil {
		return nil, err
	}
	return Say{
		Text:     w.Payload,
		Speaker:  speaker,
		NPCID:    npcID,
		Language: ParseLanguage(w.Language),
	}, nil
}

// decodeNPCID accepts a JSON number, a string or null.
func decodeNPCID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", fmt.Errorf("protocol: npc id: %w", err)
	}
	switch id := v.(type) {
	case json.Number:
		return id.String(), nil
	case string:
		return strings.TrimSpace(id), nil
	default:
		return "", fmt.Errorf("protocol: npc id: unsupported value %s", raw)
	}
}

var languageLabels = map[string]catalog.Language{
	"":         catalog.LangAuto,
	"auto":     catalog.LangAuto,
	"english":  catalog.LangEnglish,
	"german":   catalog.LangGerman,
	"french":   catalog.LangFrench,
	"japanese": catalog.LangJapanese,
	"en":       catalog.LangEnglish,
	"de":       catalog.LangGerman,
	"fr":       catalog.LangFrench,
	"jp":       catalog.LangJapanese,
	"ja":       catalog.LangJapanese,
}

// ParseLanguage maps a language label or code to a pool code. Empty and
// "auto" map to [catalog.LangAuto].
func ParseLanguage(label string) catalog.Language {
	key := strings.ToLower(strings.TrimSpace(label))
	if l, ok := languageLabels[key]; ok {
		return l
	}
	return catalog.Language(key)
}

// ResolveLanguage replaces [catalog.LangAuto] with def.
func ResolveLanguage(l, def catalog.Language) catalog.Language {
	if l == catalog.LangAuto || l == "" {
		return def
	}
	return l
}
