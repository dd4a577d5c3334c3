package message

import (
	"encoding/json"

	"github.com/samber/lo"
)

// Choice is one entry of a prompt's choice list. Background, Schedule and
// Watch flag script choices whose description the host decorates with live
// status before the list reaches the prompt.
type Choice struct {
	Name        string          `json:"name"`
	Value       json.RawMessage `json:"value,omitempty"`
	Description string          `json:"description,omitempty"`
	ID          string          `json:"id,omitempty"`
	Command     string          `json:"command,omitempty"`
	FilePath    string          `json:"filePath,omitempty"`
	Kenv        string          `json:"kenv,omitempty"`
	Img         string          `json:"img,omitempty"`
	HTML        string          `json:"html,omitempty"`
	Tag         string          `json:"tag,omitempty"`
	Shortcut    string          `json:"shortcut,omitempty"`
	Background  bool            `json:"background,omitempty"`
	Schedule    string          `json:"schedule,omitempty"`
	Watch       string          `json:"watch,omitempty"`

	// named is set when a decoded choice carried a name key, even "".
	named bool
}

// UnmarshalJSON decodes a choice and records whether name was present.
func (c *Choice) UnmarshalJSON(b []byte) error {
	type plain Choice
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(b, &keys); err != nil {
		return err
	}
	if err := json.Unmarshal(b, (*plain)(c)); err != nil {
		return err
	}
	_, c.named = keys["name"]
	return nil
}

// Valid reports whether the choice defines a name and a value. An empty
// name counts as defined, as does a null value.
func (c Choice) Valid() bool {
	return (c.named || c.Name != "") && len(c.Value) > 0
}

// ValidChoices reports whether every choice in the batch is Valid.
func ValidChoices(choices []Choice) bool {
	return lo.EveryBy(choices, func(c Choice) bool { return c.Valid() })
}
