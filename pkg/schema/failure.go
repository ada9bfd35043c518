package schema

import (
	"encoding/json"
	"errors"
)

// GridResult is the outcome of one grid image task as shown to the user before it is applied.
type GridResult struct {
	GridIndex int          `json:"gridIndex"`
	URL       string       `json:"url,omitempty"`
	TaskCode  string       `json:"taskCode,omitempty"`
	Failure   *TaskFailure `json:"failure,omitempty"`
}

// TaskFailure records why an image task ended without an image.
type TaskFailure struct {
	Reason   string `json:"reason"`
	Prompt   string `json:"prompt,omitempty"`
	TaskCode string `json:"taskCode,omitempty"`

	Error error  `json:"-"`
	Raw   string `json:"raw,omitzero"`
}

type failureAlias struct {
	Reason   string `json:"reason"`
	Prompt   string `json:"prompt,omitempty"`
	TaskCode string `json:"taskCode,omitempty"`
	Error    string `json:"error,omitzero"`
	Raw      string `json:"raw,omitzero"`
}

func (f *TaskFailure) MarshalJSON() ([]byte, error) {
	if f == nil {
		return []byte("null"), nil
	}

	a := failureAlias{
		Reason:   f.Reason,
		Prompt:   f.Prompt,
		TaskCode: f.TaskCode,
		Raw:      f.Raw,
	}
	if f.Error != nil {
		a.Error = f.Error.Error()
	}

	return json.Marshal(a)
}

func (f *TaskFailure) UnmarshalJSON(data []byte) error {
	var a failureAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}

	f.Reason = a.Reason
	f.Prompt = a.Prompt
	f.TaskCode = a.TaskCode
	if a.Error != "" {
		f.Error = errors.New(a.Error)
	}
	f.Raw = a.Raw

	return nil
}
