// Package change decodes and validates change payloads for each document
// type.
package change

import (
	"bytes"
	"encoding/json"

	"github.com/inkwell-cms/collab/pkg/errclass"
	"github.com/inkwell-cms/collab/pkg/model"
)

// Change is a validated change payload.
type Change interface {
	DocumentType() model.DocumentType
	Validate() error
}

// Decode parses raw as the change variant of docType and validates it.
// Every failure is ErrInvalidChange.
func Decode(docType model.DocumentType, raw json.RawMessage) (Change, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, errclass.ErrInvalidChange.WithMessage("change must be a JSON object")
	}

	var c Change
	switch docType {
	case model.DocumentText:
		c = &TextChange{}
	case model.DocumentRichText:
		c = &RichTextChange{}
	case model.DocumentStructured:
		c = &StructuredChange{}
	default:
		return nil, errclass.ErrInvalidChange.WithMessagef("unknown document type %q", docType)
	}

	if err := json.Unmarshal(trimmed, c); err != nil {
		return nil, errclass.ErrInvalidChange.WithMessagef("decode %s change: %v", docType, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// TextChange inserts and/or deletes characters at a position.
type TextChange struct {
	Position *int64  `json:"position"`
	Insert   *string `json:"insert,omitempty"`
	Delete   *int64  `json:"delete,omitempty"`
}

func (*TextChange) DocumentType() model.DocumentType { return model.DocumentText }

func (c *TextChange) Validate() error {
	if c.Position == nil {
		return errclass.ErrInvalidChange.WithMessage("text change requires position")
	}
	if *c.Position < 0 {
		return errclass.ErrInvalidChange.WithMessagef("position must be >= 0, got %d", *c.Position)
	}
	if c.Insert == nil && c.Delete == nil {
		return errclass.ErrInvalidChange.WithMessage("text change requires insert or delete")
	}
	if c.Insert != nil && *c.Insert == "" {
		return errclass.ErrInvalidChange.WithMessage("insert must not be empty")
	}
	if c.Delete != nil && *c.Delete <= 0 {
		return errclass.ErrInvalidChange.WithMessagef("delete must be > 0, got %d", *c.Delete)
	}
	return nil
}

// RichTextOp is one step of a rich-text delta.
type RichTextOp struct {
	Insert     json.RawMessage `json:"insert,omitempty"`
	Delete     *int64          `json:"delete,omitempty"`
	Retain     *int64          `json:"retain,omitempty"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
}

// RichTextChange is a delta of insert, delete and retain operations.
type RichTextChange struct {
	Ops []RichTextOp `json:"ops"`
}

func (*RichTextChange) DocumentType() model.DocumentType { return model.DocumentRichText }

func (c *RichTextChange) Validate() error {
	if len(c.Ops) == 0 {
		return errclass.ErrInvalidChange.WithMessage("rich-text change requires at least one op")
	}
	for i, op := range c.Ops {
		if err := op.validate(); err != nil {
			return errclass.ErrInvalidChange.WithMessagef("op %d: %s", i, errclass.Message(err))
		}
	}
	return nil
}

func (op *RichTextOp) validate() error {
	actions := 0
	if op.Insert != nil {
		actions++
	}
	if op.Delete != nil {
		actions++
	}
	if op.Retain != nil {
		actions++
	}
	if actions != 1 {
		return errclass.ErrInvalidChange.WithMessage("exactly one of insert, delete or retain is required")
	}

	switch {
	case op.Insert != nil:
		ins := bytes.TrimSpace(op.Insert)
		switch {
		case len(ins) > 0 && ins[0] == '"':
			var s string
			if err := json.Unmarshal(ins, &s); err != nil || s == "" {
				return errclass.ErrInvalidChange.WithMessage("insert text must be a non-empty string")
			}
		case len(ins) > 0 && ins[0] == '{':
			// embed
		default:
			return errclass.ErrInvalidChange.WithMessage("insert must be a string or an embed object")
		}
	case op.Delete != nil:
		if *op.Delete <= 0 {
			return errclass.ErrInvalidChange.WithMessage("delete must be > 0")
		}
		if op.Attributes != nil {
			return errclass.ErrInvalidChange.WithMessage("delete does not take attributes")
		}
	case op.Retain != nil:
		if *op.Retain <= 0 {
			return errclass.ErrInvalidChange.WithMessage("retain must be > 0")
		}
	}

	if op.Attributes != nil {
		attrs := bytes.TrimSpace(op.Attributes)
		if len(attrs) == 0 || attrs[0] != '{' {
			return errclass.ErrInvalidChange.WithMessage("attributes must be an object")
		}
	}
	return nil
}

// StructuredChange sets or removes the value at a field path.
type StructuredChange struct {
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
	Unset bool            `json:"unset,omitempty"`
}

func (*StructuredChange) DocumentType() model.DocumentType { return model.DocumentStructured }

func (c *StructuredChange) Validate() error {
	if c.Path == "" {
		return errclass.ErrInvalidChange.WithMessage("structured change requires path")
	}
	hasValue := c.Value != nil
	if hasValue == c.Unset {
		return errclass.ErrInvalidChange.WithMessage("exactly one of value or unset is required")
	}
	return nil
}
