package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownChangeType is returned when a write set change carries a tag this
// build does not know about.
var ErrUnknownChangeType = errors.New("unknown write set change type")

// ChangeType is the wire tag of a write set change.
type ChangeType string

const (
	ChangeTypeWriteResource   ChangeType = "write_resource"
	ChangeTypeDeleteResource  ChangeType = "delete_resource"
	ChangeTypeWriteTableItem  ChangeType = "write_table_item"
	ChangeTypeDeleteTableItem ChangeType = "delete_table_item"
	ChangeTypeWriteModule     ChangeType = "write_module"
	ChangeTypeDeleteModule    ChangeType = "delete_module"
)

// Change is one entry of a transaction write set. The set of implementations
// is closed: only the types in this file satisfy it.
type Change interface {
	ChangeType() ChangeType
	isChange()
}

type WriteResource struct {
	Address      string          `json:"address"`
	StateKeyHash string          `json:"state_key_hash"`
	TypeStr      string          `json:"type_str"`
	Data         json.RawMessage `json:"data"`
}

type DeleteResource struct {
	Address      string `json:"address"`
	StateKeyHash string `json:"state_key_hash"`
	TypeStr      string `json:"type_str"`
}

type WriteTableItem struct {
	Handle       string          `json:"handle"`
	Key          string          `json:"key"`
	StateKeyHash string          `json:"state_key_hash"`
	Value        json.RawMessage `json:"value"`
}

type DeleteTableItem struct {
	Handle       string `json:"handle"`
	Key          string `json:"key"`
	StateKeyHash string `json:"state_key_hash"`
}

type WriteModule struct {
	Address      string `json:"address"`
	StateKeyHash string `json:"state_key_hash"`
	Name         string `json:"name"`
}

type DeleteModule struct {
	Address      string `json:"address"`
	StateKeyHash string `json:"state_key_hash"`
	Name         string `json:"name"`
}

func (WriteResource) ChangeType() ChangeType   { return ChangeTypeWriteResource }
func (DeleteResource) ChangeType() ChangeType  { return ChangeTypeDeleteResource }
func (WriteTableItem) ChangeType() ChangeType  { return ChangeTypeWriteTableItem }
func (DeleteTableItem) ChangeType() ChangeType { return ChangeTypeDeleteTableItem }
func (WriteModule) ChangeType() ChangeType     { return ChangeTypeWriteModule }
func (DeleteModule) ChangeType() ChangeType    { return ChangeTypeDeleteModule }

func (WriteResource) isChange()   {}
func (DeleteResource) isChange()  {}
func (WriteTableItem) isChange()  {}
func (DeleteTableItem) isChange() {}
func (WriteModule) isChange()     {}
func (DeleteModule) isChange()    {}

// Changes is an ordered write set. It decodes from a list of tagged objects:
//
//	[{"type": "write_resource", "address": "0x1", ...}, ...]
type Changes []Change

type changeEnvelope struct {
	Type ChangeType `json:"type"`
}

// UnmarshalJSON decodes each tagged entry into its concrete change type.
func (c *Changes) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to decode write set: %w", err)
	}

	out := make(Changes, 0, len(raw))
	for i, entry := range raw {
		change, err := decodeChange(entry)
		if err != nil {
			return fmt.Errorf("write set change %d: %w", i, err)
		}
		out = append(out, change)
	}
	*c = out
	return nil
}

// MarshalJSON encodes each change with its type tag.
func (c Changes) MarshalJSON() ([]byte, error) {
	out := make([]json.RawMessage, 0, len(c))
	for _, change := range c {
		body, err := json.Marshal(change)
		if err != nil {
			return nil, err
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(body, &fields); err != nil {
			return nil, err
		}
		tag, _ := json.Marshal(change.ChangeType())
		fields["type"] = tag
		encoded, err := json.Marshal(fields)
		if err != nil {
			return nil, err
		}
		out = append(out, encoded)
	}
	return json.Marshal(out)
}

func decodeChange(entry json.RawMessage) (Change, error) {
	var env changeEnvelope
	if err := json.Unmarshal(entry, &env); err != nil {
		return nil, err
	}

	switch env.Type {
	case ChangeTypeWriteResource:
		return decodeInto[WriteResource](entry)
	case ChangeTypeDeleteResource:
		return decodeInto[DeleteResource](entry)
	case ChangeTypeWriteTableItem:
		return decodeInto[WriteTableItem](entry)
	case ChangeTypeDeleteTableItem:
		return decodeInto[DeleteTableItem](entry)
	case ChangeTypeWriteModule:
		return decodeInto[WriteModule](entry)
	case ChangeTypeDeleteModule:
		return decodeInto[DeleteModule](entry)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownChangeType, env.Type)
	}
}

func decodeInto[T Change](entry json.RawMessage) (Change, error) {
	var v T
	if err := json.Unmarshal(entry, &v); err != nil {
		return nil, err
	}
	return v, nil
}
