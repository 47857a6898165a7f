package scheduler

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/invopop/jsonschema"
	"github.com/mitchellh/mapstructure"
)

// Input keys the orchestrator itself understands. Every other key is
// opaque payload for the agent.
const (
	InputCritiquesTasks = "critiquesTasks"
	InputPrecedingTask  = "precedingTask"
)

// Inputs is an insertion-ordered map of string keys to JSON-like values.
// The zero value is an empty map ready to use.
type Inputs struct {
	keys   []string
	values map[string]any
}

// NewInputs builds Inputs from alternating key/value pairs.
func NewInputs(pairs ...any) Inputs {
	var in Inputs
	for i := 0; i+1 < len(pairs); i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			continue
		}
		in.Set(key, pairs[i+1])
	}
	return in
}

// Set stores value under key, keeping the original position of existing keys.
func (in *Inputs) Set(key string, value any) {
	if in.values == nil {
		in.values = make(map[string]any)
	}
	if _, exists := in.values[key]; !exists {
		in.keys = append(in.keys, key)
	}
	in.values[key] = value
}

// Get returns the value stored under key.
func (in Inputs) Get(key string) (any, bool) {
	v, ok := in.values[key]
	return v, ok
}

// Delete removes key.
func (in *Inputs) Delete(key string) {
	if _, exists := in.values[key]; !exists {
		return
	}
	delete(in.values, key)
	for i, k := range in.keys {
		if k == key {
			in.keys = append(in.keys[:i], in.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in insertion order.
func (in Inputs) Keys() []string {
	return append([]string(nil), in.keys...)
}

// Len returns the number of keys.
func (in Inputs) Len() int {
	return len(in.keys)
}

// Clone returns a copy whose key order and top-level values are independent.
func (in Inputs) Clone() Inputs {
	var cp Inputs
	for _, k := range in.keys {
		cp.Set(k, in.values[k])
	}
	return cp
}

// MarshalJSON writes the keys in insertion order.
func (in Inputs) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range in.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(in.values[k])
		if err != nil {
			return nil, fmt.Errorf("marshaling input %q: %w", k, err)
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// JSONSchema describes Inputs as an open object with the keys the
// orchestrator interprets.
func (Inputs) JSONSchema() *jsonschema.Schema {
	props := jsonschema.NewProperties()
	props.Set(InputCritiquesTasks, &jsonschema.Schema{
		Type:        "array",
		Items:       &jsonschema.Schema{Type: "integer"},
		Description: "uniqueIds of the tasks this critique reviews",
	})
	props.Set(InputPrecedingTask, &jsonschema.Schema{
		Type:        "object",
		Description: "the task under review, forwarded to the agent",
	})
	return &jsonschema.Schema{
		Type:                 "object",
		Properties:           props,
		AdditionalProperties: jsonschema.TrueSchema,
	}
}

// UnmarshalJSON reads a JSON object, preserving top-level key order.
// Numbers are kept as json.Number so large integers survive round trips.
func (in *Inputs) UnmarshalJSON(data []byte) error {
	*in = Inputs{}
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("inputs must be a JSON object")
	}

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected inputs key token %v", tok)
		}
		var value any
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("decoding input %q: %w", key, err)
		}
		in.Set(key, value)
	}

	_, err = dec.Token()
	return err
}

// Scan implements sql.Scanner for JSON text columns.
func (in *Inputs) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*in = Inputs{}
		return nil
	case []byte:
		return in.UnmarshalJSON(v)
	case string:
		return in.UnmarshalJSON([]byte(v))
	default:
		return fmt.Errorf("cannot scan %T into Inputs", value)
	}
}

// Value implements driver.Valuer.
func (in Inputs) Value() (driver.Value, error) {
	data, err := in.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// TargetRef points at a critique target either by batch-local uniqueId or
// by the ID of an already persisted task.
type TargetRef struct {
	UniqueID *int
	TaskID   string
}

func (r TargetRef) String() string {
	if r.UniqueID != nil {
		return "#" + strconv.Itoa(*r.UniqueID)
	}
	return r.TaskID
}

// CritiqueTargets decodes the critiquesTasks input. Integers refer to
// uniqueIds in the same batch, strings to persisted task IDs.
func (in Inputs) CritiqueTargets() ([]TargetRef, error) {
	raw, ok := in.Get(InputCritiquesTasks)
	if !ok || raw == nil {
		return nil, nil
	}

	var items []any
	if err := mapstructure.Decode(raw, &items); err != nil {
		// A single scalar is accepted as a one-element set.
		items = []any{raw}
	}

	refs := make([]TargetRef, 0, len(items))
	for _, item := range items {
		ref, err := toTargetRef(item)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// CritiqueTaskIDs returns the persisted critique target IDs. Only valid
// after the batch has been resolved.
func (in Inputs) CritiqueTaskIDs() []string {
	refs, err := in.CritiqueTargets()
	if err != nil {
		return nil
	}
	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		if ref.TaskID != "" {
			ids = append(ids, ref.TaskID)
		}
	}
	return ids
}

func toTargetRef(item any) (TargetRef, error) {
	switch v := item.(type) {
	case string:
		return TargetRef{TaskID: v}, nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return TargetRef{}, fmt.Errorf("critiquesTasks entry %q is not an integer", v.String())
		}
		id := int(n)
		return TargetRef{UniqueID: &id}, nil
	case int:
		return TargetRef{UniqueID: &v}, nil
	case int64:
		id := int(v)
		return TargetRef{UniqueID: &id}, nil
	case float64:
		if v != float64(int(v)) {
			return TargetRef{}, fmt.Errorf("critiquesTasks entry %v is not an integer", v)
		}
		id := int(v)
		return TargetRef{UniqueID: &id}, nil
	default:
		return TargetRef{}, fmt.Errorf("unsupported critiquesTasks entry of type %T", item)
	}
}

// PrecedingTask describes the task a critique reviews. It is forwarded to
// the agent and shown in listings; the orchestrator does not act on it.
type PrecedingTask struct {
	Order       int    `mapstructure:"order" json:"order"`
	SkillID     string `mapstructure:"skillId" json:"skillId"`
	Name        string `mapstructure:"name" json:"name"`
	Description string `mapstructure:"description" json:"description"`
}

// PrecedingTask decodes the precedingTask input, if present.
func (in Inputs) PrecedingTask() (*PrecedingTask, error) {
	raw, ok := in.Get(InputPrecedingTask)
	if !ok || raw == nil {
		return nil, nil
	}
	var pt PrecedingTask
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &pt,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("decoding precedingTask: %w", err)
	}
	return &pt, nil
}
