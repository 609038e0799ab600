package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
)

func loadJSON(path string) (Params, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint: %w", err)
	}

	body := raw
	if nested, ok := top[StateDictKey]; ok {
		body = nested
	}

	var params Params
	if err := json.Unmarshal(body, &params); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint parameters: %w", err)
	}
	return params, nil
}

// WriteJSON stores params as JSON, wrapped under "state_dict" when nested is set.
func WriteJSON(path string, params Params, nested bool) error {
	var v interface{} = params
	if nested {
		v = map[string]Params{StateDictKey: params}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}
