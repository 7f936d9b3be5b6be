package main

import (
	"fmt"
	"io"

	json "github.com/goccy/go-json"
)

// printJSON marshals v as indented JSON to w.
func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling JSON: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func scopeLabel(groupID uint32) string {
	if groupID == 0 {
		return "all"
	}
	return fmt.Sprintf("group %d", groupID)
}
