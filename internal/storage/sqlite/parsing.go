package sqlite

import "encoding/json"

// formatJSONStringArray serialises intentions as a JSON array of strings
// per spec §6 ("intentions serialised as JSON arrays of strings"), grounded
// on the teacher's issues.go relates_to formatting helper.
func formatJSONStringArray(items []string) string {
	if items == nil {
		items = []string{}
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func parseJSONStringArray(raw string) []string {
	if raw == "" {
		return nil
	}
	var items []string
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil
	}
	return items
}
