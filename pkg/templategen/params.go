package templategen

import (
	"github.com/iepathos/rustle-deploy/pkg/rderrors"
)

// MapParameters normalises a task's argument mapping into the shape the
// generated module code expects, and enforces per-module required
// arguments. The returned map is a copy; the input is never mutated.
func MapParameters(module string, args map[string]interface{}) (map[string]interface{}, error) {
	mapped := make(map[string]interface{}, len(args))
	for k, v := range args {
		mapped[k] = v
	}

	switch module {
	case "command", "shell":
		if raw, ok := mapped["_raw_params"]; ok {
			if _, hasCmd := mapped["cmd"]; !hasCmd {
				mapped["cmd"] = raw
			}
			delete(mapped, "_raw_params")
		}

	case "file":
		if dest, ok := mapped["dest"]; ok {
			if _, hasPath := mapped["path"]; !hasPath {
				mapped["path"] = dest
			}
		}
		if state, _ := mapped["state"].(string); state == "link" || state == "hard" {
			if _, ok := mapped["src"]; !ok {
				return nil, rderrors.MissingRequiredParameter("src")
			}
		}

	case "copy":
		if _, ok := mapped["src"]; !ok {
			if _, hasContent := mapped["content"]; !hasContent {
				return nil, rderrors.MissingRequiredParameter("src")
			}
		}
		if _, ok := mapped["dest"]; !ok {
			return nil, rderrors.MissingRequiredParameter("dest")
		}

	case "debug":
		_, hasMsg := mapped["msg"]
		_, hasVar := mapped["var"]
		if !hasMsg && !hasVar {
			return nil, rderrors.MissingRequiredParameter("msg")
		}
	}

	return mapped, nil
}
