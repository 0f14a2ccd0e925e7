// Package resolve substitutes ${variables.NAME} and ${tasks.NAME.output.PATH}
// references inside a task's parameter tree in a single pass, returning
// either a fully resolved value or the first unresolved path.
package resolve

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/basket/browserwf/internal/model"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var placeholderRe = regexp.MustCompile(`\$\{([a-zA-Z0-9_]+(?:\.[a-zA-Z0-9_]+)*)\}`)

// Context is the resolution context available to one task: the execution's
// input variables and the outputs of tasks that have already completed.
type Context struct {
	Variables map[string]any
	Outputs   map[string]map[string]any // task name -> output
}

func (c Context) contextJSON() ([]byte, error) {
	tasks := make(map[string]any, len(c.Outputs))
	for name, out := range c.Outputs {
		tasks[name] = map[string]any{"output": out}
	}
	return json.Marshal(map[string]any{
		"variables": c.Variables,
		"tasks":     tasks,
	})
}

// Parameters performs a single pass over a task's parameter tree,
// substituting every reference it finds. An unresolved reference aborts
// the pass immediately with an ErrUnresolvedReference naming the path,
// rather than returning a partially resolved tree.
func Parameters(params map[string]any, ctx Context) (map[string]any, error) {
	if len(params) == 0 {
		return params, nil
	}

	ctxJSON, err := ctx.contextJSON()
	if err != nil {
		return nil, model.NewError(model.ErrUnresolvedReference, "building resolution context: %v", err)
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, model.NewError(model.ErrUnresolvedReference, "marshaling parameters: %v", err)
	}

	resolved := raw
	var walkErr error
	var walk func(path string, value gjson.Result)
	walk = func(path string, value gjson.Result) {
		if walkErr != nil {
			return
		}
		switch {
		case value.IsObject():
			value.ForEach(func(key, v gjson.Result) bool {
				childPath := key.String()
				if path != "" {
					childPath = path + "." + key.String()
				}
				walk(childPath, v)
				return walkErr == nil
			})
		case value.IsArray():
			i := 0
			value.ForEach(func(_, v gjson.Result) bool {
				childPath := fmt.Sprintf("%s.%d", path, i)
				walk(childPath, v)
				i++
				return walkErr == nil
			})
		case value.Type == gjson.String:
			newVal, ok, err := substitute(value.String(), ctxJSON)
			if err != nil {
				walkErr = err
				return
			}
			if !ok {
				return
			}
			resolved, err = sjson.SetBytes(resolved, path, newVal)
			if err != nil {
				walkErr = model.NewError(model.ErrUnresolvedReference, "writing resolved value at %q: %v", path, err)
			}
		}
	}

	walk("", gjson.ParseBytes(raw))
	if walkErr != nil {
		return nil, walkErr
	}

	var out map[string]any
	if err := json.Unmarshal(resolved, &out); err != nil {
		return nil, model.NewError(model.ErrUnresolvedReference, "unmarshaling resolved parameters: %v", err)
	}
	return out, nil
}

// substitute resolves every placeholder in s against ctxJSON. When s is
// exactly one placeholder, the referenced value keeps its native JSON
// type (so a numeric or object reference is not flattened to a string);
// otherwise placeholders are interpolated into the surrounding string. ok
// is false when s contains no placeholder, signalling the caller to
// leave the original value untouched.
func substitute(s string, ctxJSON []byte) (value any, ok bool, err error) {
	matches := placeholderRe.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return nil, false, nil
	}

	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		path := s[matches[0][2]:matches[0][3]]
		result, err := lookup(path, ctxJSON)
		if err != nil {
			return nil, false, err
		}
		return result.Value(), true, nil
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		path := s[m[2]:m[3]]
		result, err := lookup(path, ctxJSON)
		if err != nil {
			return nil, false, err
		}
		b.WriteString(result.String())
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), true, nil
}

func lookup(path string, ctxJSON []byte) (gjson.Result, error) {
	if !strings.HasPrefix(path, "variables.") && !strings.HasPrefix(path, "tasks.") {
		return gjson.Result{}, model.NewError(model.ErrUnresolvedReference, "reference %q must start with variables. or tasks.", path)
	}
	result := gjson.GetBytes(ctxJSON, path)
	if !result.Exists() {
		return gjson.Result{}, model.NewError(model.ErrUnresolvedReference, "unresolved reference %q", path)
	}
	return result, nil
}
