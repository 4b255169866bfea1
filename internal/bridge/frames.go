package bridge

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/tdewey/webdbg/pkg/types"
)

// buildFrames turns raw call frames into source-level frames. Frames in
// compiler machinery (no mapping back to an original source) are dropped,
// so the visible indices do not line up with the underlying ones; the
// returned frameMap records, per visible frame, the call frame id it came
// from.
func (s *Session) buildFrames(ctx context.Context, cfs []wireCallFrame) ([]types.FrameInfo, []string) {
	var frames []types.FrameInfo
	var frameMap []string

	for _, cf := range cfs {
		s.mu.Lock()
		unit := s.units[cf.Location.ScriptID]
		s.mu.Unlock()
		if unit == nil {
			continue
		}

		line := cf.Location.LineNumber + 1
		col := cf.Location.ColumnNumber

		orig, ok := unit.mapper.ToOriginal(line, col)
		if !ok {
			continue
		}

		name := demangleName(cf.FunctionName)
		if name == "" {
			// The map's name table records identifiers at token
			// granularity, so the symbol at the paused position is often a
			// variable rather than the enclosing function. Consult it only
			// when the engine reports no function name at all.
			if sym, ok := unit.mapper.SymbolAt(line, col); ok {
				name = sym
			}
		}
		if name == "" {
			name = "<anonymous>"
		}

		vars, err := s.collectVariables(ctx, cf.ScopeChain)
		if err != nil {
			s.log.Warn("variable collection failed for a frame", "function", name, "err", err)
		}

		frames = append(frames, types.FrameInfo{
			Index:     len(frames),
			Function:  name,
			Location:  orig,
			Variables: vars,
		})
		frameMap = append(frameMap, cf.CallFrameID)
	}

	return frames, frameMap
}

// collectVariables walks the scope chain from innermost to outermost and
// gathers the source-level bindings. Compiler-synthesized temporaries are
// suppressed; when an inner scope shadows an outer binding of the same
// name, only the inner one is kept. The global scope is skipped entirely.
func (s *Session) collectVariables(ctx context.Context, scopes []wireScope) ([]types.VariableInfo, error) {
	var out []types.VariableInfo
	seen := make(map[string]bool)

	var firstErr error
	for _, scope := range scopes {
		if scope.Type == "global" {
			continue
		}
		if scope.Object.ObjectID == "" {
			continue
		}

		props, err := s.dbg.GetProperties(ctx, scope.Object.ObjectID)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		for _, p := range props {
			if p.Value == nil || syntheticName(p.Name) {
				continue
			}
			name := demangleName(p.Name)
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			out = append(out, types.VariableInfo{
				Name:  name,
				Value: translateValue(*p.Value),
			})
		}
	}

	return out, firstErr
}

// translateValue converts a protocol-level value into its source-level
// shape. Primitives carry their value inline; objects carry an opaque
// reference for lazy expansion.
func translateValue(obj remoteObject) types.ValueInfo {
	switch obj.Type {
	case "string", "number", "boolean":
		return types.ValueInfo{Kind: obj.Type, Description: describeValue(obj)}
	case "undefined":
		return types.ValueInfo{Kind: "undefined", Description: "undefined"}
	case "function":
		return types.ValueInfo{
			Kind:        "function",
			Description: obj.Description,
			ObjectID:    obj.ObjectID,
		}
	case "symbol", "bigint":
		return types.ValueInfo{Kind: obj.Type, Description: describeValue(obj)}
	}

	if obj.Subtype == "null" {
		return types.ValueInfo{Kind: "null", Description: "null"}
	}

	desc := obj.Description
	if desc == "" {
		desc = obj.ClassName
	}
	return types.ValueInfo{Kind: "object", Description: desc, ObjectID: obj.ObjectID}
}

// errorValue shapes a thrown exception as a value. Throwing during
// evaluation is a debuggee outcome, not a bridge failure.
func errorValue(exc *exceptionDetails) types.ValueInfo {
	v := types.ValueInfo{Kind: "object", IsError: true, Description: exc.Text}
	if exc.Exception != nil {
		inner := translateValue(*exc.Exception)
		if inner.Description != "" {
			v.Description = inner.Description
		}
		v.Kind = inner.Kind
		v.ObjectID = inner.ObjectID
	}
	return v
}

// describeValue renders a primitive's inline value.
func describeValue(obj remoteObject) string {
	if obj.UnserializableValue != "" {
		return obj.UnserializableValue
	}
	if len(obj.Value) > 0 {
		var s string
		if err := json.Unmarshal(obj.Value, &s); err == nil {
			return s
		}
		return string(obj.Value)
	}
	return obj.Description
}

// syntheticName reports whether a binding is compiler machinery rather
// than a name the developer wrote. Compiled output introduces temporaries
// (t0, t1, ...), dollar- and underscore-prefixed helpers, and a reified
// receiver binding; none of these exist at source level.
func syntheticName(name string) bool {
	if name == "" {
		return true
	}
	if strings.HasPrefix(name, "$") || strings.HasPrefix(name, "__") {
		return true
	}
	if name == "arguments" || name == "this$" {
		return true
	}
	if name[0] == 't' && len(name) > 1 && allDigits(name[1:]) {
		return true
	}
	return false
}

// demangleName strips the numeric suffixes the compiler appends to avoid
// collisions, recovering the name the developer wrote: "count$1" becomes
// "count".
func demangleName(name string) string {
	i := strings.LastIndexByte(name, '$')
	if i <= 0 {
		return name
	}
	if allDigits(name[i+1:]) {
		return name[:i]
	}
	return name
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
