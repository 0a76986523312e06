package mqtt

import (
	"fmt"
	"strconv"
	"strings"
)

// ExtractPath walks a decoded JSON document by a dotted path. The
// leading `$.` prefix is optional; `a.b[2].c` addresses array
// elements. An empty path returns the document itself.
func ExtractPath(doc interface{}, path string) (interface{}, error) {
	path = strings.TrimPrefix(path, "$.")
	path = strings.TrimPrefix(path, "$")
	if path == "" {
		return doc, nil
	}

	cur := doc
	for _, part := range strings.Split(path, ".") {
		name := part
		var indices []int
		for {
			open := strings.IndexByte(name, '[')
			if open < 0 {
				break
			}
			closeIdx := strings.IndexByte(name, ']')
			if closeIdx < open {
				return nil, fmt.Errorf("unbalanced brackets in path %q", path)
			}
			n, err := strconv.Atoi(name[open+1 : closeIdx])
			if err != nil {
				return nil, fmt.Errorf("bad array index in path %q: %w", path, err)
			}
			indices = append(indices, n)
			name = name[:open] + name[closeIdx+1:]
		}

		if name != "" {
			obj, ok := cur.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("path %q: %q is not an object", path, name)
			}
			cur, ok = obj[name]
			if !ok {
				return nil, fmt.Errorf("path %q: field %q not found", path, name)
			}
		}
		for _, ix := range indices {
			arr, ok := cur.([]interface{})
			if !ok {
				return nil, fmt.Errorf("path %q: index into non-array", path)
			}
			if ix < 0 || ix >= len(arr) {
				return nil, fmt.Errorf("path %q: index %d out of range", path, ix)
			}
			cur = arr[ix]
		}
	}
	return cur, nil
}
