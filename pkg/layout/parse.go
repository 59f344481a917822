/*
Copyright 2011 Google Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package layout

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Parse reads a layout file's text form into a root Obj. Lines are
// "key = value" scalars, "key {" opening a nested block terminated by
// a line containing only "}", or blank/"#"-comment lines, which are
// ignored.
func Parse(r io.Reader) (Obj, error) {
	sc := bufio.NewScanner(r)
	lines := make([]string, 0, 64)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	root := newObj()
	pos := 0
	if err := parseBlock(lines, &pos, root); err != nil {
		return nil, err
	}
	return root, nil
}

// ReadFile reads and parses the layout file at path.
func ReadFile(path string) (Obj, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

func parseBlock(lines []string, pos *int, into Obj) error {
	for *pos < len(lines) {
		raw := lines[*pos]
		line := strings.TrimSpace(raw)
		*pos++
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if line == "}" {
			return nil
		}
		if strings.HasSuffix(line, "{") {
			key := strings.TrimSpace(strings.TrimSuffix(line, "{"))
			if key == "" {
				return fmt.Errorf("layout: line %d: block with no key", *pos)
			}
			child := newObj()
			if err := parseBlock(lines, pos, child); err != nil {
				return err
			}
			into.setRaw(key, child)
			continue
		}
		eq := strings.Index(line, "=")
		if eq < 0 {
			return fmt.Errorf("layout: line %d: expected \"key = value\" or \"key {\", got %q", *pos, raw)
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" {
			return fmt.Errorf("layout: line %d: empty key", *pos)
		}
		into.setRaw(key, val)
	}
	return nil
}
