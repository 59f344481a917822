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
	"bytes"
	"fmt"
	"io"

	"github.com/acdp-project/acdp/pkg/fileio"
)

// New creates an empty, writable Obj suitable for building a layout
// from scratch (e.g. at database creation).
func New() Obj { return newObj() }

// Set stores a scalar string value under key, in declaration order.
func (o Obj) Set(key, value string) { o.setRaw(key, value) }

// SetObject stores a nested block under key, in declaration order.
func (o Obj) SetObject(key string, sub Obj) { o.setRaw(key, sub) }

// Write serializes o to w in the line-based layout dialect, skipping
// the internal bookkeeping keys.
func Write(w io.Writer, o Obj) error {
	return writeBlock(w, o, 0)
}

func writeBlock(w io.Writer, o Obj, depth int) error {
	indent := bytes.Repeat([]byte("  "), depth)
	for _, key := range o.order() {
		if key == "" {
			continue
		}
		v := o[key]
		switch val := v.(type) {
		case string:
			if _, err := fmt.Fprintf(w, "%s%s = %s\n", indent, key, val); err != nil {
				return err
			}
		case Obj:
			if _, err := fmt.Fprintf(w, "%s%s {\n", indent, key); err != nil {
				return err
			}
			if err := writeBlock(w, val, depth+1); err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "%s}\n", indent); err != nil {
				return err
			}
		default:
			return fmt.Errorf("layout: key %q has unwritable value type %T", key, v)
		}
	}
	return nil
}

// WriteFile atomically serializes o to path (spec.md §6: the layout
// file is rewritten wholesale on refactor operations, never
// partially), through the renameio-backed fileio.AtomicWriteFile.
func WriteFile(path string, o Obj) error {
	var buf bytes.Buffer
	if err := Write(&buf, o); err != nil {
		return err
	}
	return fileio.AtomicWriteFile(path, buf.Bytes(), 0o644)
}
