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

// Package layout implements the ACDP layout file (spec.md §6): a
// text, line-based, hierarchical key-value dialect with named
// sub-layouts and ordered sequences of them, re-expressed from
// perkeep.org/pkg/jsonconfig's consumed-key, accumulated-error Obj
// idiom for this non-JSON wire format.
package layout

import (
	"fmt"
	"strconv"
	"strings"
)

// Obj is one layout block: a set of scalar keys and named nested
// blocks, plus internal bookkeeping keys (prefixed "_") recording
// declaration order and validation state, mirroring jsonconfig's
// "_knownkeys"/"_errors" convention.
type Obj map[string]interface{}

// NamedObj is one element of an ordered named sequence, e.g. one
// table within "tables" or one column within "columns".
type NamedObj struct {
	Name string
	Obj  Obj
}

func newObj() Obj {
	return Obj{"_order": []string{}}
}

func (o Obj) order() []string {
	v, _ := o["_order"].([]string)
	return v
}

func (o Obj) setRaw(key string, val interface{}) {
	if _, exists := o[key]; !exists {
		o["_order"] = append(o.order(), key)
	}
	o[key] = val
}

func (o Obj) noteKnownKey(key string) {
	km, ok := o["_knownkeys"].(map[string]bool)
	if !ok {
		km = make(map[string]bool)
		o["_knownkeys"] = km
	}
	km[key] = true
}

func (o Obj) appendError(err error) {
	if ei, ok := o["_errors"]; ok {
		o["_errors"] = append(ei.([]error), err)
	} else {
		o["_errors"] = []error{err}
	}
}

// RequiredString returns the scalar string at key, recording a
// validation error if absent.
func (o Obj) RequiredString(key string) string { return o.str(key, nil) }

// OptionalString returns the scalar string at key, or def if absent.
func (o Obj) OptionalString(key, def string) string { return o.str(key, &def) }

func (o Obj) str(key string, def *string) string {
	o.noteKnownKey(key)
	v, ok := o[key]
	if !ok {
		if def != nil {
			return *def
		}
		o.appendError(fmt.Errorf("layout: missing required key %q (string)", key))
		return ""
	}
	s, ok := v.(string)
	if !ok {
		o.appendError(fmt.Errorf("layout: key %q is not a scalar string", key))
		return ""
	}
	return s
}

// RequiredInt returns the scalar integer at key.
func (o Obj) RequiredInt(key string) int { return o.int(key, nil) }

// OptionalInt returns the scalar integer at key, or def if absent.
func (o Obj) OptionalInt(key string, def int) int { return o.int(key, &def) }

func (o Obj) int(key string, def *int) int {
	o.noteKnownKey(key)
	v, ok := o[key]
	if !ok {
		if def != nil {
			return *def
		}
		o.appendError(fmt.Errorf("layout: missing required key %q (integer)", key))
		return 0
	}
	s, ok := v.(string)
	if !ok {
		o.appendError(fmt.Errorf("layout: key %q is not a scalar", key))
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		o.appendError(fmt.Errorf("layout: key %q is not an integer: %v", key, err))
		return 0
	}
	return n
}

// RequiredBool returns the scalar "on"/"off" boolean at key.
func (o Obj) RequiredBool(key string) bool { return o.boolean(key, nil) }

// OptionalBool returns the scalar "on"/"off" boolean at key, or def.
func (o Obj) OptionalBool(key string, def bool) bool { return o.boolean(key, &def) }

func (o Obj) boolean(key string, def *bool) bool {
	o.noteKnownKey(key)
	v, ok := o[key]
	if !ok {
		if def != nil {
			return *def
		}
		o.appendError(fmt.Errorf("layout: missing required key %q (on/off)", key))
		return false
	}
	s, ok := v.(string)
	if !ok {
		o.appendError(fmt.Errorf("layout: key %q is not a scalar", key))
		return false
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on", "true", "yes":
		return true
	case "off", "false", "no":
		return false
	default:
		o.appendError(fmt.Errorf("layout: key %q must be on/off, got %q", key, s))
		return false
	}
}

// RequiredObject returns the nested block at key.
func (o Obj) RequiredObject(key string) Obj { return o.obj(key, false) }

// OptionalObject returns the nested block at key, or an empty Obj if
// absent.
func (o Obj) OptionalObject(key string) Obj { return o.obj(key, true) }

func (o Obj) obj(key string, optional bool) Obj {
	o.noteKnownKey(key)
	v, ok := o[key]
	if !ok {
		if optional {
			return newObj()
		}
		o.appendError(fmt.Errorf("layout: missing required sub-layout %q", key))
		return newObj()
	}
	sub, ok := v.(Obj)
	if !ok {
		o.appendError(fmt.Errorf("layout: key %q is not a sub-layout", key))
		return newObj()
	}
	return sub
}

// RequiredNamedSequence returns the nested block at key as an ordered
// list of its named children, e.g. the tables inside "tables" or the
// columns inside "columns" (spec.md §6: "ordered sequence").
func (o Obj) RequiredNamedSequence(key string) []NamedObj {
	sub := o.obj(key, false)
	seq := make([]NamedObj, 0, len(sub.order()))
	for _, name := range sub.order() {
		child, ok := sub[name].(Obj)
		if !ok {
			o.appendError(fmt.Errorf("layout: %q entry %q is not a sub-layout", key, name))
			continue
		}
		seq = append(seq, NamedObj{Name: name, Obj: child})
	}
	return seq
}

func (o Obj) lookForUnknownKeys() {
	known, _ := o["_knownkeys"].(map[string]bool)
	for _, k := range o.order() {
		if known[k] {
			continue
		}
		o.appendError(fmt.Errorf("layout: unknown key %q", k))
	}
}

// Validate reports an accumulated error for every missing, malformed
// or unconsumed key noted since the Obj was parsed.
func (o Obj) Validate() error {
	o.lookForUnknownKeys()
	ei, ok := o["_errors"]
	if !ok {
		return nil
	}
	errs := ei.([]error)
	if len(errs) == 1 {
		return errs[0]
	}
	strs := make([]string, len(errs))
	for i, e := range errs {
		strs[i] = e.Error()
	}
	return fmt.Errorf("layout: multiple errors: %s", strings.Join(strs, "; "))
}
