/*
Copyright 2013 Google Inc.

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

package coltype

import (
	"math"

	"github.com/acdp-project/acdp/pkg/acdperr"
	"github.com/acdp-project/acdp/pkg/bytesx"
)

func encodeSimple(s Simple, v interface{}) ([]byte, error) {
	switch s {
	case Bool:
		b := byte(0)
		if v.(bool) {
			b = 1
		}
		return []byte{b}, nil
	case Byte:
		return []byte{byte(v.(int8))}, nil
	case Short:
		buf := make([]byte, 2)
		bytesx.PutUint(buf, uint64(uint16(v.(int16))))
		return buf, nil
	case Int:
		buf := make([]byte, 4)
		bytesx.PutUint(buf, uint64(uint32(v.(int32))))
		return buf, nil
	case Long:
		buf := make([]byte, 8)
		bytesx.PutUint(buf, uint64(v.(int64)))
		return buf, nil
	case Float:
		buf := make([]byte, 4)
		bytesx.PutUint(buf, uint64(math.Float32bits(v.(float32))))
		return buf, nil
	case Double:
		buf := make([]byte, 8)
		bytesx.PutUint(buf, math.Float64bits(v.(float64)))
		return buf, nil
	case String:
		return []byte(v.(string)), nil
	case Bytes:
		return v.([]byte), nil
	}
	return nil, acdperr.New(acdperr.ImplementationLimit, "unknown simple kind %d", s)
}

func decodeSimple(s Simple, b []byte) (interface{}, error) {
	switch s {
	case Bool:
		return b[0] != 0, nil
	case Byte:
		return int8(b[0]), nil
	case Short:
		return int16(bytesx.Uint(b)), nil
	case Int:
		return int32(bytesx.Uint(b)), nil
	case Long:
		return int64(bytesx.Uint(b)), nil
	case Float:
		return math.Float32frombits(uint32(bytesx.Uint(b))), nil
	case Double:
		return math.Float64frombits(bytesx.Uint(b)), nil
	case String:
		return string(b), nil
	case Bytes:
		out := make([]byte, len(b))
		copy(out, b)
		return out, nil
	}
	return nil, acdperr.New(acdperr.ImplementationLimit, "unknown simple kind %d", s)
}

func simpleCompatible(s Simple, v interface{}, maxSize int) bool {
	switch s {
	case Bool:
		_, ok := v.(bool)
		return ok
	case Byte:
		_, ok := v.(int8)
		return ok
	case Short:
		_, ok := v.(int16)
		return ok
	case Int:
		_, ok := v.(int32)
		return ok
	case Long:
		_, ok := v.(int64)
		return ok
	case Float:
		_, ok := v.(float32)
		return ok
	case Double:
		_, ok := v.(float64)
		return ok
	case String:
		str, ok := v.(string)
		if !ok {
			return false
		}
		return maxSize <= 0 || len(str) <= maxSize
	case Bytes:
		bs, ok := v.([]byte)
		if !ok {
			return false
		}
		return maxSize <= 0 || len(bs) <= maxSize
	}
	return false
}
