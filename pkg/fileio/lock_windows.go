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

//go:build windows

package fileio

import (
	"os"

	"golang.org/x/sys/windows"

	"github.com/acdp-project/acdp/pkg/acdperr"
)

func tryLock(f *os.File, start, length int64, shared bool) error {
	ol := new(windows.Overlapped)
	ol.Offset = uint32(start)
	ol.OffsetHigh = uint32(start >> 32)

	var flags uint32
	if !shared {
		flags |= windows.LOCKFILE_EXCLUSIVE_LOCK
	}
	flags |= windows.LOCKFILE_FAIL_IMMEDIATELY

	lenLow := uint32(length)
	lenHigh := uint32(length >> 32)
	if err := windows.LockFileEx(windows.Handle(f.Fd()), flags, 0, lenLow, lenHigh, ol); err != nil {
		return acdperr.Wrap(acdperr.OverlappingLock, err, "advisory lock on %s unavailable", f.Name())
	}
	return nil
}
