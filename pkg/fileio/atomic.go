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

package fileio

import (
	"os"

	"github.com/google/renameio/v2"

	"github.com/acdp-project/acdp/pkg/acdperr"
)

// AtomicWriteFile replaces path with data without ever exposing a torn
// file to a concurrent reader, used when a WR refactor operation (add/drop
// table, add/drop/modify column) rewrites the whole layout file
// (spec.md §3 "Lifecycle"). A bare os.WriteFile would leave a half-written
// layout on a crash between truncate and write.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	if err := renameio.WriteFile(path, data, perm); err != nil {
		return acdperr.IOErr(path, false, err)
	}
	return nil
}
