// Copyright (C) 2022  Shanhu Tech Inc.
//
// This program is free software: you can redistribute it and/or modify it
// under the terms of the GNU Affero General Public License as published by the
// Free Software Foundation, either version 3 of the License, or (at your
// option) any later version.
//
// This program is distributed in the hope that it will be useful, but WITHOUT
// ANY WARRANTY; without even the implied warranty of MERCHANTABILITY or
// FITNESS FOR A PARTICULAR PURPOSE.  See the GNU Affero General Public License
// for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package hoist

import (
	"shanhu.io/misc/errcode"
)

// IsConfigError checks if the error is a configuration error, such as an
// undefined config reference, an unknown task or a missing credential.
// Configuration errors abort a run before any further task starts.
func IsConfigError(err error) bool {
	return errcode.IsInvalidArg(err)
}

// IsNotFound checks if the error reports a missing external resource.
func IsNotFound(err error) bool {
	return errcode.IsNotFound(err)
}
