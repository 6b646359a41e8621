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

package hoistbin

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitList(t *testing.T) {
	assert.Nil(t, splitList(""))
	assert.Equal(t, []string{"a", "b"}, splitList(" a, ,b,"))
}

func TestParseTaskArgs(t *testing.T) {
	pos, kwargs := parseTaskArgs([]string{
		"ls", "app=worker", "-l", "pull=false", "a=b=c", "=x", "1x=y",
	})
	assert.Equal(t, []string{"ls", "-l", "=x", "1x=y"}, pos)
	assert.Equal(t, map[string]string{
		"app":  "worker",
		"pull": "false",
		"a":    "b=c",
	}, kwargs)

	pos, kwargs = parseTaskArgs(nil)
	assert.Nil(t, pos)
	assert.Empty(t, kwargs)
}
