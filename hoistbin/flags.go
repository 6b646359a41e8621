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
	"context"
	"os"
	"os/signal"
	"regexp"
	"strings"

	"shanhu.io/hoist"
	"shanhu.io/misc/errcode"
	"shanhu.io/misc/flagutil"
)

var cmdFlags = flagutil.NewFactory("hoist")

type projectFlags struct {
	dir         string
	projectFile string
}

func declareProjectFlags(flags *flagutil.FlagSet) *projectFlags {
	f := new(projectFlags)
	flags.StringVar(&f.dir, "dir", ".", "project directory")
	flags.StringVar(
		&f.projectFile, "project_file", "",
		"project file, defaults to the one in the project directory",
	)
	return f
}

func (f *projectFlags) open() (*hoist.Project, error) {
	opts := &hoist.Options{ProjectFile: f.projectFile}
	p, err := hoist.Open(f.dir, hoist.BuiltinModules(), opts)
	if err != nil {
		return nil, errcode.Annotate(err, "open project")
	}
	return p, nil
}

func splitList(s string) []string {
	var ret []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			ret = append(ret, item)
		}
	}
	return ret
}

var kwargPattern = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)=(.*)$`)

// parseTaskArgs splits task arguments into positional ones and keyword
// ones of the form "key=value".
func parseTaskArgs(args []string) ([]string, map[string]string) {
	var pos []string
	kwargs := make(map[string]string)
	for _, arg := range args {
		if m := kwargPattern.FindStringSubmatch(arg); m != nil {
			kwargs[m[1]] = m[2]
			continue
		}
		pos = append(pos, arg)
	}
	return pos, kwargs
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}
