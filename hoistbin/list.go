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
	"fmt"
	"io"
	"os"
	"sort"

	"shanhu.io/hoist"
	"shanhu.io/misc/errcode"
)

func printTasks(w io.Writer, tasks []*hoist.Task) {
	byCategory := make(map[string][]*hoist.Task)
	var categories []string
	for _, t := range tasks {
		c := t.Category
		if c == "" {
			c = "other"
		}
		if _, ok := byCategory[c]; !ok {
			categories = append(categories, c)
		}
		byCategory[c] = append(byCategory[c], t)
	}
	sort.Strings(categories)

	for i, c := range categories {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "[%s]\n", c)
		for _, t := range byCategory[c] {
			fmt.Fprintf(w, "  %-20s %s\n", t.Name, t.ShortDescription)
		}
	}
}

func cmdList(args []string) error {
	flags := cmdFlags.New()
	pf := declareProjectFlags(flags)
	flags.ParseArgs(args)

	p, err := pf.open()
	if err != nil {
		return err
	}
	defer p.Close()

	printTasks(os.Stdout, p.Tasks())
	return nil
}

func cmdConfig(args []string) error {
	flags := cmdFlags.New()
	pf := declareProjectFlags(flags)
	args = flags.ParseArgs(args)

	p, err := pf.open()
	if err != nil {
		return err
	}
	defer p.Close()

	c := p.Config()
	if len(args) == 0 {
		for _, k := range c.Keys() {
			v, err := c.Get(k)
			if err != nil {
				v = fmt.Sprintf("<%s>", err)
			}
			fmt.Printf("%s = %s\n", k, v)
		}
		return nil
	}

	for _, arg := range args {
		var v string
		var err error
		if hoist.ValidKey(arg) {
			v, err = c.Get(arg)
		} else {
			v, err = c.Resolve(arg)
		}
		if err != nil {
			return errcode.Annotatef(err, "resolve %q", arg)
		}
		fmt.Println(v)
	}
	return nil
}

func cmdDockerfile(args []string) error {
	flags := cmdFlags.New()
	pf := declareProjectFlags(flags)
	tmpl := flags.String(
		"template", "{DOCKER.DOCKERFILE_TEMPLATE}", "base template",
	)
	flags.ParseArgs(args)

	p, err := pf.open()
	if err != nil {
		return err
	}
	defer p.Close()

	text, err := p.Env().Composer().Compose(*tmpl)
	if err != nil {
		return err
	}
	fmt.Print(text)
	return nil
}
