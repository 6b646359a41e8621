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
	"os"

	"shanhu.io/hoist"
	"shanhu.io/misc/errcode"
)

func cmdRun(args []string) error {
	flags := cmdFlags.New()
	pf := declareProjectFlags(flags)
	opts := new(hoist.RunOptions)
	flags.BoolVar(&opts.Force, "force", false, "bypass checkers of the task")
	flags.IntVar(
		&opts.Workers, "workers", 0,
		"number of tasks that execute at the same time, defaults to #cpu",
	)
	forceTasks := flags.String(
		"force_tasks", "", "comma separated other tasks to force",
	)
	args = flags.ParseArgs(args)
	if len(args) == 0 {
		return errcode.InvalidArgf("task name missing")
	}

	if opts.Workers < 0 {
		return errcode.InvalidArgf("invalid worker count %d", opts.Workers)
	}
	opts.ForceTasks = splitList(*forceTasks)
	opts.Args, opts.Kwargs = parseTaskArgs(args[1:])

	p, err := pf.open()
	if err != nil {
		return err
	}
	defer p.Close()

	ctx, cancel := signalContext()
	defer cancel()

	report, err := p.Run(ctx, args[0], opts)
	if report != nil {
		report.Print(os.Stdout)
	}
	return err
}

func cmdClean(args []string) error {
	flags := cmdFlags.New()
	pf := declareProjectFlags(flags)
	args = flags.ParseArgs(args)
	if len(args) == 0 {
		return errcode.InvalidArgf("task name missing")
	}

	p, err := pf.open()
	if err != nil {
		return err
	}
	defer p.Close()

	ctx, cancel := signalContext()
	defer cancel()

	for _, task := range args {
		if err := p.Clean(ctx, task); err != nil {
			return err
		}
	}
	return nil
}
