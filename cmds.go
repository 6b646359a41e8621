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
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"strings"

	"shanhu.io/misc/osutil"
)

type execJob struct {
	dir   string
	bin   string
	args  []string
	stdin io.Reader
	out   io.Writer
}

func (j *execJob) command(ctx context.Context) *exec.Cmd {
	cmd := exec.CommandContext(ctx, j.bin, j.args...)
	cmd.Dir = j.dir
	cmd.Stdin = j.stdin
	if j.out == nil {
		cmd.Stdout = os.Stdout
	} else {
		cmd.Stdout = j.out
	}
	cmd.Stderr = os.Stderr
	osutil.CmdCopyEnv(cmd, "HOME")
	osutil.CmdCopyEnv(cmd, "PATH")
	osutil.CmdCopyEnv(cmd, "DOCKER_HOST")
	osutil.CmdCopyEnv(cmd, "DOCKER_CONFIG")
	osutil.CmdCopyEnv(cmd, "SSH_AUTH_SOCK")
	return cmd
}

func runCmd(ctx context.Context, dir, bin string, args ...string) error {
	j := &execJob{
		dir:  dir,
		bin:  bin,
		args: args,
	}
	return j.command(ctx).Run()
}

func runCmdInput(
	ctx context.Context, dir string, in io.Reader, bin string, args ...string,
) error {
	j := &execJob{
		dir:   dir,
		bin:   bin,
		args:  args,
		stdin: in,
	}
	return j.command(ctx).Run()
}

// callCmd runs the command quietly and reports if it exits with success.
// It only returns an error when the command fails to start.
func callCmd(ctx context.Context, dir, bin string, args ...string) (
	bool, error,
) {
	j := &execJob{
		dir:  dir,
		bin:  bin,
		args: args,
		out:  io.Discard,
	}
	cmd := j.command(ctx)
	stderr := new(bytes.Buffer)
	cmd.Stderr = stderr
	if err := cmd.Run(); err != nil {
		if err, ok := err.(*exec.ExitError); ok {
			return err.Success(), nil
		}
		return false, err
	}
	return true, nil
}

func cmdString(bin string, args []string) string {
	return strings.Join(append([]string{bin}, args...), " ")
}
