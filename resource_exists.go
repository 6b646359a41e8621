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
	"context"
	"fmt"

	"shanhu.io/misc/errcode"
)

const (
	resourceImage  = "image"
	resourceVolume = "volume"
)

type resourceExists struct {
	kind string
	name string // Template of the resource name.
}

// ImageExists creates a checker that is satisfied when the container image
// named by the template exists, regardless of its content.
func ImageExists(name string) Checker {
	return &resourceExists{kind: resourceImage, name: name}
}

// VolumeExists creates a checker that is satisfied when the named volume
// exists, regardless of its content.
func VolumeExists(name string) Checker {
	return &resourceExists{kind: resourceVolume, name: name}
}

func (r *resourceExists) Check(ctx context.Context, env *Env, task string) (
	bool, error,
) {
	name, err := env.Config.Resolve(r.name)
	if err != nil {
		return false, err
	}
	switch r.kind {
	case resourceImage:
		return env.Engine.ImageExists(ctx, name)
	case resourceVolume:
		return env.Engine.VolumeExists(ctx, name)
	}
	return false, errcode.Internalf("unknown resource kind %q", r.kind)
}

func (r *resourceExists) String() string {
	return fmt.Sprintf("%sExists(%s)", r.kind, r.name)
}
