// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

// Package hash128 supplies the filename hash primitive the rest of
// dirmeta treats as an interchangeable external collaborator: any
// 128-bit pseudorandom mixing function suffices, and murmur3 is a
// well-tested one.
package hash128

import (
	"github.com/cubefs/dirmeta/proto"
	"github.com/spaolacci/murmur3"
)

// Name hashes a child name into a 128-bit pseudorandom value.
func Name(name string) proto.Hash128 {
	hi, lo := murmur3.Sum128([]byte(name))
	return proto.Hash128{Hi: hi, Lo: lo}
}
