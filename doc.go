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

/*

# dirmeta: directory-partitioned file-system metadata

dirmeta is a cluster of symmetric metadata servers. A directory's entries
are split across servers on demand; clients route lookups with a small
gossiped bitmap instead of asking a coordinator.

## Building Blocks

  - dpi   - the directory partition index: bitmap + name->server routing
  - mke   - the metadata key-value engine: a log-structured merge store
  - llt   - the lookup-lease table: coherent caching with Free/Shared/Locked leases
  - dc    - directory control: owns a directory's dpi+mke range, drives splits
  - transport - opaque byte RPC, UDP by default with an optional gRPC backend

*/
package dirmeta
