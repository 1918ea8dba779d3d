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

package dc

import (
	"os"

	"github.com/cubefs/dirmeta/errors"
)

// IngestSplitTable is the target side of a split shipment: it is called
// by the RPC handler that receives a Shipper.ShipTable delivery. It
// writes and syncs the table at the engine's next ingest file number,
// registers it at L0, and sets the migrated partition's bit locally.
// This is idempotent by construction: BulkIngest assigns a fresh file
// number every call, so a retried delivery simply adds a second,
// harmless copy of the same rows to L0 -- duplicate rows across files
// resolve to "highest sequence wins" the same way any other duplicate
// key across levels does, and
// MarkSplittableChild is a no-op if the bit is already set.
func (d *Directory) IngestSplitTable(child uint32, table, smallestKey, largestKey []byte) error {
	fileNumber := d.engine.IngestFileNumber()
	path := d.engine.IngestPath(fileNumber)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(errors.IOError, err, "dc: create ingest file")
	}
	if _, err := f.Write(table); err != nil {
		f.Close()
		return errors.Wrap(errors.IOError, err, "dc: write ingest file")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrap(errors.IOError, err, "dc: sync ingest file")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(errors.IOError, err, "dc: close ingest file")
	}

	if err := d.engine.BulkIngest(fileNumber, smallestKey, largestKey, uint64(len(table))); err != nil {
		return err
	}

	d.mu.Lock()
	_, err = d.index.MarkSplittableChild(parentOf(child))
	d.mu.Unlock()
	return err
}
