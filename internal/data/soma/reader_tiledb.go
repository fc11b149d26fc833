//go:build soma

package soma

import (
	"fmt"
	"math"
	"os"
	"sort"
	"sync"

	tiledb "github.com/TileDB-Inc/TileDB-Go"
)

// Reader provides minimal SOMA reads via TileDB arrays.
type Reader struct {
	experimentURI string
	ctx           *tiledb.Context

	geneOnce    sync.Once
	geneNames   []string
	geneJoinIDs []int64
	geneErr     error

	obsMu    sync.Mutex
	obsCache map[string]map[int64]string // column -> cell_joinid -> value
}

func NewReader(somaPath string) (*Reader, error) {
	uri, err := ResolveExperimentURI(somaPath)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(uri); statErr != nil {
		return nil, fmt.Errorf("soma experiment not found at %s: %w", uri, statErr)
	}

	ctx, err := tiledb.NewContext(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create TileDB context: %w", err)
	}

	return &Reader{
		experimentURI: uri,
		ctx:           ctx,
		obsCache:      make(map[string]map[int64]string),
	}, nil
}

func (r *Reader) Supported() bool { return true }

func (r *Reader) ExperimentURI() string { return r.experimentURI }

// GeneList returns gene names and their soma_joinids sorted by joinid, which
// defines the matrix column order.
func (r *Reader) GeneList() ([]string, []int64, error) {
	r.geneOnce.Do(func() { r.geneErr = r.loadGenes() })
	if r.geneErr != nil {
		return nil, nil, r.geneErr
	}
	return r.geneNames, r.geneJoinIDs, nil
}

func (r *Reader) loadGenes() error {
	byID, err := r.scanStringColumn(r.experimentURI+"/ms/RNA/var", "gene_id")
	if err != nil {
		return err
	}

	ids := make([]int64, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = byID[id]
	}
	r.geneNames = names
	r.geneJoinIDs = ids
	return nil
}

// ObsLabels returns cell_joinid -> label for a string obs column. Results
// are cached per column.
func (r *Reader) ObsLabels(column string) (map[int64]string, error) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()

	if cached, ok := r.obsCache[column]; ok {
		return cached, nil
	}
	labels, err := r.scanStringColumn(r.experimentURI+"/obs", column)
	if err != nil {
		return nil, err
	}
	r.obsCache[column] = labels
	return labels, nil
}

// scanStringColumn streams a var-length string attribute of a DataFrame
// array keyed by soma_joinid.
func (r *Reader) scanStringColumn(uri, column string) (map[int64]string, error) {
	arr, err := tiledb.NewArray(r.ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("failed to open array (%s): %w", uri, err)
	}
	defer arr.Free()
	if err := arr.Open(tiledb.TILEDB_READ); err != nil {
		return nil, fmt.Errorf("failed to open %s for read: %w", uri, err)
	}
	defer arr.Close()

	ned, isEmpty, err := arr.NonEmptyDomainFromName("soma_joinid")
	if err != nil {
		return nil, fmt.Errorf("failed to get non-empty domain of %s: %w", uri, err)
	}
	if isEmpty || ned == nil {
		return map[int64]string{}, nil
	}
	minID, maxID, err := boundsMinMaxInt64(ned.Bounds)
	if err != nil {
		return nil, fmt.Errorf("failed to parse non-empty domain of %s: %w", uri, err)
	}

	sub, err := arr.NewSubarray()
	if err != nil {
		return nil, fmt.Errorf("failed to create subarray: %w", err)
	}
	defer sub.Free()
	if err := sub.AddRangeByName("soma_joinid", tiledb.MakeRange[int64](minID, maxID)); err != nil {
		return nil, fmt.Errorf("failed to set range: %w", err)
	}

	q, err := tiledb.NewQuery(r.ctx, arr)
	if err != nil {
		return nil, fmt.Errorf("failed to create query: %w", err)
	}
	defer q.Free()
	if err := q.SetSubarray(sub); err != nil {
		return nil, fmt.Errorf("failed to set subarray: %w", err)
	}
	if err := q.SetLayout(tiledb.TILEDB_ROW_MAJOR); err != nil {
		return nil, fmt.Errorf("failed to set query layout: %w", err)
	}

	const chunkRows = 8192
	joinIDs := make([]int64, chunkRows)
	offsets := make([]uint64, chunkRows)
	nullable, err := attributeNullable(arr, column)
	if err != nil {
		return nil, fmt.Errorf("column not found in %s: %s", uri, column)
	}
	var validity []uint8
	if nullable {
		validity = make([]uint8, chunkRows)
	}
	dataBytes := make([]byte, 2*1024*1024)

	result := make(map[int64]string)
	for {
		// Buffer sizes are in/out params; reset capacities before each submit.
		if _, err := q.SetDataBuffer("soma_joinid", joinIDs); err != nil {
			return nil, fmt.Errorf("failed to set buffer soma_joinid: %w", err)
		}
		if _, err := q.SetOffsetsBuffer(column, offsets); err != nil {
			return nil, fmt.Errorf("failed to set offsets buffer %s: %w", column, err)
		}
		if _, err := q.SetDataBuffer(column, dataBytes); err != nil {
			return nil, fmt.Errorf("failed to set data buffer %s: %w", column, err)
		}
		if nullable {
			if _, err := q.SetValidityBuffer(column, validity); err != nil {
				return nil, fmt.Errorf("failed to set validity buffer %s: %w", column, err)
			}
		}

		if err := q.Submit(); err != nil {
			return nil, fmt.Errorf("query submit failed: %w", err)
		}
		status, err := q.Status()
		if err != nil {
			return nil, fmt.Errorf("query status failed: %w", err)
		}
		elems, err := q.ResultBufferElements()
		if err != nil {
			return nil, fmt.Errorf("ResultBufferElements failed: %w", err)
		}

		usedJoin := clampInt(int(elems["soma_joinid"][1]), len(joinIDs))
		usedOffsets := clampInt(int(elems[column][0]), len(offsets))
		usedBytes := clampInt(int(elems[column][1]), len(dataBytes))
		usedValid := 0
		if nullable {
			usedValid = clampInt(int(elems[column][2]), len(validity))
		}

		if status == tiledb.TILEDB_INCOMPLETE && usedOffsets == 0 && usedBytes == 0 && usedJoin == 0 {
			if len(dataBytes) < 64*1024*1024 {
				dataBytes = make([]byte, len(dataBytes)*2)
				continue
			}
			return nil, fmt.Errorf("query buffers too small for column %s of %s", column, uri)
		}

		data := dataBytes[:usedBytes]
		lim := usedJoin
		if usedOffsets < lim {
			lim = usedOffsets
		}
		if nullable && usedValid > 0 && usedValid < lim {
			lim = usedValid
		}
		for i := 0; i < lim; i++ {
			if nullable && usedValid > 0 && validity[i] == 0 {
				continue
			}
			start := int(offsets[i])
			end := len(data)
			if i+1 < usedOffsets {
				end = int(offsets[i+1])
			}
			if start < 0 || end < start || end > len(data) {
				continue
			}
			if v := string(data[start:end]); v != "" {
				result[joinIDs[i]] = v
			}
		}

		if status == tiledb.TILEDB_COMPLETED {
			return result, nil
		}
		if status != tiledb.TILEDB_INCOMPLETE {
			return nil, fmt.Errorf("unexpected TileDB query status for %s: %v", uri, status)
		}
	}
}

// ScanX streams every non-zero entry of ms/RNA/X/data over its full
// non-empty domain, in batches.
func (r *Reader) ScanX(onEntry func(cell, gene int64, val float32)) error {
	xURI := r.experimentURI + "/ms/RNA/X/data"
	arr, err := tiledb.NewArray(r.ctx, xURI)
	if err != nil {
		return fmt.Errorf("failed to open X array: %w", err)
	}
	defer arr.Free()
	if err := arr.Open(tiledb.TILEDB_READ); err != nil {
		return fmt.Errorf("failed to open X array for read: %w", err)
	}
	defer arr.Close()

	sub, err := arr.NewSubarray()
	if err != nil {
		return fmt.Errorf("failed to create X subarray: %w", err)
	}
	defer sub.Free()
	for _, dim := range []string{"soma_dim_0", "soma_dim_1"} {
		ned, isEmpty, err := arr.NonEmptyDomainFromName(dim)
		if err != nil {
			return fmt.Errorf("failed to get X non-empty domain for %s: %w", dim, err)
		}
		if isEmpty || ned == nil {
			return nil
		}
		lo, hi, err := boundsMinMaxInt64(ned.Bounds)
		if err != nil {
			return fmt.Errorf("failed to parse X bounds for %s: %w", dim, err)
		}
		if err := sub.AddRangeByName(dim, tiledb.MakeRange[int64](lo, hi)); err != nil {
			return fmt.Errorf("failed to add X range for %s: %w", dim, err)
		}
	}

	q, err := tiledb.NewQuery(r.ctx, arr)
	if err != nil {
		return fmt.Errorf("failed to create X query: %w", err)
	}
	defer q.Free()
	if err := q.SetSubarray(sub); err != nil {
		return fmt.Errorf("failed to set X subarray: %w", err)
	}
	_ = q.SetLayout(tiledb.TILEDB_UNORDERED)

	const bufSize = 1024 * 1024
	outCell := make([]int64, bufSize)
	outGene := make([]int64, bufSize)
	outVal := make([]float32, bufSize)
	nullable, err := attributeNullable(arr, "soma_data")
	if err != nil {
		return fmt.Errorf("failed to inspect soma_data: %w", err)
	}
	var valid []uint8
	if nullable {
		valid = make([]uint8, bufSize)
	}

	for {
		if _, err := q.SetDataBuffer("soma_dim_0", outCell); err != nil {
			return fmt.Errorf("failed to set buffer soma_dim_0: %w", err)
		}
		if _, err := q.SetDataBuffer("soma_dim_1", outGene); err != nil {
			return fmt.Errorf("failed to set buffer soma_dim_1: %w", err)
		}
		if _, err := q.SetDataBuffer("soma_data", outVal); err != nil {
			return fmt.Errorf("failed to set buffer soma_data: %w", err)
		}
		if nullable {
			if _, err := q.SetValidityBuffer("soma_data", valid); err != nil {
				return fmt.Errorf("failed to set validity buffer soma_data: %w", err)
			}
		}

		if err := q.Submit(); err != nil {
			return fmt.Errorf("X query submit failed: %w", err)
		}
		status, err := q.Status()
		if err != nil {
			return fmt.Errorf("X query status failed: %w", err)
		}
		elems, err := q.ResultBufferElements()
		if err != nil {
			return fmt.Errorf("X query ResultBufferElements failed: %w", err)
		}
		got := clampInt(int(elems["soma_data"][1]), len(outVal))
		gotValid := 0
		if nullable {
			gotValid = clampInt(int(elems["soma_data"][2]), len(valid))
		}

		for i := 0; i < got; i++ {
			if nullable && i < gotValid && valid[i] == 0 {
				continue
			}
			onEntry(outCell[i], outGene[i], outVal[i])
		}

		if status == tiledb.TILEDB_COMPLETED {
			return nil
		}
		if status != tiledb.TILEDB_INCOMPLETE {
			return fmt.Errorf("unexpected X query status: %v", status)
		}
	}
}

func boundsMinMaxInt64(bounds interface{}) (int64, int64, error) {
	switch v := bounds.(type) {
	case []int64:
		if len(v) >= 2 {
			return v[0], v[1], nil
		}
	case []int32:
		if len(v) >= 2 {
			return int64(v[0]), int64(v[1]), nil
		}
	case []uint64:
		if len(v) >= 2 {
			if v[0] > math.MaxInt64 || v[1] > math.MaxInt64 {
				return 0, 0, fmt.Errorf("uint64 bounds exceed int64 range")
			}
			return int64(v[0]), int64(v[1]), nil
		}
	case []uint32:
		if len(v) >= 2 {
			return int64(v[0]), int64(v[1]), nil
		}
	}
	return 0, 0, fmt.Errorf("unsupported bounds type for non-empty domain")
}

func attributeNullable(arr *tiledb.Array, name string) (bool, error) {
	schema, err := arr.Schema()
	if err != nil {
		return false, err
	}
	defer schema.Free()
	attr, err := schema.AttributeFromName(name)
	if err != nil {
		return false, err
	}
	defer attr.Free()
	return attr.Nullable()
}

func clampInt(v, max int) int {
	if v > max {
		return max
	}
	return v
}
