// Package corpus reads the ordered list of project identifiers a run works on.
//
// The corpus is a delimited file whose first column is the project id. A row
// whose id equals the header sentinel is skipped wherever it appears, as are
// blank rows.
package corpus

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ChuLiYu/blockseq/pkg/types"
)

// DefaultHeader is the sentinel value of the header row.
const DefaultHeader = "id"

// Read parses identifiers from r.
func Read(r io.Reader, header string) ([]types.ProjectID, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true

	var ids []types.ProjectID
	for line := 1; ; line++ {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("corpus line %d: %w", line, err)
		}
		if len(record) == 0 {
			continue
		}
		id := strings.TrimSpace(record[0])
		if id == "" || id == header {
			continue
		}
		ids = append(ids, types.ProjectID(id))
	}
	return ids, nil
}

// Load reads identifiers from the file at path.
func Load(path, header string) ([]types.ProjectID, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open corpus: %w", err)
	}
	defer f.Close()
	return Read(f, header)
}

// Slice returns ids[low:high] clipped to the corpus bounds.
func Slice(ids []types.ProjectID, low, high int) []types.ProjectID {
	if low < 0 {
		low = 0
	}
	if high > len(ids) {
		high = len(ids)
	}
	if low >= high {
		return nil
	}
	return ids[low:high]
}
