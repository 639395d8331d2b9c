// Package journal appends one NDJSON line per finished purchase attempt.
// The journal is an audit trail, not a source of truth; the state file owns
// current status.
package journal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/takumi-oki/restockd/internal/domain/purchase"
	"github.com/takumi-oki/restockd/internal/infra/fs"
)

// Record is one finished attempt.
type Record struct {
	AttemptID     string           `json:"attempt_id"`
	ProductID     string           `json:"product_id"`
	Outcome       purchase.Outcome `json:"outcome"`
	OrderRef      string           `json:"order_reference,omitempty"`
	FailureReason purchase.Reason  `json:"failure_reason,omitempty"`
	RealAttempt   bool             `json:"is_real_attempt"`
	ElapsedMS     int64            `json:"elapsed_ms"`
	RecordedAt    time.Time        `json:"recorded_at"`
}

// Journal is an append-only NDJSON file. Appends are serialized; each record
// is written in a single call so concurrent readers never see a torn line.
type Journal struct {
	mu   sync.Mutex
	fsys afero.Fs
	path string
}

func New(fsys afero.Fs, path string) *Journal {
	return &Journal{fsys: fsys, path: path}
}

// Append writes one record.
func (j *Journal) Append(rec Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := fs.AppendNDJSONLine(j.fsys, j.path, rec); err != nil {
		return fmt.Errorf("failed to append attempt journal: %w", err)
	}
	return nil
}

// ReadAll loads every record, skipping lines that fail to parse. A missing
// journal reads as empty.
func (j *Journal) ReadAll() ([]Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	data, err := afero.ReadFile(j.fsys, j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read attempt journal: %w", err)
	}

	var records []Record
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, scanner.Err()
}
