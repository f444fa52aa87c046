package supplemental

import (
	"context"
	"fmt"
	"slices"

	"github.com/BurntSushi/toml"

	"github.com/gosuda/rewind/internal/domain"
)

// Table is a static association from primary recording id to its linked
// recordings. Ids must match exactly.
type Table map[string][]domain.SupplementalLink

// Links returns the links declared for recordingID. Unknown ids yield no
// links and no error.
func (t Table) Links(_ context.Context, recordingID string) ([]domain.SupplementalLink, error) {
	return slices.Clone(t[recordingID]), nil
}

type tableFile struct {
	Recordings []struct {
		ID           string                    `toml:"id"`
		Supplemental []domain.SupplementalLink `toml:"supplemental"`
	} `toml:"recording"`
}

// LoadTable reads a TOML association table:
//
//	[[recording]]
//	id = "<primary id>"
//	  [[recording.supplemental]]
//	  server_recording_id = "<linked id>"
//	    [[recording.supplemental.connections]]
//	    client_first = true
//	    client_recording_id = "<primary id>"
//	    client_point = { point = "...", time = 10800.0 }
//	    server_point = { point = "...", time = 53985.2 }
func LoadTable(path string) (Table, error) {
	var file tableFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("supplemental.LoadTable: %w", err)
	}

	table := make(Table, len(file.Recordings))
	for _, rec := range file.Recordings {
		if rec.ID == "" {
			return nil, fmt.Errorf("supplemental.LoadTable: %s: recording without id", path)
		}
		for _, link := range rec.Supplemental {
			if link.ServerRecordingID == "" {
				return nil, fmt.Errorf("supplemental.LoadTable: %s: recording %s has a link without server_recording_id", path, rec.ID)
			}
		}
		table[rec.ID] = append(table[rec.ID], rec.Supplemental...)
	}
	return table, nil
}
