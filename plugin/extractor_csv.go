package plugin

import (
	"bytes"
	"strconv"

	"github.com/bitbased/archengine/errs"
)

// CSVExtractor splits a value interpreted as comma-separated fields and
// returns the Nth field as the index key, grounded on
// original_source/ext/extractors/csv/csv_extractor.c. Customize parses
// the whole app-supplied config string as the field index N (e.g. "2").
type CSVExtractor struct {
	field int
}

func (c *CSVExtractor) Name() string { return "csv" }

func (c *CSVExtractor) Customize(config string) (Extractor, error) {
	field := 0
	if config != "" {
		n, err := strconv.Atoi(config)
		if err != nil {
			return nil, errs.Wrap(errs.Config, err, "csv extractor field config %q", config)
		}
		field = n
	}
	return &CSVExtractor{field: field}, nil
}

func (c *CSVExtractor) Extract(_ []byte, value []byte) ([]byte, error) {
	parts := bytes.Split(value, []byte(","))
	if c.field < 0 || c.field >= len(parts) {
		return nil, errs.New(errs.Unsupported, "csv extractor: field index out of range", nil)
	}
	return parts[c.field], nil
}

func (c *CSVExtractor) Terminate() error { return nil }

var _ Extractor = (*CSVExtractor)(nil)
