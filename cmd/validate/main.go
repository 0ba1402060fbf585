// Command validate checks a geocoded JSON-lines output file against the input
// it was produced from. It verifies that every input yielded exactly one
// record, in input order, with a consistent sequence number, record shape,
// and progress metadata.
//
// Usage:
//
//	go run ./cmd/validate \
//	  -input data/addresses.csv -format csv \
//	  -output data/geocoded.jsonl
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"reflect"

	"github.com/couchcryptid/geocode-stream-service/internal/adapter/file"
)

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

// outputRecord mirrors the JSON written for each geocoded record. Optional
// fields are pointers so absence can be told apart from zero.
type outputRecord struct {
	Error             *string          `json:"error"`
	Address           string           `json:"address"`
	Input             any              `json:"input"`
	Location          map[string]any   `json:"location"`
	Result            map[string]any   `json:"result"`
	Results           []map[string]any `json:"results"`
	Current           int64            `json:"current"`
	Total             *int64           `json:"total"`
	Pending           *int64           `json:"pending"`
	Percent           *float64         `json:"percent"`
	EstimatedDuration *int64           `json:"estimatedDuration"`
}

type options struct {
	inputPath  string
	format     string
	outputPath string
	seed       int64
}

func main() {
	var opts options
	flag.StringVar(&opts.inputPath, "input", "", "path to the input address file")
	flag.StringVar(&opts.format, "format", file.FormatLines, "input format: lines, jsonl or csv")
	flag.StringVar(&opts.outputPath, "output", "", "path to the geocoded JSON-lines output")
	flag.Int64Var(&opts.seed, "seed", 0, "current value the run's statistics started from")
	flag.Parse()

	if opts.inputPath == "" || opts.outputPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	if code := run(os.Stdout, opts); code != 0 {
		os.Exit(code)
	}
}

func run(w io.Writer, opts options) int {
	fmt.Fprintln(w, "=== Geocode Output Validation ===")
	fmt.Fprintln(w)

	inputs, err := loadInputs(opts.inputPath, opts.format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load input: %v\n", err)
		return 1
	}

	records, err := loadOutput(opts.outputPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load output: %v\n", err)
		return 1
	}

	phases := []*phase{
		validateCardinality(inputs, records),
		validateOrder(inputs, records),
		validateSequence(records, opts.seed),
		validateShape(records),
		validateProgress(records),
	}

	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Fprintf(w, "  %-30s %s\n", p.name, status)
	}

	failed := 0
	for _, r := range records {
		if r.Error != nil {
			failed++
		}
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Records: %d input, %d output, %d failed lookups\n", len(inputs), len(records), failed)

	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Fprintf(w, "\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Fprintf(w, "  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Fprintln(w, "\nAll validations passed.")
		return 0
	}
	fmt.Fprintln(w, "\nValidation FAILED.")
	return 1
}

func loadInputs(path, format string) ([]any, error) {
	r, err := file.Open(path, format)
	if err != nil {
		return nil, err
	}
	defer r.Close() //nolint:errcheck

	var inputs []any
	for {
		item, err := r.Extract(context.Background())
		if errors.Is(err, io.EOF) {
			return inputs, nil
		}
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, item.Value)
	}
}

func loadOutput(path string) ([]outputRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close() //nolint:errcheck

	var records []outputRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec outputRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		records = append(records, rec)
	}
	return records, scanner.Err()
}

// validateCardinality checks that every input produced exactly one record.
func validateCardinality(inputs []any, records []outputRecord) *phase {
	p := &phase{name: "Cardinality"}
	if len(inputs) != len(records) {
		p.errorf("%d inputs but %d output records", len(inputs), len(records))
	}
	return p
}

// validateOrder checks that each record echoes the input at the same position.
func validateOrder(inputs []any, records []outputRecord) *phase {
	p := &phase{name: "Input order"}
	n := min(len(inputs), len(records))
	for i := range n {
		if !reflect.DeepEqual(inputs[i], records[i].Input) {
			p.errorf("record %d: input %v does not match source record %v", i+1, records[i].Input, inputs[i])
		}
	}
	return p
}

// validateSequence checks that current counts up by one from seed+1.
func validateSequence(records []outputRecord, seed int64) *phase {
	p := &phase{name: "Sequence numbers"}
	for i, r := range records {
		if want := seed + int64(i) + 1; r.Current != want {
			p.errorf("record %d: current = %d, want %d", i+1, r.Current, want)
		}
	}
	return p
}

// validateShape checks the success and failure record layouts.
func validateShape(records []outputRecord) *phase {
	p := &phase{name: "Record shape"}
	for i, r := range records {
		n := i + 1
		if r.Location == nil || r.Result == nil {
			p.errorf("record %d: location and result must always be present", n)
			continue
		}
		if r.Error != nil {
			if len(r.Location) != 0 || len(r.Result) != 0 {
				p.errorf("record %d: failed lookup must have empty location and result", n)
			}
			if r.Results != nil {
				p.errorf("record %d: failed lookup must not carry results", n)
			}
			continue
		}
		if len(r.Results) == 0 {
			p.errorf("record %d: successful lookup has no results", n)
			continue
		}
		if !reflect.DeepEqual(r.Result, r.Results[0]) {
			p.errorf("record %d: result is not the first candidate", n)
		}
		geometry, _ := r.Result["geometry"].(map[string]any)
		if !reflect.DeepEqual(r.Location, geometry["location"]) {
			p.errorf("record %d: location %v does not match result geometry", n, r.Location)
		}
	}
	return p
}

// validateProgress checks the progress fields against current and total.
func validateProgress(records []outputRecord) *phase {
	p := &phase{name: "Progress metadata"}
	var total *int64
	for i, r := range records {
		n := i + 1
		if r.Total == nil {
			if r.Pending != nil || r.Percent != nil || r.EstimatedDuration != nil {
				p.errorf("record %d: progress fields without a total", n)
			}
			continue
		}
		if total == nil {
			total = r.Total
		} else if *total != *r.Total {
			p.errorf("record %d: total changed from %d to %d", n, *total, *r.Total)
		}
		if r.Pending == nil || r.Percent == nil || r.EstimatedDuration == nil {
			p.errorf("record %d: incomplete progress fields", n)
			continue
		}
		if want := *r.Total - r.Current; *r.Pending != want {
			p.errorf("record %d: pending = %d, want %d", n, *r.Pending, want)
		}
		want := float64(r.Current) / float64(*r.Total) * 100
		if math.Abs(*r.Percent-want) > 1e-9 {
			p.errorf("record %d: percent = %v, want %v", n, *r.Percent, want)
		}
		if *r.EstimatedDuration < 0 {
			p.errorf("record %d: negative estimatedDuration %d", n, *r.EstimatedDuration)
		}
	}
	return p
}
