// Package ingest is a file ingest flight over the local filesystem.
//
// The flight registers a file record, copies the source bytes next to it
// and marks the record ready:
//
//	CreateRecord -> CopyBytes -> FinalizeRecord
//
// Every step can be repeated after a crash and every step has an undo, so a
// failed ingest leaves no record and no data behind.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/flightdeck/pkg/flight"
	"github.com/openfroyo/flightdeck/pkg/retry"
	"github.com/openfroyo/flightdeck/pkg/telemetry"
)

// Class is the registered flight class.
const Class = "ingest.file"

// Input keys.
const (
	KeySource = "source"
	KeyName   = "name"
)

// Record states written to the record file.
const (
	RecordCreating = "creating"
	RecordReady    = "ready"
)

// Config configures the ingest flight.
type Config struct {
	// DataDir receives one record file and one data file per flight.
	DataDir string `validate:"required"`
	// IORetry applies to steps touching the filesystem.
	IORetry retry.Rule
}

// FileRecord is the metadata document written for every ingested file.
type FileRecord struct {
	FileID    string    `json:"file_id"`
	Name      string    `json:"name"`
	Source    string    `json:"source"`
	State     string    `json:"state"`
	Size      int64     `json:"size,omitempty"`
	Checksum  string    `json:"checksum,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Response is the flight's response.
type Response struct {
	FileID   string `json:"file_id"`
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

type inputs struct {
	Source string `validate:"required"`
	Name   string `validate:"omitempty,max=255"`
}

// state is the working state shared by the steps.
type state struct {
	RecordPath string `json:"record_path,omitempty"`
	DataPath   string `json:"data_path,omitempty"`
	Size       int64  `json:"size,omitempty"`
	Checksum   string `json:"checksum,omitempty"`
}

var ingestState = flight.NewTypedState[state](1)

var validate = validator.New()

// Register adds the ingest class to registry.
func Register(registry *flight.Registry, cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid ingest configuration: %w", err)
	}
	if cfg.IORetry == nil {
		cfg.IORetry = retry.Exponential{Base: 500 * time.Millisecond, Cap: 10 * time.Second, MaxRetries: 5}
	}
	return registry.Register(Class, func(in flight.Inputs) (*flight.Definition, error) {
		return flight.NewDefinition(Class).
			AddStep("CreateRecord", &createRecordStep{cfg: cfg}, cfg.IORetry).
			AddStep("CopyBytes", &copyBytesStep{cfg: cfg}, cfg.IORetry).
			AddStep("FinalizeRecord", &finalizeRecordStep{}, cfg.IORetry), nil
	})
}

func readInputs(fc *flight.Context) (inputs, error) {
	in := inputs{
		Source: fc.Inputs().GetString(KeySource),
		Name:   fc.Inputs().GetString(KeyName),
	}
	if err := validate.Struct(in); err != nil {
		return in, flight.NewFatalError("invalid ingest inputs", err).WithCode(flight.ErrCodeInvalidInput)
	}
	if in.Name == "" {
		in.Name = filepath.Base(in.Source)
	}
	return in, nil
}

// ioResult turns a filesystem error into a step result. Missing files are
// fatal; anything else is retried.
func ioResult(err error) flight.StepResult {
	switch {
	case err == nil:
		return flight.Success()
	case errors.Is(err, fs.ErrNotExist):
		return flight.Fatal(flight.NewFatalError("file not found", err))
	default:
		return flight.Retry(flight.NewTransientError("filesystem error", err))
	}
}

// createRecordStep writes the record in the creating state.
type createRecordStep struct {
	cfg Config
}

func (s *createRecordStep) recordPath(flightID string) string {
	return filepath.Join(s.cfg.DataDir, flightID+".json")
}

func (s *createRecordStep) Do(fc *flight.Context) flight.StepResult {
	in, err := readInputs(fc)
	if err != nil {
		return flight.Fatal(err)
	}
	path := s.recordPath(fc.FlightID())
	if err := os.MkdirAll(s.cfg.DataDir, 0o755); err != nil {
		return ioResult(err)
	}
	// A record from an earlier attempt of this step is reused.
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		rec := FileRecord{
			FileID:    fc.FlightID(),
			Name:      in.Name,
			Source:    in.Source,
			State:     RecordCreating,
			CreatedAt: time.Now().UTC(),
		}
		if err := writeRecord(path, rec); err != nil {
			return ioResult(err)
		}
	} else if err != nil {
		return ioResult(err)
	}
	if err := ingestState.Update(fc.Working(), func(st *state) error {
		st.RecordPath = path
		return nil
	}); err != nil {
		return flight.Fatal(err)
	}
	return flight.Success()
}

func (s *createRecordStep) Undo(fc *flight.Context) flight.StepResult {
	return ioResult(removeIfExists(s.recordPath(fc.FlightID())))
}

// copyBytesStep copies the source into the data directory through a
// temporary file and records size and checksum.
type copyBytesStep struct {
	cfg Config
}

func (s *copyBytesStep) dataPath(flightID string) string {
	return filepath.Join(s.cfg.DataDir, flightID+".data")
}

func (s *copyBytesStep) Do(fc *flight.Context) flight.StepResult {
	in, err := readInputs(fc)
	if err != nil {
		return flight.Fatal(err)
	}
	dst := s.dataPath(fc.FlightID())
	size, sum, err := copyFile(fc.Context(), in.Source, dst)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return flight.Retry(err)
		}
		return ioResult(err)
	}
	if err := ingestState.Update(fc.Working(), func(st *state) error {
		st.DataPath = dst
		st.Size = size
		st.Checksum = sum
		return nil
	}); err != nil {
		return flight.Fatal(err)
	}
	telemetry.FromContext(fc.Context()).WithFields(map[string]interface{}{
		"source": in.Source,
		"size":   size,
	}).Debug("source copied")
	return flight.Success()
}

func (s *copyBytesStep) Undo(fc *flight.Context) flight.StepResult {
	dst := s.dataPath(fc.FlightID())
	if err := removeIfExists(dst + ".tmp"); err != nil {
		return ioResult(err)
	}
	return ioResult(removeIfExists(dst))
}

// finalizeRecordStep marks the record ready and sets the response.
type finalizeRecordStep struct{}

func (s *finalizeRecordStep) Do(fc *flight.Context) flight.StepResult {
	st, err := ingestState.Load(fc.Working())
	if err != nil {
		return flight.Fatal(err)
	}
	if st.RecordPath == "" || st.DataPath == "" {
		return flight.Fatal(flight.NewInternalError("ingest state is incomplete", nil).WithCode(flight.ErrCodeInvalidState))
	}
	err = updateRecord(st.RecordPath, func(rec *FileRecord) {
		rec.State = RecordReady
		rec.Size = st.Size
		rec.Checksum = st.Checksum
	})
	if err != nil {
		return ioResult(err)
	}
	if err := fc.SetResponse(Response{
		FileID:   fc.FlightID(),
		Path:     st.DataPath,
		Size:     st.Size,
		Checksum: st.Checksum,
	}); err != nil {
		return flight.Fatal(err)
	}
	if err := fc.SetStatusCode(http.StatusCreated); err != nil {
		return flight.Fatal(err)
	}
	return flight.Success()
}

func (s *finalizeRecordStep) Undo(fc *flight.Context) flight.StepResult {
	st, err := ingestState.Load(fc.Working())
	if err != nil {
		return flight.Fatal(err)
	}
	if st.RecordPath == "" {
		return flight.Success()
	}
	err = updateRecord(st.RecordPath, func(rec *FileRecord) {
		rec.State = RecordCreating
	})
	if errors.Is(err, fs.ErrNotExist) {
		return flight.Success()
	}
	return ioResult(err)
}

// ReadRecord loads the record written for flightID.
func ReadRecord(dataDir, flightID string) (*FileRecord, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, flightID+".json"))
	if err != nil {
		return nil, err
	}
	var rec FileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode file record: %w", err)
	}
	return &rec, nil
}

func writeRecord(path string, rec FileRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode file record: %w", err)
	}
	return writeAtomic(path, data)
}

func updateRecord(path string, fn func(*FileRecord)) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var rec FileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("failed to decode file record: %w", err)
	}
	fn(&rec)
	return writeRecord(path, rec)
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// copyFile copies src to dst and returns the size and sha256 of the bytes.
// dst only appears once the copy is complete.
func copyFile(ctx context.Context, src, dst string) (int64, string, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, "", err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return 0, "", err
	}
	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(out, hash), &ctxReader{ctx: ctx, r: in})
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return 0, "", err
	}
	if err := os.Rename(tmp, dst); err != nil {
		return 0, "", err
	}
	return size, hex.EncodeToString(hash.Sum(nil)), nil
}

// ctxReader stops a copy when ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
