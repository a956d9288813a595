package storage

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/san-kum/mdloop/internal/dynamo"
	"github.com/san-kum/mdloop/internal/reduce"
)

const (
	metadataFile   = "metadata.json"
	energiesFile   = "energies.csv"
	trajectoryFile = "traj.jsonl.zst"
	checkpointFile = "state.cpt.zst"
	prevCheckpoint = "state_prev.cpt.zst"
	confoutFile    = "confout.json"
	configFile     = "config.yaml"

	checkpointVersion = 1
)

// Run statuses recorded in the metadata.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusStopped   = "stopped"
	StatusFailed    = "failed"
)

type Store struct {
	baseDir string
}

func New(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

func (s *Store) Init() error {
	return os.MkdirAll(s.baseDir, 0755)
}

type RunMetadata struct {
	ID         string             `json:"id"`
	Model      string             `json:"model"`
	Provider   string             `json:"provider"`
	Timestamp  time.Time          `json:"timestamp"`
	Seed       int64              `json:"seed"`
	Dt         float64            `json:"dt"`
	NSteps     int64              `json:"nsteps"`
	InitStep   int64              `json:"init_step"`
	Integrator string             `json:"integrator"`
	Thermostat string             `json:"thermostat"`
	Barostat   string             `json:"barostat"`
	Ranks      int                `json:"ranks"`
	Replica    int                `json:"replica"`
	RefT       float64            `json:"ref_t"`
	Atoms      int                `json:"atoms"`
	Status     string             `json:"status"`
	StepsDone  int64              `json:"steps_done"`
	LastStep   int64              `json:"last_step"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
	ContinueOf string             `json:"continue_of,omitempty"`
}

// Checkpoint is the restart record: the full state at the start of Step.
type Checkpoint struct {
	Version int                    `json:"version"`
	Step    int64                  `json:"step"`
	Time    float64                `json:"time"`
	Replica int                    `json:"replica"`
	Written time.Time              `json:"written"`
	State   *dynamo.GlobalSnapshot `json:"state"`
	// Ekin carries the kinetic energy bookkeeping of the averaging
	// integrators across the restart.
	Ekin    *reduce.EkinState      `json:"ekin,omitempty"`
}

// Run is an open run directory. Its writers are safe for use by one
// simulation at a time.
type Run struct {
	dir  string
	meta RunMetadata

	mu       sync.Mutex
	energies *os.File
	ew       *csv.Writer
	traj     *os.File
	tz       *zstd.Encoder
	tenc     *json.Encoder
}

var energyHeader = []string{
	"step", "time", "epot", "ekin", "etot", "conserved",
	"temperature", "pressure", "dvdl", "fep_state", "volume",
}

// Create opens a new run directory named by a fresh uuid.
func (s *Store) Create(meta RunMetadata) (*Run, error) {
	if meta.ID == "" {
		meta.ID = uuid.NewString()
	}
	if meta.Timestamp.IsZero() {
		meta.Timestamp = time.Now()
	}
	meta.Status = StatusRunning
	dir := filepath.Join(s.baseDir, meta.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	r := &Run{dir: dir, meta: meta}
	if err := r.writeMetadata(); err != nil {
		return nil, err
	}

	f, err := os.Create(filepath.Join(dir, energiesFile))
	if err != nil {
		return nil, err
	}
	r.energies = f
	r.ew = csv.NewWriter(f)
	if err := r.ew.Write(energyHeader); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func (r *Run) ID() string { return r.meta.ID }

func (r *Run) Dir() string { return r.dir }

func (r *Run) Metadata() RunMetadata { return r.meta }

// ConfigPath is where the configuration of the run is kept.
func (r *Run) ConfigPath() string { return filepath.Join(r.dir, configFile) }

func (r *Run) writeMetadata() error {
	return writeJSON(filepath.Join(r.dir, metadataFile), r.meta)
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'g', 10, 64) }

// WriteEnergy appends one row to energies.csv.
func (r *Run) WriteEnergy(a reduce.EnergyAccumulator) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row := []string{
		strconv.FormatInt(a.Step, 10),
		formatFloat(a.Time),
		formatFloat(a.Epot),
		formatFloat(a.Ekin),
		formatFloat(a.Etot),
		formatFloat(a.Conserved),
		formatFloat(a.Temperature),
		formatFloat(a.PresScalar),
		formatFloat(a.DVDL),
		strconv.Itoa(a.FEPState),
		formatFloat(a.Volume),
	}
	if err := r.ew.Write(row); err != nil {
		return err
	}
	r.ew.Flush()
	return r.ew.Error()
}

// WriteFrame appends a frame to the zstd-compressed trajectory.
func (r *Run) WriteFrame(g *dynamo.GlobalSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tz == nil {
		f, err := os.Create(filepath.Join(r.dir, trajectoryFile))
		if err != nil {
			return err
		}
		enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			f.Close()
			return err
		}
		r.traj, r.tz, r.tenc = f, enc, json.NewEncoder(enc)
	}
	return r.tenc.Encode(g)
}

// WriteCheckpoint replaces the checkpoint, keeping the previous one.
func (r *Run) WriteCheckpoint(cp *Checkpoint) error {
	cp.Version = checkpointVersion
	if cp.Written.IsZero() {
		cp.Written = time.Now()
	}
	tmp := filepath.Join(r.dir, checkpointFile+".tmp")
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
	if err != nil {
		f.Close()
		return err
	}
	if err := json.NewEncoder(enc).Encode(cp); err != nil {
		enc.Close()
		f.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	cur := filepath.Join(r.dir, checkpointFile)
	if _, err := os.Stat(cur); err == nil {
		if err := os.Rename(cur, filepath.Join(r.dir, prevCheckpoint)); err != nil {
			return err
		}
	}
	return os.Rename(tmp, cur)
}

// WriteConfout writes the final configuration.
func (r *Run) WriteConfout(g *dynamo.GlobalSnapshot) error {
	return writeJSON(filepath.Join(r.dir, confoutFile), g)
}

// Finish records the outcome in metadata.json.
func (r *Run) Finish(status string, stepsDone, lastStep int64, metrics map[string]float64) error {
	r.meta.Status = status
	r.meta.StepsDone = stepsDone
	r.meta.LastStep = lastStep
	r.meta.Metrics = metrics
	return r.writeMetadata()
}

func (r *Run) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	if r.ew != nil {
		r.ew.Flush()
		errs = append(errs, r.ew.Error(), r.energies.Close())
	}
	if r.tz != nil {
		errs = append(errs, r.tz.Close(), r.traj.Close())
		r.tz = nil
	}
	return errors.Join(errs...)
}

// List returns the stored runs, oldest first.
func (s *Store) List() ([]RunMetadata, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunMetadata{}, nil
		}
		return nil, err
	}

	runs := make([]RunMetadata, 0)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		meta, err := s.Load(entry.Name())
		if err != nil {
			continue
		}
		runs = append(runs, *meta)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].Timestamp.Before(runs[j].Timestamp) })
	return runs, nil
}

// ConfigPath is where the configuration of a stored run is kept.
func (s *Store) ConfigPath(runID string) string {
	return filepath.Join(s.baseDir, runID, configFile)
}

func (s *Store) Load(runID string) (*RunMetadata, error) {
	data, err := os.ReadFile(filepath.Join(s.baseDir, runID, metadataFile))
	if err != nil {
		return nil, err
	}
	var meta RunMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// LoadEnergies reads energies.csv back.
func (s *Store) LoadEnergies(runID string) ([]reduce.EnergyAccumulator, error) {
	file, err := os.Open(filepath.Join(s.baseDir, runID, energiesFile))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) < 2 {
		return []reduce.EnergyAccumulator{}, nil
	}
	out := make([]reduce.EnergyAccumulator, 0, len(records)-1)
	for _, rec := range records[1:] {
		if len(rec) != len(energyHeader) {
			continue
		}
		step, err := strconv.ParseInt(rec[0], 10, 64)
		if err != nil {
			continue
		}
		v := make([]float64, len(rec))
		for i := 1; i < len(rec); i++ {
			v[i], _ = strconv.ParseFloat(rec[i], 64)
		}
		out = append(out, reduce.EnergyAccumulator{
			Step:        step,
			Time:        v[1],
			Epot:        v[2],
			Ekin:        v[3],
			Etot:        v[4],
			Conserved:   v[5],
			Temperature: v[6],
			PresScalar:  v[7],
			DVDL:        v[8],
			FEPState:    int(v[9]),
			Volume:      v[10],
		})
	}
	return out, nil
}

func readZstd(path string, fn func(io.Reader) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()
	return fn(dec)
}

func (s *Store) LoadCheckpoint(runID string) (*Checkpoint, error) {
	var cp Checkpoint
	err := readZstd(filepath.Join(s.baseDir, runID, checkpointFile), func(r io.Reader) error {
		return json.NewDecoder(r).Decode(&cp)
	})
	if err != nil {
		return nil, err
	}
	if cp.Version != checkpointVersion || cp.State == nil {
		return nil, fmt.Errorf("%w: checkpoint version %d", dynamo.ErrInvalidState, cp.Version)
	}
	return &cp, nil
}

// LoadFrames reads the whole trajectory.
func (s *Store) LoadFrames(runID string) ([]*dynamo.GlobalSnapshot, error) {
	var frames []*dynamo.GlobalSnapshot
	err := readZstd(filepath.Join(s.baseDir, runID, trajectoryFile), func(r io.Reader) error {
		dec := json.NewDecoder(r)
		for {
			var g dynamo.GlobalSnapshot
			if err := dec.Decode(&g); err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
			frames = append(frames, &g)
		}
	})
	return frames, err
}

func (s *Store) LoadConfout(runID string) (*dynamo.GlobalSnapshot, error) {
	data, err := os.ReadFile(filepath.Join(s.baseDir, runID, confoutFile))
	if err != nil {
		return nil, err
	}
	var g dynamo.GlobalSnapshot
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, err
	}
	return &g, nil
}
