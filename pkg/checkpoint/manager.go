package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/arcfield/toolplane/internal/observability"
	"github.com/arcfield/toolplane/internal/tracing"
	"github.com/arcfield/toolplane/pkg/fault"
)

// Options configures the checkpoint manager.
type Options struct {
	MicroDir          string
	DatabasePath      string
	ExternalDir       string
	CompressThreshold int
	DeltaThreshold    int
	ExternalThreshold int
	Logger            zerolog.Logger
}

// Manager routes checkpoint saves to the right tier and reconstructs
// state on resume. Writes for one invocation are serialized; sequence
// numbers are monotonic per invocation; records are immutable.
type Manager struct {
	micro   *microStore
	durable *Store
	opts    Options
	logger  zerolog.Logger

	locksMu    sync.Mutex
	writeLocks map[string]*sync.Mutex

	// trackMu guards the per-invocation write bookkeeping: the next
	// sequence number, the last checkpoint ID (delta parent), and the
	// last full state (delta base).
	trackMu   sync.Mutex
	lastSeq   map[string]int64
	lastID    map[string]string
	lastState map[string]State
}

// NewManager opens both tiers and prepares the external payload directory.
func NewManager(opts Options) (*Manager, error) {
	observability.EnsureRegistered()

	micro, err := newMicroStore(opts.MicroDir)
	if err != nil {
		return nil, err
	}
	durable, err := NewStore(opts.DatabasePath, opts.Logger)
	if err != nil {
		return nil, err
	}

	if opts.ExternalDir == "" {
		opts.ExternalDir = filepath.Join(opts.MicroDir, "external")
	}
	if err := os.MkdirAll(opts.ExternalDir, 0700); err != nil {
		durable.Close()
		return nil, fmt.Errorf("failed to create external payload directory: %w", err)
	}

	if opts.CompressThreshold <= 0 {
		opts.CompressThreshold = 10 * 1024
	}
	if opts.DeltaThreshold <= 0 {
		opts.DeltaThreshold = 100 * 1024
	}
	if opts.ExternalThreshold <= 0 {
		opts.ExternalThreshold = 1024 * 1024
	}

	m := &Manager{
		micro:      micro,
		durable:    durable,
		opts:       opts,
		logger:     opts.Logger,
		writeLocks: make(map[string]*sync.Mutex),
		lastSeq:    make(map[string]int64),
		lastID:     make(map[string]string),
		lastState:  make(map[string]State),
	}

	opts.Logger.Info().
		Str("micro_dir", opts.MicroDir).
		Str("database", opts.DatabasePath).
		Msg("Checkpoint manager initialized")

	return m, nil
}

// getWriteLock gets or creates the write lock for an invocation
func (m *Manager) getWriteLock(invocationID string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()

	if lock, exists := m.writeLocks[invocationID]; exists {
		return lock
	}
	lock := &sync.Mutex{}
	m.writeLocks[invocationID] = lock
	return lock
}

// Save persists one checkpoint. Micro writes are best-effort: a failed
// micro write logs a warning and returns the checkpoint without error.
// Macro and named write failures are returned to the caller.
func (m *Manager) Save(ctx context.Context, invocationID string, kind Kind, label string, state State) (*Checkpoint, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"toolplane.checkpoint",
		"checkpoint.save",
		attribute.String("invocation_id", invocationID),
		attribute.String("kind", string(kind)),
	)
	defer span.End()
	start := time.Now()

	if err := validateInvocationID(invocationID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	switch kind {
	case KindMicro, KindMacro, KindNamed:
	default:
		return nil, fmt.Errorf("unknown checkpoint kind %q", kind)
	}
	if kind == KindNamed && label == "" {
		return nil, fmt.Errorf("named checkpoints require a label")
	}

	fullBytes, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize checkpoint state: %w", err)
	}

	lock := m.getWriteLock(invocationID)
	lock.Lock()
	defer lock.Unlock()

	seq, err := m.nextSeq(ctx, invocationID)
	if err != nil {
		return nil, err
	}

	id, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("failed to generate checkpoint ID: %w", err)
	}

	cp := &Checkpoint{
		ID:           id,
		InvocationID: invocationID,
		Kind:         kind,
		Label:        label,
		Seq:          seq,
		CreatedAt:    time.Now().UTC(),
	}

	payload := fullBytes
	if deltaPayload, parentID, ok := m.tryDelta(invocationID, state, fullBytes); ok {
		payload = deltaPayload
		cp.Delta = true
		cp.ParentID = parentID
	}

	if len(payload) > m.opts.CompressThreshold {
		if compressed, cerr := compress(payload); cerr == nil {
			payload = compressed
			cp.Compressed = true
		}
	}

	if len(payload) > m.opts.ExternalThreshold {
		uri, werr := m.writeExternal(invocationID, id, payload)
		if werr != nil {
			span.RecordError(werr)
			span.SetStatus(codes.Error, werr.Error())
			return nil, werr
		}
		cp.ExternalURI = uri
	} else {
		cp.Payload = payload
	}

	if kind == KindMicro {
		if werr := m.micro.append(cp); werr != nil {
			m.logger.Warn().
				Str("invocation_id", invocationID).
				Int64("seq", seq).
				Err(werr).
				Msg("Micro checkpoint write failed")
		}
	} else {
		if werr := m.durable.insert(ctx, cp); werr != nil {
			span.RecordError(werr)
			span.SetStatus(codes.Error, werr.Error())
			return nil, werr
		}
	}

	m.trackMu.Lock()
	m.lastSeq[invocationID] = seq
	m.lastID[invocationID] = id
	m.lastState[invocationID] = state
	m.trackMu.Unlock()

	observability.RecordCheckpointSave(string(kind), len(payload), time.Since(start))
	m.logger.Debug().
		Str("invocation_id", invocationID).
		Str("checkpoint_id", id).
		Str("kind", string(kind)).
		Int64("seq", seq).
		Bool("delta", cp.Delta).
		Bool("compressed", cp.Compressed).
		Msg("Checkpoint saved")

	return cp, nil
}

// nextSeq allocates the next sequence number, recovering the high-water
// mark from both tiers the first time an invocation is seen.
func (m *Manager) nextSeq(ctx context.Context, invocationID string) (int64, error) {
	m.trackMu.Lock()
	defer m.trackMu.Unlock()

	last, known := m.lastSeq[invocationID]
	if !known {
		durableMax, err := m.durable.maxSeq(ctx, invocationID)
		if err != nil {
			return 0, err
		}
		microMax, err := m.micro.maxSeq(invocationID)
		if err != nil {
			m.logger.Warn().Str("invocation_id", invocationID).Err(err).Msg("Micro tier unreadable while recovering sequence")
		}
		last = durableMax
		if microMax > last {
			last = microMax
		}
		m.lastSeq[invocationID] = last
	}
	return last + 1, nil
}

// tryDelta decides whether this save should be stored as a delta against
// the previous checkpoint. Requires the full state to exceed the delta
// threshold, a known previous state, and the encoded delta to be at most
// half the full size.
func (m *Manager) tryDelta(invocationID string, state State, fullBytes []byte) ([]byte, string, bool) {
	if len(fullBytes) <= m.opts.DeltaThreshold {
		return nil, "", false
	}

	m.trackMu.Lock()
	prev, hasPrev := m.lastState[invocationID]
	parentID := m.lastID[invocationID]
	m.trackMu.Unlock()
	if !hasPrev || parentID == "" {
		return nil, "", false
	}

	d, err := computeDelta(prev, state)
	if err != nil {
		m.logger.Warn().Str("invocation_id", invocationID).Err(err).Msg("Delta computation failed, storing full state")
		return nil, "", false
	}
	deltaBytes, err := json.Marshal(d)
	if err != nil || len(deltaBytes)*2 > len(fullBytes) {
		return nil, "", false
	}
	return deltaBytes, parentID, true
}

// writeExternal offloads a payload to the external directory and returns
// its file URI.
func (m *Manager) writeExternal(invocationID, checkpointID string, payload []byte) (string, error) {
	dir := filepath.Join(m.opts.ExternalDir, invocationID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create external payload directory: %w", err)
	}
	path := filepath.Join(dir, checkpointID+".bin")
	if err := os.WriteFile(path, payload, 0600); err != nil {
		return "", fmt.Errorf("failed to write external payload: %w", err)
	}
	return "file://" + path, nil
}

// readPayload materializes a checkpoint's raw state bytes, resolving an
// external URI and decompressing as needed.
func (m *Manager) readPayload(cp *Checkpoint) ([]byte, error) {
	payload := cp.Payload
	if cp.ExternalURI != "" {
		path := strings.TrimPrefix(cp.ExternalURI, "file://")
		if path == cp.ExternalURI {
			return nil, fmt.Errorf("unsupported external URI scheme in %q", cp.ExternalURI)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read external payload %s: %w", cp.ExternalURI, err)
		}
		payload = data
	}
	if cp.Compressed {
		data, err := decompress(payload)
		if err != nil {
			return nil, err
		}
		payload = data
	}
	return payload, nil
}

// findRecord locates a checkpoint by ID, durable tier first.
func (m *Manager) findRecord(ctx context.Context, invocationID, checkpointID string) (*Checkpoint, error) {
	cp, err := m.durable.get(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	if cp != nil {
		return cp, nil
	}
	cp, err = m.micro.get(invocationID, checkpointID)
	if err != nil {
		m.logger.Warn().Str("invocation_id", invocationID).Err(err).Msg("Micro tier unreadable during lookup")
	}
	return cp, nil
}

// Load reconstructs the state stored under one explicit checkpoint ID,
// replaying the delta chain root-first when needed.
func (m *Manager) Load(ctx context.Context, invocationID, checkpointID string) (State, *Checkpoint, error) {
	cp, err := m.findRecord(ctx, invocationID, checkpointID)
	if err != nil {
		return nil, nil, err
	}
	if cp == nil {
		return nil, nil, fault.Newf(fault.CodeCheckpointNotFound, "checkpoint %s not found for invocation %s", checkpointID, invocationID)
	}
	state, err := m.reconstruct(ctx, cp)
	if err != nil {
		return nil, nil, err
	}
	return state, cp, nil
}

// reconstruct walks parent links up to a full snapshot, then applies
// deltas in order. A broken link falls back to the nearest durable
// self-contained ancestor.
func (m *Manager) reconstruct(ctx context.Context, target *Checkpoint) (State, error) {
	chain := []*Checkpoint{target}
	cur := target
	for cur.Delta {
		parent, err := m.findRecord(ctx, cur.InvocationID, cur.ParentID)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			return m.fallbackToAncestor(ctx, target)
		}
		chain = append(chain, parent)
		cur = parent
	}

	// Root first: the last element is the full snapshot.
	root := chain[len(chain)-1]
	rootBytes, err := m.readPayload(root)
	if err != nil {
		if root == target {
			return nil, err
		}
		return m.fallbackToAncestor(ctx, target)
	}
	var state State
	if err := json.Unmarshal(rootBytes, &state); err != nil {
		return nil, fmt.Errorf("corrupt checkpoint payload %s: %w", root.ID, err)
	}

	for i := len(chain) - 2; i >= 0; i-- {
		deltaBytes, err := m.readPayload(chain[i])
		if err != nil {
			return nil, err
		}
		var d stateDelta
		if err := json.Unmarshal(deltaBytes, &d); err != nil {
			return nil, fmt.Errorf("corrupt delta payload %s: %w", chain[i].ID, err)
		}
		state = applyDelta(state, &d)
	}

	return state, nil
}

// fallbackToAncestor serves the newest durable full snapshot at or below
// the broken checkpoint's sequence.
func (m *Manager) fallbackToAncestor(ctx context.Context, target *Checkpoint) (State, error) {
	ancestor, err := m.durable.newestFullAtOrBelow(ctx, target.InvocationID, target.Seq)
	if err != nil {
		return nil, err
	}
	if ancestor == nil {
		return nil, fault.Newf(fault.CodeCheckpointNotFound,
			"checkpoint %s has a broken parent chain and no durable ancestor", target.ID)
	}

	m.logger.Warn().
		Str("invocation_id", target.InvocationID).
		Str("checkpoint_id", target.ID).
		Str("ancestor_id", ancestor.ID).
		Msg("Delta chain broken, resuming from durable ancestor")

	payload, err := m.readPayload(ancestor)
	if err != nil {
		return nil, err
	}
	var state State
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, fmt.Errorf("corrupt checkpoint payload %s: %w", ancestor.ID, err)
	}
	return state, nil
}

// Resume reconstructs state for an invocation. With no explicit ID it
// picks the newest checkpoint across tiers, preferring the durable tier
// on equal sequence. Resume never mutates stored records, so repeated
// calls yield the same state.
func (m *Manager) Resume(ctx context.Context, invocationID, checkpointID string) (State, *Checkpoint, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"toolplane.checkpoint",
		"checkpoint.resume",
		attribute.String("invocation_id", invocationID),
	)
	defer span.End()

	if checkpointID != "" {
		return m.Load(ctx, invocationID, checkpointID)
	}

	durableNewest, err := m.durable.newest(ctx, invocationID)
	if err != nil {
		return nil, nil, err
	}
	microNewest, err := m.micro.newest(invocationID)
	if err != nil {
		m.logger.Warn().Str("invocation_id", invocationID).Err(err).Msg("Micro tier unreadable during resume")
	}

	target := durableNewest
	if microNewest != nil && (target == nil || microNewest.Seq > target.Seq) {
		target = microNewest
	}
	if target == nil {
		return nil, nil, fault.Newf(fault.CodeCheckpointNotFound, "no checkpoints recorded for invocation %s", invocationID)
	}

	state, err := m.reconstruct(ctx, target)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, nil, err
	}
	return state, target, nil
}

// Latest returns the newest checkpoint record across tiers without
// reconstructing state. Returns nil when none exist.
func (m *Manager) Latest(ctx context.Context, invocationID string) (*Checkpoint, error) {
	durableNewest, err := m.durable.newest(ctx, invocationID)
	if err != nil {
		return nil, err
	}
	microNewest, err := m.micro.newest(invocationID)
	if err != nil {
		m.logger.Warn().Str("invocation_id", invocationID).Err(err).Msg("Micro tier unreadable during lookup")
	}
	if microNewest != nil && (durableNewest == nil || microNewest.Seq > durableNewest.Seq) {
		return microNewest, nil
	}
	return durableNewest, nil
}

// Release drops in-memory write bookkeeping for a finished invocation.
func (m *Manager) Release(invocationID string) {
	m.trackMu.Lock()
	delete(m.lastSeq, invocationID)
	delete(m.lastID, invocationID)
	delete(m.lastState, invocationID)
	m.trackMu.Unlock()

	m.locksMu.Lock()
	delete(m.writeLocks, invocationID)
	m.locksMu.Unlock()
}

// Close closes the durable tier.
func (m *Manager) Close() error {
	return m.durable.Close()
}
