// Package badgerstore provides an embedded [voiceprint.Store] backed by
// BadgerDB v4. It suits single-node deployments that want persistence without
// running PostgreSQL.
//
// Key layout (all keys are UTF-8, "/" separated):
//
//	spk/<speaker>               Speaker JSON
//	emb/<speaker>/<seq>         embedding JSON, vector little-endian float32
//	embid/<id>                  pointer to the emb/ key
//	prof/<speaker>              profile JSON
//	dec/<session>/<seq>         decision JSON
//	job/<seq>                   recovery job JSON
//	jobid/<id>                  pointer to the job/ key
//	pending/<meeting>           pointer to the pending job/ key
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/MrWong99/voxid/pkg/voiceprint"
)

var _ voiceprint.Store = (*Store)(nil)

// maxTxnRetries bounds retries of read-modify-write transactions that lose a
// conflict against a concurrent writer.
const maxTxnRetries = 8

// Options configures [Open].
type Options struct {
	// Dir is the directory for BadgerDB data files. Required unless InMemory
	// is set.
	Dir string

	// InMemory runs BadgerDB without disk persistence. Used by tests.
	InMemory bool
}

// Store is a BadgerDB-backed [voiceprint.Store].
type Store struct {
	db  *badger.DB
	seq *badger.Sequence
}

// Open opens (or creates) the database described by opts.
func Open(opts Options) (*Store, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("badgerstore: Dir is required for on-disk mode")
	}
	dbOpts := badger.DefaultOptions(opts.Dir).WithLogger(slogLogger{})
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("badgerstore: open: %w", err)
	}
	seq, err := db.GetSequence([]byte("meta/seq"), 256)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("badgerstore: sequence: %w", err)
	}
	return &Store{db: db, seq: seq}, nil
}

// Ping implements [voiceprint.Store].
func (s *Store) Ping(context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badgerstore: database closed")
	}
	return nil
}

// Close releases the sequence lease and closes the database.
func (s *Store) Close() error {
	return errors.Join(s.seq.Release(), s.db.Close())
}

func (s *Store) nextSeq() (string, error) {
	n, err := s.seq.Next()
	if err != nil {
		return "", fmt.Errorf("badgerstore: next seq: %w", err)
	}
	return fmt.Sprintf("%020d", n), nil
}

// ── Speakers ─────────────────────────────────────────────────────────────────

func speakerKey(id string) []byte { return []byte("spk/" + id) }

// CreateSpeaker implements [voiceprint.SpeakerStore].
func (s *Store) CreateSpeaker(_ context.Context, sp voiceprint.Speaker) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, speakerKey(sp.ID), sp)
	})
}

// GetSpeaker implements [voiceprint.SpeakerStore].
func (s *Store) GetSpeaker(_ context.Context, id string) (voiceprint.Speaker, error) {
	var sp voiceprint.Speaker
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, speakerKey(id), &sp)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return voiceprint.Speaker{}, voiceprint.ErrSpeakerNotFound
	}
	return sp, err
}

// ListSpeakers implements [voiceprint.SpeakerStore].
func (s *Store) ListSpeakers(_ context.Context) ([]voiceprint.Speaker, error) {
	var out []voiceprint.Speaker
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, []byte("spk/"), func(_, val []byte) error {
			var sp voiceprint.Speaker
			if err := json.Unmarshal(val, &sp); err != nil {
				return err
			}
			out = append(out, sp)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("badgerstore: list speakers: %w", err)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// RenameSpeaker implements [voiceprint.SpeakerStore].
func (s *Store) RenameSpeaker(_ context.Context, id, displayName string) error {
	err := s.update(func(txn *badger.Txn) error {
		var sp voiceprint.Speaker
		if err := getJSON(txn, speakerKey(id), &sp); err != nil {
			return err
		}
		sp.DisplayName = displayName
		return setJSON(txn, speakerKey(id), sp)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return voiceprint.ErrSpeakerNotFound
	}
	return err
}

// DeleteSpeaker implements [voiceprint.SpeakerStore].
func (s *Store) DeleteSpeaker(_ context.Context, id string) error {
	err := s.update(func(txn *badger.Txn) error {
		if _, err := txn.Get(speakerKey(id)); err != nil {
			return err
		}
		var keys [][]byte
		err := scanPrefix(txn, []byte("emb/"+id+"/"), func(key, val []byte) error {
			var rec embeddingRecord
			if err := json.Unmarshal(val, &rec); err != nil {
				return err
			}
			keys = append(keys, key, []byte("embid/"+rec.ID))
			return nil
		})
		if err != nil {
			return err
		}
		keys = append(keys, profileKey(id), speakerKey(id))
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return voiceprint.ErrSpeakerNotFound
	}
	if err != nil {
		return fmt.Errorf("badgerstore: delete speaker: %w", err)
	}
	return nil
}

// CountSpeakers implements [voiceprint.SpeakerStore].
func (s *Store) CountSpeakers(_ context.Context) (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte("spk/")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// ── Embeddings ───────────────────────────────────────────────────────────────

// embeddingRecord is the stored form of a VoiceEmbedding. The vector is kept
// in the compact little-endian encoding rather than as a JSON number array.
type embeddingRecord struct {
	voiceprint.VoiceEmbedding
	Vector []byte `json:"vector"`
	Seq    string `json:"seq"`
}

// InsertEmbedding implements [voiceprint.EmbeddingStore].
func (s *Store) InsertEmbedding(_ context.Context, e voiceprint.VoiceEmbedding) error {
	seq, err := s.nextSeq()
	if err != nil {
		return err
	}
	key := []byte("emb/" + e.SpeakerID + "/" + seq)
	rec := embeddingRecord{VoiceEmbedding: e, Vector: voiceprint.EncodeVector(e.Vector), Seq: seq}
	rec.VoiceEmbedding.Vector = nil

	return s.db.Update(func(txn *badger.Txn) error {
		if err := setJSON(txn, key, rec); err != nil {
			return err
		}
		return txn.Set([]byte("embid/"+e.ID), key)
	})
}

// ListEmbeddings implements [voiceprint.EmbeddingStore].
func (s *Store) ListEmbeddings(_ context.Context, speakerID string, limit int) ([]voiceprint.VoiceEmbedding, error) {
	var recs []embeddingRecord
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, []byte("emb/"+speakerID+"/"), func(_, val []byte) error {
			var rec embeddingRecord
			if err := json.Unmarshal(val, &rec); err != nil {
				return err
			}
			recs = append(recs, rec)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("badgerstore: list embeddings: %w", err)
	}

	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.After(recs[j].CreatedAt)
		}
		return recs[i].Seq > recs[j].Seq
	})
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}

	out := make([]voiceprint.VoiceEmbedding, 0, len(recs))
	for _, rec := range recs {
		vec, err := voiceprint.DecodeVector(rec.Vector)
		if err != nil {
			return nil, fmt.Errorf("badgerstore: decode embedding %s: %w", rec.ID, err)
		}
		e := rec.VoiceEmbedding
		e.Vector = vec
		out = append(out, e)
	}
	return out, nil
}

// DeleteEmbeddings implements [voiceprint.EmbeddingStore].
func (s *Store) DeleteEmbeddings(_ context.Context, ids []string) (int, error) {
	var n int
	err := s.update(func(txn *badger.Txn) error {
		n = 0
		for _, id := range ids {
			idKey := []byte("embid/" + id)
			item, err := txn.Get(idKey)
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			key, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := txn.Delete(key); err != nil {
				return err
			}
			if err := txn.Delete(idKey); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("badgerstore: delete embeddings: %w", err)
	}
	return n, nil
}

// ── Profiles ─────────────────────────────────────────────────────────────────

type profileRecord struct {
	voiceprint.SpeakerProfile
	Centroid []byte `json:"centroid"`
}

func profileKey(id string) []byte { return []byte("prof/" + id) }

func (r profileRecord) decode() (voiceprint.SpeakerProfile, error) {
	vec, err := voiceprint.DecodeVector(r.Centroid)
	if err != nil {
		return voiceprint.SpeakerProfile{}, err
	}
	p := r.SpeakerProfile
	p.Centroid = vec
	return p, nil
}

// UpsertProfile implements [voiceprint.ProfileStore].
func (s *Store) UpsertProfile(_ context.Context, p voiceprint.SpeakerProfile) error {
	rec := profileRecord{SpeakerProfile: p, Centroid: voiceprint.EncodeVector(p.Centroid)}
	rec.SpeakerProfile.Centroid = nil
	return s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, profileKey(p.SpeakerID), rec)
	})
}

// GetProfile implements [voiceprint.ProfileStore].
func (s *Store) GetProfile(_ context.Context, speakerID string) (voiceprint.SpeakerProfile, error) {
	var rec profileRecord
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, profileKey(speakerID), &rec)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return voiceprint.SpeakerProfile{}, voiceprint.ErrNotFound
	}
	if err != nil {
		return voiceprint.SpeakerProfile{}, fmt.Errorf("badgerstore: get profile: %w", err)
	}
	return rec.decode()
}

// ListProfiles implements [voiceprint.ProfileStore].
func (s *Store) ListProfiles(_ context.Context) ([]voiceprint.SpeakerProfile, error) {
	var out []voiceprint.SpeakerProfile
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, []byte("prof/"), func(_, val []byte) error {
			var rec profileRecord
			if err := json.Unmarshal(val, &rec); err != nil {
				return err
			}
			p, err := rec.decode()
			if err != nil {
				return err
			}
			out = append(out, p)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("badgerstore: list profiles: %w", err)
	}
	return out, nil
}

// ── Decision log ─────────────────────────────────────────────────────────────

// AppendDecision implements [voiceprint.DecisionLog].
func (s *Store) AppendDecision(_ context.Context, d voiceprint.MatchDecision) error {
	seq, err := s.nextSeq()
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, []byte("dec/"+d.SessionID+"/"+seq), d)
	})
}

// ListDecisions implements [voiceprint.DecisionLog]. Keys sort by sequence,
// so iteration order is insertion order.
func (s *Store) ListDecisions(_ context.Context, sessionID string) ([]voiceprint.MatchDecision, error) {
	var out []voiceprint.MatchDecision
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, []byte("dec/"+sessionID+"/"), func(_, val []byte) error {
			var d voiceprint.MatchDecision
			if err := json.Unmarshal(val, &d); err != nil {
				return err
			}
			out = append(out, d)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("badgerstore: list decisions: %w", err)
	}
	return out, nil
}

// ── Recovery queue ───────────────────────────────────────────────────────────

func pendingKey(meetingID string) []byte { return []byte("pending/" + meetingID) }

// EnqueueRecoveryJob implements [voiceprint.RecoveryQueue]. The pending
// check and insert share one transaction; a conflicting concurrent enqueue
// is retried and then observes the winner's pending pointer.
func (s *Store) EnqueueRecoveryJob(_ context.Context, job voiceprint.RecoveryJob) (voiceprint.RecoveryJob, bool, error) {
	if job.Status == "" {
		job.Status = voiceprint.RecoveryPending
	}
	seq, err := s.nextSeq()
	if err != nil {
		return voiceprint.RecoveryJob{}, false, err
	}
	key := []byte("job/" + seq)

	var (
		result   voiceprint.RecoveryJob
		inserted bool
	)
	err = s.update(func(txn *badger.Txn) error {
		existing, err := pendingJob(txn, job.MeetingID)
		if err == nil {
			result, inserted = existing, false
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := setJSON(txn, key, job); err != nil {
			return err
		}
		if err := txn.Set([]byte("jobid/"+job.ID), key); err != nil {
			return err
		}
		if job.Status == voiceprint.RecoveryPending {
			if err := txn.Set(pendingKey(job.MeetingID), key); err != nil {
				return err
			}
		}
		result, inserted = job, true
		return nil
	})
	if err != nil {
		return voiceprint.RecoveryJob{}, false, fmt.Errorf("badgerstore: enqueue recovery job: %w", err)
	}
	return result, inserted, nil
}

// PendingRecoveryJob implements [voiceprint.RecoveryQueue].
func (s *Store) PendingRecoveryJob(_ context.Context, meetingID string) (voiceprint.RecoveryJob, error) {
	var j voiceprint.RecoveryJob
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		j, err = pendingJob(txn, meetingID)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return voiceprint.RecoveryJob{}, voiceprint.ErrNotFound
	}
	return j, err
}

// ListRecoveryJobs implements [voiceprint.RecoveryQueue].
func (s *Store) ListRecoveryJobs(_ context.Context, status voiceprint.RecoveryStatus) ([]voiceprint.RecoveryJob, error) {
	var out []voiceprint.RecoveryJob
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, []byte("job/"), func(_, val []byte) error {
			var j voiceprint.RecoveryJob
			if err := json.Unmarshal(val, &j); err != nil {
				return err
			}
			if status == "" || j.Status == status {
				out = append(out, j)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("badgerstore: list recovery jobs: %w", err)
	}
	return out, nil
}

// UpdateRecoveryStatus implements [voiceprint.RecoveryQueue].
func (s *Store) UpdateRecoveryStatus(_ context.Context, id string, status voiceprint.RecoveryStatus) error {
	err := s.update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("jobid/" + id))
		if err != nil {
			return err
		}
		key, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		var j voiceprint.RecoveryJob
		if err := getJSON(txn, key, &j); err != nil {
			return err
		}
		wasPending := j.Status == voiceprint.RecoveryPending
		j.Status = status
		j.UpdatedAt = time.Now().UTC()
		if err := setJSON(txn, key, j); err != nil {
			return err
		}
		switch {
		case wasPending && status != voiceprint.RecoveryPending:
			return txn.Delete(pendingKey(j.MeetingID))
		case !wasPending && status == voiceprint.RecoveryPending:
			return txn.Set(pendingKey(j.MeetingID), key)
		}
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return voiceprint.ErrNotFound
	}
	return err
}

func pendingJob(txn *badger.Txn, meetingID string) (voiceprint.RecoveryJob, error) {
	item, err := txn.Get(pendingKey(meetingID))
	if err != nil {
		return voiceprint.RecoveryJob{}, err
	}
	key, err := item.ValueCopy(nil)
	if err != nil {
		return voiceprint.RecoveryJob{}, err
	}
	var j voiceprint.RecoveryJob
	err = getJSON(txn, key, &j)
	return j, err
}

// ── helpers ──────────────────────────────────────────────────────────────────

// update runs fn in a read-write transaction, retrying on [badger.ErrConflict].
func (s *Store) update(fn func(txn *badger.Txn) error) error {
	var err error
	for range maxTxnRetries {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func scanPrefix(txn *badger.Txn, prefix []byte, fn func(key, val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := fn(item.KeyCopy(nil), val); err != nil {
			return err
		}
	}
	return nil
}

// slogLogger routes badger's warnings and errors to slog and drops the rest.
type slogLogger struct{}

func (slogLogger) Errorf(f string, v ...any)   { slog.Error(fmt.Sprintf("badger: "+f, v...)) }
func (slogLogger) Warningf(f string, v ...any) { slog.Warn(fmt.Sprintf("badger: "+f, v...)) }
func (slogLogger) Infof(string, ...any)        {}
func (slogLogger) Debugf(string, ...any)       {}
