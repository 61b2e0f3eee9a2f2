package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/graphmed/trialgraph/internal/graph"
)

// Key prefixes. Each record class gets its own namespace so prefix scans
// stay cheap and node kinds never mix.
const (
	prefixTrial      = "t:"   // t:<trialID> -> trial JSON
	prefixTerm       = "m:"   // m:<termID> -> term JSON
	prefixEdge       = "e:"   // e:<trialID>:<termID> -> relationship JSON
	prefixReverse    = "x:"   // x:<termID>:<trialID> -> marker
	prefixCoOccur    = "o:"   // o:<termA>:<termB> -> relationship JSON (sorted pair)
	prefixSimilarity = "sim:" // sim:<a>:<b> -> score (stored in both directions)
	prefixCommunity  = "c:"   // c:<communityID>:<trialID> -> marker
	prefixEmbedding  = "emb:" // emb:<trialID> -> vector JSON
	keyMeta          = "meta:dataset"
)

// BadgerStore is the persistent GraphStore backed by BadgerDB.
type BadgerStore struct {
	db   *badger.DB
	path string
	mu   sync.RWMutex

	// Counters rebuilt from key scans at Initialize and maintained by writes.
	trialCount int
	termCount  int
	edgeCount  int

	fts *FTSIndex
}

var _ GraphStore = (*BadgerStore)(nil)

// NewBadgerStore creates an unopened store. Call Initialize before use.
func NewBadgerStore() *BadgerStore {
	return &BadgerStore{}
}

// Initialize opens (or creates) the badger database at path.
func (s *BadgerStore) Initialize(path string, readOnly bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	opts := badger.DefaultOptions(path).
		WithNumCompactors(2).
		WithNumMemtables(5).
		WithLoggingLevel(badger.ERROR)
	if readOnly {
		opts = opts.WithReadOnly(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return fmt.Errorf("opening badger DB: %w", err)
	}

	s.db = db
	s.path = path
	s.fts = NewFTSIndex(db)
	s.rebuildCounters()

	return nil
}

// rebuildCounters recounts trials, terms and edges from key scans.
func (s *BadgerStore) rebuildCounters() {
	txn := s.db.NewTransaction(false)
	defer txn.Discard()

	s.trialCount = countPrefix(txn, prefixTrial)
	s.termCount = countPrefix(txn, prefixTerm)
	s.edgeCount = countPrefix(txn, prefixEdge)
}

// Close releases the database. Closing an unopened store is a no-op.
func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}

	err := s.db.Close()
	s.db = nil
	s.fts = nil
	return err
}

// BulkLoad replaces the stored graph and everything derived from it (cached
// similarities, community assignments, search indexes, embeddings) with the
// contents of the staged graph. The dataset metadata record survives.
func (s *BadgerStore) BulkLoad(ctx context.Context, g *graph.TrialGraph) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return ErrStoreClosed
	}

	err := s.db.DropPrefix(
		[]byte(prefixTrial),
		[]byte(prefixTerm),
		[]byte(prefixEdge),
		[]byte(prefixReverse),
		[]byte(prefixCoOccur),
		[]byte(prefixSimilarity),
		[]byte(prefixCommunity),
		[]byte(prefixEmbedding),
		[]byte(prefixFTSToken),
		[]byte(prefixFTSMeta),
	)
	if err != nil {
		return fmt.Errorf("clearing store: %w", err)
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	s.trialCount = 0
	s.termCount = 0
	s.edgeCount = 0

	for trial := range g.IterTrials() {
		data, err := json.Marshal(trial)
		if err != nil {
			return fmt.Errorf("marshaling trial: %w", err)
		}
		if err := wb.Set(trialKey(trial.ID), data); err != nil {
			return fmt.Errorf("setting trial: %w", err)
		}
		s.trialCount++

		termIDs := sortedSetKeys(g.Neighbors(trial.ID))
		if err := s.fts.stageTrial(wb, trial, termIDs); err != nil {
			return err
		}

		for _, termID := range termIDs {
			rel := &graph.Relationship{Type: graph.RelHasTerm, Source: trial.ID, Target: termID}
			relData, err := json.Marshal(rel)
			if err != nil {
				return fmt.Errorf("marshaling relationship: %w", err)
			}
			if err := wb.Set(edgeKey(trial.ID, termID), relData); err != nil {
				return fmt.Errorf("setting relationship: %w", err)
			}
			if err := wb.Set(reverseKey(termID, trial.ID), nil); err != nil {
				return fmt.Errorf("setting reverse index: %w", err)
			}
			s.edgeCount++
		}
	}

	for term := range g.IterTerms() {
		data, err := json.Marshal(term)
		if err != nil {
			return fmt.Errorf("marshaling term: %w", err)
		}
		if err := wb.Set(termKey(term.ID), data); err != nil {
			return fmt.Errorf("setting term: %w", err)
		}
		s.termCount++
	}

	for _, rel := range g.CoOccurrences() {
		data, err := json.Marshal(rel)
		if err != nil {
			return fmt.Errorf("marshaling co-occurrence: %w", err)
		}
		if err := wb.Set(coOccurKey(rel.Source, rel.Target), data); err != nil {
			return fmt.Errorf("setting co-occurrence: %w", err)
		}
	}

	return wb.Flush()
}

// AddTrials upserts trials and refreshes their search index entries.
func (s *BadgerStore) AddTrials(ctx context.Context, trials []*graph.Trial) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return ErrStoreClosed
	}

	txn := s.db.NewTransaction(true)
	defer txn.Discard()

	added := 0
	for _, trial := range trials {
		key := trialKey(trial.ID)
		_, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			added++
		} else if err != nil {
			return fmt.Errorf("checking trial: %w", err)
		}

		data, err := json.Marshal(trial)
		if err != nil {
			return fmt.Errorf("marshaling trial: %w", err)
		}
		if err := txn.Set(key, data); err != nil {
			return fmt.Errorf("setting trial: %w", err)
		}
	}

	if err := txn.Commit(); err != nil {
		return err
	}
	s.trialCount += added

	for _, trial := range trials {
		if err := s.reindexTrialFTS(trial.ID); err != nil {
			return err
		}
	}
	return nil
}

// AddTerms upserts terms.
func (s *BadgerStore) AddTerms(ctx context.Context, terms []*graph.Term) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return ErrStoreClosed
	}

	txn := s.db.NewTransaction(true)
	defer txn.Discard()

	added := 0
	for _, term := range terms {
		key := termKey(term.ID)
		_, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			added++
		} else if err != nil {
			return fmt.Errorf("checking term: %w", err)
		}

		data, err := json.Marshal(term)
		if err != nil {
			return fmt.Errorf("marshaling term: %w", err)
		}
		if err := txn.Set(key, data); err != nil {
			return fmt.Errorf("setting term: %w", err)
		}
	}

	if err := txn.Commit(); err != nil {
		return err
	}
	s.termCount += added
	return nil
}

// AddRelationships inserts edges. Trial-term edges update the adjacency
// indexes and the affected trials' search entries; co-occurrence edges are
// keyed by their sorted term pair. Similarity edges must go through
// WriteSimilarity.
func (s *BadgerStore) AddRelationships(ctx context.Context, rels []*graph.Relationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return ErrStoreClosed
	}

	txn := s.db.NewTransaction(true)
	defer txn.Discard()

	added := 0
	touched := make(map[string]struct{})
	for _, rel := range rels {
		data, err := json.Marshal(rel)
		if err != nil {
			return fmt.Errorf("marshaling relationship: %w", err)
		}

		switch rel.Type {
		case graph.RelHasTerm:
			key := edgeKey(rel.Source, rel.Target)
			_, err := txn.Get(key)
			if err == badger.ErrKeyNotFound {
				added++
			} else if err != nil {
				return fmt.Errorf("checking relationship: %w", err)
			}
			if err := txn.Set(key, data); err != nil {
				return fmt.Errorf("setting relationship: %w", err)
			}
			if err := txn.Set(reverseKey(rel.Target, rel.Source), nil); err != nil {
				return fmt.Errorf("setting reverse index: %w", err)
			}
			touched[rel.Source] = struct{}{}
		case graph.RelCoOccurs:
			if err := txn.Set(coOccurKey(rel.Source, rel.Target), data); err != nil {
				return fmt.Errorf("setting co-occurrence: %w", err)
			}
		case graph.RelSimilarTo:
			return fmt.Errorf("similarity edges are written through WriteSimilarity")
		default:
			return fmt.Errorf("unknown relationship type %q", rel.Type)
		}
	}

	if err := txn.Commit(); err != nil {
		return err
	}
	s.edgeCount += added

	for trialID := range touched {
		if err := s.reindexTrialFTS(trialID); err != nil {
			return err
		}
	}
	return nil
}

// RemoveBySource deletes every trial ingested from the given source file and
// cascades to its edges, cached similarities, community membership, search
// entries and embedding. Terms left without any linked trial are pruned along
// with their co-occurrence edges. Returns the number of trials removed.
func (s *BadgerStore) RemoveBySource(ctx context.Context, sourceFile string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return 0, ErrStoreClosed
	}

	txn := s.db.NewTransaction(true)
	defer txn.Discard()

	var doomed []*graph.Trial
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefixTrial)
	it := txn.NewIterator(opts)
	for it.Rewind(); it.Valid(); it.Next() {
		var trial graph.Trial
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &trial)
		}); err != nil {
			it.Close()
			return 0, fmt.Errorf("unmarshaling trial: %w", err)
		}
		if trial.SourceFile == sourceFile {
			t := trial
			doomed = append(doomed, &t)
		}
	}
	it.Close()

	if len(doomed) == 0 {
		return 0, nil
	}

	doomedIDs := make(map[string]struct{}, len(doomed))
	for _, trial := range doomed {
		doomedIDs[trial.ID] = struct{}{}
	}

	removedEdges := 0
	touchedTerms := make(map[string]struct{})
	for _, trial := range doomed {
		for _, termID := range collectSuffixes(txn, prefixEdge+trial.ID+":") {
			if err := txn.Delete(edgeKey(trial.ID, termID)); err != nil {
				return 0, fmt.Errorf("deleting relationship: %w", err)
			}
			if err := txn.Delete(reverseKey(termID, trial.ID)); err != nil {
				return 0, fmt.Errorf("deleting reverse index: %w", err)
			}
			touchedTerms[termID] = struct{}{}
			removedEdges++
		}

		for _, partner := range collectSuffixes(txn, prefixSimilarity+trial.ID+":") {
			if err := txn.Delete(simKey(trial.ID, partner)); err != nil {
				return 0, fmt.Errorf("deleting similarity: %w", err)
			}
			if err := txn.Delete(simKey(partner, trial.ID)); err != nil {
				return 0, fmt.Errorf("deleting similarity: %w", err)
			}
		}

		if trial.Community != nil {
			if err := txn.Delete(communityKey(*trial.Community, trial.ID)); err != nil {
				return 0, fmt.Errorf("deleting community membership: %w", err)
			}
		}
		if err := txn.Delete(embeddingKey(trial.ID)); err != nil {
			return 0, fmt.Errorf("deleting embedding: %w", err)
		}
		if err := txn.Delete(trialKey(trial.ID)); err != nil {
			return 0, fmt.Errorf("deleting trial: %w", err)
		}
	}

	// Prune terms whose only trials are being removed.
	pruned := make(map[string]struct{})
	for termID := range touchedTerms {
		remaining := 0
		for _, trialID := range collectSuffixes(txn, prefixReverse+termID+":") {
			if _, gone := doomedIDs[trialID]; !gone {
				remaining++
			}
		}
		if remaining == 0 {
			if err := txn.Delete(termKey(termID)); err != nil {
				return 0, fmt.Errorf("deleting term: %w", err)
			}
			pruned[termID] = struct{}{}
		}
	}

	if len(pruned) > 0 {
		if err := deleteCoOccurrences(txn, pruned); err != nil {
			return 0, err
		}
	}

	if err := txn.Commit(); err != nil {
		return 0, err
	}

	s.trialCount -= len(doomed)
	s.termCount -= len(pruned)
	s.edgeCount -= removedEdges

	for _, trial := range doomed {
		if err := s.fts.RemoveTrial(trial.ID); err != nil {
			return len(doomed), err
		}
	}

	return len(doomed), nil
}

// deleteCoOccurrences removes co-occurrence edges touching any pruned term.
func deleteCoOccurrences(txn *badger.Txn, pruned map[string]struct{}) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefixCoOccur)
	it := txn.NewIterator(opts)
	defer it.Close()

	var keysToDelete [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		var rel graph.Relationship
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rel)
		}); err != nil {
			return fmt.Errorf("unmarshaling co-occurrence: %w", err)
		}
		_, srcPruned := pruned[rel.Source]
		_, tgtPruned := pruned[rel.Target]
		if srcPruned || tgtPruned {
			keysToDelete = append(keysToDelete, item.KeyCopy(nil))
		}
	}

	for _, key := range keysToDelete {
		if err := txn.Delete(key); err != nil {
			return fmt.Errorf("deleting co-occurrence: %w", err)
		}
	}
	return nil
}

// GetTrial returns a single trial by ID, or nil if not found.
func (s *BadgerStore) GetTrial(ctx context.Context, id string) (*graph.Trial, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, ErrStoreClosed
	}

	txn := s.db.NewTransaction(false)
	defer txn.Discard()

	return getTrialTxn(txn, id)
}

// EntityExists reports whether a node of the given kind exists. The
// identifier is normalized for its kind before lookup, so padded trial IDs
// and differently cased terms resolve.
func (s *BadgerStore) EntityExists(ctx context.Context, id string, kind graph.NodeKind) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return false, ErrStoreClosed
	}

	var key []byte
	switch kind {
	case graph.KindTrial:
		key = trialKey(graph.NormalizeTrialID(id))
	case graph.KindTerm:
		key = termKey(graph.NormalizeTerm(id))
	default:
		return false, fmt.Errorf("unknown node kind %q", kind)
	}

	txn := s.db.NewTransaction(false)
	defer txn.Discard()

	_, err := txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking %s %q: %w", kind, id, err)
	}
	return true, nil
}

// NeighborsOf returns the set of term IDs linked to the trial. Unknown
// trials yield an empty set, not an error.
func (s *BadgerStore) NeighborsOf(ctx context.Context, trialID string) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, ErrStoreClosed
	}

	txn := s.db.NewTransaction(false)
	defer txn.Discard()

	neighbors := make(map[string]struct{})
	for _, termID := range collectSuffixes(txn, prefixEdge+trialID+":") {
		neighbors[termID] = struct{}{}
	}
	return neighbors, nil
}

// IsolatedTrials lists trials without any relationship edge, ascending by ID.
func (s *BadgerStore) IsolatedTrials(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, ErrStoreClosed
	}

	txn := s.db.NewTransaction(false)
	defer txn.Discard()

	return isolatedTrialsTxn(txn), nil
}

func isolatedTrialsTxn(txn *badger.Txn) []string {
	isolated := []string{}
	for _, trialID := range collectSuffixes(txn, prefixTrial) {
		if !hasPrefix(txn, prefixEdge+trialID+":") {
			isolated = append(isolated, trialID)
		}
	}
	sort.Strings(isolated)
	return isolated
}

// CachedSimilarity returns the cached score for a pair. ok is false when the
// pair has not been scored yet. One direction suffices since writes always
// persist both.
func (s *BadgerStore) CachedSimilarity(ctx context.Context, a, b string) (float64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return 0, false, ErrStoreClosed
	}

	txn := s.db.NewTransaction(false)
	defer txn.Discard()

	item, err := txn.Get(simKey(a, b))
	if err == badger.ErrKeyNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("getting similarity: %w", err)
	}

	var score float64
	if err := item.Value(func(val []byte) error {
		f, perr := strconv.ParseFloat(string(val), 64)
		if perr != nil {
			return fmt.Errorf("parsing similarity: %w", perr)
		}
		score = f
		return nil
	}); err != nil {
		return 0, false, err
	}
	return score, true, nil
}

// CachedSimilarities batch-reads the cached scores between a and each member.
// Members without a cached pair are absent from the result.
func (s *BadgerStore) CachedSimilarities(ctx context.Context, a string, members []string) (map[string]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, ErrStoreClosed
	}

	txn := s.db.NewTransaction(false)
	defer txn.Discard()

	out := make(map[string]float64, len(members))
	for _, member := range members {
		item, err := txn.Get(simKey(a, member))
		if err == badger.ErrKeyNotFound {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("getting similarity: %w", err)
		}
		if err := item.Value(func(val []byte) error {
			f, perr := strconv.ParseFloat(string(val), 64)
			if perr != nil {
				return fmt.Errorf("parsing similarity: %w", perr)
			}
			out[member] = f
			return nil
		}); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// WriteSimilarity caches a symmetric score, writing both directions in one
// transaction. If either trial no longer exists the write is skipped.
func (s *BadgerStore) WriteSimilarity(ctx context.Context, a, b string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return ErrStoreClosed
	}

	txn := s.db.NewTransaction(true)
	defer txn.Discard()

	for _, id := range []string{a, b} {
		_, err := txn.Get(trialKey(id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return fmt.Errorf("checking trial %q: %w", id, err)
		}
	}

	val := []byte(strconv.FormatFloat(score, 'f', -1, 64))
	if err := txn.Set(simKey(a, b), val); err != nil {
		return fmt.Errorf("setting similarity: %w", err)
	}
	if err := txn.Set(simKey(b, a), val); err != nil {
		return fmt.Errorf("setting similarity: %w", err)
	}
	return txn.Commit()
}

// CommunityOf returns the trial's community assignment. ok is false when the
// trial is unknown or clustering has not assigned it.
func (s *BadgerStore) CommunityOf(ctx context.Context, trialID string) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return 0, false, ErrStoreClosed
	}

	txn := s.db.NewTransaction(false)
	defer txn.Discard()

	trial, err := getTrialTxn(txn, trialID)
	if err != nil {
		return 0, false, err
	}
	if trial == nil || trial.Community == nil {
		return 0, false, nil
	}
	return *trial.Community, true, nil
}

// MembersOfCommunity returns the trial IDs assigned to the community, in
// ascending ID order. Terms are never listed.
func (s *BadgerStore) MembersOfCommunity(ctx context.Context, communityID int64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, ErrStoreClosed
	}

	txn := s.db.NewTransaction(false)
	defer txn.Discard()

	prefix := fmt.Sprintf("%s%d:", prefixCommunity, communityID)
	return collectSuffixes(txn, prefix), nil
}

// WriteCommunities replaces all community assignments with a fresh partition
// and records the run's community count and modularity in the dataset
// metadata.
func (s *BadgerStore) WriteCommunities(ctx context.Context, trials, terms map[string]int64, count int, modularity float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return ErrStoreClosed
	}

	// Read phase: current member index, affected records, metadata.
	txn := s.db.NewTransaction(false)

	var oldIndexKeys [][]byte
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = []byte(prefixCommunity)
	it := txn.NewIterator(opts)
	for it.Rewind(); it.Valid(); it.Next() {
		oldIndexKeys = append(oldIndexKeys, it.Item().KeyCopy(nil))
	}
	it.Close()

	updated := make(map[string][]byte, len(trials)+len(terms))
	assigned := make(map[string]int64, len(trials))
	for id, communityID := range trials {
		trial, err := getTrialTxn(txn, id)
		if err != nil {
			txn.Discard()
			return err
		}
		if trial == nil {
			continue
		}
		c := communityID
		trial.Community = &c
		data, err := json.Marshal(trial)
		if err != nil {
			txn.Discard()
			return fmt.Errorf("marshaling trial: %w", err)
		}
		updated[string(trialKey(id))] = data
		assigned[id] = communityID
	}
	for id, communityID := range terms {
		term, err := getTermTxn(txn, id)
		if err != nil {
			txn.Discard()
			return err
		}
		if term == nil {
			continue
		}
		c := communityID
		term.Community = &c
		data, err := json.Marshal(term)
		if err != nil {
			txn.Discard()
			return fmt.Errorf("marshaling term: %w", err)
		}
		updated[string(termKey(id))] = data
	}

	meta, err := getMetaTxn(txn)
	if err != nil {
		txn.Discard()
		return err
	}
	txn.Discard()

	if meta == nil {
		meta = &DatasetMeta{}
	}
	meta.Communities = count
	meta.Modularity = modularity
	meta.LastCluster = time.Now().UTC()
	metaData, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}

	// Write phase: wholesale replacement in one batch.
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for _, key := range oldIndexKeys {
		if err := wb.Delete(key); err != nil {
			return fmt.Errorf("clearing member index: %w", err)
		}
	}
	for key, data := range updated {
		if err := wb.Set([]byte(key), data); err != nil {
			return fmt.Errorf("setting community assignment: %w", err)
		}
	}
	for id, communityID := range assigned {
		if err := wb.Set(communityKey(communityID, id), nil); err != nil {
			return fmt.Errorf("setting member index: %w", err)
		}
	}
	if err := wb.Set([]byte(keyMeta), metaData); err != nil {
		return fmt.Errorf("setting metadata: %w", err)
	}

	return wb.Flush()
}

// ExportGraph materializes the stored graph for a clustering run. The
// projection is rebuilt from scratch on every call.
func (s *BadgerStore) ExportGraph(ctx context.Context) (*graph.TrialGraph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, ErrStoreClosed
	}

	g := graph.NewTrialGraph()
	txn := s.db.NewTransaction(false)
	defer txn.Discard()

	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefixTrial)
	it := txn.NewIterator(opts)
	for it.Rewind(); it.Valid(); it.Next() {
		var trial graph.Trial
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &trial)
		}); err != nil {
			it.Close()
			return nil, fmt.Errorf("unmarshaling trial: %w", err)
		}
		t := trial
		g.AddTrial(&t)
	}
	it.Close()

	opts.Prefix = []byte(prefixTerm)
	it = txn.NewIterator(opts)
	for it.Rewind(); it.Valid(); it.Next() {
		var term graph.Term
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &term)
		}); err != nil {
			it.Close()
			return nil, fmt.Errorf("unmarshaling term: %w", err)
		}
		t := term
		g.AddTerm(&t)
	}
	it.Close()

	opts.Prefix = []byte(prefixEdge)
	it = txn.NewIterator(opts)
	for it.Rewind(); it.Valid(); it.Next() {
		var rel graph.Relationship
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &rel)
		}); err != nil {
			it.Close()
			return nil, fmt.Errorf("unmarshaling relationship: %w", err)
		}
		g.Link(rel.Source, rel.Target)
	}
	it.Close()

	opts.Prefix = []byte(prefixCoOccur)
	it = txn.NewIterator(opts)
	for it.Rewind(); it.Valid(); it.Next() {
		var rel graph.Relationship
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &rel)
		}); err != nil {
			it.Close()
			return nil, fmt.Errorf("unmarshaling co-occurrence: %w", err)
		}
		g.AddCoOccurrence(rel.Source, rel.Target, rel.Weight)
	}
	it.Close()

	return g, nil
}

// FTSSearch performs full-text search over trial IDs, titles and terms.
func (s *BadgerStore) FTSSearch(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, ErrStoreClosed
	}

	return s.fts.Search(query, limit)
}

// VectorSearch finds trials closest to the given vector using cosine
// similarity over the stored embeddings.
func (s *BadgerStore) VectorSearch(ctx context.Context, vector []float32, limit int) ([]SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, ErrStoreClosed
	}

	txn := s.db.NewTransaction(false)
	defer txn.Discard()

	type scoredTrial struct {
		trialID string
		score   float64
	}
	var scored []scoredTrial

	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefixEmbedding)
	it := txn.NewIterator(opts)
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		var embedding []float32
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &embedding)
		}); err != nil {
			continue
		}

		trialID := strings.TrimPrefix(string(item.Key()), prefixEmbedding)
		sim := CosineSimilarity(vector, embedding)
		if sim > 0 {
			scored = append(scored, scoredTrial{trialID: trialID, score: sim})
		}
	}
	it.Close()

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].trialID < scored[j].trialID
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}

	results := make([]SearchResult, 0, len(scored))
	for _, st := range scored {
		doc, ok := getFTSDocTxn(txn, st.trialID)
		if !ok {
			trial, err := getTrialTxn(txn, st.trialID)
			if err != nil || trial == nil {
				continue
			}
			doc = ftsDoc{TrialID: trial.ID, Title: trial.Title, Phase: trial.Phase}
		}
		results = append(results, SearchResult{
			TrialID: st.trialID,
			Score:   st.score,
			Title:   doc.Title,
			Phase:   doc.Phase,
			Snippet: doc.Snippet,
		})
	}

	return results, nil
}

// HybridSearch combines FTS and vector search using RRF.
func (s *BadgerStore) HybridSearch(ctx context.Context, query string, vector []float32, limit int) ([]HybridSearchResult, error) {
	return HybridSearch(ctx, s, query, vector, limit, 60)
}

// StoreEmbeddings persists trial embeddings.
func (s *BadgerStore) StoreEmbeddings(ctx context.Context, embeddings []TrialEmbedding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return ErrStoreClosed
	}

	txn := s.db.NewTransaction(true)
	defer txn.Discard()

	for _, emb := range embeddings {
		data, err := json.Marshal(emb.Vector)
		if err != nil {
			return fmt.Errorf("marshaling embedding: %w", err)
		}
		if err := txn.Set(embeddingKey(emb.TrialID), data); err != nil {
			return fmt.Errorf("setting embedding: %w", err)
		}
	}

	return txn.Commit()
}

// Stats summarizes the stored dataset.
func (s *BadgerStore) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, ErrStoreClosed
	}

	txn := s.db.NewTransaction(false)
	defer txn.Discard()

	st := &Stats{
		Trials:        s.trialCount,
		Terms:         s.termCount,
		Relationships: s.edgeCount,
		CoOccurs:      countPrefix(txn, prefixCoOccur),
		CachedPairs:   countPrefix(txn, prefixSimilarity) / 2,
		Isolated:      len(isolatedTrialsTxn(txn)),
	}

	meta, err := getMetaTxn(txn)
	if err != nil {
		return nil, err
	}
	if meta != nil {
		st.Communities = meta.Communities
		st.Modularity = meta.Modularity
	}
	return st, nil
}

// SetMeta stores the dataset metadata record.
func (s *BadgerStore) SetMeta(ctx context.Context, meta *DatasetMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return ErrStoreClosed
	}

	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}

	txn := s.db.NewTransaction(true)
	defer txn.Discard()

	if err := txn.Set([]byte(keyMeta), data); err != nil {
		return fmt.Errorf("setting metadata: %w", err)
	}
	return txn.Commit()
}

// GetMeta returns the dataset metadata record, or nil if none was stored.
func (s *BadgerStore) GetMeta(ctx context.Context) (*DatasetMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, ErrStoreClosed
	}

	txn := s.db.NewTransaction(false)
	defer txn.Discard()

	return getMetaTxn(txn)
}

// reindexTrialFTS refreshes a trial's search entry from its stored record
// and current term edges.
func (s *BadgerStore) reindexTrialFTS(trialID string) error {
	txn := s.db.NewTransaction(false)
	trial, err := getTrialTxn(txn, trialID)
	if err != nil || trial == nil {
		txn.Discard()
		return err
	}
	terms := collectSuffixes(txn, prefixEdge+trialID+":")
	txn.Discard()

	return s.fts.IndexTrial(trial, terms)
}

// Key builders.

func trialKey(trialID string) []byte {
	return []byte(prefixTrial + trialID)
}

func termKey(termID string) []byte {
	return []byte(prefixTerm + termID)
}

func edgeKey(trialID, termID string) []byte {
	return []byte(prefixEdge + trialID + ":" + termID)
}

func reverseKey(termID, trialID string) []byte {
	return []byte(prefixReverse + termID + ":" + trialID)
}

func coOccurKey(a, b string) []byte {
	if a > b {
		a, b = b, a
	}
	return []byte(prefixCoOccur + a + ":" + b)
}

func simKey(a, b string) []byte {
	return []byte(prefixSimilarity + a + ":" + b)
}

func communityKey(communityID int64, trialID string) []byte {
	return []byte(fmt.Sprintf("%s%d:%s", prefixCommunity, communityID, trialID))
}

func embeddingKey(trialID string) []byte {
	return []byte(prefixEmbedding + trialID)
}

// Transaction-scoped helpers. Callers hold the store lock.

func getTrialTxn(txn *badger.Txn, id string) (*graph.Trial, error) {
	item, err := txn.Get(trialKey(id))
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting trial: %w", err)
	}

	var trial graph.Trial
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &trial)
	}); err != nil {
		return nil, fmt.Errorf("unmarshaling trial: %w", err)
	}
	return &trial, nil
}

func getTermTxn(txn *badger.Txn, id string) (*graph.Term, error) {
	item, err := txn.Get(termKey(id))
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting term: %w", err)
	}

	var term graph.Term
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &term)
	}); err != nil {
		return nil, fmt.Errorf("unmarshaling term: %w", err)
	}
	return &term, nil
}

func getMetaTxn(txn *badger.Txn) (*DatasetMeta, error) {
	item, err := txn.Get([]byte(keyMeta))
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting metadata: %w", err)
	}

	var meta DatasetMeta
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &meta)
	}); err != nil {
		return nil, fmt.Errorf("unmarshaling metadata: %w", err)
	}
	return &meta, nil
}

// collectSuffixes returns the key remainders under a prefix, in key order.
func collectSuffixes(txn *badger.Txn, prefix string) []string {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	var suffixes []string
	for it.Rewind(); it.Valid(); it.Next() {
		suffixes = append(suffixes, strings.TrimPrefix(string(it.Item().Key()), prefix))
	}
	return suffixes
}

// countPrefix counts keys under a prefix without fetching values.
func countPrefix(txn *badger.Txn, prefix string) int {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	count := 0
	for it.Rewind(); it.Valid(); it.Next() {
		count++
	}
	return count
}

// hasPrefix reports whether at least one key exists under the prefix.
func hasPrefix(txn *badger.Txn, prefix string) bool {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	it.Rewind()
	return it.Valid()
}

func sortedSetKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
