package storage

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/graphmed/trialgraph/internal/graph"
)

// Key prefixes for FTS
const (
	prefixFTSToken = "fts:t:" // fts:t:<token>:<trialID> -> frequency
	prefixFTSMeta  = "fts:m:" // fts:m:<trialID> -> display record JSON
)

// FTSIndex is a simple inverted index over trial text, persisted in the same
// badger database as the graph.
type FTSIndex struct {
	db *badger.DB
}

// NewFTSIndex creates a new FTS index using the given BadgerDB instance.
func NewFTSIndex(db *badger.DB) *FTSIndex {
	return &FTSIndex{db: db}
}

// ftsDoc is the display record stored per indexed trial.
type ftsDoc struct {
	TrialID string `json:"id"`
	Title   string `json:"title,omitempty"`
	Phase   string `json:"phase,omitempty"`
	Snippet string `json:"snippet,omitempty"`
}

var (
	separatorRe = regexp.MustCompile(`[_\.\-\s,;:/()]+`)
	camelRe     = regexp.MustCompile(`([a-z])([A-Z])`)
	numLeftRe   = regexp.MustCompile(`([a-zA-Z])(\d)`)
	numRightRe  = regexp.MustCompile(`(\d)([a-zA-Z])`)
)

// tokenize splits text into lowercase search tokens. Registry IDs,
// hyphenated condition names and mixed-case sponsor names yield their parts
// as well as the whole token: "NCT00752622" produces "nct00752622", "nct"
// and "00752622".
func tokenize(text string) []string {
	if text == "" {
		return nil
	}

	tokens := make(map[string]bool)
	tokens[strings.ToLower(text)] = true

	for _, part := range separatorRe.Split(text, -1) {
		if len(part) > 0 {
			tokens[strings.ToLower(part)] = true
		}
	}

	camel := camelRe.ReplaceAllString(text, "$1 $2")
	for _, part := range strings.Fields(camel) {
		tokens[strings.ToLower(part)] = true
	}

	num := numLeftRe.ReplaceAllString(text, "$1 $2")
	num = numRightRe.ReplaceAllString(num, "$1 $2")
	for _, part := range strings.Fields(num) {
		tokens[strings.ToLower(part)] = true
	}

	result := make([]string, 0, len(tokens))
	for token := range tokens {
		if token != "" {
			result = append(result, token)
		}
	}
	return result
}

// tokenFrequencies tokenizes word by word so repeated terms keep their
// counts.
func tokenFrequencies(text string) map[string]int {
	freq := make(map[string]int)
	for _, word := range strings.Fields(text) {
		for _, token := range tokenize(word) {
			freq[token]++
		}
	}
	return freq
}

// trialText concatenates the searchable fields of a trial.
func trialText(trial *graph.Trial, terms []string) string {
	parts := make([]string, 0, len(terms)+3)
	parts = append(parts, trial.ID, trial.Title, trial.Phase)
	parts = append(parts, terms...)
	return strings.Join(parts, " ")
}

// docForTrial builds the display record for a trial. The snippet carries the
// leading attribute terms.
func docForTrial(trial *graph.Trial, terms []string) ftsDoc {
	snippet := strings.Join(terms, ", ")
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	return ftsDoc{
		TrialID: trial.ID,
		Title:   trial.Title,
		Phase:   trial.Phase,
		Snippet: snippet,
	}
}

// IndexTrial adds or refreshes a trial in the index. terms supplies the
// attribute terms indexed alongside the registry ID, title and phase.
func (f *FTSIndex) IndexTrial(trial *graph.Trial, terms []string) error {
	if f.db == nil {
		return nil
	}

	txn := f.db.NewTransaction(true)
	defer txn.Discard()

	if err := f.deleteTrialTokens(txn, trial.ID); err != nil {
		return err
	}

	for token, freq := range tokenFrequencies(trialText(trial, terms)) {
		key := fmt.Sprintf("%s%s:%s", prefixFTSToken, token, trial.ID)
		if err := txn.Set([]byte(key), []byte(strconv.Itoa(freq))); err != nil {
			return fmt.Errorf("setting token posting: %w", err)
		}
	}

	doc := docForTrial(trial, terms)
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshaling search record: %w", err)
	}
	if err := txn.Set(ftsMetaKey(trial.ID), data); err != nil {
		return fmt.Errorf("setting search record: %w", err)
	}

	return txn.Commit()
}

// stageTrial writes a trial's postings and display record into a bulk-load
// batch. Assumes the index namespaces were cleared beforehand.
func (f *FTSIndex) stageTrial(wb *badger.WriteBatch, trial *graph.Trial, terms []string) error {
	for token, freq := range tokenFrequencies(trialText(trial, terms)) {
		key := fmt.Sprintf("%s%s:%s", prefixFTSToken, token, trial.ID)
		if err := wb.Set([]byte(key), []byte(strconv.Itoa(freq))); err != nil {
			return fmt.Errorf("staging token posting: %w", err)
		}
	}

	doc := docForTrial(trial, terms)
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshaling search record: %w", err)
	}
	if err := wb.Set(ftsMetaKey(trial.ID), data); err != nil {
		return fmt.Errorf("staging search record: %w", err)
	}
	return nil
}

// deleteTrialTokens removes all token postings for a trial.
func (f *FTSIndex) deleteTrialTokens(txn *badger.Txn, trialID string) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = []byte(prefixFTSToken)
	it := txn.NewIterator(opts)
	defer it.Close()

	var keysToDelete [][]byte
	searchSuffix := ":" + trialID

	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		if strings.HasSuffix(string(item.Key()), searchSuffix) {
			keysToDelete = append(keysToDelete, item.KeyCopy(nil))
		}
	}

	for _, key := range keysToDelete {
		if err := txn.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

// Search performs full-text search with term-frequency scoring. Ties break
// by ascending trial ID so results are stable.
func (f *FTSIndex) Search(query string, limit int) ([]SearchResult, error) {
	if f.db == nil {
		return []SearchResult{}, nil
	}

	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return []SearchResult{}, nil
	}

	trialScores := make(map[string]float64)

	txn := f.db.NewTransaction(false)
	defer txn.Discard()

	for _, token := range queryTokens {
		prefix := prefixFTSToken + token + ":"
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			trialID := strings.TrimPrefix(string(item.Key()), prefix)

			var freq int
			_ = item.Value(func(val []byte) error {
				freq, _ = strconv.Atoi(string(val))
				return nil
			})

			trialScores[trialID] += float64(freq)
		}
		it.Close()
	}

	var results []SearchResult
	for trialID, score := range trialScores {
		if score <= 0 {
			continue
		}

		doc, ok := getFTSDocTxn(txn, trialID)
		if !ok {
			continue
		}

		results = append(results, SearchResult{
			TrialID: trialID,
			Score:   score,
			Title:   doc.Title,
			Phase:   doc.Phase,
			Snippet: doc.Snippet,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].TrialID < results[j].TrialID
	})

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}

	return results, nil
}

// RemoveTrial removes a trial from the index.
func (f *FTSIndex) RemoveTrial(trialID string) error {
	if f.db == nil {
		return nil
	}

	txn := f.db.NewTransaction(true)
	defer txn.Discard()

	if err := f.deleteTrialTokens(txn, trialID); err != nil {
		return err
	}

	if err := txn.Delete(ftsMetaKey(trialID)); err != nil {
		return err
	}

	return txn.Commit()
}

// IndexSize returns the number of stored token postings.
func (f *FTSIndex) IndexSize() (int, error) {
	if f.db == nil {
		return 0, nil
	}

	txn := f.db.NewTransaction(false)
	defer txn.Discard()

	return countPrefix(txn, prefixFTSToken), nil
}

func ftsMetaKey(trialID string) []byte {
	return []byte(prefixFTSMeta + trialID)
}

// getFTSDocTxn reads a trial's display record within an open transaction.
func getFTSDocTxn(txn *badger.Txn, trialID string) (ftsDoc, bool) {
	item, err := txn.Get(ftsMetaKey(trialID))
	if err != nil {
		return ftsDoc{}, false
	}

	var doc ftsDoc
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &doc)
	}); err != nil {
		return ftsDoc{}, false
	}
	return doc, true
}
