package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/go-pkgz/pool"
	"github.com/rs/zerolog"

	"mailarchive/core/domain"
	"mailarchive/core/service/identity"
	"mailarchive/core/service/mailparser"
	"mailarchive/core/service/mergedetect"
	"mailarchive/core/service/patchwriter"

	in "mailarchive/core/port/in"
	out "mailarchive/core/port/out"
	"mailarchive/pkg/apperr"
)

// Orchestrator wires the object reader, mail parser, merge detector,
// identity consolidator and patch writer into one populate_database run: a
// go-pkgz/pool worker group fans parsing out across commit-hash batches,
// feeding a bounded channel that a single writer goroutine drains to keep
// every insert serialized.
type Orchestrator struct {
	store   out.ObjectStore
	authors out.AuthorRepository
	patches out.PatchRepository

	parser *mailparser.Parser
	merge  *mergedetect.Detector
	ident  *identity.Consolidator
	writer *patchwriter.Writer

	parseBatchSize    int
	dbInsertBatchSize int
	channelBufferSize int
	parseWorkers      int
	progressInterval  time.Duration

	log zerolog.Logger
}

// Params bundles the dependencies and tunables New needs; the sizing
// fields mirror the ingestion entries in config.Config.
type Params struct {
	Store   out.ObjectStore
	Authors out.AuthorRepository
	Patches out.PatchRepository

	Parser *mailparser.Parser
	Merge  *mergedetect.Detector
	Ident  *identity.Consolidator
	Writer *patchwriter.Writer

	ParseBatchSize    int
	DBInsertBatchSize int
	ChannelBufferSize int
	ParseWorkers      int
	ProgressInterval  time.Duration
}

func New(p Params, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		store:             p.Store,
		authors:           p.Authors,
		patches:           p.Patches,
		parser:            p.Parser,
		merge:             p.Merge,
		ident:             p.Ident,
		writer:            p.Writer,
		parseBatchSize:    orDefault(p.ParseBatchSize, 1000),
		dbInsertBatchSize: orDefault(p.DBInsertBatchSize, 5000),
		channelBufferSize: orDefault(p.ChannelBufferSize, 100),
		parseWorkers:      orDefault(p.ParseWorkers, 8),
		progressInterval:  p.ProgressInterval,
		log:               log.With().Str("component", "ingestion_orchestrator").Logger(),
	}
}

func orDefault(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

// dedupeChunkSize is the batch size ExistingCommitHashes is probed in.
const dedupeChunkSize = 1000

// Populate runs one full ingestion pass: enumerate, dedup, parse, detect
// merges, consolidate identities, and insert — reporting progress via the
// callback throughout.
func (o *Orchestrator) Populate(ctx context.Context, limit int, progress in.ProgressFunc) (in.PopulateResult, error) {
	start := time.Now()
	result := in.PopulateResult{}

	commitHashes, err := o.store.ListCommits(ctx, limit)
	if err != nil {
		return result, apperr.StoreUnavailable("list commits failed", err)
	}
	result.CommitsSeen = len(commitHashes)
	if len(commitHashes) == 0 {
		result.Duration = time.Since(start)
		return result, nil
	}

	newHashes, err := o.dedupe(ctx, commitHashes)
	if err != nil {
		return result, apperr.StoreUnavailable("commit dedup failed", err)
	}
	result.CommitsSkipped = len(commitHashes) - len(newHashes)
	if len(newHashes) == 0 {
		if progress != nil {
			progress(in.ProgressEvent{Current: 0, Total: 0, Message: "all commits already ingested"})
		}
		result.Duration = time.Since(start)
		return result, nil
	}

	initialCount, err := o.patches.CountPatches(ctx)
	if err != nil {
		initialCount = 0
	}

	var reporter *ProgressReporter
	var stopReporter func()
	if o.progressInterval > 0 {
		reporter = NewProgressReporter(o.patches, o.progressInterval, o.log)
		stopReporter = reporter.Start(ctx, initialCount, int64(len(newHashes)), progress)
	}

	recordsCh := make(chan []domain.EmailRecord, o.channelBufferSize)

	var writerWG sync.WaitGroup
	var inserted int64
	var writerErrs []error
	var writerMu sync.Mutex

	writerWG.Add(1)
	go func() {
		defer writerWG.Done()
		n, errs := o.runWriter(ctx, recordsCh)
		writerMu.Lock()
		inserted += n
		writerErrs = append(writerErrs, errs...)
		writerMu.Unlock()
	}()

	worker := &parseWorker{orch: o, out: recordsCh}
	group := pool.New[[]string](o.parseWorkers, worker).
		WithBatchSize(o.parseBatchSize / 4).
		WithWorkerChanSize(o.channelBufferSize).
		WithContinueOnError()

	if err := group.Go(ctx); err != nil {
		close(recordsCh)
		writerWG.Wait()
		if stopReporter != nil {
			stopReporter()
		}
		return result, apperr.Internal("failed to start parse pool", err)
	}

	for batchStart := 0; batchStart < len(newHashes); batchStart += o.parseBatchSize {
		batchEnd := batchStart + o.parseBatchSize
		if batchEnd > len(newHashes) {
			batchEnd = len(newHashes)
		}
		group.Submit(newHashes[batchStart:batchEnd])
	}

	poolErr := group.Close(ctx)
	close(recordsCh)
	writerWG.Wait()

	if stopReporter != nil {
		stopReporter()
	}

	if poolErr != nil {
		result.Errors = append(result.Errors, poolErr)
	}
	writerMu.Lock()
	result.Errors = append(result.Errors, writerErrs...)
	writerMu.Unlock()
	result.PatchesInserted = inserted

	if err := o.authors.RefreshPatchCounts(ctx); err != nil {
		result.Errors = append(result.Errors, apperr.StoreUnavailable("refresh patch counts failed", err))
	}

	result.Duration = time.Since(start)
	return result, nil
}

// dedupe filters commitHashes down to ones not already present, probing
// ExistingCommitHashes in fixed-size chunks so the IN-list never grows
// unbounded.
func (o *Orchestrator) dedupe(ctx context.Context, commitHashes []string) ([]string, error) {
	var fresh []string
	for start := 0; start < len(commitHashes); start += dedupeChunkSize {
		end := start + dedupeChunkSize
		if end > len(commitHashes) {
			end = len(commitHashes)
		}
		chunk := commitHashes[start:end]
		existing, err := o.patches.ExistingCommitHashes(ctx, chunk)
		if err != nil {
			return nil, err
		}
		for _, h := range chunk {
			if !existing[h] {
				fresh = append(fresh, h)
			}
		}
	}
	return fresh, nil
}

// runWriter drains recordsCh until closed, accumulating into
// dbInsertBatchSize super-batches and flushing each through the identity
// consolidator and patch writer in turn.
func (o *Orchestrator) runWriter(ctx context.Context, recordsCh <-chan []domain.EmailRecord) (int64, []error) {
	var inserted int64
	var errs []error
	var pending []domain.EmailRecord

	flush := func() {
		if len(pending) == 0 {
			return
		}
		n, err := o.flushBatch(ctx, pending)
		inserted += n
		if err != nil {
			errs = append(errs, err)
		}
		pending = nil
	}

	for batch := range recordsCh {
		pending = append(pending, batch...)
		if len(pending) >= o.dbInsertBatchSize {
			flush()
		}
	}
	flush()

	return inserted, errs
}

// flushBatch drops records with no usable identity (mirroring the
// consolidator's own discard rule so the writer never treats them as a
// genuine identity-resolution failure), then consolidates and writes.
func (o *Orchestrator) flushBatch(ctx context.Context, records []domain.EmailRecord) (int64, error) {
	valid := make([]domain.EmailRecord, 0, len(records))
	for _, rec := range records {
		if identity.ValidIdentity(rec) {
			valid = append(valid, rec)
		}
	}
	if len(valid) == 0 {
		return 0, nil
	}

	lookups, err := o.ident.Consolidate(ctx, valid)
	if err != nil {
		return 0, apperr.StoreUnavailable("identity consolidation failed", err)
	}

	n, err := o.writer.Write(ctx, valid, patchwriter.NewLookups(lookups.AuthorByEmail, lookups.EmailByEmail))
	if err != nil {
		return n, err
	}
	return n, nil
}

// parseWorker implements the go-pkgz/pool Worker interface over one batch
// of commit hashes: fetch blobs and metadata, parse each, run merge
// detection, and forward the resulting records downstream.
type parseWorker struct {
	orch *Orchestrator
	out  chan<- []domain.EmailRecord
}

func (w *parseWorker) Do(ctx context.Context, hashes []string) error {
	records, err := w.orch.parseBatch(ctx, hashes)
	if len(records) > 0 {
		select {
		case w.out <- records:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// parseBatch fetches blobs/metadata for hashes and parses each into a
// record. A per-commit parse failure is logged and the commit skipped; it
// never fails the batch. A batch-level fetch failure is returned so the
// pool can count it against the run.
func (o *Orchestrator) parseBatch(ctx context.Context, hashes []string) ([]domain.EmailRecord, error) {
	blobs, err := o.store.ReadBlobs(ctx, hashes)
	if err != nil {
		return nil, apperr.StoreUnavailable("read blobs failed", err)
	}
	metas, err := o.store.ReadMetadata(ctx, hashes)
	if err != nil {
		return nil, apperr.StoreUnavailable("read metadata failed", err)
	}

	blobByID := make(map[string]out.RawEmail, len(blobs))
	for _, b := range blobs {
		blobByID[b.CommitID] = b
	}
	metaByID := make(map[string]out.CommitMeta, len(metas))
	for _, m := range metas {
		metaByID[m.CommitID] = m
	}

	records := make([]domain.EmailRecord, 0, len(hashes))
	var skipped int
	for _, hash := range hashes {
		blob, ok := blobByID[hash]
		if !ok {
			skipped++
			continue
		}
		meta := metaByID[hash]

		rec, err := o.parser.Parse(blob, meta)
		if err != nil {
			skipped++
			o.log.Debug().Str("commit_hash", hash).Err(err).Msg("skipping unparseable commit")
			continue
		}
		o.merge.Detect(&rec)
		records = append(records, rec)
	}

	if skipped > 0 {
		o.log.Warn().Int("skipped", skipped).Int("batch_size", len(hashes)).Msg("batch had unparseable or missing commits")
	}

	return records, nil
}

var _ in.IngestService = (*Orchestrator)(nil)
