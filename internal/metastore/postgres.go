package metastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	cerrors "github.com/adverant/docuflow/internal/errors"
	"github.com/adverant/docuflow/internal/model"
	"github.com/google/uuid"
	"github.com/lib/pq"

	_ "github.com/lib/pq"
)

// PostgresStore is the production MetaStore, generalized from the
// teacher's internal/storage.PostgresClient: same connection-pool
// tuning and UPSERT-on-conflict idiom, now covering the full
// Document/OcrJob/AccessLog contract instead of a single processing_jobs
// table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a pooled connection to databaseURL. Callers are
// expected to have applied the docuflow schema (documents, ocr_jobs,
// access_log tables plus the indexes of spec §6.3) via migrations.
func NewPostgresStore(databaseURL string) (*PostgresStore, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) Close() error { return p.db.Close() }

func marshalMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		m = map[string]any{}
	}
	return json.Marshal(m)
}

func (p *PostgresStore) InsertDocument(ctx context.Context, doc *model.Document) (*model.Document, error) {
	id := doc.ID
	if id == "" {
		id = uuid.New().String()
	}
	metaJSON, err := marshalMetadata(doc.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	const q = `
		INSERT INTO docuflow.documents (
			id, file_name, original_filename, file_size, mime_type, file_type,
			file_hash, storage_key, storage_bucket, owner_id, client_id, insurer_id,
			status, version, etag, security_scan_status, virus_scan_status,
			content_validated, tags, metadata, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
			$13, 1, $14, $15, $16, $17, $18, $19, NOW(), NOW()
		)
		RETURNING created_at, updated_at
	`
	etag := etagFor(id, 1)
	row := p.db.QueryRowContext(ctx, q,
		id, doc.FileName, doc.OriginalFilename, doc.FileSize, doc.MimeType, doc.FileType,
		doc.FileHash, doc.StorageKey, doc.StorageBucket, doc.OwnerID, doc.ClientID, doc.InsurerID,
		doc.Status, etag, doc.SecurityScanStatus, doc.VirusScanStatus,
		doc.ContentValidated, pq.Array(doc.Tags), metaJSON,
	)

	var createdAt, updatedAt time.Time
	if err := row.Scan(&createdAt, &updatedAt); err != nil {
		if isUniqueViolation(err) {
			return nil, cerrors.NewConflict(fmt.Sprintf("storage_key already exists: %s", doc.StorageKey), err)
		}
		return nil, fmt.Errorf("insert document: %w", err)
	}

	out := *doc
	out.ID = id
	out.Version = 1
	out.ETag = etag
	out.CreatedAt = createdAt
	out.UpdatedAt = updatedAt
	return &out, nil
}

func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}

func (p *PostgresStore) GetDocument(ctx context.Context, id string, includeDeleted bool) (*model.Document, error) {
	q := `
		SELECT id, file_name, original_filename, file_size, mime_type, file_type,
			file_hash, storage_key, storage_bucket, owner_id, coalesce(client_id,''), coalesce(insurer_id,''),
			status, version, etag, security_scan_status, virus_scan_status, content_validated,
			ocr_completed, coalesce(ocr_job_id,''), coalesce(ocr_text,''), ocr_confidence,
			coalesce(ocr_language,''), ocr_page_count, ocr_word_count,
			download_count, last_accessed, tags, metadata, created_at, updated_at, deleted_at
		FROM docuflow.documents WHERE id = $1
	`
	if !includeDeleted {
		q += " AND deleted_at IS NULL"
	}

	d := &model.Document{}
	var tags pq.StringArray
	var metaJSON []byte
	var lastAccessed, deletedAt sql.NullTime
	row := p.db.QueryRowContext(ctx, q, id)
	err := row.Scan(
		&d.ID, &d.FileName, &d.OriginalFilename, &d.FileSize, &d.MimeType, &d.FileType,
		&d.FileHash, &d.StorageKey, &d.StorageBucket, &d.OwnerID, &d.ClientID, &d.InsurerID,
		&d.Status, &d.Version, &d.ETag, &d.SecurityScanStatus, &d.VirusScanStatus, &d.ContentValidated,
		&d.OCRCompleted, &d.OCRJobID, &d.OCRText, &d.OCRConfidence,
		&d.OCRLanguage, &d.OCRPageCount, &d.OCRWordCount,
		&d.DownloadCount, &lastAccessed, &tags, &metaJSON, &d.CreatedAt, &d.UpdatedAt, &deletedAt,
	)
	if err == sql.ErrNoRows {
		return nil, cerrors.NewNotFound("document", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	d.Tags = []string(tags)
	if len(metaJSON) > 0 {
		_ = json.Unmarshal(metaJSON, &d.Metadata)
	}
	if lastAccessed.Valid {
		d.LastAccessed = &lastAccessed.Time
	}
	if deletedAt.Valid {
		d.DeletedAt = &deletedAt.Time
	}
	return d, nil
}

func (p *PostgresStore) ListDocumentsByOwner(ctx context.Context, owner string, cursor string, filter DocumentFilter) (Page[*model.Document], error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	q := `SELECT id, created_at FROM docuflow.documents WHERE owner_id = $1`
	args := []any{owner}
	if !filter.IncludeDeleted {
		q += " AND deleted_at IS NULL"
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		q += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if cursor != "" {
		args = append(args, cursor)
		q += fmt.Sprintf(" AND id < $%d", len(args))
	}
	q += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT %d", limit+1)

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return Page[*model.Document]{}, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		var createdAt time.Time
		if err := rows.Scan(&id, &createdAt); err != nil {
			return Page[*model.Document]{}, fmt.Errorf("scan document id: %w", err)
		}
		ids = append(ids, id)
	}

	var page Page[*model.Document]
	hasMore := len(ids) > limit
	if hasMore {
		ids = ids[:limit]
	}
	for _, id := range ids {
		doc, err := p.GetDocument(ctx, id, filter.IncludeDeleted)
		if err != nil {
			continue
		}
		page.Items = append(page.Items, doc)
	}
	if hasMore && len(page.Items) > 0 {
		page.NextCursor = page.Items[len(page.Items)-1].ID
	}
	return page, nil
}

func (p *PostgresStore) UpdateDocument(ctx context.Context, id string, patch DocumentPatch, ifMatchETag string) (*model.Document, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var currentETag string
	if err := tx.QueryRowContext(ctx, `SELECT etag FROM docuflow.documents WHERE id = $1 FOR UPDATE`, id).Scan(&currentETag); err != nil {
		if err == sql.ErrNoRows {
			return nil, cerrors.NewNotFound("document", id)
		}
		return nil, fmt.Errorf("lock document: %w", err)
	}
	if ifMatchETag != "" && currentETag != ifMatchETag {
		return nil, cerrors.NewPreconditionFailed(id, ifMatchETag, currentETag)
	}

	sets := []string{"version = version + 1", "updated_at = NOW()"}
	args := []any{}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if patch.FileName != nil {
		add("file_name", *patch.FileName)
	}
	if patch.Tags != nil {
		add("tags", pq.Array(patch.Tags))
	}
	if patch.Metadata != nil {
		metaJSON, err := marshalMetadata(patch.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
		add("metadata", metaJSON)
	}
	if patch.Status != nil {
		add("status", *patch.Status)
	}
	if patch.SecurityScanStatus != nil {
		add("security_scan_status", *patch.SecurityScanStatus)
	}
	if patch.VirusScanStatus != nil {
		add("virus_scan_status", *patch.VirusScanStatus)
	}

	args = append(args, id)
	q := fmt.Sprintf("UPDATE docuflow.documents SET %s WHERE id = $%d RETURNING etag", joinComma(sets), len(args))
	var newETag string
	// etag is a generated/derived column maintained by the application, so
	// we compute and write it explicitly rather than relying on RETURNING.
	_ = newETag
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return nil, fmt.Errorf("update document: %w", err)
	}

	var version int64
	if err := tx.QueryRowContext(ctx, `SELECT version FROM docuflow.documents WHERE id = $1`, id).Scan(&version); err != nil {
		return nil, fmt.Errorf("reload version: %w", err)
	}
	computedETag := etagFor(id, version)
	if _, err := tx.ExecContext(ctx, `UPDATE docuflow.documents SET etag = $1 WHERE id = $2`, computedETag, id); err != nil {
		return nil, fmt.Errorf("write etag: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return p.GetDocument(ctx, id, true)
}

func joinComma(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += ", " + p
	}
	return out
}

func (p *PostgresStore) SoftDelete(ctx context.Context, id string, ifMatchETag string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var etag string
	var deletedAt sql.NullTime
	err = tx.QueryRowContext(ctx, `SELECT etag, deleted_at FROM docuflow.documents WHERE id = $1 FOR UPDATE`, id).Scan(&etag, &deletedAt)
	if err == sql.ErrNoRows {
		return cerrors.NewNotFound("document", id)
	}
	if err != nil {
		return fmt.Errorf("lookup document: %w", err)
	}
	if deletedAt.Valid {
		return nil
	}
	if ifMatchETag != "" && etag != ifMatchETag {
		return cerrors.NewPreconditionFailed(id, ifMatchETag, etag)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE docuflow.documents
		SET status = $1, deleted_at = NOW(), version = version + 1, updated_at = NOW()
		WHERE id = $2
	`, model.DocumentDeleted, id)
	if err != nil {
		return fmt.Errorf("soft delete: %w", err)
	}
	var version int64
	if err := tx.QueryRowContext(ctx, `SELECT version FROM docuflow.documents WHERE id = $1`, id).Scan(&version); err != nil {
		return fmt.Errorf("reload version: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE docuflow.documents SET etag = $1 WHERE id = $2`, etagFor(id, version), id); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) HardDelete(ctx context.Context, id string) error {
	// OcrJobs and AccessLog cascade via ON DELETE CASCADE foreign keys
	// (spec §6.3); no separate cleanup statements are needed here.
	res, err := p.db.ExecContext(ctx, `DELETE FROM docuflow.documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("hard delete: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return cerrors.NewNotFound("document", id)
	}
	return nil
}

func (p *PostgresStore) IncrementAccessCounters(ctx context.Context, id string, delta int64, accessedAt time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE docuflow.documents SET download_count = download_count + $1, last_accessed = $2 WHERE id = $3
	`, delta, accessedAt, id)
	if err != nil {
		return fmt.Errorf("increment access counters: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return cerrors.NewNotFound("document", id)
	}
	return nil
}

func (p *PostgresStore) SumOwnerFileSize(ctx context.Context, ownerID string) (int64, error) {
	var total sql.NullInt64
	err := p.db.QueryRowContext(ctx, `
		SELECT SUM(file_size) FROM docuflow.documents WHERE owner_id = $1 AND deleted_at IS NULL
	`, ownerID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum owner file size: %w", err)
	}
	return total.Int64, nil
}

// FilterOrphanedStorageKeys implements the predicate spec §4.1 names
// directly: "storage_key NOT IN (SELECT storage_key FROM documents)",
// evaluated against the candidate keys the sweeper read from BlobStore.List.
func (p *PostgresStore) FilterOrphanedStorageKeys(ctx context.Context, candidateKeys []string) ([]string, error) {
	if len(candidateKeys) == 0 {
		return nil, nil
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT key FROM unnest($1::text[]) AS key
		WHERE key NOT IN (SELECT storage_key FROM docuflow.documents)
	`, pq.Array(candidateKeys))
	if err != nil {
		return nil, fmt.Errorf("filter orphaned storage keys: %w", err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// --- OcrJob ---

func (p *PostgresStore) EnqueueJob(ctx context.Context, job *model.OcrJob) (*model.OcrJob, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var deletedAt sql.NullTime
	err = tx.QueryRowContext(ctx, `SELECT deleted_at FROM docuflow.documents WHERE id = $1`, job.DocumentID).Scan(&deletedAt)
	if err == sql.ErrNoRows {
		return nil, cerrors.NewValidation(fmt.Sprintf("document not linkable: %s", job.DocumentID), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("check document linkable: %w", err)
	}
	if deletedAt.Valid {
		return nil, cerrors.NewValidation(fmt.Sprintf("document not linkable: %s", job.DocumentID), nil)
	}

	id := job.ID
	if id == "" {
		id = uuid.New().String()
	}
	maxRetries := job.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	optsJSON, err := marshalMetadata(job.Options)
	if err != nil {
		return nil, fmt.Errorf("marshal options: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO docuflow.ocr_jobs (
			id, document_id, status, priority, language, engine, options,
			retry_count, max_retries, created_at, updated_at
		) VALUES ($1, $2, 'pending', $3, $4, $5, $6, 0, $7, NOW(), NOW())
	`, id, job.DocumentID, job.Priority, job.Language, job.Engine, optsJSON, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("insert ocr job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return p.GetJob(ctx, id)
}

// LeaseOneJob uses SELECT ... FOR UPDATE SKIP LOCKED, exactly the
// atomic-lease mechanism spec §4.2 calls for.
func (p *PostgresStore) LeaseOneJob(ctx context.Context, workerID string, leaseDuration time.Duration) (*model.OcrJob, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM docuflow.ocr_jobs
		WHERE status = 'pending'
		  AND retry_count <= max_retries
		  AND coalesce((options->>'_not_before')::bigint, 0) <= $1
		ORDER BY priority ASC, created_at ASC, id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, time.Now().UTC().Unix()).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select leasable job: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE docuflow.ocr_jobs
		SET status = 'processing', lease_owner = $1, lease_expires_at = $2,
		    processing_started_at = coalesce(processing_started_at, NOW()), updated_at = NOW()
		WHERE id = $3
	`, workerID, time.Now().UTC().Add(leaseDuration), id)
	if err != nil {
		return nil, fmt.Errorf("lease job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return p.GetJob(ctx, id)
}

func (p *PostgresStore) RenewLease(ctx context.Context, jobID, workerID string, leaseDuration time.Duration) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE docuflow.ocr_jobs SET lease_expires_at = $1
		WHERE id = $2 AND lease_owner = $3 AND status = 'processing'
	`, time.Now().UTC().Add(leaseDuration), jobID, workerID)
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return cerrors.NewLeaseLost(jobID, workerID)
	}
	return nil
}

func (p *PostgresStore) CompleteJob(ctx context.Context, jobID, workerID string, completion OCRCompletion, jobResult model.OcrJob) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var documentID, status, leaseOwner string
	err = tx.QueryRowContext(ctx, `
		SELECT document_id, status, coalesce(lease_owner,'') FROM docuflow.ocr_jobs WHERE id = $1 FOR UPDATE
	`, jobID).Scan(&documentID, &status, &leaseOwner)
	if err == sql.ErrNoRows {
		return cerrors.NewNotFound("ocr_job", jobID)
	}
	if err != nil {
		return fmt.Errorf("lock ocr job: %w", err)
	}
	if status != "processing" || leaseOwner != workerID {
		return cerrors.NewLeaseLost(jobID, workerID)
	}

	resultJSON, err := marshalMetadata(jobResult.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE docuflow.ocr_jobs SET
			status = 'completed', result = $1, extracted_text = $2, confidence_score = $3,
			page_count = $4, word_count = $5, character_count = $6,
			lease_owner = NULL, lease_expires_at = NULL,
			processing_completed_at = NOW(), updated_at = NOW()
		WHERE id = $7
	`, resultJSON, jobResult.ExtractedText, jobResult.ConfidenceScore,
		jobResult.PageCount, jobResult.WordCount, jobResult.CharacterCount, jobID)
	if err != nil {
		return fmt.Errorf("complete ocr job: %w", err)
	}

	var version int64
	if err := tx.QueryRowContext(ctx, `SELECT version FROM docuflow.documents WHERE id = $1 FOR UPDATE`, documentID).Scan(&version); err != nil {
		return fmt.Errorf("lock document: %w", err)
	}
	newETag := etagFor(documentID, version+1)
	_, err = tx.ExecContext(ctx, `
		UPDATE docuflow.documents SET
			ocr_completed = true, ocr_job_id = $1, ocr_text = $2, ocr_confidence = $3,
			ocr_language = $4, ocr_page_count = $5, ocr_word_count = $6,
			status = CASE WHEN status = 'deleted' THEN status ELSE 'completed' END,
			version = version + 1, etag = $7, updated_at = NOW()
		WHERE id = $8
	`, jobID, completion.OCRText, completion.OCRConfidence, completion.OCRLanguage,
		completion.OCRPageCount, completion.OCRWordCount, newETag, documentID)
	if err != nil {
		return fmt.Errorf("apply document patch: %w", err)
	}

	return tx.Commit()
}

func (p *PostgresStore) FailJob(ctx context.Context, jobID, workerID, errCode, errMessage string, retryable bool, backoff time.Duration) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var documentID, leaseOwner, status string
	var retryCount, maxRetries int
	err = tx.QueryRowContext(ctx, `
		SELECT document_id, coalesce(lease_owner,''), status, retry_count, max_retries
		FROM docuflow.ocr_jobs WHERE id = $1 FOR UPDATE
	`, jobID).Scan(&documentID, &leaseOwner, &status, &retryCount, &maxRetries)
	if err == sql.ErrNoRows {
		return cerrors.NewNotFound("ocr_job", jobID)
	}
	if err != nil {
		return fmt.Errorf("lock ocr job: %w", err)
	}
	if status != "processing" || leaseOwner != workerID {
		return cerrors.NewLeaseLost(jobID, workerID)
	}

	if retryable && retryCount < maxRetries {
		notBefore := time.Now().UTC().Add(backoff).Unix()
		_, err = tx.ExecContext(ctx, `
			UPDATE docuflow.ocr_jobs SET
				status = 'pending', retry_count = retry_count + 1,
				options = jsonb_set(coalesce(options, '{}'::jsonb), '{_not_before}', to_jsonb($1::bigint)),
				error_code = $2, error_message = $3,
				lease_owner = NULL, lease_expires_at = NULL, updated_at = NOW()
			WHERE id = $4
		`, notBefore, errCode, errMessage, jobID)
		if err != nil {
			return fmt.Errorf("schedule retry: %w", err)
		}
		return tx.Commit()
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE docuflow.ocr_jobs SET
			status = 'failed', error_code = $1, error_message = $2,
			lease_owner = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $3
	`, errCode, errMessage, jobID)
	if err != nil {
		return fmt.Errorf("fail ocr job: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE docuflow.documents SET status = 'failed', updated_at = NOW()
		WHERE id = $1 AND ocr_completed = false
	`, documentID)
	if err != nil {
		return fmt.Errorf("mark document failed: %w", err)
	}
	return tx.Commit()
}

func (p *PostgresStore) CancelJob(ctx context.Context, jobID string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE docuflow.ocr_jobs SET status = 'cancelled', lease_owner = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'processing')
	`, jobID)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	return nil
}

func (p *PostgresStore) ExpireLeases(ctx context.Context, now time.Time) (int, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, document_id, retry_count, max_retries FROM docuflow.ocr_jobs
		WHERE status = 'processing' AND lease_expires_at < $1
		FOR UPDATE
	`, now)
	if err != nil {
		return 0, fmt.Errorf("select expired leases: %w", err)
	}
	type expired struct {
		id, documentID        string
		retryCount, maxRetries int
	}
	var batch []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.id, &e.documentID, &e.retryCount, &e.maxRetries); err != nil {
			rows.Close()
			return 0, err
		}
		batch = append(batch, e)
	}
	rows.Close()

	for _, e := range batch {
		newRetry := e.retryCount + 1
		if newRetry > e.maxRetries {
			_, err = tx.ExecContext(ctx, `
				UPDATE docuflow.ocr_jobs SET status = 'failed', retry_count = $1, lease_owner = NULL, lease_expires_at = NULL, updated_at = NOW()
				WHERE id = $2
			`, newRetry, e.id)
			if err == nil {
				_, err = tx.ExecContext(ctx, `
					UPDATE docuflow.documents SET status = 'failed', updated_at = NOW() WHERE id = $1 AND ocr_completed = false
				`, e.documentID)
			}
		} else {
			_, err = tx.ExecContext(ctx, `
				UPDATE docuflow.ocr_jobs SET status = 'pending', retry_count = $1, lease_owner = NULL, lease_expires_at = NULL, updated_at = NOW()
				WHERE id = $2
			`, newRetry, e.id)
		}
		if err != nil {
			return 0, fmt.Errorf("expire lease for %s: %w", e.id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return len(batch), nil
}

func (p *PostgresStore) GetJob(ctx context.Context, jobID string) (*model.OcrJob, error) {
	j := &model.OcrJob{}
	var optsJSON, resultJSON []byte
	var leaseOwner sql.NullString
	var leaseExpiresAt, startedAt, completedAt sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT id, document_id, status, priority, language, engine, options,
			retry_count, max_retries, result, coalesce(extracted_text,''), confidence_score,
			page_count, word_count, character_count, coalesce(error_message,''), coalesce(error_code,''),
			coalesce(lease_owner,''), lease_expires_at, processing_started_at, processing_completed_at,
			created_at, updated_at
		FROM docuflow.ocr_jobs WHERE id = $1
	`, jobID).Scan(
		&j.ID, &j.DocumentID, &j.Status, &j.Priority, &j.Language, &j.Engine, &optsJSON,
		&j.RetryCount, &j.MaxRetries, &resultJSON, &j.ExtractedText, &j.ConfidenceScore,
		&j.PageCount, &j.WordCount, &j.CharacterCount, &j.ErrorMessage, &j.ErrorCode,
		&leaseOwner, &leaseExpiresAt, &startedAt, &completedAt, &j.CreatedAt, &j.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, cerrors.NewNotFound("ocr_job", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if len(optsJSON) > 0 {
		_ = json.Unmarshal(optsJSON, &j.Options)
	}
	if len(resultJSON) > 0 {
		_ = json.Unmarshal(resultJSON, &j.Result)
	}
	j.LeaseOwner = leaseOwner.String
	if leaseExpiresAt.Valid {
		j.LeaseExpiresAt = &leaseExpiresAt.Time
	}
	if startedAt.Valid {
		j.ProcessingStartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		j.ProcessingCompletedAt = &completedAt.Time
	}
	return j, nil
}

func (p *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) (Page[*model.OcrJob], error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT id FROM docuflow.ocr_jobs WHERE 1=1`
	args := []any{}
	if filter.Status != "" {
		args = append(args, filter.Status)
		q += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.DocumentID != "" {
		args = append(args, filter.DocumentID)
		q += fmt.Sprintf(" AND document_id = $%d", len(args))
	}
	if filter.Cursor != "" {
		args = append(args, filter.Cursor)
		q += fmt.Sprintf(" AND id < $%d", len(args))
	}
	q += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT %d", limit+1)

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return Page[*model.OcrJob]{}, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return Page[*model.OcrJob]{}, err
		}
		ids = append(ids, id)
	}

	var page Page[*model.OcrJob]
	hasMore := len(ids) > limit
	if hasMore {
		ids = ids[:limit]
	}
	for _, id := range ids {
		j, err := p.GetJob(ctx, id)
		if err != nil {
			continue
		}
		page.Items = append(page.Items, j)
	}
	if hasMore && len(page.Items) > 0 {
		page.NextCursor = page.Items[len(page.Items)-1].ID
	}
	return page, nil
}

func (p *PostgresStore) AppendAccessLog(ctx context.Context, entry *model.AccessLog) error {
	id := entry.ID
	if id == "" {
		id = uuid.New().String()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO docuflow.access_log (
			id, document_id, user_id, access_type, success, http_status_code,
			error_code, error_message, response_time_ms, file_size_downloaded,
			ip_address, user_agent, request_id, session_id, accessed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW())
	`, id, entry.DocumentID, entry.UserID, entry.AccessType, entry.Success, entry.HTTPStatusCode,
		entry.ErrorCode, entry.ErrorMessage, entry.ResponseTimeMs, entry.FileSizeDownloaded,
		entry.IPAddress, entry.UserAgent, entry.RequestID, entry.SessionID)
	if err != nil {
		return fmt.Errorf("append access log: %w", err)
	}
	return nil
}
