package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/alanyoungcy/foresight/internal/domain"
)

// ArchivePrefix is the key prefix of checkpoint bundles.
const ArchivePrefix = "checkpoints/"

// Archiver implements domain.CheckpointArchive on top of a blob store. Each
// bundle is one JSONL object holding a checkpoint per line, keyed by the
// time it was taken so that keys sort chronologically.
type Archiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	audit  domain.AuditStore
	now    func() time.Time
}

// NewArchiver creates an Archiver. audit may be nil.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, audit domain.AuditStore) *Archiver {
	return &Archiver{writer: writer, reader: reader, audit: audit, now: time.Now}
}

// Archive uploads cps as one bundle and returns its key.
func (a *Archiver) Archive(ctx context.Context, cps []domain.Checkpoint) (string, error) {
	if len(cps) == 0 {
		return "", fmt.Errorf("s3blob: archive: no checkpoints")
	}
	buf, err := marshalJSONL(cps)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive marshal: %w", err)
	}
	path := archivePath(a.now())
	exists, err := a.reader.Exists(ctx, path)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive exists check: %w", err)
	}
	if exists {
		return "", fmt.Errorf("s3blob: archive %s: %w", path, domain.ErrAlreadyExists)
	}
	if int64(len(buf)) > MinPartSize {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), MinPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
	}
	if err != nil {
		return "", fmt.Errorf("s3blob: archive upload: %w", err)
	}
	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.checkpoints", "checkpointer", map[string]any{
			"path":    path,
			"markets": len(cps),
			"bytes":   len(buf),
		}); err != nil {
			return path, fmt.Errorf("s3blob: archive audit log: %w", err)
		}
	}
	return path, nil
}

// Latest downloads the newest bundle. It returns domain.ErrNotFound when
// nothing was archived yet.
func (a *Archiver) Latest(ctx context.Context) ([]domain.Checkpoint, error) {
	infos, err := a.reader.List(ctx, ArchivePrefix)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, info := range infos {
		if strings.HasSuffix(info.Path, ".jsonl") {
			paths = append(paths, info.Path)
		}
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("s3blob: no checkpoint bundle under %s: %w", ArchivePrefix, domain.ErrNotFound)
	}
	latest := slices.Max(paths)

	body, err := a.reader.Get(ctx, latest)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var cps []domain.Checkpoint
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 1<<20), 256<<20)
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var cp domain.Checkpoint
		if err := json.Unmarshal(sc.Bytes(), &cp); err != nil {
			return nil, fmt.Errorf("s3blob: decode %s line %d: %w", latest, len(cps)+1, err)
		}
		cps = append(cps, cp)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("s3blob: read %s: %w", latest, err)
	}
	return cps, nil
}

//	checkpoints/2026/03/01/20260301T120000.000000000Z.jsonl
func archivePath(t time.Time) string {
	t = t.UTC()
	return ArchivePrefix + t.Format("2006/01/02/") + t.Format("20060102T150405.000000000Z") + ".jsonl"
}

// marshalJSONL encodes records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var (
	_ domain.CheckpointArchive = (*Archiver)(nil)
	_ domain.BlobReader        = (*Reader)(nil)
	_ domain.BlobWriter        = (*Writer)(nil)
)
