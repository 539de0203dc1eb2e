package packaging

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"

	"deposit-orchestrator/internal/domain"
	"deposit-orchestrator/internal/transport"
)

const (
	MediaTypeZip      = "application/zip"
	ManifestName      = "manifest.json"
	MetadataName      = "metadata.json"
	manifestFormatTag = "deposit-package/1"
)

// Request carries everything needed to build the package for one deposit.
type Request struct {
	Deposit    domain.Deposit
	Submission domain.Submission
	Repository domain.Repository
}

// Error reports that a package could not be built from the submission. It is
// never retried.
type Error struct {
	DepositID string
	Reason    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("package deposit %s: %s", e.DepositID, e.Reason)
}

type Manifest struct {
	Format       string    `json:"format"`
	SubmissionID string    `json:"submission_id"`
	DepositID    string    `json:"deposit_id"`
	RepositoryID string    `json:"repository_id"`
	CreatedAt    time.Time `json:"created_at"`
	Files        []string  `json:"files"`
}

// ZipPackager writes the submission metadata and a manifest into a zip
// archive.
type ZipPackager struct {
	now   func() time.Time
	level int
}

func NewZipPackager() *ZipPackager {
	return &ZipPackager{now: time.Now, level: flate.DefaultCompression}
}

func (p *ZipPackager) Build(ctx context.Context, req Request) (transport.Package, error) {
	if err := ctx.Err(); err != nil {
		return transport.Package{}, err
	}
	metadata, err := normalizeMetadata(req.Submission.Metadata)
	if err != nil {
		return transport.Package{}, &Error{DepositID: req.Deposit.ID, Reason: err.Error()}
	}

	manifest := Manifest{
		Format:       manifestFormatTag,
		SubmissionID: req.Submission.ID,
		DepositID:    req.Deposit.ID,
		RepositoryID: req.Repository.ID,
		CreatedAt:    p.now().UTC().Truncate(time.Second),
		Files:        []string{MetadataName},
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return transport.Package{}, err
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	level := p.level
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, level)
	})
	for _, entry := range []struct {
		name string
		body []byte
	}{
		{ManifestName, manifestJSON},
		{MetadataName, metadata},
	} {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: entry.name, Method: zip.Deflate, Modified: manifest.CreatedAt})
		if err != nil {
			return transport.Package{}, fmt.Errorf("add %s: %w", entry.name, err)
		}
		if _, err := w.Write(entry.body); err != nil {
			return transport.Package{}, fmt.Errorf("write %s: %w", entry.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return transport.Package{}, fmt.Errorf("close archive: %w", err)
	}

	body := buf.Bytes()
	sum := sha256.Sum256(body)
	return transport.Package{
		Name:      PackageName(req.Submission.ID, req.Repository.ID),
		MediaType: MediaTypeZip,
		Packaging: req.Repository.Config[transport.KeyPackaging],
		Checksum:  hex.EncodeToString(sum[:]),
		Size:      int64(len(body)),
		Body:      body,
	}, nil
}

func PackageName(submissionID, repositoryID string) string {
	clean := func(s string) string {
		return strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
				return r
			default:
				return '_'
			}
		}, s)
	}
	return clean(submissionID) + "-" + clean(repositoryID) + ".zip"
}

// normalizeMetadata requires a JSON object and re-indents it.
func normalizeMetadata(raw json.RawMessage) ([]byte, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return []byte("{}"), nil
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("metadata is not a json object: %v", err)
	}
	if obj == nil {
		return []byte("{}"), nil
	}
	out, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		return nil, err
	}
	return out, nil
}
