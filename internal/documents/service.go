package documents

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"taxdesk/internal/dualwrite"
	"taxdesk/internal/store"
	"taxdesk/pkg/types"

	"github.com/sirupsen/logrus"
)

var ErrFileTooLarge = errors.New("file exceeds the upload limit")

// UploadRequest describes one file to store for an owner.
type UploadRequest struct {
	OwnerID      string
	FileName     string
	ContentType  string
	Size         int64
	Body         io.Reader
	DocumentType string
	Category     string
	TaxYear      int
	Uploader     string
}

// Service stores tax documents as a blob plus a metadata record in the
// owner's partition. Metadata writes go through the dual-write coordinator.
type Service struct {
	store       store.RecordStore
	coordinator *dualwrite.Coordinator
	blobs       store.BlobStore
	logger      *logrus.Logger

	pathPrefix string
	maxBytes   int64
	now        func() time.Time
}

func New(recordStore store.RecordStore, coordinator *dualwrite.Coordinator, blobs store.BlobStore, logger *logrus.Logger) *Service {
	return &Service{
		store:       recordStore,
		coordinator: coordinator,
		blobs:       blobs,
		logger:      logger,
		now:         time.Now,
	}
}

func (s *Service) WithPathPrefix(prefix string) *Service {
	s.pathPrefix = strings.Trim(prefix, "/")
	return s
}

func (s *Service) WithMaxBytes(n int64) *Service {
	s.maxBytes = n
	return s
}

// BlobPath returns where an owner's file lands:
// [{prefix}/]{ownerId}/documents/{unixMillis}_{filename}.
func (s *Service) BlobPath(ownerID, fileName string, at time.Time) string {
	p := fmt.Sprintf("%s/documents/%d_%s", ownerID, at.UnixMilli(), cleanFileName(fileName))
	if s.pathPrefix != "" {
		p = s.pathPrefix + "/" + p
	}
	return p
}

// Upload starts storing req in the background. Cancelling ctx aborts the
// transfer; the returned Upload reports progress and the final record.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (*Upload, error) {
	if req.OwnerID == "" {
		return nil, fmt.Errorf("%w: upload without an owner", types.ErrInvalidRecord)
	}
	if cleanFileName(req.FileName) == "" {
		return nil, fmt.Errorf("%w: upload without a file name", types.ErrInvalidRecord)
	}
	if req.Body == nil {
		return nil, fmt.Errorf("%w: upload without a body", types.ErrInvalidRecord)
	}
	if s.maxBytes > 0 && req.Size > s.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes, limit is %d", ErrFileTooLarge, req.Size, s.maxBytes)
	}
	if req.Uploader == "" {
		req.Uploader = types.UploaderCustomer
	}
	if req.ContentType == "" {
		req.ContentType = "application/octet-stream"
	}

	upload := newUpload()
	go s.run(ctx, req, upload)
	return upload, nil
}

func (s *Service) run(ctx context.Context, req UploadRequest, upload *Upload) {
	now := s.now().UTC()
	blobPath := s.BlobPath(req.OwnerID, req.FileName, now)

	entry := s.logger.WithFields(logrus.Fields{
		"owner_id":  req.OwnerID,
		"blob_path": blobPath,
	})

	body := &progressReader{
		ctx:    ctx,
		r:      req.Body,
		upload: upload,
		total:  req.Size,
		limit:  s.maxBytes,
	}

	url, err := s.blobs.UploadBlob(ctx, blobPath, body, req.Size, req.ContentType)
	if err == nil {
		// some stores buffer the body and return without error after a
		// cancelled read
		err = ctx.Err()
	}
	if err != nil {
		entry.WithError(err).Error("failed to upload document blob")
		upload.finish(nil, err)
		return
	}

	total := req.Size
	if total <= 0 {
		total = body.sent
	}
	upload.report(types.UploadProgress{BytesSent: body.sent, BytesTotal: total})

	taxYear := req.TaxYear
	if taxYear == 0 {
		taxYear = now.Year() - 1
	}

	doc, err := s.coordinator.CreateChild(ctx, req.OwnerID, &types.ChildRecord{
		Type:   types.ChildTypeTaxDocument,
		Status: types.StatusPending,
		Document: &types.TaxDocumentFields{
			DocumentName: cleanFileName(req.FileName),
			DocumentType: req.DocumentType,
			Category:     req.Category,
			TaxYear:      taxYear,
			MimeType:     req.ContentType,
			SizeBytes:    body.sent,
			FileURL:      url,
			StoragePath:  blobPath,
			Uploader:     req.Uploader,
		},
	})
	if err != nil {
		entry.WithError(err).Error("failed to store document metadata, removing blob")
		// the caller's ctx may be the reason metadata failed
		if derr := s.blobs.DeleteBlob(context.WithoutCancel(ctx), blobPath); derr != nil {
			entry.WithError(derr).Error("failed to remove orphaned document blob")
		}
		upload.finish(nil, err)
		return
	}

	entry.WithField("child_id", doc.ID).Info("document uploaded")
	upload.finish(doc, nil)
}

// List returns an owner's documents in upload order.
func (s *Service) List(ctx context.Context, ownerID string) ([]*types.ChildRecord, error) {
	return s.store.ListChildren(ctx, ownerID, types.ChildTypeTaxDocument)
}

// Delete removes the blob and then the metadata record. A blob that is
// already gone is treated as removed so a half-finished delete can be
// retried.
func (s *Service) Delete(ctx context.Context, ownerID, childID string) error {
	doc, err := s.store.Child(ctx, ownerID, types.ChildTypeTaxDocument, childID)
	if err != nil {
		return err
	}

	entry := s.logger.WithFields(logrus.Fields{
		"owner_id":  ownerID,
		"child_id":  childID,
		"blob_path": doc.Document.StoragePath,
	})

	err = s.blobs.DeleteBlob(ctx, doc.Document.StoragePath)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		entry.WithError(err).Error("failed to delete document blob")
		return err
	}

	err = s.coordinator.DeleteChild(ctx, ownerID, types.ChildTypeTaxDocument, childID, nil)
	if err != nil {
		entry.WithError(err).Error("blob deleted but document metadata was not")
		return fmt.Errorf("failed to delete document metadata: %w", err)
	}

	entry.Info("document deleted")
	return nil
}

func cleanFileName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.TrimSpace(path.Base(name))
	if name == "." || name == "/" {
		return ""
	}
	return name
}
