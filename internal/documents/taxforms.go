package documents

import (
	"context"
	"fmt"
	"io"

	"taxdesk/pkg/types"

	"github.com/sirupsen/logrus"
)

const siteFormsPath = "siteSettings/taxForms"

// FormUpload is a blank or prepared tax form. Forms are small, so they are
// stored in the request instead of in the background.
type FormUpload struct {
	Kind        types.TaxFormKind
	FileName    string
	ContentType string
	Size        int64
	Body        io.Reader
}

// SiteFormPath is siteSettings/taxForms/{kind}_{filename}. Site forms are
// shared, so the owner prefix does not apply.
func (s *Service) SiteFormPath(kind types.TaxFormKind, fileName string) string {
	return fmt.Sprintf("%s/%s_%s", siteFormsPath, kind, cleanFileName(fileName))
}

// OwnerFormPath is [{prefix}/]{ownerId}/tax_information/{kind}_{filename}.
func (s *Service) OwnerFormPath(ownerID string, kind types.TaxFormKind, fileName string) string {
	p := fmt.Sprintf("%s/tax_information/%s_%s", ownerID, kind, cleanFileName(fileName))
	if s.pathPrefix != "" {
		p = s.pathPrefix + "/" + p
	}
	return p
}

// SiteForms returns the forms every customer can download.
func (s *Service) SiteForms(ctx context.Context) (*types.TaxForms, error) {
	return s.store.SiteTaxForms(ctx)
}

// UploadSiteForm replaces one of the site-wide forms.
func (s *Service) UploadSiteForm(ctx context.Context, req FormUpload) (*types.TaxForms, error) {
	if err := s.checkForm(req); err != nil {
		return nil, err
	}

	blobPath := s.SiteFormPath(req.Kind, req.FileName)
	entry := s.logger.WithFields(logrus.Fields{
		"form":      req.Kind,
		"blob_path": blobPath,
	})

	url, err := s.putForm(ctx, blobPath, req)
	if err != nil {
		entry.WithError(err).Error("failed to upload site tax form")
		return nil, err
	}

	if err := s.store.SetSiteTaxForm(ctx, req.Kind, url); err != nil {
		entry.WithError(err).Error("failed to record site tax form, removing blob")
		s.dropBlob(ctx, entry, blobPath)
		return nil, err
	}

	entry.Info("site tax form updated")
	return s.store.SiteTaxForms(ctx)
}

// UploadOwnerForm stores a form prepared for one customer and links it
// from the owner record.
func (s *Service) UploadOwnerForm(ctx context.Context, ownerID string, req FormUpload) (*types.Owner, error) {
	if err := s.checkForm(req); err != nil {
		return nil, err
	}

	owner, err := s.store.Owner(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	blobPath := s.OwnerFormPath(ownerID, req.Kind, req.FileName)
	entry := s.logger.WithFields(logrus.Fields{
		"owner_id":  ownerID,
		"form":      req.Kind,
		"blob_path": blobPath,
	})

	url, err := s.putForm(ctx, blobPath, req)
	if err != nil {
		entry.WithError(err).Error("failed to upload owner tax form")
		return nil, err
	}

	owner.SetTaxForm(req.Kind, url)
	if err := s.store.UpsertOwner(ctx, owner); err != nil {
		entry.WithError(err).Error("failed to link owner tax form, removing blob")
		s.dropBlob(ctx, entry, blobPath)
		return nil, err
	}

	entry.Info("owner tax form updated")
	return owner, nil
}

func (s *Service) checkForm(req FormUpload) error {
	if req.Kind != types.TaxFormCurrentYear && req.Kind != types.TaxFormPriorYear {
		return fmt.Errorf("%w: unknown tax form %q", types.ErrInvalidRecord, req.Kind)
	}
	if cleanFileName(req.FileName) == "" {
		return fmt.Errorf("%w: form without a file name", types.ErrInvalidRecord)
	}
	if req.Body == nil {
		return fmt.Errorf("%w: form without a body", types.ErrInvalidRecord)
	}
	if s.maxBytes > 0 && req.Size > s.maxBytes {
		return fmt.Errorf("%w: %d bytes, limit is %d", ErrFileTooLarge, req.Size, s.maxBytes)
	}
	return nil
}

func (s *Service) putForm(ctx context.Context, blobPath string, req FormUpload) (string, error) {
	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/pdf"
	}

	// nobody watches progress here, the reader only enforces ctx and the limit
	body := &progressReader{
		ctx:    ctx,
		r:      req.Body,
		upload: newUpload(),
		total:  req.Size,
		limit:  s.maxBytes,
	}

	url, err := s.blobs.UploadBlob(ctx, blobPath, body, req.Size, contentType)
	if err == nil {
		err = ctx.Err()
	}
	return url, err
}

func (s *Service) dropBlob(ctx context.Context, entry *logrus.Entry, blobPath string) {
	if err := s.blobs.DeleteBlob(context.WithoutCancel(ctx), blobPath); err != nil {
		entry.WithError(err).Error("failed to remove orphaned tax form blob")
	}
}
