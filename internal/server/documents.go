package server

import (
	"errors"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"taxdesk/internal/documents"
	"taxdesk/pkg/types"

	"github.com/sirupsen/logrus"
)

const maxMemoryBytes = 8 << 20

func (s *Service) handlePostDocument(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFromContext(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("owner not found in context")
		s.internalServerError(w)
		return
	}

	s.upload(w, r, owner.ID, types.UploaderCustomer)
}

func (s *Service) handlePostOwnerDocument(w http.ResponseWriter, r *http.Request) {
	ownerID := strings.TrimSpace(r.PathValue("ownerID"))
	if ownerID == "" {
		s.badRequest(w, "An owner is required.")
		return
	}

	s.upload(w, r, ownerID, types.UploaderAdmin)
}

func (s *Service) upload(w http.ResponseWriter, r *http.Request, ownerID, uploader string) {
	ctx := r.Context()

	file, header, ok := s.readFile(w, r)
	if !ok {
		return
	}
	defer r.MultipartForm.RemoveAll()
	defer file.Close()

	var err error
	taxYear := 0
	if raw := strings.TrimSpace(r.FormValue("tax_year")); raw != "" {
		taxYear, err = strconv.Atoi(raw)
		if err != nil {
			s.badRequest(w, "Tax year must be a number.")
			return
		}
	}

	upload, err := s.documents.Upload(ctx, documents.UploadRequest{
		OwnerID:      ownerID,
		FileName:     header.Filename,
		ContentType:  header.Header.Get("Content-Type"),
		Size:         header.Size,
		Body:         file,
		DocumentType: strings.TrimSpace(r.FormValue("document_type")),
		Category:     strings.TrimSpace(r.FormValue("category")),
		TaxYear:      taxYear,
		Uploader:     uploader,
	})
	if err != nil {
		s.fail(w, err, types.ChildTypeTaxDocument)
		return
	}

	entry := s.logger.WithFields(logrus.Fields{
		"owner_id":  ownerID,
		"file_name": header.Filename,
	})
	for p := range upload.Progress() {
		entry.WithField("percent", int(p.Percent())).Debug("upload progress")
	}

	doc, err := upload.Wait()
	if err != nil {
		entry.WithError(err).Error("failed to upload document")
		s.fail(w, err, types.ChildTypeTaxDocument)
		return
	}

	s.views.InvalidateType(types.ChildTypeTaxDocument)
	s.respond(w, http.StatusCreated, success("Document uploaded", doc.Document.DocumentName+" was uploaded."), doc)
}

// readFile parses a multipart body and returns its "file" part. On failure
// the response has been written.
func (s *Service) readFile(w http.ResponseWriter, r *http.Request) (multipart.File, *multipart.FileHeader, bool) {
	if s.config.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes+maxMemoryBytes)
	}

	if err := r.ParseMultipartForm(maxMemoryBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.fail(w, documents.ErrFileTooLarge, "")
			return nil, nil, false
		}
		s.badRequest(w, "Invalid upload payload.")
		return nil, nil, false
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		_ = r.MultipartForm.RemoveAll()
		s.badRequest(w, "A file is required.")
		return nil, nil, false
	}
	return file, header, true
}

func (s *Service) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	owner, err := ownerFromContext(ctx)
	if err != nil {
		s.logger.WithError(err).Error("owner not found in context")
		s.internalServerError(w)
		return
	}

	childID := strings.TrimSpace(r.PathValue("childID"))

	if err := s.documents.Delete(ctx, owner.ID, childID); err != nil {
		s.fail(w, err, types.ChildTypeTaxDocument)
		return
	}

	s.views.Remove(types.ChildTypeTaxDocument, owner.ID, childID)
	s.respond(w, http.StatusOK, success("Document deleted", "The document was removed."), nil)
}
