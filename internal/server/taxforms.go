package server

import (
	"mime/multipart"
	"net/http"
	"strings"

	"taxdesk/internal/documents"
	"taxdesk/pkg/types"
)

type taxFormsResponse struct {
	Site *types.TaxForms `json:"site"`
	Mine *types.TaxForms `json:"mine"`
}

// handleGetTaxForms returns the site-wide forms and the ones prepared for
// the signed-in customer.
func (s *Service) handleGetTaxForms(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	owner, err := ownerFromContext(ctx)
	if err != nil {
		s.logger.WithError(err).Error("owner not found in context")
		s.internalServerError(w)
		return
	}

	site, err := s.documents.SiteForms(ctx)
	if err != nil {
		s.fail(w, err, "")
		return
	}

	current, err := s.store.Owner(ctx, owner.ID)
	if err != nil {
		s.fail(w, err, "")
		return
	}

	s.respond(w, http.StatusOK, nil, &taxFormsResponse{Site: site, Mine: current.TaxForms()})
}

func (s *Service) handleGetCustomers(w http.ResponseWriter, r *http.Request) {
	customers, err := s.fetcher.Customers(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("failed to list customers")
		s.fail(w, err, "")
		return
	}

	s.respond(w, http.StatusOK, nil, customers)
}

func (s *Service) handlePostSiteTaxForm(w http.ResponseWriter, r *http.Request) {
	file, header, ok := s.readFile(w, r)
	if !ok {
		return
	}
	defer r.MultipartForm.RemoveAll()
	defer file.Close()

	req, ok := s.formUpload(w, r, file, header)
	if !ok {
		return
	}

	forms, err := s.documents.UploadSiteForm(r.Context(), req)
	if err != nil {
		s.fail(w, err, "")
		return
	}

	s.respond(w, http.StatusCreated, success("Tax form updated", "Customers can now download "+req.FileName+"."), forms)
}

func (s *Service) handlePostOwnerTaxForm(w http.ResponseWriter, r *http.Request) {
	ownerID := strings.TrimSpace(r.PathValue("ownerID"))

	file, header, ok := s.readFile(w, r)
	if !ok {
		return
	}
	defer r.MultipartForm.RemoveAll()
	defer file.Close()

	req, ok := s.formUpload(w, r, file, header)
	if !ok {
		return
	}

	owner, err := s.documents.UploadOwnerForm(r.Context(), ownerID, req)
	if err != nil {
		s.fail(w, err, "")
		return
	}

	s.accounts.Forget(ownerID)
	s.respond(w, http.StatusCreated, success("Tax form uploaded", req.FileName+" was shared with "+owner.DisplayName()+"."), owner)
}

// formUpload pairs the uploaded file with the form kind field.
func (s *Service) formUpload(w http.ResponseWriter, r *http.Request, file multipart.File, header *multipart.FileHeader) (documents.FormUpload, bool) {
	kind, err := types.ParseTaxFormKind(r.FormValue("form"))
	if err != nil {
		s.badRequest(w, "Choose the current or prior year form.")
		return documents.FormUpload{}, false
	}

	return documents.FormUpload{
		Kind:        kind,
		FileName:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Body:        file,
	}, true
}
